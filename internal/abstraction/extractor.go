package abstraction

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rcliao/hamstore/internal/model"
)

// Extractor derives relational context from the sections of a record.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, sections []Section) (model.RelationalContext, error)
}

var (
	fieldPattern      = regexp.MustCompile(`^([A-Za-z_][\w .-]{0,40}):\s+(.+)$`)
	possessivePattern = regexp.MustCompile(`(?i)^(\w+)'s\s+(\w+)\s+(?:is|was|are|were)\s+(.+)$`)
	copulaPattern     = regexp.MustCompile(`(?i)^(\w[\w ]{0,40}?)\s+(is|are|was|were)\s+(?:an?\s+|the\s+)?(.+)$`)
	verbPattern       = regexp.MustCompile(`(?i)^(\w[\w ]{0,40}?)\s+(uses|used|owns|likes|prefers|needs|wants|knows|created|wrote|built|met|lives in|works at|works on)\s+(.+)$`)
	clauseEnd         = regexp.MustCompile(`[,;:.!?。！？]`)
)

// PatternExtractor pulls triples out of simple sentence shapes: "key: value"
// lines, possessives ("Alice's car is red"), copulas ("Go is a language") and
// a fixed set of verbs. It also records script, length and section count.
type PatternExtractor struct {
	MaxTriples int // default 16
}

func (PatternExtractor) Name() string { return "pattern" }

func (p PatternExtractor) Extract(ctx context.Context, sections []Section) (model.RelationalContext, error) {
	limit := p.MaxTriples
	if limit <= 0 {
		limit = 16
	}
	rc := model.RelationalContext{Triples: []model.Triple{}, Attributes: map[string]string{}}
	seen := map[model.Triple]bool{}
	var text strings.Builder

	for _, s := range sections {
		if err := ctx.Err(); err != nil {
			return model.RelationalContext{}, err
		}
		text.WriteString(s.Text)
		text.WriteByte('\n')
		for _, sent := range sentences(s.Text) {
			if len(rc.Triples) >= limit {
				break
			}
			t, ok := match(sent)
			if !ok || seen[t] {
				continue
			}
			seen[t] = true
			rc.Triples = append(rc.Triples, t)
		}
	}

	all := text.String()
	rc.Attributes["script"] = script(all)
	rc.Attributes["chars"] = strconv.Itoa(utf8.RuneCountInString(strings.TrimSpace(all)))
	rc.Attributes["sections"] = strconv.Itoa(len(sections))
	return rc, nil
}

func match(sent string) (model.Triple, bool) {
	if m := fieldPattern.FindStringSubmatch(sent); m != nil {
		return triple("record", strings.ToLower(strings.TrimSpace(m[1])), m[2])
	}
	if m := possessivePattern.FindStringSubmatch(sent); m != nil {
		return triple(m[1], "has_"+strings.ToLower(m[2]), m[3])
	}
	if m := verbPattern.FindStringSubmatch(sent); m != nil {
		return triple(m[1], strings.ReplaceAll(strings.ToLower(m[2]), " ", "_"), m[3])
	}
	if m := copulaPattern.FindStringSubmatch(sent); m != nil {
		return triple(m[1], "is", m[3])
	}
	return model.Triple{}, false
}

func triple(subj, rel, obj string) (model.Triple, bool) {
	subj = strings.TrimSpace(subj)
	if loc := clauseEnd.FindStringIndex(obj); loc != nil {
		obj = obj[:loc[0]]
	}
	obj = strings.TrimSpace(obj)
	if utf8.RuneCountInString(obj) > 60 {
		obj = truncateRunes(obj, 60)
	}
	if subj == "" || obj == "" {
		return model.Triple{}, false
	}
	return model.Triple{Subject: subj, Relation: rel, Object: obj}, true
}

// sentences splits on line breaks and sentence terminators.
func sentences(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#-*>"))
		if line == "" {
			continue
		}
		if fieldPattern.MatchString(line) {
			out = append(out, line)
			continue
		}
		for line != "" {
			fs := firstSentence(line)
			out = append(out, strings.TrimRight(fs, ".!?。！？"))
			line = strings.TrimSpace(line[len(fs):])
		}
	}
	return out
}
