package abstraction

import (
	"context"
	"errors"
	"strings"

	"github.com/rcliao/hamstore/internal/model"
)

// Summarizer turns the sections of a record into a Gist.
type Summarizer interface {
	Name() string
	Summarize(ctx context.Context, sections []Section) (model.Gist, error)
}

var errNoText = errors.New("no text to summarize")

// KeywordSummarizer takes the first sentence of each leading section as the
// summary and the most frequent non-stopword tokens as keywords.
type KeywordSummarizer struct {
	TopN        int // keywords kept, default 5
	MaxSections int // sections contributing a sentence, default 3
}

func (KeywordSummarizer) Name() string { return "keyword" }

func (k KeywordSummarizer) Summarize(ctx context.Context, sections []Section) (model.Gist, error) {
	topN, maxSections := k.TopN, k.MaxSections
	if topN <= 0 {
		topN = 5
	}
	if maxSections <= 0 {
		maxSections = 3
	}

	var sentences []string
	var all strings.Builder
	for i, s := range sections {
		if err := ctx.Err(); err != nil {
			return model.Gist{}, err
		}
		all.WriteString(s.Text)
		all.WriteByte('\n')
		if i < maxSections {
			if fs := firstSentence(stripHeading(s.Text)); fs != "" {
				sentences = append(sentences, fs)
			}
		}
	}
	if len(sentences) == 0 {
		return model.Gist{}, errNoText
	}
	text := all.String()
	keywords := topKeywords(text, topN)
	return model.Gist{
		Summary:  strings.Join(sentences, " "),
		Keywords: keywords,
		Quality:  quality(text, keywords, topN),
	}, nil
}

// quality is a rough confidence: full keyword coverage scores high, Han text
// is discounted because bigram keywords are a weak signal.
func quality(text string, keywords []string, topN int) float64 {
	q := 0.4 + 0.5*float64(len(keywords))/float64(topN)
	switch script(text) {
	case "han":
		q *= 0.6
	case "mixed":
		q *= 0.8
	}
	return clamp01(q)
}

func stripHeading(text string) string {
	lines := strings.SplitN(text, "\n", 2)
	if strings.HasPrefix(strings.TrimSpace(lines[0]), "#") {
		if len(lines) == 1 {
			return strings.TrimLeft(strings.TrimSpace(lines[0]), "# ")
		}
		return lines[1]
	}
	return text
}

// TruncateSummarizer keeps the first MaxRunes runes of the text. It only fails
// on empty input, which makes it a useful last resort.
type TruncateSummarizer struct {
	MaxRunes int // default 160
	TopN     int // default 5
}

func (TruncateSummarizer) Name() string { return "truncate" }

func (t TruncateSummarizer) Summarize(_ context.Context, sections []Section) (model.Gist, error) {
	maxRunes, topN := t.MaxRunes, t.TopN
	if maxRunes <= 0 {
		maxRunes = 160
	}
	if topN <= 0 {
		topN = 5
	}
	var parts []string
	for _, s := range sections {
		parts = append(parts, s.Text)
	}
	text := strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
	if text == "" {
		return model.Gist{}, errNoText
	}
	return model.Gist{
		Summary:  truncateRunes(text, maxRunes),
		Keywords: topKeywords(text, topN),
		Quality:  0.2,
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
