// Package abstraction turns raw memory records into DeepParameters.
package abstraction

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rcliao/hamstore/internal/model"
)

// DefaultInlineLimit is the largest binary payload kept inline (base64).
const DefaultInlineLimit = 4 << 10

// Config selects the strategies of a Pipeline.
type Config struct {
	Summarizers []Summarizer
	Extractors  []Extractor
	Segment     SegmentOptions
	InlineLimit int
	Now         func() time.Time
}

// IngestOptions carries caller metadata for one record.
type IngestOptions struct {
	Tags          []string
	RetentionHint float64
	Protected     bool
	Fields        map[string]string
}

// Pipeline is safe for concurrent use when its strategies are.
type Pipeline struct {
	summarizers []Summarizer
	extractors  []Extractor
	segment     SegmentOptions
	inlineLimit int
	now         func() time.Time
	log         logrus.FieldLogger
}

// NewPipeline builds a pipeline. With no strategies configured it falls back to
// KeywordSummarizer then TruncateSummarizer, and PatternExtractor.
func NewPipeline(cfg Config, log logrus.FieldLogger) *Pipeline {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if len(cfg.Summarizers) == 0 {
		cfg.Summarizers = []Summarizer{KeywordSummarizer{}, TruncateSummarizer{}}
	}
	if len(cfg.Extractors) == 0 {
		cfg.Extractors = []Extractor{PatternExtractor{}}
	}
	if cfg.InlineLimit <= 0 {
		cfg.InlineLimit = DefaultInlineLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		summarizers: cfg.Summarizers,
		extractors:  cfg.Extractors,
		segment:     cfg.Segment,
		inlineLimit: cfg.InlineLimit,
		now:         cfg.Now,
		log:         log.WithField("component", "abstraction"),
	}
}

// Ingest abstracts rec into a DeepParameter. Nothing partial is returned: any
// failure yields a nil result and an error wrapping model.ErrAbstraction.
func (p *Pipeline) Ingest(ctx context.Context, rec model.MemoryRecord, opts IngestOptions) (*model.DeepParameter, error) {
	if opts.RetentionHint < 0 || opts.RetentionHint > 1 {
		return nil, fmt.Errorf("%w: retention hint %v outside [0,1]", model.ErrAbstraction, opts.RetentionHint)
	}
	text, err := describe(rec)
	if err != nil {
		return nil, err
	}
	sections := Segment(text, p.segment)
	if len(sections) == 0 {
		return nil, fmt.Errorf("%w: empty record", model.ErrAbstraction)
	}

	gist, err := p.summarize(ctx, sections)
	if err != nil {
		return nil, err
	}
	rel, err := p.extract(ctx, sections)
	if err != nil {
		return nil, err
	}
	mods, err := p.modalities(rec)
	if err != nil {
		return nil, err
	}

	captured := rec.IngestedAt
	if captured.IsZero() {
		captured = p.now()
	}
	fields := map[string]string{"kind": kind(rec)}
	for k, v := range opts.Fields {
		fields[k] = v
	}
	dp := &model.DeepParameter{
		Gist:       gist,
		Relational: rel,
		Modalities: mods,
		Metadata: model.Metadata{
			Tags:          normalizeTags(opts.Tags),
			RetentionHint: opts.RetentionHint,
			Protected:     opts.Protected,
			Source:        rec.Source,
			Fields:        fields,
		},
		CapturedAt: captured.UTC(),
	}
	if err := dp.Validate(); err != nil {
		if errors.Is(err, model.ErrAbstraction) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", model.ErrAbstraction, err)
	}
	return dp, nil
}

func (p *Pipeline) summarize(ctx context.Context, sections []Section) (model.Gist, error) {
	var errs []error
	for _, s := range p.summarizers {
		g, err := s.Summarize(ctx, sections)
		if err == nil && strings.TrimSpace(g.Summary) != "" {
			g.Quality = clamp01(g.Quality)
			if g.Keywords == nil {
				g.Keywords = []string{}
			}
			return g, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return model.Gist{}, fmt.Errorf("%w: %w", model.ErrAbstraction, ctxErr)
		}
		if err == nil {
			err = errors.New("empty summary")
		}
		p.log.WithError(err).WithField("strategy", s.Name()).Debug("summarizer failed, trying next")
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	return model.Gist{}, fmt.Errorf("%w: all summarizers failed: %w", model.ErrAbstraction, errors.Join(errs...))
}

func (p *Pipeline) extract(ctx context.Context, sections []Section) (model.RelationalContext, error) {
	var errs []error
	for _, x := range p.extractors {
		rc, err := x.Extract(ctx, sections)
		if err == nil {
			if rc.Triples == nil {
				rc.Triples = []model.Triple{}
			}
			if rc.Attributes == nil {
				rc.Attributes = map[string]string{}
			}
			return rc, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return model.RelationalContext{}, fmt.Errorf("%w: %w", model.ErrAbstraction, ctxErr)
		}
		p.log.WithError(err).WithField("strategy", x.Name()).Debug("extractor failed, trying next")
		errs = append(errs, fmt.Errorf("%s: %w", x.Name(), err))
	}
	return model.RelationalContext{}, fmt.Errorf("%w: all extractors failed: %w", model.ErrAbstraction, errors.Join(errs...))
}

// modalities keeps text and structured payloads inline and turns binary
// payloads above the inline limit into content references.
func (p *Pipeline) modalities(rec model.MemoryRecord) (model.ModalityBundle, error) {
	mods := model.ModalityBundle{}
	if t := strings.TrimSpace(rec.Text); t != "" {
		mods[model.ModalityText] = model.ModalityEntry{Inline: rec.Text, MediaType: "text/plain"}
	}
	if len(rec.Structured) > 0 {
		b, err := json.Marshal(rec.Structured)
		if err != nil {
			return nil, fmt.Errorf("%w: encode structured payload: %v", model.ErrAbstraction, err)
		}
		mods[model.ModalityStructured] = model.ModalityEntry{Inline: string(b), MediaType: "application/json"}
	}
	if len(rec.Binary) > 0 || rec.MediaRef != "" {
		e := model.ModalityEntry{MediaType: rec.MediaType, Size: int64(len(rec.Binary))}
		switch {
		case rec.MediaRef != "":
			e.Ref = rec.MediaRef
		case len(rec.Binary) <= p.inlineLimit:
			e.Inline = base64.StdEncoding.EncodeToString(rec.Binary)
		default:
			sum := sha256.Sum256(rec.Binary)
			e.Ref = "sha256:" + hex.EncodeToString(sum[:])
		}
		mods[binaryModality(rec.MediaType)] = e
	}
	for name, ref := range rec.Attachments {
		if name == "" || ref == "" {
			return nil, fmt.Errorf("%w: attachment with empty name or reference", model.ErrAbstraction)
		}
		if _, taken := mods[name]; taken {
			return nil, fmt.Errorf("%w: attachment %q collides with record payload", model.ErrAbstraction, name)
		}
		mods[name] = model.ModalityEntry{Ref: ref}
	}
	return mods, nil
}

func binaryModality(mediaType string) string {
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return model.ModalityImageRef
	case strings.HasPrefix(mediaType, "audio/"):
		return model.ModalityAudioRef
	}
	return model.ModalityBinaryRef
}

// describe renders the record as text for the summarizers. Structured fields
// become sorted "key: value" lines; binary-only records get a one-line caption.
func describe(rec model.MemoryRecord) (string, error) {
	var parts []string
	if t := strings.TrimSpace(rec.Text); t != "" {
		parts = append(parts, t)
	}
	if len(rec.Structured) > 0 {
		keys := make([]string, 0, len(rec.Structured))
		for k := range rec.Structured {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			v, err := scalar(rec.Structured[k])
			if err != nil {
				return "", fmt.Errorf("%w: structured field %q: %v", model.ErrAbstraction, k, err)
			}
			lines = append(lines, k+": "+v)
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	if len(parts) == 0 && (len(rec.Binary) > 0 || rec.MediaRef != "") {
		mt := rec.MediaType
		if mt == "" {
			mt = "application/octet-stream"
		}
		caption := fmt.Sprintf("%s attachment of %d bytes", mt, len(rec.Binary))
		if rec.MediaRef != "" {
			caption = fmt.Sprintf("%s attachment at %s", mt, rec.MediaRef)
		}
		if rec.Source != "" {
			caption += " from " + rec.Source
		}
		parts = append(parts, caption+".")
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: empty record", model.ErrAbstraction)
	}
	return strings.Join(parts, "\n\n"), nil
}

func scalar(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case nil:
		return "null", nil
	case fmt.Stringer:
		return x.String(), nil
	case bool, int, int64, float64, float32, int32, uint, uint64, json.Number:
		return fmt.Sprint(x), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func kind(rec model.MemoryRecord) string {
	if rec.Kind != "" {
		return rec.Kind
	}
	switch {
	case strings.TrimSpace(rec.Text) != "":
		return model.PayloadText
	case len(rec.Structured) > 0:
		return model.PayloadStructured
	}
	return model.PayloadBinary
}

func normalizeTags(tags []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
