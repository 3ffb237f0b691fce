package abstraction

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/hamstore/internal/model"
)

var fixed = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

func newPipeline(cfg Config) *Pipeline {
	cfg.Now = func() time.Time { return fixed }
	return NewPipeline(cfg, nil)
}

type failing struct{ name string }

func (f failing) Name() string { return f.name }

func (f failing) Summarize(context.Context, []Section) (model.Gist, error) {
	return model.Gist{}, errors.New("unavailable")
}

func (f failing) Extract(context.Context, []Section) (model.RelationalContext, error) {
	return model.RelationalContext{}, errors.New("unavailable")
}

func TestIngestText(t *testing.T) {
	p := newPipeline(Config{})
	rec := model.MemoryRecord{
		Kind:   model.PayloadText,
		Text:   "Alice prefers dark roast coffee. She drinks it every morning.",
		Source: "chat",
	}
	dp, err := p.Ingest(context.Background(), rec, IngestOptions{Tags: []string{"Coffee", " prefs ", "coffee"}, RetentionHint: 0.7})
	require.NoError(t, err)

	assert.Equal(t, "Alice prefers dark roast coffee.", dp.Gist.Summary)
	assert.Equal(t, []string{"alice", "prefers", "dark", "roast", "coffee"}, dp.Gist.Keywords)
	assert.InDelta(t, 0.9, dp.Gist.Quality, 1e-9)
	assert.Equal(t, []model.Triple{{Subject: "Alice", Relation: "prefers", Object: "dark roast coffee"}}, dp.Relational.Triples)
	assert.Equal(t, "latin", dp.Relational.Attributes["script"])
	assert.Equal(t, rec.Text, dp.Modalities[model.ModalityText].Inline)
	assert.Equal(t, []string{"coffee", "prefs"}, dp.Metadata.Tags)
	assert.Equal(t, "chat", dp.Metadata.Source)
	assert.Equal(t, "text", dp.Metadata.Fields["kind"])
	assert.Equal(t, fixed, dp.CapturedAt)
}

func TestIngestKeepsRecordTimestamp(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	dp, err := newPipeline(Config{}).Ingest(context.Background(), model.MemoryRecord{Text: "Hello there.", IngestedAt: at}, IngestOptions{})
	require.NoError(t, err)
	assert.True(t, dp.CapturedAt.Equal(at))
	assert.Equal(t, time.UTC, dp.CapturedAt.Location())
}

func TestIngestRejectsEmptyRecord(t *testing.T) {
	p := newPipeline(Config{})
	for name, rec := range map[string]model.MemoryRecord{
		"zero":       {},
		"whitespace": {Text: " \n\t "},
		"no payload": {Source: "chat", Attachments: map[string]string{"image-ref": "s3://x"}},
	} {
		t.Run(name, func(t *testing.T) {
			dp, err := p.Ingest(context.Background(), rec, IngestOptions{})
			assert.Nil(t, dp)
			assert.ErrorIs(t, err, model.ErrAbstraction)
		})
	}
}

func TestIngestRejectsBadRetentionHint(t *testing.T) {
	_, err := newPipeline(Config{}).Ingest(context.Background(), model.MemoryRecord{Text: "x."}, IngestOptions{RetentionHint: 1.5})
	assert.ErrorIs(t, err, model.ErrAbstraction)
}

func TestSummarizersTriedInOrder(t *testing.T) {
	p := newPipeline(Config{Summarizers: []Summarizer{failing{"remote"}, TruncateSummarizer{MaxRunes: 10}}})
	dp, err := p.Ingest(context.Background(), model.MemoryRecord{Text: "the quick brown fox jumps over the lazy dog"}, IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "the quick…", dp.Gist.Summary)
	assert.Equal(t, 0.2, dp.Gist.Quality)
}

func TestAllStrategiesFailing(t *testing.T) {
	rec := model.MemoryRecord{Text: "Bob uses Go."}

	p := newPipeline(Config{Summarizers: []Summarizer{failing{"a"}, failing{"b"}}})
	dp, err := p.Ingest(context.Background(), rec, IngestOptions{})
	assert.Nil(t, dp)
	assert.ErrorIs(t, err, model.ErrAbstraction)
	assert.Contains(t, err.Error(), "a: unavailable")
	assert.Contains(t, err.Error(), "b: unavailable")

	p = newPipeline(Config{Extractors: []Extractor{failing{"x"}}})
	dp, err = p.Ingest(context.Background(), rec, IngestOptions{})
	assert.Nil(t, dp, "a gist alone is never returned")
	assert.ErrorIs(t, err, model.ErrAbstraction)
}

func TestIngestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newPipeline(Config{}).Ingest(ctx, model.MemoryRecord{Text: "Hello there."}, IngestOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, model.ErrAbstraction)
}

func TestLargeBinaryBecomesReference(t *testing.T) {
	p := newPipeline(Config{InlineLimit: 1024})
	blob := make([]byte, 5000)
	dp, err := p.Ingest(context.Background(), model.MemoryRecord{
		Binary: blob, MediaType: "image/png", Source: "camera",
	}, IngestOptions{})
	require.NoError(t, err)

	e, ok := dp.Modalities[model.ModalityImageRef]
	require.True(t, ok)
	assert.Empty(t, e.Inline)
	assert.True(t, strings.HasPrefix(e.Ref, "sha256:"))
	assert.Len(t, e.Ref, len("sha256:")+64)
	assert.Equal(t, int64(5000), e.Size)
	assert.Equal(t, "image/png attachment of 5000 bytes from camera.", dp.Gist.Summary)
	assert.Equal(t, "binary", dp.Metadata.Fields["kind"])
}

func TestSmallBinaryIsInlined(t *testing.T) {
	dp, err := newPipeline(Config{}).Ingest(context.Background(), model.MemoryRecord{
		Text: "Voice memo.", Binary: []byte("RIFF"), MediaType: "audio/wav",
		Attachments: map[string]string{"transcript-ref": "file://memo.txt"},
	}, IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "UklGRg==", dp.Modalities[model.ModalityAudioRef].Inline)
	assert.Equal(t, "file://memo.txt", dp.Modalities["transcript-ref"].Ref)
	assert.Contains(t, dp.Modalities, model.ModalityText)
}

func TestAttachmentCollision(t *testing.T) {
	_, err := newPipeline(Config{}).Ingest(context.Background(), model.MemoryRecord{
		Text: "Hi.", Attachments: map[string]string{model.ModalityText: "file://x"},
	}, IngestOptions{})
	assert.ErrorIs(t, err, model.ErrAbstraction)
}

func TestIngestStructured(t *testing.T) {
	dp, err := newPipeline(Config{}).Ingest(context.Background(), model.MemoryRecord{
		Structured: map[string]any{"visits": 3, "city": "Paris"},
	}, IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "city: Paris", dp.Gist.Summary)
	assert.Equal(t, []model.Triple{
		{Subject: "record", Relation: "city", Object: "Paris"},
		{Subject: "record", Relation: "visits", Object: "3"},
	}, dp.Relational.Triples)
	assert.JSONEq(t, `{"city":"Paris","visits":3}`, dp.Modalities[model.ModalityStructured].Inline)
}

func TestKeywordsByFrequency(t *testing.T) {
	g, err := KeywordSummarizer{}.Summarize(context.Background(), Segment("Go go go. Rust rust. The Python.", SegmentOptions{}))
	require.NoError(t, err)
	assert.Equal(t, "Go go go.", g.Summary)
	assert.Equal(t, []string{"go", "rust", "python"}, g.Keywords)
}

func TestHanTextIsDiscounted(t *testing.T) {
	ctx := context.Background()
	han, err := KeywordSummarizer{}.Summarize(ctx, Segment("我喜欢喝咖啡。每天早上都喝。", SegmentOptions{}))
	require.NoError(t, err)
	assert.Equal(t, "我喜欢喝咖啡。", han.Summary)
	assert.Contains(t, han.Keywords, "咖啡")

	latin, err := KeywordSummarizer{}.Summarize(ctx, Segment("I like drinking coffee every single morning.", SegmentOptions{}))
	require.NoError(t, err)
	assert.Less(t, han.Quality, latin.Quality)
}

func TestPatternExtractor(t *testing.T) {
	rc, err := PatternExtractor{}.Extract(context.Background(),
		Segment("Alice's car is red. Bob uses Go daily. Go is a programming language.", SegmentOptions{}))
	require.NoError(t, err)
	assert.Equal(t, []model.Triple{
		{Subject: "Alice", Relation: "has_car", Object: "red"},
		{Subject: "Bob", Relation: "uses", Object: "Go daily"},
		{Subject: "Go", Relation: "is", Object: "programming language"},
	}, rc.Triples)
	assert.Equal(t, "1", rc.Attributes["sections"])
}

func TestSegmentMergesParagraphs(t *testing.T) {
	para := strings.Repeat("word ", 30) // 150 bytes
	var paras []string
	for i := 0; i < 10; i++ {
		paras = append(paras, strings.TrimSpace(para))
	}
	secs := Segment(strings.Join(paras, "\n\n"), SegmentOptions{Target: 400, Max: 600})
	require.Len(t, secs, 5)
	assert.Equal(t, 1, secs[0].StartLine)
	assert.Equal(t, 3, secs[0].EndLine)
	assert.Equal(t, 5, secs[1].StartLine)
	for _, s := range secs {
		assert.LessOrEqual(t, len(s.Text), 600)
	}
}

func TestSegmentSplitsOnHeadings(t *testing.T) {
	text := "# One\n" + strings.Repeat("alpha ", 70) + "\n# Two\n" + strings.Repeat("beta ", 70)
	secs := Segment(text, SegmentOptions{Target: 400, Max: 600})
	require.Len(t, secs, 2)
	assert.True(t, strings.HasPrefix(secs[1].Text, "# Two"))
	assert.Equal(t, 3, secs[1].StartLine)
}

func TestSegmentHardSplitsLongLine(t *testing.T) {
	secs := Segment(strings.Repeat("é", 1000), SegmentOptions{Target: 400, Max: 600})
	require.Greater(t, len(secs), 1)
	var total int
	for _, s := range secs {
		assert.LessOrEqual(t, len(s.Text), 600)
		total += len(s.Text)
	}
	assert.Equal(t, 2000, total, "no bytes lost and no rune split")
}

func TestRender(t *testing.T) {
	dp := &model.DeepParameter{
		Gist:       model.Gist{Summary: "Bob uses Go.", Keywords: []string{"bob", "go"}},
		Relational: model.RelationalContext{Triples: []model.Triple{{Subject: "Bob", Relation: "uses", Object: "Go"}}},
		Modalities: model.ModalityBundle{"image-ref": {Ref: "s3://b/k"}, "text": {Inline: "x"}},
		Metadata:   model.Metadata{Tags: []string{"lang"}},
	}
	assert.Equal(t, "Summary: Bob uses Go.\nKeywords: bob, go\nRelations:\n  - Bob -> uses -> Go\nRef image-ref: s3://b/k\nTags: lang", Render(dp))
}

func TestChatSummarizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant",
			"content":"{\"summary\":\"Alice likes coffee.\",\"keywords\":[\"alice\",\"coffee\"],\"quality\":0.8}"}}]}`))
	}))
	defer srv.Close()

	p := newPipeline(Config{Summarizers: []Summarizer{NewChatSummarizer(srv.URL, "test", "m")}})
	dp, err := p.Ingest(context.Background(), model.MemoryRecord{Text: "Alice said she really likes coffee."}, IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Alice likes coffee.", dp.Gist.Summary)
	assert.Equal(t, []string{"alice", "coffee"}, dp.Gist.Keywords)
	assert.InDelta(t, 0.8, dp.Gist.Quality, 1e-9)
}

func TestChatSummarizerFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"down"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := newPipeline(Config{Summarizers: []Summarizer{NewChatSummarizer(srv.URL, "test", "m"), KeywordSummarizer{}}})
	dp, err := p.Ingest(context.Background(), model.MemoryRecord{Text: "Alice likes coffee."}, IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Alice likes coffee.", dp.Gist.Summary)
}
