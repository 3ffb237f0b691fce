package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/hamstore/internal/index"
	"github.com/rcliao/hamstore/internal/lineage"
	"github.com/rcliao/hamstore/internal/model"
	"github.com/rcliao/hamstore/internal/store"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store   *store.SQLiteStore
	index   *index.Index
	lineage *lineage.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "life.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	x, err := index.Open(context.Background(), s.DB(), index.Options{Dims: 2}, nil)
	require.NoError(t, err)
	return &harness{store: s, index: x, lineage: lineage.New(s, nil, func() time.Time { return t0 })}
}

func (h *harness) put(t *testing.T, id string, hint float64, protected bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.Put(ctx, &model.MemoryPackage{
		ID: id, Payload: []byte("payload-" + id), Codec: "raw", KeyVersion: "v1",
		CreatedAt: t0, LastAccess: t0, RetentionHint: hint, Protected: protected,
	}))
	require.NoError(t, h.index.Index(ctx, id, []float32{1, float32(hint) + 0.1}))
}

func hintOnly() *Scorer {
	return NewScorer(ScorerOptions{Weights: Weights{Hint: 1}, Now: func() time.Time { return t0 }})
}

func TestScoreComponents(t *testing.T) {
	now := t0
	s := NewScorer(ScorerOptions{
		Weights:      Weights{Recency: 1, Frequency: 1, Hint: 1},
		HalfLife:     time.Hour,
		FrequencyCap: 9,
		Now:          func() time.Time { return now },
	})

	fresh := model.PackageMeta{LastAccess: now}
	assert.InDelta(t, 1.0, s.Recency(fresh), 1e-9)
	hourOld := model.PackageMeta{LastAccess: now.Add(-time.Hour)}
	assert.InDelta(t, 0.5, s.Recency(hourOld), 1e-9)
	created := model.PackageMeta{CreatedAt: now.Add(-2 * time.Hour)}
	assert.InDelta(t, 0.25, s.Recency(created), 1e-9)

	assert.Equal(t, 0.0, s.Frequency(model.PackageMeta{}))
	assert.InDelta(t, 1.0, s.Frequency(model.PackageMeta{AccessCount: 9}), 1e-9)
	assert.Equal(t, 1.0, s.Frequency(model.PackageMeta{AccessCount: 1000}))

	m := model.PackageMeta{LastAccess: now, AccessCount: 9, RetentionHint: 2}
	assert.InDelta(t, 3.0, s.Score(m), 1e-9, "hint is clamped to 1")
}

func TestScoreIsMonotoneInRecencyAndAccess(t *testing.T) {
	s := NewScorer(ScorerOptions{Now: func() time.Time { return t0 }})
	older := model.PackageMeta{LastAccess: t0.Add(-48 * time.Hour), AccessCount: 3, RetentionHint: 0.5}
	newer := older
	newer.LastAccess = t0.Add(-time.Hour)
	assert.Greater(t, s.Score(newer), s.Score(older))

	busier := older
	busier.AccessCount = 30
	assert.Greater(t, s.Score(busier), s.Score(older))
}

func TestTickEvictsLowestScore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.put(t, "low", 0.1, false)
	h.put(t, "mid", 0.5, false)
	h.put(t, "high", 0.9, false)

	m := NewManager(h.store, h.index, h.lineage, hintOnly(), Options{MaxPackages: 2}, nil)
	evicted, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"low"}, evicted)

	n, _ := h.store.Count(ctx)
	assert.Equal(t, 2, n)
	assert.False(t, h.index.Has("low"))

	meta, err := h.store.GetMeta(ctx, "high")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, meta.Importance, 1e-9, "tick persists fresh scores")

	r := m.LastReport()
	require.NotNil(t, r)
	assert.NotEmpty(t, r.RunID)
	assert.Equal(t, 3, r.Scored)
}

func TestTickNeverEvictsProtected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.put(t, "keep1", 0.0, true)
	h.put(t, "keep2", 0.0, true)
	h.put(t, "a", 0.3, false)
	h.put(t, "b", 0.6, false)

	m := NewManager(h.store, h.index, h.lineage, hintOnly(), Options{MaxPackages: 1}, nil)
	evicted, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, evicted)

	for _, id := range []string{"keep1", "keep2"} {
		ok, _ := h.store.Exists(ctx, id)
		assert.True(t, ok, "%s must survive", id)
	}
}

func TestTickRespectsByteBudgetAndCap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.put(t, fmt.Sprintf("p%d", i), float64(i)/10, false)
	}
	// each payload is 10 bytes ("payload-pN")
	m := NewManager(h.store, h.index, h.lineage, hintOnly(),
		Options{MaxBytes: 20, MaxEvictionsPerTick: 2}, nil)

	evicted, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p0", "p1"}, evicted)

	evicted, err = m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, evicted)

	evicted, err = m.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, evicted)
}

func TestMakeRoomReservesSpace(t *testing.T) {
	h := newHarness(t)
	h.put(t, "a", 0.2, false)
	h.put(t, "b", 0.8, false)

	m := NewManager(h.store, h.index, h.lineage, hintOnly(), Options{MaxPackages: 2}, nil)
	evicted, err := m.MakeRoom(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, evicted)
}

func TestEvictIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.put(t, "parent", 0.5, false)
	h.put(t, "child", 0.5, false)
	_, err := h.lineage.Link(ctx, "child", "parent", model.RelSummarizes)
	require.NoError(t, err)

	var hooked []string
	m := NewManager(h.store, h.index, h.lineage, hintOnly(), Options{}, nil)
	m.OnEvict(func(id string) { hooked = append(hooked, id) })

	require.NoError(t, m.Evict(ctx, "parent"))
	first, err := h.store.Stats(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Evict(ctx, "parent"))
	second, err := h.store.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.Packages, second.Packages)
	assert.Equal(t, first.Edges, second.Edges)
	assert.Equal(t, first.OrphanedEdges, second.OrphanedEdges)
	assert.Equal(t, 1, h.index.Count())
	assert.Equal(t, []string{"parent", "parent"}, hooked)

	chain, err := h.lineage.Lineage(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, []string{"child"}, chain, "child becomes a root")
}

type flakyIndex struct {
	*index.Index
	mu   sync.Mutex
	fail map[string]int
}

func (f *flakyIndex) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	if f.fail[id] > 0 {
		f.fail[id]--
		f.mu.Unlock()
		return errors.New("index unavailable")
	}
	f.mu.Unlock()
	return f.Index.Remove(ctx, id)
}

func TestFailedIndexRemovalIsRetriedNextTick(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.put(t, "stuck", 0.1, false)
	h.put(t, "next", 0.2, false)
	h.put(t, "keep", 0.9, false)

	log, hook := test.NewNullLogger()
	idx := &flakyIndex{Index: h.index, fail: map[string]int{"stuck": 1}}
	m := NewManager(h.store, idx, h.lineage, hintOnly(), Options{MaxPackages: 2}, log)

	evicted, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"next"}, evicted, "tick continues past the failing candidate")
	assert.Equal(t, []string{"stuck"}, m.PendingRetries())

	ok, _ := h.store.Exists(ctx, "stuck")
	assert.True(t, ok, "store row kept while its index entry exists")
	assert.True(t, h.index.Has("stuck"))
	assert.NotEmpty(t, hook.AllEntries())

	evicted, err = m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stuck"}, evicted)
	assert.Empty(t, m.PendingRetries())
}

func TestConcurrentTicksDoNotDoubleEvict(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for i := 0; i < 6; i++ {
		h.put(t, fmt.Sprintf("p%d", i), float64(i)/10, false)
	}
	m := NewManager(h.store, h.index, h.lineage, hintOnly(), Options{MaxPackages: 3}, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var all []string
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := m.Tick(ctx)
			assert.NoError(t, err)
			mu.Lock()
			all = append(all, ev...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.ElementsMatch(t, []string{"p0", "p1", "p2"}, all)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	h := newHarness(t)
	m := NewManager(h.store, h.index, h.lineage, hintOnly(), Options{}, nil)

	_, err := NewScheduler(m, "not a schedule", nil)
	assert.Error(t, err)

	s, err := NewScheduler(m, "@every 1h", nil)
	require.NoError(t, err)
	s.Start()
	<-s.Stop().Done()
}

// protectingStore protects one package right after the tick takes its snapshot.
type protectingStore struct {
	*store.SQLiteStore
	target string
}

func (p *protectingStore) ListMeta(ctx context.Context) ([]model.PackageMeta, error) {
	metas, err := p.SQLiteStore.ListMeta(ctx)
	if err != nil {
		return nil, err
	}
	return metas, p.SetProtected(ctx, p.target, true)
}

func TestTickSkipsPackageProtectedAfterSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.put(t, "low", 0.1, false)
	h.put(t, "high", 0.9, false)

	st := &protectingStore{SQLiteStore: h.store, target: "low"}
	m := NewManager(st, h.index, h.lineage, hintOnly(), Options{MaxPackages: 1}, nil)

	evicted, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"high"}, evicted)
	assert.Empty(t, m.PendingRetries())

	meta, err := h.store.GetMeta(ctx, "low")
	require.NoError(t, err)
	assert.True(t, meta.Protected)
	assert.True(t, h.index.Has("low"), "protected package stays indexed")
}

// linkingLineage links a new child to the evicted package once its edges
// have been detached, before the store row is deleted.
type linkingLineage struct {
	*lineage.Manager
	late func(ctx context.Context, id string)
}

func (l *linkingLineage) Detach(ctx context.Context, id string) ([]string, error) {
	orphans, err := l.Manager.Detach(ctx, id)
	l.late(ctx, id)
	return orphans, err
}

func TestEvictOrphansChildLinkedAfterDetach(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.put(t, "parent", 0.5, false)
	h.put(t, "late", 0.5, false)

	lin := &linkingLineage{Manager: h.lineage, late: func(ctx context.Context, id string) {
		_, err := h.lineage.Link(ctx, "late", id, model.RelDerivedFrom)
		assert.NoError(t, err)
	}}
	m := NewManager(h.store, h.index, lin, hintOnly(), Options{}, nil)
	require.NoError(t, m.Evict(ctx, "parent"))

	edge, err := h.lineage.Parent(ctx, "late")
	require.NoError(t, err)
	assert.Nil(t, edge, "no live edge may point at an evicted package")
	meta, err := h.store.GetMeta(ctx, "late")
	require.NoError(t, err)
	assert.Empty(t, meta.ParentID)

	_, err = h.lineage.Link(ctx, "late", "parent", model.RelDerivedFrom)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
