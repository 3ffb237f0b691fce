package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/hamstore/internal/model"
	"github.com/rcliao/hamstore/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestIndex(t *testing.T, opts Options) (*Index, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	if opts.Now == nil {
		opts.Now = (&fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}).now
	}
	log, _ := test.NewNullLogger()
	x, err := Open(context.Background(), s.DB(), opts, log)
	require.NoError(t, err)
	return x, s
}

func TestQueryNearestFirst(t *testing.T) {
	ctx := context.Background()
	x, _ := newTestIndex(t, Options{Dims: 3})

	require.NoError(t, x.Index(ctx, "north", []float32{0, 1, 0}))
	require.NoError(t, x.Index(ctx, "east", []float32{1, 0, 0}))
	require.NoError(t, x.Index(ctx, "northeast", []float32{1, 1, 0}))

	res, err := x.Query(ctx, []float32{0.1, 1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "north", res[0].ID)
	assert.Equal(t, "northeast", res[1].ID)
	assert.Less(t, res[0].Distance, res[1].Distance)
}

func TestQueryTiesPreferRecent(t *testing.T) {
	ctx := context.Background()
	for _, m := range []Metric{Cosine, L2, Dot} {
		t.Run(string(m), func(t *testing.T) {
			x, _ := newTestIndex(t, Options{Dims: 2, Metric: m})
			for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
				require.NoError(t, x.Index(ctx, id, []float32{1, 1}))
			}
			require.NoError(t, x.Index(ctx, "far", []float32{-1, 0.5}))

			res, err := x.Query(ctx, []float32{1, 1}, 2)
			require.NoError(t, err)
			require.Len(t, res, 2)
			assert.Equal(t, "t5", res[0].ID)
			assert.Equal(t, "t4", res[1].ID)
		})
	}
}

func TestWrongDimensionRejected(t *testing.T) {
	ctx := context.Background()
	x, _ := newTestIndex(t, Options{Dims: 3})
	require.NoError(t, x.Index(ctx, "a", []float32{1, 2, 3}))

	_, err := x.Query(ctx, []float32{1, 2}, 1)
	assert.ErrorIs(t, err, model.ErrDimension)

	err = x.Index(ctx, "b", []float32{1, 2, 3, 4})
	assert.ErrorIs(t, err, model.ErrDimension)

	assert.Equal(t, 1, x.Count())
	assert.False(t, x.Has("b"))
	e, ok := x.Get("a")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, e.Embedding)
}

func TestZeroVectorRejectedUnderCosine(t *testing.T) {
	x, _ := newTestIndex(t, Options{Dims: 2})
	err := x.Index(context.Background(), "z", []float32{0, 0})
	assert.ErrorIs(t, err, model.ErrDimension)
	assert.Equal(t, 0, x.Count())
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	x, _ := newTestIndex(t, Options{Dims: 2})
	require.NoError(t, x.Index(ctx, "a", []float32{1, 0}))
	require.NoError(t, x.Index(ctx, "b", []float32{0, 1}))

	require.NoError(t, x.Remove(ctx, "a"))
	require.NoError(t, x.Remove(ctx, "a"))
	assert.Equal(t, []string{"b"}, x.IDs())

	res, err := x.Query(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "b", res[0].ID)
}

func TestReopenRebuildsFromPersistedEntries(t *testing.T) {
	ctx := context.Background()
	x, s := newTestIndex(t, Options{Dims: 2, Metric: L2})
	require.NoError(t, x.Index(ctx, "a", []float32{0, 0}))
	require.NoError(t, x.Index(ctx, "b", []float32{3, 4}))

	y, err := Open(ctx, s.DB(), Options{Dims: 2, Metric: L2}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, y.Count())

	res, err := y.Query(ctx, []float32{0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "a", res[0].ID)
	assert.InDelta(t, 5.0, res[1].Distance, 1e-9)
}

func TestShapeChangeNeedsReset(t *testing.T) {
	ctx := context.Background()
	x, s := newTestIndex(t, Options{Dims: 2})
	require.NoError(t, x.Index(ctx, "a", []float32{1, 0}))

	_, err := Open(ctx, s.DB(), Options{Dims: 4}, nil)
	assert.ErrorIs(t, err, model.ErrDimension)

	y, err := Open(ctx, s.DB(), Options{Dims: 4, Reset: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, y.Count())
}

func TestQueryEmptyIndexAndZeroK(t *testing.T) {
	x, _ := newTestIndex(t, Options{Dims: 2})
	res, err := x.Query(context.Background(), []float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Empty(t, res)

	res, err = x.Query(context.Background(), []float32{1, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestEmbeddingCodec(t *testing.T) {
	v := []float32{1.5, -2.25, 0, 3e-7}
	back, err := decodeEmbedding(encodeEmbedding(v))
	require.NoError(t, err)
	assert.Equal(t, v, back)

	_, err = decodeEmbedding([]byte{1, 2, 3})
	assert.Error(t, err)
}
