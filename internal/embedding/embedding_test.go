package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/hamstore/internal/model"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashEmbedderIsDeterministic(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(64)
	a, err := e.Embed(ctx, "Alice prefers dark roast coffee")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "alice PREFERS dark, roast coffee!")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.Equal(t, 64, e.Dims())
}

func TestHashEmbedderSimilarity(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(512)
	q, _ := e.Embed(ctx, "coffee every morning")
	near, _ := e.Embed(ctx, "she drinks coffee every morning")
	far, _ := e.Embed(ctx, "kubernetes cluster upgrade notes")
	assert.Greater(t, cosine(q, near), cosine(q, far))
}

func TestHashEmbedderRejectsEmptyText(t *testing.T) {
	_, err := NewHashEmbedder(0).Embed(context.Background(), "  ... ")
	assert.Error(t, err)
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(Config{Provider: "bogus"})
	assert.Error(t, err)

	e, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, &HashEmbedder{}, e)
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "all-minilm", req["model"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"all-minilm","embeddings":[[0.1,0.2,0.3]]}`))
	}))
	defer srv.Close()

	e, err := NewOllamaEmbedder(srv.URL, "all-minilm", 3)
	require.NoError(t, err)
	v, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, v)

	e.dims = 4
	_, err = e.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, model.ErrDimension)
}

func TestOpenAIEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"m","data":[{"object":"embedding","index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(srv.URL, "sk-test", "m", 2)
	v, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, v)
}
