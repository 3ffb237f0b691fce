// Package embedding provides the embedding producers the engine calls on
// ingest and on text queries.
package embedding

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"

	"github.com/rcliao/hamstore/internal/model"
)

// Embedder generates embedding vectors from text. Implementations are called
// once per request with no retries.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dims() int
}

// Config selects and configures a provider.
type Config struct {
	Provider string `mapstructure:"provider"` // "hash" | "ollama" | "openai"
	Model    string `mapstructure:"model"`
	URL      string `mapstructure:"url"`
	APIKey   string `mapstructure:"api_key"`
	Dims     int    `mapstructure:"dims"`
}

// New builds the embedder named by cfg.Provider.
func New(cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case "", "hash":
		return NewHashEmbedder(cfg.Dims), nil
	case "ollama":
		return NewOllamaEmbedder(cfg.URL, cfg.Model, cfg.Dims)
	case "openai":
		return NewOpenAIEmbedder(cfg.URL, cfg.APIKey, cfg.Model, cfg.Dims), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

func checkDims(provider string, v []float32, want int) ([]float32, error) {
	if len(v) != want {
		return nil, fmt.Errorf("%s: got %d dimensions, want %d: %w", provider, len(v), want, model.ErrDimension)
	}
	return v, nil
}

// --- Ollama Provider ---

// OllamaEmbedder uses an Ollama server's /api/embed endpoint.
type OllamaEmbedder struct {
	client *api.Client
	model  string
	dims   int
}

// NewOllamaEmbedder creates an embedder for model. An empty baseURL falls back
// to OLLAMA_HOST and then the local default.
// Default model: nomic-embed-text (768 dims); all-minilm is 384.
func NewOllamaEmbedder(baseURL, model string, dims int) (*OllamaEmbedder, error) {
	if model == "" {
		model = "nomic-embed-text"
	}
	if dims == 0 {
		dims = 768
		switch model {
		case "all-minilm":
			dims = 384
		case "mxbai-embed-large":
			dims = 1024
		}
	}
	var client *api.Client
	if baseURL == "" {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama client: %w", err)
		}
		client = c
	} else {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse ollama url: %w", err)
		}
		client = api.NewClient(u, http.DefaultClient)
	}
	return &OllamaEmbedder{client: client, model: model, dims: dims}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama embed: no embedding returned")
	}
	return checkDims("ollama", resp.Embeddings[0], e.dims)
}

func (e *OllamaEmbedder) Dims() int { return e.dims }

// --- OpenAI-compatible Provider ---

// OpenAIEmbedder uses any OpenAI-compatible embedding API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dims   int
}

// NewOpenAIEmbedder creates an embedder using an OpenAI-compatible API.
func NewOpenAIEmbedder(baseURL, apiKey, model string, dims int) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	if dims == 0 {
		dims = 1536
	}
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(cfg), model: model, dims: dims}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dims,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embed: no embedding returned")
	}
	return checkDims("openai", resp.Data[0].Embedding, e.dims)
}

func (e *OpenAIEmbedder) Dims() int { return e.dims }

// --- Hash Provider ---

// HashEmbedder is a deterministic bag-of-words embedder: each token is hashed
// into one of dims buckets with a hashed sign, and the result is L2
// normalised. Texts sharing words land close together. It needs no network.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a HashEmbedder with dims buckets (default 256).
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return nil, fmt.Errorf("hash embed: no tokens in text")
	}
	v := make([]float64, e.dims)
	for _, w := range words {
		h := xxhash.Sum64String(w)
		sign := 1.0
		if h>>63 == 1 {
			sign = -1
		}
		v[h%uint64(e.dims)] += sign
	}
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	out := make([]float32, e.dims)
	if norm == 0 {
		// every token cancelled out; keep a non-zero direction
		out[0] = 1
		return out, nil
	}
	for i, x := range v {
		out[i] = float32(x / norm)
	}
	return out, nil
}

func (e *HashEmbedder) Dims() int { return e.dims }
