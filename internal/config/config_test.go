package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/hamstore/internal/codec"
	"github.com/rcliao/hamstore/internal/index"
)

func TestDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, codec.PolicyThreshold, cfg.Codec.Policy)
	assert.Equal(t, ByteSize(4<<10), cfg.Codec.Threshold)
	assert.Equal(t, index.Cosine, cfg.Index.Metric)
	assert.Equal(t, 256, cfg.Embedding.Dims)
	assert.Equal(t, 168*time.Hour, cfg.Lifecycle.HalfLife)
	assert.Equal(t, ByteSize(32<<20), cfg.Cache.MaxCost)
	assert.Equal(t, []string{"keyword", "truncate"}, cfg.Abstraction.Summarizers)
	assert.InDelta(t, 0.4, cfg.Lifecycle.Weights.Recency, 1e-9)
}

func TestFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	file := filepath.Join(dir, "hamstore.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
db_path: /tmp/ham.db
codec:
  policy: smallest
  candidates: [s2, brotli]
lifecycle:
  max_packages: 500
  max_bytes: 10MiB
  half_life: 24h
  weights:
    hint: 1
`), 0o644))

	t.Setenv("HAMSTORE_LIFECYCLE_MAX_PACKAGES", "42")
	t.Setenv("HAMSTORE_INDEX_METRIC", "l2")

	cfg, err := Load(New(), file)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ham.db", cfg.DBPath)
	assert.Equal(t, codec.PolicySmallest, cfg.Codec.Policy)
	assert.Equal(t, []string{"s2", "brotli"}, cfg.Codec.Candidates)
	assert.Equal(t, 42, cfg.Lifecycle.MaxPackages, "env beats file")
	assert.Equal(t, ByteSize(10<<20), cfg.Lifecycle.MaxBytes)
	assert.Equal(t, 24*time.Hour, cfg.Lifecycle.HalfLife)
	assert.InDelta(t, 1.0, cfg.Lifecycle.Weights.Hint, 1e-9)
	assert.Equal(t, index.L2, cfg.Index.Metric)
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("HAMSTORE_CODEC_POLICY", "fastest")
	t.Setenv("HAMSTORE_EMBEDDING_DIMS", "0")
	_, err := Load(New(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "codec.policy")
	assert.Contains(t, err.Error(), "embedding.dims")
}

func TestParseByteSize(t *testing.T) {
	for in, want := range map[string]ByteSize{
		"512":    512,
		"4KiB":   4096,
		"4k":     4096,
		"1.5MiB": 3 << 19,
		"2MB":    2000000,
		"1 GiB":  1 << 30,
		"0":      0,
	} {
		got, err := ParseByteSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "KiB", "12 parsecs", "-1"} {
		_, err := ParseByteSize(bad)
		assert.Error(t, err, bad)
	}
	assert.Equal(t, "4KiB", ByteSize(4096).String())
	assert.Equal(t, "100B", ByteSize(100).String())
}
