package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rcliao/hamstore/internal/abstraction"
	"github.com/rcliao/hamstore/internal/codec"
	"github.com/rcliao/hamstore/internal/config"
	"github.com/rcliao/hamstore/internal/embedding"
	"github.com/rcliao/hamstore/internal/envelope"
	"github.com/rcliao/hamstore/internal/lifecycle"
	"github.com/rcliao/hamstore/internal/store"
)

// OpenOptions adjust Open for maintenance commands.
type OpenOptions struct {
	ResetIndex bool
}

// Open builds an Engine from configuration: the SQLite store at cfg.DBPath,
// the configured key provider, embedder, summarizers and codec policy.
func Open(ctx context.Context, cfg config.Config, opts OpenOptions, log logrus.FieldLogger) (*Engine, error) {
	keys, err := KeyProvider(cfg.Keys)
	if err != nil {
		return nil, err
	}
	emb, err := embedding.New(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	sel, err := codec.NewSelector(codec.Options{
		Candidates:     cfg.Codec.Candidates,
		Policy:         cfg.Codec.Policy,
		ThresholdBytes: int(cfg.Codec.Threshold),
		MinBytes:       int(cfg.Codec.MinBytes),
	})
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	e, err := New(ctx, Deps{
		Store:      st,
		Keys:       keys,
		Embedder:   emb,
		Pipeline:   abstraction.NewPipeline(pipelineConfig(cfg.Abstraction), log),
		Codec:      sel,
		Metric:     cfg.Index.Metric,
		ResetIndex: opts.ResetIndex,
		Lifecycle: lifecycle.Options{
			MaxPackages:         cfg.Lifecycle.MaxPackages,
			MaxBytes:            int64(cfg.Lifecycle.MaxBytes),
			MaxEvictionsPerTick: cfg.Lifecycle.MaxEvictionsPerTick,
		},
		Scorer: lifecycle.ScorerOptions{
			Weights:      cfg.Lifecycle.Weights,
			HalfLife:     cfg.Lifecycle.HalfLife,
			FrequencyCap: cfg.Lifecycle.FrequencyCap,
		},
		CacheMaxCost: int64(cfg.Cache.MaxCost),
		Log:          log,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return e, nil
}

// KeyProvider returns the key provider named by cfg.Source.
func KeyProvider(cfg config.KeysConfig) (envelope.KeyProvider, error) {
	switch cfg.Source {
	case "env":
		return envelope.EnvKeyring{Prefix: cfg.EnvPrefix}, nil
	case "file", "":
		k, err := envelope.LoadFileKeyring(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("%w (create one with `hamstore keys init`)", err)
		}
		return k, nil
	default:
		return nil, fmt.Errorf("unknown key source %q", cfg.Source)
	}
}

func pipelineConfig(cfg config.AbstractionConfig) abstraction.Config {
	var sums []abstraction.Summarizer
	for _, name := range cfg.Summarizers {
		switch name {
		case "keyword":
			sums = append(sums, abstraction.KeywordSummarizer{TopN: cfg.TopKeywords})
		case "truncate":
			sums = append(sums, abstraction.TruncateSummarizer{TopN: cfg.TopKeywords})
		case "chat":
			sums = append(sums, abstraction.NewChatSummarizer(cfg.ChatURL, cfg.ChatAPIKey, cfg.ChatModel))
		}
	}
	return abstraction.Config{
		Summarizers: sums,
		InlineLimit: int(cfg.InlineLimit),
	}
}
