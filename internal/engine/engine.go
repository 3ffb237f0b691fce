// Package engine wires the ingestion pipeline, codec, envelope, record store,
// semantic index, lineage and lifecycle into a single handle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rcliao/hamstore/internal/abstraction"
	"github.com/rcliao/hamstore/internal/codec"
	"github.com/rcliao/hamstore/internal/embedding"
	"github.com/rcliao/hamstore/internal/envelope"
	"github.com/rcliao/hamstore/internal/index"
	"github.com/rcliao/hamstore/internal/lifecycle"
	"github.com/rcliao/hamstore/internal/lineage"
	"github.com/rcliao/hamstore/internal/store"
)

// Deps are the collaborators an Engine is built from. Store, Keys and
// Embedder are required; the rest default.
type Deps struct {
	Store    *store.SQLiteStore
	Keys     envelope.KeyProvider
	Embedder embedding.Embedder
	Pipeline *abstraction.Pipeline
	Codec    *codec.Selector

	Metric     index.Metric
	ResetIndex bool // drop index entries whose shape no longer matches

	Lifecycle lifecycle.Options
	Scorer    lifecycle.ScorerOptions

	CacheMaxCost int64 // bytes of decoded parameters kept; 0 disables
	Now          func() time.Time
	Log          logrus.FieldLogger
}

// Engine is safe for concurrent use.
type Engine struct {
	store    *store.SQLiteStore
	index    *index.Index
	lineage  *lineage.Manager
	life     *lifecycle.Manager
	scorer   *lifecycle.Scorer
	codec    *codec.Selector
	envelope *envelope.Envelope
	pipeline *abstraction.Pipeline
	embedder embedding.Embedder
	cache    *decodedCache
	now      func() time.Time
	log      logrus.FieldLogger
}

// New builds an Engine. It opens the semantic index over the store's
// database, rebuilding it from persisted entries.
func New(ctx context.Context, d Deps) (*Engine, error) {
	if d.Store == nil || d.Keys == nil || d.Embedder == nil {
		return nil, errors.New("engine: store, keys and embedder are required")
	}
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Metric == "" {
		d.Metric = index.Cosine
	}
	if d.Pipeline == nil {
		d.Pipeline = abstraction.NewPipeline(abstraction.Config{Now: d.Now}, d.Log)
	}
	if d.Codec == nil {
		sel, err := codec.NewSelector(codec.DefaultOptions())
		if err != nil {
			return nil, fmt.Errorf("engine: codec: %w", err)
		}
		d.Codec = sel
	}
	if d.Scorer.Now == nil {
		d.Scorer.Now = d.Now
	}

	idx, err := index.Open(ctx, d.Store.DB(), index.Options{
		Dims: d.Embedder.Dims(), Metric: d.Metric, Reset: d.ResetIndex, Now: d.Now,
	}, d.Log)
	if err != nil {
		return nil, fmt.Errorf("engine: open index: %w", err)
	}
	cache, err := newDecodedCache(d.CacheMaxCost)
	if err != nil {
		return nil, fmt.Errorf("engine: cache: %w", err)
	}

	scorer := lifecycle.NewScorer(d.Scorer)
	lin := lineage.New(d.Store, d.Log, d.Now)
	e := &Engine{
		store:    d.Store,
		index:    idx,
		lineage:  lin,
		scorer:   scorer,
		life:     lifecycle.NewManager(d.Store, idx, lin, scorer, d.Lifecycle, d.Log),
		codec:    d.Codec,
		envelope: envelope.New(d.Keys, d.Log),
		pipeline: d.Pipeline,
		embedder: d.Embedder,
		cache:    cache,
		now:      d.Now,
		log:      d.Log.WithField("component", "engine"),
	}
	e.life.OnEvict(e.cache.del)
	return e, nil
}

// Close releases the cache and closes the store.
func (e *Engine) Close() error {
	e.cache.close()
	return e.store.Close()
}

// Scheduler returns a cron-driven lifecycle scheduler bound to this engine.
func (e *Engine) Scheduler(spec string) (*lifecycle.Scheduler, error) {
	return lifecycle.NewScheduler(e.life, spec, e.log)
}
