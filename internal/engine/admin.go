package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rcliao/hamstore/internal/index"
	"github.com/rcliao/hamstore/internal/lifecycle"
	"github.com/rcliao/hamstore/internal/model"
	"github.com/rcliao/hamstore/internal/store"
)

// Delete evicts id regardless of its protected flag: index entry first, then
// derivation edges (children become roots), then the store row. Deleting a
// missing ID succeeds.
func (e *Engine) Delete(ctx context.Context, id string) error {
	return e.life.Evict(ctx, id)
}

// Protect sets or clears the flag that exempts a package from eviction.
func (e *Engine) Protect(ctx context.Context, id string, protected bool) error {
	return e.store.SetProtected(ctx, id, protected)
}

// Tick runs one scoring and eviction pass and returns its report.
func (e *Engine) Tick(ctx context.Context) (*lifecycle.TickReport, error) {
	if _, err := e.life.Tick(ctx); err != nil {
		return e.life.LastReport(), err
	}
	return e.life.LastReport(), nil
}

// Link records that child derives from parent.
func (e *Engine) Link(ctx context.Context, childID, parentID, relation string) (*model.DerivationEdge, error) {
	return e.lineage.Link(ctx, childID, parentID, relation)
}

// Lineage returns the chain from the root down to id.
func (e *Engine) Lineage(ctx context.Context, id string) ([]string, error) {
	return e.lineage.Lineage(ctx, id)
}

// Descendants returns every package derived from id, directly or not.
func (e *Engine) Descendants(ctx context.Context, id string) ([]string, error) {
	return e.lineage.Descendants(ctx, id)
}

// Stats describes the store, index and lifecycle state.
type Stats struct {
	store.Stats      `yaml:",inline"`
	Indexed          int                   `json:"indexed" yaml:"indexed"`
	Dims             int                   `json:"dims" yaml:"dims"`
	Metric           index.Metric          `json:"metric" yaml:"metric"`
	PendingEvictions []string              `json:"pending_evictions,omitempty" yaml:"pending_evictions,omitempty"`
	LastTick         *lifecycle.TickReport `json:"last_tick,omitempty" yaml:"last_tick,omitempty"`
	CacheHitRatio    float64               `json:"cache_hit_ratio" yaml:"cache_hit_ratio"`
}

// Stats gathers counts and histograms.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	st, err := e.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Stats:            *st,
		Indexed:          e.index.Count(),
		Dims:             e.index.Dims(),
		Metric:           e.index.Metric(),
		PendingEvictions: e.life.PendingRetries(),
		LastTick:         e.life.LastReport(),
		CacheHitRatio:    e.cache.ratio(),
	}, nil
}

// Export returns cleartext metadata of matching packages. Payloads stay sealed.
func (e *Engine) Export(ctx context.Context, p store.ExportParams) ([]model.PackageMeta, error) {
	return e.store.ExportMeta(ctx, p)
}

// MaintenanceReport summarises a Reindex or Reseal pass.
type MaintenanceReport struct {
	Updated    int      `json:"updated" yaml:"updated"`
	Skipped    int      `json:"skipped" yaml:"skipped"`
	Unreadable []string `json:"unreadable,omitempty" yaml:"unreadable,omitempty"`
}

// Reindex re-embeds every readable package with the current embedder. Use it
// after switching embedders; open the engine with ResetIndex when the
// dimensionality changed.
func (e *Engine) Reindex(ctx context.Context) (*MaintenanceReport, error) {
	rep := &MaintenanceReport{}
	err := e.store.Scan(ctx, store.ScanParams{WithPayload: true}, func(pkg *model.MemoryPackage) error {
		dp, err := e.open(ctx, pkg)
		if err != nil {
			rep.Unreadable = append(rep.Unreadable, pkg.ID)
			return nil
		}
		emb, err := e.embedder.Embed(ctx, dp.Text())
		if err != nil {
			return fmt.Errorf("reindex %s: embed: %w", pkg.ID, err)
		}
		if err := e.index.Index(ctx, pkg.ID, emb); err != nil {
			return err
		}
		rep.Updated++
		return nil
	})
	if err != nil {
		return rep, err
	}
	e.log.WithFields(logrus.Fields{"updated": rep.Updated, "unreadable": len(rep.Unreadable)}).Info("reindex complete")
	return rep, nil
}

// Reseal re-encrypts every package sealed under an older key version with the
// current one. Packages already current are skipped; a package touched by a
// concurrent writer in between is left for the next pass.
func (e *Engine) Reseal(ctx context.Context) (*MaintenanceReport, error) {
	current, err := e.envelope.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	rep := &MaintenanceReport{}
	err = e.store.Scan(ctx, store.ScanParams{
		WithPayload: true,
		Match:       func(m model.PackageMeta) bool { return m.KeyVersion != current },
	}, func(pkg *model.MemoryPackage) error {
		aad := []byte(pkg.ID)
		compressed, err := e.envelope.Open(ctx, pkg.KeyVersion, pkg.Payload, aad)
		if err != nil {
			rep.Unreadable = append(rep.Unreadable, pkg.ID)
			return nil
		}
		sealed, err := e.envelope.Seal(ctx, current, compressed, aad)
		if err != nil {
			return err
		}
		ok, err := e.store.SwapPayload(ctx, pkg.ID, pkg.KeyVersion, current, sealed)
		if err != nil {
			return err
		}
		if !ok {
			rep.Skipped++
			return nil
		}
		e.cache.del(pkg.ID)
		rep.Updated++
		return nil
	})
	if err != nil {
		return rep, err
	}
	e.log.WithFields(logrus.Fields{
		"key_version": current, "updated": rep.Updated, "unreadable": len(rep.Unreadable),
	}).Info("reseal complete")
	return rep, nil
}
