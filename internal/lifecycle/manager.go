package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rcliao/hamstore/internal/model"
)

// Store is the slice of the record store the manager drives.
type Store interface {
	ListMeta(ctx context.Context) ([]model.PackageMeta, error)
	SetImportances(ctx context.Context, scores map[string]float64, at time.Time) error
	Delete(ctx context.Context, id string) error
	ClaimEviction(ctx context.Context, id string) (bool, error)
	ReleaseEviction(id string)
}

// Index removes semantic index entries.
type Index interface {
	Remove(ctx context.Context, id string) error
}

// Lineage prunes and orphans derivation edges of an evicted package.
type Lineage interface {
	Detach(ctx context.Context, id string) ([]string, error)
}

// Options bounds the store. Zero means unbounded.
type Options struct {
	MaxPackages         int
	MaxBytes            int64
	MaxEvictionsPerTick int
}

// TickReport summarises one tick.
type TickReport struct {
	RunID     string        `json:"run_id" yaml:"run_id"`
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	Scored    int           `json:"scored" yaml:"scored"`
	Evicted   []string      `json:"evicted" yaml:"evicted"`
	Failed    []string      `json:"failed,omitempty" yaml:"failed,omitempty"`
	Packages  int           `json:"packages" yaml:"packages"`
	Bytes     int64         `json:"bytes" yaml:"bytes"`
}

// Manager runs scoring and eviction.
type Manager struct {
	store   Store
	index   Index
	lineage Lineage
	scorer  *Scorer
	opts    Options
	log     logrus.FieldLogger

	tickMu sync.Mutex // excludes concurrent ticks only

	mu      sync.Mutex
	retry   map[string]int // id -> failed attempts
	last    *TickReport
	onEvict []func(id string)
}

// NewManager wires a Manager.
func NewManager(st Store, idx Index, lin Lineage, scorer *Scorer, opts Options, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		store:   st,
		index:   idx,
		lineage: lin,
		scorer:  scorer,
		opts:    opts,
		log:     log.WithField("component", "lifecycle"),
		retry:   make(map[string]int),
	}
}

// Scorer returns the manager's scorer.
func (m *Manager) Scorer() *Scorer { return m.scorer }

// Options returns the capacity bounds.
func (m *Manager) Options() Options { return m.opts }

// OnEvict registers fn to run after each successful eviction.
func (m *Manager) OnEvict(fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = append(m.onEvict, fn)
}

// Tick re-scores every unprotected package and evicts the lowest scoring
// ones until the store is back under capacity. It returns the evicted IDs.
func (m *Manager) Tick(ctx context.Context) ([]string, error) {
	r, err := m.run(ctx, 0, 0)
	if r == nil {
		return nil, err
	}
	return r.Evicted, err
}

// MakeRoom runs a tick that also reserves space for a pending write of n
// packages totalling size bytes.
func (m *Manager) MakeRoom(ctx context.Context, n int, size int64) ([]string, error) {
	r, err := m.run(ctx, n, size)
	if r == nil {
		return nil, err
	}
	return r.Evicted, err
}

// LastReport returns the most recent tick summary, or nil before the first tick.
func (m *Manager) LastReport() *TickReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	r := *m.last
	return &r
}

// PendingRetries lists IDs whose eviction failed part way and will be retried.
func (m *Manager) PendingRetries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.retry))
	for id := range m.retry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) run(ctx context.Context, reserveN int, reserveBytes int64) (*TickReport, error) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	start := time.Now()
	report := &TickReport{RunID: uuid.NewString(), StartedAt: m.scorer.Now(), Evicted: []string{}}
	log := m.log.WithField("run", report.RunID)
	defer func() {
		report.Duration = time.Since(start)
		m.mu.Lock()
		m.last = report
		m.mu.Unlock()
	}()

	metas, err := m.store.ListMeta(ctx)
	if err != nil {
		return report, fmt.Errorf("tick: list packages: %w", err)
	}
	protected := make(map[string]bool)
	for _, meta := range metas {
		if meta.Protected {
			protected[meta.ID] = true
		}
	}

	gone, stuck := make(map[string]bool), make(map[string]bool)
	for _, id := range m.PendingRetries() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if protected[id] {
			m.dropRetry(id)
			continue
		}
		ok, err := m.evictUnprotected(ctx, id)
		if err != nil {
			m.queueRetry(id)
			log.WithError(err).WithField("id", id).Warn("eviction retry failed")
			report.Failed = append(report.Failed, id)
			stuck[id] = true
			continue
		}
		if !ok {
			m.dropRetry(id)
			continue
		}
		gone[id] = true
		report.Evicted = append(report.Evicted, id)
	}

	now := m.scorer.Now()
	scores := make(map[string]float64, len(metas))
	var candidates []model.PackageMeta
	for _, meta := range metas {
		if gone[meta.ID] {
			continue
		}
		report.Packages++
		report.Bytes += meta.Size
		if meta.Protected || stuck[meta.ID] {
			continue
		}
		meta.Importance = m.scorer.Score(meta)
		scores[meta.ID] = meta.Importance
		candidates = append(candidates, meta)
	}
	report.Scored = len(scores)
	if err := m.store.SetImportances(ctx, scores, now); err != nil {
		return report, fmt.Errorf("tick: persist scores: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Importance != b.Importance {
			return a.Importance < b.Importance
		}
		if !a.LastAccess.Equal(b.LastAccess) {
			return a.LastAccess.Before(b.LastAccess)
		}
		return a.ID < b.ID
	})

	evictions := 0
	for _, c := range candidates {
		if !m.over(report.Packages+reserveN, report.Bytes+reserveBytes) {
			break
		}
		if m.opts.MaxEvictionsPerTick > 0 && evictions >= m.opts.MaxEvictionsPerTick {
			log.WithField("cap", m.opts.MaxEvictionsPerTick).Info("eviction cap reached, deferring to next tick")
			break
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ok, err := m.evictUnprotected(ctx, c.ID)
		if err != nil {
			m.queueRetry(c.ID)
			log.WithError(err).WithField("id", c.ID).Warn("eviction failed, will retry next tick")
			report.Failed = append(report.Failed, c.ID)
			continue
		}
		if !ok {
			log.WithField("id", c.ID).Debug("protected since scoring, skipped")
			continue
		}
		evictions++
		report.Evicted = append(report.Evicted, c.ID)
		report.Packages--
		report.Bytes -= c.Size
	}

	if m.over(report.Packages+reserveN, report.Bytes+reserveBytes) {
		log.WithFields(logrus.Fields{"packages": report.Packages, "bytes": report.Bytes}).
			Warn("still over capacity after tick")
	}
	log.WithFields(logrus.Fields{
		"scored":  report.Scored,
		"evicted": len(report.Evicted),
		"failed":  len(report.Failed),
	}).Info("tick complete")
	return report, nil
}

// over reports whether n packages of size bytes exceed the configured bounds.
func (m *Manager) over(n int, size int64) bool {
	if m.opts.MaxPackages > 0 && n > m.opts.MaxPackages {
		return true
	}
	return m.opts.MaxBytes > 0 && size > m.opts.MaxBytes
}

// Evict removes id from the index, detaches its derivation edges and deletes
// it from the store, in that order. Every step is a no-op for a missing ID, so
// repeating an eviction leaves the same state. A failed step leaves the store
// row in place, so no index entry ever points at a missing package.
func (m *Manager) Evict(ctx context.Context, id string) error {
	if err := m.index.Remove(ctx, id); err != nil {
		return model.NewPackageError("evict", id, model.ErrTransient, fmt.Errorf("index remove: %w", err))
	}
	if _, err := m.lineage.Detach(ctx, id); err != nil {
		return model.NewPackageError("evict", id, model.ErrTransient, fmt.Errorf("detach lineage: %w", err))
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return model.NewPackageError("evict", id, model.ErrTransient, fmt.Errorf("store delete: %w", err))
	}

	m.mu.Lock()
	delete(m.retry, id)
	hooks := append([]func(string){}, m.onEvict...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(id)
	}
	return nil
}

// evictUnprotected is the tick's eviction. It claims id in the store first, so
// a package protected after the snapshot was taken is skipped and reported
// as not evicted.
func (m *Manager) evictUnprotected(ctx context.Context, id string) (bool, error) {
	ok, err := m.store.ClaimEviction(ctx, id)
	if err != nil {
		return false, model.NewPackageError("evict", id, model.ErrTransient, fmt.Errorf("claim: %w", err))
	}
	if !ok {
		return false, nil
	}
	if err := m.Evict(ctx, id); err != nil {
		m.store.ReleaseEviction(id)
		return false, err
	}
	return true, nil
}

func (m *Manager) dropRetry(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.retry, id)
}

func (m *Manager) queueRetry(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retry[id]++
}
