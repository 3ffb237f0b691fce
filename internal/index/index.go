// Package index maintains the semantic index: one embedding per package,
// queried by nearest neighbour.
//
// Entries persist in the index_entries table, in the clear, so the in-memory
// structures can be rebuilt at open without touching sealed payloads.
// Cosine queries run on a chromem-go collection; l2 and dot use an exact scan.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/sirupsen/logrus"

	"github.com/rcliao/hamstore/internal/model"
)

// Metric is the distance function fixed at construction.
type Metric string

const (
	Cosine Metric = "cosine" // 1 - cosine similarity
	L2     Metric = "l2"     // euclidean distance
	Dot    Metric = "dot"    // negated inner product
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Options configures an Index.
type Options struct {
	Dims   int
	Metric Metric
	// Reset discards persisted entries whose shape no longer matches Dims or
	// Metric instead of refusing to open.
	Reset bool
	Now   func() time.Time
}

// Result is one query hit.
type Result struct {
	ID        string    `json:"id"`
	Distance  float64   `json:"distance"`
	IndexedAt time.Time `json:"indexed_at"`
}

// Index is the semantic index. It is safe for concurrent use.
type Index struct {
	db     *sql.DB
	dims   int
	metric Metric
	now    func() time.Time
	log    logrus.FieldLogger

	mu      sync.RWMutex
	entries map[string]model.IndexEntry
	col     *chromem.Collection
}

// Open creates the index tables if needed and loads every persisted entry.
func Open(ctx context.Context, db *sql.DB, opts Options, log logrus.FieldLogger) (*Index, error) {
	if opts.Dims <= 0 {
		return nil, fmt.Errorf("index dims must be positive, got %d", opts.Dims)
	}
	switch opts.Metric {
	case "":
		opts.Metric = Cosine
	case Cosine, L2, Dot:
	default:
		return nil, fmt.Errorf("unknown index metric %q", opts.Metric)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	x := &Index{
		db:     db,
		dims:   opts.Dims,
		metric: opts.Metric,
		now:    opts.Now,
		log:    log.WithField("component", "index"),
	}
	if err := x.migrate(ctx, opts.Reset); err != nil {
		return nil, fmt.Errorf("migrate index: %w", err)
	}
	if err := x.Rebuild(ctx); err != nil {
		return nil, err
	}
	return x, nil
}

func (x *Index) migrate(ctx context.Context, reset bool) error {
	_, err := x.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS index_entries (
		id         TEXT PRIMARY KEY,
		embedding  BLOB NOT NULL,
		indexed_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS index_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`)
	if err != nil {
		return err
	}

	var dims, metric string
	x.db.QueryRowContext(ctx, `SELECT value FROM index_meta WHERE key = 'dims'`).Scan(&dims)
	x.db.QueryRowContext(ctx, `SELECT value FROM index_meta WHERE key = 'metric'`).Scan(&metric)
	want := strconv.Itoa(x.dims)
	if dims != "" && (dims != want || metric != string(x.metric)) {
		if !reset {
			return fmt.Errorf("%w: index was built with %s dims/%s, configured %s/%s (reindex required)",
				model.ErrDimension, dims, metric, want, x.metric)
		}
		x.log.WithFields(logrus.Fields{"old_dims": dims, "old_metric": metric}).
			Warn("index shape changed, discarding persisted entries")
		if _, err := x.db.ExecContext(ctx, `DELETE FROM index_entries`); err != nil {
			return err
		}
	}
	_, err = x.db.ExecContext(ctx,
		`INSERT INTO index_meta (key, value) VALUES ('dims', ?), ('metric', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, want, string(x.metric))
	return err
}

// Dims returns the fixed embedding dimensionality.
func (x *Index) Dims() int { return x.dims }

// Metric returns the configured metric.
func (x *Index) Metric() Metric { return x.metric }

// Check reports whether emb could be indexed, without touching the index.
func (x *Index) Check(emb []float32) error {
	if err := x.check(emb); err != nil {
		return fmt.Errorf("%w: %v", model.ErrDimension, err)
	}
	return nil
}

// Rebuild reloads the in-memory structures from the persisted entries.
func (x *Index) Rebuild(ctx context.Context) error {
	rows, err := x.db.QueryContext(ctx, `SELECT id, embedding, indexed_at FROM index_entries`)
	if err != nil {
		return fmt.Errorf("load index: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]model.IndexEntry)
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var id, at string
		var blob []byte
		if err := rows.Scan(&id, &blob, &at); err != nil {
			return fmt.Errorf("load index: %w", err)
		}
		emb, err := decodeEmbedding(blob)
		if err != nil || len(emb) != x.dims {
			x.log.WithField("id", id).Warn("skipping malformed index entry")
			continue
		}
		t, _ := time.Parse(timeLayout, at)
		entries[id] = model.IndexEntry{ID: id, Embedding: emb, IndexedAt: t}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load index: %w", err)
	}

	var col *chromem.Collection
	if x.metric == Cosine {
		col, err = newCollection(ctx, entries)
		if err != nil {
			return err
		}
	}

	x.mu.Lock()
	x.entries, x.col = entries, col
	x.mu.Unlock()
	x.log.WithField("entries", len(entries)).Debug("index loaded")
	return nil
}

// Index stores or replaces the embedding for id.
func (x *Index) Index(ctx context.Context, id string, emb []float32) error {
	if err := x.check(emb); err != nil {
		return model.NewPackageError("index", id, model.ErrDimension, err)
	}
	entry := model.IndexEntry{ID: id, Embedding: append([]float32(nil), emb...), IndexedAt: x.now().UTC()}

	x.mu.Lock()
	defer x.mu.Unlock()

	_, err := x.db.ExecContext(ctx,
		`INSERT INTO index_entries (id, embedding, indexed_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET embedding = excluded.embedding, indexed_at = excluded.indexed_at`,
		id, encodeEmbedding(entry.Embedding), entry.IndexedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("index %s: %w", id, err)
	}
	if x.col != nil {
		if err := x.col.AddDocument(ctx, chromem.Document{ID: id, Embedding: entry.Embedding}); err != nil {
			return fmt.Errorf("index %s: %w", id, err)
		}
	}
	x.entries[id] = entry
	return nil
}

// Remove deletes the entry for id. Removing a missing ID is a no-op.
func (x *Index) Remove(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, err := x.db.ExecContext(ctx, `DELETE FROM index_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	if _, ok := x.entries[id]; !ok {
		return nil
	}
	if x.col != nil {
		if err := x.col.Delete(ctx, nil, nil, id); err != nil {
			return fmt.Errorf("remove %s: %w", id, err)
		}
	}
	delete(x.entries, id)
	return nil
}

// Query returns the k nearest entries to emb, nearest first. Equal distances
// are ordered by more recent indexed_at.
func (x *Index) Query(ctx context.Context, emb []float32, k int) ([]Result, error) {
	if err := x.check(emb); err != nil {
		return nil, fmt.Errorf("query: %w: %v", model.ErrDimension, err)
	}
	if k <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(x.entries) == 0 {
		return []Result{}, nil
	}
	var (
		results []Result
		err     error
	)
	if x.col != nil {
		results, err = x.queryCollection(ctx, emb, k)
	} else {
		results, err = x.scan(ctx, emb)
	}
	if err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		if !results[i].IndexedAt.Equal(results[j].IndexedAt) {
			return results[i].IndexedAt.After(results[j].IndexedAt)
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// queryCollection widens the chromem query until every entry tied with the
// k-th result is included, so the recency tie-break sees all of them.
func (x *Index) queryCollection(ctx context.Context, emb []float32, k int) ([]Result, error) {
	total := x.col.Count()
	n := min(k, total)
	for {
		hits, err := x.col.QueryEmbedding(ctx, emb, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		if n >= total || len(hits) < n || hits[len(hits)-1].Similarity < hits[min(k, len(hits))-1].Similarity {
			out := make([]Result, 0, len(hits))
			for _, h := range hits {
				out = append(out, Result{
					ID:        h.ID,
					Distance:  1 - float64(h.Similarity),
					IndexedAt: x.entries[h.ID].IndexedAt,
				})
			}
			return out, nil
		}
		n = min(n*2, total)
	}
}

func (x *Index) scan(ctx context.Context, emb []float32) ([]Result, error) {
	out := make([]Result, 0, len(x.entries))
	i := 0
	for id, e := range x.entries {
		if i++; i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		out = append(out, Result{ID: id, Distance: distance(x.metric, emb, e.Embedding), IndexedAt: e.IndexedAt})
	}
	return out, nil
}

// Has reports whether id has an entry.
func (x *Index) Has(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.entries[id]
	return ok
}

// Get returns the entry for id.
func (x *Index) Get(id string) (model.IndexEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.entries[id]
	return e, ok
}

// Count returns the number of entries.
func (x *Index) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// IDs returns every indexed ID in sorted order.
func (x *Index) IDs() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := make([]string, 0, len(x.entries))
	for id := range x.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (x *Index) check(emb []float32) error {
	if len(emb) != x.dims {
		return fmt.Errorf("got %d dims, want %d", len(emb), x.dims)
	}
	var norm float64
	for _, v := range emb {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("embedding contains NaN or Inf")
		}
		norm += f * f
	}
	if x.metric == Cosine && norm == 0 {
		return fmt.Errorf("zero vector has no direction under cosine")
	}
	return nil
}

func newCollection(ctx context.Context, entries map[string]model.IndexEntry) (*chromem.Collection, error) {
	col, err := chromem.NewDB().CreateCollection("packages", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	if len(entries) == 0 {
		return col, nil
	}
	docs := make([]chromem.Document, 0, len(entries))
	for id, e := range entries {
		docs = append(docs, chromem.Document{ID: id, Embedding: e.Embedding})
	}
	if err := col.AddDocuments(ctx, docs, 4); err != nil {
		return nil, fmt.Errorf("load collection: %w", err)
	}
	return col, nil
}
