package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/rcliao/hamstore/internal/model"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	locks lockTable

	claimMu sync.Mutex
	claims  map[string]struct{} // ids a tick has committed to evicting
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath, claims: make(map[string]struct{})}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle so the index and lineage layers can share
// the same database file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// NewID returns a fresh time-ordered package ID.
func (s *SQLiteStore) NewID() string {
	return ulid.Make().String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS packages (
		id             TEXT PRIMARY KEY,
		codec          TEXT NOT NULL,
		key_version    TEXT NOT NULL,
		created_at     TEXT NOT NULL,
		last_access    TEXT NOT NULL,
		importance     REAL NOT NULL DEFAULT 0,
		parent_id      TEXT,
		protected      INTEGER NOT NULL DEFAULT 0,
		payload        BLOB NOT NULL,
		access_count   INTEGER NOT NULL DEFAULT 0,
		retention_hint REAL NOT NULL DEFAULT 0,
		checksum       TEXT NOT NULL DEFAULT '',
		source         TEXT,
		tags           TEXT,
		size           INTEGER NOT NULL DEFAULT 0,
		scored_at      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_packages_created ON packages(created_at, id);
	CREATE INDEX IF NOT EXISTS idx_packages_evict ON packages(protected, importance);
	CREATE INDEX IF NOT EXISTS idx_packages_parent ON packages(parent_id);

	CREATE TABLE IF NOT EXISTS derivation_edges (
		child_id   TEXT NOT NULL,
		parent_id  TEXT NOT NULL,
		relation   TEXT NOT NULL,
		created_at TEXT NOT NULL,
		orphaned   INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (child_id, parent_id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_edges_live_child ON derivation_edges(child_id) WHERE orphaned = 0;
	CREATE INDEX IF NOT EXISTS idx_edges_parent ON derivation_edges(parent_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

const packageCols = `id, codec, key_version, created_at, last_access, importance, parent_id,
	protected, access_count, retention_hint, checksum, source, tags, size, scored_at`

const upsertPackage = `
		ON CONFLICT(id) DO UPDATE SET
			codec = excluded.codec, key_version = excluded.key_version,
			created_at = excluded.created_at, last_access = excluded.last_access,
			importance = excluded.importance, parent_id = excluded.parent_id,
			protected = excluded.protected, payload = excluded.payload,
			access_count = excluded.access_count, retention_hint = excluded.retention_hint,
			checksum = excluded.checksum, source = excluded.source, tags = excluded.tags,
			size = excluded.size, scored_at = excluded.scored_at`

// Put inserts or replaces a package in a single transaction.
func (s *SQLiteStore) Put(ctx context.Context, p *model.MemoryPackage) error {
	return s.write(ctx, p, upsertPackage)
}

// Insert stores a new package. An existing row with the same ID is left
// untouched and ErrAlreadyExists is returned.
func (s *SQLiteStore) Insert(ctx context.Context, p *model.MemoryPackage) error {
	return s.write(ctx, p, `ON CONFLICT(id) DO NOTHING`)
}

func (s *SQLiteStore) write(ctx context.Context, p *model.MemoryPackage, onConflict string) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("put: package id is required")
	}
	mu := s.locks.of(p.ID)
	mu.Lock()
	defer mu.Unlock()

	var tagsJSON *string
	if len(p.Tags) > 0 {
		b, _ := json.Marshal(p.Tags)
		t := string(b)
		tagsJSON = &t
	}
	var scoredAt *string
	if p.ScoredAt != nil {
		t := formatTime(*p.ScoredAt)
		scoredAt = &t
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("put", p.ID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO packages (id, codec, key_version, created_at, last_access, importance, parent_id,
			protected, payload, access_count, retention_hint, checksum, source, tags, size, scored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) `+onConflict,
		p.ID, p.Codec, p.KeyVersion, formatTime(p.CreatedAt), formatTime(p.LastAccess), p.Importance,
		nullString(p.ParentID), p.Protected, p.Payload, p.AccessCount, p.RetentionHint, p.Checksum,
		nullString(p.Source), tagsJSON, len(p.Payload), scoredAt)
	if err != nil {
		return dbErr("put", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewPackageError("put", p.ID, model.ErrAlreadyExists, nil)
	}
	if err := tx.Commit(); err != nil {
		return dbErr("put", p.ID, err)
	}
	p.Size = int64(len(p.Payload))
	return nil
}

// Get returns the full package including its payload.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.MemoryPackage, error) {
	mu := s.locks.of(id)
	mu.RLock()
	defer mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+packageCols+`, payload FROM packages WHERE id = ?`, id)
	p, err := scanPackage(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewPackageError("get", id, model.ErrNotFound, nil)
	}
	if err != nil {
		return nil, dbErr("get", id, err)
	}
	return p, nil
}

// GetMeta returns the cleartext metadata of a package without its payload.
func (s *SQLiteStore) GetMeta(ctx context.Context, id string) (model.PackageMeta, error) {
	mu := s.locks.of(id)
	mu.RLock()
	defer mu.RUnlock()
	return s.getMeta(ctx, s.db, id)
}

func (s *SQLiteStore) getMeta(ctx context.Context, q querier, id string) (model.PackageMeta, error) {
	row := q.QueryRowContext(ctx, `SELECT `+packageCols+` FROM packages WHERE id = ?`, id)
	p, err := scanPackage(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PackageMeta{}, model.NewPackageError("get", id, model.ErrNotFound, nil)
	}
	if err != nil {
		return model.PackageMeta{}, dbErr("get", id, err)
	}
	return p.Meta(), nil
}

// Exists reports whether id is stored.
func (s *SQLiteStore) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM packages WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, dbErr("exists", id, err)
	}
	return n > 0, nil
}

// Delete removes a package row. Deleting a missing ID is a no-op. In the same
// transaction the package's own parent edge is pruned and its children are
// orphaned, so a link that committed after the lineage step of an eviction
// cannot be left pointing at the deleted row.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	mu := s.locks.of(id)
	mu.Lock()
	defer mu.Unlock()
	defer s.ReleaseEviction(id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("delete", id, err)
	}
	defer tx.Rollback()

	// Write first so the edge reads below see every committed link.
	if _, err := tx.ExecContext(ctx, `DELETE FROM packages WHERE id = ?`, id); err != nil {
		return dbErr("delete", id, err)
	}
	if _, err := detachEdges(ctx, tx, id); err != nil {
		return dbErr("delete", id, err)
	}
	if err := tx.Commit(); err != nil {
		return dbErr("delete", id, err)
	}
	return nil
}

// ClaimEviction marks id as being evicted, but only while it is unprotected.
// It reports false for a protected package. While the claim is held,
// protecting id fails with ErrTransient; Delete and ReleaseEviction drop it.
// A missing id can always be claimed.
func (s *SQLiteStore) ClaimEviction(ctx context.Context, id string) (bool, error) {
	mu := s.locks.of(id)
	mu.Lock()
	defer mu.Unlock()

	var protected bool
	err := s.db.QueryRowContext(ctx, `SELECT protected FROM packages WHERE id = ?`, id).Scan(&protected)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, dbErr("claim", id, err)
	}
	if protected {
		return false, nil
	}
	s.claimMu.Lock()
	s.claims[id] = struct{}{}
	s.claimMu.Unlock()
	return true, nil
}

// ReleaseEviction drops a claim taken by ClaimEviction.
func (s *SQLiteStore) ReleaseEviction(id string) {
	s.claimMu.Lock()
	delete(s.claims, id)
	s.claimMu.Unlock()
}

func (s *SQLiteStore) claimed(id string) bool {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	_, ok := s.claims[id]
	return ok
}

// Touch records an access: last_access moves to at and access_count grows by one.
// It returns the updated metadata.
func (s *SQLiteStore) Touch(ctx context.Context, id string, at time.Time) (model.PackageMeta, error) {
	mu := s.locks.of(id)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.PackageMeta{}, dbErr("touch", id, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE packages SET last_access = ?, access_count = access_count + 1 WHERE id = ?`,
		formatTime(at), id)
	if err != nil {
		return model.PackageMeta{}, dbErr("touch", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.PackageMeta{}, model.NewPackageError("touch", id, model.ErrNotFound, nil)
	}
	meta, err := s.getMeta(ctx, tx, id)
	if err != nil {
		return model.PackageMeta{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.PackageMeta{}, dbErr("touch", id, err)
	}
	return meta, nil
}

// SetImportance persists a freshly computed score.
func (s *SQLiteStore) SetImportance(ctx context.Context, id string, score float64, at time.Time) error {
	mu := s.locks.of(id)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE packages SET importance = ?, scored_at = ? WHERE id = ?`, score, formatTime(at), id)
	if err != nil {
		return dbErr("score", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewPackageError("score", id, model.ErrNotFound, nil)
	}
	return nil
}

// SetImportances persists many scores in one transaction. IDs that vanished
// since they were read are skipped.
func (s *SQLiteStore) SetImportances(ctx context.Context, scores map[string]float64, at time.Time) error {
	if len(scores) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("score", "", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE packages SET importance = ?, scored_at = ? WHERE id = ?`)
	if err != nil {
		return dbErr("score", "", err)
	}
	defer stmt.Close()

	ts := formatTime(at)
	for id, score := range scores {
		if _, err := stmt.ExecContext(ctx, score, ts, id); err != nil {
			return dbErr("score", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return dbErr("score", "", err)
	}
	return nil
}

// SetProtected sets or clears the protected flag. Protecting a package that a
// tick has already claimed for eviction fails with ErrTransient.
func (s *SQLiteStore) SetProtected(ctx context.Context, id string, protected bool) error {
	mu := s.locks.of(id)
	mu.Lock()
	defer mu.Unlock()

	if protected && s.claimed(id) {
		return model.NewPackageError("protect", id, model.ErrTransient, errors.New("eviction in progress"))
	}

	res, err := s.db.ExecContext(ctx, `UPDATE packages SET protected = ? WHERE id = ?`, protected, id)
	if err != nil {
		return dbErr("protect", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewPackageError("protect", id, model.ErrNotFound, nil)
	}
	return nil
}

// SwapPayload replaces the sealed payload of id, but only while it is still
// sealed under fromVersion. It reports whether the row was updated.
func (s *SQLiteStore) SwapPayload(ctx context.Context, id, fromVersion, toVersion string, payload []byte) (bool, error) {
	mu := s.locks.of(id)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE packages SET payload = ?, key_version = ?, size = ? WHERE id = ? AND key_version = ?`,
		payload, toVersion, len(payload), id, fromVersion)
	if err != nil {
		return false, dbErr("swap", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Count returns the number of stored packages.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM packages`).Scan(&n); err != nil {
		return 0, dbErr("count", "", err)
	}
	return n, nil
}

// TotalBytes returns the summed payload size of every package.
func (s *SQLiteStore) TotalBytes(ctx context.Context) (int64, error) {
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(size) FROM packages`).Scan(&n); err != nil {
		return 0, dbErr("count", "", err)
	}
	return n.Int64, nil
}

// Scan pages through packages ordered by (created_at, id). Each page is read
// fully before fn runs, so fn may call back into the store.
func (s *SQLiteStore) Scan(ctx context.Context, p ScanParams, fn func(*model.MemoryPackage) error) error {
	batch := p.Batch
	if batch <= 0 {
		batch = DefaultScanBatch
	}
	cols := packageCols
	if p.WithPayload {
		cols += ", payload"
	}

	where := []string{"(created_at > ? OR (created_at = ? AND id > ?))"}
	var base []any
	if !p.From.IsZero() {
		where = append(where, "created_at >= ?")
		base = append(base, formatTime(p.From))
	}
	if !p.To.IsZero() {
		where = append(where, "created_at < ?")
		base = append(base, formatTime(p.To))
	}
	if p.Source != "" {
		where = append(where, "source = ?")
		base = append(base, p.Source)
	}
	for _, tag := range p.Tags {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(packages.tags) WHERE LOWER(json_each.value) = LOWER(?))")
		base = append(base, tag)
	}
	query := `SELECT ` + cols + ` FROM packages WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at, id LIMIT ?`

	lastCreated, lastID := "", ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		args := append([]any{lastCreated, lastCreated, lastID}, base...)
		args = append(args, batch)
		page, err := s.queryPage(ctx, query, args, p.WithPayload)
		if err != nil {
			return err
		}
		for _, pkg := range page {
			if p.Match != nil && !p.Match(pkg.Meta()) {
				continue
			}
			if err := fn(pkg); err != nil {
				if errors.Is(err, ErrStopScan) {
					return nil
				}
				return err
			}
		}
		if len(page) < batch {
			return nil
		}
		last := page[len(page)-1]
		lastCreated, lastID = formatTime(last.CreatedAt), last.ID
	}
}

func (s *SQLiteStore) queryPage(ctx context.Context, query string, args []any, withPayload bool) ([]*model.MemoryPackage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("scan", "", err)
	}
	defer rows.Close()

	var page []*model.MemoryPackage
	for rows.Next() {
		p, err := scanPackage(rows, withPayload)
		if err != nil {
			return nil, dbErr("scan", "", err)
		}
		page = append(page, p)
	}
	return page, rows.Err()
}

// ListMeta returns the metadata of every package in creation order.
func (s *SQLiteStore) ListMeta(ctx context.Context) ([]model.PackageMeta, error) {
	var out []model.PackageMeta
	err := s.Scan(ctx, ScanParams{}, func(p *model.MemoryPackage) error {
		out = append(out, p.Meta())
		return nil
	})
	return out, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanPackage(row scanner, withPayload bool) (*model.MemoryPackage, error) {
	var p model.MemoryPackage
	var createdAt, lastAccess string
	var parentID, source, tagsJSON, scoredAt sql.NullString

	dest := []any{
		&p.ID, &p.Codec, &p.KeyVersion, &createdAt, &lastAccess, &p.Importance, &parentID,
		&p.Protected, &p.AccessCount, &p.RetentionHint, &p.Checksum, &source, &tagsJSON, &p.Size, &scoredAt,
	}
	if withPayload {
		dest = append(dest, &p.Payload)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	p.CreatedAt = parseTime(createdAt)
	p.LastAccess = parseTime(lastAccess)
	p.ParentID = parentID.String
	p.Source = source.String
	if tagsJSON.Valid {
		json.Unmarshal([]byte(tagsJSON.String), &p.Tags)
	}
	if scoredAt.Valid {
		t := parseTime(scoredAt.String)
		p.ScoredAt = &t
	}
	return &p, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// dbErr wraps a database error, tagging busy/locked conditions as transient.
func dbErr(op, id string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return model.NewPackageError(op, id, model.ErrTransient, err)
		}
	}
	if id == "" {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s %s: %w", op, id, err)
}
