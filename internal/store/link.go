package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rcliao/hamstore/internal/model"
)

// LinkParams holds parameters for creating a derivation edge.
type LinkParams struct {
	ChildID  string
	ParentID string
	Relation string // derived_from | summarizes | refines | caused_by
	At       time.Time
}

// InsertEdge records child -> parent and mirrors parent_id on the child row.
// It does not check for cycles; the lineage manager does that before calling.
func (s *SQLiteStore) InsertEdge(ctx context.Context, p LinkParams) (*model.DerivationEdge, error) {
	if !model.ValidRelations[p.Relation] {
		return nil, fmt.Errorf("invalid relation %q (valid: derived_from, summarizes, refines, caused_by)", p.Relation)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbErr("link", p.ChildID, err)
	}
	defer tx.Rollback()

	// The first statement writes, so the existence checks below cannot miss a
	// delete that committed in between.
	res, err := tx.ExecContext(ctx,
		`UPDATE packages SET parent_id = ? WHERE id = ?`, p.ParentID, p.ChildID)
	if err != nil {
		return nil, dbErr("link", p.ChildID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, model.NewPackageError("link", p.ChildID, model.ErrNotFound, nil)
	}
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM packages WHERE id = ?`, p.ParentID).Scan(&n); err != nil {
		return nil, dbErr("link", p.ParentID, err)
	}
	if n == 0 {
		return nil, model.NewPackageError("link", p.ParentID, model.ErrNotFound, nil)
	}

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT parent_id FROM derivation_edges WHERE child_id = ? AND orphaned = 0`, p.ChildID).Scan(&existing)
	switch {
	case err == nil:
		return nil, model.NewPackageError("link", p.ChildID, model.ErrAlreadyLinked,
			fmt.Errorf("parent is %s", existing))
	case !errors.Is(err, sql.ErrNoRows):
		return nil, dbErr("link", p.ChildID, err)
	}

	now := formatTime(p.At)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO derivation_edges (child_id, parent_id, relation, created_at, orphaned)
		 VALUES (?, ?, ?, ?, 0)
		 ON CONFLICT(child_id, parent_id) DO UPDATE SET relation = excluded.relation,
		 	created_at = excluded.created_at, orphaned = 0`,
		p.ChildID, p.ParentID, p.Relation, now)
	if err != nil {
		return nil, dbErr("link", p.ChildID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, dbErr("link", p.ChildID, err)
	}
	return &model.DerivationEdge{
		ChildID: p.ChildID, ParentID: p.ParentID, Relation: p.Relation, CreatedAt: parseTime(now),
	}, nil
}

// ParentEdge returns the live edge from id to its parent, or nil for a root.
func (s *SQLiteStore) ParentEdge(ctx context.Context, id string) (*model.DerivationEdge, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT child_id, parent_id, relation, created_at, orphaned FROM derivation_edges
		 WHERE child_id = ? AND orphaned = 0`, id)
	e, err := scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr("lineage", id, err)
	}
	return e, nil
}

// ChildEdges returns the live edges whose parent is id.
func (s *SQLiteStore) ChildEdges(ctx context.Context, id string) ([]model.DerivationEdge, error) {
	return s.edges(ctx, `WHERE parent_id = ? AND orphaned = 0 ORDER BY created_at, child_id`, id)
}

// EdgesOf returns every edge touching id, including orphaned history.
func (s *SQLiteStore) EdgesOf(ctx context.Context, id string) ([]model.DerivationEdge, error) {
	return s.edges(ctx, `WHERE child_id = ? OR parent_id = ? ORDER BY created_at, child_id`, id, id)
}

func (s *SQLiteStore) edges(ctx context.Context, where string, args ...any) ([]model.DerivationEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT child_id, parent_id, relation, created_at, orphaned FROM derivation_edges `+where, args...)
	if err != nil {
		return nil, dbErr("lineage", "", err)
	}
	defer rows.Close()

	var out []model.DerivationEdge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, dbErr("lineage", "", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// DetachEdges prepares id for eviction: its own parent edge is pruned and the
// edges to its children are marked orphaned, leaving the children as roots.
// Running it twice leaves the same state.
func (s *SQLiteStore) DetachEdges(ctx context.Context, id string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbErr("detach", id, err)
	}
	defer tx.Rollback()

	orphaned, err := detachEdges(ctx, tx, id)
	if err != nil {
		return nil, dbErr("detach", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, dbErr("detach", id, err)
	}
	return orphaned, nil
}

func detachEdges(ctx context.Context, tx *sql.Tx, id string) (orphaned []string, err error) {
	if _, err := tx.ExecContext(ctx, `DELETE FROM derivation_edges WHERE child_id = ?`, id); err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT child_id FROM derivation_edges WHERE parent_id = ? AND orphaned = 0`, id)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			rows.Close()
			return nil, err
		}
		orphaned = append(orphaned, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, q := range []string{
		`UPDATE derivation_edges SET orphaned = 1 WHERE parent_id = ?`,
		`UPDATE packages SET parent_id = NULL WHERE parent_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return nil, err
		}
	}
	return orphaned, nil
}

func scanEdge(row scanner) (*model.DerivationEdge, error) {
	var e model.DerivationEdge
	var createdAt string
	if err := row.Scan(&e.ChildID, &e.ParentID, &e.Relation, &createdAt, &e.Orphaned); err != nil {
		return nil, err
	}
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}
