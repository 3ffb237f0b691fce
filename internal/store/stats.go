package store

import (
	"context"
	"database/sql"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath        string         `json:"db_path" yaml:"db_path"`
	DBSizeBytes   int64          `json:"db_size_bytes" yaml:"db_size_bytes"`
	Packages      int            `json:"packages" yaml:"packages"`
	Protected     int            `json:"protected" yaml:"protected"`
	PayloadBytes  int64          `json:"payload_bytes" yaml:"payload_bytes"`
	Codecs        map[string]int `json:"codecs" yaml:"codecs"`
	KeyVersions   map[string]int `json:"key_versions" yaml:"key_versions"`
	Edges         int            `json:"edges" yaml:"edges"`
	OrphanedEdges int            `json:"orphaned_edges" yaml:"orphaned_edges"`
	Oldest        string         `json:"oldest,omitempty" yaml:"oldest,omitempty"`
	Newest        string         `json:"newest,omitempty" yaml:"newest,omitempty"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		DBPath:      s.path,
		Codecs:      map[string]int{},
		KeyVersions: map[string]int{},
	}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	var bytes sql.NullInt64
	var oldest, newest sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(protected), 0), SUM(size), MIN(created_at), MAX(created_at)
		FROM packages`).Scan(&st.Packages, &st.Protected, &bytes, &oldest, &newest)
	if err != nil {
		return nil, dbErr("stats", "", err)
	}
	st.PayloadBytes = bytes.Int64
	st.Oldest, st.Newest = oldest.String, newest.String

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(orphaned), 0) FROM derivation_edges`).Scan(&st.Edges, &st.OrphanedEdges)
	if err != nil {
		return nil, dbErr("stats", "", err)
	}

	if err := s.histogram(ctx, "codec", st.Codecs); err != nil {
		return nil, err
	}
	if err := s.histogram(ctx, "key_version", st.KeyVersions); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStore) histogram(ctx context.Context, col string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+col+`, COUNT(*) FROM packages GROUP BY `+col)
	if err != nil {
		return dbErr("stats", "", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return dbErr("stats", "", err)
		}
		into[k] = n
	}
	return rows.Err()
}
