package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcliao/hamstore/internal/model"
)

// likeEscaper makes a term match literally inside a LIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchMeta finds packages whose tags or source contain any of the terms.
// Payloads stay sealed, so only cleartext metadata is searched. Results are
// ordered by importance, most important first.
func (s *SQLiteStore) SearchMeta(ctx context.Context, p SearchParams) ([]model.PackageMeta, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	var ors []string
	var args []any
	for _, t := range p.Terms {
		t = strings.TrimSpace(strings.ToLower(t))
		if t == "" {
			continue
		}
		like := "%" + likeEscaper.Replace(t) + "%"
		ors = append(ors,
			`LOWER(COALESCE(tags, '')) LIKE ? ESCAPE '\'`,
			`LOWER(COALESCE(source, '')) LIKE ? ESCAPE '\'`)
		args = append(args, like, like)
	}
	if len(ors) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`SELECT %s FROM packages WHERE %s
		ORDER BY importance DESC, last_access DESC LIMIT ?`, packageCols, strings.Join(ors, " OR "))
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("search", "", err)
	}
	defer rows.Close()

	var results []model.PackageMeta
	for rows.Next() {
		pkg, err := scanPackage(rows, false)
		if err != nil {
			return nil, dbErr("search", "", err)
		}
		results = append(results, pkg.Meta())
	}
	return results, rows.Err()
}
