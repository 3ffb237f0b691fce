package store

import (
	"context"
	"time"

	"github.com/rcliao/hamstore/internal/model"
)

// ExportParams narrows a metadata export.
type ExportParams struct {
	Source string
	Tags   []string
	Since  time.Time
}

// ExportMeta returns the cleartext metadata of matching packages, oldest first.
// Payloads are never exported.
func (s *SQLiteStore) ExportMeta(ctx context.Context, p ExportParams) ([]model.PackageMeta, error) {
	out := []model.PackageMeta{}
	err := s.Scan(ctx, ScanParams{From: p.Since, Source: p.Source, Tags: p.Tags},
		func(pkg *model.MemoryPackage) error {
			out = append(out, pkg.Meta())
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}
