// Package store provides the core record store for memory packages and its
// SQLite implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rcliao/hamstore/internal/model"
)

// ErrStopScan may be returned by a Scan callback to end the scan early without error.
var ErrStopScan = errors.New("store: stop scan")

// ScanParams filters a scan. Zero values mean "no filter".
type ScanParams struct {
	From        time.Time // created_at >= From
	To          time.Time // created_at < To
	Source      string
	Tags        []string // every tag must be present
	Match       func(model.PackageMeta) bool
	WithPayload bool
	Batch       int // rows per page, defaults to DefaultScanBatch
}

// DefaultScanBatch is the page size used when ScanParams.Batch is unset.
const DefaultScanBatch = 256

// SearchParams holds parameters for a keyword search over cleartext metadata.
type SearchParams struct {
	Terms []string
	Limit int
}

// Store defines the record store contract.
type Store interface {
	// Put inserts or replaces a package atomically.
	Put(ctx context.Context, p *model.MemoryPackage) error

	// Get returns the package with id, or an error wrapping model.ErrNotFound.
	Get(ctx context.Context, id string) (*model.MemoryPackage, error)

	// Delete removes the package and its access metadata. Missing IDs are not an error.
	Delete(ctx context.Context, id string) error

	// Scan calls fn for each matching package in creation order, checking ctx between pages.
	Scan(ctx context.Context, p ScanParams, fn func(*model.MemoryPackage) error) error

	// Close closes the store.
	Close() error
}
