package store

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 256

// lockTable hands out a per-ID read/write lock. IDs hash onto a fixed set of
// stripes, so two IDs may share a lock but one ID always maps to the same one.
type lockTable struct {
	stripes [lockStripes]sync.RWMutex
}

func (l *lockTable) of(id string) *sync.RWMutex {
	return &l.stripes[xxhash.Sum64String(id)%lockStripes]
}
