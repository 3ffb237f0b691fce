package engine

import (
	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"

	"github.com/rcliao/hamstore/internal/model"
)

// decodedCache keeps the verified plaintext of opened packages keyed by
// package ID, skipping decryption, decompression and the checksum on a hit.
// Each entry remembers the fingerprint of the sealed payload it came from, so
// a payload replaced underneath (re-seal, tampering) is never served from
// cache. Hits decode a fresh DeepParameter, so no caller shares one.
type decodedCache struct {
	c *ristretto.Cache
}

type cachedParam struct {
	fingerprint uint64
	plain       []byte
}

func newDecodedCache(maxCost int64) (*decodedCache, error) {
	if maxCost <= 0 {
		return &decodedCache{}, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: max(maxCost/256, 1000),
		MaxCost:     maxCost,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	return &decodedCache{c: c}, nil
}

func fingerprint(payload []byte) uint64 { return xxhash.Sum64(payload) }

func (d *decodedCache) get(id string, payload []byte) (*model.DeepParameter, bool) {
	if d.c == nil {
		return nil, false
	}
	v, ok := d.c.Get(id)
	if !ok {
		return nil, false
	}
	cp := v.(cachedParam)
	if cp.fingerprint != fingerprint(payload) {
		d.c.Del(id)
		return nil, false
	}
	dp, err := model.Deserialize(cp.plain)
	if err != nil {
		d.c.Del(id)
		return nil, false
	}
	return dp, true
}

// set caches plain, which must be the checksummed serialization of id's
// payload. The cache takes ownership of plain.
func (d *decodedCache) set(id string, payload, plain []byte) {
	if d.c == nil {
		return
	}
	d.c.Set(id, cachedParam{fingerprint: fingerprint(payload), plain: plain}, int64(len(plain)))
}

func (d *decodedCache) del(id string) {
	if d.c != nil {
		d.c.Del(id)
	}
}

// ratio returns the hit ratio, or 0 with the cache disabled.
func (d *decodedCache) ratio() float64 {
	if d.c == nil || d.c.Metrics == nil {
		return 0
	}
	return d.c.Metrics.Ratio()
}

func (d *decodedCache) close() {
	if d.c != nil {
		d.c.Close()
	}
}
