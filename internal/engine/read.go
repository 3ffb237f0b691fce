package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rcliao/hamstore/internal/abstraction"
	"github.com/rcliao/hamstore/internal/model"
	"github.com/rcliao/hamstore/internal/store"
)

// Recall is a package opened for the caller. Param is shared with the
// engine's cache and must not be modified.
type Recall struct {
	Meta  model.PackageMeta    `json:"meta"`
	Param *model.DeepParameter `json:"param,omitempty"`
}

// Hit is one query result. A package that could not be opened is still
// reported, with Err set and Param nil, so one bad package never hides the rest.
type Hit struct {
	Recall
	Distance float64 `json:"distance"`
	Keyword  bool    `json:"keyword,omitempty"` // found by the metadata fallback
	Err      error   `json:"-"`
}

// Get opens the package with id. A successful read counts as an access: it
// moves last_access, bumps the access count and re-scores the package.
func (e *Engine) Get(ctx context.Context, id string) (*Recall, error) {
	pkg, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	dp, err := e.open(ctx, pkg)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	meta, err := e.store.Touch(ctx, id, now)
	if err != nil {
		return nil, err
	}
	meta.Importance = e.scorer.Score(meta)
	if err := e.store.SetImportance(ctx, id, meta.Importance, now); err != nil {
		return nil, err
	}
	return &Recall{Meta: meta, Param: dp}, nil
}

// RecallGist returns a readable rendering of the package's gist, relations
// and references. It counts as an access, like Get.
func (e *Engine) RecallGist(ctx context.Context, id string) (string, error) {
	r, err := e.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return abstraction.Render(r.Param), nil
}

// Query returns the k packages nearest to emb. Queries do not count as accesses.
func (e *Engine) Query(ctx context.Context, emb []float32, k int) ([]Hit, error) {
	results, err := e.index.Query(ctx, emb, k)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h := Hit{Distance: r.Distance}
		pkg, err := e.store.Get(ctx, r.ID)
		if err != nil {
			h.Meta.ID = r.ID
			h.Err = err
			e.log.WithError(err).WithField("id", r.ID).Warn("indexed package missing from store")
		} else {
			h.Meta = pkg.Meta()
			h.Param, h.Err = e.open(ctx, pkg)
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// TextQuery tunes QueryText.
type TextQuery struct {
	K int
	// MaxDistance drops semantic hits farther than this; 0 keeps all.
	MaxDistance float64
}

// QueryText embeds text and queries the index. When fewer than K semantic
// hits survive, packages whose tags or source match words of text fill the
// remaining slots.
func (e *Engine) QueryText(ctx context.Context, text string, q TextQuery) ([]Hit, error) {
	if q.K <= 0 {
		q.K = 10
	}
	emb, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("query: embed: %w", err)
	}
	semantic, err := e.Query(ctx, emb, q.K)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, q.K)
	seen := make(map[string]bool)
	for _, h := range semantic {
		if q.MaxDistance > 0 && h.Distance > q.MaxDistance {
			continue
		}
		seen[h.Meta.ID] = true
		hits = append(hits, h)
	}
	if len(hits) >= q.K {
		return hits, nil
	}

	metas, err := e.store.SearchMeta(ctx, store.SearchParams{Terms: strings.Fields(text), Limit: q.K * 2})
	if err != nil {
		return nil, err
	}
	for _, m := range metas {
		if len(hits) >= q.K {
			break
		}
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		h := Hit{Recall: Recall{Meta: m}, Distance: math.Inf(1), Keyword: true}
		pkg, err := e.store.Get(ctx, m.ID)
		if err != nil {
			h.Err = err
		} else {
			h.Param, h.Err = e.open(ctx, pkg)
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// RangeQuery selects packages by creation time and cleartext metadata.
type RangeQuery struct {
	From   time.Time // inclusive
	To     time.Time // exclusive; zero means open-ended
	Source string
	Tags   []string
	Limit  int // 0 means unlimited
}

// QueryRange returns matching packages in creation order. Unreadable packages
// are included with Err set.
func (e *Engine) QueryRange(ctx context.Context, q RangeQuery) ([]Hit, error) {
	var hits []Hit
	err := e.store.Scan(ctx, store.ScanParams{
		From: q.From, To: q.To, Source: q.Source, Tags: q.Tags, WithPayload: true,
	}, func(pkg *model.MemoryPackage) error {
		h := Hit{Recall: Recall{Meta: pkg.Meta()}}
		h.Param, h.Err = e.open(ctx, pkg)
		hits = append(hits, h)
		if q.Limit > 0 && len(hits) >= q.Limit {
			return store.ErrStopScan
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// open authenticates, decompresses and decodes a package payload, then checks
// the plaintext checksum. Failures are PackageErrors naming the package.
func (e *Engine) open(ctx context.Context, pkg *model.MemoryPackage) (*model.DeepParameter, error) {
	log := e.log.WithFields(logrus.Fields{"id": pkg.ID, "codec": pkg.Codec, "key_version": pkg.KeyVersion})

	// A cached plaintext is only served while its key is still obtainable.
	if err := e.envelope.Usable(ctx, pkg.KeyVersion); err != nil {
		log.WithError(err).Warn("package key unavailable")
		return nil, model.NewPackageError("open", pkg.ID, model.ErrKeyUnavailable, err)
	}
	if dp, ok := e.cache.get(pkg.ID, pkg.Payload); ok {
		return dp, nil
	}

	compressed, err := e.envelope.Open(ctx, pkg.KeyVersion, pkg.Payload, []byte(pkg.ID))
	switch {
	case errors.Is(err, model.ErrKeyUnavailable):
		log.WithError(err).Warn("package key unavailable")
		return nil, model.NewPackageError("open", pkg.ID, model.ErrKeyUnavailable, err)
	case err != nil:
		log.WithError(err).Error("package failed authentication")
		return nil, model.NewPackageError("open", pkg.ID, model.ErrIntegrity, err)
	}
	plain, err := e.codec.Decompress(compressed, pkg.Codec)
	if err != nil {
		log.WithError(err).Warn("package unreadable")
		return nil, model.NewPackageError("open", pkg.ID, model.ErrCodec, err)
	}
	sum := sha256.Sum256(plain)
	if got := hex.EncodeToString(sum[:]); got != pkg.Checksum {
		log.WithField("checksum", got).Error("plaintext checksum mismatch")
		return nil, model.NewPackageError("open", pkg.ID, model.ErrIntegrity, fmt.Errorf("checksum mismatch"))
	}
	dp, err := model.Deserialize(plain)
	if err != nil {
		log.WithError(err).Warn("package unreadable")
		return nil, model.NewPackageError("open", pkg.ID, model.ErrCodec, err)
	}
	e.cache.set(pkg.ID, pkg.Payload, plain)
	return dp, nil
}
