package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/rcliao/hamstore/internal/abstraction"
	"github.com/rcliao/hamstore/internal/model"
)

// PutOptions choose the ID of a new package and attach it to an existing
// parent.
type PutOptions struct {
	ID       string // defaults to a fresh ULID; a taken ID fails with ErrAlreadyExists
	ParentID string
	Relation string // defaults to derived_from
}

// RememberOptions combine ingestion metadata with placement.
type RememberOptions struct {
	abstraction.IngestOptions
	PutOptions
}

// Remember abstracts rec and stores the result. It returns the new package ID.
func (e *Engine) Remember(ctx context.Context, rec model.MemoryRecord, opts RememberOptions) (string, error) {
	dp, err := e.pipeline.Ingest(ctx, rec, opts.IngestOptions)
	if err != nil {
		return "", err
	}
	return e.Put(ctx, dp, opts.PutOptions)
}

// Put compresses, seals and stores dp, indexes its embedding and links it to
// opts.ParentID if set. Either every step lands or none does.
func (e *Engine) Put(ctx context.Context, dp *model.DeepParameter, opts PutOptions) (string, error) {
	if dp == nil {
		return "", fmt.Errorf("put: %w: nil deep parameter", model.ErrAbstraction)
	}
	if err := dp.Validate(); err != nil {
		return "", fmt.Errorf("put: %w", err)
	}

	emb, err := e.embedder.Embed(ctx, dp.Text())
	if err != nil {
		return "", fmt.Errorf("put: embed: %w", err)
	}
	if err := e.index.Check(emb); err != nil {
		return "", fmt.Errorf("put: %w", err)
	}
	id := strings.TrimSpace(opts.ID)
	if id != "" {
		ok, err := e.store.Exists(ctx, id)
		if err != nil {
			return "", err
		}
		if ok {
			return "", model.NewPackageError("put", id, model.ErrAlreadyExists, nil)
		}
	} else {
		id = e.store.NewID()
	}
	if opts.ParentID != "" {
		ok, err := e.store.Exists(ctx, opts.ParentID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", model.NewPackageError("put", opts.ParentID, model.ErrNotFound, fmt.Errorf("parent"))
		}
	}

	plain, err := model.Serialize(dp)
	if err != nil {
		return "", fmt.Errorf("put: %w", err)
	}
	sum := sha256.Sum256(plain)
	compressed, codecID, err := e.codec.Compress(ctx, plain)
	if err != nil {
		return "", fmt.Errorf("put: %w", err)
	}
	version, err := e.envelope.CurrentVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("put: %w", err)
	}

	sealed, err := e.envelope.Seal(ctx, version, compressed, []byte(id))
	if err != nil {
		return "", fmt.Errorf("put: %w", err)
	}

	if err := e.makeRoom(ctx, int64(len(sealed))); err != nil {
		return "", err
	}

	now := e.now().UTC()
	pkg := &model.MemoryPackage{
		ID:            id,
		Payload:       sealed,
		Codec:         codecID,
		KeyVersion:    version,
		CreatedAt:     now,
		LastAccess:    now,
		Protected:     dp.Metadata.Protected,
		RetentionHint: dp.Metadata.RetentionHint,
		Checksum:      hex.EncodeToString(sum[:]),
		Source:        dp.Metadata.Source,
		Tags:          dp.Metadata.Tags,
		ScoredAt:      &now,
	}
	pkg.Importance = e.scorer.Score(pkg.Meta())

	if err := e.store.Insert(ctx, pkg); err != nil {
		return "", err
	}
	if err := e.index.Index(ctx, id, emb); err != nil {
		e.rollback(id, false)
		return "", err
	}
	if opts.ParentID != "" {
		if _, err := e.lineage.Link(ctx, id, opts.ParentID, opts.Relation); err != nil {
			e.rollback(id, true)
			return "", err
		}
	}

	e.cache.set(id, sealed, plain)
	e.log.WithFields(logrus.Fields{
		"id": id, "codec": codecID, "key_version": version,
		"plain": len(plain), "stored": len(sealed),
	}).Debug("stored package")
	return id, nil
}

// makeRoom runs a lifecycle pass when one more package of size bytes would
// exceed the configured bounds.
func (e *Engine) makeRoom(ctx context.Context, size int64) error {
	opts := e.life.Options()
	if opts.MaxPackages <= 0 && opts.MaxBytes <= 0 {
		return nil
	}
	n, err := e.store.Count(ctx)
	if err != nil {
		return err
	}
	total, err := e.store.TotalBytes(ctx)
	if err != nil {
		return err
	}
	overCount := opts.MaxPackages > 0 && n+1 > opts.MaxPackages
	overBytes := opts.MaxBytes > 0 && total+size > opts.MaxBytes
	if !overCount && !overBytes {
		return nil
	}
	evicted, err := e.life.MakeRoom(ctx, 1, size)
	if err != nil {
		return fmt.Errorf("put: make room: %w", err)
	}
	if len(evicted) > 0 {
		e.log.WithField("evicted", len(evicted)).Info("evicted packages to make room")
	}
	return nil
}

// rollback undoes a partially applied Put. It runs on a fresh context so a
// cancelled caller cannot leave half a package behind.
func (e *Engine) rollback(id string, indexed bool) {
	ctx := context.Background()
	log := e.log.WithField("id", id)
	if indexed {
		if err := e.index.Remove(ctx, id); err != nil {
			log.WithError(err).Error("rollback: index remove failed")
			return
		}
	}
	if err := e.store.Delete(ctx, id); err != nil {
		log.WithError(err).Error("rollback: store delete failed")
	}
}
