// Package model defines the core HAM data types and the error taxonomy.
package model

import (
	"time"
)

// Payload kinds accepted by the ingestion pipeline.
const (
	PayloadText       = "text"
	PayloadStructured = "structured"
	PayloadBinary     = "binary"
)

// Well-known modality names.
const (
	ModalityText       = "text"
	ModalityStructured = "structured"
	ModalityImageRef   = "image-ref"
	ModalityAudioRef   = "audio-ref"
	ModalityBinaryRef  = "binary-ref"
)

// MemoryRecord is a raw input handed to the ingestion pipeline. It is never
// persisted directly.
type MemoryRecord struct {
	Kind        string            `json:"kind"`
	Text        string            `json:"text,omitempty"`
	Structured  map[string]any    `json:"structured,omitempty"`
	Binary      []byte            `json:"-"`
	MediaType   string            `json:"media_type,omitempty"`
	MediaRef    string            `json:"media_ref,omitempty"`
	Attachments map[string]string `json:"attachments,omitempty"` // modality -> reference
	Source      string            `json:"source"`
	IngestedAt  time.Time         `json:"ingested_at"`
}

// Gist is the structured digest of a record.
type Gist struct {
	Summary  string   `json:"summary"`
	Keywords []string `json:"keywords"`
	Quality  float64  `json:"quality"`
}

// Triple is one (subject, relation, object) fact.
type Triple struct {
	Subject  string `json:"subject"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

// RelationalContext holds extracted triples plus open attributes.
type RelationalContext struct {
	Triples    []Triple          `json:"triples"`
	Attributes map[string]string `json:"attributes"`
}

// ModalityEntry is either an inline payload or an opaque reference.
type ModalityEntry struct {
	Inline    string `json:"inline,omitempty"`
	Ref       string `json:"ref,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// ModalityBundle maps modality name to its entry.
type ModalityBundle map[string]ModalityEntry

// Metadata is the free-form part of a DeepParameter.
type Metadata struct {
	Tags          []string          `json:"tags,omitempty"`
	RetentionHint float64           `json:"retention_hint"`
	Protected     bool              `json:"protected,omitempty"`
	Source        string            `json:"source,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
}

// DeepParameter is the canonical unit handed to the storage pipeline.
type DeepParameter struct {
	Gist       Gist              `json:"gist"`
	Relational RelationalContext `json:"relational"`
	Modalities ModalityBundle    `json:"modalities"`
	Metadata   Metadata          `json:"metadata"`
	CapturedAt time.Time         `json:"captured_at"`
}

// MemoryPackage is the persisted unit. Payload holds the sealed, compressed
// serialization of a DeepParameter.
type MemoryPackage struct {
	ID            string     `json:"id"`
	Payload       []byte     `json:"-"`
	Codec         string     `json:"codec"`
	KeyVersion    string     `json:"key_version"`
	CreatedAt     time.Time  `json:"created_at"`
	LastAccess    time.Time  `json:"last_access"`
	Importance    float64    `json:"importance"`
	ParentID      string     `json:"parent_id,omitempty"`
	Protected     bool       `json:"protected"`
	AccessCount   int        `json:"access_count"`
	RetentionHint float64    `json:"retention_hint"`
	Checksum      string     `json:"checksum"`
	Source        string     `json:"source,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	Size          int64      `json:"size"`
	ScoredAt      *time.Time `json:"scored_at,omitempty"`
}

// PackageMeta is the cleartext view of a package used for scoring and listing.
type PackageMeta struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	LastAccess    time.Time `json:"last_access"`
	Importance    float64   `json:"importance"`
	Protected     bool      `json:"protected"`
	AccessCount   int       `json:"access_count"`
	RetentionHint float64   `json:"retention_hint"`
	Size          int64     `json:"size"`
	Codec         string    `json:"codec"`
	KeyVersion    string    `json:"key_version"`
	ParentID      string    `json:"parent_id,omitempty"`
	Source        string    `json:"source,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
}

// Meta returns the cleartext metadata of p.
func (p *MemoryPackage) Meta() PackageMeta {
	return PackageMeta{
		ID:            p.ID,
		CreatedAt:     p.CreatedAt,
		LastAccess:    p.LastAccess,
		Importance:    p.Importance,
		Protected:     p.Protected,
		AccessCount:   p.AccessCount,
		RetentionHint: p.RetentionHint,
		Size:          p.Size,
		Codec:         p.Codec,
		KeyVersion:    p.KeyVersion,
		ParentID:      p.ParentID,
		Source:        p.Source,
		Tags:          p.Tags,
	}
}

// IndexEntry is one semantic index row. Embeddings are kept in the clear.
type IndexEntry struct {
	ID        string    `json:"id"`
	Embedding []float32 `json:"embedding"`
	IndexedAt time.Time `json:"indexed_at"`
}

// DerivationEdge links a child package to its parent.
type DerivationEdge struct {
	ChildID   string    `json:"child_id"`
	ParentID  string    `json:"parent_id"`
	Relation  string    `json:"relation"`
	CreatedAt time.Time `json:"created_at"`
	Orphaned  bool      `json:"orphaned,omitempty"`
}

// Relation tags for derivation edges.
const (
	RelDerivedFrom = "derived_from"
	RelSummarizes  = "summarizes"
	RelRefines     = "refines"
	RelCausedBy    = "caused_by"
)

// ValidRelations are the accepted derivation relation tags.
var ValidRelations = map[string]bool{
	RelDerivedFrom: true,
	RelSummarizes:  true,
	RelRefines:     true,
	RelCausedBy:    true,
}
