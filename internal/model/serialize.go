package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Serialize returns the canonical encoding of d. Map keys are emitted in
// sorted order, so equal values always produce identical bytes.
func Serialize(d *DeepParameter) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("serialize: nil deep parameter")
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}
	return b, nil
}

// Deserialize decodes bytes produced by Serialize.
func Deserialize(b []byte) (*DeepParameter, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var d DeepParameter
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("deserialize: %w", err)
	}
	return &d, nil
}

// Validate checks the structural invariants of a DeepParameter.
func (d *DeepParameter) Validate() error {
	if strings.TrimSpace(d.Gist.Summary) == "" {
		return fmt.Errorf("%w: empty gist summary", ErrAbstraction)
	}
	if len(d.Modalities) == 0 {
		return fmt.Errorf("%w: no modality entries", ErrAbstraction)
	}
	for name, e := range d.Modalities {
		if name == "" {
			return fmt.Errorf("%w: empty modality name", ErrAbstraction)
		}
		if e.Inline == "" && e.Ref == "" {
			return fmt.Errorf("%w: modality %q has neither inline payload nor reference", ErrAbstraction, name)
		}
	}
	if d.Metadata.RetentionHint < 0 || d.Metadata.RetentionHint > 1 {
		return fmt.Errorf("retention hint %v outside [0,1]", d.Metadata.RetentionHint)
	}
	return nil
}

// Text returns a plain-text rendering suitable for embedding producers.
func (d *DeepParameter) Text() string {
	var sb strings.Builder
	sb.WriteString(d.Gist.Summary)
	if len(d.Gist.Keywords) > 0 {
		sb.WriteString("\n")
		sb.WriteString(strings.Join(d.Gist.Keywords, " "))
	}
	for _, t := range d.Relational.Triples {
		fmt.Fprintf(&sb, "\n%s %s %s", t.Subject, t.Relation, t.Object)
	}
	return sb.String()
}
