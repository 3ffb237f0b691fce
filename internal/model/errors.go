package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is the expected outcome for a missing ID.
	ErrNotFound = errors.New("hamstore: not found")
	// ErrAbstraction means an ingestion input could not be turned into a DeepParameter.
	ErrAbstraction = errors.New("hamstore: abstraction failed")
	// ErrCodec means a stored codec identifier is unknown or the payload is corrupt.
	ErrCodec = errors.New("hamstore: codec error")
	// ErrIntegrity means authenticated decryption or checksum verification failed.
	ErrIntegrity = errors.New("hamstore: integrity check failed")
	// ErrDimension means an embedding has the wrong dimensionality.
	ErrDimension = errors.New("hamstore: embedding dimension mismatch")
	// ErrCycle means a derivation link would create a cycle.
	ErrCycle = errors.New("hamstore: derivation cycle")
	// ErrAlreadyLinked means the child already has a parent edge.
	ErrAlreadyLinked = errors.New("hamstore: package already has a parent")
	// ErrAlreadyExists means a caller-chosen package ID is taken.
	ErrAlreadyExists = errors.New("hamstore: package already exists")
	// ErrKeyUnavailable means the key material for a version cannot be obtained.
	ErrKeyUnavailable = errors.New("hamstore: key version unavailable")
	// ErrTransient marks failures worth retrying (busy database, collaborator outage).
	ErrTransient = errors.New("hamstore: transient failure")
)

// PackageError reports a failure isolated to a single package.
type PackageError struct {
	ID   string
	Op   string
	Kind error
	Err  error
}

func (e *PackageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.ID, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *PackageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewPackageError builds a PackageError.
func NewPackageError(op, id string, kind, err error) *PackageError {
	return &PackageError{ID: id, Op: op, Kind: kind, Err: err}
}

// Outcome is the coarse classification callers use to pick retry, discard or alert.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeNotFound
	OutcomeUnreadable
	OutcomeTransient
	OutcomeInvalid
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeUnreadable:
		return "unreadable"
	case OutcomeTransient:
		return "transient"
	case OutcomeInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by the engine onto an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrCodec), errors.Is(err, ErrIntegrity), errors.Is(err, ErrKeyUnavailable):
		return OutcomeUnreadable
	case errors.Is(err, ErrTransient):
		return OutcomeTransient
	case errors.Is(err, ErrAbstraction), errors.Is(err, ErrDimension),
		errors.Is(err, ErrCycle), errors.Is(err, ErrAlreadyLinked), errors.Is(err, ErrAlreadyExists):
		return OutcomeInvalid
	default:
		return OutcomeUnknown
	}
}
