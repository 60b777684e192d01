package models

import (
	"errors"
	"fmt"
)

// ErrKind is the error taxonomy the core distinguishes. Callers choose the
// handling policy per kind; the kind is surfaced on failed jobs.
type ErrKind string

const (
	ErrKindTransientNetwork    ErrKind = "transient_network"
	ErrKindRateLimit           ErrKind = "rate_limit"
	ErrKindAuthExpired         ErrKind = "auth_expired"
	ErrKindPermissionDenied    ErrKind = "permission_denied"
	ErrKindSessionLost         ErrKind = "session_lost"
	ErrKindExtractionMalformed ErrKind = "extraction_malformed"
	ErrKindConstraintViolation ErrKind = "constraint_violation"
	ErrKindStorage             ErrKind = "storage_error"
)

// TaggedError carries a taxonomic kind alongside the underlying error
type TaggedError struct {
	Kind ErrKind
	Err  error
}

func (e *TaggedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TaggedError) Unwrap() error {
	return e.Err
}

// Tag wraps an error with a taxonomic kind
func Tag(kind ErrKind, err error) error {
	if err == nil {
		return nil
	}
	return &TaggedError{Kind: kind, Err: err}
}

// Tagf wraps a formatted error with a taxonomic kind
func Tagf(kind ErrKind, format string, args ...interface{}) error {
	return &TaggedError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the taxonomic kind from an error chain. Untagged errors
// default to transient network, the safest kind to retry.
func KindOf(err error) ErrKind {
	var tagged *TaggedError
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return ErrKindTransientNetwork
}
