// Package apperrors defines the error-kind taxonomy shared across the
// engine so callers can branch on failure category with errors.Is/As
// instead of string matching.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way the spec's error-handling design
// groups them, not by Go type.
type Kind string

const (
	KindCorruptSnapshot      Kind = "corrupt_snapshot"
	KindOpfsLockContention   Kind = "opfs_lock_contention"
	KindSnapshotMissing      Kind = "snapshot_missing"
	KindSchemaDrift          Kind = "schema_drift"
	KindReplayFailure        Kind = "replay_failure"
	KindFormulaValidation    Kind = "formula_validation"
	KindTransientTableMissing Kind = "transient_table_missing"
)

// Error wraps a cause with a Kind so it can be classified upstream while
// still unwrapping to the original error.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error. cause may be nil.
func New(kind Kind, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, if any.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
