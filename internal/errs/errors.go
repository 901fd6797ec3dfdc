// Package errs provides the unified error type used across all of metaglass.
//
// Every subsystem (catalog store, blob store, task queue, extraction,
// commit) wraps its native errors into *errs.Error before returning them.
// Callers use the Is* predicates to handle errors without importing
// driver-specific packages; the task queue uses IsTransient to decide
// whether a failed task is worth retrying.
//
// Usage:
//
//	// In a driver — wrap native errors:
//	return errs.Wrap(errs.ErrKindConnectionFailed, "staging revisions failed", pgErr)
//
//	// At a task boundary — decide retry vs. terminal failure:
//	if errs.IsTransient(err) {
//	    return err // the queue retries with backoff
//	}
package errs

import (
	"errors"
	"fmt"
)

// ErrKind categorises an error without exposing subsystem-specific codes.
// All backends (Postgres, MinIO, the in-process queue) map their native
// errors to one of these kinds, giving callers a single consistent API.
type ErrKind int

const (
	ErrKindUnknown          ErrKind = iota
	ErrKindNotFound                 // no rows, no object, no bucket
	ErrKindConnectionFailed         // cannot reach the backend
	ErrKindTimeout                  // context deadline / cancellation
	ErrKindQueryFailed              // SQL or storage operation error
	ErrKindConflict                 // unique constraint / concurrent writer
	ErrKindInvalidInput             // bad arguments from the caller
	ErrKindMalformed                // undecodable or inconsistent inspection document
	ErrKindUnresolvable             // a referenced parent/column could not be resolved
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindNotFound:
		return "not_found"
	case ErrKindConnectionFailed:
		return "connection_failed"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindQueryFailed:
		return "query_failed"
	case ErrKindConflict:
		return "conflict"
	case ErrKindInvalidInput:
		return "invalid_input"
	case ErrKindMalformed:
		return "malformed_document"
	case ErrKindUnresolvable:
		return "unresolvable_reference"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by all metaglass subsystems.
// Drivers produce it; callers inspect it via the Is* predicates below.
type Error struct {
	Kind    ErrKind
	Message string
	Cause   error // original driver-level error, preserved for logging
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// --- Constructors ---

// New creates an *Error with the given kind and message and no cause.
func New(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an *Error with a formatted message and no cause.
func Newf(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error with the given kind, message, and an underlying cause.
func Wrap(kind ErrKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// --- Predicates ---

// IsNotFound reports whether err represents a "not found" result
// (no rows, missing object, unknown run/task, …).
func IsNotFound(err error) bool {
	return KindOf(err) == ErrKindNotFound
}

// IsTimeout reports whether err was caused by a deadline or context cancellation.
func IsTimeout(err error) bool {
	return KindOf(err) == ErrKindTimeout
}

// IsConnectionFailed reports whether err is a connectivity failure.
func IsConnectionFailed(err error) bool {
	return KindOf(err) == ErrKindConnectionFailed
}

// IsConflict reports whether err is a uniqueness or concurrent-writer failure.
func IsConflict(err error) bool {
	return KindOf(err) == ErrKindConflict
}

// IsMalformed reports whether err was caused by an undecodable or
// internally inconsistent inspection document.
func IsMalformed(err error) bool {
	return KindOf(err) == ErrKindMalformed
}

// IsUnresolvable reports whether err was caused by a dangling reference
// (a parent schema or index column that could not be located).
func IsUnresolvable(err error) bool {
	return KindOf(err) == ErrKindUnresolvable
}

// IsTransient reports whether err is worth retrying at the task level.
// Only infrastructure-level failures qualify; extraction-logic and
// resolution errors are terminal no matter how often they are retried.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case ErrKindConnectionFailed, ErrKindTimeout:
		return true
	default:
		return false
	}
}

// KindOf extracts the ErrKind from any error in the chain.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindUnknown
}

// TypeOf returns the stable string form of the error's kind, used when
// persisting a RevisionerError record.
func TypeOf(err error) string {
	return KindOf(err).String()
}
