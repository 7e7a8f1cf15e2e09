// Package brokererr defines the broker's error taxonomy: a small set of
// Kind values every store, permission, filter, search, and façade error
// is tagged with, so callers can branch on category with errors.As instead
// of matching error strings.
package brokererr

import (
	"errors"
	"fmt"
)

// Kind classifies a broker error into one of a fixed set of categories.
type Kind string

const (
	// KindNotFound means the referenced entity does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict means a write lost a race against another write
	// (e.g. a unique constraint, a stale version).
	KindConflict Kind = "conflict"
	// KindPermissionDenied means the caller lacks a permission grant
	// (channel membership or visibility, note ownership).
	KindPermissionDenied Kind = "permission_denied"
	// KindPolicyDenied means the operation is structurally disallowed
	// (e.g. writing to an archived channel, a DM refused by policy or
	// block, leaving a DM or notes channel).
	KindPolicyDenied Kind = "policy_denied"
	// KindInvalidArgument means the caller supplied a malformed request.
	KindInvalidArgument Kind = "invalid_argument"
	// KindFilterError means a search filter failed to parse or compile.
	KindFilterError Kind = "filter_error"
	// KindUnavailable means a dependency (vector index, database) is
	// temporarily unreachable; retry with backoff may succeed.
	KindUnavailable Kind = "unavailable"
	// KindIntegrity means an internal invariant was violated.
	KindIntegrity Kind = "integrity"
	// KindCancelled means the caller's context was cancelled.
	KindCancelled Kind = "cancelled"
	// KindDeadlineExceeded means the caller's context deadline passed.
	KindDeadlineExceeded Kind = "deadline_exceeded"
)

// Error is a typed broker error: a Kind, the operation that produced it,
// and the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an *Error of the given kind for operation op, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a broker error of the given kind.
func Is(err error, kind Kind) bool {
	var be *Error
	if !errors.As(err, &be) {
		return false
	}
	return be.Kind == kind
}
