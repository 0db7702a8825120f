// Package golemerr implements the error taxonomy of spec section 7: a closed set of
// kinds, each carrying a stable machine-readable tag plus a human-readable detail, so
// that RPC boundaries and retry policies can dispatch on kind with errors.As/Is instead
// of parsing strings.
package golemerr

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error variants. New kinds must be added here and to
// every exhaustive switch over Kind in the codebase, so that adding a variant breaks
// the build at every call site that needs to handle it (spec section 9's "closed sum"
// design note).
type Kind string

const (
	// Transport / routing
	KindUnknownShard Kind = "UnknownShard"
	KindWrongShard   Kind = "WrongShard"
	KindUnavailable  Kind = "Unavailable"

	// Worker state
	KindWorkerNotFound      Kind = "WorkerNotFound"
	KindWorkerAlreadyExists Kind = "WorkerAlreadyExists"
	KindWorkerCreationFailed Kind = "WorkerCreationFailed"
	KindInvalidStatus       Kind = "InvalidStatus"

	// Execution
	KindTrap           Kind = "Trap"
	KindInvalidRequest Kind = "InvalidRequest"
	KindInterrupted    Kind = "Interrupted"
	KindOutOfMemory    Kind = "OutOfMemory"
	KindFuelExhausted  Kind = "FuelExhausted"

	// Durability
	KindOplogUnavailable  Kind = "OplogUnavailable"
	KindReplayDivergence  Kind = "ReplayDivergence"
	KindUnknownOplogVariant Kind = "UnknownOplogVariant"

	// Update
	KindUpdateFailed Kind = "UpdateFailed"

	// Shard map
	KindNoAliveNodes Kind = "NoAliveNodes"
	KindAckTimeout   Kind = "AckTimeout"
)

// Error is the concrete error type carrying a Kind and a human detail.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, golemerr.Kind(...)) style comparisons by kind via New(kind, "").
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs an Error of the given kind with a detail message.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap constructs an Error of the given kind, wrapping an underlying cause.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// Sentinel returns a zero-detail Error of the given kind, suitable as an errors.Is
// comparison target: errors.Is(err, golemerr.Sentinel(golemerr.KindWorkerNotFound)).
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

// As extracts the Kind of err, if it is (or wraps) a *Error.
func As(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Retryable reports whether local recovery is in scope for this kind, per spec section
// 7's propagation policy: transport/routing errors and bounded-retry execution errors
// are retried locally; durability, worker-state, and update errors are surfaced.
func Retryable(kind Kind) bool {
	switch kind {
	case KindUnknownShard, KindWrongShard, KindUnavailable:
		return true
	case KindTrap, KindInvalidRequest, KindInterrupted, KindOutOfMemory, KindFuelExhausted:
		return true
	case KindNoAliveNodes, KindAckTimeout:
		return true
	default:
		return false
	}
}
