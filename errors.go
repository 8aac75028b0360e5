package golem

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable machine-readable tag carried by every user-visible
// failure.
type ErrorKind string

const (
	// Transport/routing: retried by the router with a refreshed map.
	KindUnknownShard ErrorKind = "UnknownShard"
	KindWrongShard   ErrorKind = "WrongShard"
	KindUnavailable  ErrorKind = "Unavailable"

	// Worker state: surfaced to the caller, not retried.
	KindWorkerNotFound       ErrorKind = "WorkerNotFound"
	KindWorkerAlreadyExists  ErrorKind = "WorkerAlreadyExists"
	KindWorkerCreationFailed ErrorKind = "WorkerCreationFailed"
	KindInvalidStatus        ErrorKind = "InvalidStatus"

	// Execution: recorded as Error entries, governed by the retry policy.
	KindTrap           ErrorKind = "Trap"
	KindInvalidRequest ErrorKind = "InvalidRequest"
	KindInterrupted    ErrorKind = "Interrupted"
	KindOutOfMemory    ErrorKind = "OutOfMemory"
	KindFuelExhausted  ErrorKind = "FuelExhausted"

	// Durability: fatal for the worker instance.
	KindOplogUnavailable ErrorKind = "OplogUnavailable"
	KindReplayDivergence ErrorKind = "ReplayDivergence"

	// Update.
	KindUpdateFailed ErrorKind = "UpdateFailed"

	// Shard map.
	KindNoAliveNodes ErrorKind = "NoAliveNodes"
	KindAckTimeout   ErrorKind = "AckTimeout"
)

// Error is a structured failure: a stable variant tag plus human-readable
// detail. It is the error shape crossing RPC boundaries.
type Error struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Errorf builds a structured error with a formatted detail.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind, defaulting to Unavailable for plain errors.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnavailable
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// asErr is errors.As with type inference friendlier at call sites.
func asErr[T error](err error, target *T) bool {
	return errors.As(err, target)
}

// retriable reports whether an execution failure is subject to the worker's
// retry policy. Divergence and out-of-memory failures never are; fuel
// exhaustion is.
func retriable(err error) bool {
	switch KindOf(err) {
	case KindTrap, KindFuelExhausted, KindUnavailable:
		return true
	}
	return false
}
