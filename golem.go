// Package golem implements the durable execution engine: workers backed by
// per-worker oplogs, deterministic replay, an idempotent serialized
// invocation queue, durable host state, resource limits and in-place
// component updates.
//
// A worker is a durable instance of a component. Its oplog (package oplog) is
// the linearization of everything it ever observed; the engine interleaves
// guest execution with oplog appends so that after a crash, eviction or
// migration the worker can be reconstructed by replay and resumed as if
// nothing had happened.
package golem

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ComponentID identifies a component (a deployable program) independent of
// its versions.
type ComponentID struct {
	uuid.UUID
}

// NewComponentID generates a fresh component id.
func NewComponentID() ComponentID {
	return ComponentID{UUID: uuid.New()}
}

// ParseComponentID parses the canonical UUID form.
func ParseComponentID(s string) (ComponentID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ComponentID{}, fmt.Errorf("invalid component id %q: %w", s, err)
	}
	return ComponentID{UUID: id}, nil
}

// WorkerID identifies a worker: a named durable instance of a component.
type WorkerID struct {
	Component ComponentID `json:"componentId"`
	Name      string      `json:"name"`
}

// String returns the canonical "componentId/name" form, which is also the key
// used by the oplog and host-state stores.
func (w WorkerID) String() string {
	return w.Component.String() + "/" + w.Name
}

// ParseWorkerID parses the canonical form produced by String.
func ParseWorkerID(s string) (WorkerID, error) {
	cid, name, ok := strings.Cut(s, "/")
	if !ok || name == "" {
		return WorkerID{}, fmt.Errorf("invalid worker id %q", s)
	}
	component, err := ParseComponentID(cid)
	if err != nil {
		return WorkerID{}, err
	}
	return WorkerID{Component: component, Name: name}, nil
}

// AccountID identifies the account a worker is billed against.
type AccountID string

// IdempotencyKey deduplicates invocations and remote writes across retries
// and replays. Opaque to the engine; unique per (worker, call).
type IdempotencyKey string

// Status is the lifecycle state of a worker.
type Status string

const (
	// StatusIdle means the worker is ready to run an invocation.
	StatusIdle Status = "Idle"
	// StatusRunning means an invocation is executing a guest frame.
	StatusRunning Status = "Running"
	// StatusSuspended means an invocation is waiting on a promise or wake.
	StatusSuspended Status = "Suspended"
	// StatusInterrupting means an interrupt was requested and the worker is
	// running until its next cooperative yield.
	StatusInterrupting Status = "Interrupting"
	// StatusInterrupted means the worker stopped at a yield after an
	// interrupt; a resume re-enters Idle.
	StatusInterrupted Status = "Interrupted"
	// StatusRetrying means the last invocation failed and a retry is
	// scheduled under the effective retry policy.
	StatusRetrying Status = "Retrying"
	// StatusFailed is terminal for the instance: the worker cannot run again
	// without operator intervention.
	StatusFailed Status = "Failed"
	// StatusExited means the guest returned from its top-level export.
	StatusExited Status = "Exited"
	// StatusDeleted means the worker was explicitly deleted.
	StatusDeleted Status = "Deleted"
)

// ParseStatus parses a status name case-insensitively.
func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{
		StatusIdle, StatusRunning, StatusSuspended, StatusInterrupting,
		StatusInterrupted, StatusRetrying, StatusFailed, StatusExited, StatusDeleted,
	} {
		if strings.EqualFold(string(st), s) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown worker status %q", s)
}

// terminal reports whether no further transitions are allowed out of s.
func (s Status) terminal() bool {
	return s == StatusExited || s == StatusDeleted || s == StatusFailed
}
