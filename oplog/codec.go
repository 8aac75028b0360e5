package oplog

import (
	"encoding/json"
	"fmt"
	"time"
)

// codecVersion stamps every encoded entry. Readers reject entries written by
// a newer codec instead of guessing.
const codecVersion = 1

// ErrUnknownVariant is returned when decoding an entry whose type is not in
// the closed variant set, or whose codec version is unsupported.
type ErrUnknownVariant struct {
	Type    EntryType
	Version int
}

func (e *ErrUnknownVariant) Error() string {
	if e.Version != codecVersion {
		return fmt.Sprintf("oplog: unsupported codec version %d", e.Version)
	}
	return fmt.Sprintf("oplog: unknown entry variant %q", e.Type)
}

type envelope struct {
	Version   int             `json:"v"`
	Index     uint64          `json:"index"`
	Timestamp time.Time       `json:"ts"`
	Type      EntryType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Marshal encodes an entry into its wire form.
func Marshal(e Entry) ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("oplog: marshal %s payload: %w", e.Type(), err)
	}
	return json.Marshal(envelope{
		Version:   codecVersion,
		Index:     uint64(e.Index),
		Timestamp: e.Timestamp.UTC(),
		Type:      e.Type(),
		Payload:   payload,
	})
}

// Unmarshal decodes an entry from its wire form.
func Unmarshal(data []byte) (Entry, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Entry{}, fmt.Errorf("oplog: decode envelope: %w", err)
	}
	if env.Version != codecVersion {
		return Entry{}, &ErrUnknownVariant{Type: env.Type, Version: env.Version}
	}
	payload, err := newPayload(env.Type)
	if err != nil {
		return Entry{}, err
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return Entry{}, fmt.Errorf("oplog: decode %s payload: %w", env.Type, err)
		}
	}
	return Entry{
		Index:     Index(env.Index),
		Timestamp: env.Timestamp,
		Payload:   deref(payload),
	}, nil
}

// newPayload returns a pointer to a zero payload of the given type. The
// switch is exhaustive over the closed variant set so that adding a variant
// without extending the codec breaks loudly.
func newPayload(t EntryType) (Payload, error) {
	switch t {
	case EntryCreate:
		return &Create{}, nil
	case EntryImportedFunctionInvoked:
		return &ImportedFunctionInvoked{}, nil
	case EntryExportedFunctionInvoked:
		return &ExportedFunctionInvoked{}, nil
	case EntryExportedFunctionComplete:
		return &ExportedFunctionCompleted{}, nil
	case EntrySuspend:
		return &Suspend{}, nil
	case EntryResume:
		return &Resume{}, nil
	case EntryInterrupted:
		return &Interrupted{}, nil
	case EntryExited:
		return &Exited{}, nil
	case EntryError:
		return &Error{}, nil
	case EntryJump:
		return &Jump{}, nil
	case EntryNoOp:
		return &NoOp{}, nil
	case EntryChangeRetryPolicy:
		return &ChangeRetryPolicy{}, nil
	case EntryBeginAtomicRegion:
		return &BeginAtomicRegion{}, nil
	case EntryEndAtomicRegion:
		return &EndAtomicRegion{}, nil
	case EntryBeginRemoteWrite:
		return &BeginRemoteWrite{}, nil
	case EntryEndRemoteWrite:
		return &EndRemoteWrite{}, nil
	case EntryPendingWorkerInvocation:
		return &PendingWorkerInvocation{}, nil
	case EntryPendingUpdate:
		return &PendingUpdate{}, nil
	case EntrySuccessfulUpdate:
		return &SuccessfulUpdate{}, nil
	case EntryFailedUpdate:
		return &FailedUpdate{}, nil
	case EntryGrowMemory:
		return &GrowMemory{}, nil
	case EntryCreateResource:
		return &CreateResource{}, nil
	case EntryDropResource:
		return &DropResource{}, nil
	case EntryDescribeResource:
		return &DescribeResource{}, nil
	case EntryLog:
		return &Log{}, nil
	}
	return nil, &ErrUnknownVariant{Type: t, Version: codecVersion}
}

// deref converts the pointer produced by newPayload back into the value form
// entries are built with, so decoded payloads compare equal to originals.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *Create:
		return *v
	case *ImportedFunctionInvoked:
		return *v
	case *ExportedFunctionInvoked:
		return *v
	case *ExportedFunctionCompleted:
		return *v
	case *Suspend:
		return *v
	case *Resume:
		return *v
	case *Interrupted:
		return *v
	case *Exited:
		return *v
	case *Error:
		return *v
	case *Jump:
		return *v
	case *NoOp:
		return *v
	case *ChangeRetryPolicy:
		return *v
	case *BeginAtomicRegion:
		return *v
	case *EndAtomicRegion:
		return *v
	case *BeginRemoteWrite:
		return *v
	case *EndRemoteWrite:
		return *v
	case *PendingWorkerInvocation:
		return *v
	case *PendingUpdate:
		return *v
	case *SuccessfulUpdate:
		return *v
	case *FailedUpdate:
		return *v
	case *GrowMemory:
		return *v
	case *CreateResource:
		return *v
	case *DropResource:
		return *v
	case *DescribeResource:
		return *v
	case *Log:
		return *v
	}
	return p
}
