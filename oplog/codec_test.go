package oplog

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMarshalRoundTripAllVariants(t *testing.T) {
	payloads := []Payload{
		Create{WorkerName: "w", ComponentID: "cid", ComponentVersion: 3, Args: []string{"a"}, Env: map[string]string{"K": "V"}, AccountID: "acct", Parent: "p"},
		ImportedFunctionInvoked{FunctionName: "golem::now", Request: []byte("r"), Response: []byte("s"), WrappedType: ReadLocal},
		ExportedFunctionInvoked{FunctionName: "run", Request: []byte("in"), IdempotencyKey: "k"},
		ExportedFunctionCompleted{Response: []byte("out"), ConsumedFuel: 9},
		Suspend{Reason: "promise x", WakeAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		Resume{Restart: true},
		Interrupted{},
		Exited{},
		Error{Detail: "boom", Attempt: 1},
		Jump{Start: 4, End: 9},
		NoOp{},
		ChangeRetryPolicy{MaxAttempts: 4, MinDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 0.2},
		BeginAtomicRegion{},
		EndAtomicRegion{BeginIndex: 12},
		BeginRemoteWrite{FunctionName: "golem::remote_write", IdempotencyKey: "ik"},
		EndRemoteWrite{BeginIndex: 15},
		PendingWorkerInvocation{FunctionName: "run", Request: []byte("in"), IdempotencyKey: "k", AwaitResult: true},
		PendingUpdate{TargetVersion: 2, Mode: "SnapshotBased"},
		SuccessfulUpdate{TargetVersion: 2, NewSize: 1024},
		FailedUpdate{TargetVersion: 2, Details: "bad restore"},
		GrowMemory{Delta: 65536},
		CreateResource{ResourceID: 1},
		DropResource{ResourceID: 1},
		DescribeResource{ResourceID: 1, ResourceName: "file", ResourceParams: []byte("p")},
		Log{Level: "warn", Context: "w", Message: "m"},
	}

	for i, p := range payloads {
		entry := Entry{
			Index:     Index(i + 1),
			Timestamp: time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC),
			Payload:   p,
		}
		data, err := Marshal(entry)
		require.NoError(t, err, "marshal %s", p.EntryType())

		got, err := Unmarshal(data)
		require.NoError(t, err, "unmarshal %s", p.EntryType())
		require.Equal(t, entry.Index, got.Index)
		require.Equal(t, entry.Timestamp, got.Timestamp)
		require.Equal(t, p, got.Payload, "payload %s", p.EntryType())
	}
}

func TestUnmarshalRejectsUnknownVariant(t *testing.T) {
	data, err := json.Marshal(map[string]any{
		"v":     1,
		"index": 1,
		"ts":    time.Now().UTC(),
		"type":  "SOMETHING_NEW",
	})
	require.NoError(t, err)

	_, err = Unmarshal(data)
	var unknown *ErrUnknownVariant
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, EntryType("SOMETHING_NEW"), unknown.Type)
}

func TestUnmarshalRejectsNewerCodecVersion(t *testing.T) {
	data, err := json.Marshal(map[string]any{
		"v":     99,
		"index": 1,
		"ts":    time.Now().UTC(),
		"type":  string(EntryNoOp),
	})
	require.NoError(t, err)

	_, err = Unmarshal(data)
	var unknown *ErrUnknownVariant
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, 99, unknown.Version)
}
