// Package suite is the conformance test suite for oplog store backends.
// Every backend (in-memory, sqlite, archive-backed tiers) must pass it.
package suite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/golemcloud/golem-core/oplog"
)

// StoreFactory creates a fresh store instance for one test.
type StoreFactory func(t *testing.T) oplog.Store

// RunOplogStoreSuite runs the complete suite against a store implementation.
func RunOplogStoreSuite(t *testing.T, newStore StoreFactory) {
	t.Helper()
	ctx := context.Background()

	t.Run("EmptyWorkerHasZeroLength", func(t *testing.T) {
		s := newStore(t)
		length, err := s.Length(ctx, "w/none")
		require.NoError(t, err)
		require.Equal(t, oplog.Index(0), length)
	})

	t.Run("AppendAssignsDenseIndices", func(t *testing.T) {
		s := newStore(t)
		idx, err := s.Append(ctx, "w/a", oplog.Create{WorkerName: "a"})
		require.NoError(t, err)
		require.Equal(t, oplog.FirstIndex, idx)

		idx, err = s.Append(ctx, "w/a", oplog.NoOp{}, oplog.NoOp{})
		require.NoError(t, err)
		require.Equal(t, oplog.Index(3), idx)

		length, err := s.Length(ctx, "w/a")
		require.NoError(t, err)
		require.Equal(t, oplog.Index(3), length)
	})

	t.Run("ReadReturnsAppendedEntries", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, "w/b",
			oplog.Create{WorkerName: "b", ComponentVersion: 7},
			oplog.ExportedFunctionInvoked{FunctionName: "run", IdempotencyKey: "k1"},
			oplog.ExportedFunctionCompleted{Response: []byte("out"), ConsumedFuel: 42},
		)
		require.NoError(t, err)

		entries, err := s.Read(ctx, "w/b", oplog.FirstIndex, 10)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		require.Equal(t, oplog.EntryCreate, entries[0].Type())
		require.Equal(t, oplog.Index(1), entries[0].Index)

		create := entries[0].Payload.(oplog.Create)
		require.Equal(t, uint64(7), create.ComponentVersion)
		completed := entries[2].Payload.(oplog.ExportedFunctionCompleted)
		require.Equal(t, []byte("out"), completed.Response)
		require.Equal(t, uint64(42), completed.ConsumedFuel)
	})

	t.Run("ReadWindow", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, "w/c", oplog.Create{})
		require.NoError(t, err)
		for i := 0; i < 9; i++ {
			_, err = s.Append(ctx, "w/c", oplog.NoOp{})
			require.NoError(t, err)
		}

		entries, err := s.Read(ctx, "w/c", 4, 3)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		require.Equal(t, oplog.Index(4), entries[0].Index)
		require.Equal(t, oplog.Index(6), entries[2].Index)
	})

	t.Run("EntriesAreTimestamped", func(t *testing.T) {
		s := newStore(t)
		before := time.Now().Add(-time.Minute)
		_, err := s.Append(ctx, "w/ts", oplog.Create{})
		require.NoError(t, err)
		entries, err := s.Read(ctx, "w/ts", oplog.FirstIndex, 1)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.True(t, entries[0].Timestamp.After(before))
	})

	t.Run("WorkersAreIsolated", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, "w/x", oplog.Create{WorkerName: "x"})
		require.NoError(t, err)
		_, err = s.Append(ctx, "w/y", oplog.Create{WorkerName: "y"})
		require.NoError(t, err)

		entries, err := s.Read(ctx, "w/x", oplog.FirstIndex, 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, "x", entries[0].Payload.(oplog.Create).WorkerName)
	})

	t.Run("TruncateAfterDropsTail", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, "w/t", oplog.Create{})
		require.NoError(t, err)
		for i := 0; i < 4; i++ {
			_, err = s.Append(ctx, "w/t", oplog.NoOp{})
			require.NoError(t, err)
		}

		require.NoError(t, s.TruncateAfter(ctx, "w/t", 2))
		length, err := s.Length(ctx, "w/t")
		require.NoError(t, err)
		require.Equal(t, oplog.Index(2), length)

		// Appends continue from the truncation point with dense indices.
		idx, err := s.Append(ctx, "w/t", oplog.NoOp{})
		require.NoError(t, err)
		require.Equal(t, oplog.Index(3), idx)
	})

	t.Run("DeleteRemovesWorker", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, "w/d", oplog.Create{})
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, "w/d"))
		length, err := s.Length(ctx, "w/d")
		require.NoError(t, err)
		require.Equal(t, oplog.Index(0), length)
	})

	t.Run("PayloadRoundTrip", func(t *testing.T) {
		s := newStore(t)
		payloads := []oplog.Payload{
			oplog.Create{WorkerName: "r", Env: map[string]string{"A": "1"}},
			oplog.ImportedFunctionInvoked{FunctionName: "golem::kv_set", Request: []byte("k"), Response: []byte("v"), WrappedType: oplog.WriteLocal},
			oplog.BeginRemoteWrite{FunctionName: "golem::remote_write", IdempotencyKey: "ik"},
			oplog.EndRemoteWrite{BeginIndex: 3},
			oplog.BeginAtomicRegion{},
			oplog.EndAtomicRegion{BeginIndex: 5},
			oplog.Jump{Start: 2, End: 4},
			oplog.ChangeRetryPolicy{MaxAttempts: 5, MinDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, Jitter: 0.1},
			oplog.PendingUpdate{TargetVersion: 2, Mode: "Automatic"},
			oplog.FailedUpdate{TargetVersion: 2, Details: "boom"},
			oplog.GrowMemory{Delta: 4096},
			oplog.CreateResource{ResourceID: 1},
			oplog.DescribeResource{ResourceID: 1, ResourceName: "stream", ResourceParams: []byte("p")},
			oplog.DropResource{ResourceID: 1},
			oplog.Log{Level: "info", Message: "hello"},
			oplog.Suspend{Reason: "promise p", WakeAt: time.Now().UTC().Truncate(time.Second)},
			oplog.Resume{Restart: true},
			oplog.Interrupted{},
			oplog.Error{Detail: "trap", Attempt: 2},
			oplog.Exited{},
		}
		_, err := s.Append(ctx, "w/r", payloads...)
		require.NoError(t, err)

		entries, err := s.Read(ctx, "w/r", oplog.FirstIndex, len(payloads))
		require.NoError(t, err)
		require.Len(t, entries, len(payloads))
		for i, e := range entries {
			require.Equal(t, payloads[i].EntryType(), e.Type(), "entry %d", i)
		}
		begin := entries[2].Payload.(oplog.BeginRemoteWrite)
		require.Equal(t, "ik", begin.IdempotencyKey)
		policy := entries[7].Payload.(oplog.ChangeRetryPolicy)
		require.Equal(t, time.Minute, policy.MaxDelay)
	})
}
