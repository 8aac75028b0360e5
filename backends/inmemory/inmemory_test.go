package inmemory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	golem "github.com/golemcloud/golem-core"
	"github.com/golemcloud/golem-core/backends/inmemory"
	"github.com/golemcloud/golem-core/oplog"
	"github.com/golemcloud/golem-core/suite"
)

func TestOplogStoreSuite(t *testing.T) {
	suite.RunOplogStoreSuite(t, func(t *testing.T) oplog.Store {
		return oplog.NewTieredStore(inmemory.NewPrimary(), inmemory.NewArchive())
	})
}

func TestOplogStoreSuiteWithoutArchive(t *testing.T) {
	suite.RunOplogStoreSuite(t, func(t *testing.T) oplog.Store {
		return oplog.NewTieredStore(inmemory.NewPrimary(), nil)
	})
}

func TestStateKV(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewState()

	_, ok, err := s.Get(ctx, "w", "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "w", "a/1", []byte("x")))
	require.NoError(t, s.Set(ctx, "w", "a/2", []byte("y")))
	require.NoError(t, s.Set(ctx, "w", "b/1", []byte("z")))

	val, ok, err := s.Get(ctx, "w", "a/1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("x"), val)

	keys, err := s.Keys(ctx, "w", "a/")
	require.NoError(t, err)
	require.Equal(t, []string{"a/1", "a/2"}, keys)

	require.NoError(t, s.Delete(ctx, "w", "a/1"))
	_, ok, err = s.Get(ctx, "w", "a/1")
	require.NoError(t, err)
	require.False(t, ok)

	// Other workers see nothing.
	_, ok, err = s.Get(ctx, "other", "a/2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPromiseCompleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewPromiseStore()

	require.NoError(t, s.Put(ctx, golem.PromiseRecord{ID: "w#5", Worker: "w"}))

	first, err := s.Complete(ctx, "w#5", []byte("x"))
	require.NoError(t, err)
	require.True(t, first)

	second, err := s.Complete(ctx, "w#5", []byte("y"))
	require.NoError(t, err)
	require.False(t, second)

	rec, ok, err := s.Get(ctx, "w#5")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, rec.Completed)
	require.Equal(t, []byte("x"), rec.Data, "first completion wins")

	// A replayed creation must not reset the completion.
	require.NoError(t, s.Put(ctx, golem.PromiseRecord{ID: "w#5", Worker: "w"}))
	rec, _, err = s.Get(ctx, "w#5")
	require.NoError(t, err)
	require.True(t, rec.Completed)
}

func TestWorkerIndexTombstone(t *testing.T) {
	ctx := context.Background()
	idx := inmemory.NewWorkerIndex()

	require.NoError(t, idx.Upsert(ctx, golem.WorkerRecord{WorkerID: "w", Status: golem.StatusIdle}))
	require.NoError(t, idx.Tombstone(ctx, "w"))

	rec, ok, err := idx.Get(ctx, "w")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, rec.Deleted)

	// Tombstones survive later upserts.
	require.NoError(t, idx.Upsert(ctx, golem.WorkerRecord{WorkerID: "w", Status: golem.StatusIdle}))
	rec, _, _ = idx.Get(ctx, "w")
	require.True(t, rec.Deleted)
}

func TestRemoteStubDeduplicates(t *testing.T) {
	ctx := context.Background()
	stub := inmemory.NewRemoteStub()

	resp1, err := stub.Write(ctx, "t", []byte("p"), "k1")
	require.NoError(t, err)
	resp2, err := stub.Write(ctx, "t", []byte("p"), "k1")
	require.NoError(t, err)
	require.Equal(t, resp1, resp2)
	require.Equal(t, 1, stub.Applications())
}
