package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	golem "github.com/golemcloud/golem-core"
	"github.com/golemcloud/golem-core/backends/sqlite"
	"github.com/golemcloud/golem-core/oplog"
	"github.com/golemcloud/golem-core/suite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "golem.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOplogStoreSuite(t *testing.T) {
	suite.RunOplogStoreSuite(t, func(t *testing.T) oplog.Store {
		return oplog.NewTieredStore(openStore(t), nil)
	})
}

func TestKVRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.Set(ctx, "w", "counter", []byte("41")))
	require.NoError(t, s.Set(ctx, "w", "counter", []byte("42")))

	val, ok, err := s.Get(ctx, "w", "counter")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("42"), val)

	keys, err := s.Keys(ctx, "w", "coun")
	require.NoError(t, err)
	require.Equal(t, []string{"counter"}, keys)
}

func TestBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.WriteBlob(ctx, "w", "snapshot", []byte{0x1, 0x2}))
	data, ok, err := s.ReadBlob(ctx, "w", "snapshot")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{0x1, 0x2}, data)

	require.NoError(t, s.DeleteBlob(ctx, "w", "snapshot"))
	_, ok, err = s.ReadBlob(ctx, "w", "snapshot")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPromises(t *testing.T) {
	ctx := context.Background()
	p := openStore(t).Promises()

	require.NoError(t, p.Put(ctx, golem.PromiseRecord{ID: "w#3", Worker: "w"}))
	first, err := p.Complete(ctx, "w#3", []byte("v"))
	require.NoError(t, err)
	require.True(t, first)

	second, err := p.Complete(ctx, "w#3", []byte("other"))
	require.NoError(t, err)
	require.False(t, second)

	rec, ok, err := p.Get(ctx, "w#3")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, rec.Completed)
	require.Equal(t, []byte("v"), rec.Data)

	_, err = p.Complete(ctx, "w#99", nil)
	require.Error(t, err)
}

func TestWorkerIndex(t *testing.T) {
	ctx := context.Background()
	idx := openStore(t).Workers()

	rec := golem.WorkerRecord{
		WorkerID:         "c/w",
		ComponentVersion: 3,
		AccountID:        "acct",
		Status:           golem.StatusIdle,
		LastOplogIndex:   17,
	}
	require.NoError(t, idx.Upsert(ctx, rec))

	got, ok, err := idx.Get(ctx, "c/w")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(3), got.ComponentVersion)
	require.Equal(t, oplog.Index(17), got.LastOplogIndex)

	require.NoError(t, idx.Tombstone(ctx, "c/w"))
	got, _, err = idx.Get(ctx, "c/w")
	require.NoError(t, err)
	require.True(t, got.Deleted)

	all, err := idx.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestShardStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, ok, err := s.LoadShardState(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SaveShardState(ctx, []byte(`{"nodes":{}}`)))
	require.NoError(t, s.SaveShardState(ctx, []byte(`{"nodes":{"a":"127.0.0.1:1"}}`)))

	state, ok, err := s.LoadShardState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`{"nodes":{"a":"127.0.0.1:1"}}`), state)
}
