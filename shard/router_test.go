package shard

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	golem "github.com/golemcloud/golem-core"
)

type fakeMapSource struct {
	mu      sync.Mutex
	tables  []RoutingTable
	fetches int
}

// set queues routing tables; the last one repeats forever.
func (f *fakeMapSource) set(tables ...RoutingTable) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables = tables
}

func (f *fakeMapSource) FetchRoutingTable(context.Context) (RoutingTable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := f.tables[0]
	if len(f.tables) > 1 {
		f.tables = f.tables[1:]
	}
	f.fetches++
	return table, nil
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []string
	// wrongShard lists addrs answering WrongShard.
	wrongShard map[string]bool
	down       map[string]bool
}

func (f *fakeInvoker) InvokeAndAwait(_ context.Context, addr string, id golem.WorkerID, function string, args golem.ValueList, key golem.IdempotencyKey) (golem.ValueList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, addr)
	if f.down[addr] {
		return nil, golem.Errorf(golem.KindUnavailable, "%s is down", addr)
	}
	if f.wrongShard[addr] {
		return nil, golem.Errorf(golem.KindWrongShard, "not mine")
	}
	return golem.MustValues("ok from " + addr), nil
}

func (f *fakeInvoker) Invoke(ctx context.Context, addr string, id golem.WorkerID, function string, args golem.ValueList, key golem.IdempotencyKey) error {
	_, err := f.InvokeAndAwait(ctx, addr, id, function, args, key)
	return err
}

func tableFor(id golem.WorkerID, shards int, addr string) RoutingTable {
	m := make(map[golem.ShardID]string)
	m[golem.ShardOf(id, shards)] = addr
	return RoutingTable{NumberOfShards: shards, Shards: m, Version: 1}
}

func TestRouterForwardsToOwner(t *testing.T) {
	ctx := context.Background()
	id := golem.WorkerID{Component: golem.NewComponentID(), Name: "w"}
	source := &fakeMapSource{}
	source.set(tableFor(id, 16, "exec-1"))
	invoker := &fakeInvoker{}

	r, err := NewRouter(DefaultRouterConfig(), source, invoker)
	require.NoError(t, err)

	result, err := r.InvokeAndAwait(ctx, id, "run", nil, "k")
	require.NoError(t, err)
	require.Equal(t, "ok from exec-1", result[0].GetStringValue())
}

func TestRouterRetriesOnWrongShardWithRefreshedMap(t *testing.T) {
	ctx := context.Background()
	id := golem.WorkerID{Component: golem.NewComponentID(), Name: "w"}
	source := &fakeMapSource{}
	// The first fetch is stale; the refresh after WrongShard finds the real
	// owner.
	source.set(tableFor(id, 16, "stale-exec"), tableFor(id, 16, "real-exec"))
	invoker := &fakeInvoker{wrongShard: map[string]bool{"stale-exec": true}}

	cfg := DefaultRouterConfig()
	cfg.RetryMin = 1
	cfg.RetryMax = 2
	r, err := NewRouter(cfg, source, invoker)
	require.NoError(t, err)

	result, err := r.InvokeAndAwait(ctx, id, "run", nil, "k")
	require.NoError(t, err)
	require.Equal(t, "ok from real-exec", result[0].GetStringValue())
	require.GreaterOrEqual(t, source.fetches, 1)
}

func TestRouterFailsFastOnUnassignedShard(t *testing.T) {
	ctx := context.Background()
	id := golem.WorkerID{Component: golem.NewComponentID(), Name: "w"}
	source := &fakeMapSource{}
	source.set(RoutingTable{NumberOfShards: 16, Shards: map[golem.ShardID]string{}, Version: 1})

	cfg := DefaultRouterConfig()
	cfg.MaxAttempts = 2
	cfg.RetryMin = 1
	cfg.RetryMax = 2
	r, err := NewRouter(cfg, source, &fakeInvoker{})
	require.NoError(t, err)

	_, err = r.InvokeAndAwait(ctx, id, "run", nil, "k")
	require.True(t, golem.IsKind(err, golem.KindUnknownShard))
}

func TestRouterNegativeCachesDeadNodes(t *testing.T) {
	ctx := context.Background()
	id := golem.WorkerID{Component: golem.NewComponentID(), Name: "w"}
	source := &fakeMapSource{}
	source.set(tableFor(id, 16, "dead-exec"))
	invoker := &fakeInvoker{down: map[string]bool{"dead-exec": true}}

	cfg := DefaultRouterConfig()
	cfg.MaxAttempts = 3
	cfg.RetryMin = 1
	cfg.RetryMax = 2
	r, err := NewRouter(cfg, source, invoker)
	require.NoError(t, err)

	_, err = r.InvokeAndAwait(ctx, id, "run", nil, "k")
	require.Error(t, err)

	// One real call put the node in the negative cache; later attempts
	// short-circuited.
	require.Len(t, invoker.calls, 1)
	_, err = r.Route(ctx, id)
	require.True(t, golem.IsKind(err, golem.KindUnavailable))
}
