package server_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	golem "github.com/golemcloud/golem-core"
	"github.com/golemcloud/golem-core/backends/inmemory"
	"github.com/golemcloud/golem-core/oplog"
	"github.com/golemcloud/golem-core/server"
	"github.com/golemcloud/golem-core/shard"
)

type fixture struct {
	executor   *golem.Executor
	components *inmemory.ComponentStore
	state      *inmemory.State
	promises   *golem.Promises
	srv        *httptest.Server
	addr       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		components: inmemory.NewComponentStore(),
		state:      inmemory.NewState(),
		promises:   golem.NewPromises(inmemory.NewPromiseStore()),
	}
	cache, err := golem.NewComponentCache(f.components, golem.NewStarlarkRuntime(), 16, "", 0)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f.executor, err = golem.NewExecutor(golem.ExecutorConfig{NumberOfShards: 64, ActiveWorkers: 16}, golem.Deps{
		Oplog:      oplog.NewTieredStore(inmemory.NewPrimary(), nil),
		KV:         f.state,
		Blobs:      f.state,
		Promises:   f.promises,
		Index:      inmemory.NewWorkerIndex(),
		Limiter:    golem.NewLimiter(golem.DefaultResourceLimits()),
		Remote:     inmemory.NewRemoteStub(),
		Components: cache,
		Logger:     logger,
	})
	require.NoError(t, err)
	t.Cleanup(f.executor.Close)

	f.srv = httptest.NewServer(server.NewExecutorServer(f.executor, logger).Routes())
	t.Cleanup(f.srv.Close)
	f.addr = strings.TrimPrefix(f.srv.URL, "http://")
	return f
}

func (f *fixture) uploadEcho() golem.ComponentID {
	component := golem.NewComponentID()
	f.components.Upload(component, 1, []byte(`
def echo(msg):
    golem.log("echo " + msg)
    return msg
`))
	return component
}

func allShards(n int) []golem.ShardID {
	out := make([]golem.ShardID, n)
	for i := range out {
		out[i] = golem.ShardID(i)
	}
	return out
}

func TestExecutorHTTPRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client := server.NewExecutorClient(0)

	// Shards arrive over the wire before anything else works.
	require.NoError(t, client.AssignShards(ctx, f.addr, allShards(64)))

	id := golem.WorkerID{Component: f.uploadEcho(), Name: "w"}
	require.NoError(t, client.CreateWorker(ctx, f.addr, id, golem.CreateParams{ComponentVersion: 1}))

	result, err := client.InvokeAndAwait(ctx, f.addr, id, "echo", golem.MustValues("over http"), "k1")
	require.NoError(t, err)
	require.Equal(t, "over http", result[0].GetStringValue())

	md, err := client.GetWorkerMetadata(ctx, f.addr, id)
	require.NoError(t, err)
	require.Equal(t, golem.StatusIdle, md.Status)

	// Structured errors survive the wire.
	require.NoError(t, client.RevokeShards(ctx, f.addr, allShards(64)))
	_, err = client.InvokeAndAwait(ctx, f.addr, id, "echo", golem.MustValues("again"), "k2")
	require.True(t, golem.IsKind(err, golem.KindWrongShard))
}

func TestExecutorHTTPHealthz(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConnectWebsocketStreamsLogs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client := server.NewExecutorClient(0)
	require.NoError(t, client.AssignShards(ctx, f.addr, allShards(64)))

	id := golem.WorkerID{Component: f.uploadEcho(), Name: "w"}
	_, err := client.InvokeAndAwait(ctx, f.addr, id, "echo", golem.MustValues("hello"), "k1")
	require.NoError(t, err)

	wsURL := "ws://" + f.addr + "/v1/components/" + id.Component.String() + "/workers/w/connect"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev golem.LogEvent
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, "echo hello", ev.Message)
}

func TestShardManagerHTTPRoundTrip(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := shard.DefaultControllerConfig()
	cfg.NumberOfShards = 16
	controller := shard.NewController(cfg, server.NewExecutorClient(time.Second), shard.NewStaticHealthCheck(), nil, logger)

	srv := httptest.NewServer(server.NewShardManagerServer(controller, logger).Routes())
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	// Register an executor node behind a real executor HTTP server so
	// assignments can be acked.
	f := newFixture(t)
	manager := server.NewShardManagerClient(addr, time.Second)
	require.NoError(t, manager.Register(ctx, "node-1", f.addr))
	require.NoError(t, manager.Heartbeat(ctx, "node-1"))

	controller.Tick(ctx)

	table, err := manager.FetchRoutingTable(ctx)
	require.NoError(t, err)
	require.Equal(t, 16, table.NumberOfShards)
	for s := 0; s < 16; s++ {
		require.Equal(t, "node-1", table.Shards[golem.ShardID(s)])
	}
	require.Len(t, f.executor.OwnedShards(), 16)

	require.NoError(t, manager.Deregister(ctx, "node-1"))
}

func TestRouterOverHTTP(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := newFixture(t)
	id := golem.WorkerID{Component: f.uploadEcho(), Name: "w"}

	cfg := shard.DefaultControllerConfig()
	cfg.NumberOfShards = 64
	controller := shard.NewController(cfg, server.NewExecutorClient(time.Second), shard.NewStaticHealthCheck(), nil, logger)
	smSrv := httptest.NewServer(server.NewShardManagerServer(controller, logger).Routes())
	defer smSrv.Close()

	manager := server.NewShardManagerClient(strings.TrimPrefix(smSrv.URL, "http://"), time.Second)
	require.NoError(t, manager.Register(ctx, "node-1", f.addr))
	controller.Tick(ctx)

	router, err := shard.NewRouter(shard.DefaultRouterConfig(), manager, server.NewExecutorClient(0))
	require.NoError(t, err)

	result, err := router.InvokeAndAwait(ctx, id, "echo", golem.MustValues("routed"), "k1")
	require.NoError(t, err)
	require.Equal(t, "routed", result[0].GetStringValue())
}
