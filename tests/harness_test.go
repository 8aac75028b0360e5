package tests

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	golem "github.com/golemcloud/golem-core"
	"github.com/golemcloud/golem-core/backends/inmemory"
	"github.com/golemcloud/golem-core/oplog"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// harness wires a full single-process engine over the in-memory backends.
type harness struct {
	oplog      *oplog.TieredStore
	state      *inmemory.State
	promises   *golem.Promises
	index      *inmemory.WorkerIndex
	components *inmemory.ComponentStore
	remote     *inmemory.RemoteStub
	limiter    *golem.Limiter
	deps       golem.Deps
}

type harnessOption func(*harness)

func withStrictReplay() harnessOption {
	return func(h *harness) { h.deps.StrictReplay = true }
}

func withLimits(limits golem.ResourceLimits) harnessOption {
	return func(h *harness) {
		h.limiter = golem.NewLimiter(limits)
		h.deps.Limiter = h.limiter
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		oplog:      oplog.NewTieredStore(inmemory.NewPrimary(), inmemory.NewArchive()),
		state:      inmemory.NewState(),
		promises:   golem.NewPromises(inmemory.NewPromiseStore()),
		index:      inmemory.NewWorkerIndex(),
		components: inmemory.NewComponentStore(),
		remote:     inmemory.NewRemoteStub(),
		limiter:    golem.NewLimiter(golem.DefaultResourceLimits()),
	}
	cache, err := golem.NewComponentCache(h.components, golem.NewStarlarkRuntime(), 16, "", 0)
	require.NoError(t, err)
	h.deps = golem.Deps{
		Oplog:      h.oplog,
		KV:         h.state,
		Blobs:      h.state,
		Promises:   h.promises,
		Index:      h.index,
		Limiter:    h.limiter,
		Remote:     h.remote,
		Components: cache,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// newWorker creates and starts a fresh worker on version 1 of a new
// component with the given source.
func (h *harness) newWorker(t *testing.T, ctx context.Context, source string) (*golem.Worker, golem.WorkerID) {
	t.Helper()
	component := golem.NewComponentID()
	h.components.Upload(component, 1, []byte(source))
	id := golem.WorkerID{Component: component, Name: "test-worker"}

	w := golem.NewWorker(id, h.deps)
	require.NoError(t, w.Create(ctx, golem.CreateParams{ComponentVersion: 1, AccountID: "test-account"}))
	w.Start(ctx)
	t.Cleanup(w.Stop)
	return w, id
}

// restart simulates a crash: the in-memory instance is discarded and a new
// one is animated from durable state.
func (h *harness) restart(t *testing.T, ctx context.Context, old *golem.Worker, id golem.WorkerID) *golem.Worker {
	t.Helper()
	old.Stop()
	w := golem.NewWorker(id, h.deps)
	w.Start(ctx)
	t.Cleanup(w.Stop)
	return w
}

func (h *harness) entries(t *testing.T, ctx context.Context, id golem.WorkerID) []oplog.Entry {
	t.Helper()
	entries, err := h.oplog.Read(ctx, id.String(), oplog.FirstIndex, 0)
	require.NoError(t, err)
	return entries
}

func entriesOfType(entries []oplog.Entry, et oplog.EntryType) []oplog.Entry {
	var out []oplog.Entry
	for _, e := range entries {
		if e.Type() == et {
			out = append(out, e)
		}
	}
	return out
}

func encodeArgs(t *testing.T, vals ...any) []byte {
	t.Helper()
	data, err := golem.EncodeValues(golem.MustValues(vals...))
	require.NoError(t, err)
	return data
}

func awaitString(t *testing.T, ctx context.Context, w *golem.Worker, function string, args []byte, key golem.IdempotencyKey) string {
	t.Helper()
	inv, err := w.Submit(ctx, function, args, key, true)
	require.NoError(t, err)
	response, err := inv.Await(ctx)
	require.NoError(t, err)
	vals, err := golem.DecodeValues(response)
	require.NoError(t, err)
	require.Len(t, vals, 1)
	return vals[0].GetStringValue()
}

func waitStatus(t *testing.T, w *golem.Worker, status golem.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return w.Status() == status }, waitFor, tick,
		"worker never reached %s (last: %s)", status, w.Status())
}
