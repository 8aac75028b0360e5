package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	golem "github.com/golemcloud/golem-core"
	"github.com/golemcloud/golem-core/oplog"
)

// Suspend on a pending promise, crash the hosting process, restart,
// complete the promise: the worker must resume as if nothing happened.
func TestSuspendResumeAcrossCrash(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w1, id := h.newWorker(t, ctx, `
def run():
    golem.kv_set("greeting", "A")
    pid = golem.promise_create()
    golem.kv_set("pid", pid)
    return golem.promise_await(pid)
`)

	_, err := w1.Submit(ctx, "run", encodeArgs(t), "inv-1", true)
	require.NoError(t, err)
	waitStatus(t, w1, golem.StatusSuspended)

	// Durable side effects survived the suspension.
	val, ok, err := h.state.Get(ctx, id.String(), "greeting")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("A"), val)

	pidBytes, ok, err := h.state.Get(ctx, id.String(), "pid")
	require.NoError(t, err)
	require.True(t, ok)
	pid, err := golem.ParsePromiseID(string(pidBytes))
	require.NoError(t, err)

	// Crash and re-animate; the replayed worker suspends on the same
	// promise again.
	w2 := h.restart(t, ctx, w1, id)
	waitStatus(t, w2, golem.StatusSuspended)

	val, ok, err = h.state.Get(ctx, id.String(), "greeting")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("A"), val)

	first, err := h.promises.Complete(ctx, pid, []byte("x"))
	require.NoError(t, err)
	require.True(t, first)

	// The original submission's result is observable through its key.
	require.Equal(t, "x", awaitString(t, ctx, w2, "run", encodeArgs(t), "inv-1"))

	entries := h.entries(t, ctx, id)
	require.Equal(t, oplog.EntryExportedFunctionComplete, entries[len(entries)-1].Type())
}

// A crash between BeginRemoteWrite and the response entry must lead to
// exactly one effective application of the idempotency key after recovery.
func TestRemoteWriteRecovery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w1, id := h.newWorker(t, ctx, `
def pay():
    return golem.remote_write("bank", "charge:42")
`)

	result := awaitString(t, ctx, w1, "pay", encodeArgs(t), "pay-1")
	require.Contains(t, result, "ok:")
	require.Equal(t, 1, h.remote.Applications())

	// Simulate the torn tail: everything after BeginRemoteWrite is lost,
	// but the external system already observed the write.
	entries := h.entries(t, ctx, id)
	begins := entriesOfType(entries, oplog.EntryBeginRemoteWrite)
	require.Len(t, begins, 1)
	key := begins[0].Payload.(oplog.BeginRemoteWrite).IdempotencyKey
	require.True(t, h.remote.Applied(key))

	w1.Stop()
	require.NoError(t, h.oplog.TruncateAfter(ctx, id.String(), begins[0].Index))

	w2 := golem.NewWorker(id, h.deps)
	w2.Start(ctx)
	t.Cleanup(w2.Stop)

	// Recovery re-issues with the recorded key; the target deduplicates.
	require.Equal(t, result, awaitString(t, ctx, w2, "pay", encodeArgs(t), "pay-1"))
	require.Equal(t, 1, h.remote.Applications())

	entries = h.entries(t, ctx, id)
	responses := entriesOfType(entries, oplog.EntryImportedFunctionInvoked)
	var writes int
	for _, e := range responses {
		if e.Payload.(oplog.ImportedFunctionInvoked).WrappedType == oplog.WriteRemote {
			writes++
		}
	}
	require.Equal(t, 1, writes, "exactly one recorded response for the write")
	require.Equal(t, oplog.EntryExportedFunctionComplete, entries[len(entries)-1].Type())
}

// A component returning different host calls than the oplog recorded is a
// fatal divergence, never retried.
func TestReplayDivergenceFailsWorker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w1, id := h.newWorker(t, ctx, `
def run():
    golem.now()
    return "done"
`)
	require.Equal(t, "done", awaitString(t, ctx, w1, "run", encodeArgs(t), "inv-1"))
	w1.Stop()

	// Tamper: same version, different behavior.
	h.components.Upload(id.Component, 1, []byte(`
def run():
    golem.rand_int(10)
    return "done"
`))

	w2 := golem.NewWorker(id, h.deps)
	w2.Start(ctx)
	t.Cleanup(w2.Stop)
	_, err := w2.Submit(ctx, "run", encodeArgs(t), "inv-2", false)
	require.NoError(t, err)

	waitStatus(t, w2, golem.StatusFailed)
	entries := h.entries(t, ctx, id)
	errors := entriesOfType(entries, oplog.EntryError)
	require.NotEmpty(t, errors)
	require.Contains(t, errors[len(errors)-1].Payload.(oplog.Error).Detail, "ReplayDivergence")
}

// Two submissions with the same idempotency key return the same result and
// produce exactly one invocation pair.
func TestIdempotentInvoke(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w, id := h.newWorker(t, ctx, `
def add(n):
    c = golem.kv_get("c")
    c = int(c) if c else 0
    c = c + n
    golem.kv_set("c", str(c))
    return str(c)
`)

	first := awaitString(t, ctx, w, "add", encodeArgs(t, 1), "key-42")
	time.Sleep(50 * time.Millisecond)
	second := awaitString(t, ctx, w, "add", encodeArgs(t, 1), "key-42")
	require.Equal(t, first, second)
	require.Equal(t, "1", first)

	entries := h.entries(t, ctx, id)
	require.Len(t, entriesOfType(entries, oplog.EntryExportedFunctionInvoked), 1)
	require.Len(t, entriesOfType(entries, oplog.EntryExportedFunctionComplete), 1)

	// A different key executes again.
	require.Equal(t, "2", awaitString(t, ctx, w, "add", encodeArgs(t, 1), "key-43"))
}

// A snapshot-based update whose restore fails leaves the worker on the old
// version and records the failure.
func TestUpdateFailurePreservesVersion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w, id := h.newWorker(t, ctx, `
def run():
    return "v1"

def save_snapshot():
    return "state"

def load_snapshot(data):
    return None
`)
	h.components.Upload(id.Component, 2, []byte(`
def run():
    return "v2"

def load_snapshot(data):
    fail("rejecting restore payload")
`))

	require.Equal(t, "v1", awaitString(t, ctx, w, "run", encodeArgs(t), "inv-1"))
	require.NoError(t, w.RequestUpdate(ctx, 2, golem.UpdateSnapshotBased))

	require.Eventually(t, func() bool {
		return len(w.Metadata().FailedUpdates) == 1
	}, waitFor, tick)

	md := w.Metadata()
	require.Equal(t, uint64(1), md.ComponentVersion)
	require.Contains(t, md.FailedUpdates[0].Details, "rejecting restore")

	entries := h.entries(t, ctx, id)
	require.Len(t, entriesOfType(entries, oplog.EntryPendingUpdate), 1)
	require.Len(t, entriesOfType(entries, oplog.EntryFailedUpdate), 1)
	require.Empty(t, entriesOfType(entries, oplog.EntrySuccessfulUpdate))

	// The worker keeps serving on v1.
	require.Equal(t, "v1", awaitString(t, ctx, w, "run", encodeArgs(t), "inv-2"))
}

// A snapshot-based update whose restore succeeds switches versions.
func TestSnapshotUpdateSucceeds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w, id := h.newWorker(t, ctx, `
def run():
    return "v1"

def save_snapshot():
    return "counter=7"
`)
	h.components.Upload(id.Component, 2, []byte(`
def run():
    return "v2"

def load_snapshot(data):
    if data != "counter=7":
        fail("unexpected snapshot")
`))

	require.Equal(t, "v1", awaitString(t, ctx, w, "run", encodeArgs(t), "inv-1"))
	require.NoError(t, w.RequestUpdate(ctx, 2, golem.UpdateSnapshotBased))

	require.Eventually(t, func() bool {
		return w.Metadata().ComponentVersion == 2
	}, waitFor, tick)

	require.Equal(t, "v2", awaitString(t, ctx, w, "run", encodeArgs(t), "inv-2"))
	entries := h.entries(t, ctx, id)
	require.Len(t, entriesOfType(entries, oplog.EntrySuccessfulUpdate), 1)
}

// Automatic update replays the history under the new component; compatible
// components switch over.
func TestAutomaticUpdate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w, id := h.newWorker(t, ctx, `
def run():
    golem.kv_set("k", "v")
    return "v1"
`)
	// v2 makes the same host calls but answers differently.
	h.components.Upload(id.Component, 2, []byte(`
def run():
    golem.kv_set("k", "v")
    return "v2"
`))

	require.Equal(t, "v1", awaitString(t, ctx, w, "run", encodeArgs(t), "inv-1"))
	require.NoError(t, w.RequestUpdate(ctx, 2, golem.UpdateAutomatic))

	require.Eventually(t, func() bool {
		return w.Metadata().ComponentVersion == 2
	}, waitFor, tick)
	require.Equal(t, "v2", awaitString(t, ctx, w, "run", encodeArgs(t), "inv-2"))
}

// Durable sleep suspends the worker and wakes it at the recorded deadline,
// including across a crash.
func TestDurableSleep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w, _ := h.newWorker(t, ctx, `
def nap():
    golem.sleep(0.05)
    return "woke"
`)
	require.Equal(t, "woke", awaitString(t, ctx, w, "nap", encodeArgs(t), "inv-1"))
}

func TestSleepSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w1, id := h.newWorker(t, ctx, `
def nap():
    golem.sleep(0.3)
    return "woke"
`)
	_, err := w1.Submit(ctx, "nap", encodeArgs(t), "inv-1", true)
	require.NoError(t, err)
	waitStatus(t, w1, golem.StatusSuspended)

	w2 := h.restart(t, ctx, w1, id)
	require.Equal(t, "woke", awaitString(t, ctx, w2, "nap", encodeArgs(t), "inv-1"))
}

// An uncommitted batched remote write is rolled back and re-driven as a
// unit, with regenerated keys deduplicating at the target.
func TestBatchedRemoteWriteRollback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w1, id := h.newWorker(t, ctx, `
def batch():
    r = golem.remote_write_batch("bank", ["a", "b"])
    return str(len(r))
`)
	require.Equal(t, "2", awaitString(t, ctx, w1, "batch", encodeArgs(t), "inv-1"))
	require.Equal(t, 2, h.remote.Applications())
	w1.Stop()

	// Tear the log inside the atomic region: keep the first write's triple,
	// lose the second and the region end.
	entries := h.entries(t, ctx, id)
	ends := entriesOfType(entries, oplog.EntryEndRemoteWrite)
	require.Len(t, ends, 2)
	require.NoError(t, h.oplog.TruncateAfter(ctx, id.String(), ends[0].Index))

	w2 := golem.NewWorker(id, h.deps)
	w2.Start(ctx)
	t.Cleanup(w2.Stop)

	require.Equal(t, "2", awaitString(t, ctx, w2, "batch", encodeArgs(t), "inv-1"))
	// Re-driven writes regenerated the same keys; nothing applied twice.
	require.Equal(t, 2, h.remote.Applications())

	entries = h.entries(t, ctx, id)
	require.NotEmpty(t, entriesOfType(entries, oplog.EntryJump))
	require.Len(t, entriesOfType(entries, oplog.EntryEndAtomicRegion), 1)
}

// Interrupting a suspended worker parks it; resume re-enters the queue.
func TestInterruptAndResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w, id := h.newWorker(t, ctx, `
def run():
    pid = golem.promise_create()
    golem.kv_set("pid", pid)
    return golem.promise_await(pid)
`)
	_, err := w.Submit(ctx, "run", encodeArgs(t), "inv-1", true)
	require.NoError(t, err)
	waitStatus(t, w, golem.StatusSuspended)

	require.NoError(t, w.Interrupt(ctx, false))
	waitStatus(t, w, golem.StatusInterrupted)

	require.NoError(t, w.Resume(ctx))
	waitStatus(t, w, golem.StatusSuspended)

	pidBytes, _, err := h.state.Get(ctx, id.String(), "pid")
	require.NoError(t, err)
	pid, err := golem.ParsePromiseID(string(pidBytes))
	require.NoError(t, err)
	_, err = h.promises.Complete(ctx, pid, []byte("done"))
	require.NoError(t, err)

	require.Equal(t, "done", awaitString(t, ctx, w, "run", encodeArgs(t), "inv-1"))

	entries := h.entries(t, ctx, id)
	require.NotEmpty(t, entriesOfType(entries, oplog.EntryInterrupted))
	require.NotEmpty(t, entriesOfType(entries, oplog.EntryResume))
}

// Completing a promise twice returns false the second time.
func TestPromiseCompleteTwice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w, id := h.newWorker(t, ctx, `
def run():
    pid = golem.promise_create()
    golem.kv_set("pid", pid)
    return golem.promise_await(pid)
`)
	_, err := w.Submit(ctx, "run", encodeArgs(t), "inv-1", true)
	require.NoError(t, err)
	waitStatus(t, w, golem.StatusSuspended)

	pidBytes, _, err := h.state.Get(ctx, id.String(), "pid")
	require.NoError(t, err)
	pid, err := golem.ParsePromiseID(string(pidBytes))
	require.NoError(t, err)

	first, err := h.promises.Complete(ctx, pid, []byte("one"))
	require.NoError(t, err)
	require.True(t, first)
	second, err := h.promises.Complete(ctx, pid, []byte("two"))
	require.NoError(t, err)
	require.False(t, second)

	require.Equal(t, "one", awaitString(t, ctx, w, "run", encodeArgs(t), "inv-1"))
}

// Strict replay re-executes a mixed history byte for byte.
func TestStrictReplayDeterminism(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withStrictReplay())
	w1, id := h.newWorker(t, ctx, `
def work(tag):
    golem.log("starting " + tag)
    t = golem.now()
    n = golem.rand_int(1000)
    golem.kv_set("latest", tag)
    golem.kv_set("n", str(n))
    return tag
`)
	require.Equal(t, "a", awaitString(t, ctx, w1, "work", encodeArgs(t, "a"), "inv-a"))
	require.Equal(t, "b", awaitString(t, ctx, w1, "work", encodeArgs(t, "b"), "inv-b"))

	w2 := h.restart(t, ctx, w1, id)
	// A third invocation forces a full strict replay of the first two.
	require.Equal(t, "c", awaitString(t, ctx, w2, "work", encodeArgs(t, "c"), "inv-c"))
	require.NotEqual(t, golem.StatusFailed, w2.Status())

	val, _, err := h.state.Get(ctx, id.String(), "latest")
	require.NoError(t, err)
	require.Equal(t, []byte("c"), val)
}

// Exhausting the fuel budget is retried and then fails the worker.
func TestFuelExhaustion(t *testing.T) {
	ctx := context.Background()
	limits := golem.DefaultResourceLimits()
	limits.MaxFuelPerInvocation = 1000
	h := newHarness(t, withLimits(limits))
	w, id := h.newWorker(t, ctx, `
def spin():
    n = 0
    for i in range(1000000):
        n += i
    return str(n)
`)
	_, err := w.Submit(ctx, "spin", encodeArgs(t), "inv-1", false)
	require.NoError(t, err)

	waitStatus(t, w, golem.StatusFailed)
	entries := h.entries(t, ctx, id)
	errors := entriesOfType(entries, oplog.EntryError)
	require.Len(t, errors, int(golem.DefaultRetryPolicy().MaxAttempts))
}

// Memory growth is admitted against account quotas; soft denials are
// observable by the guest, hard breaches fail the worker.
func TestMemoryGrowth(t *testing.T) {
	ctx := context.Background()
	limits := golem.DefaultResourceLimits()
	limits.SoftMemory = 1500
	limits.MaxMemory = 1 << 20
	h := newHarness(t, withLimits(limits))
	w, id := h.newWorker(t, ctx, `
def grow():
    first = golem.grow_memory(1024)
    second = golem.grow_memory(1024)
    return str(first) + "/" + str(second)
`)
	require.Equal(t, "True/False", awaitString(t, ctx, w, "grow", encodeArgs(t), "inv-1"))

	entries := h.entries(t, ctx, id)
	require.Len(t, entriesOfType(entries, oplog.EntryGrowMemory), 1)
	require.Equal(t, uint64(1024), h.limiter.MemoryInUse("test-account"))
}

// Guest-created resources are recorded and pin the worker until dropped.
func TestResourceLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w, id := h.newWorker(t, ctx, `
def open_and_close():
    rid = golem.resource_create("stream", "mode=w")
    golem.resource_describe(rid, "stream", "mode=w")
    golem.resource_drop(rid)
    return str(rid)
`)
	require.Equal(t, "1", awaitString(t, ctx, w, "open_and_close", encodeArgs(t), "inv-1"))

	entries := h.entries(t, ctx, id)
	require.Len(t, entriesOfType(entries, oplog.EntryCreateResource), 1)
	require.Len(t, entriesOfType(entries, oplog.EntryDescribeResource), 1)
	require.Len(t, entriesOfType(entries, oplog.EntryDropResource), 1)
}

// Guest log lines land in the oplog and reach subscribers.
func TestLogStreaming(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w, id := h.newWorker(t, ctx, `
def chatty():
    golem.log("hello", level="info")
    golem.log("world", level="warn")
    return "ok"
`)
	events, cancel := w.Subscribe()
	defer cancel()

	require.Equal(t, "ok", awaitString(t, ctx, w, "chatty", encodeArgs(t), "inv-1"))

	entries := h.entries(t, ctx, id)
	logs := entriesOfType(entries, oplog.EntryLog)
	require.Len(t, logs, 2)
	require.Equal(t, "hello", logs[0].Payload.(oplog.Log).Message)

	ev := <-events
	require.Equal(t, "hello", ev.Message)
	ev = <-events
	require.Equal(t, "warn", ev.Level)
}

// A guest-set retry policy override is durable and survives replay.
func TestChangeRetryPolicy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w1, id := h.newWorker(t, ctx, `
def configure():
    golem.set_retry_policy(max_attempts=7, min_delay_ms=10, max_delay_ms=100)
    return "ok"
`)
	require.Equal(t, "ok", awaitString(t, ctx, w1, "configure", encodeArgs(t), "inv-1"))
	require.Equal(t, uint32(7), w1.Metadata().RetryPolicy.MaxAttempts)

	w2 := h.restart(t, ctx, w1, id)
	require.Equal(t, "ok", awaitString(t, ctx, w2, "configure", encodeArgs(t), "inv-1"))
	require.Equal(t, uint32(7), w2.Metadata().RetryPolicy.MaxAttempts)
}

// Deleting a worker is terminal: state is gone and the name cannot be
// recreated.
func TestDeleteWorker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w, id := h.newWorker(t, ctx, `
def run():
    golem.kv_set("k", "v")
    return "ok"
`)
	require.Equal(t, "ok", awaitString(t, ctx, w, "run", encodeArgs(t), "inv-1"))
	require.NoError(t, w.Delete(ctx))

	length, err := h.oplog.Length(ctx, id.String())
	require.NoError(t, err)
	require.Equal(t, oplog.Index(0), length)

	_, ok, err := h.state.Get(ctx, id.String(), "k")
	require.NoError(t, err)
	require.False(t, ok)

	fresh := golem.NewWorker(id, h.deps)
	err = fresh.Create(ctx, golem.CreateParams{ComponentVersion: 1})
	require.True(t, golem.IsKind(err, golem.KindWorkerAlreadyExists))
}
