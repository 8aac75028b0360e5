package golem

import (
	"context"
	"time"

	"github.com/golemcloud/golem-core/oplog"
)

// invocation is one element of a worker's serialized invocation stream. It is
// durably represented by its PendingWorkerInvocation entry; the in-memory
// struct only adds waiters.
type invocation struct {
	key      IdempotencyKey
	function string
	request  []byte
	await    bool

	// startIndex is the index of the ExportedFunctionInvoked entry once the
	// invocation started executing; 0 while still queued.
	startIndex oplog.Index

	done   chan struct{}
	result []byte
	err    error
}

func newInvocation(key IdempotencyKey, function string, request []byte, await bool) *invocation {
	return &invocation{
		key:      key,
		function: function,
		request:  request,
		await:    await,
		done:     make(chan struct{}),
	}
}

func (inv *invocation) complete(result []byte, err error) {
	inv.result = result
	inv.err = err
	close(inv.done)
}

func (inv *invocation) completed() bool {
	select {
	case <-inv.done:
		return true
	default:
		return false
	}
}

// Submit durably enqueues an invocation. Submission is idempotent per key: a
// duplicate within the visible history returns the original invocation, so
// the caller observes the original result and the oplog gains exactly one
// invocation pair.
func (w *Worker) Submit(ctx context.Context, function string, request []byte, key IdempotencyKey, await bool) (*invocation, error) {
	if key == "" {
		return nil, Errorf(KindInvalidRequest, "idempotency key is required")
	}
	// loadMu spans the dedup check, the durable append and the enqueue so a
	// concurrent scan cannot interleave and double-queue the invocation.
	w.loadMu.Lock()
	defer w.loadMu.Unlock()
	if err := w.ensureScannedLocked(ctx); err != nil {
		return nil, err
	}

	w.mu.Lock()
	if w.status == StatusDeleted {
		w.mu.Unlock()
		return nil, Errorf(KindWorkerNotFound, "worker %s is deleted", w.key)
	}
	if existing, ok := w.known[key]; ok {
		w.mu.Unlock()
		return existing, nil
	}
	if w.status == StatusExited || w.status == StatusFailed {
		w.mu.Unlock()
		return nil, Errorf(KindInvalidStatus, "worker %s is %s", w.key, w.status)
	}
	inv := newInvocation(key, function, request, await)
	w.known[key] = inv
	w.mu.Unlock()

	if _, err := w.append(ctx, oplog.PendingWorkerInvocation{
		FunctionName:   function,
		Request:        request,
		IdempotencyKey: string(key),
		AwaitResult:    await,
	}); err != nil {
		w.mu.Lock()
		delete(w.known, key)
		w.mu.Unlock()
		return nil, err
	}

	w.mu.Lock()
	w.queue = append(w.queue, inv)
	w.mu.Unlock()
	w.kick()
	return inv, nil
}

// Await blocks until the invocation completes or the context is done.
func (inv *invocation) Await(ctx context.Context) ([]byte, error) {
	select {
	case <-inv.done:
		return inv.result, inv.err
	case <-ctx.Done():
		return nil, Errorf(KindUnavailable, "await cancelled: %v", ctx.Err())
	}
}

// PendingInvocationCount reports queued plus in-flight invocations.
func (w *Worker) PendingInvocationCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.queue)
	if w.inflight != nil {
		n++
	}
	return n
}

// hasAwaitWaiters reports whether any synchronous caller is still blocked on
// this worker, which pins it in the active set.
func (w *Worker) hasAwaitWaiters() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inflight != nil && w.inflight.await && !w.inflight.completed() {
		return true
	}
	for _, inv := range w.queue {
		if inv.await && !inv.completed() {
			return true
		}
	}
	return false
}

// pinWindow is how close a retry deadline must be for the worker to stay
// pinned in memory instead of being evicted and re-animated.
const pinWindow = 30 * time.Second
