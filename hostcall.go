package golem

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/golemcloud/golem-core/oplog"
)

// replayCursor walks a worker's oplog during replay, serving recorded host
// calls in program order. Entries inside Jump regions and entries that are
// not part of the execution stream (queue submissions, update bookkeeping,
// attempt markers) are transparent to it.
type replayCursor struct {
	store  oplog.Store
	worker string
	next   oplog.Index
	end    oplog.Index
	jumps  []oplog.Jump

	buf     []oplog.Entry
	bufFrom oplog.Index
}

const cursorPageSize = 128

func newReplayCursor(store oplog.Store, worker string, from, end oplog.Index, jumps []oplog.Jump) *replayCursor {
	return &replayCursor{store: store, worker: worker, next: from, end: end, jumps: jumps}
}

// skippedDuringReplay lists the entry types that may legitimately interleave
// the execution stream. They are appended outside the guest's program order
// (submissions, update records) or mark attempt boundaries that a successful
// re-execution glides over.
func skippedDuringReplay(t oplog.EntryType) bool {
	switch t {
	case oplog.EntryPendingWorkerInvocation,
		oplog.EntryPendingUpdate,
		oplog.EntrySuccessfulUpdate,
		oplog.EntryFailedUpdate,
		oplog.EntrySuspend,
		oplog.EntryResume,
		oplog.EntryInterrupted,
		oplog.EntryError,
		oplog.EntryJump,
		oplog.EntryNoOp:
		return true
	}
	return false
}

func (c *replayCursor) jumped(idx oplog.Index) bool {
	for _, j := range c.jumps {
		if idx >= j.Start && idx < j.End {
			return true
		}
	}
	return false
}

func (c *replayCursor) active() bool {
	return c != nil && c.next <= c.end
}

func (c *replayCursor) entryAt(ctx context.Context, idx oplog.Index) (oplog.Entry, error) {
	if idx < c.bufFrom || idx >= c.bufFrom+oplog.Index(len(c.buf)) {
		entries, err := c.store.Read(ctx, c.worker, idx, cursorPageSize)
		if err != nil {
			return oplog.Entry{}, Errorf(KindOplogUnavailable, "read oplog of %s at %d: %v", c.worker, idx, err)
		}
		if len(entries) == 0 {
			return oplog.Entry{}, Errorf(KindOplogUnavailable, "oplog of %s has a gap at %d", c.worker, idx)
		}
		c.buf = entries
		c.bufFrom = entries[0].Index
	}
	return c.buf[idx-c.bufFrom], nil
}

// peek returns the next replay-relevant entry without consuming it. The
// second result is false once the cursor is exhausted (execution goes live).
func (c *replayCursor) peek(ctx context.Context) (oplog.Entry, bool, error) {
	for c.next <= c.end {
		if c.jumped(c.next) {
			c.next++
			continue
		}
		e, err := c.entryAt(ctx, c.next)
		if err != nil {
			return oplog.Entry{}, false, err
		}
		if skippedDuringReplay(e.Type()) {
			c.next++
			continue
		}
		return e, true, nil
	}
	return oplog.Entry{}, false, nil
}

func (c *replayCursor) take() {
	c.next++
}

// divergence builds the fatal mismatch error between what the guest did on
// re-execution and what the oplog recorded.
func divergence(expected string, got oplog.Entry) error {
	return Errorf(KindReplayDivergence, "expected %s, oplog has %s at index %d", expected, got.Type(), got.Index)
}

// --- Host implementation -------------------------------------------------
//
// The Worker itself implements Host. Every method below is a suspension
// point; each one classifies the call, consults the replay cursor first and
// only touches the real host in live mode.

func (w *Worker) hostCall(ctx context.Context, name string, ftype oplog.WrappedFunctionType, request []byte, call func(context.Context) ([]byte, error)) ([]byte, error) {
	if err := w.yieldPoint(); err != nil {
		return nil, err
	}
	if w.cursor.active() {
		e, ok, err := w.cursor.peek(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			rec, isCall := e.Payload.(oplog.ImportedFunctionInvoked)
			if !isCall {
				return nil, divergence(fmt.Sprintf("host call %s", name), e)
			}
			if rec.FunctionName != name {
				return nil, Errorf(KindReplayDivergence, "expected host call %s, oplog recorded %s at index %d", name, rec.FunctionName, e.Index)
			}
			if w.strictReplay && !bytes.Equal(rec.Request, request) {
				return nil, Errorf(KindReplayDivergence, "host call %s request diverged at index %d", name, e.Index)
			}
			w.cursor.take()
			return rec.Response, nil
		}
	}

	response, err := call(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := w.append(ctx, oplog.ImportedFunctionInvoked{
		FunctionName: name,
		Request:      request,
		Response:     response,
		WrappedType:  ftype,
	}); err != nil {
		return nil, err
	}
	return response, nil
}

// yieldPoint is the cooperative interruption check. Host-call boundaries are
// the only legal suspension points, so they are also the only places an
// interrupt is observed. Interrupts never fire mid-replay or inside an open
// atomic region.
func (w *Worker) yieldPoint() error {
	if w.cursor.active() || len(w.atomicStack) > 0 {
		return nil
	}
	if w.interruptFlag.Load() {
		return Errorf(KindInterrupted, "worker interrupted")
	}
	return nil
}

func (w *Worker) KVGet(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := w.hostCall(ctx, "golem::kv_get", oplog.ReadLocal, []byte(key), func(ctx context.Context) ([]byte, error) {
		val, ok, err := w.deps.KV.Get(ctx, w.key, key)
		if err != nil {
			return nil, Errorf(KindTrap, "kv get %q: %v", key, err)
		}
		if !ok {
			return nil, nil
		}
		return append([]byte{1}, val...), nil
	})
	if err != nil {
		return nil, false, err
	}
	if len(resp) == 0 {
		return nil, false, nil
	}
	return resp[1:], true, nil
}

func (w *Worker) KVSet(ctx context.Context, key string, value []byte) error {
	req := append(append([]byte(key), 0), value...)
	_, err := w.hostCall(ctx, "golem::kv_set", oplog.WriteLocal, req, func(ctx context.Context) ([]byte, error) {
		if err := w.deps.KV.Set(ctx, w.key, key, value); err != nil {
			return nil, Errorf(KindTrap, "kv set %q: %v", key, err)
		}
		return nil, nil
	})
	return err
}

func (w *Worker) KVDelete(ctx context.Context, key string) error {
	_, err := w.hostCall(ctx, "golem::kv_delete", oplog.WriteLocal, []byte(key), func(ctx context.Context) ([]byte, error) {
		if err := w.deps.KV.Delete(ctx, w.key, key); err != nil {
			return nil, Errorf(KindTrap, "kv delete %q: %v", key, err)
		}
		return nil, nil
	})
	return err
}

func (w *Worker) KVKeys(ctx context.Context, prefix string) ([]string, error) {
	resp, err := w.hostCall(ctx, "golem::kv_keys", oplog.ReadLocal, []byte(prefix), func(ctx context.Context) ([]byte, error) {
		keys, err := w.deps.KV.Keys(ctx, w.key, prefix)
		if err != nil {
			return nil, Errorf(KindTrap, "kv keys %q: %v", prefix, err)
		}
		return encodeStrings(keys), nil
	})
	if err != nil {
		return nil, err
	}
	return decodeStrings(resp), nil
}

func (w *Worker) BlobRead(ctx context.Context, name string) ([]byte, bool, error) {
	resp, err := w.hostCall(ctx, "golem::blob_read", oplog.ReadLocal, []byte(name), func(ctx context.Context) ([]byte, error) {
		data, ok, err := w.deps.Blobs.ReadBlob(ctx, w.key, name)
		if err != nil {
			return nil, Errorf(KindTrap, "blob read %q: %v", name, err)
		}
		if !ok {
			return nil, nil
		}
		return append([]byte{1}, data...), nil
	})
	if err != nil {
		return nil, false, err
	}
	if len(resp) == 0 {
		return nil, false, nil
	}
	return resp[1:], true, nil
}

func (w *Worker) BlobWrite(ctx context.Context, name string, data []byte) error {
	req := append(append([]byte(name), 0), data...)
	_, err := w.hostCall(ctx, "golem::blob_write", oplog.WriteLocal, req, func(ctx context.Context) ([]byte, error) {
		if err := w.deps.Blobs.WriteBlob(ctx, w.key, name, data); err != nil {
			return nil, Errorf(KindTrap, "blob write %q: %v", name, err)
		}
		return nil, nil
	})
	return err
}

func (w *Worker) PromiseCreate(ctx context.Context) (string, error) {
	if err := w.yieldPoint(); err != nil {
		return "", err
	}
	if w.cursor.active() {
		e, ok, err := w.cursor.peek(ctx)
		if err != nil {
			return "", err
		}
		if ok {
			rec, isCall := e.Payload.(oplog.ImportedFunctionInvoked)
			if !isCall || rec.FunctionName != "golem::promise_create" {
				return "", divergence("host call golem::promise_create", e)
			}
			w.cursor.take()
			// Re-register so the promise survives even if the state store
			// lost it; Put is create-if-absent.
			id, err := ParsePromiseID(string(rec.Response))
			if err != nil {
				return "", Errorf(KindReplayDivergence, "recorded promise id: %v", err)
			}
			if err := w.deps.Promises.Create(ctx, id); err != nil {
				return "", Errorf(KindTrap, "recreate promise: %v", err)
			}
			return string(rec.Response), nil
		}
	}

	// The promise id embeds the oplog index of its creation entry, so the id
	// is fixed before the append under the same lock that assigns indices.
	id, err := w.appendPromiseCreate(ctx)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (w *Worker) PromiseAwait(ctx context.Context, id string) ([]byte, error) {
	pid, err := ParsePromiseID(id)
	if err != nil {
		return nil, Errorf(KindInvalidRequest, "%v", err)
	}
	return w.hostCall(ctx, "golem::promise_await", oplog.ReadLocal, []byte(id), func(ctx context.Context) ([]byte, error) {
		rec, ok, err := w.deps.Promises.Get(ctx, pid)
		if err != nil {
			return nil, Errorf(KindTrap, "promise get: %v", err)
		}
		if !ok {
			return nil, Errorf(KindInvalidRequest, "unknown promise %s", id)
		}
		if !rec.Completed {
			return nil, &SuspendError{Reason: "promise " + id}
		}
		return rec.Data, nil
	})
}

func (w *Worker) PromisePoll(ctx context.Context, id string) ([]byte, bool, error) {
	pid, err := ParsePromiseID(id)
	if err != nil {
		return nil, false, Errorf(KindInvalidRequest, "%v", err)
	}
	resp, err := w.hostCall(ctx, "golem::promise_poll", oplog.ReadLocal, []byte(id), func(ctx context.Context) ([]byte, error) {
		rec, ok, err := w.deps.Promises.Get(ctx, pid)
		if err != nil {
			return nil, Errorf(KindTrap, "promise get: %v", err)
		}
		if !ok || !rec.Completed {
			return nil, nil
		}
		return append([]byte{1}, rec.Data...), nil
	})
	if err != nil {
		return nil, false, err
	}
	if len(resp) == 0 {
		return nil, false, nil
	}
	return resp[1:], true, nil
}

func (w *Worker) PromiseComplete(ctx context.Context, id string, data []byte) (bool, error) {
	pid, err := ParsePromiseID(id)
	if err != nil {
		return false, Errorf(KindInvalidRequest, "%v", err)
	}
	resp, err := w.hostCall(ctx, "golem::promise_complete", oplog.WriteLocal, []byte(id), func(ctx context.Context) ([]byte, error) {
		first, err := w.deps.Promises.Complete(ctx, pid, data)
		if err != nil {
			return nil, Errorf(KindTrap, "promise complete: %v", err)
		}
		if first {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	})
	if err != nil {
		return false, err
	}
	return len(resp) == 1 && resp[0] == 1, nil
}

func (w *Worker) Now(ctx context.Context) (time.Time, error) {
	resp, err := w.hostCall(ctx, "golem::now", oplog.ReadLocal, nil, func(ctx context.Context) ([]byte, error) {
		return []byte(w.deps.Clock().UTC().Format(time.RFC3339Nano)), nil
	})
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(resp))
	if err != nil {
		return time.Time{}, Errorf(KindReplayDivergence, "recorded timestamp: %v", err)
	}
	return t, nil
}

func (w *Worker) RandInt(ctx context.Context, max int64) (int64, error) {
	if max <= 0 {
		return 0, Errorf(KindInvalidRequest, "rand_int max must be positive")
	}
	resp, err := w.hostCall(ctx, "golem::rand_int", oplog.ReadLocal, []byte(fmt.Sprint(max)), func(ctx context.Context) ([]byte, error) {
		return []byte(fmt.Sprint(rand.Int63n(max))), nil
	})
	if err != nil {
		return 0, err
	}
	var n int64
	if _, err := fmt.Sscan(string(resp), &n); err != nil {
		return 0, Errorf(KindReplayDivergence, "recorded random value: %v", err)
	}
	return n, nil
}

// Sleep records the wake deadline on first execution and suspends until it
// passes. Replays after the deadline fall straight through.
func (w *Worker) Sleep(ctx context.Context, d time.Duration) error {
	resp, err := w.hostCall(ctx, "golem::sleep", oplog.ReadLocal, []byte(d.String()), func(ctx context.Context) ([]byte, error) {
		return []byte(w.deps.Clock().UTC().Add(d).Format(time.RFC3339Nano)), nil
	})
	if err != nil {
		return err
	}
	wakeAt, err := time.Parse(time.RFC3339Nano, string(resp))
	if err != nil {
		return Errorf(KindReplayDivergence, "recorded wake deadline: %v", err)
	}
	if w.deps.Clock().Before(wakeAt) {
		return &SuspendError{Reason: "sleep", WakeAt: wakeAt}
	}
	return nil
}

func (w *Worker) EnvVar(ctx context.Context, name string) (string, error) {
	resp, err := w.hostCall(ctx, "golem::env", oplog.ReadLocal, []byte(name), func(ctx context.Context) ([]byte, error) {
		return []byte(w.env[name]), nil
	})
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

func (w *Worker) RemoteRead(ctx context.Context, target string, request []byte) ([]byte, error) {
	req := append(append([]byte(target), 0), request...)
	return w.hostCall(ctx, "golem::remote_read", oplog.ReadRemote, req, func(ctx context.Context) ([]byte, error) {
		resp, err := w.deps.Remote.Read(ctx, target, request)
		if err != nil {
			return nil, Errorf(KindTrap, "remote read %s: %v", target, err)
		}
		return resp, nil
	})
}

// remoteWriteKey derives the idempotency key for the next remote write. It
// depends only on the worker, the invocation and the write's position in
// program order, so a re-driven write after a rollback regenerates the same
// key and the external target deduplicates it.
func (w *Worker) remoteWriteKey() string {
	seq := w.writeSeq
	w.writeSeq++
	return fmt.Sprintf("%s/%s/%d", w.key, w.currentInvocationKey, seq)
}

// RemoteWrite implements the WriteRemote protocol: the begin entry with the
// idempotency key is durable before the attempt, the recorded response after
// it. A crash in between is recovered by re-issuing with the recorded key.
func (w *Worker) RemoteWrite(ctx context.Context, target string, request []byte) ([]byte, error) {
	return w.remoteWrite(ctx, target, request, oplog.WriteRemote)
}

func (w *Worker) remoteWrite(ctx context.Context, target string, request []byte, ftype oplog.WrappedFunctionType) ([]byte, error) {
	if err := w.yieldPoint(); err != nil {
		return nil, err
	}
	name := "golem::remote_write"
	key := w.remoteWriteKey()

	if w.cursor.active() {
		e, ok, err := w.cursor.peek(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			begin, isBegin := e.Payload.(oplog.BeginRemoteWrite)
			if !isBegin {
				return nil, divergence("begin of remote write", e)
			}
			if begin.FunctionName != name {
				return nil, Errorf(KindReplayDivergence, "expected remote write, oplog recorded %s at index %d", begin.FunctionName, e.Index)
			}
			key = begin.IdempotencyKey
			w.cursor.take()

			// Complete pair: serve the recorded response.
			resp, ok, err := w.cursor.peek(ctx)
			if err != nil {
				return nil, err
			}
			if ok {
				rec, isCall := resp.Payload.(oplog.ImportedFunctionInvoked)
				if !isCall || rec.FunctionName != name {
					return nil, divergence("response of remote write", resp)
				}
				w.cursor.take()
				end, ok, err := w.cursor.peek(ctx)
				if err != nil {
					return nil, err
				}
				if ok {
					if _, isEnd := end.Payload.(oplog.EndRemoteWrite); !isEnd {
						return nil, divergence("end of remote write", end)
					}
					w.cursor.take()
					return rec.Response, nil
				}
				// End missing at the log tail: the write itself committed;
				// close the region and continue.
				if _, err := w.append(ctx, oplog.EndRemoteWrite{BeginIndex: e.Index}); err != nil {
					return nil, err
				}
				return rec.Response, nil
			}
			// Incomplete pair at the log tail: re-issue with the recorded
			// key, then close the region.
			return w.finishRemoteWrite(ctx, name, target, request, key, e.Index, ftype)
		}
	}

	beginIdx, err := w.append(ctx, oplog.BeginRemoteWrite{FunctionName: name, IdempotencyKey: key})
	if err != nil {
		return nil, err
	}
	return w.finishRemoteWrite(ctx, name, target, request, key, beginIdx, ftype)
}

func (w *Worker) finishRemoteWrite(ctx context.Context, name, target string, request []byte, key string, beginIdx oplog.Index, ftype oplog.WrappedFunctionType) ([]byte, error) {
	response, err := w.deps.Remote.Write(ctx, target, request, key)
	if err != nil {
		return nil, Errorf(KindTrap, "remote write %s: %v", target, err)
	}
	if _, err := w.append(ctx,
		oplog.ImportedFunctionInvoked{
			FunctionName: name,
			Request:      append(append([]byte(target), 0), request...),
			Response:     response,
			WrappedType:  ftype,
		},
		oplog.EndRemoteWrite{BeginIndex: beginIdx},
	); err != nil {
		return nil, err
	}
	return response, nil
}

// RemoteWriteBatch coalesces the writes into one atomic region that recovery
// re-drives as a unit.
func (w *Worker) RemoteWriteBatch(ctx context.Context, target string, requests [][]byte) ([][]byte, error) {
	if err := w.AtomicBegin(ctx); err != nil {
		return nil, err
	}
	responses := make([][]byte, 0, len(requests))
	for _, req := range requests {
		resp, err := w.remoteWrite(ctx, target, req, oplog.WriteRemoteBatched)
		if err != nil {
			return nil, err
		}
		responses = append(responses, resp)
	}
	if err := w.AtomicEnd(ctx); err != nil {
		return nil, err
	}
	return responses, nil
}

func (w *Worker) AtomicBegin(ctx context.Context) error {
	if err := w.yieldPoint(); err != nil {
		return err
	}
	if w.cursor.active() {
		e, ok, err := w.cursor.peek(ctx)
		if err != nil {
			return err
		}
		if ok {
			if _, isBegin := e.Payload.(oplog.BeginAtomicRegion); !isBegin {
				return divergence("begin of atomic region", e)
			}
			w.cursor.take()
			w.atomicStack = append(w.atomicStack, e.Index)
			return nil
		}
	}
	idx, err := w.append(ctx, oplog.BeginAtomicRegion{})
	if err != nil {
		return err
	}
	w.atomicStack = append(w.atomicStack, idx)
	return nil
}

func (w *Worker) AtomicEnd(ctx context.Context) error {
	if len(w.atomicStack) == 0 {
		return Errorf(KindInvalidRequest, "atomic_end without atomic_begin")
	}
	begin := w.atomicStack[len(w.atomicStack)-1]
	if w.cursor.active() {
		e, ok, err := w.cursor.peek(ctx)
		if err != nil {
			return err
		}
		if ok {
			end, isEnd := e.Payload.(oplog.EndAtomicRegion)
			if !isEnd {
				return divergence("end of atomic region", e)
			}
			if end.BeginIndex != begin {
				return Errorf(KindReplayDivergence, "atomic region end at %d closes %d, expected %d", e.Index, end.BeginIndex, begin)
			}
			w.cursor.take()
			w.atomicStack = w.atomicStack[:len(w.atomicStack)-1]
			return nil
		}
	}
	if _, err := w.append(ctx, oplog.EndAtomicRegion{BeginIndex: begin}); err != nil {
		return err
	}
	w.atomicStack = w.atomicStack[:len(w.atomicStack)-1]
	return nil
}

// GrowMemory runs limiter admission in live mode; replay re-applies the
// recorded outcome without admission. A denied growth is recorded as a plain
// host call so replay can distinguish it from a granted one.
func (w *Worker) GrowMemory(ctx context.Context, delta uint64) (bool, error) {
	if err := w.yieldPoint(); err != nil {
		return false, err
	}
	if w.cursor.active() {
		e, ok, err := w.cursor.peek(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			switch p := e.Payload.(type) {
			case oplog.GrowMemory:
				w.cursor.take()
				w.deps.Limiter.RecordGrow(w.account, p.Delta)
				w.memoryUsed += p.Delta
				return true, nil
			case oplog.ImportedFunctionInvoked:
				if p.FunctionName != "golem::grow_memory" {
					return false, divergence("memory growth", e)
				}
				w.cursor.take()
				return false, nil
			default:
				return false, divergence("memory growth", e)
			}
		}
	}

	granted, err := w.deps.Limiter.AdmitGrow(w.account, delta)
	if err != nil {
		// Hard limit: fatal for the worker.
		return false, err
	}
	if !granted {
		if _, err := w.append(ctx, oplog.ImportedFunctionInvoked{
			FunctionName: "golem::grow_memory",
			Request:      []byte(fmt.Sprint(delta)),
			WrappedType:  oplog.ReadLocal,
		}); err != nil {
			return false, err
		}
		return false, nil
	}
	if _, err := w.append(ctx, oplog.GrowMemory{Delta: delta}); err != nil {
		return false, err
	}
	w.memoryUsed += delta
	return true, nil
}

func (w *Worker) ResourceCreate(ctx context.Context, name string, params []byte) (uint64, error) {
	if err := w.yieldPoint(); err != nil {
		return 0, err
	}
	if w.cursor.active() {
		e, ok, err := w.cursor.peek(ctx)
		if err != nil {
			return 0, err
		}
		if ok {
			create, isCreate := e.Payload.(oplog.CreateResource)
			if !isCreate {
				return 0, divergence("resource creation", e)
			}
			w.cursor.take()
			w.trackResource(create.ResourceID, name, params)
			return create.ResourceID, nil
		}
	}
	id := w.nextResourceID
	w.nextResourceID++
	if _, err := w.append(ctx, oplog.CreateResource{ResourceID: id}); err != nil {
		return 0, err
	}
	w.trackResource(id, name, params)
	return id, nil
}

func (w *Worker) ResourceDescribe(ctx context.Context, id uint64, name string, params []byte) error {
	if err := w.yieldPoint(); err != nil {
		return err
	}
	if w.cursor.active() {
		e, ok, err := w.cursor.peek(ctx)
		if err != nil {
			return err
		}
		if ok {
			desc, isDesc := e.Payload.(oplog.DescribeResource)
			if !isDesc || desc.ResourceID != id {
				return divergence("resource description", e)
			}
			// Params are matched semantically, not byte-identically; the
			// recorded name must agree.
			if desc.ResourceName != name {
				return Errorf(KindReplayDivergence, "resource %d described as %q, oplog has %q", id, name, desc.ResourceName)
			}
			w.cursor.take()
			return nil
		}
	}
	_, err := w.append(ctx, oplog.DescribeResource{ResourceID: id, ResourceName: name, ResourceParams: params})
	return err
}

func (w *Worker) ResourceDrop(ctx context.Context, id uint64) error {
	if err := w.yieldPoint(); err != nil {
		return err
	}
	if w.cursor.active() {
		e, ok, err := w.cursor.peek(ctx)
		if err != nil {
			return err
		}
		if ok {
			drop, isDrop := e.Payload.(oplog.DropResource)
			if !isDrop || drop.ResourceID != id {
				return divergence("resource drop", e)
			}
			w.cursor.take()
			delete(w.resources, id)
			return nil
		}
	}
	if _, err := w.append(ctx, oplog.DropResource{ResourceID: id}); err != nil {
		return err
	}
	delete(w.resources, id)
	return nil
}

func (w *Worker) SetRetryPolicy(ctx context.Context, p RetryPolicy) error {
	if err := w.yieldPoint(); err != nil {
		return err
	}
	if w.cursor.active() {
		e, ok, err := w.cursor.peek(ctx)
		if err != nil {
			return err
		}
		if ok {
			rec, isChange := e.Payload.(oplog.ChangeRetryPolicy)
			if !isChange {
				return divergence("retry policy change", e)
			}
			w.cursor.take()
			w.retryPolicy = retryPolicyFromEntry(rec)
			return nil
		}
	}
	if _, err := w.append(ctx, p.toEntry()); err != nil {
		return err
	}
	w.retryPolicy = p
	return nil
}

func (w *Worker) Log(ctx context.Context, level, message string) error {
	if err := w.yieldPoint(); err != nil {
		return err
	}
	if w.cursor.active() {
		e, ok, err := w.cursor.peek(ctx)
		if err != nil {
			return err
		}
		if ok {
			if _, isLog := e.Payload.(oplog.Log); !isLog {
				return divergence("log line", e)
			}
			w.cursor.take()
			return nil
		}
	}
	_, err := w.append(ctx, oplog.Log{Level: level, Context: w.id.Name, Message: message})
	return err
}

func encodeStrings(ss []string) []byte {
	var buf bytes.Buffer
	for i, s := range ss {
		if i > 0 {
			buf.WriteByte(0)
		}
		buf.WriteString(s)
	}
	return buf.Bytes()
}

func decodeStrings(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	parts := bytes.Split(data, []byte{0})
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}
