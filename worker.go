package golem

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golemcloud/golem-core/oplog"
)

// Deps bundles the process-wide services a worker executes against. They are
// injected explicitly; there is no ambient state.
type Deps struct {
	Oplog      oplog.Store
	KV         KeyValueStore
	Blobs      BlobStore
	Promises   *Promises
	Index      WorkerIndex
	Limiter    *Limiter
	Remote     RemoteBackend
	Components *ComponentCache
	Clock      func() time.Time
	Logger     *slog.Logger

	// StrictReplay also compares recorded host-call requests byte for byte;
	// lenient mode only matches function names.
	StrictReplay bool
}

// LogEvent is one element of the ConnectWorker stream.
type LogEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Context   string    `json:"context,omitempty"`
	Message   string    `json:"message"`
}

type resourceInfo struct {
	name   string
	params []byte
}

// snapshotBlobName is the reserved blob slot holding the latest
// snapshot-based update state.
const snapshotBlobName = "__golem_snapshot"

type snapshotRecord struct {
	Version uint64      `json:"version"`
	Index   oplog.Index `json:"index"`
	Data    []byte      `json:"data"`
}

// Worker is a live instance of a durable worker: the single serial reducer
// over its invocation queue. At most one guest frame executes at any instant;
// the oplog is the linearization of everything the worker observes.
type Worker struct {
	id   WorkerID
	key  string
	deps Deps

	account          AccountID
	env              map[string]string
	args             []string
	componentVersion uint64
	parent           string
	createdAt        time.Time

	// appendMu serializes oplog appends (the run loop and submitters share
	// the log) and guards logEnd.
	appendMu sync.Mutex
	logEnd   oplog.Index

	mu           sync.Mutex
	status       Status
	queue        []*invocation
	inflight     *invocation
	known        map[IdempotencyKey]*invocation
	attempt      uint32
	retryAt      time.Time
	wakeAt       time.Time
	suspendedOn  string
	subscribers  map[int]chan LogEvent
	nextSub      int
	failedUpd    []oplog.FailedUpdate
	succeededUpd []oplog.SuccessfulUpdate
	pendingUpd   *oplog.PendingUpdate

	retryPolicy  RetryPolicy
	strictReplay bool

	instance             Instance
	loadMu               sync.Mutex
	scanned              bool
	loaded               bool
	cursor               *replayCursor
	jumps                []oplog.Jump
	atomicStack          []oplog.Index
	writeSeq             uint64
	currentInvocationKey IdempotencyKey
	snapshotMode         bool

	resources      map[uint64]resourceInfo
	nextResourceID uint64
	memoryUsed     uint64

	interruptFlag      atomic.Bool
	recoverImmediately atomic.Bool

	wakeCh   chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWorker wires a worker around an existing oplog. It does not touch the
// log; call Create for brand-new workers or Start to begin serving.
func NewWorker(id WorkerID, deps Deps) *Worker {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Worker{
		id:             id,
		key:            id.String(),
		deps:           deps,
		status:         StatusIdle,
		retryPolicy:    DefaultRetryPolicy(),
		strictReplay:   deps.StrictReplay,
		known:          make(map[IdempotencyKey]*invocation),
		subscribers:    make(map[int]chan LogEvent),
		resources:      make(map[uint64]resourceInfo),
		nextResourceID: 1,
		env:            map[string]string{},
		wakeCh:         make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// CreateParams describe a brand-new worker.
type CreateParams struct {
	ComponentVersion uint64
	Args             []string
	Env              map[string]string
	AccountID        AccountID
	Parent           string
}

// Create writes the Create entry at index 1 and registers the worker in the
// local index. Fails if the worker already has an oplog or was deleted.
func (w *Worker) Create(ctx context.Context, p CreateParams) error {
	length, err := w.deps.Oplog.Length(ctx, w.key)
	if err != nil {
		return Errorf(KindOplogUnavailable, "length of %s: %v", w.key, err)
	}
	if length > 0 {
		return Errorf(KindWorkerAlreadyExists, "worker %s already exists", w.key)
	}
	if rec, ok, err := w.deps.Index.Get(ctx, w.key); err == nil && ok && rec.Deleted {
		return Errorf(KindWorkerAlreadyExists, "worker %s was deleted", w.key)
	}
	if err := w.deps.Limiter.AdmitWorker(p.AccountID); err != nil {
		return err
	}

	w.account = p.AccountID
	w.componentVersion = p.ComponentVersion
	w.args = p.Args
	if p.Env != nil {
		w.env = p.Env
	}
	w.parent = p.Parent
	w.createdAt = w.deps.Clock().UTC()

	if _, err := w.append(ctx, oplog.Create{
		WorkerName:       w.id.Name,
		ComponentID:      w.id.Component.String(),
		ComponentVersion: p.ComponentVersion,
		Args:             p.Args,
		Env:              p.Env,
		AccountID:        string(p.AccountID),
		Parent:           p.Parent,
	}); err != nil {
		w.deps.Limiter.ReleaseWorker(p.AccountID)
		return err
	}
	return w.saveRecord(ctx)
}

// append durably writes payloads to the oplog in one call, tracking the tail
// index and fanning Log entries out to connected streams.
func (w *Worker) append(ctx context.Context, payloads ...oplog.Payload) (oplog.Index, error) {
	if w.snapshotMode {
		return 0, Errorf(KindTrap, "host calls are not allowed in snapshot functions")
	}
	w.appendMu.Lock()
	defer w.appendMu.Unlock()
	idx, err := w.deps.Oplog.Append(ctx, w.key, payloads...)
	if err != nil {
		return 0, Errorf(KindOplogUnavailable, "append to %s: %v", w.key, err)
	}
	w.logEnd = idx
	for _, p := range payloads {
		if logEntry, ok := p.(oplog.Log); ok {
			w.broadcast(LogEvent{
				Timestamp: w.deps.Clock().UTC(),
				Level:     logEntry.Level,
				Context:   logEntry.Context,
				Message:   logEntry.Message,
			})
		}
	}
	return idx, nil
}

// appendPromiseCreate assigns the promise id from the index its creation
// entry will get, under the append lock so the prediction cannot race with
// concurrent submissions.
func (w *Worker) appendPromiseCreate(ctx context.Context) (PromiseID, error) {
	w.appendMu.Lock()
	defer w.appendMu.Unlock()
	id := PromiseID{Worker: w.id, Index: w.logEnd + 1}
	if err := w.deps.Promises.Create(ctx, id); err != nil {
		return PromiseID{}, Errorf(KindTrap, "create promise: %v", err)
	}
	idx, err := w.deps.Oplog.Append(ctx, w.key, oplog.ImportedFunctionInvoked{
		FunctionName: "golem::promise_create",
		Response:     []byte(id.String()),
		WrappedType:  oplog.WriteLocal,
	})
	if err != nil {
		return PromiseID{}, Errorf(KindOplogUnavailable, "append to %s: %v", w.key, err)
	}
	w.logEnd = idx
	return id, nil
}

func (w *Worker) trackResource(id uint64, name string, params []byte) {
	w.resources[id] = resourceInfo{name: name, params: params}
	if id >= w.nextResourceID {
		w.nextResourceID = id + 1
	}
}

// Start launches the worker's run loop.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop terminates the run loop without touching durable state. The worker
// can be re-animated later by replay.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *Worker) kick() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// run is the worker's single logical executor: it drains the invocation
// queue serially, parking between wakes.
func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		w.step(ctx)

		w.mu.Lock()
		deadline := w.nextDeadline()
		w.mu.Unlock()

		var timer *time.Timer
		var timerCh <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerCh = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.wakeCh:
		case <-timerCh:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// nextDeadline is the earliest of the retry and sleep deadlines; zero when
// nothing is scheduled. Caller holds mu.
func (w *Worker) nextDeadline() time.Time {
	var d time.Time
	if w.status == StatusRetrying && !w.retryAt.IsZero() {
		d = w.retryAt
	}
	if w.status == StatusSuspended && !w.wakeAt.IsZero() && (d.IsZero() || w.wakeAt.Before(d)) {
		d = w.wakeAt
	}
	return d
}

// step makes progress: resume a parked invocation whose wake condition
// fired, apply a pending update, or start the next queued invocation.
func (w *Worker) step(ctx context.Context) {
	if err := w.ensureScanned(ctx); err != nil {
		w.fail(ctx, err)
		return
	}
	for {
		w.mu.Lock()
		status := w.status
		now := w.deps.Clock()

		switch {
		case status.terminal() || status == StatusInterrupted || status == StatusInterrupting:
			w.mu.Unlock()
			return
		case status == StatusRetrying:
			if now.Before(w.retryAt) {
				w.mu.Unlock()
				return
			}
			w.setStatusLocked(ctx, StatusRunning)
			w.mu.Unlock()
		case status == StatusSuspended:
			wake := (!w.wakeAt.IsZero() && !now.Before(w.wakeAt)) || w.promiseReady(ctx)
			if !wake {
				w.mu.Unlock()
				return
			}
			w.setStatusLocked(ctx, StatusRunning)
			w.mu.Unlock()
			if _, err := w.append(ctx, oplog.Resume{}); err != nil {
				w.fail(ctx, err)
				return
			}
		case status == StatusIdle:
			if w.pendingUpd != nil && w.inflight == nil {
				upd := *w.pendingUpd
				w.pendingUpd = nil
				w.mu.Unlock()
				w.applyUpdate(ctx, upd)
				continue
			}
			if w.inflight == nil && len(w.queue) == 0 {
				w.mu.Unlock()
				return
			}
			w.setStatusLocked(ctx, StatusRunning)
			w.mu.Unlock()
		default: // Running after an explicit resume
			w.mu.Unlock()
		}

		if err := w.ensureLoaded(ctx); err != nil {
			w.fail(ctx, err)
			return
		}

		w.mu.Lock()
		if w.status.terminal() {
			w.mu.Unlock()
			return
		}
		if w.inflight == nil {
			if len(w.queue) == 0 {
				w.setStatusLocked(ctx, StatusIdle)
				w.mu.Unlock()
				continue
			}
			w.inflight = w.queue[0]
			w.queue = w.queue[1:]
			w.attempt = 0
		}
		inv := w.inflight
		w.mu.Unlock()

		w.runInvocation(ctx, inv)

		w.mu.Lock()
		parked := w.status == StatusSuspended || w.status == StatusRetrying ||
			w.status == StatusInterrupted || w.status.terminal()
		w.mu.Unlock()
		if parked {
			return
		}
	}
}

// promiseReady reports whether the promise the worker suspended on has
// completed. Caller holds mu.
func (w *Worker) promiseReady(ctx context.Context) bool {
	if w.suspendedOn == "" {
		return false
	}
	pid, err := ParsePromiseID(w.suspendedOn)
	if err != nil {
		return false
	}
	rec, ok, err := w.deps.Promises.Get(ctx, pid)
	return err == nil && ok && rec.Completed
}

// ensureScanned rebuilds queue state and metadata from the oplog without
// instantiating the guest. Submissions and the run loop both need it so a
// re-animated worker sees its durable queue before anything else happens.
func (w *Worker) ensureScanned(ctx context.Context) error {
	w.loadMu.Lock()
	defer w.loadMu.Unlock()
	return w.ensureScannedLocked(ctx)
}

func (w *Worker) ensureScannedLocked(ctx context.Context) error {
	if w.scanned {
		return nil
	}
	length, err := w.deps.Oplog.Length(ctx, w.key)
	if err != nil {
		return Errorf(KindOplogUnavailable, "length of %s: %v", w.key, err)
	}
	if length >= oplog.FirstIndex {
		w.appendMu.Lock()
		w.logEnd = length
		w.appendMu.Unlock()
		if err := w.scan(ctx, length); err != nil {
			return err
		}
	}
	w.scanned = true
	return nil
}

// ensureLoaded brings the in-memory instance up to date with the oplog tail:
// instantiate the component, roll back any uncommitted trailing atomic
// region, and re-execute the recorded invocations with every host call
// served from the log.
func (w *Worker) ensureLoaded(ctx context.Context) error {
	w.loadMu.Lock()
	defer w.loadMu.Unlock()
	if w.loaded {
		return nil
	}

	length, err := w.deps.Oplog.Length(ctx, w.key)
	if err != nil {
		return Errorf(KindOplogUnavailable, "length of %s: %v", w.key, err)
	}
	if length < oplog.FirstIndex {
		return Errorf(KindWorkerNotFound, "worker %s has no oplog", w.key)
	}
	w.appendMu.Lock()
	w.logEnd = length
	w.appendMu.Unlock()

	if err := w.ensureScannedLocked(ctx); err != nil {
		return err
	}
	if err := w.rollbackOpenAtomicRegion(ctx); err != nil {
		return err
	}

	snap, err := w.loadSnapshotRecord(ctx)
	if err != nil {
		return err
	}
	if err := w.instantiate(ctx, snap); err != nil {
		return err
	}

	from := oplog.FirstIndex
	if snap != nil {
		from = snap.Index + 1
	}
	w.appendMu.Lock()
	end := w.logEnd
	w.appendMu.Unlock()
	w.cursor = newReplayCursor(w.deps.Oplog, w.key, from, end, w.jumps)
	err = w.replayDriver(ctx)
	w.cursor = nil
	if err != nil {
		return err
	}
	w.loaded = true
	return nil
}

// instantiate compiles and instantiates the current component version,
// restoring the snapshot when one exists.
func (w *Worker) instantiate(ctx context.Context, snap *snapshotRecord) error {
	compiled, err := w.deps.Components.Get(ctx, w.id.Component, w.componentVersion)
	if err != nil {
		return err
	}
	inst, err := compiled.Instantiate(ctx, w, InstanceOptions{
		WorkerID: w.id,
		Args:     w.args,
		Env:      w.env,
		MaxFuel:  w.deps.Limiter.MaxFuel(),
	})
	if err != nil {
		return err
	}
	w.instance = inst
	if snap != nil {
		if _, err := w.invokeSnapshotFn(ctx, "load_snapshot", MustValues(string(snap.Data))); err != nil {
			return Errorf(KindTrap, "restore snapshot: %v", err)
		}
	}
	return nil
}

// invokeSnapshotFn calls a snapshot export with host calls disabled: the
// save/restore pair must be pure so it leaves no trace in the oplog.
func (w *Worker) invokeSnapshotFn(ctx context.Context, fn string, args ValueList) (ValueList, error) {
	w.snapshotMode = true
	defer func() { w.snapshotMode = false }()
	return w.instance.Invoke(ctx, fn, args)
}

func (w *Worker) loadSnapshotRecord(ctx context.Context) (*snapshotRecord, error) {
	data, ok, err := w.deps.Blobs.ReadBlob(ctx, w.key, snapshotBlobName)
	if err != nil {
		return nil, Errorf(KindOplogUnavailable, "read snapshot of %s: %v", w.key, err)
	}
	if !ok {
		return nil, nil
	}
	var snap snapshotRecord
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, Errorf(KindOplogUnavailable, "decode snapshot of %s: %v", w.key, err)
	}
	return &snap, nil
}

// scan walks the whole oplog once to rebuild queue state, metadata, retry
// policy, resource accounting and jump regions. Guest state is not touched
// here; that is the replay driver's job.
func (w *Worker) scan(ctx context.Context, length oplog.Index) error {
	w.jumps = nil
	w.mu.Lock()
	w.known = make(map[IdempotencyKey]*invocation)
	w.queue = nil
	w.inflight = nil
	w.failedUpd = nil
	w.succeededUpd = nil
	w.pendingUpd = nil
	w.mu.Unlock()
	pending := map[string]oplog.PendingWorkerInvocation{}
	var pendingOrder []string
	started := map[string]oplog.Index{}
	startedPayload := map[string]oplog.ExportedFunctionInvoked{}
	var startedOrder []string
	completedOf := map[oplog.Index][]byte{}
	var lastStart oplog.Index
	exited := false
	w.memoryUsed = 0

	for from := oplog.FirstIndex; from <= length; {
		entries, err := w.deps.Oplog.Read(ctx, w.key, from, cursorPageSize)
		if err != nil {
			return Errorf(KindOplogUnavailable, "read oplog of %s: %v", w.key, err)
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			switch p := e.Payload.(type) {
			case oplog.Create:
				w.account = AccountID(p.AccountID)
				w.componentVersion = p.ComponentVersion
				w.args = p.Args
				if p.Env != nil {
					w.env = p.Env
				}
				w.parent = p.Parent
				w.createdAt = e.Timestamp
			case oplog.PendingWorkerInvocation:
				if _, seen := pending[p.IdempotencyKey]; !seen {
					pending[p.IdempotencyKey] = p
					pendingOrder = append(pendingOrder, p.IdempotencyKey)
				}
			case oplog.ExportedFunctionInvoked:
				if _, seen := started[p.IdempotencyKey]; !seen {
					started[p.IdempotencyKey] = e.Index
					startedPayload[p.IdempotencyKey] = p
					startedOrder = append(startedOrder, p.IdempotencyKey)
				}
				lastStart = e.Index
			case oplog.ExportedFunctionCompleted:
				if lastStart != 0 {
					completedOf[lastStart] = p.Response
				}
			case oplog.ChangeRetryPolicy:
				w.retryPolicy = retryPolicyFromEntry(p)
			case oplog.GrowMemory:
				w.memoryUsed += p.Delta
			case oplog.CreateResource:
				if p.ResourceID >= w.nextResourceID {
					w.nextResourceID = p.ResourceID + 1
				}
			case oplog.Jump:
				w.jumps = append(w.jumps, p)
			case oplog.PendingUpdate:
				upd := p
				w.pendingUpd = &upd
			case oplog.SuccessfulUpdate:
				w.succeededUpd = append(w.succeededUpd, p)
				w.componentVersion = p.TargetVersion
				w.pendingUpd = nil
			case oplog.FailedUpdate:
				w.failedUpd = append(w.failedUpd, p)
				w.pendingUpd = nil
			case oplog.Exited:
				exited = true
			}
		}
		from = entries[len(entries)-1].Index + 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if exited {
		w.status = StatusExited
	}

	// Rebuild the dedup map and queue: completed invocations keep their
	// results, an in-flight one is resumed, the rest queue in submission
	// order.
	for _, key := range startedOrder {
		startIdx := started[key]
		p := startedPayload[key]
		inv := newInvocation(IdempotencyKey(key), p.FunctionName, p.Request, pending[key].AwaitResult)
		inv.startIndex = startIdx
		if resp, done := completedOf[startIdx]; done {
			inv.complete(resp, nil)
		} else {
			w.inflight = inv
		}
		w.known[inv.key] = inv
	}
	for _, key := range pendingOrder {
		if _, alreadyStarted := started[key]; alreadyStarted {
			continue
		}
		p := pending[key]
		inv := newInvocation(IdempotencyKey(key), p.FunctionName, p.Request, p.AwaitResult)
		w.known[inv.key] = inv
		w.queue = append(w.queue, inv)
	}
	return nil
}

// rollbackOpenAtomicRegion finds a trailing atomic region with no end and
// appends a Jump covering everything after its begin, durably discarding the
// uncommitted entries from replay. The begin entry itself stays so the
// re-executed atomic_begin consumes it and the region's contents are
// re-driven as a unit.
func (w *Worker) rollbackOpenAtomicRegion(ctx context.Context) error {
	w.appendMu.Lock()
	end := w.logEnd
	w.appendMu.Unlock()

	var openBegins []oplog.Index
	for from := oplog.FirstIndex; from <= end; {
		entries, err := w.deps.Oplog.Read(ctx, w.key, from, cursorPageSize)
		if err != nil {
			return Errorf(KindOplogUnavailable, "read oplog of %s: %v", w.key, err)
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			switch p := e.Payload.(type) {
			case oplog.BeginAtomicRegion:
				openBegins = append(openBegins, e.Index)
			case oplog.EndAtomicRegion:
				for i := len(openBegins) - 1; i >= 0; i-- {
					if openBegins[i] == p.BeginIndex {
						openBegins = openBegins[:i]
						break
					}
				}
			}
		}
		from = entries[len(entries)-1].Index + 1
	}
	if len(openBegins) == 0 {
		return nil
	}

	// The outermost open begin wins; nested opens sit inside the discarded
	// range and are subsumed.
	begin := openBegins[0]
	jump := oplog.Jump{Start: begin + 1, End: end + 1}
	if jump.Start >= jump.End {
		return nil
	}
	if _, err := w.append(ctx, jump); err != nil {
		return err
	}
	w.jumps = append(w.jumps, jump)
	return nil
}

// replayDriver re-executes recorded invocations from the cursor position,
// serving every host call from the log, until the log is exhausted.
func (w *Worker) replayDriver(ctx context.Context) error {
	for {
		e, ok, err := w.cursor.peek(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		switch p := e.Payload.(type) {
		case oplog.Create, oplog.Exited, oplog.Log:
			// Not part of any invocation's execution stream.
			w.cursor.take()
		case oplog.ExportedFunctionInvoked:
			w.cursor.take()
			inv := w.invocationForReplay(p, e.Index)
			if err := w.executeInvocation(ctx, inv); err != nil {
				return err
			}
			w.mu.Lock()
			parked := w.status == StatusSuspended || w.status == StatusRetrying ||
				w.status == StatusInterrupted || w.status.terminal()
			w.mu.Unlock()
			if parked {
				return nil
			}
		default:
			return divergence("invocation boundary", e)
		}
	}
}

// invocationForReplay finds or fabricates the in-memory invocation matching
// a recorded start entry.
func (w *Worker) invocationForReplay(p oplog.ExportedFunctionInvoked, start oplog.Index) *invocation {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := IdempotencyKey(p.IdempotencyKey)
	inv, ok := w.known[key]
	if !ok {
		inv = newInvocation(key, p.FunctionName, p.Request, false)
		w.known[key] = inv
	}
	inv.startIndex = start
	if !inv.completed() {
		w.inflight = inv
	}
	return inv
}

// runInvocation starts (or resumes) one invocation and executes it to an
// outcome: completion, suspension, retry scheduling or failure.
func (w *Worker) runInvocation(ctx context.Context, inv *invocation) {
	if inv.startIndex == 0 {
		idx, err := w.append(ctx, oplog.ExportedFunctionInvoked{
			FunctionName:   inv.function,
			Request:        inv.request,
			IdempotencyKey: string(inv.key),
		})
		if err != nil {
			w.fail(ctx, err)
			return
		}
		inv.startIndex = idx
	} else {
		// Resuming: consume the entries recorded by earlier attempts.
		w.appendMu.Lock()
		end := w.logEnd
		w.appendMu.Unlock()
		w.cursor = newReplayCursor(w.deps.Oplog, w.key, inv.startIndex+1, end, w.jumps)
	}
	err := w.executeInvocation(ctx, inv)
	w.cursor = nil
	if err != nil {
		w.fail(ctx, err)
	}
}

// executeInvocation drives the guest for one invocation. The cursor may be
// mid-log (replay/resume) or inactive (fresh live invocation). A non-nil
// return is fatal for the worker.
func (w *Worker) executeInvocation(ctx context.Context, inv *invocation) error {
	w.currentInvocationKey = inv.key
	w.writeSeq = 0
	w.atomicStack = w.atomicStack[:0]

	args, err := DecodeValues(inv.request)
	if err != nil {
		w.completeInvocation(ctx, inv, nil, Errorf(KindInvalidRequest, "decode request: %v", err))
		return nil
	}

	result, invokeErr := w.instance.Invoke(ctx, inv.function, args)

	var suspend *SuspendError
	switch {
	case invokeErr == nil:
		return w.finishInvocation(ctx, inv, result)
	case asErr(invokeErr, &suspend):
		return w.suspendInvocation(ctx, suspend)
	case IsKind(invokeErr, KindInterrupted):
		return w.interruptInvocation(ctx)
	case IsKind(invokeErr, KindReplayDivergence), IsKind(invokeErr, KindOplogUnavailable):
		return invokeErr
	case IsKind(invokeErr, KindOutOfMemory):
		return invokeErr
	case IsKind(invokeErr, KindInvalidRequest):
		// Invocation-level failure: the caller gets the error, the worker
		// survives.
		if _, err := w.append(ctx, oplog.Error{Detail: invokeErr.Error(), Attempt: w.attempt}); err != nil {
			return err
		}
		w.completeInvocation(ctx, inv, nil, invokeErr)
		return nil
	default:
		return w.retryOrFail(ctx, invokeErr)
	}
}

func (w *Worker) finishInvocation(ctx context.Context, inv *invocation, result ValueList) error {
	response, err := EncodeValues(result)
	if err != nil {
		return Errorf(KindTrap, "encode result: %v", err)
	}

	// A completion already recorded means this was a replay: consume and
	// verify instead of appending.
	if w.cursor.active() {
		e, ok, cerr := w.cursor.peek(ctx)
		if cerr != nil {
			return cerr
		}
		if ok {
			rec, isDone := e.Payload.(oplog.ExportedFunctionCompleted)
			if !isDone {
				return divergence("invocation completion", e)
			}
			if w.strictReplay && string(rec.Response) != string(response) {
				return Errorf(KindReplayDivergence, "invocation %s result diverged at index %d", inv.key, e.Index)
			}
			w.cursor.take()
			w.completeInvocation(ctx, inv, rec.Response, nil)
			return nil
		}
	}

	if _, err := w.append(ctx, oplog.ExportedFunctionCompleted{
		Response:     response,
		ConsumedFuel: w.instance.ConsumedFuel(),
	}); err != nil {
		return err
	}
	w.completeInvocation(ctx, inv, response, nil)
	return nil
}

func (w *Worker) completeInvocation(ctx context.Context, inv *invocation, response []byte, err error) {
	if !inv.completed() {
		inv.complete(response, err)
	}
	w.mu.Lock()
	if w.inflight == inv {
		w.inflight = nil
	}
	w.attempt = 0
	w.retryAt = time.Time{}
	w.wakeAt = time.Time{}
	w.suspendedOn = ""
	if !w.status.terminal() {
		w.setStatusLocked(ctx, StatusIdle)
	}
	w.mu.Unlock()
}

func (w *Worker) suspendInvocation(ctx context.Context, s *SuspendError) error {
	if _, err := w.append(ctx, oplog.Suspend{Reason: s.Reason, WakeAt: s.WakeAt}); err != nil {
		return err
	}
	w.mu.Lock()
	w.wakeAt = s.WakeAt
	w.suspendedOn = ""
	if after, ok := strings.CutPrefix(s.Reason, "promise "); ok {
		w.suspendedOn = after
	}
	suspendedOn := w.suspendedOn
	w.setStatusLocked(ctx, StatusSuspended)
	w.mu.Unlock()

	// Local wake on promise completion; completions arriving via RPC on the
	// owning executor land in the same registry and close the same channel.
	if suspendedOn != "" {
		if pid, err := ParsePromiseID(suspendedOn); err == nil {
			if ch, err := w.deps.Promises.Subscribe(ctx, pid); err == nil {
				go func() {
					select {
					case <-ch:
						w.kick()
					case <-w.stopCh:
					}
				}()
			}
		}
	}
	return nil
}

func (w *Worker) interruptInvocation(ctx context.Context) error {
	if _, err := w.append(ctx, oplog.Interrupted{}); err != nil {
		return err
	}
	w.interruptFlag.Store(false)
	w.mu.Lock()
	w.setStatusLocked(ctx, StatusInterrupted)
	w.mu.Unlock()
	if w.recoverImmediately.CompareAndSwap(true, false) {
		return w.Resume(ctx)
	}
	return nil
}

// retryOrFail applies the effective retry policy to a trappable failure. A
// non-nil return fails the worker.
func (w *Worker) retryOrFail(ctx context.Context, invokeErr error) error {
	w.mu.Lock()
	w.attempt++
	attempt := w.attempt
	policy := w.retryPolicy
	w.mu.Unlock()

	if _, err := w.append(ctx, oplog.Error{Detail: invokeErr.Error(), Attempt: attempt}); err != nil {
		return err
	}

	if retriable(invokeErr) && attempt < policy.MaxAttempts {
		delay := policy.Delay(attempt)
		w.mu.Lock()
		w.retryAt = w.deps.Clock().Add(delay)
		w.setStatusLocked(ctx, StatusRetrying)
		w.mu.Unlock()
		w.deps.Logger.Warn("invocation failed, retry scheduled",
			"worker", w.key, "attempt", attempt, "delay", delay, "error", invokeErr)
		return nil
	}

	// Retry budget spent; the Error entry above already records the cause.
	w.failNoRecord(ctx, invokeErr)
	return nil
}

// fail is the terminal error path: record, mark Failed, deliver the error to
// the in-flight caller.
func (w *Worker) fail(ctx context.Context, err error) {
	if !IsKind(err, KindOplogUnavailable) {
		_, _ = w.append(ctx, oplog.Error{Detail: err.Error(), Attempt: w.attempt})
	}
	w.failNoRecord(ctx, err)
}

// failNoRecord marks the worker Failed without writing another Error entry.
func (w *Worker) failNoRecord(ctx context.Context, err error) {
	w.deps.Logger.Error("worker failed", "worker", w.key, "error", err)
	w.mu.Lock()
	w.setStatusLocked(ctx, StatusFailed)
	inv := w.inflight
	w.inflight = nil
	w.mu.Unlock()
	if inv != nil && !inv.completed() {
		inv.complete(nil, err)
	}
}

// Interrupt requests a cooperative interruption, observed at the next host
// call. recoverImmediately schedules an automatic resume after the stop.
func (w *Worker) Interrupt(ctx context.Context, recoverImmediately bool) error {
	w.mu.Lock()
	status := w.status
	w.mu.Unlock()

	switch status {
	case StatusDeleted:
		return Errorf(KindWorkerNotFound, "worker %s is deleted", w.key)
	case StatusExited, StatusFailed:
		return Errorf(KindInvalidStatus, "worker %s is %s", w.key, status)
	case StatusRunning:
		w.recoverImmediately.Store(recoverImmediately)
		w.interruptFlag.Store(true)
		w.mu.Lock()
		w.setStatusLocked(ctx, StatusInterrupting)
		w.mu.Unlock()
		w.kick()
		return nil
	case StatusSuspended, StatusRetrying:
		// Parked: there is no frame to wait out; interrupt immediately.
		if _, err := w.append(ctx, oplog.Interrupted{}); err != nil {
			return err
		}
		w.mu.Lock()
		w.setStatusLocked(ctx, StatusInterrupted)
		w.mu.Unlock()
		if recoverImmediately {
			return w.Resume(ctx)
		}
		return nil
	default: // Idle, Interrupting, Interrupted
		return nil
	}
}

// Resume re-enters the queue-driven loop after an interruption or
// suspension.
func (w *Worker) Resume(ctx context.Context) error {
	w.mu.Lock()
	if w.status != StatusInterrupted && w.status != StatusSuspended {
		status := w.status
		w.mu.Unlock()
		return Errorf(KindInvalidStatus, "cannot resume worker in status %s", status)
	}
	w.mu.Unlock()
	if _, err := w.append(ctx, oplog.Resume{}); err != nil {
		return err
	}
	w.mu.Lock()
	if w.inflight != nil {
		w.setStatusLocked(ctx, StatusRunning)
	} else {
		w.setStatusLocked(ctx, StatusIdle)
	}
	w.mu.Unlock()
	w.kick()
	return nil
}

// Delete writes the terminal entry, tombstones the index row and removes the
// worker's durable state.
func (w *Worker) Delete(ctx context.Context) error {
	w.mu.Lock()
	if w.status == StatusDeleted {
		w.mu.Unlock()
		return nil
	}
	w.setStatusLocked(ctx, StatusDeleted)
	inv := w.inflight
	w.inflight = nil
	queue := w.queue
	w.queue = nil
	w.mu.Unlock()

	w.interruptFlag.Store(true)
	deleted := Errorf(KindWorkerNotFound, "worker %s deleted", w.key)
	if inv != nil && !inv.completed() {
		inv.complete(nil, deleted)
	}
	for _, q := range queue {
		if !q.completed() {
			q.complete(nil, deleted)
		}
	}

	if _, err := w.append(ctx, oplog.Exited{}); err != nil && !IsKind(err, KindOplogUnavailable) {
		return err
	}
	if err := w.deps.Index.Tombstone(ctx, w.key); err != nil {
		return Errorf(KindOplogUnavailable, "tombstone %s: %v", w.key, err)
	}
	if err := w.deps.Oplog.Delete(ctx, w.key); err != nil {
		return Errorf(KindOplogUnavailable, "delete oplog of %s: %v", w.key, err)
	}
	_ = w.deps.Promises.DeleteWorker(ctx, w.key)
	_ = w.deps.KV.DeleteWorker(ctx, w.key)
	_ = w.deps.Blobs.DeleteWorker(ctx, w.key)
	w.deps.Limiter.ReleaseMemory(w.account, w.memoryUsed)
	w.deps.Limiter.ReleaseWorker(w.account)
	return nil
}

// setStatusLocked transitions the status and pushes the hint to the index in
// the background. Caller holds mu.
func (w *Worker) setStatusLocked(ctx context.Context, s Status) {
	if w.status == s {
		return
	}
	w.status = s
	go w.persistHint(context.WithoutCancel(ctx), s)
}

func (w *Worker) persistHint(ctx context.Context, s Status) {
	_ = w.saveRecord(ctx)
	if h, ok := w.deps.Oplog.(interface {
		SetStatusHint(context.Context, string, string) error
	}); ok {
		_ = h.SetStatusHint(ctx, w.key, string(s))
	}
}

func (w *Worker) saveRecord(ctx context.Context) error {
	w.mu.Lock()
	rec := WorkerRecord{
		WorkerID:         w.key,
		ComponentVersion: w.componentVersion,
		AccountID:        w.account,
		CreatedAt:        w.createdAt,
		Parent:           w.parent,
		Status:           w.status,
		Deleted:          w.status == StatusDeleted,
	}
	w.mu.Unlock()
	w.appendMu.Lock()
	rec.LastOplogIndex = w.logEnd
	w.appendMu.Unlock()
	return w.deps.Index.Upsert(ctx, rec)
}

// Status returns the current lifecycle state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Pinned reports whether the worker must not be evicted: a synchronous
// caller is waiting, a retry fires soon, or live resources are open.
func (w *Worker) Pinned() bool {
	if w.hasAwaitWaiters() {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == StatusRunning || w.status == StatusInterrupting {
		return true
	}
	if w.status == StatusRetrying && time.Until(w.retryAt) < pinWindow {
		return true
	}
	return len(w.resources) > 0
}

// Subscribe attaches a ConnectWorker stream. The returned cancel detaches.
func (w *Worker) Subscribe() (<-chan LogEvent, func()) {
	ch := make(chan LogEvent, 64)
	w.mu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subscribers[id] = ch
	w.mu.Unlock()
	return ch, func() {
		w.mu.Lock()
		delete(w.subscribers, id)
		w.mu.Unlock()
	}
}

func (w *Worker) broadcast(e LogEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subscribers {
		select {
		case ch <- e:
		default: // slow consumer; drop
		}
	}
}

// Metadata assembles the worker's externally visible state.
func (w *Worker) Metadata() WorkerMetadata {
	w.appendMu.Lock()
	logEnd := w.logEnd
	w.appendMu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	md := WorkerMetadata{
		WorkerID:         w.id,
		AccountID:        w.account,
		Args:             w.args,
		Env:              w.env,
		ComponentVersion: w.componentVersion,
		CreatedAt:        w.createdAt,
		Parent:           w.parent,
		Status:           w.status,
		PendingCount:     len(w.queue),
		MemoryUsed:       w.memoryUsed,
		RetryPolicy:      w.retryPolicy,
	}
	if w.inflight != nil {
		md.PendingCount++
	}
	md.LastOplogIndex = logEnd
	for _, u := range w.failedUpd {
		md.FailedUpdates = append(md.FailedUpdates, FailedUpdateRecord{TargetVersion: u.TargetVersion, Details: u.Details})
	}
	for _, u := range w.succeededUpd {
		md.SuccessfulUpdates = append(md.SuccessfulUpdates, u.TargetVersion)
	}
	if w.pendingUpd != nil {
		md.PendingUpdate = &PendingUpdateRecord{TargetVersion: w.pendingUpd.TargetVersion, Mode: UpdateMode(w.pendingUpd.Mode)}
	}
	return md
}
