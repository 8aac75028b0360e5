package golem

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lithammer/shortuuid/v4"

	"github.com/golemcloud/golem-core/oplog"
)

// ExecutorConfig sizes one executor node.
type ExecutorConfig struct {
	NumberOfShards int `yaml:"number_of_shards"`
	ActiveWorkers  int `yaml:"active_workers"`
}

// DefaultExecutorConfig returns development defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		NumberOfShards: DefaultNumberOfShards,
		ActiveWorkers:  256,
	}
}

// Executor hosts the live workers of the shards assigned to it. It is the
// unit the shard manager places shards onto and the target the router
// forwards invocations to.
type Executor struct {
	id     string
	cfg    ExecutorConfig
	deps   Deps
	active *ActiveSet
	logger *slog.Logger

	mu     sync.Mutex
	shards map[ShardID]struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewExecutor assembles an executor over the given engine services.
func NewExecutor(cfg ExecutorConfig, deps Deps) (*Executor, error) {
	if cfg.NumberOfShards <= 0 {
		cfg.NumberOfShards = DefaultNumberOfShards
	}
	active, err := NewActiveSet(cfg.ActiveWorkers)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		id:        shortuuid.New(),
		cfg:       cfg,
		deps:      deps,
		active:    active,
		logger:    logger,
		shards:    make(map[ShardID]struct{}),
		runCtx:    ctx,
		runCancel: cancel,
	}, nil
}

// ID is the executor's node identity.
func (e *Executor) ID() string { return e.id }

// Close stops every live worker.
func (e *Executor) Close() {
	e.runCancel()
	for _, key := range e.active.Keys() {
		if w, ok := e.active.Get(key); ok {
			w.Stop()
		}
	}
}

// AssignShards accepts ownership of the given shards.
func (e *Executor) AssignShards(ids []ShardID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		e.shards[id] = struct{}{}
	}
	e.logger.Info("shards assigned", "executor", e.id, "count", len(ids), "total", len(e.shards))
}

// RevokeShards releases ownership and stops the live workers that belonged
// to the revoked shards. Their durable state is untouched; the next owner
// re-animates them.
func (e *Executor) RevokeShards(ids []ShardID) {
	e.mu.Lock()
	for _, id := range ids {
		delete(e.shards, id)
	}
	e.mu.Unlock()

	for _, key := range e.active.Keys() {
		w, ok := e.active.Get(key)
		if !ok {
			continue
		}
		wid, err := ParseWorkerID(key)
		if err != nil {
			continue
		}
		shard := ShardOf(wid, e.cfg.NumberOfShards)
		revoked := false
		for _, id := range ids {
			if id == shard {
				revoked = true
				break
			}
		}
		if revoked {
			e.active.Remove(key)
			w.Stop()
		}
	}
	e.logger.Info("shards revoked", "executor", e.id, "count", len(ids))
}

// OwnedShards lists the shards this executor currently holds.
func (e *Executor) OwnedShards() []ShardID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ShardID, 0, len(e.shards))
	for id := range e.shards {
		out = append(out, id)
	}
	return out
}

// checkOwnership fails fast when a worker's shard is not held here, so the
// router refreshes its map and retries elsewhere.
func (e *Executor) checkOwnership(id WorkerID) error {
	shard := ShardOf(id, e.cfg.NumberOfShards)
	e.mu.Lock()
	_, owned := e.shards[shard]
	e.mu.Unlock()
	if !owned {
		return Errorf(KindWrongShard, "shard %s of worker %s is not assigned to executor %s", shard, id, e.id)
	}
	return nil
}

// CreateWorker explicitly creates a worker.
func (e *Executor) CreateWorker(ctx context.Context, id WorkerID, params CreateParams) error {
	if err := e.checkOwnership(id); err != nil {
		return err
	}
	w := NewWorker(id, e.deps)
	if err := w.Create(ctx, params); err != nil {
		return err
	}
	e.admit(id.String(), w)
	return nil
}

// worker returns the live instance, re-animating an evicted worker from its
// oplog. With createIfMissing the worker is created on first invocation at
// the component's latest version.
func (e *Executor) worker(ctx context.Context, id WorkerID, createIfMissing bool) (*Worker, error) {
	if err := e.checkOwnership(id); err != nil {
		return nil, err
	}
	key := id.String()
	if w, ok := e.active.Get(key); ok {
		return w, nil
	}

	length, err := e.deps.Oplog.Length(ctx, key)
	if err != nil {
		return nil, Errorf(KindOplogUnavailable, "length of %s: %v", key, err)
	}
	if length == 0 {
		if !createIfMissing {
			return nil, Errorf(KindWorkerNotFound, "worker %s not found", key)
		}
		version, err := e.deps.Components.store.LatestVersion(ctx, id.Component)
		if err != nil {
			return nil, Errorf(KindWorkerCreationFailed, "latest version of %s: %v", id.Component, err)
		}
		w := NewWorker(id, e.deps)
		if err := w.Create(ctx, CreateParams{ComponentVersion: version}); err != nil {
			return nil, err
		}
		e.admit(key, w)
		return w, nil
	}

	w := NewWorker(id, e.deps)
	e.admit(key, w)
	return w, nil
}

// admit starts the worker's loop and inserts it into the active set,
// stopping whoever got evicted to make room.
func (e *Executor) admit(key string, w *Worker) {
	w.Start(e.runCtx)
	w.kick()
	for _, victim := range e.active.Add(key, w) {
		e.logger.Debug("evicting idle worker", "worker", victim.key)
		victim.Stop()
	}
}

// InvokeAndAwait submits an invocation and blocks for its result.
func (e *Executor) InvokeAndAwait(ctx context.Context, id WorkerID, function string, args ValueList, key IdempotencyKey) (ValueList, error) {
	w, err := e.worker(ctx, id, true)
	if err != nil {
		return nil, err
	}
	request, err := EncodeValues(args)
	if err != nil {
		return nil, Errorf(KindInvalidRequest, "encode arguments: %v", err)
	}
	inv, err := w.Submit(ctx, function, request, key, true)
	if err != nil {
		return nil, err
	}
	response, err := inv.Await(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeValues(response)
}

// Invoke submits an invocation and returns once it is durably enqueued.
func (e *Executor) Invoke(ctx context.Context, id WorkerID, function string, args ValueList, key IdempotencyKey) error {
	w, err := e.worker(ctx, id, true)
	if err != nil {
		return err
	}
	request, err := EncodeValues(args)
	if err != nil {
		return Errorf(KindInvalidRequest, "encode arguments: %v", err)
	}
	_, err = w.Submit(ctx, function, request, key, false)
	return err
}

// Connect streams the worker's retained log tail followed by live events.
// The returned cancel function detaches the stream.
func (e *Executor) Connect(ctx context.Context, id WorkerID) (<-chan LogEvent, func(), error) {
	w, err := e.worker(ctx, id, false)
	if err != nil {
		return nil, nil, err
	}
	live, cancel := w.Subscribe()

	out := make(chan LogEvent, 64)
	go func() {
		defer close(out)
		// Retained tail first.
		length, err := e.deps.Oplog.Length(ctx, id.String())
		if err == nil {
			for from := oplog.FirstIndex; from <= length; {
				entries, err := e.deps.Oplog.Read(ctx, id.String(), from, cursorPageSize)
				if err != nil || len(entries) == 0 {
					break
				}
				for _, entry := range entries {
					if l, ok := entry.Payload.(oplog.Log); ok {
						out <- LogEvent{Timestamp: entry.Timestamp, Level: l.Level, Context: l.Context, Message: l.Message}
					}
				}
				from = entries[len(entries)-1].Index + 1
			}
		}
		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}

// DeleteWorker permanently destroys a worker.
func (e *Executor) DeleteWorker(ctx context.Context, id WorkerID) error {
	w, err := e.worker(ctx, id, false)
	if err != nil {
		return err
	}
	if err := w.Delete(ctx); err != nil {
		return err
	}
	e.active.Remove(id.String())
	w.Stop()
	return nil
}

// CompletePromise durably completes a promise and wakes its worker. Returns
// false when the promise was already completed.
func (e *Executor) CompletePromise(ctx context.Context, id PromiseID, data []byte) (bool, error) {
	if err := e.checkOwnership(id.Worker); err != nil {
		return false, err
	}
	first, err := e.deps.Promises.Complete(ctx, id, data)
	if err != nil {
		return false, err
	}
	if w, ok := e.active.Get(id.Worker.String()); ok {
		w.kick()
	}
	return first, nil
}

// InterruptWorker requests a cooperative interrupt.
func (e *Executor) InterruptWorker(ctx context.Context, id WorkerID, recoverImmediately bool) error {
	w, err := e.worker(ctx, id, false)
	if err != nil {
		return err
	}
	return w.Interrupt(ctx, recoverImmediately)
}

// ResumeWorker resumes an interrupted worker.
func (e *Executor) ResumeWorker(ctx context.Context, id WorkerID) error {
	w, err := e.worker(ctx, id, false)
	if err != nil {
		return err
	}
	return w.Resume(ctx)
}

// UpdateWorker requests an in-place component update.
func (e *Executor) UpdateWorker(ctx context.Context, id WorkerID, targetVersion uint64, mode UpdateMode) error {
	w, err := e.worker(ctx, id, false)
	if err != nil {
		return err
	}
	return w.RequestUpdate(ctx, targetVersion, mode)
}

// GetWorkerMetadata returns one worker's metadata.
func (e *Executor) GetWorkerMetadata(ctx context.Context, id WorkerID) (WorkerMetadata, error) {
	if err := e.checkOwnership(id); err != nil {
		return WorkerMetadata{}, err
	}
	key := id.String()
	if w, ok := e.active.Get(key); ok {
		return w.Metadata(), nil
	}
	rec, ok, err := e.deps.Index.Get(ctx, key)
	if err != nil {
		return WorkerMetadata{}, Errorf(KindOplogUnavailable, "index get %s: %v", key, err)
	}
	if !ok || rec.Deleted {
		return WorkerMetadata{}, Errorf(KindWorkerNotFound, "worker %s not found", key)
	}
	return metadataFromRecord(id, rec), nil
}

func metadataFromRecord(id WorkerID, rec WorkerRecord) WorkerMetadata {
	return WorkerMetadata{
		WorkerID:         id,
		AccountID:        rec.AccountID,
		ComponentVersion: rec.ComponentVersion,
		CreatedAt:        rec.CreatedAt,
		Parent:           rec.Parent,
		Status:           rec.Status,
		LastOplogIndex:   rec.LastOplogIndex,
	}
}

// GetRunningWorkersMetadata lists the currently live workers.
func (e *Executor) GetRunningWorkersMetadata(ctx context.Context) []WorkerMetadata {
	var out []WorkerMetadata
	for _, key := range e.active.Keys() {
		if w, ok := e.active.Get(key); ok {
			out = append(out, w.Metadata())
		}
	}
	return out
}

// GetWorkersMetadata lists hosted workers with cursor pagination and
// filtering. With precise the status is recomputed by loading (and thus
// replaying) each worker instead of trusting the cached hint; a worker that
// is mid-replay reports its post-replay status.
func (e *Executor) GetWorkersMetadata(ctx context.Context, cursor ScanCursor, count int, filter WorkerFilter, precise bool) ([]WorkerMetadata, ScanCursor, error) {
	records, err := e.deps.Index.List(ctx)
	if err != nil {
		return nil, "", Errorf(KindOplogUnavailable, "index list: %v", err)
	}
	byKey := make(map[string]WorkerRecord, len(records))
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.Deleted {
			continue
		}
		byKey[rec.WorkerID] = rec
		keys = append(keys, rec.WorkerID)
	}

	page, next := pageWorkers(keys, cursor, count)
	var out []WorkerMetadata
	for _, key := range page {
		id, err := ParseWorkerID(key)
		if err != nil {
			continue
		}
		var md WorkerMetadata
		if w, ok := e.active.Get(key); ok {
			md = w.Metadata()
		} else if precise {
			w, err := e.worker(ctx, id, false)
			if err != nil {
				md = metadataFromRecord(id, byKey[key])
			} else {
				md = w.Metadata()
			}
		} else {
			md = metadataFromRecord(id, byKey[key])
		}
		if filter.Matches(md) {
			out = append(out, md)
		}
	}
	return out, next, nil
}

// GetOplog reads a window of the worker's oplog for inspection.
func (e *Executor) GetOplog(ctx context.Context, id WorkerID, from oplog.Index, count int) ([]oplog.Entry, oplog.Index, error) {
	if err := e.checkOwnership(id); err != nil {
		return nil, 0, err
	}
	if from < oplog.FirstIndex {
		from = oplog.FirstIndex
	}
	entries, err := e.deps.Oplog.Read(ctx, id.String(), from, count)
	if err != nil {
		return nil, 0, Errorf(KindOplogUnavailable, "read oplog of %s: %v", id, err)
	}
	var next oplog.Index
	if len(entries) > 0 {
		length, err := e.deps.Oplog.Length(ctx, id.String())
		if err == nil && entries[len(entries)-1].Index < length {
			next = entries[len(entries)-1].Index + 1
		}
	}
	return entries, next, nil
}
