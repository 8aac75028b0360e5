package golem

import (
	"context"
	"encoding/json"

	"github.com/golemcloud/golem-core/oplog"
)

// UpdateMode selects the update protocol.
type UpdateMode string

const (
	// UpdateAutomatic restarts the worker on the new version and replays the
	// full oplog under it; divergence fails the update.
	UpdateAutomatic UpdateMode = "Automatic"
	// UpdateSnapshotBased captures guest state on the old version via the
	// component's save_snapshot export and loads it on the new version via
	// load_snapshot.
	UpdateSnapshotBased UpdateMode = "SnapshotBased"
)

// RequestUpdate records the update request. It is applied by the run loop
// the next time the worker is idle with nothing in flight; failure leaves
// the worker on its prior version.
func (w *Worker) RequestUpdate(ctx context.Context, targetVersion uint64, mode UpdateMode) error {
	if mode != UpdateAutomatic && mode != UpdateSnapshotBased {
		return Errorf(KindInvalidRequest, "unknown update mode %q", mode)
	}
	w.mu.Lock()
	if w.status.terminal() {
		status := w.status
		w.mu.Unlock()
		return Errorf(KindInvalidStatus, "cannot update worker in status %s", status)
	}
	if targetVersion <= w.componentVersion {
		current := w.componentVersion
		w.mu.Unlock()
		return Errorf(KindInvalidRequest, "target version %d is not newer than %d", targetVersion, current)
	}
	w.mu.Unlock()

	upd := oplog.PendingUpdate{TargetVersion: targetVersion, Mode: string(mode)}
	if _, err := w.append(ctx, upd); err != nil {
		return err
	}
	w.mu.Lock()
	w.pendingUpd = &upd
	w.mu.Unlock()
	w.kick()
	return nil
}

// applyUpdate runs one pending update to its Successful/FailedUpdate entry.
// Called from the run loop with the worker idle.
func (w *Worker) applyUpdate(ctx context.Context, upd oplog.PendingUpdate) {
	var err error
	switch UpdateMode(upd.Mode) {
	case UpdateSnapshotBased:
		err = w.applySnapshotUpdate(ctx, upd.TargetVersion)
	default:
		err = w.applyAutomaticUpdate(ctx, upd.TargetVersion)
	}
	if err != nil {
		w.deps.Logger.Warn("worker update failed",
			"worker", w.key, "target_version", upd.TargetVersion, "mode", upd.Mode, "error", err)
		failed := oplog.FailedUpdate{TargetVersion: upd.TargetVersion, Details: err.Error()}
		if _, aerr := w.append(ctx, failed); aerr != nil {
			w.fail(ctx, aerr)
			return
		}
		w.mu.Lock()
		w.failedUpd = append(w.failedUpd, failed)
		w.mu.Unlock()
		return
	}

	ok := oplog.SuccessfulUpdate{TargetVersion: upd.TargetVersion, NewSize: w.memoryUsed}
	if _, aerr := w.append(ctx, ok); aerr != nil {
		w.fail(ctx, aerr)
		return
	}
	w.mu.Lock()
	w.succeededUpd = append(w.succeededUpd, ok)
	w.mu.Unlock()
	_ = w.saveRecord(ctx)
	w.deps.Logger.Info("worker updated", "worker", w.key, "version", upd.TargetVersion, "mode", upd.Mode)
}

// applyAutomaticUpdate restarts the worker under the target version and
// attempts a full replay. Divergence reverts to the prior version.
func (w *Worker) applyAutomaticUpdate(ctx context.Context, targetVersion uint64) error {
	w.mu.Lock()
	oldVersion := w.componentVersion
	w.componentVersion = targetVersion
	w.mu.Unlock()

	w.resetInstance()
	err := w.ensureLoaded(ctx)
	if err == nil {
		return nil
	}

	// Replay under the new component diverged (or the component is broken):
	// revert and reload the old version.
	w.mu.Lock()
	w.componentVersion = oldVersion
	if w.status == StatusFailed {
		w.status = StatusIdle
	}
	w.mu.Unlock()
	w.resetInstance()
	if reloadErr := w.ensureLoaded(ctx); reloadErr != nil {
		w.fail(ctx, reloadErr)
		return Errorf(KindUpdateFailed, "replay under v%d failed (%v) and reload of v%d failed (%v)",
			targetVersion, err, oldVersion, reloadErr)
	}
	return Errorf(KindUpdateFailed, "replay under v%d: %v", targetVersion, err)
}

// applySnapshotUpdate captures state on the old version and installs it into
// a fresh instance of the new one.
func (w *Worker) applySnapshotUpdate(ctx context.Context, targetVersion uint64) error {
	if err := w.ensureLoaded(ctx); err != nil {
		return Errorf(KindUpdateFailed, "load current version: %v", err)
	}

	saved, err := w.invokeSnapshotFn(ctx, "save_snapshot", nil)
	if err != nil {
		return Errorf(KindUpdateFailed, "save_snapshot: %v", err)
	}
	var data []byte
	if len(saved) == 1 {
		data = []byte(saved[0].GetStringValue())
	}

	compiled, err := w.deps.Components.Get(ctx, w.id.Component, targetVersion)
	if err != nil {
		return Errorf(KindUpdateFailed, "fetch v%d: %v", targetVersion, err)
	}
	next, err := compiled.Instantiate(ctx, w, InstanceOptions{
		WorkerID: w.id,
		Args:     w.args,
		Env:      w.env,
		MaxFuel:  w.deps.Limiter.MaxFuel(),
	})
	if err != nil {
		return Errorf(KindUpdateFailed, "instantiate v%d: %v", targetVersion, err)
	}

	w.snapshotMode = true
	prev := w.instance
	w.instance = next
	_, err = next.Invoke(ctx, "load_snapshot", MustValues(string(data)))
	w.snapshotMode = false
	if err != nil {
		w.instance = prev
		return Errorf(KindUpdateFailed, "load_snapshot on v%d: %v", targetVersion, err)
	}

	w.appendMu.Lock()
	snapIndex := w.logEnd
	w.appendMu.Unlock()
	blob, err := json.Marshal(snapshotRecord{Version: targetVersion, Index: snapIndex, Data: data})
	if err != nil {
		w.instance = prev
		return Errorf(KindUpdateFailed, "encode snapshot: %v", err)
	}
	if err := w.deps.Blobs.WriteBlob(ctx, w.key, snapshotBlobName, blob); err != nil {
		w.instance = prev
		return Errorf(KindUpdateFailed, "persist snapshot: %v", err)
	}

	w.mu.Lock()
	w.componentVersion = targetVersion
	w.mu.Unlock()
	return nil
}

// resetInstance drops the in-memory instance so the next ensureLoaded
// replays from durable state.
func (w *Worker) resetInstance() {
	if w.instance != nil {
		_ = w.instance.Close()
	}
	w.instance = nil
	w.loaded = false
}
