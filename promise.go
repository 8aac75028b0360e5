package golem

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/golemcloud/golem-core/oplog"
)

// PromiseID identifies a promise by the worker that created it and the oplog
// index of its creation entry.
type PromiseID struct {
	Worker WorkerID    `json:"workerId"`
	Index  oplog.Index `json:"oplogIndex"`
}

// String returns the canonical "componentId/name#index" form.
func (p PromiseID) String() string {
	return fmt.Sprintf("%s#%d", p.Worker, p.Index)
}

// ParsePromiseID parses the canonical form produced by String.
func ParsePromiseID(s string) (PromiseID, error) {
	worker, idx, ok := strings.Cut(s, "#")
	if !ok {
		return PromiseID{}, fmt.Errorf("invalid promise id %q", s)
	}
	wid, err := ParseWorkerID(worker)
	if err != nil {
		return PromiseID{}, err
	}
	n, err := strconv.ParseUint(idx, 10, 64)
	if err != nil {
		return PromiseID{}, fmt.Errorf("invalid promise id %q: %w", s, err)
	}
	return PromiseID{Worker: wid, Index: oplog.Index(n)}, nil
}

// PromiseRecord is the persisted state of one promise.
type PromiseRecord struct {
	ID        string `json:"id"`
	Worker    string `json:"worker"`
	Completed bool   `json:"completed"`
	Data      []byte `json:"data,omitempty"`
}

// PromiseStore persists promises alongside the worker. Complete returns false
// without modifying anything when the promise was already completed.
type PromiseStore interface {
	Put(ctx context.Context, rec PromiseRecord) error
	Get(ctx context.Context, id string) (PromiseRecord, bool, error)
	Complete(ctx context.Context, id string, data []byte) (bool, error)
	DeleteWorker(ctx context.Context, worker string) error
}

// Promises is the promise registry: durable one-shot values plus in-process
// wakeups for workers suspended on them.
type Promises struct {
	store PromiseStore

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// NewPromises wraps a PromiseStore into a registry.
func NewPromises(store PromiseStore) *Promises {
	return &Promises{
		store:   store,
		waiters: make(map[string][]chan struct{}),
	}
}

// Create registers a new pending promise.
func (p *Promises) Create(ctx context.Context, id PromiseID) error {
	return p.store.Put(ctx, PromiseRecord{
		ID:     id.String(),
		Worker: id.Worker.String(),
	})
}

// Get returns the current state of a promise.
func (p *Promises) Get(ctx context.Context, id PromiseID) (PromiseRecord, bool, error) {
	return p.store.Get(ctx, id.String())
}

// Complete durably completes a promise. The first completion wins and wakes
// every local waiter; the second returns false.
func (p *Promises) Complete(ctx context.Context, id PromiseID, data []byte) (bool, error) {
	first, err := p.store.Complete(ctx, id.String(), data)
	if err != nil {
		return false, err
	}
	if first {
		p.mu.Lock()
		for _, ch := range p.waiters[id.String()] {
			close(ch)
		}
		delete(p.waiters, id.String())
		p.mu.Unlock()
	}
	return first, nil
}

// Subscribe returns a channel closed when the promise completes. If it is
// already completed the channel is closed immediately.
func (p *Promises) Subscribe(ctx context.Context, id PromiseID) (<-chan struct{}, error) {
	ch := make(chan struct{})
	rec, ok, err := p.store.Get(ctx, id.String())
	if err != nil {
		return nil, err
	}
	if ok && rec.Completed {
		close(ch)
		return ch, nil
	}
	p.mu.Lock()
	p.waiters[id.String()] = append(p.waiters[id.String()], ch)
	p.mu.Unlock()
	return ch, nil
}

// DeleteWorker drops every promise owned by the worker.
func (p *Promises) DeleteWorker(ctx context.Context, worker string) error {
	p.mu.Lock()
	for id, chans := range p.waiters {
		if strings.HasPrefix(id, worker+"#") {
			for _, ch := range chans {
				close(ch)
			}
			delete(p.waiters, id)
		}
	}
	p.mu.Unlock()
	return p.store.DeleteWorker(ctx, worker)
}
