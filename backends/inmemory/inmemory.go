// Package inmemory provides in-memory implementations of every store the
// engine needs. Suitable for tests, development and single-process
// deployments; all data is lost when the process exits.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	golem "github.com/golemcloud/golem-core"
	"github.com/golemcloud/golem-core/oplog"
)

// Primary is an in-memory oplog primary tier.
type Primary struct {
	mu        sync.RWMutex
	entries   map[string][]oplog.Entry
	manifests map[string]oplog.Manifest
}

// NewPrimary creates an empty primary tier.
func NewPrimary() *Primary {
	return &Primary{
		entries:   make(map[string][]oplog.Entry),
		manifests: make(map[string]oplog.Manifest),
	}
}

func (p *Primary) Append(ctx context.Context, worker string, entries []oplog.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	existing := p.entries[worker]
	if len(existing) > 0 {
		last := existing[len(existing)-1].Index
		if entries[0].Index != last+1 {
			return fmt.Errorf("non-contiguous append to %s: have %d, got %d", worker, last, entries[0].Index)
		}
	}
	p.entries[worker] = append(existing, entries...)
	return nil
}

func (p *Primary) Read(ctx context.Context, worker string, from, to oplog.Index) ([]oplog.Entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []oplog.Entry
	for _, e := range p.entries[worker] {
		if e.Index >= from && e.Index <= to {
			out = append(out, e)
		}
	}
	return out, nil
}

func (p *Primary) FirstIndex(ctx context.Context, worker string) (oplog.Index, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	es := p.entries[worker]
	if len(es) == 0 {
		return 0, false, nil
	}
	return es[0].Index, true, nil
}

func (p *Primary) LastIndex(ctx context.Context, worker string) (oplog.Index, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	es := p.entries[worker]
	if len(es) == 0 {
		return 0, false, nil
	}
	return es[len(es)-1].Index, true, nil
}

func (p *Primary) TruncateAfter(ctx context.Context, worker string, index oplog.Index) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	es := p.entries[worker]
	cut := len(es)
	for i, e := range es {
		if e.Index > index {
			cut = i
			break
		}
	}
	p.entries[worker] = es[:cut]
	return nil
}

func (p *Primary) DeleteRange(ctx context.Context, worker string, from, to oplog.Index) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var kept []oplog.Entry
	for _, e := range p.entries[worker] {
		if e.Index < from || e.Index > to {
			kept = append(kept, e)
		}
	}
	p.entries[worker] = kept
	return nil
}

func (p *Primary) LoadManifest(ctx context.Context, worker string) (oplog.Manifest, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.manifests[worker]
	return m, ok, nil
}

func (p *Primary) SaveManifest(ctx context.Context, worker string, m oplog.Manifest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manifests[worker] = m
	return nil
}

func (p *Primary) ListWorkers(ctx context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	seen := map[string]struct{}{}
	for w := range p.entries {
		seen[w] = struct{}{}
	}
	for w := range p.manifests {
		seen[w] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	sort.Strings(out)
	return out, nil
}

func (p *Primary) DeleteWorker(ctx context.Context, worker string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, worker)
	delete(p.manifests, worker)
	return nil
}

// Archive is an in-memory oplog archive tier.
type Archive struct {
	mu     sync.RWMutex
	chunks map[string][]byte
}

// NewArchive creates an empty archive tier.
func NewArchive() *Archive {
	return &Archive{chunks: make(map[string][]byte)}
}

func chunkKey(worker string, chunk uint64) string {
	return fmt.Sprintf("%s/%012d", worker, chunk)
}

func (a *Archive) PutChunk(ctx context.Context, worker string, chunk uint64, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chunks[chunkKey(worker, chunk)] = append([]byte(nil), data...)
	return nil
}

func (a *Archive) GetChunk(ctx context.Context, worker string, chunk uint64) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.chunks[chunkKey(worker, chunk)]
	if !ok {
		return nil, fmt.Errorf("chunk %d of %s not archived", chunk, worker)
	}
	return data, nil
}

func (a *Archive) DeleteWorker(ctx context.Context, worker string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.chunks {
		if strings.HasPrefix(key, worker+"/") {
			delete(a.chunks, key)
		}
	}
	return nil
}

// State implements the per-worker key-value and blob containers over plain
// maps.
type State struct {
	mu    sync.RWMutex
	kv    map[string]map[string][]byte
	blobs map[string]map[string][]byte
}

// NewState creates an empty state store.
func NewState() *State {
	return &State{
		kv:    make(map[string]map[string][]byte),
		blobs: make(map[string]map[string][]byte),
	}
}

func (s *State) Get(ctx context.Context, worker, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.kv[worker][key]
	return val, ok, nil
}

func (s *State) Set(ctx context.Context, worker, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kv[worker] == nil {
		s.kv[worker] = make(map[string][]byte)
	}
	s.kv[worker][key] = append([]byte(nil), value...)
	return nil
}

func (s *State) Delete(ctx context.Context, worker, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv[worker], key)
	return nil
}

func (s *State) Keys(ctx context.Context, worker, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.kv[worker] {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *State) DeleteWorker(ctx context.Context, worker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, worker)
	delete(s.blobs, worker)
	return nil
}

func (s *State) ReadBlob(ctx context.Context, worker, name string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[worker][name]
	return data, ok, nil
}

func (s *State) WriteBlob(ctx context.Context, worker, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blobs[worker] == nil {
		s.blobs[worker] = make(map[string][]byte)
	}
	s.blobs[worker][name] = append([]byte(nil), data...)
	return nil
}

func (s *State) DeleteBlob(ctx context.Context, worker, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs[worker], name)
	return nil
}

// PromiseStore keeps promise records in memory.
type PromiseStore struct {
	mu       sync.RWMutex
	promises map[string]golem.PromiseRecord
}

// NewPromiseStore creates an empty promise store.
func NewPromiseStore() *PromiseStore {
	return &PromiseStore{promises: make(map[string]golem.PromiseRecord)}
}

func (s *PromiseStore) Put(ctx context.Context, rec golem.PromiseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.promises[rec.ID]; exists {
		// Create-if-absent: a completed promise must not be reset by a
		// replayed creation.
		return nil
	}
	s.promises[rec.ID] = rec
	return nil
}

func (s *PromiseStore) Get(ctx context.Context, id string) (golem.PromiseRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.promises[id]
	return rec, ok, nil
}

func (s *PromiseStore) Complete(ctx context.Context, id string, data []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.promises[id]
	if !ok {
		return false, fmt.Errorf("promise %s not found", id)
	}
	if rec.Completed {
		return false, nil
	}
	rec.Completed = true
	rec.Data = append([]byte(nil), data...)
	s.promises[id] = rec
	return true, nil
}

func (s *PromiseStore) DeleteWorker(ctx context.Context, worker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.promises {
		if rec.Worker == worker {
			delete(s.promises, id)
		}
	}
	return nil
}

// WorkerIndex keeps the executor's local worker records in memory.
type WorkerIndex struct {
	mu      sync.RWMutex
	records map[string]golem.WorkerRecord
}

// NewWorkerIndex creates an empty index.
func NewWorkerIndex() *WorkerIndex {
	return &WorkerIndex{records: make(map[string]golem.WorkerRecord)}
}

func (s *WorkerIndex) Upsert(ctx context.Context, rec golem.WorkerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.WorkerID]; ok && existing.Deleted {
		return nil
	}
	s.records[rec.WorkerID] = rec
	return nil
}

func (s *WorkerIndex) Get(ctx context.Context, worker string) (golem.WorkerRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[worker]
	return rec, ok, nil
}

func (s *WorkerIndex) List(ctx context.Context) ([]golem.WorkerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]golem.WorkerRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (s *WorkerIndex) Tombstone(ctx context.Context, worker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[worker]
	rec.WorkerID = worker
	rec.Deleted = true
	s.records[worker] = rec
	return nil
}
