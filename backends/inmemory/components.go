package inmemory

import (
	"context"
	"fmt"
	"sync"

	golem "github.com/golemcloud/golem-core"
)

// ComponentStore holds component binaries in memory, keyed by id and
// version. It stands in for the external component service.
type ComponentStore struct {
	mu       sync.RWMutex
	binaries map[string]map[uint64][]byte
}

// NewComponentStore creates an empty component store.
func NewComponentStore() *ComponentStore {
	return &ComponentStore{binaries: make(map[string]map[uint64][]byte)}
}

// Upload registers a component version.
func (s *ComponentStore) Upload(id golem.ComponentID, version uint64, binary []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := id.String()
	if s.binaries[key] == nil {
		s.binaries[key] = make(map[uint64][]byte)
	}
	s.binaries[key][version] = append([]byte(nil), binary...)
}

func (s *ComponentStore) Download(ctx context.Context, id golem.ComponentID, version uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	binary, ok := s.binaries[id.String()][version]
	if !ok {
		return nil, fmt.Errorf("component %s version %d not found", id, version)
	}
	return binary, nil
}

func (s *ComponentStore) LatestVersion(ctx context.Context, id golem.ComponentID) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.binaries[id.String()]
	if !ok || len(versions) == 0 {
		return 0, fmt.Errorf("component %s not found", id)
	}
	var latest uint64
	for v := range versions {
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

// RemoteStub is a RemoteBackend for tests and local development. It records
// every applied idempotency key and deduplicates writes on it, the contract
// real targets must honor.
type RemoteStub struct {
	mu      sync.Mutex
	applied map[string][]byte
	reads   map[string][]byte

	// FailNext makes the next write return an error after recording nothing.
	FailNext bool
}

// NewRemoteStub creates an empty stub.
func NewRemoteStub() *RemoteStub {
	return &RemoteStub{
		applied: make(map[string][]byte),
		reads:   make(map[string][]byte),
	}
}

// SetReadResponse primes the response for a read target.
func (s *RemoteStub) SetReadResponse(target string, response []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads[target] = response
}

func (s *RemoteStub) Read(ctx context.Context, target string, request []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[target], nil
}

func (s *RemoteStub) Write(ctx context.Context, target string, request []byte, idempotencyKey string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext {
		s.FailNext = false
		return nil, fmt.Errorf("remote target %s unavailable", target)
	}
	if resp, done := s.applied[idempotencyKey]; done {
		return resp, nil
	}
	resp := []byte("ok:" + idempotencyKey)
	s.applied[idempotencyKey] = resp
	return resp, nil
}

// Applications returns how many distinct keys were effectively applied.
func (s *RemoteStub) Applications() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

// Applied reports whether the key was applied.
func (s *RemoteStub) Applied(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.applied[key]
	return ok
}
