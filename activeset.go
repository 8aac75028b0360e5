package golem

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ActiveSet bounds the number of live worker instances on an executor. It is
// an LRU over worker keys; eviction skips pinned workers (outstanding
// synchronous invocations, imminent retries, open resources). An evicted
// worker persists only as its oplog and is re-animated by replay on the next
// touch.
type ActiveSet struct {
	capacity int

	mu      sync.Mutex
	recency *lru.Cache[string, *Worker]
}

// NewActiveSet creates a set holding at most capacity live instances.
func NewActiveSet(capacity int) (*ActiveSet, error) {
	if capacity <= 0 {
		capacity = 256
	}
	// The LRU tracks recency only; eviction is decided in Add so pinning can
	// be honored. Give it headroom so it never evicts behind our back.
	recency, err := lru.New[string, *Worker](capacity * 2)
	if err != nil {
		return nil, err
	}
	return &ActiveSet{capacity: capacity, recency: recency}, nil
}

// Get returns the live instance and refreshes its recency.
func (s *ActiveSet) Get(key string) (*Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recency.Get(key)
}

// Add inserts a live instance, evicting the least recently used unpinned
// workers as needed. The evicted instances are returned stopped-pending: the
// caller stops their run loops.
func (s *ActiveSet) Add(key string, w *Worker) []*Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recency.Add(key, w)

	var evicted []*Worker
	for s.recency.Len() > s.capacity {
		victim, ok := s.oldestUnpinned()
		if !ok {
			break
		}
		if wk, found := s.recency.Peek(victim); found {
			evicted = append(evicted, wk)
		}
		s.recency.Remove(victim)
	}
	return evicted
}

// oldestUnpinned scans recency order (oldest first) for an evictable worker.
// Caller holds mu.
func (s *ActiveSet) oldestUnpinned() (string, bool) {
	for _, key := range s.recency.Keys() {
		w, ok := s.recency.Peek(key)
		if !ok {
			continue
		}
		if !w.Pinned() {
			return key, true
		}
	}
	return "", false
}

// Remove drops a worker from the set without stopping it.
func (s *ActiveSet) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recency.Remove(key)
}

// Keys lists the live worker keys, oldest first.
func (s *ActiveSet) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recency.Keys()
}

// Len reports the number of live instances.
func (s *ActiveSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recency.Len()
}
