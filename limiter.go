package golem

import (
	"sync"
)

// ResourceLimits are per-account quotas enforced by the Limiter.
type ResourceLimits struct {
	// MaxMemory is the hard per-account memory ceiling in bytes.
	MaxMemory uint64 `yaml:"max_memory"`
	// SoftMemory denies growth above this watermark without failing the
	// worker.
	SoftMemory uint64 `yaml:"soft_memory"`
	// MaxFuelPerInvocation bounds guest computation per invocation.
	MaxFuelPerInvocation uint64 `yaml:"max_fuel_per_invocation"`
	// MaxWorkers bounds the number of known workers per account.
	MaxWorkers int `yaml:"max_workers"`
}

// DefaultResourceLimits returns generous development defaults.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemory:            1 << 30,
		SoftMemory:           768 << 20,
		MaxFuelPerInvocation: 10_000_000,
		MaxWorkers:           10_000,
	}
}

type accountUsage struct {
	memory  uint64
	workers int
}

// Limiter admits invocations and memory growth against per-account quotas.
// A hard memory breach is an OutOfMemory failure; a soft breach is a plain
// denial the guest can observe and handle.
type Limiter struct {
	limits ResourceLimits

	mu       sync.Mutex
	accounts map[AccountID]*accountUsage
}

// NewLimiter creates a limiter with the given quotas.
func NewLimiter(limits ResourceLimits) *Limiter {
	return &Limiter{
		limits:   limits,
		accounts: make(map[AccountID]*accountUsage),
	}
}

func (l *Limiter) usage(account AccountID) *accountUsage {
	u, ok := l.accounts[account]
	if !ok {
		u = &accountUsage{}
		l.accounts[account] = u
	}
	return u
}

// AdmitWorker admits creation of one more worker for the account.
func (l *Limiter) AdmitWorker(account AccountID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	u := l.usage(account)
	if l.limits.MaxWorkers > 0 && u.workers >= l.limits.MaxWorkers {
		return Errorf(KindWorkerCreationFailed, "account %s reached worker limit %d", account, l.limits.MaxWorkers)
	}
	u.workers++
	return nil
}

// ReleaseWorker returns a worker slot on delete.
func (l *Limiter) ReleaseWorker(account AccountID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u := l.usage(account)
	if u.workers > 0 {
		u.workers--
	}
}

// AdmitGrow admits a memory growth of delta bytes. The hard limit returns
// OutOfMemory (the worker fails); the soft limit returns false (growth is
// denied, the worker keeps running).
func (l *Limiter) AdmitGrow(account AccountID, delta uint64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u := l.usage(account)
	next := u.memory + delta
	if l.limits.MaxMemory > 0 && next > l.limits.MaxMemory {
		return false, Errorf(KindOutOfMemory, "account %s memory %d+%d exceeds hard limit %d", account, u.memory, delta, l.limits.MaxMemory)
	}
	if l.limits.SoftMemory > 0 && next > l.limits.SoftMemory {
		return false, nil
	}
	u.memory = next
	return true, nil
}

// RecordGrow applies historically admitted growth during replay without
// re-running admission.
func (l *Limiter) RecordGrow(account AccountID, delta uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.usage(account).memory += delta
}

// ReleaseMemory returns memory on worker eviction or delete.
func (l *Limiter) ReleaseMemory(account AccountID, bytes uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u := l.usage(account)
	if u.memory >= bytes {
		u.memory -= bytes
	} else {
		u.memory = 0
	}
}

// MaxFuel returns the per-invocation fuel budget.
func (l *Limiter) MaxFuel() uint64 {
	return l.limits.MaxFuelPerInvocation
}

// MemoryInUse reports the account's tracked memory.
func (l *Limiter) MemoryInUse(account AccountID) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usage(account).memory
}
