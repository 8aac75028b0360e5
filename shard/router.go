package shard

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	golem "github.com/golemcloud/golem-core"
)

// MapSource hands out routing tables (the shard manager's query-map RPC).
type MapSource interface {
	FetchRoutingTable(ctx context.Context) (RoutingTable, error)
}

// InvokerClient is the data-plane channel to executors.
type InvokerClient interface {
	InvokeAndAwait(ctx context.Context, addr string, id golem.WorkerID, function string, args golem.ValueList, key golem.IdempotencyKey) (golem.ValueList, error)
	Invoke(ctx context.Context, addr string, id golem.WorkerID, function string, args golem.ValueList, key golem.IdempotencyKey) error
}

// RouterConfig tunes redirect handling.
type RouterConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryMin    time.Duration `yaml:"retry_min"`
	RetryMax    time.Duration `yaml:"retry_max"`
	// NegativeTTL is how long a node stays in the dead-node cache.
	NegativeTTL time.Duration `yaml:"negative_ttl"`
}

// DefaultRouterConfig returns the platform defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		MaxAttempts: 5,
		RetryMin:    50 * time.Millisecond,
		RetryMax:    2 * time.Second,
		NegativeTTL: 10 * time.Second,
	}
}

// Router maps workers to executors: hash the worker id to a shard, look the
// shard up in the routing table, forward, and on redirect errors refetch the
// map and retry with capped attempts.
type Router struct {
	cfg    RouterConfig
	source MapSource
	client InvokerClient

	mu       sync.Mutex
	table    RoutingTable
	haveMap  bool
	negative *lru.Cache[string, time.Time]
}

// NewRouter creates a router over a map source and an executor client.
func NewRouter(cfg RouterConfig, source MapSource, client InvokerClient) (*Router, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	negative, err := lru.New[string, time.Time](128)
	if err != nil {
		return nil, err
	}
	return &Router{cfg: cfg, source: source, client: client, negative: negative}, nil
}

func (r *Router) refresh(ctx context.Context) error {
	table, err := r.source.FetchRoutingTable(ctx)
	if err != nil {
		return golem.Errorf(golem.KindUnavailable, "fetch routing table: %v", err)
	}
	r.mu.Lock()
	r.table = table
	r.haveMap = true
	r.mu.Unlock()
	return nil
}

// MarkDead puts a node into the negative cache.
func (r *Router) MarkDead(addr string) {
	r.negative.Add(addr, time.Now().Add(r.cfg.NegativeTTL))
}

func (r *Router) isDead(addr string) bool {
	until, ok := r.negative.Get(addr)
	if !ok {
		return false
	}
	if time.Now().After(until) {
		r.negative.Remove(addr)
		return false
	}
	return true
}

// Route resolves the current owner of a worker's shard.
func (r *Router) Route(ctx context.Context, id golem.WorkerID) (string, error) {
	r.mu.Lock()
	haveMap := r.haveMap
	r.mu.Unlock()
	if !haveMap {
		if err := r.refresh(ctx); err != nil {
			return "", err
		}
	}

	r.mu.Lock()
	table := r.table
	r.mu.Unlock()
	if table.NumberOfShards == 0 {
		return "", golem.Errorf(golem.KindNoAliveNodes, "routing table is empty")
	}
	shard := golem.ShardOf(id, table.NumberOfShards)
	addr := table.Lookup(shard)
	if addr == Unassigned {
		return "", golem.Errorf(golem.KindUnknownShard, "shard %s is unassigned", shard)
	}
	if r.isDead(addr) {
		return "", golem.Errorf(golem.KindUnavailable, "executor %s is in the dead-node cache", addr)
	}
	return addr, nil
}

// retriableRouting reports whether the failure warrants a map refresh and
// another attempt.
func retriableRouting(err error) bool {
	switch golem.KindOf(err) {
	case golem.KindUnknownShard, golem.KindWrongShard, golem.KindUnavailable:
		return true
	}
	return false
}

// do runs one routed call with redirect retries.
func (r *Router) do(ctx context.Context, id golem.WorkerID, call func(ctx context.Context, addr string) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryMin
	b.MaxInterval = r.cfg.RetryMax
	b.MaxElapsedTime = 0

	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return golem.Errorf(golem.KindUnavailable, "routing cancelled: %v", ctx.Err())
			case <-time.After(b.NextBackOff()):
			}
			if err := r.refresh(ctx); err != nil {
				lastErr = err
				continue
			}
		}

		addr, err := r.Route(ctx, id)
		if err != nil {
			lastErr = err
			if !retriableRouting(err) && !golem.IsKind(err, golem.KindUnknownShard) {
				return err
			}
			continue
		}

		err = call(ctx, addr)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retriableRouting(err) {
			return err
		}
		if golem.IsKind(err, golem.KindUnavailable) {
			r.MarkDead(addr)
		}
	}
	return lastErr
}

// InvokeAndAwait routes a synchronous invocation.
func (r *Router) InvokeAndAwait(ctx context.Context, id golem.WorkerID, function string, args golem.ValueList, key golem.IdempotencyKey) (golem.ValueList, error) {
	var result golem.ValueList
	err := r.do(ctx, id, func(ctx context.Context, addr string) error {
		res, err := r.client.InvokeAndAwait(ctx, addr, id, function, args, key)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

// Invoke routes a fire-and-forget invocation.
func (r *Router) Invoke(ctx context.Context, id golem.WorkerID, function string, args golem.ValueList, key golem.IdempotencyKey) error {
	return r.do(ctx, id, func(ctx context.Context, addr string) error {
		return r.client.Invoke(ctx, addr, id, function, args, key)
	})
}
