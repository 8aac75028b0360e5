package shard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	golem "github.com/golemcloud/golem-core"
)

// ExecutorClient is the control-plane channel to executor nodes.
type ExecutorClient interface {
	AssignShards(ctx context.Context, addr string, ids []golem.ShardID) error
	RevokeShards(ctx context.Context, addr string, ids []golem.ShardID) error
}

// Persistence stores the controller's durable state (the registered node set
// and the last acknowledged map) so a restarted manager resumes without a
// reassignment storm.
type Persistence interface {
	SaveShardState(ctx context.Context, state []byte) error
	LoadShardState(ctx context.Context) ([]byte, bool, error)
}

// ControllerConfig tunes the shard-manager control loop.
type ControllerConfig struct {
	NumberOfShards int `yaml:"number_of_shards"`
	// RebalanceThreshold defers non-essential rebalances moving less than
	// this fraction of the shard space.
	RebalanceThreshold float64       `yaml:"rebalance_threshold"`
	HealthInterval     time.Duration `yaml:"health_interval"`
	// DeadAfter is the number of consecutive failed probes before a node is
	// declared dead. The first miss makes it suspect.
	DeadAfter        int           `yaml:"dead_after"`
	ApplyConcurrency int           `yaml:"apply_concurrency"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
}

// DefaultControllerConfig returns the platform defaults.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		NumberOfShards:     golem.DefaultNumberOfShards,
		RebalanceThreshold: 0.1,
		HealthInterval:     2 * time.Second,
		DeadAfter:          3,
		ApplyConcurrency:   8,
		AckTimeout:         5 * time.Second,
	}
}

type nodeHealth int

const (
	nodeHealthy nodeHealth = iota
	nodeSuspect
	nodeDead
)

type nodeState struct {
	Addr   string `json:"addr"`
	misses int
	health nodeHealth
}

type persistedState struct {
	Nodes     map[string]string        `json:"nodes"`
	Effective map[golem.ShardID]string `json:"effective"`
}

// Controller is the shard-manager control loop: it tracks membership and
// health, derives the intended map from the alive set, and drives executors
// toward it with revoke-before-assign ordering.
type Controller struct {
	cfg     ControllerConfig
	client  ExecutorClient
	health  HealthCheck
	persist Persistence
	logger  *slog.Logger

	mu        sync.Mutex
	nodes     map[string]*nodeState
	effective map[golem.ShardID]string
	version   uint64
}

// NewController assembles a controller. persist may be nil (state is then
// kept only in memory).
func NewController(cfg ControllerConfig, client ExecutorClient, health HealthCheck, persist Persistence, logger *slog.Logger) *Controller {
	if cfg.NumberOfShards <= 0 {
		cfg.NumberOfShards = golem.DefaultNumberOfShards
	}
	if cfg.DeadAfter <= 0 {
		cfg.DeadAfter = 3
	}
	if cfg.ApplyConcurrency <= 0 {
		cfg.ApplyConcurrency = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:       cfg,
		client:    client,
		health:    health,
		persist:   persist,
		logger:    logger,
		nodes:     make(map[string]*nodeState),
		effective: make(map[golem.ShardID]string),
	}
}

// Restore loads persisted membership and the last effective map.
func (c *Controller) Restore(ctx context.Context) error {
	if c.persist == nil {
		return nil
	}
	data, ok, err := c.persist.LoadShardState(ctx)
	if err != nil {
		return fmt.Errorf("load shard state: %w", err)
	}
	if !ok {
		return nil
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode shard state: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, addr := range state.Nodes {
		c.nodes[id] = &nodeState{Addr: addr}
	}
	if state.Effective != nil {
		c.effective = state.Effective
	}
	return nil
}

func (c *Controller) save(ctx context.Context) {
	if c.persist == nil {
		return
	}
	c.mu.Lock()
	state := persistedState{
		Nodes:     make(map[string]string, len(c.nodes)),
		Effective: make(map[golem.ShardID]string, len(c.effective)),
	}
	for id, n := range c.nodes {
		state.Nodes[id] = n.Addr
	}
	for shard, owner := range c.effective {
		state.Effective[shard] = owner
	}
	c.mu.Unlock()
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := c.persist.SaveShardState(ctx, data); err != nil {
		c.logger.Warn("persisting shard state failed", "error", err)
	}
}

// Register adds (or re-adds) an executor node.
func (c *Controller) Register(ctx context.Context, id, addr string) {
	c.mu.Lock()
	c.nodes[id] = &nodeState{Addr: addr}
	c.mu.Unlock()
	c.logger.Info("node registered", "node", id, "addr", addr)
	c.save(ctx)
}

// Deregister removes a node; its shards are reassigned on the next tick.
func (c *Controller) Deregister(ctx context.Context, id string) {
	c.mu.Lock()
	if n, ok := c.nodes[id]; ok {
		n.health = nodeDead
	}
	c.mu.Unlock()
	c.logger.Info("node deregistered", "node", id)
	c.save(ctx)
}

// Heartbeat resets a node's miss counter.
func (c *Controller) Heartbeat(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	if !ok {
		return false
	}
	n.misses = 0
	if n.health != nodeDead {
		n.health = nodeHealthy
	}
	return true
}

// RoutingTable snapshots the effective map for routers.
func (c *Controller) RoutingTable() RoutingTable {
	c.mu.Lock()
	defer c.mu.Unlock()
	shards := make(map[golem.ShardID]string, len(c.effective))
	for shard, owner := range c.effective {
		shards[shard] = owner
	}
	return RoutingTable{
		NumberOfShards: c.cfg.NumberOfShards,
		Shards:         shards,
		Version:        c.version,
	}
}

// Nodes lists registered node ids and their health, for inspection.
func (c *Controller) Nodes() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.nodes))
	for id, n := range c.nodes {
		switch n.health {
		case nodeHealthy:
			out[id] = "healthy"
		case nodeSuspect:
			out[id] = "suspect"
		default:
			out[id] = "dead"
		}
	}
	return out
}

// probe runs one health pass: first miss makes a node suspect, DeadAfter
// consecutive misses make it dead.
func (c *Controller) probe(ctx context.Context) {
	c.mu.Lock()
	targets := make(map[string]string, len(c.nodes))
	for id, n := range c.nodes {
		if n.health != nodeDead {
			targets[id] = n.Addr
		}
	}
	c.mu.Unlock()

	for id, addr := range targets {
		healthy := c.health.Check(ctx, addr)
		c.mu.Lock()
		n, ok := c.nodes[id]
		if !ok {
			c.mu.Unlock()
			continue
		}
		if healthy {
			n.misses = 0
			n.health = nodeHealthy
		} else {
			n.misses++
			if n.misses >= c.cfg.DeadAfter {
				n.health = nodeDead
				c.logger.Warn("node declared dead", "node", id, "misses", n.misses)
			} else {
				n.health = nodeSuspect
				c.logger.Warn("node suspect", "node", id, "misses", n.misses)
			}
		}
		c.mu.Unlock()
	}
}

// Tick runs one probe + reconcile round.
func (c *Controller) Tick(ctx context.Context) {
	c.probe(ctx)
	c.reconcile(ctx)
	c.save(ctx)
}

// Run ticks until the context is done.
func (c *Controller) Run(ctx context.Context) {
	interval := c.cfg.HealthInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// reconcile drives the effective map toward the intended one. Ordering
// guarantee: a shard's revoke is acknowledged (or its owner is dead) before
// its assign is issued, so a shard is never intentionally multiply-assigned;
// in between it is unassigned and routing to it fails fast.
func (c *Controller) reconcile(ctx context.Context) {
	c.mu.Lock()
	var alive []string
	dead := map[string]bool{}
	addrs := map[string]string{}
	anyUnhealthy := false
	for id, n := range c.nodes {
		addrs[id] = n.Addr
		switch n.health {
		case nodeDead:
			dead[id] = true
			anyUnhealthy = true
		case nodeSuspect:
			anyUnhealthy = true
			alive = append(alive, id)
		default:
			alive = append(alive, id)
		}
	}
	effective := make(map[golem.ShardID]string, len(c.effective))
	for shard, owner := range c.effective {
		effective[shard] = owner
	}
	c.mu.Unlock()

	sort.Strings(alive)
	if len(alive) == 0 {
		c.logger.Warn("no alive nodes; shard space is unassigned")
		return
	}

	// A dead owner is unassigned immediately: no revoke ack can arrive from
	// a dead node and waiting would serialize recovery behind a corpse.
	changed := false
	for shard, owner := range effective {
		if owner != Unassigned && dead[owner] {
			effective[shard] = Unassigned
			changed = true
		}
	}

	intended := Intended(alive, c.cfg.NumberOfShards)
	plan := Diff(intended, effective)

	essential := changed
	if !essential {
		for s := 0; s < c.cfg.NumberOfShards; s++ {
			if effective[golem.ShardID(s)] == Unassigned {
				essential = true
				break
			}
		}
	}
	moved := float64(plan.Moves()) / float64(c.cfg.NumberOfShards)
	if plan.Empty() {
		c.commitEffective(effective, changed)
		return
	}
	if !essential && !anyUnhealthy && moved < c.cfg.RebalanceThreshold {
		c.logger.Debug("rebalance deferred below threshold", "moved_fraction", moved)
		c.commitEffective(effective, changed)
		return
	}

	c.logger.Info("applying rebalance plan",
		"assigns", len(plan.Assign), "revokes", len(plan.Revoke), "moved_fraction", moved)
	c.apply(ctx, plan, intended, effective, addrs, dead)
}

func (c *Controller) commitEffective(effective map[golem.ShardID]string, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.effective = effective
	if changed {
		c.version++
	}
}

// apply executes the plan with bounded concurrency, one unit of work per
// destination shard, tolerating partial application (the next tick retries
// what is left).
func (c *Controller) apply(ctx context.Context, plan Plan, intended, effective map[golem.ShardID]string, addrs map[string]string, dead map[string]bool) {
	type move struct {
		shard golem.ShardID
		from  string
		to    string
	}
	var moves []move
	for shard, want := range intended {
		have := effective[shard]
		if have == want {
			continue
		}
		moves = append(moves, move{shard: shard, from: have, to: want})
	}
	sort.Slice(moves, func(i, j int) bool { return moves[i].shard < moves[j].shard })

	var mu sync.Mutex
	sem := make(chan struct{}, c.cfg.ApplyConcurrency)
	var wg sync.WaitGroup
	for _, m := range moves {
		wg.Add(1)
		sem <- struct{}{}
		go func(m move) {
			defer wg.Done()
			defer func() { <-sem }()

			callCtx := ctx
			if c.cfg.AckTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, c.cfg.AckTimeout)
				defer cancel()
			}

			if m.from != Unassigned && !dead[m.from] {
				if err := c.client.RevokeShards(callCtx, addrs[m.from], []golem.ShardID{m.shard}); err != nil {
					// Best effort failed and the owner is not declared dead:
					// leave the shard where it is and retry next tick.
					c.logger.Warn("revoke not acknowledged", "shard", m.shard, "from", m.from, "error", err)
					return
				}
			}
			mu.Lock()
			effective[m.shard] = Unassigned
			mu.Unlock()

			if err := c.client.AssignShards(callCtx, addrs[m.to], []golem.ShardID{m.shard}); err != nil {
				c.logger.Warn("assign not acknowledged", "shard", m.shard, "to", m.to, "error", err)
				return
			}
			mu.Lock()
			effective[m.shard] = m.to
			mu.Unlock()
		}(m)
	}
	wg.Wait()

	c.mu.Lock()
	c.effective = effective
	c.version++
	c.mu.Unlock()
}
