// Package shard implements the placement layer: rendezvous-hash assignment
// of the fixed shard space onto executor nodes, the shard-manager control
// loop that reconciles it, and the worker-to-executor router.
package shard

import (
	"hash/fnv"
	"sort"

	golem "github.com/golemcloud/golem-core"
)

// Unassigned is the owner of a shard no alive node holds.
const Unassigned = ""

// RoutingTable is the shard → node mapping routers consume. Version bumps on
// every change so clients can cheaply detect staleness.
type RoutingTable struct {
	NumberOfShards int                      `json:"numberOfShards"`
	Shards         map[golem.ShardID]string `json:"shards"`
	Version        uint64                   `json:"version"`
}

// Lookup returns the owner of a shard, or Unassigned.
func (t RoutingTable) Lookup(id golem.ShardID) string {
	return t.Shards[id]
}

// rendezvousScore ranks node candidates for a shard. Highest score wins;
// equal scores break toward the lexicographically smaller node id.
func rendezvousScore(node string, shard golem.ShardID) uint64 {
	h := fnv.New64a()
	h.Write([]byte(node))
	h.Write([]byte{0})
	var buf [8]byte
	v := uint64(shard)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	h.Write(buf[:])
	return h.Sum64()
}

// Intended computes the pure rendezvous placement of every shard over the
// alive node set. The mapping is a function of the set alone: joins and
// leaves move only the shards whose maximum changed, which bounds movement
// to roughly shards/|nodes| per membership change.
func Intended(alive []string, numberOfShards int) map[golem.ShardID]string {
	out := make(map[golem.ShardID]string, numberOfShards)
	if len(alive) == 0 {
		return out
	}
	nodes := append([]string(nil), alive...)
	sort.Strings(nodes)
	for s := 0; s < numberOfShards; s++ {
		shard := golem.ShardID(s)
		best := nodes[0]
		bestScore := rendezvousScore(nodes[0], shard)
		for _, n := range nodes[1:] {
			score := rendezvousScore(n, shard)
			if score > bestScore {
				best, bestScore = n, score
			}
		}
		out[shard] = best
	}
	return out
}

// Plan is the set-difference between the intended and effective maps: per
// node, the shards to hand over and the shards to take away.
type Plan struct {
	Assign map[string][]golem.ShardID
	Revoke map[string][]golem.ShardID
}

// Moves counts how many shards change owner under the plan.
func (p Plan) Moves() int {
	n := 0
	for _, ids := range p.Assign {
		n += len(ids)
	}
	return n
}

// Empty reports whether the plan does nothing.
func (p Plan) Empty() bool {
	return len(p.Assign) == 0 && len(p.Revoke) == 0
}

// Diff computes the rebalance plan that turns effective into intended.
func Diff(intended, effective map[golem.ShardID]string) Plan {
	plan := Plan{
		Assign: make(map[string][]golem.ShardID),
		Revoke: make(map[string][]golem.ShardID),
	}
	for shard, want := range intended {
		have := effective[shard]
		if have == want {
			continue
		}
		if have != Unassigned {
			plan.Revoke[have] = append(plan.Revoke[have], shard)
		}
		if want != Unassigned {
			plan.Assign[want] = append(plan.Assign[want], shard)
		}
	}
	for node := range plan.Assign {
		sortShards(plan.Assign[node])
	}
	for node := range plan.Revoke {
		sortShards(plan.Revoke[node])
	}
	return plan
}

func sortShards(ids []golem.ShardID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
