package shard

import (
	"testing"

	"github.com/stretchr/testify/require"

	golem "github.com/golemcloud/golem-core"
)

func TestIntendedAssignsEveryShardToExactlyOneNode(t *testing.T) {
	nodes := []string{"node-a", "node-b", "node-c", "node-d"}
	m := Intended(nodes, 1024)
	require.Len(t, m, 1024)
	owners := map[string]int{}
	for s := 0; s < 1024; s++ {
		owner := m[golem.ShardID(s)]
		require.Contains(t, nodes, owner)
		owners[owner]++
	}
	// Every node owns something.
	require.Len(t, owners, 4)
}

func TestIntendedIsDeterministic(t *testing.T) {
	nodes := []string{"b", "a", "c"}
	m1 := Intended(nodes, 256)
	m2 := Intended([]string{"c", "b", "a"}, 256)
	require.Equal(t, m1, m2, "placement is a pure function of the set")
}

func TestIntendedMovementBoundOnLeave(t *testing.T) {
	nodes := []string{"node-a", "node-b", "node-c", "node-d"}
	before := Intended(nodes, 1024)
	after := Intended([]string{"node-a", "node-c", "node-d"}, 1024)

	moved := 0
	ownedByB := 0
	for s := 0; s < 1024; s++ {
		shard := golem.ShardID(s)
		if before[shard] == "node-b" {
			ownedByB++
		}
		if before[shard] != after[shard] {
			moved++
			// Only shards the leaver owned may move.
			require.Equal(t, "node-b", before[shard])
		}
	}
	require.Equal(t, ownedByB, moved, "exactly the leaver's shards move")
	require.Less(t, moved, 512, "roughly shards/|nodes| shards move")
}

func TestIntendedMovementBoundOnJoin(t *testing.T) {
	before := Intended([]string{"node-a", "node-b", "node-c"}, 1024)
	after := Intended([]string{"node-a", "node-b", "node-c", "node-d"}, 1024)

	moved := 0
	for s := 0; s < 1024; s++ {
		shard := golem.ShardID(s)
		if before[shard] != after[shard] {
			moved++
			// Moves only toward the joiner.
			require.Equal(t, "node-d", after[shard])
		}
	}
	require.Less(t, moved, 512)
	require.Greater(t, moved, 0)
}

func TestDiffProducesMinimalPlan(t *testing.T) {
	intended := map[golem.ShardID]string{0: "a", 1: "b", 2: "a"}
	effective := map[golem.ShardID]string{0: "a", 1: "a", 2: Unassigned}

	plan := Diff(intended, effective)
	require.Equal(t, []golem.ShardID{1}, plan.Revoke["a"])
	require.Equal(t, []golem.ShardID{1}, plan.Assign["b"])
	require.Equal(t, []golem.ShardID{2}, plan.Assign["a"])
	require.Equal(t, 2, plan.Moves())
}

func TestEmptyAliveSet(t *testing.T) {
	require.Empty(t, Intended(nil, 16))
}
