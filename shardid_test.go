package golem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShardOfIsStableAndInRange(t *testing.T) {
	component := NewComponentID()
	for _, name := range []string{"a", "worker-1", "x/y", "長い名前"} {
		id := WorkerID{Component: component, Name: name}
		s1 := ShardOf(id, DefaultNumberOfShards)
		s2 := ShardOf(id, DefaultNumberOfShards)
		require.Equal(t, s1, s2)
		require.GreaterOrEqual(t, int64(s1), int64(0))
		require.Less(t, int64(s1), int64(DefaultNumberOfShards))
	}
}

func TestShardOfKnownValue(t *testing.T) {
	// Pin the derivation: routers and executors on different builds must
	// agree on it forever.
	component, err := ParseComponentID("00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	id := WorkerID{Component: component, Name: "w"}

	require.Equal(t, int32(0), hashString(""))
	require.Equal(t, int32('0'), hashString("0"))
	h := hashWorkerID(id)
	// high = hashString("0"), low = hashString("0w")
	expectedLow := int32(31*int32('0') + int32('w'))
	expected := (int64(int32('0')) << 32) | (int64(expectedLow) & 0xFFFFFFFF)
	require.Equal(t, expected, h)
}

func TestShardOfSpreadsWorkers(t *testing.T) {
	component := NewComponentID()
	seen := map[ShardID]bool{}
	for i := 0; i < 500; i++ {
		id := WorkerID{Component: component, Name: string(rune('a'+i%26)) + string(rune('0'+i%10)) + string(rune('A'+i%26))}
		seen[ShardOf(id, 64)] = true
	}
	// Not a balance proof, just a sanity check against a degenerate hash.
	require.Greater(t, len(seen), 16)
}

func TestWorkerIDRoundTrip(t *testing.T) {
	id := WorkerID{Component: NewComponentID(), Name: "orders"}
	parsed, err := ParseWorkerID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	_, err = ParseWorkerID("not-a-worker-id")
	require.Error(t, err)
}

func TestPromiseIDRoundTrip(t *testing.T) {
	pid := PromiseID{Worker: WorkerID{Component: NewComponentID(), Name: "w"}, Index: 42}
	parsed, err := ParsePromiseID(pid.String())
	require.NoError(t, err)
	require.Equal(t, pid, parsed)
}
