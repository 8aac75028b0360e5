package golem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testWorker(name string) *Worker {
	return NewWorker(WorkerID{Component: NewComponentID(), Name: name}, Deps{})
}

func TestActiveSetEvictsOldestUnpinned(t *testing.T) {
	set, err := NewActiveSet(2)
	require.NoError(t, err)

	a, b, c := testWorker("a"), testWorker("b"), testWorker("c")
	require.Empty(t, set.Add("a", a))
	require.Empty(t, set.Add("b", b))

	evicted := set.Add("c", c)
	require.Len(t, evicted, 1)
	require.Same(t, a, evicted[0])
	require.Equal(t, 2, set.Len())

	_, ok := set.Get("a")
	require.False(t, ok)
}

func TestActiveSetHonorsPins(t *testing.T) {
	set, err := NewActiveSet(2)
	require.NoError(t, err)

	a, b, c := testWorker("a"), testWorker("b"), testWorker("c")
	// An open resource pins a worker.
	a.resources[1] = resourceInfo{name: "stream"}

	set.Add("a", a)
	set.Add("b", b)
	evicted := set.Add("c", c)

	require.Len(t, evicted, 1)
	require.Same(t, b, evicted[0], "the pinned worker is skipped")
	_, ok := set.Get("a")
	require.True(t, ok)
}

func TestActiveSetGetRefreshesRecency(t *testing.T) {
	set, err := NewActiveSet(2)
	require.NoError(t, err)

	a, b, c := testWorker("a"), testWorker("b"), testWorker("c")
	set.Add("a", a)
	set.Add("b", b)
	set.Get("a")

	evicted := set.Add("c", c)
	require.Len(t, evicted, 1)
	require.Same(t, b, evicted[0])
}
