package golem_test

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	golem "github.com/golemcloud/golem-core"
)

func TestStarlarkCompileAndInvoke(t *testing.T) {
	ctx := context.Background()
	runtime := golem.NewStarlarkRuntime()

	cc, err := runtime.Compile(ctx, []byte(`
def double(n):
    return n * 2

def greet(name):
    return "hello " + name
`))
	require.NoError(t, err)

	inst, err := cc.Instantiate(ctx, nil, golem.InstanceOptions{
		WorkerID: golem.WorkerID{Component: golem.NewComponentID(), Name: "w"},
	})
	require.NoError(t, err)

	out, err := inst.Invoke(ctx, "double", golem.MustValues(21))
	require.NoError(t, err)
	require.Equal(t, float64(42), out[0].GetNumberValue())

	out, err = inst.Invoke(ctx, "greet", golem.MustValues("golem"))
	require.NoError(t, err)
	require.Equal(t, "hello golem", out[0].GetStringValue())

	_, err = inst.Invoke(ctx, "missing", nil)
	require.True(t, golem.IsKind(err, golem.KindInvalidRequest))
}

func TestStarlarkCompileError(t *testing.T) {
	_, err := golem.NewStarlarkRuntime().Compile(context.Background(), []byte("def broken(:\n"))
	require.Error(t, err)
}

func TestStarlarkArtifactRoundTrip(t *testing.T) {
	ctx := context.Background()
	runtime := golem.NewStarlarkRuntime()

	source := []byte(`
def answer():
    return 42
`)
	cc, err := runtime.Compile(ctx, source)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, runtime.WriteArtifact(&buf, cc))

	restored, err := runtime.ReadArtifact(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, cc.Size(), restored.Size())

	inst, err := restored.Instantiate(ctx, nil, golem.InstanceOptions{})
	require.NoError(t, err)
	out, err := inst.Invoke(ctx, "answer", nil)
	require.NoError(t, err)
	require.Equal(t, float64(42), out[0].GetNumberValue())
}

// fakeComponentStore counts downloads and serves one fixed binary.
type fakeComponentStore struct {
	mu        sync.Mutex
	binary    []byte
	downloads int
}

func (f *fakeComponentStore) Download(ctx context.Context, id golem.ComponentID, version uint64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	return f.binary, nil
}

func (f *fakeComponentStore) LatestVersion(ctx context.Context, id golem.ComponentID) (uint64, error) {
	return 1, nil
}

// countingRuntime wraps the starlark runtime to observe compilations.
type countingRuntime struct {
	golem.ComponentRuntime
	compiles atomic.Int64
}

func (c *countingRuntime) Compile(ctx context.Context, binary []byte) (golem.CompiledComponent, error) {
	c.compiles.Add(1)
	return c.ComponentRuntime.Compile(ctx, binary)
}

func TestComponentCacheCompilesOnce(t *testing.T) {
	ctx := context.Background()
	store := &fakeComponentStore{binary: []byte("def run():\n    return 1\n")}
	runtime := &countingRuntime{ComponentRuntime: golem.NewStarlarkRuntime()}

	cache, err := golem.NewComponentCache(store, runtime, 4, "", 0)
	require.NoError(t, err)

	id := golem.NewComponentID()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Get(ctx, id, 1)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), runtime.compiles.Load(), "single-flight latch: at most one compile per content hash")
}

func TestComponentCacheDiskArtifacts(t *testing.T) {
	ctx := context.Background()
	store := &fakeComponentStore{binary: []byte("def run():\n    return 2\n")}
	dir := t.TempDir()

	runtime1 := &countingRuntime{ComponentRuntime: golem.NewStarlarkRuntime()}
	cache1, err := golem.NewComponentCache(store, runtime1, 4, dir, 1<<20)
	require.NoError(t, err)
	id := golem.NewComponentID()
	_, err = cache1.Get(ctx, id, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), runtime1.compiles.Load())

	// A fresh cache over the same directory loads the serialized artifact
	// instead of recompiling.
	runtime2 := &countingRuntime{ComponentRuntime: golem.NewStarlarkRuntime()}
	cache2, err := golem.NewComponentCache(store, runtime2, 4, dir, 1<<20)
	require.NoError(t, err)
	cc, err := cache2.Get(ctx, id, 1)
	require.NoError(t, err)
	require.Equal(t, int64(0), runtime2.compiles.Load())

	inst, err := cc.Instantiate(ctx, nil, golem.InstanceOptions{})
	require.NoError(t, err)
	out, err := inst.Invoke(ctx, "run", nil)
	require.NoError(t, err)
	require.Equal(t, float64(2), out[0].GetNumberValue())
}
