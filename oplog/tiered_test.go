package oplog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memPrimary and memArchive are minimal in-package fakes; the real backends
// are covered by the conformance suite.
type memPrimary struct {
	mu        sync.Mutex
	entries   map[string][]Entry
	manifests map[string]Manifest
}

func newMemPrimary() *memPrimary {
	return &memPrimary{entries: map[string][]Entry{}, manifests: map[string]Manifest{}}
}

func (p *memPrimary) Append(_ context.Context, worker string, entries []Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[worker] = append(p.entries[worker], entries...)
	return nil
}

func (p *memPrimary) Read(_ context.Context, worker string, from, to Index) ([]Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Entry
	for _, e := range p.entries[worker] {
		if e.Index >= from && e.Index <= to {
			out = append(out, e)
		}
	}
	return out, nil
}

func (p *memPrimary) FirstIndex(_ context.Context, worker string) (Index, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	es := p.entries[worker]
	if len(es) == 0 {
		return 0, false, nil
	}
	return es[0].Index, true, nil
}

func (p *memPrimary) LastIndex(_ context.Context, worker string) (Index, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	es := p.entries[worker]
	if len(es) == 0 {
		return 0, false, nil
	}
	return es[len(es)-1].Index, true, nil
}

func (p *memPrimary) TruncateAfter(_ context.Context, worker string, index Index) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var kept []Entry
	for _, e := range p.entries[worker] {
		if e.Index <= index {
			kept = append(kept, e)
		}
	}
	p.entries[worker] = kept
	return nil
}

func (p *memPrimary) DeleteRange(_ context.Context, worker string, from, to Index) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var kept []Entry
	for _, e := range p.entries[worker] {
		if e.Index < from || e.Index > to {
			kept = append(kept, e)
		}
	}
	p.entries[worker] = kept
	return nil
}

func (p *memPrimary) LoadManifest(_ context.Context, worker string) (Manifest, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.manifests[worker]
	return m, ok, nil
}

func (p *memPrimary) SaveManifest(_ context.Context, worker string, m Manifest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manifests[worker] = m
	return nil
}

func (p *memPrimary) ListWorkers(_ context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for w := range p.manifests {
		out = append(out, w)
	}
	return out, nil
}

func (p *memPrimary) DeleteWorker(_ context.Context, worker string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, worker)
	delete(p.manifests, worker)
	return nil
}

type memArchive struct {
	mu     sync.Mutex
	chunks map[string][]byte
	puts   int
}

func newMemArchive() *memArchive { return &memArchive{chunks: map[string][]byte{}} }

func (a *memArchive) key(worker string, chunk uint64) string {
	return fmt.Sprintf("%s/%d", worker, chunk)
}

func (a *memArchive) PutChunk(_ context.Context, worker string, chunk uint64, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.puts++
	a.chunks[a.key(worker, chunk)] = data
	return nil
}

func (a *memArchive) GetChunk(_ context.Context, worker string, chunk uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.chunks[a.key(worker, chunk)]
	if !ok {
		return nil, fmt.Errorf("chunk %d not archived", chunk)
	}
	return data, nil
}

func (a *memArchive) DeleteWorker(_ context.Context, worker string) error {
	return nil
}

func TestSealMovesChunksToArchive(t *testing.T) {
	ctx := context.Background()
	primary := newMemPrimary()
	archive := newMemArchive()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewTieredStore(primary, archive,
		WithChunkSize(4),
		WithArchiveAfter(time.Minute),
		WithClock(func() time.Time { return now }),
	)

	_, err := store.Append(ctx, "w", Create{})
	require.NoError(t, err)
	for i := 0; i < 9; i++ {
		_, err = store.Append(ctx, "w", NoOp{})
		require.NoError(t, err)
	}

	// Entries too fresh: nothing moves.
	require.NoError(t, store.SealOnce(ctx))
	require.Equal(t, 0, archive.puts)

	now = now.Add(2 * time.Minute)
	require.NoError(t, store.SealOnce(ctx))
	// 10 entries, chunk size 4: chunks 0 and 1 sealed, chunk 2 is the tail.
	require.Equal(t, 2, archive.puts)

	m, ok, err := primary.LoadManifest(ctx, "w")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), m.FirstLiveChunk)
	require.Equal(t, Index(10), m.LastIndex)

	// Sealed rows are gone from the primary.
	remaining, err := primary.Read(ctx, "w", 1, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	require.Equal(t, Index(9), remaining[0].Index)

	// Reads span both tiers and stay dense.
	entries, err := store.Read(ctx, "w", 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 10)
	for i, e := range entries {
		require.Equal(t, Index(i+1), e.Index)
	}

	// A second pass has nothing left to do.
	require.NoError(t, store.SealOnce(ctx))
	require.Equal(t, 2, archive.puts)

	// Appends continue normally after archival.
	idx, err := store.Append(ctx, "w", NoOp{})
	require.NoError(t, err)
	require.Equal(t, Index(11), idx)
}

func TestReadWindowAcrossTiers(t *testing.T) {
	ctx := context.Background()
	primary := newMemPrimary()
	archive := newMemArchive()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewTieredStore(primary, archive,
		WithChunkSize(2),
		WithArchiveAfter(time.Second),
		WithClock(func() time.Time { return now }),
	)

	_, err := store.Append(ctx, "w", Create{})
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		_, err = store.Append(ctx, "w", Log{Level: "info", Message: fmt.Sprint(i)})
		require.NoError(t, err)
	}
	now = now.Add(time.Hour)
	require.NoError(t, store.SealOnce(ctx))

	entries, err := store.Read(ctx, "w", 3, 4)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	require.Equal(t, Index(3), entries[0].Index)
	require.Equal(t, Index(6), entries[3].Index)
}

func TestTruncateAfterUpdatesManifest(t *testing.T) {
	ctx := context.Background()
	store := NewTieredStore(newMemPrimary(), nil, WithChunkSize(4))

	_, err := store.Append(ctx, "w", Create{})
	require.NoError(t, err)
	_, err = store.Append(ctx, "w", NoOp{}, NoOp{})
	require.NoError(t, err)

	require.NoError(t, store.TruncateAfter(ctx, "w", 1))
	length, err := store.Length(ctx, "w")
	require.NoError(t, err)
	require.Equal(t, Index(1), length)
}
