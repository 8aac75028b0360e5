package oplog

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	// DefaultChunkSize is the number of entries per chunk.
	DefaultChunkSize = 256
	// DefaultArchiveAfter is how old a sealed chunk's newest entry must be
	// before the chunk is moved to the archive tier.
	DefaultArchiveAfter = 15 * time.Minute
)

// TieredStore composes a primary tail-window tier and a compressed archive
// tier into one Store. Reads transparently span both tiers; a background
// archival pass moves sealed chunks out of the primary.
type TieredStore struct {
	primary      Primary
	archive      Archive
	chunkSize    uint64
	archiveAfter time.Duration
	now          Clock
	logger       *slog.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// TieredOption configures a TieredStore.
type TieredOption func(*TieredStore)

// WithChunkSize sets the entries-per-chunk limit.
func WithChunkSize(n uint64) TieredOption {
	return func(s *TieredStore) { s.chunkSize = n }
}

// WithArchiveAfter sets the minimum age of a sealed chunk before archival.
func WithArchiveAfter(d time.Duration) TieredOption {
	return func(s *TieredStore) { s.archiveAfter = d }
}

// WithClock overrides the timestamp source.
func WithClock(now Clock) TieredOption {
	return func(s *TieredStore) { s.now = now }
}

// WithLogger sets the logger used by the archival pass.
func WithLogger(l *slog.Logger) TieredOption {
	return func(s *TieredStore) { s.logger = l }
}

// NewTieredStore creates a Store over the given tiers. Passing a nil archive
// disables archival; everything stays in the primary.
func NewTieredStore(primary Primary, archive Archive, opts ...TieredOption) *TieredStore {
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	dec, _ := zstd.NewReader(nil)
	s := &TieredStore{
		primary:      primary,
		archive:      archive,
		chunkSize:    DefaultChunkSize,
		archiveAfter: DefaultArchiveAfter,
		now:          time.Now,
		logger:       slog.Default(),
		enc:          enc,
		dec:          dec,
		locks:        make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TieredStore) lock(worker string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[worker]
	if !ok {
		l = &sync.Mutex{}
		s.locks[worker] = l
	}
	return l
}

func (s *TieredStore) chunkOf(idx Index) uint64 {
	return (uint64(idx) - 1) / s.chunkSize
}

// Append durably appends the payloads in order and returns the index of the
// last one.
func (s *TieredStore) Append(ctx context.Context, worker string, payloads ...Payload) (Index, error) {
	if len(payloads) == 0 {
		return 0, fmt.Errorf("oplog: append without payloads")
	}
	l := s.lock(worker)
	l.Lock()
	defer l.Unlock()

	last, ok, err := s.primary.LastIndex(ctx, worker)
	if err != nil {
		return 0, err
	}
	if !ok {
		m, found, err := s.primary.LoadManifest(ctx, worker)
		if err != nil {
			return 0, err
		}
		if found {
			// Tail window fully archived; continue from the manifest.
			last = m.LastIndex
		}
	}

	now := s.now().UTC()
	entries := make([]Entry, len(payloads))
	for i, p := range payloads {
		entries[i] = Entry{Index: last + Index(i) + 1, Timestamp: now, Payload: p}
	}
	if err := s.primary.Append(ctx, worker, entries); err != nil {
		return 0, err
	}

	lastIdx := entries[len(entries)-1].Index
	m, _, err := s.primary.LoadManifest(ctx, worker)
	if err != nil {
		return 0, err
	}
	m.LastIndex = lastIdx
	if err := s.primary.SaveManifest(ctx, worker, m); err != nil {
		return 0, err
	}
	return lastIdx, nil
}

// Read returns up to count entries starting at from, spanning the archive
// tier when the range reaches below the primary tail window.
func (s *TieredStore) Read(ctx context.Context, worker string, from Index, count int) ([]Entry, error) {
	if from < FirstIndex {
		from = FirstIndex
	}
	length, err := s.Length(ctx, worker)
	if err != nil {
		return nil, err
	}
	if from > length {
		return nil, nil
	}
	to := length
	if count > 0 && from+Index(count)-1 < to {
		to = from + Index(count) - 1
	}

	m, _, err := s.primary.LoadManifest(ctx, worker)
	if err != nil {
		return nil, err
	}

	var out []Entry
	for idx := from; idx <= to; {
		chunk := s.chunkOf(idx)
		chunkEnd := Index((chunk + 1) * s.chunkSize)
		if chunkEnd > to {
			chunkEnd = to
		}
		if s.archive != nil && chunk < m.FirstLiveChunk {
			entries, err := s.readArchived(ctx, worker, chunk)
			if err != nil {
				return nil, err
			}
			for _, e := range entries {
				if e.Index >= idx && e.Index <= chunkEnd {
					out = append(out, e)
				}
			}
		} else {
			entries, err := s.primary.Read(ctx, worker, idx, chunkEnd)
			if err != nil {
				return nil, err
			}
			out = append(out, entries...)
		}
		idx = chunkEnd + 1
	}
	return out, nil
}

// Length returns the index of the newest entry, or 0 for an unknown worker.
func (s *TieredStore) Length(ctx context.Context, worker string) (Index, error) {
	m, ok, err := s.primary.LoadManifest(ctx, worker)
	if err != nil {
		return 0, err
	}
	if ok {
		return m.LastIndex, nil
	}
	last, found, err := s.primary.LastIndex(ctx, worker)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return last, nil
}

// TruncateAfter drops entries above index. Used only during startup recovery
// of torn trailing writes; archived chunks are never touched.
func (s *TieredStore) TruncateAfter(ctx context.Context, worker string, index Index) error {
	l := s.lock(worker)
	l.Lock()
	defer l.Unlock()

	if err := s.primary.TruncateAfter(ctx, worker, index); err != nil {
		return err
	}
	m, ok, err := s.primary.LoadManifest(ctx, worker)
	if err != nil {
		return err
	}
	if ok && m.LastIndex > index {
		m.LastIndex = index
		return s.primary.SaveManifest(ctx, worker, m)
	}
	return nil
}

// Delete removes every trace of the worker's oplog from both tiers.
func (s *TieredStore) Delete(ctx context.Context, worker string) error {
	l := s.lock(worker)
	l.Lock()
	defer l.Unlock()

	if s.archive != nil {
		if err := s.archive.DeleteWorker(ctx, worker); err != nil {
			return err
		}
	}
	return s.primary.DeleteWorker(ctx, worker)
}

// SetStatusHint records the last observed worker status in the manifest so a
// restarted executor can list workers without replaying them.
func (s *TieredStore) SetStatusHint(ctx context.Context, worker string, hint string) error {
	l := s.lock(worker)
	l.Lock()
	defer l.Unlock()

	m, _, err := s.primary.LoadManifest(ctx, worker)
	if err != nil {
		return err
	}
	m.StatusHint = hint
	return s.primary.SaveManifest(ctx, worker, m)
}

// StatusHint returns the recorded status hint, if any.
func (s *TieredStore) StatusHint(ctx context.Context, worker string) (string, error) {
	m, _, err := s.primary.LoadManifest(ctx, worker)
	if err != nil {
		return "", err
	}
	return m.StatusHint, nil
}

func (s *TieredStore) readArchived(ctx context.Context, worker string, chunk uint64) ([]Entry, error) {
	data, err := s.archive.GetChunk(ctx, worker, chunk)
	if err != nil {
		return nil, err
	}
	raw, err := s.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("oplog: decompress chunk %d of %s: %w", chunk, worker, err)
	}
	var entries []Entry
	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		e, err := Unmarshal(line)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *TieredStore) encodeChunk(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range entries {
		line, err := Marshal(e)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return s.enc.EncodeAll(buf.Bytes(), nil), nil
}

// SealOnce runs a single archival pass: every sealed chunk older than the
// threshold is copied to the archive, the manifest is advanced, and the
// primary rows are dropped. The copy-then-advance order makes a crashed pass
// harmless; re-uploading produces byte-identical objects.
func (s *TieredStore) SealOnce(ctx context.Context) error {
	if s.archive == nil {
		return nil
	}
	workers, err := s.primary.ListWorkers(ctx)
	if err != nil {
		return err
	}
	for _, worker := range workers {
		if err := s.sealWorker(ctx, worker); err != nil {
			s.logger.Warn("oplog archival failed", "worker", worker, "error", err)
		}
	}
	return nil
}

func (s *TieredStore) sealWorker(ctx context.Context, worker string) error {
	l := s.lock(worker)
	l.Lock()
	defer l.Unlock()

	m, ok, err := s.primary.LoadManifest(ctx, worker)
	if err != nil || !ok {
		return err
	}
	tailChunk := s.chunkOf(m.LastIndex)
	cutoff := s.now().Add(-s.archiveAfter)

	for chunk := m.FirstLiveChunk; chunk < tailChunk; chunk++ {
		from := Index(chunk*s.chunkSize + 1)
		to := Index((chunk + 1) * s.chunkSize)
		entries, err := s.primary.Read(ctx, worker, from, to)
		if err != nil {
			return err
		}
		if len(entries) != int(s.chunkSize) {
			return fmt.Errorf("oplog: chunk %d of %s is not dense: %d entries", chunk, worker, len(entries))
		}
		if entries[len(entries)-1].Timestamp.After(cutoff) {
			break
		}
		blob, err := s.encodeChunk(entries)
		if err != nil {
			return err
		}
		if err := s.archive.PutChunk(ctx, worker, chunk, blob); err != nil {
			return err
		}
		m.FirstLiveChunk = chunk + 1
		if err := s.primary.SaveManifest(ctx, worker, m); err != nil {
			return err
		}
		if err := s.primary.DeleteRange(ctx, worker, from, to); err != nil {
			return err
		}
		s.logger.Debug("archived oplog chunk", "worker", worker, "chunk", chunk)
	}
	return nil
}

// RunArchival runs archival passes at the given interval until ctx is done.
func (s *TieredStore) RunArchival(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SealOnce(ctx); err != nil {
				s.logger.Warn("oplog archival pass failed", "error", err)
			}
		}
	}
}
