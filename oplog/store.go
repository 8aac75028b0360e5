package oplog

import (
	"context"
	"errors"
	"time"
)

// ErrWorkerNotFound reports a worker with no oplog. TieredStore does not
// return it: Read and Length of such a worker give no entries and 0.
var ErrWorkerNotFound = errors.New("oplog: worker not found")

// ErrNotAppendable reports an append to an oplog that ends in a terminal
// entry. TieredStore.Append does not check for terminal entries and does not
// return it.
var ErrNotAppendable = errors.New("oplog: log is terminal")

// Store is the oplog contract the engine programs against. Workers are keyed
// by their canonical string form ("<component-uuid>/<worker-name>").
//
// Append returns only once every entry is durable in the primary tier.
// Indices are assigned by the store: dense, strictly increasing, starting at
// FirstIndex. TruncateAfter exists solely for in-place recovery of torn
// trailing writes at startup; it must never be applied to committed entries.
type Store interface {
	Append(ctx context.Context, worker string, payloads ...Payload) (Index, error)
	Read(ctx context.Context, worker string, from Index, count int) ([]Entry, error)
	Length(ctx context.Context, worker string) (Index, error)
	TruncateAfter(ctx context.Context, worker string, index Index) error
	Delete(ctx context.Context, worker string) error
}

// Manifest is the per-worker chunk directory kept in the primary tier.
// Chunks below FirstLiveChunk have been sealed and moved to the archive.
type Manifest struct {
	FirstLiveChunk uint64 `json:"firstLiveChunk"`
	LastIndex      Index  `json:"lastIndex"`
	StatusHint     string `json:"statusHint,omitempty"`
}

// Primary is the low-latency tier holding the tail window of each oplog plus
// the manifests. Backends: sqlite, in-memory.
type Primary interface {
	Append(ctx context.Context, worker string, entries []Entry) error
	Read(ctx context.Context, worker string, from, to Index) ([]Entry, error)
	FirstIndex(ctx context.Context, worker string) (Index, bool, error)
	LastIndex(ctx context.Context, worker string) (Index, bool, error)
	TruncateAfter(ctx context.Context, worker string, index Index) error
	DeleteRange(ctx context.Context, worker string, from, to Index) error

	LoadManifest(ctx context.Context, worker string) (Manifest, bool, error)
	SaveManifest(ctx context.Context, worker string, m Manifest) error

	ListWorkers(ctx context.Context) ([]string, error)
	DeleteWorker(ctx context.Context, worker string) error
}

// Archive is the immutable compressed tier for sealed chunks. Backends:
// minio/S3, in-memory. PutChunk is idempotent; re-uploading a chunk must
// leave a byte-identical object.
type Archive interface {
	PutChunk(ctx context.Context, worker string, chunk uint64, data []byte) error
	GetChunk(ctx context.Context, worker string, chunk uint64) ([]byte, error)
	DeleteWorker(ctx context.Context, worker string) error
}

// Clock lets tests pin entry timestamps.
type Clock func() time.Time
