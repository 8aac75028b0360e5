package golem

import (
	"context"
	"time"

	"github.com/golemcloud/golem-core/oplog"
)

// KeyValueStore is the durable per-worker key-value container addressable
// from guests. Writes are classified WriteLocal and routed through the oplog
// by the host-call wrappers; the store itself only needs durability.
type KeyValueStore interface {
	Get(ctx context.Context, worker, key string) ([]byte, bool, error)
	Set(ctx context.Context, worker, key string, value []byte) error
	Delete(ctx context.Context, worker, key string) error
	Keys(ctx context.Context, worker, prefix string) ([]string, error)
	DeleteWorker(ctx context.Context, worker string) error
}

// BlobStore is the durable per-worker blob container.
type BlobStore interface {
	ReadBlob(ctx context.Context, worker, name string) ([]byte, bool, error)
	WriteBlob(ctx context.Context, worker, name string, data []byte) error
	DeleteBlob(ctx context.Context, worker, name string) error
	DeleteWorker(ctx context.Context, worker string) error
}

// WorkerRecord is one row of an executor's local index of hosted workers.
// The index is a cache over the oplog; the oplog stays authoritative.
type WorkerRecord struct {
	WorkerID         string      `json:"workerId"`
	ComponentVersion uint64      `json:"componentVersion"`
	AccountID        AccountID   `json:"accountId"`
	CreatedAt        time.Time   `json:"createdAt"`
	Parent           string      `json:"parent,omitempty"`
	Status           Status      `json:"status"`
	LastOplogIndex   oplog.Index `json:"lastOplogIndex"`
	Deleted          bool        `json:"deleted,omitempty"`
}

// WorkerIndex persists WorkerRecords. Tombstone marks a worker deleted while
// keeping the row so duplicate creates after delete are rejected.
type WorkerIndex interface {
	Upsert(ctx context.Context, rec WorkerRecord) error
	Get(ctx context.Context, worker string) (WorkerRecord, bool, error)
	List(ctx context.Context) ([]WorkerRecord, error)
	Tombstone(ctx context.Context, worker string) error
}
