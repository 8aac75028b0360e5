package golem

import (
	"encoding/base64"
	"sort"
	"strings"
	"time"

	"github.com/golemcloud/golem-core/oplog"
)

// FailedUpdateRecord is one failed update attempt kept in the metadata.
type FailedUpdateRecord struct {
	TargetVersion uint64 `json:"targetVersion"`
	Details       string `json:"details,omitempty"`
}

// PendingUpdateRecord is an update accepted but not yet applied.
type PendingUpdateRecord struct {
	TargetVersion uint64     `json:"targetVersion"`
	Mode          UpdateMode `json:"mode"`
}

// WorkerMetadata is the externally visible description of a worker.
type WorkerMetadata struct {
	WorkerID          WorkerID             `json:"workerId"`
	AccountID         AccountID            `json:"accountId"`
	Args              []string             `json:"args,omitempty"`
	Env               map[string]string    `json:"env,omitempty"`
	ComponentVersion  uint64               `json:"componentVersion"`
	CreatedAt         time.Time            `json:"createdAt"`
	Parent            string               `json:"parent,omitempty"`
	Status            Status               `json:"status"`
	LastOplogIndex    oplog.Index          `json:"lastOplogIndex"`
	PendingCount      int                  `json:"pendingInvocationCount"`
	MemoryUsed        uint64               `json:"memoryUsed"`
	RetryPolicy       RetryPolicy          `json:"retryPolicy"`
	FailedUpdates     []FailedUpdateRecord `json:"failedUpdates,omitempty"`
	SuccessfulUpdates []uint64             `json:"successfulUpdates,omitempty"`
	PendingUpdate     *PendingUpdateRecord `json:"pendingUpdate,omitempty"`
}

// WorkerFilter is the AND of its non-zero conditions.
type WorkerFilter struct {
	NamePrefix string  `json:"namePrefix,omitempty"`
	Status     Status  `json:"status,omitempty"`
	MinVersion *uint64 `json:"minVersion,omitempty"`
	MaxVersion *uint64 `json:"maxVersion,omitempty"`
}

// Matches applies the filter to one metadata record.
func (f WorkerFilter) Matches(md WorkerMetadata) bool {
	if f.NamePrefix != "" && !strings.HasPrefix(md.WorkerID.Name, f.NamePrefix) {
		return false
	}
	if f.Status != "" && md.Status != f.Status {
		return false
	}
	if f.MinVersion != nil && md.ComponentVersion < *f.MinVersion {
		return false
	}
	if f.MaxVersion != nil && md.ComponentVersion > *f.MaxVersion {
		return false
	}
	return true
}

// ScanCursor is an opaque pagination token: the canonical key of the last
// worker returned.
type ScanCursor string

// EncodeCursor builds the wire form of a cursor.
func EncodeCursor(lastKey string) ScanCursor {
	if lastKey == "" {
		return ""
	}
	return ScanCursor(base64.RawURLEncoding.EncodeToString([]byte(lastKey)))
}

// DecodeCursor is the inverse of EncodeCursor; an empty or malformed cursor
// restarts the scan.
func DecodeCursor(c ScanCursor) string {
	if c == "" {
		return ""
	}
	data, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return ""
	}
	return string(data)
}

// pageWorkers applies cursor pagination over keys sorted lexicographically.
func pageWorkers(keys []string, cursor ScanCursor, count int) (page []string, next ScanCursor) {
	sort.Strings(keys)
	after := DecodeCursor(cursor)
	start := 0
	if after != "" {
		start = sort.SearchStrings(keys, after)
		if start < len(keys) && keys[start] == after {
			start++
		}
	}
	if count <= 0 {
		count = 50
	}
	end := start + count
	if end > len(keys) {
		end = len(keys)
	}
	page = keys[start:end]
	if end < len(keys) && len(page) > 0 {
		next = EncodeCursor(page[len(page)-1])
	}
	return page, next
}
