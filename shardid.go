package golem

import (
	"encoding/binary"
	"fmt"
)

// DefaultNumberOfShards is the fixed shard-space size a cluster is created
// with unless configured otherwise.
const DefaultNumberOfShards = 1024

// ShardID is a partition of the worker identity space, in [0, N) for the
// cluster's fixed shard count N.
type ShardID int64

func (s ShardID) String() string { return fmt.Sprintf("<%d>", int64(s)) }

// ShardOf maps a worker to its shard. The hash splits the component UUID
// into two 64-bit halves, string-hashes the high half and the low half
// concatenated with the worker name, and packs the two 32-bit results; the
// shard is the absolute value modulo the shard count. This derivation is
// part of the platform contract: every router and executor must agree on it.
func ShardOf(w WorkerID, numberOfShards int) ShardID {
	h := hashWorkerID(w)
	if h < 0 {
		h = -h
	}
	return ShardID(h % int64(numberOfShards))
}

func hashWorkerID(w WorkerID) int64 {
	raw := w.Component.UUID
	highBits := int64(binary.BigEndian.Uint64(raw[0:8]))
	lowBits := int64(binary.BigEndian.Uint64(raw[8:16]))

	high := hashString(fmt.Sprint(highBits))
	low := hashString(fmt.Sprintf("%d%s", lowBits, w.Name))
	return (int64(high) << 32) | (int64(low) & 0xFFFFFFFF)
}

// hashString is the 31-multiplier string hash, kept bit-for-bit stable
// across implementations.
func hashString(s string) int32 {
	var hash int32
	for i := 0; i < len(s); i++ {
		hash = 31*hash + int32(s[i])
	}
	return hash
}
