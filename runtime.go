package golem

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"
)

// Host is the set of host capabilities a guest instance can reach. Every
// method is a potential suspension point; the engine's durability wrappers
// implement this interface and are the only implementation guests ever see.
type Host interface {
	KVGet(ctx context.Context, key string) ([]byte, bool, error)
	KVSet(ctx context.Context, key string, value []byte) error
	KVDelete(ctx context.Context, key string) error
	KVKeys(ctx context.Context, prefix string) ([]string, error)

	BlobRead(ctx context.Context, name string) ([]byte, bool, error)
	BlobWrite(ctx context.Context, name string, data []byte) error

	PromiseCreate(ctx context.Context) (string, error)
	PromiseAwait(ctx context.Context, id string) ([]byte, error)
	PromisePoll(ctx context.Context, id string) ([]byte, bool, error)
	PromiseComplete(ctx context.Context, id string, data []byte) (bool, error)

	Now(ctx context.Context) (time.Time, error)
	RandInt(ctx context.Context, max int64) (int64, error)
	Sleep(ctx context.Context, d time.Duration) error
	EnvVar(ctx context.Context, name string) (string, error)

	RemoteRead(ctx context.Context, target string, request []byte) ([]byte, error)
	RemoteWrite(ctx context.Context, target string, request []byte) ([]byte, error)
	RemoteWriteBatch(ctx context.Context, target string, requests [][]byte) ([][]byte, error)

	AtomicBegin(ctx context.Context) error
	AtomicEnd(ctx context.Context) error

	GrowMemory(ctx context.Context, delta uint64) (bool, error)

	ResourceCreate(ctx context.Context, name string, params []byte) (uint64, error)
	ResourceDescribe(ctx context.Context, id uint64, name string, params []byte) error
	ResourceDrop(ctx context.Context, id uint64) error

	SetRetryPolicy(ctx context.Context, p RetryPolicy) error
	Log(ctx context.Context, level, message string) error
}

// RemoteBackend performs the actual external reads and writes behind the
// durability wrappers. Writes must honor the idempotency key: a key already
// applied is acknowledged without a second application.
type RemoteBackend interface {
	Read(ctx context.Context, target string, request []byte) ([]byte, error)
	Write(ctx context.Context, target string, request []byte, idempotencyKey string) ([]byte, error)
}

// SuspendError unwinds the guest stack when execution cannot proceed: the
// awaited promise is pending, or a durable sleep has not elapsed. The worker
// records a Suspend entry and parks; WakeAt is set for sleeps.
type SuspendError struct {
	Reason string
	WakeAt time.Time
}

func (e *SuspendError) Error() string {
	if e.WakeAt.IsZero() {
		return "suspended: " + e.Reason
	}
	return fmt.Sprintf("suspended until %s: %s", e.WakeAt.Format(time.RFC3339), e.Reason)
}

// InstanceOptions carry the per-worker environment into instantiation.
type InstanceOptions struct {
	WorkerID WorkerID
	Args     []string
	Env      map[string]string
	MaxFuel  uint64
}

// Instance is one live instantiation of a compiled component.
type Instance interface {
	// Invoke calls an exported function. At most one frame per worker runs
	// at any instant; the engine enforces this by construction.
	Invoke(ctx context.Context, function string, args ValueList) (ValueList, error)
	// ConsumedFuel reports the fuel spent by the most recent Invoke.
	ConsumedFuel() uint64
	Close() error
}

// CompiledComponent is a compiled, instantiable component.
type CompiledComponent interface {
	Size() uint64
	Instantiate(ctx context.Context, host Host, opts InstanceOptions) (Instance, error)
}

// ComponentRuntime compiles component binaries and round-trips compiled
// artifacts for the disk cache.
type ComponentRuntime interface {
	CompilerVersion() string
	Compile(ctx context.Context, binary []byte) (CompiledComponent, error)
	WriteArtifact(w io.Writer, cc CompiledComponent) error
	ReadArtifact(r io.Reader) (CompiledComponent, error)
}

// fuelExhausted recognizes the runtime's computation-cancelled error.
func fuelExhausted(err error) bool {
	return err != nil && strings.Contains(err.Error(), "too many steps")
}

// artifactHeader prefixes serialized artifacts with the source size, which is
// not recoverable from the compiled form.
func writeArtifactHeader(w io.Writer, size uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], size)
	_, err := w.Write(buf[:])
	return err
}

func readArtifactHeader(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}
