package golem

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// ComponentStore is the external component service the engine fetches
// binaries from. Out of scope for this repo beyond this contract.
type ComponentStore interface {
	Download(ctx context.Context, id ComponentID, version uint64) ([]byte, error)
	LatestVersion(ctx context.Context, id ComponentID) (uint64, error)
}

// ComponentCache caches compiled components in memory (LRU) and on disk.
// Compilation per content hash happens at most once at a time, enforced by a
// single-flight group.
type ComponentCache struct {
	store   ComponentStore
	runtime ComponentRuntime
	dir     string
	maxDisk int64

	mem *lru.Cache[string, CompiledComponent]
	sf  singleflight.Group
}

// NewComponentCache creates a cache holding up to memEntries compiled
// components in memory and up to maxDiskBytes of serialized artifacts under
// dir. An empty dir disables the disk tier.
func NewComponentCache(store ComponentStore, runtime ComponentRuntime, memEntries int, dir string, maxDiskBytes int64) (*ComponentCache, error) {
	if memEntries <= 0 {
		memEntries = 64
	}
	mem, err := lru.New[string, CompiledComponent](memEntries)
	if err != nil {
		return nil, err
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("component cache dir: %w", err)
		}
	}
	return &ComponentCache{
		store:   store,
		runtime: runtime,
		dir:     dir,
		maxDisk: maxDiskBytes,
		mem:     mem,
	}, nil
}

// Get returns the compiled form of (component, version), fetching and
// compiling on miss.
func (c *ComponentCache) Get(ctx context.Context, id ComponentID, version uint64) (CompiledComponent, error) {
	binary, err := c.store.Download(ctx, id, version)
	if err != nil {
		return nil, Errorf(KindWorkerCreationFailed, "download component %s v%d: %v", id, version, err)
	}
	key := c.cacheKey(binary)
	if cc, ok := c.mem.Get(key); ok {
		return cc, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		if cc, ok := c.mem.Get(key); ok {
			return cc, nil
		}
		if cc, ok := c.loadArtifact(key); ok {
			c.mem.Add(key, cc)
			return cc, nil
		}
		cc, err := c.runtime.Compile(ctx, binary)
		if err != nil {
			return nil, Errorf(KindWorkerCreationFailed, "compile component %s v%d: %v", id, version, err)
		}
		c.saveArtifact(key, cc)
		c.mem.Add(key, cc)
		return cc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(CompiledComponent), nil
}

func (c *ComponentCache) cacheKey(binary []byte) string {
	h := sha256.New()
	h.Write([]byte(c.runtime.CompilerVersion()))
	h.Write([]byte{0})
	h.Write(binary)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *ComponentCache) artifactPath(key string) string {
	return filepath.Join(c.dir, key+".cgo")
}

func (c *ComponentCache) loadArtifact(key string) (CompiledComponent, bool) {
	if c.dir == "" {
		return nil, false
	}
	data, err := os.ReadFile(c.artifactPath(key))
	if err != nil {
		return nil, false
	}
	cc, err := c.runtime.ReadArtifact(bytes.NewReader(data))
	if err != nil {
		// Stale or corrupt artifact; recompile.
		_ = os.Remove(c.artifactPath(key))
		return nil, false
	}
	// A hit refreshes the mtime, which pruneDisk orders eviction by.
	now := time.Now()
	_ = os.Chtimes(c.artifactPath(key), now, now)
	return cc, true
}

func (c *ComponentCache) saveArtifact(key string, cc CompiledComponent) {
	if c.dir == "" {
		return
	}
	var buf bytes.Buffer
	if err := c.runtime.WriteArtifact(&buf, cc); err != nil {
		return
	}
	tmp := c.artifactPath(key) + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, c.artifactPath(key))
	c.pruneDisk()
}

// pruneDisk drops the least recently used artifacts until the disk tier fits
// the size budget.
func (c *ComponentCache) pruneDisk() {
	if c.maxDisk <= 0 {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	type file struct {
		path string
		size int64
		mod  int64
	}
	var files []file
	var total int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || e.IsDir() {
			continue
		}
		files = append(files, file{filepath.Join(c.dir, e.Name()), info.Size(), info.ModTime().UnixNano()})
		total += info.Size()
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod < files[j].mod })
	for _, f := range files {
		if total <= c.maxDisk {
			break
		}
		if os.Remove(f.path) == nil {
			total -= f.size
		}
	}
}
