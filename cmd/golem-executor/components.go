package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	golem "github.com/golemcloud/golem-core"
)

// DirComponentStore serves component binaries from a local directory laid
// out as <dir>/<component-uuid>/<version>.star. It stands in for the
// external component service in single-node deployments.
type DirComponentStore struct {
	dir string
}

// NewDirComponentStore points at the component directory.
func NewDirComponentStore(dir string) *DirComponentStore {
	return &DirComponentStore{dir: dir}
}

func (s *DirComponentStore) Download(ctx context.Context, id golem.ComponentID, version uint64) ([]byte, error) {
	path := filepath.Join(s.dir, id.String(), fmt.Sprintf("%d.star", version))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("component %s v%d: %w", id, version, err)
	}
	return data, nil
}

func (s *DirComponentStore) LatestVersion(ctx context.Context, id golem.ComponentID) (uint64, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, id.String()))
	if err != nil {
		return 0, fmt.Errorf("component %s: %w", id, err)
	}
	var latest uint64
	found := false
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".star")
		v, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		found = true
		if v > latest {
			latest = v
		}
	}
	if !found {
		return 0, fmt.Errorf("component %s has no versions", id)
	}
	return latest, nil
}
