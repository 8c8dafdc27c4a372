package db

import (
	"path/filepath"
	"testing"
)

// OpenTestPools opens a migrated write/read pool pair in t.TempDir() and
// registers cleanup.
func OpenTestPools(t *testing.T) *Pools {
	t.Helper()

	pools, err := OpenPools(filepath.Join(t.TempDir(), "meta.sqlite"), 4)
	if err != nil {
		t.Fatalf("open test sqlite: %v", err)
	}
	t.Cleanup(func() { _ = pools.Close() })

	return pools
}
