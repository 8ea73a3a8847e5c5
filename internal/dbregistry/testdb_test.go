package dbregistry_test

import (
	"path/filepath"
	"testing"

	"github.com/chronopool/scheduler/internal/dbregistry"
	"github.com/chronopool/scheduler/pkg/logger"
)

// newTestRegistry builds a single-pool sqlite-backed registry at a
// fresh temp file, migrated and ready for use by this package's tests.
func newTestRegistry(t *testing.T) *dbregistry.Registry {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	registry, err := dbregistry.Init(map[string]dbregistry.DatabaseConfig{
		dbregistry.DefaultName: {Type: dbregistry.KindSQLite, DSN: dsn},
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("init registry: %v", err)
	}
	t.Cleanup(func() { registry.Close() })
	return registry
}
