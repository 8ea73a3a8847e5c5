package dbregistry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chronopool/scheduler/internal/dbregistry"
	"github.com/chronopool/scheduler/internal/schederr"
	"github.com/chronopool/scheduler/pkg/logger"
	"github.com/stretchr/testify/require"
)

func TestInit_RequiresDefaultPool(t *testing.T) {
	_, err := dbregistry.Init(map[string]dbregistry.DatabaseConfig{
		"other": {Type: dbregistry.KindSQLite, DSN: ":memory:"},
	}, logger.NewNop())
	require.Error(t, err)
}

func TestInit_MigratesSchema(t *testing.T) {
	registry := newTestRegistry(t)

	pool := registry.Default()
	require.NotNil(t, pool)
	require.NoError(t, pool.Ping())

	require.True(t, pool.DB().Migrator().HasTable("cron_jobs"))
	require.True(t, pool.DB().Migrator().HasTable("job_executions"))
}

func TestPool_AcquireReleasesSlot(t *testing.T) {
	registry := newTestRegistry(t)
	pool := registry.Default()

	conn, release, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conn)
	release()

	stats := pool.Stats()
	require.Equal(t, 0, stats.InUse)
}

func TestPool_AcquireExhaustion(t *testing.T) {
	dsn := t.TempDir() + "/exhaust.db"
	registry, err := dbregistry.Init(map[string]dbregistry.DatabaseConfig{
		dbregistry.DefaultName: {
			Type: dbregistry.KindSQLite,
			DSN:  dsn,
			Pool: dbregistry.PoolSizing{MaxConnections: 1, AcquireTimeout: 50 * time.Millisecond},
		},
	}, logger.NewNop())
	require.NoError(t, err)
	defer registry.Close()

	pool := registry.Default()
	_, release, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, _, err = pool.Acquire(context.Background())
	require.True(t, errors.Is(err, schederr.ErrPoolExhausted))
}
