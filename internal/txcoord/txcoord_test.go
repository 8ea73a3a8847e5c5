package txcoord_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/chronopool/scheduler/internal/dbregistry"
	"github.com/chronopool/scheduler/internal/model"
	"github.com/chronopool/scheduler/internal/schederr"
	"github.com/chronopool/scheduler/internal/txcoord"
	"github.com/chronopool/scheduler/pkg/logger"
	"github.com/stretchr/testify/require"
)

func newMultiRegistry(t *testing.T, names ...string) *dbregistry.Registry {
	t.Helper()
	cfgs := map[string]dbregistry.DatabaseConfig{}
	for _, n := range append([]string{dbregistry.DefaultName}, names...) {
		cfgs[n] = dbregistry.DatabaseConfig{Type: dbregistry.KindSQLite, DSN: filepath.Join(t.TempDir(), n+".db")}
	}
	registry, err := dbregistry.Init(cfgs, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })
	return registry
}

func TestRun_CommitsAllLegsOnSuccess(t *testing.T) {
	registry := newMultiRegistry(t, "secondary")

	err := txcoord.Run(context.Background(), registry, []string{dbregistry.DefaultName, "secondary"}, txcoord.ReadWrite, func(ctx context.Context) error {
		db := txcoord.MustDB(ctx, dbregistry.DefaultName)
		return db.Create(&model.CronJob{Name: "t1", CronExpression: "* * * * *", HandlerName: "echo"}).Error
	})
	require.NoError(t, err)

	var count int64
	registry.Default().DB().Model(&model.CronJob{}).Count(&count)
	require.EqualValues(t, 1, count)
}

func TestRun_RollsBackOnError(t *testing.T) {
	registry := newMultiRegistry(t)

	boom := errors.New("boom")
	err := txcoord.Run(context.Background(), registry, []string{dbregistry.DefaultName}, txcoord.ReadWrite, func(ctx context.Context) error {
		db := txcoord.MustDB(ctx, dbregistry.DefaultName)
		if err := db.Create(&model.CronJob{Name: "t1", CronExpression: "* * * * *", HandlerName: "echo"}).Error; err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int64
	registry.Default().DB().Model(&model.CronJob{}).Count(&count)
	require.EqualValues(t, 0, count)
}

func TestRun_RejectsNesting(t *testing.T) {
	registry := newMultiRegistry(t)

	err := txcoord.Run(context.Background(), registry, []string{dbregistry.DefaultName}, txcoord.ReadWrite, func(ctx context.Context) error {
		return txcoord.Run(ctx, registry, []string{dbregistry.DefaultName}, txcoord.ReadWrite, func(context.Context) error { return nil })
	})
	require.True(t, errors.Is(err, schederr.ErrNestedTransaction))
}

func TestGuard_RejectsWriteUnderReadOnly(t *testing.T) {
	registry := newMultiRegistry(t)

	err := txcoord.Run(context.Background(), registry, []string{dbregistry.DefaultName}, txcoord.ReadOnly, func(ctx context.Context) error {
		return txcoord.Guard(ctx, true)
	})
	require.True(t, errors.Is(err, schederr.ErrReadOnlyViolation))
}

func TestRun_ReadOnlyModeRejectsRealWrite(t *testing.T) {
	registry := newMultiRegistry(t)

	err := txcoord.Run(context.Background(), registry, []string{dbregistry.DefaultName}, txcoord.ReadOnly, func(ctx context.Context) error {
		db := txcoord.MustDB(ctx, dbregistry.DefaultName)
		return db.Create(&model.CronJob{Name: "t1", CronExpression: "* * * * *", HandlerName: "echo"}).Error
	})
	require.True(t, errors.Is(err, schederr.ErrReadOnlyViolation))

	var count int64
	registry.Default().DB().Model(&model.CronJob{}).Count(&count)
	require.EqualValues(t, 0, count, "write must never reach the database under ReadOnly mode")
}
