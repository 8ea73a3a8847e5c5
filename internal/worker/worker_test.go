package worker_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chronopool/scheduler/internal/dbregistry"
	"github.com/chronopool/scheduler/internal/handler"
	"github.com/chronopool/scheduler/internal/model"
	"github.com/chronopool/scheduler/internal/worker"
	"github.com/chronopool/scheduler/pkg/logger"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newRegistry(t *testing.T) *dbregistry.Registry {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "worker.db")
	registry, err := dbregistry.Init(map[string]dbregistry.DatabaseConfig{
		dbregistry.DefaultName: {Type: dbregistry.KindSQLite, DSN: dsn},
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })
	return registry
}

func waitForStatus(t *testing.T, db interface {
	First(dest any, conds ...any) *gorm.DB
}, id uint64, want model.ExecutionStatus) model.JobExecution {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var exec model.JobExecution
	for time.Now().Before(deadline) {
		if res := db.First(&exec, id); res.Error == nil && exec.Status == want {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %d never reached status %s (last seen %s)", id, want, exec.Status)
	return exec
}

// TestPool_S1HappyPath is scenario S1: a PENDING row with a succeeding
// handler reaches SUCCESS with the handler's result.
func TestPool_S1HappyPath(t *testing.T) {
	handler.RegisterFunc("test-s1-echo", func(_ context.Context, params model.JSONMap) (model.JSONMap, error) {
		return params, nil
	})

	registry := newRegistry(t)
	db := registry.Default().DB()

	job := model.CronJob{Name: "t1", CronExpression: "* * * * *", HandlerName: "test-s1-echo", MaxRetry: 0, TimeoutSeconds: 10}
	require.NoError(t, db.Create(&job).Error)

	exec := model.JobExecution{
		JobID: &job.ID, HandlerName: "test-s1-echo", ScheduledTime: time.Now().UTC(),
		Params: model.JSONMap{"x": float64(1)}, ParamSource: model.ParamSourceCron, Status: model.StatusPending,
	}
	require.NoError(t, db.Create(&exec).Error)

	pool := worker.New(registry, worker.Config{PollInterval: 10 * time.Millisecond}, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go pool.Run(ctx)
	defer cancel()

	got := waitForStatus(t, db, exec.ID, model.StatusSuccess)
	require.Equal(t, float64(1), got.Result["x"])
}

// TestPool_S3RetryExhaustion is scenario S3: max_retry=1, always-failing
// handler reaches terminal FAILED with retry_count=2.
func TestPool_S3RetryExhaustion(t *testing.T) {
	handler.RegisterFunc("test-s3-fail", func(context.Context, model.JSONMap) (model.JSONMap, error) {
		return nil, errors.New("always fails")
	})

	registry := newRegistry(t)
	db := registry.Default().DB()

	job := model.CronJob{Name: "t3", CronExpression: "* * * * *", HandlerName: "test-s3-fail", MaxRetry: 1, TimeoutSeconds: 10}
	require.NoError(t, db.Create(&job).Error)

	exec := model.JobExecution{
		JobID: &job.ID, HandlerName: "test-s3-fail", ScheduledTime: time.Now().UTC(),
		ParamSource: model.ParamSourceCron, Status: model.StatusPending,
	}
	require.NoError(t, db.Create(&exec).Error)

	pool := worker.New(registry, worker.Config{PollInterval: 10 * time.Millisecond}, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	var got model.JobExecution
	for time.Now().Before(deadline) {
		db.First(&got, exec.ID)
		if got.Status == model.StatusFailed && got.RetryCount >= 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, model.StatusFailed, got.Status)
	require.Equal(t, 2, got.RetryCount)
}

// TestPool_B2MaxRetryZero is B2: max_retry=0 permits exactly one
// invocation and no re-queue.
func TestPool_B2MaxRetryZero(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	handler.RegisterFunc("test-b2-fail", func(context.Context, model.JSONMap) (model.JSONMap, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, errors.New("fails")
	})

	registry := newRegistry(t)
	db := registry.Default().DB()

	job := model.CronJob{Name: "t2", CronExpression: "* * * * *", HandlerName: "test-b2-fail", MaxRetry: 0, TimeoutSeconds: 10}
	require.NoError(t, db.Create(&job).Error)

	exec := model.JobExecution{
		JobID: &job.ID, HandlerName: "test-b2-fail", ScheduledTime: time.Now().UTC(),
		ParamSource: model.ParamSourceCron, Status: model.StatusPending,
	}
	require.NoError(t, db.Create(&exec).Error)

	pool := worker.New(registry, worker.Config{PollInterval: 10 * time.Millisecond}, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	waitForStatus(t, db, exec.ID, model.StatusFailed)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, int32(1), calls)
}

// TestPool_B3TimeoutNotFailed is B3: a handler that sleeps past
// timeout_seconds produces TIMEOUT, not FAILED.
func TestPool_B3TimeoutNotFailed(t *testing.T) {
	handler.RegisterFunc("test-b3-slow", func(ctx context.Context, _ model.JSONMap) (model.JSONMap, error) {
		select {
		case <-time.After(5 * time.Second):
			return model.JSONMap{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	registry := newRegistry(t)
	db := registry.Default().DB()

	job := model.CronJob{Name: "t4", CronExpression: "* * * * *", HandlerName: "test-b3-slow", MaxRetry: 0, TimeoutSeconds: 1}
	require.NoError(t, db.Create(&job).Error)

	exec := model.JobExecution{
		JobID: &job.ID, HandlerName: "test-b3-slow", ScheduledTime: time.Now().UTC(),
		ParamSource: model.ParamSourceCron, Status: model.StatusPending,
	}
	require.NoError(t, db.Create(&exec).Error)

	pool := worker.New(registry, worker.Config{PollInterval: 10 * time.Millisecond}, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	got := waitForStatus(t, db, exec.ID, model.StatusTimeout)
	require.Equal(t, "Execution timed out", *got.ErrorMessage)
}

// TestPool_PanicRecoveredAsFailed: a handler that panics must not crash
// the pool — the panic is recovered and the row still reaches a
// terminal FAILED status, tagged with ErrHandlerFailure.
func TestPool_PanicRecoveredAsFailed(t *testing.T) {
	handler.RegisterFunc("test-panic", func(context.Context, model.JSONMap) (model.JSONMap, error) {
		panic("boom")
	})

	registry := newRegistry(t)
	db := registry.Default().DB()

	job := model.CronJob{Name: "t6", CronExpression: "* * * * *", HandlerName: "test-panic", MaxRetry: 0, TimeoutSeconds: 10}
	require.NoError(t, db.Create(&job).Error)

	exec := model.JobExecution{
		JobID: &job.ID, HandlerName: "test-panic", ScheduledTime: time.Now().UTC(),
		ParamSource: model.ParamSourceCron, Status: model.StatusPending,
	}
	require.NoError(t, db.Create(&exec).Error)

	pool := worker.New(registry, worker.Config{PollInterval: 10 * time.Millisecond}, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	got := waitForStatus(t, db, exec.ID, model.StatusFailed)
	require.Contains(t, *got.ErrorMessage, "boom")

	// The pool itself must still be alive and able to claim further work.
	exec2 := model.JobExecution{
		JobID: &job.ID, HandlerName: "test-panic", ScheduledTime: time.Now().UTC().Add(time.Minute),
		ParamSource: model.ParamSourceCron, Status: model.StatusPending,
	}
	require.NoError(t, db.Create(&exec2).Error)
	waitForStatus(t, db, exec2.ID, model.StatusFailed)
}

// TestClaim_OnlyOneWorkerWins is C2: with two workers racing the same
// PENDING row, exactly one CAS affects it.
func TestClaim_OnlyOneWorkerWins(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	handler.RegisterFunc("test-c2-noop", func(context.Context, model.JSONMap) (model.JSONMap, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return model.JSONMap{}, nil
	})

	registry := newRegistry(t)
	db := registry.Default().DB()

	job := model.CronJob{Name: "t5", CronExpression: "* * * * *", HandlerName: "test-c2-noop", TimeoutSeconds: 10}
	require.NoError(t, db.Create(&job).Error)

	exec := model.JobExecution{
		JobID: &job.ID, HandlerName: "test-c2-noop", ScheduledTime: time.Now().UTC(),
		ParamSource: model.ParamSourceCron, Status: model.StatusPending,
	}
	require.NoError(t, db.Create(&exec).Error)

	poolA := worker.New(registry, worker.Config{PollInterval: 5 * time.Millisecond}, logger.NewNop())
	poolB := worker.New(registry, worker.Config{PollInterval: 5 * time.Millisecond}, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poolA.Run(ctx)
	go poolB.Run(ctx)

	waitForStatus(t, db, exec.ID, model.StatusSuccess)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, int32(1), calls, "only the worker whose claim succeeded runs the handler")
}
