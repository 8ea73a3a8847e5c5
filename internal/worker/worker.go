// Package worker is the Worker Pool (spec.md §4.5): a bounded set of
// concurrently-executing units that claim PENDING job_executions rows,
// run the named handler under a deadline, and drive each row to a
// terminal status with retry re-queueing governed by the owning cron
// job's max_retry budget.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chronopool/scheduler/internal/dbregistry"
	"github.com/chronopool/scheduler/internal/handler"
	"github.com/chronopool/scheduler/internal/model"
	"github.com/chronopool/scheduler/internal/schederr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// defaultTimeout governs executions with no owning cron job (pure
// event provenance with an unrecognized job_id, or none given): spec.md
// defines timeout_seconds on cron_jobs only, so a standalone execution
// needs a floor that isn't "wait forever".
const defaultTimeout = 300 * time.Second

// Pool is the worker supervisor.
type Pool struct {
	registry *dbregistry.Registry
	cfg      Config
	logger   *zap.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	stop           chan struct{}
	done           chan struct{}
	shutdownCancel context.CancelFunc
}

// New builds a Pool.
func New(registry *dbregistry.Registry, cfg Config, logger *zap.Logger) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		sem:      make(chan struct{}, cfg.PoolSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run polls for PENDING work until ctx is canceled or Stop is called.
func (p *Pool) Run(ctx context.Context) error {
	defer close(p.done)
	rootCtx, cancel := context.WithCancel(ctx)
	p.shutdownCancel = cancel
	defer cancel()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		p.pollOnce(rootCtx)

		select {
		case <-ctx.Done():
			p.awaitShutdown(context.Background())
			return ctx.Err()
		case <-p.stop:
			p.awaitShutdown(context.Background())
			return nil
		case <-ticker.C:
		}
	}
}

// Stop requests the loop stop polling and wait for in-flight units to
// drain (spec.md "await in-flight units up to shutdown_timeout_seconds;
// after the budget, cancel them").
func (p *Pool) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Pool) awaitShutdown(ctx context.Context) {
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
	defer cancel()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-waitCtx.Done():
		p.logger.Warn("worker pool: shutdown timeout budget exhausted, canceling in-flight units")
		p.cancelInFlight()
		<-drained
	}
}

// cancelInFlight is invoked only from awaitShutdown; individual units
// hold their own per-execution context derived from the pool's root
// context, canceled via p.shutdownCancel below.
func (p *Pool) cancelInFlight() {
	if p.shutdownCancel != nil {
		p.shutdownCancel()
	}
}

func (p *Pool) pollOnce(ctx context.Context) {
	free := cap(p.sem) - len(p.sem)
	if free <= 0 {
		return
	}
	batch := p.cfg.ClaimBatchSize
	if batch > free {
		batch = free
	}

	pool, err := p.registry.Get(p.cfg.Database)
	if err != nil {
		p.logger.Error("worker pool: resolving pool", zap.Error(err))
		return
	}
	conn, release, err := pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, schederr.ErrPoolExhausted) {
			p.logger.Warn("worker pool: pool exhausted, backing off", zap.Error(err))
		} else {
			p.logger.Error("worker pool: acquiring connection", zap.Error(err))
		}
		return
	}

	var rows []model.JobExecution
	err = conn.Where("status = ?", model.StatusPending).
		Order("created_at ASC").
		Limit(batch).
		Find(&rows).Error
	release()
	if err != nil {
		p.logger.Error("worker pool: loading pending executions", zap.Error(schederr.ErrQueryExecution), zap.Error(err))
		return
	}

	for _, row := range rows {
		select {
		case p.sem <- struct{}{}:
		default:
			return
		}

		claimed, err := p.claim(ctx, row.ID)
		if err != nil {
			p.logger.Error("worker pool: claiming execution", zap.Uint64("execution_id", row.ID), zap.Error(err))
			<-p.sem
			continue
		}
		if !claimed {
			// Another worker won the race (spec.md C2); drop it.
			<-p.sem
			continue
		}

		p.wg.Add(1)
		go func(row model.JobExecution) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.executeUnit(ctx, row)
		}(row)
	}
}

// claim performs the atomic CAS that resolves concurrent worker races:
// UPDATE ... SET status='RUNNING' WHERE id=? AND status='PENDING'.
func (p *Pool) claim(ctx context.Context, executionID uint64) (bool, error) {
	pool, err := p.registry.Get(p.cfg.Database)
	if err != nil {
		return false, err
	}
	conn, release, err := pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	now := time.Now().UTC()
	res := conn.Model(&model.JobExecution{}).
		Where("id = ? AND status = ?", executionID, model.StatusPending).
		Updates(map[string]any{"status": model.StatusRunning, "started_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("%w: %v", schederr.ErrQueryExecution, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (p *Pool) executeUnit(ctx context.Context, exec model.JobExecution) {
	logger := p.logger.With(zap.Uint64("execution_id", exec.ID), zap.String("handler", exec.HandlerName))

	// Bookkeeping writes use an independent background context: a
	// forced shutdown cancels ctx to unblock the handler, but the
	// resulting terminal status must still be recorded.
	bookkeeping := context.Background()

	job, maxRetry, err := p.owningJob(bookkeeping, exec.JobID)
	if err != nil {
		logger.Error("worker pool: loading owning cron job", zap.Error(err))
	}

	h, ok := handler.Lookup(exec.HandlerName)
	if !ok {
		logger.Error("worker pool: handler not found", zap.Error(schederr.ErrHandlerNotFound))
		p.finishTerminal(bookkeeping, exec.ID, model.StatusFailed, "handler not found", nil)
		return
	}

	timeout := defaultTimeout
	if job != nil && job.TimeoutSeconds > 0 {
		timeout = time.Duration(job.TimeoutSeconds) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := p.safeExecute(execCtx, h, exec.Params, logger)
	switch {
	case err == nil:
		logger.Info("worker pool: execution succeeded")
		p.complete(bookkeeping, exec.ID, result)
	case errors.Is(execCtx.Err(), context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.Canceled):
		// A forced shutdown cancellation is treated the same as a
		// deadline expiring: the row surfaces as TIMEOUT via the
		// normal retry path rather than as a distinct status.
		logger.Error("worker pool: execution timed out", zap.Error(schederr.ErrHandlerTimeout))
		p.failAndMaybeRetry(bookkeeping, exec.ID, model.StatusTimeout, "Execution timed out", maxRetry)
	default:
		logger.Error("worker pool: execution failed", zap.Error(schederr.ErrHandlerFailure), zap.Error(err))
		p.failAndMaybeRetry(bookkeeping, exec.ID, model.StatusFailed, err.Error(), maxRetry)
	}
}

// safeExecute runs the handler with a recover() around the call so a
// single handler panic can never take down the worker pool process
// (spec.md §7: "No component aborts the process for a per-item error;
// only startup-time faults terminate"). A recovered panic is reported
// through the same ErrHandlerFailure path as a returned error.
func (p *Pool) safeExecute(ctx context.Context, h handler.Handler, params model.JSONMap, logger *zap.Logger) (result model.JSONMap, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: handler panicked: %v", schederr.ErrHandlerFailure, r)
		}
	}()
	return h.Execute(ctx, params)
}

// owningJob resolves the cron_jobs row for jobID, if any, and the
// max_retry budget to apply. A nil job_id (or one with no matching
// row) has no retry budget: the execution may only ever run once.
func (p *Pool) owningJob(ctx context.Context, jobID *uint64) (*model.CronJob, int, error) {
	if jobID == nil {
		return nil, 0, nil
	}
	pool, err := p.registry.Get(p.cfg.Database)
	if err != nil {
		return nil, 0, err
	}
	conn, release, err := pool.Acquire(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	var job model.CronJob
	if err := conn.First(&job, *jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	return &job, job.MaxRetry, nil
}

func (p *Pool) complete(ctx context.Context, executionID uint64, result model.JSONMap) {
	pool, err := p.registry.Get(p.cfg.Database)
	if err != nil {
		p.logger.Error("worker pool: resolving pool for completion", zap.Error(err))
		return
	}
	conn, release, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.Error("worker pool: acquiring connection for completion", zap.Error(err))
		return
	}
	defer release()

	now := time.Now().UTC()
	err = conn.Model(&model.JobExecution{}).Where("id = ?", executionID).
		Updates(map[string]any{"status": model.StatusSuccess, "finished_at": now, "result": result}).Error
	if err != nil {
		p.logger.Error("worker pool: recording success", zap.Uint64("execution_id", executionID), zap.Error(err))
	}
}

// finishTerminal records a terminal status with no retry consideration
// at all (the HandlerNotFound path: spec.md treats the cause as
// non-transient and suppresses re-queue even though retry_count is
// still incremented for observability).
func (p *Pool) finishTerminal(ctx context.Context, executionID uint64, status model.ExecutionStatus, errMsg string, result model.JSONMap) {
	pool, err := p.registry.Get(p.cfg.Database)
	if err != nil {
		p.logger.Error("worker pool: resolving pool", zap.Error(err))
		return
	}
	conn, release, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.Error("worker pool: acquiring connection", zap.Error(err))
		return
	}
	defer release()

	now := time.Now().UTC()
	updates := map[string]any{
		"status":       status,
		"finished_at":  now,
		"error_message": errMsg,
		"retry_count":  gorm.Expr("retry_count + 1"),
	}
	if err := conn.Model(&model.JobExecution{}).Where("id = ?", executionID).Updates(updates).Error; err != nil {
		p.logger.Error("worker pool: recording terminal status", zap.Uint64("execution_id", executionID), zap.Error(err))
	}
}

// failAndMaybeRetry records a FAILED/TIMEOUT status, increments
// retry_count, then re-queues to PENDING when the new retry_count is
// still within the owning job's max_retry budget (spec.md §4.5 steps
// 5-7).
func (p *Pool) failAndMaybeRetry(ctx context.Context, executionID uint64, status model.ExecutionStatus, errMsg string, maxRetry int) {
	pool, err := p.registry.Get(p.cfg.Database)
	if err != nil {
		p.logger.Error("worker pool: resolving pool", zap.Error(err))
		return
	}
	conn, release, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.Error("worker pool: acquiring connection", zap.Error(err))
		return
	}
	defer release()

	now := time.Now().UTC()
	updates := map[string]any{
		"status":        status,
		"finished_at":   now,
		"error_message": errMsg,
		"retry_count":   gorm.Expr("retry_count + 1"),
	}
	if err := conn.Model(&model.JobExecution{}).Where("id = ?", executionID).Updates(updates).Error; err != nil {
		p.logger.Error("worker pool: recording failure", zap.Uint64("execution_id", executionID), zap.Error(err))
		return
	}

	var row model.JobExecution
	if err := conn.First(&row, executionID).Error; err != nil {
		p.logger.Error("worker pool: reloading execution for retry check", zap.Uint64("execution_id", executionID), zap.Error(err))
		return
	}

	if row.RetryCount <= maxRetry {
		err := conn.Model(&model.JobExecution{}).Where("id = ?", executionID).
			Updates(map[string]any{"status": model.StatusPending, "started_at": nil, "finished_at": nil}).Error
		if err != nil {
			p.logger.Error("worker pool: re-queueing for retry", zap.Uint64("execution_id", executionID), zap.Error(err))
		}
	}
}
