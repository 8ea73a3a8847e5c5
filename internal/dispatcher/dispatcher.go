// Package dispatcher is the Cron Dispatcher (spec.md §4.3): a polling
// loop that evaluates every enabled cron_jobs row against the standard
// 5-field cron grammar and materializes due firings as job_executions
// rows, idempotently, so that any number of dispatcher replicas can run
// against the same database without double-firing a schedule.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/chronopool/scheduler/internal/dbregistry"
	"github.com/chronopool/scheduler/internal/model"
	"github.com/chronopool/scheduler/internal/schederr"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Dispatcher runs the cron evaluation loop against a single named
// database pool (spec.md §4.3 is explicitly single-resource: the
// schedule and its bookkeeping always live in one database).
type Dispatcher struct {
	registry *dbregistry.Registry
	cfg      Config
	logger   *zap.Logger
	parser   cron.Parser

	stop chan struct{}
	done chan struct{}
}

// New builds a Dispatcher. cfg is completed with spec.md §6 defaults.
func New(registry *dbregistry.Registry, cfg Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks, polling on cfg.PollInterval (backing off up to
// cfg.MaxSleep when the schedule horizon allows it), until ctx is
// canceled or Stop is called. The in-flight tick always finishes its
// inserts before Run returns, so a shutdown never truncates a
// materialization attempt mid-job.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	for {
		sleep := d.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stop:
			return nil
		case <-time.After(sleep):
		}
	}
}

// Stop requests the loop exit after its current tick.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}

// RunOnce executes exactly one poll/materialize cycle and returns how
// long the caller should sleep before the next one. Exposed so tests
// can drive a single cycle deterministically instead of racing Run's
// internal ticker.
func (d *Dispatcher) RunOnce(ctx context.Context) time.Duration {
	pool, err := d.registry.Get(d.cfg.Database)
	if err != nil {
		d.logger.Error("dispatcher: resolving pool", zap.Error(err))
		return d.cfg.PollInterval
	}

	conn, release, err := pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, schederr.ErrPoolExhausted) {
			d.logger.Warn("dispatcher: pool exhausted, backing off", zap.Error(err))
		} else {
			d.logger.Error("dispatcher: acquiring connection", zap.Error(err))
		}
		return d.cfg.PollInterval
	}
	defer release()
	// Once acquired, the tick's queries ignore ctx cancellation so a
	// shutdown lets the in-flight inserts complete.
	conn = conn.WithContext(context.WithoutCancel(ctx))

	var jobs []model.CronJob
	if err := conn.Where("is_enabled = ?", true).Find(&jobs).Error; err != nil {
		d.logger.Error("dispatcher: loading cron jobs", zap.Error(err), zap.Error(schederr.ErrQueryExecution))
		return d.cfg.PollInterval
	}

	if len(jobs) == 0 {
		return d.cfg.PollInterval
	}

	now := time.Now().UTC()
	nextHorizon := now.Add(d.cfg.MaxSleep)

	for _, job := range jobs {
		d.processJob(ctx, conn, job, now, &nextHorizon)
	}

	sleep := nextHorizon.Sub(now)
	if sleep < d.cfg.PollInterval {
		sleep = d.cfg.PollInterval
	}
	if sleep > d.cfg.MaxSleep {
		sleep = d.cfg.MaxSleep
	}
	return sleep
}

// processJob materializes every due firing of one cron job and narrows
// *horizon down to that job's next upcoming firing, so the caller can
// size its sleep to the earliest thing that will become due next.
func (d *Dispatcher) processJob(ctx context.Context, conn *gorm.DB, job model.CronJob, now time.Time, horizon *time.Time) {
	schedule, err := d.parser.Parse(job.CronExpression)
	if err != nil {
		d.logger.Error("dispatcher: parsing cron expression",
			zap.Uint64("job_id", job.ID), zap.String("expr", job.CronExpression),
			zap.Error(schederr.ErrCronParse), zap.Error(err))
		return
	}

	first := schedule.Next(now)
	second := schedule.Next(first)
	if second.Sub(first) < d.cfg.MinCronInterval {
		d.logger.Warn("dispatcher: cron interval below minimum, skipping job",
			zap.Uint64("job_id", job.ID), zap.Duration("interval", second.Sub(first)),
			zap.Error(schederr.ErrCronIntervalTooShort))
		return
	}

	cursor, err := d.lastScheduled(conn, job)
	if err != nil {
		d.logger.Error("dispatcher: loading schedule cursor", zap.Uint64("job_id", job.ID), zap.Error(err))
		return
	}

	next := schedule.Next(cursor)
	for !next.After(now) {
		if !job.AllowOverlap {
			running, err := d.hasRunningExecution(conn, job)
			if err != nil {
				d.logger.Error("dispatcher: checking overlap", zap.Uint64("job_id", job.ID), zap.Error(err))
				return
			}
			if running {
				d.logger.Info("dispatcher: skipping firing, overlap guard active",
					zap.Uint64("job_id", job.ID), zap.Time("scheduled_time", next))
				next = schedule.Next(next)
				continue
			}
		}

		if err := d.materialize(conn, job, next); err != nil {
			d.logger.Error("dispatcher: materializing firing",
				zap.Uint64("job_id", job.ID), zap.Time("scheduled_time", next),
				zap.Error(schederr.ErrQueryExecution), zap.Error(err))
		}
		next = schedule.Next(next)
	}

	if next.Before(*horizon) {
		*horizon = next
	}
}

// lastScheduled returns the scheduled_time of the most recent
// cron-originated execution for job, or job.CreatedAt when none exists
// yet. Seeding the cursor at job creation (rather than at a fixed
// epoch) is a deliberate choice: a job registered yesterday should not
// backfill every theoretical firing since the Unix epoch the first time
// a dispatcher observes it.
func (d *Dispatcher) lastScheduled(conn *gorm.DB, job model.CronJob) (time.Time, error) {
	var last model.JobExecution
	err := conn.Where("job_id = ? AND param_source = ?", job.ID, model.ParamSourceCron).
		Order("scheduled_time DESC").
		First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return job.CreatedAt, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return last.ScheduledTime, nil
}

func (d *Dispatcher) hasRunningExecution(conn *gorm.DB, job model.CronJob) (bool, error) {
	var count int64
	err := conn.Model(&model.JobExecution{}).
		Where("job_id = ? AND status IN ?", job.ID, []model.ExecutionStatus{model.StatusPending, model.StatusRunning}).
		Count(&count).Error
	return count > 0, err
}

// materialize inserts one job_executions row for (job, scheduledTime),
// relying on the database's unique index on (job_id, scheduled_time) to
// make concurrent dispatcher replicas converge on exactly one row per
// firing: the insert is issued with an on-conflict-do-nothing clause so
// a racing duplicate is silently absorbed rather than erroring.
func (d *Dispatcher) materialize(conn *gorm.DB, job model.CronJob, scheduledTime time.Time) error {
	jobID := job.ID
	exec := model.JobExecution{
		JobID:         &jobID,
		HandlerName:   job.HandlerName,
		ScheduledTime: scheduledTime,
		Params:        job.HandlerParams,
		ParamSource:   model.ParamSourceCron,
		Status:        model.StatusPending,
	}
	return conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}, {Name: "scheduled_time"}},
		DoNothing: true,
	}).Create(&exec).Error
}
