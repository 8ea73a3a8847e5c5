// Package queuedispatcher is the Queue Dispatcher (spec.md §4.4): it
// receives envelopes off an external queue, resolves each one's base
// parameters (by job_id, or by looking up a cron job registered under
// the same handler_name), merges event params over the base (event
// wins on key conflict), and inserts a job_executions row with
// param_source=event for the Worker Pool to claim.
package queuedispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chronopool/scheduler/internal/dbregistry"
	"github.com/chronopool/scheduler/internal/model"
	"github.com/chronopool/scheduler/internal/schederr"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Dispatcher runs the queue receive/process/ack loop.
type Dispatcher struct {
	registry *dbregistry.Registry
	cfg      Config
	adapter  Adapter
	logger   *zap.Logger
}

// New builds a Dispatcher over adapter. If adapter is nil, a
// RedisStreamAdapter is built from cfg's Redis fields (spec.md treats
// the queue transport as a deployment choice; Redis is this module's
// wired default since no Kafka client exists anywhere in its
// dependency stack).
func New(registry *dbregistry.Registry, cfg Config, adapter Adapter, logger *zap.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if adapter == nil {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		adapter = NewRedisStreamAdapter(client, cfg.RedisStream, cfg.RedisGroup, cfg.RedisConsumer)
	}
	return &Dispatcher{
		registry: registry,
		cfg:      cfg,
		adapter:  adapter,
		logger:   logger,
	}
}

// Run connects the adapter and processes messages until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.adapter.Connect(ctx); err != nil {
		return schederrWrap(err)
	}
	defer d.adapter.Disconnect(context.Background())

	d.logger.Info("queue dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("queue dispatcher stopped")
			return nil
		default:
		}

		msg, err := d.adapter.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, errNoMessage) {
				continue
			}
			d.logger.Error("queue dispatcher: receive failed", zap.Error(schederr.ErrQueueAdapter), zap.Error(err))
			continue
		}

		if err := d.process(ctx, msg); err != nil {
			d.logger.Error("queue dispatcher: processing message failed",
				zap.String("handler", msg.HandlerName), zap.Error(err))
			if err := d.adapter.Abandon(ctx, msg); err != nil {
				d.logger.Error("queue dispatcher: abandon failed", zap.Error(err))
			}
			continue
		}

		if err := d.adapter.Complete(ctx, msg); err != nil {
			d.logger.Error("queue dispatcher: ack failed", zap.Error(err))
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, msg Message) error {
	pool, err := d.registry.Get(d.cfg.Database)
	if err != nil {
		return err
	}
	conn, release, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	jobID := msg.JobID
	base := model.JSONMap{}
	if jobID != nil {
		job, err := lookupByID(conn, *jobID)
		if err != nil {
			return err
		}
		if job != nil {
			base = job.HandlerParams
		}
	} else {
		job, err := lookupByHandler(conn, msg.HandlerName)
		if err != nil {
			return err
		}
		if job != nil {
			jobID = &job.ID
			base = job.HandlerParams
		}
	}

	merged := model.JSONMap{}
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range msg.Params {
		merged[k] = v
	}

	exec := model.JobExecution{
		JobID:         jobID,
		HandlerName:   msg.HandlerName,
		ScheduledTime: time.Now().UTC(),
		Params:        merged,
		ParamSource:   model.ParamSourceEvent,
		Status:        model.StatusPending,
	}
	if err := conn.Create(&exec).Error; err != nil {
		return fmt.Errorf("%w: %v", schederr.ErrQueryExecution, err)
	}

	d.logger.Info("queue dispatcher: created event execution",
		zap.Uint64("execution_id", exec.ID), zap.String("handler", msg.HandlerName))
	return nil
}

// lookupByID loads the cron_job referenced by id, if it exists and is
// enabled (spec.md §4.4 step 2: "if job_id is present and references an
// enabled cron_job, load its handler_params"). A missing or disabled
// job yields (nil, nil): the event's own params still flow through with
// an empty base rather than failing the message.
func lookupByID(conn *gorm.DB, id uint64) (*model.CronJob, error) {
	var job model.CronJob
	err := conn.Where("is_enabled = ?", true).First(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func lookupByHandler(conn *gorm.DB, handlerName string) (*model.CronJob, error) {
	var job model.CronJob
	err := conn.Where("handler_name = ?", handlerName).Order("id ASC").First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func schederrWrap(err error) error {
	return fmt.Errorf("%w: %v", schederr.ErrQueueAdapter, err)
}
