package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/chronopool/scheduler/internal/admin"
	"github.com/chronopool/scheduler/internal/dbregistry"
	"github.com/chronopool/scheduler/internal/dispatcher"
	_ "github.com/chronopool/scheduler/internal/handler/builtin"
	"github.com/chronopool/scheduler/internal/queuedispatcher"
	"github.com/chronopool/scheduler/internal/worker"
	"github.com/chronopool/scheduler/pkg/config"
	"github.com/chronopool/scheduler/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// instanceID identifies this process in log lines across its lifetime,
// so a single dispatcher/worker/admin replica's activity can be traced
// through logs even when several run side by side against the same
// database.
var instanceID = uuid.NewString()

var configDir string

func main() {
	root := &cobra.Command{
		Use:   "scheduler",
		Short: "Distributed batch job scheduler",
		// No subcommand means "all three of the first kind" (spec.md §6):
		// cron dispatcher, worker pool and admin surface together.
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAll(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&configDir, "config", "configs", "directory holding the configuration documents")

	root.AddCommand(
		&cobra.Command{
			Use:   "dispatcher",
			Short: "Run only the cron dispatcher",
			RunE:  func(cmd *cobra.Command, args []string) error { return runDispatcher(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Run only the worker pool",
			RunE:  func(cmd *cobra.Command, args []string) error { return runWorker(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "admin",
			Short: "Run only the admin HTTP surface",
			RunE:  func(cmd *cobra.Command, args []string) error { return runAdmin(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "queue_dispatcher",
			Short: "Run only the queue dispatcher",
			RunE:  func(cmd *cobra.Command, args []string) error { return runQueueDispatcher(cmd.Context()) },
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func bootstrap() (*config.Config, *dbregistry.Registry, *zap.Logger, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	zapLogger, err := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building logger: %w", err)
	}

	registry, err := dbregistry.Init(cfg.Databases, zapLogger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initializing database registry: %w", err)
	}

	return cfg, registry, zapLogger, nil
}

func runDispatcher(ctx context.Context) error {
	cfg, registry, zapLogger, err := bootstrap()
	if err != nil {
		return err
	}
	defer registry.Close()
	defer zapLogger.Sync()

	zapLogger.Info("cron dispatcher starting", zap.String("instance_id", instanceID))
	d := dispatcher.New(registry, cfg.Dispatcher, zapLogger)
	err = d.Run(ctx)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func runWorker(ctx context.Context) error {
	cfg, registry, zapLogger, err := bootstrap()
	if err != nil {
		return err
	}
	defer registry.Close()
	defer zapLogger.Sync()

	zapLogger.Info("worker pool starting", zap.String("instance_id", instanceID))
	w := worker.New(registry, cfg.Worker, zapLogger)
	err = w.Run(ctx)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func runAdmin(ctx context.Context) error {
	cfg, registry, zapLogger, err := bootstrap()
	if err != nil {
		return err
	}
	defer registry.Close()
	defer zapLogger.Sync()

	zapLogger.Info("admin surface starting", zap.String("addr", cfg.Admin.Addr), zap.String("instance_id", instanceID))
	srv := admin.NewServer(registry, cfg.Admin, zapLogger)
	return srv.Run(ctx, cfg.Admin.Addr)
}

func runQueueDispatcher(ctx context.Context) error {
	cfg, registry, zapLogger, err := bootstrap()
	if err != nil {
		return err
	}
	defer registry.Close()
	defer zapLogger.Sync()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.QueueDispatcher.RedisAddr})
	adapter := queuedispatcher.NewRedisStreamAdapter(
		redisClient,
		cfg.QueueDispatcher.RedisStream,
		cfg.QueueDispatcher.RedisGroup,
		cfg.QueueDispatcher.RedisConsumer,
	)

	zapLogger.Info("queue dispatcher starting", zap.String("instance_id", instanceID))
	d := queuedispatcher.New(registry, cfg.QueueDispatcher, adapter, zapLogger)
	return d.Run(ctx)
}

// runAll starts the cron dispatcher, worker pool and admin surface
// together (no subcommand given), each against its own independently
// loaded configuration, and waits for all three to exit.
func runAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, 3)

	for _, fn := range []func(context.Context) error{runDispatcher, runWorker, runAdmin} {
		wg.Add(1)
		go func(fn func(context.Context) error) {
			defer wg.Done()
			errs <- fn(ctx)
		}(fn)
	}

	wg.Wait()
	close(errs)

	var firstErr error
	for err := range errs {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
