// Package config loads the four configuration documents spec.md §6
// names (database, dispatcher, worker, queue_dispatcher) plus the
// ambient admin/log documents into one viper instance: database.yaml is
// read first and every other document is merged over it, a missing one
// being skipped.
package config

import (
	"fmt"
	"time"

	"github.com/chronopool/scheduler/internal/admin"
	"github.com/chronopool/scheduler/internal/dbregistry"
	"github.com/chronopool/scheduler/internal/dispatcher"
	"github.com/chronopool/scheduler/internal/queuedispatcher"
	"github.com/chronopool/scheduler/internal/worker"
	"github.com/spf13/viper"
)

// LogConfig is the ambient logging document.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Config aggregates every document this process may need, loaded
// together from one directory by Load.
type Config struct {
	Databases      map[string]dbregistry.DatabaseConfig `mapstructure:"databases"`
	Dispatcher     dispatcher.Config                     `mapstructure:"dispatcher"`
	Worker         worker.Config                          `mapstructure:"worker"`
	QueueDispatcher queuedispatcher.Config                `mapstructure:"queue_dispatcher"`
	Admin          admin.Config                           `mapstructure:"admin"`
	Log            LogConfig                              `mapstructure:"log"`
}

// Load reads database.yaml, dispatcher.yaml, worker.yaml,
// queue_dispatcher.yaml, admin.yaml and log.yaml (each optional except
// database.yaml) from dir, applying spec.md §6's documented defaults
// before unmarshaling so a minimal deployment needs only the database
// document.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	setDefaults(v)

	v.SetConfigName("database")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading database.yaml: %w", err)
	}

	for _, name := range []string{"dispatcher", "worker", "queue_dispatcher", "admin", "log"} {
		v.SetConfigName(name)
		if err := v.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: reading %s.yaml: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dispatcher.database", "default")
	v.SetDefault("dispatcher.poll_interval_seconds", 60*time.Second)
	v.SetDefault("dispatcher.max_sleep_seconds", 300*time.Second)
	v.SetDefault("dispatcher.min_cron_interval_seconds", 60*time.Second)

	v.SetDefault("worker.database", "default")
	v.SetDefault("worker.pool_size", 10)
	v.SetDefault("worker.poll_interval_seconds", 5*time.Second)
	v.SetDefault("worker.claim_batch_size", 10)
	v.SetDefault("worker.shutdown_timeout_seconds", 30*time.Second)

	v.SetDefault("queue_dispatcher.database", "default")
	v.SetDefault("queue_dispatcher.redis_stream", "chronopool:jobs")
	v.SetDefault("queue_dispatcher.redis_group", "chronopool-dispatchers")
	v.SetDefault("queue_dispatcher.redis_consumer", "queue-dispatcher")

	v.SetDefault("admin.database", "default")
	v.SetDefault("admin.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
}
