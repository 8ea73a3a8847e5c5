package worker

import "time"

// Config is the `worker` configuration document (spec.md §6).
type Config struct {
	Database            string        `mapstructure:"database"`
	PoolSize            int           `mapstructure:"pool_size"`
	PollInterval        time.Duration `mapstructure:"poll_interval_seconds"`
	ClaimBatchSize       int           `mapstructure:"claim_batch_size"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout_seconds"`
	// AdditionalDatabases names extra pools a handler may reference via
	// txcoord during a run; the worker itself only ever touches
	// Database for claim/record bookkeeping.
	AdditionalDatabases []string `mapstructure:"additional_databases"`
}

func (c Config) withDefaults() Config {
	if c.Database == "" {
		c.Database = "default"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ClaimBatchSize <= 0 {
		c.ClaimBatchSize = c.PoolSize
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}
