package dispatcher

import "time"

// Config is the `dispatcher` configuration document (spec.md §6).
type Config struct {
	Database               string        `mapstructure:"database"`
	PollInterval           time.Duration `mapstructure:"poll_interval_seconds"`
	MaxSleep               time.Duration `mapstructure:"max_sleep_seconds"`
	MinCronInterval        time.Duration `mapstructure:"min_cron_interval_seconds"`
}

func (c Config) withDefaults() Config {
	if c.Database == "" {
		c.Database = "default"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.MaxSleep <= 0 {
		c.MaxSleep = 300 * time.Second
	}
	if c.MinCronInterval <= 0 {
		c.MinCronInterval = 60 * time.Second
	}
	return c
}
