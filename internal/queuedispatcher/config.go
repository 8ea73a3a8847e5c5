package queuedispatcher

// Config is the `queue_dispatcher` configuration document (spec.md §6).
// RedisAddr/RedisStream/RedisGroup/RedisConsumer are specific to the
// Redis Streams Adapter this package wires by default; a deployment
// supplying its own Adapter may ignore them entirely.
type Config struct {
	Database      string `mapstructure:"database"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisStream   string `mapstructure:"redis_stream"`
	RedisGroup    string `mapstructure:"redis_group"`
	RedisConsumer string `mapstructure:"redis_consumer"`
}

func (c Config) withDefaults() Config {
	if c.Database == "" {
		c.Database = "default"
	}
	if c.RedisStream == "" {
		c.RedisStream = "chronopool:jobs"
	}
	if c.RedisGroup == "" {
		c.RedisGroup = "chronopool-dispatchers"
	}
	if c.RedisConsumer == "" {
		c.RedisConsumer = "queue-dispatcher"
	}
	return c
}
