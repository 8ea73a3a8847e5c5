package admin

// Config is the `admin` configuration document (spec.md §6).
type Config struct {
	Database string `mapstructure:"database"`
	Addr     string `mapstructure:"addr"`
}

func (c Config) withDefaults() Config {
	if c.Database == "" {
		c.Database = "default"
	}
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	return c
}
