package dbregistry

import "time"

// Kind names the supported backends. See Registry.Init.
type Kind string

const (
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
	KindMySQL    Kind = "mysql"
)

// DefaultName is the sentinel pool name that must exist in every
// configuration document, per spec.md §4.1.
const DefaultName = "default"

// PoolSizing configures the bounded connection pool in front of one
// backend, plus the acquisition semantics layered on top of it.
type PoolSizing struct {
	MaxConnections     int           `mapstructure:"max_connections"`
	MaxIdleConnections int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime    time.Duration `mapstructure:"connection_max_lifetime"`
	MaxIdleTime        time.Duration `mapstructure:"max_idle_time"`
	AcquireTimeout     time.Duration `mapstructure:"acquire_timeout"`
}

func (p PoolSizing) withDefaults() PoolSizing {
	if p.MaxConnections <= 0 {
		p.MaxConnections = 20
	}
	if p.MaxIdleConnections <= 0 {
		p.MaxIdleConnections = p.MaxConnections
	}
	if p.ConnMaxLifetime <= 0 {
		p.ConnMaxLifetime = time.Hour
	}
	if p.MaxIdleTime <= 0 {
		p.MaxIdleTime = 10 * time.Minute
	}
	if p.AcquireTimeout <= 0 {
		p.AcquireTimeout = 5 * time.Second
	}
	return p
}

// DatabaseConfig is one named entry of the `database` configuration
// document (spec.md §6): `databases: { <name>: { type, ... } }`.
type DatabaseConfig struct {
	Type Kind `mapstructure:"type"`

	// DSN, when set, is used verbatim. Otherwise it is composed from
	// the fields below, matching the teacher's orm.Config dial string.
	DSN string `mapstructure:"dsn"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`

	Pool    PoolSizing        `mapstructure:"pool"`
	Options map[string]string `mapstructure:"options"`
}
