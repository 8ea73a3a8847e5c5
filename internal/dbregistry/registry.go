// Package dbregistry is the Database Registry & Pool Abstraction
// (spec.md §4.1): a process-wide mapping from logical database name to
// a live, bounded pool over SQLite, PostgreSQL or MySQL, behind a
// uniform *gorm.DB surface.
package dbregistry

import (
	"fmt"
	"sync"

	"github.com/chronopool/scheduler/internal/model"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Registry holds one Pool per configured database name. The name
// "default" must be present (enforced by Init).
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// Init opens one Pool per entry of cfgs, migrates CronJob/JobExecution
// against the "default" pool only (spec.md §5.1: additional named pools
// exist for handler-side multi-resource work, not scheduler
// bookkeeping), and returns the populated Registry.
func Init(cfgs map[string]DatabaseConfig, logger *zap.Logger) (*Registry, error) {
	if _, ok := cfgs[DefaultName]; !ok {
		return nil, fmt.Errorf("database registry: a %q database must be configured", DefaultName)
	}

	r := &Registry{pools: make(map[string]*Pool, len(cfgs))}
	for name, cfg := range cfgs {
		pool, err := open(name, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("database registry: opening %q: %w", name, err)
		}
		r.pools[name] = pool
	}

	defaultPool := r.pools[DefaultName]
	if err := defaultPool.DB().AutoMigrate(&model.CronJob{}, &model.JobExecution{}); err != nil {
		return nil, fmt.Errorf("database registry: migrating %q: %w", DefaultName, err)
	}

	return r, nil
}

func open(name string, cfg DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sql.DB: %w", err)
	}

	pool := newPool(name, cfg.Type, db, cfg.Pool, logger)
	sqlDB.SetMaxOpenConns(pool.cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(pool.cfg.MaxIdleConnections)
	sqlDB.SetConnMaxLifetime(pool.cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(pool.cfg.MaxIdleTime)

	if cfg.Type == KindSQLite {
		db.Exec("PRAGMA journal_mode=WAL")
		db.Exec("PRAGMA busy_timeout=5000")
		db.Exec("PRAGMA foreign_keys=ON")
	}

	return pool, nil
}

func dialectorFor(cfg DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Type {
	case KindSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = cfg.Database
		}
		return sqlite.Open(dsn), nil
	case KindMySQL:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
				cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		}
		return mysql.Open(dsn), nil
	case KindPostgres:
		dsn := cfg.DSN
		if dsn == "" {
			sslMode := cfg.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
				cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode)
		}
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}

// Get resolves a pool by name.
func (r *Registry) Get(name string) (*Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pool, ok := r.pools[name]
	if !ok {
		return nil, fmt.Errorf("database registry: no pool named %q", name)
	}
	return pool, nil
}

// Default resolves the "default" pool.
func (r *Registry) Default() *Pool {
	pool, _ := r.Get(DefaultName)
	return pool
}

// Names lists every registered pool name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	return names
}

// Close releases every pool's underlying connections.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var firstErr error
	for name, pool := range r.pools {
		sqlDB, err := pool.DB().DB()
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("closing %q: %w", name, err)
			}
			continue
		}
		if err := sqlDB.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %q: %w", name, err)
		}
	}
	return firstErr
}
