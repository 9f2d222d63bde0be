package storage

import (
	"strings"
	"time"
)

// Option tunes a SQL-backed repository. Options that do not apply to a
// driver are ignored by it.
type Option interface {
	applyPostgres(*PostgresConfig)
	applySQLite(*SQLiteConfig)
}

type optionAdapter struct {
	pg     func(*PostgresConfig)
	sqlite func(*SQLiteConfig)
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func (o optionAdapter) applySQLite(cfg *SQLiteConfig) {
	if o.sqlite != nil && cfg != nil {
		o.sqlite(cfg)
	}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithPostgresMaxConnections bounds the Postgres pool.
func WithPostgresMaxConnections(max int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if max > 0 {
			cfg.MaxConnections = max
		}
	})
}

// WithPostgresHealthCheckInterval sets how often idle pool connections are
// checked.
func WithPostgresHealthCheckInterval(interval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if interval > 0 {
			cfg.HealthCheckInterval = interval
		}
	})
}

// WithPostgresApplicationName reports name as application_name.
func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		cfg.ApplicationName = strings.TrimSpace(name)
	})
}

// WithBusyTimeout sets how long SQLite waits on a locked database before the
// repository's own retry loop takes over.
func WithBusyTimeout(timeout time.Duration) Option {
	return optionAdapter{sqlite: func(cfg *SQLiteConfig) {
		if timeout > 0 {
			cfg.BusyTimeout = timeout
		}
	}}
}
