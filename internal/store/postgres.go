// Package store provides storage backends for BizMitra.
//
// This file implements the PostgreSQL constructor of the SQL store.
package store

import (
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// NewPostgresStore creates a new Postgres-backed store based on provided options.
func NewPostgresStore(opts ...Option) (*SQLStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "dsnSet", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	s, err := openSQLStore("postgres", cfg.DSN, postgresMigrations)
	if err != nil {
		return nil, err
	}
	s.db.SetMaxOpenConns(DefaultMaxOpenConns)
	s.db.SetMaxIdleConns(DefaultMaxIdleConns)
	s.db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	return s, nil
}
