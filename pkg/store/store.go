// Package store implements the durable Postgres store of spec.md §6:
// the Subscription and Run tables, plus JobMatch backing the persistent
// match cache of §4.7. Built on github.com/jmoiron/sqlx over
// github.com/jackc/pgx/v5's stdlib driver, with schema managed by
// github.com/pressly/goose/v3 migrations embedded from pkg/store/migrations —
// the durable-store stack named in jordigilh-kubernaut's go.mod, adopted
// here because the teacher persists nothing of its own (it reconciles
// from the Kubernetes API server).
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

//go:embed all:migrations
var migrationsFS embed.FS

// Store wraps a Postgres connection pool for every durable query in the
// engine.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres at dsn using pgx's database/sql driver.
func Open(dsn string) (*Store, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening postgres connection: %w", err)
	}
	return &Store{db: sqlx.NewDb(sqlDB, "pgx")}, nil
}

// Migrate applies every pending goose migration embedded from migrations/.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db.DB, "migrations")
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies connectivity to Postgres.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
