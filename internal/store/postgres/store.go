// Package postgres is the PostgreSQL source of truth for tenant
// configuration and the durable call record sink.
//
// Usage:
//
//	store, err := postgres.Open(ctx, dsn, true)
//	if err != nil { … }
//	defer store.Close()
//
//	res := resolver.New(store)        // store is a resolver.Source
//	rel := relay.New(..., store, ...) // store is a record.Sink
package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/MrWong99/callrelay/internal/record"
	"github.com/MrWong99/callrelay/internal/resolver"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Compile-time interface checks.
var (
	_ resolver.Source = (*Store)(nil)
	_ record.Sink     = (*Store)(nil)
)

// Store implements [resolver.Source] and [record.Sink]. Safe for concurrent
// use.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// New wraps an existing connection or pool. The caller owns its lifetime.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn, checks connectivity, and applies pending migrations
// when migrate is true.
func Open(ctx context.Context, dsn string, migrate bool) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if migrate {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &Store{db: pool, pool: pool}, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: migrations fs: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	p, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("postgres: goose provider: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Ping checks connectivity. Only stores created by [Open] can ping.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// Close releases the pool if the store owns one.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
