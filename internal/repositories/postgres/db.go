// Package postgres implements the repository registry on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMaxConns        = 20
	defaultMinConns        = 2
	defaultMaxConnLifetime = time.Hour
	defaultMaxConnIdleTime = 30 * time.Minute
	defaultPingTimeout     = 5 * time.Second
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// DB wraps the connection pool and binds transactions to contexts.
type DB struct {
	pool *pgxpool.Pool
}

// Open parses dsn, creates the pool and verifies connectivity.
func Open(ctx context.Context, dsn string) (*DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	cfg.MaxConns = defaultMaxConns
	cfg.MinConns = defaultMinConns
	cfg.MaxConnLifetime = defaultMaxConnLifetime
	cfg.MaxConnIdleTime = defaultMaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	db := &DB{pool: pool}
	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return db, nil
}

// Ping checks the pool can reach the server.
func (db *DB) Ping(ctx context.Context) error {
	return wrapError("ping", db.pool.Ping(ctx))
}

// Close releases every pooled connection.
func (db *DB) Close() {
	db.pool.Close()
}

type txKey struct{}

// RunInTx runs fn in a transaction unless ctx already carries one. The transaction
// commits when fn returns nil and rolls back otherwise.
func (db *DB) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return wrapError("tx.begin", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return wrapError("tx.commit", tx.Commit(ctx))
}

// q returns the transaction bound to ctx or the pool.
func (db *DB) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return db.pool
}

// Migrate creates the schema when missing. Statements are idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migration %d: %w", i, err)
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_email_key ON users (lower(email))`,

	`CREATE TABLE IF NOT EXISTS addresses (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		recipient TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		line1 TEXT NOT NULL,
		line2 TEXT,
		city TEXT NOT NULL,
		state TEXT,
		postal_code TEXT NOT NULL,
		country TEXT NOT NULL,
		phone TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		order_number TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		customer_email TEXT NOT NULL,
		customer_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		currency TEXT NOT NULL,
		subtotal BIGINT NOT NULL,
		discount BIGINT NOT NULL,
		shipping BIGINT NOT NULL,
		tax BIGINT NOT NULL,
		total BIGINT NOT NULL,
		discount_code TEXT,
		discount_type TEXT,
		shipping_address_id TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		payment_reference TEXT NOT NULL DEFAULT '',
		tracking_number TEXT NOT NULL DEFAULT '',
		shipping_method TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		paid_at TIMESTAMPTZ,
		shipped_at TIMESTAMPTZ,
		delivered_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ,
		refunded_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		product_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		unit_price BIGINT NOT NULL,
		quantity INTEGER NOT NULL,
		size TEXT NOT NULL DEFAULT '',
		color TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (order_id, position)
	)`,

	`CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		price BIGINT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 0),
		in_stock BOOLEAN NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS product_variants (
		product_id TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		id TEXT NOT NULL DEFAULT '',
		size TEXT NOT NULL DEFAULT '',
		color TEXT NOT NULL DEFAULT '',
		quantity INTEGER NOT NULL CHECK (quantity >= 0),
		in_stock BOOLEAN NOT NULL,
		PRIMARY KEY (product_id, position)
	)`,

	`CREATE TABLE IF NOT EXISTS discount_codes (
		code TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		value NUMERIC(12, 4) NOT NULL,
		min_purchase BIGINT,
		max_discount BIGINT,
		usage_limit INTEGER,
		used_count INTEGER NOT NULL DEFAULT 0,
		valid_from TIMESTAMPTZ,
		valid_until TIMESTAMPTZ,
		is_active BOOLEAN NOT NULL DEFAULT true,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS order_outbox (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		order_number TEXT NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}'::jsonb,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		next_attempt_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS order_outbox_due_idx ON order_outbox (status, next_attempt_at)`,
}
