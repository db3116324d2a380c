package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TxOption customises transactions started by WithTx.
type TxOption func(*txConfig)

type txConfig struct {
	options  pgx.TxOptions
	attempts int
}

// ReadCommitted runs the transaction at READ COMMITTED, so statements issued
// after acquiring a lock observe rows committed by the previous holder.
func ReadCommitted() TxOption {
	return func(c *txConfig) {
		c.options.IsoLevel = pgx.ReadCommitted
	}
}

// Attempts retries the whole callback on serialization failures and
// deadlocks, up to n executions in total.
func Attempts(n int) TxOption {
	return func(c *txConfig) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithTx executes a function within a transaction, RepeatableRead unless
// overridden by opts.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error, opts ...TxOption) error {
	cfg := txConfig{options: pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, attempts: 1}
	for _, opt := range opts {
		opt(&cfg)
	}
	var err error
	for attempt := 1; attempt <= cfg.attempts; attempt++ {
		err = runTx(ctx, pool, cfg.options, fn)
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

func runTx(ctx context.Context, pool *pgxpool.Pool, options pgx.TxOptions, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, options)
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
