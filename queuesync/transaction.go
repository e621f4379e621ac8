// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TransactionHandler runs a unit of work inside one transaction, rolling back and
// retrying the whole unit on failure. Calls made while a transaction is already
// active in ctx join it instead of opening a new one.
type TransactionHandler interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txContextKey struct{}

func withTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

func txFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(pgx.Tx)
	return tx, ok
}

// dbFrom returns the active transaction or falls back to the pool
func dbFrom(ctx context.Context, pool *pgxpool.Pool) DBTX {
	if tx, ok := txFromContext(ctx); ok {
		return tx
	}
	return pool
}

// PgTransactionHandler implements TransactionHandler on a pgx pool
type PgTransactionHandler struct {
	pool        *pgxpool.Pool
	logger      *slog.Logger
	maxAttempts int
	txOptions   pgx.TxOptions
}

// NewPgTransactionHandler creates a handler; maxAttempts <= 0 means DefaultMaxTxAttempts
func NewPgTransactionHandler(pool *pgxpool.Pool, maxAttempts int, logger *slog.Logger) *PgTransactionHandler {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxTxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PgTransactionHandler{
		pool:        pool,
		logger:      logger,
		maxAttempts: maxAttempts,
		txOptions:   pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite},
	}
}

// Transaction implements TransactionHandler
func (h *PgTransactionHandler) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFromContext(ctx); ok {
		return fn(ctx)
	}
	return retryTransaction(ctx, h.maxAttempts, h.logger, func(ctx context.Context) error {
		return pgx.BeginTxFunc(ctx, h.pool, h.txOptions, func(tx pgx.Tx) error {
			// Bound lock waits so contention surfaces as a retryable error
			if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '3s'"); err != nil {
				return err
			}
			return fn(withTx(ctx, tx))
		})
	})
}

const retryPause = 20 * time.Millisecond

// retryTransaction runs unit up to attempts times. Client and authorization
// errors and context cancellation are returned immediately.
func retryTransaction(ctx context.Context, attempts int, logger *slog.Logger, unit func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = unit(withAttempt(ctx, attempt))
		if err == nil {
			return nil
		}
		if isPermanent(err) || attempt == attempts {
			break
		}
		logger.Warn("Transaction failed, retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"pg_retryable", isRetryablePGTxError(err),
			"error", err)
		if sleepErr := sleepWithContext(ctx, time.Duration(attempt)*retryPause); sleepErr != nil {
			return err
		}
	}
	return err
}

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
