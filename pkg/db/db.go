// SPDX-License-Identifier: Apache-2.0

package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cloudflare/backoff"
	"github.com/lib/pq"
)

const (
	maxBackoffDuration = 1 * time.Minute
	backoffInterval    = 1 * time.Second

	// DefaultMaxRetries bounds the number of times a retryable error is
	// retried before a call gives up and returns the error to the caller.
	// Spec §7 suggests 3 as a sensible cap for history-store write retries.
	DefaultMaxRetries = 3
)

// LockNotAvailableErrorCode is the Postgres error code raised when a
// statement governed by lock_timeout cannot acquire its lock in time.
const LockNotAvailableErrorCode pq.ErrorCode = "55P03"

// DB is the minimal surface both the source inspector and the history store
// need from a database connection: context-aware exec/query, a retryable
// transaction helper, and Close.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	WithRetryableTransaction(ctx context.Context, f func(context.Context, *sql.Tx) error) error
	Close() error
}

// RDB wraps a *sql.DB and retries queries with an exponential backoff (with
// jitter) whenever the error code is one of RetryCodes. A source connection
// (read-only, autocommit, always hitting a just-paused replica) typically
// carries no retry codes: there is nothing to contend with there. A history
// connection retries on LockNotAvailableErrorCode, since backfills and live
// ingestion can momentarily contend on the same per-version data table.
type RDB struct {
	DB         *sql.DB
	RetryCodes []pq.ErrorCode
	MaxRetries int
}

func (db *RDB) isRetryable(err error) bool {
	pqErr := &pq.Error{}
	if !errors.As(err, &pqErr) {
		return false
	}
	for _, code := range db.RetryCodes {
		if pqErr.Code == code {
			return true
		}
	}
	return false
}

func (db *RDB) maxRetries() int {
	if db.MaxRetries > 0 {
		return db.MaxRetries
	}
	return DefaultMaxRetries
}

// ExecContext wraps sql.DB.ExecContext, retrying on configured retry codes.
func (db *RDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	b := backoff.New(maxBackoffDuration, backoffInterval)

	var lastErr error
	for attempt := 0; attempt <= db.maxRetries(); attempt++ {
		res, err := db.DB.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !db.isRetryable(err) {
			return nil, err
		}
		if err := sleepCtx(ctx, b.Duration()); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// QueryContext wraps sql.DB.QueryContext, retrying on configured retry codes.
func (db *RDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	b := backoff.New(maxBackoffDuration, backoffInterval)

	var lastErr error
	for attempt := 0; attempt <= db.maxRetries(); attempt++ {
		rows, err := db.DB.QueryContext(ctx, query, args...)
		if err == nil {
			return rows, nil
		}
		lastErr = err

		if !db.isRetryable(err) {
			return nil, err
		}
		if err := sleepCtx(ctx, b.Duration()); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// WithRetryableTransaction runs `f` in a transaction, retrying the whole
// transaction on configured retry codes: a transient failure rolls back and
// `f` is run again in a new transaction; a non-retryable failure rolls back
// and propagates to the caller.
func (db *RDB) WithRetryableTransaction(ctx context.Context, f func(context.Context, *sql.Tx) error) error {
	b := backoff.New(maxBackoffDuration, backoffInterval)

	var lastErr error
	for attempt := 0; attempt <= db.maxRetries(); attempt++ {
		tx, err := db.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		err = f(ctx, tx)
		if err == nil {
			return tx.Commit()
		}
		lastErr = err

		if errRollback := tx.Rollback(); errRollback != nil {
			return errRollback
		}

		if !db.isRetryable(err) {
			return err
		}
		if err := sleepCtx(ctx, b.Duration()); err != nil {
			return err
		}
	}
	return lastErr
}

func (db *RDB) Close() error {
	return db.DB.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ScanFirstValue scans the first value out of rows, assuming a single row
// with a single column. Used for scalar lookups (oids, counts, ...).
func ScanFirstValue[T any](rows *sql.Rows, dest *T) error {
	if rows.Next() {
		if err := rows.Scan(dest); err != nil {
			return err
		}
	}
	return rows.Err()
}
