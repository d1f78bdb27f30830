// SPDX-License-Identifier: Apache-2.0

package db_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martyhq/marty/internal/testutils"
	"github.com/martyhq/marty/pkg/db"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func newRetryableRDB(conn *sql.DB) *db.RDB {
	return &db.RDB{DB: conn, RetryCodes: []pq.ErrorCode{db.LockNotAvailableErrorCode}}
}

func TestExecContext(t *testing.T) {
	t.Parallel()

	database := testutils.NewDatabase(t, "db")
	conn := database.DB

	setupTableLock(t, database.ConnStr, 2*time.Second)
	ensureLockTimeout(t, conn, 100)

	rdb := newRetryableRDB(conn)
	_, err := rdb.ExecContext(context.Background(), "INSERT INTO test(id) VALUES (1)")
	require.NoError(t, err)
}

func TestExecContextWhenContextCancelled(t *testing.T) {
	t.Parallel()

	database := testutils.NewDatabase(t, "db")
	conn := database.DB

	setupTableLock(t, database.ConnStr, 2*time.Second)
	ensureLockTimeout(t, conn, 100)

	ctx, cancel := context.WithCancel(context.Background())
	rdb := newRetryableRDB(conn)

	go time.AfterFunc(500*time.Millisecond, cancel)

	_, err := rdb.ExecContext(ctx, "INSERT INTO test(id) VALUES (1)")
	require.Errorf(t, err, "context canceled")
}

func TestQueryContext(t *testing.T) {
	t.Parallel()

	database := testutils.NewDatabase(t, "db")
	conn := database.DB

	setupTableLock(t, database.ConnStr, 2*time.Second)
	ensureLockTimeout(t, conn, 100)

	rdb := newRetryableRDB(conn)
	rows, err := rdb.QueryContext(context.Background(), "SELECT COUNT(*) FROM test")
	require.NoError(t, err)

	var count int
	err = db.ScanFirstValue(rows, &count)
	assert.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestQueryContextWhenContextCancelled(t *testing.T) {
	t.Parallel()

	database := testutils.NewDatabase(t, "db")
	conn := database.DB

	setupTableLock(t, database.ConnStr, 2*time.Second)
	ensureLockTimeout(t, conn, 100)

	ctx, cancel := context.WithCancel(context.Background())
	rdb := newRetryableRDB(conn)

	go time.AfterFunc(500*time.Millisecond, cancel)

	_, err := rdb.QueryContext(ctx, "SELECT COUNT(*) FROM test")
	require.Errorf(t, err, "context canceled")
}

func TestWithRetryableTransaction(t *testing.T) {
	t.Parallel()

	database := testutils.NewDatabase(t, "db")
	conn := database.DB

	setupTableLock(t, database.ConnStr, 2*time.Second)
	ensureLockTimeout(t, conn, 100)

	rdb := newRetryableRDB(conn)
	err := rdb.WithRetryableTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, "SELECT 1 FROM test").Err()
	})
	require.NoError(t, err)
}

func TestWithRetryableTransactionWhenContextCancelled(t *testing.T) {
	t.Parallel()

	database := testutils.NewDatabase(t, "db")
	conn := database.DB

	setupTableLock(t, database.ConnStr, 2*time.Second)
	ensureLockTimeout(t, conn, 100)

	ctx, cancel := context.WithCancel(context.Background())
	rdb := newRetryableRDB(conn)

	go time.AfterFunc(500*time.Millisecond, cancel)

	err := rdb.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, "SELECT 1 FROM test").Err()
	})
	require.Errorf(t, err, "context canceled")
}

// setupTableLock connects to the database separately, creates a table, and
// holds an exclusive lock on it for d so the RDB under test is forced to
// retry.
func setupTableLock(t *testing.T, connStr string, d time.Duration) {
	t.Helper()
	ctx := context.Background()

	conn2, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn2.Close() })

	_, err = conn2.ExecContext(ctx, "CREATE TABLE test (id INT PRIMARY KEY)")
	require.NoError(t, err)

	errCh := make(chan error)
	go func() {
		tx, err := conn2.Begin()
		if err != nil {
			errCh <- err
			return
		}

		_, err = tx.ExecContext(ctx, "LOCK TABLE test IN ACCESS EXCLUSIVE MODE")
		if err != nil {
			errCh <- err
			return
		}

		errCh <- nil

		time.Sleep(d)
		tx.Commit()
	}()

	err = <-errCh
	require.NoError(t, err)
}

func ensureLockTimeout(t *testing.T, conn *sql.DB, ms int) {
	t.Helper()

	query := fmt.Sprintf("SET lock_timeout = '%dms'", ms)
	_, err := conn.ExecContext(context.Background(), query)
	require.NoError(t, err)

	var lockTimeout string
	err = conn.QueryRowContext(context.Background(), "SHOW lock_timeout").Scan(&lockTimeout)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("%dms", ms), lockTimeout)
}
