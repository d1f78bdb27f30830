// SPDX-License-Identifier: Apache-2.0

package capture_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/martyhq/marty/internal/testutils"
	"github.com/martyhq/marty/pkg/capture"
	"github.com/martyhq/marty/pkg/history"
	"github.com/martyhq/marty/pkg/source"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func TestBootstrapBackfillsExistingData(t *testing.T) {
	ctx := context.Background()
	pair := testutils.NewSourceAndHistory(t)

	_, err := pair.Source.DB.ExecContext(ctx, `CREATE TABLE t (id integer, v text)`)
	require.NoError(t, err)
	_, err = pair.Source.DB.ExecContext(ctx, `INSERT INTO t VALUES (1, 'a'), (2, 'b')`)
	require.NoError(t, err)

	insp, err := source.NewInspector(ctx, pair.Source.DB)
	require.NoError(t, err)

	store := history.New(pair.History.DB, "development")
	require.NoError(t, store.Init(ctx))

	engine := capture.NewEngine(insp, store, capture.NewNoopLogger(), uuid.New())

	input := strings.NewReader(strings.Join([]string{
		"LOG:  database system was interrupted; last known up at 2020-01-01 00:00:00",
		"LOG:  database system is ready to accept read only connections",
	}, "\n") + "\n")

	require.NoError(t, engine.Run(ctx, input))

	var updateCount int
	err = pair.History.DB.QueryRowContext(ctx, "SELECT count(*) FROM marty_updates").Scan(&updateCount)
	require.NoError(t, err)
	require.Equal(t, 1, updateCount)

	var schemaCount int
	err = pair.History.DB.QueryRowContext(ctx, "SELECT count(*) FROM marty_schemas WHERE name = 'public'").Scan(&schemaCount)
	require.NoError(t, err)
	require.Equal(t, 1, schemaCount)

	var tableName string
	err = pair.History.DB.QueryRowContext(ctx, "SELECT internal_name FROM marty_tables WHERE name = 't'").Scan(&tableName)
	require.NoError(t, err)
	require.Contains(t, tableName, "data_public_t_")

	var rowCount int
	err = pair.History.DB.QueryRowContext(ctx, `SELECT count(*) FROM `+quoteIdent(tableName)).Scan(&rowCount)
	require.NoError(t, err)
	require.Equal(t, 2, rowCount)
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

// TestPausedWithoutCommitDiscardsBuffer exercises SPEC_FULL.md §7's discard
// policy: a transaction's work buffered between two `recovery has paused`
// lines with no intervening REDO line (no progress, no commit) is dropped
// rather than replayed. A real, properly committed transaction observed
// afterwards must still apply cleanly.
func TestPausedWithoutCommitDiscardsBuffer(t *testing.T) {
	ctx := context.Background()
	pair := testutils.NewSourceAndHistory(t)

	_, err := pair.Source.DB.ExecContext(ctx, `CREATE TABLE t (id integer, v text)`)
	require.NoError(t, err)
	_, err = pair.Source.DB.ExecContext(ctx, `INSERT INTO t VALUES (1, 'a')`)
	require.NoError(t, err)

	insp, err := source.NewInspector(ctx, pair.Source.DB)
	require.NoError(t, err)

	store := history.New(pair.History.DB, "development")
	require.NoError(t, store.Init(ctx))

	logger := &spyLogger{}
	engine := capture.NewEngine(insp, store, logger, uuid.New())

	bootstrapInput := strings.NewReader(strings.Join([]string{
		"LOG:  database system was interrupted; last known up at 2020-01-01 00:00:00",
		"LOG:  database system is ready to accept read only connections",
	}, "\n") + "\n")
	require.NoError(t, engine.Run(ctx, bootstrapInput))

	var dbOID, relNode uint32
	err = pair.Source.DB.QueryRowContext(ctx,
		`SELECT oid FROM pg_database WHERE datname = current_database()`).Scan(&dbOID)
	require.NoError(t, err)
	err = pair.Source.DB.QueryRowContext(ctx,
		`SELECT pg_relation_filenode('t'::regclass)`).Scan(&relNode)
	require.NoError(t, err)

	// A buffered insert against a tuple identifier that never existed: stands
	// in for work belonging to a transaction the source later rolled back.
	// There is no such row to fetch on the source.
	staleLine := fmt.Sprintf(
		"LOG:  REDO @ 0/16B1F30: rel 1663/%d/%d; tid 0/999 Heap/INSERT: off 1", dbOID, relNode)

	stuckInput := strings.NewReader(strings.Join([]string{
		staleLine,
		"LOG:  recovery has paused",
		"LOG:  recovery has paused",
	}, "\n") + "\n")
	require.NoError(t, engine.Run(ctx, stuckInput))
	require.True(t, logger.discardedBuffer, "expected the stale buffer to be discarded and logged")

	_, err = pair.Source.DB.ExecContext(ctx, `INSERT INTO t VALUES (2, 'b')`)
	require.NoError(t, err)

	var ctidStr string
	err = pair.Source.DB.QueryRowContext(ctx, `SELECT ctid::text FROM t WHERE id = 2`).Scan(&ctidStr)
	require.NoError(t, err)
	var block, offset uint32
	ctidStr = strings.Trim(ctidStr, "()")
	_, err = fmt.Sscanf(ctidStr, "%d,%d", &block, &offset)
	require.NoError(t, err)

	realInsertLine := fmt.Sprintf(
		"LOG:  REDO @ 0/16B2000: rel 1663/%d/%d; tid %d/%d Heap/INSERT: off 1", dbOID, relNode, block, offset)
	commitLine := "LOG:  REDO @ 0/16B3000: Transaction - commit: 2020-01-01 00:01:00"
	// Any further redo line triggers the drain of the buffered commit above.
	triggerLine := "LOG:  REDO @ 0/16B4000: rel 1663/0/0; tid 0/0 Heap/INSERT: off 1"

	realInput := strings.NewReader(strings.Join([]string{realInsertLine, commitLine, triggerLine}, "\n") + "\n")
	require.NoError(t, engine.Run(ctx, realInput))

	var updateCount int
	err = pair.History.DB.QueryRowContext(ctx, "SELECT count(*) FROM marty_updates").Scan(&updateCount)
	require.NoError(t, err)
	require.Equal(t, 2, updateCount, "bootstrap update plus the one real committed transaction")

	var tableName string
	err = pair.History.DB.QueryRowContext(ctx,
		"SELECT internal_name FROM marty_tables WHERE name = 't'").Scan(&tableName)
	require.NoError(t, err)

	var rowCount int
	err = pair.History.DB.QueryRowContext(ctx, `SELECT count(*) FROM `+quoteIdent(tableName)).Scan(&rowCount)
	require.NoError(t, err)
	require.Equal(t, 2, rowCount, "only the backfilled row and the one real insert, no phantom row from the discarded buffer")
}

// spyLogger records whether a discard-on-pause Info line was logged.
type spyLogger struct {
	discardedBuffer bool
}

func (l *spyLogger) Info(msg string, _ ...any) {
	if strings.Contains(msg, "discarding buffered work") {
		l.discardedBuffer = true
	}
}

func (l *spyLogger) Debug(string, ...any) {}
func (l *spyLogger) Error(string, ...any) {}
