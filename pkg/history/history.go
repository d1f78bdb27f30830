// SPDX-License-Identifier: Apache-2.0

// Package history persists the bitemporal catalog and data of a captured
// source database: the marty_updates/marty_schemas/marty_tables/marty_columns
// bookkeeping tables, and one per-version data table per captured user table.
// It is grounded on original_source/utils/populator.py's HistoryPopulator and
// on the teacher's pkg/state/state.go for its schema-initialization idiom.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/martyhq/marty/pkg/catalog"
	"github.com/martyhq/marty/pkg/db"
)

const sqlInit = `
CREATE TABLE IF NOT EXISTS marty_meta(
	version text NOT NULL,
	initialized_at timestamptz NOT NULL DEFAULT current_timestamp
);

CREATE TABLE IF NOT EXISTS marty_updates(
	id SERIAL PRIMARY KEY,
	time TIMESTAMP DEFAULT current_timestamp NOT NULL,
	mastertime TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS marty_schemas(
	_ctid tid NOT NULL,
	oid oid NOT NULL,
	name name NOT NULL,
	start integer REFERENCES marty_updates(id) NOT NULL,
	stop integer REFERENCES marty_updates(id)
);

CREATE TABLE IF NOT EXISTS marty_tables(
	_ctid tid NOT NULL,
	oid oid NOT NULL,
	name name NOT NULL,
	schema oid NOT NULL,
	internal_name name NOT NULL,
	start integer REFERENCES marty_updates(id) NOT NULL,
	stop integer REFERENCES marty_updates(id)
);

CREATE TABLE IF NOT EXISTS marty_columns(
	_ctid tid NOT NULL,
	table_oid oid NOT NULL,
	name name NOT NULL,
	number int2 NOT NULL,
	type name NOT NULL,
	length int4 NOT NULL,
	internal_name name NOT NULL,
	start integer REFERENCES marty_updates(id) NOT NULL,
	stop integer REFERENCES marty_updates(id)
);
`

// advisory lock key used to serialize concurrent Init calls; arbitrary but
// fixed so independent processes agree on it.
const initLockKey int64 = 0x6d61727479 // "marty" in hex

// Store is the history database connection. One Store is opened per capture
// process and held for its lifetime.
type Store struct {
	conn    *sql.DB // for BeginTx: the per-update transaction spans many calls
	rdb     *db.RDB // retrying direct reads outside of the update transaction
	version string

	updateID int64
	tx       *sql.Tx
}

// New wraps an already-open connection to the history database. Reads
// outside the update transaction retry on lock contention, since backfills
// and live ingestion can momentarily contend on the same per-version data
// table.
func New(conn *sql.DB, version string) *Store {
	return &Store{
		conn:    conn,
		rdb:     &db.RDB{DB: conn, RetryCodes: []pq.ErrorCode{db.LockNotAvailableErrorCode}},
		version: version,
	}
}

// Init creates the bookkeeping tables if they do not already exist and
// records the initializing version in marty_meta, guarded by an advisory
// lock so concurrent first-time capture processes do not race (grounded on
// pkg/state/state.go's Init).
func (s *Store) Init(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning init transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", initLockKey); err != nil {
		return fmt.Errorf("acquiring init lock: %w", err)
	}

	if _, err := tx.ExecContext(ctx, sqlInit); err != nil {
		return fmt.Errorf("creating bookkeeping tables: %w", err)
	}

	var alreadyInitialized bool
	err = tx.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM marty_meta)").Scan(&alreadyInitialized)
	if err != nil {
		return fmt.Errorf("checking marty_meta: %w", err)
	}
	if !alreadyInitialized {
		_, err = tx.ExecContext(ctx, "INSERT INTO marty_meta(version) VALUES ($1)", s.version)
		if err != nil {
			return fmt.Errorf("recording schema version: %w", err)
		}
	}

	return tx.Commit()
}

// OpenUpdate records a new update row for mastertime (the timestamp of the
// source transaction's commit) and begins the transaction every write for
// this update runs in (spec §5, §7).
func (s *Store) OpenUpdate(ctx context.Context, mastertime time.Time) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning update transaction: %w", err)
	}

	var id int64
	err = tx.QueryRowContext(ctx, "INSERT INTO marty_updates(mastertime) VALUES ($1) RETURNING id", mastertime).Scan(&id)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("inserting update row: %w", err)
	}

	s.tx = tx
	s.updateID = id
	return nil
}

// CommitUpdate commits the transaction opened by OpenUpdate.
func (s *Store) CommitUpdate() error {
	tx := s.tx
	s.tx = nil
	if tx == nil {
		return fmt.Errorf("commit called with no open update")
	}
	return tx.Commit()
}

// RollbackUpdate discards the transaction opened by OpenUpdate, used when
// applying the update's work fails.
func (s *Store) RollbackUpdate() error {
	tx := s.tx
	s.tx = nil
	if tx == nil {
		return fmt.Errorf("rollback called with no open update")
	}
	return tx.Rollback()
}

func (s *Store) requireTx() (*sql.Tx, error) {
	if s.tx == nil {
		return nil, fmt.Errorf("no open update: call OpenUpdate first")
	}
	return s.tx, nil
}

// AddSchema records a newly observed namespace, open-ended from the current
// update.
func (s *Store) AddSchema(ctx context.Context, schema *catalog.Schema) error {
	tx, err := s.requireTx()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO marty_schemas(_ctid, oid, name, start) VALUES ($1, $2, $3, $4)",
		schema.CTID.String(), schema.OID, schema.Name, s.updateID)
	if err != nil {
		return fmt.Errorf("adding schema %s: %w", schema.Name, err)
	}
	return nil
}

// RetireSchema closes a namespace's validity interval as of the current
// update.
func (s *Store) RetireSchema(ctx context.Context, ctid catalog.CTID) error {
	tx, err := s.requireTx()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "UPDATE marty_schemas SET stop = $1 WHERE _ctid = $2 AND stop IS NULL", s.updateID, ctid.String())
	if err != nil {
		return fmt.Errorf("retiring schema %s: %w", ctid, err)
	}
	return nil
}

// AddTable records a newly observed table (and recursively its columns),
// binding table.Update to the current update id so InternalName resolves
// correctly for the lifetime of this catalog entry.
func (s *Store) AddTable(ctx context.Context, table *catalog.Table) error {
	tx, err := s.requireTx()
	if err != nil {
		return err
	}
	table.Update = uint64(s.updateID)

	_, err = tx.ExecContext(ctx,
		"INSERT INTO marty_tables(_ctid, oid, name, schema, internal_name, start) VALUES ($1, $2, $3, $4, $5, $6)",
		table.CTID.String(), table.OID, table.Name, table.Schema.OID, table.InternalName(), s.updateID)
	if err != nil {
		return fmt.Errorf("adding table %s: %w", table.LongName(), err)
	}

	for _, col := range table.Columns {
		if err := s.AddColumn(ctx, col); err != nil {
			return err
		}
	}
	return nil
}

// RetireTable closes a table's validity interval as of the current update.
func (s *Store) RetireTable(ctx context.Context, ctid catalog.CTID) error {
	tx, err := s.requireTx()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "UPDATE marty_tables SET stop = $1 WHERE _ctid = $2 AND stop IS NULL", s.updateID, ctid.String())
	if err != nil {
		return fmt.Errorf("retiring table %s: %w", ctid, err)
	}
	return nil
}

// AddColumn records a newly observed column.
func (s *Store) AddColumn(ctx context.Context, col *catalog.Column) error {
	tx, err := s.requireTx()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO marty_columns(_ctid, table_oid, name, number, type, length, internal_name, start)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		col.CTID.String(), col.TableOID, col.Name, col.Ordinal, col.Type, col.TypeModifier, col.InternalName(), s.updateID)
	if err != nil {
		return fmt.Errorf("adding column %s: %w", col.Name, err)
	}
	return nil
}

// RetireColumn closes a column's validity interval as of the current update.
func (s *Store) RetireColumn(ctx context.Context, ctid catalog.CTID) error {
	tx, err := s.requireTx()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "UPDATE marty_columns SET stop = $1 WHERE _ctid = $2 AND stop IS NULL", s.updateID, ctid.String())
	if err != nil {
		return fmt.Errorf("retiring column %s: %w", ctid, err)
	}
	return nil
}

// CreateDataTable physically creates table's per-version data table, with
// one data_ctid, one column per user column, start, and stop. Because
// Postgres's CREATE TABLE column syntax cannot always express a type's
// modifier (e.g. varchar's length) inline, the modifier is corrected
// afterwards by writing atttypmod directly onto pg_attribute, exactly as the
// original does (spec §6 rationale, §4.A).
func (s *Store) CreateDataTable(ctx context.Context, table *catalog.Table) error {
	tx, err := s.requireTx()
	if err != nil {
		return err
	}

	cols := catalog.InternalColumns(table)
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = fmt.Sprintf("%s %s", pq.QuoteIdentifier(c.Name), c.Type)
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", pq.QuoteIdentifier(table.InternalName()), joinComma(defs))
	if err := s.safeExec(ctx, tx, ddl); err != nil {
		return fmt.Errorf("creating data table %s: %w", table.InternalName(), err)
	}

	var tableOID uint32
	err = tx.QueryRowContext(ctx, "SELECT oid FROM pg_class WHERE relname = $1", table.InternalName()).Scan(&tableOID)
	if err != nil {
		return fmt.Errorf("resolving new data table oid: %w", err)
	}

	for _, c := range cols {
		if c.User == nil {
			continue
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE pg_attribute SET atttypmod = $1 WHERE attrelid = $2 AND attname = $3",
			c.User.TypeModifier, tableOID, c.Name)
		if err != nil {
			return fmt.Errorf("correcting type modifier for %s.%s: %w", table.InternalName(), c.Name, err)
		}
	}
	return nil
}

// AddDataColumn adds a physical column to an already-created data table for
// a newly observed user column, then corrects its type modifier the same way
// CreateDataTable does.
func (s *Store) AddDataColumn(ctx context.Context, table *catalog.Table, col *catalog.Column) error {
	tx, err := s.requireTx()
	if err != nil {
		return err
	}

	ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
		pq.QuoteIdentifier(table.InternalName()), pq.QuoteIdentifier(col.InternalName()), col.Type)
	if err := s.safeExec(ctx, tx, ddl); err != nil {
		return fmt.Errorf("adding data column %s to %s: %w", col.InternalName(), table.InternalName(), err)
	}

	var tableOID uint32
	err = tx.QueryRowContext(ctx, "SELECT oid FROM pg_class WHERE relname = $1", table.InternalName()).Scan(&tableOID)
	if err != nil {
		return fmt.Errorf("resolving data table oid: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE pg_attribute SET atttypmod = $1 WHERE attrelid = $2 AND attname = $3",
		col.TypeModifier, tableOID, col.InternalName())
	if err != nil {
		return fmt.Errorf("correcting type modifier for %s.%s: %w", table.InternalName(), col.InternalName(), err)
	}
	return nil
}

// Insert records one captured row version: its physical ctid on the source,
// the row's values in internal-column order, and the current update as its
// start.
func (s *Store) Insert(ctx context.Context, table *catalog.Table, block uint32, offset uint16, values []any) error {
	tx, err := s.requireTx()
	if err != nil {
		return err
	}

	cols := catalog.InternalColumns(table)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = pq.QuoteIdentifier(c.Name)
	}

	args := make([]any, 0, len(cols))
	args = append(args, fmt.Sprintf("(%d,%d)", block, offset))
	args = append(args, values...)
	args = append(args, s.updateID, nil)

	placeholders := make([]string, len(args))
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pq.QuoteIdentifier(table.InternalName()), joinComma(names), joinComma(placeholders))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting into %s: %w", table.InternalName(), err)
	}
	return nil
}

// Delete closes the validity interval of the row version currently at
// (block, offset) in table's data table.
func (s *Store) Delete(ctx context.Context, table *catalog.Table, block uint32, offset uint16) error {
	tx, err := s.requireTx()
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET stop = $1 WHERE data_ctid = $2 AND stop IS NULL", pq.QuoteIdentifier(table.InternalName()))
	_, err = tx.ExecContext(ctx, query, s.updateID, fmt.Sprintf("(%d,%d)", block, offset))
	if err != nil {
		return fmt.Errorf("deleting from %s: %w", table.InternalName(), err)
	}
	return nil
}

// DeleteAll closes the validity interval of every currently-live row version
// in table's data table, used when the table itself is dropped.
func (s *Store) DeleteAll(ctx context.Context, table *catalog.Table) error {
	tx, err := s.requireTx()
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET stop = $1 WHERE stop IS NULL", pq.QuoteIdentifier(table.InternalName()))
	if _, err := tx.ExecContext(ctx, query, s.updateID); err != nil {
		return fmt.Errorf("clearing %s: %w", table.InternalName(), err)
	}
	return nil
}

// GetTable looks up the live-or-historical marty_tables row by its source
// ctid, regardless of the calling transaction's current update.
func (s *Store) GetTable(ctx context.Context, ctid catalog.CTID) (*catalog.Table, error) {
	rows, err := s.rdb.QueryContext(ctx,
		"SELECT oid, name, internal_name FROM marty_tables WHERE _ctid = $1 ORDER BY start DESC LIMIT 1",
		ctid.String())
	if err != nil {
		return nil, fmt.Errorf("fetching table %s: %w", ctid, err)
	}

	var oid uint32
	var name, internalName string
	err = scanOneRow(rows, &oid, &name, &internalName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching table %s: %w", ctid, err)
	}
	t := &catalog.Table{CTID: ctid, OID: oid, Name: name}
	t.SetInternalName(internalName)
	return t, nil
}

// GetColumn looks up the live-or-historical marty_columns row by its source
// ctid.
func (s *Store) GetColumn(ctx context.Context, ctid catalog.CTID) (*catalog.Column, error) {
	rows, err := s.rdb.QueryContext(ctx,
		`SELECT table_oid, name, number, type, length, internal_name FROM marty_columns
		 WHERE _ctid = $1 ORDER BY start DESC LIMIT 1`,
		ctid.String())
	if err != nil {
		return nil, fmt.Errorf("fetching column %s: %w", ctid, err)
	}

	var tableOID uint32
	var name, typ, internalName string
	var number int16
	var length int32
	err = scanOneRow(rows, &tableOID, &name, &number, &typ, &length, &internalName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching column %s: %w", ctid, err)
	}
	c := &catalog.Column{CTID: ctid, TableOID: tableOID, Name: name, Ordinal: number, Type: typ, TypeModifier: length}
	c.SetInternalName(internalName)
	return c, nil
}

// Backfill passes each of rows (read from the source by the caller, with
// their ctids) through Insert, recording each as valid from the current
// update, used the first time a
// pre-existing table is discovered rather than created after capture began
// (spec §4.A edge case).
func (s *Store) Backfill(ctx context.Context, table *catalog.Table, rows [][]any, ctids []catalog.CTID) error {
	if len(rows) != len(ctids) {
		return fmt.Errorf("backfill: %d rows but %d ctids", len(rows), len(ctids))
	}
	for i, row := range rows {
		if err := s.Insert(ctx, table, ctids[i].Block, ctids[i].Offset, row); err != nil {
			return fmt.Errorf("backfilling row %d of %s: %w", i, table.LongName(), err)
		}
	}
	return nil
}

// scanOneRow scans the single expected row out of rows into dest, closing
// rows before returning. RDB has no QueryRowContext, so every single-row
// lookup outside the update transaction goes through QueryContext and this
// helper instead.
func scanOneRow(rows *sql.Rows, dest ...any) error {
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	}
	return rows.Scan(dest...)
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
