// SPDX-License-Identifier: Apache-2.0

// Package federator provisions a clone database that exposes a history
// store's catalog-and-data snapshot, as of a chosen update id, through
// updatable views: reads are federated to the history store via dblink on
// first access and cached locally; writes land only in a local overlay
// table and never reach the history store. Grounded on
// original_source/utils/populator.py's ClonePopulator.
package federator

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/martyhq/marty/pkg/catalog"
	"github.com/martyhq/marty/pkg/db"
)

// ConnInfo is the history store's connection parameters, used to build the
// dblink connection string the clone-side coninfo() function returns. It
// always names the *history* connection, never the clone's own (spec §4.E).
type ConnInfo struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

func (c ConnInfo) dblinkConnStr() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		c.Host, c.Port, c.User, c.Password, c.Database)
}

// Federator drives DDL against a clone database.
type Federator struct {
	db      db.DB
	history ConnInfo
}

// New wraps an already-open connection to the clone database. Statements the
// Federator issues retry on lock contention (LockNotAvailableErrorCode).
func New(conn *sql.DB, history ConnInfo) *Federator {
	return &Federator{
		db:      &db.RDB{DB: conn, RetryCodes: []pq.ErrorCode{db.LockNotAvailableErrorCode}},
		history: history,
	}
}

// NewDryRun builds a Federator backed by a FakeDB: every generated DDL
// statement is still parsed by safeExec, but nothing is sent to a driver.
func NewDryRun(history ConnInfo) *Federator {
	return &Federator{db: &db.FakeDB{}, history: history}
}

// Initialize creates the marty schema, its bookkeeping table, the dblink
// extension, and the coninfo()/view_select() procedures every overlay view
// depends on. Idempotent.
func (f *Federator) Initialize(ctx context.Context) error {
	if err := f.safeExec(ctx, `CREATE SCHEMA IF NOT EXISTS marty`); err != nil {
		return fmt.Errorf("creating marty schema: %w", err)
	}
	if _, err := f.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS dblink`); err != nil {
		return fmt.Errorf("creating dblink extension: %w", err)
	}

	if err := f.safeExec(ctx, `
		CREATE TABLE IF NOT EXISTS marty.bookkeeping(
			view_name name UNIQUE,
			local_table name,
			cached boolean DEFAULT false,
			coldef text,
			remote_select_stmt text,
			temp_table_def text
		)`); err != nil {
		return fmt.Errorf("creating bookkeeping table: %w", err)
	}

	coninfoDDL := fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION marty.coninfo() RETURNS text AS $$
		BEGIN
			RETURN %s;
		END;
		$$ LANGUAGE plpgsql`, pq.QuoteLiteral(f.history.dblinkConnStr()))
	if err := f.safeExec(ctx, coninfoDDL); err != nil {
		return fmt.Errorf("creating coninfo function: %w", err)
	}

	if err := f.safeExec(ctx, viewSelectDDL); err != nil {
		return fmt.Errorf("creating view_select function: %w", err)
	}

	return nil
}

const viewSelectDDL = `
CREATE OR REPLACE FUNCTION marty.view_select(my_view_name text) RETURNS SETOF RECORD AS $$
DECLARE
	view_info RECORD;
BEGIN
	SELECT * FROM marty.bookkeeping WHERE view_name = my_view_name INTO view_info;
	IF NOT view_info.cached THEN
		RAISE NOTICE 'fetching %', view_info.view_name;
		EXECUTE 'INSERT INTO ' || view_info.local_table ||
			' SELECT ' || view_info.coldef ||
			' FROM dblink(''' || marty.coninfo() || ''', ''' || view_info.remote_select_stmt || ''')' ||
			' AS ' || view_info.temp_table_def;
		UPDATE marty.bookkeeping SET cached = true WHERE view_name = my_view_name;
	END IF;
	RETURN QUERY EXECUTE 'SELECT ' || view_info.coldef || ' FROM ' || view_info.local_table;
END;
$$ LANGUAGE plpgsql`

// CreateSchema creates the target namespace for a federated table's view,
// distinct from the marty bookkeeping schema.
func (f *Federator) CreateSchema(ctx context.Context, name string) error {
	ddl := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pq.QuoteIdentifier(name))
	if err := f.safeExec(ctx, ddl); err != nil {
		return fmt.Errorf("creating schema %s: %w", name, err)
	}
	return nil
}

// CreateTable provisions the local overlay table, the federated view, the
// bookkeeping row, and the three INSTEAD OF triggers for table, as of
// history update id update (spec §4.E).
func (f *Federator) CreateTable(ctx context.Context, table *catalog.Table, update uint64) error {
	table.Update = update

	localTable := "marty." + pq.QuoteIdentifier(table.InternalName())

	colDefs := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		colDefs[i] = fmt.Sprintf("%s %s", pq.QuoteIdentifier(c.Name), c.Type)
	}
	createDDL := fmt.Sprintf("CREATE TABLE %s (%s)", localTable, strings.Join(colDefs, ", "))
	if err := f.safeExec(ctx, createDDL); err != nil {
		return fmt.Errorf("creating local overlay table for %s: %w", table.LongName(), err)
	}

	rows, err := f.db.QueryContext(ctx, "SELECT $1::regclass::oid", "marty."+table.InternalName())
	if err != nil {
		return fmt.Errorf("resolving overlay table oid: %w", err)
	}
	if rows == nil {
		// rows == nil means this Federator is backed by a FakeDB (dry run):
		// there is no physical attrelid to correct atttypmod against.
	} else {
		var tableOID uint32
		if err := scanOneRow(rows, &tableOID); err != nil {
			return fmt.Errorf("resolving overlay table oid: %w", err)
		}
		for _, c := range table.Columns {
			_, err := f.db.ExecContext(ctx,
				"UPDATE pg_attribute SET atttypmod = $1 WHERE attrelid = $2 AND attname = $3",
				c.TypeModifier, tableOID, c.Name)
			if err != nil {
				return fmt.Errorf("correcting type modifier for %s.%s: %w", table.InternalName(), c.Name, err)
			}
		}
	}

	userCols := make([]string, len(table.Columns))
	tempCols := make([]string, len(table.Columns))
	internalCols := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		userCols[i] = pq.QuoteIdentifier(c.Name)
		tempCols[i] = fmt.Sprintf("%s %s", pq.QuoteIdentifier(c.Name), c.Type)
		internalCols[i] = c.InternalName()
	}
	tempTableDef := fmt.Sprintf("t1(%s)", strings.Join(tempCols, ", "))

	viewDDL := fmt.Sprintf(
		"CREATE VIEW %s AS SELECT %s FROM marty.view_select(%s) AS %s",
		table.LongName(), strings.Join(userCols, ", "), pq.QuoteLiteral(table.LongName()), tempTableDef)
	if err := f.safeExec(ctx, viewDDL); err != nil {
		return fmt.Errorf("creating view %s: %w", table.LongName(), err)
	}

	remoteSelect := fmt.Sprintf(
		"SELECT %s FROM %s WHERE start <= %d AND (stop IS NULL OR stop > %d)",
		strings.Join(internalCols, ", "), table.InternalName(), update, update)

	_, err = f.db.ExecContext(ctx, `
		INSERT INTO marty.bookkeeping(view_name, local_table, coldef, remote_select_stmt, temp_table_def)
		VALUES ($1, $2, $3, $4, $5)`,
		table.LongName(), "marty."+table.InternalName(), strings.Join(userCols, ", "), remoteSelect, tempTableDef)
	if err != nil {
		return fmt.Errorf("registering bookkeeping row for %s: %w", table.LongName(), err)
	}

	return f.createTriggers(ctx, table, localTable, userCols)
}

func (f *Federator) createTriggers(ctx context.Context, table *catalog.Table, localTable string, userCols []string) error {
	triggerName := strings.ReplaceAll(table.LongName(), ".", "_")

	newValuesInsert := make([]string, len(userCols))
	newValuesUpdate := make([]string, len(userCols))
	oldValues := make([]string, len(userCols))
	for i, c := range table.Columns {
		newValuesInsert[i] = "NEW." + pq.QuoteIdentifier(c.Name)
		newValuesUpdate[i] = fmt.Sprintf("%s = NEW.%s", pq.QuoteIdentifier(c.Name), pq.QuoteIdentifier(c.Name))
		oldValues[i] = fmt.Sprintf("%s = OLD.%s", pq.QuoteIdentifier(c.Name), pq.QuoteIdentifier(c.Name))
	}

	insertDDL := fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION %s_insert() RETURNS trigger AS $$
		BEGIN
			INSERT INTO %s(%s) VALUES(%s);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql;

		CREATE TRIGGER %s_insert_trigger
		INSTEAD OF INSERT ON %s
		FOR EACH ROW EXECUTE PROCEDURE %s_insert();`,
		triggerName, localTable, strings.Join(userCols, ", "), strings.Join(newValuesInsert, ", "),
		triggerName, table.LongName(), triggerName)
	if err := f.safeExecMulti(ctx, insertDDL); err != nil {
		return fmt.Errorf("creating insert trigger for %s: %w", table.LongName(), err)
	}

	updateDDL := fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION %s_update() RETURNS trigger AS $$
		BEGIN
			UPDATE %s SET %s WHERE %s;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql;

		CREATE TRIGGER %s_update_trigger
		INSTEAD OF UPDATE ON %s
		FOR EACH ROW EXECUTE PROCEDURE %s_update();`,
		triggerName, localTable, strings.Join(newValuesUpdate, ", "), strings.Join(oldValues, " AND "),
		triggerName, table.LongName(), triggerName)
	if err := f.safeExecMulti(ctx, updateDDL); err != nil {
		return fmt.Errorf("creating update trigger for %s: %w", table.LongName(), err)
	}

	deleteDDL := fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION %s_delete() RETURNS trigger AS $$
		BEGIN
			DELETE FROM %s WHERE %s;
			RETURN OLD;
		END;
		$$ LANGUAGE plpgsql;

		CREATE TRIGGER %s_delete_trigger
		INSTEAD OF DELETE ON %s
		FOR EACH ROW EXECUTE PROCEDURE %s_delete();`,
		triggerName, localTable, strings.Join(oldValues, " AND "),
		triggerName, table.LongName(), triggerName)
	return f.safeExecMulti(ctx, deleteDDL)
}

// scanOneRow scans the single expected row out of rows into dest, closing
// rows before returning. RDB has no QueryRowContext, so single-row lookups
// go through QueryContext and this helper instead.
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
