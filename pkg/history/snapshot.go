// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"fmt"

	"github.com/martyhq/marty/pkg/catalog"
)

// LatestUpdate returns the id of the most recently opened update, used by
// the clone binary to pick a default snapshot point. Grounded on
// original_source/utils/inspector.py's HistoryInspector._update.
func (s *Store) LatestUpdate(ctx context.Context) (uint64, error) {
	rows, err := s.rdb.QueryContext(ctx, "SELECT id FROM marty_updates ORDER BY time DESC LIMIT 1")
	if err != nil {
		return 0, fmt.Errorf("fetching latest update: %w", err)
	}

	var id uint64
	if err := scanOneRow(rows, &id); err != nil {
		return 0, fmt.Errorf("fetching latest update: %w", err)
	}
	return id, nil
}

// SchemasAtUpdate lists every namespace live as of updateID: start <=
// updateID AND (stop IS NULL OR stop > updateID). Grounded on
// original_source/utils/inspector.py's HistoryInspector.schemas.
func (s *Store) SchemasAtUpdate(ctx context.Context, updateID uint64) ([]*catalog.Schema, error) {
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT oid, name
		FROM marty_schemas
		WHERE start <= $1 AND (stop IS NULL OR stop > $1)`, updateID)
	if err != nil {
		return nil, fmt.Errorf("listing schemas at update %d: %w", updateID, err)
	}
	defer rows.Close()

	var schemas []*catalog.Schema
	for rows.Next() {
		sc := &catalog.Schema{}
		if err := rows.Scan(&sc.OID, &sc.Name); err != nil {
			return nil, err
		}
		schemas = append(schemas, sc)
	}
	return schemas, rows.Err()
}

// TablesAtUpdate lists every table of schema live as of updateID, with its
// columns populated in column-number order; the order of the tables
// themselves is not defined. Grounded on HistoryInspector.tables / .columns.
func (s *Store) TablesAtUpdate(ctx context.Context, schema *catalog.Schema, updateID uint64) ([]*catalog.Table, error) {
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT oid, name, internal_name
		FROM marty_tables
		WHERE schema = $1 AND start <= $2 AND (stop IS NULL OR stop > $2)`, schema.OID, updateID)
	if err != nil {
		return nil, fmt.Errorf("listing tables of %s at update %d: %w", schema.Name, updateID, err)
	}
	defer rows.Close()

	var tables []*catalog.Table
	for rows.Next() {
		t := &catalog.Table{Schema: schema, Update: updateID}
		var internalName string
		if err := rows.Scan(&t.OID, &t.Name, &internalName); err != nil {
			return nil, err
		}
		t.SetInternalName(internalName)
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range tables {
		if err := s.populateColumnsAtUpdate(ctx, t, updateID); err != nil {
			return nil, err
		}
	}
	return tables, nil
}

func (s *Store) populateColumnsAtUpdate(ctx context.Context, table *catalog.Table, updateID uint64) error {
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT table_oid, name, number, type, length, internal_name
		FROM marty_columns
		WHERE table_oid = $1 AND start <= $2 AND (stop IS NULL OR stop > $2)
		ORDER BY number ASC`, table.OID, updateID)
	if err != nil {
		return fmt.Errorf("listing columns of %s at update %d: %w", table.LongName(), updateID, err)
	}
	defer rows.Close()

	table.Columns = nil
	for rows.Next() {
		c := &catalog.Column{}
		var internalName string
		if err := rows.Scan(&c.TableOID, &c.Name, &c.Ordinal, &c.Type, &c.TypeModifier, &internalName); err != nil {
			return err
		}
		c.SetInternalName(internalName)
		table.AddColumn(c)
	}
	return rows.Err()
}
