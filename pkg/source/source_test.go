// SPDX-License-Identifier: Apache-2.0

package source_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/martyhq/marty/internal/testutils"
	"github.com/martyhq/marty/pkg/catalog"
	"github.com/martyhq/marty/pkg/source"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func TestSchemasExcludesSystemNamespaces(t *testing.T) {
	ctx := context.Background()
	db := testutils.NewDatabase(t, "source")

	_, err := db.DB.ExecContext(ctx, `CREATE SCHEMA widgets`)
	require.NoError(t, err)

	insp, err := source.NewInspector(ctx, db.DB)
	require.NoError(t, err)

	schemas, err := insp.Schemas(ctx)
	require.NoError(t, err)

	var names []string
	for _, s := range schemas {
		names = append(names, s.Name)
	}
	require.Contains(t, names, "widgets")
	require.Contains(t, names, "public")
	require.NotContains(t, names, "information_schema")
	for _, n := range names {
		require.False(t, len(n) >= 3 && n[:3] == "pg_", "system namespace %q leaked into Schemas()", n)
	}
}

func TestTablesAndColumns(t *testing.T) {
	ctx := context.Background()
	db := testutils.NewDatabase(t, "source")

	_, err := db.DB.ExecContext(ctx, `CREATE TABLE orders (id integer, total numeric(10,2))`)
	require.NoError(t, err)
	_, err = db.DB.ExecContext(ctx, `CREATE VIEW orders_view AS SELECT * FROM orders`)
	require.NoError(t, err)

	insp, err := source.NewInspector(ctx, db.DB)
	require.NoError(t, err)

	schema := mustFindSchema(ctx, t, insp, "public")

	tables, err := insp.Tables(ctx, schema)
	require.NoError(t, err)
	require.Len(t, tables, 1, "views and other relkinds must not appear")
	require.Equal(t, "orders", tables[0].Name)

	require.NoError(t, insp.PopulateColumns(ctx, tables[0]))
	require.Len(t, tables[0].Columns, 2)
	require.Equal(t, "id", tables[0].Columns[0].Name)
	require.Equal(t, "total", tables[0].Columns[1].Name)
}

func TestGetFetchesLiveRowByCTID(t *testing.T) {
	ctx := context.Background()
	db := testutils.NewDatabase(t, "source")

	_, err := db.DB.ExecContext(ctx, `CREATE TABLE items (id integer, label text)`)
	require.NoError(t, err)
	_, err = db.DB.ExecContext(ctx, `INSERT INTO items VALUES (1, 'widget')`)
	require.NoError(t, err)

	var block uint32
	var offset uint16
	err = db.DB.QueryRowContext(ctx, `SELECT (ctid::text::point)[0]::int, (ctid::text::point)[1]::int FROM items`).Scan(&block, &offset)
	require.NoError(t, err)

	insp, err := source.NewInspector(ctx, db.DB)
	require.NoError(t, err)

	schema := mustFindSchema(ctx, t, insp, "public")
	tables, err := insp.Tables(ctx, schema)
	require.NoError(t, err)
	require.Len(t, tables, 1)

	row, err := insp.Get(ctx, tables[0], block, offset, "id", "label")
	require.NoError(t, err)
	require.Len(t, row, 2)
}

func TestSystemTablesKeyedByFilenode(t *testing.T) {
	ctx := context.Background()
	db := testutils.NewDatabase(t, "source")

	insp, err := source.NewInspector(ctx, db.DB)
	require.NoError(t, err)

	tables, err := insp.SystemTables(ctx)
	require.NoError(t, err)
	require.Len(t, tables, 3)

	var names []string
	for _, t := range tables {
		names = append(names, t.Name)
	}
	require.ElementsMatch(t, []string{"pg_namespace", "pg_class", "pg_attribute"}, names)
}

func mustFindSchema(ctx context.Context, t *testing.T, insp *source.Inspector, name string) *catalog.Schema {
	t.Helper()
	schemas, err := insp.Schemas(ctx)
	require.NoError(t, err)
	for _, s := range schemas {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("schema %q not found", name)
	return nil
}
