// SPDX-License-Identifier: Apache-2.0

// Package catalog is the in-memory description of the source database's
// schemas, tables, and columns: identity via tuple identifiers, and the
// projection from a source-side catalog entry to its history-side
// ("internal") name. It has no database connection of its own; the source
// and history packages populate and consume these types.
package catalog

import "fmt"

// CTID is a Postgres physical tuple identifier: a (block, offset) pair
// naming one version of a row on disk. It is unstable under VACUUM FULL
// (spec §9), but the source being observed is assumed to be a physical
// replica that never rewrites its own catalogs concurrently with capture.
type CTID struct {
	Block  uint32
	Offset uint16
}

// String renders the CTID using the literal syntax Postgres expects in a
// `ctid = '(block,offset)'` predicate.
func (c CTID) String() string {
	return fmt.Sprintf("(%d,%d)", c.Block, c.Offset)
}

// Schema is a namespace as seen on the source: its physical catalog row
// (CTID), its logical identifier (OID), and its name.
type Schema struct {
	CTID CTID
	OID  uint32
	Name string
}

// Table is an ordinary relation captured from the source. OID is the
// logical cross-reference used by dependent catalog rows (columns); CTID is
// the physical identity of the pg_class row used to detect its retirement.
// RelationFileNode is the on-disk identifier that appears in redo records
// and is distinct from OID (spec §3 invariant 5, §9).
type Table struct {
	CTID             CTID
	OID              uint32
	Name             string
	Schema           *Schema
	RelationFileNode uint32
	Columns          []*Column

	// Update is the id of the update that (re)bound this table's
	// InternalName. It must be set before InternalName is first read for a
	// newly captured table (history.Store.AddTable does this).
	Update uint64

	internalName string
}

// Column is a single user-defined column of a captured table.
type Column struct {
	CTID         CTID
	TableOID     uint32
	Name         string
	Ordinal      int16
	Type         string
	TypeModifier int32

	// Table links back to the owning table so Column.InternalName can derive
	// from the table's currently-bound Update.
	Table *Table

	internalName string
}

// LongName is the schema-qualified name as it appears on the source,
// e.g. "public.orders".
func (t *Table) LongName() string {
	return fmt.Sprintf("%s.%s", t.Schema.Name, t.Name)
}

// InternalName is the unique name of this table's per-version data table in
// the history store, derived as data_<schema>_<table>_<start_update> and
// memoized once computed (spec §3, §4.A).
func (t *Table) InternalName() string {
	if t.internalName == "" {
		t.internalName = fmt.Sprintf("data_%s_%s_%d", t.Schema.Name, t.Name, t.Update)
	}
	return t.internalName
}

// SetInternalName overrides the memoized internal name, used when the name
// is read back from the history store instead of being derived.
func (t *Table) SetInternalName(name string) {
	t.internalName = name
}

// AddColumn appends a column to the table's ordered column list.
func (t *Table) AddColumn(c *Column) {
	c.Table = t
	t.Columns = append(t.Columns, c)
}

// InternalName is the history-side name of this column's data, derived as
// data_<column>_<start_update> (spec §3, §4.A).
func (c *Column) InternalName() string {
	if c.internalName == "" {
		c.internalName = fmt.Sprintf("data_%s_%d", c.Name, c.Table.Update)
	}
	return c.internalName
}

// SetInternalName overrides the memoized internal name, used to preserve a
// column's physical identity across a rename (spec §4.D).
func (c *Column) SetInternalName(name string) {
	c.internalName = name
}

// InternalColumn is one physical column of a per-version data table: either
// a fixed bookkeeping column (data_ctid, start, stop) or a projection of a
// user Column.
type InternalColumn struct {
	Name string
	Type string
	User *Column // nil for the three fixed bookkeeping columns
}

// Fixed bookkeeping column definitions shared by every data table (spec §4.A).
const (
	dataCTIDName = "data_ctid"
	dataCTIDType = "tid"
	startName    = "start"
	startType    = "integer REFERENCES marty_updates(id) NOT NULL"
	stopName     = "stop"
	stopType     = "integer REFERENCES marty_updates(id)"
)

// InternalColumns yields, in order: data_ctid, each user column (by its
// InternalName), start, stop. This is the exact physical column layout of a
// per-version data table (spec §4.A).
func InternalColumns(t *Table) []InternalColumn {
	cols := make([]InternalColumn, 0, len(t.Columns)+3)
	cols = append(cols, InternalColumn{Name: dataCTIDName, Type: dataCTIDType})
	for _, c := range t.Columns {
		cols = append(cols, InternalColumn{Name: c.InternalName(), Type: typeWithModifier(c), User: c})
	}
	cols = append(cols, InternalColumn{Name: startName, Type: startType})
	cols = append(cols, InternalColumn{Name: stopName, Type: stopType})
	return cols
}

// typeWithModifier renders a best-effort type declaration for CREATE TABLE.
// The type modifier (length/precision) cannot always be expressed inline
// (e.g. a bare "varchar" vs "varchar(20)"); the history store corrects it
// after creation by writing atttypmod directly (spec §6 rationale).
func typeWithModifier(c *Column) string {
	return c.Type
}
