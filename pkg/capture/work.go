// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"

	"github.com/martyhq/marty/pkg/catalog"
)

const (
	pgNamespaceTable = "pg_namespace"
	pgClassTable     = "pg_class"
	pgAttributeTable = "pg_attribute"
)

// applyWork dispatches one parsed redo operation against the history store,
// filtering by database identifier and then by the relation it touches
// (spec §4.D "apply_work").
func (e *Engine) applyWork(ctx context.Context, op redoOp) error {
	switch op.Kind {
	case redoInsert, redoUpdate, redoDelete:
	default:
		return nil // commit markers and anything unrecognized are no-ops here
	}

	if op.DB != e.source.DatabaseID() {
		return nil
	}

	if systemTable, ok := e.systemTables[op.RelNode]; ok {
		return e.applySystemWork(ctx, systemTable, op)
	}

	if table, ok := e.tablesByFileNode[op.RelNode]; ok {
		return e.applyDataWork(ctx, table, op)
	}

	return nil // unknown relation (index, sequence, untracked catalog, ...)
}

func (e *Engine) applySystemWork(ctx context.Context, systemTable *catalog.Table, op redoOp) error {
	switch systemTable.Name {
	case pgNamespaceTable:
		return e.applyNamespaceWork(ctx, op)
	case pgClassTable:
		return e.applyClassWork(ctx, op)
	case pgAttributeTable:
		return e.applyAttributeWork(ctx, op)
	}
	return nil
}

func (e *Engine) applyNamespaceWork(ctx context.Context, op redoOp) error {
	switch op.Kind {
	case redoInsert:
		schema, err := e.source.GetSchema(ctx, &op.CTID, nil)
		if err != nil {
			return err
		}
		return e.store.AddSchema(ctx, schema)

	case redoUpdate:
		newCTID := op.CTID
		if op.HasNewCTID {
			newCTID = op.NewCTID
		}
		schema, err := e.source.GetSchema(ctx, &newCTID, nil)
		if err != nil {
			return err
		}
		if err := e.store.AddSchema(ctx, schema); err != nil {
			return err
		}
		return e.store.RetireSchema(ctx, op.CTID)

	case redoDelete:
		return e.store.RetireSchema(ctx, op.CTID)
	}
	return nil
}

func (e *Engine) applyClassWork(ctx context.Context, op redoOp) error {
	switch op.Kind {
	case redoInsert:
		table, err := e.source.GetTable(ctx, &op.CTID, nil)
		if err != nil {
			return err
		}
		if table == nil {
			return nil
		}
		if err := e.source.PopulateColumns(ctx, table); err != nil {
			return err
		}
		if err := e.store.AddTable(ctx, table); err != nil {
			return err
		}
		if err := e.store.CreateDataTable(ctx, table); err != nil {
			return err
		}
		e.tablesByFileNode[table.RelationFileNode] = table
		return nil

	case redoUpdate:
		newCTID := op.CTID
		if op.HasNewCTID {
			newCTID = op.NewCTID
		}
		table, err := e.source.GetTable(ctx, &newCTID, nil)
		if err != nil {
			return err
		}
		if table != nil {
			if err := e.source.PopulateColumns(ctx, table); err != nil {
				return err
			}
			if err := e.store.AddTable(ctx, table); err != nil {
				return err
			}
			e.tablesByFileNode[table.RelationFileNode] = table
		}
		return e.store.RetireTable(ctx, op.CTID)

	case redoDelete:
		if err := e.store.RetireTable(ctx, op.CTID); err != nil {
			return err
		}
		existing, err := e.store.GetTable(ctx, op.CTID)
		if err != nil {
			return err
		}
		if existing != nil {
			delete(e.tablesByFileNode, existing.RelationFileNode)
			return e.store.DeleteAll(ctx, existing)
		}
		return nil
	}
	return nil
}

func (e *Engine) applyAttributeWork(ctx context.Context, op redoOp) error {
	switch op.Kind {
	case redoInsert:
		col, err := e.source.GetColumn(ctx, &op.CTID, nil)
		if err != nil {
			return err
		}
		if col == nil {
			return nil
		}
		table, ok := e.lookupTableByOID(col.TableOID)
		if !ok {
			return nil
		}
		col.Table = table
		table.AddColumn(col)
		if err := e.store.AddColumn(ctx, col); err != nil {
			return err
		}
		return e.store.AddDataColumn(ctx, table, col)

	case redoUpdate:
		oldCol, err := e.store.GetColumn(ctx, op.CTID)
		if err != nil {
			return err
		}

		newCTID := op.CTID
		if op.HasNewCTID {
			newCTID = op.NewCTID
		}
		newCol, err := e.source.GetColumn(ctx, &newCTID, nil)
		if err != nil {
			return err
		}
		if newCol == nil {
			return e.store.RetireColumn(ctx, op.CTID)
		}

		if table, ok := e.lookupTableByOID(newCol.TableOID); ok {
			newCol.Table = table
			if oldCol != nil {
				newCol.SetInternalName(oldCol.InternalName())
			}
		}

		if err := e.store.AddColumn(ctx, newCol); err != nil {
			return err
		}
		return e.store.RetireColumn(ctx, op.CTID)

	case redoDelete:
		return e.store.RetireColumn(ctx, op.CTID)
	}
	return nil
}

func (e *Engine) applyDataWork(ctx context.Context, table *catalog.Table, op redoOp) error {
	switch op.Kind {
	case redoInsert:
		row, err := e.source.Get(ctx, table, op.CTID.Block, op.CTID.Offset)
		if err != nil {
			return err
		}
		if row == nil {
			return nil
		}
		return e.store.Insert(ctx, table, op.CTID.Block, op.CTID.Offset, row)

	case redoUpdate:
		if err := e.store.Delete(ctx, table, op.CTID.Block, op.CTID.Offset); err != nil {
			return err
		}
		newCTID := op.CTID
		if op.HasNewCTID {
			newCTID = op.NewCTID
		}
		row, err := e.source.Get(ctx, table, newCTID.Block, newCTID.Offset)
		if err != nil {
			return err
		}
		if row == nil {
			return nil
		}
		return e.store.Insert(ctx, table, newCTID.Block, newCTID.Offset, row)

	case redoDelete:
		return e.store.Delete(ctx, table, op.CTID.Block, op.CTID.Offset)
	}
	return nil
}

func (e *Engine) lookupTableByOID(oid uint32) (*catalog.Table, bool) {
	for _, t := range e.tablesByFileNode {
		if t.OID == oid {
			return t, true
		}
	}
	return nil, false
}
