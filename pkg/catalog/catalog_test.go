// SPDX-License-Identifier: Apache-2.0

package catalog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/martyhq/marty/pkg/catalog"
)

func TestCTIDString(t *testing.T) {
	c := catalog.CTID{Block: 5, Offset: 3}
	assert.Equal(t, "(5,3)", c.String())
}

func TestTableInternalNameIsMemoized(t *testing.T) {
	tbl := &catalog.Table{
		Name:   "t",
		Schema: &catalog.Schema{Name: "s"},
		Update: 1,
	}

	name := tbl.InternalName()
	assert.Equal(t, "data_s_t_1", name)

	// Changing Update after the first read must not change the memoized name.
	tbl.Update = 2
	assert.Equal(t, name, tbl.InternalName())
}

func TestColumnInternalNamePreservedAcrossRename(t *testing.T) {
	tbl := &catalog.Table{Name: "t", Schema: &catalog.Schema{Name: "s"}, Update: 4}
	col := &catalog.Column{Name: "v", Table: tbl}

	col.SetInternalName("data_v_1")
	assert.Equal(t, "data_v_1", col.InternalName())
}

func TestInternalColumnsOrder(t *testing.T) {
	tbl := &catalog.Table{Name: "t", Schema: &catalog.Schema{Name: "s"}, Update: 1}
	tbl.AddColumn(&catalog.Column{Name: "id", Type: "int4"})
	tbl.AddColumn(&catalog.Column{Name: "v", Type: "text"})

	cols := catalog.InternalColumns(tbl)

	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}

	assert.Equal(t, []string{"data_ctid", "data_id_1", "data_v_1", "start", "stop"}, names)
}

func TestLongName(t *testing.T) {
	tbl := &catalog.Table{Name: "orders", Schema: &catalog.Schema{Name: "public"}}
	assert.Equal(t, "public.orders", tbl.LongName())
}
