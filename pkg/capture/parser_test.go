// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineShapes(t *testing.T) {
	kind, val := parseLine("LOG:  database system was interrupted; last known up at 2020-01-01 00:00:00")
	assert.Equal(t, lineInterruptedLastKnown, kind)
	assert.Equal(t, "2020-01-01 00:00:00", val)

	kind, _ = parseLine("LOG:  database system is ready to accept read only connections")
	assert.Equal(t, lineReadyToAccept, kind)

	kind, _ = parseLine("LOG:  recovery has paused")
	assert.Equal(t, linePaused, kind)

	kind, val = parseLine("LOG:  REDO @ 0/182CEA0: prev 0/182CE70; Heap/INSERT: rel 1663/16420/16428; tid 5/3")
	assert.Equal(t, lineRedo, kind)
	assert.Contains(t, val, "Heap/INSERT")
}

func TestParseRedoPayloadInsert(t *testing.T) {
	op, err := parseRedoPayload("Heap/INSERT: rel 1663/16420/16428; tid 5/3")
	require.NoError(t, err)
	assert.Equal(t, redoInsert, op.Kind)
	assert.Equal(t, uint32(16420), op.DB)
	assert.Equal(t, uint32(16428), op.RelNode)
	assert.Equal(t, uint32(5), op.CTID.Block)
	assert.Equal(t, uint16(3), op.CTID.Offset)
	assert.False(t, op.HasNewCTID)
}

func TestParseRedoPayloadUpdate(t *testing.T) {
	op, err := parseRedoPayload("Heap/HOT_UPDATE: rel 1663/16420/16428; tid 5/3; new tid 5/4")
	require.NoError(t, err)
	assert.Equal(t, redoUpdate, op.Kind)
	assert.True(t, op.HasNewCTID)
	assert.Equal(t, uint32(5), op.NewCTID.Block)
	assert.Equal(t, uint16(4), op.NewCTID.Offset)
}

func TestParseRedoPayloadCommit(t *testing.T) {
	op, err := parseRedoPayload("Transaction - commit: 2020-01-01 00:00:05")
	require.NoError(t, err)
	assert.Equal(t, redoCommit, op.Kind)
	assert.Equal(t, 2020, op.CommitTime.Year())
}
