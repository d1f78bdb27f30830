// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/martyhq/marty/pkg/catalog"
)

// lineKind classifies one line of the source server's log output (spec
// §4.D). Only these four shapes carry meaning for the capture engine; every
// other line is silently skipped.
type lineKind int

const (
	lineUnknown lineKind = iota
	lineInterruptedLastKnown
	lineReadyToAccept
	linePaused
	lineRedo
)

var (
	reLastKnown = regexp.MustCompile(`interrupted; last known up at (.+)$`)
	reReady     = regexp.MustCompile(`database system is ready to accept`)
	rePaused    = regexp.MustCompile(`recovery has paused`)
	reRedo      = regexp.MustCompile(`REDO @ [^:]*:\s*(.*)$`)

	reRel    = regexp.MustCompile(`rel (\d+)/(\d+)/(\d+)`)
	reTid    = regexp.MustCompile(`(?:^|[^w])tid (\d+)/(\d+)`)
	reNewTid = regexp.MustCompile(`new tid (\d+)/(\d+)`)
	reCommit = regexp.MustCompile(`Transaction - commit: (.+)$`)
)

const timestampLayout = "2006-01-02 15:04:05"

func parseLine(line string) (lineKind, string) {
	if m := reLastKnown.FindStringSubmatch(line); m != nil {
		return lineInterruptedLastKnown, strings.TrimSpace(m[1])
	}
	if reReady.MatchString(line) {
		return lineReadyToAccept, ""
	}
	if rePaused.MatchString(line) {
		return linePaused, ""
	}
	if m := reRedo.FindStringSubmatch(line); m != nil {
		return lineRedo, m[1]
	}
	return lineUnknown, ""
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(timestampLayout, strings.TrimSpace(s))
}

// redoOpKind is the kind of logical operation a REDO payload describes.
type redoOpKind int

const (
	redoUnknown redoOpKind = iota
	redoCommit
	redoInsert
	redoUpdate
	redoDelete
)

// redoOp is a parsed REDO payload: either a commit marker, or a row-level
// change against a (spaceOID, dbOID, relFileNode) relation.
type redoOp struct {
	Kind       redoOpKind
	DB         uint32
	RelNode    uint32
	CTID       catalog.CTID
	NewCTID    catalog.CTID
	HasNewCTID bool
	CommitTime time.Time
	Raw        string
}

// parseRedoPayload interprets one REDO payload. The operation kind is
// recognized by the keyword Postgres's WAL debug output uses for the
// record; relation and tuple identifiers are pulled out positionally
// regardless of kind (spec §4.D).
func parseRedoPayload(payload string) (redoOp, error) {
	op := redoOp{Raw: payload}

	if m := reCommit.FindStringSubmatch(payload); m != nil {
		ts, err := parseTimestamp(m[1])
		if err != nil {
			return op, fmt.Errorf("parsing commit timestamp %q: %w", m[1], err)
		}
		op.Kind = redoCommit
		op.CommitTime = ts
		return op, nil
	}

	lower := strings.ToLower(payload)
	switch {
	case strings.Contains(lower, "insert"):
		op.Kind = redoInsert
	case strings.Contains(lower, "update"):
		op.Kind = redoUpdate
	case strings.Contains(lower, "delete"):
		op.Kind = redoDelete
	default:
		op.Kind = redoUnknown
		return op, nil
	}

	relMatch := reRel.FindStringSubmatch(payload)
	if relMatch == nil {
		op.Kind = redoUnknown
		return op, nil
	}
	dbOID, err := strconv.ParseUint(relMatch[2], 10, 32)
	if err != nil {
		return op, fmt.Errorf("parsing db oid in %q: %w", payload, err)
	}
	relNode, err := strconv.ParseUint(relMatch[3], 10, 32)
	if err != nil {
		return op, fmt.Errorf("parsing relfilenode in %q: %w", payload, err)
	}
	op.DB = uint32(dbOID)
	op.RelNode = uint32(relNode)

	tidMatch := reTid.FindStringSubmatch(payload)
	if tidMatch == nil {
		op.Kind = redoUnknown
		return op, nil
	}
	ctid, err := parseBlockOffset(tidMatch[1], tidMatch[2])
	if err != nil {
		return op, err
	}
	op.CTID = ctid

	if m := reNewTid.FindStringSubmatch(payload); m != nil {
		newCTID, err := parseBlockOffset(m[1], m[2])
		if err != nil {
			return op, err
		}
		op.NewCTID = newCTID
		op.HasNewCTID = true
	}

	return op, nil
}

func parseBlockOffset(blockStr, offsetStr string) (catalog.CTID, error) {
	block, err := strconv.ParseUint(blockStr, 10, 32)
	if err != nil {
		return catalog.CTID{}, fmt.Errorf("parsing block %q: %w", blockStr, err)
	}
	offset, err := strconv.ParseUint(offsetStr, 10, 16)
	if err != nil {
		return catalog.CTID{}, fmt.Errorf("parsing offset %q: %w", offsetStr, err)
	}
	return catalog.CTID{Block: uint32(block), Offset: uint16(offset)}, nil
}
