// SPDX-License-Identifier: Apache-2.0

// Package capture reads a source server's log output and drives the
// history store accordingly: an initial catalog snapshot and data backfill
// on bootstrap, then one history update per observed source transaction
// commit. Grounded on spec.md §4.D and original_source/utils/history.py,
// dev.py (the reference redo-log-driven loop).
package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cloudflare/backoff"
	"github.com/google/uuid"

	"github.com/martyhq/marty/pkg/catalog"
	"github.com/martyhq/marty/pkg/history"
	"github.com/martyhq/marty/pkg/source"
)

// captureState is the engine's position in the redo-log state machine
// (spec §4.1).
type captureState int

const (
	stateWaitingForReady captureState = iota
	stateWaitingForCommit
)

const (
	drainMaxRetries    = 3
	drainBackoffFloor  = 500 * time.Millisecond
	drainBackoffCeil   = 10 * time.Second
	initialScanBufSize = 64 * 1024
	maxLineSize        = 8 * 1024 * 1024
)

// Engine consumes a source server's log output line by line and drives a
// history.Store. One Engine is constructed per capture process.
type Engine struct {
	source *source.Inspector
	store  *history.Store
	logger Logger
	runID  uuid.UUID

	state             captureState
	lastKnownUpAt     time.Time
	pendingMasterTime time.Time
	committed         bool
	buffer            []redoOp
	sawRedoSincePause bool

	tablesByFileNode map[uint32]*catalog.Table
	systemTables     map[uint32]*catalog.Table
}

// NewEngine constructs an Engine over an already-connected source inspector
// and history store, tagged with runID for the lifetime of the process.
// Callers typically mint runID once at startup and pass it to both
// NewLogger and NewEngine so log lines and the engine agree on it.
func NewEngine(src *source.Inspector, store *history.Store, logger Logger, runID uuid.UUID) *Engine {
	if logger == nil {
		logger = NewNoopLogger()
	}
	return &Engine{
		source:           src,
		store:            store,
		logger:           logger,
		runID:            runID,
		state:            stateWaitingForReady,
		tablesByFileNode: make(map[uint32]*catalog.Table),
	}
}

// Run reads lines from r until it is exhausted or ctx is cancelled,
// advancing the state machine for each significant line (spec §4.D, §4.1).
func (e *Engine) Run(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, initialScanBufSize)
	scanner.Buffer(buf, maxLineSize)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.processLine(ctx, scanner.Text()); err != nil {
			return fmt.Errorf("processing line: %w", err)
		}
	}
	return scanner.Err()
}

func (e *Engine) processLine(ctx context.Context, line string) error {
	kind, value := parseLine(line)

	switch kind {
	case lineInterruptedLastKnown:
		ts, err := parseTimestamp(value)
		if err != nil {
			return fmt.Errorf("parsing last-known-up-at timestamp: %w", err)
		}
		e.lastKnownUpAt = ts
		e.logger.Debug("remembered bootstrap master time", "mastertime", ts)
		return nil

	case lineReadyToAccept:
		if e.state != stateWaitingForReady {
			return nil
		}
		if err := e.bootstrap(ctx); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		e.state = stateWaitingForCommit
		return nil

	case linePaused:
		if e.state != stateWaitingForCommit {
			return nil
		}
		e.discardStaleBufferOnPause()
		return e.source.Resume(ctx)

	case lineRedo:
		if e.state != stateWaitingForCommit {
			return nil
		}
		return e.handleRedo(ctx, value)
	}

	return nil
}

// bootstrap performs the initial full catalog snapshot and data backfill
// under a single update whose master time is the remembered "last known up
// at" timestamp (spec §4.D, §4.1).
func (e *Engine) bootstrap(ctx context.Context) error {
	schemas, err := e.source.Schemas(ctx)
	if err != nil {
		return fmt.Errorf("listing schemas: %w", err)
	}

	systemTables, err := e.source.SystemTables(ctx)
	if err != nil {
		return fmt.Errorf("listing system tables: %w", err)
	}
	e.systemTables = systemTables

	if err := e.store.OpenUpdate(ctx, e.lastKnownUpAt); err != nil {
		return fmt.Errorf("opening bootstrap update: %w", err)
	}

	if err := e.snapshotAndBackfill(ctx, schemas); err != nil {
		e.store.RollbackUpdate()
		return err
	}

	if err := e.store.CommitUpdate(); err != nil {
		return fmt.Errorf("committing bootstrap update: %w", err)
	}

	return e.source.Resume(ctx)
}

func (e *Engine) snapshotAndBackfill(ctx context.Context, schemas []*catalog.Schema) error {
	for _, schema := range schemas {
		if err := e.store.AddSchema(ctx, schema); err != nil {
			return err
		}

		tables, err := e.source.Tables(ctx, schema)
		if err != nil {
			return fmt.Errorf("listing tables of %s: %w", schema.Name, err)
		}

		for _, table := range tables {
			if err := e.source.PopulateColumns(ctx, table); err != nil {
				return err
			}
			if err := e.store.AddTable(ctx, table); err != nil {
				return err
			}
			if err := e.store.CreateDataTable(ctx, table); err != nil {
				return err
			}

			rows, ctids, err := e.source.ScanAll(ctx, table)
			if err != nil {
				return fmt.Errorf("backfilling %s: %w", table.LongName(), err)
			}
			if err := e.store.Backfill(ctx, table, rows, ctids); err != nil {
				return err
			}

			e.tablesByFileNode[table.RelationFileNode] = table
			e.logger.Info("backfilled table", "table", table.LongName(), "rows", len(rows))
		}
	}
	return nil
}

// handleRedo implements the commit-then-next-non-commit drain rule (spec
// §4.D, §4.1). The commit line is appended to the buffer like any other
// payload; draining happens on the following non-commit redo so every work
// item of the transaction has already been buffered.
func (e *Engine) handleRedo(ctx context.Context, payload string) error {
	op, err := parseRedoPayload(payload)
	if err != nil {
		return fmt.Errorf("parsing redo payload %q: %w", payload, err)
	}
	e.sawRedoSincePause = true

	if op.Kind == redoCommit {
		e.pendingMasterTime = op.CommitTime
		e.committed = true
		e.buffer = append(e.buffer, op)
		return nil
	}

	if e.committed {
		if err := e.drain(ctx); err != nil {
			return err
		}
		e.buffer = nil
		e.committed = false
	}

	e.buffer = append(e.buffer, op)
	return nil
}

// discardStaleBufferOnPause implements the supplemented policy for spec §9
// Open Question (a): the redo log never signals a source transaction's
// rollback, so a buffer left over from one could otherwise accumulate
// forever. Two consecutive `paused` lines with no REDO line observed between
// them mean replay made no progress since the last pause — the buffered
// transaction is stuck and presumed aborted. Anything still buffered at that
// point, with no commit pending, is discarded and logged rather than ever
// being replayed.
func (e *Engine) discardStaleBufferOnPause() {
	discard := !e.sawRedoSincePause && !e.committed && len(e.buffer) > 0
	e.sawRedoSincePause = false
	if !discard {
		return
	}
	e.logger.Info("discarding buffered work: paused with no commit observed", "buffered_items", len(e.buffer))
	e.buffer = nil
}

// drain replays every buffered work item under a single new update, retrying
// up to drainMaxRetries times after the first attempt fails; the
// buffer is left untouched until a commit succeeds (spec §7).
func (e *Engine) drain(ctx context.Context) error {
	b := backoff.New(drainBackoffCeil, drainBackoffFloor)

	var lastErr error
	for attempt := 0; attempt <= drainMaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, b.Duration()); err != nil {
				return err
			}
		}

		err := e.drainOnce(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		e.logger.Error("drain attempt failed", "attempt", attempt, "error", err.Error())
	}
	return fmt.Errorf("drain failed after %d attempts: %w", drainMaxRetries+1, lastErr)
}

func (e *Engine) drainOnce(ctx context.Context) error {
	if err := e.store.OpenUpdate(ctx, e.pendingMasterTime); err != nil {
		return fmt.Errorf("opening update: %w", err)
	}

	for _, op := range e.buffer {
		if err := e.applyWork(ctx, op); err != nil {
			e.store.RollbackUpdate()
			return fmt.Errorf("applying work: %w", err)
		}
	}

	if err := e.store.CommitUpdate(); err != nil {
		return fmt.Errorf("committing update: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
