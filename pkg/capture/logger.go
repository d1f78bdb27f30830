// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"github.com/google/uuid"
	"github.com/pterm/pterm"
)

// Logger is the capture engine's structured logging surface, grounded on
// the teacher's pkg/migrations/logger.go Logger/pterm pairing.
type Logger interface {
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

type engineLogger struct {
	logger pterm.Logger
	runID  uuid.UUID
}

// NewLogger returns a pterm-backed Logger that tags every line with runID.
func NewLogger(runID uuid.UUID) Logger {
	return &engineLogger{logger: pterm.DefaultLogger, runID: runID}
}

func (l *engineLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, l.logger.Args(l.withRunID(args)...))
}

func (l *engineLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, l.logger.Args(l.withRunID(args)...))
}

func (l *engineLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, l.logger.Args(l.withRunID(args)...))
}

func (l *engineLogger) withRunID(args []any) []any {
	return append([]any{"run_id", l.runID.String()}, args...)
}

type noopLogger struct{}

// NewNoopLogger returns a Logger that discards everything, used in tests.
func NewNoopLogger() Logger {
	return &noopLogger{}
}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Error(string, ...any) {}
