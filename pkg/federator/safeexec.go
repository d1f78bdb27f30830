// SPDX-License-Identifier: Apache-2.0

package federator

import (
	"context"
	"fmt"

	pgq "github.com/pganalyze/pg_query_go/v6"
)

// safeExec parses ddl as a single statement before executing it, the same
// safety net pkg/history applies to its own generated DDL (design note 9).
func (f *Federator) safeExec(ctx context.Context, ddl string) error {
	if _, err := pgq.Parse(ddl); err != nil {
		return fmt.Errorf("refusing to execute unparseable statement %q: %w", ddl, err)
	}
	_, err := f.db.ExecContext(ctx, ddl)
	return err
}

// safeExecMulti parses ddl as a batch of statements (a trigger function
// definition followed by its CREATE TRIGGER) before executing it as one
// string; pg_query_go happily parses a multi-statement body, but plpgsql
// function bodies are opaque to it, so a parse failure here only catches
// malformed surrounding SQL, not bugs inside the function body itself.
func (f *Federator) safeExecMulti(ctx context.Context, ddl string) error {
	if _, err := pgq.Parse(ddl); err != nil {
		return fmt.Errorf("refusing to execute unparseable statement batch %q: %w", ddl, err)
	}
	_, err := f.db.ExecContext(ctx, ddl)
	return err
}
