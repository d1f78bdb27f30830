// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"database/sql"
	"fmt"

	pgq "github.com/pganalyze/pg_query_go/v6"
)

// safeExec parses ddl before sending it to the driver. Every statement this
// package builds interpolates identifiers and type names gathered from the
// source's own catalogs rather than user input, but a parse failure still
// means the generated DDL is malformed — catching that here turns a
// confusing driver error into one that names the offending statement
// (design note 9).
func (s *Store) safeExec(ctx context.Context, tx *sql.Tx, ddl string) error {
	if _, err := pgq.Parse(ddl); err != nil {
		return fmt.Errorf("refusing to execute unparseable statement %q: %w", ddl, err)
	}
	_, err := tx.ExecContext(ctx, ddl)
	return err
}
