// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"database/sql"
	"fmt"

	"golang.org/x/mod/semver"
)

// VersionCompatibility represents the result of comparing the running
// binary's version against the version that initialized the history schema.
// Ported from the teacher's pkg/state/version.go enum shape.
type VersionCompatibility int

const (
	VersionCompatCheckSkipped VersionCompatibility = iota
	VersionCompatNotInitialized
	VersionCompatSchemaOlder
	VersionCompatSchemaEqual
	VersionCompatSchemaNewer
)

// VersionCompatibility compares s.version against the version recorded in
// marty_meta at Init time.
func (s *Store) VersionCompatibility(ctx context.Context) (VersionCompatibility, error) {
	if s.version == "development" {
		return VersionCompatCheckSkipped, nil
	}

	rows, err := s.rdb.QueryContext(ctx, "SELECT version FROM marty_meta ORDER BY initialized_at DESC LIMIT 1")
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}

	var schemaVersion string
	err = scanOneRow(rows, &schemaVersion)
	if err == sql.ErrNoRows {
		return VersionCompatNotInitialized, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}

	if schemaVersion == "development" {
		return VersionCompatCheckSkipped, nil
	}

	binVersion := ensureVPrefix(s.version)
	schemaVersionV := ensureVPrefix(schemaVersion)

	if !semver.IsValid(binVersion) || !semver.IsValid(schemaVersionV) {
		return VersionCompatCheckSkipped, nil
	}

	switch semver.Compare(semver.Canonical(schemaVersionV), semver.Canonical(binVersion)) {
	case -1:
		return VersionCompatSchemaOlder, nil
	case 1:
		return VersionCompatSchemaNewer, nil
	default:
		return VersionCompatSchemaEqual, nil
	}
}

func ensureVPrefix(version string) string {
	if len(version) > 0 && version[0] != 'v' {
		return "v" + version
	}
	return version
}
