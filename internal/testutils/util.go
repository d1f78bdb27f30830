// SPDX-License-Identifier: Apache-2.0

// Package testutils provides a shared testcontainers-backed Postgres harness
// for integration tests across the source, history, and federator packages.
package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// The version of postgres against which the tests are run if the
// POSTGRES_VERSION environment variable is not set.
const defaultPostgresVersion = "15.3"

// tConnStr holds the connection string to the test container created in TestMain.
var tConnStr string

// SharedTestMain starts a single postgres container shared by all tests in a
// package. Each test carves out its own pair of "source" and "history"
// databases from it with NewSourceAndHistory.
func SharedTestMain(m *testing.M) {
	ctx := context.Background()

	waitForLogs := wait.
		ForLog("database system is ready to accept connections").
		WithOccurrence(2).
		WithStartupTimeout(5 * time.Second)

	pgVersion := os.Getenv("POSTGRES_VERSION")
	if pgVersion == "" {
		pgVersion = defaultPostgresVersion
	}

	ctr, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:"+pgVersion),
		testcontainers.WithWaitStrategy(waitForLogs),
	)
	if err != nil {
		os.Exit(1)
	}

	tConnStr, err = ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		os.Exit(1)
	}

	exitCode := m.Run()

	if err := ctr.Terminate(ctx); err != nil {
		log.Printf("failed to terminate container: %v", err)
	}

	os.Exit(exitCode)
}

// Database is a single carved-out database in the shared test container.
type Database struct {
	DB      *sql.DB
	ConnStr string
	Name    string
}

// NewDatabase creates a fresh, empty database in the shared test container
// and returns a connection to it.
func NewDatabase(t *testing.T, prefix string) *Database {
	t.Helper()
	ctx := context.Background()

	admin, err := sql.Open("postgres", tConnStr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = admin.Close() })

	name := randomDBName(prefix)
	_, err = admin.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(name)))
	if err != nil {
		t.Fatal(err)
	}

	u, err := url.Parse(tConnStr)
	if err != nil {
		t.Fatal(err)
	}
	u.Path = "/" + name
	connStr := u.String()

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return &Database{DB: db, ConnStr: connStr, Name: name}
}

// SourceAndHistory provisions two independent databases in the shared test
// container, standing in for the source replica and the history store. Tests
// drive catalog/data changes against Source directly via SQL (there is no
// real streaming replica in the test harness) and assert on History's
// marty_* tables and data tables.
type SourceAndHistory struct {
	Source  *Database
	History *Database
}

// NewSourceAndHistory returns a fresh source/history database pair.
func NewSourceAndHistory(t *testing.T) *SourceAndHistory {
	t.Helper()
	return &SourceAndHistory{
		Source:  NewDatabase(t, "source"),
		History: NewDatabase(t, "history"),
	}
}
