// SPDX-License-Identifier: Apache-2.0

// Command history runs the capture engine: it reads a source server's log
// output on stdin and drives a history store accordingly. Grounded on
// original_source/history.py (the reference entry point) and the teacher's
// cobra/viper-based cmd/root.go.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/martyhq/marty/cmd/flags"
	"github.com/martyhq/marty/pkg/capture"
	"github.com/martyhq/marty/pkg/history"
	"github.com/martyhq/marty/pkg/source"
)

// Version is the marty version; overridden at build time via -ldflags.
var Version = "development"

func init() {
	viper.SetEnvPrefix("MARTY")
	viper.AutomaticEnv()
}

var rootCmd = &cobra.Command{
	Use:          "marty-history",
	Short:        "Capture a source database's committed changes into a bitemporal history store",
	SilenceUsage: true,
	Version:      Version,
	RunE:         run,
}

func init() {
	flags.RoleFlags(rootCmd, "slave")
	flags.RoleFlags(rootCmd, "history")
}

func run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	slaveDB, err := sql.Open("postgres", flags.ConnURL("slave"))
	if err != nil {
		return fmt.Errorf("opening slave connection: %w", err)
	}
	defer slaveDB.Close()

	historyDB, err := sql.Open("postgres", flags.ConnURL("history"))
	if err != nil {
		return fmt.Errorf("opening history connection: %w", err)
	}
	defer historyDB.Close()

	insp, err := source.NewInspector(ctx, slaveDB)
	if err != nil {
		return fmt.Errorf("connecting to slave: %w", err)
	}

	store := history.New(historyDB, Version)
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("initializing history store: %w", err)
	}

	compat, err := store.VersionCompatibility(ctx)
	if err != nil {
		return fmt.Errorf("checking history store version: %w", err)
	}
	if compat == history.VersionCompatSchemaNewer {
		return fmt.Errorf("history store was initialized by a newer marty version than %s", Version)
	}

	runID := uuid.New()
	logger := capture.NewLogger(runID)
	engine := capture.NewEngine(insp, store, logger, runID)

	logger.Info("starting capture", "version", Version)
	return engine.Run(ctx, os.Stdin)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
