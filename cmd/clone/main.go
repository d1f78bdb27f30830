// SPDX-License-Identifier: Apache-2.0

// Command clone provisions a clone database with federated, updatable
// views over a history store's snapshot as of a chosen update id. Grounded
// on original_source/clone.py (the reference entry point).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/martyhq/marty/cmd/flags"
	"github.com/martyhq/marty/pkg/federator"
	"github.com/martyhq/marty/pkg/history"
)

var Version = "development"

func init() {
	viper.SetEnvPrefix("MARTY")
	viper.AutomaticEnv()
}

var rootCmd = &cobra.Command{
	Use:          "marty-clone",
	Short:        "Provision a clone database with federated views over a history store snapshot",
	SilenceUsage: true,
	Version:      Version,
	RunE:         run,
}

func init() {
	flags.RoleFlags(rootCmd, "history")
	flags.RoleFlags(rootCmd, "clone")
	rootCmd.PersistentFlags().Int64("at", 0, "History update id to snapshot (0 selects the latest update)")
	viper.BindPFlag("AT", rootCmd.PersistentFlags().Lookup("at"))
}

func run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	historyDB, err := sql.Open("postgres", flags.ConnURL("history"))
	if err != nil {
		return fmt.Errorf("opening history connection: %w", err)
	}
	defer historyDB.Close()

	cloneDB, err := sql.Open("postgres", flags.ConnURL("clone"))
	if err != nil {
		return fmt.Errorf("opening clone connection: %w", err)
	}
	defer cloneDB.Close()

	store := history.New(historyDB, Version)

	updateID := uint64(viper.GetInt64("AT"))
	if updateID == 0 {
		updateID, err = store.LatestUpdate(ctx)
		if err != nil {
			return fmt.Errorf("resolving latest update: %w", err)
		}
	}

	host, port, user, password, database := flags.ConnInfo("history")
	fed := federator.New(cloneDB, federator.ConnInfo{
		Host: host, Port: port, User: user, Password: password, Database: database,
	})

	sp, _ := pterm.DefaultSpinner.WithText(fmt.Sprintf("Provisioning clone at update %d...", updateID)).Start()

	if err := fed.Initialize(ctx); err != nil {
		sp.Fail(fmt.Sprintf("Failed to initialize federator: %s", err))
		return fmt.Errorf("initializing federator: %w", err)
	}

	schemas, err := store.SchemasAtUpdate(ctx, updateID)
	if err != nil {
		sp.Fail(fmt.Sprintf("Failed to list schemas: %s", err))
		return fmt.Errorf("listing schemas at update %d: %w", updateID, err)
	}

	var tableCount int
	for _, schema := range schemas {
		sp.UpdateText(fmt.Sprintf("Creating schema %s...", schema.Name))
		if err := fed.CreateSchema(ctx, schema.Name); err != nil {
			sp.Fail(fmt.Sprintf("Failed to create schema %s: %s", schema.Name, err))
			return fmt.Errorf("creating schema %s: %w", schema.Name, err)
		}

		tables, err := store.TablesAtUpdate(ctx, schema, updateID)
		if err != nil {
			sp.Fail(fmt.Sprintf("Failed to list tables of %s: %s", schema.Name, err))
			return fmt.Errorf("listing tables of %s at update %d: %w", schema.Name, updateID, err)
		}

		for _, table := range tables {
			sp.UpdateText(fmt.Sprintf("Creating federated view for %s...", table.LongName()))
			if err := fed.CreateTable(ctx, table, updateID); err != nil {
				sp.Fail(fmt.Sprintf("Failed to create federated table %s: %s", table.LongName(), err))
				return fmt.Errorf("creating federated table %s: %w", table.LongName(), err)
			}
			tableCount++
		}
	}

	sp.Success(fmt.Sprintf("Provisioned %d federated tables across %d schemas at update %d", tableCount, len(schemas), updateID))
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
