// SPDX-License-Identifier: Apache-2.0

// Package flags registers the per-role Postgres connection flags shared by
// the history and clone binaries, generalizing the teacher's single
// PgConnectionFlags/PostgresURL pair (cmd/flags/flags.go) to the three
// roles marty's processes connect as: slave (the source), history, and
// clone. Flag
// naming follows original_source/clone.py's argparse convention
// (--history-host, --history-port, ...).
package flags

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RoleFlags registers --<role>-host, --<role>-port, --<role>-user,
// --<role>-password, and --<role>-database persistent flags on cmd, bound
// to viper keys <ROLE>_HOST, <ROLE>_PORT, <ROLE>_USER, <ROLE>_PASSWORD,
// <ROLE>_DATABASE.
func RoleFlags(cmd *cobra.Command, role string) {
	upper := strings.ToUpper(role)

	cmd.PersistentFlags().String(role+"-host", "localhost", fmt.Sprintf("%s database host", role))
	cmd.PersistentFlags().Int(role+"-port", 5432, fmt.Sprintf("%s database port", role))
	cmd.PersistentFlags().String(role+"-user", "postgres", fmt.Sprintf("%s database user", role))
	cmd.PersistentFlags().String(role+"-password", "", fmt.Sprintf("%s database password", role))
	cmd.PersistentFlags().String(role+"-database", "postgres", fmt.Sprintf("%s database name", role))

	viper.BindPFlag(upper+"_HOST", cmd.PersistentFlags().Lookup(role+"-host"))
	viper.BindPFlag(upper+"_PORT", cmd.PersistentFlags().Lookup(role+"-port"))
	viper.BindPFlag(upper+"_USER", cmd.PersistentFlags().Lookup(role+"-user"))
	viper.BindPFlag(upper+"_PASSWORD", cmd.PersistentFlags().Lookup(role+"-password"))
	viper.BindPFlag(upper+"_DATABASE", cmd.PersistentFlags().Lookup(role+"-database"))
}

// ConnURL assembles a postgres:// connection URL for role from the values
// RoleFlags bound.
func ConnURL(role string) string {
	upper := strings.ToUpper(role)

	host := viper.GetString(upper + "_HOST")
	port := viper.GetInt(upper + "_PORT")
	user := viper.GetString(upper + "_USER")
	password := viper.GetString(upper + "_PASSWORD")
	database := viper.GetString(upper + "_DATABASE")

	if password == "" {
		return fmt.Sprintf("postgres://%s@%s:%d/%s?sslmode=disable", user, host, port, database)
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", user, password, host, port, database)
}

// ConnInfo returns the discrete connection parameters for role, used by the
// clone binary to build the federator's dblink connection string to the
// history store rather than a URL.
func ConnInfo(role string) (host string, port int, user, password, database string) {
	upper := strings.ToUpper(role)
	return viper.GetString(upper + "_HOST"),
		viper.GetInt(upper + "_PORT"),
		viper.GetString(upper + "_USER"),
		viper.GetString(upper + "_PASSWORD"),
		viper.GetString(upper + "_DATABASE")
}
