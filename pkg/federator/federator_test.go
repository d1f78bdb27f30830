// SPDX-License-Identifier: Apache-2.0

package federator_test

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/martyhq/marty/internal/testutils"
	"github.com/martyhq/marty/pkg/catalog"
	"github.com/martyhq/marty/pkg/federator"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func TestInitializeCreatesBookkeeping(t *testing.T) {
	ctx := context.Background()
	clone := testutils.NewDatabase(t, "clone")
	history := testutils.NewDatabase(t, "history")

	f := federator.New(clone.DB, historyConnInfo(t, history.ConnStr))
	require.NoError(t, f.Initialize(ctx))

	var exists bool
	err := clone.DB.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'marty' AND table_name = 'bookkeeping')").
		Scan(&exists)
	require.NoError(t, err)
	require.True(t, exists)

	var fnCount int
	err = clone.DB.QueryRowContext(ctx,
		"SELECT count(*) FROM pg_proc WHERE proname IN ('coninfo', 'view_select') AND pronamespace = 'marty'::regnamespace").
		Scan(&fnCount)
	require.NoError(t, err)
	require.Equal(t, 2, fnCount)
}

func TestCreateTableProvisionsViewAndTriggers(t *testing.T) {
	ctx := context.Background()
	clone := testutils.NewDatabase(t, "clone")
	history := testutils.NewDatabase(t, "history")

	f := federator.New(clone.DB, historyConnInfo(t, history.ConnStr))
	require.NoError(t, f.Initialize(ctx))

	schema := &catalog.Schema{Name: "public"}
	table := &catalog.Table{Name: "widgets", Schema: schema}
	table.AddColumn(&catalog.Column{Name: "label", Type: "text"})

	require.NoError(t, f.CreateTable(ctx, table, 1))

	var viewExists bool
	err := clone.DB.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.views WHERE table_schema = 'public' AND table_name = 'widgets')").
		Scan(&viewExists)
	require.NoError(t, err)
	require.True(t, viewExists)

	var triggerCount int
	err = clone.DB.QueryRowContext(ctx,
		"SELECT count(*) FROM pg_trigger WHERE tgrelid = 'public.widgets'::regclass").Scan(&triggerCount)
	require.NoError(t, err)
	require.Equal(t, 3, triggerCount)
}

func historyConnInfo(t *testing.T, connStr string) federator.ConnInfo {
	t.Helper()
	u, err := url.Parse(connStr)
	require.NoError(t, err)

	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	password, _ := u.User.Password()
	return federator.ConnInfo{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		Database: strings.TrimPrefix(u.Path, "/"),
	}
}
