package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roamii/internal/config"
	"roamii/internal/store/filestore"
	"roamii/internal/visitor"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		statsJSON = false
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestOpenStoreBackends(t *testing.T) {
	ctx := context.Background()

	st, closeStore, err := openStore(ctx, &config.Config{StoreBackend: "memory"}, nil)
	require.NoError(t, err)
	closeStore()
	assert.NotNil(t, st)

	st, closeStore, err = openStore(ctx, &config.Config{StoreBackend: "file", VisitorFile: filepath.Join(t.TempDir(), "v.json")}, nil)
	require.NoError(t, err)
	closeStore()
	assert.NotNil(t, st)

	_, _, err = openStore(ctx, &config.Config{StoreBackend: "kv"}, nil)
	assert.ErrorContains(t, err, "APP_DATABASE_URL")

	_, _, err = openStore(ctx, &config.Config{StoreBackend: "redis"}, nil)
	assert.ErrorContains(t, err, "unknown store backend")
}

func TestPruneAndStatsCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "visitor.json")
	t.Setenv("APP_STORE_BACKEND", "file")
	t.Setenv("APP_VISITOR_FILE", path)

	now := time.Now()
	st, err := filestore.Open(context.Background(), path, nil)
	require.NoError(t, err)
	rec := visitor.NewRecord("visitor_cli", now.AddDate(0, 0, -9))
	rec.Append(visitor.NewUsageEvent(now.AddDate(0, 0, -8)))
	rec.Append(visitor.NewUsageEvent(now))
	_, err = st.Save(context.Background(), rec)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := execute(t, "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 usage events")

	out, err = execute(t, "stats", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"totalVisitors": 1`)
	assert.Contains(t, out, `"totalRuns": 2`)
	assert.Contains(t, out, `"runsThisWeek": 1`)
}

func TestVisitorCommandsFailOpen(t *testing.T) {
	t.Setenv("APP_STATE_DIR", t.TempDir())
	// Nothing listens here; loading and saving fail.
	t.Setenv("APP_SERVER_URL", "http://127.0.0.1:1")

	out, err := execute(t, "visitor", "id")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(id, "visitor_"))

	out, err = execute(t, "visitor", "status")
	require.NoError(t, err)
	assert.Contains(t, out, `"visitorId": "`+id+`"`)
	assert.Contains(t, out, `"remainingRuns": 2`)

	out, err = execute(t, "visitor", "record")
	assert.ErrorContains(t, err, "failed to save visitor data")
	assert.Contains(t, out, `"remainingRuns": 1`)
}
