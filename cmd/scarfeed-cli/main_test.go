package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcmartin/scarfeed/pkg/api"
	"github.com/tcmartin/scarfeed/pkg/config"
	"github.com/tcmartin/scarfeed/pkg/executor"
	"github.com/tcmartin/scarfeed/pkg/feed"
	"github.com/tcmartin/scarfeed/pkg/logging"
	"github.com/tcmartin/scarfeed/pkg/middleware"
	"github.com/tcmartin/scarfeed/pkg/models"
	"github.com/tcmartin/scarfeed/pkg/scar"
	"github.com/tcmartin/scarfeed/pkg/storage"
)

func newTestServer(t *testing.T, secret string) string {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = secret

	provider := storage.NewMemoryProvider()
	notifier := feed.NewLocalNotifier()
	exec := executor.New(provider, &scar.SimulatedRunner{}, notifier, logging.NewNop(), executor.Options{})
	server := api.NewServer(cfg, provider, exec, notifier, logging.NewNop())

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	serverURL, token, configPath = "", "", ""

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestProjectsAndRun(t *testing.T) {
	url := newTestServer(t, "")
	cfgPath := filepath.Join(t.TempDir(), "cli.json")
	base := []string{"--server", url, "--config", cfgPath}

	out, err := runCLI(t, append(base, "projects", "create", "Todo", "--repo", "https://github.com/acme/todo")...)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "Project created: "))
	projectID := strings.TrimSpace(strings.TrimPrefix(out, "Project created: "))

	out, err = runCLI(t, append(base, "projects", "list")...)
	require.NoError(t, err)
	assert.Contains(t, out, projectID)
	assert.Contains(t, out, "Todo")

	out, err = runCLI(t, append(base, "run", projectID, "prime")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Primed project context successfully.")

	out, err = runCLI(t, append(base, "history", projectID)...)
	require.NoError(t, err)
	assert.Contains(t, out, "PRIME")
	assert.Contains(t, out, "COMPLETED")

	out, err = runCLI(t, append(base, "last", projectID, "prime")...)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "COMPLETED"`)

	_, err = runCLI(t, append(base, "last", projectID, "validate")...)
	assert.Error(t, err)

	_, err = runCLI(t, append(base, "projects", "delete", projectID)...)
	require.NoError(t, err)
	_, err = runCLI(t, append(base, "projects", "get", projectID)...)
	assert.Error(t, err)
}

func TestRunWithoutRepository(t *testing.T) {
	url := newTestServer(t, "")
	base := []string{"--server", url, "--config", filepath.Join(t.TempDir(), "cli.json")}

	out, err := runCLI(t, append(base, "projects", "create", "Bare")...)
	require.NoError(t, err)
	projectID := strings.TrimSpace(strings.TrimPrefix(out, "Project created: "))

	_, err = runCLI(t, append(base, "run", projectID, "prime")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no GitHub repo configured")
}

func TestTokenAndLogin(t *testing.T) {
	const secret = "cli-secret"
	url := newTestServer(t, secret)
	cfgPath := filepath.Join(t.TempDir(), "cli.json")

	_, err := runCLI(t, "--server", url, "--config", cfgPath, "projects", "list")
	require.Error(t, err)

	out, err := runCLI(t, "--server", url, "--config", cfgPath, "token", "--secret", secret, "--subject", "ops")
	require.NoError(t, err)
	signed := strings.TrimSpace(out)

	subject, err := middleware.NewTokenService(secret, 0).ValidateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "ops", subject)

	_, err = runCLI(t, "--server", url, "--config", cfgPath, "--token", signed, "login")
	require.NoError(t, err)

	// server and token now come from the saved config
	_, err = runCLI(t, "--config", cfgPath, "projects", "list")
	assert.NoError(t, err)
}

func TestWatchRejectsBadVerbosity(t *testing.T) {
	_, err := runCLI(t, "--server", "http://localhost:1", "watch", "p1", "-v", "5")
	assert.Error(t, err)
}

func TestFormatItem(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	line := formatItem(models.FeedItem{
		Timestamp: ts.Format(time.RFC3339Nano),
		Source:    models.SourceOrchestrator,
		Kind:      models.ActivityStatus,
		Message:   "PRIME: RUNNING",
	})
	assert.Equal(t, ts.Local().Format(time.TimeOnly)+" [po] status PRIME: RUNNING", line)
}

func TestCheckRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	out, err := runCLI(t, "migrate", "check-redis", "redis://"+mr.Addr())
	require.NoError(t, err)
	assert.Contains(t, out, "Redis ready")
}
