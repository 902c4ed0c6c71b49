package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcmartin/scarfeed/pkg/config"
	"github.com/tcmartin/scarfeed/pkg/feed"
	"github.com/tcmartin/scarfeed/pkg/logging"
)

func TestLoadConfigFromYAMLWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9100\nscar:\n  simulate: true\n"), 0644))
	t.Setenv("SCARFEED_SERVER_HOST", "127.0.0.1")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.True(t, cfg.Scar.Simulate)
	assert.Equal(t, 2, cfg.Feed.DefaultVerbosity)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigRejectsTimeoutBeyondReaper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reaper:\n  stale_after_seconds: 600\n"), 0644))
	t.Setenv("SCARFEED_SCAR_TIMEOUT_SECONDS", "900")

	_, err := loadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")

	t.Setenv("SCARFEED_REAPER_STALE_AFTER_SECONDS", "1200")
	_, err = loadConfig(path)
	assert.NoError(t, err)
}

func TestNewAppInMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Scar.Simulate = true

	app, err := NewApp(context.Background(), cfg, logging.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &feed.LocalNotifier{}, app.notifier)
	assert.NotNil(t, app.reaper)

	require.NoError(t, app.Stop(context.Background()))
}

func TestNewAppWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := config.DefaultConfig()
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Reaper.Schedule = ""

	app, err := NewApp(context.Background(), cfg, logging.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &feed.RedisNotifier{}, app.notifier)
	assert.Nil(t, app.reaper)

	require.NoError(t, app.Stop(context.Background()))
}

func TestNewAppRejectsUnknownStorage(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Type = "dynamodb"

	_, err := NewApp(context.Background(), cfg, logging.NewNop())
	assert.Error(t, err)
}
