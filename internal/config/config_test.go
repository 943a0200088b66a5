package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewAppliesDocumentedDefaults(t *testing.T) {
	cfg := New()

	require.Equal(t, 1000, cfg.Server.MaxConnections)
	require.Equal(t, 30*time.Second, cfg.Server.HeartbeatInterval())
	require.Equal(t, 120*time.Second, cfg.Server.ClientTimeout())

	require.Equal(t, 3, cfg.Store.MaxRetries)
	require.Equal(t, 5*time.Second, cfg.Store.OpTimeout())
	require.Equal(t, 15*time.Second, cfg.Store.Deadline())

	require.Equal(t, 5, cfg.Progress.RateWindowSamples)
	require.Equal(t, 24*time.Hour, cfg.Progress.CleanupInterval())
	require.Equal(t, 7*24*time.Hour, cfg.Progress.CompletedTaskTTL())

	require.Equal(t, 1000, cfg.Series.Capacity)
	require.Equal(t, 30*time.Second, cfg.Alert.EvalInterval())
	require.Equal(t, 60*time.Second, cfg.Alert.EscalationInterval())
	require.Equal(t, 300*time.Second, cfg.Optimizer.Interval())
	require.Equal(t, 10*time.Minute, cfg.Optimizer.AnalysisInterval())
	require.False(t, cfg.Optimizer.DryRun)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("STORE_ADDR", "redis.internal:6380")
	t.Setenv("OPTIMIZER_DRY_RUN", "true")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Server.Port)
	require.Equal(t, "redis.internal:6380", cfg.Store.Addr)
	require.True(t, cfg.Optimizer.DryRun)
}

func TestLoadReadsYAMLFileThenEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7777\n  host: \"127.0.0.1\"\n"), 0o644))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SERVER_PORT", "8888")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Server.Host) // from file
	require.Equal(t, 8888, cfg.Server.Port)        // env overrides file
}

func TestLoadMissingConfigFileIsSkipped(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	cfg, err := Load()
	require.NoError(t, err) // a missing file is skipped, not fatal
	require.NotNil(t, cfg)
}
