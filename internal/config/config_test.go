// File: internal/config/config_test.go

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withTempPaths(t *testing.T) string {
	t.Helper()

	tempDir := t.TempDir()

	origGetConfigPath := getConfigPath
	origGetRuntimeDir := getRuntimeDir
	origGetDataDir := getDataDir
	t.Cleanup(func() {
		getConfigPath = origGetConfigPath
		getRuntimeDir = origGetRuntimeDir
		getDataDir = origGetDataDir
	})

	getConfigPath = func() (string, error) {
		return filepath.Join(tempDir, "config.yaml"), nil
	}
	getRuntimeDir = func() string { return filepath.Join(tempDir, "run") }
	getDataDir = func() string { return filepath.Join(tempDir, "data") }

	for _, key := range []string{"ABACUS_SOCKET", "ABACUS_LOG_LEVEL", "ABACUS_LOG_FORMAT", "ABACUS_JOURNAL", "ABACUS_EVAL_TIMEOUT"} {
		t.Setenv(key, "")
	}
	return tempDir
}

func TestLoadDefaultsWhenMissing(t *testing.T) {
	tempDir := withTempPaths(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/abacus.sock", cfg.SocketPath)
	assert.Equal(t, filepath.Join(tempDir, "run", "abacusd.pid"), cfg.PIDFile)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, time.Second, cfg.Server.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.Engine.EvalTimeout)
	assert.False(t, cfg.Journal.Enabled)
	assert.Equal(t, filepath.Join(tempDir, "data", "journal.db"), cfg.Journal.Path)

	// Loading must not create the file.
	_, err = os.Stat(filepath.Join(tempDir, "config.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadFromFile(t *testing.T) {
	tempDir := withTempPaths(t)
	path := filepath.Join(tempDir, "config.yaml")

	data := `socket_path: /run/abacus/test.sock
log:
  level: debug
  format: json
server:
  poll_interval: 250ms
  io_timeout: 3s
engine:
  eval_timeout: 100ms
journal:
  enabled: true
  max_entries: 10
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/run/abacus/test.sock", cfg.SocketPath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 250*time.Millisecond, cfg.Server.PollInterval)
	assert.Equal(t, 3*time.Second, cfg.Server.IOTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Engine.EvalTimeout)
	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, 10, cfg.Journal.MaxEntries)
	// Unset keys keep their defaults.
	assert.Equal(t, uint(DefaultMaxNodes), cfg.Engine.MaxNodes)
	assert.Equal(t, filepath.Join(tempDir, "data", "journal.db"), cfg.Journal.Path)
}

func TestLoadRejectsGarbage(t *testing.T) {
	tempDir := withTempPaths(t)
	path := filepath.Join(tempDir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("socket_path: [unterminated"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	withTempPaths(t)
	t.Setenv("ABACUS_SOCKET", "/tmp/other.sock")
	t.Setenv("ABACUS_LOG_LEVEL", "warn")
	t.Setenv("ABACUS_JOURNAL", "true")
	t.Setenv("ABACUS_EVAL_TIMEOUT", "2s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/other.sock", cfg.SocketPath)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Engine.EvalTimeout)
}

func TestValidate(t *testing.T) {
	withTempPaths(t)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty socket", func(c *Config) { c.SocketPath = "" }},
		{"zero poll interval", func(c *Config) { c.Server.PollInterval = 0 }},
		{"negative io timeout", func(c *Config) { c.Server.IOTimeout = -time.Second }},
		{"negative eval timeout", func(c *Config) { c.Engine.EvalTimeout = -time.Second }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
		{"journal without path", func(c *Config) { c.Journal.Enabled = true; c.Journal.Path = "" }},
	}

	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveThenLoad(t *testing.T) {
	tempDir := withTempPaths(t)
	path := filepath.Join(tempDir, "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.SocketPath = "/tmp/saved.sock"
	cfg.Server.PollInterval = 2 * time.Second
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestWatchReloads(t *testing.T) {
	tempDir := withTempPaths(t)
	path := filepath.Join(tempDir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		level string
	)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) {
			mu.Lock()
			level = c.Log.Level
			mu.Unlock()
		}, nil)
	}()

	// Keep rewriting until the watcher has registered and reloaded.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("log:\n  level: debug\n"), 0644)
		mu.Lock()
		defer mu.Unlock()
		return level == "debug"
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
