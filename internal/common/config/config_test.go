package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// load runs the loader against an empty temp dir so no stray config.yaml on
// the developer's machine leaks into assertions.
func load(t *testing.T) (*Config, error) {
	t.Helper()
	return LoadWithPath(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(t)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8003", cfg.Server.ListenAddr)
	assert.Equal(t, int64(10*1024*1024), cfg.Server.MaxMessageBytes)
	assert.Equal(t, 100, cfg.Session.MaxSessions)
	assert.Equal(t, 3600, cfg.Session.IdleTimeoutS)
	assert.Equal(t, float64(600), cfg.Execution.DefaultTotalTimeoutS)
	assert.Equal(t, float64(120), cfg.Execution.DefaultStallTimeoutS)
	assert.Equal(t, int64(8*1024), cfg.Execution.MaxLineBytes)
	assert.Equal(t, int64(10*1024*1024), cfg.Execution.MaxTotalBytes)
	assert.Equal(t, []string{"API_KEY", "TOKEN", "SECRET"}, cfg.Execution.SensitiveEnvKeys)
	assert.Equal(t, "", cfg.Timing.DSN)
	assert.Equal(t, 7*24*3600, cfg.Timing.HistoryTTLS)
	assert.Equal(t, "", cfg.NATS.URL)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CC_EXECUTOR_LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("CC_EXECUTOR_MAX_SESSIONS", "7")
	t.Setenv("CC_EXECUTOR_ALLOWED_COMMANDS", "echo, git ,python")
	t.Setenv("CC_EXECUTOR_TIMING_STORE_DSN", "redis://localhost:6379/0")

	cfg, err := load(t)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Server.ListenAddr)
	assert.Equal(t, 7, cfg.Session.MaxSessions)
	assert.Equal(t, []string{"echo", "git", "python"}, cfg.Execution.AllowList())
	assert.Equal(t, "redis://localhost:6379/0", cfg.Timing.DSN)
}

func TestValidateRejectsBadBounds(t *testing.T) {
	t.Setenv("CC_EXECUTOR_MAX_SESSIONS", "0")
	_, err := load(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxSessions")
}

func TestValidateRejectsStallFraction(t *testing.T) {
	t.Setenv("CC_EXECUTOR_STALL_FRACTION_OF_TOTAL", "1.5")
	_, err := load(t)
	assert.Error(t, err)
}

func TestValidateRejectsLineOverTotal(t *testing.T) {
	t.Setenv("CC_EXECUTOR_MAX_LINE_BYTES", "1048576")
	t.Setenv("CC_EXECUTOR_MAX_TOTAL_BYTES", "1024")
	_, err := load(t)
	assert.Error(t, err)
}

func TestAllowListEmpty(t *testing.T) {
	e := ExecutionConfig{AllowedCommands: "  "}
	assert.Nil(t, e.AllowList())
}

func TestDurationHelpers(t *testing.T) {
	s := SessionConfig{IdleTimeoutS: 90}
	assert.Equal(t, "1m30s", s.IdleTimeout().String())

	e := ExecutionConfig{GracefulShutdownS: 2.5}
	assert.Equal(t, "2.5s", e.GracefulShutdown().String())
}
