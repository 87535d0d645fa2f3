package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 18810, cfg.Port)
	assert.Equal(t, 5, cfg.MaxSessions)
	assert.Equal(t, 30*time.Minute, cfg.IdleTimeout())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.BotToken)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTBRIDGE_PORT", "9999")
	t.Setenv("CLAUDE_PATH", "/opt/claude")
	t.Setenv("ARINOVA_BOT_TOKEN", "tok")
	t.Setenv("MAX_SESSIONS", "9")
	t.Setenv("IDLE_TIMEOUT_MS", "1000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "/opt/claude", cfg.ClaudePath)
	assert.Equal(t, "tok", cfg.BotToken)
	assert.Equal(t, 9, cfg.MaxSessions)
	assert.Equal(t, time.Second, cfg.IdleTimeout())
}

func TestDefaultCwdPrecedence(t *testing.T) {
	t.Setenv("OPENCLAW_WORKSPACE", "/workspace")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/workspace", cfg.DefaultCwd)

	t.Setenv("DEFAULT_CWD", "/explicit")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "/explicit", cfg.DefaultCwd)
}

func TestFileBeatsEnv(t *testing.T) {
	t.Setenv("AGENTBRIDGE_PORT", "9999")
	path := filepath.Join(t.TempDir(), "agentbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 7777
ephemeralModels:
  - m-e
  - m-e2
defaultCwd: /from/file
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Port, "file takes precedence over environment")
	assert.Equal(t, []string{"m-e", "m-e2"}, cfg.EphemeralModels)
	assert.Equal(t, "/from/file", cfg.DefaultCwd)
	assert.Equal(t, 5, cfg.MaxSessions, "absent file keys keep defaults")
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxSessions = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.IdleTimeoutMs = -1
	assert.Error(t, cfg.Validate())
}

func TestStatePath(t *testing.T) {
	cfg := Default()
	cfg.StateDir = "/var/lib/agentbridge"
	assert.Equal(t, "/var/lib/agentbridge/bridge-sessions.json", cfg.StatePath())
}
