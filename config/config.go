// Package config loads gateway configuration from an optional YAML file
// and the environment. Precedence is flags > file > environment >
// defaults; flags are applied by the caller.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the full gateway configuration.
type Config struct {
	// Port is the HTTP listen port on localhost.
	Port int `yaml:"port"`

	// StateDir holds bridge-sessions.json. Empty means ~/.agentbridge.
	StateDir string `yaml:"stateDir"`

	// DefaultCwd is where backend children run when a conversation has
	// no override.
	DefaultCwd string `yaml:"defaultCwd"`

	// ClaudePath and CodexPath override the backend executables.
	ClaudePath string `yaml:"claudePath"`
	CodexPath  string `yaml:"codexPath"`

	// MCPConfig is an optional JSON config path passed to the persistent
	// backend.
	MCPConfig string `yaml:"mcpConfig"`

	// AppendSystemPrompt is extra system-prompt text for the persistent
	// backend.
	AppendSystemPrompt string `yaml:"appendSystemPrompt"`

	// MaxSessions is the soft ceiling on concurrent sessions.
	MaxSessions int `yaml:"maxSessions"`

	// IdleTimeoutMs ends sessions with no activity. Zero disables the
	// sweeper.
	IdleTimeoutMs int `yaml:"idleTimeoutMs"`

	// EphemeralModels lists the model ids routed to the ephemeral
	// backend.
	EphemeralModels []string `yaml:"ephemeralModels"`

	// BotServerURL and BotToken configure the outbound bot connection.
	// The bot is disabled without a token.
	BotServerURL string `yaml:"botServerUrl"`
	BotToken     string `yaml:"botToken"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"logLevel"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:            18810,
		MaxSessions:     5,
		IdleTimeoutMs:   int((30 * time.Minute).Milliseconds()),
		EphemeralModels: []string{"gpt-5-codex"},
		LogLevel:        "info",
	}
}

// Load builds the configuration: defaults, then environment, then the YAML
// file when a path is given.
func Load(path string) (Config, error) {
	cfg := Default()
	cfg.applyEnv()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envInt("AGENTBRIDGE_PORT", &c.Port)
	envString("CLAUDE_PATH", &c.ClaudePath)
	envString("CODEX_PATH", &c.CodexPath)
	envString("AGENTBRIDGE_MCP_CONFIG", &c.MCPConfig)
	envString("ARINOVA_SERVER_URL", &c.BotServerURL)
	envString("ARINOVA_BOT_TOKEN", &c.BotToken)
	envInt("MAX_SESSIONS", &c.MaxSessions)
	envInt("IDLE_TIMEOUT_MS", &c.IdleTimeoutMs)

	// DEFAULT_CWD wins over the workspace variable.
	envString("OPENCLAW_WORKSPACE", &c.DefaultCwd)
	envString("DEFAULT_CWD", &c.DefaultCwd)
}

// Validate checks ranges; it does not touch the filesystem.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("config: maxSessions must be positive, got %d", c.MaxSessions)
	}
	if c.IdleTimeoutMs < 0 {
		return fmt.Errorf("config: idleTimeoutMs must not be negative, got %d", c.IdleTimeoutMs)
	}
	return nil
}

// IdleTimeout returns IdleTimeoutMs as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

// StatePath is the location of bridge-sessions.json.
func (c *Config) StatePath() string {
	dir := c.StateDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dir = filepath.Join(home, ".agentbridge")
	}
	return filepath.Join(dir, "bridge-sessions.json")
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}
