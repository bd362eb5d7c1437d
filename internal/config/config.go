package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// AgentConfig describes how the Claude Code subprocess is launched.
type AgentConfig struct {
	// Binary is the agent executable; resolved via PATH when relative.
	Binary string `json:"binary"`
	// WorkingDir is the directory the agent operates in. The transcript
	// location under ~/.claude/projects is derived from it.
	WorkingDir string `json:"working_dir"`
	// Model selects the model alias passed to the agent (e.g. "sonnet").
	Model string `json:"model"`
	// PermissionMode is forwarded verbatim ("acceptEdits", "plan", ...).
	PermissionMode string `json:"permission_mode"`
	// AllowedTools pre-authorizes tools so only AskUserQuestion pauses.
	AllowedTools []string `json:"allowed_tools,omitempty"`
	// SystemPrompt is appended to the agent's system prompt.
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// Config holds the bridge server configuration.
type Config struct {
	// ListenAddr is the HTTP/WebSocket listen address.
	ListenAddr string `json:"listen_addr"`
	// StateDir holds the session database.
	StateDir string `json:"state_dir"`
	// LogLevel is one of debug, info, warn, error, none.
	LogLevel string `json:"log_level"`
	// LogPath is the log file location; empty logs to stderr.
	LogPath string `json:"log_path"`
	// QuestionTimeoutSeconds bounds how long an AskUserQuestion pause may
	// block the session before it is released with no answer.
	QuestionTimeoutSeconds int `json:"question_timeout_seconds"`

	Agent AgentConfig `json:"agent"`
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	stateDir := ""
	if home, err := os.UserHomeDir(); err == nil {
		stateDir = filepath.Join(home, ".frontic")
	}

	cwd, _ := os.Getwd()

	return &Config{
		ListenAddr:             "localhost:8080",
		StateDir:               stateDir,
		LogLevel:               "info",
		QuestionTimeoutSeconds: 300,
		Agent: AgentConfig{
			Binary:         "claude",
			WorkingDir:     cwd,
			Model:          "sonnet",
			PermissionMode: "acceptEdits",
		},
	}
}

// Load reads the configuration file at path, falling back to defaults
// when the file does not exist. Fields missing from the file keep their
// default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.StateDir == "" {
		c.StateDir = def.StateDir
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.QuestionTimeoutSeconds <= 0 {
		c.QuestionTimeoutSeconds = def.QuestionTimeoutSeconds
	}
	if c.Agent.Binary == "" {
		c.Agent.Binary = def.Agent.Binary
	}
	if c.Agent.WorkingDir == "" {
		c.Agent.WorkingDir = def.Agent.WorkingDir
	}
	if c.Agent.Model == "" {
		c.Agent.Model = def.Agent.Model
	}
	if c.Agent.PermissionMode == "" {
		c.Agent.PermissionMode = def.Agent.PermissionMode
	}
}

// DatabasePath returns the session database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StateDir, "session.db")
}

// QuestionTimeout returns the pause-gate timeout as a duration.
func (c *Config) QuestionTimeout() time.Duration {
	return time.Duration(c.QuestionTimeoutSeconds) * time.Second
}
