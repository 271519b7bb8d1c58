// Package config – config.go loads the promptrelay yaml configuration with
// environment variable expansion, and provides the small persisted
// {ws_url} record the supervisor re-reads before every connection attempt.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultWSURL is the canonical server address. Port 6543 matches the bridge
// server's default listen port so both sides agree out of the box.
const DefaultWSURL = "ws://localhost:6543/ws"

// Config is the root configuration for both the server and the agent daemon.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Agent     AgentConfig     `yaml:"agent"`
	Logging   LoggingConfig   `yaml:"logging"`

	// APIKey is optional; when set, chat API clients must send
	// "Authorization: Bearer <key>".
	APIKey string `yaml:"api_key"`
}

// ServerConfig configures the bridge server's HTTP surface.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"` // gin mode: debug/test/release
}

// DatabaseConfig configures the sqlite message store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// WebSocketConfig configures the server↔agent link heartbeat.
type WebSocketConfig struct {
	PingInterval int `yaml:"ping_interval"` // seconds
	PongTimeout  int `yaml:"pong_timeout"`  // seconds
}

// AgentConfig configures the agent daemon (supervisor + browser automation).
type AgentConfig struct {
	// WSURL is the server address the supervisor dials. Overridden at
	// runtime by the Store record when one has been saved.
	WSURL string `yaml:"ws_url"`

	// ChromePath is the Chrome/Chromium binary; auto-detected if empty.
	ChromePath string `yaml:"chrome_path"`

	// Headless runs the browser without a visible window.
	Headless bool `yaml:"headless"`

	// TargetURL is the chat application the agent drives. Tab resolution
	// matches open pages against this prefix.
	TargetURL string `yaml:"target_url"`

	// NewChatURL is opened when no matching tab exists.
	NewChatURL string `yaml:"new_chat_url"`

	// ModeLabel is the substring the current model/mode label must contain;
	// when it does not, the agent opens the mode picker and scans for it.
	ModeLabel string `yaml:"mode_label"`

	// Selectors overrides individual page-element selectors. Keys left empty
	// keep the built-in defaults.
	Selectors SelectorConfig `yaml:"selectors"`
}

// SelectorConfig mirrors the agent's selector set for yaml overrides.
type SelectorConfig struct {
	Input            []string `yaml:"input"`
	SendButton       []string `yaml:"send_button"`
	AssistantMessage string   `yaml:"assistant_message"`
	Generating       string   `yaml:"generating"`
	NewChatButton    string   `yaml:"new_chat_button"`
	ModeLabel        string   `yaml:"mode_label"`
	ModePicker       string   `yaml:"mode_picker"`
	ModeOption       string   `yaml:"mode_option"`
	CopyButton       string   `yaml:"copy_button"`
	ConversationMenu string   `yaml:"conversation_menu"`
	DeleteItem       string   `yaml:"delete_item"`
	DeleteConfirm    string   `yaml:"delete_confirm"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug/info/warn/error
	Format string `yaml:"format"` // json/text
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: 6543, Mode: "release"},
		Database: DatabaseConfig{Path: "./promptrelay.db"},
		WebSocket: WebSocketConfig{
			PingInterval: 30,
			PongTimeout:  10,
		},
		Agent: AgentConfig{
			WSURL:      DefaultWSURL,
			Headless:   true,
			TargetURL:  "https://gemini.google.com/",
			NewChatURL: "https://gemini.google.com/app",
			ModeLabel:  "Fast",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads a yaml file over the defaults, expanding ${VAR} / $VAR
// references from the environment. Unset variables are left intact so the
// placeholder is visible in diagnostics instead of silently becoming empty.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "$")
		name = strings.TrimPrefix(name, "{")
		name = strings.TrimSuffix(name, "}")
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}
