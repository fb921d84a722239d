package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath returns ~/.ticketchat/config.yaml, or a relative path when
// the home directory is unknown.
func DefaultConfigPath() string {
	return filepath.Join(stateDir(), "config.yaml")
}

func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".ticketchat"
	}
	return filepath.Join(home, ".ticketchat")
}

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Realtime defaults
	cfg.Realtime.BaseURL = "ws://localhost:8003"
	cfg.Realtime.PingInterval = 30 * time.Second
	cfg.Realtime.ReconnectBaseDelay = 1 * time.Second
	cfg.Realtime.MaxReconnectAttempts = 5
	cfg.Realtime.HandshakeTimeout = 10 * time.Second
	cfg.Realtime.WriteWait = 10 * time.Second

	// API defaults
	cfg.API.BaseURL = "http://localhost:8003"
	cfg.API.FilesBaseURL = "http://localhost:8005"
	cfg.API.Timeout = 30 * time.Second
	cfg.API.HistoryRetries = 3

	// Typing defaults
	cfg.Typing.Throttle = 2 * time.Second
	cfg.Typing.Expiry = 3 * time.Second

	// Chat defaults
	cfg.Chat.MatchWindow = 5 * time.Second

	// Identity defaults
	cfg.Identity.Token = ""
	cfg.Identity.Role = ""

	// Relay defaults
	cfg.Relay.Address = "127.0.0.1:8003"
	cfg.Relay.JWTSecret = ""
	cfg.Relay.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

	// Cache defaults
	cfg.Cache.Enabled = true
	cfg.Cache.SQLitePath = filepath.Join(stateDir(), "transcripts.db")

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""

	// Tracing defaults
	cfg.Tracing.Endpoint = ""
	cfg.Tracing.ServiceName = "ticketchat"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}
