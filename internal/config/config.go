// Package config provides configuration management for ticketchat.
//
// Configuration Sources (priority order, high to low):
//  1. CLI flags (highest priority)
//  2. Environment variables (TICKETCHAT_* prefix, "." replaced by "_")
//  3. YAML config file (default: ~/.ticketchat/config.yaml)
//  4. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//  1. Realtime
//     - base_url: chat service root (ws://, wss://, http:// or https://)
//     - ping_interval: keep-alive period (default 30s)
//     - reconnect_base_delay: first reconnection delay, doubled per attempt (default 1s)
//     - max_reconnect_attempts: reconnection budget (default 5)
//     - handshake_timeout, write_wait
//
//  2. API
//     - base_url: ticket service root
//     - files_base_url: file service root
//     - timeout: per request timeout
//     - history_retries: history fetch attempts
//
//  3. Typing
//     - throttle: minimum spacing of outbound typing signals (default 2s)
//     - expiry: how long a remote typist stays visible (default 3s)
//
//  4. Chat
//     - match_window: optimistic echo matching window (default 5s)
//
//  5. Identity
//     - token: access token
//     - participant_id, name, role, employee_code: overrides for token claims
//
//  6. Relay
//     - address: listen address of the development relay
//     - jwt_secret: HS256 secret; empty accepts unverified tokens
//     - allowed_origins: CORS and WebSocket origins
//
//  7. Cache
//     - enabled: keep a local transcript cache
//     - sqlite_path: cache file
//
//  8. Logging
//     - level: "debug" | "info" | "warn" | "error"
//     - format: "json" | "text"
//     - file: optional rotated log file
//
//  9. Tracing
//     - endpoint: OTLP collector host:port; empty disables tracing
//     - service_name: reported service name
//     - sample_rate: fraction of traces kept (0 to 1)
//
// The relay applies relay.allowed_origins and logging.level from the file
// without a restart.
package config

import (
	"context"
	"time"
)

// Config struct contains all configuration fields
type Config struct {
	// Realtime connection configuration
	Realtime struct {
		BaseURL              string
		PingInterval         time.Duration
		ReconnectBaseDelay   time.Duration
		MaxReconnectAttempts int
		HandshakeTimeout     time.Duration
		WriteWait            time.Duration
	}

	// Ticket and file service configuration
	API struct {
		BaseURL        string
		FilesBaseURL   string
		Timeout        time.Duration
		HistoryRetries int
	}

	// Typing indicator configuration
	Typing struct {
		Throttle time.Duration
		Expiry   time.Duration
	}

	// Chat reconciliation configuration
	Chat struct {
		MatchWindow time.Duration
	}

	// Identity of the local participant
	Identity struct {
		Token         string
		ParticipantID string
		Name          string
		Role          string
		EmployeeCode  string
	}

	// Development relay configuration
	Relay struct {
		Address   string
		JWTSecret string
		// AllowedOrigins is a list of origins permitted to open WebSocket connections.
		// Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
	}

	// Transcript cache configuration
	Cache struct {
		Enabled    bool
		SQLitePath string
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
		File   string
	}

	// OpenTelemetry tracing configuration
	Tracing struct {
		Endpoint    string
		ServiceName string
		SampleRate  float64
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager(DefaultConfigPath())
}
