package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	mu         sync.RWMutex
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	// Initialize viper
	m.viper = viper.New()

	// Set config file path
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	// Set environment variable prefix
	m.viper.SetEnvPrefix("TICKETCHAT")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	m.setDefaults()

	// Try to read config file (optional)
	if err := m.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	return Join(m.Get(ctx).Validate())
}

// Join combines validation errors into a single error, or nil.
func Join(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	var errMsgs []string
	for _, err := range errs {
		errMsgs = append(errMsgs, err.Error())
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
}

// Watch watches for configuration changes and reloads. Rewrites that fail
// validation are ignored. The channel holds only the most recent config: an
// unread value is replaced by a newer one.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		m.applyEnvOverrides()

		cfg := *m.Get(ctx)
		if len(cfg.Validate()) > 0 {
			return
		}
		for {
			select {
			case m.watchChan <- cfg:
				return
			default:
			}
			// Drop the stale update and retry
			select {
			case <-m.watchChan:
			default:
			}
		}
	})
	m.viper.WatchConfig()

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Realtime defaults
	m.viper.SetDefault("realtime.base_url", defaults.Realtime.BaseURL)
	m.viper.SetDefault("realtime.ping_interval", defaults.Realtime.PingInterval)
	m.viper.SetDefault("realtime.reconnect_base_delay", defaults.Realtime.ReconnectBaseDelay)
	m.viper.SetDefault("realtime.max_reconnect_attempts", defaults.Realtime.MaxReconnectAttempts)
	m.viper.SetDefault("realtime.handshake_timeout", defaults.Realtime.HandshakeTimeout)
	m.viper.SetDefault("realtime.write_wait", defaults.Realtime.WriteWait)

	// API defaults
	m.viper.SetDefault("api.base_url", defaults.API.BaseURL)
	m.viper.SetDefault("api.files_base_url", defaults.API.FilesBaseURL)
	m.viper.SetDefault("api.timeout", defaults.API.Timeout)
	m.viper.SetDefault("api.history_retries", defaults.API.HistoryRetries)

	// Typing defaults
	m.viper.SetDefault("typing.throttle", defaults.Typing.Throttle)
	m.viper.SetDefault("typing.expiry", defaults.Typing.Expiry)

	// Chat defaults
	m.viper.SetDefault("chat.match_window", defaults.Chat.MatchWindow)

	// Identity defaults
	m.viper.SetDefault("identity.token", defaults.Identity.Token)
	m.viper.SetDefault("identity.participant_id", defaults.Identity.ParticipantID)
	m.viper.SetDefault("identity.name", defaults.Identity.Name)
	m.viper.SetDefault("identity.role", defaults.Identity.Role)
	m.viper.SetDefault("identity.employee_code", defaults.Identity.EmployeeCode)

	// Relay defaults
	m.viper.SetDefault("relay.address", defaults.Relay.Address)
	m.viper.SetDefault("relay.jwt_secret", defaults.Relay.JWTSecret)
	m.viper.SetDefault("relay.allowed_origins", defaults.Relay.AllowedOrigins)

	// Cache defaults
	m.viper.SetDefault("cache.enabled", defaults.Cache.Enabled)
	m.viper.SetDefault("cache.sqlite_path", defaults.Cache.SQLitePath)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)

	// Tracing defaults
	m.viper.SetDefault("tracing.endpoint", defaults.Tracing.Endpoint)
	m.viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)
	m.viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Realtime
	cfg.Realtime.BaseURL = m.viper.GetString("realtime.base_url")
	cfg.Realtime.PingInterval = m.viper.GetDuration("realtime.ping_interval")
	cfg.Realtime.ReconnectBaseDelay = m.viper.GetDuration("realtime.reconnect_base_delay")
	cfg.Realtime.MaxReconnectAttempts = m.viper.GetInt("realtime.max_reconnect_attempts")
	cfg.Realtime.HandshakeTimeout = m.viper.GetDuration("realtime.handshake_timeout")
	cfg.Realtime.WriteWait = m.viper.GetDuration("realtime.write_wait")

	// API
	cfg.API.BaseURL = m.viper.GetString("api.base_url")
	cfg.API.FilesBaseURL = m.viper.GetString("api.files_base_url")
	cfg.API.Timeout = m.viper.GetDuration("api.timeout")
	cfg.API.HistoryRetries = m.viper.GetInt("api.history_retries")

	// Typing
	cfg.Typing.Throttle = m.viper.GetDuration("typing.throttle")
	cfg.Typing.Expiry = m.viper.GetDuration("typing.expiry")

	// Chat
	cfg.Chat.MatchWindow = m.viper.GetDuration("chat.match_window")

	// Identity
	cfg.Identity.Token = m.viper.GetString("identity.token")
	cfg.Identity.ParticipantID = m.viper.GetString("identity.participant_id")
	cfg.Identity.Name = m.viper.GetString("identity.name")
	cfg.Identity.Role = m.viper.GetString("identity.role")
	cfg.Identity.EmployeeCode = m.viper.GetString("identity.employee_code")

	// Relay
	cfg.Relay.Address = m.viper.GetString("relay.address")
	cfg.Relay.JWTSecret = m.viper.GetString("relay.jwt_secret")
	cfg.Relay.AllowedOrigins = m.viper.GetStringSlice("relay.allowed_origins")

	// Cache
	cfg.Cache.Enabled = m.viper.GetBool("cache.enabled")
	cfg.Cache.SQLitePath = m.viper.GetString("cache.sqlite_path")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File = m.viper.GetString("logging.file")

	// Tracing
	cfg.Tracing.Endpoint = m.viper.GetString("tracing.endpoint")
	cfg.Tracing.ServiceName = m.viper.GetString("tracing.service_name")
	cfg.Tracing.SampleRate = m.viper.GetFloat64("tracing.sample_rate")

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// applyEnvOverrides applies environment variable overrides for sensitive data.
func (m *viperConfigManager) applyEnvOverrides() {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Access token under the short name used by the web frontend tooling
	if token := os.Getenv("TICKETCHAT_TOKEN"); token != "" {
		m.config.Identity.Token = token
	}

	// Relay secret shared with the ticket services
	if secret := os.Getenv("TICKETCHAT_JWT_SECRET"); secret != "" {
		m.config.Relay.JWTSecret = secret
	}
}
