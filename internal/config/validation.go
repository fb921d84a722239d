package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate realtime configuration
	errs = append(errs, validateURL("realtime.base_url", c.Realtime.BaseURL, "ws", "wss", "http", "https")...)
	errs = append(errs, positive("realtime.ping_interval", c.Realtime.PingInterval)...)
	errs = append(errs, positive("realtime.reconnect_base_delay", c.Realtime.ReconnectBaseDelay)...)
	errs = append(errs, positive("realtime.handshake_timeout", c.Realtime.HandshakeTimeout)...)
	errs = append(errs, positive("realtime.write_wait", c.Realtime.WriteWait)...)
	if c.Realtime.MaxReconnectAttempts < 1 || c.Realtime.MaxReconnectAttempts > 20 {
		errs = append(errs, &ValidationError{
			Field:   "realtime.max_reconnect_attempts",
			Message: fmt.Sprintf("must be between 1 and 20, got %d", c.Realtime.MaxReconnectAttempts),
		})
	}

	// Validate API configuration
	errs = append(errs, validateURL("api.base_url", c.API.BaseURL, "http", "https")...)
	if c.API.FilesBaseURL != "" {
		errs = append(errs, validateURL("api.files_base_url", c.API.FilesBaseURL, "http", "https")...)
	}
	errs = append(errs, positive("api.timeout", c.API.Timeout)...)
	if c.API.HistoryRetries < 1 {
		errs = append(errs, &ValidationError{
			Field:   "api.history_retries",
			Message: fmt.Sprintf("must be at least 1, got %d", c.API.HistoryRetries),
		})
	}

	// Validate typing and chat timings
	errs = append(errs, positive("typing.throttle", c.Typing.Throttle)...)
	errs = append(errs, positive("typing.expiry", c.Typing.Expiry)...)
	errs = append(errs, positive("chat.match_window", c.Chat.MatchWindow)...)

	// Validate relay configuration
	if _, _, err := net.SplitHostPort(c.Relay.Address); err != nil {
		errs = append(errs, &ValidationError{
			Field:   "relay.address",
			Message: fmt.Sprintf("invalid address format (expected host:port): %v", err),
		})
	}

	// Validate cache configuration
	if c.Cache.Enabled && c.Cache.SQLitePath == "" {
		errs = append(errs, &ValidationError{
			Field:   "cache.sqlite_path",
			Message: "sqlite_path is required when the cache is enabled",
		})
	}

	// Validate logging configuration
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level),
		})
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format),
		})
	}

	// Validate tracing configuration
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, &ValidationError{
			Field:   "tracing.sample_rate",
			Message: fmt.Sprintf("sample rate must be between 0 and 1, got %v", c.Tracing.SampleRate),
		})
	}

	return errs
}

func positive(field string, d time.Duration) []error {
	if d > 0 {
		return nil
	}
	return []error{&ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be a positive duration, got %s", d),
	}}
}

func validateURL(field, raw string, schemes ...string) []error {
	if raw == "" {
		return []error{&ValidationError{Field: field, Message: "URL is required"}}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return []error{&ValidationError{Field: field, Message: fmt.Sprintf("invalid URL: %v", err)}}
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
			break
		}
	}
	if !ok {
		return []error{&ValidationError{
			Field:   field,
			Message: fmt.Sprintf("unsupported scheme %q (expected %s)", u.Scheme, strings.Join(schemes, ", ")),
		}}
	}
	if u.Host == "" {
		return []error{&ValidationError{Field: field, Message: "URL has no host"}}
	}
	return nil
}
