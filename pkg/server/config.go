// Package server exposes the tool policy engine and the write-confirmation
// gate over HTTP.
//
// Routes:
//   - POST /v1/tool-calls/authorize   evaluate policy, then the confirmation gate
//   - GET  /health                    liveness and loaded workspace count
//   - GET  /metrics                   Prometheus metrics
//   - PUT  /v1/admin/workspaces/{id}  install a workspace policy (bearer token)
//   - GET  /v1/admin/workspaces       list configured workspaces (bearer token)
//
// Admin routes are only mounted when an admin token is configured.
package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvListen         = "TOOL_POLICY_LISTEN"
	EnvAdminToken     = "TOOL_POLICY_ADMIN_TOKEN"
	EnvDefaultTimeout = "TOOL_POLICY_DEFAULT_TIMEOUT_SECONDS"
)

const (
	defaultListen         = "127.0.0.1:8088"
	defaultTimeoutSeconds = 60
)

// Config holds the HTTP server configuration.
type Config struct {
	// Listen is the address and port to bind.
	// Default: "127.0.0.1:8088"
	Listen string

	// TLS configures HTTPS. Required if Listen is not localhost.
	TLS *TLSConfig

	// AdminToken protects the admin routes. Empty disables them.
	AdminToken string

	// DefaultTimeoutSeconds is the per-call timeout returned when a
	// workspace sets none and the request carries none.
	DefaultTimeoutSeconds float64

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	// Cert is the path to the TLS certificate file (PEM format)
	Cert string

	// Key is the path to the TLS private key file (PEM format)
	Key string
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:                defaultListen,
		DefaultTimeoutSeconds: defaultTimeoutSeconds,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
	}
}

// ConfigFromEnv returns DefaultConfig overridden by the TOOL_POLICY_*
// environment variables.
func ConfigFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if v := strings.TrimSpace(os.Getenv(EnvListen)); v != "" {
		cfg.Listen = v
	}
	cfg.AdminToken = strings.TrimSpace(os.Getenv(EnvAdminToken))
	if v := strings.TrimSpace(os.Getenv(EnvDefaultTimeout)); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, &ConfigError{Field: EnvDefaultTimeout, Message: fmt.Sprintf("invalid number %q", v)}
		}
		cfg.DefaultTimeoutSeconds = f
	}
	return cfg, cfg.Validate()
}

// GetListen returns the listen address.
func (c *Config) GetListen() string {
	if c == nil || c.Listen == "" {
		return defaultListen
	}
	return c.Listen
}

// IsLocalhost returns true if the listen address is localhost.
func (c *Config) IsLocalhost() bool {
	addr := c.GetListen()
	return strings.HasPrefix(addr, "127.0.0.1:") ||
		strings.HasPrefix(addr, "localhost:") ||
		strings.HasPrefix(addr, "[::1]:")
}

// HasTLS returns true if TLS is configured.
func (c *Config) HasTLS() bool {
	return c.TLS != nil && c.TLS.Cert != "" && c.TLS.Key != ""
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if !c.IsLocalhost() && !c.HasTLS() {
		return &ConfigError{
			Field:   "tls",
			Message: "TLS is required when listen address is not localhost",
		}
	}
	if c.DefaultTimeoutSeconds < 0 {
		return &ConfigError{
			Field:   "default_timeout_seconds",
			Message: "must be non-negative",
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("server config error: %s: %s", e.Field, e.Message)
}
