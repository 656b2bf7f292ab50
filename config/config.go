// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config carries every tunable of the gateway process. Fields map 1:1 to
// environment variables; durations use Go duration syntax (e.g. "30s").
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR,default=0.0.0.0:8080"`

	// Authentication.
	APIKeys    string `env:"API_KEYS,default=dev-key-12345"` // comma-separated allow-list
	APIKeyFile string `env:"API_KEY_FILE"`                   // optional watched keys file (one per line)

	JWTSecretKey string `env:"JWT_SECRET_KEY"`
	JWTAlgorithm string `env:"JWT_ALGORITHM,default=HS256"`

	OIDCEnabled           bool          `env:"OIDC_ENABLED,default=false"`
	OIDCIssuerURL         string        `env:"OIDC_ISSUER_URL"`
	OIDCAudience          string        `env:"OIDC_AUDIENCE"`
	OIDCJWKSURL           string        `env:"OIDC_JWKS_URL"` // optional; skips discovery when set
	OIDCJWKSTTL           time.Duration `env:"OIDC_JWKS_TTL,default=5m"`
	OIDCJWKSGrace         time.Duration `env:"OIDC_JWKS_GRACE,default=15m"`
	AllowLocalJWTFallback bool          `env:"AUTH_ALLOW_LOCAL_JWT_FALLBACK,default=false"`

	// Session lifecycle.
	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT,default=5m"`
	SweepInterval      time.Duration `env:"SESSION_SWEEP_INTERVAL,default=30s"`
	KeepaliveInterval  time.Duration `env:"KEEPALIVE_INTERVAL,default=15s"`

	// Write-path deadline for external tool handlers.
	ToolTimeout time.Duration `env:"TOOL_TIMEOUT,default=30s"`

	// Query engine bridge (out-of-scope collaborator; DSN is handed through).
	EngineDSN string `env:"ENGINE_DSN"`

	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// Load decodes the environment into a Config and validates cross-field
// constraints that envdecode cannot express.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for inconsistencies that would otherwise
// surface as confusing runtime auth failures.
func (c *Config) Validate() error {
	if c.OIDCEnabled {
		if c.OIDCIssuerURL == "" && c.OIDCJWKSURL == "" {
			return fmt.Errorf("OIDC_ENABLED requires OIDC_ISSUER_URL or OIDC_JWKS_URL")
		}
		if c.OIDCAudience == "" {
			return fmt.Errorf("OIDC_ENABLED requires OIDC_AUDIENCE")
		}
	}
	if c.AllowLocalJWTFallback && c.JWTSecretKey == "" {
		return fmt.Errorf("AUTH_ALLOW_LOCAL_JWT_FALLBACK requires JWT_SECRET_KEY")
	}
	if c.OIDCJWKSGrace < c.OIDCJWKSTTL {
		return fmt.Errorf("OIDC_JWKS_GRACE must be at least OIDC_JWKS_TTL")
	}
	return nil
}

// APIKeyList splits the comma-separated API_KEYS value, dropping blanks.
func (c *Config) APIKeyList() []string {
	var keys []string
	for _, k := range strings.Split(c.APIKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// LocalJWTEnabled reports whether the local-token validator participates in
// auth decisions. When federated validation is on, local tokens are disabled
// unless explicitly re-enabled so the weaker scheme cannot undermine the
// stronger one.
func (c *Config) LocalJWTEnabled() bool {
	if c.JWTSecretKey == "" {
		return false
	}
	if c.OIDCEnabled {
		return c.AllowLocalJWTFallback
	}
	return true
}

// SlogLevel maps LOG_LEVEL onto a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
