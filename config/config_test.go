package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load with defaults failed: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:8080" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.OIDCJWKSTTL != 5*time.Minute || cfg.OIDCJWKSGrace != 15*time.Minute {
		t.Fatalf("unexpected jwks windows: ttl=%s grace=%s", cfg.OIDCJWKSTTL, cfg.OIDCJWKSGrace)
	}
	if cfg.ToolTimeout != 30*time.Second {
		t.Fatalf("unexpected tool timeout %s", cfg.ToolTimeout)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			OIDCJWKSTTL:   5 * time.Minute,
			OIDCJWKSGrace: 15 * time.Minute,
		}
	}

	t.Run("oidc requires issuer or jwks url", func(t *testing.T) {
		cfg := base()
		cfg.OIDCEnabled = true
		cfg.OIDCAudience = "aud"
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected an error")
		}
		cfg.OIDCJWKSURL = "https://issuer/jwks.json"
		if err := cfg.Validate(); err != nil {
			t.Fatalf("expected jwks url to satisfy the requirement: %v", err)
		}
	})

	t.Run("oidc requires audience", func(t *testing.T) {
		cfg := base()
		cfg.OIDCEnabled = true
		cfg.OIDCIssuerURL = "https://issuer"
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("fallback requires secret", func(t *testing.T) {
		cfg := base()
		cfg.AllowLocalJWTFallback = true
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("grace below ttl rejected", func(t *testing.T) {
		cfg := base()
		cfg.OIDCJWKSGrace = time.Minute
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected an error")
		}
	})
}

func TestAPIKeyList(t *testing.T) {
	cfg := &Config{APIKeys: " a , ,b,, c"}
	keys := cfg.APIKeyList()
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestLocalJWTEnabled(t *testing.T) {
	cases := []struct {
		name     string
		cfg      Config
		expected bool
	}{
		{"no secret", Config{}, false},
		{"secret only", Config{JWTSecretKey: "s"}, true},
		{"secret with oidc", Config{JWTSecretKey: "s", OIDCEnabled: true}, false},
		{"secret with oidc and fallback", Config{JWTSecretKey: "s", OIDCEnabled: true, AllowLocalJWTFallback: true}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cfg.LocalJWTEnabled(); got != tc.expected {
				t.Fatalf("expected %v, got %v", tc.expected, got)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	if (&Config{LogLevel: "debug"}).SlogLevel() != slog.LevelDebug {
		t.Fatal("debug not mapped")
	}
	if (&Config{LogLevel: "bogus"}).SlogLevel() != slog.LevelInfo {
		t.Fatal("unknown level should default to info")
	}
}
