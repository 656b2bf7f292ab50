package auth

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newRequest(t *testing.T, headers map[string]string) *http.Request {
	t.Helper()
	r, err := http.NewRequest(http.MethodPost, "/messages", nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func signLocalToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCredentialsFromRequest(t *testing.T) {
	r := newRequest(t, map[string]string{"x-api-key": "abc"})
	if creds := CredentialsFromRequest(r); creds.APIKey != "abc" {
		t.Fatalf("header name should match case-insensitively, got %q", creds.APIKey)
	}

	r = newRequest(t, map[string]string{"Authorization": "Bearer tok-123"})
	if creds := CredentialsFromRequest(r); creds.BearerToken != "tok-123" {
		t.Fatalf("expected bearer token, got %q", creds.BearerToken)
	}

	r = newRequest(t, nil)
	if creds := CredentialsFromRequest(r); !creds.Empty() {
		t.Fatal("expected empty credentials")
	}
}

func TestAPIKeyValidator(t *testing.T) {
	v := NewAPIKeyValidator([]string{"key-one", "key-two"}, nil)
	ctx := context.Background()

	ac, err := v.Validate(ctx, Credentials{APIKey: "key-two"})
	if err != nil {
		t.Fatalf("expected accept, got %v", err)
	}
	if ac.Mode != ModeAPIKey {
		t.Fatalf("expected mode %q, got %q", ModeAPIKey, ac.Mode)
	}
	if ac.Principal == "key-two" {
		t.Fatal("principal must not expose the raw key")
	}

	if _, err := v.Validate(ctx, Credentials{APIKey: "nope"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for unrecognized key, got %v", err)
	}
	if _, err := v.Validate(ctx, Credentials{BearerToken: "tok"}); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential without an api key, got %v", err)
	}
}

func TestAPIKeyValidatorFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys")
	content := "# deploy keys\nfile-key-1\n\nfile-key-2\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	v, err := NewAPIKeyValidatorFromFile(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	ctx := context.Background()
	if _, err := v.Validate(ctx, Credentials{APIKey: "file-key-2"}); err != nil {
		t.Fatalf("expected accept, got %v", err)
	}
	if _, err := v.Validate(ctx, Credentials{APIKey: "# deploy keys"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatal("comment lines must not become keys")
	}

	// Rewrite the file and wait for the watcher to pick it up.
	if err := os.WriteFile(path, []byte("rotated-key\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := v.Validate(ctx, Credentials{APIKey: "rotated-key"}); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("rotated key was not picked up")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, err := v.Validate(ctx, Credentials{APIKey: "file-key-1"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatal("removed key still accepted after reload")
	}
}

func TestLocalTokenValidator(t *testing.T) {
	v, err := NewLocalTokenValidator("test-secret", "HS256")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	tok := signLocalToken(t, "test-secret", jwt.MapClaims{
		"sub": "analyst-7",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	ac, err := v.Validate(ctx, Credentials{BearerToken: tok})
	if err != nil {
		t.Fatalf("expected accept, got %v", err)
	}
	if ac.Principal != "analyst-7" {
		t.Fatalf("expected principal from sub, got %q", ac.Principal)
	}

	t.Run("wrong secret", func(t *testing.T) {
		bad := signLocalToken(t, "other-secret", jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
		if _, err := v.Validate(ctx, Credentials{BearerToken: bad}); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		old := signLocalToken(t, "test-secret", jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()})
		if _, err := v.Validate(ctx, Credentials{BearerToken: old}); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("missing exp", func(t *testing.T) {
		none := signLocalToken(t, "test-secret", jwt.MapClaims{"sub": "x"})
		if _, err := v.Validate(ctx, Credentials{BearerToken: none}); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})
}

func TestGatewayPrecedenceAndSkip(t *testing.T) {
	apikey := NewAPIKeyValidator([]string{"good-key"}, nil)
	local, err := NewLocalTokenValidator("gw-secret", "HS256")
	if err != nil {
		t.Fatal(err)
	}
	g := NewGateway(nil, local, apikey)
	ctx := context.Background()

	t.Run("no credential", func(t *testing.T) {
		_, err := g.Authenticate(ctx, newRequest(t, nil))
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("api key accepted when token validator has nothing to check", func(t *testing.T) {
		ac, err := g.Authenticate(ctx, newRequest(t, map[string]string{"X-API-Key": "good-key"}))
		if err != nil {
			t.Fatalf("expected accept, got %v", err)
		}
		if ac.Mode != ModeAPIKey {
			t.Fatalf("expected api_key mode, got %q", ac.Mode)
		}
	})

	t.Run("token wins over key when both presented", func(t *testing.T) {
		tok := signLocalToken(t, "gw-secret", jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()})
		ac, err := g.Authenticate(ctx, newRequest(t, map[string]string{
			"Authorization": "Bearer " + tok,
			"X-API-Key":     "good-key",
		}))
		if err != nil {
			t.Fatalf("expected accept, got %v", err)
		}
		if ac.Mode != ModeLocalToken {
			t.Fatalf("expected local_token mode, got %q", ac.Mode)
		}
	})

	t.Run("bad token does not fall through to a bad key", func(t *testing.T) {
		_, err := g.Authenticate(ctx, newRequest(t, map[string]string{
			"Authorization": "Bearer not-a-jwt",
			"X-API-Key":     "wrong-key",
		}))
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("valid api key still works alongside a bad token", func(t *testing.T) {
		ac, err := g.Authenticate(ctx, newRequest(t, map[string]string{
			"Authorization": "Bearer not-a-jwt",
			"X-API-Key":     "good-key",
		}))
		if err != nil {
			t.Fatalf("expected accept, got %v", err)
		}
		if ac.Mode != ModeAPIKey {
			t.Fatalf("expected api_key mode, got %q", ac.Mode)
		}
	})
}
