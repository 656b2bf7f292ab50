package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FederatedConfig controls validation of federated-identity bearer tokens.
type FederatedConfig struct {
	Issuer      string
	Audience    string
	AllowedAlgs []string // default: RS256
	Leeway      time.Duration
}

// FederatedTokenValidator verifies bearer tokens issued by an external
// identity provider against the issuer's rotating key set. Signature, expiry,
// issuer, and audience must all check out.
type FederatedTokenValidator struct {
	cfg   FederatedConfig
	cache *KeySetCache
}

var _ Validator = (*FederatedTokenValidator)(nil)

// NewFederatedTokenValidator constructs a validator over an existing key-set
// cache (shared, read-mostly, process lifetime).
func NewFederatedTokenValidator(cfg FederatedConfig, cache *KeySetCache) (*FederatedTokenValidator, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, fmt.Errorf("audience is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("key set cache is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}
	return &FederatedTokenValidator{cfg: cfg, cache: cache}, nil
}

func (v *FederatedTokenValidator) Mode() Mode { return ModeFederatedToken }

func (v *FederatedTokenValidator) Validate(ctx context.Context, creds Credentials) (*Context, error) {
	if creds.BearerToken == "" {
		return nil, ErrNoCredential
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	)

	parsed, err := parser.Parse(creds.BearerToken, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token header missing kid")
		}
		return v.cache.Key(ctx, kid)
	})
	if err != nil {
		// Surface key-set outages distinctly; everything else is a plain reject.
		if errors.Is(err, ErrKeySetUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
		}
		return nil, fmt.Errorf("%w: federated token verify failed: %v", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}

	// The configured audience matches if it appears anywhere in the aud
	// claim's value set (string or array form).
	if !audContains(claims["aud"], v.cfg.Audience) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	return &Context{
		Principal: sub,
		Mode:      ModeFederatedToken,
		Claims:    claims,
		ExpiresAt: expiryOf(claims),
	}, nil
}

func audContains(aud any, want string) bool {
	switch v := aud.(type) {
	case string:
		return v == want
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && s == want {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == want {
				return true
			}
		}
	}
	return false
}
