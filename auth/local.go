package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LocalTokenValidator verifies tokens signed with a statically configured
// shared secret and algorithm (HS256 by default). It is the weakest bearer
// scheme and is disabled by default whenever federated validation is on.
type LocalTokenValidator struct {
	secret []byte
	alg    string
	leeway time.Duration
}

var _ Validator = (*LocalTokenValidator)(nil)

// NewLocalTokenValidator constructs a validator for the given shared secret
// and signing algorithm name (e.g. "HS256").
func NewLocalTokenValidator(secret string, alg string) (*LocalTokenValidator, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if jwt.GetSigningMethod(alg) == nil {
		return nil, fmt.Errorf("unknown jwt algorithm %q", alg)
	}
	return &LocalTokenValidator{secret: []byte(secret), alg: alg, leeway: 60 * time.Second}, nil
}

func (v *LocalTokenValidator) Mode() Mode { return ModeLocalToken }

func (v *LocalTokenValidator) Validate(ctx context.Context, creds Credentials) (*Context, error) {
	if creds.BearerToken == "" {
		return nil, ErrNoCredential
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{v.alg}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	parsed, err := parser.Parse(creds.BearerToken, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: local token verify failed: %v", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}

	principal, _ := claims["sub"].(string)
	if principal == "" {
		principal = "local-token"
	}

	return &Context{
		Principal: principal,
		Mode:      ModeLocalToken,
		Claims:    claims,
		ExpiresAt: expiryOf(claims),
	}, nil
}

// expiryOf extracts the exp claim as a time, zero if absent.
func expiryOf(claims jwt.MapClaims) time.Time {
	if expf, ok := claims["exp"].(float64); ok {
		return time.Unix(int64(expf), 0)
	}
	return time.Time{}
}
