// Package auth implements the gateway's authentication layer: independent
// credential validators (API key, locally-signed token, federated token) and
// the gateway that composes them into one decision per request.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// ErrUnauthorized indicates that no enabled validator accepted the request's
// credentials.
var ErrUnauthorized = errors.New("auth: unauthorized")

// ErrNoCredential is returned by a validator when the request carries no
// credential of the validator's scheme. The gateway treats it as "not my
// scheme" and moves on; it never surfaces to callers on its own.
var ErrNoCredential = errors.New("auth: no credential presented")

// ErrKeySetUnavailable indicates federated validation could not obtain a
// usable verification key set: the refresh failed and no unexpired cached set
// remains.
var ErrKeySetUnavailable = errors.New("auth: verification key set unavailable")

// Mode identifies the authentication scheme that produced a Context.
type Mode string

const (
	ModeAPIKey         Mode = "api_key"
	ModeLocalToken     Mode = "local_token"
	ModeFederatedToken Mode = "federated_token"
)

// Context is the result of a successful authentication decision for one
// request. It is created per request and never cached.
type Context struct {
	Principal string
	Mode      Mode
	Claims    map[string]any
	ExpiresAt time.Time
}

// Credentials are the raw credential materials extracted from a request.
// At most one is expected to be presented; validators each consume only the
// field for their own scheme.
type Credentials struct {
	APIKey      string
	BearerToken string
}

// Empty reports whether the request presented no recognizable credential.
func (c Credentials) Empty() bool {
	return c.APIKey == "" && c.BearerToken == ""
}

const apiKeyHeader = "X-API-Key"

// CredentialsFromRequest pulls the API-key header (name matched
// case-insensitively by net/http) and the bearer token out of a request.
func CredentialsFromRequest(r *http.Request) Credentials {
	var creds Credentials
	creds.APIKey = r.Header.Get(apiKeyHeader)
	if ah := r.Header.Get("Authorization"); ah != "" {
		if tok, ok := strings.CutPrefix(ah, "Bearer "); ok {
			creds.BearerToken = strings.TrimSpace(tok)
		} else if tok, ok := strings.CutPrefix(ah, "bearer "); ok {
			creds.BearerToken = strings.TrimSpace(tok)
		}
	}
	return creds
}

// Validator checks one authentication scheme. Implementations return
// ErrNoCredential when the request carries nothing for their scheme, and an
// error wrapping ErrUnauthorized (or ErrKeySetUnavailable) when validation
// was attempted and failed.
type Validator interface {
	Mode() Mode
	Validate(ctx context.Context, creds Credentials) (*Context, error)
}
