package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	jose "github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"
)

// keySetSnapshot is one fetched generation of the issuer's JWKS document,
// indexed by key id. Snapshots are immutable once published.
type keySetSnapshot struct {
	keys      map[string]jose.JSONWebKey
	fetchedAt time.Time
}

// KeySetCache holds the verification key material for one issuer. It is
// read-mostly: the hot path takes a snapshot under RLock; refreshes collapse
// into a single fetch via singleflight. A snapshot older than the TTL is
// stale and triggers a refresh; if the refresh fails the last-known-good
// snapshot keeps serving until the grace window past its fetch time runs out,
// after which lookups fail closed with ErrKeySetUnavailable.
type KeySetCache struct {
	issuer string
	ttl    time.Duration
	grace  time.Duration
	client *http.Client
	log    *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	jwksURL string
	snap    *keySetSnapshot

	sf singleflight.Group
}

// NewKeySetCache constructs a cache for the given issuer. jwksURL may be
// empty, in which case it is resolved from the issuer's OIDC discovery
// document on first use.
func NewKeySetCache(issuer, jwksURL string, ttl, grace time.Duration, log *slog.Logger) *KeySetCache {
	if log == nil {
		log = slog.Default()
	}
	if grace < ttl {
		grace = ttl
	}
	return &KeySetCache{
		issuer:  issuer,
		jwksURL: jwksURL,
		ttl:     ttl,
		grace:   grace,
		client:  http.DefaultClient,
		log:     log,
		now:     time.Now,
	}
}

// Issuer returns the issuing authority this cache serves.
func (c *KeySetCache) Issuer() string { return c.issuer }

// Warm eagerly fetches the key set; useful at process start so the first
// federated-token validation does not pay the fetch latency.
func (c *KeySetCache) Warm(ctx context.Context) error {
	_, err := c.refresh(ctx)
	return err
}

// Key returns the verification key for the given key id, refreshing the
// cached set when stale.
func (c *KeySetCache) Key(ctx context.Context, kid string) (any, error) {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()

	if snap != nil && c.now().Sub(snap.fetchedAt) < c.ttl {
		if k, ok := snap.keys[kid]; ok {
			return k.Key, nil
		}
		// Unknown kid on a fresh set usually means the issuer rotated keys;
		// force one refresh before giving up.
	}

	fresh, err := c.refresh(ctx)
	if err != nil {
		if snap != nil && c.now().Sub(snap.fetchedAt) < c.grace {
			c.log.Warn("jwks.refresh.fail.stale_fallback", slog.String("issuer", c.issuer), slog.String("err", err.Error()))
			if k, ok := snap.keys[kid]; ok {
				return k.Key, nil
			}
			return nil, fmt.Errorf("%w: key %q not in last-known-good set", ErrUnauthorized, kid)
		}
		return nil, fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}

	if k, ok := fresh.keys[kid]; ok {
		return k.Key, nil
	}
	return nil, fmt.Errorf("%w: unknown key id %q", ErrUnauthorized, kid)
}

func (c *KeySetCache) refresh(ctx context.Context) (*keySetSnapshot, error) {
	v, err, _ := c.sf.Do("refresh", func() (any, error) {
		snap, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.snap = snap
		c.mu.Unlock()
		c.log.Debug("jwks.refresh.ok", slog.String("issuer", c.issuer), slog.Int("keys", len(snap.keys)))
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*keySetSnapshot), nil
}

func (c *KeySetCache) fetch(ctx context.Context) (*keySetSnapshot, error) {
	url, err := c.resolveJWKSURL(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build jwks request: %w", err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: unexpected status %d", res.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(res.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, k := range set.Keys {
		if !k.Valid() || k.KeyID == "" {
			continue
		}
		keys[k.KeyID] = k
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("jwks document for %s contains no usable keys", c.issuer)
	}

	return &keySetSnapshot{keys: keys, fetchedAt: c.now()}, nil
}

// resolveJWKSURL returns the configured JWKS URL, performing OIDC discovery
// against the issuer the first time when none was configured.
func (c *KeySetCache) resolveJWKSURL(ctx context.Context) (string, error) {
	c.mu.RLock()
	url := c.jwksURL
	c.mu.RUnlock()
	if url != "" {
		return url, nil
	}

	provider, err := oidc.NewProvider(ctx, c.issuer)
	if err != nil {
		return "", fmt.Errorf("oidc discovery for %s: %w", c.issuer, err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return "", fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return "", fmt.Errorf("discovery metadata for %s missing jwks_uri", c.issuer)
	}

	c.mu.Lock()
	c.jwksURL = meta.JwksURI
	c.mu.Unlock()
	return meta.JwksURI, nil
}
