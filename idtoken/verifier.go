// Package idtoken verifies OIDC ID tokens against the issuer's published
// keys, with a refreshable JWKS cache so key rotation does not require a
// process restart.
package idtoken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Config configures the verifier.
type Config struct {
	// Issuer is the expected iss claim.
	Issuer string
	// JWKSURL is the jwks_uri from the issuer's discovery document.
	JWKSURL string
	// ClientID is the audience the token must be issued for.
	ClientID string
	// CacheTTL bounds how long a fetched key set is reused. Defaults to
	// five minutes.
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

// Claims is a simplified view of a verified ID token.
type Claims struct {
	Subject   string
	Issuer    string
	Email     string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Raw       map[string]any
}

// Verifier validates ID-token signatures and registered claims.
type Verifier struct {
	cfg    Config
	client *http.Client

	mu    sync.RWMutex
	cache jwksCache
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	expires time.Time
	etag    string
}

// New creates a verifier with sane defaults.
func New(cfg Config) *Verifier {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Verifier{cfg: cfg, client: client}
}

// Verify checks the token signature against the cached JWKS and validates
// iss, aud, and exp. A signing-key miss triggers one JWKS refetch before
// failing.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}

	set, err := v.ensureJWKS(ctx, false)
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}),
		jwt.WithLeeway(30*time.Second),
	)

	claims := jwt.MapClaims{}
	tok, err := parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key := findKey(set, kid)
		if key == nil {
			// Force a refresh on kid miss: the issuer may have rotated.
			if fresh, err := v.ensureJWKS(ctx, true); err == nil {
				key = findKey(fresh, kid)
			}
		}
		if key == nil {
			return nil, fmt.Errorf("signing key %q not found", kid)
		}
		return key.Key, nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("token invalid")
	}

	return v.mapClaims(claims)
}

// Invalidate drops the cached key set, forcing the next Verify to refetch.
// Intended for explicit key-rotation events.
func (v *Verifier) Invalidate() {
	v.mu.Lock()
	v.cache = jwksCache{}
	v.mu.Unlock()
}

func (v *Verifier) ensureJWKS(ctx context.Context, force bool) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()

	if !force && cache.set.Keys != nil && time.Now().Before(cache.expires) {
		return cache.set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if cache.etag != "" && !force {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		cache.expires = time.Now().Add(v.cfg.CacheTTL)
		v.mu.Lock()
		v.cache = cache
		v.mu.Unlock()
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}

	cache = jwksCache{
		set:     set,
		etag:    resp.Header.Get("ETag"),
		expires: time.Now().Add(maxCacheDuration(resp.Header.Get("Cache-Control"), v.cfg.CacheTTL)),
	}
	v.mu.Lock()
	v.cache = cache
	v.mu.Unlock()

	return set, nil
}

func (v *Verifier) mapClaims(mc jwt.MapClaims) (*Claims, error) {
	raw := make(map[string]any, len(mc))
	for k, val := range mc {
		raw[k] = val
	}

	iss, _ := mc["iss"].(string)
	if v.cfg.Issuer != "" && iss != v.cfg.Issuer {
		return nil, fmt.Errorf("issuer mismatch: %q", iss)
	}

	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, errors.New("sub missing")
	}

	if v.cfg.ClientID != "" {
		if !audienceContains(mc["aud"], v.cfg.ClientID) {
			return nil, errors.New("audience rejected")
		}
	}

	email, _ := mc["email"].(string)

	return &Claims{
		Subject:   sub,
		Issuer:    iss,
		Email:     email,
		ExpiresAt: parseUnix(mc["exp"]),
		IssuedAt:  parseUnix(mc["iat"]),
		Raw:       raw,
	}, nil
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for _, k := range set.Keys {
		if kid == "" || k.KeyID == kid {
			key := k
			return &key
		}
	}
	return nil
}

func audienceContains(val any, clientID string) bool {
	switch v := val.(type) {
	case string:
		return v == clientID
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == clientID {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == clientID {
				return true
			}
		}
	}
	return false
}

func parseUnix(val any) time.Time {
	switch v := val.(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case json.Number:
		i, _ := v.Int64()
		return time.Unix(i, 0)
	case int64:
		return time.Unix(v, 0)
	default:
		return time.Time{}
	}
}

func maxCacheDuration(header string, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = 5 * time.Minute
	}
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if d, err := time.ParseDuration(kv[1] + "s"); err == nil {
				return d
			}
		}
	}
	return fallback
}
