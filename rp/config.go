package rp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults for optional settings.
const (
	DefaultCookieName = "oidc-session"
	// 400 days, the maximum cookie lifetime Chrome accepts. A long cookie
	// expiry is fine: the access/refresh tokens are the time-limited part.
	DefaultCookieMaxAge = 60 * 60 * 24 * 400
	DefaultScope        = "openid profile email"

	minCookiePasswordLen = 32
	envPrefix            = "OIDC_"
)

// Configuration keys, resolvable individually via Resolver.Value.
const (
	KeyClientID       = "clientId"
	KeyClientSecret   = "clientSecret"
	KeyIssuer         = "issuer"
	KeyRedirectURI    = "redirectUri"
	KeyCookiePassword = "cookiePassword"
	KeyCookieName     = "cookieName"
	KeyCookieMaxAge   = "cookieMaxAge"
	KeyCookieDomain   = "cookieDomain"
	KeyScope          = "scope"
)

var requiredKeys = []string{
	KeyClientID, KeyClientSecret, KeyIssuer, KeyRedirectURI, KeyCookiePassword,
}

// Source supplies environment-style configuration values. The default
// source reads the process environment.
type Source func(key string) (string, bool)

// Overrides is a partial configuration applied on top of the environment.
type Overrides struct {
	ClientID         string            `yaml:"client_id"`
	ClientSecret     string            `yaml:"client_secret"`
	Issuer           string            `yaml:"issuer"`
	RedirectURI      string            `yaml:"redirect_uri"`
	CookiePassword   string            `yaml:"cookie_password"`
	CookieName       string            `yaml:"cookie_name"`
	CookieMaxAge     int               `yaml:"cookie_max_age"`
	CookieDomain     string            `yaml:"cookie_domain"`
	Scope            string            `yaml:"scope"`
	AdditionalParams map[string]string `yaml:"additional_params"`
}

// Config is the fully resolved relying-party configuration. It is
// immutable after Resolve.
type Config struct {
	ClientID         string
	ClientSecret     string
	Issuer           string
	RedirectURI      string
	CookiePassword   string
	CookieName       string
	CookieMaxAge     int
	CookieDomain     string
	Scope            string
	AdditionalParams map[string]string
}

// SecureCookies reports whether cookies must carry the Secure flag,
// derived from the redirect URI scheme.
func (c Config) SecureCookies() bool {
	return strings.HasPrefix(c.RedirectURI, "https:")
}

// Resolver resolves configuration keys in order: environment-style source,
// programmatic overrides, built-in default. Required keys that stay
// unresolved fail with a ConfigurationError naming both the key and its
// derived environment name.
type Resolver struct {
	overrides Overrides
	source    Source
}

// NewResolver constructs a resolver backed by the process environment.
func NewResolver() *Resolver {
	return &Resolver{source: os.LookupEnv}
}

// SetSource swaps the environment-style value source.
func (r *Resolver) SetSource(source Source) {
	if source != nil {
		r.source = source
	}
}

// Configure merges partial overrides. A supplied cookie password shorter
// than 32 characters is rejected immediately, before anything is sealed.
func (r *Resolver) Configure(o Overrides) error {
	if o.CookiePassword != "" && len(o.CookiePassword) < minCookiePasswordLen {
		return &ConfigurationError{
			Key:     KeyCookiePassword,
			EnvName: EnvName(KeyCookiePassword),
			Reason:  fmt.Sprintf("must be at least %d characters", minCookiePasswordLen),
		}
	}

	merge := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	merge(&r.overrides.ClientID, o.ClientID)
	merge(&r.overrides.ClientSecret, o.ClientSecret)
	merge(&r.overrides.Issuer, o.Issuer)
	merge(&r.overrides.RedirectURI, o.RedirectURI)
	merge(&r.overrides.CookiePassword, o.CookiePassword)
	merge(&r.overrides.CookieName, o.CookieName)
	merge(&r.overrides.CookieDomain, o.CookieDomain)
	merge(&r.overrides.Scope, o.Scope)
	if o.CookieMaxAge != 0 {
		r.overrides.CookieMaxAge = o.CookieMaxAge
	}
	if len(o.AdditionalParams) > 0 {
		if r.overrides.AdditionalParams == nil {
			r.overrides.AdditionalParams = make(map[string]string, len(o.AdditionalParams))
		}
		for k, v := range o.AdditionalParams {
			r.overrides.AdditionalParams[k] = v
		}
	}
	return nil
}

// EnvName converts a camelCase key to its OIDC_ environment variable name,
// e.g. clientId -> OIDC_CLIENT_ID.
func EnvName(key string) string {
	var b strings.Builder
	b.WriteString(envPrefix)
	for i, ch := range key {
		if ch >= 'A' && ch <= 'Z' && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(ch)
	}
	return strings.ToUpper(b.String())
}

// Value resolves one string-valued configuration key.
func (r *Resolver) Value(key string) (string, error) {
	if v, ok := r.source(EnvName(key)); ok && v != "" {
		return v, nil
	}
	if v := r.overrideValue(key); v != "" {
		return v, nil
	}
	if v, ok := defaults()[key]; ok {
		return v, nil
	}
	for _, req := range requiredKeys {
		if req == key {
			return "", &ConfigurationError{
				Key:     key,
				EnvName: EnvName(key),
				Reason:  "missing required configuration value",
			}
		}
	}
	return "", nil
}

// intValue resolves cookieMaxAge. A non-numeric source value resolves to
// unset rather than erroring, falling through to the next layer.
func (r *Resolver) intValue(key string) int {
	if v, ok := r.source(EnvName(key)); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	if r.overrides.CookieMaxAge > 0 {
		return r.overrides.CookieMaxAge
	}
	return DefaultCookieMaxAge
}

// Resolve produces the immutable Config, failing on the first missing
// required key or an under-length cookie password.
func (r *Resolver) Resolve() (Config, error) {
	cfg := Config{}

	fields := []struct {
		key string
		dst *string
	}{
		{KeyClientID, &cfg.ClientID},
		{KeyClientSecret, &cfg.ClientSecret},
		{KeyIssuer, &cfg.Issuer},
		{KeyRedirectURI, &cfg.RedirectURI},
		{KeyCookiePassword, &cfg.CookiePassword},
		{KeyCookieName, &cfg.CookieName},
		{KeyCookieDomain, &cfg.CookieDomain},
		{KeyScope, &cfg.Scope},
	}
	for _, f := range fields {
		v, err := r.Value(f.key)
		if err != nil {
			return Config{}, err
		}
		*f.dst = v
	}
	cfg.CookieMaxAge = r.intValue(KeyCookieMaxAge)
	cfg.AdditionalParams = r.overrides.AdditionalParams

	if len(cfg.CookiePassword) < minCookiePasswordLen {
		return Config{}, &ConfigurationError{
			Key:     KeyCookiePassword,
			EnvName: EnvName(KeyCookiePassword),
			Reason:  fmt.Sprintf("must be at least %d characters", minCookiePasswordLen),
		}
	}

	return cfg, nil
}

func defaults() map[string]string {
	return map[string]string{
		KeyCookieName: DefaultCookieName,
		KeyScope:      DefaultScope,
	}
}

func (r *Resolver) overrideValue(key string) string {
	switch key {
	case KeyClientID:
		return r.overrides.ClientID
	case KeyClientSecret:
		return r.overrides.ClientSecret
	case KeyIssuer:
		return r.overrides.Issuer
	case KeyRedirectURI:
		return r.overrides.RedirectURI
	case KeyCookiePassword:
		return r.overrides.CookiePassword
	case KeyCookieName:
		return r.overrides.CookieName
	case KeyCookieDomain:
		return r.overrides.CookieDomain
	case KeyScope:
		return r.overrides.Scope
	default:
		return ""
	}
}

// LoadOverrides reads a YAML overrides file, rejecting unknown fields.
func LoadOverrides(path string) (Overrides, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Overrides{}, fmt.Errorf("read config: %w", err)
	}

	var o Overrides
	decoder := yaml.NewDecoder(bytes.NewReader(b))
	decoder.KnownFields(true)
	if err := decoder.Decode(&o); err != nil && !errors.Is(err, io.EOF) {
		return Overrides{}, fmt.Errorf("parse config: %w", err)
	}
	return o, nil
}
