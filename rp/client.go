package rp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// DiscoveryDocument is the IdP metadata fetched from the well-known
// endpoint, cached for the process lifetime.
type DiscoveryDocument struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	UserinfoEndpoint              string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI                       string   `json:"jwks_uri,omitempty"`
	EndSessionEndpoint            string   `json:"end_session_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// BeginOptions tune a single authorization request.
type BeginOptions struct {
	// ScreenHint selects the IdP login screen (sign-up vs sign-in) via the
	// provider-specific kc_action parameter.
	ScreenHint string
	// Scope overrides the configured scope for this request.
	Scope string
}

// AuthCodeRequest is the outcome of BeginAuthorization. The caller stashes
// CodeVerifier and State in the sealed pending-auth cookie and redirects
// the browser to URL.
type AuthCodeRequest struct {
	URL          string
	CodeVerifier string
	State        string
}

// Client drives the IdP-facing half of the protocol: discovery,
// authorization URL construction, code exchange, userinfo, and refresh.
// Beyond the discovery cache it is stateless.
type Client struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client

	mu       sync.Mutex
	provider *oidc.Provider
}

// NewClient constructs a Client. Discovery happens lazily on first use.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// discover fetches and caches the IdP metadata. Concurrent first callers
// resolve to a single fetch; all observe the same provider afterwards.
func (c *Client) discover(ctx context.Context) (*oidc.Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.provider != nil {
		return c.provider, nil
	}

	ctx = oidc.ClientContext(ctx, c.httpClient)
	provider, err := oidc.NewProvider(ctx, c.cfg.Issuer)
	if err != nil {
		return nil, &DiscoveryError{Issuer: c.cfg.Issuer, Err: err}
	}
	c.provider = provider
	c.logger.Info("idp discovery complete", "issuer", c.cfg.Issuer)
	return provider, nil
}

// Discovery returns the cached IdP metadata, fetching it if needed.
func (c *Client) Discovery(ctx context.Context) (DiscoveryDocument, error) {
	provider, err := c.discover(ctx)
	if err != nil {
		return DiscoveryDocument{}, err
	}
	var doc DiscoveryDocument
	if err := provider.Claims(&doc); err != nil {
		return DiscoveryDocument{}, &DiscoveryError{Issuer: c.cfg.Issuer, Err: err}
	}
	return doc, nil
}

// InvalidateDiscovery drops the cached metadata so the next call refetches,
// e.g. after an IdP key rotation.
func (c *Client) InvalidateDiscovery() {
	c.mu.Lock()
	c.provider = nil
	c.mu.Unlock()
}

// BeginAuthorization generates fresh PKCE and state material and builds the
// IdP authorization URL. No I/O happens beyond discovery.
func (c *Client) BeginAuthorization(ctx context.Context, opts BeginOptions) (AuthCodeRequest, error) {
	provider, err := c.discover(ctx)
	if err != nil {
		return AuthCodeRequest{}, err
	}

	verifier, err := NewCodeVerifier()
	if err != nil {
		return AuthCodeRequest{}, err
	}
	state, err := NewState()
	if err != nil {
		return AuthCodeRequest{}, err
	}

	scope := c.cfg.Scope
	if opts.Scope != "" {
		scope = opts.Scope
	}

	oauthCfg := c.oauthConfig(provider, scope)
	authOpts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", CalculateChallenge(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	if opts.ScreenHint != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("kc_action", opts.ScreenHint))
	}
	for k, v := range c.cfg.AdditionalParams {
		authOpts = append(authOpts, oauth2.SetAuthURLParam(k, v))
	}

	return AuthCodeRequest{
		URL:          oauthCfg.AuthCodeURL(state, authOpts...),
		CodeVerifier: verifier,
		State:        state,
	}, nil
}

// ExchangeCode performs the authorization-code grant for the callback URL
// using the stored PKCE verifier, verifies the returned ID token against
// the IdP keys, and maps its claims onto the identity record. The state
// and provider session-continuity parameters are stripped before the
// grant; state equality is the caller's responsibility.
func (c *Client) ExchangeCode(ctx context.Context, callbackURL *url.URL, codeVerifier string) (*User, TokenSet, error) {
	provider, err := c.discover(ctx)
	if err != nil {
		return nil, TokenSet{}, err
	}

	params := cleanCallbackQuery(callbackURL)
	if iss := params.Get("iss"); iss != "" && iss != c.cfg.Issuer {
		return nil, TokenSet{}, &TokenExchangeError{Code: "invalid_issuer",
			Description: fmt.Sprintf("iss %q does not match configured issuer", iss)}
	}
	code := params.Get("code")
	if code == "" {
		return nil, TokenSet{}, &TokenExchangeError{Code: "invalid_request", Description: "missing code parameter"}
	}

	oauthCfg := c.oauthConfig(provider, c.cfg.Scope)
	ctx = oidc.ClientContext(ctx, c.httpClient)
	token, err := oauthCfg.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	if err != nil {
		return nil, TokenSet{}, exchangeError(err)
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, TokenSet{}, &TokenExchangeError{Code: "invalid_response", Description: "id_token missing in token response"}
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: c.cfg.ClientID})
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, TokenSet{}, &TokenExchangeError{Code: "invalid_id_token", Description: err.Error(), Err: err}
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, TokenSet{}, &TokenExchangeError{Code: "invalid_id_token", Description: "parse claims", Err: err}
	}

	set := TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      rawIDToken,
	}
	if !token.Expiry.IsZero() {
		if secs := int64(time.Until(token.Expiry).Seconds()); secs > 0 {
			set.ExpiresIn = secs
		}
	}

	return userFromClaims(claims), set, nil
}

// FetchUserInfo calls the userinfo endpoint with the access token.
func (c *Client) FetchUserInfo(ctx context.Context, accessToken string) (*User, error) {
	provider, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}

	ctx = oidc.ClientContext(ctx, c.httpClient)
	info, err := provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	if err != nil {
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}
	var claims map[string]any
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse userinfo claims: %w", err)
	}
	return userFromClaims(claims), nil
}

// Refresh runs the refresh-token grant. When the IdP does not rotate the
// refresh token, the supplied one is carried over.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	provider, err := c.discover(ctx)
	if err != nil {
		return TokenSet{}, err
	}

	oauthCfg := c.oauthConfig(provider, c.cfg.Scope)
	ctx = oidc.ClientContext(ctx, c.httpClient)
	token, err := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return TokenSet{}, refreshError(err)
	}

	set := TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if set.RefreshToken == "" {
		set.RefreshToken = refreshToken
	}
	if raw, _ := token.Extra("id_token").(string); raw != "" {
		set.IDToken = raw
	}
	if !token.Expiry.IsZero() {
		if secs := int64(time.Until(token.Expiry).Seconds()); secs > 0 {
			set.ExpiresIn = secs
		}
	}
	return set, nil
}

func (c *Client) oauthConfig(provider *oidc.Provider, scope string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  c.cfg.RedirectURI,
		Endpoint:     provider.Endpoint(),
		Scopes:       strings.Fields(scope),
	}
}

// cleanCallbackQuery strips the state and provider session-continuity
// parameters before the grant; the iss parameter is kept for validation.
func cleanCallbackQuery(u *url.URL) url.Values {
	params := u.Query()
	params.Del("state")
	params.Del("session_state")
	return params
}

func exchangeError(err error) *TokenExchangeError {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		return &TokenExchangeError{Code: rErr.ErrorCode, Description: rErr.ErrorDescription, Err: err}
	}
	return &TokenExchangeError{Err: err}
}

func refreshError(err error) *TokenRefreshError {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		return &TokenRefreshError{Code: rErr.ErrorCode, Description: rErr.ErrorDescription, Err: err}
	}
	return &TokenRefreshError{Err: err}
}
