package rp

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testClientID    = "test-client"
	testCookiePass  = "0123456789abcdef0123456789abcdef"
	testRedirectURI = "http://app.example.com/api/auth/callback"
)

// stubIdP serves the well-known metadata, token, userinfo, and jwks
// endpoints of a fake identity provider.
type stubIdP struct {
	srv *httptest.Server
	key *rsa.PrivateKey
	kid string

	mu             sync.Mutex
	discoveryCalls int
	tokenCalls     int
	lastGrantType  string
	userinfoCalls  int
	failToken      bool
	subject        string
	email          string
}

func newStubIdP(t *testing.T) *stubIdP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	idp := &stubIdP{
		key:     key,
		kid:     "test-key-1",
		subject: "u1",
		email:   "a@b.com",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", idp.handleDiscovery)
	mux.HandleFunc("/token", idp.handleToken)
	mux.HandleFunc("/userinfo", idp.handleUserinfo)
	mux.HandleFunc("/jwks", idp.handleJWKS)

	idp.srv = httptest.NewServer(mux)
	t.Cleanup(idp.srv.Close)
	return idp
}

func (s *stubIdP) issuer() string { return s.srv.URL }

func (s *stubIdP) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.discoveryCalls++
	s.mu.Unlock()

	doc := map[string]any{
		"issuer":                           s.srv.URL,
		"authorization_endpoint":           s.srv.URL + "/authorize",
		"token_endpoint":                   s.srv.URL + "/token",
		"userinfo_endpoint":                s.srv.URL + "/userinfo",
		"jwks_uri":                         s.srv.URL + "/jwks",
		"response_types_supported":         []string{"code"},
		"code_challenge_methods_supported": []string{"S256"},
		"scopes_supported":                 []string{"openid", "profile", "email"},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (s *stubIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()

	s.mu.Lock()
	s.tokenCalls++
	s.lastGrantType = r.FormValue("grant_type")
	fail := s.failToken
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "grant rejected",
		})
		return
	}

	resp := map[string]any{
		"access_token":  "access-" + s.lastGrantType,
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": "refresh-" + s.lastGrantType,
	}
	if r.FormValue("grant_type") == "authorization_code" {
		resp["id_token"] = s.signIDToken(nil)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *stubIdP) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.userinfoCalls++
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sub":   s.subject,
		"email": s.email,
		"name":  "Test User",
	})
}

func (s *stubIdP) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.key.PublicKey,
		KeyID:     s.kid,
		Algorithm: "RS256",
		Use:       "sig",
	}}}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

// signIDToken mints an RS256 ID token for the stub user. extra claims
// override or extend the defaults.
func (s *stubIdP) signIDToken(extra map[string]any) string {
	claims := jwt.MapClaims{
		"iss":   s.srv.URL,
		"aud":   testClientID,
		"sub":   s.subject,
		"email": s.email,
		"name":  "Test User",
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.kid
	signed, err := tok.SignedString(s.key)
	if err != nil {
		panic(err)
	}
	return signed
}

func (s *stubIdP) tokenCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCalls
}

func (s *stubIdP) setFailToken(fail bool) {
	s.mu.Lock()
	s.failToken = fail
	s.mu.Unlock()
}

func testConfig(idp *stubIdP) Config {
	return Config{
		ClientID:       testClientID,
		ClientSecret:   "supersecret",
		Issuer:         idp.issuer(),
		RedirectURI:    testRedirectURI,
		CookiePassword: testCookiePass,
		CookieName:     DefaultCookieName,
		CookieMaxAge:   DefaultCookieMaxAge,
		Scope:          DefaultScope,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordedSink captures emitted auth events for assertions.
type recordedSink struct {
	mu     sync.Mutex
	events []AuthEvent
}

func (s *recordedSink) Emit(event AuthEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *recordedSink) byType(t AuthEventType) []AuthEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuthEvent
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestAuthenticator(t *testing.T, idp *stubIdP) (*Authenticator, *SessionStore, *recordedSink) {
	t.Helper()
	cfg := testConfig(idp)
	logger := testLogger()
	sink := &recordedSink{}
	client := NewClient(cfg, logger)
	store := NewSessionStore(cfg, logger)
	auth := NewAuthenticator(cfg, client, store, NewEvents(sink), logger)
	return auth, store, sink
}

// copyCookies transfers Set-Cookie results from a recorder onto a request,
// mimicking the browser carrying cookies to the next request.
func copyCookies(w *httptest.ResponseRecorder, r *http.Request) {
	for _, c := range w.Result().Cookies() {
		if c.MaxAge >= 0 && c.Value != "" {
			r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
		}
	}
}

// signTestJWT mints an HS256 token; handy where only the sub claim matters.
func signTestJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-signing-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
