package rp

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T, mutate func(*Config)) *SessionStore {
	t.Helper()
	cfg := Config{
		CookiePassword: testCookiePass,
		CookieName:     DefaultCookieName,
		CookieMaxAge:   DefaultCookieMaxAge,
		RedirectURI:    "http://localhost:3000/api/auth/callback",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewSessionStore(cfg, testLogger())
}

func testSession() *Session {
	return &Session{
		User: &User{
			ID:        "u1",
			Email:     "a@b.com",
			FirstName: "Alice",
		},
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		IDToken:      "idt-1",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}
}

func TestSessionSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t, nil)
	w := httptest.NewRecorder()

	sess := testSession()
	if err := store.Save(w, sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 2 {
		t.Fatalf("Save set %d cookies, want 2", len(cookies))
	}
	var sawAccess bool
	for _, c := range cookies {
		if c.Name == AccessTokenCookieName {
			sawAccess = true
			if c.Value != "at-1" {
				t.Errorf("access token cookie = %q, want at-1", c.Value)
			}
		}
		if !c.HttpOnly {
			t.Errorf("cookie %s missing HttpOnly", c.Name)
		}
		if c.Path != "/" {
			t.Errorf("cookie %s path = %q, want /", c.Name, c.Path)
		}
		if c.SameSite != http.SameSiteLaxMode {
			t.Errorf("cookie %s SameSite = %v, want Lax", c.Name, c.SameSite)
		}
	}
	if !sawAccess {
		t.Fatal("access token cookie not set")
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	copyCookies(w, r)

	got := store.Load(r)
	if got == nil {
		t.Fatal("Load returned nil after Save")
	}
	if got.User.ID != "u1" || got.User.Email != "a@b.com" {
		t.Errorf("user = %+v", got.User)
	}
	if got.AccessToken != "at-1" || got.RefreshToken != "rt-1" || got.IDToken != "idt-1" {
		t.Errorf("tokens = %q/%q/%q", got.AccessToken, got.RefreshToken, got.IDToken)
	}
	if got.ExpiresAt != sess.ExpiresAt {
		t.Errorf("ExpiresAt = %d, want %d", got.ExpiresAt, sess.ExpiresAt)
	}
}

func TestSessionCookieIsOpaque(t *testing.T) {
	store := newTestStore(t, nil)
	w := httptest.NewRecorder()
	if err := store.Save(w, testSession()); err != nil {
		t.Fatal(err)
	}
	for _, c := range w.Result().Cookies() {
		if c.Name != store.cfg.CookieName {
			continue
		}
		for _, secret := range []string{"rt-1", "idt-1", "a@b.com"} {
			if strings.Contains(c.Value, secret) {
				t.Errorf("sealed cookie leaks %q", secret)
			}
		}
	}
}

func TestSessionSaveRejectsIncomplete(t *testing.T) {
	store := newTestStore(t, nil)
	w := httptest.NewRecorder()

	if err := store.Save(w, nil); err == nil {
		t.Error("Save(nil) succeeded")
	}
	if err := store.Save(w, &Session{AccessToken: "at"}); err == nil {
		t.Error("Save without user succeeded")
	}
	if err := store.Save(w, &Session{User: &User{ID: "u1"}}); err == nil {
		t.Error("Save without access token succeeded")
	}
}

func TestSessionLoadEmptyJar(t *testing.T) {
	store := newTestStore(t, nil)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := store.Load(r); got != nil {
		t.Errorf("Load from empty jar = %+v, want nil", got)
	}
}

func TestSessionLoadRequiresBothCookies(t *testing.T) {
	store := newTestStore(t, nil)
	w := httptest.NewRecorder()
	if err := store.Save(w, testSession()); err != nil {
		t.Fatal(err)
	}

	for _, drop := range []string{store.cfg.CookieName, AccessTokenCookieName} {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		for _, c := range w.Result().Cookies() {
			if c.Name != drop {
				r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
			}
		}
		if got := store.Load(r); got != nil {
			t.Errorf("Load without %s cookie = %+v, want nil", drop, got)
		}
	}
}

func TestSessionLoadCorruptCookie(t *testing.T) {
	store := newTestStore(t, nil)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: store.cfg.CookieName, Value: "garbage"})
	r.AddCookie(&http.Cookie{Name: AccessTokenCookieName, Value: "at"})
	if got := store.Load(r); got != nil {
		t.Errorf("Load with corrupt sealed cookie = %+v, want nil", got)
	}
}

func TestSessionClearExpiresCookies(t *testing.T) {
	store := newTestStore(t, nil)
	w := httptest.NewRecorder()
	store.Clear(w)

	headers := w.Result().Header.Values("Set-Cookie")
	if len(headers) != 2 {
		t.Fatalf("Clear set %d cookies, want 2", len(headers))
	}
	for _, h := range headers {
		if !strings.Contains(h, "Max-Age=0") {
			t.Errorf("Set-Cookie %q does not expire the cookie", h)
		}
	}
}

func TestSecureFlagFollowsRedirectURI(t *testing.T) {
	secure := newTestStore(t, func(c *Config) {
		c.RedirectURI = "https://app.example.com/api/auth/callback"
	})
	w := httptest.NewRecorder()
	if err := secure.Save(w, testSession()); err != nil {
		t.Fatal(err)
	}
	for _, c := range w.Result().Cookies() {
		if !c.Secure {
			t.Errorf("cookie %s not Secure for https redirect URI", c.Name)
		}
	}

	plain := newTestStore(t, nil)
	w = httptest.NewRecorder()
	if err := plain.Save(w, testSession()); err != nil {
		t.Fatal(err)
	}
	for _, c := range w.Result().Cookies() {
		if c.Secure {
			t.Errorf("cookie %s Secure for http redirect URI", c.Name)
		}
	}
}

func TestPendingAuthRoundTrip(t *testing.T) {
	store := newTestStore(t, nil)
	w := httptest.NewRecorder()

	pending := PendingAuth{CodeVerifier: "verifier", State: "state-1", ReturnTo: "/account"}
	if err := store.SavePendingAuth(w, pending); err != nil {
		t.Fatalf("SavePendingAuth: %v", err)
	}

	var stateCookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == StateCookieName {
			stateCookie = c
		}
	}
	if stateCookie == nil {
		t.Fatal("state cookie not set")
	}
	if stateCookie.MaxAge != 600 {
		t.Errorf("state cookie Max-Age = %d, want 600", stateCookie.MaxAge)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	copyCookies(w, r)
	got, err := store.LoadPendingAuth(r)
	if err != nil {
		t.Fatalf("LoadPendingAuth: %v", err)
	}
	if got != pending {
		t.Errorf("round trip = %+v, want %+v", got, pending)
	}
}

func TestPendingAuthMissing(t *testing.T) {
	store := newTestStore(t, nil)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := store.LoadPendingAuth(r); !errors.Is(err, ErrMissingState) {
		t.Errorf("error = %v, want ErrMissingState", err)
	}
}

func TestPendingAuthCorrupt(t *testing.T) {
	store := newTestStore(t, nil)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: StateCookieName, Value: "garbage"})
	if _, err := store.LoadPendingAuth(r); !errors.Is(err, ErrInvalidState) {
		t.Errorf("error = %v, want ErrInvalidState", err)
	}
}

func TestPendingAuthExpires(t *testing.T) {
	store := newTestStore(t, nil)
	base := time.Now()
	sealNow = func() time.Time { return base }
	defer func() { sealNow = time.Now }()

	w := httptest.NewRecorder()
	if err := store.SavePendingAuth(w, PendingAuth{State: "s"}); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	copyCookies(w, r)

	sealNow = func() time.Time { return base.Add(11 * time.Minute) }
	if _, err := store.LoadPendingAuth(r); !errors.Is(err, ErrInvalidState) {
		t.Errorf("error after expiry = %v, want ErrInvalidState", err)
	}
}
