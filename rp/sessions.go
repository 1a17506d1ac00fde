package rp

import (
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Cookie names beside the configurable session cookie.
const (
	AccessTokenCookieName = "oidc-access-token"
	StateCookieName       = "oidc-state"

	stateCookieTTL = 10 * time.Minute
)

// sealedSession is the encrypted half of the split cookie layout. The raw
// access token deliberately stays out of the sealed blob and travels in
// its own HttpOnly cookie; refresh and ID tokens must never be readable
// and therefore live here.
type sealedSession struct {
	User         *User  `json:"user"`
	RefreshToken string `json:"refreshToken,omitempty"`
	IDToken      string `json:"idToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`
}

// SessionStore maps a Session to the pair of HTTP cookies and back, and
// owns the cookie attribute policy.
type SessionStore struct {
	cfg    Config
	logger *slog.Logger
}

// NewSessionStore constructs a store honouring the resolved config.
func NewSessionStore(cfg Config, logger *slog.Logger) *SessionStore {
	return &SessionStore{cfg: cfg, logger: logger}
}

func (ss *SessionStore) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   ss.cfg.CookieDomain,
		HttpOnly: true,
		Secure:   ss.cfg.SecureCookies(),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}

// deleteCookie overwrites a cookie with an empty value and Max-Age=0,
// instructing the client to drop it immediately.
func (ss *SessionStore) deleteCookie(name string) *http.Cookie {
	c := ss.cookie(name, "", -1)
	return c
}

// Save persists the session as the sealed metadata cookie plus the
// access-token transport cookie.
func (ss *SessionStore) Save(w http.ResponseWriter, sess *Session) error {
	if sess == nil || sess.User == nil {
		return errors.New("cannot save empty session")
	}
	if sess.AccessToken == "" {
		return errors.New("session with user requires an access token")
	}

	sealed, err := Seal(sealedSession{
		User:         sess.User,
		RefreshToken: sess.RefreshToken,
		IDToken:      sess.IDToken,
		ExpiresAt:    sess.ExpiresAt,
	}, ss.cfg.CookiePassword, 0)
	if err != nil {
		return err
	}

	http.SetCookie(w, ss.cookie(ss.cfg.CookieName, sealed, ss.cfg.CookieMaxAge))
	http.SetCookie(w, ss.cookie(AccessTokenCookieName, sess.AccessToken, ss.cfg.CookieMaxAge))
	return nil
}

// Load reconstructs the session from the request cookies. Both cookies must
// be present; a missing cookie or an unseal failure yields nil, which
// callers treat the same as "never logged in".
func (ss *SessionStore) Load(r *http.Request) *Session {
	sealedCookie, err := r.Cookie(ss.cfg.CookieName)
	if err != nil || sealedCookie.Value == "" {
		return nil
	}
	tokenCookie, err := r.Cookie(AccessTokenCookieName)
	if err != nil || tokenCookie.Value == "" {
		return nil
	}

	var payload sealedSession
	if err := Unseal(sealedCookie.Value, ss.cfg.CookiePassword, &payload); err != nil {
		ss.logger.Warn("session cookie unseal failed", "error", err)
		return nil
	}
	if payload.User == nil {
		return nil
	}

	return &Session{
		User:         payload.User,
		AccessToken:  tokenCookie.Value,
		RefreshToken: payload.RefreshToken,
		IDToken:      payload.IDToken,
		ExpiresAt:    payload.ExpiresAt,
	}
}

// Clear deletes both session cookies.
func (ss *SessionStore) Clear(w http.ResponseWriter) {
	http.SetCookie(w, ss.deleteCookie(ss.cfg.CookieName))
	http.SetCookie(w, ss.deleteCookie(AccessTokenCookieName))
}

// SavePendingAuth seals the PKCE/state record into the short-lived state
// cookie. The cookie and the sealed payload expire together after ten
// minutes.
func (ss *SessionStore) SavePendingAuth(w http.ResponseWriter, pending PendingAuth) error {
	sealed, err := Seal(pending, ss.cfg.CookiePassword, stateCookieTTL)
	if err != nil {
		return err
	}
	http.SetCookie(w, ss.cookie(StateCookieName, sealed, int(stateCookieTTL.Seconds())))
	return nil
}

// LoadPendingAuth retrieves the sealed PKCE/state record. A missing cookie
// is ErrMissingState; an unseal failure is ErrInvalidState.
func (ss *SessionStore) LoadPendingAuth(r *http.Request) (PendingAuth, error) {
	cookie, err := r.Cookie(StateCookieName)
	if err != nil || cookie.Value == "" {
		return PendingAuth{}, ErrMissingState
	}
	var pending PendingAuth
	if err := Unseal(cookie.Value, ss.cfg.CookiePassword, &pending); err != nil {
		ss.logger.Warn("state cookie unseal failed", "error", err)
		return PendingAuth{}, ErrInvalidState
	}
	return pending, nil
}

// ClearPendingAuth deletes the state cookie. It must run on every terminal
// callback path, success or failure.
func (ss *SessionStore) ClearPendingAuth(w http.ResponseWriter) {
	http.SetCookie(w, ss.deleteCookie(StateCookieName))
}
