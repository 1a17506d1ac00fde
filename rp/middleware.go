package rp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Response headers set on every branch of the per-request decision so
// downstream handlers can detect a missing or doubled integration and
// recover the pre-redirect URL without proxy-specific headers.
const (
	MiddlewareHeader = "X-Oidc-Middleware"
	RequestURLHeader = "X-Oidc-Url"
)

// AuthState is the outcome of the per-request session decision.
type AuthState int

const (
	NoSession AuthState = iota
	ValidSession
	ExpiredOrInvalid
)

func (s AuthState) String() string {
	switch s {
	case NoSession:
		return "no_session"
	case ValidSession:
		return "valid_session"
	case ExpiredOrInvalid:
		return "expired_or_invalid"
	default:
		return "unknown"
	}
}

// Auth is the decision record handed to callers. A nil User means the
// request is unauthenticated and AuthorizationURL carries the login
// redirect target.
type Auth struct {
	State            AuthState
	User             *User  `json:"user"`
	SessionID        string `json:"sessionId,omitempty"`
	AccessToken      string `json:"accessToken,omitempty"`
	IDToken          string `json:"idToken,omitempty"`
	AuthorizationURL string `json:"-"`
}

// VerifyIDTokenFunc checks an ID token's signature and registered claims
// against the IdP's published keys. The access token itself stays
// IdP-opaque.
type VerifyIDTokenFunc func(ctx context.Context, rawIDToken string) error

// Authenticator runs the session protocol state machine once per request.
type Authenticator struct {
	cfg    Config
	client *Client
	store  *SessionStore
	verify VerifyIDTokenFunc
	events *Events
	logger *slog.Logger
}

// NewAuthenticator wires the state machine. verify may be nil, in which
// case ID-token signature checking is skipped and only token presence and
// stored expiry are enforced.
func NewAuthenticator(cfg Config, client *Client, store *SessionStore, events *Events, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		cfg:    cfg,
		client: client,
		store:  store,
		events: events,
		logger: logger,
	}
}

// SetIDTokenVerifier installs per-request ID-token verification.
func (a *Authenticator) SetIDTokenVerifier(fn VerifyIDTokenFunc) {
	a.verify = fn
}

// UpdateSession is the transition function: load the session, validate it,
// and either pass through, silently refresh, or produce a login redirect.
func (a *Authenticator) UpdateSession(w http.ResponseWriter, r *http.Request) (Auth, error) {
	w.Header().Set(MiddlewareHeader, "true")
	w.Header().Set(RequestURLHeader, requestURL(r))

	ctx := r.Context()
	sess := a.store.Load(r)

	if sess == nil {
		authURL, err := a.beginLogin(w, r)
		if err != nil {
			return Auth{State: NoSession}, err
		}
		return Auth{State: NoSession, AuthorizationURL: authURL}, nil
	}

	if a.sessionValid(ctx, sess) {
		return a.validAuth(sess), nil
	}

	if sess.RefreshToken != "" {
		if auth, ok := a.refreshSession(w, r, sess); ok {
			return auth, nil
		}
	}

	a.events.SessionExpired(r, sess.User.ID, sessionIDFor(sess))
	a.store.Clear(w)

	authURL, err := a.beginLogin(w, r)
	if err != nil {
		return Auth{State: ExpiredOrInvalid}, err
	}
	return Auth{State: ExpiredOrInvalid, AuthorizationURL: authURL}, nil
}

// GetAuth inspects the current session without emitting cookies or
// beginning a login flow.
func (a *Authenticator) GetAuth(r *http.Request) Auth {
	sess := a.store.Load(r)
	if sess == nil {
		return Auth{State: NoSession}
	}
	if !a.sessionValid(r.Context(), sess) {
		return Auth{State: ExpiredOrInvalid}
	}
	return a.validAuth(sess)
}

func (a *Authenticator) validAuth(sess *Session) Auth {
	return Auth{
		State:       ValidSession,
		User:        sess.User,
		SessionID:   sessionIDFor(sess),
		AccessToken: sess.AccessToken,
		IDToken:     sess.IDToken,
	}
}

func (a *Authenticator) sessionValid(ctx context.Context, sess *Session) bool {
	if sess.AccessToken == "" {
		return false
	}
	if sess.Expired(time.Now()) {
		return false
	}
	if a.verify != nil && sess.IDToken != "" {
		if err := a.verify(ctx, sess.IDToken); err != nil {
			a.logger.Warn("id token verification failed", "error", err)
			return false
		}
	}
	return true
}

// refreshSession attempts the refresh grant and re-saves the session.
// It reports false when the grant or the save fails, in which case the
// caller falls back to a fresh login redirect.
func (a *Authenticator) refreshSession(w http.ResponseWriter, r *http.Request, sess *Session) (Auth, bool) {
	tokens, err := a.client.Refresh(r.Context(), sess.RefreshToken)
	if err != nil {
		a.logger.Warn("token refresh failed", "error", err)
		return Auth{}, false
	}

	updated := &Session{
		User:         sess.User,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IDToken:      sess.IDToken,
		ExpiresAt:    expiresAt(tokens.ExpiresIn),
	}
	if tokens.IDToken != "" {
		updated.IDToken = tokens.IDToken
	}

	if err := a.store.Save(w, updated); err != nil {
		a.logger.Error("save refreshed session", "error", err)
		return Auth{}, false
	}

	a.events.TokenRefresh(r, updated.User.ID, sessionIDFor(updated))
	return a.validAuth(updated), true
}

// beginLogin stashes a fresh PKCE/state record in the sealed state cookie
// and returns the IdP authorization URL the caller should redirect to.
func (a *Authenticator) beginLogin(w http.ResponseWriter, r *http.Request) (string, error) {
	req, err := a.client.BeginAuthorization(r.Context(), BeginOptions{})
	if err != nil {
		return "", err
	}

	pending := PendingAuth{
		CodeVerifier: req.CodeVerifier,
		State:        req.State,
		ReturnTo:     returnPathname(r),
	}
	if err := a.store.SavePendingAuth(w, pending); err != nil {
		return "", err
	}
	return req.URL, nil
}

// RequireSession gates a handler on a valid session, redirecting to the
// IdP otherwise. The auth record is attached to the request context.
func (a *Authenticator) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, err := a.UpdateSession(w, r)
		if err != nil {
			a.logger.Error("session update failed", "error", err)
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		if auth.State != ValidSession {
			http.Redirect(w, r, auth.AuthorizationURL, http.StatusFound)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), auth)))
	})
}

type authContextKey struct{}

// WithAuth attaches the auth record to a context.
func WithAuth(ctx context.Context, auth Auth) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// AuthFromContext retrieves the auth record attached by RequireSession.
func AuthFromContext(ctx context.Context) (Auth, bool) {
	auth, ok := ctx.Value(authContextKey{}).(Auth)
	return auth, ok
}

// sessionIDFor derives a session identifier from the access token's
// subject claim when it parses as a compact JWT, falling back to the
// user's primary identifier.
func sessionIDFor(sess *Session) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(sess.AccessToken, claims); err == nil {
		if sub, _ := claims["sub"].(string); sub != "" {
			return sub
		}
	}
	if sess.User != nil {
		return sess.User.ID
	}
	return ""
}

// expiresAt converts an expires_in lifetime to an absolute epoch-ms stamp.
func expiresAt(expiresIn int64) int64 {
	if expiresIn <= 0 {
		return 0
	}
	return time.Now().Add(time.Duration(expiresIn) * time.Second).UnixMilli()
}

// returnPathname captures the path and query the user should land on
// after completing sign-in.
func returnPathname(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		return path + "?" + r.URL.RawQuery
	}
	return path
}

// requestURL reconstructs the original request URL for the echo header.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	} else if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
