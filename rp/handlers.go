package rp

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Routes returns the auth entry points, intended to be mounted under
// /api/auth by the surrounding application.
func (a *Authenticator) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/login", a.handleLogin)
	r.Get("/callback", a.handleCallback)
	r.Get("/logout", a.handleLogout)
	r.Get("/session", a.handleSession)
	return r
}

// handleLogin begins the redirect handshake: fresh PKCE/state sealed into
// the short-lived state cookie, then a 302 to the IdP.
func (a *Authenticator) handleLogin(w http.ResponseWriter, r *http.Request) {
	returnTo := sanitizeReturnTo(r.URL.Query().Get("returnTo"))
	screenHint := r.URL.Query().Get("screenHint")

	req, err := a.client.BeginAuthorization(r.Context(), BeginOptions{ScreenHint: screenHint})
	if err != nil {
		a.logger.Error("begin authorization", "error", err)
		a.redirectError(w, r, "discovery_error", "identity provider unavailable")
		return
	}

	pending := PendingAuth{
		CodeVerifier: req.CodeVerifier,
		State:        req.State,
		ReturnTo:     returnTo,
	}
	if err := a.store.SavePendingAuth(w, pending); err != nil {
		a.logger.Error("seal pending auth", "error", err)
		a.redirectError(w, r, "internal_error", "could not persist login state")
		return
	}

	http.Redirect(w, r, req.URL, http.StatusFound)
}

// handleCallback is the protocol completion checkpoint. The pending-state
// cookie is consumed exactly once: every terminal path below clears it.
func (a *Authenticator) handleCallback(w http.ResponseWriter, r *http.Request) {
	pending, err := a.store.LoadPendingAuth(r)
	if err != nil {
		code := "invalid_state"
		if errors.Is(err, ErrMissingState) {
			code = "missing_state"
		}
		a.events.LoginFailure(r, "", code)
		a.store.ClearPendingAuth(w)
		a.redirectError(w, r, code, "")
		return
	}

	query := r.URL.Query()

	// The IdP reports user-facing failures (denied consent and the like)
	// via the error parameter; never hit the token endpoint in that case.
	if idpErr := query.Get("error"); idpErr != "" {
		a.events.LoginFailure(r, "", idpErr)
		a.store.ClearPendingAuth(w)
		a.redirectError(w, r, idpErr, query.Get("error_description"))
		return
	}

	if query.Get("state") != pending.State {
		a.events.LoginFailure(r, "", "state mismatch")
		a.store.ClearPendingAuth(w)
		a.redirectError(w, r, "invalid_state", "")
		return
	}

	user, tokens, err := a.client.ExchangeCode(r.Context(), r.URL, pending.CodeVerifier)
	if err != nil {
		a.logger.Error("code exchange failed", "error", err)
		a.events.LoginFailure(r, "", err.Error())
		a.store.ClearPendingAuth(w)
		a.redirectError(w, r, "callback_error", exchangeErrorCode(err))
		return
	}

	sess := &Session{
		User:         user,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IDToken:      tokens.IDToken,
		ExpiresAt:    expiresAt(tokens.ExpiresIn),
	}
	if err := a.store.Save(w, sess); err != nil {
		a.logger.Error("save session", "error", err)
		a.events.LoginFailure(r, user.Email, "session save failed")
		a.store.ClearPendingAuth(w)
		a.redirectError(w, r, "callback_error", "could not persist session")
		return
	}

	a.events.LoginSuccess(r, user.ID, user.Email, sessionIDFor(sess))
	a.store.ClearPendingAuth(w)

	returnTo := pending.ReturnTo
	if returnTo == "" {
		returnTo = "/"
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}

// handleLogout clears every session cookie and redirects.
func (a *Authenticator) handleLogout(w http.ResponseWriter, r *http.Request) {
	auth := a.GetAuth(r)
	if auth.User != nil {
		a.events.Logout(r, auth.User.ID, auth.SessionID)
	}

	a.store.Clear(w)
	a.store.ClearPendingAuth(w)

	returnTo := sanitizeReturnTo(r.URL.Query().Get("returnTo"))
	http.Redirect(w, r, returnTo, http.StatusFound)
}

// handleSession reports the current session as JSON: {user: null} when
// unauthenticated, otherwise the auth record.
func (a *Authenticator) handleSession(w http.ResponseWriter, r *http.Request) {
	auth := a.GetAuth(r)
	w.Header().Set("Content-Type", "application/json")
	if auth.State != ValidSession {
		_ = json.NewEncoder(w).Encode(map[string]any{"user": nil})
		return
	}
	_ = json.NewEncoder(w).Encode(auth)
}

// redirectError sends the browser to the landing page with a
// machine-readable error. Recoverable auth failures never surface as 500s.
func (a *Authenticator) redirectError(w http.ResponseWriter, r *http.Request, code, description string) {
	q := url.Values{}
	q.Set("error", code)
	if description != "" {
		q.Set("error_description", description)
	}
	http.Redirect(w, r, "/?"+q.Encode(), http.StatusFound)
}

// sanitizeReturnTo restricts post-auth redirects to local paths.
func sanitizeReturnTo(returnTo string) string {
	if returnTo == "" || !strings.HasPrefix(returnTo, "/") || strings.HasPrefix(returnTo, "//") {
		return "/"
	}
	return returnTo
}

func exchangeErrorCode(err error) string {
	var xErr *TokenExchangeError
	if errors.As(err, &xErr) && xErr.Code != "" {
		return xErr.Code
	}
	return ""
}
