package rp

import "time"

// User carries the identity claims of the authenticated subject.
// Well-known OIDC claims map onto named fields; everything else the
// IdP returned is preserved in Claims.
type User struct {
	ID                string         `json:"id"`
	Email             string         `json:"email"`
	FirstName         string         `json:"firstName,omitempty"`
	LastName          string         `json:"lastName,omitempty"`
	DisplayName       string         `json:"displayName,omitempty"`
	PreferredUsername string         `json:"preferredUsername,omitempty"`
	PictureURL        string         `json:"pictureUrl,omitempty"`
	EmailVerified     bool           `json:"emailVerified,omitempty"`
	Claims            map[string]any `json:"claims,omitempty"`
}

// Session is the authenticated-identity record reconstructed per request
// from the client-held cookies. A Session with a non-nil User always has a
// non-empty AccessToken; a nil User means "no session" and carries no tokens.
type Session struct {
	User         *User  `json:"user"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	IDToken      string `json:"idToken,omitempty"`
	// ExpiresAt is the access-token expiry in epoch milliseconds, zero when
	// the IdP did not supply a lifetime.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

// Expired reports whether the session's access token lifetime has elapsed.
// Sessions without an expiry never expire here; the cookie max-age governs.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt > 0 && now.UnixMilli() >= s.ExpiresAt
}

// PendingAuth is the short-lived CSRF/PKCE correlation record sealed into
// a cookie between login initiation and the callback. State stays purely
// random; the post-login return path travels only in ReturnTo.
type PendingAuth struct {
	CodeVerifier string `json:"codeVerifier"`
	State        string `json:"state"`
	ReturnTo     string `json:"returnTo"`
}

// TokenSet is the outcome of a token-endpoint grant.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	// ExpiresIn is the access-token lifetime in seconds, zero when absent.
	ExpiresIn int64
}

// userFromClaims maps standard OIDC claims onto User and keeps the rest
// in the open-ended claim map.
func userFromClaims(claims map[string]any) *User {
	user := &User{}

	str := func(key string) string {
		v, _ := claims[key].(string)
		return v
	}

	user.ID = str("sub")
	user.Email = str("email")
	user.FirstName = str("given_name")
	user.LastName = str("family_name")
	user.DisplayName = str("name")
	user.PreferredUsername = str("preferred_username")
	user.PictureURL = str("picture")
	if v, ok := claims["email_verified"].(bool); ok {
		user.EmailVerified = v
	}

	mapped := map[string]bool{
		"sub": true, "email": true, "given_name": true, "family_name": true,
		"name": true, "preferred_username": true, "picture": true,
		"email_verified": true,
	}
	for k, v := range claims {
		if mapped[k] {
			continue
		}
		if user.Claims == nil {
			user.Claims = make(map[string]any)
		}
		user.Claims[k] = v
	}

	return user
}
