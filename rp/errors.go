package rp

import (
	"errors"
	"fmt"
)

// Callback failures that terminate a single request. Handlers translate
// these into redirect error codes, never into a 500.
var (
	ErrMissingState = errors.New("missing_state")
	ErrInvalidState = errors.New("invalid_state")
)

// ConfigurationError reports a missing or invalid configuration value.
// It is fatal at startup and must not be swallowed.
type ConfigurationError struct {
	Key     string
	EnvName string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.EnvName != "" {
		return fmt.Sprintf("configuration: %s for %s (%s)", e.Reason, e.Key, e.EnvName)
	}
	return fmt.Sprintf("configuration: %s for %s", e.Reason, e.Key)
}

// DiscoveryError wraps a failure to fetch or parse IdP metadata.
type DiscoveryError struct {
	Issuer string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover issuer %s: %v", e.Issuer, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// TokenExchangeError reports a rejected authorization-code grant,
// carrying the IdP's error code and description when available.
type TokenExchangeError struct {
	Code        string
	Description string
	Err         error
}

func (e *TokenExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("token exchange: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("token exchange: %v", e.Err)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// TokenRefreshError reports a rejected refresh-token grant.
type TokenRefreshError struct {
	Code        string
	Description string
	Err         error
}

func (e *TokenRefreshError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("token refresh: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("token refresh: %v", e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// SealingError reports a corrupt, tampered, or expired sealed token.
// Callers treat it as equivalent to "no session".
type SealingError struct {
	Reason string
	Err    error
}

func (e *SealingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sealed token: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("sealed token: %s", e.Reason)
}

func (e *SealingError) Unwrap() error { return e.Err }
