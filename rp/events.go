package rp

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuthEventType enumerates the audit events the core emits.
type AuthEventType string

const (
	EventLoginAttempt   AuthEventType = "login_attempt"
	EventLoginSuccess   AuthEventType = "login_success"
	EventLoginFailure   AuthEventType = "login_failure"
	EventLogout         AuthEventType = "logout"
	EventTokenRefresh   AuthEventType = "token_refresh"
	EventSessionExpired AuthEventType = "session_expired"
)

// AuthEvent is a structured audit record. The core emits events; delivery
// is owned by the configured sink.
type AuthEvent struct {
	ID        string         `json:"id"`
	Type      AuthEventType  `json:"type"`
	Time      time.Time      `json:"time"`
	UserID    string         `json:"userId,omitempty"`
	Email     string         `json:"email,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	UserAgent string         `json:"userAgent,omitempty"`
	IP        string         `json:"ip,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventSink receives audit events.
type EventSink interface {
	Emit(event AuthEvent)
}

// SlogSink logs events as structured records.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Emit(event AuthEvent) {
	attrs := []any{
		"event_id", event.ID,
		"type", string(event.Type),
	}
	if event.UserID != "" {
		attrs = append(attrs, "user_id", event.UserID)
	}
	if event.Email != "" {
		attrs = append(attrs, "email", event.Email)
	}
	if event.SessionID != "" {
		attrs = append(attrs, "session_id", event.SessionID)
	}
	if event.IP != "" {
		attrs = append(attrs, "ip", event.IP)
	}
	if event.UserAgent != "" {
		attrs = append(attrs, "user_agent", event.UserAgent)
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}
	s.Logger.Info("auth_event", attrs...)
}

// Events builds and emits audit records enriched with request metadata.
type Events struct {
	sink EventSink
}

// NewEvents constructs the emitter. A nil sink drops events.
func NewEvents(sink EventSink) *Events {
	return &Events{sink: sink}
}

func (e *Events) emit(r *http.Request, event AuthEvent) {
	if e == nil || e.sink == nil {
		return
	}
	event.ID = uuid.NewString()
	event.Time = time.Now().UTC()
	if r != nil {
		event.UserAgent = r.UserAgent()
		event.IP = clientIP(r)
	}
	e.sink.Emit(event)
}

func (e *Events) LoginSuccess(r *http.Request, userID, email, sessionID string) {
	e.emit(r, AuthEvent{Type: EventLoginSuccess, UserID: userID, Email: email, SessionID: sessionID})
}

func (e *Events) LoginFailure(r *http.Request, email, reason string) {
	e.emit(r, AuthEvent{Type: EventLoginFailure, Email: email, Error: reason})
}

func (e *Events) Logout(r *http.Request, userID, sessionID string) {
	e.emit(r, AuthEvent{Type: EventLogout, UserID: userID, SessionID: sessionID})
}

func (e *Events) TokenRefresh(r *http.Request, userID, sessionID string) {
	e.emit(r, AuthEvent{Type: EventTokenRefresh, UserID: userID, SessionID: sessionID})
}

func (e *Events) SessionExpired(r *http.Request, userID, sessionID string) {
	e.emit(r, AuthEvent{Type: EventSessionExpired, UserID: userID, SessionID: sessionID})
}

// clientIP extracts the client address from the usual proxy header chain.
var ipHeaders = []string{
	"X-Forwarded-For",
	"X-Real-Ip",
	"X-Client-Ip",
	"Cf-Connecting-Ip",
	"Forwarded-For",
}

func clientIP(r *http.Request) string {
	for _, h := range ipHeaders {
		if v := r.Header.Get(h); v != "" {
			return strings.TrimSpace(strings.Split(v, ",")[0])
		}
	}
	return r.RemoteAddr
}
