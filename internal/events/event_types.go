package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/inspect-session/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventLoggedIn       EventType = "logged_in"
	EventLoggedOut      EventType = "logged_out"
	EventSessionSynced  EventType = "session_synced"
	EventTokenRefreshed EventType = "token_refreshed"
	EventStatusChanged  EventType = "status_changed"
	EventUserLoaded     EventType = "user_loaded"
)

// AllTypes lists every event type.
var AllTypes = []EventType{
	EventLoggedIn,
	EventUserLoaded,
	EventStatusChanged,
	EventTokenRefreshed,
	EventLoggedOut,
	EventSessionSynced,
}

// Event represents a session event emitted by services.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Instance  string    `json:"instance"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// New stamps an event with a fresh id and the current time.
func New(eventType EventType, instance string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Instance:  instance,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// LoggedInPayload payload.
type LoggedInPayload struct {
	Email        string    `json:"email"`
	TokenExpires time.Time `json:"token_expires"`
}

// LoggedOutPayload payload.
type LoggedOutPayload struct {
	At time.Time `json:"at"`
}

// SessionSyncedPayload payload.
type SessionSyncedPayload struct {
	LogoutAt string `json:"logout_at"`
}

// TokenRefreshedPayload payload.
type TokenRefreshedPayload struct {
	TokenExpires time.Time `json:"token_expires"`
	Generation   uint64    `json:"generation"`
}

// StatusChangedPayload payload.
type StatusChangedPayload struct {
	OldStatus domain.RefreshStatus `json:"old_status"`
	NewStatus domain.RefreshStatus `json:"new_status"`
}

// UserLoadedPayload payload.
type UserLoadedPayload struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email"`
	Roles  []string `json:"roles"`
}
