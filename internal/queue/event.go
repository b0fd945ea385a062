// Package queue defines message payloads exchanged over the message broker
// and the consumer that turns them into the audit log.
package queue

// AuthEventsQueue is the durable queue every auth event is routed to.
const AuthEventsQueue = "auth.events"

// Event types.
const (
	EventUserRegistered   = "user.registered"
	EventUserLoggedIn     = "user.logged_in"
	EventSessionRefreshed = "session.refreshed"
	EventSessionRevoked   = "session.revoked"
)

// AuthEvent is published after each successful auth operation. It carries
// identifiers only; no token or password material is ever included.
type AuthEvent struct {
	Type       string `json:"type"`
	UserID     string `json:"user_id"`
	Email      string `json:"email,omitempty"`
	TokenID    string `json:"token_id,omitempty"` // jti of the consumed refresh token
	RemoteIP   string `json:"remote_ip,omitempty"`
	OccurredAt string `json:"occurred_at"` // RFC 3339, UTC
}
