// Package client is the Go client for the auth API. It keeps the current
// Session in a SessionManager and renews it transparently through Transport
// when the server rejects an expired access token.
package client

import (
	"sync"
	"time"

	"github.com/finlit/core-api/internal/model"
)

// Session is the client-held bundle of tokens and the user snapshot.
type Session struct {
	AccessToken  string           `json:"accessToken"`
	RefreshToken string           `json:"refreshToken"`
	ExpiresAt    time.Time        `json:"expiresAt"`
	User         model.PublicUser `json:"user"`
}

// Tokens is the result of a refresh.
type Tokens struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// SessionManager guards the single current Session. It is safe for
// concurrent use; construct one per logged-in application instance.
type SessionManager struct {
	mu      sync.RWMutex
	current *Session
	onClear []func()
}

func NewSessionManager() *SessionManager { return &SessionManager{} }

// Get returns a copy of the current session.
func (m *SessionManager) Get() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// Set replaces the current session.
func (m *SessionManager) Set(s Session) {
	m.mu.Lock()
	m.current = &s
	m.mu.Unlock()
}

// Rotate stores refreshed tokens in the current session, keeping the user
// snapshot. It reports false when there is no session to update.
func (m *SessionManager) Rotate(t Tokens) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return false
	}
	m.current.AccessToken = t.AccessToken
	m.current.RefreshToken = t.RefreshToken
	m.current.ExpiresAt = t.ExpiresAt
	return true
}

// Clear destroys the session and runs the OnClear hooks. Clearing an empty
// manager is a no-op and runs no hooks.
func (m *SessionManager) Clear() {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return
	}
	m.current = nil
	hooks := append([]func(){}, m.onClear...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// OnClear registers fn to run after the session is destroyed, whether by
// logout or by a failed refresh.
func (m *SessionManager) OnClear(fn func()) {
	m.mu.Lock()
	m.onClear = append(m.onClear, fn)
	m.mu.Unlock()
}
