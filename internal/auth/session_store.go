package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"dshield-gate/internal/keys"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when a session has expired.
	ErrSessionExpired = errors.New("session expired")
)

// Session is the authenticated state attached to a connection after a
// successful key exchange. Sessions reference their key by ID only.
type Session struct {
	SessionID    string           `json:"session_id"`
	KeyID        string           `json:"key_id"`
	ClientAddr   string           `json:"client_addr"`
	Permissions  keys.Permissions `json:"permissions"`
	CreatedAt    time.Time        `json:"created_at"`
	ExpiresAt    time.Time        `json:"expires_at"`
	LastActivity time.Time        `json:"last_activity"`
}

// SessionStore defines the interface for session persistence.
type SessionStore interface {
	// Store saves a session.
	Store(ctx context.Context, session *Session) error

	// Get retrieves a session by ID. Expired sessions return ErrSessionExpired.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Delete removes a session by ID. Deleting a missing session is not an error.
	Delete(ctx context.Context, sessionID string) error

	// DeleteByKeyID removes all sessions issued against a key.
	DeleteByKeyID(ctx context.Context, keyID string) error

	// GetByKeyID retrieves all live sessions issued against a key.
	GetByKeyID(ctx context.Context, keyID string) ([]*Session, error)

	// UpdateActivity refreshes the last activity time and pushes the idle
	// deadline forward for a session.
	UpdateActivity(ctx context.Context, sessionID string, lastActivity, expiresAt time.Time) error

	// Count returns the total number of live sessions.
	Count(ctx context.Context) (int, error)

	// Close releases any resources.
	Close() error
}

// MemorySessionStore implements SessionStore using in-memory maps.
// Suitable for single-instance deployments and testing.
type MemorySessionStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session // session ID -> session
	keySessions map[string][]string // key ID -> []session ID
}

// NewMemorySessionStore creates a new in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions:    make(map[string]*Session),
		keySessions: make(map[string][]string),
	}
}

// Store saves a session.
func (m *MemorySessionStore) Store(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.sessions[session.SessionID]
	m.sessions[session.SessionID] = session

	// Re-storing an existing session must not duplicate the key index.
	if !exists && session.KeyID != "" {
		m.keySessions[session.KeyID] = append(m.keySessions[session.KeyID], session.SessionID)
	}

	return nil
}

// Get retrieves a session by ID.
func (m *MemorySessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}

	if time.Now().After(session.ExpiresAt) {
		return nil, ErrSessionExpired
	}

	return session, nil
}

// Delete removes a session by ID.
func (m *MemorySessionStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return nil
	}

	delete(m.sessions, sessionID)
	m.unindexLocked(session.KeyID, sessionID)

	return nil
}

// DeleteByKeyID removes all sessions issued against a key.
func (m *MemorySessionStore) DeleteByKeyID(ctx context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.keySessions[keyID] {
		delete(m.sessions, id)
	}
	delete(m.keySessions, keyID)

	return nil
}

// GetByKeyID retrieves all live sessions issued against a key.
func (m *MemorySessionStore) GetByKeyID(ctx context.Context, keyID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.keySessions[keyID]
	sessions := make([]*Session, 0, len(ids))

	now := time.Now()
	for _, id := range ids {
		if session, exists := m.sessions[id]; exists {
			if now.Before(session.ExpiresAt) {
				sessions = append(sessions, session)
			}
		}
	}

	return sessions, nil
}

// UpdateActivity refreshes the last activity time and idle deadline for a
// session.
func (m *MemorySessionStore) UpdateActivity(ctx context.Context, sessionID string, lastActivity, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return ErrSessionNotFound
	}

	session.LastActivity = lastActivity
	session.ExpiresAt = expiresAt
	return nil
}

// Count returns the total number of live sessions.
func (m *MemorySessionStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	count := 0
	for _, session := range m.sessions {
		if now.Before(session.ExpiresAt) {
			count++
		}
	}

	return count, nil
}

// Close releases resources.
func (m *MemorySessionStore) Close() error {
	return nil
}

// CleanupExpired removes expired sessions and returns the number removed.
func (m *MemorySessionStore) CleanupExpired(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0

	for id, session := range m.sessions {
		if now.After(session.ExpiresAt) {
			delete(m.sessions, id)
			m.unindexLocked(session.KeyID, id)
			removed++
		}
	}

	return removed
}

func (m *MemorySessionStore) unindexLocked(keyID, sessionID string) {
	if keyID == "" {
		return
	}
	ids := m.keySessions[keyID]
	for i, id := range ids {
		if id == sessionID {
			m.keySessions[keyID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}
