// Package auth implements API-key authentication and session lifecycle
// for gateway connections.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dshield-gate/internal/keys"
	"dshield-gate/internal/logging"
)

var (
	// ErrMissingCredential is returned when no API key was supplied.
	ErrMissingCredential = errors.New("missing credential")

	// ErrInvalidCredential is returned when the supplied key does not
	// resolve to an active record.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrSessionLimitExceeded is returned when the key already holds the
	// maximum number of concurrent sessions.
	ErrSessionLimitExceeded = errors.New("session limit exceeded for key")
)

// Permission names accepted by CheckPermission.
const (
	PermissionRead  = "read"
	PermissionWrite = "write"
	PermissionAdmin = "admin"
)

// KeyValidator resolves a presented secret to its key record.
type KeyValidator interface {
	ValidateAPIKey(ctx context.Context, secret string) (*keys.APIKeyRecord, error)
}

// Config holds authenticator settings.
type Config struct {
	SessionTimeout    time.Duration `yaml:"session_timeout"`
	MaxSessionsPerKey int           `yaml:"max_sessions_per_key"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionTimeout:    time.Hour,
		MaxSessionsPerKey: 5,
	}
}

// Authenticator validates presented API keys and manages the sessions they
// open. Session expiry is an idle timeout: every successful validation
// pushes the deadline forward.
type Authenticator struct {
	validator KeyValidator
	sessions  SessionStore
	config    Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an authenticator over the given key validator and session
// store.
func New(validator KeyValidator, sessions SessionStore, cfg Config, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultConfig().SessionTimeout
	}
	if cfg.MaxSessionsPerKey <= 0 {
		cfg.MaxSessionsPerKey = DefaultConfig().MaxSessionsPerKey
	}
	return &Authenticator{
		validator: validator,
		sessions:  sessions,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the authenticator's clock source. Tests only.
func (a *Authenticator) SetClock(fn func() time.Time) {
	a.now = fn
}

// AuthenticateConnection validates the presented secret and opens a session
// bound to the client address. The session's permissions are a snapshot of
// the key record at authentication time.
func (a *Authenticator) AuthenticateConnection(ctx context.Context, clientAddr, secret string) (*Session, error) {
	if secret == "" {
		return nil, ErrMissingCredential
	}

	record, err := a.validator.ValidateAPIKey(ctx, secret)
	if err != nil {
		a.logger.Warn("authentication failed",
			"client", clientAddr,
			"fingerprint", logging.Fingerprint(secret),
			"reason", err.Error(),
		)
		return nil, ErrInvalidCredential
	}

	active, err := a.sessions.GetByKeyID(ctx, record.KeyID)
	if err != nil {
		return nil, err
	}
	if len(active) >= a.config.MaxSessionsPerKey {
		a.logger.Warn("session limit reached",
			"client", clientAddr,
			"key_id", record.KeyID,
			"active_sessions", len(active),
			"max_sessions", a.config.MaxSessionsPerKey,
		)
		return nil, ErrSessionLimitExceeded
	}

	now := a.now()
	session := &Session{
		SessionID:    uuid.NewString(),
		KeyID:        record.KeyID,
		ClientAddr:   clientAddr,
		Permissions:  record.Permissions,
		CreatedAt:    now,
		ExpiresAt:    now.Add(a.config.SessionTimeout),
		LastActivity: now,
	}

	if err := a.sessions.Store(ctx, session); err != nil {
		return nil, err
	}

	a.logger.Info("session opened",
		"client", clientAddr,
		"key_id", record.KeyID,
		"session_id", session.SessionID,
	)

	return session, nil
}

// ValidateSession resolves a session ID, evicting it if idle past the
// timeout. A valid session has its activity refreshed and its idle deadline
// pushed forward.
func (a *Authenticator) ValidateSession(ctx context.Context, sessionID string) (*Session, error) {
	session, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			if delErr := a.sessions.Delete(ctx, sessionID); delErr != nil {
				a.logger.Warn("failed to evict expired session",
					"session_id", sessionID, "error", delErr)
			}
			a.logger.Debug("session expired", "session_id", sessionID)
		}
		return nil, err
	}

	now := a.now()
	session.LastActivity = now
	session.ExpiresAt = now.Add(a.config.SessionTimeout)
	if err := a.sessions.UpdateActivity(ctx, sessionID, session.LastActivity, session.ExpiresAt); err != nil {
		return nil, err
	}

	return session, nil
}

// CheckPermission reports whether the session grants the named permission.
// Invalid sessions never grant anything.
func (a *Authenticator) CheckPermission(ctx context.Context, sessionID, permission string) bool {
	session, err := a.ValidateSession(ctx, sessionID)
	if err != nil {
		return false
	}

	switch permission {
	case PermissionRead:
		return session.Permissions.CanRead
	case PermissionWrite:
		return session.Permissions.CanWrite
	case PermissionAdmin:
		return session.Permissions.CanAdmin
	default:
		return false
	}
}

// CheckToolPermission reports whether the session may invoke the named
// tool. Deny lists always win; an empty allow list permits everything not
// denied.
func (a *Authenticator) CheckToolPermission(ctx context.Context, sessionID, tool string) bool {
	session, err := a.ValidateSession(ctx, sessionID)
	if err != nil {
		return false
	}
	return session.Permissions.ToolAllowed(tool)
}

// RevokeSession removes a session immediately.
func (a *Authenticator) RevokeSession(ctx context.Context, sessionID string) error {
	if err := a.sessions.Delete(ctx, sessionID); err != nil {
		return err
	}
	a.logger.Info("session revoked", "session_id", sessionID)
	return nil
}

// RevokeAllSessionsForKey removes every session issued against a key.
// Called when the key itself is revoked.
func (a *Authenticator) RevokeAllSessionsForKey(ctx context.Context, keyID string) error {
	if err := a.sessions.DeleteByKeyID(ctx, keyID); err != nil {
		return err
	}
	a.logger.Info("all sessions revoked for key", "key_id", keyID)
	return nil
}

// SessionCount returns the number of live sessions.
func (a *Authenticator) SessionCount(ctx context.Context) (int, error) {
	return a.sessions.Count(ctx)
}
