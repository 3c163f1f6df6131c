// Package registry is the authoritative in-process view of active
// connections and a write-through cache of API key records backed by the
// secret store.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"dshield-gate/internal/keys"
	"dshield-gate/internal/logging"
	"dshield-gate/internal/secrets"
)

var (
	// ErrKeyNotFound is returned when no record matches the presented secret.
	ErrKeyNotFound = errors.New("api key not found")

	// ErrKeyInactive is returned when the matching record has been revoked.
	ErrKeyInactive = errors.New("api key is inactive")

	// ErrKeyExpired is returned when the matching record has expired.
	ErrKeyExpired = errors.New("api key has expired")
)

// Registry tracks live connections and caches validated key records.
// Connections are referenced by client address only; relationships to
// sessions and keys resolve through lookups, never back-pointers.
type Registry struct {
	issuer *keys.Issuer
	store  secrets.Store
	logger *slog.Logger

	mu          sync.RWMutex
	connections map[string]time.Time          // client address -> connect time
	cache       map[string]*keys.APIKeyRecord // secret fingerprint -> record

	now func() time.Time
}

// New creates a registry over the given issuer and secret store.
func New(issuer *keys.Issuer, store secrets.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		issuer:      issuer,
		store:       store,
		logger:      logger,
		connections: make(map[string]time.Time),
		cache:       make(map[string]*keys.APIKeyRecord),
		now:         time.Now,
	}
}

// SetClock replaces the registry's clock source. Tests only.
func (r *Registry) SetClock(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = fn
}

// fingerprint derives the cache key for a presented secret. The secret
// itself is never used as a map key or logged.
func fingerprint(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// AddConnection registers a live connection. Idempotent.
func (r *Registry) AddConnection(clientAddr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connections[clientAddr]; !ok {
		r.connections[clientAddr] = r.now()
	}
}

// RemoveConnection deregisters a connection. Idempotent.
func (r *Registry) RemoveConnection(clientAddr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, clientAddr)
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// ValidateAPIKey resolves a presented secret to its key record. The cache
// is consulted first; on a miss every stored record's verifier is checked.
// Inactive and expired records are rejected. A successful validation
// refreshes usage counters; a match against a legacy-scheme record flags it
// for rotation.
func (r *Registry) ValidateAPIKey(ctx context.Context, secret string) (*keys.APIKeyRecord, error) {
	if secret == "" {
		return nil, ErrKeyNotFound
	}

	fp := fingerprint(secret)
	now := r.now()

	r.mu.Lock()
	record, cached := r.cache[fp]
	r.mu.Unlock()

	if !cached {
		stored, err := r.store.List(ctx)
		if err != nil {
			r.logger.Error("secret store list failed during key validation", "error", err)
			return nil, ErrKeyNotFound
		}
		for _, candidate := range stored {
			ok, err := r.issuer.VerifyKey(secret, candidate.Verifier, candidate.Salt, candidate.AlgoVersion)
			if err != nil {
				r.logger.Warn("key record with unverifiable material",
					"key_id", candidate.KeyID, "error", err)
				continue
			}
			if ok {
				record = candidate
				break
			}
		}
		if record == nil {
			return nil, ErrKeyNotFound
		}

		r.mu.Lock()
		r.cache[fp] = record
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !record.IsActive {
		return nil, ErrKeyInactive
	}
	if record.Expired(now) {
		delete(r.cache, fp)
		return nil, ErrKeyExpired
	}

	record.UsageCount++
	record.LastUsed = now
	if record.AlgoVersion == keys.AlgoVersionLegacy && !record.NeedsRotation {
		record.NeedsRotation = true
		r.logger.Info("legacy key scheme detected, rotation recommended",
			"key_id", record.KeyID)
	}

	clone := *record
	return &clone, nil
}

// GenerateAPIKey creates, persists and caches a new key record. The
// plaintext secret is returned exactly once; on persistence failure no
// partial state is retained.
func (r *Registry) GenerateAPIKey(ctx context.Context, name string, perms keys.Permissions, expirationDays, rateLimit int) (*keys.APIKeyRecord, string, error) {
	record, secret, err := r.issuer.GenerateKeyWithMetadata(name, perms, expirationDays, rateLimit)
	if err != nil {
		return nil, "", err
	}

	if err := r.store.Store(ctx, record); err != nil {
		r.logger.Error("failed to persist generated key",
			"key_id", record.KeyID,
			"name", name,
			"error", err,
		)
		return nil, "", err
	}

	r.mu.Lock()
	r.cache[fingerprint(secret)] = record
	r.mu.Unlock()

	r.logger.Info("api key generated",
		"key_id", record.KeyID,
		"name", name,
		"fingerprint", logging.Fingerprint(secret),
	)

	return record, secret, nil
}

// RotateAPIKey replaces the verifier material of an existing record with a
// freshly generated secret, keeping the key_id. The old cache entry is
// evicted; the new secret is returned exactly once.
func (r *Registry) RotateAPIKey(ctx context.Context, keyID string) (*keys.APIKeyRecord, string, error) {
	record, err := r.store.Retrieve(ctx, keyID)
	if err != nil {
		return nil, "", err
	}

	secret, err := r.issuer.GenerateDefaultKey()
	if err != nil {
		return nil, "", err
	}
	hashed, err := r.issuer.HashKey(secret, nil)
	if err != nil {
		return nil, "", err
	}

	if err := r.store.Rotate(ctx, keyID, hashed.Hash, hashed.Salt, hashed.AlgoVersion); err != nil {
		r.logger.Error("failed to persist key rotation", "key_id", keyID, "error", err)
		return nil, "", err
	}

	record.Verifier = hashed.Hash
	record.Salt = hashed.Salt
	record.AlgoVersion = hashed.AlgoVersion
	record.NeedsRotation = false

	r.mu.Lock()
	for fp, cached := range r.cache {
		if cached.KeyID == keyID {
			delete(r.cache, fp)
		}
	}
	r.cache[fingerprint(secret)] = record
	r.mu.Unlock()

	r.logger.Info("api key rotated", "key_id", keyID)

	return record, secret, nil
}

// RevokeAPIKey marks the record matching the presented secret inactive.
func (r *Registry) RevokeAPIKey(ctx context.Context, secret string) bool {
	record, err := r.ValidateAPIKey(ctx, secret)
	if err != nil {
		return false
	}

	r.mu.Lock()
	if cached, ok := r.cache[fingerprint(secret)]; ok {
		cached.IsActive = false
		record = cached
	}
	r.mu.Unlock()

	record.IsActive = false
	if err := r.store.Store(ctx, record); err != nil {
		r.logger.Error("failed to persist key revocation", "key_id", record.KeyID, "error", err)
	}

	r.logger.Info("api key revoked", "key_id", record.KeyID)
	return true
}

// DeleteAPIKey removes the record from the backend and the cache.
func (r *Registry) DeleteAPIKey(ctx context.Context, keyID string) bool {
	if err := r.store.Delete(ctx, keyID); err != nil {
		if !secrets.IsNotFound(err) {
			r.logger.Error("failed to delete key", "key_id", keyID, "error", err)
		}
		return false
	}

	r.mu.Lock()
	for fp, cached := range r.cache {
		if cached.KeyID == keyID {
			delete(r.cache, fp)
		}
	}
	r.mu.Unlock()

	r.logger.Info("api key deleted", "key_id", keyID)
	return true
}

// CleanupExpiredKeys evicts expired records from the cache and returns the
// number removed.
func (r *Registry) CleanupExpiredKeys() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for fp, record := range r.cache {
		if record.Expired(now) {
			delete(r.cache, fp)
			removed++
		}
	}

	if removed > 0 {
		r.logger.Info("expired keys evicted from cache", "count", removed)
	}
	return removed
}

// CachedKeyCount returns the number of cached key records.
func (r *Registry) CachedKeyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
