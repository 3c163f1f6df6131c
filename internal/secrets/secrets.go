// Package secrets persists API key records through pluggable secret-store
// backends. The gateway core only ever sees the Store interface; backends
// report failures through a small set of typed kinds so callers can decide
// what is retryable.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dshield-gate/internal/keys"
)

// ErrorKind classifies backend failures.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not_found"
	KindPermissionDenied   ErrorKind = "permission_denied"
	KindRateLimited        ErrorKind = "rate_limited"
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	KindInvalidReference   ErrorKind = "invalid_reference"
)

// StoreError is a typed backend failure.
type StoreError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("secrets: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("secrets: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Retryable reports whether the failure kind is transient. Only rate-limited
// and backend-unavailable failures warrant a retry.
func (e *StoreError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindBackendUnavailable
}

// NewStoreError builds a typed backend failure.
func NewStoreError(kind ErrorKind, op string, err error) *StoreError {
	return &StoreError{Kind: kind, Op: op, Err: err}
}

// IsNotFound reports whether err is a not-found store error.
func IsNotFound(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == KindNotFound
}

// Store is the secret-store backend interface. Implementations persist key
// records by key_id; the plaintext secret never crosses this boundary.
type Store interface {
	// Store persists a key record, overwriting any existing record with the
	// same key_id.
	Store(ctx context.Context, record *keys.APIKeyRecord) error

	// Retrieve fetches a record by key_id.
	Retrieve(ctx context.Context, keyID string) (*keys.APIKeyRecord, error)

	// List returns all stored records.
	List(ctx context.Context) ([]*keys.APIKeyRecord, error)

	// Delete removes a record by key_id.
	Delete(ctx context.Context, keyID string) error

	// Rotate replaces the verifier material of an existing record.
	Rotate(ctx context.Context, keyID string, verifier, salt string, algoVersion int) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// RetryConfig bounds the backoff applied around retryable failures.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}
}

// RetryingStore wraps a Store and retries transient failures with bounded
// exponential backoff. Non-retryable failures surface immediately.
type RetryingStore struct {
	inner  Store
	cfg    RetryConfig
	logger *slog.Logger
}

// NewRetryingStore wraps the given store with the retry policy.
func NewRetryingStore(inner Store, cfg RetryConfig, logger *slog.Logger) *RetryingStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}
	return &RetryingStore{inner: inner, cfg: cfg, logger: logger}
}

func (r *RetryingStore) retry(ctx context.Context, op string, fn func() error) error {
	delay := r.cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var se *StoreError
		if !errors.As(lastErr, &se) || !se.Retryable() {
			return lastErr
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		r.logger.Warn("secret store operation failed, retrying",
			"op", op,
			"attempt", attempt,
			"kind", se.Kind,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
	}

	return lastErr
}

func (r *RetryingStore) Store(ctx context.Context, record *keys.APIKeyRecord) error {
	return r.retry(ctx, "store", func() error { return r.inner.Store(ctx, record) })
}

func (r *RetryingStore) Retrieve(ctx context.Context, keyID string) (*keys.APIKeyRecord, error) {
	var rec *keys.APIKeyRecord
	err := r.retry(ctx, "retrieve", func() error {
		var err error
		rec, err = r.inner.Retrieve(ctx, keyID)
		return err
	})
	return rec, err
}

func (r *RetryingStore) List(ctx context.Context) ([]*keys.APIKeyRecord, error) {
	var recs []*keys.APIKeyRecord
	err := r.retry(ctx, "list", func() error {
		var err error
		recs, err = r.inner.List(ctx)
		return err
	})
	return recs, err
}

func (r *RetryingStore) Delete(ctx context.Context, keyID string) error {
	return r.retry(ctx, "delete", func() error { return r.inner.Delete(ctx, keyID) })
}

func (r *RetryingStore) Rotate(ctx context.Context, keyID string, verifier, salt string, algoVersion int) error {
	return r.retry(ctx, "rotate", func() error {
		return r.inner.Rotate(ctx, keyID, verifier, salt, algoVersion)
	})
}

func (r *RetryingStore) HealthCheck(ctx context.Context) error {
	return r.retry(ctx, "health_check", func() error { return r.inner.HealthCheck(ctx) })
}

func (r *RetryingStore) Close() error { return r.inner.Close() }
