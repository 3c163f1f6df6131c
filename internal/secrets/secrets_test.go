package secrets

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"dshield-gate/internal/keys"
)

func testRecord(keyID string) *keys.APIKeyRecord {
	return &keys.APIKeyRecord{
		KeyID:       keyID,
		Verifier:    "abcd",
		Salt:        "ef01",
		AlgoVersion: keys.AlgoVersionCurrent,
		Name:        "test",
		Permissions: keys.DefaultPermissions(),
		CreatedAt:   time.Now().UTC(),
		IsActive:    true,
	}
}

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	record := testRecord("key-1")
	if err := store.Store(ctx, record); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := store.Retrieve(ctx, "key-1")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if got.Name != "test" || got.Verifier != "abcd" {
		t.Errorf("unexpected record: %+v", got)
	}

	// Mutating the returned record must not affect the stored copy.
	got.Name = "mutated"
	again, err := store.Retrieve(ctx, "key-1")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if again.Name != "test" {
		t.Error("store should return defensive copies")
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 record, got %d", len(list))
	}

	if err := store.Rotate(ctx, "key-1", "newhash", "newsalt", keys.AlgoVersionCurrent); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	rotated, _ := store.Retrieve(ctx, "key-1")
	if rotated.Verifier != "newhash" || rotated.Salt != "newsalt" {
		t.Errorf("rotation not applied: %+v", rotated)
	}

	if err := store.Delete(ctx, "key-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Retrieve(ctx, "key-1"); !IsNotFound(err) {
		t.Errorf("expected not-found after delete, got %v", err)
	}
}

func TestMemoryStore_TypedErrors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.Retrieve(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
	if err := store.Delete(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
	if err := store.Rotate(ctx, "missing", "h", "s", 2); !IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}

	var se *StoreError
	err := store.Store(ctx, nil)
	if !errors.As(err, &se) || se.Kind != KindInvalidReference {
		t.Errorf("expected invalid-reference, got %v", err)
	}

	store.Close()
	err = store.HealthCheck(ctx)
	if !errors.As(err, &se) || se.Kind != KindBackendUnavailable {
		t.Errorf("expected backend-unavailable after close, got %v", err)
	}
}

func TestStoreError_Retryable(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindNotFound, false},
		{KindPermissionDenied, false},
		{KindRateLimited, true},
		{KindBackendUnavailable, true},
		{KindInvalidReference, false},
	}

	for _, tt := range tests {
		e := NewStoreError(tt.kind, "op", nil)
		if e.Retryable() != tt.want {
			t.Errorf("kind %s: Retryable() = %v, want %v", tt.kind, e.Retryable(), tt.want)
		}
	}
}

// flakyStore fails n times with the given kind before delegating to a
// MemoryStore.
type flakyStore struct {
	*MemoryStore
	mu        sync.Mutex
	failures  int
	kind      ErrorKind
	callCount int
}

func (f *flakyStore) Retrieve(ctx context.Context, keyID string) (*keys.APIKeyRecord, error) {
	f.mu.Lock()
	f.callCount++
	fail := f.callCount <= f.failures
	f.mu.Unlock()

	if fail {
		return nil, NewStoreError(f.kind, "retrieve", nil)
	}
	return f.MemoryStore.Retrieve(ctx, keyID)
}

func TestRetryingStore_RetriesTransient(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2, kind: KindBackendUnavailable}
	inner.MemoryStore.Store(ctx, testRecord("key-1"))

	retrying := NewRetryingStore(inner, RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}, nil)

	record, err := retrying.Retrieve(ctx, "key-1")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if record.KeyID != "key-1" {
		t.Errorf("unexpected record %+v", record)
	}
	if inner.callCount != 3 {
		t.Errorf("expected 3 attempts, got %d", inner.callCount)
	}
}

func TestRetryingStore_NoRetryOnPermanent(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 10, kind: KindPermissionDenied}

	retrying := NewRetryingStore(inner, RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}, nil)

	_, err := retrying.Retrieve(ctx, "key-1")
	var se *StoreError
	if !errors.As(err, &se) || se.Kind != KindPermissionDenied {
		t.Fatalf("expected permission-denied, got %v", err)
	}
	if inner.callCount != 1 {
		t.Errorf("permanent failure should not retry, got %d attempts", inner.callCount)
	}
}

func TestRetryingStore_GivesUp(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 10, kind: KindRateLimited}

	retrying := NewRetryingStore(inner, RetryConfig{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}, nil)

	_, err := retrying.Retrieve(ctx, "key-1")
	var se *StoreError
	if !errors.As(err, &se) || se.Kind != KindRateLimited {
		t.Fatalf("expected rate-limited after exhausting retries, got %v", err)
	}
	if inner.callCount != 2 {
		t.Errorf("expected 2 attempts, got %d", inner.callCount)
	}
}

func TestVaultStore_RoundTrip(t *testing.T) {
	stored := make(map[string][]byte)
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/sys/health" {
			w.WriteHeader(http.StatusOK)
			return
		}

		mu.Lock()
		defer mu.Unlock()

		switch r.Method {
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			stored[r.URL.Path] = body
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			data, ok := stored[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(data)
		case http.MethodDelete:
			delete(stored, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	store, err := NewVaultStore(VaultConfig{
		Address: srv.URL,
		Token:   "test-token",
		Path:    "secret/data/dshield-gate",
	}, nil)
	if err != nil {
		t.Fatalf("NewVaultStore failed: %v", err)
	}

	ctx := context.Background()
	record := testRecord("key-vault")

	if err := store.Store(ctx, record); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := store.Retrieve(ctx, "key-vault")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if got.KeyID != "key-vault" || got.Verifier != "abcd" {
		t.Errorf("unexpected record: %+v", got)
	}

	if err := store.Delete(ctx, "key-vault"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Retrieve(ctx, "key-vault"); !IsNotFound(err) {
		t.Errorf("expected not-found after delete, got %v", err)
	}
}

func TestVaultStore_ErrorMapping(t *testing.T) {
	status := http.StatusForbidden
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/sys/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	store, err := NewVaultStore(VaultConfig{
		Address: srv.URL,
		Token:   "test-token",
		Path:    "secret/data/dshield-gate",
	}, nil)
	if err != nil {
		t.Fatalf("NewVaultStore failed: %v", err)
	}

	ctx := context.Background()

	tests := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusForbidden, KindPermissionDenied},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusInternalServerError, KindBackendUnavailable},
		{http.StatusNotFound, KindNotFound},
	}

	for _, tt := range tests {
		status = tt.status
		_, err := store.Retrieve(ctx, "key-x")
		var se *StoreError
		if !errors.As(err, &se) || se.Kind != tt.kind {
			t.Errorf("status %d: expected kind %s, got %v", tt.status, tt.kind, err)
		}
	}
}

func TestVaultStore_RequiresConfig(t *testing.T) {
	if _, err := NewVaultStore(VaultConfig{Token: "t"}, nil); err == nil {
		t.Error("missing address should fail")
	}
	if _, err := NewVaultStore(VaultConfig{Address: "http://localhost:8200"}, nil); err == nil {
		t.Error("missing token should fail")
	}
}
