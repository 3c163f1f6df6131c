package auth

import (
	"context"
	"testing"
	"time"

	"dshield-gate/internal/keys"
)

func testSession(id, keyID string, ttl time.Duration) *Session {
	now := time.Now()
	return &Session{
		SessionID:    id,
		KeyID:        keyID,
		ClientAddr:   "10.0.0.1:5000",
		Permissions:  keys.Permissions{CanRead: true},
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastActivity: now,
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemorySessionStore()
	defer store.Close()
	ctx := context.Background()

	session := testSession("s1", "k1", time.Hour)
	if err := store.Store(ctx, session); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.KeyID != "k1" {
		t.Fatalf("KeyID = %q, want k1", got.KeyID)
	}

	if _, err := store.Get(ctx, "missing"); err != ErrSessionNotFound {
		t.Fatalf("missing err = %v, want ErrSessionNotFound", err)
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("double Delete: %v", err)
	}
	if _, err := store.Get(ctx, "s1"); err != ErrSessionNotFound {
		t.Fatalf("deleted err = %v, want ErrSessionNotFound", err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemorySessionStore()
	defer store.Close()
	ctx := context.Background()

	if err := store.Store(ctx, testSession("old", "k1", -time.Minute)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := store.Store(ctx, testSession("new", "k1", time.Hour)); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if _, err := store.Get(ctx, "old"); err != ErrSessionExpired {
		t.Fatalf("expired err = %v, want ErrSessionExpired", err)
	}

	live, err := store.GetByKeyID(ctx, "k1")
	if err != nil {
		t.Fatalf("GetByKeyID: %v", err)
	}
	if len(live) != 1 || live[0].SessionID != "new" {
		t.Fatalf("live = %v, want just the unexpired session", live)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("Count = %d, want 1", count)
	}

	if removed := store.CleanupExpired(ctx); removed != 1 {
		t.Fatalf("CleanupExpired = %d, want 1", removed)
	}
	if _, err := store.Get(ctx, "old"); err != ErrSessionNotFound {
		t.Fatalf("post-cleanup err = %v, want ErrSessionNotFound", err)
	}
}

func TestMemoryStoreRestoreKeepsIndexClean(t *testing.T) {
	store := NewMemorySessionStore()
	defer store.Close()
	ctx := context.Background()

	session := testSession("s1", "k1", time.Hour)
	for i := 0; i < 3; i++ {
		session.LastActivity = time.Now()
		if err := store.Store(ctx, session); err != nil {
			t.Fatalf("Store %d: %v", i, err)
		}
	}

	live, err := store.GetByKeyID(ctx, "k1")
	if err != nil {
		t.Fatalf("GetByKeyID: %v", err)
	}
	if len(live) != 1 {
		t.Fatalf("live sessions = %d, want 1 despite repeated stores", len(live))
	}
}

func TestRedisStoreLifecycle(t *testing.T) {
	store := NewRedisSessionStore(NewMockRedisClient(), "")
	ctx := context.Background()

	session := testSession("s1", "k1", time.Hour)
	if err := store.Store(ctx, session); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.KeyID != "k1" || got.ClientAddr != session.ClientAddr {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if !got.Permissions.CanRead {
		t.Fatal("permissions lost in serialization")
	}

	if _, err := store.Get(ctx, "missing"); err != ErrSessionNotFound {
		t.Fatalf("missing err = %v, want ErrSessionNotFound", err)
	}
}

func TestRedisStoreRejectsExpired(t *testing.T) {
	store := NewRedisSessionStore(NewMockRedisClient(), "")

	if err := store.Store(context.Background(), testSession("s1", "k1", -time.Minute)); err != ErrSessionExpired {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
}

func TestRedisStoreKeyIndex(t *testing.T) {
	store := NewRedisSessionStore(NewMockRedisClient(), "")
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		if err := store.Store(ctx, testSession(id, "k1", time.Hour)); err != nil {
			t.Fatalf("Store %s: %v", id, err)
		}
	}
	if err := store.Store(ctx, testSession("other", "k2", time.Hour)); err != nil {
		t.Fatalf("Store other: %v", err)
	}

	live, err := store.GetByKeyID(ctx, "k1")
	if err != nil {
		t.Fatalf("GetByKeyID: %v", err)
	}
	if len(live) != 3 {
		t.Fatalf("live sessions = %d, want 3", len(live))
	}

	if err := store.Delete(ctx, "s2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	live, _ = store.GetByKeyID(ctx, "k1")
	if len(live) != 2 {
		t.Fatalf("live sessions after delete = %d, want 2", len(live))
	}

	if err := store.DeleteByKeyID(ctx, "k1"); err != nil {
		t.Fatalf("DeleteByKeyID: %v", err)
	}
	live, _ = store.GetByKeyID(ctx, "k1")
	if len(live) != 0 {
		t.Fatalf("live sessions after revoke-all = %d, want 0", len(live))
	}

	// Sessions for other keys are untouched.
	if _, err := store.Get(ctx, "other"); err != nil {
		t.Fatalf("unrelated session lost: %v", err)
	}
}

func TestRedisStoreUpdateActivity(t *testing.T) {
	store := NewRedisSessionStore(NewMockRedisClient(), "")
	ctx := context.Background()

	session := testSession("s1", "k1", time.Hour)
	if err := store.Store(ctx, session); err != nil {
		t.Fatalf("Store: %v", err)
	}

	later := time.Now().Add(5 * time.Minute)
	deadline := later.Add(time.Hour)
	if err := store.UpdateActivity(ctx, "s1", later, deadline); err != nil {
		t.Fatalf("UpdateActivity: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.LastActivity.Equal(later) {
		t.Fatalf("LastActivity = %v, want %v", got.LastActivity, later)
	}
	if !got.ExpiresAt.Equal(deadline) {
		t.Fatalf("ExpiresAt = %v, want %v", got.ExpiresAt, deadline)
	}

	if err := store.UpdateActivity(ctx, "missing", later, deadline); err != ErrSessionNotFound {
		t.Fatalf("missing err = %v, want ErrSessionNotFound", err)
	}
}

func TestMemoryStoreUpdateActivity(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	session := testSession("s1", "k1", time.Hour)
	if err := store.Store(ctx, session); err != nil {
		t.Fatalf("Store: %v", err)
	}

	later := time.Now().Add(5 * time.Minute)
	deadline := later.Add(time.Hour)
	if err := store.UpdateActivity(ctx, "s1", later, deadline); err != nil {
		t.Fatalf("UpdateActivity: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.LastActivity.Equal(later) || !got.ExpiresAt.Equal(deadline) {
		t.Fatalf("session not refreshed: activity %v deadline %v", got.LastActivity, got.ExpiresAt)
	}

	if err := store.UpdateActivity(ctx, "missing", later, deadline); err != ErrSessionNotFound {
		t.Fatalf("missing err = %v, want ErrSessionNotFound", err)
	}
}
