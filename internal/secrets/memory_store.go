package secrets

import (
	"context"
	"sync"

	"dshield-gate/internal/keys"
)

// MemoryStore is an in-memory Store implementation used by tests and
// standalone deployments without an external secret backend.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*keys.APIKeyRecord
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*keys.APIKeyRecord)}
}

func (m *MemoryStore) Store(ctx context.Context, record *keys.APIKeyRecord) error {
	if record == nil || record.KeyID == "" {
		return NewStoreError(KindInvalidReference, "store", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewStoreError(KindBackendUnavailable, "store", nil)
	}

	clone := *record
	m.records[record.KeyID] = &clone
	return nil
}

func (m *MemoryStore) Retrieve(ctx context.Context, keyID string) (*keys.APIKeyRecord, error) {
	if keyID == "" {
		return nil, NewStoreError(KindInvalidReference, "retrieve", nil)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, NewStoreError(KindBackendUnavailable, "retrieve", nil)
	}

	record, ok := m.records[keyID]
	if !ok {
		return nil, NewStoreError(KindNotFound, "retrieve", nil)
	}
	clone := *record
	return &clone, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*keys.APIKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, NewStoreError(KindBackendUnavailable, "list", nil)
	}

	out := make([]*keys.APIKeyRecord, 0, len(m.records))
	for _, record := range m.records {
		clone := *record
		out = append(out, &clone)
	}
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewStoreError(KindBackendUnavailable, "delete", nil)
	}

	if _, ok := m.records[keyID]; !ok {
		return NewStoreError(KindNotFound, "delete", nil)
	}
	delete(m.records, keyID)
	return nil
}

func (m *MemoryStore) Rotate(ctx context.Context, keyID string, verifier, salt string, algoVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewStoreError(KindBackendUnavailable, "rotate", nil)
	}

	record, ok := m.records[keyID]
	if !ok {
		return NewStoreError(KindNotFound, "rotate", nil)
	}
	record.Verifier = verifier
	record.Salt = salt
	record.AlgoVersion = algoVersion
	record.NeedsRotation = false
	return nil
}

func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return NewStoreError(KindBackendUnavailable, "health_check", nil)
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
