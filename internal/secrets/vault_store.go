package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"dshield-gate/internal/keys"
)

// VaultStore persists key records in HashiCorp Vault's KV v2 engine over its
// HTTP API. Records are stored as JSON under <path>/data/keys/<key_id>.
type VaultStore struct {
	address    string
	token      string
	basePath   string
	httpClient *http.Client
	logger     *slog.Logger
}

// VaultConfig holds configuration for the Vault store.
type VaultConfig struct {
	Address string        `yaml:"address"` // e.g. "https://vault.example.com:8200"
	Token   string        `yaml:"token"`
	Path    string        `yaml:"path"` // KV v2 base path, e.g. "secret/data/dshield-gate"
	Timeout time.Duration `yaml:"timeout"`
}

// NewVaultStore creates a Vault-backed store and verifies connectivity.
func NewVaultStore(cfg VaultConfig, logger *slog.Logger) (*VaultStore, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("vault token is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	vs := &VaultStore{
		address:  strings.TrimSuffix(cfg.Address, "/"),
		token:    cfg.Token,
		basePath: strings.TrimSuffix(cfg.Path, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := vs.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}

	return vs, nil
}

func (v *VaultStore) dataPath(keyID string) string {
	return fmt.Sprintf("/v1/%s/keys/%s", v.basePath, keyID)
}

func (v *VaultStore) listPath() string {
	// KV v2 lists through the metadata endpoint.
	metaBase := strings.Replace(v.basePath, "/data/", "/metadata/", 1)
	return fmt.Sprintf("/v1/%s/keys?list=true", metaBase)
}

// classify maps a Vault HTTP status onto a typed store error kind.
func classify(status int) ErrorKind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusForbidden:
		return KindPermissionDenied
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindBackendUnavailable
	default:
		return KindInvalidReference
	}
}

func (v *VaultStore) do(ctx context.Context, op, method, path string, body any) ([]byte, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, NewStoreError(KindInvalidReference, op, err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, v.address+path, payload)
	if err != nil {
		return nil, NewStoreError(KindInvalidReference, op, err)
	}
	req.Header.Set("X-Vault-Token", v.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, NewStoreError(KindBackendUnavailable, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewStoreError(KindBackendUnavailable, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, NewStoreError(classify(resp.StatusCode), op,
			fmt.Errorf("vault returned status %d", resp.StatusCode))
	}

	return data, nil
}

// vaultKVData is the KV v2 write/read envelope.
type vaultKVData struct {
	Data struct {
		Record *keys.APIKeyRecord `json:"record"`
	} `json:"data"`
}

func (v *VaultStore) Store(ctx context.Context, record *keys.APIKeyRecord) error {
	if record == nil || record.KeyID == "" {
		return NewStoreError(KindInvalidReference, "store", nil)
	}

	body := map[string]any{
		"data": map[string]any{"record": record},
	}
	_, err := v.do(ctx, "store", http.MethodPost, v.dataPath(record.KeyID), body)
	return err
}

func (v *VaultStore) Retrieve(ctx context.Context, keyID string) (*keys.APIKeyRecord, error) {
	if keyID == "" {
		return nil, NewStoreError(KindInvalidReference, "retrieve", nil)
	}

	data, err := v.do(ctx, "retrieve", http.MethodGet, v.dataPath(keyID), nil)
	if err != nil {
		return nil, err
	}

	var envelope vaultKVData
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, NewStoreError(KindBackendUnavailable, "retrieve", err)
	}
	if envelope.Data.Record == nil {
		return nil, NewStoreError(KindNotFound, "retrieve", nil)
	}

	return envelope.Data.Record, nil
}

func (v *VaultStore) List(ctx context.Context) ([]*keys.APIKeyRecord, error) {
	data, err := v.do(ctx, "list", http.MethodGet, v.listPath(), nil)
	if err != nil {
		if IsNotFound(err) {
			// An empty KV tree lists as 404.
			return nil, nil
		}
		return nil, err
	}

	var listing struct {
		Data struct {
			Keys []string `json:"keys"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &listing); err != nil {
		return nil, NewStoreError(KindBackendUnavailable, "list", err)
	}

	records := make([]*keys.APIKeyRecord, 0, len(listing.Data.Keys))
	for _, keyID := range listing.Data.Keys {
		record, err := v.Retrieve(ctx, keyID)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		records = append(records, record)
	}

	return records, nil
}

func (v *VaultStore) Delete(ctx context.Context, keyID string) error {
	if keyID == "" {
		return NewStoreError(KindInvalidReference, "delete", nil)
	}
	_, err := v.do(ctx, "delete", http.MethodDelete, v.dataPath(keyID), nil)
	return err
}

func (v *VaultStore) Rotate(ctx context.Context, keyID string, verifier, salt string, algoVersion int) error {
	record, err := v.Retrieve(ctx, keyID)
	if err != nil {
		return err
	}

	record.Verifier = verifier
	record.Salt = salt
	record.AlgoVersion = algoVersion
	record.NeedsRotation = false

	return v.Store(ctx, record)
}

func (v *VaultStore) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.address+"/v1/sys/health", nil)
	if err != nil {
		return NewStoreError(KindInvalidReference, "health_check", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return NewStoreError(KindBackendUnavailable, "health_check", err)
	}
	defer resp.Body.Close()

	// 200 = initialized, unsealed, active; 429 = unsealed standby.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusTooManyRequests {
		return NewStoreError(KindBackendUnavailable, "health_check",
			fmt.Errorf("vault health returned status %d", resp.StatusCode))
	}

	return nil
}

func (v *VaultStore) Close() error {
	v.httpClient.CloseIdleConnections()
	return nil
}
