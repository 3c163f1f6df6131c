package auth

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient defines the subset of Redis operations the session store
// needs. Narrowing the surface keeps the store mockable.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	DBSize(ctx context.Context) (int, error)
	Close() error
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
}

// GoRedisClient wraps the go-redis client to implement RedisClient.
type GoRedisClient struct {
	client *redis.Client
}

// NewGoRedisClient creates a Redis client from configuration and verifies
// the connection.
func NewGoRedisClient(cfg RedisConfig) (*GoRedisClient, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &GoRedisClient{client: client}, nil
}

func (g *GoRedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.client.Set(ctx, key, value, ttl).Err()
}

func (g *GoRedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := g.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return []byte(val), nil
}

func (g *GoRedisClient) Delete(ctx context.Context, keys ...string) error {
	return g.client.Del(ctx, keys...).Err()
}

func (g *GoRedisClient) SAdd(ctx context.Context, key string, members ...string) error {
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return g.client.SAdd(ctx, key, vals...).Err()
}

func (g *GoRedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	return g.client.SMembers(ctx, key).Result()
}

func (g *GoRedisClient) SRem(ctx context.Context, key string, members ...string) error {
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return g.client.SRem(ctx, key, vals...).Err()
}

func (g *GoRedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return g.client.Expire(ctx, key, ttl).Err()
}

func (g *GoRedisClient) DBSize(ctx context.Context) (int, error) {
	size, err := g.client.DBSize(ctx).Result()
	return int(size), err
}

func (g *GoRedisClient) Close() error {
	return g.client.Close()
}

// RedisSessionStore implements SessionStore using Redis. Suitable for
// deployments where multiple gateway instances share session state.
type RedisSessionStore struct {
	client RedisClient
	prefix string
}

// NewRedisSessionStore creates a Redis-backed session store.
func NewRedisSessionStore(client RedisClient, prefix string) *RedisSessionStore {
	if prefix == "" {
		prefix = "gate:session"
	}
	return &RedisSessionStore{client: client, prefix: prefix}
}

func (r *RedisSessionStore) sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:id:%s", r.prefix, sessionID)
}

func (r *RedisSessionStore) keySessionsKey(keyID string) string {
	return fmt.Sprintf("%s:key:%s", r.prefix, keyID)
}

// Store saves a session. The Redis TTL tracks session expiration so
// expired sessions disappear without a sweeper.
func (r *RedisSessionStore) Store(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return ErrSessionExpired
	}

	if err := r.client.Set(ctx, r.sessionKey(session.SessionID), data, ttl); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}

	if session.KeyID != "" {
		keyKey := r.keySessionsKey(session.KeyID)
		if err := r.client.SAdd(ctx, keyKey, session.SessionID); err != nil {
			return fmt.Errorf("failed to index session by key: %w", err)
		}
		if err := r.client.Expire(ctx, keyKey, ttl); err != nil {
			return fmt.Errorf("failed to set TTL on key index: %w", err)
		}
	}

	return nil
}

// Get retrieves a session by ID.
func (r *RedisSessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(sessionID))
	if err != nil {
		return nil, ErrSessionNotFound
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	if time.Now().After(session.ExpiresAt) {
		return nil, ErrSessionExpired
	}

	return &session, nil
}

// Delete removes a session by ID.
func (r *RedisSessionStore) Delete(ctx context.Context, sessionID string) error {
	session, err := r.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}

	if err := r.client.Delete(ctx, r.sessionKey(sessionID)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if session.KeyID != "" {
		if err := r.client.SRem(ctx, r.keySessionsKey(session.KeyID), sessionID); err != nil {
			return fmt.Errorf("failed to remove from key index: %w", err)
		}
	}

	return nil
}

// DeleteByKeyID removes all sessions issued against a key.
func (r *RedisSessionStore) DeleteByKeyID(ctx context.Context, keyID string) error {
	keyKey := r.keySessionsKey(keyID)
	ids, err := r.client.SMembers(ctx, keyKey)
	if err != nil {
		return fmt.Errorf("failed to get key sessions: %w", err)
	}

	if len(ids) > 0 {
		sessionKeys := make([]string, len(ids))
		for i, id := range ids {
			sessionKeys[i] = r.sessionKey(id)
		}
		if err := r.client.Delete(ctx, sessionKeys...); err != nil {
			return fmt.Errorf("failed to delete session keys: %w", err)
		}
	}

	if err := r.client.Delete(ctx, keyKey); err != nil {
		return fmt.Errorf("failed to delete key index: %w", err)
	}

	return nil
}

// GetByKeyID retrieves all live sessions issued against a key.
func (r *RedisSessionStore) GetByKeyID(ctx context.Context, keyID string) ([]*Session, error) {
	ids, err := r.client.SMembers(ctx, r.keySessionsKey(keyID))
	if err != nil {
		return nil, fmt.Errorf("failed to get key sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		session, err := r.Get(ctx, id)
		if err != nil {
			// Session keys expire independently of the index set.
			continue
		}
		sessions = append(sessions, session)
	}

	return sessions, nil
}

// UpdateActivity refreshes the last activity time and idle deadline for a
// session. Re-storing also renews the Redis TTL, which tracks ExpiresAt.
func (r *RedisSessionStore) UpdateActivity(ctx context.Context, sessionID string, lastActivity, expiresAt time.Time) error {
	session, err := r.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	session.LastActivity = lastActivity
	session.ExpiresAt = expiresAt
	return r.Store(ctx, session)
}

// Count returns the approximate number of live sessions. This counts all
// keys in the database; accurate per-prefix counting would need a scan.
func (r *RedisSessionStore) Count(ctx context.Context) (int, error) {
	return r.client.DBSize(ctx)
}

// Close releases Redis client resources.
func (r *RedisSessionStore) Close() error {
	return r.client.Close()
}

// MockRedisClient is an in-memory RedisClient for testing.
type MockRedisClient struct {
	mu     sync.RWMutex
	data   map[string][]byte
	sets   map[string]map[string]bool
	expiry map[string]time.Time
	closed bool
}

// NewMockRedisClient creates a mock Redis client for testing.
func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{
		data:   make(map[string][]byte),
		sets:   make(map[string]map[string]bool),
		expiry: make(map[string]time.Time),
	}
}

func (m *MockRedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("client closed")
	}
	m.data[key] = value
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	}
	return nil
}

func (m *MockRedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errors.New("client closed")
	}
	if exp, ok := m.expiry[key]; ok && time.Now().After(exp) {
		return nil, ErrSessionNotFound
	}
	val, ok := m.data[key]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return val, nil
}

func (m *MockRedisClient) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("client closed")
	}
	for _, key := range keys {
		delete(m.data, key)
		delete(m.expiry, key)
		delete(m.sets, key)
	}
	return nil
}

func (m *MockRedisClient) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("client closed")
	}
	if m.sets[key] == nil {
		m.sets[key] = make(map[string]bool)
	}
	for _, member := range members {
		m.sets[key][member] = true
	}
	return nil
}

func (m *MockRedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errors.New("client closed")
	}
	set := m.sets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

func (m *MockRedisClient) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("client closed")
	}
	if m.sets[key] == nil {
		return nil
	}
	for _, member := range members {
		delete(m.sets[key], member)
	}
	return nil
}

func (m *MockRedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("client closed")
	}
	m.expiry[key] = time.Now().Add(ttl)
	return nil
}

func (m *MockRedisClient) DBSize(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, errors.New("client closed")
	}
	return len(m.data), nil
}

func (m *MockRedisClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
