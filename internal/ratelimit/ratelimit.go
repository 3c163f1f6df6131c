// Package ratelimit provides per-client admission control combining a token
// bucket with a sliding-window counter, plus an adaptive limit that
// tightens after violations and recovers during quiet periods.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Adaptive control constants. After a violation inside the cooldown the
// window limit shrinks by decayFactor (never below minAdaptiveLimit); once
// the cooldown passes it grows back by growthFactor up to the configured
// requests-per-minute.
const (
	violationCooldown = 5 * time.Minute
	decayFactor       = 0.8
	growthFactor      = 1.05
	minAdaptiveLimit  = 10
)

// Config holds limiter settings.
type Config struct {
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	BurstLimit        int           `yaml:"burst_limit"`
	WindowSize        time.Duration `yaml:"window_size"`
}

// DefaultConfig returns the default per-client limiter settings.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstLimit:        10,
		WindowSize:        time.Minute,
	}
}

// clientState holds the admission counters for one client. Mutated only
// under the owning limiter's lock.
type clientState struct {
	tokens        float64
	lastRefill    time.Time
	window        []time.Time
	currentLimit  float64
	lastViolation time.Time
	lastSeen      time.Time
}

// Limiter applies the admission algorithm per client key. A separate
// instance with its own configuration serves as the global limiter.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*clientState
	logger  *slog.Logger

	// now is the clock source; replaceable in tests.
	now func() time.Time
}

// NewLimiter creates a limiter with the given settings.
func NewLimiter(cfg Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.BurstLimit <= 0 {
		cfg.BurstLimit = def.BurstLimit
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}

	return &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock replaces the limiter's clock source. Tests only.
func (l *Limiter) SetClock(fn func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = fn
}

func (l *Limiter) state(clientID string, now time.Time) *clientState {
	st, ok := l.clients[clientID]
	if !ok {
		st = &clientState{
			tokens:       float64(l.cfg.BurstLimit),
			lastRefill:   now,
			currentLimit: float64(l.cfg.RequestsPerMinute),
		}
		l.clients[clientID] = st
	}
	return st
}

// Allow runs one admission check for the client. The request is admitted
// only if both the token bucket and the sliding window admit it; an
// admitted request consumes one token and one window slot.
func (l *Limiter) Allow(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.state(clientID, now)
	st.lastSeen = now

	l.adapt(st, now)

	// Token bucket refill: requests-per-minute spread over elapsed time,
	// capped at the burst limit.
	elapsed := now.Sub(st.lastRefill).Seconds()
	st.tokens += elapsed / 60.0 * float64(l.cfg.RequestsPerMinute)
	if st.tokens > float64(l.cfg.BurstLimit) {
		st.tokens = float64(l.cfg.BurstLimit)
	}
	st.lastRefill = now

	if st.tokens < 1 {
		return false
	}

	// Sliding window: evict entries older than the window, then compare
	// against the adaptive limit.
	cutoff := now.Add(-l.cfg.WindowSize)
	kept := st.window[:0]
	for _, ts := range st.window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	st.window = kept

	if float64(len(st.window)) >= st.currentLimit {
		return false
	}

	st.tokens--
	st.window = append(st.window, now)
	return true
}

// adapt tightens the window limit after a recent violation and lets it
// recover toward the configured rate otherwise.
func (l *Limiter) adapt(st *clientState, now time.Time) {
	if !st.lastViolation.IsZero() && now.Sub(st.lastViolation) < violationCooldown {
		st.currentLimit *= decayFactor
		if st.currentLimit < minAdaptiveLimit {
			st.currentLimit = minAdaptiveLimit
		}
		return
	}

	st.currentLimit *= growthFactor
	if st.currentLimit > float64(l.cfg.RequestsPerMinute) {
		st.currentLimit = float64(l.cfg.RequestsPerMinute)
	}
}

// RecordViolation marks a violation for the client, tightening its adaptive
// limit on subsequent checks. Called by the abuse monitor, never by the
// limiter itself.
func (l *Limiter) RecordViolation(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.state(clientID, now)
	st.lastViolation = now
}

// CurrentLimit returns the client's adaptive window limit.
func (l *Limiter) CurrentLimit(clientID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.clients[clientID]
	if !ok {
		return float64(l.cfg.RequestsPerMinute)
	}
	return st.currentLimit
}

// Cleanup removes state for clients idle longer than maxIdle and returns
// the number of entries removed.
func (l *Limiter) Cleanup(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, st := range l.clients {
		if now.Sub(st.lastSeen) > maxIdle {
			delete(l.clients, id)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug("rate limiter state cleaned", "removed", removed, "remaining", len(l.clients))
	}
	return removed
}

// ClientCount returns the number of tracked clients.
func (l *Limiter) ClientCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
