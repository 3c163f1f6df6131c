// Package abuse accumulates per-client violations, blocks repeat offenders
// for a timed period, and throttles repeated connection attempts. It fronts
// the message validator and rate limiters: a message reaches the
// application layer only if the monitor admits it.
package abuse

import (
	"log/slog"
	"sync"
	"time"

	"dshield-gate/internal/protocol"
	"dshield-gate/internal/ratelimit"
)

// Violation types recorded against clients.
const (
	ViolationRateLimit         = "rate_limit"
	ViolationConnectionAttempt = "connection_flood"
	ViolationProtocol          = "protocol"
)

// Config holds abuse-protection settings.
type Config struct {
	AbuseThreshold        int           `yaml:"abuse_threshold"`
	BlockDuration         time.Duration `yaml:"block_duration"`
	MaxConnectionAttempts int           `yaml:"max_connection_attempts"`
	ConnectionWindow      time.Duration `yaml:"connection_window"`
}

// DefaultConfig returns the default abuse-protection settings.
func DefaultConfig() Config {
	return Config{
		AbuseThreshold:        10,
		BlockDuration:         5 * time.Minute,
		MaxConnectionAttempts: 10,
		ConnectionWindow:      5 * time.Minute,
	}
}

// violationRecord tracks one client's standing.
type violationRecord struct {
	count     int
	blockedAt time.Time
	blocked   bool
}

// Notifier receives block lifecycle events. Optional; the server adapts it
// onto the audit trail.
type Notifier interface {
	ClientBlocked(clientID string, until time.Time)
	ClientUnblocked(clientID string)
}

// Monitor is the abuse-protection pipeline.
type Monitor struct {
	cfg       Config
	validator *protocol.Validator
	perClient *ratelimit.Limiter
	global    *ratelimit.Limiter
	logger    *slog.Logger
	notifier  Notifier

	mu         sync.Mutex
	violations map[string]*violationRecord
	attempts   map[string][]time.Time

	now func() time.Time
}

// globalClientID keys the shared limiter bucket applied ahead of per-client
// limits.
const globalClientID = "_global"

// NewMonitor creates an abuse monitor wired to the given validator and
// limiters.
func NewMonitor(cfg Config, validator *protocol.Validator, perClient, global *ratelimit.Limiter, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.AbuseThreshold <= 0 {
		cfg.AbuseThreshold = def.AbuseThreshold
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = def.BlockDuration
	}
	if cfg.MaxConnectionAttempts <= 0 {
		cfg.MaxConnectionAttempts = def.MaxConnectionAttempts
	}
	if cfg.ConnectionWindow <= 0 {
		cfg.ConnectionWindow = def.ConnectionWindow
	}

	return &Monitor{
		cfg:        cfg,
		validator:  validator,
		perClient:  perClient,
		global:     global,
		logger:     logger,
		violations: make(map[string]*violationRecord),
		attempts:   make(map[string][]time.Time),
		now:        time.Now,
	}
}

// SetClock replaces the monitor's clock source. Tests only.
func (m *Monitor) SetClock(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = fn
}

// SetNotifier registers a block lifecycle listener.
func (m *Monitor) SetNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// ValidateMessage admits or rejects one decoded message for the client.
// Order: block check, envelope validation, global limiter, per-client
// limiter. A rate-limit denial is recorded as a violation.
func (m *Monitor) ValidateMessage(msg *protocol.Message, rawSize int, clientID string) error {
	if m.IsBlocked(clientID) {
		return protocol.NewViolation(protocol.CodeClientBlocked,
			"client %s is temporarily blocked", clientID)
	}

	if err := m.validator.Validate(msg, rawSize); err != nil {
		return err
	}

	if !m.global.Allow(globalClientID) {
		m.RecordViolation(clientID, ViolationRateLimit)
		return protocol.NewViolation(protocol.CodeRateLimited, "global rate limit exceeded")
	}

	if !m.perClient.Allow(clientID) {
		m.RecordViolation(clientID, ViolationRateLimit)
		return protocol.NewViolation(protocol.CodeRateLimited,
			"rate limit exceeded for client %s", clientID)
	}

	return nil
}

// IsBlocked reports whether the client is currently blocked. An expired
// block is cleared lazily and the violation counter reset.
func (m *Monitor) IsBlocked(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkBlockedLocked(clientID, m.now())
}

func (m *Monitor) checkBlockedLocked(clientID string, now time.Time) bool {
	rec, ok := m.violations[clientID]
	if !ok || !rec.blocked {
		return false
	}

	if now.After(rec.blockedAt.Add(m.cfg.BlockDuration)) {
		rec.blocked = false
		rec.count = 0
		m.logger.Info("client unblocked", "client", clientID)
		if m.notifier != nil {
			m.notifier.ClientUnblocked(clientID)
		}
		return false
	}

	return true
}

// RecordViolation increments the client's violation counter; reaching the
// abuse threshold blocks the client for the configured duration. The
// counter resets only when the block expires.
func (m *Monitor) RecordViolation(clientID, violationType string) {
	m.perClient.RecordViolation(clientID)

	m.mu.Lock()
	now := m.now()
	rec, ok := m.violations[clientID]
	if !ok {
		rec = &violationRecord{}
		m.violations[clientID] = rec
	}
	rec.count++

	var blockedUntil time.Time
	newlyBlocked := false
	if !rec.blocked && rec.count >= m.cfg.AbuseThreshold {
		rec.blocked = true
		rec.blockedAt = now
		blockedUntil = now.Add(m.cfg.BlockDuration)
		newlyBlocked = true
	}
	count := rec.count
	notifier := m.notifier
	m.mu.Unlock()

	m.logger.Warn("abuse violation recorded",
		"client", clientID,
		"type", violationType,
		"count", count,
	)

	if newlyBlocked {
		m.logger.Warn("client blocked",
			"client", clientID,
			"until", blockedUntil,
		)
		if notifier != nil {
			notifier.ClientBlocked(clientID, blockedUntil)
		}
	}
}

// ViolationCount returns the client's current violation counter.
func (m *Monitor) ViolationCount(clientID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A lapsed block resets the counter on observation.
	m.checkBlockedLocked(clientID, m.now())

	rec, ok := m.violations[clientID]
	if !ok {
		return 0
	}
	return rec.count
}

// RecordConnectionAttempt admits or denies a new connection from the
// client. Attempts are counted in a sliding window; hitting the cap denies
// the connection and records a violation.
func (m *Monitor) RecordConnectionAttempt(clientID string) bool {
	m.mu.Lock()

	now := m.now()
	if m.checkBlockedLocked(clientID, now) {
		m.mu.Unlock()
		return false
	}

	cutoff := now.Add(-m.cfg.ConnectionWindow)
	kept := m.attempts[clientID][:0]
	for _, ts := range m.attempts[clientID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= m.cfg.MaxConnectionAttempts {
		m.attempts[clientID] = kept
		m.mu.Unlock()
		m.RecordViolation(clientID, ViolationConnectionAttempt)
		return false
	}

	m.attempts[clientID] = append(kept, now)
	m.mu.Unlock()
	return true
}

// CleanupExpiredData sweeps expired blocks, stale attempt windows and idle
// violation records. Returns the number of entries removed.
func (m *Monitor) CleanupExpiredData() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0

	for clientID, rec := range m.violations {
		if rec.blocked && now.After(rec.blockedAt.Add(m.cfg.BlockDuration)) {
			rec.blocked = false
			rec.count = 0
			m.logger.Info("client unblocked", "client", clientID)
			if m.notifier != nil {
				m.notifier.ClientUnblocked(clientID)
			}
		}
		if !rec.blocked && rec.count == 0 {
			delete(m.violations, clientID)
			removed++
		}
	}

	cutoff := now.Add(-m.cfg.ConnectionWindow)
	for clientID, attempts := range m.attempts {
		kept := attempts[:0]
		for _, ts := range attempts {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(m.attempts, clientID)
			removed++
		} else {
			m.attempts[clientID] = kept
		}
	}

	return removed
}

// BlockedCount returns the number of currently blocked clients.
func (m *Monitor) BlockedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	count := 0
	for _, rec := range m.violations {
		if rec.blocked && !now.After(rec.blockedAt.Add(m.cfg.BlockDuration)) {
			count++
		}
	}
	return count
}
