package abuse

import (
	"errors"
	"sync"
	"testing"
	"time"

	"dshield-gate/internal/protocol"
	"dshield-gate/internal/ratelimit"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestMonitor(cfg Config) (*Monitor, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}

	perClient := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 600, BurstLimit: 600}, nil)
	perClient.SetClock(clock.Now)
	global := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 6000, BurstLimit: 6000}, nil)
	global.SetClock(clock.Now)

	m := NewMonitor(cfg, protocol.NewValidator(protocol.ValidatorConfig{}), perClient, global, nil)
	m.SetClock(clock.Now)
	return m, clock
}

func validMessage(t *testing.T) (*protocol.Message, int) {
	t.Helper()
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	msg, err := protocol.Decode([]byte(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg, len(body)
}

func code(t *testing.T, err error) string {
	t.Helper()
	var sv *protocol.SecurityViolation
	if !errors.As(err, &sv) {
		t.Fatalf("expected SecurityViolation, got %v", err)
	}
	return sv.Code
}

func TestValidateMessage_Admits(t *testing.T) {
	m, _ := newTestMonitor(DefaultConfig())
	msg, size := validMessage(t)

	if err := m.ValidateMessage(msg, size, "10.0.0.1"); err != nil {
		t.Fatalf("valid message should be admitted: %v", err)
	}
}

func TestValidateMessage_DelegatesToValidator(t *testing.T) {
	m, _ := newTestMonitor(DefaultConfig())

	msg, err := protocol.Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"shutdown"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	verr := m.ValidateMessage(msg, 40, "10.0.0.1")
	if got := code(t, verr); got != protocol.CodeMethodNotAllowed {
		t.Errorf("code = %s, want %s", got, protocol.CodeMethodNotAllowed)
	}
	// Envelope violations are returned but not counted against the client.
	if m.ViolationCount("10.0.0.1") != 0 {
		t.Errorf("validator failure should not record a violation")
	}
}

func TestBlockAfterThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AbuseThreshold = 3
	cfg.BlockDuration = 5 * time.Minute
	m, clock := newTestMonitor(cfg)

	for i := 0; i < 3; i++ {
		m.RecordViolation("10.0.0.9", ViolationRateLimit)
	}
	if !m.IsBlocked("10.0.0.9") {
		t.Fatal("client should be blocked at threshold")
	}

	msg, size := validMessage(t)
	err := m.ValidateMessage(msg, size, "10.0.0.9")
	if got := code(t, err); got != protocol.CodeClientBlocked {
		t.Errorf("code = %s, want %s", got, protocol.CodeClientBlocked)
	}

	// Other clients are unaffected.
	if err := m.ValidateMessage(msg, size, "10.0.0.10"); err != nil {
		t.Errorf("unrelated client should be admitted: %v", err)
	}

	// Block lapses and the counter resets.
	clock.Advance(cfg.BlockDuration + time.Second)
	if m.IsBlocked("10.0.0.9") {
		t.Fatal("block should have expired")
	}
	if m.ViolationCount("10.0.0.9") != 0 {
		t.Errorf("counter should reset on unblock, got %d", m.ViolationCount("10.0.0.9"))
	}
	if err := m.ValidateMessage(msg, size, "10.0.0.9"); err != nil {
		t.Errorf("client should be admitted after block expiry: %v", err)
	}
}

func TestRateLimitDenialRecordsViolation(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}

	perClient := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 60, BurstLimit: 2}, nil)
	perClient.SetClock(clock.Now)
	global := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 6000, BurstLimit: 6000}, nil)
	global.SetClock(clock.Now)

	m := NewMonitor(DefaultConfig(), protocol.NewValidator(protocol.ValidatorConfig{}), perClient, global, nil)
	m.SetClock(clock.Now)

	msg, size := validMessage(t)
	m.ValidateMessage(msg, size, "10.0.0.1")
	m.ValidateMessage(msg, size, "10.0.0.1")

	err := m.ValidateMessage(msg, size, "10.0.0.1")
	if got := code(t, err); got != protocol.CodeRateLimited {
		t.Fatalf("code = %s, want %s", got, protocol.CodeRateLimited)
	}
	if m.ViolationCount("10.0.0.1") != 1 {
		t.Errorf("rate-limit denial should record a violation, count = %d", m.ViolationCount("10.0.0.1"))
	}
}

func TestRecordConnectionAttempt(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnectionAttempts = 2
	cfg.ConnectionWindow = 300 * time.Second
	m, clock := newTestMonitor(cfg)

	if !m.RecordConnectionAttempt("10.0.0.2") {
		t.Fatal("first attempt should be admitted")
	}
	if !m.RecordConnectionAttempt("10.0.0.2") {
		t.Fatal("second attempt should be admitted")
	}
	if m.RecordConnectionAttempt("10.0.0.2") {
		t.Fatal("third attempt within the window should be denied")
	}
	if m.ViolationCount("10.0.0.2") != 1 {
		t.Errorf("denied attempt should record a violation, count = %d", m.ViolationCount("10.0.0.2"))
	}

	// Attempts age out of the window.
	clock.Advance(301 * time.Second)
	if !m.RecordConnectionAttempt("10.0.0.2") {
		t.Fatal("attempt after window expiry should be admitted")
	}
}

func TestCleanupExpiredData(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AbuseThreshold = 2
	cfg.BlockDuration = time.Minute
	cfg.ConnectionWindow = time.Minute
	m, clock := newTestMonitor(cfg)

	m.RecordViolation("10.0.0.3", ViolationRateLimit)
	m.RecordViolation("10.0.0.3", ViolationRateLimit)
	m.RecordConnectionAttempt("10.0.0.4")

	if m.BlockedCount() != 1 {
		t.Fatalf("expected 1 blocked client, got %d", m.BlockedCount())
	}

	clock.Advance(2 * time.Minute)
	removed := m.CleanupExpiredData()
	if removed != 2 {
		t.Errorf("expected 2 entries removed, got %d", removed)
	}
	if m.BlockedCount() != 0 {
		t.Errorf("blocked count should be 0 after sweep, got %d", m.BlockedCount())
	}
	if m.IsBlocked("10.0.0.3") {
		t.Error("client should be unblocked after sweep")
	}
}

type recordingNotifier struct {
	mu        sync.Mutex
	blocked   []string
	unblocked []string
}

func (r *recordingNotifier) ClientBlocked(clientID string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked = append(r.blocked, clientID)
}

func (r *recordingNotifier) ClientUnblocked(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unblocked = append(r.unblocked, clientID)
}

func TestNotifier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AbuseThreshold = 1
	cfg.BlockDuration = time.Minute
	m, clock := newTestMonitor(cfg)

	n := &recordingNotifier{}
	m.SetNotifier(n)

	m.RecordViolation("10.0.0.5", ViolationProtocol)
	clock.Advance(2 * time.Minute)
	m.IsBlocked("10.0.0.5")

	if len(n.blocked) != 1 || n.blocked[0] != "10.0.0.5" {
		t.Errorf("blocked notifications = %v", n.blocked)
	}
	if len(n.unblocked) != 1 || n.unblocked[0] != "10.0.0.5" {
		t.Errorf("unblocked notifications = %v", n.unblocked)
	}
}
