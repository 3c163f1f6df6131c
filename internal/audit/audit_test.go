package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"dshield-gate/internal/logging"
)

// memorySink captures entries for assertions.
type memorySink struct {
	mu      sync.Mutex
	entries []*Entry
	failN   int // fail the first N writes
	closed  bool
}

func (m *memorySink) Write(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failN > 0 {
		m.failN--
		return fmt.Errorf("sink unavailable")
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memorySink) snapshot() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestTrailFanOut(t *testing.T) {
	first := &memorySink{}
	second := &memorySink{}
	trail := NewTrail(discardLogger(), first, second)
	defer trail.Close()

	trail.Record(CategoryAuth, "session_opened", "success", Entry{
		ClientAddr: "10.0.0.1:5000",
		SessionID:  "s1",
		KeyID:      "k1",
	})

	waitFor(t, func() bool { return len(first.snapshot()) == 1 && len(second.snapshot()) == 1 })

	entry := first.snapshot()[0]
	if entry.EntryID == "" {
		t.Fatal("expected an entry ID")
	}
	if entry.Category != CategoryAuth || entry.Action != "session_opened" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
}

func TestTrailMasksSensitiveDetail(t *testing.T) {
	sink := &memorySink{}
	trail := NewTrail(discardLogger(), sink)
	defer trail.Close()

	trail.Record(CategoryAuth, "authentication_failed", "failure", Entry{
		ClientAddr: "10.0.0.1:5000",
		Detail: map[string]any{
			"api_key": "dshield_supersecret0000000000000",
			"reason":  "invalid credential",
			"count":   3,
		},
	})

	waitFor(t, func() bool { return len(sink.snapshot()) == 1 })

	detail := sink.snapshot()[0].Detail
	if detail["api_key"] != logging.MaskedValue {
		t.Fatalf("api_key = %v, want %q", detail["api_key"], logging.MaskedValue)
	}
	if detail["reason"] != "invalid credential" {
		t.Fatalf("reason = %v, should pass through", detail["reason"])
	}
	if detail["count"] != 3 {
		t.Fatalf("count = %v, should pass through", detail["count"])
	}
}

func TestTrailSinkErrorDoesNotStopDelivery(t *testing.T) {
	flaky := &memorySink{failN: 1}
	healthy := &memorySink{}
	trail := NewTrail(discardLogger(), flaky, healthy)
	defer trail.Close()

	trail.Record(CategoryAbuse, "client_blocked", "blocked", Entry{ClientAddr: "10.0.0.2:5000"})
	trail.Record(CategoryAbuse, "client_unblocked", "success", Entry{ClientAddr: "10.0.0.2:5000"})

	waitFor(t, func() bool { return len(healthy.snapshot()) == 2 })

	if len(flaky.snapshot()) != 1 {
		t.Fatalf("flaky sink entries = %d, want 1", len(flaky.snapshot()))
	}
	if trail.Metrics().SinkErrors != 1 {
		t.Fatalf("SinkErrors = %d, want 1", trail.Metrics().SinkErrors)
	}
}

func TestTrailRecentRing(t *testing.T) {
	sink := &memorySink{}
	trail := NewTrail(discardLogger(), sink)
	defer trail.Close()

	total := defaultRingSize + 10
	for i := 0; i < total; i++ {
		trail.Record(CategoryConnection, "connection_opened", "success", Entry{
			ClientAddr: fmt.Sprintf("10.0.0.1:%d", i),
		})
	}

	waitFor(t, func() bool { return len(sink.snapshot()) == total })

	recent := trail.Recent()
	if len(recent) != defaultRingSize {
		t.Fatalf("Recent() len = %d, want %d", len(recent), defaultRingSize)
	}

	// Oldest retained entry is the 11th recorded, newest is the last.
	if got := recent[0].ClientAddr; got != "10.0.0.1:10" {
		t.Fatalf("oldest = %s, want 10.0.0.1:10", got)
	}
	if got := recent[len(recent)-1].ClientAddr; got != fmt.Sprintf("10.0.0.1:%d", total-1) {
		t.Fatalf("newest = %s, want 10.0.0.1:%d", got, total-1)
	}
}

func TestTrailCloseDrainsAndClosesSinks(t *testing.T) {
	sink := &memorySink{}
	trail := NewTrail(discardLogger(), sink)

	for i := 0; i < 50; i++ {
		trail.Record(CategoryKey, "key_generated", "success", Entry{KeyID: fmt.Sprintf("k%d", i)})
	}

	if err := trail.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(sink.snapshot()) != 50 {
		t.Fatalf("entries after close = %d, want 50", len(sink.snapshot()))
	}
	if !sink.closed {
		t.Fatal("sink not closed")
	}

	// Recording after close is a no-op.
	trail.Record(CategoryKey, "key_generated", "success", Entry{KeyID: "late"})
	if trail.Metrics().Recorded != 50 {
		t.Fatalf("Recorded = %d, want 50", trail.Metrics().Recorded)
	}
}

func TestTrailRecordDuringCloseDoesNotPanic(t *testing.T) {
	sink := &memorySink{}
	trail := NewTrail(discardLogger(), sink)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				trail.Record(CategoryAuth, "session_opened", "success", Entry{ClientAddr: "10.0.0.1:1"})
			}
		}()
	}

	if err := trail.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()

	// Every entry that made it into the buffer was drained into the sink.
	m := trail.Metrics()
	if got := int64(len(sink.snapshot())); got != m.Recorded {
		t.Fatalf("delivered %d entries, recorded %d (dropped %d)", got, m.Recorded, m.Dropped)
	}
}
