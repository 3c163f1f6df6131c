// Package audit records security-relevant gateway events and fans them out
// to configured sinks. Recording never blocks the request path; entries are
// dropped with a counter when the buffer is full.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"dshield-gate/internal/logging"
)

// Entry categories.
const (
	CategoryAuth       = "auth"
	CategoryKey        = "key"
	CategoryAbuse      = "abuse"
	CategoryConnection = "connection"
)

// Entry is a single audit record.
type Entry struct {
	EntryID    string         `json:"entry_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Category   string         `json:"category"`
	Action     string         `json:"action"`
	Outcome    string         `json:"outcome"`
	ClientAddr string         `json:"client_addr,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	KeyID      string         `json:"key_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// maskDetail returns a copy of the detail map with sensitive string values
// masked. Non-string values pass through unchanged.
func maskDetail(detail map[string]any) map[string]any {
	masked := make(map[string]any, len(detail))
	for k, v := range detail {
		if s, ok := v.(string); ok {
			masked[k] = logging.MaskSensitiveValue(k, s)
			continue
		}
		masked[k] = v
	}
	return masked
}

// Sink receives audit entries. Implementations must be safe for use from a
// single writer goroutine.
type Sink interface {
	Write(ctx context.Context, entry *Entry) error
	Close() error
}

// Metrics holds trail counters.
type Metrics struct {
	Recorded   int64
	Dropped    int64
	SinkErrors int64
}

const (
	defaultBufferSize = 1024
	defaultRingSize   = 256
)

// Trail buffers audit entries and delivers them to sinks from a background
// goroutine. A bounded ring of recent entries is kept for status queries.
type Trail struct {
	sinks  []Sink
	logger *slog.Logger

	entries chan *Entry
	wg      sync.WaitGroup

	// closeMu orders Record sends against Close; closed is checked under
	// its read lock so no send can hit a closed channel.
	closeMu sync.RWMutex
	closed  atomic.Bool

	recorded   atomic.Int64
	dropped    atomic.Int64
	sinkErrors atomic.Int64

	mu       sync.RWMutex
	ring     []*Entry
	ringNext int
}

// NewTrail creates a trail over the given sinks and starts its delivery
// goroutine.
func NewTrail(logger *slog.Logger, sinks ...Sink) *Trail {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Trail{
		sinks:   sinks,
		logger:  logger,
		entries: make(chan *Entry, defaultBufferSize),
		ring:    make([]*Entry, 0, defaultRingSize),
	}

	t.wg.Add(1)
	go t.deliverLoop()

	return t
}

// Record enqueues an entry. Sensitive detail values are masked before the
// entry leaves the caller. Never blocks; a full buffer drops the entry.
func (t *Trail) Record(category, action, outcome string, entry Entry) {
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	if t.closed.Load() {
		return
	}

	entry.EntryID = uuid.NewString()
	entry.Timestamp = time.Now()
	entry.Category = category
	entry.Action = action
	entry.Outcome = outcome
	if entry.Detail != nil {
		entry.Detail = maskDetail(entry.Detail)
	}

	select {
	case t.entries <- &entry:
		t.recorded.Add(1)
	default:
		t.dropped.Add(1)
	}
}

func (t *Trail) deliverLoop() {
	defer t.wg.Done()

	for entry := range t.entries {
		t.remember(entry)

		for _, sink := range t.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := sink.Write(ctx, entry); err != nil {
				t.sinkErrors.Add(1)
				t.logger.Warn("audit sink write failed",
					"category", entry.Category,
					"action", entry.Action,
					"error", err,
				)
			}
			cancel()
		}
	}
}

func (t *Trail) remember(entry *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.ring) < defaultRingSize {
		t.ring = append(t.ring, entry)
		return
	}
	t.ring[t.ringNext] = entry
	t.ringNext = (t.ringNext + 1) % defaultRingSize
}

// Recent returns the most recently delivered entries, oldest first.
func (t *Trail) Recent() []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Entry, 0, len(t.ring))
	if len(t.ring) < defaultRingSize {
		out = append(out, t.ring...)
		return out
	}
	out = append(out, t.ring[t.ringNext:]...)
	out = append(out, t.ring[:t.ringNext]...)
	return out
}

// Metrics returns trail counters.
func (t *Trail) Metrics() Metrics {
	return Metrics{
		Recorded:   t.recorded.Load(),
		Dropped:    t.dropped.Load(),
		SinkErrors: t.sinkErrors.Load(),
	}
}

// Close drains buffered entries into the sinks and closes them.
func (t *Trail) Close() error {
	t.closeMu.Lock()
	if t.closed.Swap(true) {
		t.closeMu.Unlock()
		return nil
	}
	close(t.entries)
	t.closeMu.Unlock()

	t.wg.Wait()

	var firstErr error
	for _, sink := range t.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LogSink writes audit entries to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink over the given logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(ctx context.Context, entry *Entry) error {
	attrs := []any{
		"entry_id", entry.EntryID,
		"category", entry.Category,
		"action", entry.Action,
		"outcome", entry.Outcome,
	}
	if entry.ClientAddr != "" {
		attrs = append(attrs, "client", entry.ClientAddr)
	}
	if entry.SessionID != "" {
		attrs = append(attrs, "session_id", entry.SessionID)
	}
	if entry.KeyID != "" {
		attrs = append(attrs, "key_id", entry.KeyID)
	}
	for k, v := range entry.Detail {
		attrs = append(attrs, k, v)
	}

	s.logger.Info("audit", attrs...)
	return nil
}

func (s *LogSink) Close() error {
	return nil
}
