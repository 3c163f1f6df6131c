package audit

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig holds ClickHouse sink configuration.
type ClickHouseConfig struct {
	Hosts         []string      `yaml:"hosts"`
	Database      string        `yaml:"database"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	Table         string        `yaml:"table"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	TLSEnabled    bool          `yaml:"tls_enabled"`
}

// DefaultClickHouseConfig returns sensible defaults.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:         []string{"localhost:9000"},
		Database:      "gate",
		Username:      "default",
		Table:         "audit_entries",
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		DialTimeout:   10 * time.Second,
	}
}

// ClickHouseSink batches audit entries and inserts them into ClickHouse.
// Entries are buffered in memory; a full buffer or the flush timer triggers
// an insert.
type ClickHouseSink struct {
	conn   driver.Conn
	config ClickHouseConfig
	logger *slog.Logger

	mu         sync.Mutex
	buffer     []*Entry
	flushTimer *time.Timer
	closed     bool

	totalWritten atomic.Int64
	totalFailed  atomic.Int64
}

// NewClickHouseSink connects to ClickHouse and starts the flush timer.
func NewClickHouseSink(cfg ClickHouseConfig, logger *slog.Logger) (*ClickHouseSink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse: ping failed: %w", err)
	}

	s := &ClickHouseSink{
		conn:   conn,
		config: cfg,
		logger: logger,
		buffer: make([]*Entry, 0, cfg.BatchSize),
	}
	s.flushTimer = time.AfterFunc(cfg.FlushInterval, s.timerFlush)

	logger.Info("clickhouse audit sink initialized",
		"hosts", cfg.Hosts,
		"database", cfg.Database,
		"table", cfg.Table,
	)

	return s, nil
}

// Write buffers one entry; a full buffer flushes synchronously.
func (s *ClickHouseSink) Write(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	s.buffer = append(s.buffer, entry)

	if len(s.buffer) >= s.config.BatchSize {
		return s.flushLocked()
	}
	return nil
}

func (s *ClickHouseSink) timerFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if len(s.buffer) > 0 {
		if err := s.flushLocked(); err != nil {
			s.logger.Error("audit flush failed", "error", err)
		}
	}

	s.flushTimer.Reset(s.config.FlushInterval)
}

// flushLocked inserts the buffer with retries. Caller must hold the lock.
func (s *ClickHouseSink) flushLocked() error {
	if len(s.buffer) == 0 {
		return nil
	}

	entries := s.buffer
	s.buffer = make([]*Entry, 0, s.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.config.RetryDelay * time.Duration(attempt))
		}

		if err := s.insertBatch(entries); err != nil {
			lastErr = err
			s.logger.Warn("audit batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", s.config.MaxRetries,
				"error", err,
			)
			continue
		}

		s.totalWritten.Add(int64(len(entries)))
		return nil
	}

	s.totalFailed.Add(int64(len(entries)))
	return fmt.Errorf("clickhouse: batch insert failed after %d retries: %w", s.config.MaxRetries, lastErr)
}

func (s *ClickHouseSink) insertBatch(entries []*Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			entry_id, timestamp, category, action, outcome,
			client_addr, session_id, key_id, detail
		)
	`, s.config.Table))
	if err != nil {
		return fmt.Errorf("clickhouse: failed to prepare batch: %w", err)
	}

	for _, entry := range entries {
		detail, _ := json.Marshal(entry.Detail)

		if err := batch.Append(
			entry.EntryID,
			entry.Timestamp,
			entry.Category,
			entry.Action,
			entry.Outcome,
			entry.ClientAddr,
			entry.SessionID,
			entry.KeyID,
			string(detail),
		); err != nil {
			return fmt.Errorf("clickhouse: failed to append entry: %w", err)
		}
	}

	return batch.Send()
}

// Close flushes buffered entries and closes the connection.
func (s *ClickHouseSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.flushTimer.Stop()

	err := s.flushLocked()
	s.mu.Unlock()

	s.logger.Info("closing clickhouse audit sink",
		"entries_written", s.totalWritten.Load(),
		"entries_failed", s.totalFailed.Load(),
	)

	if cerr := s.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
