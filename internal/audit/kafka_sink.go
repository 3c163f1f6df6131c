package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrSinkClosed is returned when writing to a closed sink.
var ErrSinkClosed = errors.New("audit sink is closed")

// KafkaConfig holds Kafka sink configuration.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultKafkaConfig returns sensible defaults.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "gate-audit",
		BatchSize:    100,
		BatchTimeout: time.Second,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration.
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("kafka: topic is required")
	}
	return nil
}

// KafkaSink publishes audit entries to a Kafka topic, keyed by client
// address so entries for one client land on one partition in order.
type KafkaSink struct {
	writer *kafka.Writer
	config KafkaConfig
	logger *slog.Logger
	closed atomic.Bool

	produced atomic.Int64
	failures atomic.Int64
}

// NewKafkaSink creates a Kafka-backed audit sink.
func NewKafkaSink(cfg KafkaConfig, logger *slog.Logger) (*KafkaSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  cfg.MaxRetries,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "audit-kafka")
		}),
	}

	logger.Info("kafka audit sink initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"batch_size", cfg.BatchSize,
	)

	return &KafkaSink{writer: writer, config: cfg, logger: logger}, nil
}

// Write publishes one entry, retrying transient failures with exponential
// backoff.
func (s *KafkaSink) Write(ctx context.Context, entry *Entry) error {
	if s.closed.Load() {
		return ErrSinkClosed
	}

	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal audit entry: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(entry.ClientAddr),
		Value: value,
		Time:  entry.Timestamp,
	}

	var lastErr error
	backoff := s.config.RetryBackoff

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		if err := s.writer.WriteMessages(ctx, msg); err != nil {
			lastErr = err
			s.failures.Add(1)
			continue
		}

		s.produced.Add(1)
		return nil
	}

	return fmt.Errorf("kafka: failed after %d attempts: %w", s.config.MaxRetries+1, lastErr)
}

// Produced returns the number of successfully published entries.
func (s *KafkaSink) Produced() int64 {
	return s.produced.Load()
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.logger.Info("closing kafka audit sink", "entries_produced", s.produced.Load())

	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close writer: %w", err)
	}
	return nil
}
