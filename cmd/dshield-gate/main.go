// Package main is the entry point for the gateway server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"dshield-gate/internal/abuse"
	"dshield-gate/internal/audit"
	"dshield-gate/internal/auth"
	"dshield-gate/internal/config"
	"dshield-gate/internal/keys"
	"dshield-gate/internal/logging"
	"dshield-gate/internal/protocol"
	"dshield-gate/internal/ratelimit"
	"dshield-gate/internal/registry"
	"dshield-gate/internal/secrets"
	"dshield-gate/internal/server"
)

func main() {
	// Load configuration first so logging honors the configured level.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"address", cfg.Server.Address,
		"max_connections", cfg.Server.MaxConnections,
		"secrets_backend", cfg.Secrets.Backend,
		"session_backend", cfg.Auth.SessionBackend,
	)

	// Secret store
	var store secrets.Store
	switch cfg.Secrets.Backend {
	case "vault":
		vaultStore, err := secrets.NewVaultStore(cfg.Secrets.Vault, logger)
		if err != nil {
			slog.Error("failed to connect to vault", "error", err)
			os.Exit(1)
		}
		store = secrets.NewRetryingStore(vaultStore, cfg.Secrets.Retry, logger)
	default:
		store = secrets.NewMemoryStore()
	}

	issuer := keys.NewIssuerWithDefaults(cfg.Keys.Length, cfg.Keys.Charset, cfg.Keys.Prefix)
	reg := registry.New(issuer, store, logger)

	ctx := context.Background()

	// Issue an initial key on request so a fresh deployment has a credential.
	if name := os.Getenv("DSHIELD_BOOTSTRAP_KEY_NAME"); name != "" {
		record, secret, err := reg.GenerateAPIKey(ctx, name, keys.DefaultPermissions(), cfg.Keys.ExpirationDays, 0)
		if err != nil {
			slog.Error("failed to issue bootstrap key", "error", err)
			os.Exit(1)
		}
		// Shown once on stdout; the plaintext is never stored or logged.
		fmt.Fprintf(os.Stdout, "bootstrap API key %s (%s): %s\n", record.KeyID, name, secret)
	}

	// Session store
	var sessions auth.SessionStore
	switch cfg.Auth.SessionBackend {
	case "redis":
		client, err := auth.NewGoRedisClient(cfg.Auth.Redis)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		sessions = auth.NewRedisSessionStore(client, "gate:session")
	default:
		sessions = auth.NewMemorySessionStore()
	}

	authenticator := auth.New(reg, sessions, auth.Config{
		SessionTimeout:    cfg.Auth.SessionTimeout,
		MaxSessionsPerKey: cfg.Auth.MaxSessionsPerKey,
	}, logger)

	// Protocol guards
	validator := protocol.NewValidator(cfg.Validation.ValidatorConfig())
	perClient := ratelimit.NewLimiter(cfg.RateLimit.PerClient, logger)
	global := ratelimit.NewLimiter(cfg.RateLimit.Global, logger)
	monitor := abuse.NewMonitor(cfg.Abuse, validator, perClient, global, logger)

	// Audit trail
	var sinks []audit.Sink
	if cfg.Audit.LogSink {
		sinks = append(sinks, audit.NewLogSink(logger))
	}
	if cfg.Audit.Kafka.Enabled {
		kafkaSink, err := audit.NewKafkaSink(cfg.Audit.Kafka.KafkaConfig, logger)
		if err != nil {
			slog.Error("failed to create kafka audit sink", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, kafkaSink)
	}
	if cfg.Audit.ClickHouse.Enabled {
		chSink, err := audit.NewClickHouseSink(cfg.Audit.ClickHouse.ClickHouseConfig, logger)
		if err != nil {
			slog.Error("failed to create clickhouse audit sink", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, chSink)
	}
	trail := audit.NewTrail(logger, sinks...)

	srv := server.New(cfg.Server, validator, monitor, authenticator, reg, &staticDispatcher{}, nil, trail, logger)

	if err := srv.Start(ctx); err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	srv.Stop()
	trail.Close()
	if err := sessions.Close(); err != nil {
		slog.Error("session store close error", "error", err)
	}

	metrics := srv.Metrics()
	slog.Info("shutdown complete",
		"connections_total", metrics.ConnectionsTotal,
		"messages_received", metrics.MessagesReceived,
		"messages_rejected", metrics.MessagesRejected,
	)
}

// newLogger builds the process logger from the logging configuration.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: logging.MaskAttr,
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// staticDispatcher answers capability and listing requests with fixed
// payloads. The analysis backend plugs in behind the Dispatcher interface.
type staticDispatcher struct{}

func (d *staticDispatcher) GetCapabilities(ctx context.Context) (any, error) {
	return map[string]any{
		"protocolVersion": "2024-11-05",
		"serverInfo": map[string]any{
			"name":    "dshield-gate",
			"version": "1.0.0",
		},
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
	}, nil
}

func (d *staticDispatcher) ListTools(ctx context.Context) (any, error) {
	return map[string]any{"tools": []any{}}, nil
}

func (d *staticDispatcher) CallTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	return nil, fmt.Errorf("tool not available: %s", name)
}

func (d *staticDispatcher) ListResources(ctx context.Context) (any, error) {
	return map[string]any{"resources": []any{}}, nil
}

func (d *staticDispatcher) ReadResource(ctx context.Context, uri string) (any, error) {
	return nil, fmt.Errorf("resource not available: %s", uri)
}

func (d *staticDispatcher) ListPrompts(ctx context.Context) (any, error) {
	return map[string]any{"prompts": []any{}}, nil
}

func (d *staticDispatcher) GetPrompt(ctx context.Context, name string, args json.RawMessage) (any, error) {
	return nil, fmt.Errorf("prompt not available: %s", name)
}
