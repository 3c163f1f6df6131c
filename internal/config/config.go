// Package config handles configuration loading for the gateway.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dshield-gate/internal/abuse"
	"dshield-gate/internal/audit"
	"dshield-gate/internal/auth"
	"dshield-gate/internal/keys"
	"dshield-gate/internal/protocol"
	"dshield-gate/internal/ratelimit"
	"dshield-gate/internal/secrets"
	"dshield-gate/internal/server"
)

// Config holds the complete gateway configuration.
type Config struct {
	Server     server.Config    `yaml:"server"`
	Validation ValidationConfig `yaml:"validation"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Abuse      abuse.Config     `yaml:"abuse"`
	Auth       AuthConfig       `yaml:"auth"`
	Keys       KeysConfig       `yaml:"keys"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Audit      AuditConfig      `yaml:"audit"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ValidationConfig bounds accepted protocol messages.
type ValidationConfig struct {
	MaxMessageSize   int      `yaml:"max_message_size"`
	MaxFieldLength   int      `yaml:"max_field_length"`
	MaxArrayElements int      `yaml:"max_array_elements"`
	AllowedMethods   []string `yaml:"allowed_methods"`
}

// ValidatorConfig converts to the protocol package's configuration.
func (v ValidationConfig) ValidatorConfig() protocol.ValidatorConfig {
	return protocol.ValidatorConfig{
		MaxMessageSize:   v.MaxMessageSize,
		MaxFieldLength:   v.MaxFieldLength,
		MaxArrayElements: v.MaxArrayElements,
		AllowedMethods:   v.AllowedMethods,
	}
}

// RateLimitConfig holds the per-client and global limiter settings.
type RateLimitConfig struct {
	PerClient ratelimit.Config `yaml:"per_client"`
	Global    ratelimit.Config `yaml:"global"`
}

// AuthConfig holds authenticator and session store settings.
type AuthConfig struct {
	SessionTimeout    time.Duration    `yaml:"session_timeout"`
	MaxSessionsPerKey int              `yaml:"max_sessions_per_key"`
	SessionBackend    string           `yaml:"session_backend"` // "memory" or "redis"
	Redis             auth.RedisConfig `yaml:"redis"`
}

// KeysConfig holds key generation defaults.
type KeysConfig struct {
	Length         int    `yaml:"length"`
	Charset        string `yaml:"charset"`
	Prefix         string `yaml:"prefix"`
	ExpirationDays int    `yaml:"expiration_days"` // 0 = never expires
}

// SecretsConfig holds secret store backend settings.
type SecretsConfig struct {
	Backend string              `yaml:"backend"` // "memory" or "vault"
	Vault   secrets.VaultConfig `yaml:"vault"`
	Retry   secrets.RetryConfig `yaml:"retry"`
}

// AuditConfig holds audit trail sink settings.
type AuditConfig struct {
	LogSink    bool                 `yaml:"log_sink"`
	Kafka      KafkaSinkConfig      `yaml:"kafka"`
	ClickHouse ClickHouseSinkConfig `yaml:"clickhouse"`
}

// KafkaSinkConfig enables and configures the Kafka audit sink.
type KafkaSinkConfig struct {
	Enabled           bool `yaml:"enabled"`
	audit.KafkaConfig `yaml:",inline"`
}

// ClickHouseSinkConfig enables and configures the ClickHouse audit sink.
type ClickHouseSinkConfig struct {
	Enabled                bool `yaml:"enabled"`
	audit.ClickHouseConfig `yaml:",inline"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	validatorDefaults := protocol.DefaultValidatorConfig()

	return &Config{
		Server: server.DefaultConfig(),
		Validation: ValidationConfig{
			MaxMessageSize:   validatorDefaults.MaxMessageSize,
			MaxFieldLength:   validatorDefaults.MaxFieldLength,
			MaxArrayElements: validatorDefaults.MaxArrayElements,
			AllowedMethods:   validatorDefaults.AllowedMethods,
		},
		RateLimit: RateLimitConfig{
			PerClient: ratelimit.DefaultConfig(),
			Global: ratelimit.Config{
				RequestsPerMinute: 600,
				BurstLimit:        100,
				WindowSize:        time.Minute,
			},
		},
		Abuse: abuse.DefaultConfig(),
		Auth: AuthConfig{
			SessionTimeout:    auth.DefaultConfig().SessionTimeout,
			MaxSessionsPerKey: auth.DefaultConfig().MaxSessionsPerKey,
			SessionBackend:    "memory",
			Redis:             auth.DefaultRedisConfig(),
		},
		Keys: KeysConfig{
			Length:         keys.DefaultKeyLength,
			Charset:        keys.DefaultCharset,
			Prefix:         keys.DefaultPrefix,
			ExpirationDays: 0,
		},
		Secrets: SecretsConfig{
			Backend: "memory",
			Retry:   secrets.DefaultRetryConfig(),
		},
		Audit: AuditConfig{
			LogSink: true,
			Kafka: KafkaSinkConfig{
				KafkaConfig: audit.DefaultKafkaConfig(),
			},
			ClickHouse: ClickHouseSinkConfig{
				ClickHouseConfig: audit.DefaultClickHouseConfig(),
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from the file named by DSHIELD_CONFIG_PATH
// (default configs/config.yaml), falling back to defaults when the file
// does not exist, then applies environment overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("DSHIELD_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, cfg.Validate()
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("DSHIELD_LISTEN_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("DSHIELD_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("DSHIELD_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if backend := os.Getenv("DSHIELD_SECRETS_BACKEND"); backend != "" {
		c.Secrets.Backend = backend
	}
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		c.Secrets.Vault.Address = addr
	}
	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		c.Secrets.Vault.Token = token
	}
	if backend := os.Getenv("DSHIELD_SESSION_BACKEND"); backend != "" {
		c.Auth.SessionBackend = backend
	}
	if addr := os.Getenv("DSHIELD_REDIS_ADDR"); addr != "" {
		c.Auth.Redis.Addr = addr
	}
	if password := os.Getenv("DSHIELD_REDIS_PASSWORD"); password != "" {
		c.Auth.Redis.Password = password
	}
	if brokers := os.Getenv("DSHIELD_KAFKA_BROKERS"); brokers != "" {
		c.Audit.Kafka.Brokers = strings.Split(brokers, ",")
		c.Audit.Kafka.Enabled = true
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Audit.ClickHouse.Hosts = []string{host}
		c.Audit.ClickHouse.Enabled = true
	}
	if password := os.Getenv("CLICKHOUSE_PASSWORD"); password != "" {
		c.Audit.ClickHouse.Password = password
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.max_connections must be positive")
	}
	if c.Validation.MaxMessageSize <= 0 {
		return fmt.Errorf("validation.max_message_size must be positive")
	}
	if c.Validation.MaxFieldLength <= 0 {
		return fmt.Errorf("validation.max_field_length must be positive")
	}
	if len(c.Validation.AllowedMethods) == 0 {
		return fmt.Errorf("validation.allowed_methods must not be empty")
	}
	if c.RateLimit.PerClient.RequestsPerMinute <= 0 || c.RateLimit.Global.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit requests_per_minute must be positive")
	}
	if c.Abuse.AbuseThreshold <= 0 {
		return fmt.Errorf("abuse.abuse_threshold must be positive")
	}
	if c.Auth.MaxSessionsPerKey <= 0 {
		return fmt.Errorf("auth.max_sessions_per_key must be positive")
	}
	switch c.Auth.SessionBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("auth.session_backend must be memory or redis, got %q", c.Auth.SessionBackend)
	}
	switch c.Secrets.Backend {
	case "memory", "vault":
	default:
		return fmt.Errorf("secrets.backend must be memory or vault, got %q", c.Secrets.Backend)
	}
	if c.Secrets.Backend == "vault" && c.Secrets.Vault.Address == "" {
		return fmt.Errorf("secrets.vault.address is required for the vault backend")
	}
	if c.Keys.Length <= 0 {
		return fmt.Errorf("keys.length must be positive")
	}
	if c.Keys.Charset == "" {
		return fmt.Errorf("keys.charset must not be empty")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}
