// Package config loads and validates the environment configuration for a
// roomcast instance. All tunables come from environment variables; a local
// .env file is honoured when present.
package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/roomcast/roomcast/internal/v1/logging"
)

// Backend names accepted by the STATE_BACKEND, BROKER_BACKEND and
// SCHEDULER_BACKEND enums.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
)

// Auth modes accepted by AUTH_MODE.
const (
	AuthModeJWKS = "jwks"
	AuthModeHMAC = "hmac"
)

// Config holds the validated environment configuration.
type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	BasePath    string `env:"BASE_PATH" envDefault:"/ws"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Heartbeat and per-connection limits, all in milliseconds on the wire.
	PingIntervalMS        int `env:"PING_INTERVAL_MS" envDefault:"30000"`
	PongTimeoutMS         int `env:"PONG_TIMEOUT_MS" envDefault:"10000"`
	CheckDelayPerClientMS int `env:"CHECK_DELAY_PER_CLIENT_MS" envDefault:"10"`
	MaxMsgsPerSecond      int `env:"MAX_MSGS_PER_SECOND" envDefault:"50"`
	MaxPayloadBytes       int `env:"MAX_PAYLOAD_BYTES" envDefault:"65536"`
	BatchIntervalMS       int `env:"BATCH_INTERVAL_MS" envDefault:"20"`
	RoomIdleTTLMS         int `env:"ROOM_IDLE_TTL_MS" envDefault:"60000"`

	StateBackend     string `env:"STATE_BACKEND" envDefault:"memory"`
	BrokerBackend    string `env:"BROKER_BACKEND" envDefault:"memory"`
	SchedulerBackend string `env:"SCHEDULER_BACKEND" envDefault:"memory"`
	RedisURL         string `env:"REDIS_URL"`
	NATSURL          string `env:"NATS_URL"`
	InstanceID       string `env:"INSTANCE_ID"`

	DefaultNamespace string `env:"DEFAULT_NAMESPACE" envDefault:"default"`

	PublishMaxRetries int `env:"PUBLISH_MAX_RETRIES" envDefault:"3"`
	PublishTimeoutMS  int `env:"PUBLISH_TIMEOUT_MS" envDefault:"5000"`
	ShutdownTimeoutMS int `env:"SHUTDOWN_TIMEOUT_MS" envDefault:"30000"`

	AuthMode       string   `env:"AUTH_MODE" envDefault:"hmac"`
	AuthDomain     string   `env:"AUTH_DOMAIN"`
	AuthAudience   string   `env:"AUTH_AUDIENCE"`
	AuthHMACSecret string   `env:"AUTH_HMAC_SECRET"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	UpgradeRateLimit string `env:"UPGRADE_RATE_LIMIT" envDefault:"100-M"`
	OTLPEndpoint     string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// Derived durations, populated by Load from the *_MS fields.
	PingInterval        time.Duration `env:"-"`
	PongTimeout         time.Duration `env:"-"`
	CheckDelayPerClient time.Duration `env:"-"`
	BatchInterval       time.Duration `env:"-"`
	RoomIdleTTL         time.Duration `env:"-"`
	PublishTimeout      time.Duration `env:"-"`
	ShutdownTimeout     time.Duration `env:"-"`
}

// Load reads the environment (and an optional .env file), validates it, and
// returns the resulting Config. An empty INSTANCE_ID is replaced with a
// generated one.
func Load() (*Config, error) {
	// Missing .env is fine; the environment may be fully external.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.PingInterval = time.Duration(cfg.PingIntervalMS) * time.Millisecond
	cfg.PongTimeout = time.Duration(cfg.PongTimeoutMS) * time.Millisecond
	cfg.CheckDelayPerClient = time.Duration(cfg.CheckDelayPerClientMS) * time.Millisecond
	cfg.BatchInterval = time.Duration(cfg.BatchIntervalMS) * time.Millisecond
	cfg.RoomIdleTTL = time.Duration(cfg.RoomIdleTTLMS) * time.Millisecond
	cfg.PublishTimeout = time.Duration(cfg.PublishTimeoutMS) * time.Millisecond
	cfg.ShutdownTimeout = time.Duration(cfg.ShutdownTimeoutMS) * time.Millisecond

	logValidatedConfig(cfg)

	return cfg, nil
}

// Validate checks every field and reports all violations at once.
func (c *Config) Validate() error {
	var errors []string

	if !isValidListenAddr(c.ListenAddr) {
		errors = append(errors, fmt.Sprintf("LISTEN_ADDR must be in format '[host]:port' (got '%s')", c.ListenAddr))
	}
	if !strings.HasPrefix(c.BasePath, "/") {
		errors = append(errors, fmt.Sprintf("BASE_PATH must start with '/' (got '%s')", c.BasePath))
	}

	if c.PingIntervalMS <= 0 {
		errors = append(errors, "PING_INTERVAL_MS must be positive")
	}
	if c.PongTimeoutMS <= 0 {
		errors = append(errors, "PONG_TIMEOUT_MS must be positive")
	}
	if c.PingIntervalMS > 0 && c.PongTimeoutMS >= c.PingIntervalMS {
		errors = append(errors, fmt.Sprintf("PONG_TIMEOUT_MS (%d) must be smaller than PING_INTERVAL_MS (%d)", c.PongTimeoutMS, c.PingIntervalMS))
	}
	if c.CheckDelayPerClientMS <= 0 {
		errors = append(errors, "CHECK_DELAY_PER_CLIENT_MS must be positive")
	}
	if c.MaxMsgsPerSecond <= 0 {
		errors = append(errors, "MAX_MSGS_PER_SECOND must be positive")
	}
	if c.MaxPayloadBytes <= 0 {
		errors = append(errors, "MAX_PAYLOAD_BYTES must be positive")
	}
	if c.BatchIntervalMS <= 0 {
		errors = append(errors, "BATCH_INTERVAL_MS must be positive")
	}
	if c.RoomIdleTTLMS <= 0 {
		errors = append(errors, "ROOM_IDLE_TTL_MS must be positive")
	}
	if c.PublishMaxRetries < 0 {
		errors = append(errors, "PUBLISH_MAX_RETRIES must not be negative")
	}
	if c.PublishTimeoutMS <= 0 {
		errors = append(errors, "PUBLISH_TIMEOUT_MS must be positive")
	}
	if c.ShutdownTimeoutMS <= 0 {
		errors = append(errors, "SHUTDOWN_TIMEOUT_MS must be positive")
	}

	switch c.StateBackend {
	case BackendMemory, BackendRedis:
	default:
		errors = append(errors, fmt.Sprintf("STATE_BACKEND must be one of 'memory', 'redis' (got '%s')", c.StateBackend))
	}
	switch c.BrokerBackend {
	case BackendMemory, BackendRedis, BackendNATS:
	default:
		errors = append(errors, fmt.Sprintf("BROKER_BACKEND must be one of 'memory', 'redis', 'nats' (got '%s')", c.BrokerBackend))
	}
	switch c.SchedulerBackend {
	case BackendMemory, BackendRedis:
	default:
		errors = append(errors, fmt.Sprintf("SCHEDULER_BACKEND must be one of 'memory', 'redis' (got '%s')", c.SchedulerBackend))
	}

	if c.needsRedis() && c.RedisURL == "" {
		errors = append(errors, "REDIS_URL is required when a backend is set to 'redis'")
	}
	if c.BrokerBackend == BackendNATS && c.NATSURL == "" {
		errors = append(errors, "NATS_URL is required when BROKER_BACKEND is 'nats'")
	}

	switch c.AuthMode {
	case AuthModeJWKS:
		if c.AuthDomain == "" {
			errors = append(errors, "AUTH_DOMAIN is required when AUTH_MODE is 'jwks'")
		}
		if c.AuthAudience == "" {
			errors = append(errors, "AUTH_AUDIENCE is required when AUTH_MODE is 'jwks'")
		}
	case AuthModeHMAC:
		if c.AuthHMACSecret == "" {
			errors = append(errors, "AUTH_HMAC_SECRET is required when AUTH_MODE is 'hmac'")
		} else if len(c.AuthHMACSecret) < 32 {
			errors = append(errors, fmt.Sprintf("AUTH_HMAC_SECRET must be at least 32 characters (got %d)", len(c.AuthHMACSecret)))
		}
	default:
		errors = append(errors, fmt.Sprintf("AUTH_MODE must be one of 'jwks', 'hmac' (got '%s')", c.AuthMode))
	}

	if len(errors) > 0 {
		return fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}
	return nil
}

// needsRedis reports whether any configured backend requires a Redis
// connection.
func (c *Config) needsRedis() bool {
	return c.StateBackend == BackendRedis ||
		c.BrokerBackend == BackendRedis ||
		c.SchedulerBackend == BackendRedis
}

// Development reports whether the instance runs with development defaults.
func (c *Config) Development() bool {
	return c.Environment != "production"
}

// isValidListenAddr accepts '[host]:port' where host may be empty.
func isValidListenAddr(addr string) bool {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return false
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return true
}

// logValidatedConfig logs the effective configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	logging.Info(context.Background(), "environment configuration validated",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("base_path", cfg.BasePath),
		zap.String("environment", cfg.Environment),
		zap.String("instance_id", cfg.InstanceID),
		zap.String("state_backend", cfg.StateBackend),
		zap.String("broker_backend", cfg.BrokerBackend),
		zap.String("scheduler_backend", cfg.SchedulerBackend),
		zap.String("default_namespace", cfg.DefaultNamespace),
		zap.Int("ping_interval_ms", cfg.PingIntervalMS),
		zap.Int("pong_timeout_ms", cfg.PongTimeoutMS),
		zap.Int("max_msgs_per_second", cfg.MaxMsgsPerSecond),
		zap.Int("max_payload_bytes", cfg.MaxPayloadBytes),
		zap.Int("batch_interval_ms", cfg.BatchIntervalMS),
		zap.Int("room_idle_ttl_ms", cfg.RoomIdleTTLMS),
		zap.String("auth_mode", cfg.AuthMode),
		zap.String("auth_hmac_secret", redactSecret(cfg.AuthHMACSecret)),
		zap.String("redis_url", redactURL(cfg.RedisURL)),
		zap.String("upgrade_rate_limit", cfg.UpgradeRateLimit),
	)
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}

// redactURL hides credentials embedded in a connection URL.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	at := strings.Index(raw, "@")
	scheme := strings.Index(raw, "://")
	if at > 0 && scheme > 0 && at > scheme {
		return raw[:scheme+3] + "***@" + raw[at+1:]
	}
	return raw
}
