package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/helios-rt/helios/internal/v1/logging"
	"github.com/helios-rt/helios/internal/v1/protocol"
	"github.com/helios-rt/helios/internal/v1/token"
)

// Config holds validated environment configuration.
//
// Tags:
//
//	env:          environment variable name
//	envDefault:   value applied when the variable is unset
//	envSeparator: list separator for slice fields
type Config struct {
	// Server basics
	Port           string   `env:"HELIOS_PORT" envDefault:"8080"`
	AllowedOrigins []string `env:"HELIOS_ALLOWED_ORIGINS" envSeparator:","`
	DevMode        bool     `env:"HELIOS_DEV_MODE" envDefault:"false"`
	LogLevel       string   `env:"HELIOS_LOG_LEVEL" envDefault:"info"`

	// Messaging
	RequestTimeout  time.Duration `env:"HELIOS_REQUEST_TIMEOUT" envDefault:"5s"`
	ParseMode       string        `env:"HELIOS_PARSE_MODE" envDefault:"strict"`
	MaxMessageBytes int64         `env:"HELIOS_MAX_MESSAGE_BYTES" envDefault:"1048576"`

	// Session recovery
	SessionRecoveryEnabled bool          `env:"HELIOS_SESSION_RECOVERY_ENABLED" envDefault:"false"`
	SessionSecret          string        `env:"HELIOS_SESSION_SECRET"`
	SessionTTL             time.Duration `env:"HELIOS_SESSION_TTL" envDefault:"5m"`
	SessionSweepInterval   time.Duration `env:"HELIOS_SESSION_SWEEP_INTERVAL" envDefault:"60s"`

	// Health checking (per-connection ping/pong loop)
	HealthCheckEnabled   bool          `env:"HELIOS_HEALTH_CHECK_ENABLED" envDefault:"true"`
	HealthCheckInterval  time.Duration `env:"HELIOS_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	HealthCheckTimeout   time.Duration `env:"HELIOS_HEALTH_CHECK_TIMEOUT" envDefault:"10s"`
	HealthCheckMaxMissed int           `env:"HELIOS_HEALTH_CHECK_MAX_MISSED" envDefault:"2"`

	// Rate limiting (format: limit-period, M = minute, H = hour)
	RateLimitWsIP string `env:"HELIOS_RATE_LIMIT_WS_IP" envDefault:"100-M"`

	// Tracing
	TracingEnabled bool   `env:"HELIOS_TRACING_ENABLED" envDefault:"false"`
	OTLPEndpoint   string `env:"HELIOS_OTLP_ENDPOINT" envDefault:"localhost:4317"`
}

// Load reads configuration from the environment and validates the result.
// A .env file in the working directory is applied first when present; its
// absence is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks every field and reports all problems at once.
func (c *Config) validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("HELIOS_PORT must be a valid port number between 1 and 65535 (got '%s')", c.Port))
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		errors = append(errors, fmt.Sprintf("HELIOS_LOG_LEVEL must be one of: debug, info, warn, error (got '%s')", c.LogLevel))
	}

	if !protocol.ValidParseMode(c.ParseMode) {
		errors = append(errors, fmt.Sprintf("HELIOS_PARSE_MODE must be one of: strict, permissive, passthrough (got '%s')", c.ParseMode))
	}

	if c.RequestTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("HELIOS_REQUEST_TIMEOUT must be positive (got %s)", c.RequestTimeout))
	}

	if c.MaxMessageBytes <= 0 {
		errors = append(errors, fmt.Sprintf("HELIOS_MAX_MESSAGE_BYTES must be positive (got %d)", c.MaxMessageBytes))
	}

	if c.SessionRecoveryEnabled {
		if c.SessionSecret == "" {
			errors = append(errors, "HELIOS_SESSION_SECRET is required when session recovery is enabled")
		} else if len(c.SessionSecret) < token.MinSecretLen {
			errors = append(errors, fmt.Sprintf("HELIOS_SESSION_SECRET must be at least %d characters (got %d)", token.MinSecretLen, len(c.SessionSecret)))
		}
		if c.SessionTTL <= 0 {
			errors = append(errors, fmt.Sprintf("HELIOS_SESSION_TTL must be positive (got %s)", c.SessionTTL))
		}
		if c.SessionSweepInterval <= 0 {
			errors = append(errors, fmt.Sprintf("HELIOS_SESSION_SWEEP_INTERVAL must be positive (got %s)", c.SessionSweepInterval))
		}
	}

	if c.HealthCheckEnabled {
		if c.HealthCheckInterval <= 0 {
			errors = append(errors, fmt.Sprintf("HELIOS_HEALTH_CHECK_INTERVAL must be positive (got %s)", c.HealthCheckInterval))
		}
		if c.HealthCheckTimeout <= 0 {
			errors = append(errors, fmt.Sprintf("HELIOS_HEALTH_CHECK_TIMEOUT must be positive (got %s)", c.HealthCheckTimeout))
		}
		if c.HealthCheckMaxMissed < 1 {
			errors = append(errors, fmt.Sprintf("HELIOS_HEALTH_CHECK_MAX_MISSED must be at least 1 (got %d)", c.HealthCheckMaxMissed))
		}
	}

	if c.RateLimitWsIP == "" {
		errors = append(errors, "HELIOS_RATE_LIMIT_WS_IP must not be empty")
	}

	if c.TracingEnabled && !isValidHostPort(c.OTLPEndpoint) {
		errors = append(errors, fmt.Sprintf("HELIOS_OTLP_ENDPOINT must be in format 'host:port' (got '%s')", c.OTLPEndpoint))
	}

	if len(errors) > 0 {
		return fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}
	return nil
}

// Log writes the validated configuration with secrets redacted. Call after
// logging has been initialized.
func (c *Config) Log(ctx context.Context) {
	logging.Info(ctx, "Configuration loaded",
		zap.String("port", c.Port),
		zap.Strings("allowed_origins", c.AllowedOrigins),
		zap.Bool("dev_mode", c.DevMode),
		zap.String("log_level", c.LogLevel),
		zap.Duration("request_timeout", c.RequestTimeout),
		zap.String("parse_mode", c.ParseMode),
		zap.Int64("max_message_bytes", c.MaxMessageBytes),
		zap.Bool("session_recovery_enabled", c.SessionRecoveryEnabled),
		zap.String("session_secret", logging.RedactToken(c.SessionSecret)),
		zap.Duration("session_ttl", c.SessionTTL),
		zap.Duration("session_sweep_interval", c.SessionSweepInterval),
		zap.Bool("health_check_enabled", c.HealthCheckEnabled),
		zap.Duration("health_check_interval", c.HealthCheckInterval),
		zap.Duration("health_check_timeout", c.HealthCheckTimeout),
		zap.Int("health_check_max_missed", c.HealthCheckMaxMissed),
		zap.String("rate_limit_ws_ip", c.RateLimitWsIP),
		zap.Bool("tracing_enabled", c.TracingEnabled),
		zap.String("otlp_endpoint", c.OTLPEndpoint),
	)
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}
