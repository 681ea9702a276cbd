package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	CorsOrigin      string
	DevelopmentMode bool

	// Rate limiter backing store (memory unless Redis is enabled)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Rate Limits (ulule format: count-period, M = Minute, H = Hour)
	RateLimitGrant string
	RateLimitAPI   string

	// Upstream host-agent verification (empty = verification disabled)
	AgentVerifyURL string

	// Tracing
	OtelEnabled       bool
	OtelCollectorAddr string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "3000"
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}
	cfg.DevelopmentMode = cfg.GoEnv == "development"

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	// Optional: CORS_ORIGIN. The literal "*" enables permissive mode.
	cfg.CorsOrigin = os.Getenv("CORS_ORIGIN")
	if cfg.CorsOrigin == "" {
		cfg.CorsOrigin = "*"
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Rate limits: strict tier for OTP grant (brute force protection),
	// general tier for everything else under /api.
	cfg.RateLimitGrant = getEnvOrDefault("RATE_LIMIT_GRANT", "60-M")
	cfg.RateLimitAPI = getEnvOrDefault("RATE_LIMIT_API", "600-M")

	// Optional: AGENT_VERIFY_URL enables upstream session-token verification.
	cfg.AgentVerifyURL = os.Getenv("AGENT_VERIFY_URL")

	// Optional: tracing
	cfg.OtelEnabled = os.Getenv("OTEL_ENABLED") == "true"
	if cfg.OtelEnabled {
		cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
		if cfg.OtelCollectorAddr == "" {
			errors = append(errors, "OTEL_COLLECTOR_ADDR is required when OTEL_ENABLED=true")
		}
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	slog.Info("Environment validated",
		"port", cfg.Port,
		"go_env", cfg.GoEnv,
		"cors_origin", cfg.CorsOrigin,
		"redis_enabled", cfg.RedisEnabled,
		"verify_enabled", cfg.AgentVerifyURL != "",
	)

	return cfg, nil
}

// isValidHostPort checks if a string is in a valid "host:port" format.
func isValidHostPort(addr string) bool {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return true
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
