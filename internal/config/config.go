// Package config validates and exposes the process's environment
// configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration.
type Config struct {
	// Required variables
	JWTSecret string
	Port      string

	// Optional variables with defaults
	AppEnv        string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Auth0
	Auth0Domain    string
	Auth0Audience  string
	SkipAuth       bool
	AllowedOrigins string

	// Voice capture (spec.md §6)
	VoiceCaptureEnabled bool
	VoiceMaxTotalMB     int

	// AI summarization (spec.md §6)
	AISummaryEnabled              bool
	AISummaryMinChars             int
	AISummaryParticipantBreakdown bool
	AISummaryMaxMessages          int
	OpenAIAPIKey                  string
	OpenAIModel                   string
	VoiceASRModel                 string

	// Call invites (spec.md §6)
	CallInvitesBackend  string
	CallInviteTTLMemory int
	CallInviteTTLRedis  int

	// Rate limiting (spec.md §6: "<count>/<seconds>")
	RateLimitWsIP   string
	RateLimitWsUser string

	// Tracing
	OtelCollectorAddr string
}

// ValidateEnv validates all required environment variables and returns a
// Config. Returns an error describing every violation found, not just the
// first.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.AppEnv = os.Getenv("APP_ENV")
	if cfg.AppEnv == "" {
		cfg.AppEnv = "production"
	}

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.VoiceCaptureEnabled = getEnvOrDefault("VOICE_CAPTURE_ENABLED", "true") == "true"
	cfg.VoiceMaxTotalMB = getEnvIntOrDefault("VOICE_MAX_TOTAL_MB", 30, &errs)

	cfg.AISummaryEnabled = getEnvOrDefault("AI_SUMMARY_ENABLED", "true") == "true"
	cfg.AISummaryMinChars = getEnvIntOrDefault("AI_SUMMARY_MIN_CHARS", 40, &errs)
	cfg.AISummaryParticipantBreakdown = getEnvOrDefault("AI_SUMMARY_PARTICIPANT_BREAKDOWN", "true") == "true"
	cfg.AISummaryMaxMessages = getEnvIntOrDefault("AI_SUMMARY_MAX_MESSAGES", 4000, &errs)
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.OpenAIModel = getEnvOrDefault("AI_SUMMARY_MODEL", "gpt-4o-mini")
	cfg.VoiceASRModel = getEnvOrDefault("VOICE_ASR_MODEL", "whisper-1")

	cfg.CallInvitesBackend = getEnvOrDefault("CALL_INVITES_BACKEND", "memory")
	if cfg.CallInvitesBackend != "memory" && cfg.CallInvitesBackend != "redis" {
		errs = append(errs, fmt.Sprintf("CALL_INVITES_BACKEND must be 'memory' or 'redis' (got '%s')", cfg.CallInvitesBackend))
	}
	cfg.CallInviteTTLMemory = getEnvIntOrDefault("CALL_INVITE_TTL_MEMORY_SEC", 30, &errs)
	cfg.CallInviteTTLRedis = getEnvIntOrDefault("CALL_INVITE_TTL_REDIS_SEC", 15*60, &errs)

	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100/60")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10/60")

	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
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
	if parts[0] == "" {
		return false
	}
	return true
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated")
	slog.Info("configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"app_env", cfg.AppEnv,
		"log_level", cfg.LogLevel,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"voice_capture_enabled", cfg.VoiceCaptureEnabled,
		"ai_summary_enabled", cfg.AISummaryEnabled,
		"call_invites_backend", cfg.CallInvitesBackend,
		"rate_limit_ws_ip", cfg.RateLimitWsIP,
		"rate_limit_ws_user", cfg.RateLimitWsUser,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

// redactSecret shows only the first 8 characters of a secret.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
