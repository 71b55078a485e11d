package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port          string
	MongoURI      string
	RedisAddr     string
	JWTSecret     string
	RefreshSecret string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	RedisPassword   string
	DevelopmentMode bool

	// Google OIDC
	GoogleClientID string

	// WebRTC ICE servers
	StunServers  []string
	TurnServer   string
	TurnUsername string
	TurnPassword string

	// Meetings
	MeetingTTL time.Duration

	// Gamification
	StatsSyncInterval time.Duration

	// Collaborator service discovery
	SocialServiceURL  string
	AccountServiceURL string

	// CORS
	CorsOrigins string

	// Rate limits (limiter formatted strings, e.g. "100-15M")
	RateLimitGeneral string
	RateLimitAuth    string
	RateLimitHeavy   string

	// Token lifetimes
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Tracing
	OtelEndpoint string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error listing every missing or invalid variable.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required: MONGO_URI
	cfg.MongoURI = os.Getenv("MONGO_URI")
	if cfg.MongoURI == "" {
		errors = append(errors, "MONGO_URI is required")
	}

	// Required: REDIS_ADDR (format: host:port)
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr == "" {
		errors = append(errors, "REDIS_ADDR is required")
	} else if !isValidHostPort(cfg.RedisAddr) {
		errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	// Required: JWT_SECRET and REFRESH_SECRET (minimum 32 characters)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errors = append(errors, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}
	cfg.RefreshSecret = os.Getenv("REFRESH_SECRET")
	if cfg.RefreshSecret == "" {
		errors = append(errors, "REFRESH_SECRET is required")
	} else if len(cfg.RefreshSecret) < 32 {
		errors = append(errors, fmt.Sprintf("REFRESH_SECRET must be at least 32 characters (got %d)", len(cfg.RefreshSecret)))
	}

	// Optional: GOOGLE_CLIENT_ID (OIDC sign-in disabled when empty)
	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")

	// Optional: STUN_SERVERS (comma list of host:port)
	stun := getEnvOrDefault("STUN_SERVERS", "stun.l.google.com:19302")
	for _, s := range strings.Split(stun, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !isValidHostPort(s) {
			errors = append(errors, fmt.Sprintf("STUN_SERVERS entry must be in format 'host:port' (got '%s')", s))
			continue
		}
		cfg.StunServers = append(cfg.StunServers, s)
	}

	// Optional: TURN relay credentials
	cfg.TurnServer = os.Getenv("TURN_SERVER")
	cfg.TurnUsername = os.Getenv("TURN_USERNAME")
	cfg.TurnPassword = os.Getenv("TURN_PASSWORD")
	if cfg.TurnServer != "" && (cfg.TurnUsername == "" || cfg.TurnPassword == "") {
		errors = append(errors, "TURN_USERNAME and TURN_PASSWORD are required when TURN_SERVER is set")
	}

	// Optional: MEETING_TTL in seconds (default 4 hours)
	if ttl, err := getEnvSeconds("MEETING_TTL", 14400); err != nil {
		errors = append(errors, err.Error())
	} else {
		cfg.MeetingTTL = ttl
	}

	// Optional: STATS_SYNC_INTERVAL_MS (default 5 minutes)
	syncMsStr := getEnvOrDefault("STATS_SYNC_INTERVAL_MS", "300000")
	if syncMs, err := strconv.Atoi(syncMsStr); err != nil || syncMs < 1000 {
		errors = append(errors, fmt.Sprintf("STATS_SYNC_INTERVAL_MS must be an integer >= 1000 (got '%s')", syncMsStr))
	} else {
		cfg.StatsSyncInterval = time.Duration(syncMs) * time.Millisecond
	}

	// Collaborator URLs (cross-service notification disabled when empty)
	cfg.SocialServiceURL = os.Getenv("SOCIAL_SERVICE_URL")
	cfg.AccountServiceURL = os.Getenv("ACCOUNT_SERVICE_URL")

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.DevelopmentMode = cfg.GoEnv == "development"

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.CorsOrigins = os.Getenv("CORS_ORIGINS")

	// Rate limits (limiter format "count-period"; 15M = 15 minutes)
	cfg.RateLimitGeneral = getEnvOrDefault("RATE_LIMIT_GENERAL", "100-15M")
	cfg.RateLimitAuth = getEnvOrDefault("RATE_LIMIT_AUTH", "20-15M")
	cfg.RateLimitHeavy = getEnvOrDefault("RATE_LIMIT_HEAVY", "20-15M")

	// Token lifetimes: access 7d, refresh 30d
	if ttl, err := getEnvSeconds("ACCESS_TOKEN_TTL", 7*24*3600); err != nil {
		errors = append(errors, err.Error())
	} else {
		cfg.AccessTokenTTL = ttl
	}
	if ttl, err := getEnvSeconds("REFRESH_TOKEN_TTL", 30*24*3600); err != nil {
		errors = append(errors, err.Error())
	} else {
		cfg.RefreshTokenTTL = ttl
	}

	cfg.OtelEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
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

// getEnvSeconds reads an integer number of seconds from the environment.
func getEnvSeconds(key string, def int) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return time.Duration(def) * time.Second, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 1 {
		return 0, fmt.Errorf("%s must be a positive integer number of seconds (got '%s')", key, raw)
	}
	return time.Duration(secs) * time.Second, nil
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"mongo_uri", redactSecret(cfg.MongoURI),
		"redis_addr", cfg.RedisAddr,
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"stun_servers", strings.Join(cfg.StunServers, ","),
		"turn_server", cfg.TurnServer,
		"meeting_ttl", cfg.MeetingTTL.String(),
		"stats_sync_interval", cfg.StatsSyncInterval.String(),
		"rate_limit_general", cfg.RateLimitGeneral,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
