package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the live lesson service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	SessionGracePeriod       time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	AgentAdapterMode string
	AgentHTTPURL     string

	DatabaseURL string

	AwaitResponseTimeout time.Duration
	StatusLookupTimeout  time.Duration
	ResolvePollAttempts  int
	ResolvePollInterval  time.Duration
}

// Load reads an optional .env file and environment variables and applies safe defaults.
func Load() (Config, error) {
	if err := loadDotEnv(envOrDefault("APP_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "lessonlive"),
		AllowAnyOrigin:   false,
		AgentAdapterMode: envOrDefault("AGENT_ADAPTER_MODE", "auto"),
		AgentHTTPURL:     stringsTrimSpace("AGENT_HTTP_URL"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:  15 * time.Second,
		// Sessions survive a page refresh for this long after a graceful delete.
		SessionGracePeriod:       15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		AwaitResponseTimeout:     2 * time.Second,
		StatusLookupTimeout:      1500 * time.Millisecond,
		ResolvePollAttempts:      10,
		ResolvePollInterval:      200 * time.Millisecond,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionGracePeriod, err = durationFromEnv("APP_SESSION_GRACE_PERIOD", cfg.SessionGracePeriod)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.AwaitResponseTimeout, err = durationFromEnv("PTT_AWAIT_RESPONSE_TIMEOUT", cfg.AwaitResponseTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StatusLookupTimeout, err = durationFromEnv("CLEANUP_STATUS_TIMEOUT", cfg.StatusLookupTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ResolvePollAttempts, err = intFromEnv("CLEANUP_POLL_ATTEMPTS", cfg.ResolvePollAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.ResolvePollInterval, err = durationFromEnv("CLEANUP_POLL_INTERVAL", cfg.ResolvePollInterval)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.SessionGracePeriod < 0 {
		return Config{}, fmt.Errorf("APP_SESSION_GRACE_PERIOD must be >= 0")
	}
	if cfg.AwaitResponseTimeout <= 0 {
		return Config{}, fmt.Errorf("PTT_AWAIT_RESPONSE_TIMEOUT must be positive")
	}
	if cfg.StatusLookupTimeout <= 0 {
		return Config{}, fmt.Errorf("CLEANUP_STATUS_TIMEOUT must be positive")
	}
	if cfg.ResolvePollAttempts <= 0 {
		return Config{}, fmt.Errorf("CLEANUP_POLL_ATTEMPTS must be positive")
	}
	if cfg.ResolvePollInterval <= 0 {
		return Config{}, fmt.Errorf("CLEANUP_POLL_INTERVAL must be positive")
	}

	return cfg, nil
}

// loadDotEnv populates unset variables from path. A missing file is not an error.
func loadDotEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
