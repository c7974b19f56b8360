package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the daemon-level configuration, sourced from the
// environment. Provider declarations live in the registry file (see
// providers.go) or the built-in catalog.
type Config struct {
	Network       string
	RegistryPath  string
	ListenAddr    string
	LogLevel      string
	LogFormat     string
	ProbeOnStart  bool
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	BrowserMode   bool
}

func Load() *Config {
	_ = godotenv.Load() // .env file is optional

	probeIntervalSec := getEnvAsInt64("PROBE_INTERVAL_SECONDS", 60)
	probeTimeoutSec := getEnvAsInt64("PROBE_TIMEOUT_SECONDS", 10)

	return &Config{
		Network:       getEnv("TON_NETWORK", "mainnet"),
		RegistryPath:  getEnv("PROVIDERS_FILE", ""),
		ListenAddr:    getEnv("LISTEN_ADDR", ":8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "json"),
		ProbeOnStart:  getEnvAsBool("PROBE_ON_START", true),
		ProbeInterval: time.Duration(probeIntervalSec) * time.Second,
		ProbeTimeout:  time.Duration(probeTimeoutSec) * time.Second,
		BrowserMode:   getEnvAsBool("BROWSER_MODE", false),
	}
}

// NewLogger builds the process logger from the configured level and
// format.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		slog.Warn("invalid_env_value", "key", key, "value", valueStr, "default", defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		slog.Warn("invalid_env_value", "key", key, "value", valueStr, "default", defaultValue)
		return defaultValue
	}
	return value
}
