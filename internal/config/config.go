// Package config loads client and dev server settings from an optional TOML
// file named by SPARCHAT_CONFIG, overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// FileEnv names the environment variable holding the TOML file path.
const FileEnv = "SPARCHAT_CONFIG"

// Storage backends for the session store.
const (
	StorageMemory   = "memory"
	StorageRedis    = "redis"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Config holds all configuration for the client and the dev server.
type Config struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`

	Client  ClientConfig  `toml:"client"`
	Storage StorageConfig `toml:"storage"`
	Notify  NotifyConfig  `toml:"notify"`
	Server  ServerConfig  `toml:"server"`
}

// ClientConfig covers the gateway, channel and controllers.
type ClientConfig struct {
	APIURL              string        `toml:"api_url"`
	WSURL               string        `toml:"ws_url"`
	TypingQuiet         time.Duration `toml:"typing_quiet"`
	TypingExpiry        time.Duration `toml:"typing_expiry"`
	ReconnectMaxElapsed time.Duration `toml:"reconnect_max_elapsed"`
	SendRate            float64       `toml:"send_rate"`
	SendBurst           int           `toml:"send_burst"`
	Provisional         bool          `toml:"provisional"`
}

// StorageConfig selects where credentials are persisted.
type StorageConfig struct {
	Backend   string `toml:"backend"`
	DSN       string `toml:"dsn"`
	RedisAddr string `toml:"redis_addr"`
	Namespace string `toml:"namespace"`
}

// NotifyConfig covers toast sinks.
type NotifyConfig struct {
	NATSURL  string        `toml:"nats_url"`
	Subject  string        `toml:"subject"`
	ToastTTL time.Duration `toml:"toast_ttl"`
}

// ServerConfig is used by cmd/devserver only.
type ServerConfig struct {
	Addr              string        `toml:"addr"`
	JWTSecret         string        `toml:"jwt_secret"`
	DBDriver          string        `toml:"db_driver"`
	DBDSN             string        `toml:"db_dsn"`
	RedisAddr         string        `toml:"redis_addr"`
	AccessTTL         time.Duration `toml:"access_ttl"`
	RefreshTTL        time.Duration `toml:"refresh_ttl"`
	RateLimitRequests int           `toml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `toml:"rate_limit_window"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Env:      "production",
		LogLevel: "info",
		Client: ClientConfig{
			APIURL:              "http://localhost:8080",
			WSURL:               "ws://localhost:8080/ws",
			TypingQuiet:         2 * time.Second,
			TypingExpiry:        3 * time.Second,
			ReconnectMaxElapsed: 5 * time.Minute,
			SendRate:            10,
			SendBurst:           20,
		},
		Storage: StorageConfig{
			Backend:   StorageSQLite,
			DSN:       "sparchat.db",
			RedisAddr: "localhost:6379",
			Namespace: "default",
		},
		Notify: NotifyConfig{
			Subject:  "sparchat.notifications",
			ToastTTL: 5 * time.Second,
		},
		Server: ServerConfig{
			Addr:              ":8080",
			JWTSecret:         "development-secret-change-in-production",
			DBDriver:          "",
			AccessTTL:         15 * time.Minute,
			RefreshTTL:        7 * 24 * time.Hour,
			RateLimitRequests: 120,
			RateLimitWindow:   time.Minute,
		},
	}
}

// Load builds the configuration: defaults, then the TOML file if
// SPARCHAT_CONFIG is set, then environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes path over cfg. Keys absent from the file keep their value.
func LoadTOML(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// ApplyEnvOverrides replaces values with any environment variable that is set.
func (c *Config) ApplyEnvOverrides() {
	c.Env = getEnv("ENV", c.Env)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	// Client
	c.Client.APIURL = getEnv("API_URL", c.Client.APIURL)
	c.Client.WSURL = getEnv("WS_URL", c.Client.WSURL)
	c.Client.TypingQuiet = getDurationEnv("TYPING_QUIET", c.Client.TypingQuiet)
	c.Client.TypingExpiry = getDurationEnv("TYPING_EXPIRY", c.Client.TypingExpiry)
	c.Client.ReconnectMaxElapsed = getDurationEnv("RECONNECT_MAX_ELAPSED", c.Client.ReconnectMaxElapsed)
	c.Client.SendRate = getFloatEnv("SEND_RATE", c.Client.SendRate)
	c.Client.SendBurst = getIntEnv("SEND_BURST", c.Client.SendBurst)
	c.Client.Provisional = getBoolEnv("PROVISIONAL_SEND", c.Client.Provisional)

	// Storage
	c.Storage.Backend = getEnv("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.DSN = getEnv("STORAGE_DSN", c.Storage.DSN)
	c.Storage.RedisAddr = getEnv("REDIS_ADDR", c.Storage.RedisAddr)
	c.Storage.Namespace = getEnv("STORAGE_NAMESPACE", c.Storage.Namespace)

	// Notifications
	c.Notify.NATSURL = getEnv("NATS_URL", c.Notify.NATSURL)
	c.Notify.Subject = getEnv("NOTIFY_SUBJECT", c.Notify.Subject)
	c.Notify.ToastTTL = getDurationEnv("TOAST_TTL", c.Notify.ToastTTL)

	// Dev server
	c.Server.Addr = getEnv("DEV_ADDR", c.Server.Addr)
	c.Server.JWTSecret = getEnv("JWT_SECRET", c.Server.JWTSecret)
	c.Server.DBDriver = getEnv("DB_DRIVER", c.Server.DBDriver)
	c.Server.DBDSN = getEnv("DB_DSN", c.Server.DBDSN)
	c.Server.RedisAddr = getEnv("DEV_REDIS_ADDR", c.Server.RedisAddr)
	c.Server.AccessTTL = getDurationEnv("ACCESS_TTL", c.Server.AccessTTL)
	c.Server.RefreshTTL = getDurationEnv("REFRESH_TTL", c.Server.RefreshTTL)
	c.Server.RateLimitRequests = getIntEnv("RATE_LIMIT_REQUESTS", c.Server.RateLimitRequests)
	c.Server.RateLimitWindow = getDurationEnv("RATE_LIMIT_WINDOW", c.Server.RateLimitWindow)
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageMemory, StorageRedis, StorageSQLite, StoragePostgres:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if (c.Storage.Backend == StorageSQLite || c.Storage.Backend == StoragePostgres) && c.Storage.DSN == "" {
		return fmt.Errorf("storage backend %s needs a dsn", c.Storage.Backend)
	}
	if c.Client.APIURL == "" || c.Client.WSURL == "" {
		return fmt.Errorf("api_url and ws_url are required")
	}
	if c.Client.SendRate <= 0 || c.Client.SendBurst <= 0 {
		return fmt.Errorf("send_rate and send_burst must be positive")
	}
	return nil
}

// Development reports whether ENV selects the development logger.
func (c *Config) Development() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
