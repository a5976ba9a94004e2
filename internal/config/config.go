// Package config contains everything related to configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Serving endpoint payload kinds.
const (
	EndpointChat  = "chat"
	EndpointAgent = "agent"
)

// Config holds the application configuration.
type Config struct {
	ListenAddr string
	LogLevel   string
	LogFormat  string

	// Workspace OAuth (machine credential) and delegated fallbacks.
	Host         string
	ClientID     string
	ClientSecret string
	StaticToken  string
	TokenFile    string

	// Turn store.
	StoreDriver  string
	DatabasePath string
	PGHost       string
	PGPort       int
	PGDatabase   string
	PGUser       string
	PGSSLVerify  bool

	// Inference.
	EndpointURL        string
	EndpointKind       string
	InferenceTimeout   time.Duration
	MaxTokens          int
	Temperature        float64
	MaxConcurrentTasks int

	RedisURL        string
	StatusPollRPS   float64
	StatusPollBurst int
}

// Default values
const (
	defaultListenAddr         = ":8000"
	defaultInferenceTimeout   = 120 * time.Second
	defaultMaxTokens          = 1024
	defaultTemperature        = 0.7
	defaultMaxConcurrentTasks = 16
	defaultPGPort             = 5432
	defaultStatusPollRPS      = 5
	defaultStatusPollBurst    = 10
)

// Load reads configuration from .env files and environment variables.
func Load() (*Config, error) {
	// Try loading .env from multiple locations
	for _, path := range getEnvPaths() {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			break
		}
	}

	profile := LoadProfile(getEnvString("DATABRICKS_CONFIG_PROFILE", DefaultProfileName))
	if profile == nil {
		profile = &Profile{}
	}

	cfg := &Config{
		ListenAddr: getEnvString("LISTEN_ADDR", defaultListenAddr),
		LogLevel:   getEnvString("LOG_LEVEL", "info"),
		LogFormat:  getEnvString("LOG_FORMAT", "text"),

		Host:         normalizeHost(getEnvString("DATABRICKS_HOST", profile.Host)),
		ClientID:     getEnvString("DATABRICKS_CLIENT_ID", profile.ClientID),
		ClientSecret: getEnvString("DATABRICKS_CLIENT_SECRET", profile.ClientSecret),
		StaticToken:  getEnvString("DATABRICKS_TOKEN", profile.Token),
		TokenFile:    getEnvString("DATABRICKS_TOKEN_FILE", ""),

		StoreDriver:  strings.ToLower(getEnvString("STORE_DRIVER", StoreSQLite)),
		DatabasePath: getEnvString("DATABASE_PATH", getDefaultDatabasePath()),
		PGHost:       getEnvString("PGHOST", ""),
		PGPort:       getEnvInt("PGPORT", defaultPGPort),
		PGDatabase:   getEnvString("PGDATABASE", "databricks_postgres"),
		PGUser:       getEnvString("PGUSER", ""),
		PGSSLVerify:  getEnvBool("PGSSL_VERIFY", false),

		EndpointURL:        strings.TrimRight(getEnvString("SERVING_ENDPOINT_URL", ""), "/"),
		EndpointKind:       strings.ToLower(getEnvString("SERVING_ENDPOINT_KIND", EndpointChat)),
		InferenceTimeout:   getEnvDuration("INFERENCE_TIMEOUT", defaultInferenceTimeout),
		MaxTokens:          getEnvInt("MAX_TOKENS", defaultMaxTokens),
		Temperature:        getEnvFloat("TEMPERATURE", defaultTemperature),
		MaxConcurrentTasks: getEnvInt("MAX_CONCURRENT_TASKS", defaultMaxConcurrentTasks),

		RedisURL:        getEnvString("REDIS_URL", ""),
		StatusPollRPS:   getEnvFloat("STATUS_POLL_RPS", defaultStatusPollRPS),
		StatusPollBurst: getEnvInt("STATUS_POLL_BURST", defaultStatusPollBurst),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.StoreDriver == StoreSQLite {
		if err := ensureDir(filepath.Dir(cfg.DatabasePath)); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate checks settings that cannot be defaulted.
// Missing OAuth client settings are not an error: the machine credential is
// then simply unavailable and delegated tokens are used instead.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreSQLite:
	case StorePostgres:
		if c.PGHost == "" || c.PGUser == "" {
			return fmt.Errorf("PGHOST and PGUSER are required when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (want %s or %s)", c.StoreDriver, StoreSQLite, StorePostgres)
	}

	switch c.EndpointKind {
	case EndpointChat, EndpointAgent:
	default:
		return fmt.Errorf("unknown SERVING_ENDPOINT_KIND %q (want %s or %s)", c.EndpointKind, EndpointChat, EndpointAgent)
	}

	if c.InferenceTimeout <= 0 {
		return fmt.Errorf("INFERENCE_TIMEOUT must be positive")
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = defaultMaxConcurrentTasks
	}
	return nil
}

// HasMachineCredentials reports whether the client-credentials exchange is configured.
func (c *Config) HasMachineCredentials() bool {
	return c.Host != "" && c.ClientID != "" && c.ClientSecret != ""
}

// normalizeHost ensures the workspace host carries a scheme and no trailing slash.
func normalizeHost(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return ""
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	return host
}

// getEnvPaths returns a list of paths to check for .env files.
func getEnvPaths() []string {
	var paths []string

	// Current directory
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "agent-dashboard", ".env"))
	}

	// Parent directories (useful for development)
	if cwd, err := os.Getwd(); err == nil {
		parent := filepath.Dir(cwd)
		paths = append(paths, filepath.Join(parent, ".env"))
	}

	return paths
}

// getDefaultDatabasePath returns the default path for the SQLite database.
func getDefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agent-dashboard.db"
	}
	return filepath.Join(home, ".config", "agent-dashboard", "agent-dashboard.db")
}

// getEnvString retrieves a string environment variable or returns the default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns the default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable or returns the default.
// Accepts values like "30s", "1m", "500ms".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// Try parsing as seconds if no unit specified
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

// ensureDir creates a directory and all parent directories if they don't exist.
func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	return os.MkdirAll(path, 0o750)
}
