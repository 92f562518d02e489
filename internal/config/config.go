package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "IDENTITY"
	defaultHTTPAddress        = "0.0.0.0:3000"
	defaultEnvironment        = "production"
	defaultDatabaseDriver     = DriverSQLite
	defaultDatabasePath       = "identity.db"
	defaultConnectRetries     = 5
	defaultConnectBackoffMS   = 5000
	defaultTransactionRetries = 3
	defaultLogLevel           = "info"
	defaultLockTTLSeconds     = 30
	defaultLockWaitSeconds    = 10
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	Environment        string
	DatabaseDriver     string
	DatabasePath       string
	DatabaseDSN        string
	ConnectRetries     int
	ConnectBackoff     time.Duration
	TransactionRetries int
	LogLevel           string
	RedisURL           string
	LockTTL            time.Duration
	LockWait           time.Duration
}

// IsDevelopment reports whether internal error details may be exposed.
func (c AppConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("app.environment", defaultEnvironment)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("database.connect_retries", defaultConnectRetries)
	configViper.SetDefault("database.connect_backoff_ms", defaultConnectBackoffMS)
	configViper.SetDefault("database.transaction_retries", defaultTransactionRetries)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("lock.ttl_seconds", defaultLockTTLSeconds)
	configViper.SetDefault("lock.wait_seconds", defaultLockWaitSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		Environment:        strings.ToLower(strings.TrimSpace(configViper.GetString("app.environment"))),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:       configViper.GetString("database.path"),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		ConnectRetries:     configViper.GetInt("database.connect_retries"),
		ConnectBackoff:     time.Duration(configViper.GetInt("database.connect_backoff_ms")) * time.Millisecond,
		TransactionRetries: configViper.GetInt("database.transaction_retries"),
		LogLevel:           configViper.GetString("log.level"),
		RedisURL:           strings.TrimSpace(configViper.GetString("redis.url")),
		LockTTL:            time.Duration(configViper.GetInt("lock.ttl_seconds")) * time.Second,
		LockWait:           time.Duration(configViper.GetInt("lock.wait_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.ConnectRetries < 1 {
		return fmt.Errorf("database.connect_retries must be at least 1")
	}
	if c.ConnectBackoff < 0 {
		return fmt.Errorf("database.connect_backoff_ms must not be negative")
	}
	if c.TransactionRetries < 1 {
		return fmt.Errorf("database.transaction_retries must be at least 1")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock.ttl_seconds must be positive")
	}
	if c.LockWait <= 0 {
		return fmt.Errorf("lock.wait_seconds must be positive")
	}
	return nil
}
