package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:3000" {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabaseDriver != DriverSQLite || cfg.DatabasePath != "identity.db" {
		t.Fatalf("unexpected database settings %q %q", cfg.DatabaseDriver, cfg.DatabasePath)
	}
	if cfg.ConnectRetries != 5 || cfg.ConnectBackoff != 5*time.Second {
		t.Fatalf("unexpected connect retry settings %d %s", cfg.ConnectRetries, cfg.ConnectBackoff)
	}
	if cfg.TransactionRetries != 3 {
		t.Fatalf("unexpected transaction retries %d", cfg.TransactionRetries)
	}
	if cfg.LockTTL != 30*time.Second || cfg.LockWait != 10*time.Second {
		t.Fatalf("unexpected lock settings %s %s", cfg.LockTTL, cfg.LockWait)
	}
	if cfg.RedisURL != "" {
		t.Fatalf("expected redis to be disabled by default, got %q", cfg.RedisURL)
	}
	if cfg.IsDevelopment() {
		t.Fatalf("expected production environment by default")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("IDENTITY_DATABASE_DRIVER", "Postgres")
	t.Setenv("IDENTITY_DATABASE_DSN", "postgres://identity@localhost:5432/identity")
	t.Setenv("IDENTITY_APP_ENVIRONMENT", "development")
	t.Setenv("IDENTITY_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseDriver != DriverPostgres {
		t.Fatalf("expected postgres driver, got %q", cfg.DatabaseDriver)
	}
	if cfg.DatabaseDSN != "postgres://identity@localhost:5432/identity" {
		t.Fatalf("unexpected dsn %q", cfg.DatabaseDSN)
	}
	if !cfg.IsDevelopment() {
		t.Fatalf("expected development environment")
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected redis url %q", cfg.RedisURL)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name    string
		key     string
		value   any
		message string
	}{
		{name: "unknown-driver", key: "database.driver", value: "mysql", message: "not supported"},
		{name: "postgres-without-dsn", key: "database.driver", value: DriverPostgres, message: "database.dsn"},
		{name: "empty-path", key: "database.path", value: " ", message: "database.path"},
		{name: "zero-retries", key: "database.transaction_retries", value: 0, message: "transaction_retries"},
		{name: "zero-lock-wait", key: "lock.wait_seconds", value: 0, message: "lock.wait_seconds"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(testCase.key, testCase.value)
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error to mention %q, got %v", testCase.message, err)
			}
		})
	}
}
