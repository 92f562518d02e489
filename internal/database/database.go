package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/identity-reconciliation/internal/config"
	"github.com/MarcoPoloResearchLab/identity-reconciliation/internal/contacts"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	errMissingPath    = errors.New("database path is required")
	errMissingDSN     = errors.New("database dsn is required")
	errUnknownDriver  = errors.New("unsupported database driver")
	errNoConnectTries = errors.New("connect retries must be positive")
)

// Config selects and tunes the backing store.
type Config struct {
	Driver         string
	Path           string
	DSN            string
	ConnectRetries int
	ConnectBackoff time.Duration
}

type connectFunc func() (*gorm.DB, error)

// Open connects to the configured database, retrying with exponential backoff,
// then brings the schema up to date.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	connect, err := connector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := connectWithRetry(ctx, connect, cfg.ConnectRetries, cfg.ConnectBackoff, logger)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, logger); err != nil {
		closeQuietly(db)
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", cfg.Driver))
	return db, nil
}

// Migrate creates the schema and runs pending repair migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&contacts.Contact{}, &migrationRecord{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return applyMigrations(db, logger)
}

func connector(cfg Config) (connectFunc, error) {
	gormConfig := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	switch cfg.Driver {
	case config.DriverSQLite, "":
		if cfg.Path == "" {
			return nil, errMissingPath
		}
		return func() (*gorm.DB, error) {
			db, err := gorm.Open(sqlite.Open(cfg.Path), gormConfig)
			if err != nil {
				return nil, err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, err
			}
			sqlDB.SetMaxOpenConns(1)
			if err := sqlDB.Ping(); err != nil {
				_ = sqlDB.Close()
				return nil, err
			}
			return db, nil
		}, nil
	case config.DriverPostgres:
		if cfg.DSN == "" {
			return nil, errMissingDSN
		}
		return func() (*gorm.DB, error) {
			db, err := gorm.Open(postgres.Open(cfg.DSN), gormConfig)
			if err != nil {
				return nil, err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, err
			}
			if err := sqlDB.Ping(); err != nil {
				_ = sqlDB.Close()
				return nil, err
			}
			return db, nil
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownDriver, cfg.Driver)
	}
}

// connectWithRetry waits backoff*2^(attempt-1) between failed attempts.
func connectWithRetry(ctx context.Context, connect connectFunc, attempts int, backoff time.Duration, logger *zap.Logger) (*gorm.DB, error) {
	if attempts < 1 {
		return nil, errNoConnectTries
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		db, err := connect()
		if err == nil {
			if attempt > 1 {
				logger.Info("database connected after retry", zap.Int("attempt", attempt))
			}
			return db, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		delay := backoff * time.Duration(1<<(attempt-1))
		logger.Warn("database connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("database connection failed after %d attempts: %w", attempts, lastErr)
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func closeQuietly(db *gorm.DB) {
	_ = Close(db)
}
