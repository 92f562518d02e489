package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/identity-reconciliation/internal/config"
	"github.com/MarcoPoloResearchLab/identity-reconciliation/internal/contacts"
	"github.com/MarcoPoloResearchLab/identity-reconciliation/internal/database"
	"github.com/MarcoPoloResearchLab/identity-reconciliation/internal/locking"
	"github.com/MarcoPoloResearchLab/identity-reconciliation/internal/logging"
	"github.com/MarcoPoloResearchLab/identity-reconciliation/internal/metrics"
	"github.com/MarcoPoloResearchLab/identity-reconciliation/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "identity-api",
		Short: "Identity reconciliation service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("environment", defaults.GetString("app.environment"), "Runtime environment (development, production)")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "Postgres connection string")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("redis-url", defaults.GetString("redis.url"), "Redis URL for cross-instance locking (empty uses in-process locks)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "app.environment", "environment")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "redis.url", "redis-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.Environment)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(signalCtx, database.Config{
		Driver:         appConfig.DatabaseDriver,
		Path:           appConfig.DatabasePath,
		DSN:            appConfig.DatabaseDSN,
		ConnectRetries: appConfig.ConnectRetries,
		ConnectBackoff: appConfig.ConnectBackoff,
	}, logger)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck

	store, err := contacts.NewStore(contacts.StoreConfig{
		Database:           db,
		Clock:              time.Now,
		TransactionRetries: appConfig.TransactionRetries,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	locker, closeLocker, err := newLocker(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	identityService, err := contacts.NewService(contacts.ServiceConfig{
		Store:  store,
		Locker: locker,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		IdentityService: identityService,
		Metrics:         metrics.New(prometheus.DefaultRegisterer),
		Gatherer:        prometheus.DefaultGatherer,
		Logger:          logger,
		Development:     appConfig.IsDevelopment(),
		Clock:           time.Now,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("environment", appConfig.Environment),
			zap.String("database_driver", appConfig.DatabaseDriver),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLocker(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (contacts.Locker, func(), error) {
	if appConfig.RedisURL == "" {
		logger.Info("using in-process identity locks")
		return locking.NewLocalLocker(), func() {}, nil
	}

	client, err := locking.OpenRedis(ctx, appConfig.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	locker, err := locking.NewRedisLocker(locking.RedisLockerConfig{
		Client:      client,
		TTL:         appConfig.LockTTL,
		WaitTimeout: appConfig.LockWait,
		Logger:      logger,
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	logger.Info("using redis identity locks")
	return locker, func() { _ = client.Close() }, nil
}
