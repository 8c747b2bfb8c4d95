package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TaraftarCell/oauth2-demo/internal/auth"
	"github.com/TaraftarCell/oauth2-demo/internal/config"
	"github.com/TaraftarCell/oauth2-demo/internal/database"
	"github.com/TaraftarCell/oauth2-demo/internal/logging"
	"github.com/TaraftarCell/oauth2-demo/internal/metrics"
	"github.com/TaraftarCell/oauth2-demo/internal/oauth"
	"github.com/TaraftarCell/oauth2-demo/internal/providers"
	"github.com/TaraftarCell/oauth2-demo/internal/server"
	"github.com/TaraftarCell/oauth2-demo/internal/sweeper"
	"github.com/TaraftarCell/oauth2-demo/internal/users"
	"github.com/joho/godotenv"
	rdb "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "oauth2-demo-api",
		Short: "Fenertalk and Galatalk login service",
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
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("public-url", defaults.GetString("http.public_url"), "Externally visible base URL used for callbacks")
	cmd.PersistentFlags().String("oauth-base-url", "", "Identity platform base URL shared by built-in providers")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("state-store", defaults.GetString("oauth.state_store"), "Pending login store (database, redis)")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for the redis state store")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.public_url", "public-url")
	bindFlag(cmd, "oauth.base_url", "oauth-base-url")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "oauth.state_store", "state-store")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.Database.Driver, appConfig.Database.DSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	recorder, err := metrics.NewRecorder()
	if err != nil {
		return err
	}

	registry, err := providers.NewRegistry(appConfig.Providers)
	if err != nil {
		return err
	}
	resolver := providers.NewResolver(providers.ResolverConfig{
		Timeout:         appConfig.OAuth.ProviderTimeout,
		RefreshInterval: appConfig.OAuth.DiscoveryRefreshInterval,
		Logger:          logger,
	})

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver.Warm(signalCtx, registry)

	store, closeStore, err := newPendingStore(appConfig, db)
	if err != nil {
		return err
	}
	defer closeStore()

	orchestrator, err := oauth.NewOrchestrator(oauth.Config{
		Registry:        registry,
		Resolver:        resolver,
		Store:           store,
		RedirectBaseURL: appConfig.PublicURL,
		StateTTL:        appConfig.OAuth.StateTTL,
		ProviderTimeout: appConfig.OAuth.ProviderTimeout,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	usersService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: users.NewUUIDProvider(),
		Logger:     logger,
		Metrics:    recorder,
	})
	if err != nil {
		return err
	}

	sessionManager, err := auth.NewSessionManager(auth.SessionManagerConfig{
		Database:      db,
		SigningSecret: []byte(appConfig.Session.SigningSecret),
		Issuer:        appConfig.Session.Issuer,
		CookieName:    appConfig.Session.CookieName,
		TTL:           appConfig.Session.TTL,
		Logger:        logger,
		Metrics:       recorder,
	})
	if err != nil {
		return err
	}

	expirySweeper, err := sweeper.New(sweeper.Config{
		Targets: map[string]sweeper.Target{
			"pending_authorizations": store,
			"sessions":               sessionManager,
		},
		Interval: appConfig.OAuth.SweepInterval,
		Logger:   logger,
		Metrics:  recorder,
	})
	if err != nil {
		return err
	}
	go expirySweeper.Run(signalCtx)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Registry:       registry,
		Orchestrator:   orchestrator,
		Users:          usersService,
		Sessions:       sessionManager,
		Metrics:        recorder,
		Logger:         logger,
		HomePath:       appConfig.HomePath,
		ErrorPath:      appConfig.ErrorPath,
		CookieSecure:   appConfig.Session.CookieSecure,
		AllowedOrigins: appConfig.AllowedOrigins,
		HealthCheck:    sqlDB.PingContext,
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
			zap.String("public_url", appConfig.PublicURL),
			zap.Strings("providers", registry.IDs()),
			zap.String("state_store", appConfig.OAuth.StateStore),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newPendingStore picks the pending login store. The returned func releases
// any connection the store owns.
func newPendingStore(appConfig config.AppConfig, db *gorm.DB) (oauth.PendingStore, func(), error) {
	if appConfig.OAuth.StateStore != config.StateStoreRedis {
		store, err := oauth.NewGormStore(db)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}

	client := rdb.NewClient(&rdb.Options{
		Addr: appConfig.Redis.Address,
		DB:   appConfig.Redis.DB,
	})
	store, err := oauth.NewRedisStore(client, appConfig.Redis.KeyPrefix)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, func() { _ = client.Close() }, nil
}
