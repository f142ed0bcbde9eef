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

	"github.com/MarcoPoloResearchLab/notevault/internal/auth"
	"github.com/MarcoPoloResearchLab/notevault/internal/config"
	"github.com/MarcoPoloResearchLab/notevault/internal/database"
	"github.com/MarcoPoloResearchLab/notevault/internal/limiter"
	"github.com/MarcoPoloResearchLab/notevault/internal/logging"
	"github.com/MarcoPoloResearchLab/notevault/internal/notes"
	"github.com/MarcoPoloResearchLab/notevault/internal/server"
	"github.com/MarcoPoloResearchLab/notevault/internal/uploads"
	"github.com/MarcoPoloResearchLab/notevault/internal/users"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "notevault-api",
		Short: "NoteVault backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "grant-admin <user-id-or-email>",
		Short: "Grant the admin role to an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return grantAdmin(cmd.Context(), args[0])
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, mysql)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().String("storage-backend", defaults.GetString("storage.backend"), "Upload storage backend (disk, minio)")
	cmd.PersistentFlags().String("storage-root", defaults.GetString("storage.root"), "Upload directory for the disk backend")
	cmd.PersistentFlags().String("idp-jwks-url", defaults.GetString("idp.jwks_url"), "Identity provider JWKS URL")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("limiter.redis_address"), "Redis address for the login limiter")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "storage.backend", "storage-backend")
	bindFlag(cmd, "storage.root", "storage-root")
	bindFlag(cmd, "idp.jwks_url", "idp-jwks-url")
	bindFlag(cmd, "limiter.redis_address", "redis-address")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
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

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := database.Close(db); closeErr != nil {
			logger.Warn("database close failed", zap.Error(closeErr))
		}
	}()

	loginLimiter, closeLimiter, err := buildLimiter(ctx, appConfig.Limiter, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	usersService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
		Limiter:  loginLimiter,
	})
	if err != nil {
		return err
	}

	notesService, err := notes.NewService(notes.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	gateway, err := buildAuthGateway(appConfig, usersService, logger)
	if err != nil {
		return err
	}

	blobStore, err := buildBlobStore(ctx, appConfig)
	if err != nil {
		return err
	}
	uploadGateway, err := uploads.NewGateway(uploads.GatewayConfig{
		Store:          blobStore,
		MaxNoteBytes:   appConfig.MaxNoteBytes,
		MaxAvatarBytes: appConfig.MaxAvatarBytes,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	maxUploadBytes := appConfig.MaxNoteBytes
	if appConfig.MaxAvatarBytes > maxUploadBytes {
		maxUploadBytes = appConfig.MaxAvatarBytes
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Identity:       gateway,
		Tokens:         gateway,
		NotesService:   notesService,
		UsersService:   usersService,
		Uploads:        uploadGateway,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
		MaxUploadBytes: maxUploadBytes,
		HealthCheck:    sqlDB.PingContext,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadTimeout:       appConfig.HTTPReadTimeout,
		ReadHeaderTimeout: appConfig.HTTPReadTimeout,
		WriteTimeout:      appConfig.HTTPWriteTimeout,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
			zap.String("storage_backend", appConfig.StorageBackend),
			zap.Bool("idp_enabled", appConfig.IdPEnabled()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func grantAdmin(ctx context.Context, identifier string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck

	usersService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	user, err := usersService.GrantAdmin(ctx, identifier)
	if err != nil {
		return err
	}
	logger.Info("admin granted", zap.String("user_id", user.ID), zap.String("email", user.Email))
	return nil
}

// buildLimiter returns the Redis lockout when an address is configured and a no-op limiter otherwise.
func buildLimiter(ctx context.Context, cfg config.LimiterConfig, logger *zap.Logger) (limiter.Limiter, func(), error) {
	if cfg.RedisAddress == "" {
		return limiter.Noop{}, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("limiter: ping redis %s: %w", cfg.RedisAddress, err)
	}
	redisLimiter, err := limiter.NewRedis(client, cfg.Window, cfg.MaxFailures, cfg.BlockFor)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	logger.Info("login limiter enabled", zap.String("redis_address", cfg.RedisAddress))
	return redisLimiter, func() { _ = client.Close() }, nil
}

func buildAuthGateway(appConfig config.AppConfig, linker auth.IdentityLinker, logger *zap.Logger) (*auth.Gateway, error) {
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return nil, err
	}

	gatewayConfig := auth.GatewayConfig{Tokens: tokenIssuer}
	if appConfig.IdPEnabled() {
		verifier, err := auth.NewJWKSVerifier(auth.JWKSVerifierConfig{
			Audience:       appConfig.IdPAudience,
			JWKSURL:        appConfig.IdPJWKSURL,
			AllowedIssuers: appConfig.IdPIssuers,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		gatewayConfig.Verifier = verifier
		gatewayConfig.Provider = appConfig.IdPProvider
		gatewayConfig.Linker = linker
	}
	return auth.NewGateway(gatewayConfig)
}

func buildBlobStore(ctx context.Context, appConfig config.AppConfig) (uploads.BlobStore, error) {
	if appConfig.StorageBackend == "minio" {
		store, err := uploads.NewMinioStore(ctx, uploads.MinioConfig{
			Endpoint:  appConfig.Minio.Endpoint,
			AccessKey: appConfig.Minio.AccessKey,
			SecretKey: appConfig.Minio.SecretKey,
			Bucket:    appConfig.Minio.Bucket,
			UseSSL:    appConfig.Minio.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := uploads.NewDiskStore(appConfig.StorageRoot)
	if err != nil {
		return nil, err
	}
	return store, nil
}
