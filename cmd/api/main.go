package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/takeout-platform/api/internal/di"
	"github.com/takeout-platform/api/internal/handlers"
	"github.com/takeout-platform/api/internal/platform/config"
	"github.com/takeout-platform/api/internal/platform/idempotency"
	"github.com/takeout-platform/api/internal/platform/observability"
	"github.com/takeout-platform/api/internal/platform/secrets"
	"github.com/takeout-platform/api/internal/repositories/postgres"
	"github.com/takeout-platform/api/internal/services"
)

const (
	reminderLimit  = 3
	reminderWindow = 10 * time.Minute
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			logger.Fatal("failed to apply schema", zap.Error(err))
		}
		logger.Info("database schema applied")
	}

	infra := di.Infrastructure{DB: db, Secrets: fetcher}

	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		infra.Redis = redisClient
	}

	if usesPubSub(cfg) {
		var clientOpts []option.ClientOption
		if file := strings.TrimSpace(cfg.Firebase.CredentialsFile); file != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(file))
		}
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID, clientOpts...)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		infra.PubSub = pubsubClient
	}

	container, err := di.NewContainer(ctx, cfg, infra, buildInfo, logger)
	if err != nil {
		logger.Fatal("failed to build container", zap.Error(err))
	}
	if err := container.Start(ctx); err != nil {
		logger.Fatal("failed to start background workers", zap.Error(err))
	}

	router := newRouter(container, cfg, logger, buildInfo)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("takeout api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := container.Close(shutdownCtx); err != nil {
		logger.Error("container close failed", zap.Error(err))
	}
}

func newRouter(c *di.Container, cfg config.Config, logger *zap.Logger, build services.BuildInfo) http.Handler {
	idempotencyMiddleware := idempotency.Middleware(
		c.Idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.EventLogger(logger.Named("idempotency"))),
	)

	orderHandlers := handlers.NewOrderHandlers(c.Authenticator, c.Services.Orders,
		handlers.WithOrderMiddlewares(observability.IdentityLogger, idempotencyMiddleware),
		handlers.WithReminderLimit(reminderLimit, reminderWindow),
	)
	adminHandlers := handlers.NewAdminOrderHandlers(c.Authenticator, c.Services.Orders, observability.IdentityLogger, idempotencyMiddleware)
	notificationHandlers := handlers.NewNotificationHandlers(c.Authenticator, c.Hub,
		handlers.WithNotificationLogger(observability.EventLogger(logger.Named("notifications"))),
	)

	projectID := strings.TrimSpace(cfg.Firebase.ProjectID)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(build),
		handlers.WithHealthSystemService(c.Services.System),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminOrderRoutes(adminHandlers.Routes),
		handlers.WithNotificationRoutes(notificationHandlers.Routes),
	}
	if c.Webhooks != nil {
		webhookHandlers := handlers.NewPaymentWebhookHandlers(c.Webhooks, c.Services.Orders, observability.EventLogger(logger.Named("webhooks")))
		opts = append(opts, handlers.WithWebhookRoutes(webhookHandlers.Routes))
	}
	return handlers.NewRouter(opts...)
}

func usesPubSub(cfg config.Config) bool {
	if strings.TrimSpace(cfg.PubSub.ProjectID) == "" {
		return false
	}
	return cfg.PubSub.RefundRetryTopic != "" || cfg.PubSub.OrderEventsTopic != "" || cfg.PubSub.RefundRetrySubscription != ""
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Environment,
		StartedAt:   started,
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if file := lookup("API_FIREBASE_CREDENTIALS_FILE"); file != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(file)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists config fields that must resolve before the service starts.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"Database.URL"}
	if strings.TrimSpace(env["API_STRIPE_API_KEY"]) != "" {
		required = append(required, "Stripe.APIKey", "Stripe.WebhookSecret")
	}
	if strings.TrimSpace(env["API_FIREBASE_PROJECT_ID"]) == "" {
		required = append(required, "Auth.JWTSecret")
	}
	return required
}
