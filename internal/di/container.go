package di

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/takeout-platform/api/internal/payments"
	"github.com/takeout-platform/api/internal/platform/auth"
	"github.com/takeout-platform/api/internal/platform/config"
	"github.com/takeout-platform/api/internal/platform/idempotency"
	"github.com/takeout-platform/api/internal/platform/jobs"
	"github.com/takeout-platform/api/internal/platform/observability"
	"github.com/takeout-platform/api/internal/platform/realtime"
	"github.com/takeout-platform/api/internal/platform/secrets"
	"github.com/takeout-platform/api/internal/repositories"
	"github.com/takeout-platform/api/internal/repositories/postgres"
	"github.com/takeout-platform/api/internal/services"
)

const secretHealthReference = "secret://system/healthz?version=latest"

// Infrastructure carries the clients opened by the entrypoint. Redis, PubSub and Secrets are optional.
type Infrastructure struct {
	DB      *sql.DB
	Redis   redis.UniversalClient
	PubSub  *pubsub.Client
	Secrets *secrets.Fetcher
}

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders     services.OrderService
	Lifecycle  *services.OrderLifecycle
	Reconciler *services.OrderReconciler
	System     services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config        config.Config
	Repositories  repositories.Registry
	Services      Services
	Authenticator *auth.Authenticator
	Hub           *realtime.Hub
	Idempotency   idempotency.Store
	// Webhooks is nil when payments run against the sandbox gateway.
	Webhooks *payments.StripeWebhookVerifier

	logger  *zap.Logger
	relay   *realtime.RedisRelay
	refunds *jobs.RefundRetryWorker
	topics  []*pubsub.Topic

	mu      sync.Mutex
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewContainer constructs the runtime dependencies. Nothing runs until Start.
func NewContainer(ctx context.Context, cfg config.Config, infra Infrastructure, build services.BuildInfo, logger *zap.Logger) (*Container, error) {
	if infra.DB == nil {
		return nil, errors.New("di: database is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Container{Config: cfg, logger: logger}

	health, err := repositories.NewDependencyHealthRepository(c.healthChecks(cfg, infra))
	if err != nil {
		return nil, fmt.Errorf("build health repository: %w", err)
	}
	reg, err := postgres.NewRegistry(infra.DB, health)
	if err != nil {
		return nil, fmt.Errorf("build repositories: %w", err)
	}
	c.Repositories = reg

	gateway, err := c.buildGateway(cfg)
	if err != nil {
		return nil, err
	}

	c.Hub = realtime.NewHub(
		realtime.WithQueueSize(cfg.Notifications.QueueSize),
		realtime.WithWriteTimeout(cfg.Notifications.WriteTimeout),
		realtime.WithHubLogger(observability.EventLogger(logger.Named("notifications"))),
	)
	var broadcaster realtime.Broadcaster = c.Hub
	if infra.Redis != nil {
		c.relay, err = realtime.NewRedisRelay(infra.Redis, cfg.Redis.NotificationChannel, c.Hub, observability.EventLogger(logger.Named("notifications")))
		if err != nil {
			return nil, fmt.Errorf("build notification relay: %w", err)
		}
		broadcaster = c.relay
	}
	notifier, err := realtime.NewNotifier(broadcaster, cfg.Notifications.Locale)
	if err != nil {
		return nil, fmt.Errorf("build notifier: %w", err)
	}

	orderLogger := observability.EventLogger(logger.Named("orders"))
	lifecycleDeps := services.OrderLifecycleDeps{
		Orders:      reg.Orders(),
		UnitOfWork:  reg,
		Payments:    gateway,
		Notifier:    notifier,
		Clock:       time.Now,
		IDGenerator: uuid.NewString,
		Logger:      orderLogger,
	}
	if infra.PubSub != nil {
		if name := strings.TrimSpace(cfg.PubSub.RefundRetryTopic); name != "" {
			topic := c.topic(infra.PubSub, name)
			publisher, err := jobs.NewPubSubRefundRetryPublisher(topic)
			if err != nil {
				return nil, fmt.Errorf("build refund retry publisher: %w", err)
			}
			lifecycleDeps.RefundRetries = publisher
		}
		if name := strings.TrimSpace(cfg.PubSub.OrderEventsTopic); name != "" {
			topic := c.topic(infra.PubSub, name)
			publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
			if err != nil {
				return nil, fmt.Errorf("build order event publisher: %w", err)
			}
			lifecycleDeps.Events = publisher
		}
	}

	lifecycle, err := services.NewOrderLifecycle(lifecycleDeps)
	if err != nil {
		return nil, fmt.Errorf("build order lifecycle: %w", err)
	}
	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Lifecycle:  lifecycle,
		Orders:     reg.Orders(),
		Carts:      reg.Carts(),
		Addresses:  reg.Addresses(),
		UnitOfWork: reg,
		Payments:   gateway,
		Notifier:   notifier,
		Numbers:    services.NewOrderNumberGenerator(nil),
		Clock:      time.Now,
		Logger:     orderLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("build order service: %w", err)
	}

	reconcilerCfg, err := ReconcilerConfig(cfg.Reconciler)
	if err != nil {
		return nil, err
	}
	reconciler, err := services.NewOrderReconciler(services.OrderReconcilerDeps{
		Orders:          reg.Orders(),
		Transitions:     lifecycle,
		Config:          reconcilerCfg,
		Clock:           time.Now,
		Logger:          observability.EventLogger(logger.Named("reconciler")),
		SchedulerLogger: observability.SchedulerLogger(logger.Named("scheduler")),
	})
	if err != nil {
		return nil, fmt.Errorf("build order reconciler: %w", err)
	}

	system, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: health,
		Sweeps:           reconciler,
		Clock:            time.Now,
		Build:            build,
	})
	if err != nil {
		return nil, fmt.Errorf("build system service: %w", err)
	}

	c.Services = Services{
		Orders:     orders,
		Lifecycle:  lifecycle,
		Reconciler: reconciler,
		System:     system,
	}

	if infra.PubSub != nil && strings.TrimSpace(cfg.PubSub.RefundRetrySubscription) != "" {
		c.refunds, err = jobs.NewRefundRetryWorker(
			infra.PubSub.Subscription(cfg.PubSub.RefundRetrySubscription),
			lifecycle,
			jobs.WithRefundRetryLogger(observability.EventLogger(logger.Named("refunds"))),
		)
		if err != nil {
			return nil, fmt.Errorf("build refund retry worker: %w", err)
		}
	}

	if infra.Redis != nil {
		c.Idempotency, err = idempotency.NewRedisStore(infra.Redis)
		if err != nil {
			return nil, fmt.Errorf("build idempotency store: %w", err)
		}
	} else {
		c.Idempotency = idempotency.NewMemoryStore()
	}

	c.Authenticator, err = buildAuthenticator(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Start launches the reconciler schedule, the notification relay, the refund retry worker and the
// idempotency cleanup loop. Workers stop when ctx is cancelled or Close is called.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("di: container already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.Config.Reconciler.Enabled {
		if err := c.Services.Reconciler.Start(runCtx); err != nil {
			cancel()
			c.cancel = nil
			return fmt.Errorf("start order reconciler: %w", err)
		}
	}
	if c.relay != nil {
		c.spawn(runCtx, "notifications.relay", c.relay.Run)
	}
	if c.refunds != nil {
		c.spawn(runCtx, "refunds.worker", c.refunds.Run)
	}
	if c.Config.Idempotency.CleanupInterval > 0 {
		if _, shared := c.Idempotency.(*idempotency.RedisStore); !shared {
			c.spawn(runCtx, "idempotency.cleanup", c.cleanupLoop)
		}
	}
	return nil
}

// Close stops background work and releases resources such as the hub, topics and the database pool.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		if c.Config.Reconciler.Enabled {
			if err := c.Services.Reconciler.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop order reconciler: %w", err))
			}
		}
	}
	c.workers.Wait()

	if c.Hub != nil {
		c.Hub.Close()
	}
	for _, topic := range c.topics {
		topic.Stop()
	}
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Container) spawn(ctx context.Context, name string, run func(context.Context) error) {
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		if err := run(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("background worker stopped", zap.String("worker", name), zap.Error(err))
		}
	}()
}

func (c *Container) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.Config.Idempotency.CleanupInterval)
	defer ticker.Stop()
	logger := c.logger.Named("idempotency")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := c.Idempotency.CleanupExpired(runCtx, time.Now().UTC(), c.Config.Idempotency.CleanupBatchSize)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		}
	}
}

func (c *Container) topic(client *pubsub.Client, name string) *pubsub.Topic {
	topic := client.Topic(name)
	c.topics = append(c.topics, topic)
	return topic
}

func (c *Container) buildGateway(cfg config.Config) (services.PaymentGateway, error) {
	if strings.TrimSpace(cfg.Stripe.APIKey) == "" {
		c.logger.Warn("stripe api key not configured; using sandbox payment gateway")
		return payments.NewSandboxGateway(), nil
	}
	gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
		APIKey:   cfg.Stripe.APIKey,
		Currency: cfg.Stripe.Currency,
		Logger:   payments.StripeLogger(observability.EventLogger(c.logger.Named("payments"))),
	})
	if err != nil {
		return nil, fmt.Errorf("build stripe gateway: %w", err)
	}
	c.Webhooks, err = payments.NewStripeWebhookVerifier(cfg.Stripe.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("build stripe webhook verifier: %w", err)
	}
	return gateway, nil
}

func (c *Container) healthChecks(cfg config.Config, infra Infrastructure) []repositories.DependencyCheck {
	checks := []repositories.DependencyCheck{{
		Name:     "postgres",
		Timeout:  2 * time.Second,
		Critical: true,
		Check:    postgres.Ping(infra.DB),
	}}
	if infra.Redis != nil {
		client := infra.Redis
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
		})
	}
	if infra.PubSub != nil {
		for _, name := range []string{cfg.PubSub.RefundRetryTopic, cfg.PubSub.OrderEventsTopic} {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			topic := infra.PubSub.Topic(name)
			checks = append(checks, repositories.DependencyCheck{
				Name:    "pubsub:" + name,
				Timeout: 1500 * time.Millisecond,
				Check: func(ctx context.Context) error {
					ok, err := topic.Exists(ctx)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("topic %s missing", name)
					}
					return nil
				},
			})
		}
	}
	if infra.Secrets != nil {
		fetcher := infra.Secrets
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	return checks
}

func buildAuthenticator(ctx context.Context, cfg config.Config) (*auth.Authenticator, error) {
	var verifiers []auth.Verifier
	if strings.TrimSpace(cfg.Firebase.ProjectID) != "" {
		firebase, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
		if err != nil {
			return nil, fmt.Errorf("build firebase verifier: %w", err)
		}
		verifiers = append(verifiers, firebase)
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) != "" {
		var opts []auth.JWTOption
		if issuer := strings.TrimSpace(cfg.Auth.JWTIssuer); issuer != "" {
			opts = append(opts, auth.WithJWTIssuer(issuer))
		}
		jwtVerifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, opts...)
		if err != nil {
			return nil, fmt.Errorf("build jwt verifier: %w", err)
		}
		verifiers = append(verifiers, jwtVerifier)
	}
	if len(verifiers) == 0 {
		return nil, errors.New("di: no token verifier configured")
	}
	return auth.NewAuthenticator(verifiers), nil
}

// ReconcilerConfig converts the environment knobs into the reconciler's schedule.
func ReconcilerConfig(cfg config.ReconcilerConfig) (services.OrderReconcilerConfig, error) {
	location, err := time.LoadLocation(strings.TrimSpace(cfg.Location))
	if err != nil {
		return services.OrderReconcilerConfig{}, fmt.Errorf("reconciler location: %w", err)
	}
	out := services.OrderReconcilerConfig{
		UnpaidTimeout:              cfg.UnpaidTimeout,
		UnpaidSweepInterval:        cfg.UnpaidSweepInterval,
		StuckDeliveryAge:           cfg.StuckDeliveryAge,
		StuckDeliverySweepInterval: cfg.StuckDeliverySweepInterval,
		Location:                   location,
		BatchSize:                  cfg.BatchSize,
	}
	if cfg.StuckDeliverySweepInterval <= 0 {
		hour, minute, second, err := config.ParseClock(cfg.StuckDeliverySweepAt)
		if err != nil {
			return services.OrderReconcilerConfig{}, err
		}
		out.StuckDeliverySweepAt = services.ClockTime{Hour: hour, Minute: minute, Second: second}
	}
	return out, nil
}
