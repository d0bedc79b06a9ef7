package di

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/takeout-platform/api/internal/platform/config"
	"github.com/takeout-platform/api/internal/platform/idempotency"
	"github.com/takeout-platform/api/internal/services"
)

func TestReconcilerConfigUsesDailySweepTime(t *testing.T) {
	got, err := ReconcilerConfig(config.ReconcilerConfig{
		Location:             "Asia/Shanghai",
		UnpaidTimeout:        15 * time.Minute,
		UnpaidSweepInterval:  time.Minute,
		StuckDeliveryAge:     time.Hour,
		StuckDeliverySweepAt: "01:30",
		BatchSize:            100,
	})
	if err != nil {
		t.Fatalf("ReconcilerConfig: %v", err)
	}
	if got.Location.String() != "Asia/Shanghai" {
		t.Fatalf("expected Asia/Shanghai, got %s", got.Location)
	}
	if got.StuckDeliverySweepAt.Hour != 1 || got.StuckDeliverySweepAt.Minute != 30 || got.StuckDeliverySweepAt.Second != 0 {
		t.Fatalf("unexpected sweep time %+v", got.StuckDeliverySweepAt)
	}
	if got.UnpaidTimeout != 15*time.Minute || got.BatchSize != 100 {
		t.Fatalf("unexpected config %+v", got)
	}
}

func TestReconcilerConfigIntervalSkipsClock(t *testing.T) {
	got, err := ReconcilerConfig(config.ReconcilerConfig{
		Location:                   "UTC",
		StuckDeliverySweepInterval: 10 * time.Minute,
		StuckDeliverySweepAt:       "not-a-clock",
	})
	if err != nil {
		t.Fatalf("ReconcilerConfig: %v", err)
	}
	if got.StuckDeliverySweepInterval != 10*time.Minute {
		t.Fatalf("expected interval to carry over, got %v", got.StuckDeliverySweepInterval)
	}
}

func TestReconcilerConfigRejectsBadInput(t *testing.T) {
	cases := []config.ReconcilerConfig{
		{Location: "Mars/Olympus", StuckDeliverySweepAt: "01:00"},
		{Location: "UTC", StuckDeliverySweepAt: "25:00"},
	}
	for _, tc := range cases {
		if _, err := ReconcilerConfig(tc); err == nil {
			t.Fatalf("expected error for %+v", tc)
		}
	}
}

func TestNewContainerRequiresDatabase(t *testing.T) {
	if _, err := NewContainer(context.Background(), config.Config{}, Infrastructure{}, services.BuildInfo{}, nil); err == nil {
		t.Fatalf("expected error without database")
	}
}

func TestBuildAuthenticatorRequiresVerifier(t *testing.T) {
	if _, err := buildAuthenticator(context.Background(), config.Config{}); err == nil {
		t.Fatalf("expected error without any verifier")
	}
	authn, err := buildAuthenticator(context.Background(), config.Config{Auth: config.AuthConfig{JWTSecret: "secret"}})
	if err != nil || authn == nil {
		t.Fatalf("expected jwt-backed authenticator, got %v", err)
	}
}

func TestNewContainerWiresSandboxStack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	mock.ExpectClose()

	cfg := config.Config{
		Auth:          config.AuthConfig{JWTSecret: "secret"},
		Reconciler:    config.ReconcilerConfig{Location: "UTC", StuckDeliverySweepAt: "01:00"},
		Notifications: config.NotificationConfig{QueueSize: 4, WriteTimeout: time.Second, Locale: "en"},
		Idempotency:   config.IdempotencyConfig{CleanupInterval: time.Hour, CleanupBatchSize: 10},
	}
	c, err := NewContainer(context.Background(), cfg, Infrastructure{DB: db}, services.BuildInfo{Version: "test"}, nil)
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	if c.Webhooks != nil {
		t.Fatalf("sandbox gateway must not configure a webhook verifier")
	}
	if _, ok := c.Idempotency.(*idempotency.MemoryStore); !ok {
		t.Fatalf("expected in-memory idempotency store without redis, got %T", c.Idempotency)
	}
	if c.Services.Orders == nil || c.Services.Reconciler == nil || c.Services.System == nil || c.Authenticator == nil {
		t.Fatalf("expected services to be wired: %+v", c.Services)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
