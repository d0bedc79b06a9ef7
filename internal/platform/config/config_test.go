package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"API_DATABASE_URL":        "postgres://localhost/orders",
		"API_FIREBASE_PROJECT_ID": "takeout-dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Environment != "local" {
		t.Errorf("expected local environment, got %s", cfg.Environment)
	}
	if cfg.PubSub.ProjectID != "takeout-dev" {
		t.Errorf("expected pubsub project to default to firebase project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.Reconciler.UnpaidTimeout != 15*time.Minute {
		t.Errorf("unexpected unpaid timeout: %s", cfg.Reconciler.UnpaidTimeout)
	}
	if cfg.Reconciler.UnpaidSweepInterval != time.Minute {
		t.Errorf("unexpected unpaid sweep interval: %s", cfg.Reconciler.UnpaidSweepInterval)
	}
	if cfg.Reconciler.StuckDeliveryAge != time.Hour {
		t.Errorf("unexpected stuck delivery age: %s", cfg.Reconciler.StuckDeliveryAge)
	}
	if cfg.Reconciler.StuckDeliverySweepAt != "01:00" || cfg.Reconciler.StuckDeliverySweepInterval != 0 {
		t.Errorf("unexpected stuck delivery schedule: %s/%s", cfg.Reconciler.StuckDeliverySweepAt, cfg.Reconciler.StuckDeliverySweepInterval)
	}
	if !cfg.Reconciler.Enabled {
		t.Errorf("expected reconciler enabled by default")
	}
	if cfg.Notifications.QueueSize != defaultNotifyQueueSize {
		t.Errorf("unexpected queue size: %d", cfg.Notifications.QueueSize)
	}
	if cfg.Redis.NotificationChannel != defaultRedisChannel {
		t.Errorf("unexpected redis channel: %s", cfg.Redis.NotificationChannel)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                              "9090",
		"API_DATABASE_URL":                             "sm://db/url",
		"API_DATABASE_MAX_OPEN_CONNS":                  "40",
		"API_AUTH_JWT_SECRET":                          "secret://auth/jwt",
		"API_STRIPE_API_KEY":                           "secret://stripe/api",
		"API_STRIPE_WEBHOOK_SECRET":                    "secret://stripe/webhook",
		"API_STRIPE_CURRENCY":                          "USD",
		"API_PUBSUB_PROJECT_ID":                        "takeout-prod",
		"API_PUBSUB_REFUND_RETRY_TOPIC":                "refund-retry",
		"API_PUBSUB_REFUND_RETRY_SUBSCRIPTION":         "refund-retry-worker",
		"API_RECONCILER_UNPAID_TIMEOUT":                "20m",
		"API_RECONCILER_STUCK_DELIVERY_SWEEP_INTERVAL": "6h",
		"API_RECONCILER_LOCATION":                      "Asia/Shanghai",
		"API_NOTIFICATIONS_LOCALE":                     "zh-CN",
	}
	secrets := map[string]string{
		"secret://db/url":         "postgres://prod/orders",
		"secret://auth/jwt":       "jwt-secret",
		"secret://stripe/api":     "sk_live",
		"secret://stripe/webhook": "whsec",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("unknown")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver),
		WithRequiredSecrets("Stripe.APIKey", "Database.URL"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("unexpected port %s", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://prod/orders" || cfg.Database.MaxOpenConns != 40 {
		t.Errorf("unexpected database config %+v", cfg.Database)
	}
	if cfg.Auth.JWTSecret != "jwt-secret" {
		t.Errorf("unexpected jwt secret %s", cfg.Auth.JWTSecret)
	}
	if cfg.Stripe.APIKey != "sk_live" || cfg.Stripe.WebhookSecret != "whsec" || cfg.Stripe.Currency != "usd" {
		t.Errorf("unexpected stripe config %+v", cfg.Stripe)
	}
	if cfg.Reconciler.UnpaidTimeout != 20*time.Minute || cfg.Reconciler.StuckDeliverySweepInterval != 6*time.Hour {
		t.Errorf("unexpected reconciler config %+v", cfg.Reconciler)
	}
	if cfg.Notifications.Locale != "zh-CN" {
		t.Errorf("unexpected locale %s", cfg.Notifications.Locale)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	env := map[string]string{
		"API_RECONCILER_STUCK_DELIVERY_SWEEP_AT": "25:00",
		"API_STRIPE_API_KEY":                     "sk_test",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := map[string]bool{
		"Database.URL":                      true,
		"Firebase.ProjectID|Auth.JWTSecret": true,
		"Stripe.WebhookSecret":              true,
		"Reconciler.StuckDeliverySweepAt":   true,
	}
	fields := validation.Fields()
	if len(fields) != len(want) {
		t.Fatalf("unexpected fields %v", fields)
	}
	for _, field := range fields {
		if !want[field] {
			t.Fatalf("unexpected field %s", field)
		}
	}
}

func TestLoadSecretReferenceWithoutResolver(t *testing.T) {
	env := map[string]string{
		"API_DATABASE_URL":    "sm://db/url",
		"API_AUTH_JWT_SECRET": "local",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %v", err)
	}
	if secretErr.Ref != "secret://db/url" {
		t.Fatalf("expected normalised ref, got %s", secretErr.Ref)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{
		"API_DATABASE_URL":    "postgres://localhost/orders",
		"API_AUTH_JWT_SECRET": "local",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithRequiredSecrets("Stripe.APIKey"))
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %v", err)
	}
	if names := missing.Names(); len(names) != 1 || names[0] != "Stripe.APIKey" {
		t.Fatalf("unexpected names %v", names)
	}
	if redacted := missing.RedactedNames(); len(redacted) != 1 || redacted[0] == "Stripe.APIKey" {
		t.Fatalf("expected redacted names, got %v", redacted)
	}
}

func TestLoadReadsDotEnvWithPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "API_DATABASE_URL=postgres://dotenv/orders\nAPI_AUTH_JWT_SECRET=\"dotenv-secret\"\nAPI_SERVER_PORT=7000\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(path), WithoutSystemEnv(), WithEnvMap(map[string]string{
		"API_SERVER_PORT": "9000",
	}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Database.URL != "postgres://dotenv/orders" {
		t.Errorf("expected dotenv database url, got %s", cfg.Database.URL)
	}
	if cfg.Auth.JWTSecret != "dotenv-secret" {
		t.Errorf("expected quotes stripped, got %s", cfg.Auth.JWTSecret)
	}
	if cfg.Server.Port != "9000" {
		t.Errorf("expected env map to win over dotenv, got %s", cfg.Server.Port)
	}

	values, err := EnvironmentValues(WithEnvFile(path), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("EnvironmentValues: %v", err)
	}
	if values["API_SERVER_PORT"] != "7000" {
		t.Errorf("expected dotenv port, got %s", values["API_SERVER_PORT"])
	}
}

func TestParseClock(t *testing.T) {
	h, m, s, err := ParseClock("01:30")
	if err != nil || h != 1 || m != 30 || s != 0 {
		t.Fatalf("unexpected parse %d:%d:%d (%v)", h, m, s, err)
	}
	for _, bad := range []string{"", "1", "24:00", "12:60", "a:b"} {
		if _, _, _, err := ParseClock(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
