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
	cfg, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout != defaultShutdownTimeout {
		t.Errorf("unexpected shutdown timeout: %s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Store.Driver != StoreDriverMemory {
		t.Errorf("expected memory store by default, got %s", cfg.Store.Driver)
	}
	if cfg.PSP.Currency != "usd" {
		t.Errorf("expected usd, got %s", cfg.PSP.Currency)
	}
	if cfg.Checkout.SimulatedEnabled {
		t.Errorf("simulated payments must be opt-in")
	}
	if cfg.Checkout.CollisionRetries != defaultCollisionRetries {
		t.Errorf("unexpected collision retries %d", cfg.Checkout.CollisionRetries)
	}
	if cfg.Idempotency.Backend != IdempotencyBackendMemory || cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("unexpected idempotency defaults %+v", cfg.Idempotency)
	}
	if cfg.Outbox.MaxAttempts != 5 || cfg.Outbox.BaseBackoff != 30*time.Second || cfg.Outbox.MaxBackoff != 30*time.Minute {
		t.Errorf("unexpected outbox defaults %+v", cfg.Outbox)
	}
	if cfg.Notifications.Topic != "" {
		t.Errorf("expected notifications disabled without a project, got topic %s", cfg.Notifications.Topic)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("expected default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"ORDERFLOW_SERVER_PORT":                "9090",
		"ORDERFLOW_SERVER_IDLE_TIMEOUT":        "2m",
		"ORDERFLOW_STORE_DRIVER":               "Postgres",
		"ORDERFLOW_STORE_POSTGRES_DSN":         "sm://db/dsn",
		"ORDERFLOW_FIREBASE_PROJECT_ID":        "fv-prod",
		"ORDERFLOW_PSP_STRIPE_API_KEY":         "secret://stripe/api",
		"ORDERFLOW_PSP_STRIPE_WEBHOOK_SECRET":  "secret://stripe/webhook",
		"ORDERFLOW_PSP_SUCCESS_URL":            "https://shop.example.com/thanks",
		"ORDERFLOW_PSP_CURRENCY":               "EUR",
		"ORDERFLOW_CHECKOUT_SIMULATED_ENABLED": "true",
		"ORDERFLOW_SHIPPING_ZONES":             `{"domestic":{"method":"Standard","baseCost":500}}`,
		"ORDERFLOW_IDEMPOTENCY_BACKEND":        "redis",
		"ORDERFLOW_IDEMPOTENCY_REDIS_URL":      "redis://cache:6379/0",
		"ORDERFLOW_IDEMPOTENCY_TTL":            "48h",
		"ORDERFLOW_OUTBOX_INTERVAL":            "10s",
		"ORDERFLOW_OUTBOX_MAX_ATTEMPTS":        "8",
		"ORDERFLOW_SECURITY_ENVIRONMENT":       "prod",
		"ORDERFLOW_SECURITY_OIDC_AUDIENCES":    "prod=https://orders.example.com,stg=https://stg.example.com",
	}
	secrets := map[string]string{
		"secret://stripe/api":     "sk_live",
		"secret://stripe/webhook": "whsec",
		"secret://db/dsn":         "postgres://u:p@db/orders",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("not found")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Store.Driver != StoreDriverPostgres || cfg.Store.PostgresDSN != "postgres://u:p@db/orders" {
		t.Errorf("unexpected store config %+v", cfg.Store)
	}
	if cfg.Firestore.ProjectID != "fv-prod" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.PSP.StripeAPIKey != "sk_live" || cfg.PSP.StripeWebhookSecret != "whsec" {
		t.Errorf("expected resolved stripe secrets, got %+v", cfg.PSP)
	}
	if cfg.PSP.Currency != "eur" {
		t.Errorf("expected lower-cased currency, got %s", cfg.PSP.Currency)
	}
	if !cfg.Checkout.SimulatedEnabled {
		t.Errorf("expected simulated payments enabled")
	}
	if cfg.Shipping.ZonesJSON == "" {
		t.Errorf("expected shipping zones")
	}
	if cfg.Idempotency.Backend != IdempotencyBackendRedis || cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency config %+v", cfg.Idempotency)
	}
	if cfg.Outbox.Interval != 10*time.Second || cfg.Outbox.MaxAttempts != 8 {
		t.Errorf("unexpected outbox config %+v", cfg.Outbox)
	}
	if cfg.Notifications.ProjectID != "fv-prod" || cfg.Notifications.Topic != defaultNotificationsTopic {
		t.Errorf("unexpected notifications config %+v", cfg.Notifications)
	}
	if cfg.Security.OIDC.Audience != "https://orders.example.com" {
		t.Errorf("expected audience picked by environment, got %s", cfg.Security.OIDC.Audience)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "ORDERFLOW_SERVER_PORT=7070\nexport ORDERFLOW_FIREBASE_PROJECT_ID=\"fv-dot\"\n# comment\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firebase.ProjectID != "fv-dot" {
		t.Errorf("expected firebase project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]struct {
		env   map[string]string
		field string
	}{
		"unknown store driver": {
			env:   map[string]string{"ORDERFLOW_STORE_DRIVER": "mongo"},
			field: "Store.Driver",
		},
		"postgres without dsn": {
			env:   map[string]string{"ORDERFLOW_STORE_DRIVER": "postgres"},
			field: "Store.PostgresDSN",
		},
		"firestore without project": {
			env:   map[string]string{"ORDERFLOW_STORE_DRIVER": "firestore"},
			field: "Firestore.ProjectID",
		},
		"redis without url": {
			env:   map[string]string{"ORDERFLOW_IDEMPOTENCY_BACKEND": "redis"},
			field: "Idempotency.RedisURL",
		},
		"stripe without webhook secret": {
			env:   map[string]string{"ORDERFLOW_PSP_STRIPE_API_KEY": "sk_test"},
			field: "PSP.StripeWebhookSecret",
		},
		"non-local without firebase": {
			env:   map[string]string{"ORDERFLOW_SECURITY_ENVIRONMENT": "prod"},
			field: "Firebase.ProjectID",
		},
		"bad currency": {
			env:   map[string]string{"ORDERFLOW_PSP_CURRENCY": "dollars"},
			field: "PSP.Currency",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(context.Background(), WithEnvMap(tc.env), WithoutSystemEnv(), WithEnvFile(""))
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			found := false
			for _, f := range validation.Fields() {
				if f == tc.field {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %s in %v", tc.field, validation.Fields())
			}
		})
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{"ORDERFLOW_PSP_STRIPE_API_KEY": "secret://missing"}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "ORDERFLOW_FIREBASE_PROJECT_ID=dot-project\nORDERFLOW_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("ORDERFLOW_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("ORDERFLOW_SECRET_PROJECT_IDS", "prod=project-prod")

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(map[string]string{
		"ORDERFLOW_FIREBASE_PROJECT_ID": "override-project",
	}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}
	if got := values["ORDERFLOW_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["ORDERFLOW_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["ORDERFLOW_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(map[string]string{}),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeWebhookSecret"),
	)
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != redactSecretName("PSP.StripeWebhookSecret") {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	defer func() {
		rec := recover()
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if names := missing.Names(); len(names) != 1 || names[0] != "PSP.StripeAPIKey" {
			t.Fatalf("unexpected missing secrets %v", names)
		}
	}()

	_, _ = Load(context.Background(),
		WithEnvMap(map[string]string{}),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeAPIKey"),
		WithPanicOnMissingSecrets(),
	)
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := map[string]string{
		"ORDERFLOW_PSP_STRIPE_API_KEY":        "sk_test",
		"ORDERFLOW_PSP_STRIPE_WEBHOOK_SECRET": "sm://stripe/webhook",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if ref == "secret://stripe/webhook" {
			return "legacy-secret", nil
		}
		return "", errors.New("not found")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.PSP.StripeWebhookSecret != "legacy-secret" {
		t.Fatalf("expected legacy secret, got %s", cfg.PSP.StripeWebhookSecret)
	}
}
