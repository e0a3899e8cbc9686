package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultShutdownTimeout      = 20 * time.Second
	defaultStoreDriver          = StoreDriverMemory
	defaultCurrency             = "usd"
	defaultPlaceholderProductID = "checkout-placeholder"
	defaultCollisionRetries     = 3
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultSecurityIAPIssuer    = "https://cloud.google.com/iap"
	defaultIdempotencyBackend   = IdempotencyBackendMemory
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultOutboxInterval       = 30 * time.Second
	defaultOutboxBatchSize      = 100
	defaultOutboxMaxAttempts    = 5
	defaultOutboxBaseBackoff    = 30 * time.Second
	defaultOutboxMaxBackoff     = 30 * time.Minute
	defaultOutboxLease          = 2 * time.Minute
	defaultOutboxBacklogAlert   = 500
	defaultNotificationsTopic   = "order-events"
)

// Store drivers accepted by ORDERFLOW_STORE_DRIVER.
const (
	StoreDriverFirestore = "firestore"
	StoreDriverPostgres  = "postgres"
	StoreDriverMemory    = "memory"
)

// Idempotency backends accepted by ORDERFLOW_IDEMPOTENCY_BACKEND.
const (
	IdempotencyBackendMemory    = "memory"
	IdempotencyBackendFirestore = "firestore"
	IdempotencyBackendRedis     = "redis"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Store         StoreConfig
	Firebase      FirebaseConfig
	Firestore     FirestoreConfig
	PSP           PSPConfig
	Checkout      CheckoutConfig
	Shipping      ShippingConfig
	Idempotency   IdempotencyConfig
	Outbox        OutboxConfig
	Notifications NotificationsConfig
	Security      SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Version         string
	CommitSHA       string
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver      string
	PostgresDSN string
	AutoMigrate bool
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PSPConfig collects payment provider credentials and redirect targets.
type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	SuccessURL          string
	CancelURL           string
	Currency            string
}

// CheckoutConfig tunes order creation.
type CheckoutConfig struct {
	SimulatedEnabled     bool
	PlaceholderProductID string
	CollisionRetries     int
}

// ShippingConfig holds the zone rate table as raw JSON.
type ShippingConfig struct {
	ZonesJSON string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Backend          string
	RedisURL         string
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// OutboxConfig drives the background dispatcher.
type OutboxConfig struct {
	Enabled          bool
	Interval         time.Duration
	BatchSize        int
	MaxAttempts      int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	Lease            time.Duration
	BacklogThreshold int
}

// NotificationsConfig names the Pub/Sub topic receiving order events. An empty topic disables publishing.
type NotificationsConfig struct {
	ProjectID string
	Topic     string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns the hashed secret identifiers, safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	return e.collect(func(s missingSecret) string { return s.redacted })
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	return e.collect(func(s missingSecret) string { return s.name })
}

func (e *MissingSecretsError) collect(pick func(missingSecret) string) []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, pick(secret))
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// EnvironmentValues returns the effective key/value map after applying the Load precedence
// (dotenv < OS env < explicit map). main uses it to build the secret fetcher before Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(dotEnvValues))
	for key, value := range dotEnvValues {
		values[key] = value
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map. Values in the map take precedence over the OS env.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for sm:// and secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "PSP.StripeAPIKey") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// Load assembles the configuration from defaults, .env overrides, environment variables and
// secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(append([]Option{
		WithSecretResolver(SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		})),
	}, opts...))

	values, err := EnvironmentValues(opts...)
	if err != nil {
		return Config{}, err
	}
	lookup := func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "ORDERFLOW_SERVER_PORT", defaultPort),
			ReadTimeout:     durationWithDefault(lookup, "ORDERFLOW_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "ORDERFLOW_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "ORDERFLOW_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "ORDERFLOW_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
			Version:         stringWithDefault(lookup, "ORDERFLOW_VERSION", "dev"),
			CommitSHA:       stringWithDefault(lookup, "ORDERFLOW_COMMIT_SHA", ""),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(stringWithDefault(lookup, "ORDERFLOW_STORE_DRIVER", defaultStoreDriver)),
			PostgresDSN: stringWithDefault(lookup, "ORDERFLOW_STORE_POSTGRES_DSN", ""),
			AutoMigrate: boolWithDefault(lookup, "ORDERFLOW_STORE_AUTO_MIGRATE", true),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "ORDERFLOW_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "ORDERFLOW_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "ORDERFLOW_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "ORDERFLOW_FIRESTORE_EMULATOR_HOST", ""),
		},
		PSP: PSPConfig{
			StripeAPIKey:        stringWithDefault(lookup, "ORDERFLOW_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: stringWithDefault(lookup, "ORDERFLOW_PSP_STRIPE_WEBHOOK_SECRET", ""),
			SuccessURL:          stringWithDefault(lookup, "ORDERFLOW_PSP_SUCCESS_URL", ""),
			CancelURL:           stringWithDefault(lookup, "ORDERFLOW_PSP_CANCEL_URL", ""),
			Currency:            strings.ToLower(stringWithDefault(lookup, "ORDERFLOW_PSP_CURRENCY", defaultCurrency)),
		},
		Checkout: CheckoutConfig{
			SimulatedEnabled:     boolWithDefault(lookup, "ORDERFLOW_CHECKOUT_SIMULATED_ENABLED", false),
			PlaceholderProductID: stringWithDefault(lookup, "ORDERFLOW_CHECKOUT_PLACEHOLDER_PRODUCT_ID", defaultPlaceholderProductID),
			CollisionRetries:     intWithDefault(lookup, "ORDERFLOW_CHECKOUT_COLLISION_RETRIES", defaultCollisionRetries),
		},
		Shipping: ShippingConfig{
			ZonesJSON: stringWithDefault(lookup, "ORDERFLOW_SHIPPING_ZONES", ""),
		},
		Idempotency: IdempotencyConfig{
			Backend:          strings.ToLower(stringWithDefault(lookup, "ORDERFLOW_IDEMPOTENCY_BACKEND", defaultIdempotencyBackend)),
			RedisURL:         stringWithDefault(lookup, "ORDERFLOW_IDEMPOTENCY_REDIS_URL", ""),
			Header:           stringWithDefault(lookup, "ORDERFLOW_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "ORDERFLOW_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "ORDERFLOW_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "ORDERFLOW_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Outbox: OutboxConfig{
			Enabled:          boolWithDefault(lookup, "ORDERFLOW_OUTBOX_ENABLED", true),
			Interval:         durationWithDefault(lookup, "ORDERFLOW_OUTBOX_INTERVAL", defaultOutboxInterval),
			BatchSize:        intWithDefault(lookup, "ORDERFLOW_OUTBOX_BATCH_SIZE", defaultOutboxBatchSize),
			MaxAttempts:      intWithDefault(lookup, "ORDERFLOW_OUTBOX_MAX_ATTEMPTS", defaultOutboxMaxAttempts),
			BaseBackoff:      durationWithDefault(lookup, "ORDERFLOW_OUTBOX_BASE_BACKOFF", defaultOutboxBaseBackoff),
			MaxBackoff:       durationWithDefault(lookup, "ORDERFLOW_OUTBOX_MAX_BACKOFF", defaultOutboxMaxBackoff),
			Lease:            durationWithDefault(lookup, "ORDERFLOW_OUTBOX_LEASE", defaultOutboxLease),
			BacklogThreshold: intWithDefault(lookup, "ORDERFLOW_OUTBOX_BACKLOG_THRESHOLD", defaultOutboxBacklogAlert),
		},
		Notifications: NotificationsConfig{
			ProjectID: stringWithDefault(lookup, "ORDERFLOW_NOTIFICATIONS_PROJECT_ID", ""),
			Topic:     stringWithDefault(lookup, "ORDERFLOW_NOTIFICATIONS_TOPIC", ""),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "ORDERFLOW_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   stringWithDefault(lookup, "ORDERFLOW_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  stringWithDefault(lookup, "ORDERFLOW_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: mapWithDefault(lookup, "ORDERFLOW_SECURITY_OIDC_AUDIENCES"),
				Issuers:   csvWithDefault(lookup, "ORDERFLOW_SECURITY_OIDC_ISSUERS"),
			},
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Notifications.ProjectID == "" {
		cfg.Notifications.ProjectID = cfg.Firestore.ProjectID
	}
	if cfg.Notifications.Topic == "" && cfg.Notifications.ProjectID != "" {
		cfg.Notifications.Topic = defaultNotificationsTopic
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer, defaultSecurityIAPIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		if audience, ok := cfg.Security.OIDC.Audiences[cfg.Security.Environment]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}

	resolvedSecrets := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret},
		{"Store.PostgresDSN", &cfg.Store.PostgresDSN},
		{"Idempotency.RedisURL", &cfg.Idempotency.RedisURL},
	}
	for _, target := range secretFields {
		resolved, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = resolved
		resolvedSecrets[target.name] = strings.TrimSpace(resolved)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" {
		return value, nil
	}
	if !isSecretReference(value) {
		return value, nil
	}
	if resolver == nil {
		normalized := normalizeSecretReference(value)
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	normalized := normalizeSecretReference(value)
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	switch cfg.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverFirestore:
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	case StoreDriverPostgres:
		if cfg.Store.PostgresDSN == "" {
			missing = append(missing, "Store.PostgresDSN")
		}
	default:
		missing = append(missing, "Store.Driver")
	}
	if cfg.Security.Environment != defaultSecurityEnvironment && cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if len(cfg.PSP.Currency) != 3 {
		missing = append(missing, "PSP.Currency")
	}
	if cfg.PSP.StripeAPIKey != "" && cfg.PSP.StripeWebhookSecret == "" {
		missing = append(missing, "PSP.StripeWebhookSecret")
	}
	if cfg.Checkout.CollisionRetries <= 0 {
		missing = append(missing, "Checkout.CollisionRetries")
	}
	switch cfg.Idempotency.Backend {
	case IdempotencyBackendMemory:
	case IdempotencyBackendFirestore:
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	case IdempotencyBackendRedis:
		if cfg.Idempotency.RedisURL == "" {
			missing = append(missing, "Idempotency.RedisURL")
		}
	default:
		missing = append(missing, "Idempotency.Backend")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}
	if cfg.Outbox.Interval <= 0 {
		missing = append(missing, "Outbox.Interval")
	}
	if cfg.Outbox.BatchSize <= 0 {
		missing = append(missing, "Outbox.BatchSize")
	}
	if cfg.Outbox.MaxAttempts <= 0 {
		missing = append(missing, "Outbox.MaxAttempts")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	missing := make([]missingSecret, 0, len(required))
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if value := strings.TrimSpace(resolved[trimmed]); value != "" {
			continue
		}
		missing = append(missing, missingSecret{
			name:     trimmed,
			redacted: redactSecretName(trimmed),
		})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func mapWithDefault(lookup func(string) (string, bool), key string) map[string]string {
	values := make(map[string]string)
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return values
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(parts[0]))
		secret := strings.TrimSpace(parts[1])
		if name == "" || secret == "" {
			continue
		}
		values[name] = secret
	}
	return values
}
