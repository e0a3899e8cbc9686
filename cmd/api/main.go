package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/fernvale/orderflow/internal/di"
	"github.com/fernvale/orderflow/internal/handlers"
	"github.com/fernvale/orderflow/internal/payments"
	"github.com/fernvale/orderflow/internal/platform/auth"
	"github.com/fernvale/orderflow/internal/platform/config"
	pfirestore "github.com/fernvale/orderflow/internal/platform/firestore"
	"github.com/fernvale/orderflow/internal/platform/idempotency"
	"github.com/fernvale/orderflow/internal/platform/jobs"
	"github.com/fernvale/orderflow/internal/platform/observability"
	"github.com/fernvale/orderflow/internal/platform/secrets"
	"github.com/fernvale/orderflow/internal/repositories"
	"github.com/fernvale/orderflow/internal/services"
)

const discountLookupsPerMinute = 30

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

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
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := services.BuildInfo{
		Version:     cfg.Server.Version,
		CommitSHA:   cfg.Server.CommitSHA,
		Environment: cfg.Security.Environment,
		StartedAt:   startedAt,
	}

	var firestoreProvider *pfirestore.Provider
	if cfg.Store.Driver == config.StoreDriverFirestore || cfg.Idempotency.Backend == config.IdempotencyBackendFirestore {
		firestoreProvider = pfirestore.NewProvider(cfg.Firestore)
	}

	registry, err := di.OpenRegistry(ctx, cfg, firestoreProvider)
	if err != nil {
		logger.Fatal("failed to open store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	logger.Info("store ready", zap.String("driver", cfg.Store.Driver))

	checks := []repositories.DependencyCheck{{
		Name:    "secretManager",
		Timeout: time.Second,
		Check:   fetcher.Check,
	}}

	idemStore, idemChecks, closeIdem, err := newIdempotencyStore(ctx, cfg, firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.String("backend", cfg.Idempotency.Backend), zap.Error(err))
	}
	defer closeIdem()
	checks = append(checks, idemChecks...)

	publisher, publisherChecks, closePublisher, err := newEventPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise order event publisher", zap.Error(err))
	}
	defer closePublisher()
	checks = append(checks, publisherChecks...)

	provider, err := newPaymentProvider(cfg, logger.Named("payments"))
	if err != nil {
		logger.Fatal("failed to initialise stripe payment provider", zap.Error(err))
	}

	metrics, err := observability.NewOrderMetrics(nil)
	if err != nil {
		logger.Warn("order metrics unavailable", zap.Error(err))
	}
	var recorder services.CommitRecorder
	if metrics != nil {
		recorder = metrics
	}

	container, err := di.NewContainer(ctx, cfg, registry, di.Options{
		Provider: provider,
		Events:   publisher,
		Recorder: recorder,
		Logger:   observability.EventLogger(logger.Named("services")),
		Build:    buildInfo,
		Checks:   checks,
	})
	if err != nil {
		logger.Fatal("failed to build services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("store close error", zap.Error(err))
		}
	}()
	svc := container.Services

	var verifier auth.TokenVerifier
	if cfg.Firebase.ProjectID != "" {
		firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
		if err != nil {
			logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
		}
		verifier = firebaseVerifier
	} else {
		logger.Warn("auth: firebase project not configured; only guest checkout is available")
	}
	authenticator := auth.NewAuthenticator(verifier)

	idempotencyMiddleware := idempotency.Middleware(
		idemStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
	)

	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, svc.Checkout,
		handlers.WithCheckoutPricing(svc.Pricing, svc.Shipping),
		handlers.WithCheckoutIdempotency(idempotencyMiddleware),
		handlers.WithDiscountRateLimit(discountLookupsPerMinute, time.Minute),
	)
	webhookHandlers := handlers.NewWebhookHandlers(svc.Checkout)
	adminHandlers := handlers.NewAdminOrderHandlers(authenticator, svc.Orders)
	internalHandlers := handlers.NewInternalHandlers(svc.Outbox, cfg.Outbox.BatchSize)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)

	projectID := traceProjectID(cfg)
	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(projectID),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg); oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	cleanupLogger := logger.Named("idempotency")
	startTicker(workerCtx, &workers, cfg.Idempotency.CleanupInterval, func(ctx context.Context) {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		removed, err := idemStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
		if err != nil {
			cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
			return
		}
		if removed > 0 {
			cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
		}
	})

	if cfg.Outbox.Enabled {
		outboxLogger := logger.Named("outbox")
		startTicker(workerCtx, &workers, cfg.Outbox.Interval, func(ctx context.Context) {
			runCtx, cancel := context.WithTimeout(ctx, cfg.Outbox.Interval)
			defer cancel()
			report, err := svc.Outbox.Drain(observability.WithLogger(runCtx, outboxLogger), cfg.Outbox.BatchSize)
			if err != nil {
				outboxLogger.Error("outbox drain error", zap.Error(err))
				return
			}
			if report.Completed+report.Retrying+report.Dead > 0 {
				outboxLogger.Info("outbox drained",
					zap.Int("completed", report.Completed),
					zap.Int("retrying", report.Retrying),
					zap.Int("dead", report.Dead),
				)
			}
		})
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("orderflow api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	workerCancel()
	workers.Wait()
}

// startTicker runs fn every interval until ctx is cancelled. A non-positive interval disables it.
func startTicker(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func newIdempotencyStore(ctx context.Context, cfg config.Config, provider *pfirestore.Provider) (idempotency.Store, []repositories.DependencyCheck, func(), error) {
	noop := func() {}
	switch cfg.Idempotency.Backend {
	case config.IdempotencyBackendFirestore:
		checks := []repositories.DependencyCheck{{
			Name:    "idempotencyFirestore",
			Timeout: time.Second,
			Check:   provider.Ping,
		}}
		closer := func() { _ = provider.Close(context.Background()) }
		return idempotency.NewFirestoreStore(provider), checks, closer, nil
	case config.IdempotencyBackendRedis:
		client, err := idempotency.DialRedis(ctx, cfg.Idempotency.RedisURL)
		if err != nil {
			return nil, nil, noop, err
		}
		store := idempotency.NewRedisStore(client)
		checks := []repositories.DependencyCheck{{
			Name:    "redis",
			Timeout: time.Second,
			Check:   store.Ping,
		}}
		return store, checks, func() { _ = client.Close() }, nil
	default:
		return idempotency.NewMemoryStore(), nil, noop, nil
	}
}

// newEventPublisher returns a nil publisher when no topic is configured; order events are then
// recorded in the outbox as skipped.
func newEventPublisher(ctx context.Context, cfg config.Config) (services.OrderEventPublisher, []repositories.DependencyCheck, func(), error) {
	noop := func() {}
	projectID := strings.TrimSpace(cfg.Notifications.ProjectID)
	topicID := strings.TrimSpace(cfg.Notifications.Topic)
	if projectID == "" || topicID == "" {
		return nil, nil, noop, nil
	}

	var clientOpts []option.ClientOption
	if cfg.Firebase.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, projectID, clientOpts...)
	if err != nil {
		return nil, nil, noop, fmt.Errorf("pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
	if err != nil {
		_ = client.Close()
		return nil, nil, noop, err
	}
	checks := []repositories.DependencyCheck{{
		Name:    "pubsub",
		Timeout: 2 * time.Second,
		Check: func(ctx context.Context) error {
			ok, err := topic.Exists(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("topic %s not found", topicID)
			}
			return nil
		},
	}}
	closer := func() {
		topic.Stop()
		_ = client.Close()
	}
	return publisher, checks, closer, nil
}

// newPaymentProvider returns nil when Stripe is not configured so only the simulated path is served.
func newPaymentProvider(cfg config.Config, logger *zap.Logger) (payments.Provider, error) {
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) == "" {
		logger.Warn("stripe api key not configured; hosted and two-step checkout disabled")
		return nil, nil
	}
	provider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:        cfg.PSP.StripeAPIKey,
		WebhookSecret: cfg.PSP.StripeWebhookSecret,
		Logger:        observability.EventLogger(logger),
		Clock:         time.Now,
	})
	if err != nil {
		return nil, err
	}
	return provider, nil
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(adapter))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(adapter))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("ORDERFLOW_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("ORDERFLOW_FIREBASE_PROJECT_ID")
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(project),
	}
	if path := lookup("ORDERFLOW_SECRET_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if credentials := lookup("ORDERFLOW_FIREBASE_CREDENTIALS_FILE"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets that must resolve to a value. Stripe credentials are only
// required once an API key is configured.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if strings.TrimSpace(env["ORDERFLOW_PSP_STRIPE_API_KEY"]) != "" {
		required = append(required, "PSP.StripeAPIKey", "PSP.StripeWebhookSecret")
	}
	switch strings.ToLower(strings.TrimSpace(env["ORDERFLOW_STORE_DRIVER"])) {
	case config.StoreDriverPostgres:
		required = append(required, "Store.PostgresDSN")
	}
	if strings.ToLower(strings.TrimSpace(env["ORDERFLOW_IDEMPOTENCY_BACKEND"])) == config.IdempotencyBackendRedis {
		required = append(required, "Idempotency.RedisURL")
	}
	return required
}
