// Package di assembles repositories and services from configuration.
package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fernvale/orderflow/internal/payments"
	"github.com/fernvale/orderflow/internal/platform/config"
	pfirestore "github.com/fernvale/orderflow/internal/platform/firestore"
	"github.com/fernvale/orderflow/internal/repositories"
	firestoreRepo "github.com/fernvale/orderflow/internal/repositories/firestore"
	"github.com/fernvale/orderflow/internal/repositories/memory"
	"github.com/fernvale/orderflow/internal/repositories/postgres"
	"github.com/fernvale/orderflow/internal/services"
)

// Logger is the structured event sink handed to every service.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Pricing   services.PricingService
	Shipping  services.ShippingResolver
	Customers services.CustomerService
	Inventory services.InventoryService
	Orders    services.OrderService
	Outbox    services.OutboxService
	Checkout  services.CheckoutService
	System    services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// Options carries the collaborators built outside the container. Every field is optional.
type Options struct {
	// Provider enables the hosted checkout and two-step paths.
	Provider payments.Provider
	Events   services.OrderEventPublisher
	Recorder services.CommitRecorder
	Logger   Logger
	Build    services.BuildInfo
	// Checks are probed by the readiness endpoint alongside the store's own checks.
	Checks []repositories.DependencyCheck
	Clock  func() time.Time
}

// OpenRegistry selects the store backend named by cfg.Store.Driver. The Firestore provider is only
// used by the firestore driver and may be nil otherwise.
func OpenRegistry(ctx context.Context, cfg config.Config, provider *pfirestore.Provider) (repositories.Registry, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		return memory.NewStore(), nil
	case config.StoreDriverFirestore:
		if provider == nil {
			provider = pfirestore.NewProvider(cfg.Firestore)
		}
		return firestoreRepo.NewRegistry(provider)
	case config.StoreDriverPostgres:
		db, err := postgres.Open(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if cfg.Store.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				db.Close()
				return nil, fmt.Errorf("postgres: migrate: %w", err)
			}
		}
		return postgres.NewRegistry(db)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// NewContainer constructs the runtime dependencies over reg.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts Options) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, cfg, reg, opts)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, cfg config.Config, reg repositories.Registry, opts Options) (Services, error) {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	named := func(component string) func(context.Context, string, map[string]any) {
		return func(ctx context.Context, event string, fields map[string]any) {
			logger(ctx, component+"."+event, fields)
		}
	}

	var svc Services

	rates, err := services.ParseShippingRates(cfg.Shipping.ZonesJSON)
	if err != nil {
		return Services{}, fmt.Errorf("build shipping resolver: %w", err)
	}
	svc.Shipping = services.NewTableShippingResolver(rates)

	if svc.Pricing, err = services.NewPricingService(services.PricingServiceDeps{
		Discounts:       reg.Discounts(),
		Shipping:        svc.Shipping,
		Clock:           clock,
		DefaultCurrency: cfg.PSP.Currency,
		Logger:          named("pricing"),
	}); err != nil {
		return Services{}, fmt.Errorf("build pricing service: %w", err)
	}

	if svc.Customers, err = services.NewCustomerService(services.CustomerServiceDeps{
		Users:  reg.Users(),
		Clock:  clock,
		Logger: named("customer"),
	}); err != nil {
		return Services{}, fmt.Errorf("build customer service: %w", err)
	}

	if svc.Inventory, err = services.NewInventoryService(services.InventoryServiceDeps{
		Products: reg.Products(),
		Logger:   named("inventory"),
	}); err != nil {
		return Services{}, fmt.Errorf("build inventory service: %w", err)
	}

	if svc.Outbox, err = services.NewOutboxService(services.OutboxServiceDeps{
		Outbox:      reg.Outbox(),
		Orders:      reg.Orders(),
		Discounts:   reg.Discounts(),
		Inventory:   svc.Inventory,
		Events:      opts.Events,
		Recorder:    opts.Recorder,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		BaseBackoff: cfg.Outbox.BaseBackoff,
		MaxBackoff:  cfg.Outbox.MaxBackoff,
		Lease:       cfg.Outbox.Lease,
		Clock:       clock,
		Logger:      named("outbox"),
	}); err != nil {
		return Services{}, fmt.Errorf("build outbox service: %w", err)
	}

	numbers := services.NewOrderNumberGenerator(clock)
	if svc.Orders, err = services.NewOrderService(services.OrderServiceDeps{
		Orders:      reg.Orders(),
		Addresses:   reg.Addresses(),
		OutboxRepo:  reg.Outbox(),
		Outbox:      svc.Outbox,
		Inventory:   svc.Inventory,
		Discounts:   reg.Discounts(),
		UnitOfWork:  reg,
		Numbers:     numbers,
		Events:      opts.Events,
		Recorder:    opts.Recorder,
		MaxAttempts: cfg.Checkout.CollisionRetries,
		Clock:       clock,
		Logger:      named("order"),
	}); err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}

	if svc.Checkout, err = services.NewCheckoutService(services.CheckoutServiceDeps{
		Pricing:              svc.Pricing,
		Customers:            svc.Customers,
		Orders:               svc.Orders,
		Products:             reg.Products(),
		Provider:             opts.Provider,
		Numbers:              numbers,
		SuccessURL:           cfg.PSP.SuccessURL,
		CancelURL:            cfg.PSP.CancelURL,
		SimulatedEnabled:     cfg.Checkout.SimulatedEnabled,
		PlaceholderProductID: cfg.Checkout.PlaceholderProductID,
		Clock:                clock,
		Logger:               named("checkout"),
	}); err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}

	checks := append(append([]repositories.DependencyCheck{}, reg.HealthChecks()...), opts.Checks...)
	healthRepo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return Services{}, fmt.Errorf("build health repository: %w", err)
	}
	if svc.System, err = services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: healthRepo,
		Outbox:           reg.Outbox(),
		BacklogThreshold: cfg.Outbox.BacklogThreshold,
		Clock:            clock,
		Build:            opts.Build,
	}); err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}

	return svc, nil
}
