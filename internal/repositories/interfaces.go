package repositories

import (
	"context"
	"time"

	domain "github.com/fernvale/orderflow/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Products() ProductRepository
	Discounts() DiscountRepository
	Users() UserRepository
	Addresses() AddressRepository
	Outbox() OutboxRepository
	HealthChecks() []DependencyCheck
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary.
// Conflicts detected at commit time are returned from RunInTx as RepositoryError values.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order headers together with their line items.
type OrderRepository interface {
	// Insert stores a new order. It fails with a conflict when the order number already exists.
	Insert(ctx context.Context, order domain.Order) error
	// Update rewrites the mutable fields while the stored status still equals expected.
	// A concurrent status change fails the write with a conflict.
	Update(ctx context.Context, order domain.Order, expected domain.OrderStatus) error
	FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error)
}

// StockMutation adjusts a product in place. Returning an error aborts the write.
type StockMutation func(product *domain.Product) error

// ProductRepository exposes product reads and stock read-modify-write.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	// MutateStock loads the product, applies fn, and writes back quantities atomically with respect to other mutations.
	MutateStock(ctx context.Context, productID string, fn StockMutation) (domain.Product, error)
	// EnsureExists creates the product when no document with its ID exists.
	EnsureExists(ctx context.Context, product domain.Product) error
}

// DiscountRepository reads discount codes and tracks redemptions.
type DiscountRepository interface {
	FindByCode(ctx context.Context, code string) (domain.DiscountCode, error)
	// IncrementUsage bumps usedCount unless the usage limit is already reached.
	IncrementUsage(ctx context.Context, code string, at time.Time) (domain.DiscountCode, error)
}

// UserRepository resolves purchasers.
type UserRepository interface {
	FindByID(ctx context.Context, userID string) (domain.User, error)
	FindByEmail(ctx context.Context, email string) (domain.User, error)
	// CreateGuest inserts a guest user. It fails with a conflict when the email is already owned.
	CreateGuest(ctx context.Context, user domain.User) error
}

// AddressRepository stores immutable per-order address snapshots.
type AddressRepository interface {
	Insert(ctx context.Context, address domain.Address) error
}

// OutboxRepository stores pending side effects.
type OutboxRepository interface {
	Enqueue(ctx context.Context, entries []domain.OutboxEntry) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEntry, error)
	// Claim leases an entry to one dispatcher. It bumps attempts and pushes nextAttemptAt to
	// leaseUntil, and fails with a conflict unless the stored entry is still pending at entry.Attempts.
	Claim(ctx context.Context, entry domain.OutboxEntry, now, leaseUntil time.Time) (domain.OutboxEntry, error)
	Save(ctx context.Context, entry domain.OutboxEntry) error
}

// HealthRepository exposes dependency health checks for readiness probes.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
