package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/fernvale/orderflow/internal/repositories"
)

// Registry exposes the Postgres repositories over one pool.
type Registry struct {
	db    *DB
	clock func() time.Time
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wraps an open DB.
func NewRegistry(db *DB) (*Registry, error) {
	if db == nil {
		return nil, errors.New("postgres registry requires db")
	}
	return &Registry{db: db, clock: time.Now}, nil
}

func (r *Registry) Orders() repositories.OrderRepository       { return orderRepository{db: r.db} }
func (r *Registry) Products() repositories.ProductRepository   { return productRepository{r.db, r.clock} }
func (r *Registry) Discounts() repositories.DiscountRepository { return discountRepository{db: r.db} }
func (r *Registry) Users() repositories.UserRepository         { return userRepository{db: r.db} }
func (r *Registry) Addresses() repositories.AddressRepository  { return addressRepository{db: r.db} }
func (r *Registry) Outbox() repositories.OutboxRepository      { return outboxRepository{db: r.db} }

// RunInTx delegates to the DB transaction binding.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.RunInTx(ctx, fn)
}

// HealthChecks pings the pool.
func (r *Registry) HealthChecks() []repositories.DependencyCheck {
	return []repositories.DependencyCheck{{
		Name:    "postgres",
		Timeout: 2 * time.Second,
		Check:   r.db.Ping,
	}}
}

// Close releases the pool.
func (r *Registry) Close(context.Context) error {
	r.db.Close()
	return nil
}
