// Package firestore implements the repository registry on Cloud Firestore.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	pfirestore "github.com/fernvale/orderflow/internal/platform/firestore"
	"github.com/fernvale/orderflow/internal/repositories"
)

// Registry bundles every Firestore repository around one shared provider.
type Registry struct {
	provider *pfirestore.Provider
	pfirestore.UnitOfWork

	orders    *OrderRepository
	products  *ProductRepository
	discounts *DiscountRepository
	users     *UserRepository
	addresses *AddressRepository
	outbox    *OutboxRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs all repositories. The provider is closed by Registry.Close.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	reg := &Registry{provider: provider, UnitOfWork: pfirestore.UnitOfWork{Provider: provider}}

	var err error
	if reg.orders, err = NewOrderRepository(provider); err != nil {
		return nil, err
	}
	if reg.products, err = NewProductRepository(provider); err != nil {
		return nil, err
	}
	if reg.discounts, err = NewDiscountRepository(provider); err != nil {
		return nil, err
	}
	if reg.users, err = NewUserRepository(provider); err != nil {
		return nil, err
	}
	if reg.addresses, err = NewAddressRepository(provider); err != nil {
		return nil, err
	}
	if reg.outbox, err = NewOutboxRepository(provider); err != nil {
		return nil, err
	}
	return reg, nil
}

func (r *Registry) Orders() repositories.OrderRepository       { return r.orders }
func (r *Registry) Products() repositories.ProductRepository   { return r.products }
func (r *Registry) Discounts() repositories.DiscountRepository { return r.discounts }
func (r *Registry) Users() repositories.UserRepository         { return r.users }
func (r *Registry) Addresses() repositories.AddressRepository  { return r.addresses }
func (r *Registry) Outbox() repositories.OutboxRepository      { return r.outbox }

// HealthChecks probes Firestore connectivity.
func (r *Registry) HealthChecks() []repositories.DependencyCheck {
	return []repositories.DependencyCheck{{
		Name:    "firestore",
		Timeout: 2 * time.Second,
		Check:   r.provider.Ping,
	}}
}

// Close releases the Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if err := r.provider.Close(ctx); err != nil {
		return fmt.Errorf("firestore registry: close: %w", err)
	}
	return nil
}
