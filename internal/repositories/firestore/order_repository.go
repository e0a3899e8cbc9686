package firestore

import (
	"context"
	"errors"
	"strings"

	domain "github.com/fernvale/orderflow/internal/domain"
	pfirestore "github.com/fernvale/orderflow/internal/platform/firestore"
	"github.com/fernvale/orderflow/internal/repositories"
)

// OrderRepository stores orders keyed by order number so a duplicate insert fails at commit.
type OrderRepository struct {
	uow       pfirestore.UnitOfWork
	orders    *pfirestore.Collection[orderDocument]
	addresses *pfirestore.Collection[addressDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs the order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		uow:       pfirestore.UnitOfWork{Provider: provider},
		orders:    pfirestore.NewCollection[orderDocument](provider, ordersCollection),
		addresses: pfirestore.NewCollection[addressDocument](provider, addressesCollection),
	}, nil
}

// Insert creates the order document.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	number := strings.TrimSpace(order.OrderNumber)
	if number == "" {
		return errors.New("order repository: order number is required")
	}
	return r.orders.Create(ctx, number, newOrderDocument(order))
}

// Update overwrites an existing order that is still at expected. The read and write share a
// transaction, joining the caller's when there is one.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expected domain.OrderStatus) error {
	number := strings.TrimSpace(order.OrderNumber)
	if number == "" {
		return errors.New("order repository: order number is required")
	}
	return r.uow.RunInTx(ctx, func(txCtx context.Context) error {
		doc, err := r.orders.Get(txCtx, number)
		if err != nil {
			return err
		}
		if domain.OrderStatus(doc.Status) != expected {
			return pfirestore.Conflict("orders.update", "order status")
		}
		return r.orders.Set(txCtx, number, newOrderDocument(order))
	})
}

// FindByNumber loads the order and attaches its shipping address snapshot when present.
func (r *OrderRepository) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	number := strings.TrimSpace(orderNumber)
	if number == "" {
		return domain.Order{}, pfirestore.NotFound("orders.get", "order")
	}
	doc, err := r.orders.Get(ctx, number)
	if err != nil {
		return domain.Order{}, err
	}
	order := doc.toDomain()
	if order.ShippingAddressID == "" {
		return order, nil
	}
	addr, err := r.addresses.Get(ctx, order.ShippingAddressID)
	switch {
	case err == nil:
		address := domain.Address(addr)
		order.ShippingAddress = &address
	case isNotFound(err):
	default:
		return domain.Order{}, err
	}
	return order, nil
}

// AddressRepository stores per-order address snapshots.
type AddressRepository struct {
	addresses *pfirestore.Collection[addressDocument]
}

var _ repositories.AddressRepository = (*AddressRepository)(nil)

// NewAddressRepository constructs the address repository.
func NewAddressRepository(provider *pfirestore.Provider) (*AddressRepository, error) {
	if provider == nil {
		return nil, errors.New("address repository requires firestore provider")
	}
	return &AddressRepository{
		addresses: pfirestore.NewCollection[addressDocument](provider, addressesCollection),
	}, nil
}

// Insert creates the address snapshot.
func (r *AddressRepository) Insert(ctx context.Context, address domain.Address) error {
	return r.addresses.Create(ctx, address.ID, addressDocument(address))
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
