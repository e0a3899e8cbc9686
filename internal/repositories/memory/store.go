// Package memory provides map-backed repositories for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	domain "github.com/fernvale/orderflow/internal/domain"
	"github.com/fernvale/orderflow/internal/repositories"
)

// Error implements repositories.RepositoryError.
type Error struct {
	op       string
	msg      string
	notFound bool
	conflict bool
}

func (e *Error) Error() string { return fmt.Sprintf("memory.%s: %s", e.op, e.msg) }

func (e *Error) IsNotFound() bool    { return e != nil && e.notFound }
func (e *Error) IsConflict() bool    { return e != nil && e.conflict }
func (e *Error) IsUnavailable() bool { return false }

func notFound(op, what string) error {
	return &Error{op: op, msg: what + " not found", notFound: true}
}

func conflict(op, what string) error {
	return &Error{op: op, msg: what + " already exists", conflict: true}
}

func stale(op, what string) error {
	return &Error{op: op, msg: what + " changed concurrently", conflict: true}
}

// Store keeps every collection in process memory. Transactions are serialised and rolled back
// by replaying an undo log, so writes made inside RunInTx disappear when fn fails. Calls made
// outside a transaction wait for the open one to finish and never observe its writes.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	orders    map[string]domain.Order
	addresses map[string]domain.Address
	outbox    map[string]domain.OutboxEntry
	products  map[string]domain.Product
	discounts map[string]domain.DiscountCode
	users     map[string]domain.User
}

var _ repositories.Registry = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		orders:    map[string]domain.Order{},
		addresses: map[string]domain.Address{},
		outbox:    map[string]domain.OutboxEntry{},
		products:  map[string]domain.Product{},
		discounts: map[string]domain.DiscountCode{},
		users:     map[string]domain.User{},
	}
}

// SeedProducts stores products, replacing existing entries with the same ID.
func (s *Store) SeedProducts(products ...domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range products {
		s.products[p.ID] = cloneProduct(p)
	}
}

// SeedDiscounts stores discount codes keyed by code.
func (s *Store) SeedDiscounts(codes ...domain.DiscountCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range codes {
		s.discounts[d.Code] = cloneDiscount(d)
	}
}

// SeedUsers stores users keyed by ID.
func (s *Store) SeedUsers(users ...domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		s.users[u.ID] = u
	}
}

func (s *Store) Orders() repositories.OrderRepository       { return orderRepository{s} }
func (s *Store) Products() repositories.ProductRepository   { return productRepository{s} }
func (s *Store) Discounts() repositories.DiscountRepository { return discountRepository{s} }
func (s *Store) Users() repositories.UserRepository         { return userRepository{s} }
func (s *Store) Addresses() repositories.AddressRepository  { return addressRepository{s} }
func (s *Store) Outbox() repositories.OutboxRepository      { return outboxRepository{s} }

// HealthChecks reports a single always-healthy probe.
func (s *Store) HealthChecks() []repositories.DependencyCheck {
	return []repositories.DependencyCheck{{
		Name:  "memory",
		Check: func(context.Context) error { return nil },
	}}
}

// Close is a no-op.
func (s *Store) Close(context.Context) error { return nil }

type txKey struct{}

type memTx struct {
	undo []func()
}

// RunInTx runs fn with exclusive write access. Nested calls join the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*memTx); ok {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// enter admits a repository call. Calls carrying the open transaction already hold txMu.
func (s *Store) enter(ctx context.Context) func() {
	if _, ok := ctx.Value(txKey{}).(*memTx); ok {
		return func() {}
	}
	s.txMu.Lock()
	return s.txMu.Unlock
}

// recordUndo registers a rollback step when ctx carries a transaction. Callers hold s.mu.
func recordUndo[K comparable, V any](ctx context.Context, m map[K]V, key K) {
	tx, ok := ctx.Value(txKey{}).(*memTx)
	if !ok {
		return
	}
	prev, existed := m[key]
	tx.undo = append(tx.undo, func() {
		if existed {
			m[key] = prev
			return
		}
		delete(m, key)
	})
}
