package memory

import (
	"context"
	"maps"
	"sort"
	"strings"
	"time"

	domain "github.com/fernvale/orderflow/internal/domain"
	"github.com/fernvale/orderflow/internal/repositories"
)

type orderRepository struct{ s *Store }

func (r orderRepository) Insert(ctx context.Context, order domain.Order) error {
	defer r.s.enter(ctx)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.orders[order.OrderNumber]; ok {
		return conflict("orders.insert", "order "+order.OrderNumber)
	}
	recordUndo(ctx, r.s.orders, order.OrderNumber)
	r.s.orders[order.OrderNumber] = cloneOrder(order)
	return nil
}

func (r orderRepository) Update(ctx context.Context, order domain.Order, expected domain.OrderStatus) error {
	defer r.s.enter(ctx)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.orders[order.OrderNumber]
	if !ok {
		return notFound("orders.update", "order "+order.OrderNumber)
	}
	if current.Status != expected {
		return stale("orders.update", "order "+order.OrderNumber)
	}
	recordUndo(ctx, r.s.orders, order.OrderNumber)
	r.s.orders[order.OrderNumber] = cloneOrder(order)
	return nil
}

func (r orderRepository) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	defer r.s.enter(ctx)()
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	order, ok := r.s.orders[strings.TrimSpace(orderNumber)]
	if !ok {
		return domain.Order{}, notFound("orders.get", "order "+orderNumber)
	}
	out := cloneOrder(order)
	if addr, ok := r.s.addresses[order.ShippingAddressID]; ok && out.ShippingAddress == nil {
		out.ShippingAddress = &addr
	}
	return out, nil
}

type addressRepository struct{ s *Store }

func (r addressRepository) Insert(ctx context.Context, address domain.Address) error {
	defer r.s.enter(ctx)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.addresses[address.ID]; ok {
		return conflict("addresses.insert", "address "+address.ID)
	}
	recordUndo(ctx, r.s.addresses, address.ID)
	r.s.addresses[address.ID] = address
	return nil
}

type productRepository struct{ s *Store }

func (r productRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	defer r.s.enter(ctx)()
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	product, ok := r.s.products[productID]
	if !ok {
		return domain.Product{}, notFound("products.get", "product "+productID)
	}
	return cloneProduct(product), nil
}

func (r productRepository) MutateStock(ctx context.Context, productID string, fn repositories.StockMutation) (domain.Product, error) {
	defer r.s.enter(ctx)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.products[productID]
	if !ok {
		return domain.Product{}, notFound("products.mutate", "product "+productID)
	}
	next := cloneProduct(current)
	if err := fn(&next); err != nil {
		return domain.Product{}, err
	}
	next.ID = current.ID
	next.UpdatedAt = time.Now().UTC()
	recordUndo(ctx, r.s.products, productID)
	r.s.products[productID] = next
	return cloneProduct(next), nil
}

func (r productRepository) EnsureExists(ctx context.Context, product domain.Product) error {
	defer r.s.enter(ctx)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.products[product.ID]; ok {
		return nil
	}
	recordUndo(ctx, r.s.products, product.ID)
	r.s.products[product.ID] = cloneProduct(product)
	return nil
}

type discountRepository struct{ s *Store }

func (r discountRepository) FindByCode(ctx context.Context, code string) (domain.DiscountCode, error) {
	defer r.s.enter(ctx)()
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	discount, ok := r.s.discounts[code]
	if !ok {
		return domain.DiscountCode{}, notFound("discounts.get", "discount "+code)
	}
	return cloneDiscount(discount), nil
}

func (r discountRepository) IncrementUsage(ctx context.Context, code string, at time.Time) (domain.DiscountCode, error) {
	defer r.s.enter(ctx)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	discount, ok := r.s.discounts[code]
	if !ok {
		return domain.DiscountCode{}, repositories.NewDiscountError(repositories.DiscountErrorNotFound, code)
	}
	if discount.UsageLimit != nil && discount.UsedCount >= *discount.UsageLimit {
		return domain.DiscountCode{}, repositories.NewDiscountError(repositories.DiscountErrorUsageLimitReached, code)
	}
	recordUndo(ctx, r.s.discounts, code)
	discount.UsedCount++
	discount.UpdatedAt = at
	r.s.discounts[code] = discount
	return cloneDiscount(discount), nil
}

type userRepository struct{ s *Store }

func (r userRepository) FindByID(ctx context.Context, userID string) (domain.User, error) {
	defer r.s.enter(ctx)()
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	user, ok := r.s.users[userID]
	if !ok {
		return domain.User{}, notFound("users.get", "user "+userID)
	}
	return user, nil
}

func (r userRepository) FindByEmail(ctx context.Context, email string) (domain.User, error) {
	defer r.s.enter(ctx)()
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, user := range r.s.users {
		if user.Email == email {
			return user, nil
		}
	}
	return domain.User{}, notFound("users.find", "user with email")
}

func (r userRepository) CreateGuest(ctx context.Context, user domain.User) error {
	defer r.s.enter(ctx)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[user.ID]; ok {
		return conflict("users.create", "user "+user.ID)
	}
	for _, existing := range r.s.users {
		if existing.Email == user.Email {
			return conflict("users.create", "user email")
		}
	}
	recordUndo(ctx, r.s.users, user.ID)
	r.s.users[user.ID] = user
	return nil
}

type outboxRepository struct{ s *Store }

func (r outboxRepository) Enqueue(ctx context.Context, entries []domain.OutboxEntry) error {
	defer r.s.enter(ctx)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, entry := range entries {
		if _, ok := r.s.outbox[entry.ID]; ok {
			return conflict("outbox.enqueue", "entry "+entry.ID)
		}
	}
	for _, entry := range entries {
		recordUndo(ctx, r.s.outbox, entry.ID)
		r.s.outbox[entry.ID] = cloneEntry(entry)
	}
	return nil
}

func (r outboxRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEntry, error) {
	defer r.s.enter(ctx)()
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var due []domain.OutboxEntry
	for _, entry := range r.s.outbox {
		if entry.Status == domain.OutboxStatusPending && !entry.NextAttemptAt.After(now) {
			due = append(due, cloneEntry(entry))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r outboxRepository) Claim(ctx context.Context, entry domain.OutboxEntry, now, leaseUntil time.Time) (domain.OutboxEntry, error) {
	defer r.s.enter(ctx)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.outbox[entry.ID]
	if !ok {
		return domain.OutboxEntry{}, notFound("outbox.claim", "entry "+entry.ID)
	}
	if current.Status != domain.OutboxStatusPending || current.Attempts != entry.Attempts {
		return domain.OutboxEntry{}, stale("outbox.claim", "entry "+entry.ID)
	}
	recordUndo(ctx, r.s.outbox, entry.ID)
	current.Attempts++
	current.NextAttemptAt = leaseUntil
	current.UpdatedAt = now
	r.s.outbox[entry.ID] = current
	return cloneEntry(current), nil
}

func (r outboxRepository) Save(ctx context.Context, entry domain.OutboxEntry) error {
	defer r.s.enter(ctx)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.outbox[entry.ID]; !ok {
		return notFound("outbox.save", "entry "+entry.ID)
	}
	recordUndo(ctx, r.s.outbox, entry.ID)
	r.s.outbox[entry.ID] = cloneEntry(entry)
	return nil
}

func cloneOrder(order domain.Order) domain.Order {
	out := order
	out.Items = append([]domain.OrderItem(nil), order.Items...)
	if order.Discount != nil {
		d := *order.Discount
		out.Discount = &d
	}
	if order.ShippingAddress != nil {
		a := *order.ShippingAddress
		out.ShippingAddress = &a
	}
	return out
}

func cloneProduct(product domain.Product) domain.Product {
	out := product
	out.Variants = append([]domain.ProductVariant(nil), product.Variants...)
	return out
}

func cloneDiscount(discount domain.DiscountCode) domain.DiscountCode {
	out := discount
	if discount.UsageLimit != nil {
		limit := *discount.UsageLimit
		out.UsageLimit = &limit
	}
	return out
}

func cloneEntry(entry domain.OutboxEntry) domain.OutboxEntry {
	out := entry
	out.Payload = maps.Clone(entry.Payload)
	return out
}
