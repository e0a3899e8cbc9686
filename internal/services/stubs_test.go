package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	domain "github.com/fernvale/orderflow/internal/domain"
	"github.com/fernvale/orderflow/internal/repositories"
)

type stubRepoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e stubRepoError) Error() string       { return e.msg }
func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return e.unavailable }

func errStubNotFound(what string) error {
	return stubRepoError{msg: what + " not found", notFound: true}
}
func errStubConflict(what string) error { return stubRepoError{msg: what + " exists", conflict: true} }

// stubStore is a map-backed store shared by the per-interface stubs below.
type stubStore struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	addresses []domain.Address
	outbox    map[string]domain.OutboxEntry
	products  map[string]domain.Product
	discounts map[string]domain.DiscountCode
	users     map[string]domain.User

	insertOrderErr   error
	mutateStockErr   error
	incrementErr     error
	createGuestHook  func(domain.User) error
	findOrderCalls   int
	incrementCalls   int
	mutateStockCalls int
}

func newStubStore() *stubStore {
	return &stubStore{
		orders:    map[string]domain.Order{},
		outbox:    map[string]domain.OutboxEntry{},
		products:  map[string]domain.Product{},
		discounts: map[string]domain.DiscountCode{},
		users:     map[string]domain.User{},
	}
}

func (s *stubStore) outboxEntries() []domain.OutboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OutboxEntry, 0, len(s.outbox))
	for _, entry := range s.outbox {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type stubOrders struct{ *stubStore }

func (s stubOrders) Insert(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertOrderErr != nil {
		return s.insertOrderErr
	}
	if _, ok := s.orders[order.OrderNumber]; ok {
		return errStubConflict("order")
	}
	s.orders[order.OrderNumber] = order
	return nil
}

func (s stubOrders) Update(_ context.Context, order domain.Order, expected domain.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.orders[order.OrderNumber]
	if !ok {
		return errStubNotFound("order")
	}
	if current.Status != expected {
		return errStubConflict("order status")
	}
	s.orders[order.OrderNumber] = order
	return nil
}

func (s stubOrders) FindByNumber(_ context.Context, number string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findOrderCalls++
	order, ok := s.orders[number]
	if !ok {
		return domain.Order{}, errStubNotFound("order")
	}
	return order, nil
}

type stubAddresses struct{ *stubStore }

func (s stubAddresses) Insert(_ context.Context, address domain.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addresses = append(s.addresses, address)
	return nil
}

type stubOutbox struct{ *stubStore }

func (s stubOutbox) Enqueue(_ context.Context, entries []domain.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		s.outbox[entry.ID] = entry
	}
	return nil
}

func (s stubOutbox) ListDue(_ context.Context, now time.Time, limit int) ([]domain.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.OutboxEntry
	for _, entry := range s.outbox {
		if entry.Status == domain.OutboxStatusPending && !entry.NextAttemptAt.After(now) {
			due = append(due, entry)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s stubOutbox) Claim(_ context.Context, entry domain.OutboxEntry, now, leaseUntil time.Time) (domain.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.outbox[entry.ID]
	if !ok {
		// Dispatch is also handed entries that were never enqueued.
		current = entry
	}
	if current.Status != domain.OutboxStatusPending || current.Attempts != entry.Attempts {
		return domain.OutboxEntry{}, errStubConflict("outbox entry")
	}
	current.Attempts++
	current.NextAttemptAt = leaseUntil
	current.UpdatedAt = now
	s.outbox[entry.ID] = current
	return current, nil
}

func (s stubOutbox) Save(_ context.Context, entry domain.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox[entry.ID] = entry
	return nil
}

type stubProducts struct{ *stubStore }

func (s stubProducts) FindByID(_ context.Context, id string) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[id]
	if !ok {
		return domain.Product{}, errStubNotFound("product")
	}
	return product, nil
}

func (s stubProducts) MutateStock(_ context.Context, id string, fn repositories.StockMutation) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutateStockCalls++
	if s.mutateStockErr != nil {
		return domain.Product{}, s.mutateStockErr
	}
	product, ok := s.products[id]
	if !ok {
		return domain.Product{}, errStubNotFound("product")
	}
	product.Variants = append([]domain.ProductVariant(nil), product.Variants...)
	if err := fn(&product); err != nil {
		return domain.Product{}, err
	}
	s.products[id] = product
	return product, nil
}

func (s stubProducts) EnsureExists(_ context.Context, product domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[product.ID]; !ok {
		s.products[product.ID] = product
	}
	return nil
}

type stubDiscounts struct{ *stubStore }

func (s stubDiscounts) FindByCode(_ context.Context, code string) (domain.DiscountCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	discount, ok := s.discounts[code]
	if !ok {
		return domain.DiscountCode{}, errStubNotFound("discount")
	}
	return discount, nil
}

func (s stubDiscounts) IncrementUsage(_ context.Context, code string, at time.Time) (domain.DiscountCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incrementCalls++
	if s.incrementErr != nil {
		return domain.DiscountCode{}, s.incrementErr
	}
	discount, ok := s.discounts[code]
	if !ok {
		return domain.DiscountCode{}, repositories.NewDiscountError(repositories.DiscountErrorNotFound, code)
	}
	if discount.UsageLimit != nil && discount.UsedCount >= *discount.UsageLimit {
		return domain.DiscountCode{}, repositories.NewDiscountError(repositories.DiscountErrorUsageLimitReached, code)
	}
	discount.UsedCount++
	discount.UpdatedAt = at
	s.discounts[code] = discount
	return discount, nil
}

type stubUsers struct{ *stubStore }

func (s stubUsers) FindByID(_ context.Context, id string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return domain.User{}, errStubNotFound("user")
	}
	return user, nil
}

func (s stubUsers) FindByEmail(_ context.Context, email string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Email == email {
			return user, nil
		}
	}
	return domain.User{}, errStubNotFound("user")
}

func (s stubUsers) CreateGuest(_ context.Context, user domain.User) error {
	if s.createGuestHook != nil {
		if err := s.createGuestHook(user); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == user.Email {
			return errStubConflict("user email")
		}
	}
	s.users[user.ID] = user
	return nil
}

type captureOrderEvents struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, event)
	return nil
}

func (c *captureOrderEvents) snapshot() []OrderEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]OrderEvent(nil), c.events...)
}

type recordedMetric struct {
	scope   string
	label   string
	outcome string
}

type captureRecorder struct {
	mu      sync.Mutex
	metrics []recordedMetric
}

func (r *captureRecorder) RecordCommit(_ context.Context, path, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, recordedMetric{scope: "commit", label: path, outcome: outcome})
}

func (r *captureRecorder) RecordDispatch(_ context.Context, kind, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, recordedMetric{scope: "dispatch", label: kind, outcome: outcome})
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmtID(n)
	}
}

func fmtID(n int) string {
	const digits = "0123456789"
	buf := []byte("00000000")
	for i := len(buf) - 1; i >= 0 && n > 0; i-- {
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var errStubTransient = errors.New("stub: transient failure")

// orderHarness wires real services over a stub store.
type orderHarness struct {
	store     *stubStore
	events    *captureOrderEvents
	recorder  *captureRecorder
	inventory InventoryService
	outbox    OutboxService
	orders    OrderService
	customers CustomerService
	pricing   PricingService
	now       time.Time
}

func newOrderHarness(tb interface{ Fatalf(string, ...any) }) *orderHarness {
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	store := newStubStore()
	events := &captureOrderEvents{}
	recorder := &captureRecorder{}
	ids := sequentialIDs()

	inventory, err := NewInventoryService(InventoryServiceDeps{Products: stubProducts{store}})
	if err != nil {
		tb.Fatalf("inventory: %v", err)
	}
	outbox, err := NewOutboxService(OutboxServiceDeps{
		Outbox:      stubOutbox{store},
		Orders:      stubOrders{store},
		Discounts:   stubDiscounts{store},
		Inventory:   inventory,
		Events:      events,
		Recorder:    recorder,
		MaxAttempts: 3,
		Clock:       fixedClock(now),
	})
	if err != nil {
		tb.Fatalf("outbox: %v", err)
	}
	orders, err := NewOrderService(OrderServiceDeps{
		Orders:      stubOrders{store},
		Addresses:   stubAddresses{store},
		OutboxRepo:  stubOutbox{store},
		Outbox:      outbox,
		Inventory:   inventory,
		Discounts:   stubDiscounts{store},
		Events:      events,
		Recorder:    recorder,
		Clock:       fixedClock(now),
		IDGenerator: ids,
	})
	if err != nil {
		tb.Fatalf("orders: %v", err)
	}
	customers, err := NewCustomerService(CustomerServiceDeps{
		Users:       stubUsers{store},
		Clock:       fixedClock(now),
		IDGenerator: ids,
	})
	if err != nil {
		tb.Fatalf("customers: %v", err)
	}
	pricing, err := NewPricingService(PricingServiceDeps{
		Discounts: stubDiscounts{store},
		Shipping: NewTableShippingResolver(map[string]ShippingRate{
			"domestic": {Method: "Standard", Estimate: "3-5 days", BaseCost: 500},
		}),
		Clock: fixedClock(now),
	})
	if err != nil {
		tb.Fatalf("pricing: %v", err)
	}
	return &orderHarness{
		store:     store,
		events:    events,
		recorder:  recorder,
		inventory: inventory,
		outbox:    outbox,
		orders:    orders,
		customers: customers,
		pricing:   pricing,
		now:       now,
	}
}

func testAddress() domain.Address {
	return domain.Address{
		Recipient:  "Ada Lovelace",
		Email:      "ada@example.com",
		Line1:      "12 Analytical Row",
		City:       "London",
		PostalCode: "N1 9GU",
		Country:    "GB",
	}
}

func testCommitEvent(tb interface{ Fatalf(string, ...any) }, number string) CommitEvent {
	event, err := NewCommitEvent(CommitEventInput{
		OrderNumber: number,
		Items: []domain.OrderItem{
			{ProductID: "p1", Name: "Linen Shirt", UnitPrice: 5000, Quantity: 2, Size: "M", Color: "Blue"},
		},
		ShippingAddress: testAddress(),
		Subtotal:        10000,
		Discount:        1000,
		Shipping:        500,
		Tax:             800,
		Total:           9500,
		AppliedDiscount: &domain.AppliedDiscount{Code: "SAVE10", Type: domain.DiscountTypePercentage},
		ResolvedUserID:  "usr_1",
		CustomerEmail:   "ada@example.com",
		CustomerName:    "Ada Lovelace",
		Currency:        "usd",
	})
	if err != nil {
		tb.Fatalf("NewCommitEvent: %v", err)
	}
	return event
}
