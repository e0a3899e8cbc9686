package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/fernvale/orderflow/internal/domain"
)

func seedCatalog(h *orderHarness) {
	h.store.products["p1"] = domain.Product{
		ID:       "p1",
		Quantity: 3,
		InStock:  true,
		Variants: []domain.ProductVariant{{ID: "v1", Size: "M", Color: "Blue", Quantity: 1, InStock: true}},
	}
	h.store.discounts["SAVE10"] = save10()
}

func TestCommitCreatesOrderAndAppliesEffects(t *testing.T) {
	h := newOrderHarness(t)
	seedCatalog(h)
	event := testCommitEvent(t, "FV-ABC123-XY9Z")

	result, err := h.orders.Commit(context.Background(), NewHostedCheckoutConfirmation(event, "cs_test_1", "pi_test_1"))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if result.Duplicate {
		t.Fatalf("first commit must not be a duplicate")
	}
	order := result.Order
	if order.OrderNumber != "FV-ABC123-XY9Z" || order.Status != domain.OrderStatusProcessing {
		t.Fatalf("unexpected order %+v", order)
	}
	if order.PaidAt == nil || !order.PaidAt.Equal(h.now) {
		t.Fatalf("expected paidAt set, got %v", order.PaidAt)
	}
	if order.PaymentMethod != domain.PaymentMethodHostedCheckout || order.PaymentReference != "pi_test_1" {
		t.Fatalf("unexpected payment tags %s/%s", order.PaymentMethod, order.PaymentReference)
	}
	if order.Currency != "USD" || order.Totals.Total != 9500 {
		t.Fatalf("unexpected totals %+v %s", order.Totals, order.Currency)
	}
	if len(h.store.addresses) != 1 || h.store.addresses[0].ID != order.ShippingAddressID {
		t.Fatalf("expected one address snapshot referenced by the order")
	}

	if got := h.store.products["p1"]; got.Quantity != 1 || got.Variants[0].Quantity != 0 || got.Variants[0].InStock {
		t.Fatalf("unexpected stock after commit: %+v", got)
	}
	if got := h.store.discounts["SAVE10"].UsedCount; got != 1 {
		t.Fatalf("expected discount usage 1, got %d", got)
	}
	events := h.events.snapshot()
	if len(events) != 1 || events[0].Type != orderEventConfirmed || events[0].OrderNumber != order.OrderNumber {
		t.Fatalf("expected one confirmation event, got %+v", events)
	}
	if result.Effects.Completed != 4 || result.Effects.Retrying != 0 {
		t.Fatalf("expected 4 completed effects, got %+v", result.Effects)
	}
	for _, entry := range h.store.outboxEntries() {
		if entry.Status != domain.OutboxStatusCompleted {
			t.Fatalf("entry %s left in %s", entry.Kind, entry.Status)
		}
	}
}

func TestCommitDuplicateDeliveryHasNoEffects(t *testing.T) {
	h := newOrderHarness(t)
	seedCatalog(h)
	event := testCommitEvent(t, "FV-ABC123-XY9Z")

	if _, err := h.orders.Commit(context.Background(), NewHostedCheckoutConfirmation(event, "cs_1", "pi_1")); err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	stockAfterFirst := h.store.products["p1"].Quantity
	entriesAfterFirst := len(h.store.outboxEntries())

	result, err := h.orders.Commit(context.Background(), NewHostedCheckoutConfirmation(event, "cs_1", "pi_1"))
	if err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	if !result.Duplicate || result.Order.OrderNumber != "FV-ABC123-XY9Z" {
		t.Fatalf("expected duplicate of the same order, got %+v", result)
	}
	if len(h.store.orders) != 1 {
		t.Fatalf("expected exactly one order row, got %d", len(h.store.orders))
	}
	if h.store.products["p1"].Quantity != stockAfterFirst || len(h.store.outboxEntries()) != entriesAfterFirst {
		t.Fatalf("duplicate delivery must not repeat side effects")
	}
	if h.store.discounts["SAVE10"].UsedCount != 1 {
		t.Fatalf("duplicate delivery must not double count discount usage")
	}
	if len(h.events.snapshot()) != 1 {
		t.Fatalf("duplicate delivery must not notify again")
	}
}

func TestCommitCollisionDerivesNewNumber(t *testing.T) {
	h := newOrderHarness(t)
	seedCatalog(h)
	h.store.orders["FV-ABC123-XY9Z"] = domain.Order{OrderNumber: "FV-ABC123-XY9Z", Fingerprint: "someone-else"}
	event := testCommitEvent(t, "FV-ABC123-XY9Z")

	first, err := h.orders.Commit(context.Background(), NewSimulatedPaymentConfirmation(event))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	number := first.Order.OrderNumber
	if number == "FV-ABC123-XY9Z" || !ValidOrderNumber(number) {
		t.Fatalf("expected a derived order number, got %s", number)
	}
	if first.Order.Status != domain.OrderStatusPending || first.Order.PaidAt != nil {
		t.Fatalf("simulated orders start pending and unpaid: %+v", first.Order)
	}

	replay, err := h.orders.Commit(context.Background(), NewSimulatedPaymentConfirmation(event))
	if err != nil {
		t.Fatalf("replay Commit: %v", err)
	}
	if !replay.Duplicate || replay.Order.OrderNumber != number {
		t.Fatalf("expected replay to land on %s as duplicate, got %+v", number, replay)
	}
}

func TestCommitInsertConflictRechecksFingerprint(t *testing.T) {
	h := newOrderHarness(t)
	event := testCommitEvent(t, "FV-ABC123-XY9Z")
	fingerprint := OrderFingerprint(event)

	// Simulates a concurrent delivery winning the insert between lookup and write.
	h.store.insertOrderErr = errStubConflict("order")
	calls := 0
	orders := stubOrders{h.store}
	svc, err := NewOrderService(OrderServiceDeps{
		Orders: orderRepoFunc{
			stubOrders: orders,
			find: func(ctx context.Context, number string) (domain.Order, error) {
				calls++
				if calls == 1 {
					return domain.Order{}, errStubNotFound("order")
				}
				return domain.Order{OrderNumber: number, Fingerprint: fingerprint}, nil
			},
		},
		Addresses: stubAddresses{h.store},
		Inventory: h.inventory,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	result, err := svc.Commit(context.Background(), NewCapturedPaymentConfirmation(event, "pi_1"))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !result.Duplicate {
		t.Fatalf("expected conflict with matching fingerprint to be a duplicate")
	}
}

type orderRepoFunc struct {
	stubOrders
	find func(context.Context, string) (domain.Order, error)
}

func (r orderRepoFunc) FindByNumber(ctx context.Context, number string) (domain.Order, error) {
	return r.find(ctx, number)
}

func TestCommitRepositoryFailureIsPersistenceError(t *testing.T) {
	h := newOrderHarness(t)
	h.store.insertOrderErr = stubRepoError{msg: "deadline exceeded", unavailable: true}
	event := testCommitEvent(t, "FV-ABC123-XY9Z")

	_, err := h.orders.Commit(context.Background(), NewSimulatedPaymentConfirmation(event))
	if !errors.Is(err, ErrOrderRepositoryFailure) || !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if len(h.store.outboxEntries()) != 0 {
		t.Fatalf("failed commit must not leave effects behind")
	}
	if h.recorder.metrics[len(h.recorder.metrics)-1].outcome != commitOutcomeFailed {
		t.Fatalf("expected failed commit to be recorded")
	}
}

func TestCommitRejectsZeroEvent(t *testing.T) {
	h := newOrderHarness(t)
	if _, err := h.orders.Commit(context.Background(), NewSimulatedPaymentConfirmation(CommitEvent{})); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := h.orders.Commit(context.Background(), nil); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for nil confirmation, got %v", err)
	}
}

func TestCommitWithoutOutboxAppliesEffectsDirectly(t *testing.T) {
	store := newStubStore()
	store.products["p1"] = domain.Product{ID: "p1", Quantity: 3, InStock: true,
		Variants: []domain.ProductVariant{{Size: "M", Color: "Blue", Quantity: 1, InStock: true}}}
	store.discounts["SAVE10"] = save10()
	events := &captureOrderEvents{}
	inventory, _ := NewInventoryService(InventoryServiceDeps{Products: stubProducts{store}})
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:    stubOrders{store},
		Addresses: stubAddresses{store},
		Inventory: inventory,
		Discounts: stubDiscounts{store},
		Events:    events,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	result, err := svc.Commit(context.Background(), NewSimulatedPaymentConfirmation(testCommitEvent(t, "FV-ABC123-XY9Z")))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if store.products["p1"].Quantity != 1 || store.discounts["SAVE10"].UsedCount != 1 {
		t.Fatalf("expected direct effects applied: %+v", store.products["p1"])
	}
	if len(events.snapshot()) != 1 {
		t.Fatalf("expected confirmation event")
	}
	if result.Effects.Completed != 3 {
		t.Fatalf("expected stock, discount and notify effects, got %+v", result.Effects)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to domain.OrderStatus
		want     bool
	}{
		{domain.OrderStatusPending, domain.OrderStatusProcessing, true},
		{domain.OrderStatusPending, domain.OrderStatusDelivered, true},
		{domain.OrderStatusProcessing, domain.OrderStatusShipped, true},
		{domain.OrderStatusShipped, domain.OrderStatusProcessing, false},
		{domain.OrderStatusDelivered, domain.OrderStatusCompleted, true},
		{domain.OrderStatusCompleted, domain.OrderStatusRefunded, true},
		{domain.OrderStatusCompleted, domain.OrderStatusDelivered, false},
		{domain.OrderStatusPending, domain.OrderStatusCancelled, true},
		{domain.OrderStatusCancelled, domain.OrderStatusProcessing, false},
		{domain.OrderStatusRefunded, domain.OrderStatusCancelled, false},
		{domain.OrderStatusShipped, domain.OrderStatusShipped, true},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func strPtr(v string) *string { return &v }

func TestUpdateStatusShippedNotifiesOnce(t *testing.T) {
	h := newOrderHarness(t)
	seedCatalog(h)
	committed, err := h.orders.Commit(context.Background(), NewCapturedPaymentConfirmation(testCommitEvent(t, "FV-ABC123-XY9Z"), "pi_1"))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	number := committed.Order.OrderNumber

	order, err := h.orders.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderNumber:    number,
		Status:         strPtr("Shipped"),
		TrackingNumber: strPtr(" 1Z999 "),
		ShippingMethod: strPtr("UPS"),
		ActorID:        "admin-1",
	})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if order.Status != domain.OrderStatusShipped || order.ShippedAt == nil || order.TrackingNumber != "1Z999" {
		t.Fatalf("unexpected order after ship: %+v", order)
	}

	if _, err := h.orders.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderNumber:    number,
		Status:         strPtr("shipped"),
		TrackingNumber: strPtr("1Z999-B"),
	}); err != nil {
		t.Fatalf("UpdateStatus same status: %v", err)
	}

	shipped := 0
	for _, event := range h.events.snapshot() {
		if event.Type == orderEventShipped {
			shipped++
			if event.TrackingNumber != "1Z999" {
				t.Fatalf("shipped event carries tracking %q", event.TrackingNumber)
			}
		}
	}
	if shipped != 1 {
		t.Fatalf("expected exactly one shipped notification, got %d", shipped)
	}
	if got := h.store.orders[number].TrackingNumber; got != "1Z999-B" {
		t.Fatalf("expected tracking update persisted, got %q", got)
	}
}

func TestUpdateStatusErrors(t *testing.T) {
	h := newOrderHarness(t)
	h.store.orders["FV-ABC123-XY9Z"] = domain.Order{OrderNumber: "FV-ABC123-XY9Z", Status: domain.OrderStatusDelivered}

	_, err := h.orders.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderNumber: "FV-ABC123-XY9Z", Status: strPtr("teleported")})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}

	_, err = h.orders.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderNumber: "FV-ABC123-XY9Z", Status: strPtr("processing")})
	if !errors.Is(err, ErrOrderInvalidState) || !errors.Is(err, ErrValidation) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	_, err = h.orders.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderNumber: "FV-ZZZZZZ-0000", Status: strPtr("shipped")})
	if !errors.Is(err, ErrOrderNotFound) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	_, err = h.orders.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderNumber: "FV-ABC123-XY9Z"})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for empty update, got %v", err)
	}
}

func TestUpdateStatusSetsTerminalTimestamps(t *testing.T) {
	h := newOrderHarness(t)
	h.store.orders["FV-ABC123-XY9Z"] = domain.Order{OrderNumber: "FV-ABC123-XY9Z", Status: domain.OrderStatusCompleted}

	order, err := h.orders.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderNumber: "FV-ABC123-XY9Z", Status: strPtr("refunded")})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if order.RefundedAt == nil || !order.RefundedAt.Equal(h.now) {
		t.Fatalf("expected refundedAt, got %v", order.RefundedAt)
	}
}

func TestGetOrder(t *testing.T) {
	h := newOrderHarness(t)
	h.store.orders["FV-ABC123-XY9Z"] = domain.Order{OrderNumber: "FV-ABC123-XY9Z"}

	if _, err := h.orders.GetOrder(context.Background(), "FV-ABC123-XY9Z"); err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if _, err := h.orders.GetOrder(context.Background(), "FV-NOPE00-0000"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderFingerprintIgnoresNumberAndReference(t *testing.T) {
	a := testCommitEvent(t, "FV-ABC123-XY9Z")
	b := testCommitEvent(t, "FV-ABC123-0000")
	if OrderFingerprint(a) != OrderFingerprint(b) {
		t.Fatalf("fingerprint must not depend on order number")
	}
	c, err := NewCommitEvent(CommitEventInput{
		OrderNumber:     "FV-ABC123-XY9Z",
		Items:           []domain.OrderItem{{ProductID: "p1", Name: "Linen Shirt", UnitPrice: 5000, Quantity: 1, Size: "M", Color: "Blue"}},
		ShippingAddress: testAddress(),
		Subtotal:        5000,
		Total:           5000,
		ResolvedUserID:  "usr_1",
		CustomerEmail:   "ada@example.com",
		Currency:        "USD",
	})
	if err != nil {
		t.Fatalf("NewCommitEvent: %v", err)
	}
	if OrderFingerprint(a) == OrderFingerprint(c) {
		t.Fatalf("different content must fingerprint differently")
	}
}
