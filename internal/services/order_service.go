package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/fernvale/orderflow/internal/domain"
	"github.com/fernvale/orderflow/internal/repositories"
)

const (
	orderEventConfirmed = "order.confirmed"
	orderEventShipped   = "order.shipped"

	orderIDPrefix   = "ord_"
	addressIDPrefix = "adr_"
	outboxIDPrefix  = "obx_"

	defaultCommitAttempts = 3

	commitOutcomeCreated   = "created"
	commitOutcomeDuplicate = "duplicate"
	commitOutcomeFailed    = "failed"
)

var orderStatusRank = map[domain.OrderStatus]int{
	domain.OrderStatusPending:    0,
	domain.OrderStatusProcessing: 1,
	domain.OrderStatusShipped:    2,
	domain.OrderStatusDelivered:  3,
	domain.OrderStatusCompleted:  4,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders     repositories.OrderRepository
	Addresses  repositories.AddressRepository
	OutboxRepo repositories.OutboxRepository
	// Outbox dispatches enqueued effects inline. When OutboxRepo is nil effects are applied directly instead.
	Outbox      OutboxService
	Inventory   InventoryService
	Discounts   repositories.DiscountRepository
	UnitOfWork  repositories.UnitOfWork
	Numbers     *OrderNumberGenerator
	Events      OrderEventPublisher
	Recorder    CommitRecorder
	MaxAttempts int
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders      repositories.OrderRepository
	addresses   repositories.AddressRepository
	outboxRepo  repositories.OutboxRepository
	outbox      OutboxService
	inventory   InventoryService
	discounts   repositories.DiscountRepository
	unitOfWork  repositories.UnitOfWork
	numbers     *OrderNumberGenerator
	events      OrderEventPublisher
	recorder    CommitRecorder
	maxAttempts int
	clock       func() time.Time
	newID       func() string
	logger      func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into the commit orchestrator.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Addresses == nil {
		return nil, errors.New("order service: address repository is required")
	}
	if deps.OutboxRepo != nil && deps.Outbox == nil {
		return nil, errors.New("order service: outbox dispatcher is required with an outbox repository")
	}
	if deps.OutboxRepo == nil && deps.Inventory == nil {
		return nil, errors.New("order service: inventory service is required without an outbox")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	numbers := deps.Numbers
	if numbers == nil {
		numbers = NewOrderNumberGenerator(clock)
	}

	attempts := deps.MaxAttempts
	if attempts <= 0 {
		attempts = defaultCommitAttempts
	}

	return &orderService{
		orders:      deps.Orders,
		addresses:   deps.Addresses,
		outboxRepo:  deps.OutboxRepo,
		outbox:      deps.Outbox,
		inventory:   deps.Inventory,
		discounts:   deps.Discounts,
		unitOfWork:  unit,
		numbers:     numbers,
		events:      deps.Events,
		recorder:    deps.Recorder,
		maxAttempts: attempts,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Commit persists the order described by confirmation exactly once per order number.
func (s *orderService) Commit(ctx context.Context, confirmation PaymentConfirmation) (CommitResult, error) {
	if confirmation == nil {
		return CommitResult{}, fmt.Errorf("%w: payment confirmation is required", ErrOrderInvalidInput)
	}
	event := confirmation.Event()
	if event.OrderNumber() == "" {
		return CommitResult{}, fmt.Errorf("%w: commit event was not constructed", ErrOrderInvalidInput)
	}
	terms := confirmation.paymentTerms()
	fingerprint := OrderFingerprint(event)
	// Derived numbers hang off the provider reference when there is one, so FindCommitted
	// can walk the same chain before the cart is re-priced.
	salt := terms.reference
	if salt == "" {
		salt = fingerprint
	}

	number := event.OrderNumber()
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		existing, err := s.orders.FindByNumber(ctx, number)
		if err == nil {
			if sameCommit(existing, terms.reference, fingerprint) {
				s.logger(ctx, "order.commit.duplicate", map[string]any{
					"orderNumber": number,
					"path":        terms.path,
				})
				s.record(ctx, terms.path, commitOutcomeDuplicate)
				return CommitResult{Order: existing, Duplicate: true}, nil
			}
			next := s.numbers.Derive(event.OrderNumber(), salt, attempt+1)
			s.logger(ctx, "order.commit.collision", map[string]any{
				"orderNumber": number,
				"retryNumber": next,
				"attempt":     attempt + 1,
			})
			number = next
			continue
		}
		if !isRepoNotFound(err) {
			s.record(ctx, terms.path, commitOutcomeFailed)
			return CommitResult{}, mapOrderRepositoryError(err)
		}

		order, entries := s.buildOrder(event.withOrderNumber(number), terms, fingerprint)
		err = s.runInTx(ctx, func(txCtx context.Context) error {
			if err := s.addresses.Insert(txCtx, *order.ShippingAddress); err != nil {
				return err
			}
			if err := s.orders.Insert(txCtx, order); err != nil {
				return err
			}
			if s.outboxRepo != nil && len(entries) > 0 {
				if err := s.outboxRepo.Enqueue(txCtx, entries); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			if isRepoConflict(err) {
				s.logger(ctx, "order.commit.conflict", map[string]any{
					"orderNumber": number,
					"attempt":     attempt + 1,
				})
				continue
			}
			s.record(ctx, terms.path, commitOutcomeFailed)
			return CommitResult{}, mapOrderRepositoryError(err)
		}

		s.logger(ctx, "order.commit.created", map[string]any{
			"orderNumber": order.OrderNumber,
			"path":        terms.path,
			"status":      string(order.Status),
			"total":       order.Totals.Total,
		})
		s.record(ctx, terms.path, commitOutcomeCreated)

		effects := s.applyEffects(ctx, order, entries)
		return CommitResult{Order: order, Effects: effects}, nil
	}

	s.record(ctx, terms.path, commitOutcomeFailed)
	return CommitResult{}, fmt.Errorf("%w: no free order number after %d attempts", ErrOrderConflict, s.maxAttempts)
}

// FindCommitted returns the order an earlier commit carrying reference produced for orderNumber,
// following the same derived numbers Commit uses on collision.
func (s *orderService) FindCommitted(ctx context.Context, orderNumber, reference string) (domain.Order, bool, error) {
	number := strings.TrimSpace(orderNumber)
	reference = strings.TrimSpace(reference)
	if number == "" || reference == "" {
		return domain.Order{}, false, nil
	}
	candidate := number
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		existing, err := s.orders.FindByNumber(ctx, candidate)
		if err != nil {
			if isRepoNotFound(err) {
				return domain.Order{}, false, nil
			}
			return domain.Order{}, false, mapOrderRepositoryError(err)
		}
		if existing.PaymentReference == reference {
			return existing, true, nil
		}
		candidate = s.numbers.Derive(number, reference, attempt+1)
	}
	return domain.Order{}, false, nil
}

// sameCommit decides duplicate versus collision. A provider reference identifies the payment;
// the content fingerprint is only consulted when either side lacks one.
func sameCommit(existing domain.Order, reference, fingerprint string) bool {
	if reference != "" && existing.PaymentReference != "" {
		return existing.PaymentReference == reference
	}
	return existing.Fingerprint == fingerprint
}

func (s *orderService) buildOrder(event CommitEvent, terms paymentTerms, fingerprint string) (domain.Order, []domain.OutboxEntry) {
	now := s.now()

	address := event.ShippingAddress()
	address.ID = addressIDPrefix + s.newID()
	address.UserID = event.ResolvedUserID()
	address.CreatedAt = now

	order := domain.Order{
		ID:                orderIDPrefix + s.newID(),
		OrderNumber:       event.OrderNumber(),
		UserID:            event.ResolvedUserID(),
		CustomerEmail:     event.CustomerEmail(),
		CustomerName:      event.CustomerName(),
		Status:            terms.status,
		Currency:          event.Currency(),
		Totals:            event.Totals(),
		Items:             event.Items(),
		ShippingAddressID: address.ID,
		ShippingAddress:   &address,
		PaymentMethod:     terms.method,
		PaymentReference:  terms.reference,
		ShippingMethod:    event.ShippingMethod(),
		Fingerprint:       fingerprint,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if applied := event.AppliedDiscount(); applied.Code != "" {
		order.Discount = &applied
	}
	if terms.paid {
		order.PaidAt = &now
	}
	return order, s.commitEffects(order, now)
}

// commitEffects lists the side effects of a newly created order. Product and variant stock are
// separate entries so a retried variant decrement can never repeat the product decrement.
func (s *orderService) commitEffects(order domain.Order, now time.Time) []domain.OutboxEntry {
	entries := make([]domain.OutboxEntry, 0, len(order.Items)*2+2)
	for _, item := range order.Items {
		adj := AdjustmentForItem(item)
		if adj.ProductID == "" {
			continue
		}
		payload := map[string]string{
			payloadProductID: adj.ProductID,
			payloadQuantity:  strconv.Itoa(adj.Quantity),
		}
		entries = append(entries, s.newEntry(domain.OutboxKindProductStock, order.OrderNumber, payload, now))
		if adj.Size != "" || adj.Color != "" {
			variant := map[string]string{
				payloadProductID: adj.ProductID,
				payloadQuantity:  strconv.Itoa(adj.Quantity),
				payloadSize:      adj.Size,
				payloadColor:     adj.Color,
			}
			entries = append(entries, s.newEntry(domain.OutboxKindVariantStock, order.OrderNumber, variant, now))
		}
	}
	if order.Discount != nil && order.Discount.Code != "" {
		entries = append(entries, s.newEntry(domain.OutboxKindDiscountUsage, order.OrderNumber, map[string]string{
			payloadDiscountCode: order.Discount.Code,
		}, now))
	}
	entries = append(entries, s.newEntry(domain.OutboxKindOrderConfirmed, order.OrderNumber, nil, now))
	return entries
}

func (s *orderService) newEntry(kind domain.OutboxKind, orderNumber string, payload map[string]string, now time.Time) domain.OutboxEntry {
	return domain.OutboxEntry{
		ID:            outboxIDPrefix + s.newID(),
		Kind:          kind,
		OrderNumber:   orderNumber,
		Payload:       payload,
		Status:        domain.OutboxStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// applyEffects runs the post-commit effects. It never fails the caller.
func (s *orderService) applyEffects(ctx context.Context, order domain.Order, entries []domain.OutboxEntry) DispatchReport {
	if len(entries) == 0 {
		return DispatchReport{}
	}
	if s.outboxRepo != nil {
		return s.outbox.Dispatch(ctx, entries)
	}
	return s.applyEffectsDirect(ctx, order, entries)
}

// applyEffectsDirect is used when no outbox is configured; failures are logged and lost.
func (s *orderService) applyEffectsDirect(ctx context.Context, order domain.Order, entries []domain.OutboxEntry) DispatchReport {
	var report DispatchReport
	stockApplied := false
	for _, entry := range entries {
		switch entry.Kind {
		case domain.OutboxKindProductStock, domain.OutboxKindVariantStock:
			if stockApplied {
				continue
			}
			stockApplied = true
			for _, result := range s.inventory.AdjustForOrder(ctx, order.Items) {
				if result.ProductErr != nil || result.VariantErr != nil {
					report.Dead++
					continue
				}
				report.Completed++
			}
		case domain.OutboxKindDiscountUsage:
			if s.discounts == nil {
				continue
			}
			if _, err := s.discounts.IncrementUsage(ctx, entry.Payload[payloadDiscountCode], s.now()); err != nil {
				s.logger(ctx, "order.discount.usage.failed", map[string]any{
					"orderNumber": order.OrderNumber,
					"code":        entry.Payload[payloadDiscountCode],
					"error":       err.Error(),
				})
				report.Dead++
				continue
			}
			report.Completed++
		case domain.OutboxKindOrderConfirmed:
			s.publishEvent(ctx, orderEventFromOrder(orderEventConfirmed, order, ""))
			report.Completed++
		case domain.OutboxKindOrderShipped:
			s.publishEvent(ctx, orderEventFromOrder(orderEventShipped, order, ""))
			report.Completed++
		}
	}
	return report
}

func (s *orderService) GetOrder(ctx context.Context, orderNumber string) (domain.Order, error) {
	number := strings.TrimSpace(orderNumber)
	if number == "" {
		return domain.Order{}, fmt.Errorf("%w: order number is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByNumber(ctx, number)
	if err != nil {
		return domain.Order{}, mapOrderRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (domain.Order, error) {
	number := strings.TrimSpace(cmd.OrderNumber)
	if number == "" {
		return domain.Order{}, fmt.Errorf("%w: order number is required", ErrOrderInvalidInput)
	}
	if cmd.Status == nil && cmd.TrackingNumber == nil && cmd.ShippingMethod == nil {
		return domain.Order{}, fmt.Errorf("%w: nothing to update", ErrOrderInvalidInput)
	}

	var target domain.OrderStatus
	if cmd.Status != nil {
		target = domain.OrderStatus(strings.ToLower(strings.TrimSpace(*cmd.Status)))
		if !target.IsValid() {
			return domain.Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, *cmd.Status)
		}
	}

	// The write is conditional on the status we read. Losing that race means another admin
	// moved the order first, so re-read and decide the transition (and its notification) again.
	var (
		order   domain.Order
		prev    domain.OrderStatus
		entries []domain.OutboxEntry
	)
	for attempt := 0; ; attempt++ {
		current, err := s.orders.FindByNumber(ctx, number)
		if err != nil {
			return domain.Order{}, mapOrderRepositoryError(err)
		}
		order, entries, err = s.applyStatusChange(current, target, cmd)
		if err != nil {
			return domain.Order{}, err
		}
		prev = current.Status

		err = s.runInTx(ctx, func(txCtx context.Context) error {
			if err := s.orders.Update(txCtx, order, prev); err != nil {
				return err
			}
			if s.outboxRepo != nil && len(entries) > 0 {
				return s.outboxRepo.Enqueue(txCtx, entries)
			}
			return nil
		})
		if err == nil {
			break
		}
		if !isRepoConflict(err) || attempt+1 >= s.maxAttempts {
			return domain.Order{}, mapOrderRepositoryError(err)
		}
		s.logger(ctx, "order.status.conflict", map[string]any{
			"orderNumber": number,
			"attempt":     attempt + 1,
		})
	}

	s.logger(ctx, "order.status.updated", map[string]any{
		"orderNumber": order.OrderNumber,
		"from":        string(prev),
		"to":          string(order.Status),
		"actor":       strings.TrimSpace(cmd.ActorID),
	})

	s.applyEffects(ctx, order, entries)
	return order, nil
}

// applyStatusChange computes the updated order and the shipped notification, if the change moves it into shipped.
func (s *orderService) applyStatusChange(order domain.Order, target domain.OrderStatus, cmd UpdateOrderStatusCommand) (domain.Order, []domain.OutboxEntry, error) {
	now := s.now()
	prev := order.Status
	if target != "" {
		if !canTransition(prev, target) {
			return domain.Order{}, nil, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, prev, target)
		}
		if target != prev {
			order.Status = target
			updateTimestamps(&order, target, now)
		}
	}
	if cmd.TrackingNumber != nil {
		order.TrackingNumber = strings.TrimSpace(*cmd.TrackingNumber)
	}
	if cmd.ShippingMethod != nil {
		order.ShippingMethod = strings.TrimSpace(*cmd.ShippingMethod)
	}
	order.UpdatedAt = now

	var entries []domain.OutboxEntry
	if order.Status == domain.OrderStatusShipped && prev != domain.OrderStatusShipped {
		entries = append(entries, s.newEntry(domain.OutboxKindOrderShipped, order.OrderNumber, nil, now))
	}
	return order, entries, nil
}

// canTransition allows forward moves that may skip states, plus cancel or refund from any non-terminal state.
func canTransition(current, target domain.OrderStatus) bool {
	if current == target {
		return true
	}
	if current.IsTerminal() {
		return false
	}
	if target.IsTerminal() {
		return true
	}
	from, okFrom := orderStatusRank[current]
	to, okTo := orderStatusRank[target]
	return okFrom && okTo && to > from
}

func updateTimestamps(order *domain.Order, status domain.OrderStatus, now time.Time) {
	switch status {
	case domain.OrderStatusProcessing:
		if order.PaidAt == nil {
			order.PaidAt = &now
		}
	case domain.OrderStatusShipped:
		order.ShippedAt = &now
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	case domain.OrderStatusCompleted:
		order.CompletedAt = &now
	case domain.OrderStatusCancelled:
		if order.CancelledAt == nil {
			order.CancelledAt = &now
		}
	case domain.OrderStatusRefunded:
		if order.RefundedAt == nil {
			order.RefundedAt = &now
		}
	}
}

// OrderFingerprint hashes the purchase content of an event. It ignores the order number and provider
// reference so a redelivered confirmation matches the order it produced earlier.
func OrderFingerprint(event CommitEvent) string {
	h := sha256.New()
	totals := event.Totals()
	fmt.Fprintf(h, "%s|%d|%s", strings.ToLower(event.CustomerEmail()), totals.Total, event.Currency())
	for _, item := range event.items {
		fmt.Fprintf(h, "|%s:%d:%d:%s:%s",
			strings.TrimSpace(item.ProductID),
			item.Quantity,
			item.UnitPrice,
			strings.ToLower(strings.TrimSpace(item.Size)),
			strings.ToLower(strings.TrimSpace(item.Color)),
		)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func orderEventFromOrder(eventType string, order domain.Order, previous domain.OrderStatus) OrderEvent {
	occurred := order.UpdatedAt
	if occurred.IsZero() {
		occurred = order.CreatedAt
	}
	return OrderEvent{
		Type:           eventType,
		OrderNumber:    order.OrderNumber,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		CustomerEmail:  order.CustomerEmail,
		CustomerName:   order.CustomerName,
		Total:          order.Totals.Total,
		Currency:       order.Currency,
		TrackingNumber: order.TrackingNumber,
		ShippingMethod: order.ShippingMethod,
		OccurredAt:     occurred,
	}
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) record(ctx context.Context, path, outcome string) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordCommit(ctx, path, outcome)
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderNumber,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
