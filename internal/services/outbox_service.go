package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	domain "github.com/fernvale/orderflow/internal/domain"
	"github.com/fernvale/orderflow/internal/repositories"
)

const (
	payloadProductID    = "productId"
	payloadQuantity     = "quantity"
	payloadSize         = "size"
	payloadColor        = "color"
	payloadDiscountCode = "code"

	defaultOutboxMaxAttempts = 5
	defaultOutboxBaseBackoff = 30 * time.Second
	defaultOutboxMaxBackoff  = 30 * time.Minute
	defaultOutboxDrainLimit  = 50
	// A claimed entry whose dispatcher dies becomes due again once the lease runs out.
	defaultOutboxLease = 2 * time.Minute

	dispatchOutcomeCompleted = "completed"
	dispatchOutcomeRetrying  = "retrying"
	dispatchOutcomeDead      = "dead"
	dispatchOutcomeClaimed   = "claimed_elsewhere"
)

var errMalformedOutboxEntry = errors.New("outbox: malformed entry")

// OutboxServiceDeps bundles collaborators for the outbox dispatcher.
type OutboxServiceDeps struct {
	Outbox      repositories.OutboxRepository
	Orders      repositories.OrderRepository
	Discounts   repositories.DiscountRepository
	Inventory   InventoryService
	Events      OrderEventPublisher
	Recorder    CommitRecorder
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Lease       time.Duration
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type outboxService struct {
	outbox      repositories.OutboxRepository
	orders      repositories.OrderRepository
	discounts   repositories.DiscountRepository
	inventory   InventoryService
	events      OrderEventPublisher
	recorder    CommitRecorder
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	lease       time.Duration
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
}

// NewOutboxService constructs the dispatcher that applies queued order side effects.
func NewOutboxService(deps OutboxServiceDeps) (OutboxService, error) {
	switch {
	case deps.Outbox == nil:
		return nil, errors.New("outbox service: outbox repository is required")
	case deps.Orders == nil:
		return nil, errors.New("outbox service: order repository is required")
	case deps.Discounts == nil:
		return nil, errors.New("outbox service: discount repository is required")
	case deps.Inventory == nil:
		return nil, errors.New("outbox service: inventory service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	attempts := deps.MaxAttempts
	if attempts <= 0 {
		attempts = defaultOutboxMaxAttempts
	}
	base := deps.BaseBackoff
	if base <= 0 {
		base = defaultOutboxBaseBackoff
	}
	maxBackoff := deps.MaxBackoff
	if maxBackoff < base {
		maxBackoff = defaultOutboxMaxBackoff
		if maxBackoff < base {
			maxBackoff = base
		}
	}
	lease := deps.Lease
	if lease <= 0 {
		lease = defaultOutboxLease
	}

	return &outboxService{
		outbox:      deps.Outbox,
		orders:      deps.Orders,
		discounts:   deps.Discounts,
		inventory:   deps.Inventory,
		events:      deps.Events,
		recorder:    deps.Recorder,
		maxAttempts: attempts,
		baseBackoff: base,
		maxBackoff:  maxBackoff,
		lease:       lease,
		clock:       func() time.Time { return clock().UTC() },
		logger:      logger,
	}, nil
}

// Drain dispatches up to limit entries that are due.
func (s *outboxService) Drain(ctx context.Context, limit int) (DispatchReport, error) {
	if limit <= 0 {
		limit = defaultOutboxDrainLimit
	}
	entries, err := s.outbox.ListDue(ctx, s.clock(), limit)
	if err != nil {
		return DispatchReport{}, fmt.Errorf("outbox: list due entries: %w", err)
	}
	report := s.Dispatch(ctx, entries)
	if len(entries) > 0 {
		s.logger(ctx, "outbox.drain", map[string]any{
			"entries":   len(entries),
			"completed": report.Completed,
			"retrying":  report.Retrying,
			"dead":      report.Dead,
		})
	}
	return report, nil
}

// Dispatch applies each pending entry once and persists the outcome. Entries another
// dispatcher has already claimed are skipped.
func (s *outboxService) Dispatch(ctx context.Context, entries []domain.OutboxEntry) DispatchReport {
	var report DispatchReport
	for _, entry := range entries {
		if entry.Status != domain.OutboxStatusPending && entry.Status != "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			break
		}
		now := s.clock()
		claimed, err := s.outbox.Claim(ctx, entry, now, now.Add(s.lease))
		if err != nil {
			event := "outbox.claim.failed"
			if isRepoConflict(err) {
				event = "outbox.claim.lost"
			}
			s.logger(ctx, event, map[string]any{
				"entryId":     entry.ID,
				"orderNumber": entry.OrderNumber,
				"error":       err.Error(),
			})
			if s.recorder != nil {
				s.recorder.RecordDispatch(ctx, string(entry.Kind), dispatchOutcomeClaimed)
			}
			continue
		}
		entry = claimed
		outcome := s.dispatchOne(ctx, &entry)
		switch outcome {
		case dispatchOutcomeCompleted:
			report.Completed++
		case dispatchOutcomeRetrying:
			report.Retrying++
		case dispatchOutcomeDead:
			report.Dead++
		}
		if s.recorder != nil {
			s.recorder.RecordDispatch(ctx, string(entry.Kind), outcome)
		}
		if err := s.outbox.Save(ctx, entry); err != nil {
			s.logger(ctx, "outbox.save.failed", map[string]any{
				"entryId":     entry.ID,
				"orderNumber": entry.OrderNumber,
				"error":       err.Error(),
			})
		}
	}
	return report
}

// dispatchOne applies a claimed entry. Claim has already counted the attempt.
func (s *outboxService) dispatchOne(ctx context.Context, entry *domain.OutboxEntry) string {
	now := s.clock()
	entry.UpdatedAt = now

	note, err := s.apply(ctx, *entry)
	if err == nil {
		entry.Status = domain.OutboxStatusCompleted
		entry.Note = note
		entry.LastError = ""
		if note != "" {
			s.logger(ctx, "outbox.entry.skipped", map[string]any{
				"entryId":     entry.ID,
				"kind":        string(entry.Kind),
				"orderNumber": entry.OrderNumber,
				"note":        note,
			})
		}
		return dispatchOutcomeCompleted
	}

	entry.LastError = err.Error()
	if errors.Is(err, errMalformedOutboxEntry) || errors.Is(err, ErrValidation) || entry.Attempts >= s.maxAttempts {
		entry.Status = domain.OutboxStatusDead
		s.logger(ctx, "outbox.entry.dead", map[string]any{
			"entryId":     entry.ID,
			"kind":        string(entry.Kind),
			"orderNumber": entry.OrderNumber,
			"attempts":    entry.Attempts,
			"error":       err.Error(),
		})
		return dispatchOutcomeDead
	}

	entry.Status = domain.OutboxStatusPending
	entry.NextAttemptAt = now.Add(s.backoff(entry.Attempts))
	s.logger(ctx, "outbox.entry.retry", map[string]any{
		"entryId":     entry.ID,
		"kind":        string(entry.Kind),
		"orderNumber": entry.OrderNumber,
		"attempts":    entry.Attempts,
		"nextAttempt": entry.NextAttemptAt,
		"error":       err.Error(),
	})
	return dispatchOutcomeRetrying
}

// backoff doubles the base delay per attempt up to maxBackoff.
func (s *outboxService) backoff(attempts int) time.Duration {
	delay := s.baseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= s.maxBackoff {
			return s.maxBackoff
		}
	}
	return delay
}

// apply performs the side effect. A non-empty note with a nil error means the effect was
// terminally skipped for a business reason and must not be retried.
func (s *outboxService) apply(ctx context.Context, entry domain.OutboxEntry) (string, error) {
	switch entry.Kind {
	case domain.OutboxKindProductStock:
		adj, err := adjustmentFromPayload(entry.Payload)
		if err != nil {
			return "", err
		}
		outcome, err := s.inventory.AdjustProduct(ctx, adj)
		if err != nil {
			return "", err
		}
		return outcome.Skipped, nil
	case domain.OutboxKindVariantStock:
		adj, err := adjustmentFromPayload(entry.Payload)
		if err != nil {
			return "", err
		}
		outcome, err := s.inventory.AdjustVariant(ctx, adj)
		if err != nil {
			return "", err
		}
		return outcome.Skipped, nil
	case domain.OutboxKindDiscountUsage:
		code := NormalizeDiscountCode(entry.Payload[payloadDiscountCode])
		if code == "" {
			return "discount_code_missing", nil
		}
		if _, err := s.discounts.IncrementUsage(ctx, code, s.clock()); err != nil {
			var discountErr *repositories.DiscountError
			if errors.As(err, &discountErr) {
				return string(discountErr.Code), nil
			}
			return "", err
		}
		return "", nil
	case domain.OutboxKindOrderConfirmed, domain.OutboxKindOrderShipped:
		return s.notify(ctx, entry)
	default:
		return "", fmt.Errorf("%w: unknown kind %q", errMalformedOutboxEntry, entry.Kind)
	}
}

func (s *outboxService) notify(ctx context.Context, entry domain.OutboxEntry) (string, error) {
	if s.events == nil {
		return "notifier_disabled", nil
	}
	order, err := s.orders.FindByNumber(ctx, entry.OrderNumber)
	if err != nil {
		if isRepoNotFound(err) {
			return "order_missing", nil
		}
		return "", err
	}
	eventType := orderEventConfirmed
	if entry.Kind == domain.OutboxKindOrderShipped {
		eventType = orderEventShipped
	}
	event := orderEventFromOrder(eventType, order, "")
	event.OccurredAt = entry.CreatedAt
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		return "", fmt.Errorf("outbox: publish %s: %w", eventType, err)
	}
	return "", nil
}

func adjustmentFromPayload(payload map[string]string) (StockAdjustment, error) {
	qty, err := strconv.Atoi(strings.TrimSpace(payload[payloadQuantity]))
	if err != nil {
		return StockAdjustment{}, fmt.Errorf("%w: quantity %q", errMalformedOutboxEntry, payload[payloadQuantity])
	}
	return StockAdjustment{
		ProductID: strings.TrimSpace(payload[payloadProductID]),
		Size:      strings.TrimSpace(payload[payloadSize]),
		Color:     strings.TrimSpace(payload[payloadColor]),
		Quantity:  qty,
	}, nil
}
