package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/fernvale/orderflow/internal/domain"
	"github.com/fernvale/orderflow/internal/payments"
	"github.com/fernvale/orderflow/internal/repositories"
)

const (
	idempotencyOpSession = "checkout_session"
	idempotencyOpIntent  = "payment_intent"
	idempotencyOpCapture = "capture"

	defaultPlaceholderProductID = "placeholder-product"
)

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Pricing   PricingService
	Customers CustomerService
	Orders    OrderService
	Products  repositories.ProductRepository
	// Provider may be nil, in which case only the simulated path is available.
	Provider             payments.Provider
	Numbers              *OrderNumberGenerator
	SuccessURL           string
	CancelURL            string
	SimulatedEnabled     bool
	PlaceholderProductID string
	Clock                func() time.Time
	Logger               func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	pricing       PricingService
	customers     CustomerService
	orders        OrderService
	products      repositories.ProductRepository
	provider      payments.Provider
	numbers       *OrderNumberGenerator
	successURL    string
	cancelURL     string
	simulated     bool
	placeholderID string
	logger        func(ctx context.Context, event string, fields map[string]any)
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Pricing == nil {
		return nil, errors.New("checkout service: pricing service is required")
	}
	if deps.Customers == nil {
		return nil, errors.New("checkout service: customer service is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order service is required")
	}
	if deps.SimulatedEnabled && deps.Products == nil {
		return nil, errors.New("checkout service: product repository is required for simulated payments")
	}
	if deps.Provider != nil && (strings.TrimSpace(deps.SuccessURL) == "" || strings.TrimSpace(deps.CancelURL) == "") {
		return nil, errors.New("checkout service: success and cancel urls are required")
	}

	numbers := deps.Numbers
	if numbers == nil {
		numbers = NewOrderNumberGenerator(deps.Clock)
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	placeholder := strings.TrimSpace(deps.PlaceholderProductID)
	if placeholder == "" {
		placeholder = defaultPlaceholderProductID
	}

	return &checkoutService{
		pricing:       deps.Pricing,
		customers:     deps.Customers,
		orders:        deps.Orders,
		products:      deps.Products,
		provider:      deps.Provider,
		numbers:       numbers,
		successURL:    strings.TrimSpace(deps.SuccessURL),
		cancelURL:     strings.TrimSpace(deps.CancelURL),
		simulated:     deps.SimulatedEnabled,
		placeholderID: placeholder,
		logger:        logger,
	}, nil
}

// CreateCheckoutSession prices the cart and opens a hosted session. No order is written until the webhook arrives.
func (s *checkoutService) CreateCheckoutSession(ctx context.Context, cmd CheckoutCommand) (HostedCheckoutSession, error) {
	if s.provider == nil {
		return HostedCheckoutSession{}, ErrPaymentProviderOff
	}
	draft, err := s.prepare(ctx, cmd)
	if err != nil {
		return HostedCheckoutSession{}, err
	}
	meta, err := encodeCheckoutMetadata(draft)
	if err != nil {
		return HostedCheckoutSession{}, err
	}

	session, err := s.provider.CreateCheckoutSession(ctx, payments.CheckoutSessionRequest{
		Amount:         draft.breakdown.Total,
		Currency:       draft.breakdown.Currency,
		CustomerEmail:  draft.purchaser.Email,
		SuccessURL:     s.successURL,
		CancelURL:      s.cancelURL,
		Metadata:       meta,
		IdempotencyKey: payments.IdempotencyKey(idempotencyOpSession, draft.orderNumber),
		Items: []payments.CheckoutLineItem{{
			Name:     "Order " + draft.orderNumber,
			Quantity: 1,
			Amount:   draft.breakdown.Total,
		}},
	})
	if err != nil {
		s.logger(ctx, "checkout.session.failed", map[string]any{
			"orderNumber": draft.orderNumber,
			"error":       err.Error(),
		})
		return HostedCheckoutSession{}, fmt.Errorf("%w: %v", ErrCheckoutPaymentFailed, err)
	}

	return HostedCheckoutSession{
		SessionID:   session.ID,
		URL:         session.RedirectURL,
		OrderNumber: draft.orderNumber,
		Total:       draft.breakdown.Total,
		Currency:    draft.breakdown.Currency,
	}, nil
}

// HandleWebhook verifies a provider callback and commits paid checkout sessions.
func (s *checkoutService) HandleWebhook(ctx context.Context, cmd WebhookCommand) (WebhookResult, error) {
	if s.provider == nil {
		return WebhookResult{}, ErrPaymentProviderOff
	}
	event, err := s.provider.ParseWebhook(cmd.Payload, cmd.Signature)
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			return WebhookResult{}, fmt.Errorf("%w: %v", ErrWebhookSignature, err)
		}
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrWebhookMetadata, err)
	}

	result := WebhookResult{EventID: event.ID, EventType: event.Type}
	if event.Type != payments.EventCheckoutSessionCompleted {
		result.Ignored = true
		return result, nil
	}
	if event.PaymentStatus != payments.PaymentStatusPaid {
		s.logger(ctx, "checkout.webhook.unpaid", map[string]any{
			"eventId":       event.ID,
			"sessionId":     event.SessionID,
			"paymentStatus": event.PaymentStatus,
		})
		result.Ignored = true
		return result, nil
	}

	draft, err := decodeCheckoutMetadata(event.Metadata)
	if err != nil {
		return WebhookResult{}, err
	}
	result.OrderNumber = draft.orderNumber
	if event.AmountTotal != draft.breakdown.Total {
		return WebhookResult{}, fmt.Errorf("%w: paid amount %d does not match order total %d", ErrWebhookMetadata, event.AmountTotal, draft.breakdown.Total)
	}
	if draft.purchaser.Email == "" {
		draft.purchaser.Email = event.CustomerEmail
	}

	existing, found, err := s.orders.FindCommitted(ctx, draft.orderNumber, hostedReference(event.SessionID, event.PaymentIntentID))
	if err != nil {
		return WebhookResult{}, err
	}
	if found {
		s.logger(ctx, "checkout.webhook.replay", map[string]any{
			"eventId":     event.ID,
			"orderNumber": existing.OrderNumber,
		})
		result.OrderNumber = existing.OrderNumber
		result.Duplicate = true
		return result, nil
	}

	commitEvent, err := s.commitEvent(ctx, draft, event.PaymentIntentID)
	if err != nil {
		return WebhookResult{}, err
	}
	committed, err := s.orders.Commit(ctx, NewHostedCheckoutConfirmation(commitEvent, event.SessionID, event.PaymentIntentID))
	if err != nil {
		return WebhookResult{}, err
	}
	result.OrderNumber = committed.Order.OrderNumber
	result.Duplicate = committed.Duplicate
	return result, nil
}

// CreatePaymentIntent prices the cart and authorises the total for later capture.
func (s *checkoutService) CreatePaymentIntent(ctx context.Context, cmd CheckoutCommand) (PaymentIntentResult, error) {
	if s.provider == nil {
		return PaymentIntentResult{}, ErrPaymentProviderOff
	}
	draft, err := s.prepare(ctx, cmd)
	if err != nil {
		return PaymentIntentResult{}, err
	}
	intent, err := s.provider.CreatePaymentIntent(ctx, payments.PaymentIntentRequest{
		Amount:       draft.breakdown.Total,
		Currency:     draft.breakdown.Currency,
		ReceiptEmail: draft.purchaser.Email,
		Metadata: map[string]string{
			payments.MetadataOrderNumber: draft.orderNumber,
		},
		IdempotencyKey: payments.IdempotencyKey(idempotencyOpIntent, draft.orderNumber),
	})
	if err != nil {
		s.logger(ctx, "checkout.intent.failed", map[string]any{
			"orderNumber": draft.orderNumber,
			"error":       err.Error(),
		})
		return PaymentIntentResult{}, fmt.Errorf("%w: %v", ErrCheckoutPaymentFailed, err)
	}
	return PaymentIntentResult{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		OrderNumber:  draft.orderNumber,
		Total:        draft.breakdown.Total,
		Currency:     draft.breakdown.Currency,
	}, nil
}

// CapturePayment captures an authorised intent and commits the resubmitted cart under the intent's order number.
func (s *checkoutService) CapturePayment(ctx context.Context, cmd CaptureCommand) (CaptureResult, error) {
	if s.provider == nil {
		return CaptureResult{}, ErrPaymentProviderOff
	}
	intentID := strings.TrimSpace(cmd.ProviderOrderID)
	if intentID == "" || cmd.Cart == nil {
		return CaptureResult{}, fmt.Errorf("%w: providerOrderId and cart are required", ErrCheckoutInvalidInput)
	}

	details, err := s.provider.LookupPayment(ctx, payments.LookupRequest{IntentID: intentID})
	if err != nil {
		if errors.Is(err, payments.ErrPaymentNotFound) {
			return CaptureResult{}, fmt.Errorf("%w: %s", ErrUnknownProviderOrder, intentID)
		}
		return CaptureResult{}, fmt.Errorf("%w: %v", ErrCheckoutPaymentFailed, err)
	}
	if details.Status != payments.StatusRequiresCapture && details.Status != payments.StatusSucceeded {
		return CaptureResult{}, fmt.Errorf("%w: payment %s is %s", ErrPaymentNotCapturable, intentID, details.Status)
	}
	number := strings.TrimSpace(details.Metadata[payments.MetadataOrderNumber])
	if !ValidOrderNumber(number) {
		return CaptureResult{}, fmt.Errorf("%w: payment %s carries no order number", ErrUnknownProviderOrder, intentID)
	}

	// A replayed capture answers from the stored order. The cart is not re-priced, so a
	// discount used up by this very order cannot fail the retry.
	existing, found, err := s.orders.FindCommitted(ctx, number, intentID)
	if err != nil {
		return CaptureResult{}, err
	}
	if found {
		s.logger(ctx, "checkout.capture.replay", map[string]any{
			"orderNumber":     existing.OrderNumber,
			"paymentIntentId": intentID,
		})
		return CaptureResult{
			OrderNumber:     existing.OrderNumber,
			PaymentIntentID: intentID,
			Total:           existing.Totals.Total,
			Currency:        existing.Currency,
			Duplicate:       true,
		}, nil
	}

	cart := *cmd.Cart
	cart.OrderNumber = number
	draft, err := s.prepare(ctx, cart)
	if err != nil {
		return CaptureResult{}, err
	}
	if details.Amount != draft.breakdown.Total {
		return CaptureResult{}, fmt.Errorf("%w: authorised amount %d does not match total %d", ErrCheckoutInvalidInput, details.Amount, draft.breakdown.Total)
	}

	if details.Status == payments.StatusRequiresCapture {
		if _, err := s.provider.Capture(ctx, payments.CaptureRequest{
			IntentID:       intentID,
			IdempotencyKey: payments.IdempotencyKey(idempotencyOpCapture, number),
		}); err != nil {
			s.logger(ctx, "checkout.capture.failed", map[string]any{
				"orderNumber":     number,
				"paymentIntentId": intentID,
				"error":           err.Error(),
			})
			return CaptureResult{}, fmt.Errorf("%w: %v", ErrCheckoutPaymentFailed, err)
		}
	}

	commitEvent, err := s.commitEvent(ctx, draft, intentID)
	if err != nil {
		return CaptureResult{}, err
	}
	committed, err := s.orders.Commit(ctx, NewCapturedPaymentConfirmation(commitEvent, intentID))
	if err != nil {
		return CaptureResult{}, err
	}
	return CaptureResult{
		OrderNumber:     committed.Order.OrderNumber,
		PaymentIntentID: intentID,
		Total:           committed.Order.Totals.Total,
		Currency:        committed.Order.Currency,
		Duplicate:       committed.Duplicate,
	}, nil
}

// CreateSimulatedOrder commits an unpaid order without contacting a provider.
func (s *checkoutService) CreateSimulatedOrder(ctx context.Context, cmd CheckoutCommand) (CommitResult, error) {
	if !s.simulated {
		return CommitResult{}, ErrSimulatedPaymentsOff
	}
	// A client-chosen number is the caller's idempotency key and doubles as the payment reference.
	reference := strings.TrimSpace(cmd.OrderNumber)
	if reference != "" && ValidOrderNumber(reference) {
		existing, found, err := s.orders.FindCommitted(ctx, reference, reference)
		if err != nil {
			return CommitResult{}, err
		}
		if found {
			return CommitResult{Order: existing, Duplicate: true}, nil
		}
	}
	draft, err := s.prepare(ctx, cmd)
	if err != nil {
		return CommitResult{}, err
	}
	items, err := s.substituteMissingProducts(ctx, draft.items)
	if err != nil {
		return CommitResult{}, err
	}
	draft.items = items

	commitEvent, err := s.commitEvent(ctx, draft, reference)
	if err != nil {
		return CommitResult{}, err
	}
	return s.orders.Commit(ctx, NewSimulatedPaymentConfirmation(commitEvent))
}

// prepare validates and prices a cart and fixes its order number.
func (s *checkoutService) prepare(ctx context.Context, cmd CheckoutCommand) (checkoutDraft, error) {
	if len(cmd.Items) == 0 {
		return checkoutDraft{}, fmt.Errorf("%w: cart must contain at least one item", ErrCheckoutInvalidInput)
	}
	if strings.TrimSpace(cmd.Purchaser.SessionUserID) == "" && strings.TrimSpace(cmd.Purchaser.Email) == "" {
		return checkoutDraft{}, ErrPurchaserInvalid
	}
	for i, item := range cmd.Items {
		if strings.TrimSpace(item.Name) == "" {
			return checkoutDraft{}, fmt.Errorf("%w: item %d name is required", ErrCheckoutInvalidInput, i)
		}
	}
	address := cloneAddress(cmd.ShippingAddress)
	if strings.TrimSpace(address.Email) == "" {
		address.Email = strings.TrimSpace(cmd.Purchaser.Email)
	}
	if err := validateAddressSnapshot(address); err != nil {
		return checkoutDraft{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}

	breakdown, err := s.pricing.Quote(ctx, QuoteCommand{
		Items:            cmd.Items,
		DiscountCode:     cmd.DiscountCode,
		Zone:             cmd.Zone,
		Shipping:         cmd.Shipping,
		Tax:              cmd.Tax,
		Currency:         cmd.Currency,
		ExpectedSubtotal: cmd.Subtotal,
		ExpectedDiscount: cmd.Discount,
		ExpectedTotal:    cmd.Total,
	})
	if err != nil {
		return checkoutDraft{}, err
	}

	number := strings.TrimSpace(cmd.OrderNumber)
	if number == "" {
		number, err = s.numbers.Next()
		if err != nil {
			return checkoutDraft{}, fmt.Errorf("checkout: generate order number: %w", err)
		}
	} else if !ValidOrderNumber(number) {
		return checkoutDraft{}, fmt.Errorf("%w: order number %q is malformed", ErrCheckoutInvalidInput, number)
	}

	return checkoutDraft{
		orderNumber: number,
		items:       cloneItems(cmd.Items),
		address:     address,
		purchaser: PurchaserInput{
			SessionUserID: strings.TrimSpace(cmd.Purchaser.SessionUserID),
			Email:         strings.TrimSpace(cmd.Purchaser.Email),
			Name:          strings.TrimSpace(cmd.Purchaser.Name),
		},
		breakdown: breakdown,
	}, nil
}

func (s *checkoutService) commitEvent(ctx context.Context, draft checkoutDraft, providerRef string) (CommitEvent, error) {
	user, err := s.customers.ResolvePurchaser(ctx, draft.purchaser)
	if err != nil {
		return CommitEvent{}, err
	}
	name := draft.purchaser.Name
	if name == "" {
		name = user.Name
	}
	if name == "" {
		name = draft.address.Recipient
	}
	b := draft.breakdown
	return NewCommitEvent(CommitEventInput{
		OrderNumber:       draft.orderNumber,
		Items:             draft.items,
		ShippingAddress:   draft.address,
		Subtotal:          b.Subtotal,
		Shipping:          b.Shipping,
		Tax:               b.Tax,
		Discount:          b.Discount,
		Total:             b.Total,
		AppliedDiscount:   b.Applied,
		ShippingMethod:    b.Shipment.Method,
		ProviderReference: providerRef,
		ResolvedUserID:    user.ID,
		CustomerEmail:     user.Email,
		CustomerName:      name,
		Currency:          b.Currency,
	})
}

// substituteMissingProducts points items whose product no longer exists at the placeholder product.
func (s *checkoutService) substituteMissingProducts(ctx context.Context, items []domain.OrderItem) ([]domain.OrderItem, error) {
	out := cloneItems(items)
	ensured := false
	for i := range out {
		id := strings.TrimSpace(out[i].ProductID)
		if id == "" {
			continue
		}
		_, err := s.products.FindByID(ctx, id)
		if err == nil {
			continue
		}
		if !isRepoNotFound(err) {
			return nil, fmt.Errorf("checkout: load product %s: %w", id, err)
		}
		if !ensured {
			if err := s.products.EnsureExists(ctx, domain.Product{
				ID:   s.placeholderID,
				Name: "Placeholder product",
			}); err != nil {
				return nil, fmt.Errorf("checkout: ensure placeholder product: %w", err)
			}
			ensured = true
		}
		s.logger(ctx, "checkout.product.substituted", map[string]any{
			"productId":   id,
			"placeholder": s.placeholderID,
		})
		out[i].ProductID = s.placeholderID
		out[i].Size = ""
		out[i].Color = ""
	}
	return out, nil
}
