package services

import (
	"context"
	"time"

	domain "github.com/fernvale/orderflow/internal/domain"
)

// PricingService computes cart subtotals, discount amounts and totals.
type PricingService interface {
	EvaluateDiscount(ctx context.Context, code string, subtotal int64) (DiscountResult, error)
	Quote(ctx context.Context, cmd QuoteCommand) (domain.PricingBreakdown, error)
}

// ShippingResolver maps a zone and cart contents to a shipping line.
type ShippingResolver interface {
	Resolve(ctx context.Context, zone string, lines []ShippingLine) (domain.ShippingQuote, error)
}

// InventoryService applies floor-at-zero stock decrements for purchased items.
type InventoryService interface {
	AdjustProduct(ctx context.Context, adj StockAdjustment) (StockOutcome, error)
	AdjustVariant(ctx context.Context, adj StockAdjustment) (StockOutcome, error)
	AdjustForOrder(ctx context.Context, items []domain.OrderItem) []ItemAdjustmentResult
}

// CustomerService resolves the user that owns an order.
type CustomerService interface {
	ResolvePurchaser(ctx context.Context, in PurchaserInput) (domain.User, error)
}

// OrderService is the single writer of orders.
type OrderService interface {
	Commit(ctx context.Context, confirmation PaymentConfirmation) (CommitResult, error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (domain.Order, error)
	GetOrder(ctx context.Context, orderNumber string) (domain.Order, error)
	// FindCommitted reports whether a payment with reference already produced an order for orderNumber.
	FindCommitted(ctx context.Context, orderNumber, reference string) (domain.Order, bool, error)
}

// CheckoutService exposes the three payment paths.
type CheckoutService interface {
	CreateCheckoutSession(ctx context.Context, cmd CheckoutCommand) (HostedCheckoutSession, error)
	HandleWebhook(ctx context.Context, cmd WebhookCommand) (WebhookResult, error)
	CreatePaymentIntent(ctx context.Context, cmd CheckoutCommand) (PaymentIntentResult, error)
	CapturePayment(ctx context.Context, cmd CaptureCommand) (CaptureResult, error)
	CreateSimulatedOrder(ctx context.Context, cmd CheckoutCommand) (CommitResult, error)
}

// OutboxService applies queued side effects.
type OutboxService interface {
	Dispatch(ctx context.Context, entries []domain.OutboxEntry) DispatchReport
	Drain(ctx context.Context, limit int) (DispatchReport, error)
}

// SystemService reports dependency health.
type SystemService interface {
	HealthReport(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderEventPublisher publishes order notifications for downstream consumers such as email delivery.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// CommitRecorder records commit and dispatch outcomes as metrics.
type CommitRecorder interface {
	RecordCommit(ctx context.Context, path string, outcome string)
	RecordDispatch(ctx context.Context, kind string, outcome string)
}

// OrderEvent captures metadata for emitted order notifications.
type OrderEvent struct {
	Type           string
	OrderNumber    string
	PreviousStatus string
	CurrentStatus  string
	CustomerEmail  string
	CustomerName   string
	Total          int64
	Currency       string
	TrackingNumber string
	ShippingMethod string
	OccurredAt     time.Time
}

// DiscountResult is the evaluated discount for a subtotal. Applied is nil when no code was requested.
type DiscountResult struct {
	Amount  int64
	Applied *domain.AppliedDiscount
}

// QuoteCommand prices a cart. Shipping is taken from Zone when set, otherwise from Shipping.
type QuoteCommand struct {
	Items         []domain.OrderItem
	DiscountCode  string
	Zone          string
	Shipping      int64
	Tax           int64
	Currency      string

	// Client-side figures; when set each must match the computed breakdown.
	ExpectedSubtotal *int64
	ExpectedDiscount *int64
	ExpectedTotal    *int64
}

// ShippingLine is one category/quantity pair fed to the shipping resolver.
type ShippingLine struct {
	Category string
	Quantity int
}

// StockAdjustment describes one decrement request against a product or its variant.
type StockAdjustment struct {
	ProductID string
	Size      string
	Color     string
	Quantity  int
}

// StockOutcome reports what an adjustment did.
type StockOutcome struct {
	Applied     bool
	Skipped     string
	NewQuantity int
	InStock     bool
}

// ItemAdjustmentResult pairs an order item with its product and variant outcomes.
type ItemAdjustmentResult struct {
	Item       domain.OrderItem
	Product    StockOutcome
	ProductErr error
	Variant    *StockOutcome
	VariantErr error
}

// PurchaserInput identifies the buyer of an order.
type PurchaserInput struct {
	SessionUserID string
	Email         string
	Name          string
}

// CommitResult is returned by the orchestrator. Duplicate is set when the order already existed.
type CommitResult struct {
	Order     domain.Order
	Duplicate bool
	Effects   DispatchReport
}

// UpdateOrderStatusCommand carries an admin status change. Nil fields are left untouched.
type UpdateOrderStatusCommand struct {
	OrderNumber    string
	Status         *string
	TrackingNumber *string
	ShippingMethod *string
	ActorID        string
}

// CheckoutCommand is the cart submission shared by every payment path.
type CheckoutCommand struct {
	OrderNumber     string
	Items           []domain.OrderItem
	ShippingAddress domain.Address
	Purchaser       PurchaserInput
	Zone            string
	Shipping        int64
	Tax             int64
	Subtotal        *int64
	Discount        *int64
	Total           *int64
	DiscountCode    string
	Currency        string
}

// HostedCheckoutSession is the provider session a client redirects to.
type HostedCheckoutSession struct {
	SessionID   string
	URL         string
	OrderNumber string
	Total       int64
	Currency    string
}

// WebhookCommand carries an unparsed provider callback.
type WebhookCommand struct {
	Payload   []byte
	Signature string
}

// WebhookResult summarises webhook handling. Ignored events are acknowledged without commit.
type WebhookResult struct {
	EventID     string
	EventType   string
	Ignored     bool
	OrderNumber string
	Duplicate   bool
}

// PaymentIntentResult is returned by the create step of the two-step path.
type PaymentIntentResult struct {
	ID           string
	ClientSecret string
	OrderNumber  string
	Total        int64
	Currency     string
}

// CaptureCommand confirms a previously created provider payment.
type CaptureCommand struct {
	ProviderOrderID string
	Cart            *CheckoutCommand
}

// CaptureResult is returned by the capture step.
type CaptureResult struct {
	OrderNumber     string
	PaymentIntentID string
	Total           int64
	Currency        string
	Duplicate       bool
}

// DispatchReport counts outbox outcomes.
type DispatchReport struct {
	Completed int
	Retrying  int
	Dead      int
}

// Add merges another report into r.
func (r DispatchReport) Add(other DispatchReport) DispatchReport {
	return DispatchReport{
		Completed: r.Completed + other.Completed,
		Retrying:  r.Retrying + other.Retrying,
		Dead:      r.Dead + other.Dead,
	}
}
