package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was recorded without a confirmed payment.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates payment was confirmed and fulfilment can begin.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order left the warehouse.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the carrier reported delivery.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCompleted indicates the order is closed after delivery.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled indicates the order was cancelled before completion.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded indicates the payment was returned to the customer.
	OrderStatusRefunded OrderStatus = "refunded"
)

// OrderStatuses lists every status accepted by the admin status endpoint.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCompleted,
	OrderStatusCancelled,
	OrderStatusRefunded,
}

// IsValid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) IsValid() bool {
	for _, candidate := range OrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed from the status.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusRefunded
}

// PaymentMethod tags the checkout path that produced an order.
type PaymentMethod string

const (
	PaymentMethodHostedCheckout PaymentMethod = "hosted_checkout"
	PaymentMethodTwoStep        PaymentMethod = "two_step"
	PaymentMethodSimulated      PaymentMethod = "simulated"
)

// AccountKind distinguishes login-capable users from guest purchasers.
type AccountKind string

const (
	AccountKindRegistered AccountKind = "registered"
	AccountKindGuest      AccountKind = "guest"
)

// Order captures the persisted order header and its frozen line items.
type Order struct {
	ID                string
	OrderNumber       string
	UserID            string
	CustomerEmail     string
	CustomerName      string
	Status            OrderStatus
	Currency          string
	Totals            OrderTotals
	Discount          *AppliedDiscount
	Items             []OrderItem
	ShippingAddressID string
	ShippingAddress   *Address
	PaymentMethod     PaymentMethod
	PaymentReference  string
	TrackingNumber    string
	ShippingMethod    string
	Fingerprint       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	PaidAt            *time.Time
	ShippedAt         *time.Time
	DeliveredAt       *time.Time
	CompletedAt       *time.Time
	CancelledAt       *time.Time
	RefundedAt        *time.Time
}

// OrderTotals stores monetary amounts in minor units. Tax is price-inclusive and is not added to Total.
type OrderTotals struct {
	Subtotal int64
	Discount int64
	Shipping int64
	Tax      int64
	Total    int64
}

// AppliedDiscount is the public echo of the discount code used on an order.
type AppliedDiscount struct {
	Code string
	Type DiscountType
}

// OrderItem is a snapshot of a purchased product at checkout time.
type OrderItem struct {
	ProductID string
	Name      string
	UnitPrice int64
	Quantity  int
	Size      string
	Color     string
	Category  string
}

// LineTotal returns unit price multiplied by quantity.
func (i OrderItem) LineTotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// Product is a stocked catalogue entry. Quantity never drops below zero.
type Product struct {
	ID        string
	Name      string
	Category  string
	Price     int64
	Quantity  int
	InStock   bool
	Variants  []ProductVariant
	UpdatedAt time.Time
}

// ProductVariant tracks stock for one size/color combination of a product.
type ProductVariant struct {
	ID       string
	Size     string
	Color    string
	Quantity int
	InStock  bool
}

// DiscountType enumerates how a discount code value is interpreted.
type DiscountType string

const (
	// DiscountTypePercentage reduces the subtotal by Value percent.
	DiscountTypePercentage DiscountType = "percentage"
	// DiscountTypeFixed reduces the subtotal by Value minor units.
	DiscountTypeFixed DiscountType = "fixed"
)

// DiscountCode is a redeemable promotion keyed by its code string.
// Value holds percentage points for percentage codes and minor units for fixed codes.
type DiscountCode struct {
	Code        string
	Type        DiscountType
	Value       decimal.Decimal
	MinPurchase *int64
	MaxDiscount *int64
	UsageLimit  *int
	UsedCount   int
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	IsActive    bool
	UpdatedAt   time.Time
}

// User owns orders and addresses. Guest users carry no credential.
type User struct {
	ID        string
	Email     string
	Name      string
	Kind      AccountKind
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Address stores shipping or billing address data.
type Address struct {
	ID         string
	UserID     string
	Recipient  string
	Email      string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
	CreatedAt  time.Time
}

// OutboxStatus tracks the dispatch state of an outbox entry.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusCompleted OutboxStatus = "completed"
	OutboxStatusDead      OutboxStatus = "dead"
)

// OutboxKind names the side effect an outbox entry performs.
type OutboxKind string

const (
	OutboxKindProductStock   OutboxKind = "inventory.product"
	OutboxKindVariantStock   OutboxKind = "inventory.variant"
	OutboxKindDiscountUsage  OutboxKind = "discount.usage"
	OutboxKindOrderConfirmed OutboxKind = "notify.order_confirmed"
	OutboxKindOrderShipped   OutboxKind = "notify.order_shipped"
)

// OutboxEntry is a durable record of a best-effort side effect still to be applied.
type OutboxEntry struct {
	ID            string
	Kind          OutboxKind
	OrderNumber   string
	Payload       map[string]string
	Status        OutboxStatus
	Attempts      int
	LastError     string
	Note          string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// SystemHealthReport summarises dependency checks for readiness probes.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// SystemHealthCheck stores the outcome of a single dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
	Error     string
}
