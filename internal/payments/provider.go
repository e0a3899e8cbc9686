package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status enumerates the normalised payment states.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusRequiresCapture indicates the payment was authorised and waits for an explicit capture.
	StatusRequiresCapture Status = "requires_capture"
	// StatusSucceeded indicates the PSP reports the payment as successfully captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been refunded.
	StatusRefunded Status = "refunded"
)

var (
	// ErrPaymentNotFound is returned when the PSP has no record of the referenced payment.
	ErrPaymentNotFound = errors.New("payments: payment not found")
	// ErrInvalidSignature is returned when a webhook payload fails signature verification.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
)

// EventCheckoutSessionCompleted is the only webhook type that commits an order.
const EventCheckoutSessionCompleted = "checkout.session.completed"

// PaymentStatusPaid is the session payment status required before committing.
const PaymentStatusPaid = "paid"

// CheckoutLineItem describes a single line item to include in a checkout session.
type CheckoutLineItem struct {
	Name     string
	Quantity int64
	Amount   int64
}

// CheckoutSessionRequest captures the payload required to create a hosted checkout session.
type CheckoutSessionRequest struct {
	Amount         int64
	Currency       string
	CustomerEmail  string
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
	Items          []CheckoutLineItem
}

// CheckoutSession represents the PSP session returned to the client.
type CheckoutSession struct {
	ID          string
	RedirectURL string
	IntentID    string
	ExpiresAt   time.Time
}

// PaymentIntentRequest creates an authorise-only payment for the two-step path.
type PaymentIntentRequest struct {
	Amount         int64
	Currency       string
	ReceiptEmail   string
	Metadata       map[string]string
	IdempotencyKey string
}

// PaymentIntent is the created authorisation returned to the client.
type PaymentIntent struct {
	ID           string
	ClientSecret string
	Status       Status
	Amount       int64
	Currency     string
}

// CaptureRequest defines a capture attempt, optionally for a partial amount.
type CaptureRequest struct {
	IntentID       string
	Amount         *int64
	IdempotencyKey string
}

// LookupRequest identifies a payment for reconciliation.
type LookupRequest struct {
	IntentID string
}

// PaymentDetails normalises PSP specific fields.
type PaymentDetails struct {
	IntentID   string
	Status     Status
	Amount     int64
	Currency   string
	Captured   bool
	CapturedAt *time.Time
	Metadata   map[string]string
}

// WebhookEvent is a verified provider callback reduced to the fields checkout needs.
type WebhookEvent struct {
	ID              string
	Type            string
	SessionID       string
	PaymentIntentID string
	PaymentStatus   string
	AmountTotal     int64
	Currency        string
	CustomerEmail   string
	Metadata        map[string]string
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error)
	Capture(ctx context.Context, req CaptureRequest) (PaymentDetails, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
	// ParseWebhook verifies signature against the raw payload before decoding it.
	ParseWebhook(payload []byte, signature string) (WebhookEvent, error)
}

var idempotencyNamespace = uuid.MustParse("6f1d8f0e-3a52-5c2b-9d1a-4b7e2c90a1f3")

// IdempotencyKey derives a stable provider idempotency key for an operation on an order number.
// Retrying the same operation for the same order always yields the same key.
func IdempotencyKey(operation, orderNumber string) string {
	name := strings.ToLower(strings.TrimSpace(operation)) + ":" + strings.TrimSpace(orderNumber)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}
