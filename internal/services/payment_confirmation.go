package services

import (
	"fmt"
	"strings"

	domain "github.com/fernvale/orderflow/internal/domain"
	"github.com/fernvale/orderflow/internal/platform/textutil"
)

const (
	maxNameRunes    = 200
	maxAddressRunes = 300
)

// CommitEventInput is the mutable builder input for NewCommitEvent.
type CommitEventInput struct {
	OrderNumber       string
	Items             []domain.OrderItem
	ShippingAddress   domain.Address
	Subtotal          int64
	Shipping          int64
	Tax               int64
	Discount          int64
	Total             int64
	AppliedDiscount   *domain.AppliedDiscount
	ShippingMethod    string
	ProviderReference string
	ResolvedUserID    string
	CustomerEmail     string
	CustomerName      string
	Currency          string
}

// CommitEvent is the canonical, validated order data handed to the orchestrator.
// Values are copied on construction and on every accessor call.
type CommitEvent struct {
	orderNumber       string
	items             []domain.OrderItem
	shippingAddress   domain.Address
	totals            domain.OrderTotals
	applied           *domain.AppliedDiscount
	shippingMethod    string
	providerReference string
	userID            string
	customerEmail     string
	customerName      string
	currency          string
}

// NewCommitEvent validates input and returns an immutable event.
func NewCommitEvent(in CommitEventInput) (CommitEvent, error) {
	number := strings.TrimSpace(in.OrderNumber)
	if !ValidOrderNumber(number) {
		return CommitEvent{}, fmt.Errorf("%w: order number %q is malformed", ErrOrderInvalidInput, in.OrderNumber)
	}
	if len(in.Items) == 0 {
		return CommitEvent{}, fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	for i, item := range in.Items {
		if strings.TrimSpace(item.Name) == "" {
			return CommitEvent{}, fmt.Errorf("%w: item %d name is required", ErrOrderInvalidInput, i)
		}
		if item.Quantity <= 0 {
			return CommitEvent{}, fmt.Errorf("%w: item %d quantity must be positive", ErrOrderInvalidInput, i)
		}
		if item.UnitPrice < 0 {
			return CommitEvent{}, fmt.Errorf("%w: item %d price must not be negative", ErrOrderInvalidInput, i)
		}
	}
	if in.Subtotal != Subtotal(in.Items) {
		return CommitEvent{}, fmt.Errorf("%w: subtotal %d does not match items", ErrOrderInvalidInput, in.Subtotal)
	}
	if in.Discount < 0 || in.Discount > in.Subtotal || in.Shipping < 0 || in.Tax < 0 {
		return CommitEvent{}, fmt.Errorf("%w: amounts out of range", ErrOrderInvalidInput)
	}
	if in.Total != in.Subtotal-in.Discount+in.Shipping {
		return CommitEvent{}, fmt.Errorf("%w: total %d does not equal subtotal - discount + shipping", ErrOrderInvalidInput, in.Total)
	}
	if strings.TrimSpace(in.ResolvedUserID) == "" {
		return CommitEvent{}, fmt.Errorf("%w: purchaser is required", ErrOrderInvalidInput)
	}
	email := strings.TrimSpace(in.CustomerEmail)
	if email == "" {
		return CommitEvent{}, fmt.Errorf("%w: customer email is required", ErrOrderInvalidInput)
	}
	address := plainAddress(in.ShippingAddress)
	if err := validateAddressSnapshot(address); err != nil {
		return CommitEvent{}, err
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		return CommitEvent{}, fmt.Errorf("%w: currency is required", ErrOrderInvalidInput)
	}

	event := CommitEvent{
		orderNumber:     number,
		items:           cloneItems(in.Items),
		shippingAddress: address,
		totals: domain.OrderTotals{
			Subtotal: in.Subtotal,
			Discount: in.Discount,
			Shipping: in.Shipping,
			Tax:      in.Tax,
			Total:    in.Total,
		},
		shippingMethod:    strings.TrimSpace(in.ShippingMethod),
		providerReference: strings.TrimSpace(in.ProviderReference),
		userID:            strings.TrimSpace(in.ResolvedUserID),
		customerEmail:     email,
		customerName:      textutil.PlainText(in.CustomerName, maxNameRunes),
		currency:          currency,
	}
	if in.AppliedDiscount != nil {
		applied := *in.AppliedDiscount
		event.applied = &applied
	}
	return event, nil
}

// plainAddress returns a copy of addr with free-text fields stripped of markup.
func plainAddress(addr domain.Address) domain.Address {
	out := addr
	out.Recipient = textutil.PlainText(addr.Recipient, maxNameRunes)
	out.Email = strings.TrimSpace(addr.Email)
	out.Line1 = textutil.PlainText(addr.Line1, maxAddressRunes)
	out.Line2 = textutil.PlainTextPtr(addr.Line2, maxAddressRunes)
	out.City = textutil.PlainText(addr.City, maxAddressRunes)
	out.State = textutil.PlainTextPtr(addr.State, maxAddressRunes)
	out.PostalCode = textutil.PlainText(addr.PostalCode, 32)
	out.Country = strings.ToUpper(textutil.PlainText(addr.Country, 64))
	out.Phone = textutil.PlainTextPtr(addr.Phone, 64)
	return out
}

func validateAddressSnapshot(addr domain.Address) error {
	missing := make([]string, 0, 4)
	if strings.TrimSpace(addr.Recipient) == "" {
		missing = append(missing, "recipient")
	}
	if strings.TrimSpace(addr.Line1) == "" {
		missing = append(missing, "line1")
	}
	if strings.TrimSpace(addr.City) == "" {
		missing = append(missing, "city")
	}
	if strings.TrimSpace(addr.PostalCode) == "" {
		missing = append(missing, "postalCode")
	}
	if strings.TrimSpace(addr.Country) == "" {
		missing = append(missing, "country")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: shipping address missing %s", ErrOrderInvalidInput, strings.Join(missing, ", "))
	}
	return nil
}

func (e CommitEvent) OrderNumber() string             { return e.orderNumber }
func (e CommitEvent) Items() []domain.OrderItem       { return cloneItems(e.items) }
func (e CommitEvent) ShippingAddress() domain.Address { return cloneAddress(e.shippingAddress) }
func (e CommitEvent) Totals() domain.OrderTotals      { return e.totals }
func (e CommitEvent) ShippingMethod() string          { return e.shippingMethod }
func (e CommitEvent) ProviderReference() string       { return e.providerReference }
func (e CommitEvent) ResolvedUserID() string          { return e.userID }
func (e CommitEvent) CustomerEmail() string           { return e.customerEmail }
func (e CommitEvent) CustomerName() string            { return e.customerName }
func (e CommitEvent) Currency() string                { return e.currency }
func (e CommitEvent) DiscountCode() string            { return e.AppliedDiscount().Code }
func (e CommitEvent) AppliedDiscount() domain.AppliedDiscount {
	if e.applied == nil {
		return domain.AppliedDiscount{}
	}
	return *e.applied
}

// withOrderNumber returns a copy carrying a replacement number. Used for collision retries.
func (e CommitEvent) withOrderNumber(number string) CommitEvent {
	out := e
	out.orderNumber = number
	out.items = cloneItems(e.items)
	return out
}

func cloneItems(items []domain.OrderItem) []domain.OrderItem {
	if items == nil {
		return nil
	}
	out := make([]domain.OrderItem, len(items))
	copy(out, items)
	return out
}

func cloneAddress(addr domain.Address) domain.Address {
	out := addr
	out.Line2 = cloneStringPtr(addr.Line2)
	out.State = cloneStringPtr(addr.State)
	out.Phone = cloneStringPtr(addr.Phone)
	return out
}

func cloneStringPtr(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

// PaymentConfirmation is the proof of payment an adapter hands to OrderService.Commit.
// Only the variants declared in this package implement it.
type PaymentConfirmation interface {
	Event() CommitEvent
	paymentTerms() paymentTerms
}

type paymentTerms struct {
	method    domain.PaymentMethod
	status    domain.OrderStatus
	reference string
	paid      bool
	path      string
}

// HostedCheckoutConfirmation is produced from a verified checkout.session.completed webhook.
type HostedCheckoutConfirmation struct {
	event           CommitEvent
	SessionID       string
	PaymentIntentID string
}

// NewHostedCheckoutConfirmation binds a hosted checkout session to its commit event.
func NewHostedCheckoutConfirmation(event CommitEvent, sessionID, paymentIntentID string) HostedCheckoutConfirmation {
	return HostedCheckoutConfirmation{
		event:           event,
		SessionID:       strings.TrimSpace(sessionID),
		PaymentIntentID: strings.TrimSpace(paymentIntentID),
	}
}

func (c HostedCheckoutConfirmation) Event() CommitEvent { return c.event }

func (c HostedCheckoutConfirmation) paymentTerms() paymentTerms {
	return paymentTerms{
		method:    domain.PaymentMethodHostedCheckout,
		status:    domain.OrderStatusProcessing,
		reference: hostedReference(c.SessionID, c.PaymentIntentID),
		paid:      true,
		path:      "hosted",
	}
}

// hostedReference prefers the payment intent, which outlives a re-created session.
func hostedReference(sessionID, paymentIntentID string) string {
	if ref := strings.TrimSpace(paymentIntentID); ref != "" {
		return ref
	}
	return strings.TrimSpace(sessionID)
}

// CapturedPaymentConfirmation is produced after a successful provider capture.
type CapturedPaymentConfirmation struct {
	event           CommitEvent
	ProviderOrderID string
}

// NewCapturedPaymentConfirmation binds a captured provider payment to its commit event.
func NewCapturedPaymentConfirmation(event CommitEvent, providerOrderID string) CapturedPaymentConfirmation {
	return CapturedPaymentConfirmation{event: event, ProviderOrderID: strings.TrimSpace(providerOrderID)}
}

func (c CapturedPaymentConfirmation) Event() CommitEvent { return c.event }

func (c CapturedPaymentConfirmation) paymentTerms() paymentTerms {
	return paymentTerms{
		method:    domain.PaymentMethodTwoStep,
		status:    domain.OrderStatusProcessing,
		reference: c.ProviderOrderID,
		paid:      true,
		path:      "capture",
	}
}

// SimulatedPaymentConfirmation commits without a provider. Orders start pending and unpaid.
type SimulatedPaymentConfirmation struct {
	event CommitEvent
}

// NewSimulatedPaymentConfirmation wraps event for the simulated path.
func NewSimulatedPaymentConfirmation(event CommitEvent) SimulatedPaymentConfirmation {
	return SimulatedPaymentConfirmation{event: event}
}

func (c SimulatedPaymentConfirmation) Event() CommitEvent { return c.event }

func (c SimulatedPaymentConfirmation) paymentTerms() paymentTerms {
	return paymentTerms{
		method:    domain.PaymentMethodSimulated,
		status:    domain.OrderStatusPending,
		reference: c.event.providerReference,
		path:      "simulated",
	}
}
