package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	domain "github.com/fernvale/orderflow/internal/domain"
	"github.com/fernvale/orderflow/internal/platform/auth"
	"github.com/fernvale/orderflow/internal/platform/httpx"
	"github.com/fernvale/orderflow/internal/services"
)

const maxCheckoutRequestBody = 64 * 1024

// CheckoutHandlers exposes pricing previews and the three payment paths. Guests may check out; a
// signed-in caller's uid becomes the session user.
type CheckoutHandlers struct {
	authn       *auth.Authenticator
	checkout    services.CheckoutService
	pricing     services.PricingService
	shipping    services.ShippingResolver
	idempotency func(http.Handler) http.Handler
	discounts   rateLimiter
	validate    *validatorv10.Validate
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutIdempotency guards the order-creating routes with mw.
func WithCheckoutIdempotency(mw func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.idempotency = mw
	}
}

// WithDiscountRateLimit caps discount code lookups per caller within window.
func WithDiscountRateLimit(limit int, window time.Duration) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.discounts = newSimpleRateLimiter(limit, window, nil)
	}
}

func WithCheckoutPricing(pricing services.PricingService, shipping services.ShippingResolver) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.pricing = pricing
		h.shipping = shipping
	}
}

func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
		validate: newValidator(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /checkout endpoints.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.OptionalFirebaseAuth())
	}
	r.Post("/quote", h.quote)
	r.Post("/discounts:validate", h.validateDiscount)
	r.Post("/shipping-rates", h.shippingRates)

	r.Group(func(g chi.Router) {
		if h.idempotency != nil {
			g.Use(h.idempotency)
		}
		g.Post("/sessions", h.createSession)
		g.Post("/intents", h.createIntent)
		g.Post("/capture", h.capture)
		g.Post("/orders", h.createOrder)
	})
}

type cartItemRequest struct {
	ProductID string          `json:"productId" validate:"max=128"`
	Name      string          `json:"name" validate:"required,max=200"`
	Price     decimal.Decimal `json:"price" validate:"gte=0"`
	Quantity  int             `json:"quantity" validate:"min=1,max=999"`
	Size      string          `json:"size" validate:"max=64"`
	Color     string          `json:"color" validate:"max=64"`
	Category  string          `json:"category" validate:"max=64"`
}

type addressRequest struct {
	Recipient  string  `json:"recipient" validate:"required,max=200"`
	Email      string  `json:"email" validate:"omitempty,email"`
	Line1      string  `json:"line1" validate:"required,max=300"`
	Line2      *string `json:"line2" validate:"omitempty,max=300"`
	City       string  `json:"city" validate:"required,max=120"`
	State      *string `json:"state" validate:"omitempty,max=120"`
	PostalCode string  `json:"postalCode" validate:"required,max=32"`
	Country    string  `json:"country" validate:"required,len=2"`
	Phone      *string `json:"phone" validate:"omitempty,max=64"`
}

type checkoutRequest struct {
	Items           []cartItemRequest   `json:"items" validate:"required,min=1,max=100,dive"`
	ShippingAddress addressRequest      `json:"shippingAddress"`
	Email           string              `json:"email" validate:"omitempty,email"`
	Name            string              `json:"name" validate:"max=200"`
	Zone            string              `json:"zone" validate:"max=64"`
	Subtotal        decimal.NullDecimal `json:"subtotal" validate:"omitempty,gte=0"`
	Shipping        decimal.NullDecimal `json:"shipping" validate:"omitempty,gte=0"`
	Tax             decimal.NullDecimal `json:"tax" validate:"omitempty,gte=0"`
	Discount        decimal.NullDecimal `json:"discount" validate:"omitempty,gte=0"`
	Total           decimal.NullDecimal `json:"total" validate:"omitempty,gte=0"`
	DiscountCode    string              `json:"discountCode" validate:"max=64"`
	Currency        string              `json:"currency" validate:"omitempty,len=3,alpha"`
}

type captureRequest struct {
	ProviderOrderID string           `json:"providerOrderId" validate:"required,max=255"`
	Cart            *checkoutRequest `json:"cart" validate:"required"`
}

type quoteRequest struct {
	Items        []cartItemRequest   `json:"items" validate:"required,min=1,max=100,dive"`
	Zone         string              `json:"zone" validate:"max=64"`
	Shipping     decimal.NullDecimal `json:"shipping" validate:"omitempty,gte=0"`
	Tax          decimal.NullDecimal `json:"tax" validate:"omitempty,gte=0"`
	DiscountCode string              `json:"discountCode" validate:"max=64"`
	Currency     string              `json:"currency" validate:"omitempty,len=3,alpha"`
}

type discountRequest struct {
	Code     string          `json:"code" validate:"required,max=64"`
	Subtotal decimal.Decimal `json:"subtotal" validate:"gte=0"`
}

type shippingRatesRequest struct {
	Zone  string `json:"zone" validate:"required,max=64"`
	Items []struct {
		Category string `json:"category" validate:"max=64"`
		Quantity int    `json:"quantity" validate:"min=1,max=999"`
	} `json:"items" validate:"required,min=1,max=100,dive"`
}

type appliedDiscountPayload struct {
	Code string `json:"code"`
	Type string `json:"type"`
}

type quotePayload struct {
	Currency         string                  `json:"currency"`
	Subtotal         money                   `json:"subtotal"`
	Discount         money                   `json:"discount"`
	Shipping         money                   `json:"shipping"`
	Tax              money                   `json:"tax"`
	Total            money                   `json:"total"`
	AppliedDiscount  *appliedDiscountPayload `json:"appliedDiscount,omitempty"`
	ShippingMethod   string                  `json:"shippingMethod,omitempty"`
	ShippingEstimate string                  `json:"shippingEstimate,omitempty"`
}

type orderSummaryPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"orderNumber"`
	Status      string `json:"status"`
	Total       money  `json:"total"`
	Currency    string `json:"currency"`
	CreatedAt   string `json:"createdAt"`
}

func (h *CheckoutHandlers) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pricing == nil {
		writeUnavailable(ctx, w, "pricing")
		return
	}
	var req quoteRequest
	if !decodeRequest(w, r, h.validate, maxCheckoutRequestBody, &req) {
		return
	}
	items, err := toOrderItems(req.Items)
	if err != nil {
		writeBadAmount(w, r, err)
		return
	}
	shipping, err := optionalMinor("shipping", req.Shipping)
	if err != nil {
		writeBadAmount(w, r, err)
		return
	}
	tax, err := optionalMinor("tax", req.Tax)
	if err != nil {
		writeBadAmount(w, r, err)
		return
	}

	breakdown, err := h.pricing.Quote(ctx, services.QuoteCommand{
		Items:        items,
		DiscountCode: req.DiscountCode,
		Zone:         req.Zone,
		Shipping:     valueOrZero(shipping),
		Tax:          valueOrZero(tax),
		Currency:     req.Currency,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildQuotePayload(breakdown))
}

func (h *CheckoutHandlers) validateDiscount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pricing == nil {
		writeUnavailable(ctx, w, "pricing")
		return
	}
	if h.discounts != nil && !h.discounts.Allow(callerKey(r)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many discount lookups, retry later", http.StatusTooManyRequests))
		return
	}
	var req discountRequest
	if !decodeRequest(w, r, h.validate, maxCheckoutRequestBody, &req) {
		return
	}
	subtotal, err := toMinor("subtotal", req.Subtotal)
	if err != nil {
		writeBadAmount(w, r, err)
		return
	}

	result, err := h.pricing.EvaluateDiscount(ctx, req.Code, subtotal)
	switch {
	case errors.Is(err, services.ErrInvalidDiscount):
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"valid": false, "reason": err.Error()})
		return
	case err != nil:
		writeServiceError(ctx, w, err)
		return
	}
	payload := map[string]any{"valid": true, "amount": money(result.Amount)}
	if result.Applied != nil {
		payload["code"] = result.Applied.Code
		payload["type"] = string(result.Applied.Type)
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

func (h *CheckoutHandlers) shippingRates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipping == nil {
		writeUnavailable(ctx, w, "shipping")
		return
	}
	var req shippingRatesRequest
	if !decodeRequest(w, r, h.validate, maxCheckoutRequestBody, &req) {
		return
	}
	lines := make([]services.ShippingLine, 0, len(req.Items))
	for _, item := range req.Items {
		lines = append(lines, services.ShippingLine{Category: item.Category, Quantity: item.Quantity})
	}
	quote, err := h.shipping.Resolve(ctx, req.Zone, lines)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"zone":     req.Zone,
		"cost":     money(quote.Cost),
		"method":   quote.Method,
		"estimate": quote.Estimate,
	})
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cmd, ok := h.decodeCheckout(w, r)
	if !ok {
		return
	}
	session, err := h.checkout.CreateCheckoutSession(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"sessionId":   session.SessionID,
		"url":         session.URL,
		"orderNumber": session.OrderNumber,
		"total":       money(session.Total),
		"currency":    session.Currency,
	})
}

func (h *CheckoutHandlers) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cmd, ok := h.decodeCheckout(w, r)
	if !ok {
		return
	}
	intent, err := h.checkout.CreatePaymentIntent(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"id":           intent.ID,
		"clientSecret": intent.ClientSecret,
		"orderNumber":  intent.OrderNumber,
		"total":        money(intent.Total),
		"currency":     intent.Currency,
	})
}

func (h *CheckoutHandlers) capture(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		writeUnavailable(ctx, w, "checkout")
		return
	}
	var req captureRequest
	if !decodeRequest(w, r, h.validate, maxCheckoutRequestBody, &req) {
		return
	}
	cart, err := h.toCommand(r, *req.Cart)
	if err != nil {
		writeBadAmount(w, r, err)
		return
	}

	result, err := h.checkout.CapturePayment(ctx, services.CaptureCommand{
		ProviderOrderID: strings.TrimSpace(req.ProviderOrderID),
		Cart:            &cart,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"orderNumber":     result.OrderNumber,
		"paymentIntentId": result.PaymentIntentID,
		"total":           money(result.Total),
		"currency":        result.Currency,
		"duplicate":       result.Duplicate,
	})
}

func (h *CheckoutHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cmd, ok := h.decodeCheckout(w, r)
	if !ok {
		return
	}
	result, err := h.checkout.CreateSimulatedOrder(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"duplicate": result.Duplicate,
		"order":     buildOrderSummary(result.Order),
	})
}

func (h *CheckoutHandlers) decodeCheckout(w http.ResponseWriter, r *http.Request) (services.CheckoutCommand, bool) {
	if h.checkout == nil {
		writeUnavailable(r.Context(), w, "checkout")
		return services.CheckoutCommand{}, false
	}
	var req checkoutRequest
	if !decodeRequest(w, r, h.validate, maxCheckoutRequestBody, &req) {
		return services.CheckoutCommand{}, false
	}
	// total may be zero but must be present.
	if !req.Total.Valid {
		writeMissingFields(w, r, "total")
		return services.CheckoutCommand{}, false
	}
	cmd, err := h.toCommand(r, req)
	if err != nil {
		writeBadAmount(w, r, err)
		return services.CheckoutCommand{}, false
	}
	return cmd, true
}

// toCommand converts the wire cart into minor units and attaches the caller as purchaser.
func (h *CheckoutHandlers) toCommand(r *http.Request, req checkoutRequest) (services.CheckoutCommand, error) {
	items, err := toOrderItems(req.Items)
	if err != nil {
		return services.CheckoutCommand{}, err
	}
	shipping, err := optionalMinor("shipping", req.Shipping)
	if err != nil {
		return services.CheckoutCommand{}, err
	}
	tax, err := optionalMinor("tax", req.Tax)
	if err != nil {
		return services.CheckoutCommand{}, err
	}
	subtotal, err := optionalMinor("subtotal", req.Subtotal)
	if err != nil {
		return services.CheckoutCommand{}, err
	}
	discount, err := optionalMinor("discount", req.Discount)
	if err != nil {
		return services.CheckoutCommand{}, err
	}
	total, err := optionalMinor("total", req.Total)
	if err != nil {
		return services.CheckoutCommand{}, err
	}

	purchaser := services.PurchaserInput{
		Email: firstNonEmpty(req.Email, req.ShippingAddress.Email),
		Name:  strings.TrimSpace(req.Name),
	}
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		purchaser.SessionUserID = identity.UID
		purchaser.Email = firstNonEmpty(purchaser.Email, identity.Email)
		purchaser.Name = firstNonEmpty(purchaser.Name, identity.Name)
	}

	addr := req.ShippingAddress
	return services.CheckoutCommand{
		Items: items,
		ShippingAddress: domain.Address{
			Recipient:  addr.Recipient,
			Email:      firstNonEmpty(addr.Email, purchaser.Email),
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			City:       addr.City,
			State:      addr.State,
			PostalCode: addr.PostalCode,
			Country:    strings.ToUpper(addr.Country),
			Phone:      addr.Phone,
		},
		Purchaser:    purchaser,
		Zone:         req.Zone,
		Shipping:     valueOrZero(shipping),
		Tax:          valueOrZero(tax),
		Subtotal:     subtotal,
		Discount:     discount,
		Total:        total,
		DiscountCode: req.DiscountCode,
		Currency:     req.Currency,
	}, nil
}

func toOrderItems(in []cartItemRequest) ([]domain.OrderItem, error) {
	items := make([]domain.OrderItem, 0, len(in))
	for _, item := range in {
		price, err := toMinor("price", item.Price)
		if err != nil {
			return nil, err
		}
		items = append(items, domain.OrderItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			UnitPrice: price,
			Quantity:  item.Quantity,
			Size:      strings.TrimSpace(item.Size),
			Color:     strings.TrimSpace(item.Color),
			Category:  strings.TrimSpace(item.Category),
		})
	}
	return items, nil
}

func buildQuotePayload(b domain.PricingBreakdown) quotePayload {
	payload := quotePayload{
		Currency:         b.Currency,
		Subtotal:         money(b.Subtotal),
		Discount:         money(b.Discount),
		Shipping:         money(b.Shipping),
		Tax:              money(b.Tax),
		Total:            money(b.Total),
		ShippingMethod:   b.Shipment.Method,
		ShippingEstimate: b.Shipment.Estimate,
	}
	if b.Applied != nil {
		payload.AppliedDiscount = &appliedDiscountPayload{Code: b.Applied.Code, Type: string(b.Applied.Type)}
	}
	return payload
}

func buildOrderSummary(order domain.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		Status:      string(order.Status),
		Total:       money(order.Totals.Total),
		Currency:    order.Currency,
		CreatedAt:   formatTime(order.CreatedAt),
	}
}

func writeBadAmount(w http.ResponseWriter, r *http.Request, err error) {
	httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
}

func valueOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
