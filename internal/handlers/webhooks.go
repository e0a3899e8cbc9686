package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fernvale/orderflow/internal/platform/httpx"
	"github.com/fernvale/orderflow/internal/platform/requestctx"
	"github.com/fernvale/orderflow/internal/services"
)

// Stripe payloads stay well under this; anything larger is rejected before verification.
const maxWebhookBodySize = 256 * 1024

const stripeSignatureHeader = "Stripe-Signature"

// WebhookHandlers receives payment provider callbacks. The body is read raw so the signature can be
// checked against the exact bytes the provider sent.
type WebhookHandlers struct {
	checkout services.CheckoutService
}

func NewWebhookHandlers(checkout services.CheckoutService) *WebhookHandlers {
	return &WebhookHandlers{checkout: checkout}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.stripe)
}

func (h *WebhookHandlers) stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		writeUnavailable(ctx, w, "checkout")
		return
	}

	payload, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	result, err := h.checkout.HandleWebhook(ctx, services.WebhookCommand{
		Payload:   payload,
		Signature: r.Header.Get(stripeSignatureHeader),
	})
	if err != nil {
		requestctx.Logger(ctx).Warn("webhook rejected", zap.Error(err))
		writeServiceError(ctx, w, err)
		return
	}

	fields := []zap.Field{
		zap.String("eventId", result.EventID),
		zap.String("eventType", result.EventType),
		zap.Bool("ignored", result.Ignored),
	}
	if result.OrderNumber != "" {
		fields = append(fields, zap.String("orderNumber", result.OrderNumber), zap.Bool("duplicate", result.Duplicate))
	}
	requestctx.Logger(ctx).Info("webhook processed", fields...)

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"received": true})
}
