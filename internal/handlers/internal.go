package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fernvale/orderflow/internal/platform/auth"
	"github.com/fernvale/orderflow/internal/platform/httpx"
	"github.com/fernvale/orderflow/internal/platform/requestctx"
	"github.com/fernvale/orderflow/internal/services"
)

const maxDrainLimit = 500

// InternalHandlers serves scheduler-triggered maintenance endpoints. Authentication is applied by
// the router group.
type InternalHandlers struct {
	outbox       services.OutboxService
	defaultLimit int
}

func NewInternalHandlers(outbox services.OutboxService, defaultLimit int) *InternalHandlers {
	return &InternalHandlers{outbox: outbox, defaultLimit: defaultLimit}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/outbox:drain", h.drainOutbox)
}

func (h *InternalHandlers) drainOutbox(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.outbox == nil {
		writeUnavailable(ctx, w, "outbox")
		return
	}

	limit := h.defaultLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxDrainLimit {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be between 1 and "+strconv.Itoa(maxDrainLimit), http.StatusBadRequest))
			return
		}
		limit = parsed
	}

	report, err := h.outbox.Drain(ctx, limit)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	caller := ""
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok {
		caller = svc.Email
	}
	requestctx.Logger(ctx).Info("outbox drained",
		zap.String("caller", caller),
		zap.Int("completed", report.Completed),
		zap.Int("retrying", report.Retrying),
		zap.Int("dead", report.Dead),
	)

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"completed": report.Completed,
		"retrying":  report.Retrying,
		"dead":      report.Dead,
	})
}
