package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	validatorv10 "github.com/go-playground/validator/v10"

	domain "github.com/fernvale/orderflow/internal/domain"
	"github.com/fernvale/orderflow/internal/platform/auth"
	"github.com/fernvale/orderflow/internal/platform/httpx"
	"github.com/fernvale/orderflow/internal/services"
)

const maxOrderUpdateBodySize = 4 * 1024

// AdminOrderHandlers exposes order lookup and fulfilment updates to admins.
type AdminOrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	validate *validatorv10.Validate
}

func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *AdminOrderHandlers {
	return &AdminOrderHandlers{
		authn:    authn,
		orders:   orders,
		validate: newValidator(),
	}
}

// Routes registers the /admin/orders endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Route("/orders", func(rt chi.Router) {
		if h.authn != nil {
			rt.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
		}
		rt.Get("/{orderNumber}", h.getOrder)
		rt.Patch("/{orderNumber}", h.updateOrder)
	})
}

type updateOrderRequest struct {
	Status         *string `json:"status" validate:"omitempty,max=32"`
	TrackingNumber *string `json:"trackingNumber" validate:"omitempty,max=128"`
	ShippingMethod *string `json:"shippingMethod" validate:"omitempty,max=128"`
}

type orderItemPayload struct {
	ProductID string `json:"productId,omitempty"`
	Name      string `json:"name"`
	Price     money  `json:"price"`
	Quantity  int    `json:"quantity"`
	Size      string `json:"size,omitempty"`
	Color     string `json:"color,omitempty"`
	Category  string `json:"category,omitempty"`
}

type orderTotalsPayload struct {
	Subtotal money `json:"subtotal"`
	Discount money `json:"discount"`
	Shipping money `json:"shipping"`
	Tax      money `json:"tax"`
	Total    money `json:"total"`
}

type orderAddressPayload struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postalCode"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

type orderPayload struct {
	ID               string                  `json:"id"`
	OrderNumber      string                  `json:"orderNumber"`
	UserID           string                  `json:"userId,omitempty"`
	CustomerEmail    string                  `json:"customerEmail,omitempty"`
	CustomerName     string                  `json:"customerName,omitempty"`
	Status           string                  `json:"status"`
	Currency         string                  `json:"currency"`
	Totals           orderTotalsPayload      `json:"totals"`
	Discount         *appliedDiscountPayload `json:"discount,omitempty"`
	Items            []orderItemPayload      `json:"items"`
	ShippingAddress  *orderAddressPayload    `json:"shippingAddress,omitempty"`
	PaymentMethod    string                  `json:"paymentMethod,omitempty"`
	PaymentReference string                  `json:"paymentReference,omitempty"`
	TrackingNumber   string                  `json:"trackingNumber,omitempty"`
	ShippingMethod   string                  `json:"shippingMethod,omitempty"`
	CreatedAt        string                  `json:"createdAt,omitempty"`
	UpdatedAt        string                  `json:"updatedAt,omitempty"`
	PaidAt           string                  `json:"paidAt,omitempty"`
	ShippedAt        string                  `json:"shippedAt,omitempty"`
	DeliveredAt      string                  `json:"deliveredAt,omitempty"`
	CompletedAt      string                  `json:"completedAt,omitempty"`
	CancelledAt      string                  `json:"cancelledAt,omitempty"`
	RefundedAt       string                  `json:"refundedAt,omitempty"`
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	orderNumber, ok := orderNumberParam(w, r)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(ctx, orderNumber)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"order": buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) updateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	orderNumber, ok := orderNumberParam(w, r)
	if !ok {
		return
	}
	var req updateOrderRequest
	if !decodeRequest(w, r, h.validate, maxOrderUpdateBodySize, &req) {
		return
	}
	if req.Status == nil && req.TrackingNumber == nil && req.ShippingMethod == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "at least one of status, trackingNumber or shippingMethod is required", http.StatusBadRequest))
		return
	}

	cmd := services.UpdateOrderStatusCommand{
		OrderNumber:    orderNumber,
		Status:         req.Status,
		TrackingNumber: req.TrackingNumber,
		ShippingMethod: req.ShippingMethod,
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		cmd.ActorID = identity.UID
	}

	order, err := h.orders.UpdateStatus(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "order": buildOrderPayload(order)})
}

func orderNumberParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	number := strings.TrimSpace(chi.URLParam(r, "orderNumber"))
	if number == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "order number is required", http.StatusBadRequest))
		return "", false
	}
	return number, true
}

func buildOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:               order.ID,
		OrderNumber:      order.OrderNumber,
		UserID:           order.UserID,
		CustomerEmail:    order.CustomerEmail,
		CustomerName:     order.CustomerName,
		Status:           string(order.Status),
		Currency:         order.Currency,
		PaymentMethod:    string(order.PaymentMethod),
		PaymentReference: order.PaymentReference,
		TrackingNumber:   order.TrackingNumber,
		ShippingMethod:   order.ShippingMethod,
		CreatedAt:        formatTime(order.CreatedAt),
		UpdatedAt:        formatTime(order.UpdatedAt),
		PaidAt:           formatTimePtr(order.PaidAt),
		ShippedAt:        formatTimePtr(order.ShippedAt),
		DeliveredAt:      formatTimePtr(order.DeliveredAt),
		CompletedAt:      formatTimePtr(order.CompletedAt),
		CancelledAt:      formatTimePtr(order.CancelledAt),
		RefundedAt:       formatTimePtr(order.RefundedAt),
		Totals: orderTotalsPayload{
			Subtotal: money(order.Totals.Subtotal),
			Discount: money(order.Totals.Discount),
			Shipping: money(order.Totals.Shipping),
			Tax:      money(order.Totals.Tax),
			Total:    money(order.Totals.Total),
		},
		Items: make([]orderItemPayload, 0, len(order.Items)),
	}
	if order.Discount != nil {
		payload.Discount = &appliedDiscountPayload{Code: order.Discount.Code, Type: string(order.Discount.Type)}
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     money(item.UnitPrice),
			Quantity:  item.Quantity,
			Size:      item.Size,
			Color:     item.Color,
			Category:  item.Category,
		})
	}
	if addr := order.ShippingAddress; addr != nil {
		payload.ShippingAddress = &orderAddressPayload{
			Recipient:  addr.Recipient,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			City:       addr.City,
			State:      addr.State,
			PostalCode: addr.PostalCode,
			Country:    addr.Country,
			Phone:      addr.Phone,
		}
	}
	return payload
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
