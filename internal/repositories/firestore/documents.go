package firestore

import (
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/fernvale/orderflow/internal/domain"
)

const (
	ordersCollection     = "orders"
	addressesCollection  = "addresses"
	productsCollection   = "products"
	discountsCollection  = "discountCodes"
	usersCollection      = "users"
	userEmailsCollection = "userEmails"
	outboxCollection     = "orderOutbox"
)

type orderItemDocument struct {
	ProductID string `firestore:"productId,omitempty"`
	Name      string `firestore:"name"`
	UnitPrice int64  `firestore:"price"`
	Quantity  int    `firestore:"quantity"`
	Size      string `firestore:"size,omitempty"`
	Color     string `firestore:"color,omitempty"`
	Category  string `firestore:"category,omitempty"`
}

type orderDocument struct {
	ID                string              `firestore:"id"`
	OrderNumber       string              `firestore:"orderNumber"`
	UserID            string              `firestore:"userId"`
	CustomerEmail     string              `firestore:"customerEmail"`
	CustomerName      string              `firestore:"customerName,omitempty"`
	Status            string              `firestore:"status"`
	Currency          string              `firestore:"currency"`
	Subtotal          int64               `firestore:"subtotal"`
	Discount          int64               `firestore:"discount"`
	Shipping          int64               `firestore:"shipping"`
	Tax               int64               `firestore:"tax"`
	Total             int64               `firestore:"total"`
	DiscountCode      string              `firestore:"discountCode,omitempty"`
	DiscountType      string              `firestore:"discountType,omitempty"`
	Items             []orderItemDocument `firestore:"items"`
	ShippingAddressID string              `firestore:"shippingAddressId"`
	PaymentMethod     string              `firestore:"paymentMethod"`
	PaymentReference  string              `firestore:"paymentReference,omitempty"`
	TrackingNumber    string              `firestore:"trackingNumber,omitempty"`
	ShippingMethod    string              `firestore:"shippingMethod,omitempty"`
	Fingerprint       string              `firestore:"fingerprint"`
	CreatedAt         time.Time           `firestore:"createdAt"`
	UpdatedAt         time.Time           `firestore:"updatedAt"`
	PaidAt            *time.Time          `firestore:"paidAt,omitempty"`
	ShippedAt         *time.Time          `firestore:"shippedAt,omitempty"`
	DeliveredAt       *time.Time          `firestore:"deliveredAt,omitempty"`
	CompletedAt       *time.Time          `firestore:"completedAt,omitempty"`
	CancelledAt       *time.Time          `firestore:"cancelledAt,omitempty"`
	RefundedAt        *time.Time          `firestore:"refundedAt,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		ID:                order.ID,
		OrderNumber:       order.OrderNumber,
		UserID:            order.UserID,
		CustomerEmail:     order.CustomerEmail,
		CustomerName:      order.CustomerName,
		Status:            string(order.Status),
		Currency:          order.Currency,
		Subtotal:          order.Totals.Subtotal,
		Discount:          order.Totals.Discount,
		Shipping:          order.Totals.Shipping,
		Tax:               order.Totals.Tax,
		Total:             order.Totals.Total,
		ShippingAddressID: order.ShippingAddressID,
		PaymentMethod:     string(order.PaymentMethod),
		PaymentReference:  order.PaymentReference,
		TrackingNumber:    order.TrackingNumber,
		ShippingMethod:    order.ShippingMethod,
		Fingerprint:       order.Fingerprint,
		CreatedAt:         order.CreatedAt.UTC(),
		UpdatedAt:         order.UpdatedAt.UTC(),
		PaidAt:            order.PaidAt,
		ShippedAt:         order.ShippedAt,
		DeliveredAt:       order.DeliveredAt,
		CompletedAt:       order.CompletedAt,
		CancelledAt:       order.CancelledAt,
		RefundedAt:        order.RefundedAt,
	}
	if order.Discount != nil {
		doc.DiscountCode = order.Discount.Code
		doc.DiscountType = string(order.Discount.Type)
	}
	doc.Items = make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDocument(item))
	}
	return doc
}

func (d orderDocument) toDomain() domain.Order {
	order := domain.Order{
		ID:            d.ID,
		OrderNumber:   d.OrderNumber,
		UserID:        d.UserID,
		CustomerEmail: d.CustomerEmail,
		CustomerName:  d.CustomerName,
		Status:        domain.OrderStatus(d.Status),
		Currency:      d.Currency,
		Totals: domain.OrderTotals{
			Subtotal: d.Subtotal,
			Discount: d.Discount,
			Shipping: d.Shipping,
			Tax:      d.Tax,
			Total:    d.Total,
		},
		ShippingAddressID: d.ShippingAddressID,
		PaymentMethod:     domain.PaymentMethod(d.PaymentMethod),
		PaymentReference:  d.PaymentReference,
		TrackingNumber:    d.TrackingNumber,
		ShippingMethod:    d.ShippingMethod,
		Fingerprint:       d.Fingerprint,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
		PaidAt:            d.PaidAt,
		ShippedAt:         d.ShippedAt,
		DeliveredAt:       d.DeliveredAt,
		CompletedAt:       d.CompletedAt,
		CancelledAt:       d.CancelledAt,
		RefundedAt:        d.RefundedAt,
	}
	if d.DiscountCode != "" {
		order.Discount = &domain.AppliedDiscount{Code: d.DiscountCode, Type: domain.DiscountType(d.DiscountType)}
	}
	order.Items = make([]domain.OrderItem, 0, len(d.Items))
	for _, item := range d.Items {
		order.Items = append(order.Items, domain.OrderItem(item))
	}
	return order
}

type addressDocument struct {
	ID         string    `firestore:"id"`
	UserID     string    `firestore:"userId"`
	Recipient  string    `firestore:"recipient"`
	Email      string    `firestore:"email,omitempty"`
	Line1      string    `firestore:"line1"`
	Line2      *string   `firestore:"line2,omitempty"`
	City       string    `firestore:"city"`
	State      *string   `firestore:"state,omitempty"`
	PostalCode string    `firestore:"postalCode"`
	Country    string    `firestore:"country"`
	Phone      *string   `firestore:"phone,omitempty"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

type variantDocument struct {
	ID       string `firestore:"id,omitempty"`
	Size     string `firestore:"size,omitempty"`
	Color    string `firestore:"color,omitempty"`
	Quantity int    `firestore:"quantity"`
	InStock  bool   `firestore:"inStock"`
}

type productDocument struct {
	ID        string            `firestore:"id"`
	Name      string            `firestore:"name"`
	Category  string            `firestore:"category,omitempty"`
	Price     int64             `firestore:"price"`
	Quantity  int               `firestore:"quantity"`
	InStock   bool              `firestore:"inStock"`
	Variants  []variantDocument `firestore:"variants,omitempty"`
	UpdatedAt time.Time         `firestore:"updatedAt"`
}

func newProductDocument(p domain.Product) productDocument {
	doc := productDocument{
		ID:        p.ID,
		Name:      p.Name,
		Category:  p.Category,
		Price:     p.Price,
		Quantity:  p.Quantity,
		InStock:   p.InStock,
		UpdatedAt: p.UpdatedAt.UTC(),
	}
	for _, v := range p.Variants {
		doc.Variants = append(doc.Variants, variantDocument(v))
	}
	return doc
}

func (d productDocument) toDomain() domain.Product {
	p := domain.Product{
		ID:        d.ID,
		Name:      d.Name,
		Category:  d.Category,
		Price:     d.Price,
		Quantity:  d.Quantity,
		InStock:   d.InStock,
		UpdatedAt: d.UpdatedAt,
	}
	for _, v := range d.Variants {
		p.Variants = append(p.Variants, domain.ProductVariant(v))
	}
	return p
}

// discountDocument stores Value as a decimal string so percentage points keep their precision.
type discountDocument struct {
	Code        string     `firestore:"code"`
	Type        string     `firestore:"type"`
	Value       string     `firestore:"value"`
	MinPurchase *int64     `firestore:"minPurchase,omitempty"`
	MaxDiscount *int64     `firestore:"maxDiscount,omitempty"`
	UsageLimit  *int       `firestore:"usageLimit,omitempty"`
	UsedCount   int        `firestore:"usedCount"`
	ValidFrom   *time.Time `firestore:"validFrom,omitempty"`
	ValidUntil  *time.Time `firestore:"validUntil,omitempty"`
	IsActive    bool       `firestore:"isActive"`
	UpdatedAt   time.Time  `firestore:"updatedAt"`
}

func newDiscountDocument(d domain.DiscountCode) discountDocument {
	return discountDocument{
		Code:        d.Code,
		Type:        string(d.Type),
		Value:       d.Value.String(),
		MinPurchase: d.MinPurchase,
		MaxDiscount: d.MaxDiscount,
		UsageLimit:  d.UsageLimit,
		UsedCount:   d.UsedCount,
		ValidFrom:   d.ValidFrom,
		ValidUntil:  d.ValidUntil,
		IsActive:    d.IsActive,
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
}

func (d discountDocument) toDomain() (domain.DiscountCode, error) {
	value, err := decimal.NewFromString(d.Value)
	if err != nil {
		return domain.DiscountCode{}, err
	}
	return domain.DiscountCode{
		Code:        d.Code,
		Type:        domain.DiscountType(d.Type),
		Value:       value,
		MinPurchase: d.MinPurchase,
		MaxDiscount: d.MaxDiscount,
		UsageLimit:  d.UsageLimit,
		UsedCount:   d.UsedCount,
		ValidFrom:   d.ValidFrom,
		ValidUntil:  d.ValidUntil,
		IsActive:    d.IsActive,
		UpdatedAt:   d.UpdatedAt,
	}, nil
}

type userDocument struct {
	ID        string    `firestore:"id"`
	Email     string    `firestore:"email"`
	Name      string    `firestore:"name,omitempty"`
	Kind      string    `firestore:"kind"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type userEmailDocument struct {
	UserID string `firestore:"userId"`
	Email  string `firestore:"email"`
}

type outboxDocument struct {
	ID            string            `firestore:"id"`
	Kind          string            `firestore:"kind"`
	OrderNumber   string            `firestore:"orderNumber"`
	Payload       map[string]string `firestore:"payload,omitempty"`
	Status        string            `firestore:"status"`
	Attempts      int               `firestore:"attempts"`
	LastError     string            `firestore:"lastError,omitempty"`
	Note          string            `firestore:"note,omitempty"`
	NextAttemptAt time.Time         `firestore:"nextAttemptAt"`
	CreatedAt     time.Time         `firestore:"createdAt"`
	UpdatedAt     time.Time         `firestore:"updatedAt"`
}

func newOutboxDocument(e domain.OutboxEntry) outboxDocument {
	return outboxDocument{
		ID:            e.ID,
		Kind:          string(e.Kind),
		OrderNumber:   e.OrderNumber,
		Payload:       e.Payload,
		Status:        string(e.Status),
		Attempts:      e.Attempts,
		LastError:     e.LastError,
		Note:          e.Note,
		NextAttemptAt: e.NextAttemptAt.UTC(),
		CreatedAt:     e.CreatedAt.UTC(),
		UpdatedAt:     e.UpdatedAt.UTC(),
	}
}

func (d outboxDocument) toDomain() domain.OutboxEntry {
	return domain.OutboxEntry{
		ID:            d.ID,
		Kind:          domain.OutboxKind(d.Kind),
		OrderNumber:   d.OrderNumber,
		Payload:       d.Payload,
		Status:        domain.OutboxStatus(d.Status),
		Attempts:      d.Attempts,
		LastError:     d.LastError,
		Note:          d.Note,
		NextAttemptAt: d.NextAttemptAt,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}
