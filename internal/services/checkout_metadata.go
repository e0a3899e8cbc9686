package services

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	domain "github.com/fernvale/orderflow/internal/domain"
	"github.com/fernvale/orderflow/internal/payments"
)

const (
	metaUserID         = "userId"
	metaEmail          = "email"
	metaName           = "name"
	metaCurrency       = "currency"
	metaSubtotal       = "subtotal"
	metaDiscount       = "discount"
	metaShipping       = "shipping"
	metaTax            = "tax"
	metaTotal          = "total"
	metaDiscountCode   = "discountCode"
	metaDiscountType   = "discountType"
	metaShippingMethod = "shippingMethod"
	metaItemsPrefix    = "items"
	metaAddressPrefix  = "address"
)

// checkoutDraft is a priced cart with its order number, before a purchaser is resolved.
type checkoutDraft struct {
	orderNumber string
	items       []domain.OrderItem
	address     domain.Address
	purchaser   PurchaserInput
	breakdown   domain.PricingBreakdown
}

type metadataItem struct {
	ProductID string `json:"p,omitempty"`
	Name      string `json:"n"`
	UnitPrice int64  `json:"u"`
	Quantity  int    `json:"q"`
	Size      string `json:"s,omitempty"`
	Color     string `json:"c,omitempty"`
	Category  string `json:"g,omitempty"`
}

type metadataAddress struct {
	Recipient  string  `json:"r"`
	Email      string  `json:"e,omitempty"`
	Line1      string  `json:"l1"`
	Line2      *string `json:"l2,omitempty"`
	City       string  `json:"c"`
	State      *string `json:"s,omitempty"`
	PostalCode string  `json:"z"`
	Country    string  `json:"k"`
	Phone      *string `json:"p,omitempty"`
}

// encodeCheckoutMetadata serialises a draft into provider metadata so the webhook can rebuild it.
func encodeCheckoutMetadata(draft checkoutDraft) (map[string]string, error) {
	b := draft.breakdown
	meta := map[string]string{
		payments.MetadataOrderNumber: draft.orderNumber,
		metaEmail:                    draft.purchaser.Email,
		metaCurrency:                 b.Currency,
		metaSubtotal:                 strconv.FormatInt(b.Subtotal, 10),
		metaDiscount:                 strconv.FormatInt(b.Discount, 10),
		metaShipping:                 strconv.FormatInt(b.Shipping, 10),
		metaTax:                      strconv.FormatInt(b.Tax, 10),
		metaTotal:                    strconv.FormatInt(b.Total, 10),
	}
	if v := strings.TrimSpace(draft.purchaser.SessionUserID); v != "" {
		meta[metaUserID] = v
	}
	if v := strings.TrimSpace(draft.purchaser.Name); v != "" {
		meta[metaName] = v
	}
	if b.Applied != nil {
		meta[metaDiscountCode] = b.Applied.Code
		meta[metaDiscountType] = string(b.Applied.Type)
	}
	if v := strings.TrimSpace(b.Shipment.Method); v != "" {
		meta[metaShippingMethod] = v
	}

	items := make([]metadataItem, 0, len(draft.items))
	for _, item := range draft.items {
		items = append(items, metadataItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Size:      item.Size,
			Color:     item.Color,
			Category:  item.Category,
		})
	}
	rawItems, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("checkout: encode items metadata: %w", err)
	}
	if err := payments.PutChunked(meta, metaItemsPrefix, string(rawItems)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}

	addr := draft.address
	rawAddress, err := json.Marshal(metadataAddress{
		Recipient:  addr.Recipient,
		Email:      addr.Email,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	})
	if err != nil {
		return nil, fmt.Errorf("checkout: encode address metadata: %w", err)
	}
	if err := payments.PutChunked(meta, metaAddressPrefix, string(rawAddress)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}
	return meta, nil
}

// decodeCheckoutMetadata rebuilds a draft. Every failure wraps ErrWebhookMetadata.
func decodeCheckoutMetadata(meta map[string]string) (checkoutDraft, error) {
	number := strings.TrimSpace(meta[payments.MetadataOrderNumber])
	if !ValidOrderNumber(number) {
		return checkoutDraft{}, fmt.Errorf("%w: order number missing or malformed", ErrWebhookMetadata)
	}
	email := strings.TrimSpace(meta[metaEmail])
	if email == "" && strings.TrimSpace(meta[metaUserID]) == "" {
		return checkoutDraft{}, fmt.Errorf("%w: purchaser missing", ErrWebhookMetadata)
	}
	currency := strings.TrimSpace(meta[metaCurrency])
	if currency == "" {
		return checkoutDraft{}, fmt.Errorf("%w: currency missing", ErrWebhookMetadata)
	}

	amounts := make(map[string]int64, 5)
	for _, key := range []string{metaSubtotal, metaDiscount, metaShipping, metaTax, metaTotal} {
		raw, ok := meta[key]
		if !ok {
			return checkoutDraft{}, fmt.Errorf("%w: %s missing", ErrWebhookMetadata, key)
		}
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return checkoutDraft{}, fmt.Errorf("%w: %s is not an integer", ErrWebhookMetadata, key)
		}
		amounts[key] = v
	}

	rawItems, err := payments.GetChunked(meta, metaItemsPrefix)
	if err != nil {
		return checkoutDraft{}, fmt.Errorf("%w: %v", ErrWebhookMetadata, err)
	}
	var encodedItems []metadataItem
	if err := json.Unmarshal([]byte(rawItems), &encodedItems); err != nil {
		return checkoutDraft{}, fmt.Errorf("%w: items: %v", ErrWebhookMetadata, err)
	}
	if len(encodedItems) == 0 {
		return checkoutDraft{}, fmt.Errorf("%w: items empty", ErrWebhookMetadata)
	}
	items := make([]domain.OrderItem, 0, len(encodedItems))
	for _, item := range encodedItems {
		items = append(items, domain.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Size:      item.Size,
			Color:     item.Color,
			Category:  item.Category,
		})
	}

	rawAddress, err := payments.GetChunked(meta, metaAddressPrefix)
	if err != nil {
		return checkoutDraft{}, fmt.Errorf("%w: %v", ErrWebhookMetadata, err)
	}
	var addr metadataAddress
	if err := json.Unmarshal([]byte(rawAddress), &addr); err != nil {
		return checkoutDraft{}, fmt.Errorf("%w: address: %v", ErrWebhookMetadata, err)
	}

	breakdown := domain.PricingBreakdown{
		Currency: currency,
		Subtotal: amounts[metaSubtotal],
		Discount: amounts[metaDiscount],
		Shipping: amounts[metaShipping],
		Tax:      amounts[metaTax],
		Total:    amounts[metaTotal],
		Shipment: domain.ShippingQuote{Cost: amounts[metaShipping], Method: meta[metaShippingMethod]},
	}
	if code := strings.TrimSpace(meta[metaDiscountCode]); code != "" {
		breakdown.Applied = &domain.AppliedDiscount{Code: code, Type: domain.DiscountType(meta[metaDiscountType])}
	}

	return checkoutDraft{
		orderNumber: number,
		items:       items,
		address: domain.Address{
			Recipient:  addr.Recipient,
			Email:      addr.Email,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			City:       addr.City,
			State:      addr.State,
			PostalCode: addr.PostalCode,
			Country:    addr.Country,
			Phone:      addr.Phone,
		},
		purchaser: PurchaserInput{
			SessionUserID: meta[metaUserID],
			Email:         email,
			Name:          meta[metaName],
		},
		breakdown: breakdown,
	}, nil
}
