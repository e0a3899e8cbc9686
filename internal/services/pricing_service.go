package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/fernvale/orderflow/internal/domain"
	"github.com/fernvale/orderflow/internal/repositories"
)

var hundred = decimal.NewFromInt(100)

// PricingServiceDeps bundles dependencies required to construct a PricingService implementation.
type PricingServiceDeps struct {
	Discounts       repositories.DiscountRepository
	Shipping        ShippingResolver
	Clock           func() time.Time
	DefaultCurrency string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type pricingService struct {
	discounts repositories.DiscountRepository
	shipping  ShippingResolver
	clock     func() time.Time
	currency  string
	logger    func(context.Context, string, map[string]any)
}

// NewPricingService wires a PricingService backed by the discount repository and a shipping resolver.
func NewPricingService(deps PricingServiceDeps) (PricingService, error) {
	if deps.Discounts == nil {
		return nil, fmt.Errorf("pricing service: discount repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = "USD"
	}
	return &pricingService{
		discounts: deps.Discounts,
		shipping:  deps.Shipping,
		clock:     func() time.Time { return clock().UTC() },
		currency:  currency,
		logger:    logger,
	}, nil
}

// Subtotal sums unit price multiplied by quantity using the caller supplied prices.
func Subtotal(items []domain.OrderItem) int64 {
	var total int64
	for _, item := range items {
		total += item.LineTotal()
	}
	return total
}

// NormalizeDiscountCode upper-cases and trims a discount code.
func NormalizeDiscountCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (s *pricingService) EvaluateDiscount(ctx context.Context, code string, subtotal int64) (DiscountResult, error) {
	normalized := NormalizeDiscountCode(code)
	if normalized == "" {
		return DiscountResult{}, nil
	}

	discount, err := s.discounts.FindByCode(ctx, normalized)
	if err != nil {
		if isRepoNotFound(err) {
			return DiscountResult{}, fmt.Errorf("%w: code %s does not exist", ErrInvalidDiscount, normalized)
		}
		return DiscountResult{}, fmt.Errorf("pricing: load discount %s: %w", normalized, err)
	}

	amount, err := ApplyDiscount(discount, subtotal, s.clock())
	if err != nil {
		return DiscountResult{}, err
	}
	return DiscountResult{
		Amount:  amount,
		Applied: &domain.AppliedDiscount{Code: discount.Code, Type: discount.Type},
	}, nil
}

// ApplyDiscount validates a discount code against subtotal at now and returns the discount in minor units.
func ApplyDiscount(discount domain.DiscountCode, subtotal int64, now time.Time) (int64, error) {
	switch {
	case !discount.IsActive:
		return 0, fmt.Errorf("%w: code %s is inactive", ErrInvalidDiscount, discount.Code)
	case discount.ValidFrom != nil && now.Before(*discount.ValidFrom):
		return 0, fmt.Errorf("%w: code %s is not yet valid", ErrInvalidDiscount, discount.Code)
	case discount.ValidUntil != nil && now.After(*discount.ValidUntil):
		return 0, fmt.Errorf("%w: code %s has expired", ErrInvalidDiscount, discount.Code)
	case discount.MinPurchase != nil && subtotal < *discount.MinPurchase:
		return 0, fmt.Errorf("%w: code %s requires a minimum purchase of %d", ErrInvalidDiscount, discount.Code, *discount.MinPurchase)
	case discount.UsageLimit != nil && discount.UsedCount >= *discount.UsageLimit:
		return 0, fmt.Errorf("%w: code %s reached its usage limit", ErrInvalidDiscount, discount.Code)
	case discount.Value.IsNegative():
		return 0, fmt.Errorf("%w: code %s has a negative value", ErrInvalidDiscount, discount.Code)
	}

	var amount int64
	switch discount.Type {
	case domain.DiscountTypePercentage:
		amount = decimal.NewFromInt(subtotal).Mul(discount.Value).Div(hundred).Round(0).IntPart()
		if discount.MaxDiscount != nil && amount > *discount.MaxDiscount {
			amount = *discount.MaxDiscount
		}
	case domain.DiscountTypeFixed:
		amount = discount.Value.Round(0).IntPart()
	default:
		return 0, fmt.Errorf("%w: code %s has unknown type %q", ErrInvalidDiscount, discount.Code, discount.Type)
	}

	if amount > subtotal {
		amount = subtotal
	}
	if amount < 0 {
		amount = 0
	}
	return amount, nil
}

func (s *pricingService) Quote(ctx context.Context, cmd QuoteCommand) (domain.PricingBreakdown, error) {
	if len(cmd.Items) == 0 {
		return domain.PricingBreakdown{}, fmt.Errorf("%w: cart must contain at least one item", ErrCheckoutInvalidInput)
	}
	for i, item := range cmd.Items {
		if item.Quantity <= 0 {
			return domain.PricingBreakdown{}, fmt.Errorf("%w: item %d quantity must be positive", ErrCheckoutInvalidInput, i)
		}
		if item.UnitPrice < 0 {
			return domain.PricingBreakdown{}, fmt.Errorf("%w: item %d price must not be negative", ErrCheckoutInvalidInput, i)
		}
	}
	if cmd.Shipping < 0 || cmd.Tax < 0 {
		return domain.PricingBreakdown{}, fmt.Errorf("%w: shipping and tax must not be negative", ErrCheckoutInvalidInput)
	}

	subtotal := Subtotal(cmd.Items)
	discount, err := s.EvaluateDiscount(ctx, cmd.DiscountCode, subtotal)
	if err != nil {
		return domain.PricingBreakdown{}, err
	}

	shipment := domain.ShippingQuote{Cost: cmd.Shipping}
	if zone := strings.TrimSpace(cmd.Zone); zone != "" {
		shipment = ResolveShippingOrDefault(ctx, s.shipping, zone, shippingLines(cmd.Items), s.logger)
	}

	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = s.currency
	}

	breakdown := domain.PricingBreakdown{
		Currency: currency,
		Subtotal: subtotal,
		Discount: discount.Amount,
		Shipping: shipment.Cost,
		Tax:      cmd.Tax,
		Total:    subtotal - discount.Amount + shipment.Cost,
		Applied:  discount.Applied,
		Shipment: shipment,
	}

	for _, check := range []struct {
		name     string
		expected *int64
		computed int64
	}{
		{"subtotal", cmd.ExpectedSubtotal, breakdown.Subtotal},
		{"discount", cmd.ExpectedDiscount, breakdown.Discount},
		{"total", cmd.ExpectedTotal, breakdown.Total},
	} {
		if check.expected != nil && *check.expected != check.computed {
			return domain.PricingBreakdown{}, fmt.Errorf("%w: %s %d does not match computed %s %d", ErrCheckoutInvalidInput, check.name, *check.expected, check.name, check.computed)
		}
	}
	return breakdown, nil
}

func shippingLines(items []domain.OrderItem) []ShippingLine {
	lines := make([]ShippingLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, ShippingLine{Category: item.Category, Quantity: item.Quantity})
	}
	return lines
}
