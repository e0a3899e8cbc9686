package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	domain "github.com/fernvale/orderflow/internal/domain"
)

// ErrShippingZoneUnknown is returned when no rate is configured for a zone.
var ErrShippingZoneUnknown = classified(ErrNotFound, "shipping: unknown zone")

// ShippingRate prices one zone. Costs are minor units.
type ShippingRate struct {
	Method            string           `json:"method"`
	Estimate          string           `json:"estimate"`
	BaseCost          int64            `json:"baseCost"`
	PerItemCost       int64            `json:"perItemCost"`
	CategorySurcharge map[string]int64 `json:"categorySurcharge,omitempty"`
}

// TableShippingResolver resolves shipping from a static zone table.
type TableShippingResolver struct {
	rates map[string]ShippingRate
}

// NewTableShippingResolver builds a resolver from zone rates. Zone keys are matched case-insensitively.
func NewTableShippingResolver(rates map[string]ShippingRate) *TableShippingResolver {
	normalized := make(map[string]ShippingRate, len(rates))
	for zone, rate := range rates {
		key := strings.ToLower(strings.TrimSpace(zone))
		if key == "" {
			continue
		}
		normalized[key] = rate
	}
	return &TableShippingResolver{rates: normalized}
}

// ParseShippingRates decodes a JSON zone table such as {"domestic":{"method":"Standard","baseCost":500}}.
func ParseShippingRates(raw string) (map[string]ShippingRate, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]ShippingRate{}, nil
	}
	var rates map[string]ShippingRate
	if err := json.Unmarshal([]byte(raw), &rates); err != nil {
		return nil, fmt.Errorf("shipping: decode rate table: %w", err)
	}
	return rates, nil
}

func (r *TableShippingResolver) Resolve(_ context.Context, zone string, lines []ShippingLine) (domain.ShippingQuote, error) {
	rate, ok := r.rates[strings.ToLower(strings.TrimSpace(zone))]
	if !ok {
		return domain.ShippingQuote{}, fmt.Errorf("%w: %q", ErrShippingZoneUnknown, zone)
	}

	cost := rate.BaseCost
	for _, line := range lines {
		if line.Quantity <= 0 {
			return domain.ShippingQuote{}, fmt.Errorf("shipping: non-positive quantity for category %q", line.Category)
		}
		cost += rate.PerItemCost * int64(line.Quantity)
		if surcharge, ok := rate.CategorySurcharge[strings.ToLower(strings.TrimSpace(line.Category))]; ok {
			cost += surcharge * int64(line.Quantity)
		}
	}
	return domain.ShippingQuote{Cost: cost, Method: rate.Method, Estimate: rate.Estimate}, nil
}

// ResolveShippingOrDefault never fails: any resolver error degrades to a zero-cost unknown-method line.
func ResolveShippingOrDefault(ctx context.Context, resolver ShippingResolver, zone string, lines []ShippingLine, logger func(context.Context, string, map[string]any)) domain.ShippingQuote {
	fallback := domain.ShippingQuote{Method: domain.ShippingMethodUnknown}
	if resolver == nil {
		return fallback
	}
	quote, err := resolver.Resolve(ctx, zone, lines)
	if err != nil {
		if logger != nil {
			logger(ctx, "shipping.resolve.failed", map[string]any{
				"zone":  zone,
				"error": err.Error(),
			})
		}
		return fallback
	}
	if quote.Cost < 0 {
		return fallback
	}
	return quote
}
