package domain

// PricingBreakdown captures the aggregated monetary results of pricing a cart.
type PricingBreakdown struct {
	Currency string
	Subtotal int64
	Discount int64
	Shipping int64
	Tax      int64
	Total    int64
	Applied  *AppliedDiscount
	Shipment ShippingQuote
}

// ShippingQuote is the resolved shipping line for a zone and cart contents.
type ShippingQuote struct {
	Cost     int64
	Method   string
	Estimate string
}

// ShippingMethodUnknown labels the degraded zero-cost shipping line.
const ShippingMethodUnknown = "unknown"
