package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/fernvale/orderflow/internal/domain"
	"github.com/fernvale/orderflow/internal/repositories"
)

const (
	skipProductMissing = "product_missing"
	skipVariantMissing = "variant_missing"
	skipNoVariant      = "no_variant_selector"
)

// InventoryServiceDeps bundles dependencies required to construct an InventoryService.
type InventoryServiceDeps struct {
	Products repositories.ProductRepository
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	products repositories.ProductRepository
	logger   func(context.Context, string, map[string]any)
}

// NewInventoryService constructs the inventory adjuster.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Products == nil {
		return nil, errors.New("inventory service: product repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &inventoryService{products: deps.Products, logger: logger}, nil
}

// DecrementStock returns the floor-at-zero remaining quantity and its inStock flag.
func DecrementStock(current, ordered int) (int, bool) {
	next := current - ordered
	if next < 0 {
		next = 0
	}
	return next, next > 0
}

// MatchVariant finds the variant whose size and color both equal the selectors. Empty selectors match empty fields.
func MatchVariant(variants []domain.ProductVariant, size, color string) int {
	size = normalizeSelector(size)
	color = normalizeSelector(color)
	for i, variant := range variants {
		if normalizeSelector(variant.Size) == size && normalizeSelector(variant.Color) == color {
			return i
		}
	}
	return -1
}

func normalizeSelector(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func (s *inventoryService) AdjustProduct(ctx context.Context, adj StockAdjustment) (StockOutcome, error) {
	if err := validateAdjustment(adj); err != nil {
		return StockOutcome{}, err
	}
	product, err := s.products.MutateStock(ctx, adj.ProductID, func(p *domain.Product) error {
		p.Quantity, p.InStock = DecrementStock(p.Quantity, adj.Quantity)
		return nil
	})
	if err != nil {
		if isRepoNotFound(err) {
			return StockOutcome{Skipped: skipProductMissing}, nil
		}
		return StockOutcome{}, fmt.Errorf("inventory: adjust product %s: %w", adj.ProductID, err)
	}
	return StockOutcome{Applied: true, NewQuantity: product.Quantity, InStock: product.InStock}, nil
}

var errVariantMissing = errors.New("inventory: variant not found")

func (s *inventoryService) AdjustVariant(ctx context.Context, adj StockAdjustment) (StockOutcome, error) {
	if err := validateAdjustment(adj); err != nil {
		return StockOutcome{}, err
	}
	if strings.TrimSpace(adj.Size) == "" && strings.TrimSpace(adj.Color) == "" {
		return StockOutcome{Skipped: skipNoVariant}, nil
	}

	var outcome StockOutcome
	_, err := s.products.MutateStock(ctx, adj.ProductID, func(p *domain.Product) error {
		idx := MatchVariant(p.Variants, adj.Size, adj.Color)
		if idx < 0 {
			return errVariantMissing
		}
		variant := &p.Variants[idx]
		variant.Quantity, variant.InStock = DecrementStock(variant.Quantity, adj.Quantity)
		outcome = StockOutcome{Applied: true, NewQuantity: variant.Quantity, InStock: variant.InStock}
		return nil
	})
	switch {
	case err == nil:
		return outcome, nil
	case errors.Is(err, errVariantMissing):
		return StockOutcome{Skipped: skipVariantMissing}, nil
	case isRepoNotFound(err):
		return StockOutcome{Skipped: skipProductMissing}, nil
	default:
		return StockOutcome{}, fmt.Errorf("inventory: adjust variant %s/%s/%s: %w", adj.ProductID, adj.Size, adj.Color, err)
	}
}

// AdjustForOrder attempts every item independently; a failing item never stops the others.
func (s *inventoryService) AdjustForOrder(ctx context.Context, items []domain.OrderItem) []ItemAdjustmentResult {
	results := make([]ItemAdjustmentResult, 0, len(items))
	for _, item := range items {
		result := ItemAdjustmentResult{Item: item}
		if strings.TrimSpace(item.ProductID) == "" {
			result.Product = StockOutcome{Skipped: skipProductMissing}
			results = append(results, result)
			continue
		}
		adj := AdjustmentForItem(item)
		result.Product, result.ProductErr = s.AdjustProduct(ctx, adj)
		if result.ProductErr != nil {
			s.logger(ctx, "inventory.product.failed", map[string]any{
				"productId": item.ProductID,
				"quantity":  item.Quantity,
				"error":     result.ProductErr.Error(),
			})
		}
		if adj.Size != "" || adj.Color != "" {
			variant, err := s.AdjustVariant(ctx, adj)
			result.Variant = &variant
			result.VariantErr = err
			if err != nil {
				s.logger(ctx, "inventory.variant.failed", map[string]any{
					"productId": item.ProductID,
					"size":      item.Size,
					"color":     item.Color,
					"error":     err.Error(),
				})
			}
		}
		results = append(results, result)
	}
	return results
}

// AdjustmentForItem converts an order item into a stock adjustment request.
func AdjustmentForItem(item domain.OrderItem) StockAdjustment {
	return StockAdjustment{
		ProductID: strings.TrimSpace(item.ProductID),
		Size:      strings.TrimSpace(item.Size),
		Color:     strings.TrimSpace(item.Color),
		Quantity:  item.Quantity,
	}
}

func validateAdjustment(adj StockAdjustment) error {
	if strings.TrimSpace(adj.ProductID) == "" {
		return fmt.Errorf("%w: product id is required", ErrOrderInvalidInput)
	}
	if adj.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrOrderInvalidInput)
	}
	return nil
}
