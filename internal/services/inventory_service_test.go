package services

import (
	"context"
	"errors"
	"testing"

	"pgregory.net/rapid"

	domain "github.com/fernvale/orderflow/internal/domain"
)

func newInventoryFixture(t *testing.T, products ...domain.Product) (InventoryService, *stubStore) {
	t.Helper()
	store := newStubStore()
	for _, p := range products {
		store.products[p.ID] = p
	}
	svc, err := NewInventoryService(InventoryServiceDeps{Products: stubProducts{store}})
	if err != nil {
		t.Fatalf("NewInventoryService: %v", err)
	}
	return svc, store
}

func TestAdjustProductFloorsAtZero(t *testing.T) {
	svc, store := newInventoryFixture(t, domain.Product{ID: "p1", Quantity: 3, InStock: true})

	outcome, err := svc.AdjustProduct(context.Background(), StockAdjustment{ProductID: "p1", Quantity: 5})
	if err != nil {
		t.Fatalf("AdjustProduct: %v", err)
	}
	if !outcome.Applied || outcome.NewQuantity != 0 || outcome.InStock {
		t.Fatalf("expected quantity 0 and out of stock, got %+v", outcome)
	}
	if got := store.products["p1"]; got.Quantity != 0 || got.InStock {
		t.Fatalf("stored product not updated: %+v", got)
	}
}

func TestAdjustProductMissingIsNoop(t *testing.T) {
	svc, _ := newInventoryFixture(t)
	outcome, err := svc.AdjustProduct(context.Background(), StockAdjustment{ProductID: "ghost", Quantity: 1})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if outcome.Applied || outcome.Skipped != skipProductMissing {
		t.Fatalf("expected product_missing skip, got %+v", outcome)
	}
}

func TestAdjustVariantMatchesBothSelectors(t *testing.T) {
	svc, store := newInventoryFixture(t, domain.Product{
		ID:       "p1",
		Quantity: 10,
		InStock:  true,
		Variants: []domain.ProductVariant{
			{ID: "v1", Size: "M", Color: "Red", Quantity: 4, InStock: true},
			{ID: "v2", Size: "M", Color: "Blue", Quantity: 2, InStock: true},
		},
	})

	outcome, err := svc.AdjustVariant(context.Background(), StockAdjustment{ProductID: "p1", Size: "m", Color: " blue ", Quantity: 1})
	if err != nil {
		t.Fatalf("AdjustVariant: %v", err)
	}
	if !outcome.Applied || outcome.NewQuantity != 1 || !outcome.InStock {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	variants := store.products["p1"].Variants
	if variants[0].Quantity != 4 || variants[1].Quantity != 1 {
		t.Fatalf("wrong variant decremented: %+v", variants)
	}
	if store.products["p1"].Quantity != 10 {
		t.Fatalf("variant step must not touch product quantity")
	}

	outcome, err = svc.AdjustVariant(context.Background(), StockAdjustment{ProductID: "p1", Size: "M", Quantity: 1})
	if err != nil {
		t.Fatalf("AdjustVariant partial selector: %v", err)
	}
	if outcome.Skipped != skipVariantMissing {
		t.Fatalf("expected unset color to compare as absent and miss, got %+v", outcome)
	}
}

func TestAdjustVariantWithoutSelectors(t *testing.T) {
	svc, store := newInventoryFixture(t, domain.Product{ID: "p1", Quantity: 1, InStock: true})
	outcome, err := svc.AdjustVariant(context.Background(), StockAdjustment{ProductID: "p1", Quantity: 1})
	if err != nil || outcome.Skipped != skipNoVariant {
		t.Fatalf("expected no_variant_selector skip, got %+v %v", outcome, err)
	}
	if store.mutateStockCalls != 0 {
		t.Fatalf("expected no repository call")
	}
}

func TestAdjustForOrderContinuesPastFailures(t *testing.T) {
	svc, store := newInventoryFixture(t,
		domain.Product{ID: "p1", Quantity: 5, InStock: true},
		domain.Product{ID: "p2", Quantity: 5, InStock: true},
	)
	items := []domain.OrderItem{
		{ProductID: "ghost", Name: "Gone", Quantity: 1},
		{ProductID: "p1", Name: "One", Quantity: 2},
		{Name: "No product", Quantity: 1},
		{ProductID: "p2", Name: "Two", Quantity: 9, Size: "L"},
	}

	results := svc.AdjustForOrder(context.Background(), items)
	if len(results) != len(items) {
		t.Fatalf("expected one result per item, got %d", len(results))
	}
	if results[0].Product.Skipped != skipProductMissing {
		t.Fatalf("expected ghost product skipped, got %+v", results[0])
	}
	if store.products["p1"].Quantity != 3 {
		t.Fatalf("expected p1 decremented to 3, got %d", store.products["p1"].Quantity)
	}
	if results[3].Variant == nil || results[3].Variant.Skipped != skipVariantMissing {
		t.Fatalf("expected variant miss for p2, got %+v", results[3])
	}
	if store.products["p2"].Quantity != 0 || store.products["p2"].InStock {
		t.Fatalf("expected p2 floored at 0, got %+v", store.products["p2"])
	}
}

func TestAdjustForOrderReportsRepositoryErrors(t *testing.T) {
	svc, store := newInventoryFixture(t, domain.Product{ID: "p1", Quantity: 5, InStock: true})
	store.mutateStockErr = errStubTransient

	results := svc.AdjustForOrder(context.Background(), []domain.OrderItem{{ProductID: "p1", Name: "One", Quantity: 1}})
	if len(results) != 1 || !errors.Is(results[0].ProductErr, errStubTransient) {
		t.Fatalf("expected transient error surfaced per item, got %+v", results)
	}
}

func TestAdjustmentRejectsInvalidQuantity(t *testing.T) {
	svc, _ := newInventoryFixture(t)
	if _, err := svc.AdjustProduct(context.Background(), StockAdjustment{ProductID: "p1"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDecrementStockProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		current := rapid.IntRange(0, 1_000_000).Draw(t, "current")
		ordered := rapid.IntRange(1, 1_000_000).Draw(t, "ordered")
		next, inStock := DecrementStock(current, ordered)
		if next < 0 {
			t.Fatalf("negative stock %d", next)
		}
		if inStock != (next > 0) {
			t.Fatalf("inStock %v disagrees with quantity %d", inStock, next)
		}
		if current >= ordered && next != current-ordered {
			t.Fatalf("expected exact decrement, got %d", next)
		}
	})
}
