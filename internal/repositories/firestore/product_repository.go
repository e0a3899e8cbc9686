package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/fernvale/orderflow/internal/domain"
	pfirestore "github.com/fernvale/orderflow/internal/platform/firestore"
	"github.com/fernvale/orderflow/internal/repositories"
)

// ProductRepository reads products and applies stock mutations transactionally.
type ProductRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.Collection[productDocument]
	clock    func() time.Time
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository constructs the product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		provider: provider,
		products: pfirestore.NewCollection[productDocument](provider, productsCollection),
		clock:    time.Now,
	}, nil
}

// FindByID returns the product document.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.Product{}, pfirestore.NotFound("products.get", "product")
	}
	doc, err := r.products.Get(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.toDomain(), nil
}

// MutateStock runs get-modify-set in a transaction. Firestore retries the closure when
// another writer touched the document, so fn must be free of side effects.
func (r *ProductRepository) MutateStock(ctx context.Context, productID string, fn repositories.StockMutation) (domain.Product, error) {
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.Product{}, pfirestore.NotFound("products.mutate", "product")
	}
	if fn == nil {
		return domain.Product{}, errors.New("product repository: stock mutation is required")
	}

	var updated domain.Product
	err := r.provider.RunTransaction(ctx, func(txCtx context.Context, _ *firestore.Transaction) error {
		doc, err := r.products.Get(txCtx, id)
		if err != nil {
			return err
		}
		product := doc.toDomain()
		if err := fn(&product); err != nil {
			return err
		}
		product.ID = id
		product.UpdatedAt = r.clock().UTC()
		if err := r.products.Set(txCtx, id, newProductDocument(product)); err != nil {
			return err
		}
		updated = product
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return updated, nil
}

// EnsureExists creates the product unless a document with its ID already exists.
func (r *ProductRepository) EnsureExists(ctx context.Context, product domain.Product) error {
	id := strings.TrimSpace(product.ID)
	if id == "" {
		return errors.New("product repository: product id is required")
	}
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = r.clock().UTC()
	}
	err := r.products.Create(ctx, id, newProductDocument(product))
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsConflict() {
		return nil
	}
	return err
}
