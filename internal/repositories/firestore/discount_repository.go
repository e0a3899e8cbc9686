package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/fernvale/orderflow/internal/domain"
	pfirestore "github.com/fernvale/orderflow/internal/platform/firestore"
	"github.com/fernvale/orderflow/internal/repositories"
)

// DiscountRepository reads discount codes keyed by their normalised code.
type DiscountRepository struct {
	provider  *pfirestore.Provider
	discounts *pfirestore.Collection[discountDocument]
}

var _ repositories.DiscountRepository = (*DiscountRepository)(nil)

// NewDiscountRepository constructs the discount repository.
func NewDiscountRepository(provider *pfirestore.Provider) (*DiscountRepository, error) {
	if provider == nil {
		return nil, errors.New("discount repository requires firestore provider")
	}
	return &DiscountRepository{
		provider:  provider,
		discounts: pfirestore.NewCollection[discountDocument](provider, discountsCollection),
	}, nil
}

// FindByCode returns the discount with the given code.
func (r *DiscountRepository) FindByCode(ctx context.Context, code string) (domain.DiscountCode, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.DiscountCode{}, repositories.NewDiscountError(repositories.DiscountErrorNotFound, code)
	}
	doc, err := r.discounts.Get(ctx, code)
	if err != nil {
		if isNotFound(err) {
			return domain.DiscountCode{}, repositories.NewDiscountError(repositories.DiscountErrorNotFound, code)
		}
		return domain.DiscountCode{}, err
	}
	discount, err := doc.toDomain()
	if err != nil {
		return domain.DiscountCode{}, fmt.Errorf("discounts.get: decode value of %s: %w", code, err)
	}
	return discount, nil
}

// IncrementUsage bumps usedCount in a transaction and refuses once usageLimit is reached.
func (r *DiscountRepository) IncrementUsage(ctx context.Context, code string, at time.Time) (domain.DiscountCode, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.DiscountCode{}, repositories.NewDiscountError(repositories.DiscountErrorNotFound, code)
	}

	var updated domain.DiscountCode
	err := r.provider.RunTransaction(ctx, func(txCtx context.Context, _ *firestore.Transaction) error {
		doc, err := r.discounts.Get(txCtx, code)
		if err != nil {
			if isNotFound(err) {
				return repositories.NewDiscountError(repositories.DiscountErrorNotFound, code)
			}
			return err
		}
		if doc.UsageLimit != nil && doc.UsedCount >= *doc.UsageLimit {
			return repositories.NewDiscountError(repositories.DiscountErrorUsageLimitReached, code)
		}
		doc.UsedCount++
		doc.UpdatedAt = at.UTC()
		if err := r.discounts.Set(txCtx, code, doc); err != nil {
			return err
		}
		discount, err := doc.toDomain()
		if err != nil {
			return err
		}
		updated = discount
		return nil
	})
	if err != nil {
		var discountErr *repositories.DiscountError
		if errors.As(err, &discountErr) {
			return domain.DiscountCode{}, discountErr
		}
		return domain.DiscountCode{}, err
	}
	return updated, nil
}
