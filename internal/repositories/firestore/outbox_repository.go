package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/fernvale/orderflow/internal/domain"
	pfirestore "github.com/fernvale/orderflow/internal/platform/firestore"
	"github.com/fernvale/orderflow/internal/repositories"
)

// OutboxRepository persists pending side effects in the orderOutbox collection.
// ListDue needs a composite index on (status, nextAttemptAt).
type OutboxRepository struct {
	uow     pfirestore.UnitOfWork
	entries *pfirestore.Collection[outboxDocument]
}

var _ repositories.OutboxRepository = (*OutboxRepository)(nil)

// NewOutboxRepository constructs the outbox repository.
func NewOutboxRepository(provider *pfirestore.Provider) (*OutboxRepository, error) {
	if provider == nil {
		return nil, errors.New("outbox repository requires firestore provider")
	}
	return &OutboxRepository{
		uow:     pfirestore.UnitOfWork{Provider: provider},
		entries: pfirestore.NewCollection[outboxDocument](provider, outboxCollection),
	}, nil
}

// Enqueue creates every entry. Inside a transaction the writes commit with the order.
func (r *OutboxRepository) Enqueue(ctx context.Context, entries []domain.OutboxEntry) error {
	for _, entry := range entries {
		if entry.ID == "" {
			return errors.New("outbox repository: entry id is required")
		}
		if err := r.entries.Create(ctx, entry.ID, newOutboxDocument(entry)); err != nil {
			return err
		}
	}
	return nil
}

// ListDue returns pending entries whose next attempt is not after now, oldest first.
func (r *OutboxRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEntry, error) {
	docs, err := r.entries.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("status", "==", string(domain.OutboxStatusPending)).
			Where("nextAttemptAt", "<=", now.UTC()).
			OrderBy("nextAttemptAt", firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.OutboxEntry, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toDomain())
	}
	return out, nil
}

// Claim leases the entry inside a transaction, so Firestore aborts all but one of two racing claims.
func (r *OutboxRepository) Claim(ctx context.Context, entry domain.OutboxEntry, now, leaseUntil time.Time) (domain.OutboxEntry, error) {
	var claimed domain.OutboxEntry
	err := r.uow.RunInTx(ctx, func(txCtx context.Context) error {
		doc, err := r.entries.Get(txCtx, entry.ID)
		if err != nil {
			return err
		}
		current := doc.toDomain()
		if current.Status != domain.OutboxStatusPending || current.Attempts != entry.Attempts {
			return pfirestore.Conflict("outbox.claim", "outbox entry")
		}
		current.Attempts++
		current.NextAttemptAt = leaseUntil
		current.UpdatedAt = now
		if err := r.entries.Set(txCtx, entry.ID, newOutboxDocument(current)); err != nil {
			return err
		}
		claimed = current
		return nil
	})
	if err != nil {
		return domain.OutboxEntry{}, err
	}
	return claimed, nil
}

// Save overwrites an existing entry.
func (r *OutboxRepository) Save(ctx context.Context, entry domain.OutboxEntry) error {
	if _, err := r.entries.Get(ctx, entry.ID); err != nil {
		return err
	}
	return r.entries.Set(ctx, entry.ID, newOutboxDocument(entry))
}
