package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/fernvale/orderflow/internal/domain"
	"github.com/fernvale/orderflow/internal/repositories"
)

const outboxColumns = `id, kind, order_number, payload, status, attempts, last_error, note, next_attempt_at, created_at, updated_at`

type outboxRepository struct {
	db *DB
}

var _ repositories.OutboxRepository = outboxRepository{}

func (r outboxRepository) Enqueue(ctx context.Context, entries []domain.OutboxEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		if e.ID == "" {
			return errors.New("outbox repository: entry id is required")
		}
		payload := e.Payload
		if payload == nil {
			payload = map[string]string{}
		}
		batch.Queue(`INSERT INTO order_outbox (`+outboxColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			e.ID, string(e.Kind), e.OrderNumber, payload, string(e.Status), e.Attempts, e.LastError, e.Note,
			e.NextAttemptAt.UTC(), e.CreatedAt.UTC(), e.UpdatedAt.UTC())
	}
	return wrapError("outbox.enqueue", r.db.q(ctx).SendBatch(ctx, batch).Close())
}

func (r outboxRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEntry, error) {
	query := `SELECT ` + outboxColumns + ` FROM order_outbox
		WHERE status = $1 AND next_attempt_at <= $2
		ORDER BY next_attempt_at, id`
	args := []any{string(domain.OutboxStatusPending), now.UTC()}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := r.db.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, wrapError("outbox.list_due", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OutboxEntry, error) {
		return scanOutboxEntry(row)
	})
	if err != nil {
		return nil, wrapError("outbox.list_due", err)
	}
	return entries, nil
}

// Claim is a compare-and-set on (status, attempts). Of two dispatchers holding the same listing
// only one matches the row.
func (r outboxRepository) Claim(ctx context.Context, e domain.OutboxEntry, now, leaseUntil time.Time) (domain.OutboxEntry, error) {
	q := r.db.q(ctx)
	claimed, err := scanOutboxEntry(q.QueryRow(ctx, `UPDATE order_outbox SET
			attempts = attempts + 1, next_attempt_at = $4, updated_at = $3
		WHERE id = $1 AND status = $5 AND attempts = $2
		RETURNING `+outboxColumns,
		e.ID, e.Attempts, now.UTC(), leaseUntil.UTC(), string(domain.OutboxStatusPending)))
	if err == nil {
		return claimed, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.OutboxEntry{}, wrapError("outbox.claim", err)
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM order_outbox WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
		return domain.OutboxEntry{}, wrapError("outbox.claim", err)
	}
	if !exists {
		return domain.OutboxEntry{}, notFound("outbox.claim", "outbox entry")
	}
	return domain.OutboxEntry{}, stale("outbox.claim", "outbox entry")
}

func scanOutboxEntry(row pgx.Row) (domain.OutboxEntry, error) {
	var (
		e            domain.OutboxEntry
		kind, status string
	)
	err := row.Scan(&e.ID, &kind, &e.OrderNumber, &e.Payload, &status, &e.Attempts, &e.LastError, &e.Note,
		&e.NextAttemptAt, &e.CreatedAt, &e.UpdatedAt)
	e.Kind = domain.OutboxKind(kind)
	e.Status = domain.OutboxStatus(status)
	return e, err
}

func (r outboxRepository) Save(ctx context.Context, e domain.OutboxEntry) error {
	tag, err := r.db.q(ctx).Exec(ctx, `UPDATE order_outbox SET
			status = $2, attempts = $3, last_error = $4, note = $5, next_attempt_at = $6, updated_at = $7
		WHERE id = $1`,
		e.ID, string(e.Status), e.Attempts, e.LastError, e.Note, e.NextAttemptAt.UTC(), e.UpdatedAt.UTC())
	if err != nil {
		return wrapError("outbox.save", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("outbox.save", "outbox entry")
	}
	return nil
}
