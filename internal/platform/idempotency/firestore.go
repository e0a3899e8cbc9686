package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/fernvale/orderflow/internal/platform/firestore"
)

const (
	defaultCollection   = "idempotencyKeys"
	defaultCleanupLimit = 100
)

// FirestoreOption customises a FirestoreStore.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection holding keys.
func WithCollection(name string) FirestoreOption {
	return func(store *FirestoreStore) {
		if name != "" {
			store.name = name
		}
	}
}

// WithMaxAttempts bounds how often an aborted transaction is retried.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(store *FirestoreStore) {
		if attempts > 0 {
			store.attempts = attempts
		}
	}
}

// FirestoreStore shares keys across instances through Firestore. Documents are keyed by the
// hashed scoped key; the fingerprint is compared inside the transaction.
type FirestoreStore struct {
	provider *pfirestore.Provider
	name     string
	attempts int
	records  *pfirestore.Collection[firestoreRecord]
}

func NewFirestoreStore(provider *pfirestore.Provider, opts ...FirestoreOption) *FirestoreStore {
	store := &FirestoreStore{provider: provider, name: defaultCollection, attempts: 5}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	store.records = pfirestore.NewCollection[firestoreRecord](provider, store.name)
	return store
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	id := documentID(key)

	var result Reservation
	err := s.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		doc, err := s.records.Get(ctx, id)
		switch {
		case isNotFound(err):
		case err != nil:
			return err
		default:
			record := doc.toRecord()
			if !record.expired(now) {
				if record.Fingerprint != fingerprint {
					return ErrFingerprintMismatch
				}
				state := ReservationStatePending
				if record.Status == StatusCompleted {
					state = ReservationStateCompleted
				}
				result = Reservation{State: state, Record: record}
				return nil
			}
		}

		record := pendingRecord(key, fingerprint, now, ttlOrDefault(ttl))
		if err := s.records.Set(ctx, id, fromRecord(record)); err != nil {
			return err
		}
		result = Reservation{State: ReservationStateNew, Record: record}
		return nil
	}, pfirestore.WithTxAttempts(s.attempts))
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
	}
	return result, nil
}

func (s *FirestoreStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	id := documentID(key)

	err := s.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		record := Record{Key: key, Fingerprint: fingerprint}
		doc, err := s.records.Get(ctx, id)
		switch {
		case isNotFound(err):
		case err != nil:
			return err
		default:
			record = doc.toRecord()
			if record.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
		}
		return s.records.Set(ctx, id, fromRecord(completeRecord(record, resp, now, ttlOrDefault(ttl))))
	}, pfirestore.WithTxAttempts(s.attempts))
	if err != nil {
		return fmt.Errorf("idempotency: save response: %w", err)
	}
	return nil
}

// Release deletes the reservation so the client can retry. A missing document is not an error.
func (s *FirestoreStore) Release(ctx context.Context, key, _ string) error {
	ref, err := s.records.Ref(ctx, documentID(key))
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && !isNotFound(pfirestore.WrapError("idempotency.release", err)) {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

// CleanupExpired deletes up to limit documents whose expiresAt has passed.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupLimit
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	docs, err := client.Collection(s.name).
		Where("expiresAt", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("idempotency.cleanup", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	writer := client.BulkWriter(ctx)
	for _, doc := range docs {
		if _, err := writer.Delete(doc.Ref); err != nil {
			writer.End()
			return 0, pfirestore.WrapError("idempotency.cleanup", err)
		}
	}
	writer.End()
	return len(docs), nil
}

func isNotFound(err error) bool {
	var fsErr *pfirestore.Error
	return errors.As(err, &fsErr) && fsErr.IsNotFound()
}

type firestoreRecord struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          string              `firestore:"status"`
	ResponseStatus  int                 `firestore:"responseStatus"`
	ResponseHeaders map[string][]string `firestore:"responseHeaders,omitempty"`
	ResponseBody    []byte              `firestore:"responseBody,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	ExpiresAt       time.Time           `firestore:"expiresAt"`
}

func fromRecord(r Record) firestoreRecord {
	return firestoreRecord{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          string(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

func (r firestoreRecord) toRecord() Record {
	return Record{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          Status(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}
