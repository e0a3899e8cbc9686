package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// QueryBuilder customises a collection query before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection offers typed, transaction-aware access to one Firestore collection.
// Writes issued with a context from RunTransaction are staged on that transaction.
type Collection[T any] struct {
	provider *Provider
	name     string
}

// NewCollection binds T to the named collection.
func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name)}
}

// Ref returns the document reference for id.
func (c *Collection[T]) Ref(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("ref"), errors.New("document id is required"))
	}
	coll, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

// Get reads and decodes one document. Inside a transaction the read joins it.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return zero, err
	}
	var snap *firestore.DocumentSnapshot
	if tx, ok := TxFromContext(ctx); ok {
		snap, err = tx.Get(ref)
	} else {
		snap, err = ref.Get(ctx)
	}
	if err != nil {
		return zero, WrapError(c.op("get"), err)
	}
	var out T
	if err := snap.DataTo(&out); err != nil {
		return zero, fmt.Errorf("%s: decode %s: %w", c.op("get"), id, err)
	}
	return out, nil
}

// Create writes a new document and fails with a conflict when id is taken.
func (c *Collection[T]) Create(ctx context.Context, id string, value T) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TxFromContext(ctx); ok {
		return WrapError(c.op("create"), tx.Create(ref, value))
	}
	_, err = ref.Create(ctx, value)
	return WrapError(c.op("create"), err)
}

// Set overwrites the document.
func (c *Collection[T]) Set(ctx context.Context, id string, value T) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TxFromContext(ctx); ok {
		return WrapError(c.op("set"), tx.Set(ref, value))
	}
	_, err = ref.Set(ctx, value)
	return WrapError(c.op("set"), err)
}

// Query runs a collection query and decodes every result.
func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]T, error) {
	coll, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	var iter *firestore.DocumentIterator
	if tx, ok := TxFromContext(ctx); ok {
		iter = tx.Documents(query)
	} else {
		iter = query.Documents(ctx)
	}
	defer iter.Stop()

	var out []T
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		var value T
		if err := snap.DataTo(&value); err != nil {
			return nil, fmt.Errorf("%s: decode %s: %w", c.op("query"), snap.Ref.ID, err)
		}
		out = append(out, value)
	}
}

func (c *Collection[T]) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, errors.New("firestore: provider is nil")
	}
	if c.name == "" {
		return nil, errors.New("firestore: collection name is required")
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

func (c *Collection[T]) op(action string) string {
	return c.name + "." + action
}
