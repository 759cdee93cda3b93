package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document is a decoded snapshot with its id and update time.
type Document[T any] struct {
	ID         string
	Data       T
	UpdateTime time.Time
}

// Decoder hydrates the typed value from a snapshot.
type Decoder[T any] func(snap *firestore.DocumentSnapshot) (T, error)

// QueryBuilder customises the collection query before it runs.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection reads typed documents from one collection.
type Collection[T any] struct {
	provider *Provider
	name     string
	decode   Decoder[T]
}

// NewCollection binds a typed reader to a collection. A nil decoder uses DataTo.
func NewCollection[T any](provider *Provider, name string, decode Decoder[T]) *Collection[T] {
	if decode == nil {
		decode = func(snap *firestore.DocumentSnapshot) (T, error) {
			var target T
			err := snap.DataTo(&target)
			return target, err
		}
	}
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name), decode: decode}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string {
	return c.name
}

// Get fetches one document by id.
func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	if strings.TrimSpace(id) == "" {
		return Document[T]{}, WrapError(c.op("get"), errors.New("document id is required"))
	}
	ref, err := c.ref(ctx)
	if err != nil {
		return Document[T]{}, err
	}
	snap, err := ref.Doc(id).Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return c.decodeSnapshot(snap)
}

// List runs the query and decodes every document. Documents that fail to decode abort the listing.
func (c *Collection[T]) List(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	ref, err := c.ref(ctx)
	if err != nil {
		return nil, err
	}
	query := ref.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, WrapError(c.op("list"), err)
		}
		doc, err := c.decodeSnapshot(snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
}

func (c *Collection[T]) decodeSnapshot(snap *firestore.DocumentSnapshot) (Document[T], error) {
	value, err := c.decode(snap)
	if err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode %s/%s: %w", c.name, snap.Ref.ID, err)
	}
	return Document[T]{ID: snap.Ref.ID, Data: value, UpdateTime: snap.UpdateTime}, nil
}

func (c *Collection[T]) ref(ctx context.Context) (*firestore.CollectionRef, error) {
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
	name := c.name
	if name == "" {
		name = "firestore"
	}
	return name + "." + action
}
