package docstore

import (
	"context"
	"math"

	"github.com/blevesearch/bleve/v2/search/query"
	"golang.org/x/time/rate"

	"github.com/diwise/odata-broker/pkg/odata/errors"
)

// NewLimitedStore puts an admission limiter in front of every collection of s. Calls that
// would exceed the configured rate fail immediately with an overload error instead of
// queueing, so that callers can stop issuing work.
func NewLimitedStore(s Store, perSecond float64, burst int) Store {
	limit := rate.Limit(perSecond)
	if math.IsInf(perSecond, 1) || perSecond <= 0 {
		limit = rate.Inf
	}

	if burst < 1 {
		burst = 1
	}

	return &limitedStore{Store: s, limiter: rate.NewLimiter(limit, burst)}
}

type limitedStore struct {
	Store
	limiter *rate.Limiter
}

func (s *limitedStore) Collection(name string) (Collection, error) {
	c, err := s.Store.Collection(name)
	if err != nil {
		return nil, err
	}
	return &limitedCollection{Collection: c, limiter: s.limiter}, nil
}

type limitedCollection struct {
	Collection
	limiter *rate.Limiter
}

func (c *limitedCollection) admit() error {
	if !c.limiter.Allow() {
		return errors.NewOverloadError("the document store is not accepting more requests right now")
	}
	return nil
}

func (c *limitedCollection) Get(ctx context.Context, id string) (Document, bool, error) {
	if err := c.admit(); err != nil {
		return Document{}, false, err
	}
	return c.Collection.Get(ctx, id)
}

func (c *limitedCollection) MultiGet(ctx context.Context, ids []string) (map[string]Document, error) {
	if err := c.admit(); err != nil {
		return nil, err
	}
	return c.Collection.MultiGet(ctx, ids)
}

func (c *limitedCollection) Put(ctx context.Context, doc Document, expectedVersion int64) (int64, error) {
	if err := c.admit(); err != nil {
		return 0, err
	}
	return c.Collection.Put(ctx, doc, expectedVersion)
}

func (c *limitedCollection) Create(ctx context.Context, doc Document) (int64, error) {
	if err := c.admit(); err != nil {
		return 0, err
	}
	return c.Collection.Create(ctx, doc)
}

func (c *limitedCollection) Delete(ctx context.Context, id string, expectedVersion int64) error {
	if err := c.admit(); err != nil {
		return err
	}
	return c.Collection.Delete(ctx, id, expectedVersion)
}

func (c *limitedCollection) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if err := c.admit(); err != nil {
		return nil, err
	}
	return c.Collection.Search(ctx, req)
}

func (c *limitedCollection) Count(ctx context.Context, q query.Query) (uint64, error) {
	if err := c.admit(); err != nil {
		return 0, err
	}
	return c.Collection.Count(ctx, q)
}

func (c *limitedCollection) Bulk(ctx context.Context, ops []BulkOp) ([]BulkResult, error) {
	if err := c.admit(); err != nil {
		return nil, err
	}
	return c.Collection.Bulk(ctx, ops)
}
