package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/diwise/odata-broker/internal/pkg/application/query"
	"github.com/diwise/odata-broker/internal/pkg/application/schema"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/cache"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/docstore"
	"github.com/diwise/odata-broker/pkg/odata/errors"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

var tracer = otel.Tracer("odata-broker/storage")

// AccessorProvider hands out the collections that hold the documents of a partition
type AccessorProvider interface {
	Entities(ctx context.Context, p types.Partition) (docstore.Collection, error)
	Links(ctx context.Context, p types.Partition) (docstore.Collection, error)
	Types(ctx context.Context, p types.Partition) (docstore.Collection, error)
}

// HookSet attaches side effects to the lifecycle of entities. Errors returned from a
// Before hook abort the operation, After hooks can only observe.
type HookSet interface {
	BeforeCreate(ctx context.Context, set *schema.EntitySet, e *types.EntityRecord) error
	AfterCreate(ctx context.Context, set *schema.EntitySet, e *types.EntityRecord)
	BeforeBulkCreate(ctx context.Context, items []*BulkItem) error
	AfterUpdate(ctx context.Context, set *schema.EntitySet, e *types.EntityRecord)
	BeforeDelete(ctx context.Context, set *schema.EntitySet, e *types.EntityRecord) error
	AfterDelete(ctx context.Context, set *schema.EntitySet, e *types.EntityRecord)
}

// KeyStrategy decides on internal ids and on the name of the lock guarding a partition
type KeyStrategy interface {
	NewID() string
	LockName(p types.Partition) string
}

type Locker interface {
	Lock(ctx context.Context, name string) (release func(), err error)
}

type Config struct {
	MaxLinks    int
	MaxExpanded int
	MinDateTime int64
	MaxDateTime int64
}

type Engine struct {
	schema     schema.Provider
	translator *query.Translator
	accessors  AccessorProvider
	locks      Locker
	hooks      HookSet
	keys       KeyStrategy
	cache      cache.Cache
	cfg        Config
	now        func() time.Time
}

type Option func(*Engine)

func WithHooks(h HookSet) Option {
	return func(e *Engine) { e.hooks = h }
}

func WithKeyStrategy(k KeyStrategy) Option {
	return func(e *Engine) { e.keys = k }
}

func WithCache(c cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(s schema.Provider, translator *query.Translator, accessors AccessorProvider, locks Locker, opts ...Option) *Engine {
	e := &Engine{
		schema:     s,
		translator: translator,
		accessors:  wrappedAccessors{accessors},
		locks:      locks,
		hooks:      NopHooks{},
		keys:       DefaultKeys{},
		cache:      cache.NewNop(),
		cfg: Config{
			MaxLinks:    10000,
			MaxExpanded: 2,
			MinDateTime: -6847804800000,
			MaxDateTime: 253402300799999,
		},
		now: time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Engine) Schema() schema.Provider {
	return e.schema
}

func (e *Engine) entitySet(name string) (*schema.EntitySet, error) {
	set, ok := e.schema.EntitySet(name)
	if !ok {
		return nil, errors.NewNotFoundError(errors.CodeNoSuchEntitySet, fmt.Sprintf("entity set %s does not exist", name))
	}
	return set, nil
}

func (e *Engine) navigation(set *schema.EntitySet, name string) (*schema.NavigationProperty, *schema.EntitySet, error) {
	nav, ok := set.NavigationProperty(name)
	if !ok {
		return nil, nil, errors.NewNotFoundError(errors.CodeNoSuchNavigationProperty, fmt.Sprintf("%s has no navigation property %s", set.Name, name))
	}

	target, err := e.entitySet(nav.Target)
	if err != nil {
		return nil, nil, err
	}

	return nav, target, nil
}

// lock takes the partition lock. The returned release func must always be called.
func (e *Engine) lock(ctx context.Context, p types.Partition) (func(), error) {
	release, err := e.locks.Lock(ctx, e.keys.LockName(p))
	return release, storeError(err)
}

// wrappedAccessors reports collections that cannot be opened as data store failures
type wrappedAccessors struct {
	AccessorProvider
}

func (a wrappedAccessors) Entities(ctx context.Context, p types.Partition) (docstore.Collection, error) {
	coll, err := a.AccessorProvider.Entities(ctx, p)
	return coll, storeError(err)
}

func (a wrappedAccessors) Links(ctx context.Context, p types.Partition) (docstore.Collection, error) {
	coll, err := a.AccessorProvider.Links(ctx, p)
	return coll, storeError(err)
}

func (a wrappedAccessors) Types(ctx context.Context, p types.Partition) (docstore.Collection, error) {
	coll, err := a.AccessorProvider.Types(ctx, p)
	return coll, storeError(err)
}

func (e *Engine) timestamp() int64 {
	return e.now().UnixMilli()
}

// DefaultKeys hands out hyphen free uuids and locks whole cells
type DefaultKeys struct{}

func (DefaultKeys) NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (DefaultKeys) LockName(p types.Partition) string {
	return "cell:" + p.Cell
}

// NopHooks does nothing and can be embedded by hook sets that only care about a few events
type NopHooks struct{}

func (NopHooks) BeforeCreate(context.Context, *schema.EntitySet, *types.EntityRecord) error { return nil }
func (NopHooks) AfterCreate(context.Context, *schema.EntitySet, *types.EntityRecord)         {}
func (NopHooks) BeforeBulkCreate(context.Context, []*BulkItem) error                         { return nil }
func (NopHooks) AfterUpdate(context.Context, *schema.EntitySet, *types.EntityRecord)         {}
func (NopHooks) BeforeDelete(context.Context, *schema.EntitySet, *types.EntityRecord) error { return nil }
func (NopHooks) AfterDelete(context.Context, *schema.EntitySet, *types.EntityRecord)         {}

// StoreAccessors keeps every partition in three shared collections and relies on the
// partition fields of each document to tell them apart
type StoreAccessors struct {
	entities docstore.Collection
	links    docstore.Collection
	types    docstore.Collection
}

func NewStoreAccessors(s docstore.Store) (*StoreAccessors, error) {
	a := &StoreAccessors{}

	var err error
	if a.entities, err = s.Collection("entities"); err != nil {
		return nil, err
	}
	if a.links, err = s.Collection("links"); err != nil {
		return nil, err
	}
	if a.types, err = s.Collection("types"); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *StoreAccessors) Entities(context.Context, types.Partition) (docstore.Collection, error) {
	return a.entities, nil
}

func (a *StoreAccessors) Links(context.Context, types.Partition) (docstore.Collection, error) {
	return a.links, nil
}

func (a *StoreAccessors) Types(context.Context, types.Partition) (docstore.Collection, error) {
	return a.types, nil
}
