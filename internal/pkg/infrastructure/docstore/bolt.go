package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	bolt "go.etcd.io/bbolt"
)

type Option func(*boltStore)

// WithAnalyzedRoots names the top level maps whose string leaves are analyzed for
// full text matching. Every such leaf also gets an exact keyword copy under ExactRoot.
func WithAnalyzedRoots(roots ...string) Option {
	return func(s *boltStore) {
		s.analyzed = append(s.analyzed, roots...)
	}
}

type boltStore struct {
	db        *bolt.DB
	dir       string
	ephemeral bool
	analyzed  []string

	mu          sync.Mutex
	collections map[string]*collection
}

type collection struct {
	name  string
	db    *bolt.DB
	index bleve.Index
	store *boltStore

	// serializes writes so that the search index sees them in the same order as the source
	mu sync.Mutex
}

type record struct {
	Version int64          `json:"v"`
	Source  map[string]any `json:"s"`
}

// Open creates or opens a store rooted at dir. An empty dir creates a throwaway store whose
// search indexes live in memory and whose source file is removed on Close.
func Open(ctx context.Context, dir string, opts ...Option) (Store, error) {
	s := &boltStore{
		dir:         dir,
		collections: map[string]*collection{},
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.dir == "" {
		tmp, err := os.MkdirTemp("", "odata-docstore-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create temporary store directory: %w", err)
		}
		s.dir = tmp
		s.ephemeral = true
	} else if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(s.dir, "source.db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open source database: %w", err)
	}
	s.db = db

	logging.GetFromContext(ctx).Info("document store opened", "dir", s.dir, "ephemeral", s.ephemeral)

	return s, nil
}

func (s *boltStore) Collection(name string) (Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok {
		return c, nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
	}

	idx, err := s.openIndex(name)
	if err != nil {
		return nil, err
	}

	c := &collection{name: name, db: s.db, index: idx, store: s}
	s.collections[name] = c

	return c, nil
}

func (s *boltStore) openIndex(name string) (bleve.Index, error) {
	im := s.indexMapping()

	if s.ephemeral {
		return bleve.NewMemOnly(im)
	}

	path := filepath.Join(s.dir, name+".bleve")
	if _, err := os.Stat(path); err == nil {
		return bleve.Open(path)
	}

	return bleve.New(path, im)
}

func (s *boltStore) indexMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = keyword.Name
	im.StoreDynamic = false
	im.DocValuesDynamic = true

	for _, root := range s.analyzed {
		dm := bleve.NewDocumentMapping()
		dm.DefaultAnalyzer = standard.Name
		im.DefaultMapping.AddSubDocumentMapping(root, dm)
	}

	return im
}

func (s *boltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, c := range s.collections {
		errs = append(errs, c.index.Close())
	}
	errs = append(errs, s.db.Close())

	if s.ephemeral {
		errs = append(errs, os.RemoveAll(s.dir))
	}

	return errors.Join(errs...)
}

// indexDocument derives what the search index sees from a document source
func (s *boltStore) indexDocument(src map[string]any) map[string]any {
	doc := make(map[string]any, len(src)+2)
	exists := []string{}
	exact := map[string]any{}

	for key, value := range src {
		doc[key] = value

		m, isMap := value.(map[string]any)
		if !isMap {
			if value != nil {
				exists = append(exists, key)
			}
			continue
		}

		analyzed := slices.Contains(s.analyzed, key)

		for field, fv := range m {
			if fv == nil {
				continue
			}
			exists = append(exists, key+"."+field)

			if str, ok := fv.(string); ok && analyzed {
				sub, _ := exact[key].(map[string]any)
				if sub == nil {
					sub = map[string]any{}
					exact[key] = sub
				}
				sub[field] = str
			}
		}
	}

	doc[ExistsField] = exists
	if len(exact) > 0 {
		doc[ExactRoot] = exact
	}

	return doc
}

func (c *collection) Name() string {
	return c.name
}

func (c *collection) Get(ctx context.Context, id string) (Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, false, err
	}

	var doc Document
	found := false

	err := c.db.View(func(tx *bolt.Tx) error {
		r, err := c.read(tx, id)
		if err != nil || r == nil {
			return err
		}
		doc = Document{ID: id, Version: r.Version, Source: r.Source}
		found = true
		return nil
	})

	return doc, found, err
}

func (c *collection) MultiGet(ctx context.Context, ids []string) (map[string]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	docs := make(map[string]Document, len(ids))

	err := c.db.View(func(tx *bolt.Tx) error {
		for _, id := range ids {
			r, err := c.read(tx, id)
			if err != nil {
				return err
			}
			if r != nil {
				docs[id] = Document{ID: id, Version: r.Version, Source: r.Source}
			}
		}
		return nil
	})

	return docs, err
}

func (c *collection) Put(ctx context.Context, doc Document, expectedVersion int64) (int64, error) {
	results, err := c.Bulk(ctx, []BulkOp{{Action: BulkIndex, Document: doc, ExpectedVersion: expectedVersion}})
	if err != nil {
		return 0, err
	}
	return results[0].Version, results[0].Err
}

func (c *collection) Create(ctx context.Context, doc Document) (int64, error) {
	results, err := c.Bulk(ctx, []BulkOp{{Action: BulkCreate, Document: doc}})
	if err != nil {
		return 0, err
	}
	return results[0].Version, results[0].Err
}

func (c *collection) Delete(ctx context.Context, id string, expectedVersion int64) error {
	results, err := c.Bulk(ctx, []BulkOp{{Action: BulkDelete, Document: Document{ID: id}, ExpectedVersion: expectedVersion}})
	if err != nil {
		return err
	}
	return results[0].Err
}

func (c *collection) Bulk(ctx context.Context, ops []BulkOp) ([]BulkResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	results := make([]BulkResult, len(ops))
	batch := c.index.NewBatch()

	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c.name))

		for i, op := range ops {
			id := op.Document.ID
			results[i].ID = id

			if id == "" {
				results[i].Err = fmt.Errorf("document id must not be empty")
				continue
			}

			current, err := c.read(tx, id)
			if err != nil {
				return err
			}

			if reason := checkVersion(op, current); reason != nil {
				results[i].Err = reason
				continue
			}

			if op.Action == BulkDelete {
				if err := b.Delete([]byte(id)); err != nil {
					return err
				}
				results[i].Version = current.Version
				batch.Delete(id)
				continue
			}

			next := record{Version: 1, Source: op.Document.Source}
			if current != nil {
				next.Version = current.Version + 1
			}

			buf, err := json.Marshal(next)
			if err != nil {
				results[i].Err = fmt.Errorf("failed to encode document %s: %w", id, err)
				continue
			}

			if err := b.Put([]byte(id), buf); err != nil {
				return err
			}

			if err := batch.Index(id, c.store.indexDocument(next.Source)); err != nil {
				return fmt.Errorf("failed to index document %s: %w", id, err)
			}

			results[i].Version = next.Version
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bulk write to %s failed: %w", c.name, err)
	}

	if err := c.index.Batch(batch); err != nil {
		return nil, fmt.Errorf("failed to update search index %s: %w", c.name, err)
	}

	return results, nil
}

func checkVersion(op BulkOp, current *record) error {
	switch op.Action {
	case BulkCreate:
		if current != nil {
			return ErrDocumentExists
		}
	case BulkDelete:
		if current == nil {
			return ErrDocumentNotFound
		}
		if op.ExpectedVersion != 0 && current.Version != op.ExpectedVersion {
			return ErrVersionConflict
		}
	default:
		if op.ExpectedVersion == 0 {
			return nil
		}
		if current == nil {
			return ErrDocumentNotFound
		}
		if current.Version != op.ExpectedVersion {
			return ErrVersionConflict
		}
	}
	return nil
}

func (c *collection) read(tx *bolt.Tx, id string) (*record, error) {
	raw := tx.Bucket([]byte(c.name)).Get([]byte(id))
	if raw == nil {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	r := &record{}
	if err := dec.Decode(r); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", id, err)
	}

	normalizeNumbers(r.Source)

	return r, nil
}

func (c *collection) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	q := req.Query
	if q == nil {
		q = bleve.NewMatchAllQuery()
	}

	sr := bleve.NewSearchRequestOptions(q, req.Size, req.From, false)
	sr.SortBy(append(slices.Clone(req.Sort), "_id"))

	res, err := c.index.SearchInContext(ctx, sr)
	if err != nil {
		return nil, fmt.Errorf("search in %s failed: %w", c.name, err)
	}

	result := &SearchResult{Total: res.Total}
	if len(res.Hits) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}

	docs, err := c.MultiGet(ctx, ids)
	if err != nil {
		return nil, err
	}

	result.Documents = make([]Document, 0, len(ids))
	for _, id := range ids {
		doc, ok := docs[id]
		if !ok {
			// deleted between search and fetch
			continue
		}
		if len(req.Fields) > 0 {
			doc.Source = project(doc.Source, req.Fields)
		}
		result.Documents = append(result.Documents, doc)
	}

	return result, nil
}

func (c *collection) Count(ctx context.Context, q query.Query) (uint64, error) {
	result, err := c.Search(ctx, SearchRequest{Query: q, Size: 0})
	if err != nil {
		return 0, err
	}
	return result.Total, nil
}

// project keeps the top level keys and dotted second level paths named by fields
func project(src map[string]any, fields []string) map[string]any {
	dst := map[string]any{}

	for _, f := range fields {
		root, leaf, nested := strings.Cut(f, ".")
		value, ok := src[root]
		if !ok {
			continue
		}

		if !nested {
			dst[root] = value
			continue
		}

		m, isMap := value.(map[string]any)
		if !isMap {
			continue
		}

		lv, ok := m[leaf]
		if !ok {
			continue
		}

		sub, _ := dst[root].(map[string]any)
		if sub == nil {
			sub = map[string]any{}
			dst[root] = sub
		}
		sub[leaf] = lv
	}

	return dst
}

func normalizeNumbers(m map[string]any) {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		normalizeNumbers(t)
		return t
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	}
	return v
}
