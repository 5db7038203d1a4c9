package docstore

import (
	"context"
	"fmt"

	"github.com/blevesearch/bleve/v2/search/query"
)

var ErrDocumentNotFound = fmt.Errorf("document not found")
var ErrVersionConflict = fmt.Errorf("version conflict")
var ErrDocumentExists = fmt.Errorf("document already exists")

const (
	// ExistsField lists the dotted paths of every non null leaf in an analyzed root,
	// so that "is null" can be expressed as the absence of a term.
	ExistsField string = "_exists"
	// ExactRoot holds keyword copies of every string leaf of the analyzed roots
	ExactRoot string = "k"
)

// ExactField returns the name of the keyword copy of an analyzed string field
func ExactField(field string) string {
	return ExactRoot + "." + field
}

type Document struct {
	ID      string
	Version int64
	Source  map[string]any
}

type SearchRequest struct {
	Query  query.Query
	Size   int
	From   int
	Sort   []string
	Fields []string
}

type SearchResult struct {
	Total     uint64
	Documents []Document
}

type BulkAction int

const (
	BulkIndex BulkAction = iota
	BulkCreate
	BulkDelete
)

type BulkOp struct {
	Action          BulkAction
	Document        Document
	ExpectedVersion int64
}

type BulkResult struct {
	ID      string
	Version int64
	Err     error
}

// Collection holds one kind of document. Writes are versioned per document;
// nothing spans more than a single document atomically except for what a
// caller chooses to serialize around it.
type Collection interface {
	Name() string

	Get(ctx context.Context, id string) (Document, bool, error)
	MultiGet(ctx context.Context, ids []string) (map[string]Document, error)
	// Put writes doc and returns its new version. A zero expectedVersion writes
	// unconditionally; otherwise a mismatch fails with ErrVersionConflict.
	Put(ctx context.Context, doc Document, expectedVersion int64) (int64, error)
	// Create writes doc only when no document with the same id exists
	Create(ctx context.Context, doc Document) (int64, error)
	Delete(ctx context.Context, id string, expectedVersion int64) error

	Search(ctx context.Context, req SearchRequest) (*SearchResult, error)
	Count(ctx context.Context, q query.Query) (uint64, error)

	// Bulk applies every op and reports per item outcomes. A returned error means
	// that the operation as a whole failed and no result can be trusted.
	Bulk(ctx context.Context, ops []BulkOp) ([]BulkResult, error)
}

type Store interface {
	Collection(name string) (Collection, error)
	Close() error
}
