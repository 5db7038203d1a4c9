package docstore

import (
	"context"
	"errors"
	"testing"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/matryer/is"

	odataerrors "github.com/diwise/odata-broker/pkg/odata/errors"
)

func TestPutAndGetDocument(t *testing.T) {
	is, ctx, c := setupCollectionTest(t)

	v, err := c.Put(ctx, Document{ID: "w1", Source: widget("Shiny widget", 10)}, 0)
	is.NoErr(err)
	is.Equal(v, int64(1))

	doc, found, err := c.Get(ctx, "w1")
	is.NoErr(err)
	is.True(found)
	is.Equal(doc.Version, int64(1))
	is.Equal(doc.Source["s"].(map[string]any)["Price"], int64(10)) // numbers should come back as int64
}

func TestPutWithStaleVersionFails(t *testing.T) {
	is, ctx, c := setupCollectionTest(t)

	_, err := c.Put(ctx, Document{ID: "w1", Source: widget("a", 1)}, 0)
	is.NoErr(err)
	v, err := c.Put(ctx, Document{ID: "w1", Source: widget("b", 2)}, 1)
	is.NoErr(err)
	is.Equal(v, int64(2))

	_, err = c.Put(ctx, Document{ID: "w1", Source: widget("c", 3)}, 1)
	is.True(errors.Is(err, ErrVersionConflict))

	doc, _, _ := c.Get(ctx, "w1")
	is.Equal(doc.Source["s"].(map[string]any)["Name"], "b") // stale write must not change the document
}

func TestCreateRefusesExistingDocument(t *testing.T) {
	is, ctx, c := setupCollectionTest(t)

	_, err := c.Create(ctx, Document{ID: "w1", Source: widget("a", 1)})
	is.NoErr(err)

	_, err = c.Create(ctx, Document{ID: "w1", Source: widget("a", 1)})
	is.True(errors.Is(err, ErrDocumentExists))
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	is, ctx, c := setupCollectionTest(t)

	_, err := c.Put(ctx, Document{ID: "w1", Source: widget("a", 1)}, 0)
	is.NoErr(err)

	is.NoErr(c.Delete(ctx, "w1", 0))

	n, err := c.Count(ctx, bleve.NewMatchAllQuery())
	is.NoErr(err)
	is.Equal(n, uint64(0))

	err = c.Delete(ctx, "w1", 0)
	is.True(errors.Is(err, ErrDocumentNotFound))
}

func TestSearchUsesExactAndAnalyzedCopies(t *testing.T) {
	is, ctx, c := setupCollectionTest(t)

	_, err := c.Bulk(ctx, []BulkOp{
		{Action: BulkCreate, Document: Document{ID: "w1", Source: widget("Shiny Red Widget", 10)}},
		{Action: BulkCreate, Document: Document{ID: "w2", Source: widget("Dull widget", 20)}},
		{Action: BulkCreate, Document: Document{ID: "w3", Source: widget("Shiny Blue", 30)}},
	})
	is.NoErr(err)

	exact := query.NewTermQuery("Shiny Red Widget")
	exact.SetField(ExactField("s.Name"))
	result, err := c.Search(ctx, SearchRequest{Query: exact, Size: 10})
	is.NoErr(err)
	is.Equal(result.Total, uint64(1))
	is.Equal(result.Documents[0].ID, "w1")

	phrase := query.NewMatchPhraseQuery("shiny")
	phrase.SetField("s.Name")
	result, err = c.Search(ctx, SearchRequest{Query: phrase, Size: 10, Sort: []string{"-s.Price"}})
	is.NoErr(err)
	is.Equal(result.Total, uint64(2))
	is.Equal(result.Documents[0].ID, "w3") // sorted by descending price
}

func TestSearchProjectsRequestedFields(t *testing.T) {
	is, ctx, c := setupCollectionTest(t)

	_, err := c.Put(ctx, Document{ID: "w1", Source: widget("a", 1)}, 0)
	is.NoErr(err)

	result, err := c.Search(ctx, SearchRequest{Size: 1, Fields: []string{"c", "s.Name"}})
	is.NoErr(err)

	src := result.Documents[0].Source
	is.Equal(src["c"], "cell1")
	is.Equal(src["s"], map[string]any{"Name": "a"})
	_, hasLinks := src["l"]
	is.True(!hasLinks)
}

func TestExistsFieldTracksNonNullValues(t *testing.T) {
	is, ctx, c := setupCollectionTest(t)

	src := widget("a", 1)
	src["s"].(map[string]any)["Color"] = nil
	_, err := c.Put(ctx, Document{ID: "w1", Source: src}, 0)
	is.NoErr(err)

	hasName := query.NewTermQuery("s.Name")
	hasName.SetField(ExistsField)
	n, err := c.Count(ctx, hasName)
	is.NoErr(err)
	is.Equal(n, uint64(1))

	hasColor := query.NewTermQuery("s.Color")
	hasColor.SetField(ExistsField)
	n, err = c.Count(ctx, hasColor)
	is.NoErr(err)
	is.Equal(n, uint64(0))
}

func TestBulkReportsPerItemFailures(t *testing.T) {
	is, ctx, c := setupCollectionTest(t)

	_, err := c.Put(ctx, Document{ID: "w1", Source: widget("a", 1)}, 0)
	is.NoErr(err)

	results, err := c.Bulk(ctx, []BulkOp{
		{Action: BulkCreate, Document: Document{ID: "w1", Source: widget("a", 1)}},
		{Action: BulkCreate, Document: Document{ID: "w2", Source: widget("b", 2)}},
	})
	is.NoErr(err)
	is.True(errors.Is(results[0].Err, ErrDocumentExists))
	is.NoErr(results[1].Err)
	is.Equal(results[1].Version, int64(1))
}

func TestLimitedStoreRejectsWithOverload(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	s, err := Open(ctx, "")
	is.NoErr(err)
	t.Cleanup(func() { s.Close() })

	limited := NewLimitedStore(s, 0.0001, 1)
	c, err := limited.Collection("widgets")
	is.NoErr(err)

	_, _, err = c.Get(ctx, "w1")
	is.NoErr(err) // the burst admits the first call

	_, _, err = c.Get(ctx, "w1")
	is.True(errors.Is(err, odataerrors.ErrOverload))
}

func widget(name string, price int) map[string]any {
	return map[string]any{
		"c": "cell1",
		"t": "Widget",
		"s": map[string]any{"Name": name, "Price": price},
		"l": map[string]any{},
	}
}

func setupCollectionTest(t *testing.T) (*is.I, context.Context, Collection) {
	is := is.New(t)
	ctx := context.Background()

	s, err := Open(ctx, "", WithAnalyzedRoots("s", "d"))
	is.NoErr(err)
	t.Cleanup(func() { s.Close() })

	c, err := s.Collection("widgets")
	is.NoErr(err)

	return is, ctx, c
}
