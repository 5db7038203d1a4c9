package odata

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/diwise/odata-broker/internal/pkg/application/batch"
	"github.com/diwise/odata-broker/internal/pkg/application/query"
	"github.com/diwise/odata-broker/internal/pkg/application/schema"
	"github.com/diwise/odata-broker/internal/pkg/application/storage"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/docstore"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/locking"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/router"
	"github.com/diwise/odata-broker/pkg/odata/errors"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

func TestCreateEntity(t *testing.T) {
	is, ts := setupTest(t)
	defer ts.Close()

	resp, body := newTestRequest(is, ts, http.MethodPost, "/c1/b1/n1/Widgets", `{"Id":"w1","Made":"/Date(1700000000000)/"}`)

	is.Equal(resp.StatusCode, http.StatusCreated)
	is.Equal(resp.Header.Get("Location"), ts.URL+"/c1/b1/n1/Widgets('w1')")
	is.True(resp.Header.Get("ETag") != "")

	d := envelope(is, body)
	is.Equal(d["Id"], "w1")
	is.Equal(d["Made"], "/Date(1700000000000)/")

	metadata := d["__metadata"].(map[string]any)
	is.Equal(metadata["type"], "Test.Widget")
	is.Equal(metadata["uri"], ts.URL+"/c1/b1/n1/Widgets('w1')")
}

func TestMergeAndDeleteEntity(t *testing.T) {
	is, ts := setupTest(t)
	defer ts.Close()

	newTestRequest(is, ts, http.MethodPost, "/c1/b1/n1/Widgets", `{"Id":"w1","Price":1}`)

	resp, _ := newTestRequest(is, ts, router.MethodMerge, "/c1/b1/n1/Widgets('w1')", `{"Price":2}`)
	is.Equal(resp.StatusCode, http.StatusNoContent)

	resp, body := newTestRequest(is, ts, http.MethodGet, "/c1/b1/n1/Widgets('w1')", "")
	is.Equal(resp.StatusCode, http.StatusOK)
	is.Equal(envelope(is, body)["Price"], float64(2))

	resp, _ = newTestRequest(is, ts, http.MethodDelete, "/c1/b1/n1/Widgets('w1')", "")
	is.Equal(resp.StatusCode, http.StatusNoContent)

	resp, body = newTestRequest(is, ts, http.MethodGet, "/c1/b1/n1/Widgets('w1')", "")
	is.Equal(resp.StatusCode, http.StatusNotFound)
	is.True(strings.Contains(body, errors.CodeNoSuchEntity))
}

func TestStaleETagIsRejected(t *testing.T) {
	is, ts := setupTest(t)
	defer ts.Close()

	resp, _ := newTestRequest(is, ts, http.MethodPost, "/c1/b1/n1/Widgets", `{"Id":"w1","Price":1}`)
	etag := resp.Header.Get("ETag")

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/c1/b1/n1/Widgets('w1')", bytes.NewBufferString(`{"Id":"w1","Price":3}`))
	req.Header.Set("If-Match", etag)
	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusNoContent)

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/c1/b1/n1/Widgets('w1')", nil)
	req.Header.Set("If-Match", etag)
	resp, err = http.DefaultClient.Do(req)
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusPreconditionFailed)
}

func TestListWithInlineCount(t *testing.T) {
	is, ts := setupTest(t)
	defer ts.Close()

	newTestRequest(is, ts, http.MethodPost, "/c1/b1/n1/Widgets", `{"Id":"w1","Price":1}`)
	newTestRequest(is, ts, http.MethodPost, "/c1/b1/n1/Widgets", `{"Id":"w2","Price":5}`)

	resp, body := newTestRequest(is, ts, http.MethodGet, "/c1/b1/n1/Widgets?$filter=Price%20gt%202&$inlinecount=allpages", "")
	is.Equal(resp.StatusCode, http.StatusOK)

	d := envelope(is, body)
	is.Equal(d["__count"], "1")
	is.Equal(len(d["results"].([]any)), 1)
}

func TestBatchRequest(t *testing.T) {
	is, ts := setupTest(t)
	defer ts.Close()

	b := "--batch_1\r\nContent-Type: application/http\r\n\r\n" +
		"POST Widgets HTTP/1.1\r\nContent-Type: application/json\r\n\r\n{\"Id\":\"w1\"}\r\n" +
		"--batch_1\r\nContent-Type: application/http\r\n\r\n" +
		"POST /c1/b1/n1/Widgets HTTP/1.1\r\nContent-Type: application/json\r\n\r\n{\"Id\":\"w1\"}\r\n" +
		"--batch_1--\r\n"

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/c1/b1/n1/$batch", bytes.NewBufferString(b))
	req.Header.Set("Content-Type", "multipart/mixed; boundary=batch_1")

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	is.Equal(resp.StatusCode, http.StatusAccepted)
	is.True(strings.HasPrefix(resp.Header.Get("Content-Type"), "multipart/mixed; boundary=batch_"))
	is.True(strings.Contains(string(body), "HTTP/1.1 201 Created"))
	is.True(strings.Contains(string(body), "HTTP/1.1 409 Conflict"))
}

func TestMalformedBatchIsRejected(t *testing.T) {
	is, ts := setupTest(t)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/c1/b1/n1/$batch", bytes.NewBufferString("not a batch"))
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	resp.Body.Close()

	is.Equal(resp.StatusCode, http.StatusBadRequest)
}

func TestUnservedPartitionIsNotFound(t *testing.T) {
	is, ts := setupTest(t)
	defer ts.Close()

	resp, _ := newTestRequest(is, ts, http.MethodGet, "/other/b1/n1/Widgets", "")
	is.Equal(resp.StatusCode, http.StatusNotFound)
}

func TestSerializerUnwrapsEnvelope(t *testing.T) {
	is := is.New(t)

	s := NewSerializer(testSchema(t), "Test")

	props, err := s.ParseEntity([]byte(`{"d":{"Id":"w1"}}`))
	is.NoErr(err)
	is.Equal(props["Id"], "w1")

	_, err = s.ParseEntity([]byte(`[1,2]`))
	is.Equal(errors.Code(err), errors.CodeRequestBodyInvalid)

	_, err = s.ParseLink([]byte(`{}`))
	is.Equal(errors.Code(err), errors.CodeRequestBodyInvalid)
}

func TestSerializerRendersExpandedNavigation(t *testing.T) {
	is := is.New(t)

	sch := testSchema(t)
	s := NewSerializer(sch, "Test")

	widgets, _ := sch.EntitySet("Widgets")

	w := types.NewEntityRecord(types.Partition{}, "Widget")
	w.Static["Id"] = "w1"
	g := types.NewEntityRecord(types.Partition{}, "Gadgets")
	g.Static["Id"] = "g1"

	b, err := s.Entity("http://localhost/c1/b1/n1/", &storage.Result{
		Set:      widgets,
		Record:   w,
		Expanded: map[string][]*types.EntityRecord{"Gadgets": {g}},
	})
	is.NoErr(err)

	d := envelope(is, string(b))
	gadgets := d["Gadgets"].(map[string]any)["results"].([]any)
	is.Equal(len(gadgets), 1)
	is.Equal(gadgets[0].(map[string]any)["Id"], "g1")
}

func envelope(is *is.I, body string) map[string]any {
	doc := map[string]map[string]any{}
	is.NoErr(json.Unmarshal([]byte(body), &doc))
	return doc["d"]
}

func newTestRequest(is *is.I, ts *httptest.Server, method, path string, body string) (*http.Response, string) {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}

	req, _ := http.NewRequest(method, ts.URL+path, reader)
	req.Header.Add("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err) // http request failed
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	is.NoErr(err) // failed to read response body

	return resp, string(respBody)
}

func setupTest(t *testing.T) (*is.I, *httptest.Server) {
	is := is.New(t)
	ctx := context.Background()

	store, err := docstore.Open(ctx, "", docstore.WithAnalyzedRoots(query.FieldStatic, query.FieldDynamic))
	is.NoErr(err)
	t.Cleanup(func() { store.Close() })

	accessors, err := storage.NewStoreAccessors(store)
	is.NoErr(err)

	sch := testSchema(t)
	tr := query.NewTranslator(query.Limits{DefaultTop: 25, MaxTop: 1000, MaxTopWithExpand: 100, MaxSkip: 10000, MinDateTime: -6847804800000, MaxDateTime: 253402300799999})
	locks := locking.NewManager(locking.NewLocalLocker(), 3, time.Millisecond)

	engine := batch.New(
		storage.New(sch, tr, accessors, locks),
		allowAll{},
		NewSerializer(sch, "Test"),
		batch.Config{MaxParts: 10, Timeout: time.Minute},
	)

	r := router.New("odata-broker-test")
	RegisterHandlers(ctx, r, nil, func(cell, box, node string) bool { return cell == "c1" }, engine)

	return is, httptest.NewServer(r)
}

type allowAll struct{}

func (allowAll) CheckAccess(context.Context, string, string) error { return nil }

func testSchema(t *testing.T) *schema.Schema {
	s, err := schema.Load(bytes.NewBufferString(schemaYAML))
	if err != nil {
		t.Fatalf("failed to load schema: %s", err.Error())
	}
	return s
}

const schemaYAML string = `
entitySets:
  - name: Widgets
    entityType: Widget
    key: [Id]
    properties:
      - {name: Id, type: Edm.String}
      - {name: Price, type: Edm.Int32}
      - {name: Made, type: Edm.DateTime}
    navigationProperties:
      - {name: Gadgets, target: Gadgets, fromMultiplicity: "*", toMultiplicity: "*", partner: Widgets}
  - name: Gadgets
    key: [Id]
    properties:
      - {name: Id, type: Edm.String}
    navigationProperties:
      - {name: Widgets, target: Widgets, fromMultiplicity: "*", toMultiplicity: "*", partner: Gadgets}
`
