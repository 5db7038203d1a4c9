package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/diwise/odata-broker/internal/pkg/application/query"
	"github.com/diwise/odata-broker/internal/pkg/application/schema"
	"github.com/diwise/odata-broker/internal/pkg/application/storage"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/docstore"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/locking"
	"github.com/diwise/odata-broker/pkg/odata/errors"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

const baseURL string = "http://localhost/svc/"

var partition = types.Partition{Cell: "c1", Box: "b1", Node: "n1"}

func TestCreatingTheSameKeyTwiceInOneBatchConflicts(t *testing.T) {
	is, ctx, e := setupBatchTest(t, Config{})

	responses := execute(t, ctx, e,
		request("POST", "Widgets", `{"Id":"w1"}`),
		request("POST", "Widgets", `{"Id":"w1"}`),
		request("GET", "Widgets('w1')", ""),
	)

	is.Equal(statuses(responses), []int{http.StatusCreated, http.StatusConflict, http.StatusOK})
	is.True(strings.Contains(string(responses[1].Body), errors.CodeEntityAlreadyExists))
	is.Equal(responses[0].Header.Get("Location"), baseURL+"Widgets('w1')")
}

func TestCreateConflictsWithStoredEntity(t *testing.T) {
	is, ctx, e := setupBatchTest(t, Config{})

	execute(t, ctx, e, request("POST", "Widgets", `{"Id":"w1"}`))
	responses := execute(t, ctx, e,
		request("POST", "Widgets", `{"Id":"w1"}`),
		request("POST", "Widgets", `{"Id":"w2"}`),
	)

	is.Equal(statuses(responses), []int{http.StatusConflict, http.StatusCreated})
}

func TestNavigationCreatesAreWrittenAfterPlainCreates(t *testing.T) {
	is, ctx, e := setupBatchTest(t, Config{})

	responses := execute(t, ctx, e,
		request("POST", "Boxes", `{"Name":"b1"}`),
		request("POST", "Boxes('b1')/Slots", `{"Name":"s1"}`),
		request("GET", "Boxes('b1')/Slots", ""),
	)

	is.Equal(statuses(responses), []int{http.StatusCreated, http.StatusCreated, http.StatusOK})
	is.True(strings.Contains(string(responses[2].Body), `"s1"`))
}

func TestPlainCreateAfterNavigationCreateKeepsRequestOrder(t *testing.T) {
	is, ctx, e := setupBatchTest(t, Config{})

	responses := execute(t, ctx, e,
		request("POST", "Widgets", `{"Id":"w1"}`),
		request("POST", "Widgets('w1')/Gadgets", `{"Id":"g1"}`),
		request("POST", "Gadgets", `{"Id":"g1"}`),
	)

	is.Equal(statuses(responses), []int{http.StatusCreated, http.StatusCreated, http.StatusConflict})
	is.True(strings.Contains(string(responses[2].Body), errors.CodeEntityAlreadyExists))
}

func TestBrokenPartFailsAlone(t *testing.T) {
	is, ctx, e := setupBatchTest(t, Config{})

	responses := execute(t, ctx, e,
		request("GET", "Widgets('w1", ""),
		request("POST", "Widgets", `{"Id":"w1"}`),
		request("GET", "Widgets('w1')/Gadgets('g1')", ""),
		request("GET", "Widgets('w1')", ""),
	)

	is.Equal(statuses(responses), []int{http.StatusBadRequest, http.StatusCreated, http.StatusNotImplemented, http.StatusOK})
	is.True(strings.Contains(string(responses[0].Body), errors.CodeInvalidKey))
}

func TestUpdateAndDeleteWithinBatch(t *testing.T) {
	is, ctx, e := setupBatchTest(t, Config{})

	responses := execute(t, ctx, e,
		request("POST", "Widgets", `{"Id":"w1","Price":1}`),
		request("MERGE", "Widgets('w1')", `{"Price":2}`),
		request("GET", "Widgets('w1')", ""),
		request("DELETE", "Widgets('w1')", ""),
		request("GET", "Widgets('w1')", ""),
	)

	is.Equal(statuses(responses), []int{http.StatusCreated, http.StatusNoContent, http.StatusOK, http.StatusNoContent, http.StatusNotFound})
	is.True(strings.Contains(string(responses[2].Body), `"Price":2`))
}

func TestLinksWithinBatch(t *testing.T) {
	is, ctx, e := setupBatchTest(t, Config{})

	responses := execute(t, ctx, e,
		request("POST", "Widgets", `{"Id":"w1"}`),
		request("POST", "Gadgets", `{"Id":"g1"}`),
		request("POST", "Widgets('w1')/$links/Gadgets", `{"uri":"`+baseURL+`Gadgets('g1')"}`),
		request("POST", "Widgets('w1')/$links/Gadgets", `{"uri":"`+baseURL+`Gadgets('g1')"}`),
		request("GET", "Widgets('w1')/Gadgets", ""),
		request("GET", "Widgets('w1')/$links/Gadgets", ""),
		request("DELETE", "Widgets('w1')/$links/Gadgets('g1')", ""),
	)

	is.Equal(statuses(responses), []int{
		http.StatusCreated, http.StatusCreated,
		http.StatusNoContent, http.StatusConflict,
		http.StatusOK, http.StatusNotImplemented,
		http.StatusNoContent,
	})
	is.True(strings.Contains(string(responses[4].Body), `"g1"`))
}

func TestOverloadClosesTheShutterForLaterWrites(t *testing.T) {
	is := is.New(t)

	s := newStorageMock(t)
	s.BulkCreateFunc = func(ctx context.Context, p types.Partition, items []*storage.BulkItem) error {
		return errors.NewOverloadError("busy")
	}

	e := New(s, allowAll{}, jsonSerializer{}, Config{})
	responses, err := e.Execute(context.Background(), &Request{
		Partition: partition,
		BaseURL:   baseURL,
		Parts: parts(t,
			request("POST", "Widgets", `{"Id":"w1"}`),
			request("POST", "Widgets", `{"Id":"w2"}`),
			request("PUT", "Widgets('w3')", `{"Id":"w3"}`),
			request("DELETE", "Widgets('w4')", ""),
			request("GET", "Widgets('w5')", ""),
		),
	})
	is.NoErr(err)

	unavailable := http.StatusServiceUnavailable
	is.Equal(statuses(responses), []int{unavailable, unavailable, unavailable, unavailable, http.StatusOK})
	is.Equal(len(s.BulkCreateCalls()), 1)
	is.Equal(len(s.UpdateCalls()), 0)
	is.Equal(len(s.DeleteCalls()), 0)
	is.Equal(len(s.RetrieveCalls()), 1)
}

func TestBatchThatRunsOutOfTimeStopsExecuting(t *testing.T) {
	is := is.New(t)

	now := time.Now()

	s := newStorageMock(t)
	s.RetrieveFunc = func(ctx context.Context, p types.Partition, set string, key types.EntityKey, values url.Values) (*storage.Result, error) {
		now = now.Add(2 * time.Second)
		return result(s, set, key), nil
	}

	e := New(s, allowAll{}, jsonSerializer{}, Config{Timeout: time.Second}, WithClock(func() time.Time { return now }))
	responses, err := e.Execute(context.Background(), &Request{
		Partition: partition,
		BaseURL:   baseURL,
		Parts: parts(t,
			request("GET", "Widgets('w1')", ""),
			request("GET", "Widgets('w2')", ""),
			request("DELETE", "Widgets('w3')", ""),
		),
	})
	is.NoErr(err)

	is.Equal(statuses(responses), []int{http.StatusOK, http.StatusServiceUnavailable, http.StatusServiceUnavailable})
	is.True(strings.Contains(string(responses[1].Body), errors.CodeBatchTimeout))
	is.Equal(len(s.RetrieveCalls()), 1)
	is.Equal(len(s.DeleteCalls()), 0)
}

func TestLowPriorityBatchesPauseBeforeWriting(t *testing.T) {
	is := is.New(t)

	s := newStorageMock(t)
	s.BulkCreateFunc = func(ctx context.Context, p types.Partition, items []*storage.BulkItem) error {
		return nil
	}

	pauses := 0
	pause := WithPause(func(ctx context.Context, d time.Duration) error {
		is.Equal(d, 10*time.Millisecond)
		pauses++
		return nil
	})

	e := New(s, allowAll{}, jsonSerializer{}, Config{YieldInterval: 10 * time.Millisecond}, pause)

	for _, tc := range []struct {
		priority string
		pauses   int
	}{
		{"", 1},
		{"low", 1},
		{"high", 0},
		{"High", 0},
	} {
		pauses = 0

		responses, err := e.Execute(context.Background(), &Request{
			Partition: partition,
			BaseURL:   baseURL,
			Priority:  tc.priority,
			Parts: parts(t,
				request("POST", "Widgets", `{"Id":"w1"}`),
				request("POST", "Widgets", `{"Id":"w2"}`),
			),
		})
		is.NoErr(err)

		is.Equal(statuses(responses), []int{http.StatusCreated, http.StatusCreated})
		is.Equal(pauses, tc.pauses) // pauses taken for the given priority
	}
}

func TestCancelledPauseTimesOutTheFlush(t *testing.T) {
	is := is.New(t)

	s := newStorageMock(t)

	pause := WithPause(func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	})

	e := New(s, allowAll{}, jsonSerializer{}, Config{YieldInterval: time.Second}, pause)

	responses, err := e.Execute(context.Background(), &Request{
		Partition: partition,
		BaseURL:   baseURL,
		Parts:     parts(t, request("POST", "Widgets", `{"Id":"w1"}`)),
	})
	is.NoErr(err)

	is.Equal(statuses(responses), []int{http.StatusServiceUnavailable})
	is.True(strings.Contains(string(responses[0].Body), errors.CodeBatchTimeout))
	is.Equal(len(s.BulkCreateCalls()), 0)
}

func TestReadOnlyModeRejectsWrites(t *testing.T) {
	is, ctx, e := setupBatchTest(t, Config{ReadOnly: true})

	responses := execute(t, ctx, e,
		request("POST", "Widgets", `{"Id":"w1"}`),
		request("GET", "Widgets", ""),
	)

	is.Equal(statuses(responses), []int{http.StatusServiceUnavailable, http.StatusOK})
	is.True(strings.Contains(string(responses[0].Body), errors.CodeReadOnly))
}

func TestWritesRequireAccess(t *testing.T) {
	is := is.New(t)

	s := newStorageMock(t)
	e := New(s, readOnlyAccess{}, jsonSerializer{}, Config{})

	responses, err := e.Execute(context.Background(), &Request{
		Partition: partition,
		Parts: parts(t,
			request("POST", "Widgets", `{"Id":"w1"}`),
			request("GET", "Widgets('w1')", ""),
		),
	})
	is.NoErr(err)

	is.Equal(statuses(responses), []int{http.StatusForbidden, http.StatusOK})
	is.Equal(len(s.PrepareCalls()), 0)
}

func TestTooManyPartsAreRejected(t *testing.T) {
	is := is.New(t)

	e := New(newStorageMock(t), allowAll{}, jsonSerializer{}, Config{MaxParts: 1})

	_, err := e.Execute(context.Background(), &Request{
		Partition: partition,
		Parts: parts(t,
			request("GET", "Widgets", ""),
			request("GET", "Widgets", ""),
		),
	})
	is.Equal(errors.Code(err), errors.CodeBatchTooManyParts)

	_, err = Parse(bytes.NewBufferString(body(request("GET", "Widgets", ""), request("GET", "Widgets", ""))), contentType, "/svc", 1)
	is.Equal(errors.Code(err), errors.CodeBatchTooManyParts)
}

func TestErrorsWithoutCodeAbortTheBatch(t *testing.T) {
	is := is.New(t)

	s := newStorageMock(t)
	s.RetrieveFunc = func(ctx context.Context, p types.Partition, set string, key types.EntityKey, values url.Values) (*storage.Result, error) {
		return nil, fmt.Errorf("index is corrupt")
	}

	e := New(s, allowAll{}, jsonSerializer{}, Config{})
	_, err := e.Execute(context.Background(), &Request{
		Partition: partition,
		Parts:     parts(t, request("GET", "Widgets('w1')", "")),
	})
	is.True(err != nil)
}

func TestStoreFailureFailsOnlyItsPart(t *testing.T) {
	is := is.New(t)

	s := newStorageMock(t)
	retrieve := s.RetrieveFunc
	s.RetrieveFunc = func(ctx context.Context, p types.Partition, set string, key types.EntityKey, values url.Values) (*storage.Result, error) {
		if key.Single == "w1" {
			return nil, errors.NewInternalError(errors.CodeStoreFailure, "data store failure: index is corrupt")
		}
		return retrieve(ctx, p, set, key, values)
	}

	e := New(s, allowAll{}, jsonSerializer{}, Config{})
	responses := execute(t, context.Background(), e, request("GET", "Widgets('w1')", ""), request("GET", "Widgets('w2')", ""))

	is.Equal(statuses(responses), []int{http.StatusInternalServerError, http.StatusOK})
	is.True(strings.Contains(string(responses[0].Body), errors.CodeStoreFailure))
}

func TestParseChangeset(t *testing.T) {
	is := is.New(t)

	changeset := "--changeset_1\r\n" +
		"Content-Type: application/http\r\n\r\n" +
		"POST /svc/Widgets HTTP/1.1\r\nContent-Type: application/json\r\n\r\n{\"Id\":\"w1\"}\r\n" +
		"--changeset_1\r\n" +
		"Content-Type: application/http\r\n\r\n" +
		"POST /svc/Widgets HTTP/1.1\r\nX-HTTP-Method: MERGE\r\n\r\n{\"Id\":\"w1\"}\r\n" +
		"--changeset_1--\r\n"

	b := "--batch_1\r\n" +
		"Content-Type: application/http\r\n\r\n" +
		"GET /svc/Widgets?$top=2 HTTP/1.1\r\n\r\n\r\n" +
		"--batch_1\r\n" +
		"Content-Type: multipart/mixed; boundary=changeset_1\r\n\r\n" +
		changeset +
		"--batch_1--\r\n"

	parsed, err := Parse(bytes.NewBufferString(b), contentType, "/svc", 10)
	is.NoErr(err)
	is.Equal(len(parsed), 3)

	is.Equal(parsed[0].Method, http.MethodGet)
	is.Equal(parsed[0].Query.Get("$top"), "2")
	is.True(!parsed[0].InChangeset)

	is.Equal(parsed[1].Method, http.MethodPost)
	is.True(parsed[1].ChangesetStart)
	is.Equal(string(parsed[1].Body), `{"Id":"w1"}`)

	is.Equal(parsed[2].Method, "MERGE")
	is.True(parsed[2].ChangesetEnd)
	is.Equal(parsed[2].Resource.Set, "Widgets")
}

func TestChangesetsMayNotContainReads(t *testing.T) {
	is := is.New(t)

	b := "--batch_1\r\n" +
		"Content-Type: multipart/mixed; boundary=changeset_1\r\n\r\n" +
		"--changeset_1\r\n" +
		"Content-Type: application/http\r\n\r\n" +
		"GET Widgets HTTP/1.1\r\n\r\n\r\n" +
		"--changeset_1--\r\n" +
		"--batch_1--\r\n"

	_, err := Parse(bytes.NewBufferString(b), contentType, "", 10)
	is.Equal(errors.Code(err), errors.CodeBatchBodyParseError)
}

func TestParseResource(t *testing.T) {
	is := is.New(t)

	res, err := ParseResource("Widgets")
	is.NoErr(err)
	is.Equal(res.Set, "Widgets")
	is.True(!res.HasKey())

	res, err = ParseResource("Widgets/$count")
	is.NoErr(err)
	is.True(res.Count)

	res, err = ParseResource("Widgets('a/b')/Gadgets")
	is.NoErr(err)
	is.Equal(res.Key, types.SingleKey("a/b"))
	is.Equal(res.Nav, "Gadgets")

	res, err = ParseResource("Slots(Name='s1',_Box.Name='b1')/$links/Box")
	is.NoErr(err)
	is.True(res.Links)
	is.Equal(res.Key.Named["_Box.Name"], "b1")

	res, err = ParseResource("Widgets('w1')/$links/Gadgets('g1')")
	is.NoErr(err)
	is.Equal(res.LinkKey, types.SingleKey("g1"))

	_, err = ParseResource("Widgets('w1')/Gadgets('g1')")
	is.Equal(errors.Code(err), errors.CodeNotImplemented)

	_, err = ParseResource("Widgets/Gadgets")
	is.Equal(errors.Code(err), errors.CodeBatchBodyParseError)

	_, err = ParseResource("Widgets('w1")
	is.Equal(errors.Code(err), errors.CodeInvalidKey)
}

func TestRenderFramesChangesets(t *testing.T) {
	is := is.New(t)

	h := http.Header{}
	h.Set("ETag", `W/"1"`)

	rendered, err := Render([]*PartResponse{
		{Part: &Part{Method: "GET"}, Status: http.StatusOK, Body: []byte(`{}`)},
		{Part: &Part{Method: "POST", InChangeset: true, ChangesetStart: true}, Status: http.StatusCreated, Header: h},
		{Part: &Part{Method: "POST", InChangeset: true, ChangesetEnd: true}, Status: http.StatusConflict},
	})
	is.NoErr(err)

	is.True(strings.HasPrefix(rendered.ContentType, "multipart/mixed; boundary=batch_"))

	b := string(rendered.Body)
	is.True(strings.Contains(b, "HTTP/1.1 200 OK\r\n"))
	is.True(strings.Contains(b, "HTTP/1.1 201 Created\r\n"))
	is.True(strings.Contains(b, "HTTP/1.1 409 Conflict\r\n"))
	is.Equal(strings.Count(b, "Content-Type: multipart/mixed; boundary=changeset_"), 1)
	is.True(strings.Index(b, "201 Created") < strings.Index(b, "409 Conflict"))
}

const contentType string = "multipart/mixed; boundary=batch_1"

type testRequest struct {
	method string
	path   string
	body   string
}

func request(method, path, body string) testRequest {
	return testRequest{method: method, path: path, body: body}
}

func body(requests ...testRequest) string {
	b := &strings.Builder{}
	for _, r := range requests {
		b.WriteString("--batch_1\r\nContent-Type: application/http\r\nContent-Transfer-Encoding: binary\r\n\r\n")
		fmt.Fprintf(b, "%s /svc/%s HTTP/1.1\r\n", r.method, r.path)
		if r.body != "" {
			b.WriteString("Content-Type: application/json\r\n")
		}
		fmt.Fprintf(b, "\r\n%s\r\n", r.body)
	}
	b.WriteString("--batch_1--\r\n")
	return b.String()
}

func parts(t *testing.T, requests ...testRequest) []*Part {
	t.Helper()
	p, err := Parse(bytes.NewBufferString(body(requests...)), contentType, "/svc", 0)
	if err != nil {
		t.Fatalf("failed to parse batch: %s", err.Error())
	}
	return p
}

func execute(t *testing.T, ctx context.Context, e *Engine, requests ...testRequest) []*PartResponse {
	t.Helper()
	responses, err := e.Execute(ctx, &Request{Partition: partition, BaseURL: baseURL, Parts: parts(t, requests...)})
	if err != nil {
		t.Fatalf("batch failed: %s", err.Error())
	}
	return responses
}

func statuses(responses []*PartResponse) []int {
	result := make([]int, 0, len(responses))
	for _, r := range responses {
		result = append(result, r.Status)
	}
	return result
}

func setupBatchTest(t *testing.T, cfg Config) (*is.I, context.Context, *Engine) {
	is := is.New(t)
	ctx := context.Background()

	store, err := docstore.Open(ctx, "", docstore.WithAnalyzedRoots(query.FieldStatic, query.FieldDynamic))
	if err != nil {
		t.Fatalf("failed to open store: %s", err.Error())
	}
	t.Cleanup(func() { store.Close() })

	accessors, err := storage.NewStoreAccessors(store)
	if err != nil {
		t.Fatalf("failed to open collections: %s", err.Error())
	}

	tr := query.NewTranslator(query.Limits{DefaultTop: 25, MaxTop: 1000, MaxTopWithExpand: 100, MaxSkip: 10000})
	locks := locking.NewManager(locking.NewLocalLocker(), 3, time.Millisecond)

	s := storage.New(testSchema(t), tr, accessors, locks)

	return is, ctx, New(s, allowAll{}, jsonSerializer{}, cfg)
}

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Load(bytes.NewBufferString(schemaYAML))
	if err != nil {
		t.Fatalf("failed to load schema: %s", err.Error())
	}
	return s
}

func newStorageMock(t *testing.T) *StorageMock {
	s := testSchema(t)

	return &StorageMock{
		SchemaFunc: func() schema.Provider { return s },
		PrepareFunc: func(p types.Partition, set string, props map[string]any, partial bool) (*types.EntityRecord, error) {
			es, _ := s.EntitySet(set)
			rec := types.NewEntityRecord(p, es.EntityType)
			for k, v := range props {
				rec.Static[k] = v
			}
			return rec, nil
		},
		RetrieveFunc: func(ctx context.Context, p types.Partition, set string, key types.EntityKey, values url.Values) (*storage.Result, error) {
			es, _ := s.EntitySet(set)
			rec := types.NewEntityRecord(p, es.EntityType)
			rec.Static["Id"] = key.Single
			return &storage.Result{Set: es, Record: rec}, nil
		},
	}
}

func result(s Storage, set string, key types.EntityKey) *storage.Result {
	es, _ := s.Schema().EntitySet(set)
	rec := types.NewEntityRecord(partition, es.EntityType)
	rec.Static["Id"] = key.Single
	return &storage.Result{Set: es, Record: rec}
}

type allowAll struct{}

func (allowAll) CheckAccess(context.Context, string, string) error { return nil }

type readOnlyAccess struct{}

func (readOnlyAccess) CheckAccess(_ context.Context, capability, _ string) error {
	if capability == CapabilityWrite {
		return errors.NewForbiddenError("read only access")
	}
	return nil
}

type jsonSerializer struct{}

func (jsonSerializer) ParseEntity(body []byte) (map[string]any, error) {
	props := map[string]any{}
	if err := json.Unmarshal(body, &props); err != nil {
		return nil, errors.NewValidationError(errors.CodeRequestBodyInvalid, err.Error())
	}
	return props, nil
}

func (jsonSerializer) ParseLink(body []byte) (string, error) {
	link := struct {
		URI string `json:"uri"`
	}{}
	if err := json.Unmarshal(body, &link); err != nil {
		return "", errors.NewValidationError(errors.CodeRequestBodyInvalid, err.Error())
	}
	return link.URI, nil
}

func (jsonSerializer) Entity(_ string, r *storage.Result) ([]byte, error) {
	return json.Marshal(r.Record.Static)
}

func (jsonSerializer) Feed(_ string, _ *schema.EntitySet, r *storage.ListResult) ([]byte, error) {
	entries := []map[string]any{}
	for _, e := range r.Results {
		entries = append(entries, e.Record.Static)
	}
	return json.Marshal(entries)
}

func (jsonSerializer) Related(_ string, _ *schema.EntitySet, records []*types.EntityRecord) ([]byte, error) {
	entries := []map[string]any{}
	for _, r := range records {
		entries = append(entries, r.Static)
	}
	return json.Marshal(entries)
}

func (jsonSerializer) ContentType() string {
	return "application/json"
}

const schemaYAML string = `
entitySets:
  - name: Widgets
    entityType: Widget
    open: true
    key: [Id]
    properties:
      - {name: Id, type: Edm.String}
      - {name: Price, type: Edm.Int32}
    navigationProperties:
      - {name: Gadgets, target: Gadgets, fromMultiplicity: "*", toMultiplicity: "*", partner: Widgets}
  - name: Gadgets
    key: [Id]
    properties:
      - {name: Id, type: Edm.String}
    navigationProperties:
      - {name: Widgets, target: Widgets, fromMultiplicity: "*", toMultiplicity: "*", partner: Gadgets}
  - name: Boxes
    key: [Name]
    properties:
      - {name: Name, type: Edm.String}
    navigationProperties:
      - {name: Slots, target: Slots, fromMultiplicity: "0..1", toMultiplicity: "*", partner: Box}
  - name: Slots
    key: [Name, _Box.Name]
    properties:
      - {name: Name, type: Edm.String}
    navigationProperties:
      - {name: Box, target: Boxes, fromMultiplicity: "*", toMultiplicity: "0..1", partner: Slots}
`
