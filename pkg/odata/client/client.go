package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"strings"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/diwise/odata-broker/pkg/odata/errors"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

type ODataClient interface {
	CreateEntity(ctx context.Context, entitySet string, properties map[string]any, headers map[string][]string) (*CreateEntityResult, error)
	RetrieveEntity(ctx context.Context, entitySet string, key types.EntityKey, headers map[string][]string) (map[string]any, error)
	Batch(ctx context.Context, requests []BatchRequest, headers map[string][]string) ([]BatchResponse, error)
}

type CreateEntityResult struct {
	Location string
	ETag     string
}

// BatchRequest is one part of a batch. Consecutive requests with the same non empty
// Changeset are sent together in one changeset.
type BatchRequest struct {
	Method    string
	Path      string
	Header    http.Header
	Body      []byte
	Changeset string
}

type BatchResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Err returns the error reported by a failed part, or nil
func (r BatchResponse) Err() error {
	if r.StatusCode < http.StatusBadRequest {
		return nil
	}
	return errors.NewErrorFromBody(r.StatusCode, r.Body)
}

func Debug(enabled string) func(*odataClient) {
	return func(c *odataClient) {
		c.debug = (enabled == "true")
	}
}

func Partition(p types.Partition) func(*odataClient) {
	return func(c *odataClient) {
		c.partition = p
	}
}

func Priority(priority string) func(*odataClient) {
	return func(c *odataClient) {
		c.priority = priority
	}
}

func NewODataClient(broker string, options ...func(*odataClient)) ODataClient {
	c := &odataClient{
		baseURL:   strings.TrimSuffix(broker, "/"),
		partition: types.Partition{Cell: "default", Box: "default", Node: "default"},
		debug:     false,
	}

	for _, option := range options {
		option(c)
	}

	return c
}

const (
	TraceAttributeEntitySet string = "entity-set"
	TraceAttributePartition string = "odata-partition"
)

var tracer = otel.Tracer("odata-broker-client")

type odataClient struct {
	baseURL   string
	partition types.Partition
	priority  string
	debug     bool
}

func (c odataClient) serviceRoot() string {
	return c.baseURL + "/" + c.partition.String()
}

func (c odataClient) CreateEntity(ctx context.Context, entitySet string, properties map[string]any, headers map[string][]string) (*CreateEntityResult, error) {
	var err error

	ctx, span := tracer.Start(ctx, "create-entity",
		trace.WithAttributes(attribute.String(TraceAttributePartition, c.partition.String())),
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, entitySet)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, err := json.Marshal(properties)
	if err != nil {
		return nil, err
	}

	headers = withHeader(headers, "Content-Type", "application/json")

	resp, respBody, err := c.call(ctx, http.MethodPost, c.serviceRoot()+"/"+entitySet, bytes.NewReader(body), headers)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		err = errors.NewErrorFromBody(resp.StatusCode, respBody)
		return nil, err
	}

	if resp.StatusCode != http.StatusCreated {
		err = fmt.Errorf("broker returned status code %d (body: %s)", resp.StatusCode, string(respBody))
		return nil, err
	}

	return &CreateEntityResult{
		Location: resp.Header.Get("Location"),
		ETag:     resp.Header.Get("ETag"),
	}, nil
}

func (c odataClient) RetrieveEntity(ctx context.Context, entitySet string, key types.EntityKey, headers map[string][]string) (map[string]any, error) {
	var err error

	ctx, span := tracer.Start(ctx, "retrieve-entity",
		trace.WithAttributes(attribute.String(TraceAttributePartition, c.partition.String())),
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, entitySet)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	resp, respBody, err := c.call(ctx, http.MethodGet, c.serviceRoot()+"/"+entitySet+"("+key.String()+")", nil, headers)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		err = errors.NewErrorFromBody(resp.StatusCode, respBody)
		return nil, err
	}

	doc := struct {
		D map[string]any `json:"d"`
	}{}

	if err = json.Unmarshal(respBody, &doc); err != nil {
		return nil, err
	}

	return doc.D, nil
}

func (c odataClient) Batch(ctx context.Context, requests []BatchRequest, headers map[string][]string) ([]BatchResponse, error) {
	var err error

	ctx, span := tracer.Start(ctx, "batch",
		trace.WithAttributes(attribute.String(TraceAttributePartition, c.partition.String())),
		trace.WithAttributes(attribute.Int("parts", len(requests))),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, contentType, err := EncodeBatch(requests)
	if err != nil {
		return nil, err
	}

	headers = withHeader(headers, "Content-Type", contentType)
	if c.priority != "" {
		headers = withHeader(headers, "X-Batch-Priority", c.priority)
	}

	resp, respBody, err := c.call(ctx, http.MethodPost, c.serviceRoot()+"/$batch", bytes.NewReader(body), headers)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusAccepted {
		err = errors.NewErrorFromBody(resp.StatusCode, respBody)
		return nil, err
	}

	responses, err := DecodeBatch(bytes.NewReader(respBody), resp.Header.Get("Content-Type"))
	return responses, err
}

// EncodeBatch frames requests into a multipart/mixed batch body
func EncodeBatch(requests []BatchRequest) ([]byte, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	if err := w.SetBoundary("batch_" + uuid.NewString()); err != nil {
		return nil, "", err
	}

	for i := 0; i < len(requests); {
		if requests[i].Changeset == "" {
			if err := writeRequest(w, requests[i]); err != nil {
				return nil, "", err
			}
			i++
			continue
		}

		changeset := requests[i].Changeset

		csBuf := &bytes.Buffer{}
		cs := multipart.NewWriter(csBuf)
		if err := cs.SetBoundary("changeset_" + uuid.NewString()); err != nil {
			return nil, "", err
		}

		for ; i < len(requests) && requests[i].Changeset == changeset; i++ {
			if err := writeRequest(cs, requests[i]); err != nil {
				return nil, "", err
			}
		}

		if err := cs.Close(); err != nil {
			return nil, "", err
		}

		h := textproto.MIMEHeader{}
		h.Set("Content-Type", "multipart/mixed; boundary="+cs.Boundary())
		pw, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err = io.Copy(pw, csBuf); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), "multipart/mixed; boundary=" + w.Boundary(), nil
}

func writeRequest(w *multipart.Writer, r BatchRequest) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", "application/http")
	h.Set("Content-Transfer-Encoding", "binary")

	pw, err := w.CreatePart(h)
	if err != nil {
		return err
	}

	fmt.Fprintf(pw, "%s %s HTTP/1.1\r\n", r.Method, r.Path)

	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if len(r.Body) > 0 && header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}

	if err = header.Write(pw); err != nil {
		return err
	}

	if _, err = io.WriteString(pw, "\r\n"); err != nil {
		return err
	}

	_, err = pw.Write(r.Body)
	return err
}

// DecodeBatch reads the part responses of a multipart/mixed batch response in order
func DecodeBatch(body io.Reader, contentType string) ([]BatchResponse, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("malformed batch content type: %w", err)
	}

	responses := []BatchResponse{}

	r := multipart.NewReader(body, params["boundary"])
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed batch response: %w", err)
		}

		if strings.HasPrefix(part.Header.Get("Content-Type"), "multipart/mixed") {
			inner, err := DecodeBatch(part, part.Header.Get("Content-Type"))
			if err != nil {
				return nil, err
			}
			responses = append(responses, inner...)
			continue
		}

		resp, err := http.ReadResponse(bufio.NewReader(part), nil)
		if err != nil {
			return nil, fmt.Errorf("malformed part response: %w", err)
		}

		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		responses = append(responses, BatchResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: b})
	}

	return responses, nil
}

func withHeader(headers map[string][]string, name, value string) map[string][]string {
	result := make(map[string][]string, len(headers)+1)
	for k, v := range headers {
		result[k] = v
	}
	result[name] = []string{value}
	return result
}

func (c odataClient) call(ctx context.Context, method, endpoint string, body io.Reader, headers map[string][]string) (*http.Response, []byte, error) {
	httpClient := http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}

	for header, headerValue := range headers {
		for _, val := range headerValue {
			req.Header.Add(header, val)
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to send request: %w", err)
	}

	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if c.debug && resp.StatusCode >= http.StatusBadRequest {
		reqbytes, _ := httputil.DumpRequest(req, false)
		respbytes, _ := httputil.DumpResponse(resp, false)

		log := logging.GetFromContext(ctx)
		log.Error("request failed", "request", string(reqbytes), "response", string(respbytes))
	}

	return resp, respBody, nil
}
