package batch

import (
	"context"
	goerrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/diwise/odata-broker/internal/pkg/application/schema"
	"github.com/diwise/odata-broker/internal/pkg/application/storage"
	"github.com/diwise/odata-broker/pkg/odata/errors"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

var tracer = otel.Tracer("odata-broker/batch")

// PriorityHeader selects whether a batch yields to concurrent requests between writes
const PriorityHeader string = "X-Batch-Priority"

// PriorityHigh batches never pause before writing
const PriorityHigh string = "high"

const (
	CapabilityRead  string = "read"
	CapabilityWrite string = "write"
)

//go:generate moq -rm -out storage_mock.go . Storage

type Storage interface {
	Schema() schema.Provider
	Prepare(p types.Partition, set string, props map[string]any, partial bool) (*types.EntityRecord, error)

	Retrieve(ctx context.Context, p types.Partition, set string, key types.EntityKey, values url.Values) (*storage.Result, error)
	List(ctx context.Context, p types.Partition, set string, values url.Values) (*storage.ListResult, error)
	Count(ctx context.Context, p types.Partition, set string, values url.Values) (uint64, error)
	ListLinks(ctx context.Context, p types.Partition, set string, key types.EntityKey, nav string) ([]*types.EntityRecord, error)

	Update(ctx context.Context, p types.Partition, set string, key types.EntityKey, rec *types.EntityRecord, etag string, mode storage.UpdateMode) error
	Delete(ctx context.Context, p types.Partition, set string, key types.EntityKey, etag string) error
	CreateLink(ctx context.Context, p types.Partition, set string, key types.EntityKey, nav string, targetKey types.EntityKey) error
	DeleteLink(ctx context.Context, p types.Partition, set string, key types.EntityKey, nav string, targetKey types.EntityKey) error

	BulkCreate(ctx context.Context, p types.Partition, items []*storage.BulkItem) error
	NavBulkCreate(ctx context.Context, p types.Partition, items []*storage.NavBulkItem) error
}

// AccessChecker decides whether the caller in ctx may use a capability on an entity set.
// It fails with an unauthenticated or a forbidden error.
type AccessChecker interface {
	CheckAccess(ctx context.Context, capability, entitySet string) error
}

// Serializer renders records into response bodies and parses request bodies
type Serializer interface {
	ParseEntity(body []byte) (map[string]any, error)
	ParseLink(body []byte) (string, error)

	Entity(baseURL string, result *storage.Result) ([]byte, error)
	Feed(baseURL string, set *schema.EntitySet, result *storage.ListResult) ([]byte, error)
	Related(baseURL string, set *schema.EntitySet, records []*types.EntityRecord) ([]byte, error)
	ContentType() string
}

type Config struct {
	MaxParts      int
	Timeout       time.Duration
	YieldInterval time.Duration
	ReadOnly      bool
}

type Engine struct {
	storage    Storage
	access     AccessChecker
	serializer Serializer
	cfg        Config
	now        func() time.Time
	pause      func(ctx context.Context, d time.Duration) error
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPause replaces the sleep a low priority batch takes before each write
func WithPause(pause func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.pause = pause }
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func New(s Storage, access AccessChecker, serializer Serializer, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		storage:    s,
		access:     access,
		serializer: serializer,
		cfg:        cfg,
		now:        time.Now,
		pause:      sleep,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Engine) MaxParts() int {
	return e.cfg.MaxParts
}

// Request is a parsed batch ready for execution
type Request struct {
	Partition types.Partition
	// BaseURL is the service root that entity locations are rendered relative to
	BaseURL  string
	Priority string
	Parts    []*Part
}

// PartResponse is the outcome of one part, in the order of the parts of the request
type PartResponse struct {
	Part   *Part
	Status int
	Header http.Header
	Body   []byte
}

type pendingCreate struct {
	index int
	item  *storage.BulkItem
	set   *schema.EntitySet
}

type pendingNavCreate struct {
	index  int
	item   *storage.NavBulkItem
	target *schema.EntitySet
}

// run carries the state of one batch execution
type run struct {
	e   *Engine
	ctx context.Context
	req *Request

	deadline time.Time
	timedOut bool
	shutter  bool

	creates    []*pendingCreate
	navCreates []*pendingNavCreate
	keys       map[string]bool

	responses []*PartResponse
}

// Execute runs every part of the request in order. Failures of single parts are reported
// in their responses, an error is only returned when the batch could not be executed.
func (e *Engine) Execute(ctx context.Context, req *Request) (responses []*PartResponse, err error) {
	ctx, span := tracer.Start(ctx, "execute-batch")
	span.SetAttributes(attribute.Int("parts", len(req.Parts)), attribute.String("partition", req.Partition.String()))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if e.cfg.MaxParts > 0 && len(req.Parts) > e.cfg.MaxParts {
		return nil, errors.NewValidationError(errors.CodeBatchTooManyParts, fmt.Sprintf("a batch may contain at most %d parts", e.cfg.MaxParts))
	}

	r := &run{
		e:         e,
		ctx:       ctx,
		req:       req,
		deadline:  e.now().Add(e.cfg.Timeout),
		keys:      map[string]bool{},
		responses: make([]*PartResponse, len(req.Parts)),
	}

	for i, part := range req.Parts {
		if err = r.dispatch(i, part); err != nil {
			return nil, err
		}
	}

	if err = r.flush(); err != nil {
		return nil, err
	}

	for i, resp := range r.responses {
		resp.Part = req.Parts[i]
		partsTotal.WithLabelValues(resp.Part.Method, strconv.Itoa(resp.Status)).Inc()
	}

	return r.responses, nil
}

// hold reports whether the batch ran out of time. Once out of time it stays that way.
func (r *run) hold() bool {
	if r.e.cfg.Timeout <= 0 {
		return r.timedOut
	}

	if !r.timedOut && r.e.now().After(r.deadline) {
		r.timedOut = true
		timeoutsTotal.Inc()
		logging.GetFromContext(r.ctx).Warn("batch ran out of time", "partition", r.req.Partition.String())
	}
	return r.timedOut
}

// yield pauses briefly so that requests waiting for the partition lock get a chance to
// take it, then checks the deadline. High priority batches never pause.
func (r *run) yield() bool {
	if !strings.EqualFold(r.req.Priority, PriorityHigh) && r.e.cfg.YieldInterval > 0 && !r.timedOut {
		if err := r.e.pause(r.ctx, r.e.cfg.YieldInterval); err != nil {
			r.timedOut = true
			timeoutsTotal.Inc()
		}
	}
	return r.hold()
}

// trip closes the shutter when err reports an overloaded store
func (r *run) trip(err error) {
	if err != nil && goerrors.Is(err, errors.ErrOverload) && !r.shutter {
		r.shutter = true
		shutterTrips.Inc()
		logging.GetFromContext(r.ctx).Warn("closing the shutter for the rest of the batch", "partition", r.req.Partition.String())
	}
}

func timeoutError() error {
	return errors.NewTimeoutError("the batch ran out of time before this request was executed")
}

func overloadError() error {
	return errors.NewOverloadError("the server is too busy to execute this request")
}

func (r *run) dispatch(i int, part *Part) error {
	if part.Err != nil {
		return r.fail(i, part.Err)
	}

	if part.IsMutating() {
		if r.e.cfg.ReadOnly {
			return r.fail(i, errors.NewReadOnlyError("the server is in read only mode"))
		}
		if r.shutter {
			return r.fail(i, overloadError())
		}
	}

	capability := CapabilityRead
	if part.IsMutating() {
		capability = CapabilityWrite
	}

	if err := r.e.access.CheckAccess(r.ctx, capability, part.Resource.Set); err != nil {
		return r.fail(i, err)
	}

	res := part.Resource

	if res.Links {
		if err := r.flush(); err != nil {
			return err
		}
		return r.links(i, part)
	}

	switch part.Method {
	case http.MethodGet:
		if err := r.flush(); err != nil {
			return err
		}
		if r.hold() {
			return r.fail(i, timeoutError())
		}
		return r.read(i, part)

	case http.MethodPost:
		if res.Nav != "" {
			if err := r.flushCreates(); err != nil {
				return err
			}
			return r.queueNavCreate(i, part)
		}
		return r.queueCreate(i, part)

	case http.MethodPut, "MERGE", http.MethodPatch, http.MethodDelete:
		if err := r.flush(); err != nil {
			return err
		}
		if r.yield() {
			return r.fail(i, timeoutError())
		}
		if r.shutter {
			return r.fail(i, overloadError())
		}
		return r.modify(i, part)
	}

	return r.fail(i, errors.NewUnsupportedError(errors.CodeNotImplemented, fmt.Sprintf("method %s is not supported", part.Method)))
}

// fail records err as the response of part i. Errors without a code are programming
// errors and abort the batch.
func (r *run) fail(i int, err error) error {
	if !errors.IsStorageError(err) {
		return fmt.Errorf("part %d failed: %w", i, err)
	}

	r.trip(err)

	h := http.Header{}
	h.Set("Content-Type", errors.ErrorContentType)

	r.responses[i] = &PartResponse{Status: errors.StatusCode(err), Header: h, Body: errors.Body(err)}
	return nil
}

func (r *run) respond(i, status int, h http.Header, body []byte) {
	if h == nil {
		h = http.Header{}
	}
	r.responses[i] = &PartResponse{Status: status, Header: h, Body: body}
}

func (r *run) entitySet(name string) (*schema.EntitySet, error) {
	set, ok := r.e.storage.Schema().EntitySet(name)
	if !ok {
		return nil, errors.NewNotFoundError(errors.CodeNoSuchEntitySet, fmt.Sprintf("entity set %s does not exist", name))
	}
	return set, nil
}

func (r *run) read(i int, part *Part) error {
	ctx, p, res := r.ctx, r.req.Partition, part.Resource

	set, err := r.entitySet(res.Set)
	if err != nil {
		return r.fail(i, err)
	}

	h := http.Header{}
	h.Set("Content-Type", r.e.serializer.ContentType())

	switch {
	case res.Count:
		n, err := r.e.storage.Count(ctx, p, res.Set, part.Query)
		if err != nil {
			return r.fail(i, err)
		}
		h.Set("Content-Type", "text/plain")
		r.respond(i, http.StatusOK, h, []byte(strconv.FormatUint(n, 10)))

	case res.Nav != "":
		nav, ok := set.NavigationProperty(res.Nav)
		if !ok {
			return r.fail(i, errors.NewNotFoundError(errors.CodeNoSuchNavigationProperty, fmt.Sprintf("%s has no navigation property %s", set.Name, res.Nav)))
		}
		target, err := r.entitySet(nav.Target)
		if err != nil {
			return r.fail(i, err)
		}

		related, err := r.e.storage.ListLinks(ctx, p, res.Set, res.Key, res.Nav)
		if err != nil {
			return r.fail(i, err)
		}

		body, err := r.e.serializer.Related(r.req.BaseURL, target, related)
		if err != nil {
			return err
		}
		r.respond(i, http.StatusOK, h, body)

	case res.HasKey():
		result, err := r.e.storage.Retrieve(ctx, p, res.Set, res.Key, part.Query)
		if err != nil {
			return r.fail(i, err)
		}

		body, err := r.e.serializer.Entity(r.req.BaseURL, result)
		if err != nil {
			return err
		}
		h.Set("ETag", result.Record.ETag())
		r.respond(i, http.StatusOK, h, body)

	default:
		result, err := r.e.storage.List(ctx, p, res.Set, part.Query)
		if err != nil {
			return r.fail(i, err)
		}

		body, err := r.e.serializer.Feed(r.req.BaseURL, set, result)
		if err != nil {
			return err
		}
		r.respond(i, http.StatusOK, h, body)
	}

	return nil
}

func (r *run) modify(i int, part *Part) error {
	ctx, p, res := r.ctx, r.req.Partition, part.Resource

	if !res.HasKey() || res.Nav != "" || res.Count {
		return r.fail(i, errors.NewValidationError(errors.CodeInvalidKey, fmt.Sprintf("%s requires a single entity to be addressed", part.Method)))
	}

	etag := part.Header.Get("If-Match")

	if part.Method == http.MethodDelete {
		if err := r.e.storage.Delete(ctx, p, res.Set, res.Key, etag); err != nil {
			return r.fail(i, err)
		}
		r.respond(i, http.StatusNoContent, nil, nil)
		return nil
	}

	mode := storage.Replace
	if part.Method != http.MethodPut {
		mode = storage.Merge
	}

	props, err := r.e.serializer.ParseEntity(part.Body)
	if err != nil {
		return r.fail(i, err)
	}

	rec, err := r.e.storage.Prepare(p, res.Set, props, mode == storage.Merge)
	if err != nil {
		return r.fail(i, err)
	}

	if err = r.e.storage.Update(ctx, p, res.Set, res.Key, rec, etag, mode); err != nil {
		return r.fail(i, err)
	}

	h := http.Header{}
	h.Set("ETag", rec.ETag())
	r.respond(i, http.StatusNoContent, h, nil)

	return nil
}

func (r *run) links(i int, part *Part) error {
	ctx, p, res := r.ctx, r.req.Partition, part.Resource

	switch part.Method {
	case http.MethodPost:
		if r.yield() {
			return r.fail(i, timeoutError())
		}
		if r.shutter {
			return r.fail(i, overloadError())
		}

		uri, err := r.e.serializer.ParseLink(part.Body)
		if err != nil {
			return r.fail(i, err)
		}

		target, err := linkTarget(uri, r.req.BaseURL)
		if err != nil {
			return r.fail(i, err)
		}

		if err = r.checkLinkTarget(res, target); err != nil {
			return r.fail(i, err)
		}

		if err = r.e.storage.CreateLink(ctx, p, res.Set, res.Key, res.Nav, target.Key); err != nil {
			return r.fail(i, err)
		}
		r.respond(i, http.StatusNoContent, nil, nil)

	case http.MethodDelete:
		if r.yield() {
			return r.fail(i, timeoutError())
		}
		if r.shutter {
			return r.fail(i, overloadError())
		}

		if res.LinkKey.IsZero() {
			return r.fail(i, errors.NewValidationError(errors.CodeInvalidKey, "the link to delete must name the related entity by key"))
		}

		if err := r.e.storage.DeleteLink(ctx, p, res.Set, res.Key, res.Nav, res.LinkKey); err != nil {
			return r.fail(i, err)
		}
		r.respond(i, http.StatusNoContent, nil, nil)

	default:
		return r.fail(i, errors.NewUnsupportedError(errors.CodeNotImplemented, fmt.Sprintf("%s of $links is not supported in a batch", part.Method)))
	}

	return nil
}

func linkTarget(uri, base string) (Resource, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Resource{}, errors.NewValidationError(errors.CodeRequestBodyInvalid, fmt.Sprintf("malformed link uri %q", uri))
	}

	root := ""
	if b, err := url.Parse(base); err == nil {
		root = b.Path
	}

	target, err := ParseResource(relativePath(u.Path, root))
	if err != nil {
		return Resource{}, err
	}

	if !target.HasKey() || target.Nav != "" {
		return Resource{}, errors.NewValidationError(errors.CodeRequestBodyInvalid, fmt.Sprintf("link uri %q must address a single entity", uri))
	}

	return target, nil
}

func (r *run) checkLinkTarget(res, target Resource) error {
	set, err := r.entitySet(res.Set)
	if err != nil {
		return err
	}

	nav, ok := set.NavigationProperty(res.Nav)
	if !ok {
		return errors.NewNotFoundError(errors.CodeNoSuchNavigationProperty, fmt.Sprintf("%s has no navigation property %s", set.Name, res.Nav))
	}

	if nav.Target != target.Set {
		return errors.NewValidationError(errors.CodeRequestBodyInvalid, fmt.Sprintf("%s of %s relates to %s, not %s", res.Nav, set.Name, nav.Target, target.Set))
	}

	return nil
}
