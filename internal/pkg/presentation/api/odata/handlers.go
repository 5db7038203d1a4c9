package odata

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/diwise/odata-broker/internal/pkg/application/batch"
	"github.com/diwise/odata-broker/internal/pkg/presentation/api/odata/auth"
	"github.com/diwise/odata-broker/pkg/odata/errors"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

var tracer = otel.Tracer("odata-broker/odata")

const (
	TraceAttributeCell string = "odata.cell"
	TraceAttributeBox  string = "odata.box"
	TraceAttributeNode string = "odata.node"
)

// Executor runs parsed requests against the store
type Executor interface {
	Execute(ctx context.Context, req *batch.Request) ([]*batch.PartResponse, error)
	MaxParts() int
}

// PartitionFilter reports whether a partition is served by this instance
type PartitionFilter func(cell, box, node string) bool

func RegisterHandlers(ctx context.Context, r chi.Router, middleware []func(http.Handler) http.Handler, served PartitionFilter, app Executor) {

	middleware = append(middleware,
		Logger(logging.GetFromContext(ctx)),
		PartitionMiddleware(served),
	)

	r.Route("/{cell}/{box}/{node}", func(r chi.Router) {
		r.Use(middleware...)

		r.Post("/$batch", NewBatchHandler(app))
		r.HandleFunc("/*", NewEntityHandler(app))
	})
}

type partitionContextKey struct {
	name string
}

var partitionCtxKey = &partitionContextKey{"odata-partition"}

func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(
				trace.SpanFromContext(ctx),
				logger,
				ctx)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PartitionMiddleware packs the addressed partition and the caller into the context
func PartitionMiddleware(served PartitionFilter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := types.Partition{
				Cell: chi.URLParam(r, "cell"),
				Box:  chi.URLParam(r, "box"),
				Node: chi.URLParam(r, "node"),
			}

			if served != nil && !served(p.Cell, p.Box, p.Node) {
				errors.WriteResponse(w, errors.NewNotFoundError(errors.CodeNoSuchEntitySet, fmt.Sprintf("partition %s is not served here", p.String())))
				return
			}

			if labeler, found := otelhttp.LabelerFromContext(r.Context()); found {
				labeler.Add(
					attribute.String(TraceAttributeCell, p.Cell),
					attribute.String(TraceAttributeBox, p.Box),
					attribute.String(TraceAttributeNode, p.Node),
				)
			}

			ctx := context.WithValue(r.Context(), partitionCtxKey, p)

			ctx = auth.NewContextWithCaller(ctx, auth.Caller{
				Token:     auth.TokenFromHeader(r.Header.Get("Authorization")),
				Partition: p,
			})

			ctx = logging.NewContextWithLogger(
				ctx,
				logging.GetFromContext(r.Context()),
				"partition",
				p.String(),
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPartitionFromContext extracts the partition, if any, from the provided context
func GetPartitionFromContext(ctx context.Context) (types.Partition, bool) {
	p, ok := ctx.Value(partitionCtxKey).(types.Partition)
	return p, ok
}

// serviceRoot returns the path and the absolute url of the partition's service root
func serviceRoot(r *http.Request, p types.Partition) (string, string) {
	root := "/" + p.String()

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	return root, scheme + "://" + r.Host + root + "/"
}

// NewBatchHandler handles POST requests of multipart batches
func NewBatchHandler(app Executor) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		p, _ := GetPartitionFromContext(ctx)

		ctx, span := tracer.Start(ctx, "batch")
		defer func() { span.End() }()

		log := logging.GetFromContext(ctx)

		root, baseURL := serviceRoot(r, p)

		parts, err := batch.Parse(r.Body, r.Header.Get("Content-Type"), root, app.MaxParts())
		if err != nil {
			span.RecordError(err)
			errors.WriteResponse(w, err)
			return
		}

		responses, err := app.Execute(ctx, &batch.Request{
			Partition: p,
			BaseURL:   baseURL,
			Priority:  r.Header.Get(batch.PriorityHeader),
			Parts:     parts,
		})
		if err != nil {
			span.RecordError(err)
			if !errors.IsStorageError(err) {
				log.Error("batch execution failed", "err", err.Error())
				err = errors.NewInternalError(errors.CodeInternal, "batch execution failed")
			}
			errors.WriteResponse(w, err)
			return
		}

		rendered, err := batch.Render(responses)
		if err != nil {
			log.Error("failed to render batch response", "err", err.Error())
			errors.WriteResponse(w, errors.NewInternalError(errors.CodeInternal, "failed to render batch response"))
			return
		}

		w.Header().Set("Content-Type", rendered.ContentType)
		w.Header().Set("DataServiceVersion", "2.0")
		w.WriteHeader(http.StatusAccepted)
		w.Write(rendered.Body)
	})
}

// NewEntityHandler handles single requests for entities, navigation properties and links
// by executing them as a batch of one
func NewEntityHandler(app Executor) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		p, _ := GetPartitionFromContext(ctx)

		method := strings.ToUpper(r.Method)
		if override := r.Header.Get("X-HTTP-Method"); override != "" && method == http.MethodPost {
			method = strings.ToUpper(override)
		}

		ctx, span := tracer.Start(ctx, strings.ToLower(method)+"-entity")
		defer func() { span.End() }()

		log := logging.GetFromContext(ctx)

		path, err := url.PathUnescape(chi.URLParam(r, "*"))
		if err != nil {
			errors.WriteResponse(w, errors.NewValidationError(errors.CodeInvalidKey, "malformed request path"))
			return
		}

		res, err := batch.ParseResource(path)
		if err != nil {
			span.RecordError(err)
			errors.WriteResponse(w, err)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			errors.WriteResponse(w, errors.NewValidationError(errors.CodeRequestBodyInvalid, "unable to read request body"))
			return
		}

		_, baseURL := serviceRoot(r, p)

		responses, err := app.Execute(ctx, &batch.Request{
			Partition: p,
			BaseURL:   baseURL,
			Priority:  batch.PriorityHigh,
			Parts: []*batch.Part{{
				Method:   method,
				Resource: res,
				Query:    r.URL.Query(),
				Header:   r.Header,
				Body:     body,
			}},
		})
		if err != nil {
			span.RecordError(err)
			if !errors.IsStorageError(err) {
				log.Error("request failed", "method", method, "path", r.URL.Path, "err", err.Error())
				err = errors.NewInternalError(errors.CodeInternal, "request failed")
			}
			errors.WriteResponse(w, err)
			return
		}

		resp := responses[0]
		for k, v := range resp.Header {
			w.Header()[k] = v
		}
		w.Header().Set("DataServiceVersion", "2.0")
		w.WriteHeader(resp.Status)
		w.Write(resp.Body)
	})
}
