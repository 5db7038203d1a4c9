package auth

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/diwise/odata-broker/internal/pkg/application/batch"
	"github.com/diwise/odata-broker/pkg/odata/errors"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

var tracer = otel.Tracer("odata-broker/odata/authz")

// Caller is the identity a request is made with
type Caller struct {
	Token     string
	Partition types.Partition
}

type callerContextKey struct {
	name string
}

var callerCtxKey = &callerContextKey{"odata-caller"}

func NewContextWithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerCtxKey, c)
}

func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerCtxKey).(Caller)
	return c, ok
}

// TokenFromHeader extracts the credentials from an Authorization header value
func TokenFromHeader(header string) string {
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return ""
	}
	return strings.TrimSpace(token)
}

type Enticator interface {
	batch.AccessChecker
}

type enticatorImpl struct {
	preparedQuery rego.PreparedEvalQuery
}

// NewAuthenticator prepares the rego policies read from policies. The policy module must
// define data.odata.authz.allow, evaluated with the caller token, the partition, the
// requested capability and the entity set as input.
func NewAuthenticator(ctx context.Context, policies io.Reader) (Enticator, error) {

	module, err := io.ReadAll(policies)
	if err != nil {
		return nil, fmt.Errorf("unable to read authz policies: %s", err.Error())
	}

	impl := &enticatorImpl{}

	impl.preparedQuery, err = rego.New(
		rego.Query("x = data.odata.authz.allow"),
		rego.Module("odata.rego", string(module)),
	).PrepareForEval(ctx)

	if err != nil {
		return nil, err
	}

	return impl, nil
}

func (e *enticatorImpl) CheckAccess(ctx context.Context, capability, entitySet string) (err error) {
	ctx, span := tracer.Start(ctx, "check-auth")
	span.SetAttributes(attribute.String("capability", capability), attribute.String("entity_set", entitySet))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	caller, _ := CallerFromContext(ctx)

	input := map[string]any{
		"token":      caller.Token,
		"cell":       caller.Partition.Cell,
		"box":        caller.Partition.Box,
		"node":       caller.Partition.Node,
		"capability": capability,
		"entitySet":  entitySet,
	}

	results, err := e.preparedQuery.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return errors.NewInternalError(errors.CodeInternal, fmt.Sprintf("opa eval failed: %s", err.Error()))
	}

	denied := func() error {
		if caller.Token == "" {
			return errors.NewUnauthenticatedError("authentication required")
		}
		return errors.NewForbiddenError(fmt.Sprintf("%s access to %s denied", capability, entitySet))
	}

	if len(results) == 0 {
		return denied()
	}

	binding := results[0].Bindings["x"]

	// a denied request yields a single false
	if allowed, ok := binding.(bool); ok {
		if !allowed {
			return denied()
		}
		return nil
	}

	// an allowed request may carry a result object
	if _, ok := binding.(map[string]any); !ok {
		return errors.NewInternalError(errors.CodeInternal, "opa error: unexpected result type")
	}

	return nil
}
