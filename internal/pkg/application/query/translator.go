package query

import (
	"fmt"
	"math"
	"strings"

	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/diwise/odata-broker/internal/pkg/application/schema"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/docstore"
	"github.com/diwise/odata-broker/pkg/odata/errors"
)

// Limits bound what a client may ask for
type Limits struct {
	DefaultTop       int
	MaxTop           int
	MaxTopWithExpand int
	MaxSkip          int
	// epoch milliseconds
	MinDateTime int64
	MaxDateTime int64
}

// DynamicTypes resolves the inferred type of an ad hoc property of an open entity set
type DynamicTypes func(name string) (schema.EdmType, bool)

// Target is what a query is evaluated against
type Target struct {
	Set     *schema.EntitySet
	Dynamic DynamicTypes
}

type Translator struct {
	limits Limits
}

func NewTranslator(limits Limits) *Translator {
	return &Translator{limits: limits}
}

var unsupportedFunctions = map[string]bool{
	"endswith": true, "indexof": true, "length": true, "replace": true, "substring": true,
	"tolower": true, "toupper": true, "trim": true, "concat": true,
	"year": true, "month": true, "day": true, "hour": true, "minute": true, "second": true,
	"round": true, "floor": true, "ceiling": true, "cast": true, "isof": true,
}

type field struct {
	name string
	path string
	typ  schema.EdmType
}

func (t *Translator) resolve(target Target, name string) (field, error) {
	switch name {
	case PublishedProperty:
		return field{name: name, path: FieldPublished, typ: schema.EdmDateTime}, nil
	case UpdatedProperty:
		return field{name: name, path: FieldUpdated, typ: schema.EdmDateTime}, nil
	}

	if strings.Contains(name, "/") {
		return field{}, errors.NewUnsupportedError(errors.CodeUnsupportedOperator, fmt.Sprintf("navigation paths such as %s are not supported in filters", name))
	}

	if p, ok := target.Set.Property(name); ok {
		return field{name: name, path: StaticField(name), typ: p.Type}, nil
	}

	if target.Dynamic != nil {
		if typ, ok := target.Dynamic(name); ok {
			return field{name: name, path: DynamicField(name), typ: typ}, nil
		}
	}

	if target.Set.Open {
		// never written, so the type is taken from whatever it is compared to
		return field{name: name, path: DynamicField(name)}, nil
	}

	return field{}, errors.NewValidationError(errors.CodeUnknownProperty, fmt.Sprintf("unknown property %s on %s", name, target.Set.Name))
}

// Filter translates a parsed filter expression into a search query. Nothing is
// evaluated against a store, so every error is reported before any store call.
func (t *Translator) Filter(target Target, e Expr) (query.Query, error) {
	switch n := e.(type) {
	case *Binary:
		switch n.Op {
		case "and", "or":
			left, err := t.Filter(target, n.Left)
			if err != nil {
				return nil, err
			}
			right, err := t.Filter(target, n.Right)
			if err != nil {
				return nil, err
			}
			if n.Op == "and" {
				return query.NewConjunctionQuery([]query.Query{left, right}), nil
			}
			return query.NewDisjunctionQuery([]query.Query{left, right}), nil

		case "eq", "ne", "lt", "le", "gt", "ge":
			return t.comparison(target, n)
		}
		return nil, unsupported("operator " + n.Op)

	case *Unary:
		if n.Op != "not" {
			return nil, unsupported("operator " + n.Op)
		}
		inner, err := t.Filter(target, n.Operand)
		if err != nil {
			return nil, err
		}
		return not(inner), nil

	case *Call:
		return t.call(target, n)

	case *Member:
		f, err := t.resolve(target, n.Name)
		if err != nil {
			return nil, err
		}
		if f.typ != schema.EdmBoolean {
			return nil, parseError(fmt.Sprintf("property %s is not a boolean expression", n.Name))
		}
		return equals(f, true), nil

	case *Literal:
		if n.Kind == BooleanLiteral {
			if n.Value.(bool) {
				return query.NewMatchAllQuery(), nil
			}
			return query.NewMatchNoneQuery(), nil
		}
	}

	return nil, parseError(fmt.Sprintf("%s is not a boolean expression", e))
}

var flipped = map[string]string{"eq": "eq", "ne": "ne", "lt": "gt", "le": "ge", "gt": "lt", "ge": "le"}

func (t *Translator) comparison(target Target, b *Binary) (query.Query, error) {
	left, right, op := b.Left, b.Right, b.Op

	if _, ok := left.(*Literal); ok {
		left, right, op = right, left, flipped[op]
	}

	if call, ok := left.(*Call); ok {
		lit, isLit := right.(*Literal)
		if !isLit || lit.Kind != BooleanLiteral || (op != "eq" && op != "ne") {
			return nil, unsupportedFunctionUse(call)
		}

		q, err := t.call(target, call)
		if err != nil {
			return nil, err
		}

		if lit.Value.(bool) == (op == "eq") {
			return q, nil
		}
		return not(q), nil
	}

	member, ok := left.(*Member)
	if !ok {
		return nil, unsupportedOperand(left)
	}

	lit, ok := right.(*Literal)
	if !ok {
		return nil, unsupportedOperand(right)
	}

	f, err := t.resolve(target, member.Name)
	if err != nil {
		return nil, err
	}

	value, err := t.operand(f, op, lit)
	if err != nil {
		return nil, err
	}

	switch op {
	case "eq":
		return equals(f, value), nil
	case "ne":
		if value == nil {
			return exists(f.path), nil
		}
		return not(equals(f, value)), nil
	}

	return between(f, op, value), nil
}

func (t *Translator) call(target Target, c *Call) (query.Query, error) {
	switch c.Name {
	case "startswith":
		member, lit, err := memberAndString(c, 0, 1)
		if err != nil {
			return nil, err
		}
		f, err := t.stringField(target, member)
		if err != nil {
			return nil, err
		}
		q := query.NewPrefixQuery(lit)
		q.SetField(ExactField(f.path))
		return q, nil

	case "substringof":
		member, lit, err := memberAndString(c, 1, 0)
		if err != nil {
			return nil, err
		}
		f, err := t.stringField(target, member)
		if err != nil {
			return nil, err
		}
		q := query.NewMatchPhraseQuery(lit)
		q.SetField(f.path)
		return q, nil
	}

	return nil, unsupportedFunctionUse(c)
}

func (t *Translator) stringField(target Target, member string) (field, error) {
	f, err := t.resolve(target, member)
	if err != nil {
		return field{}, err
	}
	if f.typ != "" && f.typ != schema.EdmString {
		return field{}, mismatch(f, StringLiteral)
	}
	return f, nil
}

func memberAndString(c *Call, memberIdx, literalIdx int) (string, string, error) {
	if len(c.Args) != 2 {
		return "", "", parseError(fmt.Sprintf("%s takes exactly two arguments", c.Name))
	}

	m, ok := c.Args[memberIdx].(*Member)
	if !ok {
		return "", "", unsupportedOperand(c.Args[memberIdx])
	}

	lit, ok := c.Args[literalIdx].(*Literal)
	if !ok {
		return "", "", unsupportedOperand(c.Args[literalIdx])
	}
	if lit.Kind != StringLiteral {
		return "", "", errors.NewValidationError(errors.CodeOperandTypeMismatch, fmt.Sprintf("%s expects a string literal, got %s", c.Name, lit.Kind))
	}

	return m.Name, lit.Value.(string), nil
}

// operand validates lit against the type of f and returns it as a string, bool,
// float64 or nil
func (t *Translator) operand(f field, op string, lit *Literal) (any, error) {
	ordering := op != "eq" && op != "ne"

	if lit.Kind == NullLiteral {
		if ordering {
			return nil, mismatch(f, lit.Kind)
		}
		return nil, nil
	}

	if lit.Kind == BooleanLiteral && ordering {
		return nil, mismatch(f, lit.Kind)
	}

	switch f.typ {
	case schema.EdmString:
		if lit.Kind == StringLiteral {
			return lit.Value, nil
		}

	case schema.EdmBoolean:
		if lit.Kind == BooleanLiteral {
			return lit.Value, nil
		}

	case schema.EdmInt32:
		if lit.Kind == IntegerLiteral {
			v := lit.Value.(int64)
			if v >= math.MinInt32 && v <= math.MaxInt32 {
				return float64(v), nil
			}
		}

	case schema.EdmSingle, schema.EdmDouble:
		limit := math.MaxFloat64
		if f.typ == schema.EdmSingle {
			limit = math.MaxFloat32
		}

		var v float64
		switch lit.Kind {
		case IntegerLiteral:
			v = float64(lit.Value.(int64))
		case DecimalLiteral:
			v = lit.Value.(float64)
		default:
			return nil, mismatch(f, lit.Kind)
		}
		if math.Abs(v) <= limit {
			return v, nil
		}

	case schema.EdmDateTime:
		switch lit.Kind {
		case IntegerLiteral, DateTimeLiteral, DateTimeOffsetLiteral:
			v := lit.Value.(int64)
			if v >= t.limits.MinDateTime && v <= t.limits.MaxDateTime {
				return float64(v), nil
			}
		}

	case "":
		switch lit.Kind {
		case StringLiteral, BooleanLiteral:
			return lit.Value, nil
		case IntegerLiteral, DateTimeLiteral, DateTimeOffsetLiteral:
			return float64(lit.Value.(int64)), nil
		case DecimalLiteral:
			return lit.Value, nil
		}
	}

	return nil, mismatch(f, lit.Kind)
}

func equals(f field, value any) query.Query {
	switch v := value.(type) {
	case nil:
		return not(exists(f.path))
	case string:
		q := query.NewTermQuery(v)
		q.SetField(ExactField(f.path))
		return q
	case bool:
		q := query.NewBoolFieldQuery(v)
		q.SetField(f.path)
		return q
	case float64:
		inclusive := true
		q := query.NewNumericRangeInclusiveQuery(&v, &v, &inclusive, &inclusive)
		q.SetField(f.path)
		return q
	}

	return query.NewMatchNoneQuery()
}

func between(f field, op string, value any) query.Query {
	lower := op == "gt" || op == "ge"
	inclusive := op == "ge" || op == "le"

	switch v := value.(type) {
	case string:
		var lo, hi string
		if lower {
			lo = v
		} else {
			hi = v
		}
		q := query.NewTermRangeInclusiveQuery(lo, hi, &inclusive, &inclusive)
		q.SetField(ExactField(f.path))
		return q

	case float64:
		var lo, hi *float64
		if lower {
			lo = &v
		} else {
			hi = &v
		}
		q := query.NewNumericRangeInclusiveQuery(lo, hi, &inclusive, &inclusive)
		q.SetField(f.path)
		return q
	}

	return query.NewMatchNoneQuery()
}

func exists(path string) query.Query {
	q := query.NewTermQuery(path)
	q.SetField(docstore.ExistsField)
	return q
}

func not(q query.Query) query.Query {
	return query.NewBooleanQuery([]query.Query{query.NewMatchAllQuery()}, nil, []query.Query{q})
}

func mismatch(f field, kind LiteralKind) error {
	typ := string(f.typ)
	if typ == "" {
		typ = "an untyped property"
	}
	return errors.NewValidationError(errors.CodeOperandTypeMismatch, fmt.Sprintf("operand type mismatch on property %s: a %s operand is not valid for %s", f.name, kind, typ))
}

func parseError(msg string) error {
	return errors.NewValidationError(errors.CodeFilterParseError, msg)
}

func unsupported(what string) error {
	return errors.NewUnsupportedError(errors.CodeUnsupportedOperator, what+" is not supported")
}

func unsupportedFunctionUse(c *Call) error {
	if c.Name == "startswith" || c.Name == "substringof" {
		return parseError(fmt.Sprintf("%s can only be compared to a boolean literal", c.Name))
	}
	if unsupportedFunctions[c.Name] {
		return unsupported("function " + c.Name)
	}
	return unsupported("unknown function " + c.Name)
}

func unsupportedOperand(e Expr) error {
	switch n := e.(type) {
	case *Binary:
		return unsupported("operator " + n.Op)
	case *Unary:
		return unsupported("operator " + n.Op)
	case *Call:
		return unsupportedFunctionUse(n)
	case *Member:
		return unsupported("comparing two properties")
	}
	return parseError(fmt.Sprintf("unexpected operand %s", e))
}
