package query

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/diwise/odata-broker/internal/pkg/application/schema"
	"github.com/diwise/odata-broker/pkg/odata/errors"
)

// Options is a translated set of system query options, ready to be handed to a store
type Options struct {
	Filter      query.Query
	Sort        []string
	Top         int
	Skip        int
	Fields      []string
	Expand      []string
	InlineCount bool
}

// Options translates the system query options of a list request. All limits are
// checked before the filter is even parsed.
func (t *Translator) Options(target Target, values url.Values) (*Options, error) {
	opts := &Options{}

	expand, err := t.Expand(target, values.Get("$expand"))
	if err != nil {
		return nil, err
	}
	opts.Expand = expand

	maxTop := t.limits.MaxTop
	if len(expand) > 0 && t.limits.MaxTopWithExpand < maxTop {
		maxTop = t.limits.MaxTopWithExpand
	}

	opts.Top, err = boundedInt(values, "$top", t.limits.DefaultTop, maxTop)
	if err != nil {
		return nil, err
	}
	if opts.Top > maxTop && !values.Has("$top") {
		opts.Top = maxTop
	}

	opts.Skip, err = boundedInt(values, "$skip", 0, t.limits.MaxSkip)
	if err != nil {
		return nil, err
	}

	if filter := strings.TrimSpace(values.Get("$filter")); filter != "" {
		expr, err := ParseFilter(filter)
		if err != nil {
			return nil, err
		}
		opts.Filter, err = t.Filter(target, expr)
		if err != nil {
			return nil, err
		}
	}

	opts.Sort, err = t.Sort(target, values.Get("$orderby"))
	if err != nil {
		return nil, err
	}

	opts.Fields, err = t.Select(target, values.Get("$select"))
	if err != nil {
		return nil, err
	}

	switch ic := values.Get("$inlinecount"); ic {
	case "", "none":
	case "allpages":
		opts.InlineCount = true
	default:
		return nil, optionError("$inlinecount", fmt.Sprintf("unsupported value %q", ic))
	}

	return opts, nil
}

func boundedInt(values url.Values, option string, def, ceiling int) (int, error) {
	if !values.Has(option) {
		return def, nil
	}

	n, err := strconv.Atoi(strings.TrimSpace(values.Get(option)))
	if err != nil || n < 0 {
		return 0, optionError(option, "must be a non negative integer")
	}

	if n > ceiling {
		return 0, optionError(option, fmt.Sprintf("must not exceed %d", ceiling))
	}

	return n, nil
}

func optionError(option, msg string) error {
	return errors.NewValidationError(errors.CodeQueryParseError, fmt.Sprintf("%s %s", option, msg))
}

// Sort translates $orderby into sort fields. Properties that cannot be resolved are
// dropped rather than rejected, clients often keep ordering on properties that are gone.
func (t *Translator) Sort(target Target, orderby string) ([]string, error) {
	if strings.TrimSpace(orderby) == "" {
		return nil, nil
	}

	sort := []string{}

	for _, term := range strings.Split(orderby, ",") {
		words := strings.Fields(term)
		if len(words) == 0 || len(words) > 2 {
			return nil, optionError("$orderby", fmt.Sprintf("malformed term %q", term))
		}

		desc := false
		if len(words) == 2 {
			switch strings.ToLower(words[1]) {
			case "asc":
			case "desc":
				desc = true
			default:
				return nil, optionError("$orderby", fmt.Sprintf("unknown direction %q", words[1]))
			}
		}

		f, err := t.resolve(target, words[0])
		if err != nil || f.typ == "" {
			continue
		}

		path := f.path
		if f.typ == schema.EdmString {
			path = ExactField(path)
		}

		if desc {
			path = "-" + path
		}

		sort = append(sort, path)
	}

	return sort, nil
}

// Select translates $select into a projection. The partition, type, timestamps, links
// and key properties are always part of it. A nil projection means everything.
func (t *Translator) Select(target Target, sel string) ([]string, error) {
	sel = strings.TrimSpace(sel)
	if sel == "" || sel == "*" {
		return nil, nil
	}

	fields := slices.Clone(PartitionFields)
	for _, k := range target.Set.Key {
		if _, ok := target.Set.Property(k); ok {
			fields = append(fields, StaticField(k))
		}
	}

	for _, name := range strings.Split(sel, ",") {
		name = strings.TrimSpace(name)
		if name == "*" {
			return nil, nil
		}

		if _, isNav := target.Set.NavigationProperty(name); isNav {
			continue
		}

		f, err := t.resolve(target, name)
		if err != nil {
			return nil, err
		}

		if !slices.Contains(fields, f.path) {
			fields = append(fields, f.path)
		}
	}

	return fields, nil
}

// Expand validates the navigation properties named by $expand. Only a single level is
// supported.
func (t *Translator) Expand(target Target, expand string) ([]string, error) {
	expand = strings.TrimSpace(expand)
	if expand == "" {
		return nil, nil
	}

	names := []string{}
	for _, name := range strings.Split(expand, ",") {
		name = strings.TrimSpace(name)

		if strings.Contains(name, "/") {
			return nil, errors.NewUnsupportedError(errors.CodeNotImplemented, fmt.Sprintf("$expand of nested navigation %s is not supported", name))
		}

		if _, ok := target.Set.NavigationProperty(name); !ok {
			return nil, errors.NewValidationError(errors.CodeNoSuchNavigationProperty, fmt.Sprintf("$expand names unknown navigation property %s", name))
		}

		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}

	return names, nil
}
