package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/diwise/odata-broker/internal/pkg/application/schema"
	"github.com/diwise/odata-broker/pkg/odata/errors"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

// Prepare turns a generic property bag into a record of the given entity set. A
// partial record, as sent with MERGE, skips the checks for missing properties.
func (e *Engine) Prepare(p types.Partition, setName string, props map[string]any, partial bool) (*types.EntityRecord, error) {
	set, err := e.entitySet(setName)
	if err != nil {
		return nil, err
	}

	r := types.NewEntityRecord(p, set.EntityType)

	for name, value := range props {
		if strings.HasPrefix(name, "__") {
			continue
		}

		if _, isNav := set.NavigationProperty(name); isNav {
			continue
		}

		if prop, declared := set.Property(name); declared {
			v, err := e.coerce(prop, value)
			if err != nil {
				return nil, err
			}

			if prop.Hidden {
				r.Hidden[name] = v
			} else {
				r.Static[name] = v
			}
			continue
		}

		if _, _, isNTKP := schema.SplitNTKP(name); isNTKP && isKeyComponent(set, name) {
			r.Static[name] = value
			continue
		}

		if !set.Open {
			return nil, bodyError(fmt.Sprintf("%s has no property %s", set.Name, name))
		}

		v, err := dynamicValue(name, value)
		if err != nil {
			return nil, err
		}
		r.Dynamic[name] = v
	}

	if partial {
		return r, nil
	}

	for _, prop := range set.Properties {
		if _, ok := r.Static[prop.Name]; ok {
			continue
		}
		if _, ok := r.Hidden[prop.Name]; ok {
			continue
		}

		if slices.Contains(set.Key, prop.Name) {
			if len(set.Key) == 1 && prop.Type == schema.EdmString {
				// filled in with the internal id once it is known
				continue
			}
			return nil, bodyError(fmt.Sprintf("key property %s is missing", prop.Name))
		}

		if !prop.IsNullable() {
			return nil, bodyError(fmt.Sprintf("property %s is required", prop.Name))
		}

		r.Static[prop.Name] = nil
	}

	return r, nil
}

func isKeyComponent(set *schema.EntitySet, name string) bool {
	if slices.Contains(set.Key, name) {
		return true
	}
	for _, uk := range set.UniqueKeys {
		if slices.Contains(uk, name) {
			return true
		}
	}
	return false
}

func bodyError(msg string) error {
	return errors.NewValidationError(errors.CodeRequestBodyInvalid, msg)
}

var msDatePattern = regexp.MustCompile(`^/Date\((-?\d+)(?:[+-]\d{4})?\)/$`)

func (e *Engine) coerce(prop *schema.Property, value any) (any, error) {
	if value == nil {
		if !prop.IsNullable() {
			return nil, bodyError(fmt.Sprintf("property %s must not be null", prop.Name))
		}
		return nil, nil
	}

	mismatch := func() error {
		return bodyError(fmt.Sprintf("property %s must be of type %s", prop.Name, prop.Type))
	}

	switch prop.Type {
	case schema.EdmString:
		if s, ok := value.(string); ok {
			return s, nil
		}

	case schema.EdmBoolean:
		if b, ok := value.(bool); ok {
			return b, nil
		}

	case schema.EdmInt32:
		f, ok := number(value)
		if ok && f == math.Trunc(f) && f >= math.MinInt32 && f <= math.MaxInt32 {
			return int64(f), nil
		}

	case schema.EdmSingle, schema.EdmDouble:
		f, ok := number(value)
		if ok && (prop.Type == schema.EdmDouble || math.Abs(f) <= math.MaxFloat32) {
			return f, nil
		}

	case schema.EdmDateTime:
		ms, ok := dateTime(value)
		if ok && ms >= e.cfg.MinDateTime && ms <= e.cfg.MaxDateTime {
			return ms, nil
		}
	}

	return nil, mismatch()
}

func number(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func dateTime(value any) (int64, bool) {
	if s, ok := value.(string); ok {
		if m := msDatePattern.FindStringSubmatch(s); m != nil {
			ms, err := strconv.ParseInt(m[1], 10, 64)
			return ms, err == nil
		}

		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04"} {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return t.UnixMilli(), true
			}
		}

		return 0, false
	}

	f, ok := number(value)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}

	return int64(f), true
}

func dynamicValue(name string, value any) (any, error) {
	switch v := value.(type) {
	case nil, string, bool:
		return v, nil
	case float64:
		// integral values come back from the store as integers
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return int64(v), nil
		}
		return v, nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, bodyError(fmt.Sprintf("property %s holds a malformed number", name))
		}
		return f, nil
	}

	return nil, bodyError(fmt.Sprintf("property %s must be a primitive value", name))
}
