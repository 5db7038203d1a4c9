package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// EntityKey is a parsed key predicate, either a single unnamed value as in
// Widgets('w1') or a set of named components as in Roles(Name='r1',_Box.Name='b1')
type EntityKey struct {
	Single any
	Named  map[string]any
}

func SingleKey(v any) EntityKey {
	return EntityKey{Single: v}
}

func NamedKey(values map[string]any) EntityKey {
	return EntityKey{Named: values}
}

func (k EntityKey) IsSingle() bool {
	return k.Named == nil
}

func (k EntityKey) IsZero() bool {
	return k.Named == nil && k.Single == nil
}

// Normalize maps the key onto the declared key properties of an entity set
func (k EntityKey) Normalize(keyProperties []string) (map[string]any, error) {
	if k.IsSingle() {
		if len(keyProperties) != 1 {
			return nil, fmt.Errorf("key requires %d components, got a single value", len(keyProperties))
		}
		return map[string]any{keyProperties[0]: k.Single}, nil
	}

	if len(k.Named) != len(keyProperties) {
		return nil, fmt.Errorf("key requires %d components, got %d", len(keyProperties), len(k.Named))
	}

	values := make(map[string]any, len(keyProperties))
	for _, p := range keyProperties {
		v, ok := k.Named[p]
		if !ok {
			return nil, fmt.Errorf("key component %s is missing", p)
		}
		values[p] = v
	}

	return values, nil
}

func (k EntityKey) String() string {
	if k.IsSingle() {
		return FormatLiteral(k.Single)
	}

	names := make([]string, 0, len(k.Named))
	for n := range k.Named {
		names = append(names, n)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+"="+FormatLiteral(k.Named[n]))
	}

	return strings.Join(parts, ",")
}

// KeyFromValues builds the canonical key for a record given its key properties
func KeyFromValues(keyProperties []string, values map[string]any) EntityKey {
	if len(keyProperties) == 1 {
		return SingleKey(values[keyProperties[0]])
	}

	named := make(map[string]any, len(keyProperties))
	for _, p := range keyProperties {
		named[p] = values[p]
	}
	return NamedKey(named)
}

func FormatLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

// ParseKeyPredicate parses the text between (and including) the parentheses that
// follow an entity set name
func ParseKeyPredicate(s string) (EntityKey, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "(") {
		if !strings.HasSuffix(s, ")") {
			return EntityKey{}, fmt.Errorf("unbalanced key predicate %q", s)
		}
		s = s[1 : len(s)-1]
	}

	if strings.TrimSpace(s) == "" {
		return EntityKey{}, fmt.Errorf("empty key predicate")
	}

	segments, err := splitKeySegments(s)
	if err != nil {
		return EntityKey{}, err
	}

	if len(segments) == 1 && !hasAssignment(segments[0]) {
		v, err := parseKeyLiteral(segments[0])
		if err != nil {
			return EntityKey{}, err
		}
		return SingleKey(v), nil
	}

	named := map[string]any{}
	for _, seg := range segments {
		idx := strings.Index(seg, "=")
		if idx <= 0 {
			return EntityKey{}, fmt.Errorf("key component %q is not of the form name=value", seg)
		}

		name := strings.TrimSpace(seg[:idx])
		if _, dup := named[name]; dup {
			return EntityKey{}, fmt.Errorf("duplicate key component %s", name)
		}

		v, err := parseKeyLiteral(seg[idx+1:])
		if err != nil {
			return EntityKey{}, err
		}
		named[name] = v
	}

	return NamedKey(named), nil
}

func hasAssignment(seg string) bool {
	inString := false
	for _, r := range seg {
		switch {
		case r == '\'':
			inString = !inString
		case r == '=' && !inString:
			return true
		}
	}
	return false
}

func splitKeySegments(s string) ([]string, error) {
	segments := []string{}
	inString := false
	start := 0

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			inString = !inString
		case ',':
			if !inString {
				segments = append(segments, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}

	if inString {
		return nil, fmt.Errorf("unterminated string in key predicate")
	}

	return append(segments, strings.TrimSpace(s[start:])), nil
}

func parseKeyLiteral(lit string) (any, error) {
	lit = strings.TrimSpace(lit)

	switch {
	case lit == "null":
		return nil, nil
	case lit == "true" || lit == "false":
		return lit == "true", nil
	case strings.HasPrefix(lit, "'"):
		if len(lit) < 2 || !strings.HasSuffix(lit, "'") {
			return nil, fmt.Errorf("malformed string literal %s", lit)
		}
		return strings.ReplaceAll(lit[1:len(lit)-1], "''", "'"), nil
	}

	lit = strings.TrimSuffix(strings.TrimSuffix(lit, "L"), "l")
	if i, err := strconv.ParseInt(lit, 10, 64); err == nil {
		return i, nil
	}

	return nil, fmt.Errorf("unsupported key literal %s", lit)
}
