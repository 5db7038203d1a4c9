package query

import (
	"github.com/blevesearch/bleve/v2/search/query"
)

// Term matches a keyword field exactly
func Term(fieldName, value string) query.Query {
	q := query.NewTermQuery(value)
	q.SetField(fieldName)
	return q
}

// Equals matches documents whose field at path holds value. Strings are matched
// against their exact copy, a nil value matches documents where the field is absent.
func Equals(path string, value any) query.Query {
	switch v := value.(type) {
	case int:
		value = float64(v)
	case int32:
		value = float64(v)
	case int64:
		value = float64(v)
	case float32:
		value = float64(v)
	}
	return equals(field{path: path}, value)
}

func Exists(path string) query.Query {
	return exists(path)
}

func Not(q query.Query) query.Query {
	return not(q)
}

func All(qs ...query.Query) query.Query {
	return query.NewConjunctionQuery(qs)
}

func Any(qs ...query.Query) query.Query {
	return query.NewDisjunctionQuery(qs)
}

// Except removes the documents with the given ids from q
func Except(q query.Query, ids ...string) query.Query {
	return query.NewBooleanQuery([]query.Query{q}, nil, []query.Query{query.NewDocIDQuery(ids)})
}
