package storage

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/diwise/odata-broker/internal/pkg/application/query"
	"github.com/diwise/odata-broker/internal/pkg/application/schema"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/docstore"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

// fields of a link document
const (
	linkType1 string = "t1"
	linkID1   string = "i1"
	linkType2 string = "t2"
	linkID2   string = "i2"
)

func toDocument(r *types.EntityRecord) docstore.Document {
	links := make(map[string]any, len(r.Links))
	for k, v := range r.Links {
		links[k] = v
	}

	return docstore.Document{
		ID:      r.ID,
		Version: r.Version,
		Source: map[string]any{
			query.FieldCell:      r.Partition.Cell,
			query.FieldBox:       r.Partition.Box,
			query.FieldNode:      r.Partition.Node,
			query.FieldType:      r.TypeID,
			query.FieldStatic:    nonNil(r.Static),
			query.FieldDynamic:   nonNil(r.Dynamic),
			query.FieldHidden:    nonNil(r.Hidden),
			query.FieldLinks:     links,
			query.FieldPublished: r.Created,
			query.FieldUpdated:   r.Updated,
		},
	}
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func fromDocument(set *schema.EntitySet, doc docstore.Document) *types.EntityRecord {
	src := doc.Source

	r := types.NewEntityRecord(types.Partition{
		Cell: asString(src[query.FieldCell]),
		Box:  asString(src[query.FieldBox]),
		Node: asString(src[query.FieldNode]),
	}, set.EntityType)

	r.ID = doc.ID
	r.Version = doc.Version
	r.TypeID = asString(src[query.FieldType])
	r.Created = asInt64(src[query.FieldPublished])
	r.Updated = asInt64(src[query.FieldUpdated])

	if m, ok := src[query.FieldStatic].(map[string]any); ok {
		for k, v := range m {
			if p, declared := set.Property(k); declared {
				v = storedValue(p.Type, v)
			}
			r.Static[k] = v
		}
	}

	if m, ok := src[query.FieldDynamic].(map[string]any); ok {
		r.Dynamic = m
	}

	if m, ok := src[query.FieldHidden].(map[string]any); ok {
		r.Hidden = m
	}

	if m, ok := src[query.FieldLinks].(map[string]any); ok {
		for k, v := range m {
			if s, ok := v.(string); ok {
				r.Links[k] = s
			}
		}
	}

	return r
}

// storedValue restores the go type of a declared property after a trip through the store
func storedValue(typ schema.EdmType, v any) any {
	switch typ {
	case schema.EdmSingle, schema.EdmDouble:
		switch n := v.(type) {
		case int64:
			return float64(n)
		}
	case schema.EdmInt32, schema.EdmDateTime:
		switch n := v.(type) {
		case float64:
			return int64(n)
		}
	}
	return v
}

func linkDocument(l *types.LinkRecord) docstore.Document {
	return docstore.Document{
		ID: l.ID,
		Source: map[string]any{
			query.FieldCell:      l.Partition.Cell,
			query.FieldBox:       l.Partition.Box,
			query.FieldNode:      l.Partition.Node,
			linkType1:            l.Type1,
			linkID1:              l.ID1,
			linkType2:            l.Type2,
			linkID2:              l.ID2,
			query.FieldPublished: l.Created,
			query.FieldUpdated:   l.Updated,
		},
	}
}

func linkFromDocument(doc docstore.Document) *types.LinkRecord {
	src := doc.Source
	return &types.LinkRecord{
		ID: doc.ID,
		Partition: types.Partition{
			Cell: asString(src[query.FieldCell]),
			Box:  asString(src[query.FieldBox]),
			Node: asString(src[query.FieldNode]),
		},
		Type1:   asString(src[linkType1]),
		ID1:     asString(src[linkID1]),
		Type2:   asString(src[linkType2]),
		ID2:     asString(src[linkID2]),
		Version: doc.Version,
		Created: asInt64(src[query.FieldPublished]),
		Updated: asInt64(src[query.FieldUpdated]),
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// digest derives a stable id from its parts
func digest(parts ...string) string {
	sum := blake3.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:16])
}
