package types

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// NullLinkKey is stored in a link map when an optional composite key reference is
// explicitly null, so that natural key lookups can still match on it.
const NullLinkKey string = "__null__"

// Partition scopes a record to a cell, a box within the cell and a node (service
// collection) within the box. The cell bounds the mutation lock.
type Partition struct {
	Cell string `json:"cell" yaml:"cell"`
	Box  string `json:"box" yaml:"box"`
	Node string `json:"node" yaml:"node"`
}

func (p Partition) String() string {
	return p.Cell + "/" + p.Box + "/" + p.Node
}

type EntityRecord struct {
	ID        string
	Partition Partition
	TypeID    string
	TypeName  string

	Static  map[string]any
	Dynamic map[string]any
	Hidden  map[string]any
	Links   map[string]string

	Version int64
	Created int64
	Updated int64
}

func NewEntityRecord(p Partition, typeName string) *EntityRecord {
	return &EntityRecord{
		Partition: p,
		TypeName:  typeName,
		Static:    map[string]any{},
		Dynamic:   map[string]any{},
		Hidden:    map[string]any{},
		Links:     map[string]string{},
	}
}

// ETag derives the concurrency token for the record's current version
func (e *EntityRecord) ETag() string {
	return ETag(e.ID, e.Version)
}

// Value looks up a property among the static fields first and the dynamic fields second
func (e *EntityRecord) Value(name string) (any, bool) {
	if v, ok := e.Static[name]; ok {
		return v, true
	}
	v, ok := e.Dynamic[name]
	return v, ok
}

func (e *EntityRecord) Clone() *EntityRecord {
	c := *e
	c.Static = cloneMap(e.Static)
	c.Dynamic = cloneMap(e.Dynamic)
	c.Hidden = cloneMap(e.Hidden)
	c.Links = make(map[string]string, len(e.Links))
	for k, v := range e.Links {
		c.Links[k] = v
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// LinkRecord is the join document of a many-to-many relationship
type LinkRecord struct {
	ID        string
	Partition Partition

	Type1 string
	ID1   string
	Type2 string
	ID2   string

	Version int64
	Created int64
	Updated int64
}

// NewLinkRecord orders the endpoints so that the same pair always yields the same record
func NewLinkRecord(p Partition, typeA, idA, typeB, idB string) *LinkRecord {
	l := &LinkRecord{Partition: p}

	if typeA+":"+idA > typeB+":"+idB {
		typeA, idA, typeB, idB = typeB, idB, typeA, idA
	}

	l.Type1, l.ID1, l.Type2, l.ID2 = typeA, idA, typeB, idB
	l.ID = LinkID(typeA, idA, typeB, idB)

	return l
}

// Other returns the endpoint on the opposite side of entityID
func (l *LinkRecord) Other(entityID string) (string, string) {
	if l.ID1 == entityID {
		return l.Type2, l.ID2
	}
	return l.Type1, l.ID1
}

// LinkID is a digest of both endpoints that does not depend on their order
func LinkID(typeA, idA, typeB, idB string) string {
	endpoints := []string{typeA + ":" + idA, typeB + ":" + idB}
	sort.Strings(endpoints)

	sum := blake3.Sum256([]byte(endpoints[0] + "|" + endpoints[1]))
	return hex.EncodeToString(sum[:16])
}

func ETag(id string, version int64) string {
	return fmt.Sprintf("W/\"%d-%016x\"", version, xxhash.Sum64String(id))
}

var etagPattern = regexp.MustCompile(`^(?:W/)?"(\d+)-([0-9a-f]{16})"$`)

// ParseETag extracts the version from a concurrency token issued for entityID.
// A token issued for another entity never matches.
func ParseETag(etag, entityID string) (int64, bool) {
	m := etagPattern.FindStringSubmatch(etag)
	if m == nil {
		return 0, false
	}

	if m[2] != fmt.Sprintf("%016x", xxhash.Sum64String(entityID)) {
		return 0, false
	}

	version, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}

	return version, true
}
