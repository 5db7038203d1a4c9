package types

import (
	"testing"

	"github.com/matryer/is"
)

func TestLinkIDIsOrderIndependent(t *testing.T) {
	is := is.New(t)

	a := LinkID("tWidget", "w1", "tGadget", "g1")
	b := LinkID("tGadget", "g1", "tWidget", "w1")

	is.Equal(a, b)
	is.True(a != LinkID("tWidget", "w1", "tGadget", "g2"))
}

func TestNewLinkRecordOrdersEndpoints(t *testing.T) {
	is := is.New(t)

	p := Partition{Cell: "c", Box: "b", Node: "n"}
	l1 := NewLinkRecord(p, "tWidget", "w1", "tGadget", "g1")
	l2 := NewLinkRecord(p, "tGadget", "g1", "tWidget", "w1")

	is.Equal(l1.ID, l2.ID)
	is.Equal(l1.Type1, l2.Type1)
	is.Equal(l1.ID1, l2.ID1)

	otherType, otherID := l1.Other("w1")
	is.Equal(otherType, "tGadget")
	is.Equal(otherID, "g1")
}

func TestETagCarriesVersionAndEntity(t *testing.T) {
	is := is.New(t)

	etag := ETag("abc", 7)

	version, ok := ParseETag(etag, "abc")
	is.True(ok)
	is.Equal(version, int64(7))

	_, ok = ParseETag(etag, "other")
	is.True(!ok) // a token issued for another entity must not match

	_, ok = ParseETag("garbage", "abc")
	is.True(!ok)
}

func TestParseSingleKeyPredicate(t *testing.T) {
	is := is.New(t)

	k, err := ParseKeyPredicate("('w''1')")
	is.NoErr(err)
	is.True(k.IsSingle())
	is.Equal(k.Single, "w'1")
	is.Equal(k.String(), "'w''1'")

	k, err = ParseKeyPredicate("(42)")
	is.NoErr(err)
	is.Equal(k.Single, int64(42))
}

func TestParseCompoundKeyPredicate(t *testing.T) {
	is := is.New(t)

	k, err := ParseKeyPredicate("(Name='r,1',_Box.Name=null)")
	is.NoErr(err)
	is.True(!k.IsSingle())
	is.Equal(k.Named["Name"], "r,1")
	is.Equal(k.Named["_Box.Name"], nil)

	values, err := k.Normalize([]string{"Name", "_Box.Name"})
	is.NoErr(err)
	is.Equal(len(values), 2)

	_, err = k.Normalize([]string{"Name"})
	is.True(err != nil)
}

func TestParseBrokenKeyPredicates(t *testing.T) {
	is := is.New(t)

	for _, broken := range []string{"()", "('unterminated)", "(Name='a',Name='b')", "(1.5.2)", "('a'"} {
		_, err := ParseKeyPredicate(broken)
		is.True(err != nil) // broken predicate must not parse
	}
}
