package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/matryer/is"

	"github.com/diwise/odata-broker/internal/pkg/application/query"
	"github.com/diwise/odata-broker/internal/pkg/application/schema"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/cache"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/docstore"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/locking"
	odataerrors "github.com/diwise/odata-broker/pkg/odata/errors"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

var partition = types.Partition{Cell: "c1", Box: "b1", Node: "n1"}

func TestCreatedEntityReadsBackUnchanged(t *testing.T) {
	is, ctx, e := setupEngineTest(t)

	rec := create(t, e, "Widgets", map[string]any{"Id": "w1", "Price": 10, "Serial": "s1", "Color": "red", "Height": 2.5})
	is.Equal(rec.Version, int64(1))

	got, err := e.Retrieve(ctx, partition, "Widgets", types.SingleKey("w1"), url.Values{})
	is.NoErr(err)

	is.Equal(cmp.Diff(rec.Static, got.Record.Static), "")
	is.Equal(cmp.Diff(rec.Dynamic, got.Record.Dynamic), "")
	is.Equal(got.Record.ETag(), rec.ETag())
}

func TestSingleStringKeyIsFilledWithTheInternalID(t *testing.T) {
	is, _, e := setupEngineTest(t)

	rec := create(t, e, "Gadgets", map[string]any{})
	is.Equal(rec.Static["Id"], rec.ID)
}

func TestCreateWithTakenKeyConflicts(t *testing.T) {
	is, ctx, e := setupEngineTest(t)

	create(t, e, "Widgets", map[string]any{"Id": "w1", "Serial": "s1"})

	rec, err := e.Prepare(partition, "Widgets", map[string]any{"Id": "w1"}, false)
	is.NoErr(err)
	err = e.Create(ctx, partition, "Widgets", rec)
	is.True(errors.Is(err, odataerrors.ErrConflict))
	is.Equal(odataerrors.Code(err), odataerrors.CodeEntityAlreadyExists)

	rec, _ = e.Prepare(partition, "Widgets", map[string]any{"Id": "w2", "Serial": "s1"}, false)
	err = e.Create(ctx, partition, "Widgets", rec)
	is.Equal(odataerrors.Code(err), odataerrors.CodeUniqueKeyConflict)

	rec, _ = e.Prepare(partition, "Widgets", map[string]any{"Id": "w3"}, false)
	is.NoErr(e.Create(ctx, partition, "Widgets", rec)) // a null unique key never collides
	rec, _ = e.Prepare(partition, "Widgets", map[string]any{"Id": "w4"}, false)
	is.NoErr(e.Create(ctx, partition, "Widgets", rec))
}

func TestDynamicPropertyKeepsItsFirstType(t *testing.T) {
	is, ctx, e := setupEngineTest(t)

	create(t, e, "Widgets", map[string]any{"Id": "w1", "Color": "red"})

	rec, _ := e.Prepare(partition, "Widgets", map[string]any{"Id": "w2", "Color": 7}, false)
	err := e.Create(ctx, partition, "Widgets", rec)
	is.True(errors.Is(err, odataerrors.ErrValidation))
}

func TestClosedSetRejectsUnknownProperties(t *testing.T) {
	is, _, e := setupEngineTest(t)

	_, err := e.Prepare(partition, "Boxes", map[string]any{"Name": "b", "Color": "red"}, false)
	is.Equal(odataerrors.Code(err), odataerrors.CodeRequestBodyInvalid)
}

func TestUpdateWithStaleETagLeavesRecordUnchanged(t *testing.T) {
	is, ctx, e := setupEngineTest(t)

	rec := create(t, e, "Widgets", map[string]any{"Id": "w1", "Price": 10})

	change, _ := e.Prepare(partition, "Widgets", map[string]any{"Id": "w1", "Price": 20}, false)
	err := e.Update(ctx, partition, "Widgets", types.SingleKey("w1"), change, types.ETag(rec.ID, rec.Version+5), Replace)
	is.True(errors.Is(err, odataerrors.ErrPreconditionFailed))
	is.Equal(odataerrors.Code(err), odataerrors.CodeETagMismatch)

	got, _ := e.Retrieve(ctx, partition, "Widgets", types.SingleKey("w1"), url.Values{})
	is.Equal(got.Record.Static["Price"], int64(10))
	is.Equal(got.Record.Version, rec.Version)

	err = e.Update(ctx, partition, "Widgets", types.SingleKey("w1"), change, rec.ETag(), Replace)
	is.NoErr(err)
	is.Equal(change.Version, rec.Version+1)

	got, _ = e.Retrieve(ctx, partition, "Widgets", types.SingleKey("w1"), url.Values{})
	is.Equal(got.Record.Static["Price"], int64(20))
	is.Equal(got.Record.Created, rec.Created) // creation time survives a replace
}

func TestMergeKeepsOmittedFields(t *testing.T) {
	is, ctx, e := setupEngineTest(t)

	create(t, e, "Widgets", map[string]any{"Id": "w1", "Price": 10, "Serial": "s1"})

	change, err := e.Prepare(partition, "Widgets", map[string]any{"Price": 11}, true)
	is.NoErr(err)
	is.NoErr(e.Update(ctx, partition, "Widgets", types.SingleKey("w1"), change, "", Merge))

	got, _ := e.Retrieve(ctx, partition, "Widgets", types.SingleKey("w1"), url.Values{})
	is.Equal(got.Record.Static["Price"], int64(11))
	is.Equal(got.Record.Static["Serial"], "s1")
}

func TestReplaceKeepsOmittedKeys(t *testing.T) {
	is, ctx, e := setupEngineTest(t)

	create(t, e, "Widgets", map[string]any{"Id": "w1", "Price": 10, "Serial": "s1"})

	change, err := e.Prepare(partition, "Widgets", map[string]any{"Price": 5}, false)
	is.NoErr(err)
	is.NoErr(e.Update(ctx, partition, "Widgets", types.SingleKey("w1"), change, "", Replace))

	got, err := e.Retrieve(ctx, partition, "Widgets", types.SingleKey("w1"), url.Values{})
	is.NoErr(err)
	is.Equal(got.Record.Static["Price"], int64(5))
	is.Equal(got.Record.Static["Serial"], nil) // a replace drops what it leaves out

	n, _ := e.Count(ctx, partition, "Widgets", url.Values{})
	is.Equal(n, uint64(1))

	b1 := create(t, e, "Boxes", map[string]any{"Name": "b1"})
	slot := create(t, e, "Slots", map[string]any{"Name": "s", "_Box.Name": "b1"})
	key := types.NamedKey(map[string]any{"Name": "s", "_Box.Name": "b1"})

	change, err = e.Prepare(partition, "Slots", map[string]any{"Name": "s"}, false)
	is.NoErr(err)
	is.NoErr(e.Update(ctx, partition, "Slots", key, change, "", Replace))

	got, err = e.Retrieve(ctx, partition, "Slots", key, url.Values{})
	is.NoErr(err)
	is.Equal(got.Record.ID, slot.ID)
	is.Equal(got.Record.Links["Box"], b1.ID)
}

func TestUpdateToTakenKeyConflicts(t *testing.T) {
	is, ctx, e := setupEngineTest(t)

	create(t, e, "Widgets", map[string]any{"Id": "w1", "Serial": "s1"})
	create(t, e, "Widgets", map[string]any{"Id": "w2", "Serial": "s2"})

	change, _ := e.Prepare(partition, "Widgets", map[string]any{"Serial": "s1"}, true)
	err := e.Update(ctx, partition, "Widgets", types.SingleKey("w2"), change, "", Merge)
	is.Equal(odataerrors.Code(err), odataerrors.CodeUniqueKeyConflict)

	change, _ = e.Prepare(partition, "Widgets", map[string]any{"Serial": "s2", "Price": 1}, true)
	is.NoErr(e.Update(ctx, partition, "Widgets", types.SingleKey("w2"), change, "", Merge)) // unchanged keys are not checked again
}

func TestManyToManyLinkIsStoredOnce(t *testing.T) {
	is, ctx, e := setupEngineTest(t)

	w := create(t, e, "Widgets", map[string]any{"Id": "w1"})
	create(t, e, "Gadgets", map[string]any{"Id": "g1"})

	is.NoErr(e.CreateLink(ctx, partition, "Widgets", types.SingleKey("w1"), "Gadgets", types.SingleKey("g1")))

	for range 3 {
		err := e.CreateLink(ctx, partition, "Gadgets", types.SingleKey("g1"), "Widgets", types.SingleKey("w1"))
		is.True(errors.Is(err, odataerrors.ErrConflict))
		is.Equal(odataerrors.Code(err), odataerrors.CodeLinkAlreadyExists)
	}

	is.Equal(joinCount(t, e, w), uint64(1))

	related, err := e.ListLinks(ctx, partition, "Widgets", types.SingleKey("w1"), "Gadgets")
	is.NoErr(err)
	is.Equal(len(related), 1)
	is.Equal(related[0].Static["Id"], "g1")

	is.NoErr(e.DeleteLink(ctx, partition, "Widgets", types.SingleKey("w1"), "Gadgets", types.SingleKey("g1")))
	is.Equal(joinCount(t, e, w), uint64(0))

	err = e.DeleteLink(ctx, partition, "Widgets", types.SingleKey("w1"), "Gadgets", types.SingleKey("g1"))
	is.Equal(odataerrors.Code(err), odataerrors.CodeNoSuchAssociation)
}

func TestManyToManyLinkCeiling(t *testing.T) {
	is, ctx, e := setupEngineTest(t, WithConfig(Config{MaxLinks: 1, MaxExpanded: 2, MinDateTime: -1, MaxDateTime: 1 << 50}))

	create(t, e, "Widgets", map[string]any{"Id": "w1"})
	create(t, e, "Gadgets", map[string]any{"Id": "g1"})
	create(t, e, "Gadgets", map[string]any{"Id": "g2"})

	is.NoErr(e.CreateLink(ctx, partition, "Widgets", types.SingleKey("w1"), "Gadgets", types.SingleKey("g1")))
	err := e.CreateLink(ctx, partition, "Widgets", types.SingleKey("w1"), "Gadgets", types.SingleKey("g2"))
	is.Equal(odataerrors.Code(err), odataerrors.CodeLinkLimitExceeded)
}

func TestDeletingBoxWithWidgetsConflicts(t *testing.T) {
	is, ctx, e := setupEngineTest(t)

	create(t, e, "Boxes", map[string]any{"Name": "b1"})
	create(t, e, "Widgets", map[string]any{"Id": "w1"})
	create(t, e, "Widgets", map[string]any{"Id": "w2"})

	is.NoErr(e.CreateLink(ctx, partition, "Widgets", types.SingleKey("w1"), "Box", types.SingleKey("b1")))

	err := e.CreateLink(ctx, partition, "Boxes", types.SingleKey("b1"), "Widgets", types.SingleKey("w1"))
	is.Equal(odataerrors.Code(err), odataerrors.CodeLinkAlreadyExists)

	err = e.Delete(ctx, partition, "Boxes", types.SingleKey("b1"), "")
	is.True(errors.Is(err, odataerrors.ErrConflict))
	is.Equal(odataerrors.Code(err), odataerrors.CodeHasRelatedObject)

	is.NoErr(e.DeleteLink(ctx, partition, "Boxes", types.SingleKey("b1"), "Widgets", types.SingleKey("w1")))
	is.NoErr(e.Delete(ctx, partition, "Boxes", types.SingleKey("b1"), ""))

	w2, err := e.Retrieve(ctx, partition, "Widgets", types.SingleKey("w2"), url.Values{})
	is.NoErr(err)
	is.Equal(len(w2.Record.Links), 0) // unrelated records are left alone
}

func TestManyToOneLinkIsReassigned(t *testing.T) {
	is, ctx, e := setupEngineTest(t)

	create(t, e, "Boxes", map[string]any{"Name": "b1"})
	b2 := create(t, e, "Boxes", map[string]any{"Name": "b2"})
	create(t, e, "Widgets", map[string]any{"Id": "w1"})

	is.NoErr(e.CreateLink(ctx, partition, "Widgets", types.SingleKey("w1"), "Box", types.SingleKey("b1")))
	is.NoErr(e.CreateLink(ctx, partition, "Widgets", types.SingleKey("w1"), "Box", types.SingleKey("b2")))

	got, err := e.Retrieve(ctx, partition, "Widgets", types.SingleKey("w1"), url.Values{"$expand": {"Box"}})
	is.NoErr(err)
	is.Equal(got.Record.Links["Box"], b2.ID)
	is.Equal(len(got.Expanded["Box"]), 1)
	is.Equal(got.Expanded["Box"][0].Static["Name"], "b2")
}

func TestOneToOneLinkIsStrippedOnDelete(t *testing.T) {
	is, ctx, e := setupEngineTest(t)

	create(t, e, "Widgets", map[string]any{"Id": "w1"})
	create(t, e, "Labels", map[string]any{"Id": "l1"})
	create(t, e, "Labels", map[string]any{"Id": "l2"})

	is.NoErr(e.CreateLink(ctx, partition, "Labels", types.SingleKey("l1"), "Widget", types.SingleKey("w1")))

	err := e.CreateLink(ctx, partition, "Labels", types.SingleKey("l2"), "Widget", types.SingleKey("w1"))
	is.Equal(odataerrors.Code(err), odataerrors.CodeLinkAlreadyExists) // the widget already has a label

	err = e.DeleteLink(ctx, partition, "Labels", types.SingleKey("l2"), "Widget", types.SingleKey("w1"))
	is.Equal(odataerrors.Code(err), odataerrors.CodeNoSuchAssociation)

	is.NoErr(e.Delete(ctx, partition, "Widgets", types.SingleKey("w1"), ""))

	l1, err := e.Retrieve(ctx, partition, "Labels", types.SingleKey("l1"), url.Values{})
	is.NoErr(err)
	_, linked := l1.Record.Links["Widget"]
	is.True(!linked)
}

func TestCompositeKeysResolveThroughRelatedEntities(t *testing.T) {
	is, ctx, e := setupEngineTest(t)

	b1 := create(t, e, "Boxes", map[string]any{"Name": "b1"})
	create(t, e, "Boxes", map[string]any{"Name": "b2"})

	s1 := create(t, e, "Slots", map[string]any{"Name": "s", "_Box.Name": "b1"})
	is.Equal(s1.Links["Box"], b1.ID)
	create(t, e, "Slots", map[string]any{"Name": "s", "_Box.Name": "b2"})
	create(t, e, "Slots", map[string]any{"Name": "s", "_Box.Name": nil})

	rec, _ := e.Prepare(partition, "Slots", map[string]any{"Name": "s", "_Box.Name": "b1"}, false)
	err := e.Create(ctx, partition, "Slots", rec)
	is.Equal(odataerrors.Code(err), odataerrors.CodeEntityAlreadyExists)

	rec, _ = e.Prepare(partition, "Slots", map[string]any{"Name": "s", "_Box.Name": "b9"}, false)
	err = e.Create(ctx, partition, "Slots", rec)
	is.True(errors.Is(err, odataerrors.ErrValidation)) // b9 does not exist

	got, err := e.Retrieve(ctx, partition, "Slots", types.NamedKey(map[string]any{"Name": "s", "_Box.Name": "b1"}), url.Values{})
	is.NoErr(err)
	is.Equal(got.Record.ID, s1.ID)

	got, err = e.Retrieve(ctx, partition, "Slots", types.NamedKey(map[string]any{"Name": "s", "_Box.Name": nil}), url.Values{})
	is.NoErr(err)
	is.Equal(got.Record.Links["Box"], types.NullLinkKey)

	_, err = e.Retrieve(ctx, partition, "Slots", types.NamedKey(map[string]any{"Name": "s", "_Box.Name": "b9"}), url.Values{})
	is.True(errors.Is(err, odataerrors.ErrNotFound))
}

func TestCompositeKeysResolveThroughChains(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	_, e := newEngineWithSchema(t, chainSchemaYAML, locking.NewManager(locking.NewLocalLocker(), 3, time.Millisecond))

	create(t, e, "Cells", map[string]any{"Name": "c1"})
	create(t, e, "Cells", map[string]any{"Name": "c2"})
	r1 := create(t, e, "Racks", map[string]any{"Name": "r", "_Cell.Name": "c1"})
	create(t, e, "Racks", map[string]any{"Name": "r", "_Cell.Name": "c2"})

	bin := create(t, e, "Bins", map[string]any{"Name": "b", "_Rack.Name": "r", "_Rack._Cell.Name": "c1"})
	is.Equal(bin.Links["Rack"], r1.ID)
	other := create(t, e, "Bins", map[string]any{"Name": "b", "_Rack.Name": "r", "_Rack._Cell.Name": "c2"})

	got, err := e.Retrieve(ctx, partition, "Bins", types.NamedKey(map[string]any{"Name": "b", "_Rack.Name": "r", "_Rack._Cell.Name": "c2"}), url.Values{})
	is.NoErr(err)
	is.Equal(got.Record.ID, other.ID)

	// the cell exists but holds no such rack
	_, err = e.Retrieve(ctx, partition, "Bins", types.NamedKey(map[string]any{"Name": "b", "_Rack.Name": "r9", "_Rack._Cell.Name": "c1"}), url.Values{})
	is.True(errors.Is(err, odataerrors.ErrNotFound))

	// the chain breaks at the cell
	_, err = e.Retrieve(ctx, partition, "Bins", types.NamedKey(map[string]any{"Name": "b", "_Rack.Name": "r", "_Rack._Cell.Name": "c9"}), url.Values{})
	is.True(errors.Is(err, odataerrors.ErrNotFound))

	rec, _ := e.Prepare(partition, "Bins", map[string]any{"Name": "b2", "_Rack.Name": "r", "_Rack._Cell.Name": "c9"}, false)
	err = e.Create(ctx, partition, "Bins", rec)
	is.True(errors.Is(err, odataerrors.ErrValidation))

	rec, _ = e.Prepare(partition, "Bins", map[string]any{"Name": "b", "_Rack.Name": "r", "_Rack._Cell.Name": "c1"}, false)
	err = e.Create(ctx, partition, "Bins", rec)
	is.Equal(odataerrors.Code(err), odataerrors.CodeEntityAlreadyExists)
}

func TestBulkCreateReportsPerItemOutcome(t *testing.T) {
	is, ctx, e := setupEngineTest(t)

	create(t, e, "Widgets", map[string]any{"Id": "w1"})

	items := []*BulkItem{}
	for _, id := range []string{"w1", "w2", "w2", "w3"} {
		rec, err := e.Prepare(partition, "Widgets", map[string]any{"Id": id, "Price": 1}, false)
		is.NoErr(err)
		items = append(items, &BulkItem{Set: "Widgets", Record: rec})
	}
	items = append(items, &BulkItem{Set: "Widgets", Err: odataerrors.NewValidationError(odataerrors.CodeRequestBodyInvalid, "broken")})

	is.NoErr(e.BulkCreate(ctx, partition, items))

	is.Equal(odataerrors.Code(items[0].Err), odataerrors.CodeEntityAlreadyExists)
	is.NoErr(items[1].Err)
	is.Equal(items[1].Record.Version, int64(1))
	is.Equal(odataerrors.Code(items[2].Err), odataerrors.CodeEntityAlreadyExists) // the later duplicate loses
	is.NoErr(items[3].Err)
	is.Equal(odataerrors.Code(items[4].Err), odataerrors.CodeRequestBodyInvalid)

	n, err := e.Count(ctx, partition, "Widgets", url.Values{})
	is.NoErr(err)
	is.Equal(n, uint64(3))
}

func TestBulkCreateRejectsRepeatedUniqueKey(t *testing.T) {
	is, ctx, e := setupEngineTest(t)

	items := []*BulkItem{}
	for _, props := range []map[string]any{
		{"Id": "w1", "Serial": "s1"},
		{"Id": "w2", "Serial": "s1"},
		{"Id": "w3"},
		{"Id": "w4"},
	} {
		rec, err := e.Prepare(partition, "Widgets", props, false)
		is.NoErr(err)
		items = append(items, &BulkItem{Set: "Widgets", Record: rec})
	}

	is.NoErr(e.BulkCreate(ctx, partition, items))

	is.NoErr(items[0].Err)
	is.Equal(odataerrors.Code(items[1].Err), odataerrors.CodeUniqueKeyConflict)
	is.NoErr(items[2].Err) // null unique keys never collide
	is.NoErr(items[3].Err)

	n, err := e.Count(ctx, partition, "Widgets", url.Values{"$filter": {"Serial eq 's1'"}})
	is.NoErr(err)
	is.Equal(n, uint64(1))
}

func TestNavBulkCreateLinksToSource(t *testing.T) {
	is, ctx, e := setupEngineTest(t)

	b1 := create(t, e, "Boxes", map[string]any{"Name": "b1"})
	create(t, e, "Widgets", map[string]any{"Id": "w1"})

	items := []*NavBulkItem{}
	for _, id := range []string{"w2", "w3"} {
		rec, _ := e.Prepare(partition, "Widgets", map[string]any{"Id": id}, false)
		items = append(items, &NavBulkItem{SourceSet: "Boxes", SourceKey: types.SingleKey("b1"), Nav: "Widgets", Record: rec})
	}
	for _, name := range []string{"b2", "b3"} {
		rec, _ := e.Prepare(partition, "Boxes", map[string]any{"Name": name}, false)
		items = append(items, &NavBulkItem{SourceSet: "Widgets", SourceKey: types.SingleKey("w1"), Nav: "Box", Record: rec})
	}
	rec, _ := e.Prepare(partition, "Widgets", map[string]any{"Id": "w4"}, false)
	items = append(items, &NavBulkItem{SourceSet: "Boxes", SourceKey: types.SingleKey("nope"), Nav: "Widgets", Record: rec})

	is.NoErr(e.NavBulkCreate(ctx, partition, items))

	is.NoErr(items[0].Err)
	is.NoErr(items[1].Err)
	is.NoErr(items[2].Err)
	is.Equal(odataerrors.Code(items[3].Err), odataerrors.CodeDuplicatedLinkInRequest)
	is.Equal(odataerrors.Code(items[4].Err), odataerrors.CodeNoSuchEntity)

	related, err := e.ListLinks(ctx, partition, "Boxes", types.SingleKey("b1"), "Widgets")
	is.NoErr(err)
	is.Equal(len(related), 2)
	is.Equal(related[0].Links["Box"], b1.ID)

	w1, _ := e.Retrieve(ctx, partition, "Widgets", types.SingleKey("w1"), url.Values{"$expand": {"Box"}})
	is.Equal(w1.Expanded["Box"][0].Static["Name"], "b2")
}

func TestListAppliesQueryOptions(t *testing.T) {
	is, ctx, e := setupEngineTest(t)

	for i, id := range []string{"w1", "w2", "w3", "w4"} {
		create(t, e, "Widgets", map[string]any{"Id": id, "Price": i * 10})
	}
	create(t, e, "Gadgets", map[string]any{"Id": "g1"})

	result, err := e.List(ctx, partition, "Widgets", url.Values{
		"$filter":      {"Price ge 10"},
		"$orderby":     {"Price desc"},
		"$top":         {"2"},
		"$inlinecount": {"allpages"},
	})
	is.NoErr(err)

	is.Equal(len(result.Results), 2)
	is.Equal(result.Results[0].Record.Static["Id"], "w4")
	is.Equal(result.Results[1].Record.Static["Id"], "w3")
	is.Equal(*result.Count, uint64(3))

	_, err = e.List(ctx, partition, "Widgets", url.Values{"$top": {"10000"}})
	is.True(errors.Is(err, odataerrors.ErrValidation))

	result, err = e.List(ctx, partition, "Labels", url.Values{})
	is.NoErr(err)
	is.Equal(len(result.Results), 0) // nothing of the type was ever written
}

func TestPartitionsDoNotSeeEachOther(t *testing.T) {
	is, ctx, e := setupEngineTest(t)

	create(t, e, "Widgets", map[string]any{"Id": "w1"})

	other := types.Partition{Cell: "c1", Box: "b2", Node: "n1"}
	rec, _ := e.Prepare(other, "Widgets", map[string]any{"Id": "w1"}, false)
	is.NoErr(e.Create(ctx, other, "Widgets", rec))

	n, err := e.Count(ctx, other, "Widgets", url.Values{})
	is.NoErr(err)
	is.Equal(n, uint64(1))
}

func TestMutationFailsWithOverloadWhenLockIsHeld(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	locker := locking.NewLocalLocker()
	_, e := newEngine(t, locking.NewManager(locker, 1, time.Millisecond))

	release, ok, err := locker.TryLock(ctx, DefaultKeys{}.LockName(partition))
	is.NoErr(err)
	is.True(ok)
	defer release()

	rec, _ := e.Prepare(partition, "Widgets", map[string]any{"Id": "w1"}, false)
	err = e.Create(ctx, partition, "Widgets", rec)
	is.True(errors.Is(err, odataerrors.ErrOverload))

	err = e.BulkCreate(ctx, partition, []*BulkItem{{Set: "Widgets", Record: rec}})
	is.True(errors.Is(err, odataerrors.ErrOverload))
}

func TestStoreFailuresCarryTheStoreFailureCode(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	_, e := newEngine(t, failingLocks{})
	rec, _ := e.Prepare(partition, "Widgets", map[string]any{"Id": "w1"}, false)
	err := e.Create(ctx, partition, "Widgets", rec)
	is.Equal(odataerrors.Code(err), odataerrors.CodeStoreFailure)

	is, ctx, e = setupEngineTest(t)
	create(t, e, "Widgets", map[string]any{"Id": "w1"})

	e.accessors = wrappedAccessors{brokenEntities{e.accessors}}
	_, err = e.Retrieve(ctx, partition, "Widgets", types.SingleKey("w1"), url.Values{})
	is.Equal(odataerrors.Code(err), odataerrors.CodeStoreFailure)
}

type failingLocks struct{}

func (failingLocks) Lock(context.Context, string) (func(), error) {
	return nil, fmt.Errorf("lock backend unreachable")
}

type brokenEntities struct {
	AccessorProvider
}

func (brokenEntities) Entities(context.Context, types.Partition) (docstore.Collection, error) {
	return nil, fmt.Errorf("index is closed")
}

func create(t *testing.T, e *Engine, set string, props map[string]any) *types.EntityRecord {
	t.Helper()

	rec, err := e.Prepare(partition, set, props, false)
	if err != nil {
		t.Fatalf("failed to prepare %s: %s", set, err.Error())
	}

	if err = e.Create(context.Background(), partition, set, rec); err != nil {
		t.Fatalf("failed to create %s: %s", set, err.Error())
	}

	return rec
}

func joinCount(t *testing.T, e *Engine, rec *types.EntityRecord) uint64 {
	t.Helper()

	coll, _ := e.accessors.Links(context.Background(), partition)
	n, err := coll.Count(context.Background(), query.All(
		query.Any(query.Term(linkID1, rec.ID), query.Term(linkID2, rec.ID)),
	))
	if err != nil {
		t.Fatalf("failed to count links: %s", err.Error())
	}

	return n
}

func newEngine(t *testing.T, locks Locker, opts ...Option) (docstore.Store, *Engine) {
	t.Helper()
	return newEngineWithSchema(t, schemaYAML, locks, opts...)
}

func newEngineWithSchema(t *testing.T, schemaYAML string, locks Locker, opts ...Option) (docstore.Store, *Engine) {
	t.Helper()
	ctx := context.Background()

	store, err := docstore.Open(ctx, "", docstore.WithAnalyzedRoots(query.FieldStatic, query.FieldDynamic))
	if err != nil {
		t.Fatalf("failed to open store: %s", err.Error())
	}
	t.Cleanup(func() { store.Close() })

	s, err := schema.Load(bytes.NewBufferString(schemaYAML))
	if err != nil {
		t.Fatalf("failed to load schema: %s", err.Error())
	}

	accessors, err := NewStoreAccessors(store)
	if err != nil {
		t.Fatalf("failed to open collections: %s", err.Error())
	}

	tr := query.NewTranslator(query.Limits{
		DefaultTop:       25,
		MaxTop:           1000,
		MaxTopWithExpand: 100,
		MaxSkip:          10000,
		MinDateTime:      -6847804800000,
		MaxDateTime:      253402300799999,
	})

	opts = append([]Option{WithCache(cache.NewLRU(100))}, opts...)

	return store, New(s, tr, accessors, locks, opts...)
}

func setupEngineTest(t *testing.T, opts ...Option) (*is.I, context.Context, *Engine) {
	is := is.New(t)
	_, e := newEngine(t, locking.NewManager(locking.NewLocalLocker(), 3, time.Millisecond), opts...)
	return is, context.Background(), e
}

const schemaYAML string = `
entitySets:
  - name: Widgets
    entityType: Widget
    open: true
    key: [Id]
    properties:
      - {name: Id, type: Edm.String}
      - {name: Price, type: Edm.Int32}
      - {name: Serial, type: Edm.String}
    uniqueKeys:
      - [Serial]
    navigationProperties:
      - {name: Gadgets, target: Gadgets, fromMultiplicity: "*", toMultiplicity: "*", partner: Widgets}
      - {name: Box, target: Boxes, fromMultiplicity: "*", toMultiplicity: "0..1", partner: Widgets}
      - {name: Label, target: Labels, fromMultiplicity: "0..1", toMultiplicity: "0..1", partner: Widget}
  - name: Gadgets
    key: [Id]
    properties:
      - {name: Id, type: Edm.String}
    navigationProperties:
      - {name: Widgets, target: Widgets, fromMultiplicity: "*", toMultiplicity: "*", partner: Gadgets}
  - name: Boxes
    key: [Name]
    properties:
      - {name: Name, type: Edm.String}
    navigationProperties:
      - {name: Widgets, target: Widgets, fromMultiplicity: "0..1", toMultiplicity: "*", partner: Box}
      - {name: Slots, target: Slots, fromMultiplicity: "0..1", toMultiplicity: "*", partner: Box}
  - name: Labels
    key: [Id]
    properties:
      - {name: Id, type: Edm.String}
    navigationProperties:
      - {name: Widget, target: Widgets, fromMultiplicity: "0..1", toMultiplicity: "0..1", partner: Label}
  - name: Slots
    key: [Name, _Box.Name]
    properties:
      - {name: Name, type: Edm.String}
    navigationProperties:
      - {name: Box, target: Boxes, fromMultiplicity: "*", toMultiplicity: "0..1", partner: Slots}
`

const chainSchemaYAML string = `
entitySets:
  - name: Cells
    key: [Name]
    properties:
      - {name: Name, type: Edm.String}
    navigationProperties:
      - {name: Racks, target: Racks, fromMultiplicity: "0..1", toMultiplicity: "*", partner: Cell}
  - name: Racks
    key: [Name, _Cell.Name]
    properties:
      - {name: Name, type: Edm.String}
    navigationProperties:
      - {name: Cell, target: Cells, fromMultiplicity: "*", toMultiplicity: "0..1", partner: Racks}
      - {name: Bins, target: Bins, fromMultiplicity: "0..1", toMultiplicity: "*", partner: Rack}
  - name: Bins
    key: [Name, _Rack.Name, _Rack._Cell.Name]
    properties:
      - {name: Name, type: Edm.String}
    navigationProperties:
      - {name: Rack, target: Racks, fromMultiplicity: "*", toMultiplicity: "0..1", partner: Bins}
`
