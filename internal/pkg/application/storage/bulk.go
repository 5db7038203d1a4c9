package storage

import (
	"context"
	goerrors "errors"
	"fmt"
	"strings"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel/attribute"

	bq "github.com/blevesearch/bleve/v2/search/query"

	"github.com/diwise/odata-broker/internal/pkg/application/query"
	"github.com/diwise/odata-broker/internal/pkg/application/schema"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/docstore"
	"github.com/diwise/odata-broker/pkg/odata/errors"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

// BulkItem is one entity of a bulk create. A non nil Err on input means the item
// failed before it got here and is skipped. After the call Err holds the outcome for
// the item, and on success Record carries id, version and timestamps.
type BulkItem struct {
	Set    string
	Record *types.EntityRecord
	Err    error

	set *schema.EntitySet
	key naturalKey
}

// NavBulkItem is an entity created through a navigation property of an existing source
// entity, and related to it once created
type NavBulkItem struct {
	SourceSet string
	SourceKey types.EntityKey
	Nav       string
	Record    *types.EntityRecord
	Err       error

	source *types.EntityRecord
	nav    *schema.NavigationProperty
	item   *BulkItem
}

func pending[T any](items []*T, failed func(*T) bool) []*T {
	result := make([]*T, 0, len(items))
	for _, i := range items {
		if !failed(i) {
			result = append(result, i)
		}
	}
	return result
}

func bulkFailed(i *BulkItem) bool { return i.Err != nil }

// BulkCreate creates many entities under one lock acquisition with a single existence
// query and a single write. The returned error is set only when nothing could be
// attempted, item outcomes are reported on the items.
func (e *Engine) BulkCreate(ctx context.Context, p types.Partition, items []*BulkItem) (err error) {
	ctx, span := tracer.Start(ctx, "bulk-create")
	span.SetAttributes(attribute.Int("items", len(items)))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	release, err := e.lock(ctx, p)
	if err != nil {
		return err
	}
	defer release()

	e.prepareBulk(ctx, p, items)
	e.writeBulk(ctx, p, items)

	return nil
}

func (e *Engine) prepareBulk(ctx context.Context, p types.Partition, items []*BulkItem) {
	for _, item := range pending(items, bulkFailed) {
		set, err := e.entitySet(item.Set)
		if err != nil {
			item.Err = err
			continue
		}

		if err = e.prepareForCreate(ctx, p, set, item.Record); err != nil {
			item.Err = err
			continue
		}

		item.set = set
		item.key = recordKey(item.Record.TypeID, item.Record, set.Key)
	}
}

// writeBulk stores every prepared item that does not collide with a stored entity or an
// earlier item
func (e *Engine) writeBulk(ctx context.Context, p types.Partition, items []*BulkItem) {
	log := logging.GetFromContext(ctx)

	seen := map[string]bool{}
	for _, item := range pending(items, bulkFailed) {
		sig := item.key.signature()
		if seen[sig] {
			item.Err = errors.EntityAlreadyExists(item.set.Name, keyString(item.set, item.Record))
			continue
		}
		seen[sig] = true
	}

	if err := e.markExisting(ctx, p, pending(items, bulkFailed)); err != nil {
		failAll(pending(items, bulkFailed), err)
		return
	}

	claimed := map[string]bool{}
	for _, item := range pending(items, bulkFailed) {
		if len(item.set.UniqueKeys) > 0 {
			if err := e.checkUnique(ctx, p, item.set, item.Record, nil); err != nil {
				item.Err = err
				continue
			}
			if err := uniqueKeysTaken(claimed, item); err != nil {
				item.Err = err
				continue
			}
		}

		if item.set.Open {
			if err := e.materialize(ctx, p, item.Record.TypeID, item.Record.Dynamic); err != nil {
				item.Err = err
				continue
			}
		}

		claimUniqueKeys(claimed, item)
	}

	participants := pending(items, bulkFailed)
	if len(participants) == 0 {
		return
	}

	if err := e.hooks.BeforeBulkCreate(ctx, participants); err != nil {
		failAll(participants, err)
		return
	}

	// the hook may have failed single items
	participants = pending(participants, bulkFailed)

	coll, err := e.accessors.Entities(ctx, p)
	if err != nil {
		failAll(participants, err)
		return
	}

	ops := make([]docstore.BulkOp, 0, len(participants))
	for _, item := range participants {
		ops = append(ops, docstore.BulkOp{Action: docstore.BulkCreate, Document: toDocument(item.Record)})
	}

	results, err := coll.Bulk(ctx, ops)
	if err != nil {
		log.Error("bulk write failed", "items", len(ops), "err", err.Error())
		failAll(participants, errors.NewInternalError(errors.CodeStoreFailure, "data store failure: "+err.Error()))
		return
	}

	byID := make(map[string]*BulkItem, len(participants))
	for _, item := range participants {
		byID[item.Record.ID] = item
	}

	for _, r := range results {
		item, ok := byID[r.ID]
		if !ok {
			continue
		}

		switch {
		case r.Err == nil:
			item.Record.Version = r.Version
			e.hooks.AfterCreate(ctx, item.set, item.Record)
		case goerrors.Is(r.Err, docstore.ErrDocumentExists):
			item.Err = errors.EntityAlreadyExists(item.set.Name, keyString(item.set, item.Record))
		default:
			item.Err = storeError(r.Err)
		}
	}

	log.Debug("bulk create done", "items", len(items), "written", len(participants))
}

// uniqueKeysTaken fails an item whose unique key values were already used by an
// earlier item of the same request
func uniqueKeysTaken(claimed map[string]bool, item *BulkItem) error {
	for _, uk := range item.set.UniqueKeys {
		if hasNull(uk, item.Record) {
			continue
		}
		if claimed[recordKey(item.Record.TypeID, item.Record, uk).signature()] {
			return errors.NewConflictError(errors.CodeUniqueKeyConflict, fmt.Sprintf("another %s in the request already uses %s", item.set.EntityType, strings.Join(uk, ",")))
		}
	}
	return nil
}

func claimUniqueKeys(claimed map[string]bool, item *BulkItem) {
	for _, uk := range item.set.UniqueKeys {
		if !hasNull(uk, item.Record) {
			claimed[recordKey(item.Record.TypeID, item.Record, uk).signature()] = true
		}
	}
}

func failAll(items []*BulkItem, err error) {
	for _, item := range items {
		item.Err = err
	}
}

// markExisting runs one combined query for the keys of all items and fails the items
// whose key is already taken
func (e *Engine) markExisting(ctx context.Context, p types.Partition, items []*BulkItem) error {
	if len(items) == 0 {
		return nil
	}

	coll, err := e.accessors.Entities(ctx, p)
	if err != nil {
		return err
	}

	clauses := make([]bq.Query, 0, len(items))
	bySignature := make(map[string]*BulkItem, len(items))
	components := map[string][]string{}

	for _, item := range items {
		clauses = append(clauses, item.key.query(p))
		bySignature[item.key.signature()] = item
		components[item.Record.TypeID] = item.set.Key
	}

	found, err := coll.Search(ctx, docstore.SearchRequest{
		Query:  query.Any(clauses...),
		Size:   len(items),
		Fields: []string{query.FieldType, query.FieldStatic, query.FieldLinks},
	})
	if err != nil {
		return storeError(err)
	}

	for _, doc := range found.Documents {
		typeID := asString(doc.Source[query.FieldType])
		keys, ok := components[typeID]
		if !ok {
			continue
		}

		if item, ok := bySignature[documentKey(typeID, doc, keys).signature()]; ok {
			item.Err = errors.EntityAlreadyExists(item.set.Name, keyString(item.set, item.Record))
		}
	}

	return nil
}

func navFailed(i *NavBulkItem) bool { return i.Err != nil }

// NavBulkCreate creates entities through navigation properties of existing entities and
// links each of them to its source. Sources are resolved with one combined query and all
// link changes are written together once the entities are stored.
func (e *Engine) NavBulkCreate(ctx context.Context, p types.Partition, items []*NavBulkItem) (err error) {
	ctx, span := tracer.Start(ctx, "nav-bulk-create")
	span.SetAttributes(attribute.Int("items", len(items)))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	release, err := e.lock(ctx, p)
	if err != nil {
		return err
	}
	defer release()

	e.resolveSources(ctx, p, items)

	claimed := map[string]bool{}
	added := map[string]uint64{}

	for _, item := range pending(items, navFailed) {
		set, _ := e.schema.EntitySet(item.SourceSet)
		nav, target, err := e.navigation(set, item.Nav)
		if err != nil {
			item.Err = err
			continue
		}
		item.nav = nav

		if err = e.checkNavTarget(ctx, p, set, item, claimed, added); err != nil {
			item.Err = err
			continue
		}

		// key components reached through the partner come from the source
		for _, c := range compositeComponents(target, nav.Partner) {
			_, rest, _ := schema.SplitNTKP(c)
			if item.Record.Static[c] == nil {
				item.Record.Static[c] = item.source.Static[rest]
			}
		}

		item.item = &BulkItem{Set: target.Name, Record: item.Record}
	}

	bulk := []*BulkItem{}
	for _, item := range pending(items, navFailed) {
		bulk = append(bulk, item.item)
	}

	e.prepareBulk(ctx, p, bulk)

	for _, item := range pending(items, navFailed) {
		if item.item.Err != nil {
			continue
		}
		switch item.nav.Cardinality() {
		case schema.OneToMany, schema.OneToOne:
			item.Record.Links[item.nav.Partner] = item.source.ID
		}
	}

	e.writeBulk(ctx, p, bulk)

	plan := &linkPlan{}
	linked := []*NavBulkItem{}

	for _, item := range pending(items, navFailed) {
		if item.item.Err != nil {
			item.Err = item.item.Err
			continue
		}

		switch item.nav.Cardinality() {
		case schema.ManyToMany:
			l := types.NewLinkRecord(p, item.source.TypeID, item.source.ID, item.Record.TypeID, item.Record.ID)
			l.Created = e.timestamp()
			l.Updated = l.Created
			plan.links = append(plan.links, docstore.BulkOp{Action: docstore.BulkCreate, Document: linkDocument(l)})
		case schema.ManyToOne, schema.OneToOne:
			set, _ := e.schema.EntitySet(item.SourceSet)
			next, err := e.withLink(ctx, p, set, item.source, item.nav.Name, item.Record)
			if err != nil {
				item.Err = err
				continue
			}
			plan.put(set, next)
		}

		linked = append(linked, item)
	}

	if err := e.applyPlan(ctx, p, plan); err != nil {
		logging.GetFromContext(ctx).Error("failed to link created entities", "err", err.Error())
		for _, item := range linked {
			if item.nav.Cardinality() != schema.OneToMany {
				item.Err = err
			}
		}
	}

	return nil
}

// resolveSources loads the source entity of every item with one combined query
func (e *Engine) resolveSources(ctx context.Context, p types.Partition, items []*NavBulkItem) {
	keys := map[*NavBulkItem]naturalKey{}
	queried := map[string]bool{}
	clauses := []bq.Query{}
	sets := map[string]*schema.EntitySet{}

	for _, item := range pending(items, navFailed) {
		set, err := e.entitySet(item.SourceSet)
		if err != nil {
			item.Err = err
			continue
		}

		values, err := item.SourceKey.Normalize(set.Key)
		if err != nil {
			item.Err = errors.NewValidationError(errors.CodeInvalidKey, "invalid key for "+set.Name+": "+err.Error())
			continue
		}

		typeID, known, err := e.lookupType(ctx, p, set.EntityType)
		if err != nil {
			item.Err = err
			continue
		}

		var key naturalKey
		found := false
		if known {
			if key, found, err = e.resolveKey(ctx, p, set, typeID, values); err != nil {
				item.Err = err
				continue
			}
		}

		if !found {
			item.Err = errors.NoSuchEntity(set.Name, item.SourceKey.String())
			continue
		}

		if sig := key.signature(); !queried[sig] {
			queried[sig] = true
			clauses = append(clauses, key.query(p))
		}
		keys[item] = key
		sets[typeID] = set
	}

	if len(clauses) == 0 {
		return
	}

	sources := map[string]*types.EntityRecord{}

	err := func() error {
		coll, err := e.accessors.Entities(ctx, p)
		if err != nil {
			return err
		}

		found, err := coll.Search(ctx, docstore.SearchRequest{Query: query.Any(clauses...), Size: len(clauses)})
		if err != nil {
			return storeError(err)
		}

		for _, doc := range found.Documents {
			typeID := asString(doc.Source[query.FieldType])
			set, ok := sets[typeID]
			if !ok {
				continue
			}
			sources[documentKey(typeID, doc, set.Key).signature()] = fromDocument(set, doc)
		}

		return nil
	}()

	for _, item := range pending(items, navFailed) {
		if err != nil {
			item.Err = err
			continue
		}

		if src, ok := sources[keys[item].signature()]; ok {
			item.source = src
		} else {
			item.Err = errors.NoSuchEntity(item.SourceSet, item.SourceKey.String())
		}
	}
}

// checkNavTarget refuses single valued links that are already taken, either in the store
// or by an earlier item of the same request, and many-to-many links beyond the ceiling
func (e *Engine) checkNavTarget(ctx context.Context, p types.Partition, set *schema.EntitySet, item *NavBulkItem, claimed map[string]bool, added map[string]uint64) error {
	nav := item.nav
	src := item.source

	switch nav.Cardinality() {
	case schema.ManyToMany:
		if e.cfg.MaxLinks <= 0 {
			return nil
		}

		target, _ := e.schema.EntitySet(nav.Target)
		targetType, _, err := e.lookupType(ctx, p, target.EntityType)
		if err != nil {
			return err
		}

		var existing uint64
		if targetType != "" {
			coll, err := e.accessors.Links(ctx, p)
			if err != nil {
				return err
			}
			if existing, err = coll.Count(ctx, linksOf(p, src.ID, targetType)); err != nil {
				return storeError(err)
			}
		}

		claim := src.ID + "|" + nav.Name
		if existing+added[claim] >= uint64(e.cfg.MaxLinks) {
			return errors.NewConflictError(errors.CodeLinkLimitExceeded, "too many links for "+set.Name+"/"+nav.Name)
		}
		added[claim]++

	case schema.ManyToOne, schema.OneToOne:
		strict := nav.Cardinality() == schema.OneToOne || nav.ToMultiplicity == schema.One
		if strict && isLinked(src.Links[nav.Name]) {
			return linkExists(set, nav.Name)
		}

		claim := src.ID + "|" + nav.Name
		if claimed[claim] {
			return errors.NewConflictError(errors.CodeDuplicatedLinkInRequest, nav.Name+" of "+set.Name+" is linked more than once in this request")
		}
		claimed[claim] = true
	}

	return nil
}

// compositeComponents lists the key and unique key components of set that go through nav
func compositeComponents(set *schema.EntitySet, nav string) []string {
	if nav == "" {
		return nil
	}

	components := append([]string{}, set.Key...)
	for _, uk := range set.UniqueKeys {
		components = append(components, uk...)
	}

	_, composite := splitComponents(components)
	return composite[nav]
}
