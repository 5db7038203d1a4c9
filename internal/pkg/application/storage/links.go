package storage

import (
	"context"
	goerrors "errors"
	"fmt"

	bq "github.com/blevesearch/bleve/v2/search/query"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel/attribute"

	"github.com/diwise/odata-broker/internal/pkg/application/query"
	"github.com/diwise/odata-broker/internal/pkg/application/schema"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/docstore"
	"github.com/diwise/odata-broker/pkg/odata/errors"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

// linkPlan collects the writes that establish or remove a relationship, so that they
// can be applied together with other writes
type linkPlan struct {
	entities []docstore.BulkOp
	links    []docstore.BulkOp
	// records whose link maps change, in the order of entities
	updated []*types.EntityRecord
	sets    []*schema.EntitySet
}

func (lp *linkPlan) put(set *schema.EntitySet, rec *types.EntityRecord) {
	lp.entities = append(lp.entities, docstore.BulkOp{
		Action:          docstore.BulkIndex,
		Document:        toDocument(rec),
		ExpectedVersion: rec.Version,
	})
	lp.updated = append(lp.updated, rec)
	lp.sets = append(lp.sets, set)
}

func isLinked(id string) bool {
	return id != "" && id != types.NullLinkKey
}

// CreateLink relates the entity addressed by key to the entity addressed by targetKey
// through the navigation property nav
func (e *Engine) CreateLink(ctx context.Context, p types.Partition, setName string, key types.EntityKey, nav string, targetKey types.EntityKey) (err error) {
	ctx, span := tracer.Start(ctx, "create-link")
	span.SetAttributes(attribute.String("entityset", setName), attribute.String("navigation", nav))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	set, err := e.entitySet(setName)
	if err != nil {
		return err
	}

	navProp, target, err := e.navigation(set, nav)
	if err != nil {
		return err
	}

	release, err := e.lock(ctx, p)
	if err != nil {
		return err
	}
	defer release()

	src, err := e.findRecord(ctx, p, set, key)
	if err != nil {
		return err
	}

	tgt, err := e.findRecord(ctx, p, target, targetKey)
	if err != nil {
		return err
	}

	plan := &linkPlan{}
	if err = e.planLink(ctx, p, set, navProp, target, src, tgt, plan); err != nil {
		return err
	}

	return e.applyPlan(ctx, p, plan)
}

// DeleteLink removes the relationship between two entities
func (e *Engine) DeleteLink(ctx context.Context, p types.Partition, setName string, key types.EntityKey, nav string, targetKey types.EntityKey) (err error) {
	ctx, span := tracer.Start(ctx, "delete-link")
	span.SetAttributes(attribute.String("entityset", setName), attribute.String("navigation", nav))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	set, err := e.entitySet(setName)
	if err != nil {
		return err
	}

	navProp, target, err := e.navigation(set, nav)
	if err != nil {
		return err
	}

	release, err := e.lock(ctx, p)
	if err != nil {
		return err
	}
	defer release()

	src, err := e.findRecord(ctx, p, set, key)
	if err != nil {
		return err
	}

	tgt, err := e.findRecord(ctx, p, target, targetKey)
	if err != nil {
		return err
	}

	plan := &linkPlan{}
	if err = e.planUnlink(ctx, p, set, navProp, target, src, tgt, plan); err != nil {
		return err
	}

	return e.applyPlan(ctx, p, plan)
}

// ListLinks returns the entities related to the entity addressed by key through nav
func (e *Engine) ListLinks(ctx context.Context, p types.Partition, setName string, key types.EntityKey, nav string) (related []*types.EntityRecord, err error) {
	ctx, span := tracer.Start(ctx, "list-links")
	span.SetAttributes(attribute.String("entityset", setName), attribute.String("navigation", nav))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	set, err := e.entitySet(setName)
	if err != nil {
		return nil, err
	}

	navProp, target, err := e.navigation(set, nav)
	if err != nil {
		return nil, err
	}

	src, err := e.findRecord(ctx, p, set, key)
	if err != nil {
		return nil, err
	}

	return e.related(ctx, p, navProp, target, src, e.cfg.MaxLinks)
}

func noAssociation(set *schema.EntitySet, nav string) error {
	return errors.NewNotFoundError(errors.CodeNoSuchAssociation, fmt.Sprintf("no %s association of %s to remove", nav, set.Name))
}

func linkExists(set *schema.EntitySet, nav string) error {
	return errors.NewConflictError(errors.CodeLinkAlreadyExists, fmt.Sprintf("%s of %s is already linked", nav, set.Name))
}

// holder returns which end of a to-one relationship stores the link, under which name,
// and whether an existing link must be left alone rather than reassigned
func holder(nav *schema.NavigationProperty, set, target *schema.EntitySet, src, tgt *types.EntityRecord) (*schema.EntitySet, *types.EntityRecord, string, *types.EntityRecord, bool) {
	if nav.Cardinality() == schema.OneToMany {
		return target, tgt, nav.Partner, src, nav.FromMultiplicity == schema.One
	}
	return set, src, nav.Name, tgt, nav.ToMultiplicity == schema.One
}

func (e *Engine) planLink(ctx context.Context, p types.Partition, set *schema.EntitySet, nav *schema.NavigationProperty, target *schema.EntitySet, src, tgt *types.EntityRecord, plan *linkPlan) error {
	switch nav.Cardinality() {
	case schema.ManyToMany:
		coll, err := e.accessors.Links(ctx, p)
		if err != nil {
			return err
		}

		l := types.NewLinkRecord(p, src.TypeID, src.ID, tgt.TypeID, tgt.ID)
		_, found, err := coll.Get(ctx, l.ID)
		if err != nil {
			return storeError(err)
		}
		if found {
			return linkExists(set, nav.Name)
		}

		if err = e.checkLinkCeiling(ctx, p, src, tgt.TypeID); err != nil {
			return err
		}
		if err = e.checkLinkCeiling(ctx, p, tgt, src.TypeID); err != nil {
			return err
		}

		l.Created = e.timestamp()
		l.Updated = l.Created
		plan.links = append(plan.links, docstore.BulkOp{Action: docstore.BulkCreate, Document: linkDocument(l)})

	case schema.OneToOne:
		if isLinked(src.Links[nav.Name]) || isLinked(tgt.Links[nav.Partner]) {
			return linkExists(set, nav.Name)
		}

		nextSrc, err := e.withLink(ctx, p, set, src, nav.Name, tgt)
		if err != nil {
			return err
		}
		nextTgt, err := e.withLink(ctx, p, target, tgt, nav.Partner, src)
		if err != nil {
			return err
		}

		plan.put(set, nextSrc)
		plan.put(target, nextTgt)

	default:
		holderSet, rec, field, other, strict := holder(nav, set, target, src, tgt)

		if current := rec.Links[field]; isLinked(current) && (strict || current == other.ID) {
			return linkExists(set, nav.Name)
		}

		next, err := e.withLink(ctx, p, holderSet, rec, field, other)
		if err != nil {
			return err
		}

		plan.put(holderSet, next)
	}

	return nil
}

func (e *Engine) planUnlink(ctx context.Context, p types.Partition, set *schema.EntitySet, nav *schema.NavigationProperty, target *schema.EntitySet, src, tgt *types.EntityRecord, plan *linkPlan) error {
	switch nav.Cardinality() {
	case schema.ManyToMany:
		l := types.NewLinkRecord(p, src.TypeID, src.ID, tgt.TypeID, tgt.ID)
		plan.links = append(plan.links, docstore.BulkOp{Action: docstore.BulkDelete, Document: docstore.Document{ID: l.ID}})

	case schema.OneToOne:
		if src.Links[nav.Name] != tgt.ID || tgt.Links[nav.Partner] != src.ID {
			return noAssociation(set, nav.Name)
		}

		nextSrc, err := e.withLink(ctx, p, set, src, nav.Name, nil)
		if err != nil {
			return err
		}
		nextTgt, err := e.withLink(ctx, p, target, tgt, nav.Partner, nil)
		if err != nil {
			return err
		}

		plan.put(set, nextSrc)
		plan.put(target, nextTgt)

	default:
		holderSet, rec, field, other, _ := holder(nav, set, target, src, tgt)
		if rec.Links[field] != other.ID {
			return noAssociation(set, nav.Name)
		}

		next, err := e.withLink(ctx, p, holderSet, rec, field, nil)
		if err != nil {
			return err
		}

		plan.put(holderSet, next)
	}

	return nil
}

// withLink returns a copy of rec whose to-one link field points to other, or is cleared
// when other is nil. Key components that go through the link are refreshed from other
// and checked for collisions with the records already related to it.
func (e *Engine) withLink(ctx context.Context, p types.Partition, set *schema.EntitySet, rec *types.EntityRecord, field string, other *types.EntityRecord) (*types.EntityRecord, error) {
	next := rec.Clone()
	next.Updated = e.timestamp()

	keyed := compositeComponents(set, field)

	if other == nil {
		if len(keyed) > 0 {
			next.Links[field] = types.NullLinkKey
		} else {
			delete(next.Links, field)
		}
	} else {
		next.Links[field] = other.ID
	}

	if len(keyed) == 0 {
		return next, nil
	}

	for _, c := range keyed {
		_, rest, _ := schema.SplitNTKP(c)
		if other == nil {
			next.Static[c] = nil
		} else {
			next.Static[c] = other.Static[rest]
		}
	}

	if err := e.checkUnique(ctx, p, set, next, rec); err != nil {
		return nil, err
	}

	return next, nil
}

// checkLinkCeiling refuses to add another many-to-many link to rec once it has as many
// links to entities of otherType as allowed
func (e *Engine) checkLinkCeiling(ctx context.Context, p types.Partition, rec *types.EntityRecord, otherType string) error {
	if e.cfg.MaxLinks <= 0 {
		return nil
	}

	coll, err := e.accessors.Links(ctx, p)
	if err != nil {
		return err
	}

	n, err := coll.Count(ctx, linksOf(p, rec.ID, otherType))
	if err != nil {
		return storeError(err)
	}

	if n >= uint64(e.cfg.MaxLinks) {
		return errors.NewConflictError(errors.CodeLinkLimitExceeded, fmt.Sprintf("%s may not hold more than %d links", rec.TypeName, e.cfg.MaxLinks))
	}

	return nil
}

// linksOf matches the join records of id whose other end is of otherType
func linksOf(p types.Partition, id, otherType string) bq.Query {
	return query.All(
		query.Term(query.FieldCell, p.Cell),
		query.Term(query.FieldBox, p.Box),
		query.Term(query.FieldNode, p.Node),
		query.Any(
			query.All(query.Term(linkID1, id), query.Term(linkType2, otherType)),
			query.All(query.Term(linkID2, id), query.Term(linkType1, otherType)),
		),
	)
}

func (e *Engine) applyPlan(ctx context.Context, p types.Partition, plan *linkPlan) error {
	if len(plan.entities) > 0 {
		coll, err := e.accessors.Entities(ctx, p)
		if err != nil {
			return err
		}

		results, err := coll.Bulk(ctx, plan.entities)
		if err != nil {
			return storeError(err)
		}

		for i, r := range results {
			if r.Err != nil {
				return storeError(r.Err)
			}
			plan.updated[i].Version = r.Version
		}

		for i, rec := range plan.updated {
			e.hooks.AfterUpdate(ctx, plan.sets[i], rec)
		}
	}

	if len(plan.links) > 0 {
		coll, err := e.accessors.Links(ctx, p)
		if err != nil {
			return err
		}

		results, err := coll.Bulk(ctx, plan.links)
		if err != nil {
			return storeError(err)
		}

		for _, r := range results {
			switch {
			case r.Err == nil:
			case goerrors.Is(r.Err, docstore.ErrDocumentExists):
				return errors.NewConflictError(errors.CodeLinkAlreadyExists, "the link already exists")
			case goerrors.Is(r.Err, docstore.ErrDocumentNotFound):
				return errors.NewNotFoundError(errors.CodeNoSuchAssociation, "the link does not exist")
			default:
				return storeError(r.Err)
			}
		}
	}

	logging.GetFromContext(ctx).Debug("links updated", "entities", len(plan.entities), "links", len(plan.links))

	return nil
}

// related loads at most limit entities of target that rec is related to through nav
func (e *Engine) related(ctx context.Context, p types.Partition, nav *schema.NavigationProperty, target *schema.EntitySet, rec *types.EntityRecord, limit int) ([]*types.EntityRecord, error) {
	entities, err := e.accessors.Entities(ctx, p)
	if err != nil {
		return nil, err
	}

	related := []*types.EntityRecord{}

	switch nav.Cardinality() {
	case schema.ManyToMany:
		typeID, known, err := e.lookupType(ctx, p, target.EntityType)
		if err != nil || !known {
			return related, err
		}

		links, err := e.accessors.Links(ctx, p)
		if err != nil {
			return nil, err
		}

		found, err := links.Search(ctx, docstore.SearchRequest{Query: linksOf(p, rec.ID, typeID), Size: limit})
		if err != nil {
			return nil, storeError(err)
		}

		ids := make([]string, 0, len(found.Documents))
		for _, doc := range found.Documents {
			_, other := linkFromDocument(doc).Other(rec.ID)
			ids = append(ids, other)
		}

		docs, err := entities.MultiGet(ctx, ids)
		if err != nil {
			return nil, storeError(err)
		}

		for _, id := range ids {
			if doc, ok := docs[id]; ok {
				related = append(related, fromDocument(target, doc))
			}
		}

	case schema.OneToMany:
		typeID, known, err := e.lookupType(ctx, p, target.EntityType)
		if err != nil || !known {
			return related, err
		}

		found, err := entities.Search(ctx, docstore.SearchRequest{
			Query: withPartition(p, typeID, query.Term(query.LinkField(nav.Partner), rec.ID)),
			Size:  limit,
		})
		if err != nil {
			return nil, storeError(err)
		}

		for _, doc := range found.Documents {
			related = append(related, fromDocument(target, doc))
		}

	default:
		id := rec.Links[nav.Name]
		if !isLinked(id) {
			return related, nil
		}

		doc, found, err := entities.Get(ctx, id)
		if err != nil {
			return nil, storeError(err)
		}
		if found {
			related = append(related, fromDocument(target, doc))
		}
	}

	return related, nil
}
