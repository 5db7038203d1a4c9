package storage

import (
	"context"
	goerrors "errors"
	"fmt"
	"net/url"

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

// Result is a retrieved entity together with the related entities requested with $expand
type Result struct {
	Set      *schema.EntitySet
	Record   *types.EntityRecord
	Expanded map[string][]*types.EntityRecord
}

type ListResult struct {
	Results []Result
	// set when $inlinecount=allpages was requested
	Count *uint64
}

type UpdateMode int

const (
	Replace UpdateMode = iota
	Merge
)

// Create stores a new entity. On success rec carries its id, version and timestamps.
func (e *Engine) Create(ctx context.Context, p types.Partition, setName string, rec *types.EntityRecord) (err error) {
	ctx, span := tracer.Start(ctx, "create-entity")
	span.SetAttributes(attribute.String("entityset", setName))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	set, err := e.entitySet(setName)
	if err != nil {
		return err
	}

	release, err := e.lock(ctx, p)
	if err != nil {
		return err
	}
	defer release()

	if err = e.prepareForCreate(ctx, p, set, rec); err != nil {
		return err
	}

	if err = e.checkUnique(ctx, p, set, rec, nil); err != nil {
		return err
	}

	if set.Open {
		if err = e.materialize(ctx, p, rec.TypeID, rec.Dynamic); err != nil {
			return err
		}
	}

	if err = e.hooks.BeforeCreate(ctx, set, rec); err != nil {
		return err
	}

	coll, err := e.accessors.Entities(ctx, p)
	if err != nil {
		return err
	}

	version, err := coll.Create(ctx, toDocument(rec))
	if err != nil {
		if goerrors.Is(err, docstore.ErrDocumentExists) {
			return errors.EntityAlreadyExists(set.Name, keyString(set, rec))
		}
		return storeError(err)
	}

	rec.Version = version
	e.hooks.AfterCreate(ctx, set, rec)

	logging.GetFromContext(ctx).Debug("entity created", "entityset", set.Name, "id", rec.ID)

	return nil
}

// prepareForCreate assigns identity, type and timestamps and binds composite keys. It
// runs under the partition lock.
func (e *Engine) prepareForCreate(ctx context.Context, p types.Partition, set *schema.EntitySet, rec *types.EntityRecord) error {
	typeID, err := e.ensureType(ctx, p, set.EntityType)
	if err != nil {
		return err
	}

	rec.Partition = p
	rec.TypeID = typeID
	rec.TypeName = set.EntityType
	rec.ID = e.keys.NewID()
	rec.Created = e.timestamp()
	rec.Updated = rec.Created
	rec.Version = 0

	for _, k := range set.Key {
		if _, _, isNTKP := schema.SplitNTKP(k); isNTKP {
			if _, ok := rec.Static[k]; !ok {
				rec.Static[k] = nil
			}
		}
	}

	if len(set.Key) == 1 {
		if v, ok := rec.Static[set.Key[0]]; !ok || v == nil {
			if prop, declared := set.Property(set.Key[0]); declared && prop.Type == schema.EdmString {
				rec.Static[set.Key[0]] = rec.ID
			}
		}
	}

	return e.bindCompositeKeys(ctx, p, set, rec)
}

// Retrieve loads a single entity by key, expanding related entities as requested
func (e *Engine) Retrieve(ctx context.Context, p types.Partition, setName string, key types.EntityKey, values url.Values) (result *Result, err error) {
	ctx, span := tracer.Start(ctx, "retrieve-entity")
	span.SetAttributes(attribute.String("entityset", setName))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	set, err := e.entitySet(setName)
	if err != nil {
		return nil, err
	}

	expand, err := e.translator.Expand(query.Target{Set: set}, values.Get("$expand"))
	if err != nil {
		return nil, err
	}

	if len(expand) > e.cfg.MaxExpanded {
		return nil, errors.NewValidationError(errors.CodeQueryParseError, fmt.Sprintf("$expand may name at most %d navigation properties", e.cfg.MaxExpanded))
	}

	rec, err := e.findRecord(ctx, p, set, key)
	if err != nil {
		return nil, err
	}

	result = &Result{Set: set, Record: rec}
	if err = e.expand(ctx, p, set, []*Result{result}, expand); err != nil {
		return nil, err
	}

	return result, nil
}

// List evaluates the system query options against an entity set
func (e *Engine) List(ctx context.Context, p types.Partition, setName string, values url.Values) (result *ListResult, err error) {
	ctx, span := tracer.Start(ctx, "list-entities")
	span.SetAttributes(attribute.String("entityset", setName))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	set, err := e.entitySet(setName)
	if err != nil {
		return nil, err
	}

	typeID, known, err := e.lookupType(ctx, p, set.EntityType)
	if err != nil {
		return nil, err
	}

	opts, err := e.translator.Options(e.target(ctx, p, set, typeID), values)
	if err != nil {
		return nil, err
	}

	if len(opts.Expand) > e.cfg.MaxExpanded {
		return nil, errors.NewValidationError(errors.CodeQueryParseError, fmt.Sprintf("$expand may name at most %d navigation properties", e.cfg.MaxExpanded))
	}

	result = &ListResult{Results: []Result{}}

	if !known {
		// nothing of this type was ever written to the partition
		if opts.InlineCount {
			zero := uint64(0)
			result.Count = &zero
		}
		return result, nil
	}

	coll, err := e.accessors.Entities(ctx, p)
	if err != nil {
		return nil, err
	}

	found, err := coll.Search(ctx, docstore.SearchRequest{
		Query:  withPartition(p, typeID, opts.Filter),
		Size:   opts.Top,
		From:   opts.Skip,
		Sort:   opts.Sort,
		Fields: opts.Fields,
	})
	if err != nil {
		return nil, storeError(err)
	}

	results := make([]*Result, 0, len(found.Documents))
	for _, doc := range found.Documents {
		results = append(results, &Result{Set: set, Record: fromDocument(set, doc)})
	}

	if err = e.expand(ctx, p, set, results, opts.Expand); err != nil {
		return nil, err
	}

	for _, r := range results {
		result.Results = append(result.Results, *r)
	}

	if opts.InlineCount {
		total := found.Total
		result.Count = &total
	}

	return result, nil
}

// Count returns the number of entities of a set matching $filter
func (e *Engine) Count(ctx context.Context, p types.Partition, setName string, values url.Values) (n uint64, err error) {
	ctx, span := tracer.Start(ctx, "count-entities")
	span.SetAttributes(attribute.String("entityset", setName))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	set, err := e.entitySet(setName)
	if err != nil {
		return 0, err
	}

	typeID, known, err := e.lookupType(ctx, p, set.EntityType)
	if err != nil {
		return 0, err
	}

	target := e.target(ctx, p, set, typeID)

	var filter bq.Query
	if f := values.Get("$filter"); f != "" {
		expr, err := query.ParseFilter(f)
		if err != nil {
			return 0, err
		}
		if filter, err = e.translator.Filter(target, expr); err != nil {
			return 0, err
		}
	}

	if !known {
		return 0, nil
	}

	coll, err := e.accessors.Entities(ctx, p)
	if err != nil {
		return 0, err
	}

	n, err = coll.Count(ctx, withPartition(p, typeID, filter))
	return n, storeError(err)
}

func withPartition(p types.Partition, typeID string, filter bq.Query) bq.Query {
	qs := partitionQuery(p, typeID)
	if filter != nil {
		qs = append(qs, filter)
	}
	return query.All(qs...)
}

// Update replaces or merges an existing entity. rec holds the supplied properties and
// carries the stored result afterwards. An empty etag updates unconditionally.
func (e *Engine) Update(ctx context.Context, p types.Partition, setName string, key types.EntityKey, rec *types.EntityRecord, etag string, mode UpdateMode) (err error) {
	ctx, span := tracer.Start(ctx, "update-entity")
	span.SetAttributes(attribute.String("entityset", setName))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	set, err := e.entitySet(setName)
	if err != nil {
		return err
	}

	release, err := e.lock(ctx, p)
	if err != nil {
		return err
	}
	defer release()

	current, err := e.findRecord(ctx, p, set, key)
	if err != nil {
		return err
	}

	expected, err := checkETag(etag, current)
	if err != nil {
		return err
	}

	next := current.Clone()
	next.Updated = e.timestamp()

	if mode == Merge {
		for k, v := range rec.Static {
			next.Static[k] = v
		}
		for k, v := range rec.Dynamic {
			next.Dynamic[k] = v
		}
	} else {
		next.Static = rec.Static
		next.Dynamic = rec.Dynamic

		// a replace that leaves out key components keeps the stored ones
		for _, k := range set.Key {
			if _, ok := next.Static[k]; !ok {
				next.Static[k] = current.Static[k]
			}
		}
	}

	for k, v := range rec.Hidden {
		next.Hidden[k] = v
	}

	if err = e.bindCompositeKeys(ctx, p, set, next); err != nil {
		return err
	}

	if err = e.checkUnique(ctx, p, set, next, current); err != nil {
		return err
	}

	if set.Open {
		if err = e.materialize(ctx, p, next.TypeID, next.Dynamic); err != nil {
			return err
		}
	}

	coll, err := e.accessors.Entities(ctx, p)
	if err != nil {
		return err
	}

	version, err := coll.Put(ctx, toDocument(next), expected)
	if err != nil {
		if goerrors.Is(err, docstore.ErrVersionConflict) {
			return errors.NewPreconditionFailedError(fmt.Sprintf("%s(%s) has been modified", set.Name, key.String()))
		}
		if goerrors.Is(err, docstore.ErrDocumentNotFound) {
			return errors.NoSuchEntity(set.Name, key.String())
		}
		return storeError(err)
	}

	next.Version = version
	*rec = *next

	e.hooks.AfterUpdate(ctx, set, rec)

	return nil
}

// checkETag returns the version a write should be conditioned on
func checkETag(etag string, current *types.EntityRecord) (int64, error) {
	if etag == "" || etag == "*" {
		return 0, nil
	}

	version, ok := types.ParseETag(etag, current.ID)
	if !ok || version != current.Version {
		return 0, errors.NewPreconditionFailedError(fmt.Sprintf("etag %s does not match the current version", etag))
	}

	return version, nil
}

// Delete removes an entity together with its many-to-many links and the references
// held to it by to-one relationships
func (e *Engine) Delete(ctx context.Context, p types.Partition, setName string, key types.EntityKey, etag string) (err error) {
	ctx, span := tracer.Start(ctx, "delete-entity")
	span.SetAttributes(attribute.String("entityset", setName))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	set, err := e.entitySet(setName)
	if err != nil {
		return err
	}

	release, err := e.lock(ctx, p)
	if err != nil {
		return err
	}
	defer release()

	current, err := e.findRecord(ctx, p, set, key)
	if err != nil {
		return err
	}

	expected, err := checkETag(etag, current)
	if err != nil {
		return err
	}

	if err = e.checkNoDependents(ctx, p, set, current); err != nil {
		return err
	}

	if err = e.removeJoinRecords(ctx, p, current); err != nil {
		return err
	}

	if err = e.stripBackReferences(ctx, p, set, current); err != nil {
		return err
	}

	if err = e.hooks.BeforeDelete(ctx, set, current); err != nil {
		return err
	}

	coll, err := e.accessors.Entities(ctx, p)
	if err != nil {
		return err
	}

	err = coll.Delete(ctx, current.ID, expected)
	if err != nil && !goerrors.Is(err, docstore.ErrDocumentNotFound) {
		if goerrors.Is(err, docstore.ErrVersionConflict) {
			return errors.NewPreconditionFailedError(fmt.Sprintf("%s(%s) has been modified", set.Name, key.String()))
		}
		return storeError(err)
	}

	e.hooks.AfterDelete(ctx, set, current)

	return nil
}

// checkNoDependents refuses to delete the single end of a one-to-many relationship
// while records on the many end still point to it
func (e *Engine) checkNoDependents(ctx context.Context, p types.Partition, set *schema.EntitySet, rec *types.EntityRecord) error {
	for _, nav := range set.NavigationProperties {
		if nav.Cardinality() != schema.OneToMany {
			continue
		}

		n, err := e.countHolders(ctx, p, &nav, rec.ID)
		if err != nil {
			return err
		}

		if n > 0 {
			return errors.NewConflictError(errors.CodeHasRelatedObject, fmt.Sprintf("%s(%s) still has related %s", set.Name, keyString(set, rec), nav.Name))
		}
	}

	return nil
}

// countHolders counts the records of the target of nav whose partner link names id
func (e *Engine) countHolders(ctx context.Context, p types.Partition, nav *schema.NavigationProperty, id string) (uint64, error) {
	target, err := e.entitySet(nav.Target)
	if err != nil {
		return 0, err
	}

	typeID, known, err := e.lookupType(ctx, p, target.EntityType)
	if err != nil || !known {
		return 0, err
	}

	coll, err := e.accessors.Entities(ctx, p)
	if err != nil {
		return 0, storeError(err)
	}

	n, err := coll.Count(ctx, withPartition(p, typeID, query.Term(query.LinkField(nav.Partner), id)))
	return n, storeError(err)
}

func (e *Engine) removeJoinRecords(ctx context.Context, p types.Partition, rec *types.EntityRecord) error {
	coll, err := e.accessors.Links(ctx, p)
	if err != nil {
		return err
	}

	for {
		found, err := coll.Search(ctx, docstore.SearchRequest{
			Query: query.All(
				query.Term(query.FieldCell, p.Cell),
				query.Any(query.Term(linkID1, rec.ID), query.Term(linkID2, rec.ID)),
			),
			Size:   1000,
			Fields: []string{linkID1},
		})
		if err != nil {
			return storeError(err)
		}

		if len(found.Documents) == 0 {
			return nil
		}

		ops := make([]docstore.BulkOp, 0, len(found.Documents))
		for _, doc := range found.Documents {
			ops = append(ops, docstore.BulkOp{Action: docstore.BulkDelete, Document: docstore.Document{ID: doc.ID}})
		}

		if _, err := coll.Bulk(ctx, ops); err != nil {
			return storeError(err)
		}
	}
}

// stripBackReferences clears the partner link of every entity that rec holds a
// one-to-one link to
func (e *Engine) stripBackReferences(ctx context.Context, p types.Partition, set *schema.EntitySet, rec *types.EntityRecord) error {
	coll, err := e.accessors.Entities(ctx, p)
	if err != nil {
		return err
	}

	for _, nav := range set.NavigationProperties {
		if nav.Cardinality() != schema.OneToOne {
			continue
		}

		otherID := rec.Links[nav.Name]
		if otherID == "" || otherID == types.NullLinkKey {
			continue
		}

		doc, found, err := coll.Get(ctx, otherID)
		if err != nil {
			return storeError(err)
		}
		if !found {
			continue
		}

		target, err := e.entitySet(nav.Target)
		if err != nil {
			return err
		}

		other := fromDocument(target, doc)
		if other.Links[nav.Partner] != rec.ID {
			continue
		}

		delete(other.Links, nav.Partner)
		other.Updated = e.timestamp()

		if _, err := coll.Put(ctx, toDocument(other), other.Version); err != nil {
			return storeError(err)
		}
	}

	return nil
}

// storeError maps failures of the document store that escaped more specific handling
func storeError(err error) error {
	if err == nil || errors.IsStorageError(err) {
		return err
	}
	return errors.NewInternalError(errors.CodeStoreFailure, "data store failure: "+err.Error())
}
