package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	bq "github.com/blevesearch/bleve/v2/search/query"

	"github.com/diwise/odata-broker/internal/pkg/application/query"
	"github.com/diwise/odata-broker/internal/pkg/application/schema"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/docstore"
	"github.com/diwise/odata-broker/pkg/odata/errors"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

// naturalKey is a key with every composite component replaced by the internal id of
// the entity it names, ready to be matched against stored documents
type naturalKey struct {
	typeID string
	plain  map[string]any
	links  map[string]string
}

func partitionQuery(p types.Partition, typeID string) []bq.Query {
	return []bq.Query{
		query.Term(query.FieldCell, p.Cell),
		query.Term(query.FieldBox, p.Box),
		query.Term(query.FieldNode, p.Node),
		query.Term(query.FieldType, typeID),
	}
}

func (k naturalKey) query(p types.Partition) bq.Query {
	qs := partitionQuery(p, k.typeID)

	for _, name := range sortedKeys(k.plain) {
		qs = append(qs, query.Equals(query.StaticField(name), k.plain[name]))
	}

	for _, nav := range sortedKeys(k.links) {
		qs = append(qs, query.Term(query.LinkField(nav), k.links[nav]))
	}

	return query.All(qs...)
}

// signature identifies the key within a partition regardless of how its values were typed
func (k naturalKey) signature() string {
	var sb strings.Builder
	sb.WriteString(k.typeID)

	for _, name := range sortedKeys(k.plain) {
		sb.WriteString("|" + name + "=" + canonical(k.plain[name]))
	}
	for _, nav := range sortedKeys(k.links) {
		sb.WriteString("|_" + nav + "=" + k.links[nav])
	}

	return sb.String()
}

func canonical(v any) string {
	if f, ok := number(v); ok {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return types.FormatLiteral(v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// splitComponents separates plain key components from composite ones, grouping the
// latter by the navigation property they go through
func splitComponents(components []string) ([]string, map[string][]string) {
	plain := []string{}
	composite := map[string][]string{}

	for _, c := range components {
		if nav, _, ok := schema.SplitNTKP(c); ok {
			composite[nav] = append(composite[nav], c)
			continue
		}
		plain = append(plain, c)
	}

	return plain, composite
}

// recordKey builds the natural key of rec over the given components. Composite
// components must already be bound into the link map of rec.
func recordKey(typeID string, rec *types.EntityRecord, components []string) naturalKey {
	plain, composite := splitComponents(components)

	k := naturalKey{typeID: typeID, plain: map[string]any{}, links: map[string]string{}}
	for _, c := range plain {
		k.plain[c] = rec.Static[c]
	}
	for nav := range composite {
		k.links[nav] = rec.Links[nav]
	}

	return k
}

// documentKey rebuilds the natural key of a stored entity document
func documentKey(typeID string, doc docstore.Document, components []string) naturalKey {
	plain, composite := splitComponents(components)

	static, _ := doc.Source[query.FieldStatic].(map[string]any)
	links, _ := doc.Source[query.FieldLinks].(map[string]any)

	k := naturalKey{typeID: typeID, plain: map[string]any{}, links: map[string]string{}}
	for _, c := range plain {
		k.plain[c] = static[c]
	}
	for nav := range composite {
		k.links[nav] = asString(links[nav])
	}

	return k
}

// resolveKey resolves the key values of set into a natural key. found is false when a
// composite component names an entity that does not exist, which is not an error.
func (e *Engine) resolveKey(ctx context.Context, p types.Partition, set *schema.EntitySet, typeID string, values map[string]any) (naturalKey, bool, error) {
	plain, composite := splitComponents(sortedKeys(values))

	k := naturalKey{typeID: typeID, plain: map[string]any{}, links: map[string]string{}}
	for _, c := range plain {
		k.plain[c] = values[c]
	}

	for nav, components := range composite {
		id, found, err := e.resolveComposite(ctx, p, set, nav, components, values)
		if err != nil || !found {
			return naturalKey{}, false, err
		}
		k.links[nav] = id
	}

	return k, true, nil
}

// resolveComposite follows one navigation property of a composite key. An all null
// group resolves to the null marker, chained components recurse into the target.
func (e *Engine) resolveComposite(ctx context.Context, p types.Partition, set *schema.EntitySet, nav string, components []string, values map[string]any) (string, bool, error) {
	navProp, target, err := e.navigation(set, nav)
	if err != nil {
		return "", false, err
	}

	sub := map[string]any{}
	nulls := 0
	for _, c := range components {
		_, rest, _ := schema.SplitNTKP(c)
		sub[rest] = values[c]
		if values[c] == nil {
			nulls++
		}
	}

	if nulls == len(components) {
		if navProp.ToMultiplicity == schema.One {
			return "", false, nil
		}
		return types.NullLinkKey, true, nil
	}

	if nulls > 0 {
		return "", false, nil
	}

	return e.findID(ctx, p, target, sub)
}

// findID looks up the internal id of the entity of set named by its key values
func (e *Engine) findID(ctx context.Context, p types.Partition, set *schema.EntitySet, values map[string]any) (string, bool, error) {
	doc, found, err := e.findDocument(ctx, p, set, values, []string{query.FieldType})
	if err != nil || !found {
		return "", false, err
	}
	return doc.ID, true, nil
}

func (e *Engine) findDocument(ctx context.Context, p types.Partition, set *schema.EntitySet, values map[string]any, fields []string) (docstore.Document, bool, error) {
	typeID, found, err := e.lookupType(ctx, p, set.EntityType)
	if err != nil || !found {
		return docstore.Document{}, false, err
	}

	key, found, err := e.resolveKey(ctx, p, set, typeID, values)
	if err != nil || !found {
		return docstore.Document{}, false, err
	}

	coll, err := e.accessors.Entities(ctx, p)
	if err != nil {
		return docstore.Document{}, false, storeError(err)
	}

	result, err := coll.Search(ctx, docstore.SearchRequest{Query: key.query(p), Size: 1, Fields: fields})
	if err != nil {
		return docstore.Document{}, false, storeError(err)
	}

	if len(result.Documents) == 0 {
		return docstore.Document{}, false, nil
	}

	return result.Documents[0], true, nil
}

// findRecord loads the entity of set addressed by key
func (e *Engine) findRecord(ctx context.Context, p types.Partition, set *schema.EntitySet, key types.EntityKey) (*types.EntityRecord, error) {
	values, err := key.Normalize(set.Key)
	if err != nil {
		return nil, errors.NewValidationError(errors.CodeInvalidKey, fmt.Sprintf("invalid key for %s: %s", set.Name, err.Error()))
	}

	doc, found, err := e.findDocument(ctx, p, set, values, nil)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, errors.NoSuchEntity(set.Name, key.String())
	}

	return fromDocument(set, doc), nil
}

// bindCompositeKeys resolves every composite component of the key and unique keys of
// rec into its link map
func (e *Engine) bindCompositeKeys(ctx context.Context, p types.Partition, set *schema.EntitySet, rec *types.EntityRecord) error {
	components := append([]string{}, set.Key...)
	for _, uk := range set.UniqueKeys {
		components = append(components, uk...)
	}

	_, composite := splitComponents(components)

	for _, nav := range sortedKeys(composite) {
		seen := map[string]bool{}
		group := []string{}
		for _, c := range composite[nav] {
			if !seen[c] {
				seen[c] = true
				group = append(group, c)
			}
		}

		id, found, err := e.resolveComposite(ctx, p, set, nav, group, rec.Static)
		if err != nil {
			return err
		}

		if !found {
			return bodyError(fmt.Sprintf("%s does not name an existing %s", strings.Join(group, ","), nav))
		}

		rec.Links[nav] = id
	}

	return nil
}

func keyString(set *schema.EntitySet, rec *types.EntityRecord) string {
	return types.KeyFromValues(set.Key, rec.Static).String()
}

func changed(components []string, before, after *types.EntityRecord) bool {
	if before == nil {
		return true
	}

	for _, c := range components {
		if canonical(before.Static[c]) != canonical(after.Static[c]) {
			return true
		}
		if nav, _, ok := schema.SplitNTKP(c); ok && before.Links[nav] != after.Links[nav] {
			return true
		}
	}

	return false
}

// checkUnique enforces the primary key and every declared unique key of rec. previous is
// the stored version of the record on update, and nil on create. Only changed keys are
// checked again, and unique keys with a null component do not take part.
func (e *Engine) checkUnique(ctx context.Context, p types.Partition, set *schema.EntitySet, rec, previous *types.EntityRecord) error {
	coll, err := e.accessors.Entities(ctx, p)
	if err != nil {
		return storeError(err)
	}

	count := func(k naturalKey) (uint64, error) {
		q := k.query(p)
		if previous != nil {
			q = query.Except(q, previous.ID)
		}
		return coll.Count(ctx, q)
	}

	if changed(set.Key, previous, rec) {
		n, err := count(recordKey(rec.TypeID, rec, set.Key))
		if err != nil {
			return storeError(err)
		}
		if n > 0 {
			return errors.EntityAlreadyExists(set.Name, keyString(set, rec))
		}
	}

	for _, uk := range set.UniqueKeys {
		if !changed(uk, previous, rec) || hasNull(uk, rec) {
			continue
		}

		n, err := count(recordKey(rec.TypeID, rec, uk))
		if err != nil {
			return storeError(err)
		}
		if n > 0 {
			return errors.NewConflictError(errors.CodeUniqueKeyConflict, fmt.Sprintf("another %s already uses %s", set.EntityType, strings.Join(uk, ",")))
		}
	}

	return nil
}

func hasNull(components []string, rec *types.EntityRecord) bool {
	for _, c := range components {
		if nav, _, ok := schema.SplitNTKP(c); ok {
			if rec.Links[nav] == types.NullLinkKey {
				return true
			}
			continue
		}
		if rec.Static[c] == nil {
			return true
		}
	}
	return false
}
