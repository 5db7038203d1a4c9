package storage

import (
	"context"
	goerrors "errors"
	"fmt"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"

	"github.com/diwise/odata-broker/internal/pkg/application/query"
	"github.com/diwise/odata-broker/internal/pkg/application/schema"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/docstore"
	"github.com/diwise/odata-broker/pkg/odata/errors"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

// fields of a registry document
const (
	registryKind    string = "k"
	registryName    string = "name"
	registryType    string = "type"
	registryEdmType string = "edm"

	kindEntityType string = "entityType"
	kindProperty   string = "property"
)

func typeID(p types.Partition, entityType string) string {
	return digest(kindEntityType, p.Cell, p.Box, p.Node, entityType)
}

func propertyID(typeID, name string) string {
	return digest(kindProperty, typeID, name)
}

// ensureType registers an entity type within a partition and returns its id
func (e *Engine) ensureType(ctx context.Context, p types.Partition, entityType string) (string, error) {
	id := typeID(p, entityType)
	if _, ok := e.cache.Get(id); ok {
		return id, nil
	}

	coll, err := e.accessors.Types(ctx, p)
	if err != nil {
		return "", storeError(err)
	}

	_, found, err := coll.Get(ctx, id)
	if err != nil {
		return "", storeError(err)
	}

	if !found {
		_, err = coll.Create(ctx, docstore.Document{ID: id, Source: map[string]any{
			query.FieldCell:      p.Cell,
			query.FieldBox:       p.Box,
			query.FieldNode:      p.Node,
			registryKind:         kindEntityType,
			registryName:         entityType,
			query.FieldPublished: e.timestamp(),
		}})
		if err != nil && !goerrors.Is(err, docstore.ErrDocumentExists) {
			return "", storeError(err)
		}

		logging.GetFromContext(ctx).Debug("registered entity type", "partition", p.String(), "type", entityType)
	}

	e.cache.Put(id, entityType)
	return id, nil
}

// lookupType returns the id of an entity type without registering it
func (e *Engine) lookupType(ctx context.Context, p types.Partition, entityType string) (string, bool, error) {
	id := typeID(p, entityType)
	if _, ok := e.cache.Get(id); ok {
		return id, true, nil
	}

	coll, err := e.accessors.Types(ctx, p)
	if err != nil {
		return "", false, storeError(err)
	}

	_, found, err := coll.Get(ctx, id)
	if err != nil || !found {
		return "", false, storeError(err)
	}

	e.cache.Put(id, entityType)
	return id, true, nil
}

// dynamicType returns the type inferred for an ad hoc property when it was first written
func (e *Engine) dynamicType(ctx context.Context, p types.Partition, typeID, name string) (schema.EdmType, bool, error) {
	id := propertyID(typeID, name)
	if edm, ok := e.cache.Get(id); ok {
		return schema.EdmType(edm), true, nil
	}

	coll, err := e.accessors.Types(ctx, p)
	if err != nil {
		return "", false, storeError(err)
	}

	doc, found, err := coll.Get(ctx, id)
	if err != nil || !found {
		return "", false, storeError(err)
	}

	edm := asString(doc.Source[registryEdmType])
	e.cache.Put(id, edm)

	return schema.EdmType(edm), true, nil
}

func inferType(v any) (schema.EdmType, bool) {
	switch v.(type) {
	case string:
		return schema.EdmString, true
	case bool:
		return schema.EdmBoolean, true
	case int, int32, int64, float32, float64:
		return schema.EdmDouble, true
	}
	return "", false
}

// materialize registers the ad hoc properties of records of an open entity set and
// rejects values that contradict a type inferred earlier
func (e *Engine) materialize(ctx context.Context, p types.Partition, typeID string, dynamic map[string]any) error {
	var coll docstore.Collection

	for name, value := range dynamic {
		if value == nil {
			continue
		}

		inferred, ok := inferType(value)
		if !ok {
			return errors.NewValidationError(errors.CodeRequestBodyInvalid, fmt.Sprintf("property %s holds an unsupported value", name))
		}

		registered, found, err := e.dynamicType(ctx, p, typeID, name)
		if err != nil {
			return err
		}

		if found {
			if registered != inferred {
				return errors.NewValidationError(errors.CodeRequestBodyInvalid, fmt.Sprintf("property %s must be of type %s", name, registered))
			}
			continue
		}

		if coll == nil {
			if coll, err = e.accessors.Types(ctx, p); err != nil {
				return storeError(err)
			}
		}

		id := propertyID(typeID, name)
		_, err = coll.Create(ctx, docstore.Document{ID: id, Source: map[string]any{
			query.FieldCell:      p.Cell,
			query.FieldBox:       p.Box,
			query.FieldNode:      p.Node,
			registryKind:         kindProperty,
			registryType:         typeID,
			registryName:         name,
			registryEdmType:      string(inferred),
			query.FieldPublished: e.timestamp(),
		}})
		if err != nil && !goerrors.Is(err, docstore.ErrDocumentExists) {
			return storeError(err)
		}

		e.cache.Put(id, string(inferred))
	}

	return nil
}

// target builds what the translator needs to validate queries against an entity set
func (e *Engine) target(ctx context.Context, p types.Partition, set *schema.EntitySet, typeID string) query.Target {
	t := query.Target{Set: set}

	if set.Open && typeID != "" {
		t.Dynamic = func(name string) (schema.EdmType, bool) {
			edm, found, err := e.dynamicType(ctx, p, typeID, name)
			if err != nil {
				logging.GetFromContext(ctx).Warn("failed to look up dynamic property", "property", name, "err", err.Error())
				return "", false
			}
			return edm, found
		}
	}

	return t
}
