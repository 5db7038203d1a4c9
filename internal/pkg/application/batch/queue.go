package batch

import (
	"fmt"
	"net/http"

	"github.com/diwise/odata-broker/internal/pkg/application/storage"
	"github.com/diwise/odata-broker/pkg/odata/errors"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

// queueCreate prepares a POST to an entity set and holds it back, so that consecutive
// creates are written with a single bulk request. Navigation creates held back before it
// are written first.
func (r *run) queueCreate(i int, part *Part) error {
	if len(r.navCreates) > 0 {
		if err := r.flushNavCreates(); err != nil {
			return err
		}
	}

	set, err := r.entitySet(part.Resource.Set)
	if err != nil {
		return r.fail(i, err)
	}

	if part.Resource.HasKey() || part.Resource.Count {
		return r.fail(i, errors.NewValidationError(errors.CodeInvalidKey, "entities are created by posting to an entity set"))
	}

	props, err := r.e.serializer.ParseEntity(part.Body)
	if err != nil {
		return r.fail(i, err)
	}

	rec, err := r.e.storage.Prepare(r.req.Partition, set.Name, props, false)
	if err != nil {
		return r.fail(i, err)
	}

	if k, ok := keyOf(set.Name, set.Key, rec); ok {
		if r.keys[k] {
			return r.fail(i, errors.EntityAlreadyExists(set.Name, types.KeyFromValues(set.Key, rec.Static).String()))
		}
		r.keys[k] = true
	}

	r.creates = append(r.creates, &pendingCreate{
		index: i,
		item:  &storage.BulkItem{Set: set.Name, Record: rec},
		set:   set,
	})

	return nil
}

func (r *run) queueNavCreate(i int, part *Part) error {
	res := part.Resource

	set, err := r.entitySet(res.Set)
	if err != nil {
		return r.fail(i, err)
	}

	nav, ok := set.NavigationProperty(res.Nav)
	if !ok {
		return r.fail(i, errors.NewNotFoundError(errors.CodeNoSuchNavigationProperty, fmt.Sprintf("%s has no navigation property %s", set.Name, res.Nav)))
	}

	target, err := r.entitySet(nav.Target)
	if err != nil {
		return r.fail(i, err)
	}

	props, err := r.e.serializer.ParseEntity(part.Body)
	if err != nil {
		return r.fail(i, err)
	}

	rec, err := r.e.storage.Prepare(r.req.Partition, target.Name, props, false)
	if err != nil {
		return r.fail(i, err)
	}

	r.navCreates = append(r.navCreates, &pendingNavCreate{
		index: i,
		item: &storage.NavBulkItem{
			SourceSet: set.Name,
			SourceKey: res.Key,
			Nav:       res.Nav,
			Record:    rec,
		},
		target: target,
	})

	return nil
}

// keyOf identifies a record by its key values within a batch. Records whose key is
// assigned by the store can not collide and report false.
func keyOf(set string, keyProperties []string, rec *types.EntityRecord) (string, bool) {
	for _, k := range keyProperties {
		if v, ok := rec.Static[k]; !ok || v == nil {
			return "", false
		}
	}
	return set + "(" + types.KeyFromValues(keyProperties, rec.Static).String() + ")", true
}

// flush writes everything held back. At most one of the queues is filled at any time.
func (r *run) flush() error {
	if err := r.flushCreates(); err != nil {
		return err
	}
	return r.flushNavCreates()
}

func (r *run) flushCreates() error {
	queued := r.creates
	r.creates = nil
	r.keys = map[string]bool{}

	if len(queued) == 0 {
		return nil
	}

	flushSize.Observe(float64(len(queued)))

	if r.yield() {
		return r.failQueued(indexes(queued), timeoutError())
	}
	if r.shutter {
		return r.failQueued(indexes(queued), overloadError())
	}

	items := make([]*storage.BulkItem, 0, len(queued))
	for _, q := range queued {
		items = append(items, q.item)
	}

	if err := r.e.storage.BulkCreate(r.ctx, r.req.Partition, items); err != nil {
		return r.failQueued(indexes(queued), err)
	}

	for _, q := range queued {
		if q.item.Err != nil {
			if err := r.fail(q.index, q.item.Err); err != nil {
				return err
			}
			continue
		}
		if err := r.created(q.index, &storage.Result{Set: q.set, Record: q.item.Record}); err != nil {
			return err
		}
	}

	return nil
}

func (r *run) flushNavCreates() error {
	queued := r.navCreates
	r.navCreates = nil

	if len(queued) == 0 {
		return nil
	}

	flushSize.Observe(float64(len(queued)))

	if r.yield() {
		return r.failQueued(indexes(queued), timeoutError())
	}
	if r.shutter {
		return r.failQueued(indexes(queued), overloadError())
	}

	items := make([]*storage.NavBulkItem, 0, len(queued))
	for _, q := range queued {
		items = append(items, q.item)
	}

	if err := r.e.storage.NavBulkCreate(r.ctx, r.req.Partition, items); err != nil {
		return r.failQueued(indexes(queued), err)
	}

	for _, q := range queued {
		if q.item.Err != nil {
			if err := r.fail(q.index, q.item.Err); err != nil {
				return err
			}
			continue
		}
		if err := r.created(q.index, &storage.Result{Set: q.target, Record: q.item.Record}); err != nil {
			return err
		}
	}

	return nil
}

type queued interface {
	*pendingCreate | *pendingNavCreate
}

func indexes[T queued](q []T) []int {
	result := make([]int, 0, len(q))
	for _, p := range q {
		switch v := any(p).(type) {
		case *pendingCreate:
			result = append(result, v.index)
		case *pendingNavCreate:
			result = append(result, v.index)
		}
	}
	return result
}

// failQueued reports the same error for every held back part
func (r *run) failQueued(idx []int, err error) error {
	for _, i := range idx {
		if e := r.fail(i, err); e != nil {
			return e
		}
	}
	return nil
}

func (r *run) created(i int, result *storage.Result) error {
	body, err := r.e.serializer.Entity(r.req.BaseURL, result)
	if err != nil {
		return err
	}

	h := http.Header{}
	h.Set("Content-Type", r.e.serializer.ContentType())
	h.Set("ETag", result.Record.ETag())
	h.Set("Location", Location(r.req.BaseURL, result.Set.Name, types.KeyFromValues(result.Set.Key, result.Record.Static)))

	r.respond(i, http.StatusCreated, h, body)
	return nil
}

// Location renders the uri of an entity below the service root
func Location(baseURL, set string, key types.EntityKey) string {
	if baseURL != "" && baseURL[len(baseURL)-1] != '/' {
		baseURL += "/"
	}
	return baseURL + set + "(" + key.String() + ")"
}
