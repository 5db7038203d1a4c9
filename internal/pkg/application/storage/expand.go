package storage

import (
	"context"

	"github.com/diwise/odata-broker/internal/pkg/application/schema"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

// maxExpandedPerEntity bounds the related entities inlined for one navigation property
const maxExpandedPerEntity int = 100

func (e *Engine) expand(ctx context.Context, p types.Partition, set *schema.EntitySet, results []*Result, navs []string) error {
	if len(navs) == 0 {
		return nil
	}

	limit := maxExpandedPerEntity
	if e.cfg.MaxLinks > 0 && e.cfg.MaxLinks < limit {
		limit = e.cfg.MaxLinks
	}

	for _, name := range navs {
		nav, target, err := e.navigation(set, name)
		if err != nil {
			return err
		}

		for _, r := range results {
			related, err := e.related(ctx, p, nav, target, r.Record, limit)
			if err != nil {
				return err
			}

			if r.Expanded == nil {
				r.Expanded = map[string][]*types.EntityRecord{}
			}
			r.Expanded[name] = related
		}
	}

	return nil
}
