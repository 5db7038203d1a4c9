package storage

import (
	"context"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel/attribute"

	"github.com/diwise/odata-broker/internal/pkg/application/query"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/docstore"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

const orphanPageSize int = 1000

// RemoveOrphanLinks deletes the join records of a partition where either end no longer
// exists, and returns how many were removed
func (e *Engine) RemoveOrphanLinks(ctx context.Context, p types.Partition) (removed int, err error) {
	ctx, span := tracer.Start(ctx, "remove-orphan-links")
	span.SetAttributes(attribute.String("partition", p.String()))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	release, err := e.lock(ctx, p)
	if err != nil {
		return 0, err
	}
	defer release()

	links, err := e.accessors.Links(ctx, p)
	if err != nil {
		return 0, err
	}

	entities, err := e.accessors.Entities(ctx, p)
	if err != nil {
		return 0, err
	}

	log := logging.GetFromContext(ctx)

	orphans := []docstore.BulkOp{}

	for from := 0; ; from += orphanPageSize {
		found, err := links.Search(ctx, docstore.SearchRequest{
			Query: query.All(
				query.Term(query.FieldCell, p.Cell),
				query.Term(query.FieldBox, p.Box),
				query.Term(query.FieldNode, p.Node),
			),
			Size: orphanPageSize,
			From: from,
		})
		if err != nil {
			return 0, storeError(err)
		}

		if len(found.Documents) == 0 {
			break
		}

		ids := make([]string, 0, 2*len(found.Documents))
		for _, doc := range found.Documents {
			l := linkFromDocument(doc)
			ids = append(ids, l.ID1, l.ID2)
		}

		existing, err := entities.MultiGet(ctx, ids)
		if err != nil {
			return 0, storeError(err)
		}

		for _, doc := range found.Documents {
			l := linkFromDocument(doc)
			_, ok1 := existing[l.ID1]
			_, ok2 := existing[l.ID2]
			if ok1 && ok2 {
				continue
			}

			log.Debug("found orphaned link", "link", l.ID, "from", l.ID1, "to", l.ID2)
			orphans = append(orphans, docstore.BulkOp{Action: docstore.BulkDelete, Document: docstore.Document{ID: l.ID}})
		}

		if len(found.Documents) < orphanPageSize {
			break
		}
	}

	for start := 0; start < len(orphans); start += orphanPageSize {
		end := min(start+orphanPageSize, len(orphans))

		results, err := links.Bulk(ctx, orphans[start:end])
		if err != nil {
			return removed, storeError(err)
		}

		for _, r := range results {
			if r.Err == nil {
				removed++
			}
		}
	}

	return removed, nil
}
