package ingestion

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/nvdsync/internal/domain/scap"
	"github.com/ahrav/nvdsync/pkg/common/logger"
)

// Writer merges normalized batches into the entity repository.
type Writer struct {
	repo   scap.EntityRepository
	logger *logger.Logger
	tracer trace.Tracer
}

// NewWriter creates a Writer.
func NewWriter(repo scap.EntityRepository, log *logger.Logger, tracer trace.Tracer) *Writer {
	return &Writer{repo: repo, logger: log.With("component", "writer"), tracer: tracer}
}

// Write merges entities as one atomic batch. A failure leaves storage as it
// was before the call and is returned as a *scap.WriteError.
func (w *Writer) Write(ctx context.Context, t scap.EntityType, entities []scap.Entity) (scap.UpsertResult, error) {
	if len(entities) == 0 {
		return scap.UpsertResult{}, nil
	}

	ctx, span := w.tracer.Start(ctx, "writer.write",
		trace.WithAttributes(
			attribute.String("entity_type", t.String()),
			attribute.Int("batch_size", len(entities)),
		))
	defer span.End()

	res, err := w.repo.Upsert(ctx, t, entities)
	if err != nil {
		werr := &scap.WriteError{Type: t, Count: len(entities), Err: err}
		span.RecordError(werr)
		span.SetStatus(codes.Error, "batch rolled back")
		return scap.UpsertResult{}, werr
	}

	span.SetAttributes(
		attribute.Int("applied", res.Applied),
		attribute.Int("unchanged", res.Unchanged),
	)
	w.logger.Debug(ctx, "batch committed",
		"entity_type", t,
		"applied", res.Applied,
		"unchanged", res.Unchanged,
	)
	return res, nil
}
