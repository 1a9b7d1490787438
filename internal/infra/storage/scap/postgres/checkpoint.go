package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/nvdsync/internal/domain/scap"
	"github.com/ahrav/nvdsync/internal/infra/storage"
)

var _ scap.CheckpointRepository = (*checkpointStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// checkpointStore provides a PostgreSQL implementation of scap.CheckpointRepository.
// The upsert only ever moves a checkpoint forward, so a stale writer can never
// rewind progress made by another run.
type checkpointStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewCheckpointStore creates a new PostgreSQL-backed checkpoint storage.
func NewCheckpointStore(pool *pgxpool.Pool, tracer trace.Tracer) *checkpointStore {
	return &checkpointStore{pool: pool, tracer: tracer}
}

const upsertCheckpointQuery = `
INSERT INTO sync_checkpoints (entity_type, until_ts, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (entity_type) DO UPDATE
SET until_ts = EXCLUDED.until_ts, updated_at = EXCLUDED.updated_at
WHERE sync_checkpoints.until_ts <= EXCLUDED.until_ts`

// Save persists cp. It fails with scap.ErrCheckpointRegression when the stored
// checkpoint is already later.
func (s *checkpointStore) Save(ctx context.Context, cp *scap.Checkpoint) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("entity_type", cp.EntityType().String()),
		attribute.String("until", cp.Until().Format(time.RFC3339)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_checkpoint", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, upsertCheckpointQuery, cp.EntityType().String(), cp.Until(), cp.UpdatedAt())
		if err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("saving %s checkpoint at %s: %w", cp.EntityType(), cp.Until().Format(time.RFC3339), scap.ErrCheckpointRegression)
		}
		return nil
	})
}

// Load retrieves the checkpoint for t. Returns nil if none exists.
func (s *checkpointStore) Load(ctx context.Context, t scap.EntityType) (*scap.Checkpoint, error) {
	var checkpoint *scap.Checkpoint
	dbAttrs := append(defaultDBAttributes, attribute.String("entity_type", t.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.load_checkpoint", dbAttrs, func(ctx context.Context) error {
		var until, updatedAt time.Time
		err := s.pool.QueryRow(ctx,
			`SELECT until_ts, updated_at FROM sync_checkpoints WHERE entity_type = $1`, t.String(),
		).Scan(&until, &updatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		checkpoint = scap.ReconstructCheckpoint(t, until, updatedAt)
		return nil
	})
	return checkpoint, err
}

// Delete removes the checkpoint for t. It is not an error if the checkpoint
// does not exist.
func (s *checkpointStore) Delete(ctx context.Context, t scap.EntityType) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("entity_type", t.String()))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_checkpoint", dbAttrs, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, `DELETE FROM sync_checkpoints WHERE entity_type = $1`, t.String()); err != nil {
			return fmt.Errorf("failed to delete checkpoint: %w", err)
		}
		return nil
	})
}
