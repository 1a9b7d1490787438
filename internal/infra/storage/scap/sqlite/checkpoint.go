package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/nvdsync/internal/domain/scap"
	"github.com/ahrav/nvdsync/internal/infra/storage"
)

var _ scap.CheckpointRepository = (*checkpointStore)(nil)

type checkpointStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

// NewCheckpointStore creates a SQLite-backed checkpoint store.
func NewCheckpointStore(db *sql.DB, tracer trace.Tracer) *checkpointStore {
	return &checkpointStore{db: db, tracer: tracer}
}

func (s *checkpointStore) Save(ctx context.Context, cp *scap.Checkpoint) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("entity_type", cp.EntityType().String()),
		attribute.String("until", cp.Until().Format(time.RFC3339)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.save_checkpoint", dbAttrs, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
INSERT INTO sync_checkpoints (entity_type, until_ts, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (entity_type) DO UPDATE
SET until_ts = excluded.until_ts, updated_at = excluded.updated_at
WHERE sync_checkpoints.until_ts <= excluded.until_ts`,
			cp.EntityType().String(), toNanos(cp.Until()), toNanos(cp.UpdatedAt()),
		)
		if err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("saving %s checkpoint at %s: %w", cp.EntityType(), cp.Until().Format(time.RFC3339), scap.ErrCheckpointRegression)
		}
		return nil
	})
}

func (s *checkpointStore) Load(ctx context.Context, t scap.EntityType) (*scap.Checkpoint, error) {
	var checkpoint *scap.Checkpoint
	dbAttrs := append(defaultDBAttributes, attribute.String("entity_type", t.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.load_checkpoint", dbAttrs, func(ctx context.Context) error {
		var until, updatedAt int64
		err := s.db.QueryRowContext(ctx,
			`SELECT until_ts, updated_at FROM sync_checkpoints WHERE entity_type = ?`, t.String(),
		).Scan(&until, &updatedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		checkpoint = scap.ReconstructCheckpoint(t, fromNanos(until), fromNanos(updatedAt))
		return nil
	})
	return checkpoint, err
}

func (s *checkpointStore) Delete(ctx context.Context, t scap.EntityType) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("entity_type", t.String()))
	return storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.delete_checkpoint", dbAttrs, func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_checkpoints WHERE entity_type = ?`, t.String()); err != nil {
			return fmt.Errorf("failed to delete checkpoint: %w", err)
		}
		return nil
	})
}
