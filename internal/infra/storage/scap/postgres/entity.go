package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/nvdsync/internal/domain/scap"
	"github.com/ahrav/nvdsync/internal/infra/storage"
)

var _ scap.EntityRepository = (*entityStore)(nil)

// entityStore persists CVE and CPE records in PostgreSQL.
type entityStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewEntityStore creates a new PostgreSQL-backed entity store.
func NewEntityStore(pool *pgxpool.Pool, tracer trace.Tracer) *entityStore {
	return &entityStore{pool: pool, tracer: tracer}
}

// upsertQuery inserts a record or replaces the stored one when, and only
// when, the incoming record is strictly newer.
func upsertQuery(table string) string {
	return fmt.Sprintf(`
INSERT INTO %[1]s (id, published, last_modified, revision, summary, deprecated, payload, synced_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
ON CONFLICT (id) DO UPDATE SET
	published = EXCLUDED.published,
	last_modified = EXCLUDED.last_modified,
	revision = EXCLUDED.revision,
	summary = EXCLUDED.summary,
	deprecated = EXCLUDED.deprecated,
	payload = EXCLUDED.payload,
	synced_at = EXCLUDED.synced_at
WHERE %[1]s.last_modified < EXCLUDED.last_modified`, table)
}

// Upsert merges entities in a single transaction. Any failure rolls back the
// whole batch.
func (s *entityStore) Upsert(ctx context.Context, t scap.EntityType, entities []scap.Entity) (scap.UpsertResult, error) {
	var result scap.UpsertResult
	if len(entities) == 0 {
		return result, nil
	}

	table, err := storage.TableFor(t)
	if err != nil {
		return result, err
	}

	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("entity_type", t.String()),
		attribute.Int("batch_size", len(entities)),
	)
	err = storage.ExecuteAndTrace(ctx, s.tracer, "postgres.upsert_entities", dbAttrs, func(ctx context.Context) error {
		entities = scap.DedupeNewest(entities)
		query := upsertQuery(table)

		batch := &pgx.Batch{}
		for _, e := range entities {
			batch.Queue(query,
				e.Key,
				nullTime(e.Published),
				e.LastModified.UTC(),
				e.Revision,
				e.Summary,
				e.Deprecated,
				[]byte(e.Payload),
			)
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		br := tx.SendBatch(ctx, batch)
		var applied []string
		for _, e := range entities {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return fmt.Errorf("failed to upsert %s: %w", e.Key, err)
			}
			if tag.RowsAffected() > 0 {
				applied = append(applied, e.Key)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("failed to close batch: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}

		result = scap.UpsertResult{
			Applied:     len(applied),
			Unchanged:   len(entities) - len(applied),
			AppliedKeys: applied,
		}
		return nil
	})
	return result, err
}

// Get returns the stored record for key, or nil when absent.
func (s *entityStore) Get(ctx context.Context, t scap.EntityType, key string) (*scap.Entity, error) {
	table, err := storage.TableFor(t)
	if err != nil {
		return nil, err
	}

	var entity *scap.Entity
	dbAttrs := append(defaultDBAttributes, attribute.String("entity_type", t.String()), attribute.String("key", key))
	err = storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_entity", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, selectColumns(table)+` WHERE id = $1`, key)
		e, err := scanEntity(t, row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to get %s: %w", key, err)
		}
		entity = &e
		return nil
	})
	return entity, err
}

// Search runs a read-only lookup ordered by key.
func (s *entityStore) Search(ctx context.Context, q scap.SearchQuery) ([]scap.Entity, error) {
	table, err := storage.TableFor(q.Type)
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if q.Exact {
		args = append(args, q.Term)
		where = append(where, fmt.Sprintf("id = $%d", len(args)))
	} else {
		args = append(args, storage.LikePattern(q.Term))
		where = append(where, fmt.Sprintf("(id ILIKE $%[1]d OR summary ILIKE $%[1]d)", len(args)))
	}
	if !q.IncludeDeprecated {
		where = append(where, "NOT deprecated")
	}
	query := selectColumns(table) + " WHERE " + strings.Join(where, " AND ") + " ORDER BY id"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var out []scap.Entity
	dbAttrs := append(defaultDBAttributes, attribute.String("entity_type", q.Type.String()), attribute.Bool("exact", q.Exact))
	err = storage.ExecuteAndTrace(ctx, s.tracer, "postgres.search_entities", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to search %s: %w", table, err)
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntity(q.Type, rows)
			if err != nil {
				return fmt.Errorf("failed to scan %s row: %w", table, err)
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// Count returns the number of stored records of type t.
func (s *entityStore) Count(ctx context.Context, t scap.EntityType) (int64, error) {
	table, err := storage.TableFor(t)
	if err != nil {
		return 0, err
	}

	var n int64
	dbAttrs := append(defaultDBAttributes, attribute.String("entity_type", t.String()))
	err = storage.ExecuteAndTrace(ctx, s.tracer, "postgres.count_entities", dbAttrs, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	})
	return n, err
}

// Walk streams every record of type t in key order.
func (s *entityStore) Walk(ctx context.Context, t scap.EntityType, fn func(scap.Entity) error) error {
	table, err := storage.TableFor(t)
	if err != nil {
		return err
	}

	dbAttrs := append(defaultDBAttributes, attribute.String("entity_type", t.String()))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.walk_entities", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, selectColumns(table)+" ORDER BY id")
		if err != nil {
			return fmt.Errorf("failed to walk %s: %w", table, err)
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntity(t, rows)
			if err != nil {
				return fmt.Errorf("failed to scan %s row: %w", table, err)
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

func selectColumns(table string) string {
	return `SELECT id, published, last_modified, revision, summary, deprecated, payload FROM ` + table
}

func scanEntity(t scap.EntityType, row pgx.Row) (scap.Entity, error) {
	var (
		e         = scap.Entity{Type: t}
		published *time.Time
		payload   []byte
	)
	if err := row.Scan(&e.Key, &published, &e.LastModified, &e.Revision, &e.Summary, &e.Deprecated, &payload); err != nil {
		return scap.Entity{}, err
	}
	if published != nil {
		e.Published = published.UTC()
	}
	e.LastModified = e.LastModified.UTC()
	e.Payload = payload
	return e, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
