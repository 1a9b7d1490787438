package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/nvdsync/internal/domain/scap"
	"github.com/ahrav/nvdsync/internal/infra/storage"
)

var _ scap.EntityRepository = (*entityStore)(nil)

type entityStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

// NewEntityStore creates a SQLite-backed entity store.
func NewEntityStore(db *sql.DB, tracer trace.Tracer) *entityStore {
	return &entityStore{db: db, tracer: tracer}
}

func upsertQuery(table string) string {
	return fmt.Sprintf(`
INSERT INTO %[1]s (id, published, last_modified, revision, summary, deprecated, payload, synced_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	published = excluded.published,
	last_modified = excluded.last_modified,
	revision = excluded.revision,
	summary = excluded.summary,
	deprecated = excluded.deprecated,
	payload = excluded.payload,
	synced_at = excluded.synced_at
WHERE %[1]s.last_modified < excluded.last_modified`, table)
}

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
	err = storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.upsert_entities", dbAttrs, func(ctx context.Context) error {
		entities = scap.DedupeNewest(entities)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, upsertQuery(table))
		if err != nil {
			return fmt.Errorf("failed to prepare upsert: %w", err)
		}
		defer stmt.Close()

		now := toNanos(time.Now())
		var applied []string
		for _, e := range entities {
			// SQLite accepts any text, so the payload is checked here to keep
			// parity with the jsonb column of the server backend.
			if !json.Valid(e.Payload) {
				return fmt.Errorf("failed to upsert %s: payload is not valid json", e.Key)
			}
			res, err := stmt.ExecContext(ctx,
				e.Key,
				nullNanos(e.Published),
				toNanos(e.LastModified),
				e.Revision,
				e.Summary,
				e.Deprecated,
				string(e.Payload),
				now,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert %s: %w", e.Key, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read affected rows: %w", err)
			}
			if n > 0 {
				applied = append(applied, e.Key)
			}
		}

		if err := tx.Commit(); err != nil {
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

func (s *entityStore) Get(ctx context.Context, t scap.EntityType, key string) (*scap.Entity, error) {
	table, err := storage.TableFor(t)
	if err != nil {
		return nil, err
	}

	var entity *scap.Entity
	dbAttrs := append(defaultDBAttributes, attribute.String("entity_type", t.String()), attribute.String("key", key))
	err = storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.get_entity", dbAttrs, func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, selectColumns(table)+` WHERE id = ?`, key)
		e, err := scanEntity(t, row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to get %s: %w", key, err)
		}
		entity = &e
		return nil
	})
	return entity, err
}

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
		where = append(where, "id = ?")
		args = append(args, q.Term)
	} else {
		pattern := storage.LikePattern(q.Term)
		where = append(where, `(id LIKE ? ESCAPE '\' OR summary LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}
	if !q.IncludeDeprecated {
		where = append(where, "deprecated = 0")
	}
	query := selectColumns(table) + " WHERE " + strings.Join(where, " AND ") + " ORDER BY id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	var out []scap.Entity
	dbAttrs := append(defaultDBAttributes, attribute.String("entity_type", q.Type.String()), attribute.Bool("exact", q.Exact))
	err = storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.search_entities", dbAttrs, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *entityStore) Count(ctx context.Context, t scap.EntityType) (int64, error) {
	table, err := storage.TableFor(t)
	if err != nil {
		return 0, err
	}

	var n int64
	dbAttrs := append(defaultDBAttributes, attribute.String("entity_type", t.String()))
	err = storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.count_entities", dbAttrs, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	})
	return n, err
}

func (s *entityStore) Walk(ctx context.Context, t scap.EntityType, fn func(scap.Entity) error) error {
	table, err := storage.TableFor(t)
	if err != nil {
		return err
	}

	dbAttrs := append(defaultDBAttributes, attribute.String("entity_type", t.String()))
	return storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.walk_entities", dbAttrs, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, selectColumns(table)+" ORDER BY id")
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

type scanner interface{ Scan(dest ...any) error }

func scanEntity(t scap.EntityType, row scanner) (scap.Entity, error) {
	var (
		e         = scap.Entity{Type: t}
		published sql.NullInt64
		lastMod   int64
		payload   string
	)
	if err := row.Scan(&e.Key, &published, &lastMod, &e.Revision, &e.Summary, &e.Deprecated, &payload); err != nil {
		return scap.Entity{}, err
	}
	if published.Valid {
		e.Published = fromNanos(published.Int64)
	}
	e.LastModified = fromNanos(lastMod)
	e.Payload = json.RawMessage(payload)
	return e, nil
}

func nullNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(t), Valid: true}
}
