package scap

import "context"

// CheckpointRepository persists one checkpoint per entity type.
type CheckpointRepository interface {
	// Save durably stores cp. A checkpoint earlier than the stored one is
	// rejected with ErrCheckpointRegression.
	Save(ctx context.Context, cp *Checkpoint) error
	// Load returns the checkpoint for t, or nil when none exists.
	Load(ctx context.Context, t EntityType) (*Checkpoint, error)
	// Delete removes the checkpoint for t. Deleting a missing checkpoint is
	// not an error.
	Delete(ctx context.Context, t EntityType) error
}

// EntityRepository merges records into storage and answers lookups.
type EntityRepository interface {
	// Upsert merges entities atomically: either every applicable change in
	// the batch commits or none does. A stored record is only replaced by
	// one with a strictly newer LastModified.
	Upsert(ctx context.Context, t EntityType, entities []Entity) (UpsertResult, error)
	// Get returns the stored record for key, or nil when absent.
	Get(ctx context.Context, t EntityType, key string) (*Entity, error)
	Search(ctx context.Context, q SearchQuery) ([]Entity, error)
	Count(ctx context.Context, t EntityType) (int64, error)
	// Walk calls fn for every stored record of type t in key order without
	// loading them all at once. An error from fn stops the walk and is
	// returned.
	Walk(ctx context.Context, t EntityType, fn func(Entity) error) error
}
