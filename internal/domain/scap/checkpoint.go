package scap

import (
	"errors"
	"time"
)

// ErrCheckpointRegression is returned when a checkpoint would move backwards.
var ErrCheckpointRegression = errors.New("checkpoint cannot move backwards")

// Checkpoint records, for one entity type, the upper bound of the last window
// whose records were all durably committed. The next run resumes from it.
type Checkpoint struct {
	// Identity.
	entityType EntityType

	// State/Metadata.
	until     time.Time
	updatedAt time.Time
}

// NewCheckpoint creates a checkpoint marking everything modified before until
// as synchronized.
func NewCheckpoint(t EntityType, until time.Time) *Checkpoint {
	return &Checkpoint{entityType: t, until: until.UTC(), updatedAt: time.Now().UTC()}
}

// ReconstructCheckpoint rebuilds a checkpoint from persisted state.
func ReconstructCheckpoint(t EntityType, until, updatedAt time.Time) *Checkpoint {
	return &Checkpoint{entityType: t, until: until.UTC(), updatedAt: updatedAt.UTC()}
}

// Getters for Checkpoint.
func (c *Checkpoint) EntityType() EntityType { return c.entityType }
func (c *Checkpoint) Until() time.Time       { return c.until }
func (c *Checkpoint) UpdatedAt() time.Time   { return c.updatedAt }

// Advance moves the checkpoint forward to until. Moving to an earlier time
// fails with ErrCheckpointRegression; moving to the same time is a no-op.
func (c *Checkpoint) Advance(until time.Time) error {
	until = until.UTC()
	if until.Before(c.until) {
		return ErrCheckpointRegression
	}
	c.until = until
	c.updatedAt = time.Now().UTC()
	return nil
}
