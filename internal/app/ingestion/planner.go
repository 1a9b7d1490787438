package ingestion

import (
	"fmt"
	"time"

	"github.com/ahrav/nvdsync/internal/domain/scap"
)

// PlannerConfig bounds the windows the planner produces.
type PlannerConfig struct {
	// MaxSpan is the widest range the upstream accepts in a single query.
	MaxSpan time.Duration
	// Overlap re-reads the tail of the previous window to absorb upstream
	// clock skew and records published late with earlier timestamps.
	Overlap time.Duration
	// HistoryStart is where a run without a checkpoint begins.
	HistoryStart time.Time
}

// DefaultPlannerConfig matches the upstream's 120 day range limit.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		MaxSpan:      120 * 24 * time.Hour,
		Overlap:      15 * time.Minute,
		HistoryStart: time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Planner derives the windows a run must cover from the stored checkpoint
// and the current time.
type Planner struct{ cfg PlannerConfig }

// NewPlanner validates cfg and returns a Planner.
func NewPlanner(cfg PlannerConfig) (*Planner, error) {
	switch {
	case cfg.MaxSpan <= 0:
		return nil, &scap.ConfigurationError{Field: "planner.max_span", Err: fmt.Errorf("must be positive, got %s", cfg.MaxSpan)}
	case cfg.Overlap < 0:
		return nil, &scap.ConfigurationError{Field: "planner.overlap", Err: fmt.Errorf("must not be negative, got %s", cfg.Overlap)}
	case cfg.Overlap >= cfg.MaxSpan:
		return nil, &scap.ConfigurationError{
			Field: "planner.overlap",
			Err:   fmt.Errorf("overlap %s must be shorter than max span %s", cfg.Overlap, cfg.MaxSpan),
		}
	}
	cfg.HistoryStart = cfg.HistoryStart.UTC()
	return &Planner{cfg: cfg}, nil
}

// Plan returns the ordered windows covering everything modified since cp
// (minus the overlap) up to now. A nil checkpoint plans from HistoryStart.
// No windows are returned when cp is not before now.
func (p *Planner) Plan(t scap.EntityType, cp *scap.Checkpoint, now time.Time) []scap.SyncWindow {
	now = now.UTC().Truncate(time.Second)

	since := p.cfg.HistoryStart
	if cp != nil {
		if !now.After(cp.Until()) {
			return nil
		}
		since = cp.Until().Add(-p.cfg.Overlap)
		if since.Before(p.cfg.HistoryStart) {
			since = p.cfg.HistoryStart
		}
	}
	if !since.Before(now) {
		return nil
	}

	var windows []scap.SyncWindow
	for {
		until := since.Add(p.cfg.MaxSpan)
		if until.After(now) {
			until = now
		}
		windows = append(windows, scap.SyncWindow{Type: t, Since: since, Until: until})
		if until.Equal(now) {
			return windows
		}
		since = until.Add(-p.cfg.Overlap)
	}
}
