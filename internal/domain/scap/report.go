package scap

import "time"

// WindowReport summarizes one processed window.
type WindowReport struct {
	Since     time.Time `yaml:"since"`
	Until     time.Time `yaml:"until"`
	Pages     int       `yaml:"pages"`
	Records   int       `yaml:"records"`
	Applied   int       `yaml:"applied"`
	Unchanged int       `yaml:"unchanged"`
	Skipped   int       `yaml:"skipped"`
	Committed bool      `yaml:"committed"`
	Error     string    `yaml:"error,omitempty"`
}

// RunReport is the outcome of one run for one entity type.
type RunReport struct {
	Type       EntityType     `yaml:"entity_type"`
	RunID      string         `yaml:"run_id"`
	StartedAt  time.Time      `yaml:"started_at"`
	FinishedAt time.Time      `yaml:"finished_at"`
	Windows    []WindowReport `yaml:"windows"`
	// Checkpoint is the checkpoint in effect when the run ended.
	Checkpoint *time.Time `yaml:"checkpoint,omitempty"`
	// Partial is set when a record limit stopped the run early.
	Partial bool `yaml:"partial,omitempty"`
	// UpdatedKeys lists keys inserted or overwritten during the run.
	UpdatedKeys []string `yaml:"-"`
	Err         error    `yaml:"-"`
	Error       string   `yaml:"error,omitempty"`
}

// WindowsCompleted counts windows whose records all committed.
func (r *RunReport) WindowsCompleted() int {
	n := 0
	for _, w := range r.Windows {
		if w.Committed {
			n++
		}
	}
	return n
}

// WindowsFailed counts windows that ended in failure.
func (r *RunReport) WindowsFailed() int {
	n := 0
	for _, w := range r.Windows {
		if w.Error != "" {
			n++
		}
	}
	return n
}

// Totals sums record counters over every window.
func (r *RunReport) Totals() (applied, unchanged, skipped int) {
	for _, w := range r.Windows {
		applied += w.Applied
		unchanged += w.Unchanged
		skipped += w.Skipped
	}
	return applied, unchanged, skipped
}

// Succeeded reports whether the run finished without a failure. A run that
// found nothing new succeeds.
func (r *RunReport) Succeeded() bool { return r.Err == nil }

// Fail records err as the terminal error of the run.
func (r *RunReport) Fail(err error) {
	r.Err = err
	if err != nil {
		r.Error = err.Error()
	}
}
