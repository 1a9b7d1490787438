package scap

import (
	"fmt"
	"time"
)

// SyncWindow is the half-open interval [Since, Until) of upstream
// modification times fetched in one pass for one entity type.
type SyncWindow struct {
	Type  EntityType
	Since time.Time
	Until time.Time
}

// NewSyncWindow builds a window, rejecting inverted bounds.
func NewSyncWindow(t EntityType, since, until time.Time) (SyncWindow, error) {
	since, until = since.UTC(), until.UTC()
	if until.Before(since) {
		return SyncWindow{}, fmt.Errorf("window until %s precedes since %s", until.Format(time.RFC3339), since.Format(time.RFC3339))
	}
	return SyncWindow{Type: t, Since: since, Until: until}, nil
}

// Span is the length of the window.
func (w SyncWindow) Span() time.Duration { return w.Until.Sub(w.Since) }

// Contains reports whether ts falls inside [Since, Until).
func (w SyncWindow) Contains(ts time.Time) bool {
	return !ts.Before(w.Since) && ts.Before(w.Until)
}

func (w SyncWindow) String() string {
	return fmt.Sprintf("%s[%s, %s)", w.Type, w.Since.Format(time.RFC3339), w.Until.Format(time.RFC3339))
}
