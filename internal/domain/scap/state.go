package scap

// SyncState is the orchestrator's position in a run for one entity type.
type SyncState int

const (
	StateIdle SyncState = iota
	StatePlanning
	StateFetching
	StateUpserting
	StateAdvancing
	StateFailed
)

func (s SyncState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlanning:
		return "planning"
	case StateFetching:
		return "fetching"
	case StateUpserting:
		return "upserting"
	case StateAdvancing:
		return "advancing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// validTransitions lists the states reachable from each state.
var validTransitions = map[SyncState][]SyncState{
	StateIdle:      {StatePlanning},
	StatePlanning:  {StateFetching, StateIdle, StateFailed},
	StateFetching:  {StateUpserting, StateAdvancing, StateFailed, StateIdle},
	StateUpserting: {StateFetching, StateAdvancing, StateFailed, StateIdle},
	StateAdvancing: {StateFetching, StateIdle, StateFailed},
	StateFailed:    {StatePlanning},
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s SyncState) CanTransitionTo(next SyncState) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
