package model

import "fmt"

// Status is the ConnectorMessage status lattice. It is deliberately
// a narrow type (not a bare string) so Transition can enforce the
// no-regression invariant in one place rather than scattered across the
// pipeline.
type Status string

const (
	StatusReceived    Status = "RECEIVED"
	StatusFiltered    Status = "FILTERED"
	StatusTransformed Status = "TRANSFORMED"
	StatusPending     Status = "PENDING"
	StatusQueued      Status = "QUEUED"
	StatusSent        Status = "SENT"
	StatusError       Status = "ERROR"
)

// rank gives every status a position in the lattice so Transition can
// reject regressions. FILTERED, SENT and ERROR are terminal (no outgoing
// edges); QUEUED is the sole self-loop, used for retry.
var rank = map[Status]int{
	StatusReceived:    0,
	StatusTransformed: 1,
	StatusPending:     2,
	StatusQueued:      3,
	StatusFiltered:    4, // terminal, reachable only from Received or Transformed
	StatusSent:        5, // terminal, reachable only from Queued
	StatusError:       5, // terminal, reachable from any non-terminal status
}

var terminal = map[Status]bool{
	StatusFiltered: true,
	StatusSent:     true,
	StatusError:    true,
}

// Transition reports whether moving from the receiver to `to` is a legal
// step in the lattice. The one documented exception to strict monotonicity
// is QUEUED -> QUEUED (a retry cycle).
func (s Status) Transition(to Status) error {
	if terminal[s] {
		return fmt.Errorf("status %s is terminal, cannot transition to %s", s, to)
	}
	if s == StatusQueued && to == StatusQueued {
		return nil // documented retry self-loop
	}
	if s == to {
		return fmt.Errorf("illegal self-transition %s -> %s", s, to)
	}
	fromRank, ok := rank[s]
	if !ok {
		return fmt.Errorf("unknown status %s", s)
	}
	toRank, ok := rank[to]
	if !ok {
		return fmt.Errorf("unknown status %s", to)
	}
	if toRank < fromRank {
		return fmt.Errorf("illegal status regression %s -> %s", s, to)
	}
	// FILTERED only reachable directly from RECEIVED or TRANSFORMED (rejection
	// happens at the filter/transform stage, never after dispatch).
	if to == StatusFiltered && s != StatusTransformed && s != StatusReceived {
		return fmt.Errorf("illegal transition %s -> FILTERED", s)
	}
	// SENT only reachable from QUEUED, which every send attempt persists first.
	if to == StatusSent && s != StatusQueued {
		return fmt.Errorf("illegal transition %s -> SENT", s)
	}
	return nil
}

// Terminal reports whether a status has no further legal transitions.
func (s Status) Terminal() bool { return terminal[s] }
