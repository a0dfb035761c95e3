package sched

import (
	"fmt"
	"time"

	"github.com/roach88/pacsgather/internal/find"
)

// State is a retrieval task's position in its lifecycle.
type State string

const (
	StateDiscovered State = "discovered"
	StateQueued     State = "queued"
	StateDispatched State = "dispatched"
	StateRetrying   State = "retrying"
	StateSucceeded  State = "succeeded"
	StatePartial    State = "partially_succeeded"
	StateFailed     State = "failed"
)

// Terminal reports whether the state ends the task's lifecycle.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StatePartial || s == StateFailed
}

// allowed is the transition table. The caller supplies the expected
// prior state so invalid transitions surface as bugs, not silent
// corruption.
var allowed = map[State][]State{
	StateDiscovered: {StateQueued},
	StateQueued:     {StateDispatched},
	StateDispatched: {StateSucceeded, StatePartial, StateFailed, StateRetrying},
	StateRetrying:   {StateQueued},
}

// Task is one unit of retrieval work bound to a discovered unit and its
// node. Owned exclusively by the scheduler; the ledger references it by
// unit identifier only.
type Task struct {
	Unit     find.DiscoveredUnit
	NodeID   string
	State    State
	Attempts int
	LastErr  error
	// NotBefore delays dispatch for backoff; zero means immediately.
	NotBefore time.Time
}

// transition moves the task from an expected state to a new one.
func (t *Task) transition(from, to State) error {
	if t.State != from {
		return fmt.Errorf("task %s: expected state %s, got %s", t.Unit.UID(), from, t.State)
	}
	for _, ok := range allowed[from] {
		if ok == to {
			t.State = to
			return nil
		}
	}
	return fmt.Errorf("task %s: disallowed transition %s -> %s", t.Unit.UID(), from, to)
}
