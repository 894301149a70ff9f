package scheduler

import (
	"errors"
	"fmt"
)

// State is the per-stage position in one Execute call.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ErrIllegalTransition reports a stage state change the scheduler never makes.
var ErrIllegalTransition = errors.New("illegal stage transition")

// Pending goes straight to Completed when the stage is found already done.
// Running falls back to Pending only for a stage withdrawn while it was still
// waiting for its lease.
func isAllowedTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateCompleted || to == StateFailed
	case StateRunning:
		return to == StateCompleted || to == StateFailed || to == StatePending
	default:
		return false
	}
}

type stageStates map[string]State

func (m stageStates) move(id string, to State) error {
	from := m[id]
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("stage %q: %w %s -> %s", id, ErrIllegalTransition, from, to)
	}
	m[id] = to
	return nil
}

// stageTracker keeps the first illegal transition seen during one Execute.
type stageTracker struct {
	states stageStates
	err    error
}

func newStageTracker(ids []string) *stageTracker {
	states := make(stageStates, len(ids))
	for _, id := range ids {
		states[id] = StatePending
	}
	return &stageTracker{states: states}
}

func (t *stageTracker) move(id string, to State) {
	if err := t.states.move(id, to); err != nil && t.err == nil {
		t.err = err
	}
}
