package agent

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"slices"
)

// State is a step of the per-turn state machine.
type State string

const (
	StateStart        State = "start"
	StateClassified   State = "classified"
	StatePlanned      State = "planned"
	StateClarifying   State = "clarifying"
	StateExecuting    State = "executing"
	StatePersonalized State = "personalized"
	StateResponded    State = "responded"
	StateFailed       State = "failed"
)

// transitions lists the legal successors of each state. Failed is
// reachable from every non-terminal state and is handled separately.
var transitions = map[State][]State{
	StateStart:        {StateClassified},
	StateClassified:   {StatePlanned},
	StatePlanned:      {StateClarifying, StateExecuting},
	StateClarifying:   {StateResponded},
	StateExecuting:    {StatePersonalized},
	StatePersonalized: {StateResponded},
}

// turn tracks one RunTurn invocation.
type turn struct {
	id      string
	state   State
	history []State
}

func newTurn() *turn {
	return &turn{id: generateRequestID(), state: StateStart, history: []State{StateStart}}
}

// advance moves to next, rejecting transitions the machine does not
// allow.
func (t *turn) advance(next State) error {
	if !slices.Contains(transitions[t.state], next) {
		return fmt.Errorf("invalid turn transition %s -> %s", t.state, next)
	}
	t.state = next
	t.history = append(t.history, next)
	return nil
}

// fail moves to Failed from any non-terminal state.
func (t *turn) fail() {
	if t.state == StateResponded || t.state == StateFailed {
		return
	}
	t.state = StateFailed
	t.history = append(t.history, StateFailed)
}

// generateRequestID returns a short random id for log correlation.
func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return "r_" + hex.EncodeToString(b)
}
