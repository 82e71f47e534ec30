// Package pipeline runs one user message through moderation, crisis
// detection, memory retrieval and generation as an explicit state machine.
package pipeline

import (
	"errors"
	"fmt"
)

// State is a pipeline position.
type State string

const (
	StateStart              State = "start"
	StateModerated          State = "moderated"
	StateCrisisChecked      State = "crisis_checked"
	StateMemoryRetrieved    State = "memory_retrieved"
	StateGenerated          State = "generated"
	StateDone               State = "done"
	StateCrisisShortCircuit State = "crisis_short_circuit"
)

// Terminal reports whether no further transitions exist from s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCrisisShortCircuit
}

// Event is what a stage reports after it finishes.
type Event string

const (
	EventBegin     Event = "begin"
	EventModerated Event = "moderated"
	EventEscalate  Event = "escalate"
	EventRefuse    Event = "refuse"
	EventProceed   Event = "proceed"
	EventRetrieved Event = "retrieved"
	EventGenerated Event = "generated"
)

// ErrInvalidTransition is returned for an event that has no edge from the current state.
var ErrInvalidTransition = errors.New("pipeline: invalid transition")

type edge struct {
	from  State
	event Event
}

var transitions = map[edge]State{
	{StateStart, EventBegin}:               StateModerated,
	{StateModerated, EventModerated}:       StateCrisisChecked,
	{StateCrisisChecked, EventEscalate}:    StateCrisisShortCircuit,
	{StateCrisisChecked, EventRefuse}:      StateDone,
	{StateCrisisChecked, EventProceed}:     StateMemoryRetrieved,
	{StateMemoryRetrieved, EventRetrieved}: StateGenerated,
	{StateGenerated, EventGenerated}:       StateDone,
}

// Transition returns the state reached from `from` on ev.
func Transition(from State, ev Event) (State, error) {
	to, ok := transitions[edge{from, ev}]
	if !ok {
		return from, fmt.Errorf("%w: %s on %q", ErrInvalidTransition, from, ev)
	}
	return to, nil
}
