package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from State
		ev   Event
		want State
	}{
		{StateStart, EventBegin, StateModerated},
		{StateModerated, EventModerated, StateCrisisChecked},
		{StateCrisisChecked, EventEscalate, StateCrisisShortCircuit},
		{StateCrisisChecked, EventRefuse, StateDone},
		{StateCrisisChecked, EventProceed, StateMemoryRetrieved},
		{StateMemoryRetrieved, EventRetrieved, StateGenerated},
		{StateGenerated, EventGenerated, StateDone},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			got, err := Transition(tt.from, tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransitionRejectsUnknownEdges(t *testing.T) {
	invalid := []struct {
		from State
		ev   Event
	}{
		{StateStart, EventProceed},
		{StateModerated, EventEscalate},
		{StateMemoryRetrieved, EventEscalate},
		{StateDone, EventBegin},
		{StateCrisisShortCircuit, EventProceed},
		{StateGenerated, ""},
	}
	for _, tt := range invalid {
		got, err := Transition(tt.from, tt.ev)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, tt.from, got)
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateCrisisShortCircuit.Terminal())
	for _, s := range []State{StateStart, StateModerated, StateCrisisChecked, StateMemoryRetrieved, StateGenerated} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestEveryEdgeHasAStage(t *testing.T) {
	o := newFixture().orchestrator()
	for e := range transitions {
		assert.NotNil(t, o.stages[e], "%s on %s", e.from, e.event)
	}
	assert.Len(t, o.stages, len(transitions))
}

func TestExtractMemoryUpdates(t *testing.T) {
	got := ExtractMemoryUpdates("I'm studying computer science, and my goal is to get an internship. I enjoy hiking!")
	assert.Equal(t, []string{"computer science"}, got["academic"])
	assert.Equal(t, []string{"get an internship"}, got["goals"])
	assert.Equal(t, []string{"hiking"}, got["interests"])

	assert.Equal(t, []string{"psychology"}, ExtractMemoryUpdates("I’m a psychology major")["academic"])
	assert.Nil(t, ExtractMemoryUpdates("nothing to see"))
	assert.Nil(t, ExtractMemoryUpdates("i want to go"))
}

func TestExtractCoping(t *testing.T) {
	got := ExtractCoping("Try some journaling before sleep, or a bit of self-care. Talk to someone you trust.")
	assert.Equal(t, []string{"Journaling", "Self-Care", "Sleep", "Talk To Someone"}, got)
	assert.Empty(t, ExtractCoping("I hear you."))
}
