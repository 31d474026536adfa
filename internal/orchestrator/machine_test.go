package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_ValidTransitions(t *testing.T) {
	m := NewMachine("")
	assert.Equal(t, PhaseInit, m.Current())

	for i, p := range []Phase{PhaseUnderstand, PhasePlan, PhaseExecute, PhaseVerify, PhaseCommit, PhaseEvaluate, PhaseDone} {
		changed, v := m.Apply(p, i+1)
		assert.True(t, changed)
		assert.Nil(t, v)
	}
	assert.Equal(t, PhaseDone, m.Current())
	assert.Empty(t, m.Violations())
}

func TestMachine_InvalidTransitionIsAppliedAndRecorded(t *testing.T) {
	m := NewMachine(PhasePlan)

	changed, v := m.Apply(PhaseCommit, 3)
	assert.True(t, changed)
	require.NotNil(t, v)
	assert.Equal(t, PhaseCommit, m.Current(), "table is informational")
	assert.Equal(t, ViolationInvalidTransition, v.Type)
	assert.Equal(t, PhasePlan, v.From)
	assert.Equal(t, PhaseCommit, v.Phase)
	assert.Equal(t, SeverityWarning, v.Severity)
	assert.Equal(t, 3, v.Iteration)
	assert.False(t, v.DetectedAt.IsZero())

	require.Len(t, m.Violations(), 1)
}

func TestMachine_SamePhaseIsNoop(t *testing.T) {
	m := NewMachine(PhaseVerify)
	changed, v := m.Apply(PhaseVerify, 1)
	assert.False(t, changed)
	assert.Nil(t, v)
}

func TestMachine_Record(t *testing.T) {
	m := NewMachine(PhaseExecute)
	m.Record(Violation{Type: ViolationBundledChanges, Severity: SeverityWarning})
	vs := m.Violations()
	require.Len(t, vs, 1)
	assert.False(t, vs[0].DetectedAt.IsZero())

	vs[0].Type = "mutated"
	assert.Equal(t, ViolationBundledChanges, m.Violations()[0].Type, "Violations returns a copy")
}
