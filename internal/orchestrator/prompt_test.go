package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/conductor/internal/gates"
	"github.com/fyrsmithlabs/conductor/internal/profile"
)

func TestSystemPrompt(t *testing.T) {
	sp := SystemPrompt(testProfile())
	assert.Contains(t, sp, "Profile: test")
	assert.Contains(t, sp, "Gates: lint, test")
	for _, p := range []Phase{PhaseInit, PhaseUnderstand, PhasePlan, PhaseExecute, PhaseVerify, PhaseCommit, PhaseEvaluate, PhaseDone, PhaseError} {
		assert.Contains(t, sp, p.Marker())
	}
	assert.NotContains(t, SystemPrompt(nil), "Profile:")
}

func TestGatesFailedPrompt(t *testing.T) {
	p := GatesFailedPrompt([]gates.Result{{Name: "lint", Status: gates.StatusFailed, Command: "ruff check .", Output: "E501"}})
	assert.Contains(t, p, "Quality gates failed")
	assert.Contains(t, p, "## lint (`ruff check .`)")
	assert.Contains(t, p, "E501")
}

func TestWithFeedback(t *testing.T) {
	assert.Equal(t, "go", withFeedback("go", nil))
	assert.Equal(t, "go\n\na\n\nb", withFeedback("go", []string{"a", "b"}))
}

func TestSelectModel(t *testing.T) {
	p := &profile.Profile{Models: profile.Models{
		Default:     "sonnet",
		Planning:    "opus",
		Exploration: "haiku",
		Phases:      map[string]string{"execute": "sonnet-fast"},
	}}
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhasePlan, "opus"},
		{PhaseUnderstand, "haiku"},
		{PhaseExecute, "sonnet-fast"},
		{PhaseVerify, "sonnet"},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			assert.Equal(t, tt.want, SelectModel(p, tt.phase))
		})
	}
	assert.Empty(t, SelectModel(nil, PhasePlan))
}

func TestThinkingBudget(t *testing.T) {
	p := &profile.Profile{Thinking: profile.Thinking{MaxTokens: 8000, ExtendedFor: []string{"Refactor"}}}
	assert.Equal(t, 8000, ThinkingBudget(p, "please refactor the parser"))
	assert.Zero(t, ThinkingBudget(p, "fix a typo"))
	assert.Zero(t, ThinkingBudget(nil, "refactor"))
}

func TestSubagents(t *testing.T) {
	agents := Subagents()
	for _, name := range []string{"explore", "test-runner", "lint-fixer", "reviewer"} {
		a, ok := agents[name]
		if assert.True(t, ok, name) {
			assert.NotEmpty(t, a.Description)
			assert.NotEmpty(t, a.Tools)
			assert.NotEmpty(t, a.Model)
		}
	}
	assert.Equal(t, "haiku", agents["explore"].Model)
	assert.NotContains(t, agents["reviewer"].Tools, "Edit", "reviewers are read-only")
}
