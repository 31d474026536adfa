package orchestrator

import "github.com/fyrsmithlabs/conductor/internal/profile"

// SelectModel picks the model for a phase. A per-phase override wins, then
// the planning or exploration tier, then the profile default. An empty
// result leaves the choice to the runtime.
func SelectModel(p *profile.Profile, phase Phase) string {
	if p == nil {
		return ""
	}
	return p.Models.ForPhase(string(phase))
}

// ThinkingBudget returns the extended-thinking budget for prompt, or 0.
func ThinkingBudget(p *profile.Profile, prompt string) int {
	if p == nil {
		return 0
	}
	return p.Thinking.BudgetFor(prompt)
}
