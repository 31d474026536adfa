package orchestrator

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/conductor/internal/gates"
	"github.com/fyrsmithlabs/conductor/internal/profile"
)

// phaseSteps describes each marker in the loop instructions.
var phaseSteps = []struct {
	phase Phase
	what  string
}{
	{PhaseInit, "Load context and detect the project profile"},
	{PhaseUnderstand, "Classify the request and assess scope"},
	{PhasePlan, "Create tasks with dependencies using TaskCreate"},
	{PhaseExecute, "Work through tasks and update their status"},
	{PhaseVerify, "Hand over to the quality gates"},
	{PhaseCommit, "Create a checkpoint commit"},
	{PhaseEvaluate, "Check whether the task is done and loop if needed"},
}

// SystemPrompt is appended to the runtime's system prompt on every turn.
func SystemPrompt(p *profile.Profile) string {
	var b strings.Builder
	b.WriteString("## Conductor\n\n")
	if p != nil {
		fmt.Fprintf(&b, "Profile: %s\n", p.Name)
		if names := p.GateNames(); len(names) > 0 {
			fmt.Fprintf(&b, "Gates: %s\n", strings.Join(names, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("Run the development loop for this task using these phases:\n")
	for i, s := range phaseSteps {
		fmt.Fprintf(&b, "%d. %s - %s\n", i+1, s.phase.Marker(), s.what)
	}
	fmt.Fprintf(&b, "\nMark phase transitions with [PHASE] tags. Write %s when the task is complete", PhaseDone.Marker())
	fmt.Fprintf(&b, " or %s on a line of its own when it cannot be completed.\n", PhaseError.Marker())
	return b.String()
}

// TaskPrompt opens a fresh session.
func TaskPrompt(task string) string {
	return "Task: " + task + "\n\nStart with " + PhaseUnderstand.Marker() + "."
}

// ContinuePrompt resumes the loop in phase.
func ContinuePrompt(phase Phase) string {
	return fmt.Sprintf("Continue the task. Current phase: %s. Mark phase transitions with [PHASE] tags.", phase)
}

// GatesPassedPrompt follows a clean verification.
func GatesPassedPrompt() string {
	return "All blocking gates passed. Commit the changes, then continue with " + PhaseCommit.Marker() + "."
}

// GatesFailedPrompt sends the loop back to execute with the failures.
func GatesFailedPrompt(results []gates.Result) string {
	return "Quality gates failed. Return to " + PhaseExecute.Marker() + " and fix them.\n\n" + gates.FailurePrompt(results)
}

// PlanPrompt asks for a plan without changes.
func PlanPrompt(task string) string {
	return "Plan: " + task + `

Create a structured plan with:
1. Task summary
2. Approach
3. Files to change
4. Dependencies
5. Risks
6. Quality gates

Do NOT make any changes. Only analyze and plan.`
}

func withFeedback(prompt string, feedback []string) string {
	if len(feedback) == 0 {
		return prompt
	}
	return prompt + "\n\n" + strings.Join(feedback, "\n\n")
}
