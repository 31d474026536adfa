package orchestrator

import "github.com/fyrsmithlabs/conductor/internal/runtime"

// DefaultTools is the tool allowlist for loop turns.
var DefaultTools = []string{
	"Read", "Write", "Edit", "MultiEdit", "Bash", "Glob", "Grep",
	"Task", "TaskCreate", "TaskUpdate", "TaskList", "TaskGet",
	"AskUserQuestion", "WebSearch", "WebFetch", "NotebookEdit", "Skill",
}

// PlanTools is the read-only allowlist for planning turns.
var PlanTools = []string{"Read", "Glob", "Grep", "Task", "AskUserQuestion"}

// Subagents returns the delegate definitions handed to the runtime.
// Exploration runs on the fast tier; the rest use the default tier.
func Subagents() map[string]runtime.AgentSpec {
	return map[string]runtime.AgentSpec{
		"explore": {
			Description: "Fast codebase exploration and file search",
			Prompt:      "Search and analyze code patterns. Use Glob to find files, Grep to search content, Read to examine files.",
			Tools:       []string{"Read", "Glob", "Grep"},
			Model:       "haiku",
		},
		"test-runner": {
			Description: "Run and analyze test suites",
			Prompt:      "Execute test suites and report results. Identify failing tests and their causes.",
			Tools:       []string{"Bash", "Read"},
			Model:       "sonnet",
		},
		"lint-fixer": {
			Description: "Fix linting and formatting issues",
			Prompt:      "Analyze lint errors and fix them. Run the linter, read the errors, apply fixes.",
			Tools:       []string{"Read", "Edit", "Bash"},
			Model:       "sonnet",
		},
		"reviewer": {
			Description: "Code review and quality analysis",
			Prompt:      "Review code for quality, security, and maintainability. Give specific feedback with file:line references.",
			Tools:       []string{"Read", "Glob", "Grep"},
			Model:       "sonnet",
		},
	}
}
