package hooks

import (
	"time"

	"github.com/fyrsmithlabs/conductor/internal/config"
)

// BuiltinDeps supplies the collaborators of the built-in handlers.
// A nil Store disables session tracking; a nil Gates disables the gate hooks.
type BuiltinDeps struct {
	Config  config.HooksConfig
	Store   Store
	Gates   GateRunner
	Scanner SecretScanner
	Tracker *SubagentTracker

	// Head resolves the HEAD commit for CommitTracker's fallback.
	Head func(dir string) (string, error)
}

// Builtins returns the standard handler set, ordered so guards run before
// anything with side effects.
func Builtins(d BuiltinDeps) Registrations {
	rs := make(Registrations)
	cfg := d.Config

	if cfg.CommandGuard {
		rs.Add(PreToolUse, CommandGuard{}, WithName("command-guard"), WithMatcher("Bash"))
	}
	if cfg.PathGuard {
		guard := &PathGuard{Protected: cfg.ProtectedPaths}
		if cfg.ScanSecrets {
			guard.Scanner = d.Scanner
		}
		rs.Add(PreToolUse, guard, WithName("path-guard"), WithMatcher(FileEditTools))
	}
	if d.Gates != nil && cfg.TestBeforeCommit {
		rs.Add(PreToolUse, &TestBeforeCommit{Gates: d.Gates}, WithName("test-before-commit"), WithMatcher("Bash"))
	}

	if d.Store != nil {
		rs.Add(PostToolUse, &FileTracker{Store: d.Store}, WithName("file-tracker"), WithMatcher(FileEditTools))
		rs.Add(PostToolUse, &CommitTracker{Store: d.Store, Head: d.Head}, WithName("commit-tracker"), WithMatcher("Bash"))
		rs.Add(PreCompact, &CompactionSnapshot{Store: d.Store}, WithName("compaction-snapshot"))
		rs.Add(SessionStart, &SessionContext{Store: d.Store}, WithName("session-context"))
		rs.Add(Stop, &StopRecorder{Store: d.Store}, WithName("stop-recorder"))
		rs.Add(SessionEnd, &StopRecorder{Store: d.Store}, WithName("end-recorder"))
	}
	if d.Gates != nil && cfg.LintOnEdit {
		lint := NewLintOnEdit(d.Gates, "lint", time.Duration(cfg.LintInterval))
		rs.Add(PostToolUse, lint, WithName("lint-on-edit"), WithMatcher(FileEditTools))
	}

	tracker := d.Tracker
	if tracker == nil {
		tracker = NewSubagentTracker("", cfg.SubagentHistory)
	}
	rs.Add(SubagentStart, tracker, WithName("subagent-tracker"))
	rs.Add(SubagentStop, tracker, WithName("subagent-tracker"))

	return rs
}
