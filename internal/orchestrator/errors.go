package orchestrator

import "errors"

var (
	// ErrUnknownPhase is returned when a phase name is not recognized.
	ErrUnknownPhase = errors.New("unknown phase")

	// ErrTaskMismatch is returned when an active session was started for a
	// different task. Clear or fork the session first.
	ErrTaskMismatch = errors.New("active session belongs to a different task")

	// ErrNoTask is returned when there is neither a task nor a session to resume.
	ErrNoTask = errors.New("no task given and no session to resume")

	// ErrRuntime wraps failures reported by the agent runtime.
	ErrRuntime = errors.New("agent runtime failed")
)
