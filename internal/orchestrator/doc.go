// Package orchestrator drives the development loop.
//
// # Phases
//
// A session moves through these phases:
//
//	init → understand → plan → execute ⇄ verify → commit → evaluate → done
//
// evaluate may loop back to execute, and any phase may end in error. The
// agent announces phases with bracketed markers such as [VERIFY] in its
// text. ExtractPhase picks the earliest marker, and Machine applies it.
// Moves the transition table does not allow are still applied but kept
// as Violations.
//
// # Loop
//
// Executor.Run asks the runtime driver for one turn per iteration and
// consumes the turn's event channel:
//   - text events update the phase
//   - tool results are mirrored onto the hook bus, and any system
//     messages the handlers return are appended to the next prompt
//   - result events fold spend into the session ledger
//
// When a turn leaves the loop in verify, the blocking gates run before the
// next turn. A clean batch moves the loop to commit; failures send it back
// to execute with the gate output attached to the prompt.
//
// The run ends on done or error, at the iteration ceiling, on budget
// exhaustion when StopOnBudget is set, or when the context is cancelled.
// The session is flushed at every turn boundary and on every exit path.
//
// # Usage Example
//
//	store := session.NewStore(session.Options{Dir: ".claude/state"})
//	exec := orchestrator.NewExecutor(orchestrator.Options{
//	    Store:   store,
//	    Driver:  runtime.NewCLIDriver(runtime.CLIOptions{}),
//	    Gates:   gates.NewRunner(prof, gates.Options{}),
//	    Profile: prof,
//	})
//	res, err := exec.Run(ctx, "add a --json flag to the status command")
package orchestrator
