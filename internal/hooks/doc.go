// Package hooks dispatches agent lifecycle events to registered handlers.
//
// The host agent runtime invokes conductor at fixed points: before and
// after each tool call, when a prompt is submitted, around subagents,
// before context compaction, and when the session starts, stops, or ends.
// Each invocation carries a JSON payload on stdin; [Decode] turns it into
// one of the typed payloads in this package and a [Bus] runs the handlers
// registered for that event.
//
// # Dispatch
//
// Handlers run in registration order. An optional matcher (an anchored
// regular expression) restricts a handler to certain tool names, agent
// types, or compaction triggers. The first handler that blocks stops the
// chain. Warnings, context, and system messages from every handler that
// ran are accumulated into a single [Outcome].
//
// A handler that returns an error or panics never blocks: the failure is
// logged, recorded as a warning, and dispatch continues. Quality gates
// take the opposite stance and fail closed.
//
// # Exit codes
//
// [ExitCode] maps an outcome onto the host protocol: 0 allows the action,
// 1 asks for confirmation or reports a soft failure, 2 blocks.
//
// # Built-in handlers
//
// [Builtins] assembles the standard set: a shell command guard, a file
// path and content guard, file and commit tracking into the session, a
// subagent tracker, a pre-compaction snapshot, and optional gate hooks
// that lint after edits and run tests before commits.
package hooks
