// Package runtime drives the agent runtime that performs each turn.
//
// A Driver starts one turn and returns a channel of Events. The driver
// closes the channel when the turn ends; consumers stop early by
// cancelling the context passed to Start. CLIDriver runs the agent CLI as
// a subprocess and decodes its stream-json output. SimulationDriver replays
// scripted turns and needs no external binary.
package runtime

import (
	"context"
	"errors"
)

// Kind tags an Event.
type Kind string

const (
	KindInit       Kind = "init"
	KindText       Kind = "text"
	KindToolUse    Kind = "tool_use"
	KindToolResult Kind = "tool_result"
	KindResult     Kind = "result"
	KindError      Kind = "error"
)

// Event is one item of turn output. Which fields are set depends on Kind.
type Event struct {
	Kind Kind

	// SessionID is the runtime's own session id (init and result).
	SessionID string
	Model     string

	// Text is assistant text for KindText and the final answer for KindResult.
	Text string

	ToolUseID string
	ToolName  string
	ToolInput map[string]any

	// Output is the tool output for KindToolResult.
	Output  string
	IsError bool

	// Result fields.
	CostUSD    float64
	NumTurns   int
	DurationMS int64

	// Err is set for KindError.
	Err error
}

// Turn describes one request to the runtime.
type Turn struct {
	Prompt string

	// SystemPrompt is appended to the runtime's own system prompt.
	SystemPrompt string

	Model    string
	ResumeID string
	WorkDir  string

	// ThinkingTokens enables extended thinking with this budget when > 0.
	ThinkingTokens int

	AllowedTools []string
	Agents       map[string]AgentSpec

	// PermissionMode overrides the driver's default, e.g. "plan".
	PermissionMode string

	// Iteration is informational; simulation scripts key on it.
	Iteration int
}

// AgentSpec defines a subagent the runtime may delegate to.
type AgentSpec struct {
	Description string   `json:"description"`
	Prompt      string   `json:"prompt"`
	Tools       []string `json:"tools,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// Driver runs turns against an agent runtime.
type Driver interface {
	Name() string
	Start(ctx context.Context, turn Turn) (<-chan Event, error)
}

// ErrEmptyPrompt is returned when a turn has no prompt.
var ErrEmptyPrompt = errors.New("turn prompt is empty")

// send delivers e unless ctx is done. It reports whether e was delivered.
func send(ctx context.Context, ch chan<- Event, e Event) bool {
	select {
	case ch <- e:
		return true
	case <-ctx.Done():
		return false
	}
}
