package hooks

import (
	"fmt"
	"strings"
)

// EventType names a lifecycle point in the host agent runtime.
type EventType string

const (
	SessionStart     EventType = "SessionStart"
	SessionEnd       EventType = "SessionEnd"
	UserPromptSubmit EventType = "UserPromptSubmit"
	PreToolUse       EventType = "PreToolUse"
	PostToolUse      EventType = "PostToolUse"
	SubagentStart    EventType = "SubagentStart"
	SubagentStop     EventType = "SubagentStop"
	PreCompact       EventType = "PreCompact"
	Stop             EventType = "Stop"
)

// EventTypes lists every event in lifecycle order.
var EventTypes = []EventType{
	SessionStart, UserPromptSubmit, PreToolUse, PostToolUse,
	SubagentStart, SubagentStop, PreCompact, Stop, SessionEnd,
}

// Valid reports whether e is a known event type.
func (e EventType) Valid() bool {
	for _, t := range EventTypes {
		if t == e {
			return true
		}
	}
	return false
}

// ParseEventType resolves a name case-insensitively.
func ParseEventType(s string) (EventType, error) {
	for _, t := range EventTypes {
		if strings.EqualFold(string(t), s) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEvent, s)
}

// Payload is implemented by every event payload. The concrete type is
// selected by the event: *ToolPayload for PreToolUse and PostToolUse,
// *SubagentPayload for SubagentStart and SubagentStop, and so on.
type Payload interface {
	Common() Base

	// Subject is the string handler matchers are tested against.
	Subject() string
}

// Base carries the fields every payload shares.
type Base struct {
	Event     EventType `json:"hook_event_name"`
	SessionID string    `json:"session_id,omitempty"`
	Cwd       string    `json:"cwd,omitempty"`
}

// Common implements Payload.
func (b Base) Common() Base { return b }

// SessionPayload is sent for SessionStart and SessionEnd.
type SessionPayload struct {
	Base
	Source string `json:"source,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Subject returns the start source or end reason.
func (p *SessionPayload) Subject() string {
	if p.Source != "" {
		return p.Source
	}
	return p.Reason
}

// PromptPayload is sent for UserPromptSubmit.
type PromptPayload struct {
	Base
	Prompt string `json:"prompt"`
}

// Subject is always empty; prompt handlers cannot be matched.
func (p *PromptPayload) Subject() string { return "" }

// ToolPayload is sent for PreToolUse and PostToolUse.
// ToolResponse and Error are only set after the tool ran.
type ToolPayload struct {
	Base
	ToolName     string         `json:"tool_name"`
	ToolInput    map[string]any `json:"tool_input,omitempty"`
	ToolResponse any            `json:"tool_response,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Subject returns the tool name.
func (p *ToolPayload) Subject() string { return p.ToolName }

// Input returns a string field of the tool input.
func (p *ToolPayload) Input(key string) string {
	if p.ToolInput == nil {
		return ""
	}
	s, _ := p.ToolInput[key].(string)
	return s
}

// Command returns the shell command of a Bash call.
func (p *ToolPayload) Command() string { return p.Input("command") }

// FilePath returns the target of a file-editing call.
func (p *ToolPayload) FilePath() string {
	if fp := p.Input("file_path"); fp != "" {
		return fp
	}
	if fp := p.Input("notebook_path"); fp != "" {
		return fp
	}
	return p.Input("path")
}

// NewContent returns the text a file-editing call would write.
func (p *ToolPayload) NewContent() string {
	var parts []string
	for _, key := range []string{"content", "new_string", "new_source"} {
		if s := p.Input(key); s != "" {
			parts = append(parts, s)
		}
	}
	if edits, ok := p.ToolInput["edits"].([]any); ok {
		for _, e := range edits {
			if m, ok := e.(map[string]any); ok {
				if s, _ := m["new_string"].(string); s != "" {
					parts = append(parts, s)
				}
			}
		}
	}
	return strings.Join(parts, "\n")
}

// ResponseText flattens the tool response into searchable text.
func (p *ToolPayload) ResponseText() string {
	return flatten(p.ToolResponse)
}

func flatten(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any:
		var parts []string
		for _, key := range []string{"stdout", "output", "result", "content", "stderr"} {
			if s := flatten(t[key]); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	case []any:
		var parts []string
		for _, e := range t {
			if s := flatten(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	default:
		return fmt.Sprint(t)
	}
}

// SubagentPayload is sent for SubagentStart and SubagentStop.
type SubagentPayload struct {
	Base
	AgentID   string `json:"agent_id,omitempty"`
	AgentType string `json:"agent_type,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Model     string `json:"model,omitempty"`
	Result    string `json:"result,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Subject returns the agent type.
func (p *SubagentPayload) Subject() string { return p.AgentType }

// CompactPayload is sent for PreCompact.
type CompactPayload struct {
	Base
	Trigger            string `json:"trigger,omitempty"`
	CustomInstructions string `json:"custom_instructions,omitempty"`
}

// Subject returns the compaction trigger ("manual" or "auto").
func (p *CompactPayload) Subject() string { return p.Trigger }

// StopPayload is sent for Stop.
type StopPayload struct {
	Base
	StopHookActive bool `json:"stop_hook_active,omitempty"`
}

// Subject is always empty.
func (p *StopPayload) Subject() string { return "" }

// Decision is a handler's verdict on the action.
type Decision string

const (
	Allow Decision = "allow"
	Block Decision = "block"
)

// Result is what a single handler returns. Success is stamped by the bus:
// true when the handler returned without error or panic.
type Result struct {
	Handler       string
	Success       bool
	Decision      Decision
	Reason        string
	Warnings      []string
	Context       map[string]any
	SystemMessage string
}

// Allowed returns an empty allowing result.
func Allowed() Result { return Result{Decision: Allow} }

// Blocked returns a blocking result with the given reason.
func Blocked(reason string) Result { return Result{Decision: Block, Reason: reason} }

// Warned returns an allowing result carrying warnings.
func Warned(warnings ...string) Result { return Result{Decision: Allow, Warnings: warnings} }

// Blocks reports whether the result blocks the action.
func (r Result) Blocks() bool { return r.Decision == Block }

// Outcome is the merged result of one dispatch.
type Outcome struct {
	Event          EventType
	Decision       Decision
	Reason         string
	BlockedBy      string
	Warnings       []string
	Context        map[string]any
	SystemMessages []string

	// Results holds each handler's result in the order they ran.
	Results []Result

	// Handled counts handlers that ran; Failed counts those that errored or panicked.
	Handled int
	Failed  int
}

// Success reports whether every handler that ran completed.
func (o *Outcome) Success() bool { return o.Failed == 0 }

// Blocked reports whether any handler blocked.
func (o *Outcome) Blocked() bool { return o.Decision == Block }

// SystemMessage joins the accumulated system messages.
func (o *Outcome) SystemMessage() string {
	return strings.Join(o.SystemMessages, "\n\n")
}
