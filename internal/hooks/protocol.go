package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/logging"
)

// Exit codes understood by the host runtime.
const (
	ExitAllow   = 0
	ExitConfirm = 1
	ExitBlock   = 2
)

// maxInputBytes bounds how much stdin a hook invocation reads.
const maxInputBytes = 10 * 1024 * 1024

// wireInput is the union of every field the host may send.
type wireInput struct {
	HookEventName      string         `json:"hook_event_name"`
	SessionID          string         `json:"session_id"`
	Cwd                string         `json:"cwd"`
	Source             string         `json:"source"`
	Reason             string         `json:"reason"`
	Prompt             string         `json:"prompt"`
	ToolName           string         `json:"tool_name"`
	ToolInput          map[string]any `json:"tool_input"`
	ToolResponse       any            `json:"tool_response"`
	ToolResult         any            `json:"tool_result"`
	Error              string         `json:"error"`
	AgentID            string         `json:"agent_id"`
	AgentType          string         `json:"agent_type"`
	SubagentType       string         `json:"subagent_type"`
	Task               string         `json:"task"`
	Model              string         `json:"model"`
	Result             any            `json:"result"`
	Status             string         `json:"status"`
	Trigger            string         `json:"trigger"`
	CustomInstructions string         `json:"custom_instructions"`
	StopHookActive     bool           `json:"stop_hook_active"`
}

// Decode parses a host payload. An explicit event overrides hook_event_name.
func Decode(data []byte, event EventType) (Payload, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrEmptyInput
	}
	var in wireInput
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decoding hook input: %w", err)
	}
	if event == "" {
		parsed, err := ParseEventType(in.HookEventName)
		if err != nil {
			return nil, err
		}
		event = parsed
	}
	base := Base{Event: event, SessionID: in.SessionID, Cwd: in.Cwd}

	switch event {
	case SessionStart, SessionEnd:
		return &SessionPayload{Base: base, Source: in.Source, Reason: in.Reason}, nil
	case UserPromptSubmit:
		return &PromptPayload{Base: base, Prompt: in.Prompt}, nil
	case PreToolUse, PostToolUse:
		resp := in.ToolResponse
		if resp == nil {
			resp = in.ToolResult
		}
		return &ToolPayload{
			Base:         base,
			ToolName:     in.ToolName,
			ToolInput:    in.ToolInput,
			ToolResponse: resp,
			Error:        in.Error,
		}, nil
	case SubagentStart, SubagentStop:
		p := &SubagentPayload{
			Base:      base,
			AgentID:   in.AgentID,
			AgentType: firstNonEmpty(in.AgentType, in.SubagentType, in.ToolInput["subagent_type"]),
			Prompt:    firstNonEmpty(in.Prompt, in.Task, in.ToolInput["prompt"]),
			Model:     firstNonEmpty(in.Model, in.ToolInput["model"]),
			Result:    flatten(in.Result),
			Status:    in.Status,
		}
		return p, nil
	case PreCompact:
		return &CompactPayload{Base: base, Trigger: in.Trigger, CustomInstructions: in.CustomInstructions}, nil
	case Stop:
		return &StopPayload{Base: base, StopHookActive: in.StopHookActive}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
}

func firstNonEmpty(vals ...any) string {
	for _, v := range vals {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// wireOutput is written to stdout for the host to consume.
type wireOutput struct {
	Continue           bool           `json:"continue"`
	Success            bool           `json:"success"`
	Decision           Decision       `json:"decision"`
	Reason             string         `json:"reason,omitempty"`
	SystemMessage      string         `json:"systemMessage,omitempty"`
	Warnings           []string       `json:"warnings,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
	HookSpecificOutput *hookSpecific  `json:"hookSpecificOutput,omitempty"`
}

type hookSpecific struct {
	HookEventName            EventType `json:"hookEventName"`
	PermissionDecision       string    `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string    `json:"permissionDecisionReason,omitempty"`
	AdditionalContext        string    `json:"additionalContext,omitempty"`
}

// Encode renders an outcome in the host's JSON format.
func Encode(out *Outcome) ([]byte, error) {
	w := wireOutput{
		Continue:      true,
		Success:       out.Success(),
		Decision:      out.Decision,
		Reason:        out.Reason,
		SystemMessage: out.SystemMessage(),
		Warnings:      out.Warnings,
		Context:       out.Context,
	}
	switch out.Event {
	case PreToolUse:
		hs := &hookSpecific{HookEventName: PreToolUse}
		switch {
		case out.Blocked():
			hs.PermissionDecision = "deny"
			hs.PermissionDecisionReason = out.Reason
		case len(out.Warnings) > 0:
			hs.PermissionDecision = "ask"
			hs.PermissionDecisionReason = strings.Join(out.Warnings, "; ")
		case autoApproved(out):
			hs.PermissionDecision = "allow"
			hs.PermissionDecisionReason = "matched safe command list"
		}
		if hs.PermissionDecision != "" {
			w.HookSpecificOutput = hs
		}
	case SessionStart, UserPromptSubmit:
		if msg := out.SystemMessage(); msg != "" {
			w.HookSpecificOutput = &hookSpecific{HookEventName: out.Event, AdditionalContext: msg}
		}
	}
	return json.Marshal(w)
}

func autoApproved(out *Outcome) bool {
	v, _ := out.Context[ContextAutoApprove].(bool)
	return v
}

// ExitCode maps an outcome to the process exit status.
func ExitCode(out *Outcome) int {
	switch {
	case out.Blocked():
		return ExitBlock
	case out.Failed > 0:
		return ExitConfirm
	case out.Event == PreToolUse && len(out.Warnings) > 0:
		return ExitConfirm
	}
	return ExitAllow
}

// Protocol runs one hook invocation over stdio.
type Protocol struct {
	Bus    *Bus
	Logger *logging.Logger
}

// Serve reads a payload from stdin, dispatches it, and writes the JSON
// outcome to stdout and a human-readable summary to stderr. It returns
// the process exit code. Empty or malformed input allows the action.
func (p *Protocol) Serve(ctx context.Context, event EventType, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := p.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	data, err := io.ReadAll(io.LimitReader(stdin, maxInputBytes))
	if err != nil {
		logger.Warn(ctx, "failed to read hook input", zap.Error(err))
		fmt.Fprintf(stderr, "conductor: could not read hook input: %v\n", err)
		return ExitAllow
	}
	payload, err := Decode(data, event)
	if err != nil {
		if errors.Is(err, ErrEmptyInput) {
			fmt.Fprintln(stderr, "conductor: no hook input, allowing")
		} else {
			fmt.Fprintf(stderr, "conductor: ignoring malformed hook input: %v\n", err)
		}
		logger.Warn(ctx, "unusable hook input, allowing", zap.Error(err))
		return ExitAllow
	}

	out := p.Bus.Dispatch(ctx, payload)
	encoded, err := Encode(out)
	if err != nil {
		logger.Error(ctx, "failed to encode hook output", zap.Error(err))
		return ExitConfirm
	}
	fmt.Fprintln(stdout, string(encoded))
	writeHuman(stderr, out)
	return ExitCode(out)
}

func writeHuman(w io.Writer, out *Outcome) {
	if out.Blocked() {
		fmt.Fprintf(w, "BLOCKED: %s\n", out.Reason)
	}
	for _, warning := range out.Warnings {
		fmt.Fprintf(w, "WARNING: %s\n", warning)
	}
}
