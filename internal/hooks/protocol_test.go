package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_SelectsPayloadByEvent(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, p Payload)
	}{
		{"pre tool use", `{"hook_event_name":"PreToolUse","session_id":"s","cwd":"/w","tool_name":"Bash","tool_input":{"command":"ls"}}`,
			func(t *testing.T, p Payload) {
				tp := p.(*ToolPayload)
				assert.Equal(t, "ls", tp.Command())
				assert.Equal(t, "/w", tp.Cwd)
				assert.Equal(t, "Bash", tp.Subject())
			}},
		{"post tool use legacy result", `{"hook_event_name":"PostToolUse","tool_name":"Bash","tool_result":{"stdout":"[main abc1234] msg"}}`,
			func(t *testing.T, p Payload) {
				assert.Contains(t, p.(*ToolPayload).ResponseText(), "abc1234")
			}},
		{"subagent from tool input", `{"hook_event_name":"SubagentStart","agent_id":"a1","tool_input":{"subagent_type":"explore","prompt":"find it"}}`,
			func(t *testing.T, p Payload) {
				sp := p.(*SubagentPayload)
				assert.Equal(t, "explore", sp.AgentType)
				assert.Equal(t, "find it", sp.Prompt)
				assert.Equal(t, "explore", sp.Subject())
			}},
		{"compact", `{"hook_event_name":"PreCompact","trigger":"auto"}`,
			func(t *testing.T, p Payload) {
				assert.Equal(t, "auto", p.(*CompactPayload).Subject())
			}},
		{"stop", `{"hook_event_name":"Stop","stop_hook_active":true}`,
			func(t *testing.T, p Payload) {
				assert.True(t, p.(*StopPayload).StopHookActive)
			}},
		{"prompt", `{"hook_event_name":"UserPromptSubmit","prompt":"hello"}`,
			func(t *testing.T, p Payload) {
				assert.Equal(t, "hello", p.(*PromptPayload).Prompt)
			}},
		{"session start", `{"hook_event_name":"sessionstart","source":"resume"}`,
			func(t *testing.T, p Payload) {
				assert.Equal(t, SessionStart, p.Common().Event)
				assert.Equal(t, "resume", p.Subject())
			}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode([]byte(tt.input), "")
			require.NoError(t, err)
			tt.check(t, p)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte("  \n"), "")
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = Decode([]byte(`{"hook_event_name":"Nope"}`), "")
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = Decode([]byte(`{not json`), "")
	assert.Error(t, err)
}

func TestDecode_ExplicitEventOverrides(t *testing.T) {
	p, err := Decode([]byte(`{"tool_name":"Write"}`), PostToolUse)
	require.NoError(t, err)
	assert.Equal(t, PostToolUse, p.Common().Event)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		out  Outcome
		want int
	}{
		{"allow", Outcome{Event: PreToolUse, Decision: Allow}, ExitAllow},
		{"block", Outcome{Event: PreToolUse, Decision: Block}, ExitBlock},
		{"pre tool warnings", Outcome{Event: PreToolUse, Decision: Allow, Warnings: []string{"w"}}, ExitConfirm},
		{"post tool warnings", Outcome{Event: PostToolUse, Decision: Allow, Warnings: []string{"w"}}, ExitAllow},
		{"handler failure", Outcome{Event: Stop, Decision: Allow, Failed: 1}, ExitConfirm},
		{"block beats failure", Outcome{Event: PreToolUse, Decision: Block, Failed: 1}, ExitBlock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(&tt.out))
		})
	}
}

func TestEncode_PermissionDecision(t *testing.T) {
	tests := []struct {
		name string
		out  Outcome
		want string
	}{
		{"deny", Outcome{Event: PreToolUse, Decision: Block, Reason: "r"}, "deny"},
		{"ask", Outcome{Event: PreToolUse, Decision: Allow, Warnings: []string{"w"}}, "ask"},
		{"auto approve", Outcome{Event: PreToolUse, Decision: Allow, Context: map[string]any{ContextAutoApprove: true}}, "allow"},
		{"defer", Outcome{Event: PreToolUse, Decision: Allow}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(&tt.out)
			require.NoError(t, err)
			var m map[string]any
			require.NoError(t, json.Unmarshal(data, &m))
			assert.Equal(t, true, m["continue"])
			hs, _ := m["hookSpecificOutput"].(map[string]any)
			if tt.want == "" {
				assert.Nil(t, hs)
				return
			}
			require.NotNil(t, hs)
			assert.Equal(t, tt.want, hs["permissionDecision"])
		})
	}
}

func TestEncode_SessionStartAdditionalContext(t *testing.T) {
	data, err := Encode(&Outcome{Event: SessionStart, Decision: Allow, SystemMessages: []string{"resume here"}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"additionalContext":"resume here"`)
	assert.Contains(t, string(data), `"systemMessage":"resume here"`)
}

func TestEncode_Success(t *testing.T) {
	data, err := Encode(&Outcome{Event: Stop, Decision: Allow, Handled: 2, Failed: 1})
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, false, m["success"])
	assert.Equal(t, true, m["continue"])

	data, err = Encode(&Outcome{Event: Stop, Decision: Allow, Handled: 2})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, true, m["success"])
}

func TestServe(t *testing.T) {
	b := newBus(t)
	require.NoError(t, b.Apply(Builtins(BuiltinDeps{Config: guardsOnly()})))
	proto := &Protocol{Bus: b}

	tests := []struct {
		name       string
		stdin      string
		wantCode   int
		wantStdout string
		wantStderr string
	}{
		{"blocked command", `{"hook_event_name":"PreToolUse","tool_name":"Bash","tool_input":{"command":"rm -rf /"}}`,
			ExitBlock, `"decision":"block"`, "BLOCKED:"},
		{"warned command", `{"hook_event_name":"PreToolUse","tool_name":"Bash","tool_input":{"command":"sudo apt install jq"}}`,
			ExitConfirm, `"permissionDecision":"ask"`, "WARNING:"},
		{"safe command", `{"hook_event_name":"PreToolUse","tool_name":"Bash","tool_input":{"command":"git status"}}`,
			ExitAllow, `"permissionDecision":"allow"`, ""},
		{"empty stdin", "", ExitAllow, "", "no hook input"},
		{"malformed stdin", "{{{", ExitAllow, "", "malformed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := proto.Serve(context.Background(), "", strings.NewReader(tt.stdin), &stdout, &stderr)
			assert.Equal(t, tt.wantCode, code)
			if tt.wantStdout != "" {
				assert.Contains(t, stdout.String(), tt.wantStdout)
			} else {
				assert.Empty(t, stdout.String())
			}
			if tt.wantStderr != "" {
				assert.Contains(t, stderr.String(), tt.wantStderr)
			}
		})
	}
}
