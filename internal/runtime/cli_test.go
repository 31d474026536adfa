//go:build unix

package runtime

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntime writes an executable shell script standing in for the agent CLI.
func fakeRuntime(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("channel was not closed")
		}
	}
}

func TestCLIDriver_StreamsEvents(t *testing.T) {
	bin := fakeRuntime(t, `cat <<'JSON'
{"type":"system","subtype":"init","session_id":"rt-9"}
{"type":"assistant","message":{"content":[{"type":"text","text":"[EXECUTE] working"}]}}
not json at all
{"type":"result","subtype":"success","session_id":"rt-9","total_cost_usd":0.1}
JSON`)
	d := NewCLIDriver(CLIOptions{Binary: bin})

	ch, err := d.Start(context.Background(), Turn{Prompt: "go", WorkDir: t.TempDir()})
	require.NoError(t, err)
	evs := collect(t, ch)

	require.Len(t, evs, 3)
	assert.Equal(t, KindInit, evs[0].Kind)
	assert.Equal(t, "[EXECUTE] working", evs[1].Text)
	assert.Equal(t, KindResult, evs[2].Kind)
	assert.InDelta(t, 0.1, evs[2].CostUSD, 1e-9)
}

func TestCLIDriver_ExitWithoutResult(t *testing.T) {
	bin := fakeRuntime(t, `echo "auth failed" >&2; exit 3`)
	d := NewCLIDriver(CLIOptions{Binary: bin})

	ch, err := d.Start(context.Background(), Turn{Prompt: "go"})
	require.NoError(t, err)
	evs := collect(t, ch)

	require.Len(t, evs, 1)
	assert.Equal(t, KindError, evs[0].Kind)
	assert.Contains(t, evs[0].Err.Error(), "exited with code 3")
	assert.Contains(t, evs[0].Err.Error(), "auth failed")
}

func TestCLIDriver_CancelClosesChannel(t *testing.T) {
	bin := fakeRuntime(t, `echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}'; sleep 30`)
	d := NewCLIDriver(CLIOptions{Binary: bin})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := d.Start(ctx, Turn{Prompt: "go"})
	require.NoError(t, err)

	ev := <-ch
	assert.Equal(t, "hi", ev.Text)
	start := time.Now()
	cancel()
	collect(t, ch)
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestCLIDriver_Args(t *testing.T) {
	d := NewCLIDriver(CLIOptions{PermissionMode: "acceptEdits", ExtraArgs: []string{"--max-turns", "5"}})
	args, err := d.Args(Turn{
		Prompt:       "do it",
		Model:        "opus",
		ResumeID:     "rt-1",
		SystemPrompt: "phases",
		AllowedTools: []string{"Read", "Bash"},
		Agents:       map[string]AgentSpec{"explore": {Description: "d", Prompt: "p"}},
	})
	require.NoError(t, err)
	joined := strings.Join(args, " ")
	assert.True(t, strings.HasPrefix(joined, "-p do it --output-format stream-json --verbose"))
	assert.Contains(t, joined, "--model opus")
	assert.Contains(t, joined, "--resume rt-1")
	assert.Contains(t, joined, "--append-system-prompt phases")
	assert.Contains(t, joined, "--allowedTools Read,Bash")
	assert.Contains(t, joined, `--agents {"explore":{"description":"d","prompt":"p"}}`)
	assert.Contains(t, joined, "--permission-mode acceptEdits")
	assert.True(t, strings.HasSuffix(joined, "--max-turns 5"))

	args, err = d.Args(Turn{Prompt: "plan it", PermissionMode: "plan"})
	require.NoError(t, err)
	assert.Contains(t, strings.Join(args, " "), "--permission-mode plan")
	assert.NotContains(t, strings.Join(args, " "), "acceptEdits")
}

func TestCLIDriver_StartErrors(t *testing.T) {
	d := NewCLIDriver(CLIOptions{Binary: "definitely-not-installed-runtime"})
	_, err := d.Start(context.Background(), Turn{Prompt: "x"})
	assert.Error(t, err)

	_, err = d.Start(context.Background(), Turn{Prompt: "  "})
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestChildEnv(t *testing.T) {
	t.Setenv("CLAUDECODE", "1")
	env := childEnv(Turn{ThinkingTokens: 8000})
	for _, e := range env {
		assert.False(t, strings.HasPrefix(e, "CLAUDECODE="))
	}
	assert.Contains(t, env, "MAX_THINKING_TOKENS=8000")
}
