package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/procgroup"
)

const (
	// DefaultBinary is the agent CLI looked up on PATH.
	DefaultBinary = "claude"

	stderrLimit = 16 * 1024
	waitGrace   = 5 * time.Second
)

// CLIOptions configures a CLIDriver.
type CLIOptions struct {
	// Binary is the runtime executable. Defaults to DefaultBinary.
	Binary string

	// ExtraArgs are appended after the generated flags.
	ExtraArgs []string

	// PermissionMode is passed as --permission-mode when set.
	PermissionMode string

	Logger *logging.Logger
}

// CLIDriver runs each turn as `claude -p <prompt> --output-format stream-json --verbose`.
type CLIDriver struct {
	opts   CLIOptions
	logger *logging.Logger

	// lookPath resolves the binary; replaced in tests.
	lookPath func(string) (string, error)
}

// NewCLIDriver creates a subprocess driver.
func NewCLIDriver(opts CLIOptions) *CLIDriver {
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &CLIDriver{opts: opts, logger: logger.Named("runtime"), lookPath: exec.LookPath}
}

// Name implements Driver.
func (d *CLIDriver) Name() string { return "cli" }

// Args builds the command line for a turn.
func (d *CLIDriver) Args(turn Turn) ([]string, error) {
	args := []string{"-p", turn.Prompt, "--output-format", "stream-json", "--verbose"}
	if turn.Model != "" {
		args = append(args, "--model", turn.Model)
	}
	if turn.ResumeID != "" {
		args = append(args, "--resume", turn.ResumeID)
	}
	if turn.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", turn.SystemPrompt)
	}
	if len(turn.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(turn.AllowedTools, ","))
	}
	if len(turn.Agents) > 0 {
		data, err := json.Marshal(turn.Agents)
		if err != nil {
			return nil, fmt.Errorf("encoding agents: %w", err)
		}
		args = append(args, "--agents", string(data))
	}
	mode := d.opts.PermissionMode
	if turn.PermissionMode != "" {
		mode = turn.PermissionMode
	}
	if mode != "" {
		args = append(args, "--permission-mode", mode)
	}
	return append(args, d.opts.ExtraArgs...), nil
}

// Start implements Driver.
func (d *CLIDriver) Start(ctx context.Context, turn Turn) (<-chan Event, error) {
	if strings.TrimSpace(turn.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	bin, err := d.lookPath(d.opts.Binary)
	if err != nil {
		return nil, fmt.Errorf("runtime binary %q not found: %w", d.opts.Binary, err)
	}
	args, err := d.Args(turn)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = turn.WorkDir
	cmd.Env = childEnv(turn)
	cmd.WaitDelay = waitGrace
	procgroup.Isolate(cmd)
	stderr := &limitedBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", d.opts.Binary, err)
	}
	d.logger.Debug(ctx, "runtime turn started",
		zap.String("binary", bin),
		zap.String("model", turn.Model),
		zap.Int("pid", cmd.Process.Pid))

	// Unblock the reader on cancellation; descendants may hold the pipe open.
	stop := context.AfterFunc(ctx, func() { _ = stdout.Close() })

	ch := make(chan Event)
	go func() {
		defer close(ch)
		defer stop()
		sawResult, streamErr := d.pump(ctx, stdout, ch)
		waitErr := cmd.Wait()

		if ctx.Err() != nil {
			return
		}
		switch {
		case streamErr != nil:
			send(ctx, ch, Event{Kind: KindError, Err: streamErr})
		case waitErr != nil && !sawResult:
			send(ctx, ch, Event{Kind: KindError, Err: exitError(d.opts.Binary, waitErr, stderr.String())})
		case !sawResult:
			send(ctx, ch, Event{Kind: KindError, Err: errors.New("runtime exited without a result")})
		}
	}()
	return ch, nil
}

// pump decodes stdout line by line until EOF or cancellation.
func (d *CLIDriver) pump(ctx context.Context, r io.Reader, ch chan<- Event) (bool, error) {
	reader := bufio.NewReader(r)
	sawResult := false
	for {
		line, readErr := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			evs, err := ParseLine(trimmed)
			if err != nil {
				d.logger.Warn(ctx, "skipping undecodable runtime line", zap.Error(err))
			}
			for _, ev := range evs {
				if ev.Kind == KindResult {
					sawResult = true
				}
				if !send(ctx, ch, ev) {
					return sawResult, nil
				}
			}
		}
		if errors.Is(readErr, io.EOF) {
			return sawResult, nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return sawResult, nil
			}
			return sawResult, fmt.Errorf("reading runtime output: %w", readErr)
		}
	}
}

// childEnv strips variables that make the runtime think it is nested in
// another session.
func childEnv(turn Turn) []string {
	var env []string
	for _, e := range os.Environ() {
		if strings.HasPrefix(e, "CLAUDECODE=") || strings.HasPrefix(e, "CLAUDE_CODE_ENTRYPOINT=") {
			continue
		}
		env = append(env, e)
	}
	if turn.ThinkingTokens > 0 {
		env = append(env, "MAX_THINKING_TOKENS="+strconv.Itoa(turn.ThinkingTokens))
	}
	return env
}

func exitError(bin string, err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if msg != "" {
			return fmt.Errorf("%s exited with code %d: %s", bin, exitErr.ExitCode(), msg)
		}
		return fmt.Errorf("%s exited with code %d", bin, exitErr.ExitCode())
	}
	return fmt.Errorf("%s failed: %w", bin, err)
}

// limitedBuffer keeps the first limit bytes written to it.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
