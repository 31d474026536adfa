package gates

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/procgroup"
	"github.com/fyrsmithlabs/conductor/internal/profile"
)

const (
	instrumentationName = "github.com/fyrsmithlabs/conductor/internal/gates"

	defaultMaxOutput = 64 * 1024

	// pipeGrace bounds how long Wait keeps reading pipes held open by
	// stray descendants after the gate's shell exits.
	pipeGrace = 2 * time.Second
)

// Recorder receives every result the runner produces.
type Recorder interface {
	RecordGate(Result)
}

// Redactor scrubs secrets from captured output.
type Redactor interface {
	Redact(content string) (string, int)
}

// Options configures a Runner.
type Options struct {
	// WorkDir is where gate commands run. Empty means the current directory.
	WorkDir string

	// DefaultTimeout applies to gates without their own timeout.
	DefaultTimeout time.Duration

	// MaxOutputBytes caps captured stdout and stderr separately.
	MaxOutputBytes int

	// Env is appended to the process environment.
	Env []string

	Redactor Redactor
	Recorder Recorder
	Logger   *logging.Logger
	Tracer   trace.Tracer
}

// Runner executes the gates of one profile and remembers the last result
// of each.
type Runner struct {
	profile *profile.Profile
	opts    Options
	logger  *logging.Logger
	tracer  trace.Tracer

	mu      sync.RWMutex
	results map[string]Result
}

// NewRunner creates a runner for p. The profile is treated as immutable.
func NewRunner(p *profile.Profile, opts Options) *Runner {
	if p == nil {
		p = &profile.Profile{Name: profile.GeneralProfile, Gates: map[string]profile.Gate{}}
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = profile.DefaultGateTimeout
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = defaultMaxOutput
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return &Runner{
		profile: p,
		opts:    opts,
		logger:  logger.Named("gates"),
		tracer:  tracer,
		results: make(map[string]Result),
	}
}

// Profile returns the runner's profile.
func (r *Runner) Profile() *profile.Profile {
	return r.profile
}

// Run executes one gate. A gate the profile does not define is skipped.
func (r *Runner) Run(ctx context.Context, name string) Result {
	gate, ok := r.profile.Gate(name)
	if !ok {
		res := Result{
			Name:      name,
			Status:    StatusSkipped,
			Output:    NotConfiguredMessage,
			StartedAt: time.Now().UTC(),
		}
		r.record(ctx, res)
		return res
	}

	ctx, span := r.tracer.Start(ctx, "gates.run", trace.WithAttributes(
		attribute.String("gate.name", name),
		attribute.Bool("gate.blocking", gate.Blocking),
		attribute.String("gate.class", string(gate.EffectiveClass(name))),
	))
	defer span.End()

	res := r.execute(ctx, name, gate)

	span.SetAttributes(
		attribute.String("gate.status", string(res.Status)),
		attribute.Int("gate.exit_code", res.ExitCode),
	)
	if res.Status == StatusFailed {
		span.SetStatus(codes.Error, firstLine(res.Reason()))
	}
	r.record(ctx, res)
	return res
}

func (r *Runner) execute(ctx context.Context, name string, gate profile.Gate) Result {
	timeout := gate.EffectiveTimeout(r.opts.DefaultTimeout)
	res := Result{
		Name:      name,
		Command:   gate.Command,
		Blocking:  gate.Blocking,
		StartedAt: time.Now().UTC(),
		ExitCode:  -1,
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", gate.Command)
	cmd.Dir = r.opts.WorkDir
	if len(r.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), r.opts.Env...)
	}
	procgroup.Isolate(cmd)
	cmd.WaitDelay = pipeGrace

	stdout := &cappedBuffer{limit: r.opts.MaxOutputBytes}
	stderr := &cappedBuffer{limit: r.opts.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res.DurationMS = time.Since(start).Milliseconds()
	res.Output = r.redact(stdout.String())
	res.Error = r.redact(stderr.String())

	switch {
	case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		res.Status = StatusFailed
		res.Error = joinNonEmpty("Timeout after "+formatSeconds(timeout)+" seconds", res.Error)
		gateTimeouts.WithLabelValues(name).Inc()
	case ctx.Err() != nil:
		res.Status = StatusFailed
		res.Error = joinNonEmpty("Cancelled: "+ctx.Err().Error(), res.Error)
	case err != nil && cmd.ProcessState == nil:
		res.Status = StatusFailed
		res.Error = joinNonEmpty(fmt.Sprintf("failed to start: %v", err), res.Error)
	default:
		res.ExitCode = cmd.ProcessState.ExitCode()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
			res.Error = joinNonEmpty(err.Error(), res.Error)
		}
		res.Status = classify(gate.EffectiveClass(name), res.ExitCode, res.Output, res.Error)
	}
	return res
}

// classify derives a status from a finished process. Lint gates treat
// any output as a failure.
func classify(class profile.GateClass, exitCode int, stdout, stderr string) Status {
	if exitCode != 0 {
		return StatusFailed
	}
	if class == profile.ClassLint && strings.TrimSpace(stdout+stderr) != "" {
		return StatusFailed
	}
	return StatusPassed
}

func (r *Runner) record(ctx context.Context, res Result) {
	r.mu.Lock()
	r.results[res.Name] = res
	r.mu.Unlock()

	gateRuns.WithLabelValues(res.Name, string(res.Status)).Inc()
	if res.Status != StatusSkipped {
		gateDuration.WithLabelValues(res.Name).Observe(float64(res.DurationMS) / 1000)
	}

	fields := []zap.Field{
		zap.String("gate", res.Name),
		zap.String("status", string(res.Status)),
		zap.Int64("duration_ms", res.DurationMS),
	}
	if res.Status == StatusFailed {
		r.logger.Warn(ctx, "gate failed", append(fields, zap.String("reason", firstLine(res.Reason())))...)
	} else {
		r.logger.Info(ctx, "gate finished", fields...)
	}

	if r.opts.Recorder != nil {
		r.opts.Recorder.RecordGate(res)
	}
}

func (r *Runner) redact(s string) string {
	if r.opts.Redactor == nil || s == "" {
		return s
	}
	out, _ := r.opts.Redactor.Redact(s)
	return out
}

// RunAllBlocking runs every blocking gate sequentially in name order and
// returns only those results.
func (r *Runner) RunAllBlocking(ctx context.Context) []Result {
	names := r.profile.BlockingGates()
	out := make([]Result, 0, len(names))
	for _, name := range names {
		out = append(out, r.Run(ctx, name))
	}
	return out
}

// RunAllBlockingAsync runs the blocking gates concurrently, each in its
// own process group, and returns them in name order. The caller must keep
// the working tree still while gates run.
func (r *Runner) RunAllBlockingAsync(ctx context.Context) []Result {
	names := r.profile.BlockingGates()
	out := make([]Result, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			out[i] = r.Run(ctx, name)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// AllBlockingPassed reports whether every blocking gate's last result is
// passed. A gate that never ran counts as not passed.
func (r *Runner) AllBlockingPassed() bool {
	return len(r.UnpassedBlocking()) == 0
}

// UnpassedBlocking returns the blocking gates whose last result is not
// passed, including those that never ran, sorted by name.
func (r *Runner) UnpassedBlocking() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []string{}
	for _, name := range r.profile.BlockingGates() {
		if res, ok := r.results[name]; !ok || !res.Passed() {
			out = append(out, name)
		}
	}
	return out
}

// FailedGates returns every gate whose last result is failed, blocking or
// not, sorted by name.
func (r *Runner) FailedGates() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	failed := []string{}
	for name, res := range r.results {
		if res.Status == StatusFailed {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return failed
}

// Results returns a copy of the last result per gate.
func (r *Runner) Results() map[string]Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Result, len(r.results))
	for k, v := range r.results {
		out[k] = v
	}
	return out
}

// Result returns the last result for a gate.
func (r *Runner) Result(name string) (Result, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.results[name]
	return res, ok
}

// Summary counts the recorded results.
type Summary struct {
	Total             int               `json:"total"`
	Passed            int               `json:"passed"`
	Failed            int               `json:"failed"`
	Skipped           int               `json:"skipped"`
	AllBlockingPassed bool              `json:"all_blocking_passed"`
	Gates             map[string]Status `json:"gates"`
}

// Summary returns counts over the last recorded results.
func (r *Runner) Summary() Summary {
	results := r.Results()
	s := Summary{
		Total:             len(results),
		AllBlockingPassed: r.AllBlockingPassed(),
		Gates:             make(map[string]Status, len(results)),
	}
	for name, res := range results {
		s.Gates[name] = res.Status
		switch res.Status {
		case StatusPassed:
			s.Passed++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		}
	}
	return s
}

// FailurePrompt renders failed results as feedback for the next agent turn.
func FailurePrompt(results []Result) string {
	var failed []Result
	for _, res := range results {
		if res.Status == StatusFailed {
			failed = append(failed, res)
		}
	}
	if len(failed) == 0 {
		return ""
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].Name < failed[j].Name })

	var b strings.Builder
	b.WriteString("The following quality gates failed. Fix them before continuing.\n")
	for _, res := range failed {
		fmt.Fprintf(&b, "\n## %s (`%s`)\n", res.Name, res.Command)
		b.WriteString(truncate(res.Reason(), 2000))
		b.WriteString("\n")
	}
	return b.String()
}

// cappedBuffer keeps the first limit bytes written and drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	if c.truncated {
		return c.buf.String() + "\n[output truncated]"
	}
	return c.buf.String()
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

func joinNonEmpty(head, tail string) string {
	if tail == "" {
		return head
	}
	return head + "\n" + tail
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
