package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/events"
	"github.com/fyrsmithlabs/conductor/internal/gates"
	"github.com/fyrsmithlabs/conductor/internal/hooks"
	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/profile"
	"github.com/fyrsmithlabs/conductor/internal/runtime"
	"github.com/fyrsmithlabs/conductor/internal/session"
	"github.com/fyrsmithlabs/conductor/internal/vcs"
)

const (
	instrumentationName = "github.com/fyrsmithlabs/conductor/internal/orchestrator"

	// DefaultMaxIterations bounds a run when no limit is configured.
	DefaultMaxIterations = 50

	// MetaRuntimeSession holds the runtime's own session id for --resume.
	MetaRuntimeSession = "runtime_session_id"

	// MetaBranch holds the git branch the session started on.
	MetaBranch = "branch"
)

// Store is the session persistence the loop needs. *session.Store
// satisfies it.
type Store interface {
	Load() (*session.State, error)
	Create(task string, opts session.CreateOptions) (*session.State, error)
	UpdatePhase(phase string) error
	IncrementIteration() (int, error)
	CompleteTask() error
	AddCost(amount float64, phase, model string) error
	SetBudget(usd *float64) error
	SetMetadata(key, value string) error
	UpdateGate(r gates.Result) error
	Flush() error
}

// GateRunner runs the blocking gates of the active profile.
type GateRunner interface {
	RunAllBlocking(ctx context.Context) []gates.Result
	RunAllBlockingAsync(ctx context.Context) []gates.Result
}

// Dispatcher routes tool activity to hook handlers.
type Dispatcher interface {
	Dispatch(ctx context.Context, p hooks.Payload) *hooks.Outcome
}

// PhaseProgress reports progress during a run.
type PhaseProgress struct {
	Phase      Phase   `json:"phase"`
	Iteration  int     `json:"iteration"`
	Message    string  `json:"message"`
	Percentage int     `json:"percentage"`
	CostUSD    float64 `json:"cost_usd"`
}

// ProgressCallback receives progress updates during a run.
type ProgressCallback func(progress PhaseProgress)

// Options configures an Executor. Store and Driver are required.
type Options struct {
	Store   Store
	Driver  runtime.Driver
	Gates   GateRunner
	Profile *profile.Profile
	Bus     Dispatcher

	Publisher events.Publisher

	// MaxIterations caps iterations across the life of the session.
	MaxIterations int

	// BudgetUSD, when set, is written to the session as its ceiling.
	BudgetUSD *float64

	// StopOnBudget ends the run once spend reaches the ceiling.
	StopOnBudget bool

	// ParallelGates runs blocking gates concurrently.
	ParallelGates bool

	// MaxFilesPerTurn is the bundled-change warning threshold.
	MaxFilesPerTurn int

	WorkDir string

	Logger     *logging.Logger
	Tracer     trace.Tracer
	Meter      metric.Meter
	OnProgress ProgressCallback
}

// Executor drives the development loop: one runtime turn per iteration,
// phase tracking from markers, and gate verification between turns.
type Executor struct {
	opts    Options
	logger  *logging.Logger
	tracer  trace.Tracer
	metrics *loopMetrics
	now     func() time.Time
}

// NewExecutor creates an executor.
func NewExecutor(opts Options) *Executor {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	return &Executor{
		opts:    opts,
		logger:  logger.Named("loop"),
		tracer:  tracer,
		metrics: newLoopMetrics(meter),
		now:     time.Now,
	}
}

// run is the mutable state of one Run call.
type run struct {
	sessionID string
	task      string
	machine   *Machine
	resumeID  string
	prompt    string
	feedback  []string
	iteration int
	turns     int
	resumed   bool
}

// Run drives the loop for task until it finishes. An empty task resumes
// the active session. The returned result is never nil once a session
// exists; the error is set when the runtime failed or ctx was cancelled.
func (e *Executor) Run(ctx context.Context, task string) (*LoopResult, error) {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "orchestrator.run")
	defer span.End()

	r, err := e.open(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	ctx = logging.WithSessionID(ctx, r.sessionID)
	span.SetAttributes(
		attribute.String("session.id", r.sessionID),
		attribute.Bool("session.resumed", r.resumed),
	)

	reason, runErr := e.loop(ctx, r)

	if err := e.opts.Store.Flush(); err != nil {
		e.logger.Error(ctx, "final session flush failed", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	st, _ := e.opts.Store.Load()
	res := newLoopResult(st)
	res.Turns = r.turns
	res.StopReason = reason
	res.Phase = r.machine.Current()
	res.Success = reason == StopDone
	res.Violations = r.machine.Violations()
	res.DurationMS = e.now().Sub(start).Milliseconds()
	if runErr != nil {
		res.Error = runErr.Error()
	} else if reason == StopError {
		res.Error = "agent reported an unrecoverable error"
	}

	e.metrics.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("stop_reason", string(reason))))
	span.SetAttributes(
		attribute.String("loop.stop_reason", string(reason)),
		attribute.Int("loop.turns", r.turns),
		attribute.Float64("loop.cost_usd", res.CostUSD),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	e.publish(ctx, events.Event{Kind: events.KindSession, SessionID: r.sessionID, Name: "finished", Data: res})
	e.logger.Info(ctx, "loop finished",
		zap.String("stop_reason", string(reason)),
		zap.Bool("success", res.Success),
		zap.Int("iterations", res.Iterations),
		zap.Float64("cost_usd", res.CostUSD))
	return res, runErr
}

// open creates a session for task or resumes the active one.
func (e *Executor) open(ctx context.Context, task string) (*run, error) {
	store := e.opts.Store
	task = strings.TrimSpace(task)

	st, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	r := &run{}
	switch {
	case st != nil && (task == "" || task == st.Task):
		r.resumed = true
		r.resumeID = st.Metadata[MetaRuntimeSession]
	case st != nil:
		return nil, fmt.Errorf("%w: %q", ErrTaskMismatch, st.Task)
	case task == "":
		return nil, ErrNoTask
	default:
		opts := session.CreateOptions{WorkingDir: e.opts.WorkDir, BudgetUSD: e.opts.BudgetUSD}
		if e.opts.Profile != nil {
			opts.Profile = e.opts.Profile.Name
		}
		if st, err = store.Create(task, opts); err != nil {
			return nil, err
		}
		if branch, err := vcs.Branch(e.opts.WorkDir); err == nil {
			_ = store.SetMetadata(MetaBranch, branch)
		}
	}

	if r.resumed && e.opts.BudgetUSD != nil {
		if err := store.SetBudget(e.opts.BudgetUSD); err != nil {
			return nil, err
		}
	}

	start, err := ParsePhase(st.Phase)
	if err != nil {
		start = PhaseInit
	}
	r.sessionID = st.ID
	r.task = st.Task
	r.machine = NewMachine(start)
	r.iteration = st.Iteration
	if r.resumed {
		r.prompt = "Task: " + st.Task + "\n\n" + ContinuePrompt(start)
		e.logger.Info(ctx, "resuming session",
			zap.String("session.id", st.ID),
			zap.String("phase", string(start)),
			zap.Int("iteration", st.Iteration))
	} else {
		r.prompt = TaskPrompt(st.Task)
		e.publish(ctx, events.Event{Kind: events.KindSession, SessionID: st.ID, Name: "created"})
	}
	return r, nil
}

func (e *Executor) loop(ctx context.Context, r *run) (StopReason, error) {
	store := e.opts.Store
	for {
		if phase := r.machine.Current(); phase.Terminal() {
			return terminalReason(phase), nil
		}
		if err := ctx.Err(); err != nil {
			return StopCanceled, err
		}
		if e.budgetExhausted() {
			e.logger.Warn(ctx, "budget exhausted, stopping")
			return StopBudget, nil
		}
		if r.turns > 0 || r.resumed {
			if r.iteration >= e.opts.MaxIterations {
				return StopMaxIterations, nil
			}
			n, err := store.IncrementIteration()
			if err != nil {
				return StopError, err
			}
			r.iteration = n
		}

		turnErr := e.turn(ctx, r)
		r.turns++
		e.metrics.turns.Add(ctx, 1)
		if err := store.Flush(); err != nil {
			e.logger.Warn(ctx, "session flush failed", zap.Error(err))
		}
		if turnErr != nil {
			if ctx.Err() != nil {
				return StopCanceled, ctx.Err()
			}
			e.transition(ctx, r, PhaseError)
			return StopError, turnErr
		}

		phase := r.machine.Current()
		switch {
		case phase.Terminal():
			continue
		case phase == PhaseVerify:
			if err := e.verify(ctx, r); err != nil {
				return StopCanceled, err
			}
		default:
			r.prompt = ContinuePrompt(phase)
		}
		if err := store.Flush(); err != nil {
			e.logger.Warn(ctx, "session flush failed", zap.Error(err))
		}
	}
}

func terminalReason(p Phase) StopReason {
	if p == PhaseDone {
		return StopDone
	}
	return StopError
}

// turn runs one runtime turn and folds its events into the session.
func (e *Executor) turn(ctx context.Context, r *run) error {
	phase := r.machine.Current()
	prompt := withFeedback(r.prompt, r.feedback)
	r.feedback = nil

	t := runtime.Turn{
		Prompt:         prompt,
		SystemPrompt:   SystemPrompt(e.opts.Profile),
		Model:          SelectModel(e.opts.Profile, phase),
		ResumeID:       r.resumeID,
		WorkDir:        e.opts.WorkDir,
		ThinkingTokens: ThinkingBudget(e.opts.Profile, prompt),
		AllowedTools:   DefaultTools,
		Agents:         Subagents(),
		Iteration:      r.iteration,
	}

	ctx, span := e.tracer.Start(ctx, "orchestrator.turn", trace.WithAttributes(
		attribute.Int("loop.iteration", r.iteration),
		attribute.String("loop.phase", string(phase)),
		attribute.String("runtime.driver", e.opts.Driver.Name()),
		attribute.String("runtime.model", t.Model),
	))
	defer span.End()
	ctx = logging.WithPhase(ctx, string(phase))

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := e.opts.Driver.Start(turnCtx, t)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrRuntime, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	var (
		runErr   error
		sawText  bool
		pending  = map[string]runtime.Event{}
		edited   = map[string]struct{}{}
		progress = func(msg string) { e.progress(r, msg) }
	)
	for ev := range ch {
		switch ev.Kind {
		case runtime.KindInit:
			e.rememberRuntimeSession(r, ev.SessionID)
		case runtime.KindText:
			sawText = true
			e.observe(ctx, r, ev.Text)
		case runtime.KindToolUse:
			pending[ev.ToolUseID] = ev
			if isTaskCompletion(ev) {
				if err := e.opts.Store.CompleteTask(); err != nil {
					e.logger.Warn(ctx, "recording task completion failed", zap.Error(err))
				}
				progress("task completed")
			}
		case runtime.KindToolResult:
			use, ok := pending[ev.ToolUseID]
			delete(pending, ev.ToolUseID)
			if !ok {
				use = runtime.Event{ToolName: ev.ToolName, ToolInput: ev.ToolInput}
			}
			e.toolFinished(ctx, r, use, ev, edited)
		case runtime.KindResult:
			e.rememberRuntimeSession(r, ev.SessionID)
			if !sawText && ev.Text != "" {
				e.observe(ctx, r, ev.Text)
			}
			e.addCost(ctx, r, ev, t.Model)
			if ev.IsError {
				runErr = fmt.Errorf("%w: %s", ErrRuntime, firstNonEmpty(ev.Text, "turn ended with an error"))
			}
		case runtime.KindError:
			if runErr == nil {
				runErr = fmt.Errorf("%w: %w", ErrRuntime, ev.Err)
			}
		}
	}

	if v := CheckBundled(len(edited), e.opts.MaxFilesPerTurn, r.iteration); v != nil {
		r.machine.Record(*v)
		e.logger.Warn(ctx, v.Description)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		e.logger.Error(ctx, "turn failed", zap.Error(runErr))
	}
	return runErr
}

// observe applies the phase named in assistant text.
func (e *Executor) observe(ctx context.Context, r *run, text string) {
	e.transition(ctx, r, ExtractPhase(text, r.machine.Current()))
}

func (e *Executor) transition(ctx context.Context, r *run, next Phase) {
	from := r.machine.Current()
	changed, v := r.machine.Apply(next, r.iteration)
	if !changed {
		return
	}
	if v != nil {
		e.logger.Warn(ctx, "unexpected phase transition",
			zap.String("from", string(from)), zap.String("to", string(next)))
	}
	if err := e.opts.Store.UpdatePhase(string(next)); err != nil {
		e.logger.Warn(ctx, "recording phase failed", zap.Error(err))
	}
	e.metrics.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(next)),
		attribute.Bool("valid", v == nil),
	))
	e.logger.Info(ctx, "phase changed",
		zap.String("from", string(from)),
		zap.String("to", string(next)),
		zap.Int("iteration", r.iteration))
	e.publish(ctx, events.Event{
		Kind:      events.KindPhase,
		SessionID: r.sessionID,
		Name:      string(next),
		Data:      map[string]any{"from": string(from), "iteration": r.iteration, "valid": v == nil},
	})
	e.progress(r, "entered "+string(next))
}

// toolFinished mirrors a completed tool call onto the hook bus and keeps
// any feedback the handlers produced for the next turn.
func (e *Executor) toolFinished(ctx context.Context, r *run, use, result runtime.Event, edited map[string]struct{}) {
	p := &hooks.ToolPayload{
		Base:         hooks.Base{Event: hooks.PostToolUse, SessionID: r.sessionID, Cwd: e.opts.WorkDir},
		ToolName:     use.ToolName,
		ToolInput:    use.ToolInput,
		ToolResponse: result.Output,
	}
	if result.IsError {
		p.Error = result.Output
	}
	if isFileEdit(p.ToolName) && !result.IsError {
		if path := p.FilePath(); path != "" {
			edited[path] = struct{}{}
		}
	}
	if e.opts.Bus == nil {
		return
	}
	out := e.opts.Bus.Dispatch(ctx, p)
	if msg := out.SystemMessage(); msg != "" {
		r.feedback = append(r.feedback, msg)
	}
}

func (e *Executor) addCost(ctx context.Context, r *run, ev runtime.Event, model string) {
	if ev.Model != "" {
		model = ev.Model
	}
	if ev.CostUSD <= 0 {
		return
	}
	phase := string(r.machine.Current())
	if err := e.opts.Store.AddCost(ev.CostUSD, phase, model); err != nil {
		e.logger.Warn(ctx, "recording cost failed", zap.Error(err))
		return
	}
	e.metrics.cost.Add(ctx, ev.CostUSD, metric.WithAttributes(attribute.String("phase", phase)))
}

// verify runs the blocking gates and routes the loop on their outcome.
// It only returns an error when ctx was cancelled mid-run.
func (e *Executor) verify(ctx context.Context, r *run) error {
	ctx, span := e.tracer.Start(ctx, "orchestrator.verify")
	defer span.End()

	var results []gates.Result
	if e.opts.Gates != nil {
		if e.opts.ParallelGates {
			results = e.opts.Gates.RunAllBlockingAsync(ctx)
		} else {
			results = e.opts.Gates.RunAllBlocking(ctx)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	passed := true
	for _, res := range results {
		if err := e.opts.Store.UpdateGate(res); err != nil {
			e.logger.Warn(ctx, "recording gate result failed", zap.String("gate", res.Name), zap.Error(err))
		}
		e.publish(ctx, events.Event{Kind: events.KindGate, SessionID: r.sessionID, Name: res.Name, Data: res})
		if !res.Passed() {
			passed = false
		}
	}
	for _, v := range CheckVerification(e.opts.Profile, results, r.iteration) {
		r.machine.Record(v)
		e.logger.Warn(ctx, v.Description, zap.String("violation", string(v.Type)))
	}

	outcome := "passed"
	if !passed {
		outcome = "failed"
	}
	span.SetAttributes(attribute.String("gates.outcome", outcome), attribute.Int("gates.count", len(results)))
	e.metrics.gateRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))

	if passed {
		e.transition(ctx, r, PhaseCommit)
		r.prompt = GatesPassedPrompt()
		return nil
	}
	e.transition(ctx, r, PhaseExecute)
	r.prompt = GatesFailedPrompt(results)
	return nil
}

func (e *Executor) budgetExhausted() bool {
	if !e.opts.StopOnBudget {
		return false
	}
	st, err := e.opts.Store.Load()
	if err != nil || st == nil {
		return false
	}
	return st.Ledger().OverBudget()
}

func (e *Executor) rememberRuntimeSession(r *run, id string) {
	if id == "" || id == r.resumeID {
		return
	}
	r.resumeID = id
	_ = e.opts.Store.SetMetadata(MetaRuntimeSession, id)
}

func (e *Executor) progress(r *run, msg string) {
	if e.opts.OnProgress == nil {
		return
	}
	p := PhaseProgress{
		Phase:      r.machine.Current(),
		Iteration:  r.iteration,
		Message:    msg,
		Percentage: percentage(r.machine.Current()),
	}
	if st, err := e.opts.Store.Load(); err == nil && st != nil {
		p.CostUSD = st.CostUSD
	}
	e.opts.OnProgress(p)
}

func (e *Executor) publish(ctx context.Context, ev events.Event) {
	if err := e.opts.Publisher.Publish(ctx, ev); err != nil {
		e.logger.Debug(ctx, "event publish failed", zap.Error(err))
	}
}

// Plan runs a single read-only turn and returns the plan text.
func (e *Executor) Plan(ctx context.Context, task string) (string, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return "", ErrNoTask
	}
	ctx, span := e.tracer.Start(ctx, "orchestrator.plan")
	defer span.End()

	prompt := PlanPrompt(task)
	ch, err := e.opts.Driver.Start(ctx, runtime.Turn{
		Prompt:         prompt,
		SystemPrompt:   SystemPrompt(e.opts.Profile),
		Model:          SelectModel(e.opts.Profile, PhasePlan),
		WorkDir:        e.opts.WorkDir,
		ThinkingTokens: ThinkingBudget(e.opts.Profile, prompt),
		AllowedTools:   PlanTools,
		PermissionMode: "plan",
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	var (
		parts  []string
		final  string
		runErr error
	)
	for ev := range ch {
		switch ev.Kind {
		case runtime.KindText:
			parts = append(parts, ev.Text)
		case runtime.KindResult:
			final = ev.Text
			if ev.IsError {
				runErr = fmt.Errorf("%w: %s", ErrRuntime, firstNonEmpty(ev.Text, "planning turn failed"))
			}
		case runtime.KindError:
			runErr = fmt.Errorf("%w: %w", ErrRuntime, ev.Err)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if runErr != nil {
		return "", runErr
	}
	if len(parts) == 0 {
		return firstNonEmpty(final, "Plan created for: "+task), nil
	}
	return strings.Join(parts, "\n"), nil
}

func isTaskCompletion(ev runtime.Event) bool {
	if ev.ToolName != "TaskUpdate" {
		return false
	}
	status, _ := ev.ToolInput["status"].(string)
	return strings.EqualFold(status, "completed")
}

func isFileEdit(tool string) bool {
	for _, name := range strings.Split(hooks.FileEditTools, "|") {
		if tool == name {
			return true
		}
	}
	return false
}

// percentage places a phase along the loop for progress bars.
func percentage(p Phase) int {
	steps := []Phase{PhaseInit, PhaseUnderstand, PhasePlan, PhaseExecute, PhaseVerify, PhaseCommit, PhaseEvaluate, PhaseDone}
	for i, s := range steps {
		if s == p {
			return i * 100 / (len(steps) - 1)
		}
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
