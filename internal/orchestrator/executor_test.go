package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/conductor/internal/events"
	"github.com/fyrsmithlabs/conductor/internal/gates"
	"github.com/fyrsmithlabs/conductor/internal/hooks"
	"github.com/fyrsmithlabs/conductor/internal/runtime"
	"github.com/fyrsmithlabs/conductor/internal/session"
	"github.com/fyrsmithlabs/conductor/internal/telemetry"
)

// MockDriver is a mock implementation of runtime.Driver
type MockDriver struct {
	mock.Mock
}

func (m *MockDriver) Name() string { return "mock" }

func (m *MockDriver) Start(ctx context.Context, turn runtime.Turn) (<-chan runtime.Event, error) {
	args := m.Called(ctx, turn)
	switch v := args.Get(0).(type) {
	case nil:
		return nil, args.Error(1)
	case func(context.Context, runtime.Turn) <-chan runtime.Event:
		return v(ctx, turn), args.Error(1)
	}
	return args.Get(0).(<-chan runtime.Event), args.Error(1)
}

// stubGates returns canned batches in order, repeating the last one.
type stubGates struct {
	mu      sync.Mutex
	batches [][]gates.Result
	calls   int
	async   int
}

func (s *stubGates) RunAllBlocking(context.Context) []gates.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next()
}

func (s *stubGates) RunAllBlockingAsync(context.Context) []gates.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.async++
	return s.next()
}

func (s *stubGates) next() []gates.Result {
	s.calls++
	if len(s.batches) == 0 {
		return nil
	}
	i := s.calls - 1
	if i >= len(s.batches) {
		i = len(s.batches) - 1
	}
	return s.batches[i]
}

func passing() []gates.Result {
	return []gates.Result{
		{Name: "lint", Status: gates.StatusPassed, Blocking: true},
		{Name: "test", Status: gates.StatusPassed, Blocking: true, Output: "ok  example.com/pkg 0.100s"},
	}
}

func failing() []gates.Result {
	return []gates.Result{
		{Name: "lint", Status: gates.StatusPassed, Blocking: true},
		{Name: "test", Status: gates.StatusFailed, Blocking: true, Command: "go test ./...", Output: "--- FAIL: TestX (0.00s)", ExitCode: 1},
	}
}

type memPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *memPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *memPublisher) Close() error { return nil }

func (p *memPublisher) kinds() map[events.Kind]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[events.Kind]int{}
	for _, e := range p.events {
		out[e.Kind]++
	}
	return out
}

func newStore(t *testing.T) *session.Store {
	t.Helper()
	return session.NewStore(session.Options{Dir: t.TempDir()})
}

func closedChannel(evs ...runtime.Event) <-chan runtime.Event {
	ch := make(chan runtime.Event, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestRun_DemoScriptReachesDone(t *testing.T) {
	store := newStore(t)
	driver := runtime.NewScriptedDriver(runtime.DemoScript("add a flag"))
	g := &stubGates{batches: [][]gates.Result{passing()}}
	pub := &memPublisher{}

	var progress []PhaseProgress
	exec := NewExecutor(Options{
		Store:      store,
		Driver:     driver,
		Gates:      g,
		Profile:    testProfile(),
		Publisher:  pub,
		WorkDir:    t.TempDir(),
		OnProgress: func(p PhaseProgress) { progress = append(progress, p) },
	})

	res, err := exec.Run(context.Background(), "add a flag")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, StopDone, res.StopReason)
	assert.Equal(t, PhaseDone, res.Phase)
	assert.Equal(t, 7, res.Turns)
	assert.Equal(t, 7, res.Iterations)
	assert.InDelta(t, 0.07, res.CostUSD, 1e-9)
	assert.Equal(t, 1, g.calls)
	assert.Equal(t, gates.StatusPassed, res.Gates["test"])
	assert.Empty(t, res.Violations)
	assert.Empty(t, res.Error)

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "done", st.Phase)
	assert.Equal(t, "test", st.Profile)
	assert.False(t, store.Dirty(), "every exit path flushes")

	turns := driver.Turns()
	assert.True(t, strings.HasPrefix(turns[0].Prompt, "Task: add a flag"))
	assert.Contains(t, turns[0].SystemPrompt, "[VERIFY]")
	assert.Contains(t, turns[4].Prompt, "All blocking gates passed")
	assert.Len(t, turns[0].Agents, 4)
	assert.Equal(t, DefaultTools, turns[0].AllowedTools)

	require.NotEmpty(t, progress)
	assert.Equal(t, PhaseDone, progress[len(progress)-1].Phase)
	assert.Equal(t, 100, progress[len(progress)-1].Percentage)

	kinds := pub.kinds()
	assert.Equal(t, 7, kinds[events.KindPhase])
	assert.Equal(t, 2, kinds[events.KindGate])
	assert.Equal(t, 2, kinds[events.KindSession], "created and finished")
}

func TestRun_GateFailureReturnsToExecute(t *testing.T) {
	store := newStore(t)
	driver := runtime.NewScriptedDriver(runtime.DemoScript("fix bug"))
	g := &stubGates{batches: [][]gates.Result{failing(), passing()}}

	res, err := NewExecutor(Options{
		Store:   store,
		Driver:  driver,
		Gates:   g,
		Profile: testProfile(),
	}).Run(context.Background(), "fix bug")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 2, g.calls)
	assert.Equal(t, 9, res.Turns)

	var failurePrompt string
	for _, turn := range driver.Turns() {
		if strings.Contains(turn.Prompt, "Quality gates failed") {
			failurePrompt = turn.Prompt
		}
	}
	require.NotEmpty(t, failurePrompt)
	assert.Contains(t, failurePrompt, "The following quality gates failed")
	assert.Contains(t, failurePrompt, "## test (`go test ./...`)")
	assert.Contains(t, failurePrompt, "--- FAIL: TestX")

	st, err := store.Load()
	require.NoError(t, err)
	assert.True(t, st.Gates["test"].Passed(), "the latest result replaces the failure")
}

func TestRun_ParallelGates(t *testing.T) {
	g := &stubGates{batches: [][]gates.Result{passing()}}
	res, err := NewExecutor(Options{
		Store:         newStore(t),
		Driver:        runtime.NewScriptedDriver(runtime.DemoScript("x")),
		Gates:         g,
		Profile:       testProfile(),
		ParallelGates: true,
	}).Run(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, g.async)
}

func TestRun_NoGateRunnerPassesVerification(t *testing.T) {
	res, err := NewExecutor(Options{
		Store:  newStore(t),
		Driver: runtime.NewScriptedDriver(runtime.DemoScript("x")),
	}).Run(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestRun_MaxIterations(t *testing.T) {
	driver := runtime.NewScriptedDriver(func(int, runtime.Turn) []runtime.Event {
		return []runtime.Event{runtime.Text("[EXECUTE] still going"), runtime.Done(0.01)}
	})
	res, err := NewExecutor(Options{
		Store:         newStore(t),
		Driver:        driver,
		MaxIterations: 3,
	}).Run(context.Background(), "endless")
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, StopMaxIterations, res.StopReason)
	assert.Equal(t, 3, res.Turns)
	assert.Equal(t, 3, res.Iterations)
	require.Len(t, res.Violations, 1, "init -> execute skips phases")
	assert.Equal(t, ViolationInvalidTransition, res.Violations[0].Type)
}

func TestRun_StopsOnBudget(t *testing.T) {
	budget := 0.025
	driver := runtime.NewScriptedDriver(func(int, runtime.Turn) []runtime.Event {
		return []runtime.Event{runtime.Text("[EXECUTE]"), runtime.Done(0.01)}
	})
	store := newStore(t)
	res, err := NewExecutor(Options{
		Store:        store,
		Driver:       driver,
		BudgetUSD:    &budget,
		StopOnBudget: true,
	}).Run(context.Background(), "spend")
	require.NoError(t, err)

	assert.Equal(t, StopBudget, res.StopReason)
	assert.Equal(t, 3, res.Turns)
	assert.InDelta(t, 0.03, res.CostUSD, 1e-9)

	st, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, st.BudgetUSD)
	assert.True(t, st.Ledger().OverBudget())
	assert.InDelta(t, 0.03, st.CostByPhase["execute"], 1e-9)
}

func TestRun_BudgetIgnoredWithoutStopOnBudget(t *testing.T) {
	budget := 0.005
	res, err := NewExecutor(Options{
		Store:         newStore(t),
		Driver:        runtime.NewScriptedDriver(runtime.DemoScript("x")),
		BudgetUSD:     &budget,
		MaxIterations: 20,
	}).Run(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, StopDone, res.StopReason)
}

func TestRun_ErrorMarkerStops(t *testing.T) {
	driver := runtime.NewSimulationDriver(
		[]runtime.Event{runtime.Text("[UNDERSTAND]"), runtime.Done(0)},
		[]runtime.Event{runtime.Text("The repository is read-only.\n[ERROR]"), runtime.Done(0)},
	)
	res, err := NewExecutor(Options{Store: newStore(t), Driver: driver}).Run(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, StopError, res.StopReason)
	assert.Equal(t, PhaseError, res.Phase)
	assert.NotEmpty(t, res.Error)
}

func TestRun_ToolActivityGoesThroughBus(t *testing.T) {
	dir := t.TempDir()
	store := newStore(t)
	bus := hooks.NewBus(hooks.BusOptions{})
	require.NoError(t, bus.Register(hooks.PostToolUse, &hooks.FileTracker{Store: store}, hooks.WithMatcher(hooks.FileEditTools)))
	require.NoError(t, bus.Register(hooks.PostToolUse, hooks.HandlerFunc(func(context.Context, hooks.Payload) (hooks.Result, error) {
		return hooks.Result{Decision: hooks.Allow, SystemMessage: "lint says: unused import"}, nil
	}), hooks.WithMatcher(hooks.FileEditTools)))

	first := []runtime.Event{runtime.Text("[UNDERSTAND] looking")}
	first = append(first, runtime.ToolCall("t1", "Write", map[string]any{"file_path": filepath.Join(dir, "main.go"), "content": "package main"}, "ok")...)
	first = append(first, runtime.ToolCall("t2", "TaskUpdate", map[string]any{"taskId": "1", "status": "completed"}, "updated")...)
	first = append(first, runtime.Event{Kind: runtime.KindToolUse, ToolUseID: "t3", ToolName: "Edit", ToolInput: map[string]any{"file_path": "broken.go"}})
	first = append(first, runtime.Event{Kind: runtime.KindToolResult, ToolUseID: "t3", Output: "no such file", IsError: true})
	first = append(first, runtime.Done(0.02))

	driver := runtime.NewSimulationDriver(first, []runtime.Event{runtime.Text("[DONE]"), runtime.Done(0)})
	res, err := NewExecutor(Options{Store: store, Driver: driver, Bus: bus, WorkDir: dir}).Run(context.Background(), "write main")
	require.NoError(t, err)

	assert.Equal(t, []string{"main.go"}, res.FileChanges, "failed edits are not tracked")
	assert.Equal(t, 1, res.TasksCompleted)
	assert.Contains(t, driver.Turns()[1].Prompt, "lint says: unused import")
}

func TestRun_BundledChangesWarn(t *testing.T) {
	dir := t.TempDir()
	var first []runtime.Event
	for i := 0; i < 4; i++ {
		name := filepath.Join(dir, string(rune('a'+i))+".go")
		first = append(first, runtime.ToolCall("w"+name, "Write", map[string]any{"file_path": name}, "ok")...)
	}
	first = append(first, runtime.Text("[UNDERSTAND]"), runtime.Done(0))
	driver := runtime.NewSimulationDriver(first, []runtime.Event{runtime.Text("[DONE]"), runtime.Done(0)})

	res, err := NewExecutor(Options{Store: newStore(t), Driver: driver, MaxFilesPerTurn: 3, WorkDir: dir}).Run(context.Background(), "many files")
	require.NoError(t, err)

	var types []ViolationType
	for _, v := range res.Violations {
		types = append(types, v.Type)
	}
	assert.Contains(t, types, ViolationBundledChanges)
}

func TestRun_ResumesActiveSession(t *testing.T) {
	store := newStore(t)
	_, err := store.Create("resume me", session.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, store.UpdatePhase("execute"))
	require.NoError(t, store.SetMetadata(MetaRuntimeSession, "rt-42"))
	require.NoError(t, store.Flush())

	driver := runtime.NewSimulationDriver(
		[]runtime.Event{{Kind: runtime.KindInit, SessionID: "rt-43"}, runtime.Text("[VERIFY]"), runtime.Done(0)},
		[]runtime.Event{runtime.Text("[COMMIT]"), runtime.Done(0)},
		[]runtime.Event{runtime.Text("[EVALUATE]"), runtime.Done(0)},
		[]runtime.Event{runtime.Text("[DONE]"), runtime.Done(0)},
	)
	res, err := NewExecutor(Options{Store: store, Driver: driver}).Run(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, res.Success)

	turns := driver.Turns()
	assert.Contains(t, turns[0].Prompt, "Task: resume me")
	assert.Contains(t, turns[0].Prompt, "Current phase: execute")
	assert.Equal(t, "rt-42", turns[0].ResumeID)
	assert.Equal(t, "rt-43", turns[1].ResumeID, "the latest runtime session id is used")
	assert.Equal(t, 2, turns[0].Iteration, "a resumed run starts a new iteration")

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "rt-43", st.Metadata[MetaRuntimeSession])
}

func TestRun_ResumeFinishedSessionReturnsImmediately(t *testing.T) {
	store := newStore(t)
	_, err := store.Create("old", session.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, store.UpdatePhase("done"))
	require.NoError(t, store.Flush())

	m := &MockDriver{}
	res, err := NewExecutor(Options{Store: store, Driver: m}).Run(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, StopDone, res.StopReason)
	assert.Zero(t, res.Turns)
	m.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
}

func TestRun_OpenErrors(t *testing.T) {
	store := newStore(t)
	exec := NewExecutor(Options{Store: store, Driver: &MockDriver{}})

	_, err := exec.Run(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrNoTask)

	_, err = store.Create("first task", session.CreateOptions{})
	require.NoError(t, err)
	_, err = exec.Run(context.Background(), "another task")
	assert.ErrorIs(t, err, ErrTaskMismatch)
}

func TestRun_DriverStartError(t *testing.T) {
	m := &MockDriver{}
	m.On("Start", mock.Anything, mock.Anything).Return(nil, errors.New("binary missing"))

	store := newStore(t)
	res, err := NewExecutor(Options{Store: store, Driver: m}).Run(context.Background(), "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRuntime)
	require.NotNil(t, res)
	assert.Equal(t, StopError, res.StopReason)
	assert.Equal(t, PhaseError, res.Phase)
	assert.Contains(t, res.Error, "binary missing")

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "error", st.Phase)
	m.AssertExpectations(t)
}

func TestRun_RuntimeReportedError(t *testing.T) {
	m := &MockDriver{}
	m.On("Start", mock.Anything, mock.Anything).Return(closedChannel(
		runtime.Text("[UNDERSTAND]"),
		runtime.Event{Kind: runtime.KindResult, IsError: true, Text: "rate limited", CostUSD: 0.5},
	), nil).Once()

	store := newStore(t)
	res, err := NewExecutor(Options{Store: store, Driver: m}).Run(context.Background(), "x")
	require.ErrorIs(t, err, ErrRuntime)
	assert.Contains(t, err.Error(), "rate limited")
	assert.InDelta(t, 0.5, res.CostUSD, 1e-9, "spend is recorded even for failed turns")
	assert.Equal(t, StopError, res.StopReason)
}

func TestRun_ErrorEvent(t *testing.T) {
	m := &MockDriver{}
	m.On("Start", mock.Anything, mock.Anything).Return(closedChannel(
		runtime.Event{Kind: runtime.KindError, Err: errors.New("exited with code 1")},
	), nil).Once()

	res, err := NewExecutor(Options{Store: newStore(t), Driver: m}).Run(context.Background(), "x")
	require.ErrorIs(t, err, ErrRuntime)
	assert.Equal(t, StopError, res.StopReason)
}

func TestRun_CancelMidTurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := &MockDriver{}
	m.On("Start", mock.Anything, mock.Anything).Return(func(turnCtx context.Context, _ runtime.Turn) <-chan runtime.Event {
		ch := make(chan runtime.Event)
		go func() {
			<-turnCtx.Done()
			close(ch)
		}()
		cancel()
		return ch
	}, nil)

	store := newStore(t)
	res, err := NewExecutor(Options{Store: store, Driver: m}).Run(ctx, "x")
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, StopCanceled, res.StopReason)
	assert.False(t, store.Dirty())
}

func TestRun_CanceledBeforeFirstTurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := &MockDriver{}
	res, err := NewExecutor(Options{Store: newStore(t), Driver: m}).Run(ctx, "x")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StopCanceled, res.StopReason)
	m.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
}

func TestRun_ModelAndThinkingSelection(t *testing.T) {
	p := testProfile()
	p.Models.Default = "sonnet"
	p.Models.Exploration = "haiku"
	p.Models.Phases = map[string]string{"verify": "opus"}
	p.Thinking.MaxTokens = 16000
	p.Thinking.ExtendedFor = []string{"architecture"}

	driver := runtime.NewScriptedDriver(runtime.DemoScript("redesign the architecture"))
	_, err := NewExecutor(Options{
		Store:   newStore(t),
		Driver:  driver,
		Gates:   &stubGates{batches: [][]gates.Result{passing()}},
		Profile: p,
	}).Run(context.Background(), "redesign the architecture")
	require.NoError(t, err)

	turns := driver.Turns()
	assert.Equal(t, "sonnet", turns[0].Model, "init uses the default")
	assert.Equal(t, "haiku", turns[1].Model, "understand uses exploration")
	assert.Equal(t, 16000, turns[0].ThinkingTokens)
	assert.Zero(t, turns[2].ThinkingTokens, "continue prompts do not mention the keyword")
}

func TestRun_RecordsTelemetry(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	_, err := NewExecutor(Options{
		Store:   newStore(t),
		Driver:  runtime.NewScriptedDriver(runtime.DemoScript("x")),
		Gates:   &stubGates{batches: [][]gates.Result{passing()}},
		Profile: testProfile(),
		Tracer:  tt.Tracer("test"),
		Meter:   tt.Meter("test"),
	}).Run(context.Background(), "x")
	require.NoError(t, err)

	tt.AssertSpanExists(t, "orchestrator.run")
	tt.AssertSpanExists(t, "orchestrator.turn")
	tt.AssertSpanExists(t, "orchestrator.verify")
	assert.NotNil(t, tt.CollectMetric(t, "conductor.loop.turns"))
	assert.NotNil(t, tt.CollectMetric(t, "conductor.loop.phase_transitions"))
}

func TestRun_CostCounterMatchesLedger(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	res, err := NewExecutor(Options{
		Store:   newStore(t),
		Driver:  runtime.NewScriptedDriver(runtime.DemoScript("x")),
		Gates:   &stubGates{batches: [][]gates.Result{passing()}},
		Profile: testProfile(),
		Meter:   tt.Meter("test"),
	}).Run(context.Background(), "x")
	require.NoError(t, err)

	m := tt.CollectMetric(t, "conductor.loop.cost")
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[float64])
	require.True(t, ok)
	var spent float64
	phases := map[string]bool{}
	for _, dp := range sum.DataPoints {
		spent += dp.Value
		phase, _ := dp.Attributes.Value(attribute.Key("phase"))
		phases[phase.AsString()] = true
	}
	assert.InDelta(t, res.CostUSD, spent, 1e-9)
	assert.True(t, phases["execute"], "spend is attributed by phase")
}

func TestPlan(t *testing.T) {
	driver := runtime.NewSimulationDriver([]runtime.Event{
		runtime.Text("1. Task summary"),
		runtime.Text("2. Approach"),
		runtime.Done(0.01),
	})
	plan, err := NewExecutor(Options{Store: newStore(t), Driver: driver}).Plan(context.Background(), "add caching")
	require.NoError(t, err)
	assert.Equal(t, "1. Task summary\n2. Approach", plan)

	turn := driver.Turns()[0]
	assert.Equal(t, "plan", turn.PermissionMode)
	assert.Equal(t, PlanTools, turn.AllowedTools)
	assert.Contains(t, turn.Prompt, "Do NOT make any changes")

	_, err = NewExecutor(Options{Store: newStore(t), Driver: driver}).Plan(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoTask)
}

func TestPlan_FallsBackToResultText(t *testing.T) {
	driver := runtime.NewSimulationDriver([]runtime.Event{{Kind: runtime.KindResult, Text: "the plan"}})
	plan, err := NewExecutor(Options{Store: newStore(t), Driver: driver}).Plan(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "the plan", plan)
}
