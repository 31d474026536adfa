package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrScriptExhausted is emitted when a simulation has no turns left.
var ErrScriptExhausted = errors.New("simulation script exhausted")

// SimulationDriver replays scripted turns. Each Start consumes the next
// script entry; a Script function sees the turn being requested.
type SimulationDriver struct {
	mu     sync.Mutex
	turns  [][]Event
	script func(n int, turn Turn) []Event
	calls  []Turn

	// Delay is inserted before each event, to exercise cancellation.
	Delay time.Duration
}

// NewSimulationDriver replays the given turns in order.
func NewSimulationDriver(turns ...[]Event) *SimulationDriver {
	return &SimulationDriver{turns: turns}
}

// NewScriptedDriver computes each turn from its index and request.
func NewScriptedDriver(script func(n int, turn Turn) []Event) *SimulationDriver {
	return &SimulationDriver{script: script}
}

// Name implements Driver.
func (s *SimulationDriver) Name() string { return "simulation" }

// Turns returns every turn requested so far.
func (s *SimulationDriver) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.calls...)
}

// Start implements Driver.
func (s *SimulationDriver) Start(ctx context.Context, turn Turn) (<-chan Event, error) {
	if strings.TrimSpace(turn.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	s.mu.Lock()
	n := len(s.calls)
	s.calls = append(s.calls, turn)
	var evs []Event
	switch {
	case s.script != nil:
		evs = s.script(n, turn)
	case n < len(s.turns):
		evs = s.turns[n]
	default:
		evs = []Event{{Kind: KindError, Err: ErrScriptExhausted}}
	}
	delay := s.Delay
	s.mu.Unlock()

	ch := make(chan Event)
	go func() {
		defer close(ch)
		for _, ev := range evs {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			if !send(ctx, ch, ev) {
				return
			}
		}
	}()
	return ch, nil
}

// Text builds a text event.
func Text(s string) Event { return Event{Kind: KindText, Text: s} }

// Done builds a successful result event with the given cost.
func Done(cost float64) Event { return Event{Kind: KindResult, CostUSD: cost, NumTurns: 1} }

// ToolCall builds a tool_use and tool_result pair.
func ToolCall(id, name string, input map[string]any, output string) []Event {
	return []Event{
		{Kind: KindToolUse, ToolUseID: id, ToolName: name, ToolInput: input},
		{Kind: KindToolResult, ToolUseID: id, Output: output},
	}
}

// DemoScript walks a task through every phase. Gate failures reported in
// the prompt send it back through execute and verify once more.
func DemoScript(task string) func(n int, turn Turn) []Event {
	return func(n int, turn Turn) []Event {
		const cost = 0.01
		switch {
		case n == 0:
			return []Event{Text("[UNDERSTAND] Reading the codebase for: " + task), Done(cost)}
		case n == 1:
			return []Event{Text("[PLAN] Breaking the task into steps."), Done(cost)}
		case strings.Contains(turn.Prompt, "Quality gates failed"):
			return []Event{Text("[EXECUTE] Fixing the reported gate failures."), Done(cost)}
		case strings.Contains(turn.Prompt, "gates passed"):
			return []Event{Text("[COMMIT] Changes committed."), Done(cost)}
		case strings.Contains(turn.Prompt, "Current phase: commit"):
			return []Event{Text("[EVALUATE] Checking that the task is complete."), Done(cost)}
		case strings.Contains(turn.Prompt, "Current phase: evaluate"):
			return []Event{Text("[DONE] " + task), Done(cost)}
		case strings.Contains(turn.Prompt, "Current phase: plan"):
			return []Event{Text("[EXECUTE] Implementing the plan."), Done(cost)}
		case strings.Contains(turn.Prompt, "Current phase: execute"):
			return []Event{Text("[VERIFY] Ready for verification."), Done(cost)}
		}
		return []Event{Text(fmt.Sprintf("[EXECUTE] Continuing (turn %d).", n+1)), Done(cost)}
	}
}
