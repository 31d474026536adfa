package hooks

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/conductor/internal/gates"
)

// GateRunner runs a single named gate.
type GateRunner interface {
	Run(ctx context.Context, name string) gates.Result
}

// LintOnEdit runs the lint gate after file edits, at most once per interval.
// Lint failures are reported back to the agent but never block.
type LintOnEdit struct {
	Gates GateRunner
	Gate  string

	once    sync.Once
	limiter *rate.Limiter
	every   time.Duration
}

// NewLintOnEdit creates a handler running gate at most once per interval.
func NewLintOnEdit(r GateRunner, gate string, interval time.Duration) *LintOnEdit {
	if gate == "" {
		gate = "lint"
	}
	return &LintOnEdit{Gates: r, Gate: gate, every: interval}
}

func (l *LintOnEdit) allow() bool {
	l.once.Do(func() {
		limit := rate.Inf
		if l.every > 0 {
			limit = rate.Every(l.every)
		}
		l.limiter = rate.NewLimiter(limit, 1)
	})
	return l.limiter.Allow()
}

// Handle implements Handler for PostToolUse on file-editing tools.
func (l *LintOnEdit) Handle(ctx context.Context, p Payload) (Result, error) {
	if tp, ok := p.(*ToolPayload); ok && tp.Error != "" {
		return Allowed(), nil
	}
	if !l.allow() {
		return Allowed(), nil
	}
	res := l.Gates.Run(ctx, l.Gate)
	if res.Status != gates.StatusFailed {
		return Allowed(), nil
	}
	return Result{
		Decision:      Allow,
		SystemMessage: "Lint gate failed after edit:\n" + res.Reason(),
		Context:       map[string]any{"lint_status": string(res.Status)},
	}, nil
}

// TestBeforeCommit runs the test gate whenever the agent tries to commit
// and blocks the commit if it fails.
type TestBeforeCommit struct {
	Gates GateRunner
	Gate  string
}

// Handle implements Handler for PreToolUse on Bash.
func (t *TestBeforeCommit) Handle(ctx context.Context, p Payload) (Result, error) {
	tp, ok := p.(*ToolPayload)
	if !ok || !commitCommand.MatchString(tp.Command()) {
		return Allowed(), nil
	}
	gate := t.Gate
	if gate == "" {
		gate = "test"
	}
	res := t.Gates.Run(ctx, gate)
	if res.Status == gates.StatusFailed {
		return Blocked("Tests must pass before committing:\n" + res.Reason()), nil
	}
	return Allowed(), nil
}
