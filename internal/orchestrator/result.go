package orchestrator

import (
	"github.com/fyrsmithlabs/conductor/internal/gates"
	"github.com/fyrsmithlabs/conductor/internal/session"
)

// StopReason says why the loop ended.
type StopReason string

const (
	StopDone          StopReason = "done"
	StopError         StopReason = "error"
	StopMaxIterations StopReason = "max_iterations"
	StopBudget        StopReason = "budget_exhausted"
	StopCanceled      StopReason = "canceled"
)

// LoopResult summarizes a finished run.
type LoopResult struct {
	SessionID      string                  `json:"session_id"`
	Success        bool                    `json:"success"`
	Phase          Phase                   `json:"phase"`
	Iterations     int                     `json:"iterations"`
	Turns          int                     `json:"turns"`
	TasksCompleted int                     `json:"tasks_completed"`
	CostUSD        float64                 `json:"cost_usd"`
	Gates          map[string]gates.Status `json:"gates"`
	Commits        []string                `json:"commits"`
	FileChanges    []string                `json:"file_changes"`
	StopReason     StopReason              `json:"stop_reason"`
	Error          string                  `json:"error,omitempty"`
	Violations     []Violation             `json:"violations,omitempty"`
	DurationMS     int64                   `json:"duration_ms"`
}

func newLoopResult(st *session.State) *LoopResult {
	res := &LoopResult{Gates: map[string]gates.Status{}}
	if st == nil {
		return res
	}
	res.SessionID = st.ID
	res.Phase = Phase(st.Phase)
	res.Iterations = st.Iteration
	res.TasksCompleted = st.TasksCompleted
	res.CostUSD = st.CostUSD
	res.Commits = append([]string(nil), st.Commits...)
	res.FileChanges = append([]string(nil), st.FileChanges...)
	for name, g := range st.Gates {
		res.Gates[name] = g.Status
	}
	return res
}
