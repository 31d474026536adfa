// Package session persists the progress of one orchestration session.
//
// A session record lives at <dir>/session.json. Forks are written under
// <dir>/forks/<id>.json and archived sessions under <dir>/history/<id>.json.
// Mutations are made in memory through a UnitOfWork and written by Flush,
// or immediately when auto-flush is enabled.
package session

import (
	"time"

	"github.com/fyrsmithlabs/conductor/internal/cost"
	"github.com/fyrsmithlabs/conductor/internal/gates"
)

// State is the durable record of one session.
type State struct {
	ID              string                  `json:"session_id"`
	Name            string                  `json:"name"`
	ParentSessionID string                  `json:"parent_session_id,omitempty"`
	ForkedAt        *time.Time              `json:"forked_at,omitempty"`
	ForkBaseCostUSD float64                 `json:"fork_base_cost_usd,omitempty"`
	Task            string                  `json:"task"`
	WorkingDir      string                  `json:"working_dir"`
	Profile         string                  `json:"profile"`
	Phase           string                  `json:"phase"`
	Iteration       int                     `json:"iteration"`
	TasksCompleted  int                     `json:"tasks_completed"`
	FileChanges     []string                `json:"file_changes"`
	Commits         []string                `json:"commits"`
	Gates           map[string]gates.Result `json:"gates"`
	CostUSD         float64                 `json:"cost_usd"`
	CostByPhase     map[string]float64      `json:"cost_by_phase"`
	CostByModel     map[string]float64      `json:"cost_by_model"`
	BudgetUSD       *float64                `json:"budget_usd,omitempty"`
	Backups         []Backup                `json:"backups"`
	Metadata        map[string]string       `json:"metadata"`
	StartedAt       time.Time               `json:"started_at"`
	LastUpdated     time.Time               `json:"last_updated"`
}

// Backup is a snapshot of a session's progress. Backups never nest.
type Backup struct {
	TakenAt     time.Time               `json:"taken_at"`
	Trigger     string                  `json:"trigger"`
	Phase       string                  `json:"phase"`
	Iteration   int                     `json:"iteration"`
	FileChanges []string                `json:"file_changes"`
	Commits     []string                `json:"commits"`
	CostUSD     float64                 `json:"cost_usd"`
	Gates       map[string]gates.Result `json:"gates"`
}

// Backup triggers.
const (
	TriggerManual     = "manual"
	TriggerAuto       = "auto"
	TriggerPreCompact = "pre_compact"
)

// IsFork reports whether the session was forked from another.
func (s *State) IsFork() bool {
	return s.ParentSessionID != ""
}

// HasFileChange reports whether path has been recorded.
func (s *State) HasFileChange(path string) bool {
	return contains(s.FileChanges, path)
}

// Ledger returns a cost ledger rehydrated from the record.
func (s *State) Ledger() *cost.Ledger {
	l := cost.NewLedger()
	l.Restore(s.CostUSD, s.CostByPhase, s.CostByModel)
	if s.BudgetUSD != nil {
		_ = l.SetBudget(*s.BudgetUSD)
	}
	return l
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	if s.ForkedAt != nil {
		t := *s.ForkedAt
		out.ForkedAt = &t
	}
	if s.BudgetUSD != nil {
		b := *s.BudgetUSD
		out.BudgetUSD = &b
	}
	out.FileChanges = cloneStrings(s.FileChanges)
	out.Commits = cloneStrings(s.Commits)
	out.Gates = cloneGates(s.Gates)
	out.CostByPhase = cloneFloats(s.CostByPhase)
	out.CostByModel = cloneFloats(s.CostByModel)
	out.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	out.Backups = make([]Backup, len(s.Backups))
	for i, b := range s.Backups {
		out.Backups[i] = b.clone()
	}
	return &out
}

// normalize fills nil collections so a record always serializes the same
// way regardless of how it was built.
func (s *State) normalize() {
	if s.FileChanges == nil {
		s.FileChanges = []string{}
	}
	if s.Commits == nil {
		s.Commits = []string{}
	}
	if s.Gates == nil {
		s.Gates = map[string]gates.Result{}
	}
	if s.CostByPhase == nil {
		s.CostByPhase = map[string]float64{}
	}
	if s.CostByModel == nil {
		s.CostByModel = map[string]float64{}
	}
	if s.Backups == nil {
		s.Backups = []Backup{}
	}
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}
	if s.Iteration < 1 {
		s.Iteration = 1
	}
	if s.CostUSD < 0 {
		s.CostUSD = 0
	}
	s.FileChanges = dedup(s.FileChanges)
}

func (b Backup) clone() Backup {
	b.FileChanges = cloneStrings(b.FileChanges)
	b.Commits = cloneStrings(b.Commits)
	b.Gates = cloneGates(b.Gates)
	return b
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneFloats(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneGates(in map[string]gates.Result) map[string]gates.Result {
	out := make(map[string]gates.Result, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func dedup(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := list[:0]
	for _, item := range list {
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	return out
}

// union appends the items of b missing from a, keeping a's order first.
func union(a, b []string) []string {
	out := cloneStrings(a)
	for _, item := range b {
		if !contains(out, item) {
			out = append(out, item)
		}
	}
	return out
}
