// Package cost tracks spend for a session and reports it against an
// optional budget ceiling.
//
// The ledger is advisory: it answers OverBudget and Remaining but never
// stops work itself. Callers decide what exhaustion means.
package cost

import (
	"math"
	"sort"
	"sync"
)

// Entry is a single spend increment. Entries are folded into the ledger's
// totals and not kept individually.
type Entry struct {
	Amount float64
	Phase  string
	Model  string
}

// Ledger accumulates spend, broken down by phase and model.
type Ledger struct {
	mu      sync.RWMutex
	total   float64
	byPhase map[string]float64
	byModel map[string]float64
	budget  *float64
}

// NewLedger creates an empty ledger with no budget.
func NewLedger() *Ledger {
	return &Ledger{
		byPhase: make(map[string]float64),
		byModel: make(map[string]float64),
	}
}

// Add folds a spend increment into the running totals.
// Phase and model are optional; empty tags are not broken down.
func (l *Ledger) Add(amount float64, phase, model string) error {
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return ErrNegativeAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.total += amount
	if phase != "" {
		l.byPhase[phase] += amount
	}
	if model != "" {
		l.byModel[model] += amount
	}
	return nil
}

// AddEntry is Add for a pre-built Entry.
func (l *Ledger) AddEntry(e Entry) error {
	return l.Add(e.Amount, e.Phase, e.Model)
}

// SetBudget sets the budget ceiling in USD.
func (l *Ledger) SetBudget(usd float64) error {
	if usd < 0 || math.IsNaN(usd) || math.IsInf(usd, 0) {
		return ErrInvalidBudget
	}
	l.mu.Lock()
	l.budget = &usd
	l.mu.Unlock()
	return nil
}

// ClearBudget removes the budget ceiling.
func (l *Ledger) ClearBudget() {
	l.mu.Lock()
	l.budget = nil
	l.mu.Unlock()
}

// Budget returns the ceiling and whether one is set.
func (l *Ledger) Budget() (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.budget == nil {
		return 0, false
	}
	return *l.budget, true
}

// Total returns cumulative spend.
func (l *Ledger) Total() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// OverBudget reports whether spend has reached the ceiling.
// A zero budget is only exceeded by nonzero spend. Always false when no
// budget is set.
func (l *Ledger) OverBudget() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.budget == nil {
		return false
	}
	return exceeds(l.total, *l.budget)
}

// Remaining returns budget minus spend, clamped at zero.
// Returns +Inf when no budget is set.
func (l *Ledger) Remaining() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.budget == nil {
		return math.Inf(1)
	}
	return math.Max(0, *l.budget-l.total)
}

// ByPhase returns a copy of the per-phase breakdown.
func (l *Ledger) ByPhase() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyMap(l.byPhase)
}

// ByModel returns a copy of the per-model breakdown.
func (l *Ledger) ByModel() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyMap(l.byModel)
}

// Restore replaces the ledger's totals, e.g. when resuming a session.
func (l *Ledger) Restore(total float64, byPhase, byModel map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total = math.Max(0, total)
	l.byPhase = copyMap(byPhase)
	l.byModel = copyMap(byModel)
}

// Summary is a point-in-time view of the ledger.
type Summary struct {
	TotalUSD     float64            `json:"total_usd"`
	BudgetUSD    *float64           `json:"budget_usd,omitempty"`
	RemainingUSD *float64           `json:"remaining_usd,omitempty"`
	OverBudget   bool               `json:"over_budget"`
	ByPhase      map[string]float64 `json:"by_phase"`
	ByModel      map[string]float64 `json:"by_model"`
	TopModel     string             `json:"top_model,omitempty"`
}

// Summary returns a snapshot of the ledger.
func (l *Ledger) Summary() Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Summary{
		TotalUSD: l.total,
		ByPhase:  copyMap(l.byPhase),
		ByModel:  copyMap(l.byModel),
		TopModel: topKey(l.byModel),
	}
	if l.budget != nil {
		b := *l.budget
		r := math.Max(0, b-l.total)
		s.BudgetUSD = &b
		s.RemainingUSD = &r
		s.OverBudget = exceeds(l.total, b)
	}
	return s
}

func exceeds(total, budget float64) bool {
	return total > budget || (budget > 0 && total >= budget)
}

func copyMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// topKey returns the key with the largest value, ties broken by name.
func topKey(m map[string]float64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best := ""
	for _, k := range keys {
		if best == "" || m[k] > m[best] {
			best = k
		}
	}
	return best
}
