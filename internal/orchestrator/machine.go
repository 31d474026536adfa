package orchestrator

import (
	"fmt"
	"sync"
	"time"
)

// Violation is a workflow irregularity noticed during a run. Violations
// are recorded, never enforced.
type Violation struct {
	Type        ViolationType `json:"type"`
	Phase       Phase         `json:"phase"`
	From        Phase         `json:"from,omitempty"`
	Description string        `json:"description"`
	Severity    Severity      `json:"severity"`
	Iteration   int           `json:"iteration"`
	DetectedAt  time.Time     `json:"detected_at"`
}

// ViolationType categorizes violations.
type ViolationType string

const (
	ViolationInvalidTransition  ViolationType = "invalid_transition"
	ViolationHelpAsVerification ViolationType = "help_as_verification"
	ViolationTestsNotRun        ViolationType = "tests_not_run"
	ViolationBundledChanges     ViolationType = "bundled_changes"
)

// Severity indicates how serious a violation is.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Machine tracks the current phase. Observed phases are applied even when
// the transition table does not allow them; such moves are kept as
// violations.
type Machine struct {
	mu         sync.Mutex
	current    Phase
	violations []Violation
	now        func() time.Time
}

// NewMachine starts a machine in phase start, or init when start is empty.
func NewMachine(start Phase) *Machine {
	if start == "" {
		start = PhaseInit
	}
	return &Machine{current: start, now: func() time.Time { return time.Now().UTC() }}
}

// Current returns the current phase.
func (m *Machine) Current() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Apply moves to next. It reports whether the phase changed and returns
// the violation recorded for a disallowed move, if any. Staying in the
// same phase is never a violation.
func (m *Machine) Apply(next Phase, iteration int) (bool, *Violation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.current
	if next == from {
		return false, nil
	}
	m.current = next
	if ValidateTransition(from, next) {
		return true, nil
	}
	v := Violation{
		Type:        ViolationInvalidTransition,
		Phase:       next,
		From:        from,
		Description: fmt.Sprintf("unexpected transition %s -> %s", from, next),
		Severity:    SeverityWarning,
		Iteration:   iteration,
		DetectedAt:  m.now(),
	}
	m.violations = append(m.violations, v)
	return true, &v
}

// Record adds a violation found outside of a transition.
func (m *Machine) Record(v Violation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.DetectedAt.IsZero() {
		v.DetectedAt = m.now()
	}
	m.violations = append(m.violations, v)
}

// Violations returns a copy of everything recorded so far.
func (m *Machine) Violations() []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Violation(nil), m.violations...)
}
