package orchestrator

import (
	"fmt"
	"strings"
)

// Phase is a step of the development loop.
type Phase string

const (
	PhaseInit       Phase = "init"
	PhaseUnderstand Phase = "understand"
	PhasePlan       Phase = "plan"
	PhaseExecute    Phase = "execute"
	PhaseVerify     Phase = "verify"
	PhaseCommit     Phase = "commit"
	PhaseEvaluate   Phase = "evaluate"
	PhaseDone       Phase = "done"
	PhaseError      Phase = "error"
)

// AllPhases returns every phase in loop order.
func AllPhases() []Phase {
	return []Phase{
		PhaseInit, PhaseUnderstand, PhasePlan, PhaseExecute, PhaseVerify,
		PhaseCommit, PhaseEvaluate, PhaseDone, PhaseError,
	}
}

// transitions maps each phase to the phases it may move to. Terminal
// phases have no entry.
var transitions = map[Phase][]Phase{
	PhaseInit:       {PhaseUnderstand},
	PhaseUnderstand: {PhasePlan},
	PhasePlan:       {PhaseExecute},
	PhaseExecute:    {PhaseVerify, PhaseExecute},
	PhaseVerify:     {PhaseCommit, PhaseExecute},
	PhaseCommit:     {PhaseEvaluate},
	PhaseEvaluate:   {PhaseDone, PhaseExecute},
}

// ValidateTransition reports whether the table allows from → to.
func ValidateTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Next returns the phases reachable from p.
func Next(p Phase) []Phase {
	return append([]Phase(nil), transitions[p]...)
}

// Terminal reports whether the loop stops in p.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	for _, known := range AllPhases() {
		if p == known {
			return true
		}
	}
	return false
}

// Marker returns the bracketed tag for p, e.g. [VERIFY].
func (p Phase) Marker() string {
	return "[" + strings.ToUpper(string(p)) + "]"
}

// ParsePhase resolves a phase name case-insensitively.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPhase, s)
	}
	return p, nil
}

// ExtractPhase returns the phase named by the earliest marker in content,
// or current when there is none. Markers are matched case-sensitively, and
// [ERROR] only counts on a line of its own so quoted tool logs cannot end
// the loop.
func ExtractPhase(content string, current Phase) Phase {
	best, at := current, -1
	for _, p := range AllPhases() {
		var i int
		if p == PhaseError {
			i = standaloneIndex(content, p.Marker())
		} else {
			i = strings.Index(content, p.Marker())
		}
		if i >= 0 && (at < 0 || i < at) {
			best, at = p, i
		}
	}
	return best
}

// standaloneIndex returns the offset of the first line that is exactly
// marker once surrounding whitespace is trimmed, or -1.
func standaloneIndex(content, marker string) int {
	offset := 0
	for _, line := range strings.SplitAfter(content, "\n") {
		if strings.TrimSpace(line) == marker {
			return offset + strings.Index(line, marker)
		}
		offset += len(line)
	}
	return -1
}
