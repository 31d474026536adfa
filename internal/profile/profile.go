// Package profile describes project profiles: which quality gates a project
// runs, how it is detected, and which model tiers the loop should use.
//
// A Profile is loaded once per session and treated as immutable for that
// session's lifetime. Loader results are cached; the Watcher drops cache
// entries when profile files change so later sessions see the new version.
package profile

import (
	"sort"
	"strings"
	"time"
)

// DefaultGateTimeout applies when a gate does not set one.
const DefaultGateTimeout = 300 * time.Second

// GateClass selects how a gate's result is classified.
type GateClass string

const (
	// ClassLint gates fail on any output, even with a zero exit code.
	ClassLint GateClass = "lint"
	// ClassTest gates pass iff the command exits zero.
	ClassTest GateClass = "test"
	// ClassType gates run a type checker; exit code decides.
	ClassType GateClass = "type"
	// ClassBuild gates run a build; exit code decides.
	ClassBuild GateClass = "build"
	// ClassCustom covers everything else; exit code decides.
	ClassCustom GateClass = "custom"
)

// Gate is a profile-configured verification command.
type Gate struct {
	Command  string        `json:"command"`
	Blocking bool          `json:"blocking"`
	Timeout  time.Duration `json:"timeout"`
	Class    GateClass     `json:"class,omitempty"`
}

// EffectiveClass returns the declared class, or infers lint from the gate
// name when none was declared.
func (g Gate) EffectiveClass(name string) GateClass {
	if g.Class != "" {
		return g.Class
	}
	switch strings.ToLower(name) {
	case "lint":
		return ClassLint
	case "test":
		return ClassTest
	case "type", "typecheck":
		return ClassType
	case "build":
		return ClassBuild
	}
	return ClassCustom
}

// EffectiveTimeout returns the gate timeout, or fallback when unset.
func (g Gate) EffectiveTimeout(fallback time.Duration) time.Duration {
	if g.Timeout > 0 {
		return g.Timeout
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultGateTimeout
}

// Detection lists the signals that select a profile for a directory.
type Detection struct {
	Files      []string `json:"files,omitempty"`
	Extensions []string `json:"extensions,omitempty"`
}

// Models is the model-routing table.
type Models struct {
	Default     string            `json:"default,omitempty"`
	Planning    string            `json:"planning,omitempty"`
	Exploration string            `json:"exploration,omitempty"`
	Security    string            `json:"security,omitempty"`
	Phases      map[string]string `json:"phases,omitempty"`
}

// ForPhase picks a model for a loop phase: an explicit per-phase override
// wins, then the tier implied by the phase, then the default.
func (m Models) ForPhase(phase string) string {
	if model, ok := m.Phases[phase]; ok && model != "" {
		return model
	}
	switch phase {
	case "plan":
		if m.Planning != "" {
			return m.Planning
		}
	case "understand":
		if m.Exploration != "" {
			return m.Exploration
		}
	}
	return m.Default
}

// Thinking configures the extended-reasoning token budget.
type Thinking struct {
	MaxTokens   int      `json:"max_tokens,omitempty"`
	ExtendedFor []string `json:"extended_for,omitempty"`
}

// BudgetFor returns MaxTokens when the prompt mentions any trigger keyword
// (case-insensitive), otherwise zero.
func (t Thinking) BudgetFor(prompt string) int {
	if t.MaxTokens <= 0 {
		return 0
	}
	lower := strings.ToLower(prompt)
	for _, kw := range t.ExtendedFor {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return t.MaxTokens
		}
	}
	return 0
}

// Profile is a named project profile.
type Profile struct {
	Name     string          `json:"name"`
	Detect   Detection       `json:"detect"`
	Gates    map[string]Gate `json:"gates"`
	Models   Models          `json:"models"`
	Thinking Thinking        `json:"thinking"`
}

// Gate looks up a gate by name.
func (p *Profile) Gate(name string) (Gate, bool) {
	if p == nil {
		return Gate{}, false
	}
	g, ok := p.Gates[name]
	return g, ok
}

// GateNames returns all gate names, sorted.
func (p *Profile) GateNames() []string {
	if p == nil {
		return nil
	}
	names := make([]string, 0, len(p.Gates))
	for name := range p.Gates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BlockingGates returns the names of blocking gates, sorted.
func (p *Profile) BlockingGates() []string {
	var names []string
	for _, name := range p.GateNames() {
		if p.Gates[name].Blocking {
			names = append(names, name)
		}
	}
	return names
}

// Clone returns a deep copy so callers can hold an immutable snapshot.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	out := *p
	out.Detect.Files = append([]string(nil), p.Detect.Files...)
	out.Detect.Extensions = append([]string(nil), p.Detect.Extensions...)
	out.Gates = make(map[string]Gate, len(p.Gates))
	for k, v := range p.Gates {
		out.Gates[k] = v
	}
	if p.Models.Phases != nil {
		out.Models.Phases = make(map[string]string, len(p.Models.Phases))
		for k, v := range p.Models.Phases {
			out.Models.Phases[k] = v
		}
	}
	out.Thinking.ExtendedFor = append([]string(nil), p.Thinking.ExtendedFor...)
	return &out
}
