package gates

import "time"

// Status is the outcome of a gate run.
type Status string

// Gate statuses.
const (
	StatusPending Status = "pending"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// NotConfiguredMessage is the output of a skipped gate.
const NotConfiguredMessage = "Gate not configured for this profile"

// Result is the outcome of one gate run. A Result is built once and then
// replaced by the next run, never mutated.
type Result struct {
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	Command    string    `json:"command,omitempty"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	ExitCode   int       `json:"exit_code"`
	Blocking   bool      `json:"blocking"`
	StartedAt  time.Time `json:"started_at"`
}

// Passed reports whether the gate passed.
func (r Result) Passed() bool {
	return r.Status == StatusPassed
}

// Reason returns the most useful diagnostic text for a failed gate.
func (r Result) Reason() string {
	switch {
	case r.Error != "" && r.Output != "":
		return r.Error + "\n" + r.Output
	case r.Error != "":
		return r.Error
	case r.Output != "":
		return r.Output
	}
	return string(r.Status)
}
