package http

import (
	"github.com/fyrsmithlabs/conductor/internal/cost"
	"github.com/fyrsmithlabs/conductor/internal/gates"
	"github.com/fyrsmithlabs/conductor/internal/session"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// SessionResponse is the response body for GET /api/v1/session and
// GET /api/v1/history/:id.
type SessionResponse struct {
	Session *session.State `json:"session"`
	Cost    cost.Summary   `json:"cost"`
}

// HistoryResponse is the response body for GET /api/v1/history.
type HistoryResponse struct {
	Sessions []session.Summary `json:"sessions"`
	Count    int               `json:"count"`
}

// GatesResponse is the response body for GET /api/v1/gates. Source is
// "runner" for live results and "session" for recorded ones.
type GatesResponse struct {
	Source  string                  `json:"source"`
	Summary gates.Summary           `json:"summary"`
	Results map[string]gates.Result `json:"results"`
}

func newSessionResponse(st *session.State) SessionResponse {
	return SessionResponse{Session: st, Cost: st.Ledger().Summary()}
}

// summarizeRecorded counts results read back from a session record. Only
// recorded blocking gates decide AllBlockingPassed, since the profile is
// not known here.
func summarizeRecorded(results map[string]gates.Result) gates.Summary {
	s := gates.Summary{
		Total:             len(results),
		AllBlockingPassed: true,
		Gates:             make(map[string]gates.Status, len(results)),
	}
	for name, res := range results {
		s.Gates[name] = res.Status
		switch res.Status {
		case gates.StatusPassed:
			s.Passed++
		case gates.StatusFailed:
			s.Failed++
		case gates.StatusSkipped:
			s.Skipped++
		}
		if res.Blocking && !res.Passed() {
			s.AllBlockingPassed = false
		}
	}
	return s
}
