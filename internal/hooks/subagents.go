package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// DefaultSubagentHistory is how many finished subagents are kept.
	DefaultSubagentHistory = 20

	taskPreview    = 100
	summaryPreview = 500
)

// AgentRecord describes one subagent run.
type AgentRecord struct {
	ID        string     `json:"agent_id"`
	Type      string     `json:"agent_type"`
	Task      string     `json:"task,omitempty"`
	Model     string     `json:"model,omitempty"`
	Status    string     `json:"status"`
	Summary   string     `json:"summary,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Duration returns how long the agent ran, or zero if unknown.
func (a AgentRecord) Duration() time.Duration {
	if a.EndedAt == nil || a.StartedAt.IsZero() {
		return 0
	}
	return a.EndedAt.Sub(a.StartedAt)
}

type trackerState struct {
	Active  map[string]AgentRecord `json:"active"`
	History []AgentRecord          `json:"history"`
}

// SubagentTracker keeps a table of running subagents and a bounded
// history of finished ones. With Path set, the table survives across
// hook invocations.
type SubagentTracker struct {
	mu      sync.Mutex
	path    string
	limit   int
	state   trackerState
	now     func() time.Time
	loadErr error
}

// NewSubagentTracker creates a tracker keeping limit finished records.
// An empty path keeps everything in memory.
func NewSubagentTracker(path string, limit int) *SubagentTracker {
	if limit < 1 {
		limit = DefaultSubagentHistory
	}
	t := &SubagentTracker{
		path:  path,
		limit: limit,
		state: trackerState{Active: make(map[string]AgentRecord)},
		now:   time.Now,
	}
	if path != "" {
		t.loadErr = t.load()
	}
	return t
}

func (t *SubagentTracker) load() error {
	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var st trackerState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parsing subagent table: %w", err)
	}
	if st.Active == nil {
		st.Active = make(map[string]AgentRecord)
	}
	t.state = st
	return nil
}

func (t *SubagentTracker) save() error {
	if t.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(t.state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, t.path)
}

// Start records a running subagent and returns its record.
func (t *SubagentTracker) Start(p *SubagentPayload) (AgentRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := p.AgentID
	if id == "" {
		id = uuid.NewString()
	}
	rec := AgentRecord{
		ID:        id,
		Type:      p.AgentType,
		Task:      truncateRunes(p.Prompt, taskPreview),
		Model:     p.Model,
		Status:    "running",
		StartedAt: t.now().UTC(),
	}
	t.state.Active[id] = rec
	return rec, t.save()
}

// Stop moves a subagent to history. Unknown ids are recorded with a zero
// start time.
func (t *SubagentTracker) Stop(p *SubagentPayload) (AgentRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.state.Active[p.AgentID]
	if ok {
		delete(t.state.Active, p.AgentID)
	} else {
		rec = AgentRecord{ID: p.AgentID, Type: p.AgentType, Model: p.Model}
	}
	if rec.Type == "" {
		rec.Type = p.AgentType
	}
	ended := t.now().UTC()
	rec.EndedAt = &ended
	rec.Status = p.Status
	if rec.Status == "" {
		rec.Status = "completed"
	}
	rec.Summary = truncateRunes(p.Result, summaryPreview)

	t.state.History = append(t.state.History, rec)
	if over := len(t.state.History) - t.limit; over > 0 {
		t.state.History = append([]AgentRecord(nil), t.state.History[over:]...)
	}
	return rec, t.save()
}

// Active returns running subagents ordered by start time.
func (t *SubagentTracker) Active() []AgentRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]AgentRecord, 0, len(t.state.Active))
	for _, r := range t.state.Active {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// History returns finished subagents, oldest first.
func (t *SubagentTracker) History() []AgentRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]AgentRecord(nil), t.state.History...)
}

// ActiveByType counts running subagents per type.
func (t *SubagentTracker) ActiveByType() map[string]int {
	counts := make(map[string]int)
	for _, r := range t.Active() {
		counts[r.Type]++
	}
	return counts
}

// Handle implements Handler for SubagentStart and SubagentStop.
func (t *SubagentTracker) Handle(_ context.Context, p Payload) (Result, error) {
	t.mu.Lock()
	loadErr := t.loadErr
	t.loadErr = nil
	t.mu.Unlock()
	if loadErr != nil {
		return Result{}, loadErr
	}
	sp, ok := p.(*SubagentPayload)
	if !ok {
		return Allowed(), nil
	}
	switch sp.Event {
	case SubagentStart:
		rec, err := t.Start(sp)
		if err != nil {
			return Result{}, err
		}
		active := t.Active()
		res := Result{
			Decision: Allow,
			Context: map[string]any{
				"agent_id":     rec.ID,
				"total_active": len(active),
				"by_type":      t.ActiveByType(),
			},
		}
		if len(active) > 1 {
			res.SystemMessage = fmt.Sprintf("%d subagents are running in parallel", len(active))
		}
		return res, nil
	case SubagentStop:
		rec, err := t.Stop(sp)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Decision: Allow,
			Context: map[string]any{
				"agent_id":     rec.ID,
				"duration_ms":  rec.Duration().Milliseconds(),
				"total_active": len(t.Active()),
			},
		}, nil
	}
	return Allowed(), nil
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
