package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Summary is the history listing view of an archived session.
type Summary struct {
	ID              string    `json:"session_id"`
	Name            string    `json:"name"`
	Task            string    `json:"task"`
	StartedAt       time.Time `json:"started_at"`
	LastUpdated     time.Time `json:"last_updated"`
	Profile         string    `json:"profile"`
	CostUSD         float64   `json:"cost_usd"`
	ParentSessionID string    `json:"parent_session_id,omitempty"`
}

// Clear flushes the active session, archives it to history/<id>.json and
// removes the active record. Clearing with no session is a no-op.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	uow := s.load()
	if uow == nil {
		// Drop a corrupt record too so the next Create starts clean.
		return removeIfExists(s.path)
	}
	if err := s.flush(uow); err != nil {
		return err
	}

	st := uow.State()
	archive := &FileWriter{Path: filepath.Join(s.dir, historyDir, st.ID+".json")}
	if err := archive.Write(st); err != nil {
		return fmt.Errorf("archiving session %s: %w", st.ID, err)
	}
	if err := removeIfExists(s.path); err != nil {
		return fmt.Errorf("removing session record: %w", err)
	}
	s.uow = nil
	s.logger.Info(context.Background(), "session archived", zap.String("session.id", st.ID))
	return nil
}

// ListHistory returns summaries of archived sessions, newest first.
// Unreadable records are skipped.
func (s *Store) ListHistory() ([]Summary, error) {
	dir := filepath.Join(s.dir, historyDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Summary{}, nil
		}
		return nil, fmt.Errorf("listing history: %w", err)
	}

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		st, err := readState(filepath.Join(dir, e.Name()))
		if err != nil || st == nil {
			continue
		}
		out = append(out, summarize(st))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// LoadHistory reads one archived session.
func (s *Store) LoadHistory(id string) (*State, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	st, err := readState(filepath.Join(s.dir, historyDir, id+".json"))
	if err != nil || st == nil {
		return nil, fmt.Errorf("history %s: %w", id, os.ErrNotExist)
	}
	return st, nil
}

func summarize(st *State) Summary {
	return Summary{
		ID:              st.ID,
		Name:            st.Name,
		Task:            st.Task,
		StartedAt:       st.StartedAt,
		LastUpdated:     st.LastUpdated,
		Profile:         st.Profile,
		CostUSD:         st.CostUSD,
		ParentSessionID: st.ParentSessionID,
	}
}
