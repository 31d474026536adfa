package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conductor/internal/cost"
	"github.com/fyrsmithlabs/conductor/internal/gates"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(Options{Dir: t.TempDir()})
}

func readDisk(t *testing.T, s *Store) *State {
	t.Helper()
	st, err := readState(s.Path())
	require.NoError(t, err)
	return st
}

func TestCreate_WritesImmediately(t *testing.T) {
	s := newTestStore(t)

	st, err := s.Create("add a login page", CreateOptions{Profile: "go"})
	require.NoError(t, err)

	assert.NotEmpty(t, st.ID)
	assert.Equal(t, "init", st.Phase)
	assert.Equal(t, 1, st.Iteration)
	assert.Equal(t, "add a login page", st.Name)

	disk := readDisk(t, s)
	require.NotNil(t, disk)
	assert.Equal(t, st.ID, disk.ID)
	assert.Equal(t, "go", disk.Profile)
}

func TestDefaultName(t *testing.T) {
	id := "0123456789abcdef"
	tests := []struct {
		name string
		task string
		want string
	}{
		{"first line only", "fix the parser\nmore detail", "fix the parser"},
		{"empty task", "   ", "session-01234567"},
		{"long ascii cut at 60", strings.Repeat("a", 80), strings.Repeat("a", 60)},
		{"multibyte cut on rune boundary", strings.Repeat("é", 59) + "日本語", strings.Repeat("é", 59) + "日"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := defaultName(tt.task, id)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestLoad_NoSession(t *testing.T) {
	s := newTestStore(t)
	st, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.False(t, s.Active())
	assert.ErrorIs(t, s.AddFileChange("a.go"), ErrNoActiveSession)
}

func TestLoad_CorruptRecordIsNoSession(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"truncated", `{"session_id": "abc", "phase": `},
		{"wrong types", `{"session_id": 42}`},
		{"missing id", `{"phase": "plan"}`},
		{"binary", "\x00\x01\x02"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			require.NoError(t, os.MkdirAll(s.Dir(), 0o755))
			require.NoError(t, os.WriteFile(s.Path(), []byte(tt.content), 0o600))

			st, err := s.Load()
			require.NoError(t, err)
			assert.Nil(t, st)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(Options{Dir: dir})
	budget := 10.0

	created, err := s.Create("task", CreateOptions{
		Name:       "roundtrip",
		Profile:    "python",
		WorkingDir: "/work",
		BudgetUSD:  &budget,
		Metadata:   map[string]string{"branch": "main"},
	})
	require.NoError(t, err)

	require.NoError(t, s.UpdatePhase("execute"))
	_, err = s.IncrementIteration()
	require.NoError(t, err)
	require.NoError(t, s.CompleteTask())
	require.NoError(t, s.AddFileChange("a.py"))
	require.NoError(t, s.AddCommit("abc1234"))
	require.NoError(t, s.UpdateGate(gates.Result{Name: "test", Status: gates.StatusPassed, Command: "pytest"}))
	require.NoError(t, s.AddCost(1.25, "execute", "sonnet"))
	require.NoError(t, s.Flush())

	before, err := s.Load()
	require.NoError(t, err)

	after, err := NewStore(Options{Dir: dir}).Load()
	require.NoError(t, err)
	require.NotNil(t, after)

	assert.False(t, after.LastUpdated.Before(created.LastUpdated), "timestamps never move backwards")
	assert.True(t, after.StartedAt.Equal(before.StartedAt))

	before.StartedAt, before.LastUpdated = time.Time{}, time.Time{}
	after.StartedAt, after.LastUpdated = time.Time{}, time.Time{}
	for name, g := range before.Gates {
		g.StartedAt = time.Time{}
		before.Gates[name] = g
	}
	for name, g := range after.Gates {
		g.StartedAt = time.Time{}
		after.Gates[name] = g
	}
	assert.Equal(t, before, after)
}

func TestDirtyBatching(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("task", CreateOptions{})
	require.NoError(t, err)
	onDisk, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	require.NoError(t, s.UpdatePhase("plan"))
	require.NoError(t, s.AddFileChange("main.go"))
	require.NoError(t, s.AddCommit("deadbee"))
	assert.True(t, s.Dirty())

	unchanged, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, onDisk, unchanged, "no write before Flush")

	require.NoError(t, s.Flush())
	assert.False(t, s.Dirty())

	disk := readDisk(t, s)
	assert.Equal(t, "plan", disk.Phase)
	assert.Equal(t, []string{"main.go"}, disk.FileChanges)
	assert.Equal(t, []string{"deadbee"}, disk.Commits)
}

func TestAutoFlush(t *testing.T) {
	s := NewStore(Options{Dir: t.TempDir(), AutoFlush: true})
	_, err := s.Create("task", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, s.AddFileChange("x.go"))
	assert.False(t, s.Dirty())
	assert.Equal(t, []string{"x.go"}, readDisk(t, s).FileChanges)
}

func TestAddFileChange_Dedups(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("task", CreateOptions{})
	require.NoError(t, err)

	for _, p := range []string{"a", "b", "a", "c", "b"} {
		require.NoError(t, s.AddFileChange(p))
	}
	st, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, st.FileChanges)
}

func TestAddCost(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("task", CreateOptions{})
	require.NoError(t, err)

	budget := 5.0
	require.NoError(t, s.SetBudget(&budget))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AddCost(2.0, "execute", "sonnet"))
	}
	assert.ErrorIs(t, s.AddCost(-1, "", ""), cost.ErrNegativeAmount)
	assert.Error(t, s.SetBudget(ptr(-3.0)))

	st, err := s.Load()
	require.NoError(t, err)
	assert.InDelta(t, 6.0, st.CostUSD, 1e-9)
	assert.InDelta(t, 6.0, st.CostByPhase["execute"], 1e-9)

	l := st.Ledger()
	assert.True(t, l.OverBudget())
	assert.Equal(t, 0.0, l.Remaining())
}

func TestWith_FlushesOnError(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("task", CreateOptions{})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.With(func(st *State) error {
		st.Phase = "verify"
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "verify", readDisk(t, s).Phase)
}

func TestWith_FlushesOnPanic(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("task", CreateOptions{})
	require.NoError(t, err)

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = s.With(func(st *State) error {
			st.FileChanges = append(st.FileChanges, "x.go")
			panic("kaboom")
		})
	})
	assert.Equal(t, []string{"x.go"}, readDisk(t, s).FileChanges)
}

func TestWith_NoSession(t *testing.T) {
	s := newTestStore(t)
	err := s.With(func(*State) error { return nil })
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestBackups_EvictOldest(t *testing.T) {
	s := NewStore(Options{Dir: t.TempDir(), BackupRetention: 3})
	_, err := s.Create("task", CreateOptions{})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		_, err := s.IncrementIteration()
		require.NoError(t, err)
		require.NoError(t, s.Backup(TriggerPreCompact))
	}

	backups, err := s.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, 4, backups[0].Iteration)
	assert.Equal(t, 6, backups[2].Iteration)
	assert.Equal(t, TriggerPreCompact, backups[0].Trigger)

	assert.Len(t, readDisk(t, s).Backups, 3, "backups are flushed immediately")
}

func TestRestoreBackup(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("task", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, s.AddFileChange("a.go"))
	require.NoError(t, s.UpdatePhase("execute"))
	require.NoError(t, s.Backup(""))
	require.NoError(t, s.AddFileChange("b.go"))
	require.NoError(t, s.UpdatePhase("verify"))
	require.NoError(t, s.AddCost(1, "verify", ""))

	require.NoError(t, s.RestoreBackup(0))
	st, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "execute", st.Phase)
	assert.Equal(t, []string{"a.go"}, st.FileChanges)
	assert.InDelta(t, 1.0, st.CostUSD, 1e-9, "spend is not rolled back")
	assert.Equal(t, TriggerManual, st.Backups[0].Trigger)

	assert.ErrorIs(t, s.RestoreBackup(3), ErrBackupNotFound)
}

func TestClearAndHistory(t *testing.T) {
	s := newTestStore(t)
	first, err := s.Create("first", CreateOptions{Profile: "go"})
	require.NoError(t, err)
	require.NoError(t, s.AddCost(0.5, "", ""))
	require.NoError(t, s.Clear())

	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))
	assert.False(t, s.Active())

	second, err := s.Create("second", CreateOptions{Profile: "rust"})
	require.NoError(t, err)
	require.NoError(t, s.Clear())

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), historyDir, "junk.json"), []byte("{"), 0o600))

	hist, err := s.ListHistory()
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, second.ID, hist[0].ID, "newest first")
	assert.Equal(t, first.ID, hist[1].ID)
	assert.Equal(t, "go", hist[1].Profile)
	assert.InDelta(t, 0.5, hist[1].CostUSD, 1e-9, "pending spend is flushed before archiving")

	archived, err := s.LoadHistory(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", archived.Task)
}

func TestClear_NoSession(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Clear())
}

func TestUnitOfWork_MemoryWriter(t *testing.T) {
	w := &MemoryWriter{}
	st := &State{ID: "mem"}
	st.normalize()
	u := NewUnitOfWork(st, w)

	require.NoError(t, u.Flush())
	assert.Zero(t, w.Writes(), "clean unit does not write")

	u.Mutate(func(s *State) { s.Phase = "plan" })
	u.Mutate(func(s *State) { s.Iteration = 2 })
	u.Mutate(func(s *State) { s.Commits = append(s.Commits, "abc1234") })
	assert.Zero(t, w.Writes())
	assert.True(t, u.Dirty())

	require.NoError(t, u.Flush())
	assert.Equal(t, 1, w.Writes())
	last := w.Last()
	assert.Equal(t, "plan", last.Phase)
	assert.Equal(t, 2, last.Iteration)
	assert.Equal(t, []string{"abc1234"}, last.Commits)

	require.NoError(t, u.Flush())
	assert.Equal(t, 1, w.Writes())
}

type failingWriter struct{}

func (failingWriter) Write(*State) error { return errors.New("disk full") }

func TestUnitOfWork_FailedFlushStaysDirty(t *testing.T) {
	st := &State{ID: "x"}
	u := NewUnitOfWork(st, failingWriter{})
	u.MarkDirty()
	assert.Error(t, u.Flush())
	assert.True(t, u.Dirty())
}

func TestUnitOfWork_LastUpdatedMonotonic(t *testing.T) {
	future := time.Now().Add(time.Hour).UTC()
	st := &State{ID: "x", LastUpdated: future}
	u := NewUnitOfWork(st, &MemoryWriter{})
	u.MarkDirty()
	require.NoError(t, u.Flush())
	assert.Equal(t, future, st.LastUpdated)
}

func TestRecordFormat(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("task", CreateOptions{})
	require.NoError(t, err)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{
		"session_id", "name", "task", "working_dir", "profile", "phase", "iteration",
		"tasks_completed", "file_changes", "commits", "gates", "cost_usd",
		"cost_by_phase", "cost_by_model", "backups", "metadata", "started_at", "last_updated",
	} {
		assert.Contains(t, raw, key)
	}
	assert.NotContains(t, raw, "parent_session_id")
}

func ptr(f float64) *float64 { return &f }
