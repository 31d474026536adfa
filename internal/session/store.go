package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/cost"
	"github.com/fyrsmithlabs/conductor/internal/gates"
	"github.com/fyrsmithlabs/conductor/internal/logging"
)

const (
	activeFile = "session.json"
	forksDir   = "forks"
	historyDir = "history"

	// DefaultBackupRetention is the size of the backup ring.
	DefaultBackupRetention = 5
)

// Options configures a Store.
type Options struct {
	// Dir is the state directory, e.g. .claude/state.
	Dir string

	// AutoFlush writes after every mutation instead of batching until Flush.
	AutoFlush bool

	// BackupRetention bounds the backup ring. Zero means DefaultBackupRetention.
	BackupRetention int

	Logger *logging.Logger
}

// CreateOptions describes a new session.
type CreateOptions struct {
	Name       string
	Profile    string
	WorkingDir string
	BudgetUSD  *float64
	Metadata   map[string]string
}

// Store persists one session record. It assumes a single writer per
// session id; methods are safe for concurrent use within one process.
type Store struct {
	mu sync.Mutex

	opts      Options
	dir       string
	path      string
	autoFlush bool
	retention int
	logger    *logging.Logger
	now       func() time.Time

	uow *UnitOfWork
}

// NewStore returns a store over <opts.Dir>/session.json. Nothing is read
// until the first operation needs the session.
func NewStore(opts Options) *Store {
	return newStore(opts, filepath.Join(opts.Dir, activeFile))
}

func newStore(opts Options, path string) *Store {
	retention := opts.BackupRetention
	if retention <= 0 {
		retention = DefaultBackupRetention
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{
		opts:      opts,
		dir:       opts.Dir,
		path:      path,
		autoFlush: opts.AutoFlush,
		retention: retention,
		logger:    logger.Named("session"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Path returns the record file this store writes.
func (s *Store) Path() string {
	return s.path
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) options() Options {
	return s.opts
}

// Create starts a new session and writes it immediately, replacing any
// cached record.
func (s *Store) Create(task string, opts CreateOptions) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	st := &State{
		ID:          uuid.NewString(),
		Name:        opts.Name,
		Task:        task,
		WorkingDir:  opts.WorkingDir,
		Profile:     opts.Profile,
		Phase:       "init",
		Iteration:   1,
		BudgetUSD:   opts.BudgetUSD,
		Metadata:    make(map[string]string, len(opts.Metadata)),
		StartedAt:   now,
		LastUpdated: now,
	}
	if st.Name == "" {
		st.Name = defaultName(task, st.ID)
	}
	for k, v := range opts.Metadata {
		st.Metadata[k] = v
	}
	st.normalize()

	uow := s.newUnit(st)
	uow.MarkDirty()
	if err := uow.Flush(); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	s.uow = uow
	sessionsCreated.Inc()
	s.logger.Info(context.Background(), "session created",
		zap.String("session.id", st.ID),
		zap.String("profile", st.Profile))
	return st.Clone(), nil
}

// Load returns a copy of the active session, or nil when there is none.
// A corrupt record is treated as no session.
func (s *Store) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uow := s.load()
	if uow == nil {
		return nil, nil
	}
	return uow.State().Clone(), nil
}

// Active reports whether a session exists.
func (s *Store) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load() != nil
}

// load returns the cached unit of work, reading the record on first use.
// Callers hold s.mu.
func (s *Store) load() *UnitOfWork {
	if s.uow != nil {
		return s.uow
	}
	st, err := readState(s.path)
	if err != nil {
		corruptRecords.Inc()
		s.logger.Warn(context.Background(), "ignoring unreadable session record",
			zap.String("path", s.path), zap.Error(err))
		return nil
	}
	if st == nil {
		return nil
	}
	s.uow = s.newUnit(st)
	return s.uow
}

func (s *Store) newUnit(st *State) *UnitOfWork {
	uow := NewUnitOfWork(st, &FileWriter{Path: s.path})
	uow.now = s.now
	return uow
}

// mutate applies fn under the lock and flushes when auto-flush is on.
// fn returning false means nothing changed.
func (s *Store) mutate(fn func(*State) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	uow := s.load()
	if uow == nil {
		return ErrNoActiveSession
	}
	if !fn(uow.State()) {
		return nil
	}
	uow.MarkDirty()
	if s.autoFlush {
		return s.flush(uow)
	}
	return nil
}

func (s *Store) flush(uow *UnitOfWork) error {
	if !uow.Dirty() {
		return nil
	}
	if err := uow.Flush(); err != nil {
		flushes.WithLabelValues("error").Inc()
		return fmt.Errorf("flushing session: %w", err)
	}
	flushes.WithLabelValues("ok").Inc()
	return nil
}

// Flush writes pending mutations. It is a no-op when nothing changed.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uow == nil {
		return nil
	}
	return s.flush(s.uow)
}

// Dirty reports whether there are unflushed mutations.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uow != nil && s.uow.Dirty()
}

// With runs fn against the live session and flushes on every exit path,
// including a panic, which is re-raised after the flush. fn must not call
// other Store methods.
func (s *Store) With(fn func(*State) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uow := s.load()
	if uow == nil {
		return ErrNoActiveSession
	}

	defer func() {
		r := recover()
		uow.MarkDirty()
		uow.State().normalize()
		if ferr := s.flush(uow); ferr != nil && err == nil {
			err = ferr
		}
		if r != nil {
			panic(r)
		}
	}()

	return fn(uow.State())
}

// UpdatePhase records the current phase.
func (s *Store) UpdatePhase(phase string) error {
	return s.mutate(func(st *State) bool {
		if st.Phase == phase {
			return false
		}
		st.Phase = phase
		return true
	})
}

// IncrementIteration advances the iteration counter and returns it.
func (s *Store) IncrementIteration() (int, error) {
	var n int
	err := s.mutate(func(st *State) bool {
		st.Iteration++
		n = st.Iteration
		return true
	})
	return n, err
}

// CompleteTask increments the completed-task counter.
func (s *Store) CompleteTask() error {
	return s.mutate(func(st *State) bool {
		st.TasksCompleted++
		return true
	})
}

// AddCommit records a commit hash. Repeated hashes are ignored.
func (s *Store) AddCommit(hash string) error {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return nil
	}
	return s.mutate(func(st *State) bool {
		if contains(st.Commits, hash) {
			return false
		}
		st.Commits = append(st.Commits, hash)
		return true
	})
}

// AddFileChange records a changed path. Paths already recorded are ignored.
func (s *Store) AddFileChange(path string) error {
	if path == "" {
		return nil
	}
	return s.mutate(func(st *State) bool {
		if contains(st.FileChanges, path) {
			return false
		}
		st.FileChanges = append(st.FileChanges, path)
		return true
	})
}

// UpdateGate replaces the last result for a gate.
func (s *Store) UpdateGate(r gates.Result) error {
	return s.mutate(func(st *State) bool {
		st.Gates[r.Name] = r
		return true
	})
}

// RecordGate adapts the store to gates.Recorder.
func (s *Store) RecordGate(r gates.Result) {
	if err := s.UpdateGate(r); err != nil && !errors.Is(err, ErrNoActiveSession) {
		s.logger.Warn(context.Background(), "recording gate result failed",
			zap.String("gate", r.Name), zap.Error(err))
	}
}

// AddCost folds a spend increment into the session totals.
func (s *Store) AddCost(amount float64, phase, model string) error {
	var addErr error
	err := s.mutate(func(st *State) bool {
		l := st.Ledger()
		if addErr = l.Add(amount, phase, model); addErr != nil {
			return false
		}
		st.CostUSD = l.Total()
		st.CostByPhase = l.ByPhase()
		st.CostByModel = l.ByModel()
		return true
	})
	if err != nil {
		return err
	}
	return addErr
}

// SetBudget sets or, with nil, clears the budget ceiling.
func (s *Store) SetBudget(usd *float64) error {
	if usd != nil {
		if err := cost.NewLedger().SetBudget(*usd); err != nil {
			return err
		}
	}
	return s.mutate(func(st *State) bool {
		if usd == nil {
			st.BudgetUSD = nil
			return true
		}
		b := *usd
		st.BudgetUSD = &b
		return true
	})
}

// SetMetadata sets a free-form metadata key.
func (s *Store) SetMetadata(key, value string) error {
	return s.mutate(func(st *State) bool {
		if v, ok := st.Metadata[key]; ok && v == value {
			return false
		}
		st.Metadata[key] = value
		return true
	})
}

// maxNameRunes bounds names derived from the task line.
const maxNameRunes = 60

func defaultName(task, id string) string {
	name := strings.TrimSpace(strings.SplitN(task, "\n", 2)[0])
	if utf8.RuneCountInString(name) > maxNameRunes {
		name = strings.TrimSpace(string([]rune(name)[:maxNameRunes]))
	}
	if name == "" {
		name = "session-" + id[:8]
	}
	return name
}

func validID(id string) bool {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return false
	}
	return true
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
