package session

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Fork snapshots the active session into a new record under
// forks/<id>.json. The fork gets a fresh id and an empty backup ring and
// links back through ParentSessionID. Pending parent mutations are flushed
// first so the parent record on disk matches what the fork copied.
func (s *Store) Fork(name string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uow := s.load()
	if uow == nil {
		return nil, ErrNoActiveSession
	}
	if err := s.flush(uow); err != nil {
		return nil, err
	}

	parent := uow.State()
	fork := parent.Clone()
	now := s.now()
	fork.ID = uuid.NewString()
	fork.ParentSessionID = parent.ID
	fork.ForkedAt = &now
	fork.ForkBaseCostUSD = parent.CostUSD
	fork.Backups = []Backup{}
	fork.StartedAt = now
	fork.LastUpdated = now
	if name != "" {
		fork.Name = name
	} else {
		fork.Name = parent.Name + " (fork " + fork.ID[:8] + ")"
	}

	fw := &FileWriter{Path: s.forkPath(fork.ID)}
	if err := fw.Write(fork); err != nil {
		return nil, fmt.Errorf("writing fork: %w", err)
	}
	forksCreated.Inc()
	s.logger.Info(context.Background(), "session forked",
		zap.String("session.id", parent.ID),
		zap.String("fork.id", fork.ID))
	return fork.Clone(), nil
}

// LoadFork reads a fork record.
func (s *Store) LoadFork(id string) (*State, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	st, err := readState(s.forkPath(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrForkNotFound, id, err)
	}
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrForkNotFound, id)
	}
	return st, nil
}

// ForkStore returns a store bound to a fork's record so the fork can be
// mutated independently of its parent.
func (s *Store) ForkStore(id string) (*Store, error) {
	if _, err := s.LoadFork(id); err != nil {
		return nil, err
	}
	return newStore(s.options(), s.forkPath(id)), nil
}

// ListForks returns the readable fork records, oldest fork first.
func (s *Store) ListForks() ([]*State, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, forksDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var forks []*State
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		st, err := readState(filepath.Join(s.dir, forksDir, e.Name()))
		if err != nil || st == nil {
			continue
		}
		forks = append(forks, st)
	}
	sort.Slice(forks, func(i, j int) bool {
		return forks[i].StartedAt.Before(forks[j].StartedAt)
	})
	return forks, nil
}

// MergeFork folds a fork's progress back into the active session.
//
//   - iteration takes the larger value; the fork's phase wins when the
//     fork got at least as far
//   - file changes and commits are unioned, parent entries first
//   - gate results and cost breakdowns from the fork overwrite the
//     parent's entries with the same key
//   - the cost total is recomputed from the merged phase breakdown, plus
//     any spend that never carried a phase
//
// The fork must have been forked from this session.
func (s *Store) MergeFork(fork *State) error {
	if fork == nil {
		return fmt.Errorf("%w: nil fork", ErrForkNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	uow := s.load()
	if uow == nil {
		return ErrNoActiveSession
	}
	parent := uow.State()
	if fork.ParentSessionID != parent.ID {
		return fmt.Errorf("%w: fork %s has parent %q, session is %s",
			ErrForkParentMismatch, fork.ID, fork.ParentSessionID, parent.ID)
	}

	uow.Mutate(func(st *State) {
		mergeInto(st, fork)
	})
	forksMerged.Inc()
	s.logger.Info(context.Background(), "fork merged",
		zap.String("session.id", parent.ID),
		zap.String("fork.id", fork.ID))

	if s.autoFlush {
		return s.flush(uow)
	}
	return nil
}

func mergeInto(st, fork *State) {
	if fork.Iteration >= st.Iteration {
		st.Iteration = fork.Iteration
		if fork.Phase != "" {
			st.Phase = fork.Phase
		}
	}
	if fork.TasksCompleted > st.TasksCompleted {
		st.TasksCompleted = fork.TasksCompleted
	}

	unattributed := math.Max(unattributedCost(st), unattributedCost(fork))

	st.FileChanges = union(st.FileChanges, fork.FileChanges)
	st.Commits = union(st.Commits, fork.Commits)

	for name, r := range fork.Gates {
		st.Gates[name] = r
	}
	for k, v := range fork.CostByPhase {
		st.CostByPhase[k] = v
	}
	for k, v := range fork.CostByModel {
		st.CostByModel[k] = v
	}

	st.CostUSD = sumCosts(st.CostByPhase) + unattributed
	for k, v := range fork.Metadata {
		if _, ok := st.Metadata[k]; !ok {
			st.Metadata[k] = v
		}
	}
}

// unattributedCost is the part of the total with no phase breakdown. The
// fork's copy already includes the parent's share from before the fork.
func unattributedCost(st *State) float64 {
	return math.Max(0, st.CostUSD-sumCosts(st.CostByPhase))
}

func sumCosts(m map[string]float64) float64 {
	var total float64
	for _, v := range m {
		total += v
	}
	return total
}

func (s *Store) forkPath(id string) string {
	return filepath.Join(s.dir, forksDir, id+".json")
}
