package session

import (
	"fmt"
	"time"
)

// Backup pushes a snapshot of the session's progress into the backup
// ring, evicting the oldest entry when the ring is full. The snapshot is
// flushed immediately because backups guard against context loss.
func (s *Store) Backup(trigger string) error {
	if trigger == "" {
		trigger = TriggerManual
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	uow := s.load()
	if uow == nil {
		return ErrNoActiveSession
	}
	uow.Mutate(func(st *State) {
		st.Backups = pushBackup(st.Backups, snapshot(st, trigger, s.now()), s.retention)
	})
	return s.flush(uow)
}

// Backups returns the backup ring, oldest first.
func (s *Store) Backups() ([]Backup, error) {
	st, err := s.Load()
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrNoActiveSession
	}
	return st.Backups, nil
}

// RestoreBackup rolls phase, iteration, file changes, commits and gate
// results back to backup idx (0 is the oldest). Spend is never rolled back.
func (s *Store) RestoreBackup(idx int) error {
	return s.mutateErr(func(st *State) error {
		if idx < 0 || idx >= len(st.Backups) {
			return fmt.Errorf("%w: index %d of %d", ErrBackupNotFound, idx, len(st.Backups))
		}
		b := st.Backups[idx].clone()
		st.Phase = b.Phase
		st.Iteration = b.Iteration
		st.FileChanges = b.FileChanges
		st.Commits = b.Commits
		st.Gates = b.Gates
		st.normalize()
		return nil
	})
}

func (s *Store) mutateErr(fn func(*State) error) error {
	var fnErr error
	err := s.mutate(func(st *State) bool {
		fnErr = fn(st)
		return fnErr == nil
	})
	if err != nil {
		return err
	}
	return fnErr
}

func snapshot(st *State, trigger string, now time.Time) Backup {
	return Backup{
		TakenAt:     now,
		Trigger:     trigger,
		Phase:       st.Phase,
		Iteration:   st.Iteration,
		FileChanges: cloneStrings(st.FileChanges),
		Commits:     cloneStrings(st.Commits),
		CostUSD:     st.CostUSD,
		Gates:       cloneGates(st.Gates),
	}
}

func pushBackup(ring []Backup, b Backup, retention int) []Backup {
	ring = append(ring, b)
	if over := len(ring) - retention; over > 0 {
		ring = append([]Backup(nil), ring[over:]...)
	}
	return ring
}
