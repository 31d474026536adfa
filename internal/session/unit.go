package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer persists a session record.
type Writer interface {
	Write(s *State) error
}

// UnitOfWork wraps a cached State and its dirty flag. Mutations only touch
// memory; Flush is the single method that performs I/O.
type UnitOfWork struct {
	state  *State
	dirty  bool
	writer Writer
	now    func() time.Time
}

// NewUnitOfWork wraps state. The state starts clean.
func NewUnitOfWork(state *State, w Writer) *UnitOfWork {
	return &UnitOfWork{
		state:  state,
		writer: w,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// State returns the cached state. Callers mutating it directly must call
// MarkDirty.
func (u *UnitOfWork) State() *State {
	return u.state
}

// Mutate applies fn to the cached state and marks it dirty.
func (u *UnitOfWork) Mutate(fn func(*State)) {
	fn(u.state)
	u.dirty = true
}

// MarkDirty flags the state as diverged from the durable record.
func (u *UnitOfWork) MarkDirty() {
	u.dirty = true
}

// Dirty reports whether there are unflushed mutations.
func (u *UnitOfWork) Dirty() bool {
	return u.dirty
}

// Flush writes the state when dirty and clears the flag. LastUpdated is
// stamped on every write and never moves backwards. On a failed write the
// state stays dirty.
func (u *UnitOfWork) Flush() error {
	if !u.dirty {
		return nil
	}
	now := u.now()
	if now.Before(u.state.LastUpdated) {
		now = u.state.LastUpdated
	}
	u.state.LastUpdated = now
	if err := u.writer.Write(u.state); err != nil {
		return err
	}
	u.dirty = false
	return nil
}

// FileWriter writes a record as indented JSON via a temp file and rename,
// so readers never see a partial record.
type FileWriter struct {
	Path string
}

// Write implements Writer.
func (w *FileWriter) Write(s *State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", s.ID, err)
	}
	return writeAtomic(w.Path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}

// readState reads a record. Missing and unparseable files both yield nil;
// the returned error is only the parse error, for logging.
func readState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, fmt.Errorf("record %s has no session_id", path)
	}
	s.normalize()
	return &s, nil
}

// MemoryWriter keeps written records in memory.
type MemoryWriter struct {
	mu     sync.Mutex
	writes int
	last   *State
}

// Write implements Writer.
func (w *MemoryWriter) Write(s *State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	w.last = s.Clone()
	return nil
}

// Writes returns the number of writes performed.
func (w *MemoryWriter) Writes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes
}

// Last returns a copy of the most recently written record.
func (w *MemoryWriter) Last() *State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.Clone()
}
