package hooks

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/conductor/internal/session"
)

// Store is the slice of the session store the built-in handlers use.
type Store interface {
	Load() (*session.State, error)
	AddFileChange(path string) error
	AddCommit(hash string) error
	Backup(trigger string) error
	Flush() error
}

// FileEditTools matches the tools that modify files.
const FileEditTools = "Write|Edit|MultiEdit|NotebookEdit"

var (
	commitHash    = regexp.MustCompile(`\b([0-9a-f]{7,40})\b`)
	commitCommand = regexp.MustCompile(`\bgit\s+(?:-\S+\s+)*commit\b`)
)

// FileTracker records edited files into the session.
type FileTracker struct {
	Store Store
}

// Handle implements Handler for PostToolUse on file-editing tools.
func (t *FileTracker) Handle(_ context.Context, p Payload) (Result, error) {
	tp, ok := p.(*ToolPayload)
	if !ok || tp.Error != "" {
		return Allowed(), nil
	}
	path := tp.FilePath()
	if path == "" {
		return Allowed(), nil
	}
	if tp.Cwd != "" && filepath.IsAbs(path) {
		if rel, err := filepath.Rel(tp.Cwd, path); err == nil && !strings.HasPrefix(rel, "..") {
			path = rel
		}
	}
	if err := t.Store.AddFileChange(filepath.ToSlash(path)); err != nil {
		return ignoreNoSession(err)
	}
	return Allowed(), nil
}

// CommitTracker records commit hashes produced by `git commit` calls.
type CommitTracker struct {
	Store Store

	// Head resolves the repository HEAD when the output has no hash.
	Head func(dir string) (string, error)
}

// Handle implements Handler for PostToolUse on Bash.
func (t *CommitTracker) Handle(_ context.Context, p Payload) (Result, error) {
	tp, ok := p.(*ToolPayload)
	if !ok || tp.Error != "" || !commitCommand.MatchString(tp.Command()) {
		return Allowed(), nil
	}
	hash := ExtractCommitHash(tp.ResponseText())
	if hash == "" && t.Head != nil {
		if h, err := t.Head(tp.Cwd); err == nil {
			hash = h
		}
	}
	if hash == "" {
		return Warned("git commit ran but no commit hash could be determined"), nil
	}
	if err := t.Store.AddCommit(hash); err != nil {
		return ignoreNoSession(err)
	}
	return Allowed(), nil
}

// ignoreNoSession turns a missing session into a quiet allow; tracking
// outside a conductor session is not an error.
func ignoreNoSession(err error) (Result, error) {
	if errors.Is(err, session.ErrNoActiveSession) {
		return Allowed(), nil
	}
	return Result{}, err
}

// ExtractCommitHash returns the first hex run of 7 to 40 characters.
func ExtractCommitHash(output string) string {
	m := commitHash.FindStringSubmatch(output)
	if m == nil {
		return ""
	}
	return m[1]
}

// StopRecorder flushes the session when the agent stops or the session ends.
type StopRecorder struct {
	Store Store
}

// Handle implements Handler for Stop and SessionEnd.
func (r *StopRecorder) Handle(_ context.Context, _ Payload) (Result, error) {
	if err := r.Store.Flush(); err != nil {
		return Result{}, err
	}
	return Allowed(), nil
}

// SessionContext summarizes the active session at SessionStart so the
// agent resumes with its bearings.
type SessionContext struct {
	Store Store
}

// Handle implements Handler for SessionStart.
func (c *SessionContext) Handle(_ context.Context, _ Payload) (Result, error) {
	st, err := c.Store.Load()
	if err != nil {
		return Result{}, err
	}
	if st == nil {
		return Allowed(), nil
	}
	return Result{
		Decision: Allow,
		Context: map[string]any{
			"session_id": st.ID,
			"phase":      st.Phase,
			"iteration":  st.Iteration,
			"cost_usd":   st.CostUSD,
		},
		SystemMessage: Summarize(st),
	}, nil
}

// Summarize renders a short plain-text description of a session.
func Summarize(st *session.State) string {
	var b strings.Builder
	b.WriteString("Resuming conductor session " + st.Name + "\n")
	if st.Task != "" {
		b.WriteString("Task: " + st.Task + "\n")
	}
	fmt.Fprintf(&b, "Phase: %s, iteration %d\n", st.Phase, st.Iteration)
	fmt.Fprintf(&b, "Cost so far: $%.2f\n", st.CostUSD)
	if n := len(st.FileChanges); n > 0 {
		fmt.Fprintf(&b, "Files changed: %d\n", n)
	}
	if n := len(st.Commits); n > 0 {
		fmt.Fprintf(&b, "Commits: %d\n", n)
	}
	var failing []string
	for name, g := range st.Gates {
		if g.Blocking && !g.Passed() {
			failing = append(failing, name)
		}
	}
	if len(failing) > 0 {
		sort.Strings(failing)
		b.WriteString("Failing gates: " + strings.Join(failing, ", ") + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
