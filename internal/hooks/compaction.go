package hooks

import (
	"context"

	"github.com/fyrsmithlabs/conductor/internal/session"
)

// CompactionSnapshot flushes the session and pushes a backup before the
// host compacts its context, so the pre-compaction state can be restored.
type CompactionSnapshot struct {
	Store Store
}

// Handle implements Handler for PreCompact.
func (c *CompactionSnapshot) Handle(_ context.Context, p Payload) (Result, error) {
	st, err := c.Store.Load()
	if err != nil {
		return Result{}, err
	}
	if st == nil {
		return Allowed(), nil
	}
	if err := c.Store.Flush(); err != nil {
		return Result{}, err
	}
	if err := c.Store.Backup(session.TriggerPreCompact); err != nil {
		return Result{}, err
	}
	trigger := p.Subject()
	if trigger == "" {
		trigger = "unknown"
	}
	return Result{
		Decision: Allow,
		Context: map[string]any{
			"snapshot":  session.TriggerPreCompact,
			"trigger":   trigger,
			"phase":     st.Phase,
			"iteration": st.Iteration,
		},
		SystemMessage: Summarize(st),
	}, nil
}
