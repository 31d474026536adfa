package main

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/conductor/internal/session"
)

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active session",
		Long: `Show the active session's phase, iteration, spend, gates and forks.

Examples:
  conductor status
  conductor status --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.store.Load()
			if err != nil {
				return err
			}
			if st == nil {
				if root.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), map[string]interface{}{"active": false})
				}
				fmt.Fprintln(cmd.OutOrStdout(), "No active session.")
				return nil
			}
			forks, err := a.store.ListForks()
			if err != nil {
				return err
			}
			if root.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"active":  true,
					"session": st,
					"cost":    st.Ledger().Summary(),
					"forks":   forkSummaries(forks),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(st, forks))
			return nil
		},
	}
}

func newHistoryCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history [session-id]",
		Short: "List archived sessions or show one",
		Long: `List sessions archived by 'conductor clear', newest first, or show one
archived session in full.

Examples:
  conductor history
  conductor history 3f2a1c9e-... --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()

			if len(args) == 1 {
				st, err := a.store.LoadHistory(args[0])
				if err != nil {
					return err
				}
				if root.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), st)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderStatus(st, nil))
				return nil
			}

			sessions, err := a.store.ListHistory()
			if err != nil {
				return err
			}
			if root.jsonOutput {
				if sessions == nil {
					sessions = []session.Summary{}
				}
				return writeJSON(cmd.OutOrStdout(), sessions)
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No archived sessions.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPROFILE\tSTARTED\tCOST")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.4f\n",
					truncate(s.ID, 12),
					truncate(s.Name, 40),
					s.Profile,
					s.StartedAt.Local().Format("2006-01-02 15:04"),
					s.CostUSD,
				)
			}
			return w.Flush()
		},
	}
}

func newForkCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fork [name]",
		Short: "Fork the active session to try an alternative",
		Long: `Snapshot the active session into a fork record. The fork can be resumed
separately and merged back with 'conductor merge'.

Examples:
  conductor fork try-sqlite`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()

			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			fork, err := a.store.Fork(name)
			if err != nil {
				if isNoSession(err) {
					return fmt.Errorf("nothing to fork: %w", err)
				}
				return err
			}
			if root.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), fork)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forked %s as %s (%s)\n", fork.ParentSessionID, fork.ID, fork.Name)
			return nil
		},
	}
}

func newMergeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "merge <fork-id>",
		Short: "Merge a fork back into the active session",
		Long: `Merge a fork's file changes, commits, gate results and spend into its
parent, which must be the active session.

Examples:
  conductor merge 9b1e...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()

			fork, err := a.store.LoadFork(args[0])
			if err != nil {
				return err
			}
			if err := a.store.MergeFork(fork); err != nil {
				if errors.Is(err, session.ErrForkParentMismatch) {
					return fmt.Errorf("fork %s belongs to session %s: %w", fork.ID, fork.ParentSessionID, err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Merged %s into %s\n", fork.ID, fork.ParentSessionID)
			return nil
		},
	}
}

func newClearCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Archive the active session to history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.store.Load()
			if err != nil {
				return err
			}
			if err := a.store.Clear(); err != nil {
				return err
			}
			if st == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No active session.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Archived %s\n", st.ID)
			return nil
		},
	}
}

func newBackupCmd(root *rootOptions) *cobra.Command {
	var restore int
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot, list or restore session backups",
		Long: `Take a manual backup of the active session. With --list the backup ring is
printed oldest first; with --restore N the session rolls back to backup N.
Spend is never rolled back.

Examples:
  conductor backup
  conductor backup --list
  conductor backup --restore 0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()

			list, _ := cmd.Flags().GetBool("list")
			switch {
			case cmd.Flags().Changed("restore"):
				if err := a.store.RestoreBackup(restore); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Restored backup %d\n", restore)
				return nil
			case list:
				backups, err := a.store.Backups()
				if err != nil {
					return err
				}
				if root.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), backups)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "#\tTAKEN\tTRIGGER\tPHASE\tITERATION\tCOST")
				for i, b := range backups {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t$%.4f\n",
						strconv.Itoa(i), b.TakenAt.Local().Format("2006-01-02 15:04:05"),
						b.Trigger, b.Phase, b.Iteration, b.CostUSD)
				}
				return w.Flush()
			}
			if err := a.store.Backup(session.TriggerManual); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Backup taken")
			return nil
		},
	}
	cmd.Flags().Bool("list", false, "list backups")
	cmd.Flags().IntVar(&restore, "restore", 0, "restore the backup at this index")
	return cmd
}

type forkSummary struct {
	ID      string  `json:"session_id"`
	Name    string  `json:"name"`
	Phase   string  `json:"phase"`
	CostUSD float64 `json:"cost_usd"`
}

func forkSummaries(forks []*session.State) []forkSummary {
	out := make([]forkSummary, 0, len(forks))
	for _, f := range forks {
		out = append(out, forkSummary{ID: f.ID, Name: f.Name, Phase: f.Phase, CostUSD: f.CostUSD})
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
