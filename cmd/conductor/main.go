// Conductor drives an agent runtime through a phased development loop.
//
// Usage:
//
//	# Run the loop for a task
//	conductor run "add a health endpoint"
//
//	# Walk the phases without calling the runtime
//	conductor run --simulate "add a health endpoint"
//
//	# Handle a host hook event (reads JSON from stdin)
//	conductor hook PreToolUse
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// exitError carries a process exit code out of a command without printing
// anything further.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}

// rootOptions are the flags every command shares.
type rootOptions struct {
	configPath string
	dir        string
	profile    string
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "conductor",
		Short: "Autonomous development loop orchestrator",
		Long: `conductor runs an agent runtime through understand, plan, execute, verify,
commit and evaluate phases, gating progress on the project's quality checks.

Session state lives under .claude/state. Configuration is read from
.conductor/config.yaml and CONDUCTOR_* environment variables.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default <dir>/.conductor/config.yaml)")
	flags.StringVarP(&opts.dir, "dir", "C", "", "project directory (default current directory)")
	flags.StringVar(&opts.profile, "profile", "", "project profile (default detected)")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output as JSON")

	root.AddCommand(
		newRunCmd(opts),
		newPlanCmd(opts),
		newHookCmd(opts),
		newStatusCmd(opts),
		newHistoryCmd(opts),
		newForkCmd(opts),
		newMergeCmd(opts),
		newClearCmd(opts),
		newBackupCmd(opts),
		newGatesCmd(opts),
		newServeCmd(opts),
	)

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w\n\n%s", err, cmd.UsageString())
	})
	return wrapErrors(root)
}

// wrapErrors prints command errors once, leaving exit codes to main.
func wrapErrors(root *cobra.Command) *cobra.Command {
	for _, c := range root.Commands() {
		run := c.RunE
		if run == nil {
			continue
		}
		c.RunE = func(cmd *cobra.Command, args []string) error {
			err := run(cmd, args)
			var exit *exitError
			if err != nil && !errors.As(err, &exit) {
				fmt.Fprintf(cmd.ErrOrStderr(), "conductor: %v\n", err)
			}
			return err
		}
	}
	return root
}
