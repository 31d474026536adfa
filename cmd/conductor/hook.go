package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/gates"
	"github.com/fyrsmithlabs/conductor/internal/hooks"
	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/secrets"
)

func newHookCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hook [event]",
		Short: "Handle one host hook event from stdin",
		Long: `Read a hook payload as JSON from stdin, run the built-in handlers and write
the decision as JSON to stdout.

The event defaults to the payload's hook_event_name. Exit codes are 0 to
allow, 1 to allow with a warning and 2 to block. Logs go to stderr only.

Examples:
  echo '{"tool_name":"Bash","tool_input":{"command":"ls"}}' | conductor hook PreToolUse`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root)
			if err != nil {
				return err
			}
			defer a.close()

			var event hooks.EventType
			if len(args) == 1 {
				if event, err = hooks.ParseEventType(args[0]); err != nil {
					return err
				}
			}
			ctx = logging.WithHookEvent(ctx, string(event))

			var scanner *secrets.Scanner
			cfg := a.cfg.Hooks
			if (cfg.PathGuard && cfg.ScanSecrets) || a.cfg.Gates.RedactOutput {
				scanner = a.scanner(ctx)
			}

			// Gates need a profile. Without one the gate hooks are skipped
			// and the guards still run.
			var runner *gates.Runner
			if p, perr := a.profile(root.profile); perr == nil {
				runner = a.gateRunner(p, scanner, a.store)
			} else {
				a.logger.Warn(ctx, "profile unavailable, gate hooks disabled", zap.Error(perr))
			}

			pub := a.publisher(ctx)
			defer pub.Close()
			bus, err := a.bus(runner, scanner, pub)
			if err != nil {
				return err
			}

			proto := &hooks.Protocol{Bus: bus, Logger: a.logger}
			code := proto.Serve(ctx, event, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err := a.store.Flush(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "conductor: saving session: %v\n", err)
			}
			if code != hooks.ExitAllow {
				return &exitError{code: code}
			}
			return nil
		},
	}
}
