package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/conductor/internal/gates"
	"github.com/fyrsmithlabs/conductor/internal/secrets"
)

func newGatesCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gates [name...]",
		Short: "Run quality gates",
		Long: `Run the named gates, or every blocking gate of the profile when no names
are given. Results are recorded in the active session when there is one.
The command exits 1 when any gate failed.

Examples:
  # Run every blocking gate
  conductor gates

  # Run only lint and test with the python profile
  conductor gates --profile python lint test`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root)
			if err != nil {
				return err
			}
			defer a.close()

			p, err := a.profile(root.profile)
			if err != nil {
				return err
			}
			var scanner *secrets.Scanner
			if a.cfg.Gates.RedactOutput {
				scanner = a.scanner(ctx)
			}
			runner := a.gateRunner(p, scanner, a.store)

			var results []gates.Result
			switch {
			case len(args) > 0:
				for _, name := range args {
					results = append(results, runner.Run(ctx, name))
				}
			case a.cfg.Gates.Parallel:
				results = runner.RunAllBlockingAsync(ctx)
			default:
				results = runner.RunAllBlocking(ctx)
			}
			sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

			if root.jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"profile": p.Name,
					"summary": runner.Summary(),
					"results": results,
				}); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), renderGates(p.Name, results))
			}

			for _, res := range results {
				if res.Status == gates.StatusFailed {
					return &exitError{code: 1}
				}
			}
			return nil
		},
	}
}
