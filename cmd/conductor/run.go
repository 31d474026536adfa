package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/conductor/internal/events"
	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
	"github.com/fyrsmithlabs/conductor/internal/runtime"
)

type runOptions struct {
	simulate      bool
	budget        float64
	maxIterations int
	quiet         bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Run the development loop for a task",
		Long: `Run the development loop until the agent reports [DONE], an error stops it,
the iteration cap is reached or the budget is spent.

Without a task the active session is resumed. Giving a different task
while a session is active is an error; run 'conductor clear' first.

Examples:
  # Start a new session
  conductor run "add a /health endpoint"

  # Resume the active session
  conductor run

  # Walk every phase with a scripted runtime
  conductor run --simulate "add a /health endpoint"

  # Cap spend at two dollars
  conductor run --budget 2 "refactor the config loader"`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(cmd, root, opts, strings.Join(args, " "))
		},
	}
	cmd.Flags().BoolVar(&opts.simulate, "simulate", false, "use a scripted runtime instead of the agent CLI")
	cmd.Flags().Float64Var(&opts.budget, "budget", 0, "budget ceiling in USD (default from config)")
	cmd.Flags().IntVar(&opts.maxIterations, "max-iterations", 0, "iteration cap (default from config)")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "do not print progress")
	return cmd
}

func runLoop(cmd *cobra.Command, root *rootOptions, opts *runOptions, task string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, root)
	if err != nil {
		return err
	}
	defer a.close()

	stopWatch := a.watchProfiles(ctx)
	defer stopWatch()

	exec, pub, err := a.executor(ctx, root, opts, task, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer pub.Close()

	res, runErr := exec.Run(ctx, task)
	if res != nil {
		if err := printResult(cmd.OutOrStdout(), res, root.jsonOutput); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if res == nil || !res.Success {
		return &exitError{code: 1}
	}
	return nil
}

// executor wires an Executor from configuration and flags.
func (a *app) executor(ctx context.Context, root *rootOptions, opts *runOptions, task string, progress io.Writer) (*orchestrator.Executor, events.Publisher, error) {
	p, err := a.profile(root.profile)
	if err != nil {
		return nil, nil, err
	}
	scanner := a.scanner(ctx)
	runner := a.gateRunner(p, scanner, nil)
	pub := a.publisher(ctx)
	bus, err := a.bus(runner, scanner, pub)
	if err != nil {
		_ = pub.Close()
		return nil, nil, err
	}

	var driver runtime.Driver
	if opts.simulate {
		driver = runtime.NewScriptedDriver(runtime.DemoScript(task))
	} else {
		driver = runtime.NewCLIDriver(runtime.CLIOptions{
			Binary:         a.cfg.Loop.RuntimeBinary,
			PermissionMode: "acceptEdits",
			Logger:         a.logger,
		})
	}

	maxIter := a.cfg.Loop.MaxIterations
	if opts.maxIterations > 0 {
		maxIter = opts.maxIterations
	}
	var budget *float64
	switch {
	case opts.budget > 0:
		b := opts.budget
		budget = &b
	case a.cfg.Loop.BudgetUSD > 0:
		b := a.cfg.Loop.BudgetUSD
		budget = &b
	}

	execOpts := orchestrator.Options{
		Store:         a.store,
		Driver:        driver,
		Gates:         runner,
		Profile:       p,
		Bus:           bus,
		Publisher:     pub,
		MaxIterations: maxIter,
		BudgetUSD:     budget,
		StopOnBudget:  a.cfg.Loop.StopOnBudget,
		ParallelGates: a.cfg.Loop.Parallel || a.cfg.Gates.Parallel,
		WorkDir:       a.dir,
		Logger:        a.logger,
		Tracer:        a.telemetry.Tracer(instrumentationName),
		Meter:         a.telemetry.Meter(instrumentationName),
	}
	if !opts.quiet {
		execOpts.OnProgress = func(pp orchestrator.PhaseProgress) {
			fmt.Fprintf(progress, "%s %3d%% iter %d  $%.4f  %s\n",
				pp.Phase.Marker(), pp.Percentage, pp.Iteration, pp.CostUSD, pp.Message)
		}
	}
	return orchestrator.NewExecutor(execOpts), pub, nil
}

func newPlanCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "plan <task>",
		Short: "Ask the runtime for a plan without changing any files",
		Long: `Run a single read-only turn that returns an implementation plan.

No session is created and no gates run.

Examples:
  conductor plan "split the server package"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root)
			if err != nil {
				return err
			}
			defer a.close()

			task := strings.Join(args, " ")
			opts.quiet = true
			exec, pub, err := a.executor(ctx, root, opts, task, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer pub.Close()

			plan, err := exec.Plan(ctx, task)
			if err != nil {
				return err
			}
			if root.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"task": task, "plan": plan})
			}
			fmt.Fprintln(cmd.OutOrStdout(), plan)
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.simulate, "simulate", false, "use a scripted runtime instead of the agent CLI")
	return cmd
}

func printResult(w io.Writer, res *orchestrator.LoopResult, asJSON bool) error {
	if asJSON {
		return writeJSON(w, res)
	}
	fmt.Fprintln(w, renderResult(res))
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
