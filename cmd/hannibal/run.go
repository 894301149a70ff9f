package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/animus-labs/hannibal/internal/domain"
	"github.com/animus-labs/hannibal/internal/execution/scheduler"
)

func newRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run [target...]",
		Short: "Run the targets and every stage they depend on, skipping stages already complete",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.resolve(args)
			if err != nil {
				return err
			}
			b, err := opts.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			_, err = opts.execute(cmd.Context(), b, p)
			return err
		},
	}
}

// execute runs the plan and prints a summary of the outcome.
func (o *options) execute(ctx context.Context, b *backend, p domain.ExecutionPlan) (scheduler.Result, error) {
	exec, err := o.newExecutor()
	if err != nil {
		return scheduler.Result{}, err
	}
	snapshotter, err := o.newSnapshotter(p)
	if err != nil {
		return scheduler.Result{}, err
	}
	sched := o.newScheduler(b, snapshotter)

	started := time.Now()
	o.logger.Info("run started",
		"version", p.Version,
		"targets", p.Targets,
		"stages", len(p.Stages),
		"worker", sched.Worker(),
	)
	result, err := sched.Execute(ctx, p, exec)
	o.logger.Info("run finished",
		"version", p.Version,
		"executed", len(result.Executed()),
		"skipped", len(result.Skipped()),
		"succeeded", result.Succeeded(),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	printResult(o, result)
	return result, err
}

func printResult(o *options, result scheduler.Result) {
	if result.Version == "" {
		return
	}
	fmt.Fprintf(o.stdout, "data version %s\n", result.Version)
	fmt.Fprintf(o.stdout, "  ran:         %s\n", listOrNone(result.Executed()))
	fmt.Fprintf(o.stdout, "  skipped:     %s\n", listOrNone(result.Skipped()))
	if result.Failed != nil {
		fmt.Fprintf(o.stdout, "  failed:      %s (%s)\n", result.Failed.StageID, result.Failed.Reason)
	}
	if len(result.NotStarted) > 0 {
		fmt.Fprintf(o.stdout, "  not started: %s\n", listOrNone(result.NotStarted))
	}
}

func listOrNone(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return strings.Join(ids, ", ")
}
