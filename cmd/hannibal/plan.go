package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/animus-labs/hannibal/internal/completion"
	"github.com/animus-labs/hannibal/internal/domain"
	"github.com/animus-labs/hannibal/internal/execution/plan"
)

func newPlanCommand(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plan [target...]",
		Short: "Print the ordered stages a run of the targets needs, with completion state",
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

			completed, err := completionState(cmd.Context(), b.store, p)
			if err != nil {
				return err
			}
			if asJSON {
				raw, err := plan.MarshalExecutionPlan(p, completed)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(opts.stdout, string(raw))
				return err
			}
			return printPlan(opts, p, completed)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the plan as JSON")
	return cmd
}

func (o *options) resolve(args []string) (domain.ExecutionPlan, error) {
	graph, err := o.loadGraph()
	if err != nil {
		return domain.ExecutionPlan{}, err
	}
	version, err := o.version()
	if err != nil {
		return domain.ExecutionPlan{}, err
	}
	p, err := plan.ResolveMany(graph, targetsOrDefault(args), version)
	if err != nil {
		return domain.ExecutionPlan{}, invalidConfig(err)
	}
	return p, nil
}

// versionLister is implemented by stores that can return a whole data
// version in one round trip.
type versionLister interface {
	ListByVersion(ctx context.Context, version domain.DataVersion) ([]domain.CompletionRecord, error)
}

// completionState returns the record of every plan stage that is done.
func completionState(ctx context.Context, store completion.Store, p domain.ExecutionPlan) (map[string]domain.CompletionRecord, error) {
	out := make(map[string]domain.CompletionRecord, len(p.Stages))
	if lister, ok := store.(versionLister); ok {
		records, err := lister.ListByVersion(ctx, p.Version)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			if p.IndexOf(record.StageID) >= 0 {
				out[record.StageID] = record
			}
		}
		return out, nil
	}
	for _, stage := range p.Stages {
		record, err := store.Get(ctx, stage.ID, p.Version)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[stage.ID] = record
	}
	return out, nil
}

func printPlan(opts *options, p domain.ExecutionPlan, completed map[string]domain.CompletionRecord) error {
	fmt.Fprintf(opts.stdout, "data version %s, targets %v\n", p.Version, p.Targets)
	tw := tabwriter.NewWriter(opts.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTAGE\tKIND\tSTATE\tWORKER\tCOMPLETED AT")
	for i, stage := range p.Stages {
		state, worker, at := "pending", "-", "-"
		if record, done := completed[stage.ID]; done {
			state = "done"
			if record.Worker != "" {
				worker = record.Worker
			}
			if !record.CompletedAt.IsZero() {
				at = record.CompletedAt.UTC().Format(time.RFC3339)
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", i+1, stage.ID, stage.Kind, state, worker, at)
	}
	return tw.Flush()
}
