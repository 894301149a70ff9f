package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/animus-labs/hannibal/internal/domain"
)

func newStagesCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List the stages of the pipeline definition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			graph, err := opts.loadGraph()
			if err != nil {
				return err
			}
			return printStages(opts, graph)
		},
	}
}

func printStages(opts *options, graph *domain.PipelineGraph) error {
	tw := tabwriter.NewWriter(opts.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tKIND\tDEPENDS ON\tARGS")
	for _, stage := range graph.Stages() {
		deps := strings.Join(stage.DependsOn, ",")
		if deps == "" {
			deps = "-"
		}
		args := strings.Join(stage.Args(), " ")
		if args == "" {
			args = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", stage.ID, stage.Kind, deps, args)
	}
	return tw.Flush()
}
