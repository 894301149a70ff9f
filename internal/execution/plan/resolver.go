package plan

import (
	"fmt"
	"strings"

	"github.com/animus-labs/hannibal/internal/domain"
)

type visitState uint8

const (
	unvisited visitState = iota
	inProgress
	done
)

// Resolve computes the ordered set of stages required to satisfy target.
func Resolve(graph *domain.PipelineGraph, target string, version domain.DataVersion) (domain.ExecutionPlan, error) {
	return ResolveMany(graph, []string{target}, version)
}

// ResolveMany merges the closures of several targets into one deduplicated plan.
// Targets are visited in the order given and dependencies in declared order, so
// repeated calls over the same graph yield identical plans.
func ResolveMany(graph *domain.PipelineGraph, targets []string, version domain.DataVersion) (domain.ExecutionPlan, error) {
	if graph == nil {
		return domain.ExecutionPlan{}, fmt.Errorf("pipeline graph is required")
	}
	if err := version.Validate(); err != nil {
		return domain.ExecutionPlan{}, err
	}
	if len(targets) == 0 {
		return domain.ExecutionPlan{}, fmt.Errorf("at least one target is required")
	}

	r := &resolver{
		graph: graph,
		state: make(map[string]visitState, graph.Len()),
	}
	for _, target := range targets {
		target = strings.TrimSpace(target)
		if !graph.Has(target) {
			return domain.ExecutionPlan{}, domain.UnknownStageError(target, "")
		}
		if err := r.visit(target); err != nil {
			return domain.ExecutionPlan{}, err
		}
	}

	return domain.ExecutionPlan{
		Version: version,
		Targets: r.targets(targets),
		Stages:  r.ordered,
	}, nil
}

// ValidateGraph resolves every stage so that unknown references and cycles
// surface when a definition is loaded rather than on first run.
func ValidateGraph(graph *domain.PipelineGraph) error {
	if graph == nil {
		return fmt.Errorf("pipeline graph is required")
	}
	r := &resolver{
		graph: graph,
		state: make(map[string]visitState, graph.Len()),
	}
	for _, id := range graph.IDs() {
		if err := r.visit(id); err != nil {
			return err
		}
	}
	return nil
}

type resolver struct {
	graph   *domain.PipelineGraph
	state   map[string]visitState
	path    []string
	ordered []domain.StageSpec
}

func (r *resolver) visit(id string) error {
	switch r.state[id] {
	case done:
		return nil
	case inProgress:
		return domain.CycleError(r.cyclePath(id))
	}

	stage, ok := r.graph.Stage(id)
	if !ok {
		referencedBy := ""
		if len(r.path) > 0 {
			referencedBy = r.path[len(r.path)-1]
		}
		return domain.UnknownStageError(id, referencedBy)
	}

	r.state[id] = inProgress
	r.path = append(r.path, id)
	for _, dep := range stage.DependsOn {
		if err := r.visit(dep); err != nil {
			return err
		}
	}
	r.path = r.path[:len(r.path)-1]
	r.state[id] = done
	r.ordered = append(r.ordered, stage)
	return nil
}

func (r *resolver) cyclePath(id string) []string {
	for i, p := range r.path {
		if p == id {
			out := make([]string, 0, len(r.path)-i+1)
			out = append(out, r.path[i:]...)
			return append(out, id)
		}
	}
	return []string{id, id}
}

func (r *resolver) targets(requested []string) []string {
	out := make([]string, 0, len(requested))
	seen := make(map[string]struct{}, len(requested))
	for _, t := range requested {
		t = strings.TrimSpace(t)
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
