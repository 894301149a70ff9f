package domain

import (
	"fmt"
)

// PipelineGraph is the immutable set of stages of one logical pipeline, kept in
// declaration order. It owns no execution state.
type PipelineGraph struct {
	stages []StageSpec
	index  map[string]int
}

// NewPipelineGraph checks stage shapes and id uniqueness. Dependency references
// and acyclicity are checked by the resolver so that they surface as
// UnknownStage and CycleDetected.
func NewPipelineGraph(stages []StageSpec) (*PipelineGraph, error) {
	issues := &ValidationError{}
	g := &PipelineGraph{
		stages: make([]StageSpec, 0, len(stages)),
		index:  make(map[string]int, len(stages)),
	}
	for i, stage := range stages {
		if err := stage.ValidateBasicShape(); err != nil {
			issues.Add(fmt.Sprintf("stage[%d]: %v", i, err))
			continue
		}
		if _, dup := g.index[stage.ID]; dup {
			issues.Add(fmt.Sprintf("duplicate stage id %q", stage.ID))
			continue
		}
		g.index[stage.ID] = len(g.stages)
		g.stages = append(g.stages, stage.Clone())
	}
	if len(stages) == 0 {
		issues.Add("pipeline must declare at least one stage")
	}
	if err := issues.OrNil(); err != nil {
		return nil, err
	}
	return g, nil
}

// MustPipelineGraph is NewPipelineGraph for static tables known to be valid.
func MustPipelineGraph(stages []StageSpec) *PipelineGraph {
	g, err := NewPipelineGraph(stages)
	if err != nil {
		panic(err)
	}
	return g
}

// Stage returns a copy of the stage with the given id.
func (g *PipelineGraph) Stage(id string) (StageSpec, bool) {
	if g == nil {
		return StageSpec{}, false
	}
	i, ok := g.index[id]
	if !ok {
		return StageSpec{}, false
	}
	return g.stages[i].Clone(), true
}

func (g *PipelineGraph) Has(id string) bool {
	if g == nil {
		return false
	}
	_, ok := g.index[id]
	return ok
}

// Stages returns copies of all stages in declaration order.
func (g *PipelineGraph) Stages() []StageSpec {
	if g == nil {
		return nil
	}
	out := make([]StageSpec, 0, len(g.stages))
	for _, s := range g.stages {
		out = append(out, s.Clone())
	}
	return out
}

// IDs returns stage ids in declaration order.
func (g *PipelineGraph) IDs() []string {
	if g == nil {
		return nil
	}
	out := make([]string, 0, len(g.stages))
	for _, s := range g.stages {
		out = append(out, s.ID)
	}
	return out
}

func (g *PipelineGraph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.stages)
}
