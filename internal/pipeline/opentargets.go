package pipeline

import (
	"strings"

	"github.com/animus-labs/hannibal/internal/domain"
)

const (
	DefaultBranch = "master"
	DefaultTarget = "dryRun"

	ReleaseSnapshotStage = "releaseSnapshot"
)

type builtinStage struct {
	id   string
	args string
	deps []string
}

// openTargetsStages mirrors the mrtarget data pipeline. Each entry maps a stage
// to the mrtarget flags it runs with.
var openTargetsStages = []builtinStage{
	{id: "dryRun", args: "--dry-run"},
	{id: "uniprot", args: "--uni"},
	{id: "ensembl", args: "--ens"},
	{id: "expression", args: "--hpa"},
	{id: "reactome", args: "--rea"},
	{id: "humanPhenotype", args: "--hpo"},
	{id: "mammalianPhenotype", args: "--mp"},
	{id: "geneData", args: "--gen", deps: []string{"uniprot", "ensembl", "expression", "reactome", "mammalianPhenotype"}},
	{id: "efo", args: "--efo"},
	{id: "eco", args: "--eco"},
	{id: "validate", args: "--val", deps: []string{"geneData", "reactome", "efo", "eco"}},
	{id: "evidenceObjects", args: "--evs", deps: []string{"validate"}},
	{id: "injectedEvidence", args: "--evs --inject_literature", deps: []string{"evidenceObjects"}},
	{id: "associationObjects", args: "--as", deps: []string{"evidenceObjects"}},
	{id: "qualityControl", args: "--qc", deps: []string{"associationObjects"}},
	{id: "searchObjects", args: "--sea", deps: []string{"associationObjects", "geneData", "efo"}},
	{id: "relations", args: "--ddr", deps: []string{"qualityControl"}},
}

var releaseSnapshotDeps = []string{"relations", "searchObjects", "injectedEvidence", "associationObjects"}

// OpenTargets returns the built-in pipeline with every task stage bound to branch.
func OpenTargets(branch string) *domain.PipelineGraph {
	branch = strings.TrimSpace(branch)
	if branch == "" {
		branch = DefaultBranch
	}
	stages := make([]domain.StageSpec, 0, len(openTargetsStages)+1)
	for _, s := range openTargetsStages {
		stages = append(stages, domain.StageSpec{
			ID:   s.id,
			Kind: domain.StageKindTask,
			Params: []domain.Param{
				{Key: domain.ParamArgs, Value: s.args},
				{Key: domain.ParamBranch, Value: branch},
			},
			DependsOn: s.deps,
		})
	}
	stages = append(stages, domain.StageSpec{
		ID:        ReleaseSnapshotStage,
		Kind:      domain.StageKindSnapshot,
		DependsOn: releaseSnapshotDeps,
	})
	return domain.MustPipelineGraph(stages)
}
