package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/hannibal/internal/domain"
	"github.com/animus-labs/hannibal/internal/execution/plan"
)

func TestOpenTargetsTable(t *testing.T) {
	g := OpenTargets("")
	require.NoError(t, plan.ValidateGraph(g))
	assert.Equal(t, 18, g.Len())

	gene, ok := g.Stage("geneData")
	require.True(t, ok)
	assert.Equal(t, []string{"uniprot", "ensembl", "expression", "reactome", "mammalianPhenotype"}, gene.DependsOn)
	branch, _ := gene.Param(domain.ParamBranch)
	assert.Equal(t, DefaultBranch, branch)
	assert.Equal(t, []string{"--gen"}, gene.Args())

	injected, ok := g.Stage("injectedEvidence")
	require.True(t, ok)
	assert.Equal(t, []string{"--evs", "--inject_literature"}, injected.Args())

	snap, ok := g.Stage(ReleaseSnapshotStage)
	require.True(t, ok)
	assert.True(t, snap.IsSnapshot())
	assert.Equal(t, []string{"relations", "searchObjects", "injectedEvidence", "associationObjects"}, snap.DependsOn)

	dry, ok := g.Stage(DefaultTarget)
	require.True(t, ok)
	assert.Empty(t, dry.DependsOn)
}

func TestOpenTargetsBranch(t *testing.T) {
	g := OpenTargets("17.12")
	efo, _ := g.Stage("efo")
	branch, _ := efo.Param(domain.ParamBranch)
	assert.Equal(t, "17.12", branch)
}

func TestOpenTargetsGeneDataPlan(t *testing.T) {
	p, err := plan.Resolve(OpenTargets(""), "geneData", "17.12")
	require.NoError(t, err)
	assert.Equal(t, []string{"uniprot", "ensembl", "expression", "reactome", "mammalianPhenotype", "geneData"}, p.StageIDs())
}

func TestOpenTargetsReleasePlanCoversPipeline(t *testing.T) {
	p, err := plan.Resolve(OpenTargets(""), ReleaseSnapshotStage, "17.12")
	require.NoError(t, err)

	ids := p.StageIDs()
	assert.Equal(t, ReleaseSnapshotStage, ids[len(ids)-1])
	assert.NotContains(t, ids, "dryRun")
	assert.NotContains(t, ids, "humanPhenotype")
	assert.Len(t, ids, 16)
}

func TestParseYAML(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("testdata", "pipeline.yaml"))
	require.NoError(t, err)

	g, err := ParseYAML(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"uniprot", "ensembl", "geneData", "releaseSnapshot"}, g.IDs())

	ensembl, _ := g.Stage("ensembl")
	assert.Equal(t, []domain.Param{
		{Key: "branch", Value: "17.12"},
		{Key: "args", Value: "--ens"},
	}, ensembl.Params)

	snap, _ := g.Stage("releaseSnapshot")
	assert.True(t, snap.IsSnapshot())
	pattern, _ := snap.Param(domain.ParamIndexPattern)
	assert.Equal(t, "17.12*", pattern)
}

func TestParseYAMLRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		is    error
	}{
		{
			name:  "wrong schema",
			input: "schema: other\nstages:\n  - id: a\n",
			is:    domain.ErrInvalidPipeline,
		},
		{
			name:  "duplicate stage",
			input: "schema: hannibal.pipeline.v1\nstages:\n  - id: a\n  - id: a\n",
			is:    domain.ErrInvalidPipeline,
		},
		{
			name:  "list params",
			input: "schema: hannibal.pipeline.v1\nstages:\n  - id: a\n    params: [x]\n",
			is:    domain.ErrInvalidPipeline,
		},
		{
			name:  "unknown dependency",
			input: "schema: hannibal.pipeline.v1\nstages:\n  - id: a\n    depends_on: [ghost]\n",
			is:    domain.ErrUnknownStage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseYAML([]byte(tt.input))
			require.ErrorIs(t, err, tt.is)
		})
	}
}

func TestParseHCL(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("testdata", "pipeline.hcl"))
	require.NoError(t, err)

	g, err := ParseHCL("pipeline.hcl", raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"uniprot", "ensembl", "geneData", "releaseSnapshot"}, g.IDs())

	uniprot, _ := g.Stage("uniprot")
	assert.Equal(t, []domain.Param{
		{Key: "args", Value: "--uni"},
		{Key: "branch", Value: "17.12"},
	}, uniprot.Params)

	gene, _ := g.Stage("geneData")
	assert.Equal(t, []string{"uniprot", "ensembl"}, gene.DependsOn)

	snap, _ := g.Stage("releaseSnapshot")
	assert.Equal(t, domain.StageKindSnapshot, snap.Kind)
}

func TestParseHCLSyntaxError(t *testing.T) {
	_, err := ParseHCL("broken.hcl", []byte(`stage "a" {`))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	g, err := Load("", "17.12")
	require.NoError(t, err)
	assert.Equal(t, 18, g.Len())

	g, err = Load(filepath.Join("testdata", "pipeline.hcl"), "")
	require.NoError(t, err)
	assert.Equal(t, 4, g.Len())

	_, err = Load(filepath.Join("testdata", "cycle.yaml"), "")
	assert.ErrorIs(t, err, domain.ErrCycleDetected)

	_, err = Load(filepath.Join("testdata", "missing.yaml"), "")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "pipeline.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	_, err = Load(path, "")
	assert.Error(t, err)
}
