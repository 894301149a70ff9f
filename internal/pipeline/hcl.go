package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/animus-labs/hannibal/internal/domain"
)

type hclDefinition struct {
	Stages []hclStage `hcl:"stage,block"`
}

type hclStage struct {
	ID        string            `hcl:"id,label"`
	Kind      string            `hcl:"kind,optional"`
	Params    map[string]string `hcl:"params,optional"`
	DependsOn []string          `hcl:"depends_on,optional"`
}

// ParseHCL decodes a pipeline definition written as stage blocks:
//
//	stage "geneData" {
//	  params     = { args = "--gen" }
//	  depends_on = ["uniprot", "ensembl"]
//	}
//
// HCL objects are unordered, so params are sorted by key.
func ParseHCL(filename string, input []byte) (*domain.PipelineGraph, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(input, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %s", filename, diags.Error())
	}

	var def hclDefinition
	diags = gohcl.DecodeBody(file.Body, nil, &def)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %s", filename, diags.Error())
	}

	stages := make([]domain.StageSpec, 0, len(def.Stages))
	for _, raw := range def.Stages {
		keys := make([]string, 0, len(raw.Params))
		for k := range raw.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var params []domain.Param
		for _, k := range keys {
			params = append(params, domain.Param{Key: k, Value: raw.Params[k]})
		}
		stages = append(stages, domain.StageSpec{
			ID:        raw.ID,
			Kind:      domain.StageKind(strings.TrimSpace(raw.Kind)),
			Params:    params,
			DependsOn: raw.DependsOn,
		})
	}
	return build(stages)
}
