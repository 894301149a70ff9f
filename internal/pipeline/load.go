package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/animus-labs/hannibal/internal/domain"
	"github.com/animus-labs/hannibal/internal/execution/plan"
)

// Load reads a definition file once. The format follows the file extension.
// An empty path selects the built-in table for branch.
func Load(path, branch string) (*domain.PipelineGraph, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return OpenTargets(branch), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(raw)
	case ".hcl":
		return ParseHCL(filepath.Base(path), raw)
	default:
		return nil, fmt.Errorf("unsupported pipeline format %q", filepath.Ext(path))
	}
}

// build checks shapes and then walks the whole graph, so a definition with an
// unknown reference or a cycle is rejected before anything runs.
func build(stages []domain.StageSpec) (*domain.PipelineGraph, error) {
	g, err := domain.NewPipelineGraph(stages)
	if err != nil {
		return nil, err
	}
	if err := plan.ValidateGraph(g); err != nil {
		return nil, err
	}
	return g, nil
}
