package pipeline

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/hannibal/internal/domain"
)

const SchemaV1 = "hannibal.pipeline.v1"

type yamlDefinition struct {
	Schema string      `yaml:"schema"`
	Stages []yamlStage `yaml:"stages"`
}

type yamlStage struct {
	ID        string    `yaml:"id"`
	Kind      string    `yaml:"kind"`
	Params    yaml.Node `yaml:"params"`
	DependsOn []string  `yaml:"depends_on"`
}

// ParseYAML decodes a pipeline definition. Params keep their document order.
func ParseYAML(input []byte) (*domain.PipelineGraph, error) {
	var def yamlDefinition
	if err := yaml.Unmarshal(input, &def); err != nil {
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}
	if strings.TrimSpace(def.Schema) != SchemaV1 {
		return nil, &domain.ValidationError{Issues: []string{fmt.Sprintf("schema must be %q", SchemaV1)}}
	}

	issues := &domain.ValidationError{}
	stages := make([]domain.StageSpec, 0, len(def.Stages))
	for i, raw := range def.Stages {
		params, err := decodeParams(&raw.Params)
		if err != nil {
			issues.Add(fmt.Sprintf("stage[%d] params: %v", i, err))
			continue
		}
		stages = append(stages, domain.StageSpec{
			ID:        raw.ID,
			Kind:      domain.StageKind(strings.TrimSpace(raw.Kind)),
			Params:    params,
			DependsOn: raw.DependsOn,
		})
	}
	if err := issues.OrNil(); err != nil {
		return nil, err
	}
	return build(stages)
}

func decodeParams(node *yaml.Node) ([]domain.Param, error) {
	if node == nil || node.Kind == 0 {
		return nil, nil
	}
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("must be a mapping")
	}
	params := make([]domain.Param, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("value of %q must be a scalar", key.Value)
		}
		params = append(params, domain.Param{Key: key.Value, Value: value.Value})
	}
	return params, nil
}
