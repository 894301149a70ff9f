package plan

import (
	"encoding/json"
	"time"

	"github.com/animus-labs/hannibal/internal/domain"
)

// MarshalExecutionPlan serializes an execution plan with stable field names.
// A nil completed map leaves completion state out; otherwise a stage is done
// when completed holds its record.
func MarshalExecutionPlan(plan domain.ExecutionPlan, completed map[string]domain.CompletionRecord) ([]byte, error) {
	payload := executionPlanPayload{
		Version: string(plan.Version),
		Targets: append([]string{}, plan.Targets...),
		Stages:  make([]executionPlanStagePayload, 0, len(plan.Stages)),
	}
	for _, stage := range plan.Stages {
		item := executionPlanStagePayload{
			ID:        stage.ID,
			Kind:      string(stage.Kind),
			Params:    make([]paramPayload, 0, len(stage.Params)),
			DependsOn: append([]string{}, stage.DependsOn...),
			Digest:    stage.Digest(plan.Version),
		}
		for _, p := range stage.Params {
			item.Params = append(item.Params, paramPayload{Key: p.Key, Value: p.Value})
		}
		if completed != nil {
			record, done := completed[stage.ID]
			item.Completed = &done
			if done {
				item.Worker = record.Worker
				if !record.CompletedAt.IsZero() {
					at := record.CompletedAt.UTC()
					item.CompletedAt = &at
				}
			}
		}
		payload.Stages = append(payload.Stages, item)
	}
	return json.MarshalIndent(payload, "", "  ")
}

type executionPlanPayload struct {
	Version string                      `json:"version"`
	Targets []string                    `json:"targets"`
	Stages  []executionPlanStagePayload `json:"stages"`
}

type executionPlanStagePayload struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Params      []paramPayload `json:"params"`
	DependsOn   []string       `json:"dependsOn"`
	Digest      string         `json:"digest"`
	Completed   *bool          `json:"completed,omitempty"`
	Worker      string         `json:"worker,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

type paramPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
