package plan

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/hannibal/internal/domain"
)

type decodedPlan struct {
	Version string `json:"version"`
	Stages  []struct {
		ID          string     `json:"id"`
		DependsOn   []string   `json:"dependsOn"`
		Digest      string     `json:"digest"`
		Completed   *bool      `json:"completed"`
		Worker      string     `json:"worker"`
		CompletedAt *time.Time `json:"completedAt"`
	} `json:"stages"`
}

func TestMarshalExecutionPlanCarriesCompletionState(t *testing.T) {
	p, err := Resolve(diamond(t), "b", "17.12")
	require.NoError(t, err)
	at := time.Date(2017, time.December, 1, 10, 0, 0, 0, time.UTC)

	raw, err := MarshalExecutionPlan(p, map[string]domain.CompletionRecord{
		"a": {StageID: "a", Version: "17.12", Worker: "w1", CompletedAt: at},
	})
	require.NoError(t, err)

	var decoded decodedPlan
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "17.12", decoded.Version)
	require.Len(t, decoded.Stages, 2)

	done := decoded.Stages[0]
	require.NotNil(t, done.Completed)
	assert.True(t, *done.Completed)
	assert.Equal(t, "w1", done.Worker)
	require.NotNil(t, done.CompletedAt)
	assert.True(t, at.Equal(*done.CompletedAt))
	assert.Equal(t, p.Stages[0].Digest("17.12"), done.Digest)

	pending := decoded.Stages[1]
	require.NotNil(t, pending.Completed)
	assert.False(t, *pending.Completed)
	assert.Empty(t, pending.Worker)
	assert.Nil(t, pending.CompletedAt)
}

func TestMarshalExecutionPlanWithoutCompletionState(t *testing.T) {
	p, err := Resolve(diamond(t), "d", "17.12")
	require.NoError(t, err)

	raw, err := MarshalExecutionPlan(p, nil)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "completed")

	var decoded decodedPlan
	require.NoError(t, json.Unmarshal(raw, &decoded))
	ids := make([]string, 0, len(decoded.Stages))
	for _, s := range decoded.Stages {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, p.StageIDs(), ids)
	assert.Equal(t, []string{"b", "c"}, decoded.Stages[3].DependsOn)
}
