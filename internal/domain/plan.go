package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ExecutionPlan is a topologically ordered, deduplicated sequence of stages
// needed to satisfy one run request. It is derived and never persisted.
type ExecutionPlan struct {
	Version DataVersion
	Targets []string
	Stages  []StageSpec
}

func (p ExecutionPlan) StageIDs() []string {
	out := make([]string, 0, len(p.Stages))
	for _, s := range p.Stages {
		out = append(out, s.ID)
	}
	return out
}

// IndexOf returns the plan position of a stage, or -1.
func (p ExecutionPlan) IndexOf(id string) int {
	for i, s := range p.Stages {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// CompletionRecord is durable proof that a (stage, version) pair finished
// successfully. Its presence is the only source of truth for completion.
type CompletionRecord struct {
	StageID      string
	Version      DataVersion
	ParamsDigest string
	Worker       string
	CompletedAt  time.Time
}

func (r CompletionRecord) Validate() error {
	if strings.TrimSpace(r.StageID) == "" {
		return errors.New("stage id is required")
	}
	if r.StageID != strings.TrimSpace(r.StageID) {
		return fmt.Errorf("stage id %q must not contain surrounding whitespace", r.StageID)
	}
	if strings.ContainsAny(r.StageID, "/\\") {
		return fmt.Errorf("stage id %q must not contain path separators", r.StageID)
	}
	if err := r.Version.Validate(); err != nil {
		return err
	}
	return nil
}
