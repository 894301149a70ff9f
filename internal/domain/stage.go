package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// StageKind selects which collaborator performs a stage's unit of work.
type StageKind string

const (
	StageKindTask     StageKind = "task"
	StageKindSnapshot StageKind = "snapshot"
)

// Well-known parameter keys.
const (
	ParamArgs         = "args"
	ParamBranch       = "branch"
	ParamDataVersion  = "data_version"
	ParamIndexPattern = "index_pattern"
)

// Param is one entry of a stage's ordered parameter mapping.
type Param struct {
	Key   string
	Value string
}

// StageSpec declares one pipeline stage: identity, parameters and dependencies.
type StageSpec struct {
	ID        string
	Kind      StageKind
	Params    []Param
	DependsOn []string
}

// Param returns the value of the first parameter named key.
func (s StageSpec) Param(key string) (string, bool) {
	for _, p := range s.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Args splits the args parameter into command-line tokens.
func (s StageSpec) Args() []string {
	raw, _ := s.Param(ParamArgs)
	return strings.Fields(raw)
}

func (s StageSpec) IsSnapshot() bool {
	return s.Kind == StageKindSnapshot
}

// ParamsFor returns the stage parameters merged with the shared data version.
// A declared data_version parameter is overridden in place; otherwise it is appended.
func (s StageSpec) ParamsFor(version DataVersion) []Param {
	out := make([]Param, 0, len(s.Params)+1)
	replaced := false
	for _, p := range s.Params {
		if p.Key == ParamDataVersion {
			p.Value = string(version)
			replaced = true
		}
		out = append(out, p)
	}
	if !replaced {
		out = append(out, Param{Key: ParamDataVersion, Value: string(version)})
	}
	return out
}

// Digest fingerprints the unit of work the stage performs for version.
func (s StageSpec) Digest(version DataVersion) string {
	h := sha256.New()
	fmt.Fprintf(h, "stage=%s\nkind=%s\n", s.ID, s.kindOrDefault())
	for _, p := range s.ParamsFor(version) {
		fmt.Fprintf(h, "%s=%s\n", p.Key, p.Value)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s StageSpec) kindOrDefault() StageKind {
	if s.Kind == "" {
		return StageKindTask
	}
	return s.Kind
}

// Clone returns a deep copy so callers cannot mutate shared graph state.
func (s StageSpec) Clone() StageSpec {
	out := s
	out.Kind = s.kindOrDefault()
	if s.Params != nil {
		out.Params = append([]Param(nil), s.Params...)
	}
	if s.DependsOn != nil {
		out.DependsOn = append([]string(nil), s.DependsOn...)
	}
	return out
}

// ValidateBasicShape performs lightweight structural checks without graph traversal.
func (s StageSpec) ValidateBasicShape() error {
	id := strings.TrimSpace(s.ID)
	if id == "" {
		return errors.New("stage id is required")
	}
	if id != s.ID {
		return fmt.Errorf("stage id %q must not contain surrounding whitespace", s.ID)
	}
	if strings.ContainsAny(id, "/\\ ") {
		return fmt.Errorf("stage id %q must not contain slashes or spaces", id)
	}
	switch s.Kind {
	case "", StageKindTask, StageKindSnapshot:
	default:
		return fmt.Errorf("stage %q has unsupported kind %q", id, s.Kind)
	}
	seen := make(map[string]struct{}, len(s.Params))
	for i, p := range s.Params {
		key := strings.TrimSpace(p.Key)
		if key == "" {
			return fmt.Errorf("stage %q param[%d] key is required", id, i)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("stage %q has duplicate param %q", id, key)
		}
		seen[key] = struct{}{}
	}
	deps := make(map[string]struct{}, len(s.DependsOn))
	for _, dep := range s.DependsOn {
		if strings.TrimSpace(dep) == "" {
			return fmt.Errorf("stage %q has an empty dependency", id)
		}
		if _, dup := deps[dep]; dup {
			return fmt.Errorf("stage %q lists dependency %q twice", id, dep)
		}
		deps[dep] = struct{}{}
	}
	return nil
}
