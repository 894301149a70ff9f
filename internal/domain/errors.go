package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownStage     = errors.New("unknown stage")
	ErrCycleDetected    = errors.New("cycle detected")
	ErrInvalidPipeline  = errors.New("invalid pipeline")
	ErrStoreUnavailable = errors.New("completion store unavailable")
	ErrExecutionFailure = errors.New("stage execution failed")
	ErrNotFound         = errors.New("not found")
)

// ValidationError aggregates pipeline definition issues.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "pipeline validation failed"
	}
	return "pipeline validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPipeline }

func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// GraphError reports a structural failure found while walking the graph.
type GraphError struct {
	Kind  error
	Stage string
	// ReferencedBy is the stage whose DependsOn named an unknown id.
	ReferencedBy string
	// Path is the cycle, starting and ending at the same stage.
	Path []string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case len(e.Path) > 0:
		return fmt.Sprintf("%s: %s", e.Kind.Error(), strings.Join(e.Path, " -> "))
	case e.ReferencedBy != "":
		return fmt.Sprintf("%s: %q (referenced by %q)", e.Kind.Error(), e.Stage, e.ReferencedBy)
	case e.Stage != "":
		return fmt.Sprintf("%s: %q", e.Kind.Error(), e.Stage)
	default:
		return e.Kind.Error()
	}
}

func (e *GraphError) Unwrap() error { return e.Kind }

func UnknownStageError(id, referencedBy string) error {
	return &GraphError{Kind: ErrUnknownStage, Stage: id, ReferencedBy: referencedBy}
}

func CycleError(path []string) error {
	stage := ""
	if len(path) > 0 {
		stage = path[0]
	}
	return &GraphError{Kind: ErrCycleDetected, Stage: stage, Path: append([]string(nil), path...)}
}

// StageError reports a runtime failure of one stage for one data version.
type StageError struct {
	Kind    error
	Stage   string
	Version DataVersion
	Err     error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: stage %q version %q", e.Kind.Error(), e.Stage, e.Version)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StageError) Unwrap() []error {
	out := []error{e.Kind}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Reason is the underlying failure text without the stage prefix.
func (e *StageError) Reason() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func ExecutionFailure(stage string, version DataVersion, err error) error {
	return &StageError{Kind: ErrExecutionFailure, Stage: stage, Version: version, Err: err}
}

// StoreUnavailable wraps a store access failure so callers can match
// ErrStoreUnavailable while keeping the driver error in the chain.
func StoreUnavailable(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, ErrStoreUnavailable)
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
