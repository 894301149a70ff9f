package runtimeexec

import "context"

// Runtime is a container backend that can start a job and report on it.
type Runtime interface {
	Kind() string
	Submit(ctx context.Context, spec JobSpec) error
	Inspect(ctx context.Context, execution Execution) (Observation, error)
	Cleanup(ctx context.Context, execution Execution) error
}

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// JobSpec is one containerised stage run, fully resolved.
type JobSpec struct {
	Stage   string
	Version string
	Name    string
	Image   string
	Command []string
	Args    []string
	Env     map[string]string
	// LogFile is a host path bound to the container's output log.
	LogFile   string
	Network   string
	Namespace string
}

type Execution struct {
	Runtime   string
	Name      string
	Namespace string
}

type Observation struct {
	Status  string
	Message string
	Details map[string]any
}
