package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/hannibal/internal/domain"
	"github.com/animus-labs/hannibal/internal/platform/env"
)

const (
	defaultPollInterval     = 10 * time.Second
	defaultMaxInspectErrors = 3
	cleanupTimeout          = 30 * time.Second
)

type ExecutorConfig struct {
	PollInterval time.Duration
	// Timeout bounds one stage run; zero waits indefinitely.
	Timeout    time.Duration
	AutoRemove bool
}

func ExecutorConfigFromEnv() (ExecutorConfig, error) {
	poll, err := env.Duration("HANNIBAL_POLL_INTERVAL", defaultPollInterval)
	if err != nil {
		return ExecutorConfig{}, err
	}
	timeout, err := env.Duration("HANNIBAL_STAGE_TIMEOUT", 0)
	if err != nil {
		return ExecutorConfig{}, err
	}
	autoRemove, err := env.Bool("HANNIBAL_AUTO_REMOVE", true)
	if err != nil {
		return ExecutorConfig{}, err
	}
	cfg := ExecutorConfig{PollInterval: poll, Timeout: timeout, AutoRemove: autoRemove}
	if err := cfg.Validate(); err != nil {
		return ExecutorConfig{}, err
	}
	return cfg, nil
}

func (c ExecutorConfig) Validate() error {
	if c.PollInterval <= 0 {
		return errors.New("HANNIBAL_POLL_INTERVAL must be positive")
	}
	if c.Timeout < 0 {
		return errors.New("HANNIBAL_STAGE_TIMEOUT must be >= 0")
	}
	return nil
}

// JobExecutor runs a stage as a container job: submit, poll until the job
// finishes, then clean up. It blocks for the whole run.
type JobExecutor struct {
	runtime  Runtime
	template JobTemplate
	cfg      ExecutorConfig
	logger   *slog.Logger
	suffix   func() string
}

func NewJobExecutor(runtime Runtime, template JobTemplate, cfg ExecutorConfig, logger *slog.Logger) (*JobExecutor, error) {
	if runtime == nil {
		return nil, errors.New("runtime is required")
	}
	if err := template.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &JobExecutor{
		runtime:  runtime,
		template: template,
		cfg:      cfg,
		logger:   logger,
		suffix:   func() string { return uuid.NewString()[:8] },
	}, nil
}

func (e *JobExecutor) Run(ctx context.Context, stage domain.StageSpec, version domain.DataVersion) error {
	spec, err := e.template.Build(stage, version, e.suffix())
	if err != nil {
		return err
	}
	execution := Execution{Runtime: e.runtime.Kind(), Name: spec.Name, Namespace: spec.Namespace}
	log := e.logger.With("stage", stage.ID, "version", version, "runtime", execution.Runtime, "job", spec.Name)

	if err := e.runtime.Submit(ctx, spec); err != nil {
		return fmt.Errorf("submit %s: %w", spec.Name, err)
	}
	log.Info("job submitted", "image", spec.Image, "args", spec.Args)

	if e.cfg.AutoRemove {
		defer func() {
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
			defer cancel()
			if err := e.runtime.Cleanup(cleanupCtx, execution); err != nil {
				log.Warn("job cleanup failed", "error", err)
			}
		}()
	}

	obs, err := e.wait(ctx, execution, log)
	if err != nil {
		return err
	}
	if obs.Status == StatusFailed {
		return fmt.Errorf("%s %s failed: %s", execution.Runtime, spec.Name, obs.Message)
	}
	return nil
}

func (e *JobExecutor) wait(ctx context.Context, execution Execution, log *slog.Logger) (Observation, error) {
	var deadline <-chan time.Time
	if e.cfg.Timeout > 0 {
		timer := time.NewTimer(e.cfg.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	inspectErrors := 0
	for {
		obs, err := e.runtime.Inspect(ctx, execution)
		if err != nil {
			inspectErrors++
			log.Warn("job inspect failed", "error", err, "attempt", inspectErrors)
			if inspectErrors >= defaultMaxInspectErrors {
				return Observation{}, fmt.Errorf("inspect %s: %w", execution.Name, err)
			}
		} else {
			inspectErrors = 0
			switch obs.Status {
			case StatusSucceeded, StatusFailed:
				log.Info("job finished", "status", obs.Status, "message", obs.Message)
				return obs, nil
			}
		}

		select {
		case <-ctx.Done():
			return Observation{}, ctx.Err()
		case <-deadline:
			return Observation{}, fmt.Errorf("%s %s timed out after %s", execution.Runtime, execution.Name, e.cfg.Timeout)
		case <-ticker.C:
		}
	}
}
