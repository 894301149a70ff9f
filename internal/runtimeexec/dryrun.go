package runtimeexec

import (
	"context"
	"log/slog"

	"github.com/animus-labs/hannibal/internal/domain"
)

// DryRunExecutor resolves each stage's job and logs it without starting anything.
type DryRunExecutor struct {
	template JobTemplate
	logger   *slog.Logger
}

func NewDryRunExecutor(template JobTemplate, logger *slog.Logger) *DryRunExecutor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DryRunExecutor{template: template, logger: logger}
}

func (e *DryRunExecutor) Run(ctx context.Context, stage domain.StageSpec, version domain.DataVersion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	spec, err := e.template.Build(stage, version, "dryrun")
	if err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "dry run stage",
		"stage", stage.ID,
		"version", version,
		"job", spec.Name,
		"image", spec.Image,
		"command", spec.Command,
		"args", spec.Args,
		"log_file", spec.LogFile,
	)
	return nil
}
