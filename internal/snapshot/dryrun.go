package snapshot

import (
	"context"
	"log/slog"
	"time"

	"github.com/animus-labs/hannibal/internal/domain"
)

// DryRun logs the snapshot it would take.
type DryRun struct {
	Logger *slog.Logger
}

func (d DryRun) Snapshot(ctx context.Context, version domain.DataVersion, indexPattern string) error {
	if err := version.Validate(); err != nil {
		return err
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger.InfoContext(ctx, "dry run snapshot", "version", version, "snapshot", Name(version, time.Now()), "indices", indexPattern)
	return nil
}
