package completion

import (
	"context"

	"github.com/animus-labs/hannibal/internal/domain"
)

// Store persists CompletionRecords keyed by (stage, data version).
//
// IsComplete reports absence as false with a nil error. MarkComplete is
// idempotent: marking an already complete pair is a no-op and keeps the first
// record. Once MarkComplete returns, every later IsComplete observes true.
// Access failures wrap domain.ErrStoreUnavailable.
type Store interface {
	IsComplete(ctx context.Context, stageID string, version domain.DataVersion) (bool, error)
	MarkComplete(ctx context.Context, record domain.CompletionRecord) error
	Get(ctx context.Context, stageID string, version domain.DataVersion) (domain.CompletionRecord, error)
}
