package completion

import (
	"context"
	"sync"
	"time"

	"github.com/animus-labs/hannibal/internal/domain"
)

type key struct {
	stage   string
	version domain.DataVersion
}

// MemoryStore keeps records for the lifetime of one process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[key]domain.CompletionRecord
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[key]domain.CompletionRecord),
		now:     time.Now,
	}
}

func (s *MemoryStore) IsComplete(ctx context.Context, stageID string, version domain.DataVersion) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, domain.StoreUnavailable("is complete", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[key{stage: stageID, version: version}]
	return ok, nil
}

func (s *MemoryStore) MarkComplete(ctx context.Context, record domain.CompletionRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return domain.StoreUnavailable("mark complete", err)
	}
	if record.CompletedAt.IsZero() {
		record.CompletedAt = s.now().UTC()
	}
	k := key{stage: record.StageID, version: record.Version}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[k]; ok {
		return nil
	}
	s.records[k] = record
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, stageID string, version domain.DataVersion) (domain.CompletionRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.CompletionRecord{}, domain.StoreUnavailable("get", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[key{stage: stageID, version: version}]
	if !ok {
		return domain.CompletionRecord{}, domain.ErrNotFound
	}
	return record, nil
}

// Len reports how many records are held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
