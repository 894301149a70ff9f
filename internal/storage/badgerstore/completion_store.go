package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/animus-labs/hannibal/internal/domain"
)

const maxConflictRetries = 5

// CompletionStore keeps completion records in an embedded Badger database,
// one key per (stage, version). Records are written in a transaction that
// first checks for an existing key, so the first writer wins.
type CompletionStore struct {
	db  *badger.DB
	now func() time.Time
}

func NewCompletionStore(db *badger.DB) (*CompletionStore, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	return &CompletionStore{db: db, now: time.Now}, nil
}

func completionKey(stageID string, version domain.DataVersion) []byte {
	return []byte(fmt.Sprintf("completion/%s/%s", version, stageID))
}

func (s *CompletionStore) IsComplete(ctx context.Context, stageID string, version domain.DataVersion) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, domain.StoreUnavailable("is complete", err)
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(completionKey(stageID, version))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, domain.StoreUnavailable("is complete", err)
	}
}

func (s *CompletionStore) MarkComplete(ctx context.Context, record domain.CompletionRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if record.CompletedAt.IsZero() {
		record.CompletedAt = s.now().UTC()
	}
	payload, err := json.Marshal(recordPayload{
		StageID:      record.StageID,
		Version:      string(record.Version),
		ParamsDigest: record.ParamsDigest,
		Worker:       record.Worker,
		CompletedAt:  record.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	key := completionKey(record.StageID, record.Version)

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.StoreUnavailable("mark complete", err)
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(key)
			if err == nil {
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			return txn.Set(key, payload)
		})
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return domain.StoreUnavailable("mark complete", err)
		}
		return nil
	}
}

func (s *CompletionStore) Get(ctx context.Context, stageID string, version domain.DataVersion) (domain.CompletionRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.CompletionRecord{}, domain.StoreUnavailable("get", err)
	}
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(completionKey(stageID, version))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return domain.CompletionRecord{}, domain.ErrNotFound
		}
		return domain.CompletionRecord{}, domain.StoreUnavailable("get", err)
	}
	var p recordPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.CompletionRecord{}, fmt.Errorf("decode record: %w", err)
	}
	return domain.CompletionRecord{
		StageID:      p.StageID,
		Version:      domain.DataVersion(p.Version),
		ParamsDigest: p.ParamsDigest,
		Worker:       p.Worker,
		CompletedAt:  p.CompletedAt,
	}, nil
}

type recordPayload struct {
	StageID      string    `json:"stage_id"`
	Version      string    `json:"data_version"`
	ParamsDigest string    `json:"params_digest,omitempty"`
	Worker       string    `json:"worker,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}
