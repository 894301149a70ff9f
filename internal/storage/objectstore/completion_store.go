package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/animus-labs/hannibal/internal/domain"
)

const markerContentType = "application/json"

// CompletionStore keeps one small JSON object per record under
// <prefix>/<version>/<stage>.done. Existence of the object is completion.
//
// A Stat precedes every Put, so repeated marks are no-ops. Two workers racing
// past the Stat both write; the later object replaces an equivalent record.
type CompletionStore struct {
	store  Store
	bucket string
	prefix string
	now    func() time.Time
}

func NewCompletionStore(store Store, bucket, prefix string) (*CompletionStore, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &CompletionStore{
		store:  store,
		bucket: bucket,
		prefix: strings.Trim(strings.TrimSpace(prefix), "/"),
		now:    time.Now,
	}, nil
}

func (s *CompletionStore) key(stageID string, version domain.DataVersion) string {
	return path.Join(s.prefix, string(version), stageID+".done")
}

func (s *CompletionStore) IsComplete(ctx context.Context, stageID string, version domain.DataVersion) (bool, error) {
	_, err := s.store.Stat(ctx, s.bucket, s.key(stageID, version))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrObjectNotFound):
		return false, nil
	default:
		return false, domain.StoreUnavailable("stat marker", err)
	}
}

func (s *CompletionStore) MarkComplete(ctx context.Context, record domain.CompletionRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	done, err := s.IsComplete(ctx, record.StageID, record.Version)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	if record.CompletedAt.IsZero() {
		record.CompletedAt = s.now().UTC()
	}
	payload, err := json.Marshal(markerFromDomain(record))
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	key := s.key(record.StageID, record.Version)
	if err := s.store.Put(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), markerContentType); err != nil {
		return domain.StoreUnavailable("put marker", err)
	}
	return nil
}

func (s *CompletionStore) Get(ctx context.Context, stageID string, version domain.DataVersion) (domain.CompletionRecord, error) {
	body, _, err := s.store.Get(ctx, s.bucket, s.key(stageID, version))
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return domain.CompletionRecord{}, domain.ErrNotFound
		}
		return domain.CompletionRecord{}, domain.StoreUnavailable("get marker", err)
	}
	defer body.Close()

	raw, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return domain.CompletionRecord{}, domain.StoreUnavailable("read marker", err)
	}
	var m marker
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.CompletionRecord{}, fmt.Errorf("decode marker: %w", err)
	}
	return m.toDomain(), nil
}

type marker struct {
	StageID      string    `json:"stage_id"`
	Version      string    `json:"data_version"`
	ParamsDigest string    `json:"params_digest,omitempty"`
	Worker       string    `json:"worker,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

func markerFromDomain(r domain.CompletionRecord) marker {
	return marker{
		StageID:      r.StageID,
		Version:      string(r.Version),
		ParamsDigest: r.ParamsDigest,
		Worker:       r.Worker,
		CompletedAt:  r.CompletedAt,
	}
}

func (m marker) toDomain() domain.CompletionRecord {
	return domain.CompletionRecord{
		StageID:      m.StageID,
		Version:      domain.DataVersion(m.Version),
		ParamsDigest: m.ParamsDigest,
		Worker:       m.Worker,
		CompletedAt:  m.CompletedAt,
	}
}
