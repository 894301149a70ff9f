package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/animus-labs/hannibal/internal/domain"
)

// FileStore writes one marker file per record as <dir>/<version>/<stage>.done.
// Markers are published with a hard link from a temporary file, so the first
// writer wins and readers never observe a partial marker.
type FileStore struct {
	dir string
	now func() time.Time
}

func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("status dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, domain.StoreUnavailable("create status dir", err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

// Neither stage ids nor versions may contain path separators, so the
// directory split keeps every (stage, version) pair on its own path.
func (s *FileStore) markerPath(stageID string, version domain.DataVersion) string {
	return filepath.Join(s.versionDir(version), stageID+".done")
}

func (s *FileStore) versionDir(version domain.DataVersion) string {
	return filepath.Join(s.dir, string(version))
}

func (s *FileStore) IsComplete(ctx context.Context, stageID string, version domain.DataVersion) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, domain.StoreUnavailable("is complete", err)
	}
	_, err := os.Stat(s.markerPath(stageID, version))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, domain.StoreUnavailable("stat marker", err)
	}
}

func (s *FileStore) MarkComplete(ctx context.Context, record domain.CompletionRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return domain.StoreUnavailable("mark complete", err)
	}
	if record.CompletedAt.IsZero() {
		record.CompletedAt = s.now().UTC()
	}
	payload, err := json.Marshal(markerFromDomain(record))
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}

	dir := s.versionDir(record.Version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.StoreUnavailable("create version dir", err)
	}
	tmp, err := os.CreateTemp(dir, ".marker-*")
	if err != nil {
		return domain.StoreUnavailable("create marker", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return domain.StoreUnavailable("write marker", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return domain.StoreUnavailable("sync marker", err)
	}
	if err := tmp.Close(); err != nil {
		return domain.StoreUnavailable("close marker", err)
	}

	if err := os.Link(tmpName, s.markerPath(record.StageID, record.Version)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return domain.StoreUnavailable("publish marker", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, stageID string, version domain.DataVersion) (domain.CompletionRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.CompletionRecord{}, domain.StoreUnavailable("get", err)
	}
	raw, err := os.ReadFile(s.markerPath(stageID, version))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.CompletionRecord{}, domain.ErrNotFound
		}
		return domain.CompletionRecord{}, domain.StoreUnavailable("read marker", err)
	}
	// Markers touched by hand or by older tooling may be empty.
	if len(strings.TrimSpace(string(raw))) == 0 {
		return domain.CompletionRecord{StageID: stageID, Version: version}, nil
	}
	var m marker
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.CompletionRecord{}, fmt.Errorf("decode marker %s: %w", s.markerPath(stageID, version), err)
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
