package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/hannibal/internal/domain"
)

// LeaseStore grants per-(stage, version) leases through the stage_leases
// table. A lease may be taken over once it has expired; the current holder
// may extend it at any time.
type LeaseStore struct {
	db  DB
	now func() time.Time
}

const (
	acquireLeaseQuery = `INSERT INTO stage_leases (stage_id, data_version, holder, expires_at)
	 VALUES ($1,$2,$3,$4)
	 ON CONFLICT (stage_id, data_version) DO UPDATE
	 SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
	 WHERE stage_leases.holder = EXCLUDED.holder OR stage_leases.expires_at < $5
	 RETURNING holder`

	releaseLeaseQuery = `DELETE FROM stage_leases
	 WHERE stage_id = $1 AND data_version = $2 AND holder = $3`
)

func NewLeaseStore(db DB) *LeaseStore {
	if db == nil {
		return nil
	}
	return &LeaseStore{db: db, now: time.Now}
}

func (s *LeaseStore) Acquire(ctx context.Context, stageID string, version domain.DataVersion, holder string, ttl time.Duration) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("lease store not initialized")
	}
	holder = strings.TrimSpace(holder)
	if holder == "" {
		return false, errors.New("lease holder is required")
	}
	if ttl <= 0 {
		return false, errors.New("lease ttl must be positive")
	}
	now := s.now().UTC()
	var got string
	err := s.db.QueryRowContext(ctx, acquireLeaseQuery, stageID, string(version), holder, now.Add(ttl), now).Scan(&got)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, domain.StoreUnavailable("acquire lease", err)
	}
	return got == holder, nil
}

func (s *LeaseStore) Release(ctx context.Context, stageID string, version domain.DataVersion, holder string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("lease store not initialized")
	}
	if _, err := s.db.ExecContext(ctx, releaseLeaseQuery, stageID, string(version), holder); err != nil {
		return domain.StoreUnavailable("release lease", err)
	}
	return nil
}
