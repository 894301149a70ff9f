package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/animus-labs/hannibal/internal/domain"
)

// CompletionStore keeps completion records in the stage_completions table.
// The primary key on (stage_id, data_version) makes the first insert win.
type CompletionStore struct {
	db DB
}

const (
	insertCompletionQuery = `INSERT INTO stage_completions (
		stage_id,
		data_version,
		params_digest,
		worker,
		completed_at
	) VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (stage_id, data_version) DO NOTHING`

	existsCompletionQuery = `SELECT EXISTS (
		SELECT 1 FROM stage_completions WHERE stage_id = $1 AND data_version = $2
	)`

	selectCompletionQuery = `SELECT stage_id, data_version, params_digest, worker, completed_at
	 FROM stage_completions
	 WHERE stage_id = $1 AND data_version = $2`

	listCompletionsByVersionQuery = `SELECT stage_id, data_version, params_digest, worker, completed_at
	 FROM stage_completions
	 WHERE data_version = $1
	 ORDER BY completed_at ASC, stage_id ASC`
)

func NewCompletionStore(db DB) *CompletionStore {
	if db == nil {
		return nil
	}
	return &CompletionStore{db: db}
}

func (s *CompletionStore) IsComplete(ctx context.Context, stageID string, version domain.DataVersion) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("completion store not initialized")
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, existsCompletionQuery, stageID, string(version)).Scan(&exists); err != nil {
		return false, domain.StoreUnavailable("is complete", err)
	}
	return exists, nil
}

func (s *CompletionStore) MarkComplete(ctx context.Context, record domain.CompletionRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("completion store not initialized")
	}
	if err := record.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, insertCompletionQuery,
		record.StageID,
		string(record.Version),
		record.ParamsDigest,
		record.Worker,
		normalizeTime(record.CompletedAt),
	)
	if err != nil {
		return domain.StoreUnavailable("mark complete", err)
	}
	return nil
}

func (s *CompletionStore) Get(ctx context.Context, stageID string, version domain.DataVersion) (domain.CompletionRecord, error) {
	if s == nil || s.db == nil {
		return domain.CompletionRecord{}, fmt.Errorf("completion store not initialized")
	}
	row := s.db.QueryRowContext(ctx, selectCompletionQuery, stageID, string(version))
	record, err := scanCompletion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CompletionRecord{}, handleNotFound(err)
		}
		return domain.CompletionRecord{}, domain.StoreUnavailable("get", err)
	}
	return record, nil
}

// ListByVersion returns every record of one data version, oldest first.
func (s *CompletionStore) ListByVersion(ctx context.Context, version domain.DataVersion) ([]domain.CompletionRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("completion store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listCompletionsByVersionQuery, string(version))
	if err != nil {
		return nil, domain.StoreUnavailable("list", err)
	}
	defer rows.Close()

	out := make([]domain.CompletionRecord, 0)
	for rows.Next() {
		record, err := scanCompletion(rows)
		if err != nil {
			return nil, domain.StoreUnavailable("list", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StoreUnavailable("list", err)
	}
	return out, nil
}

type completionScanner interface {
	Scan(dest ...any) error
}

func scanCompletion(row completionScanner) (domain.CompletionRecord, error) {
	var (
		record  domain.CompletionRecord
		version string
	)
	if err := row.Scan(&record.StageID, &version, &record.ParamsDigest, &record.Worker, &record.CompletedAt); err != nil {
		return domain.CompletionRecord{}, err
	}
	record.Version = domain.DataVersion(version)
	record.CompletedAt = record.CompletedAt.UTC()
	return record, nil
}
