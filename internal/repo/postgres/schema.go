package postgres

import (
	"context"
	"fmt"
)

const schemaDDL = `CREATE TABLE IF NOT EXISTS stage_completions (
	stage_id      TEXT        NOT NULL,
	data_version  TEXT        NOT NULL,
	params_digest TEXT        NOT NULL DEFAULT '',
	worker        TEXT        NOT NULL DEFAULT '',
	completed_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (stage_id, data_version)
);

CREATE TABLE IF NOT EXISTS stage_leases (
	stage_id     TEXT        NOT NULL,
	data_version TEXT        NOT NULL,
	holder       TEXT        NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (stage_id, data_version)
);`

// EnsureSchema creates the completion and lease tables if they are missing.
func EnsureSchema(ctx context.Context, db DB) error {
	if db == nil {
		return fmt.Errorf("postgres not initialized")
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
