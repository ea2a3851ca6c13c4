// Package postgres implements the job store and billing ledger on PostgreSQL.
package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Schema is applied idempotently on service start.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_id  TEXT PRIMARY KEY,
	balance     BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS reservations (
	job_id      TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL REFERENCES accounts (account_id),
	amount      BIGINT NOT NULL CHECK (amount > 0),
	status      TEXT NOT NULL CHECK (status IN ('HELD', 'COMMITTED', 'RELEASED')),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_reservations_held ON reservations (created_at) WHERE status = 'HELD';

CREATE TABLE IF NOT EXISTS jobs (
	job_id        TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL,
	items         JSONB NOT NULL,
	cost          BIGINT NOT NULL,
	state         TEXT NOT NULL,
	attempts      INT NOT NULL DEFAULT 0,
	result        JSONB,
	worker_id     TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	heartbeat_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_account_created ON jobs (account_id, created_at DESC, job_id DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_state_updated ON jobs (state, updated_at);
`

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
