package db

import (
	"context"
	"fmt"
	"log/slog"
)

// Migration is one forward-only schema step.
type Migration struct {
	Version string
	Name    string
	Up      string
}

// Migrations is the ordered schema history of the entitlement store.
var Migrations = []Migration{
	{
		Version: "20250301000001",
		Name:    "create_accounts",
		Up: `
CREATE TABLE IF NOT EXISTS accounts (
    id                      TEXT PRIMARY KEY,
    owner_type              TEXT NOT NULL CHECK (owner_type IN ('USER', 'ORGANIZATION')),
    owner_id                TEXT NOT NULL,
    role                    TEXT NOT NULL,
    tier                    TEXT NOT NULL,
    subscription_expires_at TIMESTAMPTZ,
    trial_expires_at        TIMESTAMPTZ,
    period_anchor           TIMESTAMPTZ NOT NULL,
    canceled_at             TIMESTAMPTZ,
    last_billing_event_at   TIMESTAMPTZ,
    created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_accounts_owner ON accounts (owner_type, owner_id);
`,
	},
	{
		Version: "20250301000002",
		Name:    "create_credit_accounts",
		Up: `
CREATE TABLE IF NOT EXISTS credit_accounts (
    account_id        TEXT PRIMARY KEY REFERENCES accounts (id) ON DELETE CASCADE,
    balance           BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    monthly_allotment BIGINT NOT NULL DEFAULT 0,
    rollover_cap      BIGINT,
    last_reset_at     TIMESTAMPTZ,
    last_reset_period TEXT NOT NULL DEFAULT '',
    halted_at         TIMESTAMPTZ,
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS credit_transactions (
    id              TEXT PRIMARY KEY,
    account_id      TEXT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
    delta           BIGINT NOT NULL,
    balance_after   BIGINT NOT NULL CHECK (balance_after >= 0),
    reason          TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    archived_at     TIMESTAMPTZ,
    UNIQUE (account_id, idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_credit_tx_account_created ON credit_transactions (account_id, created_at DESC);
`,
	},
	{
		Version: "20250301000003",
		Name:    "create_usage_records",
		Up: `
CREATE TABLE IF NOT EXISTS usage_records (
    account_id  TEXT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
    feature     TEXT NOT NULL,
    period_key  TEXT NOT NULL,
    count       INT NOT NULL DEFAULT 0 CHECK (count >= 0),
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    archived_at TIMESTAMPTZ,
    PRIMARY KEY (account_id, feature, period_key)
);

CREATE INDEX IF NOT EXISTS idx_usage_unarchived ON usage_records (period_key) WHERE archived_at IS NULL;
`,
	},
	{
		Version: "20250301000004",
		Name:    "create_commit_records",
		Up: `
CREATE TABLE IF NOT EXISTS commit_records (
    id              TEXT PRIMARY KEY,
    account_id      TEXT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
    idempotency_key TEXT NOT NULL,
    feature         TEXT NOT NULL,
    credit_cost     BIGINT NOT NULL DEFAULT 0,
    usage_count     INT NOT NULL DEFAULT 0,
    balance_after   BIGINT NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (account_id, idempotency_key)
);
`,
	},
}

// Migrate applies every migration not yet recorded in schema_migrations.
// Each step runs in its own transaction together with its bookkeeping row.
func Migrate(ctx context.Context, pool Pool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range Migrations {
		var applied bool
		if err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", m.Version, err)
		}
		if applied {
			continue
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.Version, err)
		}
		if _, err := tx.Exec(ctx, m.Up); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply migration %s (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name,
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %s: %w", m.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.Version, err)
		}
		logger.InfoContext(ctx, "applied migration", "version", m.Version, "name", m.Name)
	}
	return nil
}
