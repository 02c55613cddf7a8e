package storage

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS season_rewards (
        season_id    TEXT        NOT NULL,
        wallet       TEXT        NOT NULL,
        rank         INTEGER     NOT NULL,
        points       NUMERIC     NOT NULL,
        volume_usd   NUMERIC     NOT NULL,
        reward_crx   NUMERIC     NOT NULL,
        tier         TEXT        NOT NULL,
        eligible     BOOLEAN     NOT NULL,
        finalized_at TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (season_id, wallet)
    );`,
	`CREATE TABLE IF NOT EXISTS ingestion_runs (
        id              BIGSERIAL   PRIMARY KEY,
        season_id       TEXT        NOT NULL,
        started_at      TIMESTAMPTZ NOT NULL,
        finished_at     TIMESTAMPTZ NOT NULL,
        full_recalc     BOOLEAN     NOT NULL,
        status          TEXT        NOT NULL,
        rows_ingested   BIGINT      NOT NULL,
        wallets_updated INTEGER     NOT NULL,
        lp_failures     INTEGER     NOT NULL,
        cursors         JSONB       NOT NULL DEFAULT '{}'::jsonb,
        error           TEXT
    );`,
	`CREATE INDEX IF NOT EXISTS ingestion_runs_season_started_idx
        ON ingestion_runs (season_id, started_at DESC);`,
}

// EnsureSchema creates the archive tables when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
