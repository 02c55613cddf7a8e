package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertSeasonRewardSQL = `INSERT INTO season_rewards (
        season_id,
        wallet,
        rank,
        points,
        volume_usd,
        reward_crx,
        tier,
        eligible,
        finalized_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (season_id, wallet) DO UPDATE
    SET
        rank         = EXCLUDED.rank,
        points       = EXCLUDED.points,
        volume_usd   = EXCLUDED.volume_usd,
        reward_crx   = EXCLUDED.reward_crx,
        tier         = EXCLUDED.tier,
        eligible     = EXCLUDED.eligible,
        finalized_at = EXCLUDED.finalized_at;`

	listSeasonRewardsSQL = `SELECT
        season_id,
        wallet,
        rank,
        points,
        volume_usd,
        reward_crx,
        tier,
        eligible,
        finalized_at
    FROM season_rewards
    WHERE season_id = $1
    ORDER BY rank;`

	insertIngestionRunSQL = `INSERT INTO ingestion_runs (
        season_id,
        started_at,
        finished_at,
        full_recalc,
        status,
        rows_ingested,
        wallets_updated,
        lp_failures,
        cursors,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    RETURNING id;`

	listRecentRunsSQL = `SELECT
        id,
        season_id,
        started_at,
        finished_at,
        full_recalc,
        status,
        rows_ingested,
        wallets_updated,
        lp_failures,
        cursors,
        error
    FROM ingestion_runs
    WHERE season_id = $1
    ORDER BY started_at DESC
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RewardArchive persists finalized season rewards.
type RewardArchive interface {
	UpsertSeasonRewards(ctx context.Context, rewards []SeasonReward) error
	ListSeasonRewards(ctx context.Context, seasonID string) ([]SeasonReward, error)
}

// RunStore audits ingestion passes.
type RunStore interface {
	InsertIngestionRun(ctx context.Context, run IngestionRun) (int64, error)
	ListRecentRuns(ctx context.Context, seasonID string, limit int) ([]IngestionRun, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the Postgres archive.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session lock dies with the connection anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertSeasonRewards writes finalized rewards in one transaction.
func (s *Store) UpsertSeasonRewards(ctx context.Context, rewards []SeasonReward) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(rewards) == 0 {
		return nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin season rewards tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, r := range rewards {
		batch.Queue(upsertSeasonRewardSQL,
			r.SeasonID,
			r.Wallet,
			r.Rank,
			r.Points.String(),
			r.VolumeUSD.String(),
			r.RewardCrx.String(),
			r.Tier,
			r.Eligible,
			r.FinalizedAt,
		)
	}
	results := tx.SendBatch(ctx, batch)
	for range rewards {
		if _, execErr := results.Exec(); execErr != nil {
			_ = results.Close()
			return fmt.Errorf("upsert season reward: %w", execErr)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close season reward batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit season rewards: %w", err)
	}
	return nil
}

// ListSeasonRewards lists archived rewards for a season by rank.
func (s *Store) ListSeasonRewards(ctx context.Context, seasonID string) ([]SeasonReward, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSeasonRewardsSQL, seasonID)
	if queryErr != nil {
		return nil, fmt.Errorf("list season rewards: %w", queryErr)
	}
	defer rows.Close()

	rewards := make([]SeasonReward, 0)
	for rows.Next() {
		reward, scanErr := scanSeasonReward(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		rewards = append(rewards, reward)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rewards, nil
}

// InsertIngestionRun records a finished pass.
func (s *Store) InsertIngestionRun(ctx context.Context, run IngestionRun) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	cursors, err := json.Marshal(run.Cursors)
	if err != nil {
		return 0, fmt.Errorf("marshal cursors: %w", err)
	}

	var errMsg interface{}
	if run.Error != nil {
		errMsg = *run.Error
	}

	var id int64
	if scanErr := pool.QueryRow(ctx, insertIngestionRunSQL,
		run.SeasonID,
		run.StartedAt,
		run.FinishedAt,
		run.Full,
		run.Status,
		run.RowsIngested,
		run.WalletsUpdated,
		run.LpFailures,
		cursors,
		errMsg,
	).Scan(&id); scanErr != nil {
		return 0, fmt.Errorf("insert ingestion run: %w", scanErr)
	}
	return id, nil
}

// ListRecentRuns lists the latest passes for a season.
func (s *Store) ListRecentRuns(ctx context.Context, seasonID string, limit int) ([]IngestionRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRunsSQL, seasonID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]IngestionRun, 0, limit)
	for rows.Next() {
		var (
			run     IngestionRun
			cursors []byte
			errMsg  sql.NullString
		)
		if err := rows.Scan(
			&run.ID,
			&run.SeasonID,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Full,
			&run.Status,
			&run.RowsIngested,
			&run.WalletsUpdated,
			&run.LpFailures,
			&cursors,
			&errMsg,
		); err != nil {
			return nil, err
		}
		if len(cursors) > 0 {
			if err := json.Unmarshal(cursors, &run.Cursors); err != nil {
				return nil, fmt.Errorf("decode cursors: %w", err)
			}
		}
		if errMsg.Valid {
			msg := errMsg.String
			run.Error = &msg
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

func scanSeasonReward(rows pgx.Rows) (SeasonReward, error) {
	var (
		reward    SeasonReward
		pointsStr string
		volumeStr string
		rewardStr string
	)
	if err := rows.Scan(
		&reward.SeasonID,
		&reward.Wallet,
		&reward.Rank,
		&pointsStr,
		&volumeStr,
		&rewardStr,
		&reward.Tier,
		&reward.Eligible,
		&reward.FinalizedAt,
	); err != nil {
		return SeasonReward{}, err
	}

	var convErr error
	if reward.Points, convErr = decimal.NewFromString(pointsStr); convErr != nil {
		return SeasonReward{}, fmt.Errorf("parse points: %w", convErr)
	}
	if reward.VolumeUSD, convErr = decimal.NewFromString(volumeStr); convErr != nil {
		return SeasonReward{}, fmt.Errorf("parse volume: %w", convErr)
	}
	if reward.RewardCrx, convErr = decimal.NewFromString(rewardStr); convErr != nil {
		return SeasonReward{}, fmt.Errorf("parse reward: %w", convErr)
	}
	return reward, nil
}

var (
	_ RewardArchive  = (*Store)(nil)
	_ RunStore       = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
