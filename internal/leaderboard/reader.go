package leaderboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crx-points/internal/claims"
	"crx-points/internal/rewards"
	"crx-points/internal/season"
	"crx-points/internal/selfheal"
	"crx-points/internal/storage"
)

// Healer fires re-ingestion for stale reads.
type Healer interface {
	MaybeTrigger(ctx context.Context, req selfheal.Request) selfheal.Outcome
}

// Row is a leaderboard line with its reward preview.
type Row struct {
	storage.Entry
	Reward   decimal.Decimal
	Tier     string
	Eligible bool
}

// Pools is the reward pool breakdown of a preview.
type Pools struct {
	SeasonReward  decimal.Decimal
	Top100Pool    decimal.Decimal
	OthersPool    decimal.Decimal
	Unassigned    decimal.Decimal
	Undistributed decimal.Decimal
	Finalized     bool
}

// Board is a leaderboard page.
type Board struct {
	Season    string
	Rows      []Row
	Summary   storage.Summary
	Pools     Pools
	UpdatedAt int64
	SelfHeal  selfheal.Outcome
}

// User is one wallet's view.
type User struct {
	Wallet   string
	Found    bool
	Record   storage.WalletRecord
	Rank     int
	Reward   decimal.Decimal
	Tier     string
	Eligible bool
	Reason   string
	Claim    claims.Status
	SelfHeal selfheal.Outcome
}

// Reader serves leaderboard, user and summary reads.
type Reader struct {
	store   storage.Leaderboard
	healer  Healer
	claims  *claims.Machine
	rewards rewards.Config
	summary SummaryPolicy
	now     func() time.Time
	logger  zerolog.Logger
}

// NewReader constructs a reader. healer may be nil.
func NewReader(store storage.Leaderboard, healer Healer, machine *claims.Machine, rewardCfg rewards.Config, summary SummaryPolicy, logger zerolog.Logger) *Reader {
	return &Reader{
		store:   store,
		healer:  healer,
		claims:  machine,
		rewards: rewardCfg,
		summary: summary,
		now:     time.Now,
		logger:  logger.With().Str("component", "leaderboard_reader").Logger(),
	}
}

// Leaderboard returns the top limit entries with reward previews.
func (r *Reader) Leaderboard(ctx context.Context, s season.Config, limit int) (Board, error) {
	updatedAt, heal, err := r.freshness(ctx, s.ID, "leaderboard")
	if err != nil {
		return Board{}, err
	}
	table, err := r.Rewards(ctx, s)
	if err != nil {
		return Board{}, err
	}
	summary, err := r.Summary(ctx, s.ID)
	if err != nil {
		return Board{}, err
	}

	entries, err := r.store.Ranked(ctx, s.ID, 0, limit)
	if err != nil {
		return Board{}, fmt.Errorf("leaderboard entries: %w", err)
	}
	byWallet := make(map[string]rewards.Reward, len(table.Rows))
	for _, row := range table.Rows {
		byWallet[row.Wallet] = row
	}
	rows := make([]Row, 0, len(entries))
	for _, e := range entries {
		rw := byWallet[e.Wallet]
		rows = append(rows, Row{Entry: e, Reward: table.For(e.Wallet), Tier: rw.Tier, Eligible: rw.Eligible})
	}

	return Board{
		Season:    s.ID,
		Rows:      rows,
		Summary:   summary,
		Pools:     poolsOf(table),
		UpdatedAt: updatedAt,
		SelfHeal:  heal,
	}, nil
}

// User returns a wallet's record, live rank, reward preview and claim state.
func (r *Reader) User(ctx context.Context, s season.Config, wallet string) (User, error) {
	_, heal, err := r.freshness(ctx, s.ID, "user")
	if err != nil {
		return User{}, err
	}
	out := User{Wallet: strings.ToLower(strings.TrimSpace(wallet)), SelfHeal: heal}

	rec, ok, err := r.store.Wallet(ctx, s.ID, wallet)
	if err != nil {
		return User{}, fmt.Errorf("user record: %w", err)
	}
	out.Found = ok
	out.Record = rec
	if ok {
		rank, _, err := r.store.Rank(ctx, s.ID, wallet)
		if err != nil {
			return User{}, fmt.Errorf("user rank: %w", err)
		}
		out.Rank = rank
	}

	table, err := r.Rewards(ctx, s)
	if err != nil {
		return User{}, err
	}
	out.Reward = table.For(wallet)
	for _, row := range table.Rows {
		if row.Wallet == out.Wallet {
			out.Tier, out.Eligible, out.Reason = row.Tier, row.Eligible, row.Reason
			break
		}
	}

	if r.claims != nil {
		st, err := r.claims.State(ctx, s.ID, wallet, out.Reward)
		if err != nil {
			return User{}, err
		}
		out.Claim = st
	}
	return out, nil
}

// Claim claims a wallet's currently claimable reward.
func (r *Reader) Claim(ctx context.Context, s season.Config, wallet string) (claims.Receipt, error) {
	if r.claims == nil {
		return claims.Receipt{}, fmt.Errorf("claims are not configured")
	}
	table, err := r.Rewards(ctx, s)
	if err != nil {
		return claims.Receipt{}, err
	}
	return r.claims.Claim(ctx, s.ID, wallet, table.For(wallet))
}

// Rewards computes the reward table over the current snapshot.
func (r *Reader) Rewards(ctx context.Context, s season.Config) (rewards.Table, error) {
	total, err := rewards.ResolveSeasonReward(r.rewards, s.ID)
	if err != nil {
		return rewards.Table{}, err
	}
	entries, err := r.store.Ranked(ctx, s.ID, 0, 0)
	if err != nil {
		return rewards.Table{}, fmt.Errorf("reward entries: %w", err)
	}
	wallets := make([]string, len(entries))
	for i, e := range entries {
		wallets[i] = e.Wallet
	}
	attrs, err := r.store.Wallets(ctx, s.ID, wallets)
	if err != nil {
		return rewards.Table{}, fmt.Errorf("reward attributes: %w", err)
	}
	return rewards.Compute(rewards.Input{
		Entries:      entries,
		Attributes:   attrs,
		SeasonReward: total,
		Config:       r.rewards,
		Now:          r.now(),
		SeasonEnd:    s.End,
	}), nil
}

// Summary returns the cached summary, recomputing it when missing or older
// than the leaderboard.
func (r *Reader) Summary(ctx context.Context, seasonID string) (storage.Summary, error) {
	cached, ok, err := r.store.Summary(ctx, seasonID)
	if err != nil {
		return storage.Summary{}, fmt.Errorf("load summary: %w", err)
	}
	updatedAt, _, err := r.store.UpdatedAt(ctx, seasonID)
	if err != nil {
		return storage.Summary{}, fmt.Errorf("load updatedAt: %w", err)
	}
	if ok && cached.LeaderboardUpdatedAt >= updatedAt {
		return cached, nil
	}
	sum, err := RefreshSummary(ctx, r.store, seasonID, r.summary, r.now())
	if err != nil {
		return storage.Summary{}, err
	}
	r.logger.Debug().Str("season", seasonID).Int64("wallets", sum.WalletCount).Msg("summary recomputed")
	return sum, nil
}

func (r *Reader) freshness(ctx context.Context, seasonID, reason string) (int64, selfheal.Outcome, error) {
	updatedAt, ok, err := r.store.UpdatedAt(ctx, seasonID)
	if err != nil {
		return 0, selfheal.Outcome{}, fmt.Errorf("load updatedAt: %w", err)
	}
	if r.healer == nil {
		return updatedAt, selfheal.Outcome{}, nil
	}
	req := selfheal.Request{SeasonID: seasonID, Reason: reason}
	if ok {
		req.UpdatedAtMs = &updatedAt
	}
	return updatedAt, r.healer.MaybeTrigger(ctx, req), nil
}

func poolsOf(t rewards.Table) Pools {
	return Pools{
		SeasonReward:  t.SeasonReward,
		Top100Pool:    t.Top100Pool,
		OthersPool:    t.OthersPool,
		Unassigned:    t.Unassigned,
		Undistributed: t.Undistributed,
		Finalized:     t.Finalized,
	}
}
