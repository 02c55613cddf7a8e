package leaderboard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crx-points/internal/claims"
	"crx-points/internal/rewards"
	"crx-points/internal/scoring"
	"crx-points/internal/season"
	"crx-points/internal/selfheal"
	"crx-points/internal/storage"
	"crx-points/internal/storage/redisstore"
)

const (
	alice = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bob   = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	carol = "0xcccccccccccccccccccccccccccccccccccccccc"
)

type stubHealer struct {
	mu   sync.Mutex
	reqs []selfheal.Request
}

func (h *stubHealer) MaybeTrigger(_ context.Context, req selfheal.Request) selfheal.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reqs = append(h.reqs, req)
	return selfheal.Outcome{Triggered: true, Reason: "triggered"}
}

type readerFixture struct {
	reader *Reader
	store  *redisstore.Store
	healer *stubHealer
	season season.Config
}

func newReaderFixture(t *testing.T) *readerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := redisstore.New(client)

	cfg := rewards.Config{
		SeasonRewardCrx: decimal.NewFromInt(1000),
		Top100PoolPct:   decimal.RequireFromString("0.5"),
		Tiers:           rewards.DefaultTiers(),
	}
	healer := &stubHealer{}
	machine := claims.NewMachine(store, claims.DefaultPolicy(time.Unix(1, 0)), zerolog.Nop())
	reader := NewReader(store, healer, machine, cfg, SummaryPolicy{Scoring: scoring.DefaultPolicy()}, zerolog.Nop())
	reader.now = func() time.Time { return time.Unix(10_000, 0) }

	return &readerFixture{
		reader: reader,
		store:  store,
		healer: healer,
		season: season.Config{ID: "1", Start: time.Unix(1000, 0)},
	}
}

func (fx *readerFixture) seed(t *testing.T, updatedAt int64, points map[string]float64) {
	t.Helper()
	recs := make([]storage.WalletRecord, 0, len(points))
	for w, p := range points {
		recs = append(recs, storage.WalletRecord{Wallet: w, VolumeUSD: p, Points: p, Multiplier: 1})
	}
	ctx := context.Background()
	require.NoError(t, fx.store.CommitPass(ctx, "1", recs, nil, updatedAt))
	require.NoError(t, fx.store.RefreshRanks(ctx, "1"))
}

func TestLeaderboardAttachesRewardPreview(t *testing.T) {
	fx := newReaderFixture(t)
	fx.seed(t, 5000, map[string]float64{alice: 100, bob: 50, carol: 30})
	require.NoError(t, fx.store.SetAttribute(context.Background(), "1", carol, "washFlag", "1"))

	board, err := fx.reader.Leaderboard(context.Background(), fx.season, 2)
	require.NoError(t, err)
	require.Len(t, board.Rows, 2)
	assert.Equal(t, alice, board.Rows[0].Wallet)
	assert.Equal(t, 1, board.Rows[0].Rank)
	assert.Equal(t, "rank-1", board.Rows[0].Tier)

	// 500 top pool: 100 + 60 paid, carol's slot and the rest recycle into
	// the others pool, which falls back to the eligible top wallets.
	assert.True(t, board.Rows[0].Reward.Equal(decimal.NewFromInt(660)), board.Rows[0].Reward.String())
	assert.True(t, board.Rows[1].Reward.Equal(decimal.NewFromInt(340)), board.Rows[1].Reward.String())
	assert.True(t, board.Pools.OthersPool.Equal(decimal.NewFromInt(840)))
	assert.True(t, board.Pools.Undistributed.IsZero())

	assert.Equal(t, int64(5000), board.UpdatedAt)
	assert.Equal(t, int64(3), board.Summary.WalletCount)
	assert.InDelta(t, 180, board.Summary.TotalPoints, 1e-9)
	assert.True(t, board.SelfHeal.Triggered)

	require.Len(t, fx.healer.reqs, 1)
	require.NotNil(t, fx.healer.reqs[0].UpdatedAtMs)
	assert.Equal(t, int64(5000), *fx.healer.reqs[0].UpdatedAtMs)
	assert.Equal(t, "leaderboard", fx.healer.reqs[0].Reason)
}

func TestLeaderboardPassesMissingStampToHealer(t *testing.T) {
	fx := newReaderFixture(t)

	board, err := fx.reader.Leaderboard(context.Background(), fx.season, 10)
	require.NoError(t, err)
	assert.Empty(t, board.Rows)
	require.Len(t, fx.healer.reqs, 1)
	assert.Nil(t, fx.healer.reqs[0].UpdatedAtMs)
}

func TestUserViewWithWashFlag(t *testing.T) {
	fx := newReaderFixture(t)
	fx.seed(t, 5000, map[string]float64{alice: 100, bob: 50, carol: 30})
	require.NoError(t, fx.store.SetAttribute(context.Background(), "1", carol, "washFlag", "true"))

	u, err := fx.reader.User(context.Background(), fx.season, "0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC")
	require.NoError(t, err)
	assert.Equal(t, carol, u.Wallet)
	assert.True(t, u.Found)
	assert.Equal(t, 3, u.Rank)
	assert.False(t, u.Eligible)
	assert.Equal(t, rewards.ReasonWash, u.Reason)
	assert.True(t, u.Reward.IsZero())
	assert.Equal(t, claims.NotClaimable, u.Claim.State)
}

func TestUserUnknownWallet(t *testing.T) {
	fx := newReaderFixture(t)
	fx.seed(t, 5000, map[string]float64{alice: 100})

	u, err := fx.reader.User(context.Background(), fx.season, bob)
	require.NoError(t, err)
	assert.False(t, u.Found)
	assert.Zero(t, u.Rank)
	assert.True(t, u.Reward.IsZero())
}

func TestClaimThroughReaderFreezesSnapshot(t *testing.T) {
	fx := newReaderFixture(t)
	fx.seed(t, 5000, map[string]float64{alice: 100, bob: 50})

	receipt, err := fx.reader.Claim(context.Background(), fx.season, alice)
	require.NoError(t, err)
	assert.True(t, receipt.Amount.Equal(decimal.NewFromInt(660)), receipt.Amount.String())
	assert.Equal(t, claims.FullyClaimed, receipt.Status.State)

	// More points later do not change what alice was paid.
	fx.seed(t, 6000, map[string]float64{alice: 100, bob: 400})
	u, err := fx.reader.User(context.Background(), fx.season, alice)
	require.NoError(t, err)
	assert.Equal(t, claims.FullyClaimed, u.Claim.State)
	assert.True(t, u.Claim.TotalReward.Equal(decimal.NewFromInt(660)))
}

func TestSummaryRecomputesWhenLeaderboardMoves(t *testing.T) {
	fx := newReaderFixture(t)
	ctx := context.Background()
	fx.seed(t, 5000, map[string]float64{alice: 100})

	first, err := fx.reader.Summary(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), first.LeaderboardUpdatedAt)
	assert.InDelta(t, 100, first.TotalPoints, 1e-9)

	cached, ok, err := fx.store.Summary(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ComputedAt, cached.ComputedAt)

	fx.seed(t, 7000, map[string]float64{bob: 20})
	second, err := fx.reader.Summary(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, int64(7000), second.LeaderboardUpdatedAt)
	assert.Equal(t, int64(2), second.WalletCount)
	assert.InDelta(t, 120, second.TotalPoints, 1e-9)
}

func TestReaderWithoutHealer(t *testing.T) {
	fx := newReaderFixture(t)
	fx.reader.healer = nil
	fx.seed(t, 5000, map[string]float64{alice: 100})

	board, err := fx.reader.Leaderboard(context.Background(), fx.season, 10)
	require.NoError(t, err)
	assert.False(t, board.SelfHeal.Triggered)
	assert.Len(t, board.Rows, 1)
}
