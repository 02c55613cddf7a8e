package claims

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crx-points/internal/storage"
	"crx-points/internal/storage/redisstore"
)

var opensAt = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newMachine(t *testing.T) *Machine {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	m := NewMachine(redisstore.New(client), DefaultPolicy(opensAt), zerolog.Nop())
	m.now = func() time.Time { return opensAt.Add(time.Hour) }
	return m
}

func TestEvaluateStates(t *testing.T) {
	p := DefaultPolicy(opensAt)

	st := Evaluate(storage.ClaimLedger{}, false, d("10"), p, opensAt.Add(-time.Second))
	assert.Equal(t, NotClaimable, st.State)
	assert.True(t, st.ClaimableNow.IsZero())

	st = Evaluate(storage.ClaimLedger{}, false, d("10"), p, opensAt)
	assert.Equal(t, Claimable, st.State)
	assert.True(t, st.ClaimableNow.Equal(d("10")))

	st = Evaluate(storage.ClaimLedger{}, false, decimal.Zero, p, opensAt)
	assert.Equal(t, NotClaimable, st.State)

	half := storage.ClaimLedger{TotalRewardSnapshot: d("10"), ImmediateClaimed: d("4"), ClaimCount: 1}
	st = Evaluate(half, true, d("99"), p, opensAt)
	assert.Equal(t, PartiallyClaimed, st.State)
	assert.True(t, st.TotalReward.Equal(d("10")))
	assert.True(t, st.ClaimableNow.Equal(d("6")))

	full := storage.ClaimLedger{TotalRewardSnapshot: d("10"), ImmediateClaimed: d("10"), ClaimCount: 1}
	st = Evaluate(full, true, d("10"), p, opensAt)
	assert.Equal(t, FullyClaimed, st.State)
	assert.True(t, st.ClaimableNow.IsZero())

	assert.Equal(t, NotClaimable, Evaluate(storage.ClaimLedger{}, false, d("1"), Policy{}, opensAt).State, "unset open time")
}

func TestEvaluateRespectsImmediateShare(t *testing.T) {
	p := Policy{ClaimOpensAt: opensAt, ImmediatePct: d("0.25")}
	st := Evaluate(storage.ClaimLedger{}, false, d("100"), p, opensAt)
	assert.True(t, st.ClaimableNow.Equal(d("25")))

	after := storage.ClaimLedger{TotalRewardSnapshot: d("100"), ImmediateClaimed: d("25"), ClaimCount: 1}
	st = Evaluate(after, true, d("100"), p, opensAt)
	assert.Equal(t, PartiallyClaimed, st.State)
	assert.True(t, st.ClaimableNow.IsZero())
}

func TestClaimFreezesSnapshot(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()

	receipt, err := m.Claim(ctx, "s1", "0xABC", d("42.5"))
	require.NoError(t, err)
	assert.True(t, receipt.Amount.Equal(d("42.5")))
	assert.Equal(t, FullyClaimed, receipt.Status.State)

	// the live leaderboard moves on; the wallet's total does not
	st, err := m.State(ctx, "s1", "0xabc", d("90"))
	require.NoError(t, err)
	assert.True(t, st.Frozen)
	assert.True(t, st.TotalReward.Equal(d("42.5")))
	assert.Equal(t, FullyClaimed, st.State)
}

func TestReclaimIsNoop(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()

	_, err := m.Claim(ctx, "s1", "0xabc", d("5"))
	require.NoError(t, err)

	receipt, err := m.Claim(ctx, "s1", "0xabc", d("50"))
	require.NoError(t, err)
	assert.True(t, receipt.Amount.IsZero())
	assert.Equal(t, FullyClaimed, receipt.Status.State)

	st, err := m.State(ctx, "s1", "0xabc", d("50"))
	require.NoError(t, err)
	assert.Equal(t, 1, st.Ledger.ClaimCount)
	assert.True(t, st.Claimed.Equal(d("5")))
}

func TestClaimBeforeOpenWritesNothing(t *testing.T) {
	m := newMachine(t)
	m.now = func() time.Time { return opensAt.Add(-time.Minute) }
	ctx := context.Background()

	receipt, err := m.Claim(ctx, "s1", "0xabc", d("5"))
	require.NoError(t, err)
	assert.Equal(t, NotClaimable, receipt.Status.State)

	_, ok, err := m.store.ClaimLedger(ctx, "s1", "0xabc")
	require.NoError(t, err)
	assert.False(t, ok)
}
