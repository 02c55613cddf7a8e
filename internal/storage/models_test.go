package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stringify(h map[string]any) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func TestWalletRecordHashRoundTrip(t *testing.T) {
	age := int64(3600)
	rec := WalletRecord{
		Wallet:             "0xabc",
		VolumeUSD:          1234.5,
		RawVolumeUSD:       1234.5,
		EffectiveVolumeUSD: 1200,
		ScoringMode:        "volume",
		BasePoints:         1200,
		BonusPoints:        40,
		Points:             1240,
		LpUSD:              25,
		LpUSDStablePair:    20,
		HasBoostLp:         true,
		LpAgeSeconds:       &age,
		LpSource:           "feed",
		Multiplier:         2,
		Rank:               7,
		Snapshot24hPoints:  900,
		Snapshot24hRank:    9,
		Snapshot24hAt:      1_700_000_000_000,
		UpdatedAt:          1_700_000_100_000,
	}

	got := RecordFromHash("0xabc", stringify(rec.ToHash()))
	assert.Equal(t, rec, got)
}

func TestRecordFromHashKeepsOperatorAttributes(t *testing.T) {
	h := map[string]string{
		FieldPoints:       "10",
		FieldLpAgeSeconds: "",
		"washFlag":        "true",
	}
	rec := RecordFromHash("0xabc", h)
	assert.Equal(t, 10.0, rec.Points)
	assert.Nil(t, rec.LpAgeSeconds)
	assert.Equal(t, map[string]string{"washFlag": "true"}, rec.Attributes)

	_, present := rec.ToHash()["washFlag"]
	assert.False(t, present, "rewrites never carry operator fields")
}

func TestRecordFromHashToleratesGarbage(t *testing.T) {
	rec := RecordFromHash("0xabc", map[string]string{FieldPoints: "NaN-ish", FieldRank: "x"})
	assert.Zero(t, rec.Points)
	assert.Zero(t, rec.Rank)
}

func TestClaimLedgerHashRoundTrip(t *testing.T) {
	ledger := ClaimLedger{
		TotalRewardSnapshot: decimal.RequireFromString("12.345678"),
		ImmediateClaimed:    decimal.RequireFromString("12.345678"),
		StreamedClaimed:     decimal.Zero,
		ClaimCount:          1,
		FirstClaimAt:        1000,
		LastClaimAt:         1000,
	}
	got := LedgerFromHash(stringify(ledger.ToHash()))
	require.True(t, got.TotalRewardSnapshot.Equal(ledger.TotalRewardSnapshot))
	assert.True(t, got.TotalClaimed().Equal(ledger.ImmediateClaimed))
	assert.Equal(t, 1, got.ClaimCount)
	assert.Equal(t, int64(1000), got.LastClaimAt)
}

func TestSummaryClaimOpen(t *testing.T) {
	s := Summary{ClaimOpensAt: 2_000}
	assert.False(t, s.ClaimOpen(time.UnixMilli(1_999)))
	assert.True(t, s.ClaimOpen(time.UnixMilli(2_000)))
	assert.False(t, Summary{}.ClaimOpen(time.UnixMilli(5_000)), "unset open time means closed")

	got := SummaryFromHash(stringify(Summary{WalletCount: 3, TotalPoints: 1.5, ScoringMode: "fees"}.ToHash()))
	assert.Equal(t, int64(3), got.WalletCount)
	assert.Equal(t, 1.5, got.TotalPoints)
	assert.Equal(t, "fees", got.ScoringMode)
}
