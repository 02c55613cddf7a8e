package storage

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// WalletRecord is a wallet's points record for one season. It is overwritten
// wholesale by every ingestion or recalc pass.
type WalletRecord struct {
	Wallet             string
	VolumeUSD          float64
	RawVolumeUSD       float64
	EffectiveVolumeUSD float64
	ScoringMode        string
	BasePoints         float64
	BonusPoints        float64
	Points             float64
	LpUSD              float64
	LpUSDStablePair    float64
	LpUSDNativePair    float64
	HasBoostLp         bool
	LpAgeSeconds       *int64
	LpSource           string
	LpMissingPrice     bool
	Multiplier         float64
	Rank               int
	Snapshot24hPoints  float64
	Snapshot24hRank    int
	Snapshot24hAt      int64
	UpdatedAt          int64

	// Attributes holds hash fields the pass does not own, such as wash flags
	// set by operators.
	Attributes map[string]string
}

// Hash field names of a wallet record.
const (
	FieldVolumeUSD          = "volumeUsd"
	FieldRawVolumeUSD       = "rawVolumeUsd"
	FieldEffectiveVolumeUSD = "effectiveVolumeUsd"
	FieldScoringMode        = "scoringMode"
	FieldBasePoints         = "basePoints"
	FieldBonusPoints        = "bonusPoints"
	FieldPoints             = "points"
	FieldLpUSD              = "lpUsd"
	FieldLpUSDStablePair    = "lpUsdStablePair"
	FieldLpUSDNativePair    = "lpUsdNativePair"
	FieldHasBoostLp         = "hasBoostLp"
	FieldLpAgeSeconds       = "lpAgeSeconds"
	FieldLpSource           = "lpSource"
	FieldLpMissingPrice     = "lpMissingPrice"
	FieldMultiplier         = "multiplier"
	FieldRank               = "rank"
	FieldSnapshot24hPoints  = "snapshot24hPoints"
	FieldSnapshot24hRank    = "snapshot24hRank"
	FieldSnapshot24hAt      = "snapshot24hAt"
	FieldUpdatedAt          = "updatedAt"
)

var recordFields = map[string]struct{}{
	FieldVolumeUSD: {}, FieldRawVolumeUSD: {}, FieldEffectiveVolumeUSD: {}, FieldScoringMode: {},
	FieldBasePoints: {}, FieldBonusPoints: {}, FieldPoints: {}, FieldLpUSD: {},
	FieldLpUSDStablePair: {}, FieldLpUSDNativePair: {}, FieldHasBoostLp: {}, FieldLpAgeSeconds: {},
	FieldLpSource: {}, FieldLpMissingPrice: {}, FieldMultiplier: {}, FieldRank: {},
	FieldSnapshot24hPoints: {}, FieldSnapshot24hRank: {}, FieldSnapshot24hAt: {}, FieldUpdatedAt: {},
}

// ToHash encodes the pass-owned fields. Attributes are not included so a
// rewrite never clobbers operator-set fields.
func (r WalletRecord) ToHash() map[string]any {
	h := map[string]any{
		FieldVolumeUSD:          formatFloat(r.VolumeUSD),
		FieldRawVolumeUSD:       formatFloat(r.RawVolumeUSD),
		FieldEffectiveVolumeUSD: formatFloat(r.EffectiveVolumeUSD),
		FieldScoringMode:        r.ScoringMode,
		FieldBasePoints:         formatFloat(r.BasePoints),
		FieldBonusPoints:        formatFloat(r.BonusPoints),
		FieldPoints:             formatFloat(r.Points),
		FieldLpUSD:              formatFloat(r.LpUSD),
		FieldLpUSDStablePair:    formatFloat(r.LpUSDStablePair),
		FieldLpUSDNativePair:    formatFloat(r.LpUSDNativePair),
		FieldHasBoostLp:         strconv.FormatBool(r.HasBoostLp),
		FieldLpSource:           r.LpSource,
		FieldLpMissingPrice:     strconv.FormatBool(r.LpMissingPrice),
		FieldMultiplier:         formatFloat(r.Multiplier),
		FieldRank:               strconv.Itoa(r.Rank),
		FieldSnapshot24hPoints:  formatFloat(r.Snapshot24hPoints),
		FieldSnapshot24hRank:    strconv.Itoa(r.Snapshot24hRank),
		FieldSnapshot24hAt:      strconv.FormatInt(r.Snapshot24hAt, 10),
		FieldUpdatedAt:          strconv.FormatInt(r.UpdatedAt, 10),
	}
	if r.LpAgeSeconds != nil {
		h[FieldLpAgeSeconds] = strconv.FormatInt(*r.LpAgeSeconds, 10)
	} else {
		h[FieldLpAgeSeconds] = ""
	}
	return h
}

// RecordFromHash decodes a stored hash. Malformed numbers decode as zero.
func RecordFromHash(wallet string, h map[string]string) WalletRecord {
	r := WalletRecord{
		Wallet:             wallet,
		VolumeUSD:          parseFloat(h[FieldVolumeUSD]),
		RawVolumeUSD:       parseFloat(h[FieldRawVolumeUSD]),
		EffectiveVolumeUSD: parseFloat(h[FieldEffectiveVolumeUSD]),
		ScoringMode:        h[FieldScoringMode],
		BasePoints:         parseFloat(h[FieldBasePoints]),
		BonusPoints:        parseFloat(h[FieldBonusPoints]),
		Points:             parseFloat(h[FieldPoints]),
		LpUSD:              parseFloat(h[FieldLpUSD]),
		LpUSDStablePair:    parseFloat(h[FieldLpUSDStablePair]),
		LpUSDNativePair:    parseFloat(h[FieldLpUSDNativePair]),
		HasBoostLp:         parseBool(h[FieldHasBoostLp]),
		LpSource:           h[FieldLpSource],
		LpMissingPrice:     parseBool(h[FieldLpMissingPrice]),
		Multiplier:         parseFloat(h[FieldMultiplier]),
		Rank:               int(parseInt(h[FieldRank])),
		Snapshot24hPoints:  parseFloat(h[FieldSnapshot24hPoints]),
		Snapshot24hRank:    int(parseInt(h[FieldSnapshot24hRank])),
		Snapshot24hAt:      parseInt(h[FieldSnapshot24hAt]),
		UpdatedAt:          parseInt(h[FieldUpdatedAt]),
	}
	if v, err := strconv.ParseInt(h[FieldLpAgeSeconds], 10, 64); err == nil {
		r.LpAgeSeconds = &v
	}
	for k, v := range h {
		if _, ok := recordFields[k]; ok {
			continue
		}
		if r.Attributes == nil {
			r.Attributes = make(map[string]string)
		}
		r.Attributes[k] = v
	}
	return r
}

// Entry is one leaderboard row as ranked by the store.
type Entry struct {
	Wallet string
	Points float64
	Rank   int
}

// ClaimLedger is a wallet's claim record. Once ClaimCount > 0 the snapshot
// total is the wallet's payable total.
type ClaimLedger struct {
	TotalRewardSnapshot decimal.Decimal
	ImmediateClaimed    decimal.Decimal
	StreamedClaimed     decimal.Decimal
	ClaimCount          int
	FirstClaimAt        int64
	LastClaimAt         int64
}

// TotalClaimed is immediate plus streamed claims.
func (l ClaimLedger) TotalClaimed() decimal.Decimal {
	return l.ImmediateClaimed.Add(l.StreamedClaimed)
}

// ToHash encodes the ledger.
func (l ClaimLedger) ToHash() map[string]any {
	return map[string]any{
		"totalRewardSnapshotCrx": l.TotalRewardSnapshot.String(),
		"immediateClaimedCrx":    l.ImmediateClaimed.String(),
		"streamedClaimedCrx":     l.StreamedClaimed.String(),
		"claimCount":             strconv.Itoa(l.ClaimCount),
		"firstClaimAt":           strconv.FormatInt(l.FirstClaimAt, 10),
		"lastClaimAt":            strconv.FormatInt(l.LastClaimAt, 10),
	}
}

// LedgerFromHash decodes a stored claim ledger.
func LedgerFromHash(h map[string]string) ClaimLedger {
	return ClaimLedger{
		TotalRewardSnapshot: parseDecimal(h["totalRewardSnapshotCrx"]),
		ImmediateClaimed:    parseDecimal(h["immediateClaimedCrx"]),
		StreamedClaimed:     parseDecimal(h["streamedClaimedCrx"]),
		ClaimCount:          int(parseInt(h["claimCount"])),
		FirstClaimAt:        parseInt(h["firstClaimAt"]),
		LastClaimAt:         parseInt(h["lastClaimAt"]),
	}
}

// Summary is the season-level points summary cache.
type Summary struct {
	WalletCount          int64
	TotalPoints          float64
	ScoringMode          string
	VolumeCapUSD         float64
	DiminishingFactor    float64
	FeeRate              float64
	ClaimOpensAt         int64
	ComputedAt           int64
	LeaderboardUpdatedAt int64
}

// ClaimOpen reports whether claiming is open at now.
func (s Summary) ClaimOpen(now time.Time) bool {
	return s.ClaimOpensAt > 0 && now.UnixMilli() >= s.ClaimOpensAt
}

// ToHash encodes the summary.
func (s Summary) ToHash() map[string]any {
	return map[string]any{
		"walletCount":          strconv.FormatInt(s.WalletCount, 10),
		"totalPoints":          formatFloat(s.TotalPoints),
		"scoringMode":          s.ScoringMode,
		"volumeCapUsd":         formatFloat(s.VolumeCapUSD),
		"diminishingFactor":    formatFloat(s.DiminishingFactor),
		"feeRate":              formatFloat(s.FeeRate),
		"claimOpensAt":         strconv.FormatInt(s.ClaimOpensAt, 10),
		"computedAt":           strconv.FormatInt(s.ComputedAt, 10),
		"leaderboardUpdatedAt": strconv.FormatInt(s.LeaderboardUpdatedAt, 10),
	}
}

// SummaryFromHash decodes a stored summary.
func SummaryFromHash(h map[string]string) Summary {
	return Summary{
		WalletCount:          parseInt(h["walletCount"]),
		TotalPoints:          parseFloat(h["totalPoints"]),
		ScoringMode:          h["scoringMode"],
		VolumeCapUSD:         parseFloat(h["volumeCapUsd"]),
		DiminishingFactor:    parseFloat(h["diminishingFactor"]),
		FeeRate:              parseFloat(h["feeRate"]),
		ClaimOpensAt:         parseInt(h["claimOpensAt"]),
		ComputedAt:           parseInt(h["computedAt"]),
		LeaderboardUpdatedAt: parseInt(h["leaderboardUpdatedAt"]),
	}
}

// SeasonReward is a finalized reward row archived in Postgres.
type SeasonReward struct {
	SeasonID    string
	Wallet      string
	Rank        int
	Points      decimal.Decimal
	VolumeUSD   decimal.Decimal
	RewardCrx   decimal.Decimal
	Tier        string
	Eligible    bool
	FinalizedAt time.Time
}

// IngestionRun is an audit row for one ingestion pass.
type IngestionRun struct {
	ID             int64
	SeasonID       string
	StartedAt      time.Time
	FinishedAt     time.Time
	Full           bool
	Status         string
	RowsIngested   int64
	WalletsUpdated int
	LpFailures     int
	Cursors        map[string]int64
	Error          *string
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseBool(s string) bool {
	v, _ := strconv.ParseBool(s)
	return v
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
