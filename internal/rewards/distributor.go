package rewards

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"crx-points/internal/storage"
)

// Reasons a top-100 slot is not paid.
const (
	ReasonEligible     = ""
	ReasonWash         = "wash"
	ReasonMinVolume    = "min_volume"
	ReasonNotFinalized = "not_finalized"
)

var washFields = []string{"washflag", "wash", "iswash", "washtrading", "washtrader", "flagwash", "suspectedwash"}

// Input is everything one reward computation reads.
type Input struct {
	Entries      []storage.Entry
	Attributes   map[string]map[string]string
	SeasonReward decimal.Decimal
	Config       Config
	Now          time.Time
	SeasonEnd    *time.Time
}

// Reward is one wallet's line in the table.
type Reward struct {
	Wallet   string
	Position int
	Points   float64
	Tier     string
	Eligible bool
	Reason   string
	Amount   decimal.Decimal
}

// Table is the computed distribution.
type Table struct {
	Rows          []Reward
	Rewards       map[string]decimal.Decimal
	SeasonReward  decimal.Decimal
	Top100Pool    decimal.Decimal
	OthersBase    decimal.Decimal
	Unassigned    decimal.Decimal
	OthersPool    decimal.Decimal
	Distributed   decimal.Decimal
	Undistributed decimal.Decimal
	Finalized     bool
}

// For returns the wallet's reward, zero when absent.
func (t Table) For(wallet string) decimal.Decimal {
	return t.Rewards[strings.ToLower(wallet)]
}

// Finalized reports whether the finalization window after the season end
// has elapsed.
func Finalized(cfg Config, seasonEnd *time.Time, now time.Time) bool {
	if seasonEnd == nil || seasonEnd.IsZero() {
		return false
	}
	return !now.Before(seasonEnd.Add(cfg.FinalizationWindow))
}

// IsWashFlagged reports whether any recognised wash field carries a truthy value.
func IsWashFlagged(attrs map[string]string) bool {
	for k, v := range attrs {
		key := strings.ToLower(k)
		for _, f := range washFields {
			if key == f && truthy(v) {
				return true
			}
		}
	}
	return false
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return err == nil && f > 0 && !math.IsNaN(f)
}

func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Precision)
}

// Compute builds the reward table. Unpaid top-100 slots flow into the others
// pool, which is split pro-rata by points across ranks past 100 and top-100
// wallets that missed eligibility for reasons other than wash trading.
func Compute(in Input) Table {
	cfg := in.Config
	total := round(in.SeasonReward)
	if total.IsNegative() {
		total = decimal.Zero
	}

	entries := make([]storage.Entry, 0, len(in.Entries))
	for _, e := range in.Entries {
		e.Wallet = strings.ToLower(e.Wallet)
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Points > entries[j].Points })

	table := Table{
		Rewards:      make(map[string]decimal.Decimal, len(entries)),
		SeasonReward: total,
		Top100Pool:   round(total.Mul(cfg.Top100PoolPct)),
		Finalized:    Finalized(cfg, in.SeasonEnd, in.Now),
	}
	table.OthersBase = total.Sub(table.Top100Pool)

	rows := make([]Reward, len(entries))
	for i, e := range entries {
		rows[i] = Reward{Wallet: e.Wallet, Position: i + 1, Points: e.Points, Amount: decimal.Zero}
		table.Rewards[e.Wallet] = decimal.Zero
		if i < TopRanks {
			rows[i].Reason = eligibility(cfg, in.Attributes[e.Wallet], table.Finalized)
			rows[i].Eligible = rows[i].Reason == ReasonEligible
		}
	}

	unassigned := table.Top100Pool
	for _, tier := range cfg.Tiers {
		tierAmount := round(table.Top100Pool.Mul(tier.Pct))
		perSlot := tierAmount.Div(decimal.NewFromInt(int64(tier.Slots()))).Truncate(Precision)
		for pos := tier.From; pos <= tier.To; pos++ {
			if pos > len(rows) {
				continue
			}
			row := &rows[pos-1]
			row.Tier = tier.Name()
			if !row.Eligible {
				continue
			}
			row.Amount = row.Amount.Add(perSlot)
			unassigned = unassigned.Sub(perSlot)
		}
	}
	table.Unassigned = unassigned
	table.OthersPool = table.OthersBase.Add(unassigned)

	var recipients, eligibleTop []int
	for i, row := range rows {
		if row.Points <= 0 {
			continue
		}
		switch {
		case i < TopRanks && row.Eligible:
			eligibleTop = append(eligibleTop, i)
		case i < TopRanks && row.Reason != ReasonWash:
			recipients = append(recipients, i)
		case i >= TopRanks && len(in.Attributes[row.Wallet]) > 0 && !IsWashFlagged(in.Attributes[row.Wallet]):
			recipients = append(recipients, i)
		}
	}
	if len(recipients) == 0 {
		recipients = eligibleTop
	}
	if len(recipients) > 0 {
		splitProRata(rows, recipients, table.OthersPool)
	} else {
		table.Undistributed = table.OthersPool
	}

	table.Distributed = decimal.Zero
	for _, row := range rows {
		table.Rewards[row.Wallet] = row.Amount
		table.Distributed = table.Distributed.Add(row.Amount)
	}
	table.Rows = rows
	return table
}

func eligibility(cfg Config, attrs map[string]string, finalized bool) string {
	if IsWashFlagged(attrs) {
		return ReasonWash
	}
	volume, _ := strconv.ParseFloat(attrs[storage.FieldVolumeUSD], 64)
	if math.IsNaN(volume) || volume < cfg.Top100MinVolumeUSD || cfg.RequireVolume && volume <= 0 {
		return ReasonMinVolume
	}
	if cfg.RequireFinalization && !finalized {
		return ReasonNotFinalized
	}
	return ReasonEligible
}

// splitProRata divides pool by points across the indexed rows, truncating
// each share to Precision and giving the dust to the largest holder.
func splitProRata(rows []Reward, idx []int, pool decimal.Decimal) {
	if !pool.IsPositive() {
		return
	}
	totalPoints := decimal.Zero
	for _, i := range idx {
		totalPoints = totalPoints.Add(decimal.NewFromFloat(rows[i].Points))
	}
	if !totalPoints.IsPositive() {
		return
	}

	paid := decimal.Zero
	largest := idx[0]
	for _, i := range idx {
		share := pool.Mul(decimal.NewFromFloat(rows[i].Points)).Div(totalPoints).Truncate(Precision)
		rows[i].Amount = rows[i].Amount.Add(share)
		paid = paid.Add(share)
		if rows[i].Points > rows[largest].Points {
			largest = i
		}
	}
	rows[largest].Amount = rows[largest].Amount.Add(pool.Sub(paid))
}
