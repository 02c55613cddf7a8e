package rewards

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places CRX amounts carry.
const Precision = 6

// TopRanks is the size of the tiered top bracket.
const TopRanks = 100

// Tier is a contiguous rank range paid a fixed share of the top-100 pool,
// split evenly across its ranks.
type Tier struct {
	From int
	To   int
	Pct  decimal.Decimal
}

// Name labels the tier for display.
func (t Tier) Name() string {
	if t.From == t.To {
		return "rank-" + strconv.Itoa(t.From)
	}
	return fmt.Sprintf("ranks-%d-%d", t.From, t.To)
}

// Slots is the number of ranks in the tier.
func (t Tier) Slots() int {
	return t.To - t.From + 1
}

// DefaultTiers returns the standard top-100 tier table.
func DefaultTiers() []Tier {
	return []Tier{
		{From: 1, To: 1, Pct: decimal.RequireFromString("0.20")},
		{From: 2, To: 2, Pct: decimal.RequireFromString("0.12")},
		{From: 3, To: 3, Pct: decimal.RequireFromString("0.08")},
		{From: 4, To: 10, Pct: decimal.RequireFromString("0.20")},
		{From: 11, To: 25, Pct: decimal.RequireFromString("0.15")},
		{From: 26, To: 50, Pct: decimal.RequireFromString("0.13")},
		{From: 51, To: 100, Pct: decimal.RequireFromString("0.12")},
	}
}

// ParseTier parses "4-10:0.20" or "1:0.2".
func ParseTier(s string) (Tier, error) {
	rangePart, pctPart, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Tier{}, fmt.Errorf("tier %q: expected <from>-<to>:<pct>", s)
	}
	pct, err := decimal.NewFromString(strings.TrimSpace(pctPart))
	if err != nil {
		return Tier{}, fmt.Errorf("tier %q: %w", s, err)
	}
	fromStr, toStr, isRange := strings.Cut(rangePart, "-")
	from, err := strconv.Atoi(strings.TrimSpace(fromStr))
	if err != nil {
		return Tier{}, fmt.Errorf("tier %q: %w", s, err)
	}
	to := from
	if isRange {
		if to, err = strconv.Atoi(strings.TrimSpace(toStr)); err != nil {
			return Tier{}, fmt.Errorf("tier %q: %w", s, err)
		}
	}
	return Tier{From: from, To: to, Pct: pct}, nil
}

// Config is the season's reward policy.
type Config struct {
	SeasonRewardCrx     decimal.Decimal
	TotalSupply         decimal.Decimal
	LeaderboardSharePct decimal.Decimal
	SeasonAllocations   map[string]decimal.Decimal

	Top100PoolPct       decimal.Decimal
	Top100MinVolumeUSD  float64
	// RequireVolume makes wallets without any recorded volume ineligible
	// even when the minimum is zero.
	RequireVolume       bool
	RequireFinalization bool
	FinalizationWindow  time.Duration
	Tiers               []Tier
	ClaimOpensAt        time.Time
}

// Validate checks the tier table and percentages.
func (c Config) Validate() error {
	one := decimal.NewFromInt(1)
	if c.Top100PoolPct.IsNegative() || c.Top100PoolPct.GreaterThan(one) {
		return fmt.Errorf("top100 pool pct %s outside [0,1]", c.Top100PoolPct)
	}
	if c.Top100MinVolumeUSD < 0 {
		return errors.New("top100 min volume must be >= 0")
	}

	sum := decimal.Zero
	taken := make(map[int]struct{})
	for _, t := range c.Tiers {
		if t.From < 1 || t.To < t.From || t.To > TopRanks {
			return fmt.Errorf("tier %s: ranks must lie within 1-%d", t.Name(), TopRanks)
		}
		if t.Pct.IsNegative() {
			return fmt.Errorf("tier %s: negative pct", t.Name())
		}
		for r := t.From; r <= t.To; r++ {
			if _, dup := taken[r]; dup {
				return fmt.Errorf("tier %s overlaps rank %d", t.Name(), r)
			}
			taken[r] = struct{}{}
		}
		sum = sum.Add(t.Pct)
	}
	if sum.GreaterThan(one) {
		return fmt.Errorf("tier pcts sum to %s, above 1", sum)
	}
	return nil
}

// ResolveSeasonReward returns the season pool: the explicit override when
// set, otherwise totalSupply x leaderboardShare x the season's allocation.
func ResolveSeasonReward(cfg Config, seasonID string) (decimal.Decimal, error) {
	if cfg.SeasonRewardCrx.IsPositive() {
		return cfg.SeasonRewardCrx.Round(Precision), nil
	}
	alloc, ok := cfg.SeasonAllocations[seasonID]
	if !ok {
		return decimal.Zero, fmt.Errorf("no reward allocation for season %q", seasonID)
	}
	if !cfg.TotalSupply.IsPositive() || !cfg.LeaderboardSharePct.IsPositive() {
		return decimal.Zero, errors.New("total supply and leaderboard share must be positive")
	}
	return cfg.TotalSupply.Mul(cfg.LeaderboardSharePct).Mul(alloc).Round(Precision), nil
}
