package lp

import (
	"encoding/json"
	"math/big"
	"strconv"
	"strings"

	"crx-points/internal/chain"
	"crx-points/internal/feed"
	"crx-points/internal/tickmath"
	"crx-points/internal/tokens"
)

const defaultDecimals = 18

// Position is the canonical concentrated-liquidity position every source is
// normalised into before valuation.
type Position struct {
	ID           string
	Token0       string
	Token1       string
	Decimals0    int
	Decimals1    int
	TickLower    int
	TickUpper    int
	Liquidity    *big.Int
	PoolTick     *float64
	SqrtPriceX96 *big.Int
	CreatedAt    int64
	Estimated    bool
}

// HasPoolPrice reports whether the position carries current pool price data.
func (p Position) HasPoolPrice() bool {
	return (p.SqrtPriceX96 != nil && p.SqrtPriceX96.Sign() > 0) || p.PoolTick != nil
}

// CurrentSqrtPrice returns the pool sqrt price, deriving it from the tick
// when only the tick is known.
func (p Position) CurrentSqrtPrice() *big.Int {
	if p.SqrtPriceX96 != nil && p.SqrtPriceX96.Sign() > 0 {
		return p.SqrtPriceX96
	}
	if p.PoolTick != nil {
		return tickmath.TickToSqrtPriceX96(*p.PoolTick)
	}
	return nil
}

// CurrentTick returns the pool tick, deriving it from the sqrt price when only
// the price is known.
func (p Position) CurrentTick() (float64, bool) {
	if p.PoolTick != nil {
		return *p.PoolTick, true
	}
	if p.SqrtPriceX96 != nil {
		return tickmath.SqrtPriceX96ToTick(p.SqrtPriceX96)
	}
	return 0, false
}

// Normalizer converts a source-specific position record into a Position.
// ok is false when the record is unusable (closed, malformed).
type Normalizer interface {
	Normalize(known map[string]tokens.Info) (Position, bool)
}

// Tick decodes either a scalar tick or an object carrying tickIdx.
type Tick struct {
	Value int
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Tick) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	*t = Tick{}
	if raw == "null" || raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "{") {
		var obj struct {
			TickIdx json.RawMessage `json:"tickIdx"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		if len(obj.TickIdx) == 0 {
			return nil
		}
		return t.UnmarshalJSON(obj.TickIdx)
	}
	raw = strings.Trim(raw, `"`)
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return nil
	}
	*t = Tick{Value: int(v), Valid: true}
	return nil
}

type feedToken struct {
	ID       string      `json:"id"`
	Decimals feed.Number `json:"decimals"`
}

type feedPool struct {
	ID        string      `json:"id"`
	Tick      feed.Number `json:"tick"`
	SqrtPrice feed.Text   `json:"sqrtPrice"`
}

type feedTx struct {
	Timestamp feed.Number `json:"timestamp"`
}

// FeedPosition is a position as returned by the indexed LP-position feed.
type FeedPosition struct {
	ID          string    `json:"id"`
	Liquidity   feed.Text `json:"liquidity"`
	Token0      feedToken `json:"token0"`
	Token1      feedToken `json:"token1"`
	TickLower   Tick      `json:"tickLower"`
	TickUpper   Tick      `json:"tickUpper"`
	Pool        *feedPool `json:"pool"`
	Transaction *feedTx   `json:"transaction"`
}

// Normalize implements Normalizer.
func (f FeedPosition) Normalize(known map[string]tokens.Info) (Position, bool) {
	liquidity, ok := new(big.Int).SetString(string(f.Liquidity), 10)
	if !ok || liquidity.Sign() <= 0 {
		return Position{}, false
	}
	if !f.TickLower.Valid || !f.TickUpper.Valid {
		return Position{}, false
	}
	t0 := tokens.Normalize(f.Token0.ID)
	t1 := tokens.Normalize(f.Token1.ID)
	if t0 == "" || t1 == "" {
		return Position{}, false
	}

	pos := Position{
		ID:        f.ID,
		Token0:    t0,
		Token1:    t1,
		Decimals0: decimalsFor(t0, f.Token0.Decimals, known),
		Decimals1: decimalsFor(t1, f.Token1.Decimals, known),
		TickLower: f.TickLower.Value,
		TickUpper: f.TickUpper.Value,
		Liquidity: liquidity,
	}
	if f.Pool != nil {
		if sqrt, ok := new(big.Int).SetString(string(f.Pool.SqrtPrice), 10); ok && sqrt.Sign() > 0 {
			pos.SqrtPriceX96 = sqrt
		}
		if f.Pool.Tick.Valid {
			tick := f.Pool.Tick.Value
			pos.PoolTick = &tick
		}
	}
	if f.Transaction != nil && f.Transaction.Timestamp.Valid && f.Transaction.Timestamp.Value > 0 {
		pos.CreatedAt = f.Transaction.Timestamp.Int64()
	}
	return pos, true
}

func decimalsFor(addr string, fromFeed feed.Number, known map[string]tokens.Info) int {
	if fromFeed.Valid && fromFeed.Value >= 0 && fromFeed.Value <= 36 {
		return int(fromFeed.Value)
	}
	if info, ok := known[addr]; ok && info.Decimals > 0 {
		return info.Decimals
	}
	return defaultDecimals
}

// OnChain adapts a chain reader position to Normalizer.
type OnChain chain.ChainPosition

// Normalize implements Normalizer.
func (c OnChain) Normalize(map[string]tokens.Info) (Position, bool) {
	if c.Liquidity == nil || c.Liquidity.Sign() <= 0 {
		return Position{}, false
	}
	id := ""
	if c.TokenID != nil {
		id = c.TokenID.String()
	}
	tick := c.PoolTick
	return Position{
		ID:           id,
		Token0:       tokens.Normalize(c.Token0),
		Token1:       tokens.Normalize(c.Token1),
		Decimals0:    c.Decimals0,
		Decimals1:    c.Decimals1,
		TickLower:    c.TickLower,
		TickUpper:    c.TickUpper,
		Liquidity:    c.Liquidity,
		PoolTick:     &tick,
		SqrtPriceX96: c.SqrtPriceX96,
		Estimated:    c.Estimated,
	}, true
}

var (
	_ Normalizer = FeedPosition{}
	_ Normalizer = OnChain{}
)
