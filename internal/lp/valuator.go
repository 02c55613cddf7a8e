package lp

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"crx-points/internal/chain"
	"crx-points/internal/feed"
	"crx-points/internal/metrics"
	"crx-points/internal/pricing"
	"crx-points/internal/tickmath"
	"crx-points/internal/tokens"
)

// Source names where a valuation's positions came from.
type Source string

const (
	SourceNone  Source = "none"
	SourceFeed  Source = "feed"
	SourceChain Source = "chain"
)

const feedPositionLimit = 100

var positionVariants = feed.VariantSet{
	Name: "lp-positions",
	Variants: []feed.Variant{
		{Name: "nested-ticks", Query: `query Positions($owner: String!, $first: Int!) {
  positions(where: {owner: $owner, liquidity_gt: 0}, first: $first) {
    id liquidity
    token0 { id decimals }
    token1 { id decimals }
    tickLower { tickIdx }
    tickUpper { tickIdx }
    pool { id tick sqrtPrice }
    transaction { timestamp }
  }
}`},
		{Name: "scalar-ticks", Query: `query Positions($owner: String!, $first: Int!) {
  positions(where: {owner: $owner, liquidity_gt: 0}, first: $first) {
    id liquidity
    token0 { id decimals }
    token1 { id decimals }
    tickLower tickUpper
    pool { id tick sqrtPrice }
  }
}`},
		{Name: "no-pool-price", Query: `query Positions($owner: String!, $first: Int!) {
  positions(where: {owner: $owner, liquidity_gt: 0}, first: $first) {
    id liquidity
    token0 { id decimals }
    token1 { id decimals }
    tickLower tickUpper
  }
}`},
	},
}

type positionsPayload struct {
	Positions []FeedPosition `json:"positions"`
}

// Weights are the LP bonus weights per boosted pair type.
type Weights struct {
	StablePair float64
	NativePair float64
}

// DefaultWeights returns the standard boosted-pair weights.
func DefaultWeights() Weights {
	return Weights{StablePair: 2, NativePair: 3}
}

// Request is one wallet valuation.
type Request struct {
	Endpoints  []string
	APIKey     string
	Wallet     string
	Prices     map[string]float64
	StartBlock uint64
}

// Result is a wallet's LP valuation.
type Result struct {
	LpUSD           float64
	LpUSDStablePair float64
	LpUSDNativePair float64
	HasBoostLp      bool
	LpAgeSeconds    *int64
	BaseMultiplier  float64
	MissingPrice    bool
	Source          Source
	Positions       int
}

// Computer values a wallet's liquidity positions.
type Computer interface {
	Compute(ctx context.Context, req Request) (Result, error)
}

// Valuator prices concentrated-liquidity positions from the feed, falling
// back to chain reads when the feed is stale or incomplete.
type Valuator struct {
	client  *feed.Client
	oracle  pricing.TokenPriceFetcher
	chain   chain.PositionFetcher
	tokens  *tokens.Registry
	weights Weights
	logger  zerolog.Logger
	now     func() time.Time
}

// NewValuator wires a valuator. chainReader may be nil to disable the chain
// fallback.
func NewValuator(client *feed.Client, oracle pricing.TokenPriceFetcher, chainReader chain.PositionFetcher, registry *tokens.Registry, weights Weights, logger zerolog.Logger) *Valuator {
	if weights.StablePair <= 0 && weights.NativePair <= 0 {
		weights = DefaultWeights()
	}
	return &Valuator{
		client:  client,
		oracle:  oracle,
		chain:   chainReader,
		tokens:  registry,
		weights: weights,
		logger:  logger.With().Str("component", "lp_valuator").Logger(),
		now:     time.Now,
	}
}

// BoostedPair reports whether a token pair earns an LP boost: the trade token
// paired with either the stable or the native token.
func BoostedPair(registry *tokens.Registry) func(token0, token1 string) bool {
	return func(token0, token1 string) bool {
		_, ok := classify(registry, token0, token1)
		return ok
	}
}

type pairKind int

const (
	pairStable pairKind = iota + 1
	pairNative
)

func classify(registry *tokens.Registry, token0, token1 string) (pairKind, bool) {
	var other string
	switch {
	case registry.Is(tokens.Trade, token0):
		other = token1
	case registry.Is(tokens.Trade, token1):
		other = token0
	default:
		return 0, false
	}
	switch {
	case registry.Is(tokens.Stable, other):
		return pairStable, true
	case registry.Is(tokens.Native, other):
		return pairNative, true
	}
	return 0, false
}

// Compute values the wallet's positions.
func (v *Valuator) Compute(ctx context.Context, req Request) (Result, error) {
	wallet := tokens.Normalize(req.Wallet)
	result := Result{BaseMultiplier: 1, Source: SourceNone}
	if wallet == "" {
		return result, nil
	}

	known := v.tokens.Known()
	positions, age, source := v.resolvePositions(ctx, req, wallet, known)
	result.Source = source
	result.LpAgeSeconds = age
	result.Positions = len(positions)
	metrics.LpValuations.WithLabelValues(string(source)).Inc()
	if len(positions) == 0 {
		return result, nil
	}

	prices := v.mergePrices(ctx, req, positions)

	for _, pos := range positions {
		usd, ok := valuePosition(pos, prices)
		if !ok {
			result.MissingPrice = true
			v.logger.Debug().Str("wallet", wallet).Str("position", pos.ID).Msg("position has no resolvable price")
			continue
		}
		result.LpUSD += usd
		if kind, boosted := classify(v.tokens, pos.Token0, pos.Token1); boosted {
			switch kind {
			case pairStable:
				result.LpUSDStablePair += usd
			case pairNative:
				result.LpUSDNativePair += usd
			}
		}
	}

	if result.LpUSDStablePair > 0 {
		result.HasBoostLp = true
		result.BaseMultiplier = math.Max(result.BaseMultiplier, v.weights.StablePair)
	}
	if result.LpUSDNativePair > 0 {
		result.HasBoostLp = true
		result.BaseMultiplier = math.Max(result.BaseMultiplier, v.weights.NativePair)
	}
	return result, nil
}

func (v *Valuator) resolvePositions(ctx context.Context, req Request, wallet string, known map[string]tokens.Info) ([]Position, *int64, Source) {
	feedPositions := v.fromFeed(ctx, req, wallet, known)
	if feedComplete(feedPositions) || v.chain == nil {
		if len(feedPositions) == 0 {
			return nil, nil, SourceNone
		}
		return feedPositions, v.ageFromFeed(feedPositions), SourceFeed
	}

	res, err := v.chain.FetchPositions(ctx, wallet, known, req.StartBlock)
	if err != nil {
		v.logger.Warn().Err(err).Str("wallet", wallet).Msg("chain position read failed")
	}
	chainPositions := normalizeAll(onChain(res.Positions), known)
	if len(chainPositions) > 0 {
		age := res.LpAgeSeconds
		if age == nil {
			age = v.ageFromFeed(feedPositions)
		}
		return chainPositions, age, SourceChain
	}
	if len(feedPositions) > 0 {
		return feedPositions, v.ageFromFeed(feedPositions), SourceFeed
	}
	return nil, res.LpAgeSeconds, SourceNone
}

func (v *Valuator) fromFeed(ctx context.Context, req Request, wallet string, known map[string]tokens.Info) []Position {
	vars := map[string]any{"owner": wallet, "first": feedPositionLimit}
	for _, endpoint := range req.Endpoints {
		payload, variant, err := feed.QueryVariants[positionsPayload](ctx, v.client, endpoint, req.APIKey, positionVariants, vars)
		if err != nil {
			v.logger.Debug().Err(err).Str("endpoint", endpoint).Msg("lp feed unavailable")
			continue
		}
		normalizers := make([]Normalizer, 0, len(payload.Positions))
		for _, p := range payload.Positions {
			normalizers = append(normalizers, p)
		}
		positions := normalizeAll(normalizers, known)
		if len(positions) > 0 {
			v.logger.Debug().Str("wallet", wallet).Str("variant", variant.Name).Int("positions", len(positions)).Msg("lp positions from feed")
			return positions
		}
	}
	return nil
}

// feedComplete is the completeness check for feed data: positions exist and
// each carries a creation time and pool price.
func feedComplete(positions []Position) bool {
	if len(positions) == 0 {
		return false
	}
	for _, p := range positions {
		if p.CreatedAt <= 0 || !p.HasPoolPrice() {
			return false
		}
	}
	return true
}

func (v *Valuator) ageFromFeed(positions []Position) *int64 {
	var oldest int64
	for _, p := range positions {
		if p.CreatedAt > 0 && (oldest == 0 || p.CreatedAt < oldest) {
			oldest = p.CreatedAt
		}
	}
	if oldest == 0 {
		return nil
	}
	age := v.now().Unix() - oldest
	if age < 0 {
		age = 0
	}
	return &age
}

// mergePrices layers the caller's prices, the stable-token safety net, an
// oracle top-up for the position tokens, and tick-inferred prices.
func (v *Valuator) mergePrices(ctx context.Context, req Request, positions []Position) map[string]float64 {
	prices := make(map[string]float64, len(req.Prices)+4)
	for addr, p := range req.Prices {
		if a := tokens.Normalize(addr); a != "" && p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p) {
			prices[a] = p
		}
	}
	if stable := v.tokens.Address(tokens.Stable); stable != "" {
		if _, ok := prices[stable]; !ok {
			prices[stable] = 1
		}
	}

	var missing []string
	seen := make(map[string]struct{})
	for _, p := range positions {
		for _, t := range []string{p.Token0, p.Token1} {
			if _, ok := prices[t]; ok {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 && v.oracle != nil && len(req.Endpoints) > 0 {
		fetched, err := v.oracle.FetchTokenPrices(ctx, req.Endpoints, req.APIKey, missing)
		if err != nil {
			v.logger.Debug().Err(err).Int("tokens", len(missing)).Msg("price top-up failed")
		}
		for addr, p := range fetched {
			if _, ok := prices[addr]; !ok {
				prices[addr] = p
			}
		}
	}

	quotes := make([]pricing.PoolQuote, 0, len(positions))
	for _, p := range positions {
		tick, ok := p.CurrentTick()
		if !ok {
			continue
		}
		quotes = append(quotes, pricing.PoolQuote{
			Token0: p.Token0, Token1: p.Token1, Tick: tick,
			Decimals0: p.Decimals0, Decimals1: p.Decimals1,
		})
	}
	pricing.Infer(prices, quotes, pricing.DefaultInferencePasses)
	return prices
}

// valuePosition returns the USD value of one position, or false when it
// cannot be priced.
func valuePosition(p Position, prices map[string]float64) (float64, bool) {
	sqrtP := p.CurrentSqrtPrice()
	sqrtLower := tickmath.TickToSqrtPriceX96(float64(p.TickLower))
	sqrtUpper := tickmath.TickToSqrtPriceX96(float64(p.TickUpper))
	if sqrtP == nil || sqrtLower == nil || sqrtUpper == nil {
		return 0, false
	}

	amount0, amount1 := tickmath.AmountsForLiquidity(sqrtP, sqrtLower, sqrtUpper, p.Liquidity)
	var usd float64
	if amount0.Sign() > 0 {
		price, ok := prices[p.Token0]
		if !ok {
			return 0, false
		}
		usd += tickmath.ToFloat(amount0, p.Decimals0) * price
	}
	if amount1.Sign() > 0 {
		price, ok := prices[p.Token1]
		if !ok {
			return 0, false
		}
		usd += tickmath.ToFloat(amount1, p.Decimals1) * price
	}
	if math.IsNaN(usd) || math.IsInf(usd, 0) {
		return 0, false
	}
	return usd, true
}

func onChain(positions []chain.ChainPosition) []Normalizer {
	out := make([]Normalizer, 0, len(positions))
	for _, p := range positions {
		out = append(out, OnChain(p))
	}
	return out
}

func normalizeAll(in []Normalizer, known map[string]tokens.Info) []Position {
	out := make([]Position, 0, len(in))
	for _, n := range in {
		if pos, ok := n.Normalize(known); ok {
			out = append(out, pos)
		}
	}
	return out
}

var _ Computer = (*Valuator)(nil)
