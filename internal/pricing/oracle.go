package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"crx-points/internal/feed"
	"crx-points/internal/tokens"
)

var priceVariants = feed.VariantSet{
	Name: "token-prices",
	Variants: []feed.Variant{
		{Name: "eth-usd", Query: `query Prices($ids: [String!]) {
  tokens(where: {id_in: $ids}) { id derivedETH }
  bundles(first: 1) { ethPriceUSD }
}`},
		{Name: "eth-price", Query: `query Prices($ids: [String!]) {
  tokens(where: {id_in: $ids}) { id derivedETH }
  bundles(first: 1) { ethPrice }
}`},
		{Name: "native-usd", Query: `query Prices($ids: [String!]) {
  tokens(where: {id_in: $ids}) { id derivedNative }
  bundles(first: 1) { nativePriceUSD }
}`},
	},
}

type pricePayload struct {
	Tokens []struct {
		ID            string      `json:"id"`
		DerivedETH    feed.Number `json:"derivedETH"`
		DerivedNative feed.Number `json:"derivedNative"`
	} `json:"tokens"`
	Bundles []struct {
		EthPriceUSD    feed.Number `json:"ethPriceUSD"`
		EthPrice       feed.Number `json:"ethPrice"`
		NativePriceUSD feed.Number `json:"nativePriceUSD"`
	} `json:"bundles"`
}

// TokenPriceFetcher resolves USD prices for token addresses.
type TokenPriceFetcher interface {
	FetchTokenPrices(ctx context.Context, endpoints []string, apiKey string, addrs []string) (map[string]float64, error)
}

// Oracle prices tokens from indexed feeds: derived-ETH per token times the
// global ETH/USD bundle price.
type Oracle struct {
	client *feed.Client
	logger zerolog.Logger
}

// NewOracle constructs a price oracle over the feed client.
func NewOracle(client *feed.Client, logger zerolog.Logger) *Oracle {
	return &Oracle{client: client, logger: logger.With().Str("component", "price_oracle").Logger()}
}

// FetchTokenPrices queries every endpoint in order and keeps the result that
// prices the most addresses; the first endpoint wins ties. It fails only when
// every endpoint failed.
func (o *Oracle) FetchTokenPrices(ctx context.Context, endpoints []string, apiKey string, addrs []string) (map[string]float64, error) {
	ids := normalizeAll(addrs)
	if len(ids) == 0 {
		return map[string]float64{}, nil
	}
	if len(endpoints) == 0 {
		return nil, errors.New("no price feed endpoints configured")
	}

	var (
		best      map[string]float64
		succeeded bool
		errs      []error
	)
	for _, endpoint := range endpoints {
		prices, err := o.fetchFrom(ctx, endpoint, apiKey, ids)
		if err != nil {
			o.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("price endpoint failed")
			errs = append(errs, err)
			continue
		}
		succeeded = true
		if best == nil || len(prices) > len(best) {
			best = prices
		}
		if len(best) == len(ids) {
			break
		}
	}

	if !succeeded {
		return nil, fmt.Errorf("all price endpoints failed: %w", errors.Join(errs...))
	}
	return best, nil
}

func (o *Oracle) fetchFrom(ctx context.Context, endpoint, apiKey string, ids []string) (map[string]float64, error) {
	payload, _, err := feed.QueryVariants[pricePayload](ctx, o.client, endpoint, apiKey, priceVariants, map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}

	prices := make(map[string]float64, len(ids))
	if len(payload.Bundles) == 0 {
		return prices, nil
	}
	bundle := payload.Bundles[0]
	ethUSD := firstValid(bundle.EthPriceUSD, bundle.EthPrice, bundle.NativePriceUSD)
	if !usable(ethUSD) {
		return prices, nil
	}

	for _, tok := range payload.Tokens {
		derived := firstValid(tok.DerivedETH, tok.DerivedNative)
		price := derived * ethUSD
		if !usable(price) {
			continue
		}
		addr := tokens.Normalize(tok.ID)
		if addr == "" {
			continue
		}
		prices[addr] = price
	}
	return prices, nil
}

func firstValid(nums ...feed.Number) float64 {
	for _, n := range nums {
		if n.Valid {
			return n.Value
		}
	}
	return 0
}

func usable(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func normalizeAll(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		n := tokens.Normalize(a)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, strings.ToLower(n))
	}
	return out
}

var _ TokenPriceFetcher = (*Oracle)(nil)
