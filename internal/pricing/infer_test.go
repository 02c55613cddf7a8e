package pricing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInferFillsMissingSide(t *testing.T) {
	prices := map[string]float64{tokenB: 2}
	pools := []PoolQuote{{Token0: tokenA, Token1: tokenB, Tick: 0, Decimals0: 18, Decimals1: 18}}

	added := Infer(prices, pools, 0)
	assert.Equal(t, 1, added)
	assert.InDelta(t, 2.0, prices[tokenA], 1e-9)
}

func TestInferToken1FromToken0(t *testing.T) {
	tick := math.Log(4) / math.Log(1.0001) // token0 worth 4 token1
	prices := map[string]float64{tokenA: 8}
	Infer(prices, []PoolQuote{{Token0: tokenA, Token1: tokenB, Tick: tick, Decimals0: 6, Decimals1: 6}}, 1)
	assert.InEpsilon(t, 2.0, prices[tokenB], 1e-6)
}

func TestInferPropagatesAcrossChainedPools(t *testing.T) {
	prices := map[string]float64{tokenC: 1}
	pools := []PoolQuote{
		{Token0: tokenA, Token1: tokenB, Tick: 0, Decimals0: 18, Decimals1: 18},
		{Token0: tokenB, Token1: tokenC, Tick: 0, Decimals0: 18, Decimals1: 18},
	}

	added := Infer(prices, pools, 3)
	assert.Equal(t, 2, added)
	assert.InDelta(t, 1.0, prices[tokenA], 1e-9)
	assert.InDelta(t, 1.0, prices[tokenB], 1e-9)
}

func TestInferRespectsPassLimit(t *testing.T) {
	prices := map[string]float64{tokenC: 1}
	pools := []PoolQuote{
		{Token0: tokenA, Token1: tokenB, Tick: 0, Decimals0: 18, Decimals1: 18},
		{Token0: tokenB, Token1: tokenC, Tick: 0, Decimals0: 18, Decimals1: 18},
	}

	Infer(prices, pools, 1)
	_, ok := prices[tokenA]
	assert.False(t, ok, "second hop needs a second pass")
}

func TestInferRejectsCorruptRatios(t *testing.T) {
	prices := map[string]float64{tokenB: 1}
	// 10^(0-40) makes the ratio absurdly small
	Infer(prices, []PoolQuote{{Token0: tokenA, Token1: tokenB, Tick: 0, Decimals0: 0, Decimals1: 40}}, 3)
	_, ok := prices[tokenA]
	assert.False(t, ok)

	prices = map[string]float64{tokenB: 1e6}
	Infer(prices, []PoolQuote{{Token0: tokenA, Token1: tokenB, Tick: 200000, Decimals0: 18, Decimals1: 18}}, 3)
	_, ok = prices[tokenA]
	assert.False(t, ok, "inferred price above ceiling must be dropped")
}

func TestInferLeavesFullyPricedPoolsAlone(t *testing.T) {
	prices := map[string]float64{tokenA: 3, tokenB: 5}
	added := Infer(prices, []PoolQuote{{Token0: tokenA, Token1: tokenB, Tick: 100}}, 3)
	assert.Zero(t, added)
	assert.Equal(t, 3.0, prices[tokenA])
}
