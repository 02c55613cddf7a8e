package tickmath

import (
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickToSqrtPriceX96AtZero(t *testing.T) {
	got := TickToSqrtPriceX96(0)
	require.NotNil(t, got)
	assert.Equal(t, 0, got.Cmp(Q96), "tick 0 must map to exactly 2^96, got %s", got)
}

func TestTickToSqrtPriceX96RejectsNonFinite(t *testing.T) {
	assert.Nil(t, TickToSqrtPriceX96(math.NaN()))
	assert.Nil(t, TickToSqrtPriceX96(math.Inf(1)))
	assert.Nil(t, TickToSqrtPriceX96(math.Inf(-1)))
	assert.Nil(t, TickToSqrtPriceX96(MaxTick+1))
}

func TestTickToSqrtPriceX96Monotonic(t *testing.T) {
	ticks := []float64{-887000, -200000, -60, -1, 0, 1, 60, 10000, 200000, 887000}
	var prev *big.Int
	for _, tick := range ticks {
		cur := TickToSqrtPriceX96(tick)
		require.NotNil(t, cur, "tick %v", tick)
		if prev != nil {
			assert.Equal(t, 1, cur.Cmp(prev), "sqrt price must increase at tick %v", tick)
		}
		prev = cur
	}
}

func TestAmountsForLiquidityBranches(t *testing.T) {
	lower := TickToSqrtPriceX96(-600)
	upper := TickToSqrtPriceX96(600)
	liquidity := big.NewInt(1_000_000_000_000_000_000)

	tests := []struct {
		name      string
		tick      float64
		want0Zero bool
		want1Zero bool
	}{
		{name: "below range", tick: -1200, want0Zero: false, want1Zero: true},
		{name: "at lower bound", tick: -600, want0Zero: false, want1Zero: true},
		{name: "in range", tick: 0, want0Zero: false, want1Zero: false},
		{name: "at upper bound", tick: 600, want0Zero: true, want1Zero: false},
		{name: "above range", tick: 1200, want0Zero: true, want1Zero: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a0, a1 := AmountsForLiquidity(TickToSqrtPriceX96(tt.tick), lower, upper, liquidity)
			assert.Equal(t, tt.want0Zero, a0.Sign() == 0, "amount0=%s", a0)
			assert.Equal(t, tt.want1Zero, a1.Sign() == 0, "amount1=%s", a1)
			assert.GreaterOrEqual(t, a0.Sign(), 0)
			assert.GreaterOrEqual(t, a1.Sign(), 0)
		})
	}
}

func TestAmountsForLiquiditySymmetricRangeAtParity(t *testing.T) {
	lower := TickToSqrtPriceX96(-600)
	upper := TickToSqrtPriceX96(600)
	liquidity := big.NewInt(1_000_000_000_000_000_000)

	a0, a1 := AmountsForLiquidity(Q96, lower, upper, liquidity)

	f0, _ := new(big.Float).SetInt(a0).Float64()
	f1, _ := new(big.Float).SetInt(a1).Float64()
	// At price 1 a symmetric range holds near-equal amounts of both sides.
	assert.InEpsilon(t, f0, f1, 1e-3)

	// Reversed bounds are accepted.
	r0, r1 := AmountsForLiquidity(Q96, upper, lower, liquidity)
	assert.Equal(t, 0, r0.Cmp(a0))
	assert.Equal(t, 0, r1.Cmp(a1))
}

func TestAmountsForLiquidityExactBelowRange(t *testing.T) {
	// amount0 = L * 2^96 * (b - a) / b / a with a = 2^96, b = 2 * 2^96 => L / 2
	a := new(big.Int).Set(Q96)
	b := new(big.Int).Lsh(Q96, 1)
	liquidity := big.NewInt(1000)

	a0, a1 := AmountsForLiquidity(new(big.Int).Rsh(Q96, 1), a, b, liquidity)
	assert.Equal(t, int64(500), a0.Int64())
	assert.Equal(t, int64(0), a1.Int64())

	// amount1 = L * (b - a) / 2^96 => L
	a0, a1 = AmountsForLiquidity(new(big.Int).Lsh(Q96, 2), a, b, liquidity)
	assert.Equal(t, int64(0), a0.Int64())
	assert.Equal(t, int64(1000), a1.Int64())
}

func TestAmountsForLiquidityZeroLiquidity(t *testing.T) {
	a0, a1 := AmountsForLiquidity(Q96, TickToSqrtPriceX96(-10), TickToSqrtPriceX96(10), big.NewInt(0))
	assert.Zero(t, a0.Sign())
	assert.Zero(t, a1.Sign())

	a0, a1 = AmountsForLiquidity(nil, nil, nil, nil)
	assert.Zero(t, a0.Sign())
	assert.Zero(t, a1.Sign())
}

func TestPriceRatio(t *testing.T) {
	assert.InDelta(t, 1.0, PriceRatio(0, 18, 18), 1e-12)
	assert.InDelta(t, 1e12, PriceRatio(0, 18, 6), 1)
	assert.InEpsilon(t, math.Pow(1.0001, 100), PriceRatio(100, 6, 6), 1e-12)
}

func TestSqrtPriceX96ToTickRoundTrip(t *testing.T) {
	for _, tick := range []float64{-50000, -7, 0, 13, 76012} {
		got, ok := SqrtPriceX96ToTick(TickToSqrtPriceX96(tick))
		require.True(t, ok)
		assert.InDelta(t, tick, got, 1, "tick %v", tick)
	}
	_, ok := SqrtPriceX96ToTick(big.NewInt(0))
	assert.False(t, ok)
}

func TestToFloat(t *testing.T) {
	assert.InDelta(t, 1.5, ToFloat(big.NewInt(1_500_000), 6), 1e-12)
	assert.Zero(t, ToFloat(nil, 18))
}
