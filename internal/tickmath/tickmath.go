package tickmath

import (
	"math"
	"math/big"
)

// MaxTick is the largest tick a concentrated-liquidity pool accepts.
const MaxTick = 887272

var (
	// Q96 is 2^96, the fixed-point scale of sqrtPriceX96 values.
	Q96 = new(big.Int).Lsh(big.NewInt(1), 96)

	q96Float = new(big.Float).SetInt(Q96)
)

// TickToSqrtPriceX96 returns floor(sqrt(1.0001^tick) * 2^96), or nil when the
// tick is not finite or lies outside the pool tick range.
func TickToSqrtPriceX96(tick float64) *big.Int {
	if math.IsNaN(tick) || math.IsInf(tick, 0) {
		return nil
	}
	if math.Abs(tick) > MaxTick {
		return nil
	}

	// sqrt(1.0001^t) == 1.0001^(t/2)
	root := math.Pow(1.0001, tick/2)
	if math.IsNaN(root) || math.IsInf(root, 0) || root <= 0 {
		return nil
	}

	scaled := new(big.Float).SetPrec(256).SetFloat64(root)
	scaled.Mul(scaled, q96Float)
	out, _ := scaled.Int(nil)
	return out
}

// AmountsForLiquidity splits liquidity into token0/token1 raw amounts at the
// current pool price, using the pool's three-branch rule: below range is all
// token0, above range is all token1, in range is a blend.
func AmountsForLiquidity(sqrtPrice, sqrtLower, sqrtUpper, liquidity *big.Int) (*big.Int, *big.Int) {
	amount0 := new(big.Int)
	amount1 := new(big.Int)
	if sqrtPrice == nil || sqrtLower == nil || sqrtUpper == nil || liquidity == nil {
		return amount0, amount1
	}
	if liquidity.Sign() <= 0 {
		return amount0, amount1
	}

	a, b := sqrtLower, sqrtUpper
	if a.Cmp(b) > 0 {
		a, b = b, a
	}
	if a.Sign() <= 0 {
		return amount0, amount1
	}

	switch {
	case sqrtPrice.Cmp(a) <= 0:
		amount0 = amount0ForLiquidity(a, b, liquidity)
	case sqrtPrice.Cmp(b) < 0:
		amount0 = amount0ForLiquidity(sqrtPrice, b, liquidity)
		amount1 = amount1ForLiquidity(a, sqrtPrice, liquidity)
	default:
		amount1 = amount1ForLiquidity(a, b, liquidity)
	}
	return amount0, amount1
}

// amount0 = L * 2^96 * (sqrtB - sqrtA) / sqrtB / sqrtA
func amount0ForLiquidity(sqrtA, sqrtB, liquidity *big.Int) *big.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	num := new(big.Int).Lsh(liquidity, 96)
	num.Mul(num, new(big.Int).Sub(sqrtB, sqrtA))
	num.Quo(num, sqrtB)
	return num.Quo(num, sqrtA)
}

// amount1 = L * (sqrtB - sqrtA) / 2^96
func amount1ForLiquidity(sqrtA, sqrtB, liquidity *big.Int) *big.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	out := new(big.Int).Mul(liquidity, new(big.Int).Sub(sqrtB, sqrtA))
	return out.Quo(out, Q96)
}

// PriceRatio is the price of one whole token0 expressed in whole token1 at the
// given tick: 1.0001^tick * 10^(decimals0-decimals1).
func PriceRatio(tick float64, decimals0, decimals1 int) float64 {
	return math.Pow(1.0001, tick) * math.Pow10(decimals0-decimals1)
}

// SqrtPriceX96ToTick approximates the tick for a sqrtPriceX96 value.
func SqrtPriceX96ToTick(sqrtPrice *big.Int) (float64, bool) {
	if sqrtPrice == nil || sqrtPrice.Sign() <= 0 {
		return 0, false
	}
	ratio, _ := new(big.Float).Quo(new(big.Float).SetInt(sqrtPrice), q96Float).Float64()
	if ratio <= 0 || math.IsInf(ratio, 0) {
		return 0, false
	}
	return math.Floor(2 * math.Log(ratio) / math.Log(1.0001)), true
}

// ToFloat scales a raw token amount by its decimals.
func ToFloat(amount *big.Int, decimals int) float64 {
	if amount == nil {
		return 0
	}
	f := new(big.Float).SetInt(amount)
	if decimals > 0 {
		f.Quo(f, new(big.Float).SetFloat64(math.Pow10(decimals)))
	}
	out, _ := f.Float64()
	return out
}
