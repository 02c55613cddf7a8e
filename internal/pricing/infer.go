package pricing

import (
	"math"

	"crx-points/internal/tickmath"
	"crx-points/internal/tokens"
)

const (
	// DefaultInferencePasses bounds price propagation across chained pools.
	DefaultInferencePasses = 3

	maxRatio         = 1e18
	minRatio         = 1e-18
	maxInferredPrice = 1e9
)

// PoolQuote is a pool whose current tick is known.
type PoolQuote struct {
	Token0    string
	Token1    string
	Tick      float64
	Decimals0 int
	Decimals1 int
}

// Infer fills prices missing on one side of a pool from the other side using
// the tick-implied ratio. It runs up to passes rounds and stops early once a
// round changes nothing. It returns the number of prices added.
func Infer(prices map[string]float64, pools []PoolQuote, passes int) int {
	if passes <= 0 {
		passes = DefaultInferencePasses
	}

	added := 0
	for pass := 0; pass < passes; pass++ {
		changed := 0
		for _, pool := range pools {
			t0 := tokens.Normalize(pool.Token0)
			t1 := tokens.Normalize(pool.Token1)
			if t0 == "" || t1 == "" {
				continue
			}
			p0, ok0 := prices[t0]
			p1, ok1 := prices[t1]
			ok0 = ok0 && usable(p0)
			ok1 = ok1 && usable(p1)
			if ok0 == ok1 {
				continue
			}

			ratio := tickmath.PriceRatio(pool.Tick, pool.Decimals0, pool.Decimals1)
			if !saneRatio(ratio) {
				continue
			}

			if ok1 {
				// one token0 is worth ratio token1
				if inferred := p1 * ratio; saneInferred(inferred) {
					prices[t0] = inferred
					changed++
				}
			} else {
				if inferred := p0 / ratio; saneInferred(inferred) {
					prices[t1] = inferred
					changed++
				}
			}
		}
		added += changed
		if changed == 0 {
			break
		}
	}
	return added
}

func saneRatio(r float64) bool {
	return !math.IsNaN(r) && !math.IsInf(r, 0) && r > minRatio && r < maxRatio
}

func saneInferred(p float64) bool {
	return usable(p) && p < maxInferredPrice
}
