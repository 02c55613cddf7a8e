package scoring

import (
	"fmt"
	"math"
	"strings"
)

// Mode selects how effective volume becomes base points.
type Mode string

const (
	ModeVolume Mode = "volume"
	ModeFees   Mode = "fees"
)

// ParseMode accepts "volume" or "fees", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeVolume:
		return ModeVolume, nil
	case ModeFees:
		return ModeFees, nil
	}
	return "", fmt.Errorf("unknown scoring mode %q", s)
}

// Policy is the season's scoring configuration.
type Policy struct {
	Mode              Mode
	FeeRate           float64
	VolumeCapUSD      float64
	DiminishingFactor float64
	StablePairWeight  float64
	NativePairWeight  float64
}

// DefaultPolicy returns the standard scoring policy.
func DefaultPolicy() Policy {
	return Policy{
		Mode:              ModeVolume,
		FeeRate:           0.003,
		VolumeCapUSD:      250_000,
		DiminishingFactor: 0.25,
		StablePairWeight:  2,
		NativePairWeight:  3,
	}
}

// Input is one wallet's scoring input.
type Input struct {
	VolumeUSD       float64
	LpUSDStablePair float64
	LpUSDNativePair float64
	BoostEnabled    bool
}

// Breakdown is the points computed for one wallet.
type Breakdown struct {
	RawVolumeUSD       float64
	EffectiveVolumeUSD float64
	ScoringMode        Mode
	BasePoints         float64
	BonusPoints        float64
	Points             float64
}

// Compute turns volume and boosted LP value into points. It is pure.
func Compute(p Policy, in Input) Breakdown {
	volume := nonNegative(in.VolumeUSD)
	effective := EffectiveVolume(p, volume)

	mode := p.Mode
	if mode != ModeFees {
		mode = ModeVolume
	}
	base := effective
	if mode == ModeFees {
		base = effective * nonNegative(p.FeeRate)
	}

	var bonus float64
	if in.BoostEnabled {
		bonus = nonNegative(p.StablePairWeight)*nonNegative(in.LpUSDStablePair) +
			nonNegative(p.NativePairWeight)*nonNegative(in.LpUSDNativePair)
	}

	return Breakdown{
		RawVolumeUSD:       volume,
		EffectiveVolumeUSD: effective,
		ScoringMode:        mode,
		BasePoints:         base,
		BonusPoints:        bonus,
		Points:             base + bonus,
	}
}

// EffectiveVolume applies the diminishing-returns cap. A cap of zero or less
// disables it.
func EffectiveVolume(p Policy, volume float64) float64 {
	volume = nonNegative(volume)
	if p.VolumeCapUSD <= 0 || volume <= p.VolumeCapUSD {
		return volume
	}
	factor := p.DiminishingFactor
	if factor < 0 || math.IsNaN(factor) {
		factor = 0
	}
	if factor > 1 {
		factor = 1
	}
	return p.VolumeCapUSD + (volume-p.VolumeCapUSD)*factor
}

func nonNegative(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
