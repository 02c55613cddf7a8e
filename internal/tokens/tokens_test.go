package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryFallsBackToCanonical(t *testing.T) {
	r := NewRegistry(Info{Address: "not-an-address"}, Info{Address: ""}, Info{Address: "0x4200000000000000000000000000000000000006", Decimals: 18})

	assert.Equal(t, canonical[Trade][0], r.Address(Trade))
	assert.Equal(t, canonical[Stable][0], r.Address(Stable))
	assert.Equal(t, 18, r.Info(Native).Decimals)
}

func TestRegistryIsMatchesConfiguredAndCanonical(t *testing.T) {
	custom := "0x1111111111111111111111111111111111111111"
	r := NewRegistry(Info{Address: custom}, Info{}, Info{})

	assert.True(t, r.Is(Trade, "0x1111111111111111111111111111111111111111"))
	assert.True(t, r.Is(Trade, " 0X1111111111111111111111111111111111111111"))
	assert.True(t, r.Is(Trade, canonical[Trade][0]), "canonical address stays recognized")
	assert.False(t, r.Is(Stable, custom))
	assert.False(t, r.Is(Trade, ""))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd", Normalize(" 0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD "))
	assert.Equal(t, "", Normalize("0x123"))
}
