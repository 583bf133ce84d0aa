package deposit

import (
	"testing"

	"custody-backend/internal/config"

	"github.com/stretchr/testify/assert"
)

func testProcessor() *Processor {
	return &Processor{
		cfg: &config.DepositConfig{
			TierAmounts: map[int]float64{
				1: 10,
				2: 50,
				3: 250,
			},
		},
	}
}

func TestMatchTierExact(t *testing.T) {
	p := testProcessor()

	tier, matched, deviation := p.matchTier(10)
	assert.True(t, matched)
	assert.Equal(t, 1, tier)
	assert.Zero(t, deviation)
}

func TestMatchTierWithinTolerance(t *testing.T) {
	p := testProcessor()

	// token decimals round-tripping shaves dust off the nominal amount
	tier, matched, deviation := p.matchTier(49.995)
	assert.True(t, matched)
	assert.Equal(t, 2, tier)
	assert.InDelta(t, 0.005, deviation, 1e-9)
}

func TestMatchTierToleranceBoundary(t *testing.T) {
	p := testProcessor()

	// exactly on the boundary still matches
	tier, matched, deviation := p.matchTier(10.01)
	assert.True(t, matched)
	assert.Equal(t, 1, tier)
	assert.InDelta(t, 0.01, deviation, 1e-9)

	// one cent further does not
	_, matched, _ = p.matchTier(10.011)
	assert.False(t, matched)
}

func TestMatchTierDeviationMagnitude(t *testing.T) {
	p := testProcessor()

	// inside the audit band
	_, matched, deviation := p.matchTier(10.004)
	assert.True(t, matched)
	assert.InDelta(t, 0.004, deviation, 1e-9)
	assert.LessOrEqual(t, deviation, auditBand)

	// past the audit band but within tolerance
	_, matched, deviation = p.matchTier(10.007)
	assert.True(t, matched)
	assert.Greater(t, deviation, auditBand)
	assert.LessOrEqual(t, deviation, amountTolerance)
}

func TestMatchTierNoMatch(t *testing.T) {
	p := testProcessor()

	_, matched, _ := p.matchTier(30)
	assert.False(t, matched)

	_, matched, _ = p.matchTier(0)
	assert.False(t, matched)
}

func TestMatchTierPicksClosest(t *testing.T) {
	p := &Processor{cfg: &config.DepositConfig{
		TierAmounts: map[int]float64{1: 10, 2: 10.015},
	}}

	tier, matched, deviation := p.matchTier(10.012)
	assert.True(t, matched)
	assert.Equal(t, 2, tier, "both tiers within tolerance, the closer one wins")
	assert.InDelta(t, 0.003, deviation, 1e-9)
}
