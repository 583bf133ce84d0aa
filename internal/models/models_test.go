package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitializeCapEntryTier(t *testing.T) {
	intent := DepositIntent{Tier: 1, Amount: 10}
	intent.InitializeCap(5)
	assert.Equal(t, 50.0, intent.CapAmount, "a 10 unit entry deposit caps at 50")
}

func TestInitializeCapDefaultMultiplier(t *testing.T) {
	intent := DepositIntent{Tier: 1, Amount: 10}
	intent.InitializeCap(0)
	assert.Equal(t, 50.0, intent.CapAmount)
}

func TestInitializeCapHigherTier(t *testing.T) {
	intent := DepositIntent{Tier: 2, Amount: 50}
	intent.InitializeCap(5)
	assert.Equal(t, 0.0, intent.CapAmount, "only the entry tier is capped")
}

func TestRemainingCap(t *testing.T) {
	intent := DepositIntent{Tier: 1, Amount: 10}
	intent.InitializeCap(5)
	assert.Equal(t, 50.0, intent.RemainingCap())

	intent.CapPaid = 30
	assert.Equal(t, 20.0, intent.RemainingCap())

	intent.CapPaid = 60
	assert.Equal(t, 0.0, intent.RemainingCap(), "overpayment never reports negative headroom")
}

func TestIsEntryTier(t *testing.T) {
	assert.True(t, (&DepositIntent{Tier: 1}).IsEntryTier())
	assert.False(t, (&DepositIntent{Tier: 3}).IsEntryTier())
}
