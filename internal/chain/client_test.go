package chain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToUnits(t *testing.T) {
	raw, _ := new(big.Int).SetString("10000000000000000000", 10) // 10 * 1e18
	assert.InDelta(t, 10.0, ToUnits(raw, 18), 1e-9)

	assert.InDelta(t, 0.5, ToUnits(big.NewInt(500000), 6), 1e-9)
	assert.Equal(t, 0.0, ToUnits(nil, 18))
}

func TestFromUnits(t *testing.T) {
	raw := FromUnits(10, 18)
	expected, _ := new(big.Int).SetString("10000000000000000000", 10)
	assert.Equal(t, 0, raw.Cmp(expected))

	assert.Equal(t, int64(500000), FromUnits(0.5, 6).Int64())
}

func TestUnitsRoundTrip(t *testing.T) {
	for _, amount := range []float64{10, 50, 250, 1000, 0.01} {
		raw := FromUnits(amount, 18)
		assert.InDelta(t, amount, ToUnits(raw, 18), 1e-6, "amount %v survives the round trip", amount)
	}
}

func TestSignerAddressRejectsGarbage(t *testing.T) {
	_, err := SignerAddress("not-a-key")
	assert.Error(t, err)
}

func TestSignerAddressAcceptsPrefixedKey(t *testing.T) {
	// well-known anvil test key
	key := "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	addr, err := SignerAddress(key)
	assert.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", addr.Hex())

	// same key without the prefix resolves identically
	addr2, err := SignerAddress(key[2:])
	assert.NoError(t, err)
	assert.Equal(t, addr, addr2)
}
