package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSide(t *testing.T) {
	assert.Equal(t, Sell, Buy.Opposite())
	assert.Equal(t, Buy, Sell.Opposite())
	assert.True(t, Buy.Valid())
	assert.False(t, Side("hold").Valid())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	p := &Product{ID: 27, Symbol: "BTCUSD", TickSize: "0.5", LotSize: "1"}
	require.NoError(t, r.Register(p))

	got, err := r.Get("BTCUSD")
	require.NoError(t, err)
	assert.Equal(t, p, got)

	assert.True(t, r.Exists("BTCUSD"))
	assert.Equal(t, 1, r.Count())
	assert.Len(t, r.List(), 1)

	_, err = r.Get("ETHUSD")
	assert.ErrorIs(t, err, ErrUnknownProduct)
}

func TestRegistryRejectsDuplicatesAndInvalid(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Product{Symbol: "BTCUSD"}))
	assert.Error(t, r.Register(&Product{Symbol: "BTCUSD"}), "products are immutable")
	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(&Product{}))
}
