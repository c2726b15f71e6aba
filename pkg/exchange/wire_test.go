package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deltatrader/pkg/market"
)

func TestDecodeBookSnapshot(t *testing.T) {
	raw := []byte(`{
		"type": "l2_updates",
		"action": "snapshot",
		"symbol": "BTCUSD",
		"sequence_no": 42,
		"timestamp": 1700000000000000,
		"buy": [{"limit_price": "100.5", "size": 3}],
		"sell": [{"limit_price": "101.0", "size": "2"}],
		"cs": 12345
	}`)

	msg, err := Decode(raw)
	require.NoError(t, err)
	s, ok := msg.(*BookSnapshot)
	require.True(t, ok)

	assert.Equal(t, "BTCUSD", s.Symbol)
	assert.Equal(t, int64(42), s.Seq)
	require.Len(t, s.Buy, 1)
	assert.Equal(t, "100.5", s.Buy[0].Price)
	assert.Equal(t, "3", s.Buy[0].Size.String())
	require.Len(t, s.Sell, 1)
	assert.Equal(t, "2", s.Sell[0].Size.String())
	assert.True(t, s.HasChecksum)
	assert.Equal(t, uint32(12345), s.Checksum)
}

func TestDecodeBookDelta(t *testing.T) {
	raw := []byte(`{
		"type": "l2_updates",
		"action": "update",
		"symbol": "BTCUSD",
		"sequence_no": 43,
		"buy": [{"limit_price": "100.5", "size": 0}],
		"sell": []
	}`)

	msg, err := Decode(raw)
	require.NoError(t, err)
	d, ok := msg.(*BookDelta)
	require.True(t, ok)
	assert.Equal(t, int64(43), d.Seq)
	assert.False(t, d.HasChecksum)
	assert.Equal(t, "0", d.Buy[0].Size.String())
}

func TestDecodeTrade(t *testing.T) {
	raw := []byte(`{
		"type": "all_trades",
		"symbol": "BTCUSD",
		"trade_id": 987,
		"price": "100.5",
		"size": 2,
		"buyer_role": "taker",
		"timestamp": 1700000000000000
	}`)

	msg, err := Decode(raw)
	require.NoError(t, err)
	tr, ok := msg.(*Trades)
	require.True(t, ok)
	require.Len(t, tr.Events, 1)
	assert.Equal(t, "987", tr.Events[0].ID)
	assert.Equal(t, market.Buy, tr.Events[0].Side)
	assert.Equal(t, "100.5", tr.Events[0].Price)
}

func TestDecodeTradeSnapshotBatch(t *testing.T) {
	raw := []byte(`{
		"type": "all_trades_snapshot",
		"symbol": "BTCUSD",
		"trades": [
			{"trade_id": 1, "price": "100", "size": 1, "buyer_role": "maker"},
			{"trade_id": 2, "price": "101", "size": 2, "buyer_role": "taker"}
		]
	}`)

	msg, err := Decode(raw)
	require.NoError(t, err)
	tr, ok := msg.(*Trades)
	require.True(t, ok)
	require.Len(t, tr.Events, 2)
	assert.Equal(t, market.Sell, tr.Events[0].Side)
	assert.Equal(t, market.Buy, tr.Events[1].Side)
}

func TestDecodeOrderUpdate(t *testing.T) {
	raw := []byte(`{
		"type": "orders",
		"symbol": "BTCUSD",
		"client_order_id": "abc123",
		"id": 555,
		"state": "open",
		"size": 10,
		"unfilled_size": 4,
		"average_fill_price": "100.5"
	}`)

	msg, err := Decode(raw)
	require.NoError(t, err)
	u, ok := msg.(*OrderUpdate)
	require.True(t, ok)
	assert.Equal(t, "abc123", u.ClientOrderID)
	assert.Equal(t, int64(555), u.ExchangeOrderID)
	assert.Equal(t, "open", u.State)
	assert.Equal(t, "10", u.Size.String())
	assert.Equal(t, "4", u.UnfilledSize.String())
}

func TestDecodeErrorFrame(t *testing.T) {
	msg, err := Decode([]byte(`{"type": "error", "message": "subscription failed"}`))
	require.NoError(t, err)
	fe, ok := msg.(*FeedError)
	require.True(t, ok)
	assert.Equal(t, "subscription failed", fe.Message)
}

func TestDecodeIgnoresUnknownFrames(t *testing.T) {
	for _, raw := range []string{
		`{"type": "heartbeat"}`,
		`{"type": "subscriptions", "channels": []}`,
	} {
		msg, err := Decode([]byte(raw))
		require.NoError(t, err, raw)
		assert.Nil(t, msg, raw)
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"type": "l2_updates", "action": "snapshot"}`))
	assert.Error(t, err) // missing symbol

	_, err = Decode([]byte(`{"type": "l2_updates", "action": "warp", "symbol": "X"}`))
	assert.Error(t, err) // unknown action
}
