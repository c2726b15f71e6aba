package oms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"deltatrader/pkg/book"
	"deltatrader/pkg/convert"
	"deltatrader/pkg/market"
)

func newPaper(t *testing.T) *PaperManager {
	t.Helper()
	conv := convert.NewConverter()
	require.NoError(t, conv.Register("BTCUSD", "1", "1"))
	require.NoError(t, conv.Register("ETHUSD", "1", "1"))
	return NewPaperManager(conv, nil, zap.NewNop().Sugar())
}

func feedBook(t *testing.T, pm *PaperManager, symbol string, seq int64, bids, asks []book.Level) {
	t.Helper()
	b := book.New(symbol)
	require.NoError(t, b.ApplySnapshot(seq, 0, bids, asks))
	pm.OnOrderBookUpdate(symbol, b)
}

func feedTopOfBook(t *testing.T, pm *PaperManager, bid, ask int64) {
	t.Helper()
	feedBook(t, pm, "BTCUSD", 1,
		[]book.Level{{Price: bid, Size: 10}},
		[]book.Level{{Price: ask, Size: 10}})
}

func TestMarketOrderFillsAtOppositeBest(t *testing.T) {
	pm := newPaper(t)
	feedTopOfBook(t, pm, 100, 101)

	buy, err := pm.Place(context.Background(), Request{
		Symbol: "BTCUSD", Side: market.Buy, Type: Market, Size: "3",
	})
	require.NoError(t, err)
	assert.Equal(t, Filled, buy.Status)
	assert.Equal(t, int64(101), buy.AvgFillPrice)
	assert.Equal(t, int64(3), buy.FilledSize)

	sell, err := pm.Place(context.Background(), Request{
		Symbol: "BTCUSD", Side: market.Sell, Type: Market, Size: "2",
	})
	require.NoError(t, err)
	assert.Equal(t, Filled, sell.Status)
	assert.Equal(t, int64(100), sell.AvgFillPrice)
}

func TestMarketOrderRejectedWithoutLiquidity(t *testing.T) {
	pm := newPaper(t)
	// No book seen yet.
	o, err := pm.Place(context.Background(), Request{
		Symbol: "BTCUSD", Side: market.Buy, Type: Market, Size: "1",
	})
	require.NoError(t, err, "rejection is a status, not an error")
	assert.Equal(t, Rejected, o.Status)
	assert.Equal(t, ErrNoLiquidity.Error(), o.Reason)

	// One-sided book: sells still rejected.
	feedBook(t, pm, "BTCUSD", 1, nil, []book.Level{{Price: 101, Size: 5}})
	o, err = pm.Place(context.Background(), Request{
		Symbol: "BTCUSD", Side: market.Sell, Type: Market, Size: "1",
	})
	require.NoError(t, err)
	assert.Equal(t, Rejected, o.Status)
}

func TestCrossingLimitFillsAtOwnPrice(t *testing.T) {
	pm := newPaper(t)
	feedTopOfBook(t, pm, 100, 101)

	// Buy limit at exactly the ask: marketable, fills fully at its own
	// limit price.
	o, err := pm.Place(context.Background(), Request{
		Symbol: "BTCUSD", Side: market.Buy, Type: Limit, Size: "2", Price: "101",
	})
	require.NoError(t, err)
	assert.Equal(t, Filled, o.Status)
	assert.Equal(t, int64(101), o.AvgFillPrice)
	assert.Equal(t, int64(2), o.FilledSize)

	// Above the ask it still fills at its own price, not the market's.
	o, err = pm.Place(context.Background(), Request{
		Symbol: "BTCUSD", Side: market.Buy, Type: Limit, Size: "1", Price: "103",
	})
	require.NoError(t, err)
	assert.Equal(t, Filled, o.Status)
	assert.Equal(t, int64(103), o.AvgFillPrice)
}

func TestRestingLimitFillsWhenBookCrosses(t *testing.T) {
	pm := newPaper(t)
	feedTopOfBook(t, pm, 100, 105)

	var fills []Order
	pm.SetFillHandler(func(o Order) { fills = append(fills, o) })

	o, err := pm.Place(context.Background(), Request{
		Symbol: "BTCUSD", Side: market.Buy, Type: Limit, Size: "1", Price: "102",
	})
	require.NoError(t, err)
	assert.Equal(t, Open, o.Status)
	assert.Empty(t, fills)

	// Ask falls to the limit price: the resting order executes.
	feedTopOfBook(t, pm, 100, 102)

	got, ok := pm.Get(o.ClientOrderID)
	require.True(t, ok)
	assert.Equal(t, Filled, got.Status)
	assert.Equal(t, int64(102), got.AvgFillPrice)
	require.Len(t, fills, 1)
	assert.Equal(t, o.ClientOrderID, fills[0].ClientOrderID)
}

func TestStopMarketTriggersOnTradePrice(t *testing.T) {
	pm := newPaper(t)
	feedTopOfBook(t, pm, 100, 101)

	o, err := pm.Place(context.Background(), Request{
		Symbol: "BTCUSD", Side: market.Buy, Type: StopMarket, Size: "1", StopPrice: "105",
	})
	require.NoError(t, err)
	assert.Equal(t, Open, o.Status)

	// Trade below the stop: nothing happens.
	pm.OnTrade("BTCUSD", book.Trade{Symbol: "BTCUSD", Price: 104, Size: 1})
	got, _ := pm.Get(o.ClientOrderID)
	assert.Equal(t, Open, got.Status)
	assert.False(t, got.Triggered)

	// Trade at the stop triggers and fills at the current ask.
	pm.OnTrade("BTCUSD", book.Trade{Symbol: "BTCUSD", Price: 105, Size: 1})
	got, _ = pm.Get(o.ClientOrderID)
	assert.Equal(t, Filled, got.Status)
	assert.Equal(t, int64(101), got.AvgFillPrice)
}

func TestSellStopTriggersAtOrBelowStop(t *testing.T) {
	pm := newPaper(t)
	feedTopOfBook(t, pm, 100, 101)

	o, err := pm.Place(context.Background(), Request{
		Symbol: "BTCUSD", Side: market.Sell, Type: StopMarket, Size: "1", StopPrice: "95",
	})
	require.NoError(t, err)

	pm.OnTrade("BTCUSD", book.Trade{Symbol: "BTCUSD", Price: 95, Size: 1})
	got, _ := pm.Get(o.ClientOrderID)
	assert.Equal(t, Filled, got.Status)
	assert.Equal(t, int64(100), got.AvgFillPrice)
}

func TestStopLimitTriggersThenRests(t *testing.T) {
	pm := newPaper(t)
	feedTopOfBook(t, pm, 100, 110)

	// Buy stop-limit: trigger at 105, but limit 102 is below the ask, so
	// it rests after triggering.
	o, err := pm.Place(context.Background(), Request{
		Symbol: "BTCUSD", Side: market.Buy, Type: StopLimit, Size: "1",
		Price: "102", StopPrice: "105",
	})
	require.NoError(t, err)

	pm.OnTrade("BTCUSD", book.Trade{Symbol: "BTCUSD", Price: 106, Size: 1})
	got, _ := pm.Get(o.ClientOrderID)
	assert.Equal(t, Open, got.Status)
	assert.True(t, got.Triggered)

	// Ask falls to the limit: now it executes at its own price.
	feedTopOfBook(t, pm, 100, 102)
	got, _ = pm.Get(o.ClientOrderID)
	assert.Equal(t, Filled, got.Status)
	assert.Equal(t, int64(102), got.AvgFillPrice)
}

func TestUntriggeredStopIgnoresBookUpdates(t *testing.T) {
	pm := newPaper(t)
	feedTopOfBook(t, pm, 100, 101)

	o, err := pm.Place(context.Background(), Request{
		Symbol: "BTCUSD", Side: market.Buy, Type: StopLimit, Size: "1",
		Price: "103", StopPrice: "105",
	})
	require.NoError(t, err)

	// The limit would cross, but the stop has not triggered.
	feedTopOfBook(t, pm, 100, 102)
	got, _ := pm.Get(o.ClientOrderID)
	assert.Equal(t, Open, got.Status)
	assert.False(t, got.Triggered)
}

func TestCancelSemantics(t *testing.T) {
	pm := newPaper(t)
	feedTopOfBook(t, pm, 100, 105)
	ctx := context.Background()

	o, err := pm.Place(ctx, Request{
		Symbol: "BTCUSD", Side: market.Buy, Type: Limit, Size: "1", Price: "101",
	})
	require.NoError(t, err)

	res, err := pm.Cancel(ctx, o.ClientOrderID)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, Cancelled, res.Status)

	// Cancelling again: no-op, not an error.
	res, err = pm.Cancel(ctx, o.ClientOrderID)
	require.NoError(t, err)
	assert.False(t, res.Cancelled)
	assert.Equal(t, Cancelled, res.Status)

	_, err = pm.Cancel(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestCancelAllFiltersBySymbol(t *testing.T) {
	pm := newPaper(t)
	feedTopOfBook(t, pm, 100, 105)
	ctx := context.Background()

	_, err := pm.Place(ctx, Request{Symbol: "BTCUSD", Side: market.Buy, Type: Limit, Size: "1", Price: "101"})
	require.NoError(t, err)
	_, err = pm.Place(ctx, Request{Symbol: "ETHUSD", Side: market.Buy, Type: Limit, Size: "1", Price: "50"})
	require.NoError(t, err)

	res, err := pm.CancelAll(ctx, "BTCUSD")
	require.NoError(t, err)
	assert.Len(t, res, 1)
	assert.Len(t, pm.Open(""), 1)

	res, err = pm.CancelAll(ctx, "")
	require.NoError(t, err)
	assert.Len(t, res, 1)
	assert.Empty(t, pm.Open(""))
}

func TestEditReprisesCrossCheck(t *testing.T) {
	pm := newPaper(t)
	feedTopOfBook(t, pm, 100, 105)
	ctx := context.Background()

	o, err := pm.Place(ctx, Request{
		Symbol: "BTCUSD", Side: market.Buy, Type: Limit, Size: "1", Price: "101",
	})
	require.NoError(t, err)

	// Raise the price across the ask: the edit fills immediately.
	got, err := pm.Edit(ctx, o.ClientOrderID, "2", "105")
	require.NoError(t, err)
	assert.Equal(t, Filled, got.Status)
	assert.Equal(t, int64(105), got.AvgFillPrice)
	assert.Equal(t, int64(2), got.FilledSize)

	_, err = pm.Edit(ctx, o.ClientOrderID, "3", "")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestDrainTerminalRemovesFinishedOrders(t *testing.T) {
	pm := newPaper(t)
	feedTopOfBook(t, pm, 100, 101)
	ctx := context.Background()

	filled, err := pm.Place(ctx, Request{Symbol: "BTCUSD", Side: market.Buy, Type: Market, Size: "1"})
	require.NoError(t, err)
	resting, err := pm.Place(ctx, Request{Symbol: "BTCUSD", Side: market.Buy, Type: Limit, Size: "1", Price: "90"})
	require.NoError(t, err)

	drained := pm.DrainTerminal()
	require.Len(t, drained, 1)
	assert.Equal(t, filled.ClientOrderID, drained[0].ClientOrderID)

	_, ok := pm.Get(filled.ClientOrderID)
	assert.False(t, ok)
	_, ok = pm.Get(resting.ClientOrderID)
	assert.True(t, ok)
}

func TestDeterministicReplay(t *testing.T) {
	run := func() []Order {
		pm := newPaper(t)
		ctx := context.Background()
		feedTopOfBook(t, pm, 100, 101)
		pm.Place(ctx, Request{Symbol: "BTCUSD", Side: market.Buy, Type: Limit, Size: "1", Price: "99", ClientOrderID: "a"})
		pm.Place(ctx, Request{Symbol: "BTCUSD", Side: market.Sell, Type: Limit, Size: "2", Price: "104", ClientOrderID: "b"})
		feedTopOfBook(t, pm, 99, 100)
		pm.OnTrade("BTCUSD", book.Trade{Symbol: "BTCUSD", Price: 99, Size: 1})
		feedTopOfBook(t, pm, 104, 105)

		var out []Order
		for _, id := range []string{"a", "b"} {
			o, ok := pm.Get(id)
			if ok {
				o.CreatedAt, o.UpdatedAt = 0, 0
				out = append(out, o)
			}
		}
		return out
	}
	assert.Equal(t, run(), run(), "same event sequence must produce identical outcomes")
}
