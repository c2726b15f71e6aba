// Package strategy holds reference strategies hosted by the engine.
package strategy

import (
	"context"

	"go.uber.org/zap"

	"deltatrader/pkg/book"
	"deltatrader/pkg/convert"
	"deltatrader/pkg/market"
	"deltatrader/pkg/oms"
)

// MarketMaker keeps a symmetric two-sided quote around the mid price,
// re-quoting once per tick when the mid has moved. It is a reference
// strategy, not a money maker: no inventory control, no skew.
type MarketMaker struct {
	log    *zap.SugaredLogger
	orders oms.Manager
	conv   *convert.Converter

	symbol      string
	spreadTicks int64 // half-spread, quote distance from mid
	size        string

	mid    int64
	hasMid bool

	bidID string
	askID string
}

func NewMarketMaker(symbol string, spreadTicks int64, size string, orders oms.Manager, conv *convert.Converter, log *zap.SugaredLogger) *MarketMaker {
	return &MarketMaker{
		log:         log,
		orders:      orders,
		conv:        conv,
		symbol:      symbol,
		spreadTicks: spreadTicks,
		size:        size,
	}
}

func (m *MarketMaker) Name() string      { return "market_maker:" + m.symbol }
func (m *MarketMaker) Symbols() []string { return []string{m.symbol} }

func (m *MarketMaker) OnStart() error {
	m.log.Infow("market_maker_start",
		"symbol", m.symbol, "spread_ticks", m.spreadTicks, "size", m.size)
	return nil
}

func (m *MarketMaker) OnOrderBookUpdate(symbol string, b *book.Book) {
	if mid, ok := b.MidPrice(); ok {
		m.mid = mid
		m.hasMid = true
	}
}

func (m *MarketMaker) OnTrade(symbol string, t book.Trade) {}

func (m *MarketMaker) OnFill(o oms.Order) {
	m.log.Infow("market_maker_fill",
		"id", o.ClientOrderID, "side", o.Side, "filled", o.FilledSize, "price", o.AvgFillPrice)
	switch o.ClientOrderID {
	case m.bidID:
		m.bidID = ""
	case m.askID:
		m.askID = ""
	}
}

// OnTick re-quotes both sides around the current mid. Existing quotes
// are cancelled first so at most one order per side is ever live.
func (m *MarketMaker) OnTick() {
	if !m.hasMid {
		return
	}
	bid := m.mid - m.spreadTicks
	ask := m.mid + m.spreadTicks
	if bid <= 0 {
		return
	}
	m.bidID = m.requote(m.bidID, market.Buy, bid)
	m.askID = m.requote(m.askID, market.Sell, ask)
}

// requote replaces one side's quote when its price has drifted from the
// target, returning the live order id for that side.
func (m *MarketMaker) requote(id string, side market.Side, priceTicks int64) string {
	ctx := context.Background()

	if id != "" {
		o, ok := m.orders.Get(id)
		if ok && !o.Status.Terminal() {
			if o.Price == priceTicks {
				return id
			}
			if _, err := m.orders.Cancel(ctx, id); err != nil {
				m.log.Warnw("market_maker_cancel_failed", "id", id, "err", err)
				return id
			}
		}
	}

	price, err := m.conv.PriceFromTicks(m.symbol, priceTicks)
	if err != nil {
		m.log.Errorw("market_maker_price_format_failed", "ticks", priceTicks, "err", err)
		return ""
	}
	o, err := m.orders.Place(ctx, oms.Request{
		Symbol: m.symbol,
		Side:   side,
		Type:   oms.Limit,
		Size:   m.size,
		Price:  price,
	})
	if err != nil {
		m.log.Errorw("market_maker_place_failed", "side", side, "price", price, "err", err)
		return ""
	}
	if o.Status.Terminal() {
		return ""
	}
	return o.ClientOrderID
}

func (m *MarketMaker) OnStop() {
	m.log.Infow("market_maker_stop", "symbol", m.symbol)
}
