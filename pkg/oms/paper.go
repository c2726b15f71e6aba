package oms

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"deltatrader/pkg/book"
	"deltatrader/pkg/convert"
	"deltatrader/pkg/market"
	"deltatrader/pkg/util"
)

// topOfBook is the last observed best bid/ask for a symbol.
type topOfBook struct {
	bid    int64
	ask    int64
	hasBid bool
	hasAsk bool
}

// PaperManager simulates execution against the synchronized book,
// entirely in-process. Matching is top-of-book only and deterministic:
// market orders fill fully at the opposite best, limit orders that
// cross fill fully at their own limit price, resting orders are
// re-evaluated on every book update, stop orders trigger on the last
// trade price. Partial fills against depth are deliberately not
// modeled.
type PaperManager struct {
	log   *zap.SugaredLogger
	conv  *convert.Converter
	clock util.Clock

	table
	tops        map[string]topOfBook
	lastPrice   map[string]int64
	fillHandler FillHandler
}

func NewPaperManager(conv *convert.Converter, clock util.Clock, log *zap.SugaredLogger) *PaperManager {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &PaperManager{
		log:       log,
		conv:      conv,
		clock:     clock,
		table:     newTable(),
		tops:      make(map[string]topOfBook),
		lastPrice: make(map[string]int64),
	}
}

func (pm *PaperManager) SetFillHandler(h FillHandler) { pm.fillHandler = h }

// Place resolves the order synchronously: the simulator has no network,
// so Pending resolves before Place returns.
func (pm *PaperManager) Place(ctx context.Context, req Request) (Order, error) {
	now := pm.clock.Now().UnixMicro()
	o, err := buildOrder(pm.conv, req, now)
	if err != nil {
		return Order{}, err
	}

	pm.mu.Lock()
	_ = o.transition(Pending, now)
	pm.resolve(o, now)
	pm.insert(o)
	snap := *o
	pm.mu.Unlock()

	pm.log.Infow("paper_order_placed",
		"id", snap.ClientOrderID, "symbol", snap.Symbol, "side", snap.Side,
		"type", snap.Type, "size", snap.Size, "price", snap.Price, "status", snap.Status)

	if snap.Status == Filled {
		pm.emitFill(snap)
	}
	return snap, nil
}

// resolve runs placement-time matching. Caller holds the lock.
func (pm *PaperManager) resolve(o *Order, now int64) {
	top := pm.tops[o.Symbol]
	switch o.Type {
	case Market:
		price, ok := oppositeBest(o.Side, top)
		if !ok {
			o.Reason = ErrNoLiquidity.Error()
			_ = o.transition(Rejected, now)
			return
		}
		_ = o.transition(Open, now)
		pm.fillFull(o, price, now)

	case Limit:
		_ = o.transition(Open, now)
		if limitCrosses(o.Side, o.Price, top) {
			// Deterministic: fills at its own limit, not the market's.
			pm.fillFull(o, o.Price, now)
		}

	case StopMarket, StopLimit:
		// Held untriggered until the last trade crosses the stop.
		_ = o.transition(Open, now)
	}
}

// oppositeBest returns the price a marketable order of the given side
// would execute at.
func oppositeBest(side market.Side, top topOfBook) (int64, bool) {
	if side == market.Buy {
		return top.ask, top.hasAsk
	}
	return top.bid, top.hasBid
}

// limitCrosses reports whether a limit order at price is immediately
// marketable against the opposite best.
func limitCrosses(side market.Side, price int64, top topOfBook) bool {
	if side == market.Buy {
		return top.hasAsk && price >= top.ask
	}
	return top.hasBid && price <= top.bid
}

// fillFull executes the whole remaining size at price. Caller holds the
// lock; the fill callback is deferred to the caller via order status.
func (pm *PaperManager) fillFull(o *Order, price int64, now int64) {
	o.FilledSize = o.Size
	o.AvgFillPrice = price
	_ = o.transition(Filled, now)
}

// OnOrderBookUpdate records the new top and re-evaluates resting
// orders for the symbol, in placement order.
func (pm *PaperManager) OnOrderBookUpdate(symbol string, b *book.Book) {
	var top topOfBook
	if l, ok := b.BestBid(); ok {
		top.bid, top.hasBid = l.Price, true
	}
	if l, ok := b.BestAsk(); ok {
		top.ask, top.hasAsk = l.Price, true
	}

	now := pm.clock.Now().UnixMicro()
	var fills []Order

	pm.mu.Lock()
	pm.tops[symbol] = top
	pm.each(func(o *Order) {
		if o.Symbol != symbol || o.Status.Terminal() {
			return
		}
		switch {
		case o.Type == Limit, o.Type == StopLimit && o.Triggered:
			if limitCrosses(o.Side, o.Price, top) {
				pm.fillFull(o, o.Price, now)
				fills = append(fills, *o)
			}
		case o.Type == StopMarket && o.Triggered:
			if price, ok := oppositeBest(o.Side, top); ok {
				pm.fillFull(o, price, now)
				fills = append(fills, *o)
			}
		}
	})
	pm.mu.Unlock()

	for _, f := range fills {
		pm.emitFill(f)
	}
}

// OnTrade triggers held stop orders once the last trade price crosses
// the stop price, then matches them under the normal rules.
func (pm *PaperManager) OnTrade(symbol string, t book.Trade) {
	now := pm.clock.Now().UnixMicro()
	var fills []Order

	pm.mu.Lock()
	pm.lastPrice[symbol] = t.Price
	top := pm.tops[symbol]
	pm.each(func(o *Order) {
		if o.Symbol != symbol || o.Status.Terminal() || !o.Type.isStop() || o.Triggered {
			return
		}
		if !stopCrossed(o.Side, o.StopPrice, t.Price) {
			return
		}
		o.Triggered = true
		o.UpdatedAt = now
		pm.log.Infow("paper_stop_triggered",
			"id", o.ClientOrderID, "symbol", symbol, "stop_price", o.StopPrice, "trade_price", t.Price)

		switch o.Type {
		case StopMarket:
			if price, ok := oppositeBest(o.Side, top); ok {
				pm.fillFull(o, price, now)
				fills = append(fills, *o)
			}
			// No liquidity yet: stays open, matched on a later update.
		case StopLimit:
			if limitCrosses(o.Side, o.Price, top) {
				pm.fillFull(o, o.Price, now)
				fills = append(fills, *o)
			}
		}
	})
	pm.mu.Unlock()

	for _, f := range fills {
		pm.emitFill(f)
	}
}

// stopCrossed: buy stops trigger at or above the stop, sell stops at or
// below.
func stopCrossed(side market.Side, stop, lastPrice int64) bool {
	if side == market.Buy {
		return lastPrice >= stop
	}
	return lastPrice <= stop
}

func (pm *PaperManager) Cancel(ctx context.Context, clientOrderID string) (CancelResult, error) {
	now := pm.clock.Now().UnixMicro()

	pm.mu.Lock()
	defer pm.mu.Unlock()

	o, ok := pm.orders[clientOrderID]
	if !ok {
		return CancelResult{ClientOrderID: clientOrderID}, fmt.Errorf("%w: %s", ErrUnknownOrder, clientOrderID)
	}
	if o.Status.Terminal() {
		return CancelResult{ClientOrderID: clientOrderID, Cancelled: false, Status: o.Status}, nil
	}
	_ = o.transition(Cancelled, now)
	pm.log.Infow("paper_order_cancelled", "id", clientOrderID)
	return CancelResult{ClientOrderID: clientOrderID, Cancelled: true, Status: o.Status}, nil
}

func (pm *PaperManager) CancelAll(ctx context.Context, symbol string) ([]CancelResult, error) {
	now := pm.clock.Now().UnixMicro()
	var out []CancelResult

	pm.mu.Lock()
	pm.each(func(o *Order) {
		if symbol != "" && o.Symbol != symbol {
			return
		}
		if o.Status.Terminal() {
			return
		}
		_ = o.transition(Cancelled, now)
		out = append(out, CancelResult{ClientOrderID: o.ClientOrderID, Cancelled: true, Status: Cancelled})
	})
	pm.mu.Unlock()

	pm.log.Infow("paper_cancel_all", "symbol", symbol, "cancelled", len(out))
	return out, nil
}

// Edit amends a resting order's size and/or price, then re-checks the
// new price against the current top.
func (pm *PaperManager) Edit(ctx context.Context, clientOrderID, newSize, newPrice string) (Order, error) {
	now := pm.clock.Now().UnixMicro()

	var fill *Order
	pm.mu.Lock()
	o, ok := pm.orders[clientOrderID]
	if !ok {
		pm.mu.Unlock()
		return Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, clientOrderID)
	}
	if o.Status.Terminal() {
		pm.mu.Unlock()
		return *o, fmt.Errorf("%w: %s", ErrAlreadyTerminal, clientOrderID)
	}
	if newSize != "" {
		size, err := pm.conv.SizeToLots(o.Symbol, newSize)
		if err != nil {
			pm.mu.Unlock()
			return Order{}, fmt.Errorf("size: %w", err)
		}
		if size <= 0 {
			pm.mu.Unlock()
			return Order{}, fmt.Errorf("size must be positive, got %s", newSize)
		}
		o.Size = size
	}
	if newPrice != "" {
		if o.Type != Limit && o.Type != StopLimit {
			pm.mu.Unlock()
			return Order{}, fmt.Errorf("cannot set price on %s order", o.Type)
		}
		price, err := pm.conv.PriceToTicks(o.Symbol, newPrice)
		if err != nil {
			pm.mu.Unlock()
			return Order{}, fmt.Errorf("price: %w", err)
		}
		o.Price = price
	}
	o.UpdatedAt = now

	if (o.Type == Limit || o.Type == StopLimit && o.Triggered) &&
		limitCrosses(o.Side, o.Price, pm.tops[o.Symbol]) {
		pm.fillFull(o, o.Price, now)
		snap := *o
		fill = &snap
	}
	snap := *o
	pm.mu.Unlock()

	if fill != nil {
		pm.emitFill(*fill)
	}
	return snap, nil
}

func (pm *PaperManager) Open(symbol string) []Order { return pm.snapshotOpen(symbol) }

func (pm *PaperManager) Get(clientOrderID string) (Order, bool) {
	return pm.snapshot(clientOrderID)
}

func (pm *PaperManager) DrainTerminal() []Order { return pm.drainTerminal() }

func (pm *PaperManager) emitFill(o Order) {
	pm.log.Infow("paper_order_filled",
		"id", o.ClientOrderID, "symbol", o.Symbol, "side", o.Side,
		"size", o.FilledSize, "price", o.AvgFillPrice)
	if pm.fillHandler != nil {
		pm.fillHandler(o)
	}
}
