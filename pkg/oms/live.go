package oms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"deltatrader/pkg/convert"
	"deltatrader/pkg/exchange"
	"deltatrader/pkg/market"
	"deltatrader/pkg/util"
)

// reasonAckTimeout is the rejection reason when neither the placement
// call nor the reconciliation query could confirm an order. Fail-safe:
// an order never stays ambiguous.
const reasonAckTimeout = "ack-timeout"

// RestAPI is the slice of the exchange REST surface the live manager
// needs. *exchange.RestClient implements it.
type RestAPI interface {
	PlaceOrder(ctx context.Context, req exchange.PlaceRequest) (*exchange.OrderResponse, error)
	CancelOrder(ctx context.Context, clientOrderID string, productID int64) error
	CancelAllOrders(ctx context.Context, productID int64) error
	EditOrder(ctx context.Context, exchangeOrderID, productID int64, newSize, newPrice string) (*exchange.OrderResponse, error)
	OpenOrders(ctx context.Context, productID int64) ([]exchange.OrderResponse, error)
}

// LiveManager forwards order operations to the real exchange and
// reconciles acknowledgements and fills onto the shared state machine.
type LiveManager struct {
	log      *zap.SugaredLogger
	conv     *convert.Converter
	products *market.Registry
	rest     RestAPI
	clock    util.Clock

	ackTimeout time.Duration

	table
	fillHandler FillHandler
}

func NewLiveManager(conv *convert.Converter, products *market.Registry, rest RestAPI, ackTimeout time.Duration, clock util.Clock, log *zap.SugaredLogger) *LiveManager {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &LiveManager{
		log:        log,
		conv:       conv,
		products:   products,
		rest:       rest,
		clock:      clock,
		ackTimeout: ackTimeout,
		table:      newTable(),
	}
}

func (lm *LiveManager) SetFillHandler(h FillHandler) { lm.fillHandler = h }

// Place submits via REST and blocks until Pending resolves. A missing
// acknowledgement runs the stale-pending protocol: one reconciliation
// query, then Rejected("ack-timeout") if the order cannot be confirmed.
func (lm *LiveManager) Place(ctx context.Context, req Request) (Order, error) {
	now := lm.clock.Now().UnixMicro()
	o, err := buildOrder(lm.conv, req, now)
	if err != nil {
		return Order{}, err
	}
	product, err := lm.products.Get(o.Symbol)
	if err != nil {
		return Order{}, err
	}

	// Build the wire payload before the order enters the table; a payload
	// failure must not strand a Pending order.
	preq, err := lm.placePayload(o, product.ID)
	if err != nil {
		return Order{}, err
	}

	lm.mu.Lock()
	_ = o.transition(Pending, now)
	lm.insert(o)
	lm.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, lm.ackTimeout)
	resp, err := lm.rest.PlaceOrder(callCtx, preq)
	cancel()

	var filled bool
	if err == nil {
		lm.mu.Lock()
		filled = lm.adopt(o, resp)
		snap := *o
		lm.mu.Unlock()
		lm.log.Infow("order_placed",
			"id", snap.ClientOrderID, "exchange_id", snap.ExchangeOrderID,
			"symbol", snap.Symbol, "status", snap.Status)
		if filled {
			lm.emitFill(snap)
		}
		return snap, nil
	}

	var restErr *exchange.RestError
	if errors.As(err, &restErr) && restErr.Status >= 400 && restErr.Status < 500 {
		// Definite refusal from the exchange.
		lm.mu.Lock()
		o.Reason = restErr.Code
		_ = o.transition(Rejected, lm.clock.Now().UnixMicro())
		snap := *o
		lm.mu.Unlock()
		lm.log.Warnw("order_rejected", "id", snap.ClientOrderID, "reason", snap.Reason)
		return snap, nil
	}

	// Ambiguous: timeout or transport failure. The order may or may not
	// exist on the exchange.
	lm.mu.Lock()
	o.StalePending = true
	lm.mu.Unlock()
	lm.log.Warnw("order_ack_overdue", "id", o.ClientOrderID, "err", err)

	return lm.resolveStale(ctx, o, product.ID), nil
}

// resolveStale queries the exchange for a stale-pending order and
// either adopts the exchange state or rejects with "ack-timeout".
func (lm *LiveManager) resolveStale(ctx context.Context, o *Order, productID int64) Order {
	queryCtx, cancel := context.WithTimeout(ctx, lm.ackTimeout)
	open, err := lm.rest.OpenOrders(queryCtx, productID)
	cancel()

	now := lm.clock.Now().UnixMicro()
	if err == nil {
		for i := range open {
			if open[i].ClientOrderID == o.ClientOrderID {
				lm.mu.Lock()
				filled := lm.adopt(o, &open[i])
				o.StalePending = false
				snap := *o
				lm.mu.Unlock()
				lm.log.Infow("order_reconciled", "id", snap.ClientOrderID, "status", snap.Status)
				if filled {
					lm.emitFill(snap)
				}
				return snap
			}
		}
	}

	lm.mu.Lock()
	o.Reason = reasonAckTimeout
	_ = o.transition(Rejected, now)
	o.StalePending = false
	snap := *o
	lm.mu.Unlock()
	lm.log.Warnw("order_rejected", "id", snap.ClientOrderID, "reason", reasonAckTimeout)
	return snap
}

func (lm *LiveManager) placePayload(o *Order, productID int64) (exchange.PlaceRequest, error) {
	size, err := lm.conv.SizeFromLots(o.Symbol, o.Size)
	if err != nil {
		return exchange.PlaceRequest{}, err
	}
	preq := exchange.PlaceRequest{
		ProductID:     productID,
		Size:          size,
		Side:          string(o.Side),
		OrderType:     string(o.Type),
		TimeInForce:   "gtc",
		ClientOrderID: o.ClientOrderID,
	}
	if o.Type == Limit || o.Type == StopLimit {
		price, err := lm.conv.PriceFromTicks(o.Symbol, o.Price)
		if err != nil {
			return exchange.PlaceRequest{}, err
		}
		preq.LimitPrice = price
	}
	if o.Type.isStop() {
		stop, err := lm.conv.PriceFromTicks(o.Symbol, o.StopPrice)
		if err != nil {
			return exchange.PlaceRequest{}, err
		}
		preq.StopPrice = stop
	}
	return preq, nil
}

// adopt merges an exchange order response into the local order. Caller
// holds the lock. Reports whether filled size increased.
func (lm *LiveManager) adopt(o *Order, resp *exchange.OrderResponse) bool {
	now := lm.clock.Now().UnixMicro()
	if resp.ID != 0 {
		o.ExchangeOrderID = resp.ID
	}

	prevFilled := o.FilledSize
	total, err1 := lm.conv.RoundSizeToLots(o.Symbol, numOr(resp.Size, "0"))
	unfilled, err2 := lm.conv.RoundSizeToLots(o.Symbol, numOr(resp.UnfilledSize, "0"))
	if err1 == nil && err2 == nil && total > 0 {
		o.FilledSize = total - unfilled
	}
	if resp.AverageFillPrice != "" {
		if avg, err := lm.conv.RoundPriceToTicks(o.Symbol, resp.AverageFillPrice); err == nil {
			o.AvgFillPrice = avg
		}
	}

	lm.applyState(o, resp.State, now)
	return o.FilledSize > prevFilled
}

// applyState maps an exchange state string onto the machine, stepping
// through intermediate states so transitions never skip.
func (lm *LiveManager) applyState(o *Order, state string, now int64) {
	switch state {
	case "pending":
		// Still pending on the exchange; nothing to apply.
	case "open":
		_ = o.transition(Open, now)
		if o.FilledSize > 0 && o.FilledSize < o.Size {
			_ = o.transition(PartiallyFilled, now)
		}
	case "closed":
		_ = o.transition(Open, now)
		o.FilledSize = o.Size
		_ = o.transition(Filled, now)
	case "cancelled":
		_ = o.transition(Cancelled, now)
	case "rejected":
		_ = o.transition(Rejected, now)
	default:
		lm.log.Warnw("unknown_exchange_state", "id", o.ClientOrderID, "state", state)
	}
}

// OnOrderUpdate reconciles an acknowledgement/fill message from the
// private orders channel onto the local state machine. Terminal
// transitions are idempotent, so replays are harmless.
func (lm *LiveManager) OnOrderUpdate(u *exchange.OrderUpdate) {
	now := lm.clock.Now().UnixMicro()

	lm.mu.Lock()
	o, ok := lm.orders[u.ClientOrderID]
	if !ok {
		lm.mu.Unlock()
		lm.log.Debugw("update_for_unknown_order", "id", u.ClientOrderID)
		return
	}

	prevFilled := o.FilledSize
	if u.ExchangeOrderID != 0 {
		o.ExchangeOrderID = u.ExchangeOrderID
	}
	total, err1 := lm.conv.RoundSizeToLots(o.Symbol, numOr(u.Size, "0"))
	unfilled, err2 := lm.conv.RoundSizeToLots(o.Symbol, numOr(u.UnfilledSize, "0"))
	if err1 == nil && err2 == nil && total > 0 {
		o.FilledSize = total - unfilled
	}
	if u.AverageFillPrice != "" {
		if avg, err := lm.conv.RoundPriceToTicks(o.Symbol, u.AverageFillPrice); err == nil {
			o.AvgFillPrice = avg
		}
	}
	if u.Reason != "" {
		o.Reason = u.Reason
	}
	lm.applyState(o, u.State, now)
	if o.Status == Open && o.FilledSize > 0 && o.FilledSize < o.Size {
		_ = o.transition(PartiallyFilled, now)
	}
	filled := o.FilledSize > prevFilled
	snap := *o
	lm.mu.Unlock()

	if filled {
		lm.emitFill(snap)
	}
}

func (lm *LiveManager) Cancel(ctx context.Context, clientOrderID string) (CancelResult, error) {
	lm.mu.RLock()
	o, ok := lm.orders[clientOrderID]
	var symbol string
	var status Status
	if ok {
		symbol, status = o.Symbol, o.Status
	}
	lm.mu.RUnlock()

	if !ok {
		return CancelResult{ClientOrderID: clientOrderID}, fmt.Errorf("%w: %s", ErrUnknownOrder, clientOrderID)
	}
	if status.Terminal() {
		return CancelResult{ClientOrderID: clientOrderID, Cancelled: false, Status: status}, nil
	}

	product, err := lm.products.Get(symbol)
	if err != nil {
		return CancelResult{ClientOrderID: clientOrderID}, err
	}

	err = lm.rest.CancelOrder(ctx, clientOrderID, product.ID)
	if err != nil {
		var restErr *exchange.RestError
		if !errors.As(err, &restErr) || !restErr.NotFound() {
			return CancelResult{ClientOrderID: clientOrderID, Status: status}, err
		}
		// 404: already filled or cancelled on the exchange; the orders
		// channel or the reconciliation sweep settles the final state.
		lm.log.Infow("cancel_order_gone", "id", clientOrderID)
	}

	now := lm.clock.Now().UnixMicro()
	lm.mu.Lock()
	_ = o.transition(Cancelled, now)
	final := o.Status
	lm.mu.Unlock()

	return CancelResult{ClientOrderID: clientOrderID, Cancelled: final == Cancelled, Status: final}, nil
}

func (lm *LiveManager) CancelAll(ctx context.Context, symbol string) ([]CancelResult, error) {
	var productID int64
	if symbol != "" {
		product, err := lm.products.Get(symbol)
		if err != nil {
			return nil, err
		}
		productID = product.ID
	}

	if err := lm.rest.CancelAllOrders(ctx, productID); err != nil {
		return nil, err
	}

	now := lm.clock.Now().UnixMicro()
	var out []CancelResult
	lm.mu.Lock()
	lm.each(func(o *Order) {
		if symbol != "" && o.Symbol != symbol {
			return
		}
		if o.Status.Terminal() {
			return
		}
		_ = o.transition(Cancelled, now)
		out = append(out, CancelResult{ClientOrderID: o.ClientOrderID, Cancelled: true, Status: Cancelled})
	})
	lm.mu.Unlock()

	lm.log.Infow("cancel_all", "symbol", symbol, "cancelled", len(out))
	return out, nil
}

// Edit amends the order on the exchange in place, preserving queue
// position, then adopts the response. The order is snapshotted under
// the lock before the REST call: the reconciliation sweep may mutate it
// concurrently.
func (lm *LiveManager) Edit(ctx context.Context, clientOrderID, newSize, newPrice string) (Order, error) {
	lm.mu.RLock()
	o, ok := lm.orders[clientOrderID]
	var before Order
	if ok {
		before = *o
	}
	lm.mu.RUnlock()
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, clientOrderID)
	}
	if before.Status.Terminal() {
		return before, fmt.Errorf("%w: %s", ErrAlreadyTerminal, clientOrderID)
	}

	product, err := lm.products.Get(before.Symbol)
	if err != nil {
		return Order{}, err
	}

	// Canonicalize through the converter so misaligned edits fail here,
	// not on the exchange.
	var sizeStr, priceStr string
	if newSize != "" {
		lots, err := lm.conv.SizeToLots(before.Symbol, newSize)
		if err != nil {
			return Order{}, fmt.Errorf("size: %w", err)
		}
		if sizeStr, err = lm.conv.SizeFromLots(before.Symbol, lots); err != nil {
			return Order{}, err
		}
	}
	if newPrice != "" {
		ticks, err := lm.conv.PriceToTicks(before.Symbol, newPrice)
		if err != nil {
			return Order{}, fmt.Errorf("price: %w", err)
		}
		if priceStr, err = lm.conv.PriceFromTicks(before.Symbol, ticks); err != nil {
			return Order{}, err
		}
	}

	resp, err := lm.rest.EditOrder(ctx, before.ExchangeOrderID, product.ID, sizeStr, priceStr)
	if err != nil {
		return Order{}, err
	}

	lm.mu.Lock()
	if newSize != "" {
		if lots, err := lm.conv.SizeToLots(o.Symbol, sizeStr); err == nil {
			o.Size = lots
		}
	}
	if newPrice != "" {
		if ticks, err := lm.conv.PriceToTicks(o.Symbol, priceStr); err == nil {
			o.Price = ticks
		}
	}
	filled := lm.adopt(o, resp)
	snap := *o
	lm.mu.Unlock()

	if filled {
		lm.emitFill(snap)
	}
	return snap, nil
}

func (lm *LiveManager) Open(symbol string) []Order { return lm.snapshotOpen(symbol) }

func (lm *LiveManager) Get(clientOrderID string) (Order, bool) {
	return lm.snapshot(clientOrderID)
}

func (lm *LiveManager) DrainTerminal() []Order { return lm.drainTerminal() }

// Reconcile sweeps local non-terminal orders against the exchange's
// open-order list: present orders are synced, missing orders resolved
// to Filled or Cancelled from their filled size. Backup for lost
// websocket updates. The engine calls this from its event loop so
// discovered fills dispatch on the same goroutine as every other
// strategy callback.
func (lm *LiveManager) Reconcile(ctx context.Context) error {
	open, err := lm.rest.OpenOrders(ctx, 0)
	if err != nil {
		return err
	}
	onExchange := make(map[string]*exchange.OrderResponse, len(open))
	for i := range open {
		if open[i].ClientOrderID != "" {
			onExchange[open[i].ClientOrderID] = &open[i]
		}
	}

	now := lm.clock.Now().UnixMicro()
	var synced, closed int
	var fills []Order

	lm.mu.Lock()
	lm.each(func(o *Order) {
		if o.Status.Terminal() {
			return
		}
		if resp, ok := onExchange[o.ClientOrderID]; ok {
			if lm.adopt(o, resp) {
				fills = append(fills, *o)
			}
			synced++
			return
		}
		// Gone from the exchange: it finished while we were not looking.
		_ = o.transition(Open, now)
		if o.FilledSize >= o.Size {
			_ = o.transition(Filled, now)
		} else {
			_ = o.transition(Cancelled, now)
		}
		closed++
	})
	lm.mu.Unlock()

	for _, f := range fills {
		lm.emitFill(f)
	}
	lm.log.Infow("reconcile_complete", "synced", synced, "closed", closed)
	return nil
}

func (lm *LiveManager) emitFill(o Order) {
	lm.log.Infow("order_filled",
		"id", o.ClientOrderID, "symbol", o.Symbol, "side", o.Side,
		"filled", o.FilledSize, "avg_price", o.AvgFillPrice)
	if lm.fillHandler != nil {
		lm.fillHandler(o)
	}
}

// numOr returns the json number as a string, or the fallback when
// empty.
func numOr(n json.Number, fallback string) string {
	if n == "" {
		return fallback
	}
	return n.String()
}
