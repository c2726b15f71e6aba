package oms

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"deltatrader/pkg/convert"
	"deltatrader/pkg/market"
)

// ErrNoLiquidity rejects a market order when the opposite side of the
// book is empty.
var ErrNoLiquidity = errors.New("no liquidity")

// ErrUnknownOrder means the client order id is not in the active table.
var ErrUnknownOrder = errors.New("unknown order")

// Request is a strategy's order intent. Price and size are decimal
// strings; they are converted (exactly, never rounded) at placement.
type Request struct {
	Symbol        string
	Side          market.Side
	Type          Type
	Size          string
	Price         string // required for limit and stop-limit
	StopPrice     string // required for stop types
	ClientOrderID string // optional; generated when empty
}

// CancelResult reports the outcome of one cancellation attempt.
type CancelResult struct {
	ClientOrderID string
	Cancelled     bool
	Status        Status // status after the attempt
}

// FillHandler is invoked after an order gains filled size. The order is
// a copy; handlers must route further actions through the Manager.
type FillHandler func(o Order)

// Manager is the order lifecycle capability. Both the paper simulator
// and the live exchange backend implement it; callers depend only on
// this interface, selected once at startup.
type Manager interface {
	// Place validates, assigns an id, and returns once the order has
	// resolved out of Pending (to Open, Filled, or Rejected). Rejection
	// is reported in the returned order's status, not as an error.
	Place(ctx context.Context, req Request) (Order, error)

	// Cancel transitions a non-terminal order to Cancelled. Cancelling
	// a terminal order is a no-op reported in the result.
	Cancel(ctx context.Context, clientOrderID string) (CancelResult, error)

	// CancelAll cancels every non-terminal order, optionally filtered
	// by symbol ("" for all).
	CancelAll(ctx context.Context, symbol string) ([]CancelResult, error)

	// Edit amends size and/or price of a resting order in place. Empty
	// strings keep the current value.
	Edit(ctx context.Context, clientOrderID, newSize, newPrice string) (Order, error)

	// Open returns a snapshot of non-terminal orders, optionally
	// filtered by symbol.
	Open(symbol string) []Order

	// Get returns a snapshot of one order.
	Get(clientOrderID string) (Order, bool)

	// DrainTerminal removes terminal orders from the active table and
	// returns them. Called by the engine's bookkeeping.
	DrainTerminal() []Order

	// SetFillHandler registers the fill callback. Must be called before
	// the engine starts dispatching.
	SetFillHandler(h FillHandler)
}

// table is the shared active-order store. Insertion order is preserved
// so iteration (matching, cancel-all) is deterministic.
type table struct {
	mu     sync.RWMutex
	orders map[string]*Order
	seq    []string
}

func newTable() table {
	return table{orders: make(map[string]*Order)}
}

func (t *table) insert(o *Order) {
	t.orders[o.ClientOrderID] = o
	t.seq = append(t.seq, o.ClientOrderID)
}

// each visits live orders in insertion order. Caller holds the lock.
func (t *table) each(fn func(o *Order)) {
	for _, id := range t.seq {
		if o, ok := t.orders[id]; ok {
			fn(o)
		}
	}
}

func (t *table) snapshotOpen(symbol string) []Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Order
	t.each(func(o *Order) {
		if o.Status.Terminal() {
			return
		}
		if symbol != "" && o.Symbol != symbol {
			return
		}
		out = append(out, *o)
	})
	return out
}

func (t *table) snapshot(clientOrderID string) (Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.orders[clientOrderID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

func (t *table) drainTerminal() []Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	var drained []Order
	remaining := t.seq[:0]
	for _, id := range t.seq {
		o, ok := t.orders[id]
		if !ok {
			continue
		}
		if o.Status.Terminal() {
			drained = append(drained, *o)
			delete(t.orders, id)
			continue
		}
		remaining = append(remaining, id)
	}
	t.seq = remaining
	return drained
}

// buildOrder converts a Request into a tracked Order, validating side,
// type, and tick/lot alignment. Misaligned values fail with the
// converter's ErrNotAligned; nothing is silently rounded.
func buildOrder(conv *convert.Converter, req Request, now int64) (*Order, error) {
	if !req.Side.Valid() {
		return nil, fmt.Errorf("invalid side %q", req.Side)
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("invalid order type %q", req.Type)
	}

	size, err := conv.SizeToLots(req.Symbol, req.Size)
	if err != nil {
		return nil, fmt.Errorf("size: %w", err)
	}
	if size <= 0 {
		return nil, fmt.Errorf("size must be positive, got %s", req.Size)
	}

	o := &Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Size:          size,
		Status:        New,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if o.ClientOrderID == "" {
		o.ClientOrderID = newClientOrderID()
	}

	if req.Type == Limit || req.Type == StopLimit {
		if req.Price == "" {
			return nil, fmt.Errorf("%s requires a price", req.Type)
		}
		price, err := conv.PriceToTicks(req.Symbol, req.Price)
		if err != nil {
			return nil, fmt.Errorf("price: %w", err)
		}
		if price <= 0 {
			return nil, fmt.Errorf("price must be positive, got %s", req.Price)
		}
		o.Price = price
	}
	if req.Type.isStop() {
		if req.StopPrice == "" {
			return nil, fmt.Errorf("%s requires a stop price", req.Type)
		}
		stop, err := conv.PriceToTicks(req.Symbol, req.StopPrice)
		if err != nil {
			return nil, fmt.Errorf("stop price: %w", err)
		}
		if stop <= 0 {
			return nil, fmt.Errorf("stop price must be positive, got %s", req.StopPrice)
		}
		o.StopPrice = stop
	}
	return o, nil
}
