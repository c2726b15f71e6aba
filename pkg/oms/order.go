// Package oms manages order lifecycle: a shared status state machine
// with two execution backends, the in-process matching simulator and
// the live exchange.
package oms

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"deltatrader/pkg/market"
)

// Type of an order.
type Type string

const (
	Market     Type = "market_order"
	Limit      Type = "limit_order"
	StopMarket Type = "stop_market_order"
	StopLimit  Type = "stop_limit_order"
)

func (t Type) Valid() bool {
	switch t {
	case Market, Limit, StopMarket, StopLimit:
		return true
	}
	return false
}

func (t Type) isStop() bool { return t == StopMarket || t == StopLimit }

// Status is the order lifecycle state. Transitions are monotonic: a
// terminal status never regresses and never changes.
type Status string

const (
	New             Status = "new"
	Pending         Status = "pending"
	Open            Status = "open"
	PartiallyFilled Status = "partially_filled"
	Filled          Status = "filled"
	Cancelled       Status = "cancelled"
	Rejected        Status = "rejected"
)

// Terminal reports whether the status has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == Filled || s == Cancelled || s == Rejected
}

var transitions = map[Status][]Status{
	New:             {Pending},
	Pending:         {Open, Rejected, Cancelled},
	Open:            {PartiallyFilled, Filled, Cancelled},
	PartiallyFilled: {PartiallyFilled, Filled, Cancelled},
}

// ErrInvalidTransition is returned when a status change would skip a
// state or regress. Re-applying a terminal status is a no-op instead.
var ErrInvalidTransition = errors.New("invalid order status transition")

// ErrAlreadyTerminal marks operations on orders that already finished.
var ErrAlreadyTerminal = errors.New("order already terminal")

// Order is one tracked order. Prices are ticks, sizes are lots; Price
// is meaningful only for limit types, StopPrice only for stop types.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID int64
	Symbol          string
	Side            market.Side
	Type            Type
	Size            int64
	Price           int64
	StopPrice       int64
	Status          Status
	FilledSize      int64
	AvgFillPrice    int64
	Reason          string
	Triggered       bool // stop orders: stop price crossed
	StalePending    bool // live orders: ack overdue, reconciliation running
	CreatedAt       int64
	UpdatedAt       int64
}

// transition moves the order to the next status, enforcing the machine.
// Applying a terminal status to an already-terminal order is an
// idempotent no-op.
func (o *Order) transition(to Status, now int64) error {
	if o.Status == to {
		return nil
	}
	if o.Status.Terminal() {
		if to.Terminal() {
			return nil
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	for _, allowed := range transitions[o.Status] {
		if allowed == to {
			o.Status = to
			o.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
}

func (o *Order) String() string {
	return fmt.Sprintf("Order[%s] %s %s %d %s @ %d (filled %d/%d, id=%s)",
		o.Status, o.Side, o.Type, o.Size, o.Symbol, o.Price, o.FilledSize, o.Size, o.ClientOrderID)
}

// newClientOrderID returns a 32-char hex id, the exchange's maximum
// client order id length.
func newClientOrderID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
