package engine

import (
	"deltatrader/pkg/book"
	"deltatrader/pkg/oms"
)

// Strategy is user trading logic hosted by the engine. All callbacks
// run on the engine's event loop, one at a time, in event arrival
// order; a strategy never needs its own locking as long as it keeps
// its state inside the callbacks.
type Strategy interface {
	// Name identifies the strategy in logs.
	Name() string

	// Symbols returns the symbols this strategy wants events for. An
	// empty slice subscribes it to every configured symbol.
	Symbols() []string

	// OnStart runs once after every symbol's first book snapshot has
	// been applied. Returning an error aborts engine startup.
	OnStart() error

	// OnOrderBookUpdate fires after a snapshot or delta has been applied
	// to the book. The book is shared and read-only.
	OnOrderBookUpdate(symbol string, b *book.Book)

	// OnTrade fires once per public trade, in feed order.
	OnTrade(symbol string, t book.Trade)

	// OnFill fires when one of the strategy's orders gains filled size.
	OnFill(o oms.Order)

	// OnTick fires once per second regardless of market activity.
	OnTick()

	// OnStop runs exactly once during shutdown, after outstanding orders
	// have been cancelled.
	OnStop()
}
