// Package book is the in-memory L2 order book model: sorted bid/ask
// ladders in integer ticks/lots with a monotonic sequence counter.
package book

import (
	"errors"
	"sort"
	"sync"

	"deltatrader/pkg/market"
)

var (
	// ErrSequenceGap means a delta's sequence number is not exactly one
	// greater than the book's. The caller must request a fresh snapshot.
	ErrSequenceGap = errors.New("sequence gap in book updates")

	// ErrCrossed means an update would leave best bid >= best ask. The
	// book treats this as invalid feed state, equivalent to a gap.
	ErrCrossed = errors.New("update would cross the book")
)

// Level is one rung of the ladder: price in ticks, size in lots.
type Level struct {
	Price int64
	Size  int64
}

// Trade is a normalized executed trade from the feed.
type Trade struct {
	Symbol    string
	ID        string
	Price     int64 // ticks
	Size      int64 // lots
	Side      market.Side
	Timestamp int64 // micros
	Seq       int64
}

// Book holds one instrument's ladder. It is mutated only by the market
// data synchronizer; reads may come from other goroutines (monitoring),
// hence the lock.
type Book struct {
	mu        sync.RWMutex
	symbol    string
	bids      []Level // descending by price
	asks      []Level // ascending by price
	seq       int64
	timestamp int64
}

func New(symbol string) *Book {
	return &Book{symbol: symbol}
}

func (b *Book) Symbol() string { return b.symbol }

func (b *Book) Sequence() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

func (b *Book) Timestamp() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.timestamp
}

// ApplySnapshot replaces the entire ladder. Zero-size levels are
// dropped; sides are sorted regardless of feed order.
func (b *Book) ApplySnapshot(seq, timestamp int64, bids, asks []Level) error {
	nb := make([]Level, 0, len(bids))
	for _, l := range bids {
		if l.Size > 0 {
			nb = append(nb, l)
		}
	}
	na := make([]Level, 0, len(asks))
	for _, l := range asks {
		if l.Size > 0 {
			na = append(na, l)
		}
	}
	sort.Slice(nb, func(i, j int) bool { return nb[i].Price > nb[j].Price })
	sort.Slice(na, func(i, j int) bool { return na[i].Price < na[j].Price })

	if crossed(nb, na) {
		return ErrCrossed
	}

	b.mu.Lock()
	b.bids, b.asks = nb, na
	b.seq = seq
	b.timestamp = timestamp
	b.mu.Unlock()
	return nil
}

// ApplyDelta applies an incremental update. The delta is accepted only
// when seq is exactly current+1; any other relation is ErrSequenceGap
// and the book is left untouched. A level with size zero is removed.
// No partially-applied state is ever visible: changes are staged on
// copies and swapped in atomically.
func (b *Book) ApplyDelta(seq, timestamp int64, bids, asks []Level) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if seq != b.seq+1 {
		return ErrSequenceGap
	}

	nb := applyLevels(b.bids, bids, true)
	na := applyLevels(b.asks, asks, false)
	if crossed(nb, na) {
		return ErrCrossed
	}

	b.bids, b.asks = nb, na
	b.seq = seq
	b.timestamp = timestamp
	return nil
}

// applyLevels merges updates into a copy of the side. descending picks
// the bid ordering.
func applyLevels(side, updates []Level, descending bool) []Level {
	out := make([]Level, len(side))
	copy(out, side)

	for _, u := range updates {
		i := sort.Search(len(out), func(i int) bool {
			if descending {
				return out[i].Price <= u.Price
			}
			return out[i].Price >= u.Price
		})
		found := i < len(out) && out[i].Price == u.Price
		switch {
		case found && u.Size == 0:
			out = append(out[:i], out[i+1:]...)
		case found:
			out[i].Size = u.Size
		case u.Size > 0:
			out = append(out, Level{})
			copy(out[i+1:], out[i:])
			out[i] = u
		}
	}
	return out
}

func crossed(bids, asks []Level) bool {
	return len(bids) > 0 && len(asks) > 0 && bids[0].Price >= asks[0].Price
}

// BestBid returns the highest bid, if any.
func (b *Book) BestBid() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 {
		return Level{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (b *Book) BestAsk() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.asks) == 0 {
		return Level{}, false
	}
	return b.asks[0], true
}

// MidPrice is (best bid + best ask) / 2 in ticks. False when either
// side is empty.
func (b *Book) MidPrice() (int64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return 0, false
	}
	return (b.bids[0].Price + b.asks[0].Price) / 2, true
}

// Spread is best ask minus best bid in ticks.
func (b *Book) Spread() (int64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return 0, false
	}
	return b.asks[0].Price - b.bids[0].Price, true
}

// Bids returns a copy of the bid ladder, best first.
func (b *Book) Bids() []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Level, len(b.bids))
	copy(out, b.bids)
	return out
}

// Asks returns a copy of the ask ladder, best first.
func (b *Book) Asks() []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Level, len(b.asks))
	copy(out, b.asks)
	return out
}

func (b *Book) Depth() (bids, asks int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bids), len(b.asks)
}
