// Package marketdata applies snapshots and incremental deltas to the
// per-symbol order books and dispatches normalized events to
// subscribers strictly in arrival order.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"deltatrader/pkg/book"
	"deltatrader/pkg/convert"
	"deltatrader/pkg/exchange"
)

// Channel names on the exchange feed.
const (
	ChannelBook   = "l2_updates"
	ChannelTrades = "all_trades"
	ChannelOrders = "orders"
)

const maxTradesPerSymbol = 100

// ErrChecksumMismatch means the book content disagrees with the feed's
// CRC32; treated like a sequence gap.
var ErrChecksumMismatch = errors.New("book checksum mismatch")

// Subscriber receives normalized market-data events. Every subscriber
// is invoked for an event before the next inbound message is processed;
// callbacks for a symbol never run concurrently.
type Subscriber interface {
	OnOrderBookUpdate(symbol string, b *book.Book)
	OnTrade(symbol string, t book.Trade)
}

// Feed is the transport surface the synchronizer needs to request a
// fresh snapshot after a sequence gap.
type Feed interface {
	Subscribe(channel string, symbols []string) error
	Unsubscribe(channel string, symbols []string) error
}

// Synchronizer owns all order books. It must be driven from a single
// goroutine (the engine loop); the internal lock only protects
// concurrent reads from the monitoring surface.
type Synchronizer struct {
	log  *zap.SugaredLogger
	conv *convert.Converter
	feed Feed

	mu      sync.RWMutex
	books   map[string]*book.Book
	trades  map[string][]book.Trade
	pending map[string]bool
	ready   map[string]chan struct{}

	subs []Subscriber
}

func NewSynchronizer(conv *convert.Converter, feed Feed, log *zap.SugaredLogger) *Synchronizer {
	return &Synchronizer{
		log:     log,
		conv:    conv,
		feed:    feed,
		books:   make(map[string]*book.Book),
		trades:  make(map[string][]book.Trade),
		pending: make(map[string]bool),
		ready:   make(map[string]chan struct{}),
	}
}

// AddSubscriber registers a subscriber. Registration order is dispatch
// order; the active order manager registers before any strategy. Must
// be called before the engine loop starts.
func (s *Synchronizer) AddSubscriber(sub Subscriber) {
	s.subs = append(s.subs, sub)
}

// Track prepares state for a symbol ahead of subscription. The symbol
// stays pending until its first snapshot is applied.
func (s *Synchronizer) Track(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.books[symbol]; ok {
		return
	}
	s.books[symbol] = book.New(symbol)
	s.pending[symbol] = true
	s.ready[symbol] = make(chan struct{})
}

// WaitForSnapshot blocks until the symbol's first snapshot is applied
// or the context expires.
func (s *Synchronizer) WaitForSnapshot(ctx context.Context, symbol string) error {
	s.mu.RLock()
	ch, ok := s.ready[symbol]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("symbol %s not tracked", symbol)
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s snapshot: %w", symbol, ctx.Err())
	}
}

// Book returns the live book for a symbol, or nil. Callers must treat
// it as read-only.
func (s *Synchronizer) Book(symbol string) *book.Book {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.books[symbol]
}

// Trades returns up to limit recent trades, newest last. limit <= 0
// returns everything retained.
func (s *Synchronizer) Trades(symbol string, limit int) []book.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts := s.trades[symbol]
	if limit > 0 && len(ts) > limit {
		ts = ts[len(ts)-limit:]
	}
	out := make([]book.Trade, len(ts))
	copy(out, ts)
	return out
}

// Handle processes one decoded inbound message. All subscriber
// callbacks complete before Handle returns, preserving arrival order.
func (s *Synchronizer) Handle(msg exchange.Message) {
	switch m := msg.(type) {
	case *exchange.BookSnapshot:
		s.handleSnapshot(m)
	case *exchange.BookDelta:
		s.handleDelta(m)
	case *exchange.Trades:
		s.handleTrades(m)
	case *exchange.FeedError:
		s.log.Warnw("feed_error", "message", m.Message)
	}
}

func (s *Synchronizer) handleSnapshot(m *exchange.BookSnapshot) {
	b := s.Book(m.Symbol)
	if b == nil {
		s.log.Debugw("snapshot_for_untracked_symbol", "symbol", m.Symbol)
		return
	}
	bids, asks, err := s.convertSides(m.Symbol, m.Buy, m.Sell)
	if err != nil {
		s.log.Errorw("snapshot_convert_failed", "symbol", m.Symbol, "err", err)
		return
	}
	if err := b.ApplySnapshot(m.Seq, m.Timestamp, bids, asks); err != nil {
		s.resync(m.Symbol, err)
		return
	}
	if m.HasChecksum && !s.verifyChecksum(b, m.Checksum) {
		s.resync(m.Symbol, ErrChecksumMismatch)
		return
	}

	s.mu.Lock()
	s.pending[m.Symbol] = false
	if ch, ok := s.ready[m.Symbol]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
	s.mu.Unlock()

	s.log.Infow("book_snapshot",
		"symbol", m.Symbol, "seq", m.Seq, "bids", len(bids), "asks", len(asks))
	s.dispatchBook(m.Symbol, b)
}

func (s *Synchronizer) handleDelta(m *exchange.BookDelta) {
	s.mu.RLock()
	waiting := s.pending[m.Symbol]
	s.mu.RUnlock()
	if waiting {
		// Between gap detection and the fresh snapshot; drop quietly.
		return
	}
	b := s.Book(m.Symbol)
	if b == nil {
		return
	}
	bids, asks, err := s.convertSides(m.Symbol, m.Buy, m.Sell)
	if err != nil {
		s.log.Errorw("delta_convert_failed", "symbol", m.Symbol, "err", err)
		return
	}
	if err := b.ApplyDelta(m.Seq, m.Timestamp, bids, asks); err != nil {
		s.resync(m.Symbol, err)
		return
	}
	if m.HasChecksum && !s.verifyChecksum(b, m.Checksum) {
		s.resync(m.Symbol, ErrChecksumMismatch)
		return
	}
	s.dispatchBook(m.Symbol, b)
}

func (s *Synchronizer) handleTrades(m *exchange.Trades) {
	for _, ev := range m.Events {
		price, err := s.conv.RoundPriceToTicks(m.Symbol, ev.Price)
		if err != nil {
			s.log.Warnw("trade_price_convert_failed", "symbol", m.Symbol, "price", ev.Price, "err", err)
			continue
		}
		size, err := s.conv.RoundSizeToLots(m.Symbol, ev.Size.String())
		if err != nil {
			s.log.Warnw("trade_size_convert_failed", "symbol", m.Symbol, "size", ev.Size, "err", err)
			continue
		}
		t := book.Trade{
			Symbol:    m.Symbol,
			ID:        ev.ID,
			Price:     price,
			Size:      size,
			Side:      ev.Side,
			Timestamp: ev.Timestamp,
			Seq:       ev.Seq,
		}

		s.mu.Lock()
		ts := append(s.trades[m.Symbol], t)
		if len(ts) > maxTradesPerSymbol {
			ts = ts[len(ts)-maxTradesPerSymbol:]
		}
		s.trades[m.Symbol] = ts
		s.mu.Unlock()

		for _, sub := range s.subs {
			sub.OnTrade(m.Symbol, t)
		}
	}
}

func (s *Synchronizer) convertSides(symbol string, buy, sell []exchange.WireLevel) (bids, asks []book.Level, err error) {
	bids, err = s.convertLevels(symbol, buy)
	if err != nil {
		return nil, nil, err
	}
	asks, err = s.convertLevels(symbol, sell)
	if err != nil {
		return nil, nil, err
	}
	return bids, asks, nil
}

func (s *Synchronizer) convertLevels(symbol string, levels []exchange.WireLevel) ([]book.Level, error) {
	out := make([]book.Level, 0, len(levels))
	for _, l := range levels {
		price, err := s.conv.RoundPriceToTicks(symbol, l.Price)
		if err != nil {
			return nil, err
		}
		size, err := s.conv.RoundSizeToLots(symbol, l.Size.String())
		if err != nil {
			return nil, err
		}
		out = append(out, book.Level{Price: price, Size: size})
	}
	return out, nil
}

func (s *Synchronizer) verifyChecksum(b *book.Book, want uint32) bool {
	symbol := b.Symbol()
	got := b.Checksum(
		func(p int64) string {
			v, _ := s.conv.PriceFromTicks(symbol, p)
			return v
		},
		func(sz int64) string {
			v, _ := s.conv.SizeFromLots(symbol, sz)
			return v
		},
	)
	return got == want
}

// resync marks the symbol pending and cycles its book subscription so
// the feed sends a fresh snapshot. Nothing partially applied is ever
// dispatched.
func (s *Synchronizer) resync(symbol string, cause error) {
	s.mu.Lock()
	s.pending[symbol] = true
	s.mu.Unlock()

	s.log.Warnw("book_resync", "symbol", symbol, "cause", cause)
	if err := s.feed.Unsubscribe(ChannelBook, []string{symbol}); err != nil {
		s.log.Errorw("resync_unsubscribe_failed", "symbol", symbol, "err", err)
	}
	if err := s.feed.Subscribe(ChannelBook, []string{symbol}); err != nil {
		s.log.Errorw("resync_subscribe_failed", "symbol", symbol, "err", err)
	}
}

func (s *Synchronizer) dispatchBook(symbol string, b *book.Book) {
	for _, sub := range s.subs {
		sub.OnOrderBookUpdate(symbol, b)
	}
}
