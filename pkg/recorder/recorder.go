// Package recorder persists the normalized market-data stream to a
// local pebble database for later replay and analysis.
package recorder

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"deltatrader/pkg/book"
)

// Key schema:
//
//   tick:<symbol>:<seq-20>        → TopRecord (top of book per update)
//   trade:<symbol>:<timestamp-20>:<n> → book.Trade
//
// Sequence and timestamp are zero-padded to 20 digits so keys sort
// lexicographically in event order.
const (
	prefixTop   = "tick:"
	prefixTrade = "trade:"
)

// TopRecord is the stored view of one book update: top of book plus
// depth, enough for replaying quote dynamics without full ladders.
type TopRecord struct {
	Symbol    string `json:"symbol"`
	Seq       int64  `json:"seq"`
	Timestamp int64  `json:"timestamp"`
	BidPrice  int64  `json:"bid_price"`
	BidSize   int64  `json:"bid_size"`
	AskPrice  int64  `json:"ask_price"`
	AskSize   int64  `json:"ask_size"`
	BidDepth  int    `json:"bid_depth"`
	AskDepth  int    `json:"ask_depth"`
}

// Recorder subscribes to the market-data stream and writes every event
// through. Writes are NoSync: losing the tail on a crash is acceptable
// for recording, stalling the event loop on fsync is not.
type Recorder struct {
	db  *pebble.DB
	log *zap.SugaredLogger

	// disambiguates trades sharing a timestamp
	tradeN atomic.Int64
}

func Open(path string, log *zap.SugaredLogger) (*Recorder, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open recorder db: %w", err)
	}
	return &Recorder{db: db, log: log}, nil
}

func (r *Recorder) Close() error { return r.db.Close() }

func topKey(symbol string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixTop, symbol, seq))
}

func topPrefix(symbol string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTop, symbol))
}

func tradeKey(symbol string, timestamp, n int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%d", prefixTrade, symbol, timestamp, n))
}

func tradePrefix(symbol string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, symbol))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// OnOrderBookUpdate records the top of book after each applied update.
func (r *Recorder) OnOrderBookUpdate(symbol string, b *book.Book) {
	rec := TopRecord{
		Symbol:    symbol,
		Seq:       b.Sequence(),
		Timestamp: b.Timestamp(),
	}
	if l, ok := b.BestBid(); ok {
		rec.BidPrice, rec.BidSize = l.Price, l.Size
	}
	if l, ok := b.BestAsk(); ok {
		rec.AskPrice, rec.AskSize = l.Price, l.Size
	}
	rec.BidDepth, rec.AskDepth = b.Depth()

	data, err := json.Marshal(rec)
	if err != nil {
		r.log.Errorw("record_marshal_failed", "symbol", symbol, "err", err)
		return
	}
	if err := r.db.Set(topKey(symbol, rec.Seq), data, pebble.NoSync); err != nil {
		r.log.Errorw("record_write_failed", "symbol", symbol, "err", err)
	}
}

// OnTrade records one trade.
func (r *Recorder) OnTrade(symbol string, t book.Trade) {
	data, err := json.Marshal(t)
	if err != nil {
		r.log.Errorw("record_marshal_failed", "symbol", symbol, "err", err)
		return
	}
	key := tradeKey(symbol, t.Timestamp, r.tradeN.Add(1))
	if err := r.db.Set(key, data, pebble.NoSync); err != nil {
		r.log.Errorw("record_write_failed", "symbol", symbol, "err", err)
	}
}

// Tops replays recorded book tops for a symbol in event order. limit <=
// 0 replays everything.
func (r *Recorder) Tops(symbol string, limit int) ([]TopRecord, error) {
	prefix := topPrefix(symbol)
	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []TopRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec TopRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Trades replays recorded trades for a symbol in event order. limit <=
// 0 replays everything.
func (r *Recorder) Trades(symbol string, limit int) ([]book.Trade, error) {
	prefix := tradePrefix(symbol)
	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []book.Trade
	for iter.First(); iter.Valid(); iter.Next() {
		var t book.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
