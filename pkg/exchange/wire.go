package exchange

import (
	"encoding/json"
	"fmt"

	"deltatrader/pkg/market"
)

// Message is a decoded inbound websocket frame. Exactly one concrete
// type is produced per frame; frames the client does not care about
// decode to nil.
type Message interface{ wireMessage() }

// WireLevel is one price level as the feed sends it: decimal price
// string plus a size that may arrive as a number or a string.
type WireLevel struct {
	Price string      `json:"limit_price"`
	Size  json.Number `json:"size"`
}

// BookSnapshot is the full ladder for one symbol.
type BookSnapshot struct {
	Symbol      string
	Seq         int64
	Timestamp   int64
	Buy         []WireLevel
	Sell        []WireLevel
	Checksum    uint32
	HasChecksum bool
}

// BookDelta is an incremental ladder change; size 0 removes a level.
type BookDelta struct {
	Symbol      string
	Seq         int64
	Timestamp   int64
	Buy         []WireLevel
	Sell        []WireLevel
	Checksum    uint32
	HasChecksum bool
}

// TradeEvent is one executed trade.
type TradeEvent struct {
	Symbol    string
	ID        string
	Price     string
	Size      json.Number
	Side      market.Side
	Timestamp int64
	Seq       int64
}

// Trades carries one or more trades for a symbol, in feed order.
type Trades struct {
	Symbol string
	Events []TradeEvent
}

// OrderUpdate is an acknowledgement/fill/cancel notification for one of
// our own orders on the private orders channel.
type OrderUpdate struct {
	Symbol           string
	ClientOrderID    string
	ExchangeOrderID  int64
	State            string
	Size             json.Number
	UnfilledSize     json.Number
	AverageFillPrice string
	Reason           string
	Timestamp        int64
}

// FeedError is an error frame from the exchange.
type FeedError struct {
	Message string
}

func (*BookSnapshot) wireMessage() {}
func (*BookDelta) wireMessage()    {}
func (*Trades) wireMessage()       {}
func (*OrderUpdate) wireMessage()  {}
func (*FeedError) wireMessage()    {}

type envelope struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Symbol string `json:"symbol"`
}

type l2Frame struct {
	Symbol    string      `json:"symbol"`
	Seq       int64       `json:"sequence_no"`
	LastSeq   int64       `json:"last_sequence_no"`
	Timestamp int64       `json:"timestamp"`
	Buy       []WireLevel `json:"buy"`
	Sell      []WireLevel `json:"sell"`
	Checksum  *uint32     `json:"cs"`
}

type tradeFrame struct {
	Symbol    string       `json:"symbol"`
	ID        json.Number  `json:"trade_id"`
	Price     string       `json:"price"`
	Size      json.Number  `json:"size"`
	BuyerRole string       `json:"buyer_role"`
	Timestamp int64        `json:"timestamp"`
	Seq       int64        `json:"sequence_no"`
	Trades    []tradeFrame `json:"trades"`
}

type orderFrame struct {
	Symbol           string      `json:"symbol"`
	ClientOrderID    string      `json:"client_order_id"`
	ID               int64       `json:"id"`
	State            string      `json:"state"`
	Size             json.Number `json:"size"`
	UnfilledSize     json.Number `json:"unfilled_size"`
	AverageFillPrice string      `json:"average_fill_price"`
	Reason           string      `json:"reason"`
	Timestamp        int64       `json:"timestamp"`
}

type errorFrame struct {
	Message string `json:"message"`
}

// Decode turns a raw frame into a typed message, or (nil, nil) for
// frames the client ignores (heartbeats, subscription acks).
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case "l2_updates":
		var f l2Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("decode l2_updates: %w", err)
		}
		if f.Symbol == "" {
			return nil, fmt.Errorf("l2_updates frame missing symbol")
		}
		seq := f.Seq
		if seq == 0 {
			seq = f.LastSeq
		}
		switch env.Action {
		case "snapshot":
			s := &BookSnapshot{Symbol: f.Symbol, Seq: seq, Timestamp: f.Timestamp, Buy: f.Buy, Sell: f.Sell}
			if f.Checksum != nil {
				s.Checksum, s.HasChecksum = *f.Checksum, true
			}
			return s, nil
		case "update":
			d := &BookDelta{Symbol: f.Symbol, Seq: seq, Timestamp: f.Timestamp, Buy: f.Buy, Sell: f.Sell}
			if f.Checksum != nil {
				d.Checksum, d.HasChecksum = *f.Checksum, true
			}
			return d, nil
		case "error":
			return &FeedError{Message: "l2_updates error for " + f.Symbol}, nil
		default:
			return nil, fmt.Errorf("l2_updates frame with unknown action %q", env.Action)
		}

	case "l2_orderbook":
		// Periodic full-book channel: same shape, always a snapshot.
		var f l2Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("decode l2_orderbook: %w", err)
		}
		if f.Symbol == "" {
			return nil, fmt.Errorf("l2_orderbook frame missing symbol")
		}
		seq := f.Seq
		if seq == 0 {
			seq = f.LastSeq
		}
		s := &BookSnapshot{Symbol: f.Symbol, Seq: seq, Timestamp: f.Timestamp, Buy: f.Buy, Sell: f.Sell}
		if f.Checksum != nil {
			s.Checksum, s.HasChecksum = *f.Checksum, true
		}
		return s, nil

	case "all_trades", "all_trades_snapshot":
		var f tradeFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("decode trades: %w", err)
		}
		if f.Symbol == "" {
			return nil, fmt.Errorf("trade frame missing symbol")
		}
		frames := f.Trades
		if frames == nil {
			frames = []tradeFrame{f}
		}
		out := &Trades{Symbol: f.Symbol}
		for _, t := range frames {
			side := market.Sell
			if t.BuyerRole == "taker" {
				side = market.Buy
			}
			out.Events = append(out.Events, TradeEvent{
				Symbol:    f.Symbol,
				ID:        t.ID.String(),
				Price:     t.Price,
				Size:      t.Size,
				Side:      side,
				Timestamp: t.Timestamp,
				Seq:       t.Seq,
			})
		}
		return out, nil

	case "orders", "v2/fills":
		var f orderFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("decode order update: %w", err)
		}
		if f.ClientOrderID == "" {
			return nil, fmt.Errorf("order update missing client_order_id")
		}
		return &OrderUpdate{
			Symbol:           f.Symbol,
			ClientOrderID:    f.ClientOrderID,
			ExchangeOrderID:  f.ID,
			State:            f.State,
			Size:             f.Size,
			UnfilledSize:     f.UnfilledSize,
			AverageFillPrice: f.AverageFillPrice,
			Reason:           f.Reason,
			Timestamp:        f.Timestamp,
		}, nil

	case "error":
		var f errorFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("decode error frame: %w", err)
		}
		return &FeedError{Message: f.Message}, nil

	default:
		// Heartbeats, subscription acks, auth acks.
		return nil, nil
	}
}
