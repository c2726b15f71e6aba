package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"deltatrader/params"
	"deltatrader/pkg/book"
	"deltatrader/pkg/convert"
	"deltatrader/pkg/exchange"
	"deltatrader/pkg/market"
	"deltatrader/pkg/oms"
	"deltatrader/pkg/util"
)

// fakeClock hands out tickers that fire only when the test says so.
type fakeClock struct {
	ticks chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{ticks: make(chan time.Time, 1)}
}

func (f *fakeClock) Now() time.Time                         { return time.Now() }
func (f *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (f *fakeClock) NewTicker(d time.Duration) util.Ticker  { return fakeTicker{f.ticks} }

func (f *fakeClock) tick() { f.ticks <- time.Now() }

type fakeTicker struct{ c chan time.Time }

func (t fakeTicker) C() <-chan time.Time { return t.c }
func (t fakeTicker) Stop()               {}

// fakeLiveManager looks like the live manager to the engine: it takes
// private order updates and supports the reconciliation sweep.
type fakeLiveManager struct {
	*oms.PaperManager
	mu         sync.Mutex
	reconciles int
}

func (f *fakeLiveManager) OnOrderUpdate(u *exchange.OrderUpdate) {}

func (f *fakeLiveManager) Reconcile(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciles++
	return nil
}

func (f *fakeLiveManager) reconcileCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconciles
}

type fakeTransport struct {
	mu      sync.Mutex
	recv    chan []byte
	subs    []string
	unsubs  []string
	closed  bool
	connErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{recv: make(chan []byte, 64)}
}

func (f *fakeTransport) Connect(ctx context.Context) error { return f.connErr }

func (f *fakeTransport) Subscribe(channel string, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, channel)
	return nil
}

func (f *fakeTransport) Unsubscribe(channel string, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, channel)
	return nil
}

func (f *fakeTransport) Recv() <-chan []byte { return f.recv }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeProducts struct{}

func (fakeProducts) GetProduct(ctx context.Context, symbol string) (*market.Product, error) {
	return &market.Product{ID: 1, Symbol: symbol, TickSize: "1", LotSize: "1"}, nil
}

type countingStrategy struct {
	mu      sync.Mutex
	starts  int
	stops   int
	books   int
	trades  int
	fills   []oms.Order
	events  []string
	startup error
}

func (s *countingStrategy) Name() string      { return "counting" }
func (s *countingStrategy) Symbols() []string { return nil }

func (s *countingStrategy) OnStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return s.startup
}

func (s *countingStrategy) OnOrderBookUpdate(symbol string, b *book.Book) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books++
	s.events = append(s.events, "book")
}

func (s *countingStrategy) OnTrade(symbol string, t book.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades++
	s.events = append(s.events, "trade")
}

func (s *countingStrategy) OnFill(o oms.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills = append(s.fills, o)
}

func (s *countingStrategy) OnTick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "tick")
}

func (s *countingStrategy) OnStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *countingStrategy) counts() (starts, stops, books, trades int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops, s.books, s.trades
}

func (s *countingStrategy) eventLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	copy(out, s.events)
	return out
}

func testConfig() params.Config {
	cfg := params.Default()
	cfg.Symbols = []string{"BTCUSD"}
	cfg.SnapshotTimeout = 2 * time.Second
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

const snapshotFrame = `{
	"type": "l2_updates", "action": "snapshot", "symbol": "BTCUSD",
	"sequence_no": 10,
	"buy": [{"limit_price": "100", "size": 5}],
	"sell": [{"limit_price": "101", "size": 5}]
}`

const deltaFrame = `{
	"type": "l2_updates", "action": "update", "symbol": "BTCUSD",
	"sequence_no": 11,
	"buy": [{"limit_price": "100", "size": 7}],
	"sell": []
}`

const deltaFrame2 = `{
	"type": "l2_updates", "action": "update", "symbol": "BTCUSD",
	"sequence_no": 12,
	"buy": [{"limit_price": "99", "size": 3}],
	"sell": []
}`

const tradeFrame = `{
	"type": "all_trades", "symbol": "BTCUSD",
	"trade_id": 1, "price": "100", "size": 1, "buyer_role": "taker"
}`

func newTestEngine(t *testing.T, transport *fakeTransport) (*Engine, *oms.PaperManager, *countingStrategy) {
	t.Helper()
	log := zap.NewNop().Sugar()
	conv := convert.NewConverter()
	registry := market.NewRegistry()
	orders := oms.NewPaperManager(conv, nil, log)
	eng := New(testConfig(), conv, registry, Deps{
		Transport: transport,
		Products:  fakeProducts{},
		Orders:    orders,
	}, log)
	strat := &countingStrategy{}
	eng.AddStrategy(strat)
	return eng, orders, strat
}

func TestStartWaitsForSnapshotThenStartsStrategies(t *testing.T) {
	transport := newFakeTransport()
	transport.recv <- []byte(snapshotFrame)

	eng, _, strat := newTestEngine(t, transport)
	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop()

	starts, _, _, _ := strat.counts()
	assert.Equal(t, 1, starts)
	assert.Contains(t, transport.subs, "l2_updates")
	assert.Contains(t, transport.subs, "all_trades")

	b := eng.MarketData().Book("BTCUSD")
	require.NotNil(t, b)
	assert.Equal(t, int64(10), b.Sequence())
}

func TestStartFailsWithoutSnapshot(t *testing.T) {
	transport := newFakeTransport()
	eng, _, strat := newTestEngine(t, transport)

	cfg := testConfig()
	cfg.SnapshotTimeout = 100 * time.Millisecond
	eng.cfg = cfg

	err := eng.Start(context.Background())
	require.Error(t, err)
	starts, _, _, _ := strat.counts()
	assert.Equal(t, 0, starts, "strategies never start on a failed startup")
	eng.Stop()
}

func TestStartAbortsWhenStrategyFails(t *testing.T) {
	transport := newFakeTransport()
	transport.recv <- []byte(snapshotFrame)

	eng, _, strat := newTestEngine(t, transport)
	strat.startup = errors.New("bad strategy config")

	err := eng.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad strategy config")
	eng.Stop()
}

func TestEventsReachStrategiesAfterStart(t *testing.T) {
	transport := newFakeTransport()
	transport.recv <- []byte(snapshotFrame)

	eng, _, strat := newTestEngine(t, transport)
	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop()

	transport.recv <- []byte(deltaFrame)
	transport.recv <- []byte(tradeFrame)

	require.Eventually(t, func() bool {
		_, _, books, trades := strat.counts()
		return books >= 1 && trades >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFillsDispatchToStrategies(t *testing.T) {
	transport := newFakeTransport()
	transport.recv <- []byte(snapshotFrame)

	eng, orders, strat := newTestEngine(t, transport)
	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop()

	// Wait until the paper manager has seen the book.
	require.Eventually(t, func() bool {
		o, err := orders.Place(context.Background(), oms.Request{
			Symbol: "BTCUSD", Side: market.Buy, Type: oms.Market, Size: "1",
		})
		return err == nil && o.Status == oms.Filled
	}, 2*time.Second, 10*time.Millisecond)

	strat.mu.Lock()
	defer strat.mu.Unlock()
	require.NotEmpty(t, strat.fills)
	assert.Equal(t, oms.Filled, strat.fills[len(strat.fills)-1].Status)
}

func TestStopCancelsOutstandingOrdersAndStopsOnce(t *testing.T) {
	transport := newFakeTransport()
	transport.recv <- []byte(snapshotFrame)

	eng, orders, strat := newTestEngine(t, transport)
	require.NoError(t, eng.Start(context.Background()))

	// Wait for the paper manager to track the book, then rest 3 orders.
	require.Eventually(t, func() bool {
		return eng.MarketData().Book("BTCUSD").Sequence() == 10
	}, 2*time.Second, 10*time.Millisecond)

	var resting []oms.Order
	for _, price := range []string{"95", "96", "97"} {
		o, err := orders.Place(context.Background(), oms.Request{
			Symbol: "BTCUSD", Side: market.Buy, Type: oms.Limit, Size: "1", Price: price,
		})
		require.NoError(t, err)
		require.Equal(t, oms.Open, o.Status)
		resting = append(resting, o)
	}

	eng.Stop()
	eng.Stop() // idempotent

	for _, o := range resting {
		got, ok := orders.Get(o.ClientOrderID)
		require.True(t, ok)
		assert.Equal(t, oms.Cancelled, got.Status, "order %s", o.ClientOrderID)
	}
	_, stops, _, _ := strat.counts()
	assert.Equal(t, 1, stops, "OnStop runs exactly once")
	assert.True(t, transport.isClosed())
	assert.Contains(t, transport.unsubs, "l2_updates")
}

func TestStopUnsubscribesOrdersChannel(t *testing.T) {
	transport := newFakeTransport()
	transport.recv <- []byte(snapshotFrame)

	log := zap.NewNop().Sugar()
	conv := convert.NewConverter()
	flm := &fakeLiveManager{PaperManager: oms.NewPaperManager(conv, nil, log)}
	eng := New(testConfig(), conv, market.NewRegistry(), Deps{
		Transport: transport,
		Products:  fakeProducts{},
		Orders:    flm,
	}, log)

	require.NoError(t, eng.Start(context.Background()))
	assert.Contains(t, transport.subs, "orders")

	eng.Stop()
	assert.Contains(t, transport.unsubs, "orders")
}

func TestReconcileRunsOnEngineTick(t *testing.T) {
	transport := newFakeTransport()
	transport.recv <- []byte(snapshotFrame)
	clock := newFakeClock()

	log := zap.NewNop().Sugar()
	conv := convert.NewConverter()
	flm := &fakeLiveManager{PaperManager: oms.NewPaperManager(conv, nil, log)}
	cfg := testConfig()
	cfg.ReconcileInterval = time.Nanosecond
	eng := New(cfg, conv, market.NewRegistry(), Deps{
		Transport: transport,
		Products:  fakeProducts{},
		Orders:    flm,
		Clock:     clock,
	}, log)

	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop()

	// The sweep only runs from the loop's tick, never on its own.
	assert.Equal(t, 0, flm.reconcileCount())

	clock.tick()
	require.Eventually(t, func() bool {
		return flm.reconcileCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBookEventsRunBeforeDueTick(t *testing.T) {
	transport := newFakeTransport()
	transport.recv <- []byte(snapshotFrame)
	clock := newFakeClock()

	log := zap.NewNop().Sugar()
	conv := convert.NewConverter()
	eng := New(testConfig(), conv, market.NewRegistry(), Deps{
		Transport: transport,
		Products:  fakeProducts{},
		Orders:    oms.NewPaperManager(conv, nil, log),
		Clock:     clock,
	}, log)
	strat := &countingStrategy{}
	eng.AddStrategy(strat)

	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop()

	// Two book updates and a tick are due at once; the updates must all
	// reach the strategy before OnTick.
	transport.recv <- []byte(deltaFrame)
	transport.recv <- []byte(deltaFrame2)
	clock.tick()

	require.Eventually(t, func() bool {
		for _, ev := range strat.eventLog() {
			if ev == "tick" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	events := strat.eventLog()
	tickAt, lastBookAt, books := -1, -1, 0
	for i, ev := range events {
		switch ev {
		case "tick":
			if tickAt == -1 {
				tickAt = i
			}
		case "book":
			lastBookAt = i
			books++
		}
	}
	assert.Equal(t, 2, books, "both book updates dispatched")
	assert.Greater(t, tickAt, lastBookAt, "tick runs after queued book events: %v", events)
}
