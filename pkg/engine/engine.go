// Package engine wires the transport, market-data synchronizer, order
// manager, and strategies into one event loop.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"deltatrader/params"
	"deltatrader/pkg/book"
	"deltatrader/pkg/convert"
	"deltatrader/pkg/exchange"
	"deltatrader/pkg/market"
	"deltatrader/pkg/marketdata"
	"deltatrader/pkg/oms"
	"deltatrader/pkg/util"
)

// Transport is the websocket surface the engine drives. Implemented by
// *exchange.WSClient; faked in tests.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(channel string, symbols []string) error
	Unsubscribe(channel string, symbols []string) error
	Recv() <-chan []byte
	Close() error
}

// ProductSource resolves instrument definitions at startup. Implemented
// by *exchange.RestClient.
type ProductSource interface {
	GetProduct(ctx context.Context, symbol string) (*market.Product, error)
}

// orderUpdater is implemented by the live manager; the paper manager
// has no private order channel.
type orderUpdater interface {
	OnOrderUpdate(u *exchange.OrderUpdate)
}

// reconciler is implemented by the live manager. The engine drives the
// sweep from its own loop so reconcile-discovered fills reach strategies
// on the same goroutine as every other callback.
type reconciler interface {
	Reconcile(ctx context.Context) error
}

// Engine owns the event loop. All strategy and order-manager callbacks
// run on it sequentially, so hosted code is effectively single-threaded.
type Engine struct {
	log   *zap.SugaredLogger
	cfg   params.Config
	clock util.Clock

	transport Transport
	products  ProductSource
	registry  *market.Registry
	conv      *convert.Converter
	md        *marketdata.Synchronizer
	orders    oms.Manager
	recorder  marketdata.Subscriber

	strategies []Strategy

	accepting atomic.Bool
	loopDone  chan struct{}
	stopped   atomic.Bool
	cancel    context.CancelFunc
}

// Deps are the engine's injected collaborators. Recorder and Clock are
// optional.
type Deps struct {
	Transport Transport
	Products  ProductSource
	Orders    oms.Manager
	Recorder  marketdata.Subscriber
	Clock     util.Clock
}

func New(cfg params.Config, conv *convert.Converter, registry *market.Registry, deps Deps, log *zap.SugaredLogger) *Engine {
	clock := deps.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	e := &Engine{
		log:       log,
		cfg:       cfg,
		clock:     clock,
		transport: deps.Transport,
		products:  deps.Products,
		registry:  registry,
		conv:      conv,
		orders:    deps.Orders,
		recorder:  deps.Recorder,
		loopDone:  make(chan struct{}),
	}
	e.md = marketdata.NewSynchronizer(conv, deps.Transport, log)
	return e
}

// AddStrategy registers a strategy. Must be called before Start.
func (e *Engine) AddStrategy(s Strategy) {
	e.strategies = append(e.strategies, s)
}

// MarketData exposes the synchronizer for read-only monitoring access.
func (e *Engine) MarketData() *marketdata.Synchronizer { return e.md }

// Orders exposes the order manager for monitoring access.
func (e *Engine) Orders() oms.Manager { return e.orders }

// Start brings the engine up: resolve products, connect, subscribe,
// wait for every symbol's first snapshot, then start strategies. Any
// failure is fatal; the caller exits rather than trading on a
// half-initialized engine.
func (e *Engine) Start(ctx context.Context) error {
	for _, symbol := range e.cfg.Symbols {
		p, err := e.products.GetProduct(ctx, symbol)
		if err != nil {
			return fmt.Errorf("resolve product %s: %w", symbol, err)
		}
		if err := e.registry.Register(p); err != nil {
			return err
		}
		if err := e.conv.Register(symbol, p.TickSize, p.LotSize); err != nil {
			return fmt.Errorf("register converter %s: %w", symbol, err)
		}
		e.md.Track(symbol)
		e.log.Infow("product_registered",
			"symbol", symbol, "id", p.ID, "tick_size", p.TickSize, "lot_size", p.LotSize)
	}

	// The order manager sees every event before any strategy, so fills
	// triggered by an update are visible when the strategy runs.
	e.orders.SetFillHandler(e.dispatchFill)
	if sub, ok := e.orders.(marketdata.Subscriber); ok {
		e.md.AddSubscriber(sub)
	}
	e.md.AddSubscriber(e)
	if e.recorder != nil {
		e.md.AddSubscriber(e.recorder)
	}

	if err := e.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := e.transport.Subscribe(marketdata.ChannelBook, e.cfg.Symbols); err != nil {
		return err
	}
	if err := e.transport.Subscribe(marketdata.ChannelTrades, e.cfg.Symbols); err != nil {
		return err
	}
	if _, ok := e.orders.(orderUpdater); ok {
		if err := e.transport.Subscribe(marketdata.ChannelOrders, e.cfg.Symbols); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.loop(loopCtx)

	waitCtx, waitCancel := context.WithTimeout(ctx, e.cfg.SnapshotTimeout)
	defer waitCancel()
	for _, symbol := range e.cfg.Symbols {
		if err := e.md.WaitForSnapshot(waitCtx, symbol); err != nil {
			return err
		}
	}
	e.log.Infow("all_snapshots_applied", "symbols", e.cfg.Symbols)

	for _, s := range e.strategies {
		if err := s.OnStart(); err != nil {
			return fmt.Errorf("strategy %s start: %w", s.Name(), err)
		}
		e.log.Infow("strategy_started", "strategy", s.Name())
	}

	e.accepting.Store(true)
	return nil
}

// loop is the single goroutine all callbacks run on.
func (e *Engine) loop(ctx context.Context) {
	defer close(e.loopDone)

	ticker := e.clock.NewTicker(time.Second)
	defer ticker.Stop()
	lastReconcile := e.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return

		case raw, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			e.handleFrame(raw)

		case <-ticker.C():
			// Book and trade events due at the same instant run first.
			if !e.drainRecv() {
				return
			}
			if e.accepting.Load() {
				for _, s := range e.strategies {
					s.OnTick()
				}
			}
			for _, o := range e.orders.DrainTerminal() {
				e.log.Debugw("order_retired",
					"id", o.ClientOrderID, "status", o.Status, "filled", o.FilledSize)
			}
			if rec, ok := e.orders.(reconciler); ok && e.cfg.ReconcileInterval > 0 && e.accepting.Load() {
				if now := e.clock.Now(); now.Sub(lastReconcile) >= e.cfg.ReconcileInterval {
					lastReconcile = now
					if err := rec.Reconcile(ctx); err != nil {
						e.log.Warnw("reconcile_failed", "err", err)
					}
				}
			}
		}
	}
}

// drainRecv empties whatever the transport has already queued. Reports
// false when the channel closed.
func (e *Engine) drainRecv() bool {
	for {
		select {
		case raw, ok := <-e.transport.Recv():
			if !ok {
				return false
			}
			e.handleFrame(raw)
		default:
			return true
		}
	}
}

func (e *Engine) handleFrame(raw []byte) {
	msg, err := exchange.Decode(raw)
	if err != nil {
		e.log.Warnw("decode_failed", "err", err)
		return
	}
	if msg == nil {
		return
	}
	if u, ok := msg.(*exchange.OrderUpdate); ok {
		if lm, ok := e.orders.(orderUpdater); ok {
			lm.OnOrderUpdate(u)
		}
		return
	}
	e.md.Handle(msg)
}

// OnOrderBookUpdate fans a book event out to interested strategies.
// Part of the marketdata.Subscriber surface.
func (e *Engine) OnOrderBookUpdate(symbol string, b *book.Book) {
	if !e.accepting.Load() {
		return
	}
	for _, s := range e.strategies {
		if strategyWants(s, symbol) {
			s.OnOrderBookUpdate(symbol, b)
		}
	}
}

// OnTrade fans a trade out to interested strategies.
func (e *Engine) OnTrade(symbol string, t book.Trade) {
	if !e.accepting.Load() {
		return
	}
	for _, s := range e.strategies {
		if strategyWants(s, symbol) {
			s.OnTrade(symbol, t)
		}
	}
}

func (e *Engine) dispatchFill(o oms.Order) {
	for _, s := range e.strategies {
		if strategyWants(s, o.Symbol) {
			s.OnFill(o)
		}
	}
}

func strategyWants(s Strategy, symbol string) bool {
	symbols := s.Symbols()
	if len(symbols) == 0 {
		return true
	}
	for _, want := range symbols {
		if want == symbol {
			return true
		}
	}
	return false
}

// Stop shuts down in order: stop accepting, cancel everything
// outstanding, wait for the orders to resolve, stop strategies, then
// tear the transport down. Idempotent.
func (e *Engine) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.accepting.Store(false)
	e.log.Infow("engine_stopping")

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()

	if _, err := e.orders.CancelAll(ctx, ""); err != nil {
		e.log.Errorw("shutdown_cancel_all_failed", "err", err)
	}
	e.waitForFlat(ctx)

	for _, s := range e.strategies {
		s.OnStop()
		e.log.Infow("strategy_stopped", "strategy", s.Name())
	}

	if err := e.transport.Unsubscribe(marketdata.ChannelBook, e.cfg.Symbols); err != nil {
		e.log.Debugw("unsubscribe_failed", "channel", marketdata.ChannelBook, "err", err)
	}
	if err := e.transport.Unsubscribe(marketdata.ChannelTrades, e.cfg.Symbols); err != nil {
		e.log.Debugw("unsubscribe_failed", "channel", marketdata.ChannelTrades, "err", err)
	}
	if _, ok := e.orders.(orderUpdater); ok {
		if err := e.transport.Unsubscribe(marketdata.ChannelOrders, e.cfg.Symbols); err != nil {
			e.log.Debugw("unsubscribe_failed", "channel", marketdata.ChannelOrders, "err", err)
		}
	}

	if e.cancel != nil {
		e.cancel()
		<-e.loopDone
	}
	if err := e.transport.Close(); err != nil {
		e.log.Debugw("transport_close_failed", "err", err)
	}
	e.log.Infow("engine_stopped")
}

// waitForFlat polls until no orders remain open or the deadline passes.
// Leftovers are logged loudly but never block shutdown.
func (e *Engine) waitForFlat(ctx context.Context) {
	for {
		open := e.orders.Open("")
		if len(open) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			for _, o := range open {
				e.log.Errorw("order_still_open_at_shutdown",
					"id", o.ClientOrderID, "symbol", o.Symbol, "status", o.Status)
			}
			return
		case <-e.clock.After(100 * time.Millisecond):
		}
	}
}

// Run starts the engine and blocks until the context is cancelled, then
// shuts down.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		e.Stop()
		return err
	}
	<-ctx.Done()
	e.Stop()
	return nil
}
