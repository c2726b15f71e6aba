// Package api exposes a read-only local HTTP surface for monitoring a
// running engine: products, books, trades, open orders.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"deltatrader/pkg/book"
	"deltatrader/pkg/convert"
	"deltatrader/pkg/market"
	"deltatrader/pkg/marketdata"
	"deltatrader/pkg/oms"
)

// Server is the monitoring HTTP server. It only reads engine state;
// order entry stays with strategies.
type Server struct {
	log      *zap.SugaredLogger
	registry *market.Registry
	conv     *convert.Converter
	md       *marketdata.Synchronizer
	orders   oms.Manager

	router *mux.Router
	http   *http.Server
}

func NewServer(registry *market.Registry, conv *convert.Converter, md *marketdata.Synchronizer, orders oms.Manager, log *zap.SugaredLogger) *Server {
	s := &Server{
		log:      log,
		registry: registry,
		conv:     conv,
		md:       md,
		orders:   orders,
		router:   mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/products", s.handleProducts).Methods("GET")
	api.HandleFunc("/orders", s.handleOrders).Methods("GET")
	api.HandleFunc("/orderbook/{symbol}", s.handleOrderbook).Methods("GET")
	api.HandleFunc("/trades/{symbol}", s.handleTrades).Methods("GET")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start serves in a background goroutine until Shutdown.
func (s *Server) Start(addr string) {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	s.http = &http.Server{
		Addr:         addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		s.log.Infow("api_listening", "addr", addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("api_serve_failed", "err", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debugw("api_encode_failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"products": s.registry.Count(),
	})
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

type orderView struct {
	ClientOrderID   string `json:"client_order_id"`
	ExchangeOrderID int64  `json:"exchange_order_id,omitempty"`
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	Type            string `json:"type"`
	Status          string `json:"status"`
	Size            string `json:"size"`
	Price           string `json:"price,omitempty"`
	FilledSize      string `json:"filled_size"`
	Reason          string `json:"reason,omitempty"`
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	open := s.orders.Open(symbol)

	out := make([]orderView, 0, len(open))
	for _, o := range open {
		v := orderView{
			ClientOrderID:   o.ClientOrderID,
			ExchangeOrderID: o.ExchangeOrderID,
			Symbol:          o.Symbol,
			Side:            string(o.Side),
			Type:            string(o.Type),
			Status:          string(o.Status),
			Reason:          o.Reason,
		}
		v.Size, _ = s.conv.SizeFromLots(o.Symbol, o.Size)
		v.FilledSize, _ = s.conv.SizeFromLots(o.Symbol, o.FilledSize)
		if o.Price != 0 {
			v.Price, _ = s.conv.PriceFromTicks(o.Symbol, o.Price)
		}
		out = append(out, v)
	}
	s.writeJSON(w, http.StatusOK, out)
}

type levelView struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookView struct {
	Symbol    string      `json:"symbol"`
	Seq       int64       `json:"seq"`
	Timestamp int64       `json:"timestamp"`
	Bids      []levelView `json:"bids"`
	Asks      []levelView `json:"asks"`
}

func (s *Server) handleOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	b := s.md.Book(symbol)
	if b == nil {
		s.writeError(w, http.StatusNotFound, "unknown symbol "+symbol)
		return
	}
	view := bookView{
		Symbol:    symbol,
		Seq:       b.Sequence(),
		Timestamp: b.Timestamp(),
		Bids:      s.levelViews(symbol, b.Bids()),
		Asks:      s.levelViews(symbol, b.Asks()),
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) levelViews(symbol string, levels []book.Level) []levelView {
	out := make([]levelView, 0, len(levels))
	for _, l := range levels {
		var v levelView
		v.Price, _ = s.conv.PriceFromTicks(symbol, l.Price)
		v.Size, _ = s.conv.SizeFromLots(symbol, l.Size)
		out = append(out, v)
	}
	return out
}

type tradeView struct {
	ID        string `json:"id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if !s.registry.Exists(symbol) {
		s.writeError(w, http.StatusNotFound, "unknown symbol "+symbol)
		return
	}
	trades := s.md.Trades(symbol, 50)
	out := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		v := tradeView{ID: t.ID, Side: string(t.Side), Timestamp: t.Timestamp}
		v.Price, _ = s.conv.PriceFromTicks(symbol, t.Price)
		v.Size, _ = s.conv.SizeFromLots(symbol, t.Size)
		out = append(out, v)
	}
	s.writeJSON(w, http.StatusOK, out)
}
