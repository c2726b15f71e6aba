// Package market holds immutable instrument definitions and the shared
// side enum used by market data and order management.
package market

import (
	"errors"
	"fmt"
	"sync"
)

// Side of a trade or order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

// ErrUnknownProduct means a symbol was never registered. Requesting an
// unknown symbol at startup is fatal.
var ErrUnknownProduct = errors.New("product not registered")

// Product is a tradable instrument. Instances are created once during
// engine initialization and read-only thereafter.
type Product struct {
	ID            int64
	Symbol        string
	Description   string
	ContractType  string
	TickSize      string // minimum price increment, decimal string
	LotSize       string // minimum size increment, decimal string
	ContractValue string // size of one contract
	QuotingAsset  string
	SettlingAsset string
}

// Registry is a thread-safe product table keyed by symbol.
type Registry struct {
	mu       sync.RWMutex
	products map[string]*Product
}

func NewRegistry() *Registry {
	return &Registry{products: make(map[string]*Product)}
}

// Register adds a product. Duplicate symbols are an error: products are
// immutable once registered.
func (r *Registry) Register(p *Product) error {
	if p == nil {
		return fmt.Errorf("cannot register nil product")
	}
	if p.Symbol == "" {
		return fmt.Errorf("cannot register product without symbol")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.products[p.Symbol]; exists {
		return fmt.Errorf("product %s already registered", p.Symbol)
	}
	r.products[p.Symbol] = p
	return nil
}

func (r *Registry) Get(symbol string) (*Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.products[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, symbol)
	}
	return p, nil
}

// List returns all registered products in unspecified order.
func (r *Registry) List() []*Product {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Product, 0, len(r.products))
	for _, p := range r.products {
		out = append(out, p)
	}
	return out
}

func (r *Registry) Exists(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.products[symbol]
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.products)
}
