// Package convert translates between human-readable decimal prices/sizes
// and the integer tick/lot representation used everywhere inside the
// client. All arithmetic is exact int64; no float64 touches a price.
package convert

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrNotAligned means a decimal value does not sit on the
	// instrument's tick/lot grid and the caller demanded exactness.
	ErrNotAligned = errors.New("value not aligned to instrument increment")

	// ErrUnknownSymbol means no product was registered for the symbol.
	ErrUnknownSymbol = errors.New("symbol not registered")

	// ErrOverflow means the value cannot be represented in int64 at the
	// instrument's precision.
	ErrOverflow = errors.New("decimal value overflows int64")
)

// Decimal is an exact base-10 fixed-point value: Mant / 10^Exp.
type Decimal struct {
	Mant int64
	Exp  int
}

// ParseDecimal parses strings like "101.5", "-0.010", "25".
func ParseDecimal(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Decimal{}, fmt.Errorf("parse decimal: empty string")
	}

	neg := false
	switch s[0] {
	case '+':
		s = s[1:]
	case '-':
		neg = true
		s = s[1:]
	}

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" && fracPart == "" {
		return Decimal{}, fmt.Errorf("parse decimal: %q", s)
	}
	digits := intPart + fracPart
	for _, c := range digits {
		if c < '0' || c > '9' {
			return Decimal{}, fmt.Errorf("parse decimal: %q", s)
		}
	}

	mant := int64(0)
	for _, c := range digits {
		d := int64(c - '0')
		if mant > (math.MaxInt64-d)/10 {
			return Decimal{}, ErrOverflow
		}
		mant = mant*10 + d
	}
	if neg {
		mant = -mant
	}
	return Decimal{Mant: mant, Exp: len(fracPart)}.normalize(), nil
}

func (d Decimal) normalize() Decimal {
	for d.Exp > 0 && d.Mant%10 == 0 {
		d.Mant /= 10
		d.Exp--
	}
	if d.Mant == 0 {
		d.Exp = 0
	}
	return d
}

// Equal compares values, not representations: 1.50 == 1.5.
func (d Decimal) Equal(o Decimal) bool {
	return d.normalize() == o.normalize()
}

func (d Decimal) String() string {
	return formatScaled(d.Mant, d.Exp)
}

// rescale returns the mantissa of d expressed at exponent exp >= d.Exp.
func rescale(d Decimal, exp int) (int64, error) {
	m := d.Mant
	for i := d.Exp; i < exp; i++ {
		if m > math.MaxInt64/10 || m < math.MinInt64/10 {
			return 0, ErrOverflow
		}
		m *= 10
	}
	return m, nil
}

// quantize divides v by step. With exact set, any remainder is
// ErrNotAligned; otherwise the quotient is rounded half-to-even.
func quantize(v, step Decimal, exact bool) (int64, error) {
	if step.Mant <= 0 {
		return 0, fmt.Errorf("invalid increment %s", step)
	}
	exp := v.Exp
	if step.Exp > exp {
		exp = step.Exp
	}
	vm, err := rescale(v, exp)
	if err != nil {
		return 0, err
	}
	sm, err := rescale(step, exp)
	if err != nil {
		return 0, err
	}

	neg := vm < 0
	a := vm
	if neg {
		a = -a
	}
	q := a / sm
	r := a % sm
	if r != 0 {
		if exact {
			return 0, fmt.Errorf("%w: %s not a multiple of %s", ErrNotAligned, v, step)
		}
		// Round half to even without computing 2*r (overflow-safe).
		switch {
		case r > sm-r:
			q++
		case r == sm-r && q%2 == 1:
			q++
		}
	}
	if neg {
		q = -q
	}
	return q, nil
}

// scale multiplies units by step, yielding the decimal value.
func scale(units int64, step Decimal) (Decimal, error) {
	if units != 0 && (step.Mant > math.MaxInt64/absInt64(units) || step.Mant < math.MinInt64/absInt64(units)) {
		return Decimal{}, ErrOverflow
	}
	return Decimal{Mant: units * step.Mant, Exp: step.Exp}, nil
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func formatScaled(mant int64, exp int) string {
	neg := mant < 0
	if neg {
		mant = -mant
	}
	s := strconv.FormatInt(mant, 10)
	if exp > 0 {
		if len(s) <= exp {
			s = strings.Repeat("0", exp-len(s)+1) + s
		}
		s = s[:len(s)-exp] + "." + s[len(s)-exp:]
	}
	if neg {
		s = "-" + s
	}
	return s
}

type instrument struct {
	tick Decimal
	lot  Decimal
}

// Converter holds per-symbol tick and lot increments and performs all
// decimal <-> integer conversions for registered products.
type Converter struct {
	mu    sync.RWMutex
	specs map[string]instrument
}

func NewConverter() *Converter {
	return &Converter{specs: make(map[string]instrument)}
}

// Register records the tick and lot size for a symbol. Increments must
// be positive decimals. Re-registering a symbol overwrites it; products
// are immutable after engine startup so this only happens during init.
func (c *Converter) Register(symbol, tickSize, lotSize string) error {
	tick, err := ParseDecimal(tickSize)
	if err != nil {
		return fmt.Errorf("tick size for %s: %w", symbol, err)
	}
	lot, err := ParseDecimal(lotSize)
	if err != nil {
		return fmt.Errorf("lot size for %s: %w", symbol, err)
	}
	if tick.Mant <= 0 || lot.Mant <= 0 {
		return fmt.Errorf("increments for %s must be positive", symbol)
	}
	c.mu.Lock()
	c.specs[symbol] = instrument{tick: tick, lot: lot}
	c.mu.Unlock()
	return nil
}

func (c *Converter) spec(symbol string) (instrument, error) {
	c.mu.RLock()
	s, ok := c.specs[symbol]
	c.mu.RUnlock()
	if !ok {
		return instrument{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return s, nil
}

// PriceToTicks converts an exactly tick-aligned decimal price. Values
// off the grid fail with ErrNotAligned; order submission must never
// silently round.
func (c *Converter) PriceToTicks(symbol, price string) (int64, error) {
	return c.priceTicks(symbol, price, true)
}

// RoundPriceToTicks converts with round-half-to-even. Used for inbound
// market data where the feed's formatting is not under our control.
func (c *Converter) RoundPriceToTicks(symbol, price string) (int64, error) {
	return c.priceTicks(symbol, price, false)
}

func (c *Converter) priceTicks(symbol, price string, exact bool) (int64, error) {
	s, err := c.spec(symbol)
	if err != nil {
		return 0, err
	}
	d, err := ParseDecimal(price)
	if err != nil {
		return 0, err
	}
	return quantize(d, s.tick, exact)
}

// PriceFromTicks renders a tick count as a decimal string. Round-trip
// with PriceToTicks is exact for aligned values.
func (c *Converter) PriceFromTicks(symbol string, ticks int64) (string, error) {
	s, err := c.spec(symbol)
	if err != nil {
		return "", err
	}
	d, err := scale(ticks, s.tick)
	if err != nil {
		return "", err
	}
	return d.String(), nil
}

// SizeToLots converts an exactly lot-aligned decimal size.
func (c *Converter) SizeToLots(symbol, size string) (int64, error) {
	return c.sizeLots(symbol, size, true)
}

// RoundSizeToLots converts with round-half-to-even.
func (c *Converter) RoundSizeToLots(symbol, size string) (int64, error) {
	return c.sizeLots(symbol, size, false)
}

func (c *Converter) sizeLots(symbol, size string, exact bool) (int64, error) {
	s, err := c.spec(symbol)
	if err != nil {
		return 0, err
	}
	d, err := ParseDecimal(size)
	if err != nil {
		return 0, err
	}
	return quantize(d, s.lot, exact)
}

// SizeFromLots renders a lot count as a decimal string.
func (c *Converter) SizeFromLots(symbol string, lots int64) (string, error) {
	s, err := c.spec(symbol)
	if err != nil {
		return "", err
	}
	d, err := scale(lots, s.lot)
	if err != nil {
		return "", err
	}
	return d.String(), nil
}

// Registered reports whether a symbol has conversion increments.
func (c *Converter) Registered(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.specs[symbol]
	return ok
}
