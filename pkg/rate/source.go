// Package rate provides the pluggable exchange-rate sources a route converts
// leg-1 amounts with: static constants, HTTP price APIs and on-chain AMM quotes.
package rate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// divisionPrecision is the number of decimal places kept when dividing prices.
const divisionPrecision = 18

// ErrNonPositiveRate is returned when a source produces a zero or negative rate.
var ErrNonPositiveRate = errors.New("rate must be positive")

// Source returns how many units of the destination asset one unit of the
// source asset is worth.
type Source interface {
	Rate(ctx context.Context) (decimal.Decimal, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (decimal.Decimal, error)

// Rate calls f.
func (f SourceFunc) Rate(ctx context.Context) (decimal.Decimal, error) { return f(ctx) }

// Static is a configured constant rate.
type Static struct {
	rate decimal.Decimal
}

// NewStatic validates and wraps a constant rate.
func NewStatic(r decimal.Decimal) (*Static, error) {
	if !r.IsPositive() {
		return nil, ErrNonPositiveRate
	}
	return &Static{rate: r}, nil
}

// Rate returns the constant.
func (s *Static) Rate(context.Context) (decimal.Decimal, error) { return s.rate, nil }

// Inverse flips a source, turning an A→B rate into B→A.
type Inverse struct {
	src Source
}

// NewInverse wraps src.
func NewInverse(src Source) *Inverse { return &Inverse{src: src} }

// Rate returns 1 / src rate.
func (i *Inverse) Rate(ctx context.Context) (decimal.Decimal, error) {
	r, err := i.src.Rate(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if !r.IsPositive() {
		return decimal.Zero, ErrNonPositiveRate
	}
	return decimal.NewFromInt(1).DivRound(r, divisionPrecision), nil
}

// Product chains several sources, e.g. an API quote for A→B followed by an
// AMM quote for B→C.
type Product struct {
	sources []Source
}

// NewProduct multiplies the rates of sources in order.
func NewProduct(sources ...Source) (*Product, error) {
	if len(sources) == 0 {
		return nil, errors.New("product rate needs at least one source")
	}
	return &Product{sources: sources}, nil
}

// Rate returns the product of all source rates.
func (p *Product) Rate(ctx context.Context) (decimal.Decimal, error) {
	out := decimal.NewFromInt(1)
	for i, src := range p.sources {
		r, err := src.Rate(ctx)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to fetch rate %d of product: %w", i, err)
		}
		if !r.IsPositive() {
			return decimal.Zero, ErrNonPositiveRate
		}
		out = out.Mul(r)
	}
	return out, nil
}

// Cached memoizes a source for a fixed time-to-live.
type Cached struct {
	src Source
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	value     decimal.Decimal
	fetchedAt time.Time
}

// NewCached wraps src; a non-positive ttl disables caching.
func NewCached(src Source, ttl time.Duration) *Cached {
	return &Cached{src: src, ttl: ttl, now: time.Now}
}

// Rate returns the cached rate while it is fresh.
func (c *Cached) Rate(ctx context.Context) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ttl > 0 && !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.value, nil
	}
	r, err := c.src.Rate(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	c.value, c.fetchedAt = r, c.now()
	return r, nil
}
