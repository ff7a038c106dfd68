package rate

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ReservesReader reads the two reserves of a constant-product pool.
type ReservesReader interface {
	PairReserves(ctx context.Context, pair string) (reserve0, reserve1 *big.Int, err error)
}

// AMMQuote derives a spot rate from pool reserves:
// (reserveOut / 10^outDecimals) / (reserveIn / 10^inDecimals), less the pool fee.
type AMMQuote struct {
	reader      ReservesReader
	pair        string
	inIsToken0  bool
	inDecimals  int32
	outDecimals int32
	fee         decimal.Decimal
}

// AMMConfig describes one pool.
type AMMConfig struct {
	Pair        string
	InIsToken0  bool
	InDecimals  int32
	OutDecimals int32
	// Fee is the pool fee as a fraction, e.g. 0.003.
	Fee decimal.Decimal
}

// NewAMMQuote creates a reserve-based quote source.
func NewAMMQuote(reader ReservesReader, cfg AMMConfig) (*AMMQuote, error) {
	if cfg.Fee.IsNegative() || cfg.Fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("pool fee %s out of range", cfg.Fee)
	}
	return &AMMQuote{
		reader:      reader,
		pair:        cfg.Pair,
		inIsToken0:  cfg.InIsToken0,
		inDecimals:  cfg.InDecimals,
		outDecimals: cfg.OutDecimals,
		fee:         cfg.Fee,
	}, nil
}

// Rate reads the reserves and returns the fee-adjusted spot price.
func (a *AMMQuote) Rate(ctx context.Context) (decimal.Decimal, error) {
	r0, r1, err := a.reader.PairReserves(ctx, a.pair)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read reserves of %s: %w", a.pair, err)
	}
	in, out := r1, r0
	if a.inIsToken0 {
		in, out = r0, r1
	}
	if in == nil || out == nil || in.Sign() <= 0 || out.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("pool %s has empty reserves", a.pair)
	}

	inHuman := decimal.NewFromBigInt(in, -a.inDecimals)
	outHuman := decimal.NewFromBigInt(out, -a.outDecimals)
	spot := outHuman.DivRound(inHuman, divisionPrecision)
	return spot.Mul(decimal.NewFromInt(1).Sub(a.fee)), nil
}
