// Package precondition implements the balance sufficiency check run before
// any leg is submitted.
package precondition

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/trichain-bridge/internal/metrics"
	"github.com/chainsafe/trichain-bridge/pkg/chain"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
	"github.com/chainsafe/trichain-bridge/pkg/units"
)

const defaultTimeout = 15 * time.Second

// Result is the verdict of a balance check.
type Result int

const (
	// Unknown is returned when the balance could not be read. Callers must not treat it as sufficient.
	Unknown Result = iota
	Satisfied
	Insufficient
)

func (r Result) String() string {
	switch r {
	case Satisfied:
		return "satisfied"
	case Insufficient:
		return "insufficient"
	default:
		return "unknown"
	}
}

// Verdict is the outcome of Check.
type Verdict struct {
	Result    Result
	Current   *big.Int
	Required  *big.Int
	Shortfall string
	Err       error
}

// Satisfied reports whether the check allows the transfer to proceed.
func (v Verdict) Satisfied() bool { return v.Result == Satisfied }

// AsError converts a non-satisfied verdict into the matching domain error.
func (v Verdict) AsError(asset transfer.AssetConfig, account string) error {
	switch v.Result {
	case Satisfied:
		return nil
	case Insufficient:
		return &transfer.InsufficientBalanceError{
			Chain:     asset.Chain,
			Account:   account,
			Symbol:    asset.Symbol,
			Required:  units.ToHumanUnits(v.Required, asset.Decimals),
			Available: units.ToHumanUnits(v.Current, asset.Decimals),
		}
	default:
		return &transfer.BalanceUnknownError{Chain: asset.Chain, Account: account, Err: v.Err}
	}
}

// BalanceCheck compares an account balance of one asset against a required amount.
type BalanceCheck struct {
	reader  chain.BalanceReader
	asset   transfer.AssetConfig
	timeout time.Duration
	logger  *zap.Logger
}

// Option configures a BalanceCheck.
type Option func(*BalanceCheck)

// WithTimeout bounds each balance read.
func WithTimeout(d time.Duration) Option {
	return func(c *BalanceCheck) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates a BalanceCheck for asset read through reader.
func New(reader chain.BalanceReader, asset transfer.AssetConfig, logger *zap.Logger, opts ...Option) *BalanceCheck {
	c := &BalanceCheck{
		reader:  reader,
		asset:   asset,
		timeout: defaultTimeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check reads the balance of account and compares it against required base units.
func (c *BalanceCheck) Check(ctx context.Context, account string, required *big.Int) Verdict {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	balance, err := c.reader.Balance(ctx, account, c.asset)
	if err == nil && balance == nil {
		err = fmt.Errorf("reader returned no balance")
	}
	if err != nil {
		c.logger.Warn("Balance read failed, refusing to assume sufficiency",
			zap.String("chain", string(c.asset.Chain)),
			zap.String("account", account),
			zap.Error(err))
		metrics.PreconditionChecks.WithLabelValues(string(c.asset.Chain), Unknown.String()).Inc()
		return Verdict{Result: Unknown, Required: required, Err: err}
	}

	if balance.Cmp(required) < 0 {
		shortfall := fmt.Sprintf("insufficient %s balance: required %s, available %s",
			c.asset.Symbol,
			units.ToHumanUnits(required, c.asset.Decimals).String(),
			units.ToHumanUnits(balance, c.asset.Decimals).String())
		metrics.PreconditionChecks.WithLabelValues(string(c.asset.Chain), Insufficient.String()).Inc()
		return Verdict{Result: Insufficient, Current: balance, Required: required, Shortfall: shortfall}
	}

	metrics.PreconditionChecks.WithLabelValues(string(c.asset.Chain), Satisfied.String()).Inc()
	return Verdict{Result: Satisfied, Current: balance, Required: required}
}
