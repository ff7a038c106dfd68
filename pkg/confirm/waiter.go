// Package confirm decides when a submitted transaction can be considered
// final, either by polling its status or by waiting a fixed delay.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/chainsafe/trichain-bridge/internal/metrics"
	"github.com/chainsafe/trichain-bridge/pkg/chain"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

const (
	StrategyPoll       = "poll"
	StrategyFixedDelay = "fixed-delay"

	DefaultPollInterval = 10 * time.Second
	DefaultPollTimeout  = 10 * time.Minute
	DefaultFixedDelay   = 20 * time.Second
)

var errNotTerminal = errors.New("transaction not terminal yet")

// Verdict is the conclusion a waiter reached about a transaction.
type Verdict string

const (
	Confirmed Verdict = "confirmed"
	Failed    Verdict = "failed"
	Timeout   Verdict = "timeout"
)

// Result is returned by Wait.
type Result struct {
	Verdict Verdict
	Status  chain.TxStatus
	Waited  time.Duration
}

// Err converts a non-confirmed result into the matching domain error.
func (r Result) Err(chainID transfer.ChainID, txID string) error {
	switch r.Verdict {
	case Confirmed:
		return nil
	case Failed:
		return &transfer.ConfirmationFailedError{Chain: chainID, TxID: txID, Status: string(r.Status)}
	default:
		return &transfer.ConfirmationTimeoutError{Chain: chainID, TxID: txID, Waited: r.Waited}
	}
}

// Waiter blocks until a transaction reaches a verdict. It returns an error
// only when ctx is cancelled.
type Waiter interface {
	Wait(ctx context.Context, txID string) (Result, error)
}

// Config selects and tunes a strategy.
type Config struct {
	Strategy string
	Interval time.Duration
	Timeout  time.Duration
	Delay    time.Duration
}

// New builds the waiter described by cfg. Polling requires a status reader.
func New(chainID transfer.ChainID, cfg Config, reader chain.TxStatusReader, logger *zap.Logger) (Waiter, error) {
	switch cfg.Strategy {
	case StrategyPoll, "":
		if reader == nil {
			return nil, fmt.Errorf("poll strategy on %s requires a status reader", chainID)
		}
		return NewPollWaiter(chainID, reader, cfg.Interval, cfg.Timeout, logger), nil
	case StrategyFixedDelay:
		return NewFixedDelayWaiter(chainID, cfg.Delay, logger), nil
	default:
		return nil, fmt.Errorf("unknown confirmation strategy %q", cfg.Strategy)
	}
}

// PollWaiter queries a status endpoint at a fixed interval until the
// transaction is terminal or the timeout elapses.
type PollWaiter struct {
	chainID  transfer.ChainID
	reader   chain.TxStatusReader
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewPollWaiter creates a PollWaiter; zero durations take the defaults.
func NewPollWaiter(chainID transfer.ChainID, reader chain.TxStatusReader, interval, timeout time.Duration, logger *zap.Logger) *PollWaiter {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	return &PollWaiter{
		chainID:  chainID,
		reader:   reader,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Wait polls until success, aborted or rejected.
func (w *PollWaiter) Wait(ctx context.Context, txID string) (Result, error) {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	var status chain.TxStatus
	err := retry.Do(
		func() error {
			s, err := w.reader.TxStatus(waitCtx, txID)
			if err != nil {
				// Status endpoints are flaky; a read error is not a verdict.
				return fmt.Errorf("failed to read status of %s: %w", txID, err)
			}
			status = s
			if s.Terminal() {
				return nil
			}
			return errNotTerminal
		},
		retry.Context(waitCtx),
		retry.Attempts(0),
		retry.Delay(w.interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if !errors.Is(err, errNotTerminal) {
				w.logger.Warn("Transaction status poll failed",
					zap.String("chain", string(w.chainID)),
					zap.String("tx_id", txID),
					zap.Uint("attempt", n+1),
					zap.Error(err))
			}
		}),
	)

	res := Result{Status: status, Waited: time.Since(start)}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Verdict = Timeout
		w.record(res, txID)
		return res, nil
	}

	if status == chain.TxSuccess {
		res.Verdict = Confirmed
	} else {
		res.Verdict = Failed
	}
	w.record(res, txID)
	return res, nil
}

func (w *PollWaiter) record(res Result, txID string) {
	metrics.Confirmations.WithLabelValues(string(w.chainID), string(res.Verdict)).Inc()
	w.logger.Info("Transaction reached verdict",
		zap.String("chain", string(w.chainID)),
		zap.String("tx_id", txID),
		zap.String("verdict", string(res.Verdict)),
		zap.String("status", string(res.Status)),
		zap.Duration("waited", res.Waited))
}

// FixedDelayWaiter assumes a transaction is final after a flat delay. It is
// meant for chains without a status endpoint.
type FixedDelayWaiter struct {
	chainID transfer.ChainID
	delay   time.Duration
	logger  *zap.Logger
}

// NewFixedDelayWaiter creates a FixedDelayWaiter; a zero delay takes the default.
func NewFixedDelayWaiter(chainID transfer.ChainID, delay time.Duration, logger *zap.Logger) *FixedDelayWaiter {
	if delay <= 0 {
		delay = DefaultFixedDelay
	}
	return &FixedDelayWaiter{chainID: chainID, delay: delay, logger: logger}
}

// Wait sleeps for the configured delay unless ctx is cancelled first.
func (w *FixedDelayWaiter) Wait(ctx context.Context, txID string) (Result, error) {
	w.logger.Debug("Waiting fixed delay instead of polling status",
		zap.String("chain", string(w.chainID)),
		zap.String("tx_id", txID),
		zap.Duration("delay", w.delay))

	timer := time.NewTimer(w.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-timer.C:
	}
	metrics.Confirmations.WithLabelValues(string(w.chainID), string(Confirmed)).Inc()
	return Result{Verdict: Confirmed, Waited: w.delay}, nil
}
