// Package reconciler keeps track of transfers that ended with value moved on
// one chain only, and settles the ones whose pending legs resolved later.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/trichain-bridge/internal/metrics"
	"github.com/chainsafe/trichain-bridge/pkg/chain"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

const (
	DefaultInterval     = 5 * time.Minute
	DefaultInitialDelay = 30 * time.Second

	scanTimeout = 2 * time.Minute
)

// Store provides the outcomes awaiting reconciliation.
type Store interface {
	ListUnreconciled(ctx context.Context) ([]*transfer.Outcome, error)
	SaveOutcome(ctx context.Context, out *transfer.Outcome) error
	MarkReconciled(ctx context.Context, id, note string, at time.Time) error
}

// Report summarizes one scan.
type Report struct {
	Scanned int
	// Settled were closed because a leg left pending reached a terminal status.
	Settled int
	// Outstanding still need an operator.
	Outstanding []*transfer.Outcome
}

// Reconciler periodically scans unreconciled outcomes
type Reconciler struct {
	store   Store
	readers map[transfer.ChainID]chain.TxStatusReader
	logger  *zap.Logger
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Reconciler. readers are used to re-check legs that
// timed out; chains without a reader are only reported.
func New(store Store, readers map[transfer.ChainID]chain.TxStatusReader, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:   store,
		readers: readers,
		logger:  logger,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// ReconcileAll scans every unreconciled outcome once.
func (r *Reconciler) ReconcileAll(ctx context.Context) (*Report, error) {
	outs, err := r.store.ListUnreconciled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list unreconciled transfers: %w", err)
	}

	report := &Report{Scanned: len(outs)}
	for _, out := range outs {
		settled, err := r.settle(ctx, out)
		if err != nil {
			r.logger.Warn("Failed to re-check pending legs",
				zap.String("transfer_id", out.ID),
				zap.Error(err))
		}
		if settled {
			report.Settled++
			continue
		}
		report.Outstanding = append(report.Outstanding, out)
		r.alert(out)
	}

	metrics.UnreconciledTransfers.Set(float64(len(report.Outstanding)))
	r.logger.Info("Reconciliation scan completed",
		zap.Int("scanned", report.Scanned),
		zap.Int("settled", report.Settled),
		zap.Int("outstanding", len(report.Outstanding)))
	return report, nil
}

// settle re-reads legs the run gave up waiting for. A leg 1 that failed
// after all means nothing moved; a leg 2 that landed after all means the
// transfer did complete.
func (r *Reconciler) settle(ctx context.Context, out *transfer.Outcome) (bool, error) {
	if out.Leg1 != nil && out.Leg1.Status == transfer.LegPending {
		status, err := r.status(ctx, out.Leg1)
		if err != nil || !status.Terminal() {
			return false, err
		}
		if status != chain.TxSuccess {
			out.Leg1.Status = transfer.LegFailed
			out.Leg1.Detail = string(status)
			if err := r.store.SaveOutcome(ctx, out); err != nil {
				return false, fmt.Errorf("failed to save outcome: %w", err)
			}
			r.logger.Info("Pending leg 1 failed on chain, nothing to reconcile",
				zap.String("transfer_id", out.ID),
				zap.String("tx_id", out.Leg1.TxID),
				zap.String("status", string(status)))
			return true, nil
		}
		out.Leg1.Status = transfer.LegConfirmed
		if err := r.store.SaveOutcome(ctx, out); err != nil {
			return false, fmt.Errorf("failed to save outcome: %w", err)
		}
	}

	if out.Leg2 != nil && out.Leg2.Status == transfer.LegPending {
		status, err := r.status(ctx, out.Leg2)
		if err != nil || status != chain.TxSuccess {
			return false, err
		}
		out.Leg2.Status = transfer.LegConfirmed
		if err := r.store.SaveOutcome(ctx, out); err != nil {
			return false, fmt.Errorf("failed to save outcome: %w", err)
		}
		note := fmt.Sprintf("reconciler: leg 2 %s confirmed after the run gave up", out.Leg2.TxID)
		if err := r.store.MarkReconciled(ctx, out.ID, note, r.now()); err != nil {
			return false, fmt.Errorf("failed to mark reconciled: %w", err)
		}
		r.logger.Info("Pending leg 2 confirmed late, transfer settled",
			zap.String("transfer_id", out.ID),
			zap.String("tx_id", out.Leg2.TxID))
		return true, nil
	}
	return false, nil
}

func (r *Reconciler) status(ctx context.Context, leg *transfer.LegResult) (chain.TxStatus, error) {
	reader, ok := r.readers[leg.Chain]
	if !ok || leg.TxID == "" {
		return chain.TxPending, nil
	}
	status, err := reader.TxStatus(ctx, leg.TxID)
	if err != nil {
		return chain.TxPending, fmt.Errorf("failed to read status of %s on %s: %w", leg.TxID, leg.Chain, err)
	}
	return status, nil
}

func (r *Reconciler) alert(out *transfer.Outcome) {
	fields := []zap.Field{
		zap.String("transfer_id", out.ID),
		zap.String("route", out.Route),
		zap.String("status", string(out.Status)),
		zap.String("source_chain", string(out.Request.SourceChain)),
		zap.String("destination_chain", string(out.Request.DestinationChain)),
		zap.String("source_account", out.Request.SourceAccount),
		zap.String("destination_account", out.Request.DestinationAccount),
		zap.String("amount", out.Request.Amount.String()),
		zap.String("destination_amount", out.DestinationAmount.String()),
	}
	if out.Leg1 != nil {
		fields = append(fields, zap.String("leg1_tx_id", out.Leg1.TxID), zap.String("leg1_status", string(out.Leg1.Status)))
	}
	if out.Leg2 != nil {
		fields = append(fields, zap.String("leg2_tx_id", out.Leg2.TxID), zap.String("leg2_status", string(out.Leg2.Status)))
	}
	if out.FinishedAt != nil {
		fields = append(fields, zap.Duration("age", r.now().Sub(*out.FinishedAt)))
	}
	r.logger.Error("Transfer awaiting manual reconciliation", fields...)
}

// Start scans after initialDelay and then every interval until Stop.
func (r *Reconciler) Start(initialDelay, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if initialDelay <= 0 {
		initialDelay = DefaultInitialDelay
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		r.logger.Info("Started periodic reconciliation",
			zap.Duration("initial_delay", initialDelay),
			zap.Duration("interval", interval))

		timer := time.NewTimer(initialDelay)
		defer timer.Stop()

		for {
			select {
			case <-timer.C:
				ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
				if _, err := r.ReconcileAll(ctx); err != nil {
					metrics.ErrorsTotal.WithLabelValues("reconciler", "scan").Inc()
					r.logger.Error("Periodic reconciliation failed", zap.Error(err))
				}
				cancel()
				timer.Reset(interval)
			case <-r.stopCh:
				r.logger.Info("Stopping periodic reconciliation")
				return
			}
		}
	}()
}

// Stop stops the periodic reconciliation. It is safe to call more than once.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
