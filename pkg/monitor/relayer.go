package monitor

import (
	"context"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"github.com/chainsafe/trichain-bridge/pkg/confirm"
	"github.com/chainsafe/trichain-bridge/pkg/relayqueue"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

// LegSubmitter submits a release. It is satisfied by *leg.Executor.
type LegSubmitter interface {
	Transfer(ctx context.Context, asset transfer.AssetConfig, from, to string, amount *big.Int, memo string) (*transfer.LegResult, error)
}

// Release describes how one route pays out relayed deposits.
type Release struct {
	Asset    transfer.AssetConfig
	Treasury string
	Leg      LegSubmitter
	Waiter   confirm.Waiter
}

// Relayer is the relayqueue.Handler that releases funds from a treasury on
// the destination chain and waits for the release to confirm.
type Relayer struct {
	releases map[string]Release
	logger   *zap.Logger
}

// NewRelayer creates a Relayer keyed by route name.
func NewRelayer(releases map[string]Release, logger *zap.Logger) *Relayer {
	return &Relayer{releases: releases, logger: logger}
}

// Relay releases job.AmountBase to job.Recipient.
func (r *Relayer) Relay(ctx context.Context, job relayqueue.Job) error {
	rel, ok := r.releases[job.Route]
	if !ok {
		return fmt.Errorf("no release configured for route %s", job.Route)
	}
	if job.AmountBase == nil || job.AmountBase.Sign() <= 0 {
		return fmt.Errorf("job %s has no amount", job.ID)
	}

	leg, err := rel.Leg.Transfer(ctx, rel.Asset, rel.Treasury, job.Recipient, job.AmountBase, job.Memo)
	if err != nil {
		return err
	}
	r.logger.Info("Release submitted",
		zap.String("job_id", job.ID),
		zap.String("route", job.Route),
		zap.String("tx_id", leg.TxID),
		zap.String("recipient", job.Recipient))

	res, err := rel.Waiter.Wait(ctx, leg.TxID)
	if err != nil {
		return err
	}
	return res.Err(rel.Asset.Chain, leg.TxID)
}
