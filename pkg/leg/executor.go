// Package leg submits single-chain operations and normalizes their failures
// into transfer.LegSubmissionError, or transfer.AmbiguousSubmissionError when
// the transaction may have been broadcast.
package leg

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/trichain-bridge/internal/metrics"
	"github.com/chainsafe/trichain-bridge/pkg/chain"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

// Submitter is the part of a chain adapter the executor needs.
type Submitter interface {
	chain.NativeSubmitter
	chain.ContractCaller
}

// Executor submits legs on one chain. It never retries.
type Executor struct {
	chainID   transfer.ChainID
	submitter Submitter
	logger    *zap.Logger
	now       func() time.Time
}

// NewExecutor creates an Executor for chainID backed by submitter.
func NewExecutor(chainID transfer.ChainID, submitter Submitter, logger *zap.Logger) *Executor {
	return &Executor{
		chainID:   chainID,
		submitter: submitter,
		logger:    logger.With(zap.String("chain", string(chainID))),
		now:       time.Now,
	}
}

// Chain returns the chain this executor submits to.
func (e *Executor) Chain() transfer.ChainID { return e.chainID }

// SubmitNativeTransfer moves amount of the native asset from one account to another.
func (e *Executor) SubmitNativeTransfer(ctx context.Context, from, to string, amount *big.Int) (string, error) {
	txID, err := e.submitter.SubmitNativeTransfer(ctx, from, to, amount)
	if err == nil && txID == "" {
		err = fmt.Errorf("node returned an empty transaction id")
	}
	if err != nil {
		return "", e.submissionError(err)
	}
	metrics.TransactionsSent.WithLabelValues(string(e.chainID), "accepted").Inc()
	e.logger.Info("Native transfer accepted",
		zap.String("tx_id", txID),
		zap.String("from", from),
		zap.String("to", to),
		zap.String("amount", amount.String()))
	return txID, nil
}

// SubmitContractCall invokes a contract function.
func (e *Executor) SubmitContractCall(ctx context.Context, call chain.ContractCall) (string, error) {
	txID, err := e.submitter.SubmitContractCall(ctx, call)
	if err == nil && txID == "" {
		err = fmt.Errorf("node returned an empty transaction id")
	}
	if err != nil {
		return "", e.submissionError(err)
	}
	metrics.TransactionsSent.WithLabelValues(string(e.chainID), "accepted").Inc()
	e.logger.Info("Contract call accepted",
		zap.String("tx_id", txID),
		zap.String("contract", call.Contract),
		zap.String("function", call.Function))
	return txID, nil
}

func (e *Executor) submissionError(err error) error {
	var bcast *chain.BroadcastError
	if errors.As(err, &bcast) {
		metrics.TransactionsSent.WithLabelValues(string(e.chainID), "unknown").Inc()
		e.logger.Error("Transaction outcome unknown after broadcast, it must not be resubmitted",
			zap.String("tx_id", bcast.TxID),
			zap.Error(err))
		return &transfer.AmbiguousSubmissionError{Chain: e.chainID, TxID: bcast.TxID, Err: err}
	}
	metrics.TransactionsSent.WithLabelValues(string(e.chainID), "failed").Inc()
	return &transfer.LegSubmissionError{Chain: e.chainID, Err: err}
}

// Transfer moves amount of asset from one account to another, choosing a
// native transfer or a contract call from the asset kind.
func (e *Executor) Transfer(ctx context.Context, asset transfer.AssetConfig, from, to string, amount *big.Int, memo string) (*transfer.LegResult, error) {
	if asset.Chain != e.chainID {
		return nil, &transfer.LegSubmissionError{
			Chain: e.chainID,
			Err:   fmt.Errorf("asset %s belongs to chain %s", asset.Symbol, asset.Chain),
		}
	}

	submittedAt := e.now()
	var (
		txID string
		err  error
	)
	if asset.Kind == transfer.AssetNative {
		txID, err = e.SubmitNativeTransfer(ctx, from, to, amount)
	} else {
		var call chain.ContractCall
		call, err = BuildTransferCall(asset, from, to, amount, memo)
		if err != nil {
			return nil, &transfer.LegSubmissionError{Chain: e.chainID, Err: err}
		}
		txID, err = e.SubmitContractCall(ctx, call)
	}
	if err != nil {
		return nil, err
	}

	return &transfer.LegResult{
		Chain:       e.chainID,
		TxID:        txID,
		SubmittedAt: submittedAt,
		Status:      transfer.LegPending,
		Amount:      new(big.Int).Set(amount),
	}, nil
}

// BuildTransferCall lays out the arguments of a token transfer according to
// the asset's argument convention.
func BuildTransferCall(asset transfer.AssetConfig, from, to string, amount *big.Int, memo string) (chain.ContractCall, error) {
	call := chain.ContractCall{
		Contract: asset.ContractAddress,
		Name:     asset.ContractName,
		Function: asset.Function,
		Sender:   from,
		Fee:      asset.Fee,
	}
	if call.Contract == "" {
		return call, fmt.Errorf("asset %s has no contract address", asset.Symbol)
	}
	if call.Function == "" {
		call.Function = "transfer"
	}

	switch asset.ArgLayout {
	case transfer.LayoutERC20, "":
		call.Args = []any{to, amount}
	case transfer.LayoutSIP010:
		var memoArg any
		if memo != "" {
			memoArg = memo
		}
		call.Args = []any{amount, from, to, memoArg}
	case transfer.LayoutSPL:
		call.Args = []any{to, amount, asset.Decimals}
	default:
		return call, fmt.Errorf("unknown argument layout %q", asset.ArgLayout)
	}
	return call, nil
}
