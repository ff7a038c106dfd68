package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chainsafe/trichain-bridge/pkg/chain"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

const DefaultInboundLookback = 64

// Watcher observes one asset balance of an account for the passive monitor.
type Watcher struct {
	client   *Client
	asset    transfer.AssetConfig
	lookback uint64
}

// NewWatcher creates a watcher of asset. lookback bounds how many blocks
// LatestInbound scans back from the tip.
func NewWatcher(client *Client, asset transfer.AssetConfig, lookback uint64) *Watcher {
	if lookback == 0 {
		lookback = DefaultInboundLookback
	}
	return &Watcher{client: client, asset: asset, lookback: lookback}
}

// Observe reads the balance at the current tip, tagged with the block number.
func (w *Watcher) Observe(ctx context.Context, account string) (chain.Observation, error) {
	tip, err := w.client.rpc.BlockNumber(ctx)
	if err != nil {
		return chain.Observation{}, fmt.Errorf("failed to get block number: %w", err)
	}
	bal, err := w.client.balanceAt(ctx, account, w.asset, new(big.Int).SetUint64(tip))
	if err != nil {
		return chain.Observation{}, err
	}
	return chain.Observation{Balance: bal, Slot: tip}, nil
}

// LatestInbound finds the most recent transfer of the watched asset into account.
func (w *Watcher) LatestInbound(ctx context.Context, account string) (chain.InboundTransfer, error) {
	tip, err := w.client.rpc.BlockNumber(ctx)
	if err != nil {
		return chain.InboundTransfer{}, fmt.Errorf("failed to get block number: %w", err)
	}
	from := uint64(0)
	if tip > w.lookback {
		from = tip - w.lookback
	}

	if w.asset.Kind == transfer.AssetNative {
		return w.latestNative(ctx, common.HexToAddress(account), from, tip)
	}
	return w.latestTokenTransfer(ctx, common.HexToAddress(account), from, tip)
}

func (w *Watcher) latestNative(ctx context.Context, account common.Address, from, tip uint64) (chain.InboundTransfer, error) {
	for n := tip; ; n-- {
		block, err := w.client.rpc.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return chain.InboundTransfer{}, fmt.Errorf("failed to get block %d: %w", n, err)
		}
		txs := block.Transactions()
		for i := len(txs) - 1; i >= 0; i-- {
			tx := txs[i]
			if tx.To() == nil || *tx.To() != account || tx.Value().Sign() <= 0 {
				continue
			}
			sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
			if err != nil {
				return chain.InboundTransfer{}, fmt.Errorf("failed to recover sender of %s: %w", tx.Hash().Hex(), err)
			}
			return chain.InboundTransfer{TxID: tx.Hash().Hex(), Sender: sender.Hex()}, nil
		}
		if n == from || n == 0 {
			break
		}
	}
	return chain.InboundTransfer{}, chain.ErrNoInbound
}

func (w *Watcher) latestTokenTransfer(ctx context.Context, account common.Address, from, tip uint64) (chain.InboundTransfer, error) {
	logs, err := w.client.rpc.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(tip),
		Addresses: []common.Address{common.HexToAddress(w.asset.ContractAddress)},
		Topics: [][]common.Hash{
			{erc20ABI.Events["Transfer"].ID},
			nil,
			{common.BytesToHash(account.Bytes())},
		},
	})
	if err != nil {
		return chain.InboundTransfer{}, fmt.Errorf("failed to filter transfer logs: %w", err)
	}
	for i := len(logs) - 1; i >= 0; i-- {
		l := logs[i]
		if l.Removed || len(l.Topics) < 3 {
			continue
		}
		return chain.InboundTransfer{
			TxID:   l.TxHash.Hex(),
			Sender: common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
		}, nil
	}
	return chain.InboundTransfer{}, chain.ErrNoInbound
}
