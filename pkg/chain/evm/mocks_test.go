package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type mockRPC struct {
	BalanceAtFunc          func(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContractFunc       func(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAtFunc     func(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPriceFunc    func(ctx context.Context) (*big.Int, error)
	EstimateGasFunc        func(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransactionFunc    func(ctx context.Context, tx *types.Transaction) error
	TransactionReceiptFunc func(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumberFunc        func(ctx context.Context) (uint64, error)
	BlockByNumberFunc      func(ctx context.Context, number *big.Int) (*types.Block, error)
	FilterLogsFunc         func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

func (m *mockRPC) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return m.BalanceAtFunc(ctx, account, blockNumber)
}

func (m *mockRPC) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return m.CallContractFunc(ctx, msg, blockNumber)
}

func (m *mockRPC) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if m.PendingNonceAtFunc == nil {
		return 7, nil
	}
	return m.PendingNonceAtFunc(ctx, account)
}

func (m *mockRPC) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if m.SuggestGasPriceFunc == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return m.SuggestGasPriceFunc(ctx)
}

func (m *mockRPC) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if m.EstimateGasFunc == nil {
		return 60_000, nil
	}
	return m.EstimateGasFunc(ctx, msg)
}

func (m *mockRPC) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return m.SendTransactionFunc(ctx, tx)
}

func (m *mockRPC) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return m.TransactionReceiptFunc(ctx, txHash)
}

func (m *mockRPC) BlockNumber(ctx context.Context) (uint64, error) {
	return m.BlockNumberFunc(ctx)
}

func (m *mockRPC) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	return m.BlockByNumberFunc(ctx, number)
}

func (m *mockRPC) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return m.FilterLogsFunc(ctx, q)
}
