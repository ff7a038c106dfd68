package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chainsafe/trichain-bridge/pkg/chain"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

const treasury = "0x3333333333333333333333333333333333333333"

var eth = transfer.AssetConfig{Chain: transfer.ChainEVM, Symbol: "ETH", Decimals: 18, Kind: transfer.AssetNative}

func TestWatcher_Observe(t *testing.T) {
	var readAt *big.Int
	rpc := &mockRPC{
		BlockNumberFunc: func(context.Context) (uint64, error) { return 120, nil },
		BalanceAtFunc: func(_ context.Context, _ common.Address, n *big.Int) (*big.Int, error) {
			readAt = n
			return big.NewInt(77), nil
		},
	}
	c, _ := newTestClient(t, rpc, "")

	obs, err := NewWatcher(c, eth, 0).Observe(context.Background(), treasury)
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if obs.Slot != 120 || obs.Balance.Int64() != 77 || readAt.Uint64() != 120 {
		t.Errorf("observation = %+v read at %v", obs, readAt)
	}
}

func TestWatcher_LatestInboundNative(t *testing.T) {
	depositor, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	signer := types.LatestSignerForChainID(big.NewInt(testChainID))
	to := common.HexToAddress(treasury)
	other := common.HexToAddress(recipient)

	deposit, err := types.SignTx(types.NewTx(&types.LegacyTx{Nonce: 1, To: &to, Value: big.NewInt(5), Gas: 21000, GasPrice: big.NewInt(1)}), signer, depositor)
	if err != nil {
		t.Fatal(err)
	}
	unrelated, err := types.SignTx(types.NewTx(&types.LegacyTx{Nonce: 2, To: &other, Value: big.NewInt(5), Gas: 21000, GasPrice: big.NewInt(1)}), signer, depositor)
	if err != nil {
		t.Fatal(err)
	}

	blocks := map[uint64]*types.Block{
		10: types.NewBlockWithHeader(&types.Header{Number: big.NewInt(10)}).WithBody(types.Body{Transactions: []*types.Transaction{unrelated}}),
		9:  types.NewBlockWithHeader(&types.Header{Number: big.NewInt(9)}).WithBody(types.Body{Transactions: []*types.Transaction{deposit}}),
	}
	rpc := &mockRPC{
		BlockNumberFunc: func(context.Context) (uint64, error) { return 10, nil },
		BlockByNumberFunc: func(_ context.Context, n *big.Int) (*types.Block, error) {
			if b, ok := blocks[n.Uint64()]; ok {
				return b, nil
			}
			return types.NewBlockWithHeader(&types.Header{Number: n}), nil
		},
	}
	c, _ := newTestClient(t, rpc, "")

	in, err := NewWatcher(c, eth, 5).LatestInbound(context.Background(), treasury)
	if err != nil {
		t.Fatalf("LatestInbound failed: %v", err)
	}
	if in.TxID != deposit.Hash().Hex() || in.Sender != crypto.PubkeyToAddress(depositor.PublicKey).Hex() {
		t.Errorf("inbound = %+v", in)
	}

	if _, err := NewWatcher(c, eth, 5).LatestInbound(context.Background(), recipient[:41]+"9"); !errors.Is(err, chain.ErrNoInbound) {
		t.Errorf("expected ErrNoInbound, got %v", err)
	}
}

func TestWatcher_LatestInboundToken(t *testing.T) {
	sender := common.HexToAddress("0x4444444444444444444444444444444444444444")
	var query ethereum.FilterQuery
	rpc := &mockRPC{
		BlockNumberFunc: func(context.Context) (uint64, error) { return 1000, nil },
		FilterLogsFunc: func(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
			query = q
			topics := []common.Hash{
				erc20ABI.Events["Transfer"].ID,
				common.BytesToHash(sender.Bytes()),
				common.BytesToHash(common.HexToAddress(treasury).Bytes()),
			}
			return []types.Log{
				{TxHash: common.HexToHash("0xaa"), Topics: topics},
				{TxHash: common.HexToHash("0xbb"), Topics: topics},
				{TxHash: common.HexToHash("0xcc"), Topics: topics, Removed: true},
			}, nil
		},
	}
	c, _ := newTestClient(t, rpc, "")

	in, err := NewWatcher(c, usdc, 100).LatestInbound(context.Background(), treasury)
	if err != nil {
		t.Fatalf("LatestInbound failed: %v", err)
	}
	if in.TxID != common.HexToHash("0xbb").Hex() || in.Sender != sender.Hex() {
		t.Errorf("inbound = %+v", in)
	}
	if query.FromBlock.Uint64() != 900 || query.ToBlock.Uint64() != 1000 {
		t.Errorf("scanned %s..%s", query.FromBlock, query.ToBlock)
	}
}
