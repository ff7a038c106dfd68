package leg

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"go.uber.org/zap"

	"github.com/chainsafe/trichain-bridge/pkg/chain"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

type mockSubmitter struct {
	SubmitNativeTransferFunc func(ctx context.Context, from, to string, amount *big.Int) (string, error)
	SubmitContractCallFunc   func(ctx context.Context, call chain.ContractCall) (string, error)
}

func (m *mockSubmitter) SubmitNativeTransfer(ctx context.Context, from, to string, amount *big.Int) (string, error) {
	if m.SubmitNativeTransferFunc != nil {
		return m.SubmitNativeTransferFunc(ctx, from, to, amount)
	}
	return "", nil
}

func (m *mockSubmitter) SubmitContractCall(ctx context.Context, call chain.ContractCall) (string, error) {
	if m.SubmitContractCallFunc != nil {
		return m.SubmitContractCallFunc(ctx, call)
	}
	return "", nil
}

func TestTransfer_Native(t *testing.T) {
	sub := &mockSubmitter{
		SubmitNativeTransferFunc: func(_ context.Context, from, to string, amount *big.Int) (string, error) {
			if from != "alice" || to != "bob" || amount.Int64() != 42 {
				t.Errorf("unexpected args %s %s %s", from, to, amount)
			}
			return "sig-1", nil
		},
	}
	exec := NewExecutor(transfer.ChainFast, sub, zap.NewNop())
	asset := transfer.AssetConfig{Chain: transfer.ChainFast, Symbol: "SOL", Decimals: 9, Kind: transfer.AssetNative}

	res, err := exec.Transfer(context.Background(), asset, "alice", "bob", big.NewInt(42), "")
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if res.TxID != "sig-1" || res.Status != transfer.LegPending || res.Chain != transfer.ChainFast {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestTransfer_SIP010ContractCall(t *testing.T) {
	var got chain.ContractCall
	sub := &mockSubmitter{
		SubmitContractCallFunc: func(_ context.Context, call chain.ContractCall) (string, error) {
			got = call
			return "0xtx", nil
		},
	}
	exec := NewExecutor(transfer.ChainSettlement, sub, zap.NewNop())
	asset := transfer.AssetConfig{
		Chain:           transfer.ChainSettlement,
		Symbol:          "KRY",
		Decimals:        8,
		Kind:            transfer.AssetToken,
		ContractAddress: "ST1X8ZTAN1JBX148PNJY4D1BPZ1QKCKV3H3CK5ACA",
		ContractName:    "Krypto",
		ArgLayout:       transfer.LayoutSIP010,
		Fee:             big.NewInt(2000),
	}

	if _, err := exec.Transfer(context.Background(), asset, "SPfrom", "SPto", big.NewInt(100), "bridge"); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if got.Function != "transfer" || got.Name != "Krypto" || got.Fee.Int64() != 2000 {
		t.Errorf("unexpected call %+v", got)
	}
	if len(got.Args) != 4 || got.Args[1] != "SPfrom" || got.Args[2] != "SPto" || got.Args[3] != "bridge" {
		t.Errorf("unexpected args %v", got.Args)
	}
}

func TestTransfer_SubmissionErrorCarriesChain(t *testing.T) {
	cause := errors.New("insufficient fee")
	sub := &mockSubmitter{
		SubmitNativeTransferFunc: func(context.Context, string, string, *big.Int) (string, error) {
			return "", cause
		},
	}
	exec := NewExecutor(transfer.ChainEVM, sub, zap.NewNop())
	asset := transfer.AssetConfig{Chain: transfer.ChainEVM, Symbol: "BNB", Kind: transfer.AssetNative}

	_, err := exec.Transfer(context.Background(), asset, "a", "b", big.NewInt(1), "")
	var subErr *transfer.LegSubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected LegSubmissionError, got %v", err)
	}
	if subErr.Chain != transfer.ChainEVM || !errors.Is(err, cause) {
		t.Errorf("unexpected error %v", err)
	}
}

func TestTransfer_UnansweredBroadcastIsAmbiguous(t *testing.T) {
	sub := &mockSubmitter{
		SubmitNativeTransferFunc: func(context.Context, string, string, *big.Int) (string, error) {
			return "", &chain.BroadcastError{TxID: "0xsigned", Err: context.DeadlineExceeded}
		},
	}
	exec := NewExecutor(transfer.ChainEVM, sub, zap.NewNop())
	asset := transfer.AssetConfig{Chain: transfer.ChainEVM, Symbol: "BNB", Kind: transfer.AssetNative}

	_, err := exec.Transfer(context.Background(), asset, "a", "b", big.NewInt(1), "")
	var amb *transfer.AmbiguousSubmissionError
	if !errors.As(err, &amb) {
		t.Fatalf("expected AmbiguousSubmissionError, got %v", err)
	}
	if amb.TxID != "0xsigned" || amb.Chain != transfer.ChainEVM || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("unexpected error %+v", amb)
	}
	var refused *transfer.LegSubmissionError
	if errors.As(err, &refused) {
		t.Error("an unanswered broadcast must not look like a refused submission")
	}
}

func TestTransfer_EmptyTxIDIsFailure(t *testing.T) {
	exec := NewExecutor(transfer.ChainEVM, &mockSubmitter{}, zap.NewNop())
	asset := transfer.AssetConfig{Chain: transfer.ChainEVM, Kind: transfer.AssetNative}
	if _, err := exec.Transfer(context.Background(), asset, "a", "b", big.NewInt(1), ""); err == nil {
		t.Fatal("expected error for empty tx id")
	}
}

func TestTransfer_WrongChain(t *testing.T) {
	exec := NewExecutor(transfer.ChainEVM, &mockSubmitter{}, zap.NewNop())
	asset := transfer.AssetConfig{Chain: transfer.ChainFast, Kind: transfer.AssetNative}
	if _, err := exec.Transfer(context.Background(), asset, "a", "b", big.NewInt(1), ""); err == nil {
		t.Fatal("expected error for asset on another chain")
	}
}

func TestBuildTransferCall_Layouts(t *testing.T) {
	erc20 := transfer.AssetConfig{Symbol: "USDC", ContractAddress: "0xToken", ArgLayout: transfer.LayoutERC20}
	call, err := BuildTransferCall(erc20, "0xfrom", "0xto", big.NewInt(5), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(call.Args) != 2 || call.Args[0] != "0xto" {
		t.Errorf("erc20 args %v", call.Args)
	}

	spl := transfer.AssetConfig{Symbol: "SPL", ContractAddress: "Mint", ArgLayout: transfer.LayoutSPL, Decimals: 6}
	call, err = BuildTransferCall(spl, "from", "to", big.NewInt(5), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(call.Args) != 3 || call.Args[2] != int32(6) {
		t.Errorf("spl args %v", call.Args)
	}

	if _, err := BuildTransferCall(transfer.AssetConfig{Symbol: "X"}, "a", "b", big.NewInt(1), ""); err == nil {
		t.Error("expected error without contract address")
	}
	bad := transfer.AssetConfig{Symbol: "X", ContractAddress: "c", ArgLayout: "weird"}
	if _, err := BuildTransferCall(bad, "a", "b", big.NewInt(1), ""); err == nil {
		t.Error("expected error for unknown layout")
	}
}
