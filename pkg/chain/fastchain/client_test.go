package fastchain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"go.uber.org/zap"

	"github.com/chainsafe/trichain-bridge/pkg/chain"
	"github.com/chainsafe/trichain-bridge/pkg/config"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

var (
	sol = transfer.AssetConfig{Chain: transfer.ChainFast, Symbol: "SOL", Decimals: 9, Kind: transfer.AssetNative}
	spl = transfer.AssetConfig{
		Chain:           transfer.ChainFast,
		Symbol:          "USDC",
		Decimals:        6,
		Kind:            transfer.AssetToken,
		ContractAddress: usdcMint,
		ArgLayout:       transfer.LayoutSPL,
	}
)

func newTestClient(t *testing.T, r RPC) (*Client, solana.PrivateKey) {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("NewRandomPrivateKey failed: %v", err)
	}
	c, err := New(r, &config.FastConfig{RPCURL: "http://localhost:8899", PrivateKey: key.String(), Commitment: "confirmed"}, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.retryOpts = []retry.Option{retry.Attempts(3), retry.Delay(time.Millisecond), retry.LastErrorOnly(true)}
	return c, key
}

func randomAccount(t *testing.T) solana.PublicKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return key.PublicKey()
}

func TestBalance(t *testing.T) {
	holder := randomAccount(t)
	withTokenAccount := false
	m := &mockRPC{
		GetBalanceFunc: func(_ context.Context, account solana.PublicKey, _ rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
			if !account.Equals(holder) {
				t.Errorf("balance of %s", account)
			}
			return &rpc.GetBalanceResult{Value: 2_000_000_000}, nil
		},
		GetAccountInfoWithOptsFunc: func(context.Context, solana.PublicKey, *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
			if !withTokenAccount {
				return nil, rpc.ErrNotFound
			}
			return &rpc.GetAccountInfoResult{}, nil
		},
		GetTokenAccountBalanceFunc: func(context.Context, solana.PublicKey, rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
			return &rpc.GetTokenAccountBalanceResult{Value: &rpc.UiTokenAmount{Amount: "1500", Decimals: 6}}, nil
		},
		GetSlotFunc: func(context.Context, rpc.CommitmentType) (uint64, error) { return 300, nil },
	}
	c, _ := newTestClient(t, m)

	bal, err := c.Balance(context.Background(), holder.String(), sol)
	if err != nil || bal.Int64() != 2_000_000_000 {
		t.Errorf("native balance = %v, %v", bal, err)
	}
	bal, err = c.Balance(context.Background(), holder.String(), spl)
	if err != nil || bal.Sign() != 0 {
		t.Errorf("balance without token account = %v, %v", bal, err)
	}
	withTokenAccount = true
	bal, err = c.Balance(context.Background(), holder.String(), spl)
	if err != nil || bal.Int64() != 1500 {
		t.Errorf("token balance = %v, %v", bal, err)
	}
	if _, err := c.Balance(context.Background(), "not-base58!", sol); err == nil {
		t.Error("expected an error for an invalid account")
	}
}

func TestSubmitNativeTransfer(t *testing.T) {
	var sent *solana.Transaction
	m := &mockRPC{
		SendTransactionWithOptsFunc: func(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
			sent = tx
			return tx.Signatures[0], nil
		},
	}
	c, key := newTestClient(t, m)
	to := randomAccount(t)

	sig, err := c.SubmitNativeTransfer(context.Background(), key.PublicKey().String(), to.String(), big.NewInt(5000))
	if err != nil {
		t.Fatalf("SubmitNativeTransfer failed: %v", err)
	}
	if sent == nil || sig != sent.Signatures[0].String() {
		t.Fatalf("signature %s does not match sent tx", sig)
	}
	if err := sent.VerifySignatures(); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
	if !sent.Message.AccountKeys[0].Equals(key.PublicKey()) || !sent.Message.AccountKeys.Has(to) {
		t.Errorf("account keys %v", sent.Message.AccountKeys)
	}
	if len(sent.Message.Instructions) != 1 {
		t.Errorf("expected one instruction, got %d", len(sent.Message.Instructions))
	}

	if _, err := c.SubmitNativeTransfer(context.Background(), to.String(), key.PublicKey().String(), big.NewInt(1)); !errors.Is(err, chain.ErrUnknownSender) {
		t.Errorf("expected ErrUnknownSender, got %v", err)
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 70)
	if _, err := c.SubmitNativeTransfer(context.Background(), key.PublicKey().String(), to.String(), huge); err == nil {
		t.Error("expected an error for an amount above uint64")
	}
}

func TestSubmitContractCall(t *testing.T) {
	tests := []struct {
		name         string
		destExists   bool
		instructions int
	}{
		{"creates recipient token account", false, 2},
		{"existing recipient token account", true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sent *solana.Transaction
			m := &mockRPC{
				GetAccountInfoWithOptsFunc: func(context.Context, solana.PublicKey, *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
					if tt.destExists {
						return &rpc.GetAccountInfoResult{}, nil
					}
					return nil, rpc.ErrNotFound
				},
				SendTransactionWithOptsFunc: func(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
					sent = tx
					return tx.Signatures[0], nil
				},
			}
			c, key := newTestClient(t, m)
			to := randomAccount(t)

			_, err := c.SubmitContractCall(context.Background(), chain.ContractCall{
				Contract: usdcMint,
				Function: "transfer",
				Sender:   key.PublicKey().String(),
				Args:     []any{to.String(), big.NewInt(250), int32(6)},
			})
			if err != nil {
				t.Fatalf("SubmitContractCall failed: %v", err)
			}
			if got := len(sent.Message.Instructions); got != tt.instructions {
				t.Errorf("expected %d instructions, got %d", tt.instructions, got)
			}
			dest, _, _ := solana.FindAssociatedTokenAddress(to, solana.MustPublicKeyFromBase58(usdcMint))
			if !sent.Message.AccountKeys.Has(dest) {
				t.Error("recipient token account missing from transaction")
			}
		})
	}

	c, key := newTestClient(t, &mockRPC{})
	bad := []chain.ContractCall{
		{Contract: usdcMint, Function: "mint", Sender: key.PublicKey().String(), Args: []any{"x", big.NewInt(1), int32(6)}},
		{Contract: usdcMint, Sender: key.PublicKey().String(), Args: []any{"x", big.NewInt(1)}},
		{Contract: usdcMint, Sender: key.PublicKey().String(), Args: []any{"0xnotbase58", big.NewInt(1), int32(6)}},
	}
	for _, call := range bad {
		if _, err := c.SubmitContractCall(context.Background(), call); err == nil {
			t.Errorf("expected an error for %+v", call)
		}
	}
}

func TestSend_Retries(t *testing.T) {
	t.Run("blockhash not found is retried", func(t *testing.T) {
		calls := 0
		m := &mockRPC{
			SendTransactionWithOptsFunc: func(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
				calls++
				if calls == 1 {
					return solana.Signature{}, &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"}
				}
				return tx.Signatures[0], nil
			},
		}
		c, key := newTestClient(t, m)
		if _, err := c.SubmitNativeTransfer(context.Background(), key.PublicKey().String(), randomAccount(t).String(), big.NewInt(1)); err != nil {
			t.Fatalf("SubmitNativeTransfer failed: %v", err)
		}
		if calls != 2 {
			t.Errorf("expected 2 sends, got %d", calls)
		}
	})

	t.Run("program errors are not retried", func(t *testing.T) {
		calls := 0
		m := &mockRPC{
			SendTransactionWithOptsFunc: func(context.Context, *solana.Transaction, rpc.TransactionOpts) (solana.Signature, error) {
				calls++
				return solana.Signature{}, &jsonrpc.RPCError{Code: -32002, Message: "insufficient lamports"}
			},
		}
		c, key := newTestClient(t, m)
		_, err := c.SubmitNativeTransfer(context.Background(), key.PublicKey().String(), randomAccount(t).String(), big.NewInt(1))
		if err == nil {
			t.Fatal("expected an error")
		}
		if calls != 1 {
			t.Errorf("expected 1 send, got %d", calls)
		}
		var bcast *chain.BroadcastError
		if errors.As(err, &bcast) {
			t.Error("a program error is a refusal, not an unknown outcome")
		}
	})

	t.Run("transport failures keep the signature", func(t *testing.T) {
		sigs := map[solana.Signature]bool{}
		m := &mockRPC{
			SendTransactionWithOptsFunc: func(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
				sigs[tx.Signatures[0]] = true
				return solana.Signature{}, context.DeadlineExceeded
			},
		}
		c, key := newTestClient(t, m)
		_, err := c.SubmitNativeTransfer(context.Background(), key.PublicKey().String(), randomAccount(t).String(), big.NewInt(1))

		var bcast *chain.BroadcastError
		if !errors.As(err, &bcast) {
			t.Fatalf("expected BroadcastError, got %v", err)
		}
		if len(sigs) != 1 {
			t.Fatalf("resends must reuse one signed tx, saw %d signatures", len(sigs))
		}
		for sig := range sigs {
			if bcast.TxID != sig.String() {
				t.Errorf("tx id = %s, want %s", bcast.TxID, sig)
			}
		}
	})
}

func TestReadOnlyClient(t *testing.T) {
	c, err := New(&mockRPC{}, &config.FastConfig{RPCURL: "http://localhost:8899"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if c.Address() != "" {
		t.Errorf("read-only client has address %q", c.Address())
	}
	if _, err := c.SubmitNativeTransfer(context.Background(), "a", "b", big.NewInt(1)); !errors.Is(err, chain.ErrReadOnly) {
		t.Errorf("expected ErrReadOnly, got %v", err)
	}
	if _, err := New(&mockRPC{}, &config.FastConfig{PrivateKey: "nope"}, zap.NewNop()); err == nil {
		t.Error("expected an error for an invalid private key")
	}
}

func TestTxStatus(t *testing.T) {
	confirmed := &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed}
	processed := &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusProcessed}
	failed := &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed, Err: map[string]any{"InstructionError": []any{0, "Custom"}}}

	tests := []struct {
		name    string
		result  *rpc.SignatureStatusesResult
		err     error
		want    chain.TxStatus
		wantErr bool
	}{
		{"confirmed", confirmed, nil, chain.TxSuccess, false},
		{"processed only", processed, nil, chain.TxPending, false},
		{"failed", failed, nil, chain.TxAborted, false},
		{"unknown", nil, nil, chain.TxPending, false},
		{"not found", nil, rpc.ErrNotFound, chain.TxPending, false},
		{"node error", nil, errors.New("timeout"), chain.TxPending, true},
	}
	sig := solana.Signature{9}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockRPC{
				GetSignatureStatusesFunc: func(_ context.Context, _ bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
					if tt.err != nil {
						return nil, tt.err
					}
					return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{tt.result}}, nil
				},
			}
			c, _ := newTestClient(t, m)
			got, err := c.TxStatus(context.Background(), sig.String())
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("TxStatus = %s, %v", got, err)
			}
		})
	}
}
