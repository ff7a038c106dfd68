package fastchain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/chainsafe/trichain-bridge/pkg/chain"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

const DefaultInboundLookback = 20

// Watcher observes one asset balance of an account for the passive monitor.
type Watcher struct {
	client   *Client
	asset    transfer.AssetConfig
	lookback int
}

// NewWatcher creates a watcher of asset. lookback bounds how many recent
// signatures LatestInbound inspects.
func NewWatcher(client *Client, asset transfer.AssetConfig, lookback int) *Watcher {
	if lookback <= 0 {
		lookback = DefaultInboundLookback
	}
	return &Watcher{client: client, asset: asset, lookback: lookback}
}

// Observe reads the balance together with the slot it was read at.
func (w *Watcher) Observe(ctx context.Context, account string) (chain.Observation, error) {
	bal, slot, err := w.client.balanceWithSlot(ctx, account, w.asset)
	if err != nil {
		return chain.Observation{}, err
	}
	return chain.Observation{Balance: bal, Slot: slot}, nil
}

// LatestInbound walks the recent signatures of the account (or its token
// account) newest first and returns the first successful transaction that
// credited it.
func (w *Watcher) LatestInbound(ctx context.Context, account string) (chain.InboundTransfer, error) {
	owner, err := solana.PublicKeyFromBase58(account)
	if err != nil {
		return chain.InboundTransfer{}, fmt.Errorf("invalid account %q: %w", account, err)
	}
	watched := owner
	if w.asset.Kind != transfer.AssetNative {
		if watched, err = associatedAccount(owner, w.asset.ContractAddress); err != nil {
			return chain.InboundTransfer{}, err
		}
	}

	limit := w.lookback
	sigs, err := w.client.rpc.GetSignaturesForAddressWithOpts(ctx, watched, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: w.client.commitment,
	})
	if err != nil {
		return chain.InboundTransfer{}, fmt.Errorf("failed to list signatures of %s: %w", watched, err)
	}

	version := uint64(0)
	for _, s := range sigs {
		if s == nil || s.Err != nil {
			continue
		}
		res, err := w.client.rpc.GetTransaction(ctx, s.Signature, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     w.client.commitment,
			MaxSupportedTransactionVersion: &version,
		})
		if err != nil {
			return chain.InboundTransfer{}, fmt.Errorf("failed to get transaction %s: %w", s.Signature, err)
		}
		if res == nil || res.Transaction == nil || res.Meta == nil {
			continue
		}
		tx, err := res.Transaction.GetTransaction()
		if err != nil || tx == nil {
			continue
		}
		if sender, ok := creditedBy(tx, res.Meta, watched, w.asset); ok {
			return chain.InboundTransfer{TxID: s.Signature.String(), Sender: sender.String()}, nil
		}
	}
	return chain.InboundTransfer{}, chain.ErrNoInbound
}

// creditedBy reports whether tx increased the balance of watched and who
// paid for it. For tokens the debited token account owner is the sender;
// otherwise it is the fee payer.
func creditedBy(tx *solana.Transaction, meta *rpc.TransactionMeta, watched solana.PublicKey, asset transfer.AssetConfig) (solana.PublicKey, bool) {
	keys := tx.Message.AccountKeys
	if len(keys) == 0 {
		return solana.PublicKey{}, false
	}
	idx := -1
	for i, k := range keys {
		if k.Equals(watched) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return solana.PublicKey{}, false
	}
	feePayer := keys[0]

	if asset.Kind == transfer.AssetNative {
		if idx >= len(meta.PreBalances) || idx >= len(meta.PostBalances) {
			return solana.PublicKey{}, false
		}
		return feePayer, meta.PostBalances[idx] > meta.PreBalances[idx]
	}

	pre := tokenAmounts(meta.PreTokenBalances, asset.ContractAddress)
	post := tokenAmounts(meta.PostTokenBalances, asset.ContractAddress)
	if amountOf(post, uint16(idx)).Cmp(amountOf(pre, uint16(idx))) <= 0 {
		return solana.PublicKey{}, false
	}
	for i, p := range pre {
		if amountOf(post, i).Cmp(p.amount) < 0 && p.owner != nil {
			return *p.owner, true
		}
	}
	return feePayer, true
}

type tokenAmount struct {
	amount *big.Int
	owner  *solana.PublicKey
}

func tokenAmounts(balances []rpc.TokenBalance, mint string) map[uint16]tokenAmount {
	out := make(map[uint16]tokenAmount, len(balances))
	for _, b := range balances {
		if b.Mint.String() != mint || b.UiTokenAmount == nil {
			continue
		}
		amt, ok := new(big.Int).SetString(b.UiTokenAmount.Amount, 10)
		if !ok {
			continue
		}
		out[b.AccountIndex] = tokenAmount{amount: amt, owner: b.Owner}
	}
	return out
}

func amountOf(m map[uint16]tokenAmount, idx uint16) *big.Int {
	if a, ok := m[idx]; ok {
		return a.amount
	}
	return big.NewInt(0)
}
