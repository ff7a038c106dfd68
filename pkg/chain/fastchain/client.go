// Package fastchain is the fast-chain adapter: lamport and SPL token
// balances, system and TransferChecked transfers, signature status and
// deposit watching over JSON-RPC.
package fastchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gagliardetto/solana-go"
	ata "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"go.uber.org/zap"

	"github.com/chainsafe/trichain-bridge/pkg/chain"
	"github.com/chainsafe/trichain-bridge/pkg/config"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

// RPC is the subset of *rpc.Client the adapter uses.
type RPC interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// Client represents a fast-chain client
type Client struct {
	rpc        RPC
	commitment rpc.CommitmentType
	key        *solana.PrivateKey
	logger     *zap.Logger
	retryOpts  []retry.Option
}

// Dial creates a Client talking to cfg.RPCURL.
func Dial(cfg *config.FastConfig, logger *zap.Logger) (*Client, error) {
	return New(rpc.New(cfg.RPCURL), cfg, logger)
}

// New creates a Client over an existing RPC. The private key is optional and
// base58 encoded; without it the client is read-only.
func New(client RPC, cfg *config.FastConfig, logger *zap.Logger) (*Client, error) {
	c := &Client{
		rpc:        client,
		commitment: rpc.CommitmentType(cfg.Commitment),
		logger:     logger.With(zap.String("chain", string(transfer.ChainFast))),
		retryOpts: []retry.Option{
			retry.Attempts(3),
			retry.Delay(500 * time.Millisecond),
			retry.LastErrorOnly(true),
		},
	}
	if c.commitment == "" {
		c.commitment = rpc.CommitmentConfirmed
	}
	if cfg.PrivateKey != "" {
		key, err := solana.PrivateKeyFromBase58(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid fast-chain private key: %w", err)
		}
		c.key = &key
	}
	return c, nil
}

// ID returns the chain this client serves.
func (c *Client) ID() transfer.ChainID { return transfer.ChainFast }

// Address returns the signing account, or "" for a read-only client.
func (c *Client) Address() string {
	if c.key == nil {
		return ""
	}
	return c.key.PublicKey().String()
}

// Balance reads the lamport balance, or the balance of the associated token
// account for a token asset. A missing token account holds nothing.
func (c *Client) Balance(ctx context.Context, account string, asset transfer.AssetConfig) (*big.Int, error) {
	bal, _, err := c.balanceWithSlot(ctx, account, asset)
	return bal, err
}

func (c *Client) balanceWithSlot(ctx context.Context, account string, asset transfer.AssetConfig) (*big.Int, uint64, error) {
	owner, err := solana.PublicKeyFromBase58(account)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid account %q: %w", account, err)
	}
	if asset.Kind == transfer.AssetNative {
		out, err := c.rpc.GetBalance(ctx, owner, c.commitment)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to get balance of %s: %w", account, err)
		}
		return new(big.Int).SetUint64(out.Value), out.Context.Slot, nil
	}

	tokenAccount, err := associatedAccount(owner, asset.ContractAddress)
	if err != nil {
		return nil, 0, err
	}
	exists, err := c.accountExists(ctx, tokenAccount)
	if err != nil {
		return nil, 0, err
	}
	if !exists {
		slot, err := c.rpc.GetSlot(ctx, c.commitment)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to get slot: %w", err)
		}
		return big.NewInt(0), slot, nil
	}
	out, err := c.rpc.GetTokenAccountBalance(ctx, tokenAccount, c.commitment)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get token balance of %s: %w", account, err)
	}
	if out.Value == nil {
		return nil, 0, fmt.Errorf("token balance of %s has no value", account)
	}
	bal, ok := new(big.Int).SetString(out.Value.Amount, 10)
	if !ok {
		return nil, 0, fmt.Errorf("invalid token amount %q", out.Value.Amount)
	}
	return bal, out.Context.Slot, nil
}

func (c *Client) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	_, err := c.rpc.GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{Commitment: c.commitment})
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get account %s: %w", account, err)
	}
	return true, nil
}

// SubmitNativeTransfer signs and sends a system transfer of lamports.
func (c *Client) SubmitNativeTransfer(ctx context.Context, from, to string, amount *big.Int) (string, error) {
	if err := c.checkSender(from); err != nil {
		return "", err
	}
	recipient, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	if !amount.IsUint64() {
		return "", fmt.Errorf("amount %s does not fit in lamports", amount)
	}
	return c.send(ctx, []solana.Instruction{
		system.NewTransferInstruction(amount.Uint64(), c.key.PublicKey(), recipient).Build(),
	})
}

// SubmitContractCall sends an SPL TransferChecked of call.Contract (the mint)
// between associated token accounts, creating the recipient's account when
// it does not exist. Args are recipient, amount and decimals.
func (c *Client) SubmitContractCall(ctx context.Context, call chain.ContractCall) (string, error) {
	if err := c.checkSender(call.Sender); err != nil {
		return "", err
	}
	if call.Function != "" && call.Function != "transfer" && call.Function != "transferChecked" {
		return "", fmt.Errorf("unsupported token function %q", call.Function)
	}
	to, amount, decimals, err := splArgs(call.Args)
	if err != nil {
		return "", err
	}
	mint, err := solana.PublicKeyFromBase58(call.Contract)
	if err != nil {
		return "", fmt.Errorf("invalid mint %q: %w", call.Contract, err)
	}
	owner := c.key.PublicKey()
	source, err := associatedAccount(owner, call.Contract)
	if err != nil {
		return "", err
	}
	dest, err := associatedAccount(to, call.Contract)
	if err != nil {
		return "", err
	}
	exists, err := c.accountExists(ctx, dest)
	if err != nil {
		return "", err
	}

	var instructions []solana.Instruction
	if !exists {
		instructions = append(instructions, ata.NewCreateInstruction(owner, to, mint).Build())
	}
	instructions = append(instructions,
		token.NewTransferCheckedInstruction(amount, decimals, source, mint, dest, owner, []solana.PublicKey{}).Build())
	return c.send(ctx, instructions)
}

func (c *Client) checkSender(from string) error {
	if c.key == nil {
		return chain.ErrReadOnly
	}
	if from != c.key.PublicKey().String() {
		return fmt.Errorf("%w %s", chain.ErrUnknownSender, from)
	}
	return nil
}

func (c *Client) send(ctx context.Context, instructions []solana.Instruction) (string, error) {
	var blockhash *rpc.GetLatestBlockhashResult
	err := retry.Do(func() error {
		var rerr error
		blockhash, rerr = c.rpc.GetLatestBlockhash(ctx, c.commitment)
		return rerr
	}, append(c.retryOpts, retry.Context(ctx))...)
	if err != nil {
		return "", fmt.Errorf("failed to get latest blockhash: %w", err)
	}

	payer := c.key.PublicKey()
	tx, err := solana.NewTransaction(instructions, blockhash.Value.Blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return "", fmt.Errorf("failed to build transaction: %w", err)
	}
	if _, err := tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(payer) {
			return c.key
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	var sig solana.Signature
	err = retry.Do(func() error {
		var rerr error
		sig, rerr = c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{PreflightCommitment: c.commitment})
		if rerr == nil {
			return nil
		}
		var rpcErr *jsonrpc.RPCError
		if errors.As(rerr, &rpcErr) && !strings.Contains(rpcErr.Message, "Blockhash not found") {
			return retry.Unrecoverable(rerr)
		}
		return rerr
	}, append(c.retryOpts, retry.Context(ctx))...)
	if err != nil {
		// Resends above reuse the same signature. Once they run out, only a
		// node error proves the tx was not taken.
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			return "", fmt.Errorf("failed to send transaction: %w", err)
		}
		return "", &chain.BroadcastError{TxID: tx.Signatures[0].String(), Err: err}
	}

	c.logger.Info("Transaction sent",
		zap.String("signature", sig.String()),
		zap.Int("instructions", len(instructions)))
	return sig.String(), nil
}

// TxStatus maps the signature status onto a chain.TxStatus. A signature the
// node does not know yet, or one below the configured commitment, is pending.
func (c *Client) TxStatus(ctx context.Context, txID string) (chain.TxStatus, error) {
	sig, err := solana.SignatureFromBase58(txID)
	if err != nil {
		return chain.TxPending, fmt.Errorf("invalid signature %q: %w", txID, err)
	}
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if errors.Is(err, rpc.ErrNotFound) {
		return chain.TxPending, nil
	}
	if err != nil {
		return chain.TxPending, fmt.Errorf("failed to get status of %s: %w", txID, err)
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return chain.TxPending, nil
	}
	st := out.Value[0]
	if st.Err != nil {
		return chain.TxAborted, nil
	}
	if reaches(st.ConfirmationStatus, c.commitment) {
		return chain.TxSuccess, nil
	}
	return chain.TxPending, nil
}

func reaches(status rpc.ConfirmationStatusType, commitment rpc.CommitmentType) bool {
	switch commitment {
	case rpc.CommitmentFinalized:
		return status == rpc.ConfirmationStatusFinalized
	case rpc.CommitmentProcessed:
		return status != ""
	default:
		return status == rpc.ConfirmationStatusConfirmed || status == rpc.ConfirmationStatusFinalized
	}
}

func associatedAccount(owner solana.PublicKey, mint string) (solana.PublicKey, error) {
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid mint %q: %w", mint, err)
	}
	addr, _, err := solana.FindAssociatedTokenAddress(owner, mintKey)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive token account: %w", err)
	}
	return addr, nil
}

func splArgs(args []any) (solana.PublicKey, uint64, uint8, error) {
	if len(args) != 3 {
		return solana.PublicKey{}, 0, 0, fmt.Errorf("token transfer takes 3 arguments, got %d", len(args))
	}
	toStr, ok := args[0].(string)
	if !ok {
		return solana.PublicKey{}, 0, 0, fmt.Errorf("recipient must be a string, got %T", args[0])
	}
	to, err := solana.PublicKeyFromBase58(toStr)
	if err != nil {
		return solana.PublicKey{}, 0, 0, fmt.Errorf("invalid recipient %q: %w", toStr, err)
	}
	amount, ok := args[1].(*big.Int)
	if !ok || amount == nil || !amount.IsUint64() {
		return solana.PublicKey{}, 0, 0, fmt.Errorf("amount must be a uint64 *big.Int, got %v", args[1])
	}
	var decimals uint8
	switch d := args[2].(type) {
	case int32:
		decimals = uint8(d)
	case int:
		decimals = uint8(d)
	case uint8:
		decimals = d
	default:
		return solana.PublicKey{}, 0, 0, fmt.Errorf("decimals must be an integer, got %T", args[2])
	}
	return to, amount.Uint64(), decimals, nil
}
