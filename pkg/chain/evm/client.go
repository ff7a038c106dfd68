// Package evm is the EVM chain adapter: balances, native and ERC-20
// transfers, receipt status, pool reserves and deposit watching over JSON-RPC.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/chainsafe/trichain-bridge/internal/metrics"
	"github.com/chainsafe/trichain-bridge/pkg/chain"
	"github.com/chainsafe/trichain-bridge/pkg/config"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

const nativeTransferGas = 21000

// RPC is the subset of *ethclient.Client the adapter uses.
type RPC interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Client represents an EVM chain client
type Client struct {
	rpc         RPC
	chainID     *big.Int
	signer      types.Signer
	privateKey  *ecdsa.PrivateKey
	address     common.Address
	gasLimit    uint64
	maxGasPrice *big.Int
	logger      *zap.Logger

	// serializes nonce assignment for the signing key
	sendMu sync.Mutex
}

// Dial connects to cfg.RPCURL and creates a Client.
func Dial(ctx context.Context, cfg *config.EVMConfig, logger *zap.Logger) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to EVM RPC: %w", err)
	}
	return New(rpc, cfg, logger)
}

// New creates a Client over an existing RPC connection.
func New(rpc RPC, cfg *config.EVMConfig, logger *zap.Logger) (*Client, error) {
	c := &Client{
		rpc:      rpc,
		chainID:  big.NewInt(cfg.ChainID),
		signer:   types.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		gasLimit: cfg.GasLimit,
		logger:   logger.With(zap.String("chain", string(transfer.ChainEVM))),
	}

	if cfg.MaxGasPrice != "" {
		maxGasPrice, ok := new(big.Int).SetString(cfg.MaxGasPrice, 10)
		if !ok {
			return nil, fmt.Errorf("invalid max_gas_price %q", cfg.MaxGasPrice)
		}
		c.maxGasPrice = maxGasPrice
	}

	if cfg.PrivateKey != "" {
		privateKey, err := crypto.HexToECDSA(trimHexPrefix(cfg.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to load private key: %w", err)
		}
		c.privateKey = privateKey
		c.address = crypto.PubkeyToAddress(privateKey.PublicKey)
	}

	c.logger.Info("EVM client ready",
		zap.Int64("chain_id", cfg.ChainID),
		zap.String("rpc_url", cfg.RPCURL),
		zap.String("signer", c.Address()))
	return c, nil
}

// ID returns the chain this client serves.
func (c *Client) ID() transfer.ChainID { return transfer.ChainEVM }

// Address returns the signing account, or "" for a read-only client.
func (c *Client) Address() string {
	if c.privateKey == nil {
		return ""
	}
	return c.address.Hex()
}

// Balance reads the native balance or the ERC-20 balance of account.
func (c *Client) Balance(ctx context.Context, account string, asset transfer.AssetConfig) (*big.Int, error) {
	return c.balanceAt(ctx, account, asset, nil)
}

func (c *Client) balanceAt(ctx context.Context, account string, asset transfer.AssetConfig, block *big.Int) (*big.Int, error) {
	addr := common.HexToAddress(account)
	if asset.Kind == transfer.AssetNative {
		bal, err := c.rpc.BalanceAt(ctx, addr, block)
		if err != nil {
			return nil, fmt.Errorf("failed to get balance of %s: %w", account, err)
		}
		return bal, nil
	}

	out, err := c.call(ctx, erc20ABI, common.HexToAddress(asset.ContractAddress), block, "balanceOf", addr)
	if err != nil {
		return nil, err
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", out[0])
	}
	return bal, nil
}

// PairReserves reads getReserves() of a constant-product pair.
func (c *Client) PairReserves(ctx context.Context, pair string) (*big.Int, *big.Int, error) {
	out, err := c.call(ctx, pairABI, common.HexToAddress(pair), nil, "getReserves")
	if err != nil {
		return nil, nil, err
	}
	r0, ok0 := out[0].(*big.Int)
	r1, ok1 := out[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, fmt.Errorf("unexpected getReserves result %T, %T", out[0], out[1])
	}
	return r0, r1, nil
}

func (c *Client) call(ctx context.Context, contract abi.ABI, to common.Address, block *big.Int, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	raw, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s on %s: %w", method, to.Hex(), err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return out, nil
}

// SubmitNativeTransfer signs and sends a value transfer.
func (c *Client) SubmitNativeTransfer(ctx context.Context, from, to string, amount *big.Int) (string, error) {
	if err := c.checkSender(from); err != nil {
		return "", err
	}
	recipient := common.HexToAddress(to)
	return c.send(ctx, &recipient, amount, nil)
}

// SubmitContractCall packs call.Function of the ERC-20 interface with
// call.Args and sends it to call.Contract. Address arguments may be hex strings.
func (c *Client) SubmitContractCall(ctx context.Context, call chain.ContractCall) (string, error) {
	if err := c.checkSender(call.Sender); err != nil {
		return "", err
	}
	method, ok := erc20ABI.Methods[call.Function]
	if !ok {
		return "", fmt.Errorf("unsupported contract function %q", call.Function)
	}
	args, err := coerceArgs(method, call.Args)
	if err != nil {
		return "", err
	}
	data, err := erc20ABI.Pack(call.Function, args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack %s: %w", call.Function, err)
	}
	contract := common.HexToAddress(call.Contract)
	return c.send(ctx, &contract, big.NewInt(0), data)
}

func (c *Client) checkSender(from string) error {
	if c.privateKey == nil {
		return chain.ErrReadOnly
	}
	if !common.IsHexAddress(from) || common.HexToAddress(from) != c.address {
		return fmt.Errorf("%w %s", chain.ErrUnknownSender, from)
	}
	return nil
}

func (c *Client) send(ctx context.Context, to *common.Address, value *big.Int, data []byte) (string, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.rpc.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := c.gasPrice(ctx)
	if err != nil {
		return "", err
	}
	gas, err := c.gas(ctx, to, value, data)
	if err != nil {
		return "", err
	}

	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	}), c.signer, c.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := c.rpc.SendTransaction(ctx, tx); err != nil {
		// A JSON-RPC error is the node refusing the tx. Anything else may
		// have reached the mempool.
		var rpcErr gethrpc.Error
		if errors.As(err, &rpcErr) {
			return "", fmt.Errorf("failed to send transaction: %w", err)
		}
		return "", &chain.BroadcastError{TxID: tx.Hash().Hex(), Err: err}
	}

	c.logger.Info("Transaction sent",
		zap.String("tx_hash", tx.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", gas),
		zap.String("gas_price", gasPrice.String()))
	return tx.Hash().Hex(), nil
}

func (c *Client) gasPrice(ctx context.Context) (*big.Int, error) {
	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas price: %w", err)
	}
	if c.maxGasPrice != nil && gasPrice.Cmp(c.maxGasPrice) > 0 {
		c.logger.Warn("Suggested gas price exceeds maximum",
			zap.String("suggested", gasPrice.String()),
			zap.String("max", c.maxGasPrice.String()))
		return new(big.Int).Set(c.maxGasPrice), nil
	}
	return gasPrice, nil
}

func (c *Client) gas(ctx context.Context, to *common.Address, value *big.Int, data []byte) (uint64, error) {
	if c.gasLimit > 0 {
		return c.gasLimit, nil
	}
	if len(data) == 0 {
		return nativeTransferGas, nil
	}
	gas, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: c.address, To: to, Value: value, Data: data})
	if err != nil {
		return 0, fmt.Errorf("failed to estimate gas: %w", err)
	}
	return gas, nil
}

// TxStatus maps a receipt onto a chain.TxStatus; a missing receipt is pending.
func (c *Client) TxStatus(ctx context.Context, txID string) (chain.TxStatus, error) {
	receipt, err := c.rpc.TransactionReceipt(ctx, common.HexToHash(txID))
	if errors.Is(err, ethereum.NotFound) {
		return chain.TxPending, nil
	}
	if err != nil {
		return chain.TxPending, fmt.Errorf("failed to get receipt of %s: %w", txID, err)
	}
	metrics.GasUsed.WithLabelValues("transfer").Observe(float64(receipt.GasUsed))
	if receipt.Status == types.ReceiptStatusSuccessful {
		return chain.TxSuccess, nil
	}
	return chain.TxAborted, nil
}

// coerceArgs converts hex-string arguments of address parameters.
func coerceArgs(method abi.Method, args []any) ([]any, error) {
	if len(args) != len(method.Inputs) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", method.Name, len(method.Inputs), len(args))
	}
	out := make([]any, len(args))
	for i, arg := range args {
		out[i] = arg
		if method.Inputs[i].Type.T != abi.AddressTy {
			continue
		}
		s, ok := arg.(string)
		if !ok {
			continue
		}
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("argument %s: %q is not an address", method.Inputs[i].Name, s)
		}
		out[i] = common.HexToAddress(s)
	}
	return out, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
