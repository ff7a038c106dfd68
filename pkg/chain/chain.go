// Package chain defines the capabilities the bridge consumes from each chain
// adapter and the address grammar of every supported chain.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

var (
	// ErrNoInbound is returned by LatestInbound when no recent transfer into
	// the account was found.
	ErrNoInbound = errors.New("no inbound transfer found")
	// ErrReadOnly is returned by submitters configured without a signing key.
	ErrReadOnly = errors.New("chain client has no signing key")
	// ErrUnknownSender is returned when asked to sign for an account whose key
	// the client does not hold.
	ErrUnknownSender = errors.New("no signing key for sender")
)

// BroadcastError is returned when a signed transaction was handed to the
// node but no answer came back. The transaction may still land, so it must
// not be rebuilt and sent again. TxID is empty when a remote signer built
// the transaction.
type BroadcastError struct {
	TxID string
	Err  error
}

func (e *BroadcastError) Error() string {
	if e.TxID == "" {
		return fmt.Sprintf("broadcast outcome unknown: %v", e.Err)
	}
	return fmt.Sprintf("broadcast of %s outcome unknown: %v", e.TxID, e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// TxStatus is the status reported by a transaction-status endpoint.
type TxStatus string

const (
	TxPending  TxStatus = "pending"
	TxSuccess  TxStatus = "success"
	TxAborted  TxStatus = "aborted"
	TxRejected TxStatus = "rejected"
)

// Terminal reports whether no further status change is expected.
func (s TxStatus) Terminal() bool {
	return s == TxSuccess || s == TxAborted || s == TxRejected
}

// ContractCall is one smart-contract invocation.
type ContractCall struct {
	// Contract is the contract address (EVM, settlement) or token mint (fast chain).
	Contract string
	// Name is the settlement-chain contract name; empty elsewhere.
	Name     string
	Function string
	Sender   string
	Args     []any
	Fee      *big.Int
}

// BalanceReader reads an account balance in base units.
type BalanceReader interface {
	Balance(ctx context.Context, account string, asset transfer.AssetConfig) (*big.Int, error)
}

// NativeSubmitter submits a signed native-asset transfer and returns its id
// once the node accepted it.
type NativeSubmitter interface {
	SubmitNativeTransfer(ctx context.Context, from, to string, amount *big.Int) (string, error)
}

// ContractCaller submits a contract invocation and returns its id once the
// node accepted it.
type ContractCaller interface {
	SubmitContractCall(ctx context.Context, call ContractCall) (string, error)
}

// TxStatusReader reads the status of a submitted transaction.
type TxStatusReader interface {
	TxStatus(ctx context.Context, txID string) (TxStatus, error)
}

// Client is the full capability set of one chain adapter.
type Client interface {
	BalanceReader
	NativeSubmitter
	ContractCaller
	TxStatusReader
	ID() transfer.ChainID
}

// Observation is one balance sample tagged with the chain position it was read at.
type Observation struct {
	Balance *big.Int
	Slot    uint64
}

// InboundTransfer identifies the most recent transfer into a watched account.
type InboundTransfer struct {
	TxID   string
	Sender string
}

// AccountWatcher is used by the passive monitor to detect deposits.
type AccountWatcher interface {
	Observe(ctx context.Context, account string) (Observation, error)
	LatestInbound(ctx context.Context, account string) (InboundTransfer, error)
}
