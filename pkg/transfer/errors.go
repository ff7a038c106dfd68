package transfer

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrTooLate is returned when cancellation is requested after leg 2 was submitted.
	ErrTooLate = errors.New("transfer cannot be cancelled: leg 2 already submitted")
	// ErrCancelled is the cause recorded on runs cancelled by their caller.
	ErrCancelled = errors.New("transfer cancelled")
	// ErrRouteNotFound is returned when no route serves a chain pair.
	ErrRouteNotFound = errors.New("no route configured for chain pair")
	// ErrNotFound is returned by stores for unknown outcome ids.
	ErrNotFound = errors.New("transfer not found")
)

// ValidationError rejects a malformed request before anything touches a chain.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InsufficientBalanceError reports a failed balance precondition in human units.
type InsufficientBalanceError struct {
	Chain     ChainID
	Account   string
	Symbol    string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance on %s for %s: required %s, available %s",
		e.Symbol, e.Chain, e.Account, e.Required.String(), e.Available.String())
}

// BalanceUnknownError is returned when the balance could not be read. The
// orchestrator treats it as a refusal to proceed.
type BalanceUnknownError struct {
	Chain   ChainID
	Account string
	Err     error
}

func (e *BalanceUnknownError) Error() string {
	return fmt.Sprintf("balance of %s on %s unknown: %v", e.Account, e.Chain, e.Err)
}

func (e *BalanceUnknownError) Unwrap() error { return e.Err }

// LegSubmissionError is returned when a chain rejected or failed to accept a transaction.
type LegSubmissionError struct {
	Chain ChainID
	Err   error
}

func (e *LegSubmissionError) Error() string {
	return fmt.Sprintf("submission on %s failed: %v", e.Chain, e.Err)
}

func (e *LegSubmissionError) Unwrap() error { return e.Err }

// AmbiguousSubmissionError is returned when a signed transaction was sent
// but the node never answered. The transaction may land, so the leg must be
// resolved by looking up TxID, never by submitting again.
type AmbiguousSubmissionError struct {
	Chain ChainID
	TxID  string
	Err   error
}

func (e *AmbiguousSubmissionError) Error() string {
	if e.TxID == "" {
		return fmt.Sprintf("submission on %s has unknown outcome: %v", e.Chain, e.Err)
	}
	return fmt.Sprintf("submission of %s on %s has unknown outcome: %v", e.TxID, e.Chain, e.Err)
}

func (e *AmbiguousSubmissionError) Unwrap() error { return e.Err }

// ConfirmationFailedError is a definite on-chain failure (aborted or rejected).
type ConfirmationFailedError struct {
	Chain  ChainID
	TxID   string
	Status string
}

func (e *ConfirmationFailedError) Error() string {
	return fmt.Sprintf("transaction %s on %s ended with status %s", e.TxID, e.Chain, e.Status)
}

// ConfirmationTimeoutError means the outcome of a transaction is unknown.
type ConfirmationTimeoutError struct {
	Chain  ChainID
	TxID   string
	Waited time.Duration
}

func (e *ConfirmationTimeoutError) Error() string {
	return fmt.Sprintf("transaction %s on %s not terminal after %s", e.TxID, e.Chain, e.Waited)
}

// PartialCompletionError is returned when leg 1 confirmed and leg 2 did not.
// It requires manual reconciliation and is never retried automatically.
type PartialCompletionError struct {
	TransferID         string
	SourceChain        ChainID
	DestinationChain   ChainID
	SourceAccount      string
	DestinationAccount string
	SourceAmount       decimal.Decimal
	DestinationAmount  decimal.Decimal
	Leg1TxID           string
	Leg2TxID           string
	Reason             AbortReason
	Err                error
}

func (e *PartialCompletionError) Error() string {
	return fmt.Sprintf("partial completion of %s: leg 1 %s confirmed on %s, leg 2 on %s %s: %v",
		e.TransferID, e.Leg1TxID, e.SourceChain, e.DestinationChain, e.Reason, e.Err)
}

func (e *PartialCompletionError) Unwrap() error { return e.Err }

// IsPartialCompletion reports whether err carries a PartialCompletionError.
func IsPartialCompletion(err error) bool {
	var pc *PartialCompletionError
	return errors.As(err, &pc)
}
