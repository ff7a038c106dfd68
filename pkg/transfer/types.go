// Package transfer holds the domain model shared by the orchestrator, the
// relay queue and the persistence layer.
package transfer

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// ChainID identifies one of the three chains the bridge moves value between.
type ChainID string

const (
	ChainEVM        ChainID = "evm"
	ChainSettlement ChainID = "settlement"
	ChainFast       ChainID = "fast"
)

// Valid reports whether c is a known chain.
func (c ChainID) Valid() bool {
	switch c {
	case ChainEVM, ChainSettlement, ChainFast:
		return true
	}
	return false
}

// AssetKind selects how a leg moves an asset.
type AssetKind string

const (
	AssetNative   AssetKind = "native"
	AssetToken    AssetKind = "token"
	AssetContract AssetKind = "contract"
)

// ArgLayout names the argument convention of a token/contract transfer function.
type ArgLayout string

const (
	// LayoutERC20 is transfer(address to, uint256 amount).
	LayoutERC20 ArgLayout = "erc20"
	// LayoutSIP010 is transfer(uint amount, principal sender, principal recipient, optional memo).
	LayoutSIP010 ArgLayout = "sip010"
	// LayoutSPL is an SPL TransferChecked between associated token accounts.
	LayoutSPL ArgLayout = "spl"
)

// AssetConfig is the static per-chain, per-asset configuration of one leg.
type AssetConfig struct {
	Chain           ChainID
	Symbol          string
	Decimals        int32
	MinUnit         *big.Int
	Fee             *big.Int
	Kind            AssetKind
	ContractAddress string
	ContractName    string
	Function        string
	ArgLayout       ArgLayout
}

// RequiredFor returns the source balance needed to move amount, including the
// fee when the fee is paid in the same asset.
func (a AssetConfig) RequiredFor(amount *big.Int) *big.Int {
	required := new(big.Int).Set(amount)
	if a.Kind == AssetNative && a.Fee != nil {
		required.Add(required, a.Fee)
	}
	return required
}

// Request describes one cross-chain transfer. It is never mutated once built.
type Request struct {
	ID                 string          `json:"id"`
	SourceChain        ChainID         `json:"source_chain"`
	DestinationChain   ChainID         `json:"destination_chain"`
	Amount             decimal.Decimal `json:"amount"`
	SourceAccount      string          `json:"source_account"`
	DestinationAccount string          `json:"destination_account"`
	Memo               string          `json:"memo,omitempty"`
}

// LegStatus is the terminal status of one leg.
type LegStatus string

const (
	LegPending   LegStatus = "pending"
	LegConfirmed LegStatus = "confirmed"
	LegFailed    LegStatus = "failed"
)

// LegResult records one single-chain operation.
type LegResult struct {
	Chain       ChainID   `json:"chain"`
	TxID        string    `json:"tx_id"`
	SubmittedAt time.Time `json:"submitted_at"`
	Status      LegStatus `json:"status"`
	Amount      *big.Int  `json:"amount"`
	Detail      string    `json:"detail,omitempty"`
}

// State is a node of the orchestration state machine.
type State string

const (
	StateInitiated            State = "initiated"
	StatePreconditionChecking State = "precondition-checking"
	StateLeg1Submitting       State = "leg1-submitting"
	StateLeg1Confirming       State = "leg1-confirming"
	StateAmountConverting     State = "amount-converting"
	StateLeg2Submitting       State = "leg2-submitting"
	StateLeg2Confirming       State = "leg2-confirming"
	StateCompleted            State = "completed"
	StateAborted              State = "aborted"
)

var stateOrder = map[State]int{
	StateInitiated:            0,
	StatePreconditionChecking: 1,
	StateLeg1Submitting:       2,
	StateLeg1Confirming:       3,
	StateAmountConverting:     4,
	StateLeg2Submitting:       5,
	StateLeg2Confirming:       6,
	StateCompleted:            7,
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Before reports whether s precedes other on the happy path.
func (s State) Before(other State) bool {
	a, okA := stateOrder[s]
	b, okB := stateOrder[other]
	return okA && okB && a < b
}

// AbortReason explains an Aborted terminal state.
type AbortReason string

const (
	ReasonNone                 AbortReason = ""
	ReasonValidationFailed     AbortReason = "validation-failed"
	ReasonInsufficientBalance  AbortReason = "insufficient-balance"
	ReasonBalanceUnknown       AbortReason = "balance-unknown"
	ReasonRateUnavailable      AbortReason = "rate-unavailable"
	ReasonLeg1SubmissionFailed AbortReason = "leg1-submission-failed"
	ReasonLeg1NotConfirmed     AbortReason = "leg1-not-confirmed"
	ReasonLeg2SubmissionFailed AbortReason = "leg2-submission-failed"
	ReasonLeg2NotConfirmed     AbortReason = "leg2-not-confirmed"
	ReasonCancelled            AbortReason = "cancelled"
)

// Status is the overall result of a run.
type Status string

const (
	StatusInProgress          Status = "in-progress"
	StatusCompleted           Status = "completed"
	StatusFailedLeg1          Status = "failed-leg-1"
	StatusFailedLeg2          Status = "failed-leg-2"
	StatusInsufficientBalance Status = "insufficient-balance"
	StatusBalanceUnknown      Status = "balance-unknown"
	StatusRejected            Status = "rejected"
	StatusCancelled           Status = "cancelled"
)

// StatusFor maps an abort reason onto the outcome status reported to callers.
func StatusFor(reason AbortReason) Status {
	switch reason {
	case ReasonNone:
		return StatusCompleted
	case ReasonValidationFailed, ReasonRateUnavailable:
		return StatusRejected
	case ReasonInsufficientBalance:
		return StatusInsufficientBalance
	case ReasonBalanceUnknown:
		return StatusBalanceUnknown
	case ReasonLeg1SubmissionFailed, ReasonLeg1NotConfirmed:
		return StatusFailedLeg1
	case ReasonLeg2SubmissionFailed, ReasonLeg2NotConfirmed:
		return StatusFailedLeg2
	case ReasonCancelled:
		return StatusCancelled
	default:
		return StatusRejected
	}
}

// Transition is one entry of an outcome's state history.
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Outcome is the aggregate record of one orchestration run.
type Outcome struct {
	ID                    string          `json:"id"`
	Route                 string          `json:"route"`
	Request               Request         `json:"request"`
	State                 State           `json:"state"`
	Status                Status          `json:"status"`
	AbortReason           AbortReason     `json:"abort_reason,omitempty"`
	Leg1                  *LegResult      `json:"leg1,omitempty"`
	Leg2                  *LegResult      `json:"leg2,omitempty"`
	SourceAmountBase      *big.Int        `json:"source_amount_base,omitempty"`
	Rate                  decimal.Decimal `json:"rate"`
	DestinationAmount     decimal.Decimal `json:"destination_amount"`
	DestinationAmountBase *big.Int        `json:"destination_amount_base,omitempty"`
	Error                 string          `json:"error,omitempty"`
	History               []Transition    `json:"history"`
	StartedAt             time.Time       `json:"started_at"`
	FinishedAt            *time.Time      `json:"finished_at,omitempty"`
	ReconciledAt          *time.Time      `json:"reconciled_at,omitempty"`
	ReconcileNote         string          `json:"reconcile_note,omitempty"`
}

// PartialCompletion reports whether leg 1 confirmed while the run did not
// complete, leaving value moved on one chain only.
func (o *Outcome) PartialCompletion() bool {
	return o.Leg1 != nil && o.Leg1.Status == LegConfirmed && o.Status != StatusCompleted && o.State.Terminal()
}

// NeedsReconciliation reports whether value may be stranded on the source
// chain: the run ended without completing after leg 1 was submitted and leg 1
// was not seen to fail. A leg 1 that timed out is included since it may
// still land.
func (o *Outcome) NeedsReconciliation() bool {
	return o.State.Terminal() && o.Status != StatusCompleted &&
		o.Leg1 != nil && o.Leg1.Status != LegFailed && o.ReconciledAt == nil
}

// Clone returns a copy that shares no mutable slices with o.
func (o *Outcome) Clone() *Outcome {
	c := *o
	c.History = append([]Transition(nil), o.History...)
	if o.Leg1 != nil {
		leg := *o.Leg1
		c.Leg1 = &leg
	}
	if o.Leg2 != nil {
		leg := *o.Leg2
		c.Leg2 = &leg
	}
	return &c
}
