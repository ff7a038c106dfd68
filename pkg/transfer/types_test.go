package transfer

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestStatusFor(t *testing.T) {
	cases := map[AbortReason]Status{
		ReasonNone:                 StatusCompleted,
		ReasonValidationFailed:     StatusRejected,
		ReasonInsufficientBalance:  StatusInsufficientBalance,
		ReasonBalanceUnknown:       StatusBalanceUnknown,
		ReasonLeg1SubmissionFailed: StatusFailedLeg1,
		ReasonLeg1NotConfirmed:     StatusFailedLeg1,
		ReasonLeg2SubmissionFailed: StatusFailedLeg2,
		ReasonLeg2NotConfirmed:     StatusFailedLeg2,
		ReasonCancelled:            StatusCancelled,
	}
	for reason, want := range cases {
		if got := StatusFor(reason); got != want {
			t.Errorf("StatusFor(%q) = %q, want %q", reason, got, want)
		}
	}
}

func TestOutcome_PartialCompletion(t *testing.T) {
	o := &Outcome{
		State:  StateAborted,
		Status: StatusFailedLeg2,
		Leg1:   &LegResult{TxID: "0xabc", Status: LegConfirmed},
	}
	if !o.PartialCompletion() {
		t.Fatal("expected partial completion")
	}

	o.Leg1.Status = LegFailed
	o.Status = StatusFailedLeg1
	if o.PartialCompletion() {
		t.Fatal("leg 1 failure is not a partial completion")
	}

	done := &Outcome{
		State:  StateCompleted,
		Status: StatusCompleted,
		Leg1:   &LegResult{Status: LegConfirmed},
		Leg2:   &LegResult{Status: LegConfirmed},
	}
	if done.PartialCompletion() {
		t.Fatal("completed run is not a partial completion")
	}
}

func TestState_Before(t *testing.T) {
	if !StateLeg1Confirming.Before(StateLeg2Submitting) {
		t.Error("leg 1 confirmation must precede leg 2 submission")
	}
	if StateLeg2Submitting.Before(StateLeg1Confirming) {
		t.Error("ordering reversed")
	}
	if StateAborted.Before(StateCompleted) {
		t.Error("aborted has no position on the happy path")
	}
}

func TestAssetConfig_RequiredFor(t *testing.T) {
	native := AssetConfig{Kind: AssetNative, Fee: big.NewInt(2000)}
	if got := native.RequiredFor(big.NewInt(100)); got.Int64() != 2100 {
		t.Errorf("native required = %s, want 2100", got)
	}
	token := AssetConfig{Kind: AssetToken, Fee: big.NewInt(2000)}
	if got := token.RequiredFor(big.NewInt(100)); got.Int64() != 100 {
		t.Errorf("token required = %s, want 100", got)
	}
}

func TestErrors_Unwrap(t *testing.T) {
	cause := errors.New("nonce too low")
	err := &LegSubmissionError{Chain: ChainEVM, Err: cause}
	if !errors.Is(err, cause) {
		t.Fatal("LegSubmissionError must unwrap to its cause")
	}

	pc := &PartialCompletionError{TransferID: "t1", Leg1TxID: "0x1", Err: err}
	if !IsPartialCompletion(pc) {
		t.Fatal("expected partial completion")
	}
	var sub *LegSubmissionError
	if !errors.As(pc, &sub) || sub.Chain != ChainEVM {
		t.Fatal("partial completion must keep the leg 2 cause")
	}

	ib := &InsufficientBalanceError{
		Chain: ChainEVM, Account: "0x1", Symbol: "BNB",
		Required: decimal.RequireFromString("0.0006"), Available: decimal.RequireFromString("0.0005"),
	}
	if ib.Error() != "insufficient BNB balance on evm for 0x1: required 0.0006, available 0.0005" {
		t.Errorf("unexpected message %q", ib.Error())
	}
}

func TestOutcome_NeedsReconciliation(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		out  Outcome
		want bool
	}{
		{"leg 1 timed out", Outcome{State: StateAborted, Status: StatusFailedLeg1, Leg1: &LegResult{Status: LegPending}}, true},
		{"leg 1 failed on chain", Outcome{State: StateAborted, Status: StatusFailedLeg1, Leg1: &LegResult{Status: LegFailed}}, false},
		{"leg 2 failed", Outcome{State: StateAborted, Status: StatusFailedLeg2, Leg1: &LegResult{Status: LegConfirmed}}, true},
		{"already reconciled", Outcome{State: StateAborted, Status: StatusFailedLeg2, Leg1: &LegResult{Status: LegConfirmed}, ReconciledAt: &now}, false},
		{"completed", Outcome{State: StateCompleted, Status: StatusCompleted, Leg1: &LegResult{Status: LegConfirmed}}, false},
		{"never submitted", Outcome{State: StateAborted, Status: StatusInsufficientBalance}, false},
		{"still running", Outcome{State: StateLeg1Confirming, Status: StatusInProgress, Leg1: &LegResult{Status: LegPending}}, false},
	}
	for _, tc := range cases {
		if got := tc.out.NeedsReconciliation(); got != tc.want {
			t.Errorf("%s: NeedsReconciliation() = %v, want %v", tc.name, got, tc.want)
		}
	}
}
