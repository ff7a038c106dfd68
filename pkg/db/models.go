package db

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/chainsafe/trichain-bridge/pkg/db/dao"
	"github.com/chainsafe/trichain-bridge/pkg/monitor"
	"github.com/chainsafe/trichain-bridge/pkg/relayqueue"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

func toOutcomeDao(o *transfer.Outcome) *dao.TransferOutcomeDao {
	d := &dao.TransferOutcomeDao{
		ID:                  o.ID,
		Route:               o.Route,
		State:               string(o.State),
		Status:              string(o.Status),
		AbortReason:         optString(string(o.AbortReason)),
		SourceChain:         string(o.Request.SourceChain),
		DestinationChain:    string(o.Request.DestinationChain),
		SourceAccount:       o.Request.SourceAccount,
		DestinationAccount:  o.Request.DestinationAccount,
		Amount:              o.Request.Amount.String(),
		Memo:                optString(o.Request.Memo),
		SourceAmountBase:    optBig(o.SourceAmountBase),
		Leg1:                o.Leg1,
		Leg2:                o.Leg2,
		History:             o.History,
		Error:               optString(o.Error),
		NeedsReconciliation: o.NeedsReconciliation(),
		StartedAt:           o.StartedAt,
		FinishedAt:          o.FinishedAt,
		ReconciledAt:        o.ReconciledAt,
		ReconcileNote:       optString(o.ReconcileNote),
	}
	if !o.Rate.IsZero() {
		d.Rate = optString(o.Rate.String())
	}
	if o.DestinationAmountBase != nil {
		d.DestinationAmount = optString(o.DestinationAmount.String())
		d.DestinationAmountBase = optBig(o.DestinationAmountBase)
	}
	if o.Leg1 != nil {
		d.Leg1TxID = optString(o.Leg1.TxID)
	}
	if o.Leg2 != nil {
		d.Leg2TxID = optString(o.Leg2.TxID)
	}
	return d
}

func fromOutcomeDao(d *dao.TransferOutcomeDao) (*transfer.Outcome, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q for outcome %s: %w", d.Amount, d.ID, err)
	}
	o := &transfer.Outcome{
		ID:    d.ID,
		Route: d.Route,
		Request: transfer.Request{
			ID:                 d.ID,
			SourceChain:        transfer.ChainID(d.SourceChain),
			DestinationChain:   transfer.ChainID(d.DestinationChain),
			Amount:             amount,
			SourceAccount:      d.SourceAccount,
			DestinationAccount: d.DestinationAccount,
			Memo:               deref(d.Memo),
		},
		State:         transfer.State(d.State),
		Status:        transfer.Status(d.Status),
		AbortReason:   transfer.AbortReason(deref(d.AbortReason)),
		Leg1:          d.Leg1,
		Leg2:          d.Leg2,
		Error:         deref(d.Error),
		History:       d.History,
		StartedAt:     d.StartedAt,
		FinishedAt:    d.FinishedAt,
		ReconciledAt:  d.ReconciledAt,
		ReconcileNote: deref(d.ReconcileNote),
	}
	if o.SourceAmountBase, err = parseBig(d.SourceAmountBase); err != nil {
		return nil, err
	}
	if o.DestinationAmountBase, err = parseBig(d.DestinationAmountBase); err != nil {
		return nil, err
	}
	if d.Rate != nil {
		if o.Rate, err = decimal.NewFromString(*d.Rate); err != nil {
			return nil, fmt.Errorf("invalid rate %q for outcome %s: %w", *d.Rate, d.ID, err)
		}
	}
	if d.DestinationAmount != nil {
		if o.DestinationAmount, err = decimal.NewFromString(*d.DestinationAmount); err != nil {
			return nil, fmt.Errorf("invalid destination amount %q for outcome %s: %w", *d.DestinationAmount, d.ID, err)
		}
	}
	return o, nil
}

func toRelayFailureDao(f *relayqueue.Failure) *dao.RelayFailureDao {
	return &dao.RelayFailureDao{
		JobID:      f.Job.ID,
		Route:      f.Job.Route,
		SourceTxID: optString(f.Job.SourceTxID),
		Sender:     optString(f.Job.Sender),
		Recipient:  f.Job.Recipient,
		Amount:     f.Job.Amount.String(),
		AmountBase: optBig(f.Job.AmountBase),
		Memo:       optString(f.Job.Memo),
		Retries:    f.Job.Retries,
		Error:      f.Error,
		EnqueuedAt: f.Job.EnqueuedAt,
		FailedAt:   f.FailedAt,
	}
}

func fromRelayFailureDao(d *dao.RelayFailureDao) (*relayqueue.Failure, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q for relay job %s: %w", d.Amount, d.JobID, err)
	}
	base, err := parseBig(d.AmountBase)
	if err != nil {
		return nil, err
	}
	return &relayqueue.Failure{
		Job: relayqueue.Job{
			ID:         d.JobID,
			Route:      d.Route,
			SourceTxID: deref(d.SourceTxID),
			Sender:     deref(d.Sender),
			Recipient:  d.Recipient,
			Amount:     amount,
			AmountBase: base,
			Memo:       deref(d.Memo),
			Retries:    d.Retries,
			EnqueuedAt: d.EnqueuedAt,
		},
		Error:    d.Error,
		FailedAt: d.FailedAt,
	}, nil
}

func toMonitorStateDao(s *monitor.State) *dao.MonitorStateDao {
	balance := "0"
	if s.PreviousBalance != nil {
		balance = s.PreviousBalance.String()
	}
	return &dao.MonitorStateDao{
		Name:            s.Name,
		LastSlot:        int64(s.LastSlot),
		PreviousBalance: balance,
		UpdatedAt:       s.UpdatedAt,
	}
}

func fromMonitorStateDao(d *dao.MonitorStateDao) (*monitor.State, error) {
	balance, ok := new(big.Int).SetString(d.PreviousBalance, 10)
	if !ok {
		return nil, fmt.Errorf("invalid previous balance %q for monitor %s", d.PreviousBalance, d.Name)
	}
	return &monitor.State{
		Name:            d.Name,
		LastSlot:        uint64(d.LastSlot),
		PreviousBalance: balance,
		UpdatedAt:       d.UpdatedAt,
	}, nil
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optBig(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func parseBig(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", *s)
	}
	return v, nil
}
