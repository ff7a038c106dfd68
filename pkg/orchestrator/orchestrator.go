// Package orchestrator drives a two-leg cross-chain transfer: lock value on
// the source chain, wait for it to confirm, convert the amount and release
// the equivalent on the destination chain.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/trichain-bridge/internal/metrics"
	"github.com/chainsafe/trichain-bridge/pkg/chain"
	"github.com/chainsafe/trichain-bridge/pkg/confirm"
	"github.com/chainsafe/trichain-bridge/pkg/precondition"
	"github.com/chainsafe/trichain-bridge/pkg/rate"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
	"github.com/chainsafe/trichain-bridge/pkg/units"
)

// Route is one configured direction between two assets.
type Route struct {
	Name        string
	Source      transfer.AssetConfig
	Destination transfer.AssetConfig
	// SourceTreasury receives leg 1 on the source chain.
	SourceTreasury string
	// DestinationTreasury pays out leg 2 on the destination chain.
	DestinationTreasury string
	Rate                rate.Source
	// CheckLiquidity verifies the destination treasury can cover leg 2
	// before leg 1 is submitted.
	CheckLiquidity bool
}

// LegSubmitter submits one leg. It is satisfied by *leg.Executor.
type LegSubmitter interface {
	Transfer(ctx context.Context, asset transfer.AssetConfig, from, to string, amount *big.Int, memo string) (*transfer.LegResult, error)
}

// OutcomeStore checkpoints outcomes while a run progresses.
type OutcomeStore interface {
	SaveOutcome(ctx context.Context, out *transfer.Outcome) error
}

// Deps are the chain-facing collaborators of a route.
type Deps struct {
	SourceBalance      chain.BalanceReader
	DestinationBalance chain.BalanceReader
	Leg1               LegSubmitter
	Leg2               LegSubmitter
	Leg1Waiter         confirm.Waiter
	Leg2Waiter         confirm.Waiter
	Store              OutcomeStore
	Logger             *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPreconditionTimeout bounds each balance read.
func WithPreconditionTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.preconditionTimeout = d }
}

// Orchestrator runs transfers over a single route.
type Orchestrator struct {
	route  Route
	deps   Deps
	logger *zap.Logger

	preconditionTimeout time.Duration
	sourceCheck         *precondition.BalanceCheck
	liquidityCheck      *precondition.BalanceCheck

	now func() time.Time
}

// New validates the route and its dependencies.
func New(route Route, deps Deps, opts ...Option) (*Orchestrator, error) {
	if route.Name == "" {
		return nil, errors.New("route name is required")
	}
	if route.Source.Chain == route.Destination.Chain {
		return nil, fmt.Errorf("route %s: source and destination chain are both %s", route.Name, route.Source.Chain)
	}
	if route.Rate == nil {
		return nil, fmt.Errorf("route %s: rate source is required", route.Name)
	}
	if route.SourceTreasury == "" || route.DestinationTreasury == "" {
		return nil, fmt.Errorf("route %s: both treasuries are required", route.Name)
	}
	if deps.SourceBalance == nil || deps.Leg1 == nil || deps.Leg2 == nil || deps.Leg1Waiter == nil || deps.Leg2Waiter == nil {
		return nil, fmt.Errorf("route %s: missing chain dependencies", route.Name)
	}
	if route.CheckLiquidity && deps.DestinationBalance == nil {
		return nil, fmt.Errorf("route %s: liquidity check needs a destination balance reader", route.Name)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	o := &Orchestrator{
		route:  route,
		deps:   deps,
		logger: deps.Logger.With(zap.String("route", route.Name)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.sourceCheck = precondition.New(deps.SourceBalance, route.Source, o.logger, precondition.WithTimeout(o.preconditionTimeout))
	if route.CheckLiquidity {
		o.liquidityCheck = precondition.New(deps.DestinationBalance, route.Destination, o.logger, precondition.WithTimeout(o.preconditionTimeout))
	}
	return o, nil
}

// Route returns the route served by o.
func (o *Orchestrator) Route() Route { return o.route }

// Execute runs req to a terminal state. The returned outcome is never nil.
func (o *Orchestrator) Execute(ctx context.Context, req transfer.Request) (*transfer.Outcome, error) {
	return o.Start(ctx, req).Wait()
}

// Start runs req in its own goroutine and returns a handle to it.
func (o *Orchestrator) Start(ctx context.Context, req transfer.Request) *Run {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	r := newRun(req.ID, cancel)

	go func() {
		defer cancel(nil)
		out, err := o.run(runCtx, r, req)
		r.finish(out, err)
	}()
	return r
}

// quote is what PreconditionChecking learns before anything is submitted.
type quote struct {
	amountBase *big.Int
	rate       decimal.Decimal
}

func (o *Orchestrator) run(ctx context.Context, r *Run, req transfer.Request) (*transfer.Outcome, error) {
	start := o.now()
	out := &transfer.Outcome{
		ID:        req.ID,
		Route:     o.route.Name,
		Request:   req,
		State:     transfer.StateInitiated,
		Status:    transfer.StatusInProgress,
		StartedAt: start,
		History:   []transfer.Transition{{State: transfer.StateInitiated, At: start}},
	}
	log := o.logger.With(
		zap.String("transfer_id", req.ID),
		zap.String("source_account", req.SourceAccount),
		zap.String("destination_account", req.DestinationAccount))

	metrics.PendingTransfers.WithLabelValues(o.route.Name).Inc()
	defer metrics.PendingTransfers.WithLabelValues(o.route.Name).Dec()

	log.Info("Transfer initiated",
		zap.String("amount", req.Amount.String()),
		zap.String("source_chain", string(req.SourceChain)),
		zap.String("destination_chain", string(req.DestinationChain)))
	o.checkpoint(ctx, out)

	amountBase, err := o.validate(req)
	if err != nil {
		return o.abort(ctx, out, transfer.ReasonValidationFailed, err)
	}
	out.SourceAmountBase = amountBase

	if err := o.step(r, out, transfer.StatePreconditionChecking); err != nil {
		return o.abort(ctx, out, transfer.ReasonCancelled, err)
	}
	q, reason, err := o.precondition(ctx, req, amountBase)
	if err != nil {
		if ctx.Err() != nil {
			return o.abort(ctx, out, transfer.ReasonCancelled, cancelCause(ctx))
		}
		return o.abort(ctx, out, reason, err)
	}
	out.Rate = q.rate

	// Leg 1: lock on the source chain.
	if err := o.step(r, out, transfer.StateLeg1Submitting); err != nil {
		return o.abort(ctx, out, transfer.ReasonCancelled, err)
	}
	leg1, err := o.deps.Leg1.Transfer(ctx, o.route.Source, req.SourceAccount, o.route.SourceTreasury, q.amountBase, req.Memo)
	if err != nil {
		out.Leg1 = unansweredLeg(o.route.Source.Chain, q.amountBase, err, o.now())
		if ctx.Err() != nil {
			return o.abort(ctx, out, transfer.ReasonCancelled, fmt.Errorf("%w: %v", cancelCause(ctx), err))
		}
		return o.abort(ctx, out, transfer.ReasonLeg1SubmissionFailed, err)
	}
	out.Leg1 = leg1
	o.checkpoint(ctx, out)
	log.Info("Leg 1 submitted", zap.String("tx_id", leg1.TxID))

	if err := o.step(r, out, transfer.StateLeg1Confirming); err != nil {
		return o.abort(ctx, out, transfer.ReasonCancelled, err)
	}
	res, err := o.deps.Leg1Waiter.Wait(ctx, leg1.TxID)
	if err != nil {
		return o.abort(ctx, out, transfer.ReasonCancelled, cancelCause(ctx))
	}
	if res.Verdict != confirm.Confirmed {
		markUnconfirmed(leg1, res)
		return o.abort(ctx, out, transfer.ReasonLeg1NotConfirmed, res.Err(o.route.Source.Chain, leg1.TxID))
	}
	leg1.Status = transfer.LegConfirmed

	// Leg 1 is final: convert what was actually locked.
	if err := o.step(r, out, transfer.StateAmountConverting); err != nil {
		return o.abort(ctx, out, transfer.ReasonCancelled, err)
	}
	destHuman, destBase, err := units.Convert(leg1.Amount, o.route.Source.Decimals, q.rate, o.route.Destination.Decimals)
	if err != nil {
		return o.abort(ctx, out, transfer.ReasonRateUnavailable, fmt.Errorf("failed to convert leg 1 amount: %w", err))
	}
	out.DestinationAmount = destHuman
	out.DestinationAmountBase = destBase

	// From here on the run is not cancellable and must see leg 2 through.
	if err := o.step(r, out, transfer.StateLeg2Submitting); err != nil {
		return o.abort(ctx, out, transfer.ReasonCancelled, err)
	}
	ctx = context.WithoutCancel(ctx)

	leg2, err := o.deps.Leg2.Transfer(ctx, o.route.Destination, o.route.DestinationTreasury, req.DestinationAccount, destBase, req.Memo)
	if err != nil {
		out.Leg2 = unansweredLeg(o.route.Destination.Chain, destBase, err, o.now())
		return o.abort(ctx, out, transfer.ReasonLeg2SubmissionFailed, err)
	}
	out.Leg2 = leg2
	o.checkpoint(ctx, out)
	log.Info("Leg 2 submitted", zap.String("tx_id", leg2.TxID))

	if err := o.step(r, out, transfer.StateLeg2Confirming); err != nil {
		return o.abort(ctx, out, transfer.ReasonLeg2NotConfirmed, err)
	}
	res, err = o.deps.Leg2Waiter.Wait(ctx, leg2.TxID)
	if err != nil {
		return o.abort(ctx, out, transfer.ReasonLeg2NotConfirmed, err)
	}
	if res.Verdict != confirm.Confirmed {
		markUnconfirmed(leg2, res)
		return o.abort(ctx, out, transfer.ReasonLeg2NotConfirmed, res.Err(o.route.Destination.Chain, leg2.TxID))
	}
	leg2.Status = transfer.LegConfirmed

	return o.complete(ctx, r, out, log)
}

// validate checks req against the route before anything touches a chain and
// returns the source amount in base units.
func (o *Orchestrator) validate(req transfer.Request) (*big.Int, error) {
	src, dst := o.route.Source, o.route.Destination
	if req.SourceChain != src.Chain || req.DestinationChain != dst.Chain {
		return nil, &transfer.ValidationError{
			Field:  "route",
			Reason: fmt.Sprintf("%s serves %s to %s, not %s to %s", o.route.Name, src.Chain, dst.Chain, req.SourceChain, req.DestinationChain),
		}
	}
	if !req.Amount.IsPositive() {
		return nil, &transfer.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if err := chain.ValidateAddress(src.Chain, req.SourceAccount); err != nil {
		return nil, renameField(err, "source_account")
	}
	if err := chain.ValidateAddress(dst.Chain, req.DestinationAccount); err != nil {
		return nil, renameField(err, "destination_account")
	}

	base, err := units.ToBaseUnits(req.Amount, src.Decimals)
	if err != nil {
		return nil, &transfer.ValidationError{Field: "amount", Reason: err.Error()}
	}
	if !units.ToHumanUnits(base, src.Decimals).Equal(req.Amount) {
		return nil, &transfer.ValidationError{
			Field:  "amount",
			Reason: fmt.Sprintf("%s has more than %d decimal places", req.Amount, src.Decimals),
		}
	}
	if src.MinUnit != nil && base.Cmp(src.MinUnit) < 0 {
		return nil, &transfer.ValidationError{
			Field:  "amount",
			Reason: fmt.Sprintf("below minimum %s", units.FormatHuman(src.MinUnit, src.Decimals, src.Symbol)),
		}
	}
	return base, nil
}

// precondition checks the source balance, quotes the rate and, when
// configured, the destination treasury's liquidity.
func (o *Orchestrator) precondition(ctx context.Context, req transfer.Request, amountBase *big.Int) (quote, transfer.AbortReason, error) {
	src, dst := o.route.Source, o.route.Destination

	v := o.sourceCheck.Check(ctx, req.SourceAccount, src.RequiredFor(amountBase))
	switch v.Result {
	case precondition.Insufficient:
		return quote{}, transfer.ReasonInsufficientBalance, v.AsError(src, req.SourceAccount)
	case precondition.Unknown:
		return quote{}, transfer.ReasonBalanceUnknown, v.AsError(src, req.SourceAccount)
	}

	r, err := o.route.Rate.Rate(ctx)
	if err != nil {
		return quote{}, transfer.ReasonRateUnavailable, fmt.Errorf("failed to quote %s rate: %w", o.route.Name, err)
	}
	if !r.IsPositive() {
		return quote{}, transfer.ReasonRateUnavailable, rate.ErrNonPositiveRate
	}

	_, estimate, err := units.Convert(amountBase, src.Decimals, r, dst.Decimals)
	if err != nil {
		return quote{}, transfer.ReasonRateUnavailable, err
	}
	if estimate.Sign() == 0 || (dst.MinUnit != nil && estimate.Cmp(dst.MinUnit) < 0) {
		return quote{}, transfer.ReasonValidationFailed, &transfer.ValidationError{
			Field:  "amount",
			Reason: fmt.Sprintf("converts to %s, below the destination minimum", units.FormatHuman(estimate, dst.Decimals, dst.Symbol)),
		}
	}

	if o.liquidityCheck != nil {
		lv := o.liquidityCheck.Check(ctx, o.route.DestinationTreasury, dst.RequiredFor(estimate))
		if lv.Current != nil {
			metrics.TreasuryBalance.WithLabelValues(string(dst.Chain), dst.Symbol).
				Set(units.ToHumanUnits(lv.Current, dst.Decimals).InexactFloat64())
		}
		switch lv.Result {
		case precondition.Insufficient:
			return quote{}, transfer.ReasonInsufficientBalance, lv.AsError(dst, o.route.DestinationTreasury)
		case precondition.Unknown:
			return quote{}, transfer.ReasonBalanceUnknown, lv.AsError(dst, o.route.DestinationTreasury)
		}
	}

	return quote{amountBase: amountBase, rate: r}, transfer.ReasonNone, nil
}

func (o *Orchestrator) step(r *Run, out *transfer.Outcome, to transfer.State) error {
	if err := r.advance(to); err != nil {
		return err
	}
	out.State = to
	out.History = append(out.History, transfer.Transition{State: to, At: o.now()})
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, r *Run, out *transfer.Outcome, log *zap.Logger) (*transfer.Outcome, error) {
	_ = o.step(r, out, transfer.StateCompleted)
	finished := o.now()
	out.Status = transfer.StatusCompleted
	out.FinishedAt = &finished
	o.checkpoint(ctx, out)

	metrics.TransfersTotal.WithLabelValues(o.route.Name, string(out.Status)).Inc()
	metrics.TransferDuration.WithLabelValues(o.route.Name).Observe(finished.Sub(out.StartedAt).Seconds())
	metrics.TransferAmount.WithLabelValues(o.route.Name, o.route.Source.Symbol).Observe(out.Request.Amount.InexactFloat64())

	log.Info("Transfer completed",
		zap.String("leg1_tx_id", out.Leg1.TxID),
		zap.String("leg2_tx_id", out.Leg2.TxID),
		zap.String("destination_amount", out.DestinationAmount.String()),
		zap.Duration("duration", finished.Sub(out.StartedAt)))
	return out.Clone(), nil
}

// abort moves out to Aborted(reason). Once leg 1 confirmed the error is
// escalated to a PartialCompletionError.
func (o *Orchestrator) abort(ctx context.Context, out *transfer.Outcome, reason transfer.AbortReason, cause error) (*transfer.Outcome, error) {
	finished := o.now()
	out.State = transfer.StateAborted
	out.History = append(out.History, transfer.Transition{State: transfer.StateAborted, At: finished})
	out.AbortReason = reason
	out.Status = transfer.StatusFor(reason)
	out.FinishedAt = &finished

	err := cause
	if out.Leg1 != nil && out.Leg1.Status == transfer.LegConfirmed {
		pc := &transfer.PartialCompletionError{
			TransferID:         out.ID,
			SourceChain:        o.route.Source.Chain,
			DestinationChain:   o.route.Destination.Chain,
			SourceAccount:      out.Request.SourceAccount,
			DestinationAccount: out.Request.DestinationAccount,
			SourceAmount:       units.ToHumanUnits(out.Leg1.Amount, o.route.Source.Decimals),
			DestinationAmount:  out.DestinationAmount,
			Leg1TxID:           out.Leg1.TxID,
			Reason:             reason,
			Err:                cause,
		}
		if out.Leg2 != nil {
			pc.Leg2TxID = out.Leg2.TxID
		}
		err = pc
		metrics.PartialCompletions.WithLabelValues(o.route.Name).Inc()
		o.logger.Error("Partial completion: leg 1 confirmed but leg 2 did not, manual reconciliation required",
			zap.String("transfer_id", out.ID),
			zap.String("source_chain", string(pc.SourceChain)),
			zap.String("destination_chain", string(pc.DestinationChain)),
			zap.String("source_account", pc.SourceAccount),
			zap.String("destination_account", pc.DestinationAccount),
			zap.String("source_amount", pc.SourceAmount.String()),
			zap.String("destination_amount", pc.DestinationAmount.String()),
			zap.String("leg1_tx_id", pc.Leg1TxID),
			zap.String("leg2_tx_id", pc.Leg2TxID),
			zap.String("reason", string(reason)),
			zap.Error(cause))
	} else {
		fields := []zap.Field{
			zap.String("transfer_id", out.ID),
			zap.String("reason", string(reason)),
			zap.Error(cause),
		}
		if out.Leg1 != nil {
			fields = append(fields, zap.String("leg1_tx_id", out.Leg1.TxID), zap.String("leg1_status", string(out.Leg1.Status)))
			o.logger.Warn("Transfer aborted after leg 1 was submitted", fields...)
		} else {
			o.logger.Info("Transfer aborted", fields...)
		}
	}
	if err != nil {
		out.Error = err.Error()
	}

	o.checkpoint(ctx, out)
	metrics.TransfersTotal.WithLabelValues(o.route.Name, string(out.Status)).Inc()
	metrics.TransferDuration.WithLabelValues(o.route.Name).Observe(finished.Sub(out.StartedAt).Seconds())
	return out.Clone(), err
}

func (o *Orchestrator) checkpoint(ctx context.Context, out *transfer.Outcome) {
	if o.deps.Store == nil {
		return
	}
	if err := o.deps.Store.SaveOutcome(context.WithoutCancel(ctx), out.Clone()); err != nil {
		metrics.ErrorsTotal.WithLabelValues("orchestrator", "checkpoint").Inc()
		o.logger.Error("Failed to checkpoint transfer outcome",
			zap.String("transfer_id", out.ID),
			zap.String("state", string(out.State)),
			zap.Error(err))
	}
}

// unansweredLeg records a leg whose broadcast got no answer, so the
// reconciler can look it up. It returns nil for any other error.
func unansweredLeg(chainID transfer.ChainID, amount *big.Int, err error, at time.Time) *transfer.LegResult {
	var amb *transfer.AmbiguousSubmissionError
	if !errors.As(err, &amb) || amb.TxID == "" {
		return nil
	}
	return &transfer.LegResult{
		Chain:       chainID,
		TxID:        amb.TxID,
		SubmittedAt: at,
		Status:      transfer.LegPending,
		Amount:      new(big.Int).Set(amount),
		Detail:      "broadcast outcome unknown",
	}
}

func markUnconfirmed(leg *transfer.LegResult, res confirm.Result) {
	if res.Verdict == confirm.Failed {
		leg.Status = transfer.LegFailed
		leg.Detail = string(res.Status)
		return
	}
	leg.Detail = fmt.Sprintf("no terminal status after %s", res.Waited.Round(time.Second))
}

func renameField(err error, field string) error {
	var ve *transfer.ValidationError
	if errors.As(err, &ve) {
		return &transfer.ValidationError{Field: field, Reason: ve.Reason}
	}
	return err
}

func cancelCause(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return transfer.ErrCancelled
}
