// Package service exposes transfer orchestration to operators: starting,
// inspecting, cancelling and resolving runs.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/trichain-bridge/pkg/app/errors"
	"github.com/chainsafe/trichain-bridge/pkg/db"
	"github.com/chainsafe/trichain-bridge/pkg/orchestrator"
	"github.com/chainsafe/trichain-bridge/pkg/relayqueue"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

var (
	ErrAlreadyExists      = errors.New("transfer id already in use")
	ErrAlreadyFinished    = errors.New("transfer already finished")
	ErrNothingToReconcile = errors.New("transfer does not need reconciliation")
)

// Store is the narrow data-access interface of the transfer service.
type Store interface {
	GetOutcome(ctx context.Context, id string) (*transfer.Outcome, error)
	ListOutcomes(ctx context.Context, filter db.OutcomeFilter) ([]*transfer.Outcome, error)
	MarkReconciled(ctx context.Context, id, note string, at time.Time) error
	ListRelayFailures(ctx context.Context, limit int) ([]*relayqueue.Failure, error)
}

// RunHandle is an in-flight run. It is satisfied by *orchestrator.Run.
type RunHandle interface {
	ID() string
	State() transfer.State
	Done() <-chan struct{}
	Wait() (*transfer.Outcome, error)
	Cancel() error
}

// DispatchFunc starts req on the route serving its chain pair.
type DispatchFunc func(ctx context.Context, req transfer.Request) (RunHandle, error)

// RouterDispatch dispatches through an orchestrator router.
func RouterDispatch(r *orchestrator.Router) DispatchFunc {
	return func(ctx context.Context, req transfer.Request) (RunHandle, error) {
		o, err := r.Lookup(req.SourceChain, req.DestinationChain)
		if err != nil {
			return nil, err
		}
		return o.Start(ctx, req), nil
	}
}

// Service defines the transfer operations offered to operators
type Service interface {
	// StartTransfer starts req. With wait it blocks until the run is
	// terminal and returns the outcome along with the classified run error,
	// otherwise it returns a snapshot of the new run.
	StartTransfer(ctx context.Context, req transfer.Request, wait bool) (*transfer.Outcome, error)
	GetTransfer(ctx context.Context, id string) (*transfer.Outcome, error)
	ListTransfers(ctx context.Context, filter db.OutcomeFilter) ([]*transfer.Outcome, error)
	// CancelTransfer stops a run that has not submitted leg 2.
	CancelTransfer(ctx context.Context, id string) (*transfer.Outcome, error)
	// ResolveTransfer records that an operator remediated a run that may
	// have stranded value on its source chain.
	ResolveTransfer(ctx context.Context, id, operator, note string) (*transfer.Outcome, error)
	ListRelayFailures(ctx context.Context, limit int) ([]*relayqueue.Failure, error)
	// Close cancels every cancellable run and waits for all runs to end.
	Close(ctx context.Context) error
}

type transferService struct {
	store    Store
	dispatch DispatchFunc
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	active map[string]RunHandle
	closed bool
	wg     sync.WaitGroup
}

// NewService creates a new transfer service
func NewService(store Store, dispatch DispatchFunc, logger *zap.Logger) Service {
	return &transferService{
		store:    store,
		dispatch: dispatch,
		logger:   logger,
		now:      time.Now,
		active:   make(map[string]RunHandle),
	}
}

func (s *transferService) StartTransfer(ctx context.Context, req transfer.Request, wait bool) (*transfer.Outcome, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	} else if err := s.ensureUnused(ctx, req.ID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, apperrors.RecoveringError(nil, "bridge is shutting down")
	}
	if _, ok := s.active[req.ID]; ok {
		s.mu.Unlock()
		return nil, apperrors.ConflictError(ErrAlreadyExists, ErrAlreadyExists.Error())
	}
	// Runs outlive the request that started them.
	run, err := s.dispatch(context.WithoutCancel(ctx), req)
	if err != nil {
		s.mu.Unlock()
		return nil, apperrors.FromTransferError(err)
	}
	s.active[run.ID()] = run
	s.wg.Add(1)
	s.mu.Unlock()

	go s.track(run)

	if !wait {
		return snapshot(req, run.State()), nil
	}
	select {
	case <-run.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return runResult(run.Wait())
}

// runResult classifies the error of a finished run. The outcome is returned
// either way; a run that ended because it was cancelled is not a failure.
func runResult(out *transfer.Outcome, err error) (*transfer.Outcome, error) {
	if err == nil || (errors.Is(err, transfer.ErrCancelled) && !transfer.IsPartialCompletion(err)) {
		return out, nil
	}
	return out, apperrors.FromTransferError(err)
}

func (s *transferService) ensureUnused(ctx context.Context, id string) error {
	_, err := s.store.GetOutcome(ctx, id)
	switch {
	case err == nil:
		return apperrors.ConflictError(ErrAlreadyExists, ErrAlreadyExists.Error())
	case errors.Is(err, db.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("failed to look up transfer %s: %w", id, err)
	}
}

// track forgets run once it is terminal.
func (s *transferService) track(run RunHandle) {
	defer s.wg.Done()
	<-run.Done()
	s.mu.Lock()
	delete(s.active, run.ID())
	s.mu.Unlock()
}

func (s *transferService) lookupActive(id string) (RunHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.active[id]
	return run, ok
}

func (s *transferService) GetTransfer(ctx context.Context, id string) (*transfer.Outcome, error) {
	out, err := s.store.GetOutcome(ctx, id)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("failed to get transfer %s: %w", id, err)
	}
	// The first checkpoint may not have landed yet.
	if run, ok := s.lookupActive(id); ok {
		return snapshot(transfer.Request{ID: id}, run.State()), nil
	}
	return nil, apperrors.ResourceNotFoundError(err, "transfer not found")
}

func (s *transferService) ListTransfers(ctx context.Context, filter db.OutcomeFilter) ([]*transfer.Outcome, error) {
	outs, err := s.store.ListOutcomes(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return outs, nil
}

func (s *transferService) CancelTransfer(ctx context.Context, id string) (*transfer.Outcome, error) {
	run, ok := s.lookupActive(id)
	if !ok {
		out, err := s.GetTransfer(ctx, id)
		if err != nil {
			return nil, err
		}
		if out.State.Terminal() {
			return nil, apperrors.ConflictError(ErrAlreadyFinished, ErrAlreadyFinished.Error())
		}
		return nil, apperrors.ConflictError(fmt.Errorf("transfer %s is not running in this process", id), "transfer is not running")
	}

	if err := run.Cancel(); err != nil {
		return nil, apperrors.FromTransferError(err)
	}
	select {
	case <-run.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return runResult(run.Wait())
}

func (s *transferService) ResolveTransfer(ctx context.Context, id, operator, note string) (*transfer.Outcome, error) {
	if note == "" {
		return nil, apperrors.BadRequestError(nil, "note is required")
	}
	out, err := s.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	if out.ReconciledAt != nil {
		return nil, apperrors.ConflictError(ErrAlreadyFinished, "transfer already reconciled")
	}
	if !out.NeedsReconciliation() {
		return nil, apperrors.ConflictError(ErrNothingToReconcile, ErrNothingToReconcile.Error())
	}

	at := s.now()
	full := fmt.Sprintf("%s: %s", operator, note)
	if err := s.store.MarkReconciled(ctx, id, full, at); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperrors.ResourceNotFoundError(err, "transfer not found")
		}
		return nil, fmt.Errorf("failed to mark transfer %s reconciled: %w", id, err)
	}
	out.ReconciledAt = &at
	out.ReconcileNote = full
	return out, nil
}

func (s *transferService) ListRelayFailures(ctx context.Context, limit int) ([]*relayqueue.Failure, error) {
	failures, err := s.store.ListRelayFailures(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list relay failures: %w", err)
	}
	return failures, nil
}

func (s *transferService) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	runs := make([]RunHandle, 0, len(s.active))
	for _, run := range s.active {
		runs = append(runs, run)
	}
	s.mu.Unlock()

	for _, run := range runs {
		if err := run.Cancel(); err != nil {
			s.logger.Warn("Transfer is releasing on its destination chain, waiting for it to finish",
				zap.String("transfer_id", run.ID()),
				zap.String("state", string(run.State())))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transfers still running at shutdown: %w", ctx.Err())
	}
}

func snapshot(req transfer.Request, state transfer.State) *transfer.Outcome {
	return &transfer.Outcome{
		ID:      req.ID,
		Request: req,
		State:   state,
		Status:  transfer.StatusInProgress,
	}
}
