package orchestrator

import (
	"context"
	"sync"

	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

// Run is a handle to one in-flight transfer.
type Run struct {
	id     string
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu        sync.Mutex
	state     transfer.State
	cancelled bool
	outcome   *transfer.Outcome
	err       error
}

func newRun(id string, cancel context.CancelCauseFunc) *Run {
	return &Run{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  transfer.StateInitiated,
	}
}

// ID returns the transfer id.
func (r *Run) ID() string { return r.id }

// State returns the current state of the run.
func (r *Run) State() transfer.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed once the run reached a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes and returns its outcome.
func (r *Run) Wait() (*transfer.Outcome, error) {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome.Clone(), r.err
}

// Cancel stops the run if leg 2 has not been submitted yet. Once it has,
// Cancel returns transfer.ErrTooLate and the run continues. Cancelling a
// run that already aborted is a no-op.
func (r *Run) Cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == transfer.StateAborted || r.cancelled {
		return nil
	}
	if !r.state.Before(transfer.StateLeg2Submitting) {
		return transfer.ErrTooLate
	}
	r.cancelled = true
	r.cancel(transfer.ErrCancelled)
	return nil
}

// advance moves the run to a new state unless it was cancelled. The check
// and the move are atomic with Cancel, so leg 2 is never submitted after a
// successful Cancel.
func (r *Run) advance(to transfer.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled && !to.Terminal() {
		return transfer.ErrCancelled
	}
	r.state = to
	return nil
}

func (r *Run) finish(out *transfer.Outcome, err error) {
	r.mu.Lock()
	r.state = out.State
	r.outcome = out
	r.err = err
	r.mu.Unlock()
	close(r.done)
}
