package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/trichain-bridge/pkg/app/errors"
	"github.com/chainsafe/trichain-bridge/pkg/db"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

// fakeRun is a RunHandle the test finishes by hand.
type fakeRun struct {
	id        string
	cancelErr error

	mu    sync.Mutex
	state transfer.State
	out   *transfer.Outcome
	err   error
	done  chan struct{}
	once  sync.Once
}

func newFakeRun(id string) *fakeRun {
	return &fakeRun{id: id, state: transfer.StateLeg1Confirming, done: make(chan struct{})}
}

func (r *fakeRun) ID() string { return r.id }

func (r *fakeRun) State() transfer.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *fakeRun) Done() <-chan struct{} { return r.done }

func (r *fakeRun) Wait() (*transfer.Outcome, error) {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out, r.err
}

func (r *fakeRun) Cancel() error {
	if r.cancelErr != nil {
		return r.cancelErr
	}
	r.finish(transfer.StateAborted, transfer.StatusCancelled)
	return nil
}

func (r *fakeRun) finish(state transfer.State, status transfer.Status) {
	r.finishWith(state, status, nil)
}

func (r *fakeRun) finishWith(state transfer.State, status transfer.Status, err error) {
	r.once.Do(func() {
		r.mu.Lock()
		r.state = state
		r.out = &transfer.Outcome{ID: r.id, State: state, Status: status}
		r.err = err
		r.mu.Unlock()
		close(r.done)
	})
}

type fixture struct {
	store *db.MemoryStore
	svc   *transferService

	mu   sync.Mutex
	runs []*fakeRun
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: db.NewMemoryStore()}
	dispatch := func(_ context.Context, req transfer.Request) (RunHandle, error) {
		if req.SourceChain == transfer.ChainEVM {
			return nil, fmt.Errorf("%w: evm to %s", transfer.ErrRouteNotFound, req.DestinationChain)
		}
		run := newFakeRun(req.ID)
		f.mu.Lock()
		f.runs = append(f.runs, run)
		f.mu.Unlock()
		return run, nil
	}
	f.svc = NewService(f.store, dispatch, zap.NewNop()).(*transferService)
	t.Cleanup(func() {
		for _, r := range f.allRuns() {
			r.finish(transfer.StateCompleted, transfer.StatusCompleted)
		}
	})
	return f
}

func (f *fixture) allRuns() []*fakeRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeRun(nil), f.runs...)
}

func (f *fixture) lastRun(t *testing.T) *fakeRun {
	t.Helper()
	runs := f.allRuns()
	if len(runs) == 0 {
		t.Fatal("no run was dispatched")
	}
	return runs[len(runs)-1]
}

func testRequest() transfer.Request {
	return transfer.Request{
		SourceChain:        transfer.ChainSettlement,
		DestinationChain:   transfer.ChainFast,
		Amount:             decimal.NewFromInt(10),
		SourceAccount:      "src",
		DestinationAccount: "dst",
	}
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var svcErr *apperrors.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected a ServiceError, got %v", err)
	}
	return svcErr.StatusCode()
}

func waitInactive(t *testing.T, s *transferService, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.lookupActive(id); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s still tracked", id)
}

func TestStartTransfer_Async(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.StartTransfer(ctx, testRequest(), false)
	if err != nil {
		t.Fatalf("StartTransfer failed: %v", err)
	}
	if out.ID == "" || out.Status != transfer.StatusInProgress || out.State != transfer.StateLeg1Confirming {
		t.Errorf("snapshot = %+v", out)
	}

	got, err := f.svc.GetTransfer(ctx, out.ID)
	if err != nil {
		t.Fatalf("GetTransfer of an active run failed: %v", err)
	}
	if got.State != transfer.StateLeg1Confirming {
		t.Errorf("state = %s", got.State)
	}

	f.lastRun(t).finish(transfer.StateCompleted, transfer.StatusCompleted)
	waitInactive(t, f.svc, out.ID)
}

func TestStartTransfer_Wait(t *testing.T) {
	f := newFixture(t)

	go func() {
		for len(f.allRuns()) == 0 {
			time.Sleep(time.Millisecond)
		}
		f.lastRun(t).finish(transfer.StateCompleted, transfer.StatusCompleted)
	}()

	req := testRequest()
	req.ID = "t-wait"
	out, err := f.svc.StartTransfer(context.Background(), req, true)
	if err != nil {
		t.Fatalf("StartTransfer failed: %v", err)
	}
	if out.ID != "t-wait" || out.Status != transfer.StatusCompleted {
		t.Errorf("outcome = %+v", out)
	}
}

func TestStartTransfer_WaitClassifiesRunError(t *testing.T) {
	tests := []struct {
		name    string
		status  transfer.Status
		runErr  error
		wantCat apperrors.Category
	}{
		{"partial completion", transfer.StatusFailedLeg2,
			&transfer.PartialCompletionError{TransferID: "t", Leg1TxID: "0xleg1", Err: errors.New("rejected")},
			apperrors.CategoryPartialCompletion},
		{"insufficient balance", transfer.StatusInsufficientBalance,
			&transfer.InsufficientBalanceError{Required: decimal.NewFromInt(2), Available: decimal.NewFromInt(1)},
			apperrors.CategoryUnprocessable},
		{"cancelled", transfer.StatusCancelled, transfer.ErrCancelled, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			go func() {
				for len(f.allRuns()) == 0 {
					time.Sleep(time.Millisecond)
				}
				f.lastRun(t).finishWith(transfer.StateAborted, tt.status, tt.runErr)
			}()

			out, err := f.svc.StartTransfer(context.Background(), testRequest(), true)
			if out == nil || out.Status != tt.status {
				t.Fatalf("outcome = %+v", out)
			}
			if tt.wantCat == 0 {
				if err != nil {
					t.Errorf("cancelled run reported %v", err)
				}
				return
			}
			if !apperrors.Is(err, tt.wantCat) {
				t.Errorf("error %v is not in category %s", err, tt.wantCat)
			}
		})
	}
}

func TestStartTransfer_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.SaveOutcome(ctx, &transfer.Outcome{ID: "taken", State: transfer.StateCompleted}); err != nil {
		t.Fatal(err)
	}
	req := testRequest()
	req.ID = "taken"
	if _, err := f.svc.StartTransfer(ctx, req, false); statusOf(t, err) != http.StatusConflict {
		t.Errorf("reusing a stored id: %v", err)
	}

	req = testRequest()
	req.ID = "running"
	if _, err := f.svc.StartTransfer(ctx, req, false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.StartTransfer(ctx, req, false); statusOf(t, err) != http.StatusConflict {
		t.Errorf("reusing an active id: %v", err)
	}

	req = testRequest()
	req.SourceChain = transfer.ChainEVM
	if _, err := f.svc.StartTransfer(ctx, req, false); statusOf(t, err) != http.StatusNotFound {
		t.Errorf("unrouted pair: %v", err)
	}
}

func TestGetTransfer_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetTransfer(context.Background(), "missing")
	if statusOf(t, err) != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestCancelTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.StartTransfer(ctx, testRequest(), false)
	if err != nil {
		t.Fatal(err)
	}
	cancelled, err := f.svc.CancelTransfer(ctx, out.ID)
	if err != nil {
		t.Fatalf("CancelTransfer failed: %v", err)
	}
	if cancelled.Status != transfer.StatusCancelled {
		t.Errorf("status = %s", cancelled.Status)
	}

	t.Run("too late", func(t *testing.T) {
		late, err := f.svc.StartTransfer(ctx, testRequest(), false)
		if err != nil {
			t.Fatal(err)
		}
		f.lastRun(t).cancelErr = transfer.ErrTooLate
		if _, err := f.svc.CancelTransfer(ctx, late.ID); statusOf(t, err) != http.StatusConflict {
			t.Errorf("expected 409, got %v", err)
		}
	})

	t.Run("finished", func(t *testing.T) {
		if err := f.store.SaveOutcome(ctx, &transfer.Outcome{ID: "old", State: transfer.StateCompleted}); err != nil {
			t.Fatal(err)
		}
		_, err := f.svc.CancelTransfer(ctx, "old")
		if statusOf(t, err) != http.StatusConflict {
			t.Errorf("expected 409, got %v", err)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if _, err := f.svc.CancelTransfer(ctx, "nope"); statusOf(t, err) != http.StatusNotFound {
			t.Errorf("expected 404, got %v", err)
		}
	})
}

func TestResolveTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return fixed }

	stranded := &transfer.Outcome{
		ID:     "stranded",
		State:  transfer.StateAborted,
		Status: transfer.StatusFailedLeg2,
		Leg1:   &transfer.LegResult{TxID: "0x1", Status: transfer.LegConfirmed, Amount: big.NewInt(1)},
	}
	completed := &transfer.Outcome{ID: "done", State: transfer.StateCompleted, Status: transfer.StatusCompleted}
	for _, o := range []*transfer.Outcome{stranded, completed} {
		if err := f.store.SaveOutcome(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := f.svc.ResolveTransfer(ctx, "stranded", "alice", ""); statusOf(t, err) != http.StatusBadRequest {
		t.Errorf("empty note: %v", err)
	}

	out, err := f.svc.ResolveTransfer(ctx, "stranded", "alice", "refunded on source chain")
	if err != nil {
		t.Fatalf("ResolveTransfer failed: %v", err)
	}
	if out.ReconciledAt == nil || !out.ReconciledAt.Equal(fixed) || out.ReconcileNote != "alice: refunded on source chain" {
		t.Errorf("outcome = %+v", out)
	}
	unresolved, err := f.store.ListUnreconciled(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(unresolved) != 0 {
		t.Errorf("still unreconciled: %d", len(unresolved))
	}

	if _, err := f.svc.ResolveTransfer(ctx, "stranded", "bob", "again"); statusOf(t, err) != http.StatusConflict {
		t.Errorf("second resolve: %v", err)
	}
	if _, err := f.svc.ResolveTransfer(ctx, "done", "bob", "nothing"); statusOf(t, err) != http.StatusConflict {
		t.Errorf("completed transfer: %v", err)
	}
	if _, err := f.svc.ResolveTransfer(ctx, "ghost", "bob", "nothing"); statusOf(t, err) != http.StatusNotFound {
		t.Errorf("unknown transfer: %v", err)
	}
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.StartTransfer(ctx, testRequest(), false); err != nil {
		t.Fatal(err)
	}
	releasing, err := f.svc.StartTransfer(ctx, testRequest(), false)
	if err != nil {
		t.Fatal(err)
	}
	last := f.lastRun(t)
	last.cancelErr = transfer.ErrTooLate

	go func() {
		time.Sleep(20 * time.Millisecond)
		last.finish(transfer.StateCompleted, transfer.StatusCompleted)
	}()

	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.svc.Close(closeCtx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := f.svc.lookupActive(releasing.ID); ok {
		t.Error("run still tracked after Close")
	}
	if _, err := f.svc.StartTransfer(ctx, testRequest(), false); statusOf(t, err) != http.StatusServiceUnavailable {
		t.Errorf("start after Close: %v", err)
	}
}
