package orchestrator

import (
	"context"
	"math/big"
	"sync"

	"github.com/chainsafe/trichain-bridge/pkg/chain"
	"github.com/chainsafe/trichain-bridge/pkg/confirm"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

// recorder keeps the order in which collaborators were called.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type mockBalanceReader struct {
	name        string
	rec         *recorder
	BalanceFunc func(ctx context.Context, account string, asset transfer.AssetConfig) (*big.Int, error)
}

func (m *mockBalanceReader) Balance(ctx context.Context, account string, asset transfer.AssetConfig) (*big.Int, error) {
	if m.rec != nil {
		m.rec.add(m.name)
	}
	if m.BalanceFunc != nil {
		return m.BalanceFunc(ctx, account, asset)
	}
	return big.NewInt(0), nil
}

type legCall struct {
	asset  transfer.AssetConfig
	from   string
	to     string
	amount *big.Int
}

type mockLeg struct {
	name         string
	rec          *recorder
	txID         string
	TransferFunc func(ctx context.Context, asset transfer.AssetConfig, from, to string, amount *big.Int, memo string) (*transfer.LegResult, error)

	mu    sync.Mutex
	calls []legCall
}

func (m *mockLeg) Transfer(ctx context.Context, asset transfer.AssetConfig, from, to string, amount *big.Int, memo string) (*transfer.LegResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, legCall{asset: asset, from: from, to: to, amount: new(big.Int).Set(amount)})
	m.mu.Unlock()
	if m.rec != nil {
		m.rec.add(m.name)
	}
	if m.TransferFunc != nil {
		return m.TransferFunc(ctx, asset, from, to, amount, memo)
	}
	return &transfer.LegResult{Chain: asset.Chain, TxID: m.txID, Status: transfer.LegPending, Amount: new(big.Int).Set(amount)}, nil
}

func (m *mockLeg) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockLeg) call(i int) legCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

type mockWaiter struct {
	name     string
	rec      *recorder
	WaitFunc func(ctx context.Context, txID string) (confirm.Result, error)
}

func (m *mockWaiter) Wait(ctx context.Context, txID string) (confirm.Result, error) {
	if m.rec != nil {
		m.rec.add(m.name)
	}
	if m.WaitFunc != nil {
		return m.WaitFunc(ctx, txID)
	}
	return confirm.Result{Verdict: confirm.Confirmed, Status: chain.TxSuccess}, nil
}

type mockStore struct {
	mu       sync.Mutex
	outcomes []*transfer.Outcome
}

func (m *mockStore) SaveOutcome(_ context.Context, out *transfer.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, out)
	return nil
}

func (m *mockStore) last() *transfer.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.outcomes) == 0 {
		return nil
	}
	return m.outcomes[len(m.outcomes)-1]
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outcomes)
}
