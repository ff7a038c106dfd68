// Package monitor watches a treasury account and turns incoming deposits
// into relay jobs for the destination chain.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/trichain-bridge/internal/metrics"
	"github.com/chainsafe/trichain-bridge/pkg/chain"
	"github.com/chainsafe/trichain-bridge/pkg/rate"
	"github.com/chainsafe/trichain-bridge/pkg/relayqueue"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
	"github.com/chainsafe/trichain-bridge/pkg/units"
)

const DefaultInterval = 5 * time.Second

// State is the persisted position of a monitor.
type State struct {
	Name            string
	LastSlot        uint64
	PreviousBalance *big.Int
	UpdatedAt       time.Time
}

// StateStore persists monitor positions across restarts.
type StateStore interface {
	// GetMonitorState returns nil when the monitor never ran.
	GetMonitorState(ctx context.Context, name string) (*State, error)
	SaveMonitorState(ctx context.Context, state *State) error
}

// Enqueuer accepts relay jobs. It is satisfied by *relayqueue.Queue.
type Enqueuer interface {
	Enqueue(job relayqueue.Job) string
}

// Config describes one watched account.
type Config struct {
	// Name keys the persisted state; it is usually the route name.
	Name    string
	Route   string
	Account string
	// Treasury is the route's source treasury. Interactive transfers pay
	// into it, so it cannot be the watched account.
	Treasury    string
	Interval    time.Duration
	Source      transfer.AssetConfig
	Destination transfer.AssetConfig
	Rate        rate.Source
	// Recipients maps a depositing source account to the destination
	// account it is relayed to.
	Recipients map[string]string
}

// Monitor polls one account and enqueues a relay for every positive
// balance change.
type Monitor struct {
	cfg     Config
	watcher chain.AccountWatcher
	queue   Enqueuer
	store   StateStore
	logger  *zap.Logger

	mu    sync.Mutex
	state *State

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

// New validates cfg and creates a Monitor.
func New(cfg Config, watcher chain.AccountWatcher, queue Enqueuer, store StateStore, logger *zap.Logger) (*Monitor, error) {
	if cfg.Name == "" || cfg.Account == "" {
		return nil, errors.New("monitor name and account are required")
	}
	if cfg.Account == cfg.Treasury {
		return nil, fmt.Errorf("monitor %s: watched account %s is the route treasury", cfg.Name, cfg.Account)
	}
	if cfg.Rate == nil {
		return nil, fmt.Errorf("monitor %s: rate source is required", cfg.Name)
	}
	if len(cfg.Recipients) == 0 {
		return nil, fmt.Errorf("monitor %s: recipient mapping is required", cfg.Name)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Monitor{
		cfg:     cfg,
		watcher: watcher,
		queue:   queue,
		store:   store,
		logger:  logger.With(zap.String("monitor", cfg.Name), zap.String("chain", string(cfg.Source.Chain))),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}, nil
}

// Start loads the persisted position and polls until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
	st, err := m.store.GetMonitorState(ctx, m.cfg.Name)
	if err != nil {
		return fmt.Errorf("failed to load monitor state: %w", err)
	}
	m.mu.Lock()
	m.state = st
	m.mu.Unlock()

	if st != nil {
		m.logger.Info("Resuming monitor",
			zap.Uint64("last_slot", st.LastSlot),
			zap.String("previous_balance", st.PreviousBalance.String()))
	} else {
		m.logger.Info("Starting monitor without history, first observation sets the baseline")
	}

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

// Stop ends polling and waits for the loop to exit. Later calls are no-ops.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		m.logger.Info("Monitor stopped")
	})
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := m.Poll(ctx); err != nil && ctx.Err() == nil {
			metrics.ErrorsTotal.WithLabelValues("monitor", "poll").Inc()
			m.logger.Warn("Monitor poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Poll runs one observation. The position only moves forward once the
// observation was fully handled, so a failed poll is retried by the next one.
func (m *Monitor) Poll(ctx context.Context) error {
	obs, err := m.watcher.Observe(ctx, m.cfg.Account)
	if err != nil {
		return fmt.Errorf("failed to observe %s: %w", m.cfg.Account, err)
	}
	if obs.Balance == nil {
		return fmt.Errorf("observation of %s has no balance", m.cfg.Account)
	}

	m.mu.Lock()
	prev := m.state
	m.mu.Unlock()

	if prev == nil {
		return m.commit(ctx, obs)
	}
	if obs.Slot <= prev.LastSlot {
		return nil
	}

	delta := new(big.Int).Sub(obs.Balance, prev.PreviousBalance)
	if delta.Sign() <= 0 {
		if delta.Sign() < 0 {
			m.logger.Debug("Balance decreased, moving baseline",
				zap.String("delta", delta.String()),
				zap.Uint64("slot", obs.Slot))
		}
		return m.commit(ctx, obs)
	}

	log := m.logger.With(zap.Uint64("slot", obs.Slot), zap.String("delta", delta.String()))
	log.Info("Deposit detected", zap.String("amount", units.FormatHuman(delta, m.cfg.Source.Decimals, m.cfg.Source.Symbol)))

	inbound, err := m.watcher.LatestInbound(ctx, m.cfg.Account)
	if err != nil {
		return fmt.Errorf("failed to identify depositor: %w", err)
	}

	recipient, ok := m.cfg.Recipients[inbound.Sender]
	if !ok {
		metrics.DepositsDetected.WithLabelValues(string(m.cfg.Source.Chain), "unmapped").Inc()
		log.Warn("Deposit from unmapped sender, not relaying",
			zap.String("sender", inbound.Sender),
			zap.String("source_tx_id", inbound.TxID))
		return m.commit(ctx, obs)
	}

	r, err := m.cfg.Rate.Rate(ctx)
	if err != nil {
		return fmt.Errorf("failed to quote rate: %w", err)
	}
	amount, amountBase, err := units.Convert(delta, m.cfg.Source.Decimals, r, m.cfg.Destination.Decimals)
	if err != nil {
		return fmt.Errorf("failed to convert deposit: %w", err)
	}
	if amountBase.Sign() == 0 || (m.cfg.Destination.MinUnit != nil && amountBase.Cmp(m.cfg.Destination.MinUnit) < 0) {
		metrics.DepositsDetected.WithLabelValues(string(m.cfg.Source.Chain), "below-minimum").Inc()
		log.Warn("Deposit converts below the destination minimum, not relaying",
			zap.String("sender", inbound.Sender),
			zap.String("converted", amount.String()))
		return m.commit(ctx, obs)
	}

	id := m.queue.Enqueue(relayqueue.Job{
		Route:      m.cfg.Route,
		SourceTxID: inbound.TxID,
		Sender:     inbound.Sender,
		Recipient:  recipient,
		Amount:     amount,
		AmountBase: amountBase,
	})
	metrics.DepositsDetected.WithLabelValues(string(m.cfg.Source.Chain), "relayed").Inc()
	log.Info("Deposit queued for relay",
		zap.String("job_id", id),
		zap.String("sender", inbound.Sender),
		zap.String("recipient", recipient),
		zap.String("rate", r.String()),
		zap.String("amount", amount.String()))

	return m.commit(ctx, obs)
}

// State returns a copy of the current position, or nil before the first observation.
func (m *Monitor) State() *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil
	}
	st := *m.state
	st.PreviousBalance = new(big.Int).Set(m.state.PreviousBalance)
	return &st
}

func (m *Monitor) commit(ctx context.Context, obs chain.Observation) error {
	st := &State{
		Name:            m.cfg.Name,
		LastSlot:        obs.Slot,
		PreviousBalance: new(big.Int).Set(obs.Balance),
		UpdatedAt:       m.now(),
	}
	m.mu.Lock()
	m.state = st
	m.mu.Unlock()

	metrics.LastProcessedSlot.WithLabelValues(string(m.cfg.Source.Chain)).Set(float64(obs.Slot))
	if err := m.store.SaveMonitorState(context.WithoutCancel(ctx), st); err != nil {
		return fmt.Errorf("failed to persist monitor state: %w", err)
	}
	return nil
}
