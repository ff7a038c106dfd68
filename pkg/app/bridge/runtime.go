package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/trichain-bridge/pkg/chain"
	"github.com/chainsafe/trichain-bridge/pkg/chain/evm"
	"github.com/chainsafe/trichain-bridge/pkg/chain/fastchain"
	"github.com/chainsafe/trichain-bridge/pkg/chain/settlement"
	"github.com/chainsafe/trichain-bridge/pkg/config"
	"github.com/chainsafe/trichain-bridge/pkg/confirm"
	"github.com/chainsafe/trichain-bridge/pkg/db"
	"github.com/chainsafe/trichain-bridge/pkg/keys"
	"github.com/chainsafe/trichain-bridge/pkg/leg"
	"github.com/chainsafe/trichain-bridge/pkg/monitor"
	"github.com/chainsafe/trichain-bridge/pkg/orchestrator"
	"github.com/chainsafe/trichain-bridge/pkg/rate"
	"github.com/chainsafe/trichain-bridge/pkg/reconciler"
	"github.com/chainsafe/trichain-bridge/pkg/relayqueue"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

// WatcherFactory creates the account watcher of one asset.
type WatcherFactory func(asset transfer.AssetConfig) chain.AccountWatcher

// Chains holds the adapters of every configured chain.
type Chains struct {
	Clients      map[transfer.ChainID]chain.Client
	Watchers     map[transfer.ChainID]WatcherFactory
	Confirmation map[transfer.ChainID]config.ConfirmationConfig
	// Reserves backs AMM rate sources; nil without an EVM chain.
	Reserves rate.ReservesReader
}

// DialChains connects to every chain that has a config section. Sealed
// secrets are opened with the configured master key first.
func DialChains(ctx context.Context, appCfg *config.Config, logger *zap.Logger) (*Chains, error) {
	cfg, err := unsealChains(appCfg.Chains, appCfg.Keys)
	if err != nil {
		return nil, err
	}
	c := &Chains{
		Clients:      make(map[transfer.ChainID]chain.Client),
		Watchers:     make(map[transfer.ChainID]WatcherFactory),
		Confirmation: make(map[transfer.ChainID]config.ConfirmationConfig),
	}

	if cfg.EVM != nil {
		client, err := evm.Dial(ctx, cfg.EVM, logger)
		if err != nil {
			return nil, err
		}
		lookback := cfg.EVM.InboundLookback
		c.Clients[transfer.ChainEVM] = client
		c.Watchers[transfer.ChainEVM] = func(a transfer.AssetConfig) chain.AccountWatcher {
			return evm.NewWatcher(client, a, lookback)
		}
		c.Confirmation[transfer.ChainEVM] = cfg.EVM.Confirmation
		c.Reserves = client
	}

	if cfg.Fast != nil {
		client, err := fastchain.Dial(cfg.Fast, logger)
		if err != nil {
			return nil, err
		}
		lookback := cfg.Fast.InboundLookback
		c.Clients[transfer.ChainFast] = client
		c.Watchers[transfer.ChainFast] = func(a transfer.AssetConfig) chain.AccountWatcher {
			return fastchain.NewWatcher(client, a, lookback)
		}
		c.Confirmation[transfer.ChainFast] = cfg.Fast.Confirmation
	}

	if cfg.Settlement != nil {
		client := settlement.New(cfg.Settlement, logger)
		lookback := cfg.Settlement.InboundLookback
		c.Clients[transfer.ChainSettlement] = client
		c.Watchers[transfer.ChainSettlement] = func(a transfer.AssetConfig) chain.AccountWatcher {
			return settlement.NewWatcher(client, a, lookback)
		}
		c.Confirmation[transfer.ChainSettlement] = cfg.Settlement.Confirmation
	}

	return c, nil
}

// unsealChains returns a copy of cfg with its sealed secrets opened.
func unsealChains(cfg config.ChainsConfig, keysCfg config.KeysConfig) (*config.ChainsConfig, error) {
	master, err := keys.MasterKeyFromBase64(keysCfg.MasterKey)
	if err != nil {
		return nil, err
	}
	if cfg.EVM != nil {
		evmCfg := *cfg.EVM
		if evmCfg.PrivateKey, err = keys.Resolve(evmCfg.PrivateKey, master, string(transfer.ChainEVM)); err != nil {
			return nil, err
		}
		cfg.EVM = &evmCfg
	}
	if cfg.Fast != nil {
		fastCfg := *cfg.Fast
		if fastCfg.PrivateKey, err = keys.Resolve(fastCfg.PrivateKey, master, string(transfer.ChainFast)); err != nil {
			return nil, err
		}
		cfg.Fast = &fastCfg
	}
	if cfg.Settlement != nil {
		stCfg := *cfg.Settlement
		if stCfg.SignerToken, err = keys.Resolve(stCfg.SignerToken, master, string(transfer.ChainSettlement)); err != nil {
			return nil, err
		}
		cfg.Settlement = &stCfg
	}
	return &cfg, nil
}

// Runtime is the assembled bridge: one orchestrator per route, the relay
// queue fed by the passive monitors, and the reconciler.
type Runtime struct {
	Router     *orchestrator.Router
	Rates      map[string]rate.Source
	Queue      *relayqueue.Queue
	Monitors   []*monitor.Monitor
	Reconciler *reconciler.Reconciler

	reconciliation config.ReconciliationConfig
	logger         *zap.Logger
}

// NewRuntime wires routes, rates and background workers from cfg.
func NewRuntime(cfg *config.Config, chains *Chains, store db.Store, logger *zap.Logger) (*Runtime, error) {
	rates, err := BuildRates(cfg.Rates, chains.Reserves, logger)
	if err != nil {
		return nil, err
	}

	executors := make(map[transfer.ChainID]*leg.Executor, len(chains.Clients))
	waiters := make(map[transfer.ChainID]confirm.Waiter, len(chains.Clients))
	readers := make(map[transfer.ChainID]chain.TxStatusReader, len(chains.Clients))
	for id, client := range chains.Clients {
		cc := chains.Confirmation[id]
		w, err := confirm.New(id, confirm.Config{
			Strategy: cc.Strategy,
			Interval: cc.Interval,
			Timeout:  cc.Timeout,
			Delay:    cc.Delay,
		}, client, logger)
		if err != nil {
			return nil, err
		}
		executors[id] = leg.NewExecutor(id, client, logger)
		waiters[id] = w
		readers[id] = client
	}

	var (
		orchestrators []*orchestrator.Orchestrator
		releases      = make(map[string]monitor.Release)
		monitorCfgs   []monitor.Config
	)
	for _, rc := range cfg.Routes {
		src, err := cfg.Asset(rc.Source)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.Name, err)
		}
		dst, err := cfg.Asset(rc.Destination)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.Name, err)
		}
		srcClient, ok := chains.Clients[src.Chain]
		if !ok {
			return nil, fmt.Errorf("route %s: chain %s is not configured", rc.Name, src.Chain)
		}
		dstClient, ok := chains.Clients[dst.Chain]
		if !ok {
			return nil, fmt.Errorf("route %s: chain %s is not configured", rc.Name, dst.Chain)
		}
		src, dst = withDefaultLayout(src), withDefaultLayout(dst)

		o, err := orchestrator.New(orchestrator.Route{
			Name:                rc.Name,
			Source:              src,
			Destination:         dst,
			SourceTreasury:      rc.SourceTreasury,
			DestinationTreasury: rc.DestinationTreasury,
			Rate:                rates[rc.Rate],
			CheckLiquidity:      rc.CheckLiquidity,
		}, orchestrator.Deps{
			SourceBalance:      srcClient,
			DestinationBalance: dstClient,
			Leg1:               executors[src.Chain],
			Leg2:               executors[dst.Chain],
			Leg1Waiter:         waiters[src.Chain],
			Leg2Waiter:         waiters[dst.Chain],
			Store:              store,
			Logger:             logger,
		}, orchestrator.WithPreconditionTimeout(rc.PreconditionTimeout))
		if err != nil {
			return nil, err
		}
		orchestrators = append(orchestrators, o)

		if rc.Monitor == nil || !rc.Monitor.Enabled {
			continue
		}
		releases[rc.Name] = monitor.Release{
			Asset:    dst,
			Treasury: rc.DestinationTreasury,
			Leg:      executors[dst.Chain],
			Waiter:   waiters[dst.Chain],
		}
		monitorCfgs = append(monitorCfgs, monitor.Config{
			Name:        rc.Name,
			Route:       rc.Name,
			Account:     rc.Monitor.Account,
			Treasury:    rc.SourceTreasury,
			Interval:    rc.Monitor.Interval,
			Source:      src,
			Destination: dst,
			Rate:        rates[rc.Rate],
			Recipients:  rc.Monitor.RecipientMap(),
		})
	}

	router, err := orchestrator.NewRouter(orchestrators...)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Router:         router,
		Rates:          rates,
		Reconciler:     reconciler.New(store, readers, logger),
		reconciliation: cfg.Reconciliation,
		logger:         logger,
	}

	if len(monitorCfgs) == 0 {
		return rt, nil
	}
	rt.Queue = relayqueue.New(monitor.NewRelayer(releases, logger), relayqueue.Config{
		MaxRetries: cfg.Relay.MaxRetries,
		Backoff:    cfg.Relay.Backoff,
		MaxBackoff: cfg.Relay.MaxBackoff,
		Pacing:     cfg.Relay.Pacing,
	}, logger, relayqueue.WithFailureSink(relayqueue.NewStoreSink(store, logger)))

	for _, mc := range monitorCfgs {
		watch, ok := chains.Watchers[mc.Source.Chain]
		if !ok {
			return nil, fmt.Errorf("monitor %s: no watcher for chain %s", mc.Name, mc.Source.Chain)
		}
		m, err := monitor.New(mc, watch(mc.Source), rt.Queue, store, logger)
		if err != nil {
			return nil, err
		}
		rt.Monitors = append(rt.Monitors, m)
	}
	return rt, nil
}

// Start launches the relay queue, the monitors and the reconciler. Already
// started monitors are stopped if a later one fails to load its state.
func (rt *Runtime) Start(ctx context.Context) error {
	if rt.Queue != nil {
		rt.Queue.Start(ctx)
	}
	for i, m := range rt.Monitors {
		if err := m.Start(ctx); err != nil {
			for _, started := range rt.Monitors[:i] {
				started.Stop()
			}
			if rt.Queue != nil {
				rt.Queue.Stop()
			}
			return err
		}
	}
	rt.Reconciler.Start(rt.reconciliation.InitialDelay, rt.reconciliation.Interval)
	rt.logger.Info("Bridge runtime started",
		zap.Strings("routes", rt.Router.Names()),
		zap.Int("monitors", len(rt.Monitors)))
	return nil
}

// Stop halts monitors before the queue so no job is enqueued after the
// queue drained.
func (rt *Runtime) Stop() {
	for _, m := range rt.Monitors {
		m.Stop()
	}
	if rt.Queue != nil {
		rt.Queue.Stop()
	}
	rt.Reconciler.Stop()
}

// withDefaultLayout picks the argument layout of token transfers on chains
// with a single token standard.
func withDefaultLayout(a transfer.AssetConfig) transfer.AssetConfig {
	if a.Kind == transfer.AssetNative || a.ArgLayout != "" {
		return a
	}
	switch a.Chain {
	case transfer.ChainEVM:
		a.ArgLayout = transfer.LayoutERC20
	case transfer.ChainSettlement:
		a.ArgLayout = transfer.LayoutSIP010
	case transfer.ChainFast:
		a.ArgLayout = transfer.LayoutSPL
	}
	return a
}

// BuildRates creates every named rate source. Product and inverse sources
// reference other entries by name.
func BuildRates(cfgs map[string]*config.RateConfig, reserves rate.ReservesReader, logger *zap.Logger) (map[string]rate.Source, error) {
	b := &rateBuilder{
		cfgs:     cfgs,
		reserves: reserves,
		logger:   logger,
		built:    make(map[string]rate.Source, len(cfgs)),
		visiting: make(map[string]bool),
	}
	for name := range cfgs {
		if _, err := b.build(name); err != nil {
			return nil, err
		}
	}
	return b.built, nil
}

type rateBuilder struct {
	cfgs     map[string]*config.RateConfig
	reserves rate.ReservesReader
	logger   *zap.Logger
	built    map[string]rate.Source
	visiting map[string]bool
}

func (b *rateBuilder) build(name string) (rate.Source, error) {
	if src, ok := b.built[name]; ok {
		return src, nil
	}
	rc, ok := b.cfgs[name]
	if !ok || rc == nil {
		return nil, fmt.Errorf("unknown rate %q", name)
	}
	if b.visiting[name] {
		return nil, fmt.Errorf("rate %s: reference cycle", name)
	}
	b.visiting[name] = true
	defer delete(b.visiting, name)

	src, err := b.source(name, rc)
	if err != nil {
		return nil, fmt.Errorf("rate %s: %w", name, err)
	}
	if rc.CacheTTL > 0 {
		src = rate.NewCached(src, rc.CacheTTL)
	}
	b.built[name] = src
	return src, nil
}

func (b *rateBuilder) source(name string, rc *config.RateConfig) (rate.Source, error) {
	switch rc.Type {
	case config.RateStatic:
		v, err := decimal.NewFromString(rc.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", rc.Value, err)
		}
		return rate.NewStatic(v)

	case config.RateTickerRatio:
		return rate.NewTickerRatio(b.apiClient(name, rc), rc.BasePair, rc.QuotePair), nil

	case config.RateConversion:
		return rate.NewConversion(b.apiClient(name, rc), rc.From, rc.To, rc.Field), nil

	case config.RateAMM:
		if b.reserves == nil {
			return nil, errors.New("amm quotes require an EVM chain")
		}
		fee, err := decimal.NewFromString(rc.Fee)
		if err != nil {
			return nil, fmt.Errorf("invalid fee %q: %w", rc.Fee, err)
		}
		return rate.NewAMMQuote(b.reserves, rate.AMMConfig{
			Pair:        rc.Pair,
			InIsToken0:  rc.InIsToken0,
			InDecimals:  rc.InDecimals,
			OutDecimals: rc.OutDecimals,
			Fee:         fee,
		})

	case config.RateProduct:
		parts := make([]rate.Source, 0, len(rc.Sources))
		for _, s := range rc.Sources {
			src, err := b.build(s)
			if err != nil {
				return nil, err
			}
			parts = append(parts, src)
		}
		return rate.NewProduct(parts...)

	case config.RateInverse:
		src, err := b.build(rc.Source)
		if err != nil {
			return nil, err
		}
		return rate.NewInverse(src), nil

	default:
		return nil, fmt.Errorf("unknown type %q", rc.Type)
	}
}

func (b *rateBuilder) apiClient(name string, rc *config.RateConfig) *rate.APIClient {
	var opts []rate.APIOption
	if rc.APIKey != "" {
		opts = append(opts, rate.WithAPIKey(rc.APIKey))
	}
	return rate.NewAPIClient(rc.BaseURL, b.logger.With(zap.String("rate", name)), opts...)
}
