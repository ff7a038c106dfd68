package bridge

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/trichain-bridge/pkg/chain"
	"github.com/chainsafe/trichain-bridge/pkg/config"
	"github.com/chainsafe/trichain-bridge/pkg/db"
	"github.com/chainsafe/trichain-bridge/pkg/keys"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

const (
	evmTreasury        = "0x71C7656EC7ab88b098defB751B7401B5f6d8976F"
	evmUser            = "0x2546BcD3c84621e976D8185a91A922aE77ECEc30"
	evmDeposit         = "0xbDA5747bFD65F08deb54cb465eB87D40e51B197E"
	settlementTreasury = "ST1PQHQKV0RJXZFY1DGX8MNSNYVE3VGZJSRTPGZGM"
	settlementUser     = "ST2CY5V39NHDPWSXMW9QDT3HC3GD6Q6XX4CFRK9AG"
)

type fakeClient struct {
	id      transfer.ChainID
	balance *big.Int
}

func (f *fakeClient) ID() transfer.ChainID { return f.id }

func (f *fakeClient) Balance(context.Context, string, transfer.AssetConfig) (*big.Int, error) {
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeClient) SubmitNativeTransfer(context.Context, string, string, *big.Int) (string, error) {
	return string(f.id) + "-native", nil
}

func (f *fakeClient) SubmitContractCall(context.Context, chain.ContractCall) (string, error) {
	return string(f.id) + "-call", nil
}

func (f *fakeClient) TxStatus(context.Context, string) (chain.TxStatus, error) {
	return chain.TxSuccess, nil
}

type fakeWatcher struct{}

func (fakeWatcher) Observe(context.Context, string) (chain.Observation, error) {
	return chain.Observation{Balance: big.NewInt(0)}, nil
}

func (fakeWatcher) LatestInbound(context.Context, string) (chain.InboundTransfer, error) {
	return chain.InboundTransfer{}, chain.ErrNoInbound
}

type fakeReserves struct{ r0, r1 *big.Int }

func (f fakeReserves) PairReserves(context.Context, string) (*big.Int, *big.Int, error) {
	return f.r0, f.r1, nil
}

func testChains() *Chains {
	poll := config.ConfirmationConfig{Strategy: "poll", Interval: time.Millisecond, Timeout: time.Second}
	watch := func(transfer.AssetConfig) chain.AccountWatcher { return fakeWatcher{} }
	eth := new(big.Int).Exp(big.NewInt(10), big.NewInt(19), nil)
	return &Chains{
		Clients: map[transfer.ChainID]chain.Client{
			transfer.ChainEVM:        &fakeClient{id: transfer.ChainEVM, balance: eth},
			transfer.ChainSettlement: &fakeClient{id: transfer.ChainSettlement, balance: big.NewInt(5_000_000_000)},
		},
		Watchers: map[transfer.ChainID]WatcherFactory{
			transfer.ChainEVM:        watch,
			transfer.ChainSettlement: watch,
		},
		Confirmation: map[transfer.ChainID]config.ConfirmationConfig{
			transfer.ChainEVM:        poll,
			transfer.ChainSettlement: poll,
		},
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Assets: map[string]*config.AssetConfig{
			"eth": {Chain: "evm", Symbol: "ETH", Decimals: 18, MinUnit: "1", Fee: "0", Kind: "native"},
			"stx": {Chain: "settlement", Symbol: "STX", Decimals: 6, MinUnit: "1", Fee: "0", Kind: "native"},
			"usdc": {Chain: "evm", Symbol: "USDC", Decimals: 6, MinUnit: "1", Fee: "0", Kind: "token",
				ContractAddress: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"},
		},
		Rates: map[string]*config.RateConfig{
			"eth-stx": {Type: config.RateStatic, Value: "1500"},
			"stx-eth": {Type: config.RateInverse, Source: "eth-stx"},
		},
		Routes: []*config.RouteConfig{
			{
				Name: "evm-to-settlement", Source: "eth", Destination: "stx",
				SourceTreasury: evmTreasury, DestinationTreasury: settlementTreasury,
				Rate: "eth-stx", PreconditionTimeout: time.Second,
				Monitor: &config.MonitorConfig{
					Enabled:    true,
					Account:    evmDeposit,
					Interval:   time.Second,
					Recipients: []config.RecipientMapping{{Sender: evmUser, Recipient: settlementUser}},
				},
			},
			{
				Name: "settlement-to-evm", Source: "stx", Destination: "usdc",
				SourceTreasury: settlementTreasury, DestinationTreasury: evmTreasury,
				Rate: "stx-eth", PreconditionTimeout: time.Second,
			},
		},
		Relay: config.RelayConfig{MaxRetries: 3, Backoff: time.Millisecond, MaxBackoff: time.Millisecond},
		Reconciliation: config.ReconciliationConfig{
			InitialDelay: time.Hour,
			Interval:     time.Hour,
		},
	}
}

func TestNewRuntime(t *testing.T) {
	rt, err := NewRuntime(testConfig(), testChains(), db.NewMemoryStore(), zap.NewNop())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"evm-to-settlement", "settlement-to-evm"}, rt.Router.Names())

	o, err := rt.Router.Lookup(transfer.ChainSettlement, transfer.ChainEVM)
	require.NoError(t, err)
	assert.Equal(t, "settlement-to-evm", o.Route().Name)
	assert.Equal(t, transfer.LayoutERC20, o.Route().Destination.ArgLayout)

	_, err = rt.Router.Lookup(transfer.ChainEVM, transfer.ChainFast)
	assert.Error(t, err)

	require.Len(t, rt.Monitors, 1)
	require.NotNil(t, rt.Queue)
	assert.Equal(t, 0, rt.Queue.Len())
}

func TestNewRuntime_NoMonitors(t *testing.T) {
	cfg := testConfig()
	cfg.Routes[0].Monitor.Enabled = false

	rt, err := NewRuntime(cfg, testChains(), db.NewMemoryStore(), zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, rt.Queue)
	assert.Empty(t, rt.Monitors)
}

func TestNewRuntime_MonitorOnSourceTreasury(t *testing.T) {
	cfg := testConfig()
	cfg.Routes[0].Monitor.Account = evmTreasury

	_, err := NewRuntime(cfg, testChains(), db.NewMemoryStore(), zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is the route treasury")
}

func TestRuntime_StopTwice(t *testing.T) {
	rt, err := NewRuntime(testConfig(), testChains(), db.NewMemoryStore(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	rt.Stop()
	assert.NotPanics(t, rt.Stop)
}

func TestNewRuntime_ChainNotConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Assets["sol"] = &config.AssetConfig{Chain: "fast", Symbol: "SOL", Decimals: 9, MinUnit: "1", Fee: "0", Kind: "native"}
	cfg.Routes[1].Destination = "sol"

	_, err := NewRuntime(cfg, testChains(), db.NewMemoryStore(), zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain fast is not configured")
}

func TestRuntime_ExecutesTransfer(t *testing.T) {
	store := db.NewMemoryStore()
	rt, err := NewRuntime(testConfig(), testChains(), store, zap.NewNop())
	require.NoError(t, err)

	o, err := rt.Router.Lookup(transfer.ChainEVM, transfer.ChainSettlement)
	require.NoError(t, err)

	out, err := o.Execute(context.Background(), transfer.Request{
		ID:                 "run-1",
		SourceChain:        transfer.ChainEVM,
		DestinationChain:   transfer.ChainSettlement,
		Amount:             decimal.RequireFromString("0.5"),
		SourceAccount:      evmUser,
		DestinationAccount: settlementUser,
	})
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusCompleted, out.Status)
	require.NotNil(t, out.Leg2)
	assert.Equal(t, "settlement-native", out.Leg2.TxID)
	assert.Equal(t, "750000000", out.Leg2.Amount.String())

	saved, err := store.GetOutcome(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusCompleted, saved.Status)
}

func TestBuildRates(t *testing.T) {
	ctx := context.Background()
	cfgs := map[string]*config.RateConfig{
		"base":    {Type: config.RateStatic, Value: "4"},
		"flipped": {Type: config.RateInverse, Source: "base"},
		"chained": {Type: config.RateProduct, Sources: []string{"base", "pool"}, CacheTTL: time.Minute},
		"pool": {Type: config.RateAMM, Pair: "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc",
			InIsToken0: true, InDecimals: 6, OutDecimals: 6, Fee: "0"},
	}
	rates, err := BuildRates(cfgs, fakeReserves{r0: big.NewInt(1_000_000), r1: big.NewInt(2_000_000)}, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, rates, 4)

	tests := map[string]string{
		"base":    "4",
		"flipped": "0.25",
		"pool":    "2",
		"chained": "8",
	}
	for name, want := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := rates[name].Rate(ctx)
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.RequireFromString(want)), "got %s, want %s", got, want)
		})
	}
}

func TestBuildRates_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfgs map[string]*config.RateConfig
		want string
	}{
		{
			name: "cycle",
			cfgs: map[string]*config.RateConfig{
				"a": {Type: config.RateInverse, Source: "b"},
				"b": {Type: config.RateInverse, Source: "a"},
			},
			want: "reference cycle",
		},
		{
			name: "unknown reference",
			cfgs: map[string]*config.RateConfig{"a": {Type: config.RateProduct, Sources: []string{"missing"}}},
			want: `unknown rate "missing"`,
		},
		{
			name: "non-positive static",
			cfgs: map[string]*config.RateConfig{"a": {Type: config.RateStatic, Value: "0"}},
			want: "rate a",
		},
		{
			name: "amm without evm",
			cfgs: map[string]*config.RateConfig{"a": {Type: config.RateAMM, Pair: "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc", Fee: "0"}},
			want: "amm quotes require an EVM chain",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildRates(tc.cfgs, nil, zap.NewNop())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestUnsealChains(t *testing.T) {
	master, err := keys.GenerateMasterKey()
	require.NoError(t, err)
	sealed, err := keys.Seal([]byte("base58-key"), master, "fast")
	require.NoError(t, err)

	orig := config.ChainsConfig{
		Fast:       &config.FastConfig{RPCURL: "http://localhost:8899", PrivateKey: sealed},
		Settlement: &config.SettlementConfig{APIURL: "http://localhost:3999", SignerToken: "plain-token"},
	}
	got, err := unsealChains(orig, config.KeysConfig{MasterKey: keys.MasterKeyToBase64(master)})
	require.NoError(t, err)
	assert.Equal(t, "base58-key", got.Fast.PrivateKey)
	assert.Equal(t, "plain-token", got.Settlement.SignerToken)
	assert.Equal(t, sealed, orig.Fast.PrivateKey, "input config must not be modified")

	_, err = unsealChains(orig, config.KeysConfig{})
	assert.ErrorIs(t, err, keys.ErrNoMasterKey)
}
