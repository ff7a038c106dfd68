package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

// EnvPrefix prefixes environment overrides, e.g. BRIDGE_CHAINS_EVM_PRIVATE_KEY.
const EnvPrefix = "BRIDGE"

// Rate source types.
const (
	RateStatic      = "static"
	RateTickerRatio = "ticker-ratio"
	RateConversion  = "conversion"
	RateAMM         = "amm"
	RateProduct     = "product"
	RateInverse     = "inverse"
)

// Config represents the bridge configuration
type Config struct {
	Server         ServerConfig            `mapstructure:"server"`
	Database       DatabaseConfig          `mapstructure:"database"`
	Logging        LoggingConfig           `mapstructure:"logging"`
	Monitoring     MonitoringConfig        `mapstructure:"monitoring"`
	Auth           AuthConfig              `mapstructure:"auth"`
	Shutdown       ShutdownConfig          `mapstructure:"shutdown"`
	Keys           KeysConfig              `mapstructure:"keys"`
	Chains         ChainsConfig            `mapstructure:"chains"`
	Assets         map[string]*AssetConfig `mapstructure:"assets" validate:"required,dive,required"`
	Rates          map[string]*RateConfig  `mapstructure:"rates" validate:"required,dive,required"`
	Routes         []*RouteConfig          `mapstructure:"routes" validate:"required,min=1,dive,required"`
	Relay          RelayConfig             `mapstructure:"relay"`
	Reconciliation ReconciliationConfig    `mapstructure:"reconciliation"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host         string        `mapstructure:"host" default:"0.0.0.0"`
	Port         int           `mapstructure:"port" default:"8080" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" default:"15s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" default:"30s"`
}

// DatabaseConfig contains database connection settings. Without a host the
// bridge keeps its state in memory.
type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port" default:"5432"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database" default:"bridge"`
	SSLMode      string `mapstructure:"ssl_mode" default:"disable" validate:"oneof=disable require verify-ca verify-full"`
	MaxOpenConns int    `mapstructure:"max_open_conns" default:"10"`

	// ConnMaxLifetime recycles connections so failovers are picked up.
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" default:"30m"`
}

// Enabled reports whether a database is configured.
func (c *DatabaseConfig) Enabled() bool { return c.Host != "" }

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level" default:"info"`
	Format     string `mapstructure:"format" default:"json" validate:"oneof=json console"`
	OutputPath string `mapstructure:"output_path" default:"stdout"`
}

// MonitoringConfig contains monitoring and metrics settings
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled" default:"true"`
	MetricsPath string `mapstructure:"metrics_path" default:"/metrics"`
}

// AuthConfig protects the mutating API routes with HS256 bearer tokens.
type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret" validate:"required_if=Enabled true"`
	Issuer    string `mapstructure:"issuer"`
}

// ShutdownConfig contains graceful shutdown settings
type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout" default:"30s"`
}

// KeysConfig holds the master key that opens sealed chain secrets. Set it
// through BRIDGE_KEYS_MASTER_KEY rather than the file.
type KeysConfig struct {
	MasterKey string `mapstructure:"master_key" validate:"omitempty,base64"`
}

// ChainsConfig holds one optional section per chain.
type ChainsConfig struct {
	EVM        *EVMConfig        `mapstructure:"evm"`
	Fast       *FastConfig       `mapstructure:"fast"`
	Settlement *SettlementConfig `mapstructure:"settlement"`
}

// ConfirmationConfig selects how submitted transactions are confirmed.
type ConfirmationConfig struct {
	Strategy string        `mapstructure:"strategy" default:"poll" validate:"oneof=poll fixed-delay"`
	Interval time.Duration `mapstructure:"interval" default:"10s"`
	Timeout  time.Duration `mapstructure:"timeout" default:"10m"`
	Delay    time.Duration `mapstructure:"delay" default:"20s"`
}

// EVMConfig contains EVM JSON-RPC client settings
type EVMConfig struct {
	RPCURL          string             `mapstructure:"rpc_url" validate:"required,url"`
	ChainID         int64              `mapstructure:"chain_id" validate:"required"`
	PrivateKey      string             `mapstructure:"private_key"`
	GasLimit        uint64             `mapstructure:"gas_limit"`
	MaxGasPrice     string             `mapstructure:"max_gas_price"`
	InboundLookback uint64             `mapstructure:"inbound_lookback" default:"64"`
	Confirmation    ConfirmationConfig `mapstructure:"confirmation"`
}

// FastConfig contains fast-chain JSON-RPC client settings
type FastConfig struct {
	RPCURL          string             `mapstructure:"rpc_url" validate:"required,url"`
	PrivateKey      string             `mapstructure:"private_key"`
	Commitment      string             `mapstructure:"commitment" default:"confirmed" validate:"oneof=processed confirmed finalized"`
	InboundLookback int                `mapstructure:"inbound_lookback" default:"20"`
	Confirmation    ConfirmationConfig `mapstructure:"confirmation"`
}

// SettlementConfig contains settlement-chain API settings. Reads go to the
// indexer API, submissions to a signing gateway holding the treasury keys.
type SettlementConfig struct {
	APIURL            string             `mapstructure:"api_url" validate:"required,url"`
	APIKey            string             `mapstructure:"api_key"`
	SignerURL         string             `mapstructure:"signer_url" validate:"omitempty,url"`
	SignerToken       string             `mapstructure:"signer_token"`
	TransferFee       uint64             `mapstructure:"transfer_fee" default:"2000"`
	RequestsPerSecond float64            `mapstructure:"requests_per_second" default:"5"`
	InboundLookback   int                `mapstructure:"inbound_lookback" default:"20"`
	Confirmation      ConfirmationConfig `mapstructure:"confirmation"`
}

// AssetConfig describes one asset on one chain. Amounts are base-unit integers.
type AssetConfig struct {
	Chain           string `mapstructure:"chain" validate:"required,oneof=evm settlement fast"`
	Symbol          string `mapstructure:"symbol" validate:"required"`
	Decimals        int32  `mapstructure:"decimals" validate:"min=0,max=36"`
	MinUnit         string `mapstructure:"min_unit" default:"1"`
	Fee             string `mapstructure:"fee" default:"0"`
	Kind            string `mapstructure:"kind" default:"native" validate:"oneof=native token contract"`
	ContractAddress string `mapstructure:"contract_address" validate:"required_unless=Kind native"`
	ContractName    string `mapstructure:"contract_name"`
	Function        string `mapstructure:"function"`
	ArgLayout       string `mapstructure:"arg_layout" validate:"omitempty,oneof=erc20 sip010 spl"`
}

// ToTransfer converts the asset into its domain form.
func (a *AssetConfig) ToTransfer() (transfer.AssetConfig, error) {
	minUnit, err := parseBaseUnits(a.MinUnit)
	if err != nil {
		return transfer.AssetConfig{}, fmt.Errorf("min_unit: %w", err)
	}
	fee, err := parseBaseUnits(a.Fee)
	if err != nil {
		return transfer.AssetConfig{}, fmt.Errorf("fee: %w", err)
	}
	return transfer.AssetConfig{
		Chain:           transfer.ChainID(a.Chain),
		Symbol:          a.Symbol,
		Decimals:        a.Decimals,
		MinUnit:         minUnit,
		Fee:             fee,
		Kind:            transfer.AssetKind(a.Kind),
		ContractAddress: a.ContractAddress,
		ContractName:    a.ContractName,
		Function:        a.Function,
		ArgLayout:       transfer.ArgLayout(a.ArgLayout),
	}, nil
}

// RateConfig describes one exchange-rate source. Which fields apply depends on Type.
type RateConfig struct {
	Type string `mapstructure:"type" validate:"required,oneof=static ticker-ratio conversion amm product inverse"`

	// static
	Value string `mapstructure:"value" validate:"required_if=Type static"`

	// ticker-ratio, conversion
	BaseURL   string `mapstructure:"base_url" validate:"required_if=Type ticker-ratio,required_if=Type conversion,omitempty,url"`
	APIKey    string `mapstructure:"api_key"`
	BasePair  string `mapstructure:"base_pair" validate:"required_if=Type ticker-ratio"`
	QuotePair string `mapstructure:"quote_pair" validate:"required_if=Type ticker-ratio"`
	From      string `mapstructure:"from" validate:"required_if=Type conversion"`
	To        string `mapstructure:"to" validate:"required_if=Type conversion"`
	Field     string `mapstructure:"field"`

	// amm
	Pair        string `mapstructure:"pair" validate:"required_if=Type amm"`
	InIsToken0  bool   `mapstructure:"in_is_token0"`
	InDecimals  int32  `mapstructure:"in_decimals"`
	OutDecimals int32  `mapstructure:"out_decimals"`
	Fee         string `mapstructure:"fee" default:"0"`

	// product, inverse
	Sources []string `mapstructure:"sources" validate:"required_if=Type product"`
	Source  string   `mapstructure:"source" validate:"required_if=Type inverse"`

	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// RouteConfig wires two assets, their treasuries and a rate into one route.
type RouteConfig struct {
	Name                string         `mapstructure:"name" validate:"required"`
	Source              string         `mapstructure:"source" validate:"required"`
	Destination         string         `mapstructure:"destination" validate:"required"`
	SourceTreasury      string         `mapstructure:"source_treasury" validate:"required"`
	DestinationTreasury string         `mapstructure:"destination_treasury" validate:"required"`
	Rate                string         `mapstructure:"rate" validate:"required"`
	CheckLiquidity      bool           `mapstructure:"check_liquidity"`
	PreconditionTimeout time.Duration  `mapstructure:"precondition_timeout" default:"15s"`
	Monitor             *MonitorConfig `mapstructure:"monitor"`
}

// MonitorConfig enables the passive relay on a route: deposits into Account
// are released from the destination treasury. Account must not be the
// source treasury, whose balance also moves with interactive leg 1 payments.
type MonitorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Account  string        `mapstructure:"account" validate:"required_if=Enabled true"`
	Interval time.Duration `mapstructure:"interval" default:"5s"`

	// Recipients is a list rather than a map since map keys are lowercased
	// on load and addresses are case sensitive.
	Recipients []RecipientMapping `mapstructure:"recipients" validate:"required_if=Enabled true,dive"`
}

// RecipientMapping relays deposits from Sender to Recipient.
type RecipientMapping struct {
	Sender    string `mapstructure:"sender" validate:"required"`
	Recipient string `mapstructure:"recipient" validate:"required"`
}

// RecipientMap returns the mapping keyed by sender.
func (m *MonitorConfig) RecipientMap() map[string]string {
	out := make(map[string]string, len(m.Recipients))
	for _, r := range m.Recipients {
		out[r.Sender] = r.Recipient
	}
	return out
}

// RelayConfig tunes the relay queue.
type RelayConfig struct {
	MaxRetries int           `mapstructure:"max_retries" default:"3" validate:"min=0"`
	Backoff    time.Duration `mapstructure:"backoff" default:"5s"`
	MaxBackoff time.Duration `mapstructure:"max_backoff" default:"1m"`
	Pacing     time.Duration `mapstructure:"pacing" default:"2s"`
}

// ReconciliationConfig contains settings for the partial-completion scan
type ReconciliationConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay" default:"30s"`
	Interval     time.Duration `mapstructure:"interval" default:"5m"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only covers keys present in the file.
	for _, key := range []string{"keys.master_key", "auth.jwt_secret", "database.password"} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := new(Config)
	// Top-level defaults go first so explicit false/zero values in the file win.
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set defaults: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.setNestedDefaults(); err != nil {
		return nil, fmt.Errorf("failed to set defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// setNestedDefaults fills defaults of sections that only exist once the file
// was decoded.
func (c *Config) setNestedDefaults() error {
	var targets []any
	if c.Chains.EVM != nil {
		targets = append(targets, c.Chains.EVM)
	}
	if c.Chains.Fast != nil {
		targets = append(targets, c.Chains.Fast)
	}
	if c.Chains.Settlement != nil {
		targets = append(targets, c.Chains.Settlement)
	}
	for _, a := range c.Assets {
		if a != nil {
			targets = append(targets, a)
		}
	}
	for _, r := range c.Rates {
		if r != nil {
			targets = append(targets, r)
		}
	}
	for _, r := range c.Routes {
		if r == nil {
			continue
		}
		targets = append(targets, r)
		if r.Monitor != nil {
			targets = append(targets, r.Monitor)
		}
	}
	for _, t := range targets {
		if err := defaults.Set(t); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks field constraints and the references between sections.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	var errs []error
	for name, a := range c.Assets {
		if !c.chainConfigured(transfer.ChainID(a.Chain)) {
			errs = append(errs, fmt.Errorf("asset %s: chains.%s is not configured", name, a.Chain))
		}
		if _, err := a.ToTransfer(); err != nil {
			errs = append(errs, fmt.Errorf("asset %s: %w", name, err))
		}
	}
	for name, r := range c.Rates {
		errs = append(errs, c.validateRate(name, r)...)
	}

	names := make(map[string]bool, len(c.Routes))
	for _, r := range c.Routes {
		if names[r.Name] {
			errs = append(errs, fmt.Errorf("route %s: duplicate name", r.Name))
		}
		names[r.Name] = true

		src, okSrc := c.Assets[r.Source]
		dst, okDst := c.Assets[r.Destination]
		if !okSrc {
			errs = append(errs, fmt.Errorf("route %s: unknown source asset %q", r.Name, r.Source))
		}
		if !okDst {
			errs = append(errs, fmt.Errorf("route %s: unknown destination asset %q", r.Name, r.Destination))
		}
		if okSrc && okDst && src.Chain == dst.Chain {
			errs = append(errs, fmt.Errorf("route %s: source and destination are both on %s", r.Name, src.Chain))
		}
		if _, ok := c.Rates[r.Rate]; !ok {
			errs = append(errs, fmt.Errorf("route %s: unknown rate %q", r.Name, r.Rate))
		}
		if r.Monitor != nil && r.Monitor.Enabled {
			if len(r.Monitor.Recipients) == 0 {
				errs = append(errs, fmt.Errorf("route %s: monitor requires a recipient mapping", r.Name))
			}
			if r.Monitor.Account == r.SourceTreasury {
				errs = append(errs, fmt.Errorf("route %s: monitor.account must differ from source_treasury", r.Name))
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Config) validateRate(name string, r *RateConfig) []error {
	var errs []error
	switch r.Type {
	case RateAMM:
		if c.Chains.EVM == nil {
			errs = append(errs, fmt.Errorf("rate %s: amm quotes require chains.evm", name))
		}
	case RateProduct:
		for _, s := range r.Sources {
			if s == name {
				errs = append(errs, fmt.Errorf("rate %s: references itself", name))
			} else if _, ok := c.Rates[s]; !ok {
				errs = append(errs, fmt.Errorf("rate %s: unknown source %q", name, s))
			}
		}
	case RateInverse:
		if r.Source == name {
			errs = append(errs, fmt.Errorf("rate %s: references itself", name))
		} else if _, ok := c.Rates[r.Source]; !ok {
			errs = append(errs, fmt.Errorf("rate %s: unknown source %q", name, r.Source))
		}
	}
	return errs
}

func (c *Config) chainConfigured(id transfer.ChainID) bool {
	switch id {
	case transfer.ChainEVM:
		return c.Chains.EVM != nil
	case transfer.ChainFast:
		return c.Chains.Fast != nil
	case transfer.ChainSettlement:
		return c.Chains.Settlement != nil
	}
	return false
}

// Asset returns the domain form of a named asset.
func (c *Config) Asset(name string) (transfer.AssetConfig, error) {
	a, ok := c.Assets[name]
	if !ok {
		return transfer.AssetConfig{}, fmt.Errorf("unknown asset %q", name)
	}
	return a.ToTransfer()
}

func parseBaseUnits(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid base-unit amount %q", s)
	}
	return v, nil
}
