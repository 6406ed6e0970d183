// Package config maps viper settings onto the engine's component
// configurations.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wormhole-demo/txengine/internal"
	"github.com/wormhole-demo/txengine/internal/clients"
	"github.com/wormhole-demo/txengine/internal/confirm"
	"github.com/wormhole-demo/txengine/internal/gas"
	"github.com/wormhole-demo/txengine/internal/txn"
)

// EnvPrefix is prepended to every environment variable, e.g.
// TXENGINE_RETRY_MAX_ATTEMPTS or TXENGINE_CHAINS_0G_GALILEO_RPC_URL.
const EnvPrefix = "txengine"

type ChainConfig struct {
	ChainID     uint64 `mapstructure:"chain_id"`
	RPCURL      string `mapstructure:"rpc_url"`
	ExplorerURL string `mapstructure:"explorer_url"`
	Legacy      bool   `mapstructure:"legacy"`
}

type ProviderConfig struct {
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	VerifyChainID     bool          `mapstructure:"verify_chain_id"`
}

type GasConfig struct {
	MinMaxFeePerGasGwei      float64 `mapstructure:"min_max_fee_per_gas_gwei"`
	MinPriorityFeePerGasGwei float64 `mapstructure:"min_priority_fee_per_gas_gwei"`
	DefaultGasLimit          uint64  `mapstructure:"default_gas_limit"`
	BaseFeeMultiplier        int64   `mapstructure:"base_fee_multiplier"`
	GasLimitMultiplier       float64 `mapstructure:"gas_limit_multiplier"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	Backoff         string        `mapstructure:"backoff"`
	Jitter          bool          `mapstructure:"jitter"`
	RecheckTimedOut bool          `mapstructure:"recheck_timed_out"`
}

type ConfirmationConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	BlockConfirmations uint64        `mapstructure:"block_confirmations"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Config is the full engine configuration.
type Config struct {
	Chains       map[string]ChainConfig `mapstructure:"chains"`
	Provider     ProviderConfig         `mapstructure:"provider"`
	Gas          GasConfig              `mapstructure:"gas"`
	Retry        RetryConfig            `mapstructure:"retry"`
	Confirmation ConfirmationConfig     `mapstructure:"confirmation"`
	Telemetry    TelemetryConfig        `mapstructure:"telemetry"`
	Metrics      MetricsConfig          `mapstructure:"metrics"`
}

// builtinChains are the networks known without any configuration. 0G has no
// public RPC default and must be given one.
var builtinChains = map[string]ChainConfig{
	"sei-testnet": {
		ChainID:     1328,
		RPCURL:      "https://evm-rpc-testnet.sei-apis.com",
		ExplorerURL: "https://seitrace.com/?chain=atlantic-2",
	},
	"corn-testnet": {
		ChainID:     21000001,
		RPCURL:      "https://rpc.ankr.com/corn_testnet",
		ExplorerURL: "https://testnet.cornscan.io",
	},
	"0g-galileo": {
		ChainID:     16601,
		ExplorerURL: "https://chainscan-galileo.0g.ai",
	},
}

// SetDefaults registers every recognized key with its default so that
// environment variables can override any of them.
func SetDefaults(v *viper.Viper) {
	for name, chain := range builtinChains {
		prefix := "chains." + name + "."
		v.SetDefault(prefix+"chain_id", chain.ChainID)
		v.SetDefault(prefix+"rpc_url", chain.RPCURL)
		v.SetDefault(prefix+"explorer_url", chain.ExplorerURL)
		v.SetDefault(prefix+"legacy", chain.Legacy)
	}

	v.SetDefault("provider.connection_timeout", clients.DefaultConnectionTimeout)
	v.SetDefault("provider.verify_chain_id", true)

	v.SetDefault("gas.min_max_fee_per_gas_gwei", 1.2)
	v.SetDefault("gas.min_priority_fee_per_gas_gwei", 1.1)
	v.SetDefault("gas.default_gas_limit", 300_000)
	v.SetDefault("gas.base_fee_multiplier", 2)
	v.SetDefault("gas.gas_limit_multiplier", 1.5)

	v.SetDefault("retry.max_attempts", internal.DefaultMaxAttempts)
	v.SetDefault("retry.base_delay", internal.DefaultBaseDelay)
	v.SetDefault("retry.max_delay", internal.DefaultMaxDelay)
	v.SetDefault("retry.backoff", string(internal.BackoffExponential))
	v.SetDefault("retry.jitter", true)
	v.SetDefault("retry.recheck_timed_out", false)

	v.SetDefault("confirmation.timeout", internal.DefaultConfirmationTimeout)
	v.SetDefault("confirmation.poll_interval", confirm.DefaultPollInterval)
	v.SetDefault("confirmation.block_confirmations", 1)

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("metrics.listen_addr", "")
}

// BindEnv makes v read TXENGINE_* variables, with "-" and "." mapped to "_".
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
}

// Load decodes and validates the configuration held by v. SetDefaults must
// have been called on v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside the engine.
func (c *Config) Validate() error {
	seen := make(map[uint64]string, len(c.Chains))
	for name, chain := range c.Chains {
		if chain.ChainID == 0 {
			return fmt.Errorf("chain %s: chain_id is required", name)
		}
		if other, ok := seen[chain.ChainID]; ok {
			return fmt.Errorf("chain %s: chain_id %d already used by %s", name, chain.ChainID, other)
		}
		seen[chain.ChainID] = name
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if _, err := internal.ParseBackoffKind(c.Retry.Backoff); err != nil {
		return fmt.Errorf("retry.backoff: %v", err)
	}
	if c.Gas.MinMaxFeePerGasGwei < 0 || c.Gas.MinPriorityFeePerGasGwei < 0 {
		return fmt.Errorf("gas minimums must not be negative")
	}
	return nil
}

// Endpoint returns the chain called name. The chain must have an RPC URL.
func (c *Config) Endpoint(name string) (txn.ChainEndpoint, error) {
	chain, ok := c.Chains[strings.ToLower(name)]
	if !ok {
		return txn.ChainEndpoint{}, fmt.Errorf("unsupported chain: %s (valid: %s)", name, strings.Join(c.ChainNames(), ", "))
	}
	if chain.RPCURL == "" {
		return txn.ChainEndpoint{}, fmt.Errorf("chain %s has no rpc_url (set %s)", name, envName("chains."+name+".rpc_url"))
	}
	return chain.endpoint(name), nil
}

// Endpoints returns every chain that has an RPC URL, ordered by name.
func (c *Config) Endpoints() []txn.ChainEndpoint {
	var endpoints []txn.ChainEndpoint
	for _, name := range c.ChainNames() {
		chain := c.Chains[name]
		if chain.RPCURL == "" {
			continue
		}
		endpoints = append(endpoints, chain.endpoint(name))
	}
	return endpoints
}

// ChainNames returns the configured chain names, sorted.
func (c *Config) ChainNames() []string {
	names := make([]string, 0, len(c.Chains))
	for name := range c.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c ChainConfig) endpoint(name string) txn.ChainEndpoint {
	return txn.ChainEndpoint{
		ChainID:     c.ChainID,
		RPCURL:      c.RPCURL,
		Name:        name,
		ExplorerURL: c.ExplorerURL,
		Legacy:      c.Legacy,
	}
}

// RegistryConfig returns the provider registry settings.
func (c *Config) RegistryConfig() clients.RegistryConfig {
	return clients.RegistryConfig{
		ConnectionTimeout: c.Provider.ConnectionTimeout,
		VerifyChainID:     c.Provider.VerifyChainID,
	}
}

// GasConfig returns the estimator settings with gwei values converted to wei.
func (c *Config) GasConfig() gas.Config {
	return gas.Config{
		MinMaxFeePerGas:         internal.GweiToWei(c.Gas.MinMaxFeePerGasGwei),
		MinMaxPriorityFeePerGas: internal.GweiToWei(c.Gas.MinPriorityFeePerGasGwei),
		DefaultGasLimit:         c.Gas.DefaultGasLimit,
		BaseFeeMultiplier:       c.Gas.BaseFeeMultiplier,
		GasLimitMultiplier:      c.Gas.GasLimitMultiplier,
	}
}

// WaiterConfig returns the confirmation waiter settings.
func (c *Config) WaiterConfig() confirm.Config {
	return confirm.Config{
		PollInterval:  c.Confirmation.PollInterval,
		Confirmations: c.Confirmation.BlockConfirmations,
	}
}

// Options returns the engine's default run options.
func (c *Config) Options() internal.Options {
	kind, _ := internal.ParseBackoffKind(c.Retry.Backoff)
	return internal.Options{
		MaxAttempts:         c.Retry.MaxAttempts,
		BaseDelay:           c.Retry.BaseDelay,
		MaxDelay:            c.Retry.MaxDelay,
		Backoff:             kind,
		Jitter:              c.Retry.Jitter,
		ConfirmationTimeout: c.Confirmation.Timeout,
		RecheckTimedOut:     c.Retry.RecheckTimedOut,
	}
}

func envName(key string) string {
	return strings.ToUpper(EnvPrefix + "_" + strings.NewReplacer("-", "_", ".", "_").Replace(key))
}
