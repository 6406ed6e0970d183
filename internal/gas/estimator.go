// Package gas derives the fee policy for each submission attempt.
//
// Estimation never fails: a node that cannot answer the fee queries yields a
// policy built from the configured minimums, and caller overrides always win.
package gas

import (
	"context"
	"errors"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

var errNoBaseFee = errors.New("latest header has no baseFeePerGas")

// FeeSource is the part of a node the estimator talks to.
type FeeSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// Config holds the static fallback values.
type Config struct {
	MinMaxFeePerGas         *big.Int
	MinMaxPriorityFeePerGas *big.Int
	DefaultGasLimit         uint64
	// BaseFeeMultiplier pads the base fee so the fee cap survives a few
	// full blocks.
	BaseFeeMultiplier int64
	// GasLimitMultiplier is applied to a simulated gas estimate.
	GasLimitMultiplier float64
}

// DefaultConfig returns 1.2 gwei max fee, 1.1 gwei tip, a 300000 gas limit,
// a 2x base fee pad and a 1.5x simulation pad.
func DefaultConfig() Config {
	return Config{
		MinMaxFeePerGas:         big.NewInt(1_200_000_000),
		MinMaxPriorityFeePerGas: big.NewInt(1_100_000_000),
		DefaultGasLimit:         300_000,
		BaseFeeMultiplier:       2,
		GasLimitMultiplier:      1.5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinMaxFeePerGas == nil {
		c.MinMaxFeePerGas = d.MinMaxFeePerGas
	}
	if c.MinMaxPriorityFeePerGas == nil {
		c.MinMaxPriorityFeePerGas = d.MinMaxPriorityFeePerGas
	}
	if c.DefaultGasLimit == 0 {
		c.DefaultGasLimit = d.DefaultGasLimit
	}
	if c.BaseFeeMultiplier <= 0 {
		c.BaseFeeMultiplier = d.BaseFeeMultiplier
	}
	if c.GasLimitMultiplier <= 0 {
		c.GasLimitMultiplier = d.GasLimitMultiplier
	}
	return c
}

// Estimator builds Policies from live node data.
type Estimator struct {
	cfg    Config
	logger *zap.Logger
}

// NewEstimator creates an estimator. Zero fields in cfg take their defaults.
func NewEstimator(logger *zap.Logger, cfg Config) *Estimator {
	return &Estimator{
		cfg:    cfg.withDefaults(),
		logger: logger.With(zap.String("component", "GasEstimator")),
	}
}

// Estimate returns an EIP-1559 policy. The tip is the node's suggestion and
// the fee cap is baseFee*multiplier+tip, each raised to its configured minimum.
func (e *Estimator) Estimate(ctx context.Context, src FeeSource, overrides *Overrides) Policy {
	policy := Policy{GasLimit: e.cfg.DefaultGasLimit, Source: SourceLive}

	tip, maxFee, err := e.liveFees(ctx, src)
	if err != nil {
		e.logger.Warn("Fee query failed, using configured minimums", zap.Error(err))
		policy.Source = SourceFallback
		tip = new(big.Int).Set(e.cfg.MinMaxPriorityFeePerGas)
		maxFee = new(big.Int).Set(e.cfg.MinMaxFeePerGas)
	}
	policy.MaxPriorityFeePerGas = tip
	policy.MaxFeePerGas = maxFee

	// The configured minimums can put the tip above the fee cap.
	if policy.MaxPriorityFeePerGas.Cmp(policy.MaxFeePerGas) > 0 {
		policy.MaxFeePerGas = new(big.Int).Set(policy.MaxPriorityFeePerGas)
	}

	policy = applyOverrides(policy, overrides)
	e.logger.Debug("Gas fees calculated", policy.Field())
	return policy
}

func (e *Estimator) liveFees(ctx context.Context, src FeeSource) (*big.Int, *big.Int, error) {
	tip, err := src.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}
	header, err := src.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	if header == nil || header.BaseFee == nil {
		return nil, nil, errNoBaseFee
	}
	if tip == nil {
		return nil, nil, errors.New("empty tip suggestion")
	}

	tip = maxBig(tip, e.cfg.MinMaxPriorityFeePerGas)
	maxFee := new(big.Int).Mul(header.BaseFee, big.NewInt(e.cfg.BaseFeeMultiplier))
	maxFee.Add(maxFee, tip)
	maxFee = maxBig(maxFee, e.cfg.MinMaxFeePerGas)

	e.logger.Debug("Live fee data",
		zap.String("baseFee", header.BaseFee.String()),
		zap.String("suggestedTip", tip.String()))
	return tip, maxFee, nil
}

// EstimateLegacy returns a type-0 policy priced at eth_gasPrice, or at the
// configured minimum fee when that query fails.
func (e *Estimator) EstimateLegacy(ctx context.Context, src FeeSource, overrides *Overrides) Policy {
	policy := Policy{GasLimit: e.cfg.DefaultGasLimit, Legacy: true, Source: SourceLive}

	price, err := src.SuggestGasPrice(ctx)
	if err != nil || price == nil {
		e.logger.Warn("Gas price query failed, using configured minimum", zap.Error(err))
		policy.Source = SourceFallback
		price = e.cfg.MinMaxFeePerGas
	}
	price = maxBig(price, e.cfg.MinMaxFeePerGas)
	policy.MaxFeePerGas = price
	policy.MaxPriorityFeePerGas = new(big.Int).Set(price)

	policy = applyOverrides(policy, overrides)
	if policy.Legacy && overrides != nil && overrides.MaxFeePerGas != nil {
		policy.MaxPriorityFeePerGas = new(big.Int).Set(policy.MaxFeePerGas)
	}
	e.logger.Debug("Legacy gas price calculated", policy.Field())
	return policy
}

// SimulateGasLimit asks the node for the gas msg needs and pads it by the
// configured multiplier. Any failure returns the default gas limit.
func (e *Estimator) SimulateGasLimit(ctx context.Context, src FeeSource, msg ethereum.CallMsg) uint64 {
	estimate, err := src.EstimateGas(ctx, msg)
	if err != nil || estimate == 0 {
		e.logger.Warn("Gas estimation failed, using default limit",
			zap.Uint64("gasLimit", e.cfg.DefaultGasLimit), zap.Error(err))
		return e.cfg.DefaultGasLimit
	}
	padded := uint64(math.Ceil(float64(estimate) * e.cfg.GasLimitMultiplier))
	e.logger.Debug("Simulated gas limit",
		zap.Uint64("estimate", estimate), zap.Uint64("gasLimit", padded))
	return padded
}

func applyOverrides(p Policy, o *Overrides) Policy {
	if o == nil {
		return p
	}
	if o.MaxPriorityFeePerGas != nil {
		p.MaxPriorityFeePerGas = new(big.Int).Set(o.MaxPriorityFeePerGas)
	}
	if o.MaxFeePerGas != nil {
		p.MaxFeePerGas = new(big.Int).Set(o.MaxFeePerGas)
		// A fee cap below the estimated tip pulls the tip down with it.
		if !p.Legacy && o.MaxPriorityFeePerGas == nil && p.MaxPriorityFeePerGas.Cmp(p.MaxFeePerGas) > 0 {
			p.MaxPriorityFeePerGas = new(big.Int).Set(p.MaxFeePerGas)
		}
	} else if !p.Legacy && p.MaxPriorityFeePerGas.Cmp(p.MaxFeePerGas) > 0 {
		p.MaxFeePerGas = new(big.Int).Set(p.MaxPriorityFeePerGas)
	}
	if o.GasLimit > 0 {
		p.GasLimit = o.GasLimit
	}
	return p
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) < 0 {
		return new(big.Int).Set(b)
	}
	return new(big.Int).Set(a)
}
