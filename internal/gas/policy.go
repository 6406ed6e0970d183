package gas

import (
	"fmt"
	"math/big"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wormhole-demo/txengine/internal/txn"
)

// Source records where a policy's fee values came from.
type Source string

const (
	SourceLive     Source = "live"
	SourceFallback Source = "fallback"
)

// Policy is the fee and gas limit used by one submission attempt. A fresh
// Policy is built for every attempt and is not modified afterwards.
type Policy struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasLimit             uint64
	// Legacy selects a type-0 transaction priced at MaxFeePerGas.
	Legacy bool
	Source Source
}

// Validate checks that every field is usable for a transaction.
func (p Policy) Validate() error {
	if p.MaxFeePerGas == nil || p.MaxFeePerGas.Sign() < 0 {
		return fmt.Errorf("%w: maxFeePerGas must be non-negative", txn.ErrInvalidPolicy)
	}
	if p.MaxPriorityFeePerGas == nil || p.MaxPriorityFeePerGas.Sign() < 0 {
		return fmt.Errorf("%w: maxPriorityFeePerGas must be non-negative", txn.ErrInvalidPolicy)
	}
	if p.GasLimit == 0 {
		return fmt.Errorf("%w: gas limit must be positive", txn.ErrInvalidPolicy)
	}
	if !p.Legacy && p.MaxPriorityFeePerGas.Cmp(p.MaxFeePerGas) > 0 {
		return fmt.Errorf("%w: maxPriorityFeePerGas %s exceeds maxFeePerGas %s",
			txn.ErrInvalidPolicy, p.MaxPriorityFeePerGas, p.MaxFeePerGas)
	}
	return nil
}

// MaxCost is the most the policy can spend on gas: MaxFeePerGas * GasLimit.
func (p Policy) MaxCost() *big.Int {
	return new(big.Int).Mul(p.MaxFeePerGas, new(big.Int).SetUint64(p.GasLimit))
}

// WithGasLimit returns a copy of p using limit.
func (p Policy) WithGasLimit(limit uint64) Policy {
	p.GasLimit = limit
	return p
}

// MarshalLogObject renders the policy as zap fields.
func (p Policy) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("maxFeePerGas", bigString(p.MaxFeePerGas))
	enc.AddString("maxPriorityFeePerGas", bigString(p.MaxPriorityFeePerGas))
	enc.AddUint64("gasLimit", p.GasLimit)
	enc.AddBool("legacy", p.Legacy)
	enc.AddString("source", string(p.Source))
	return nil
}

// Field is a convenience for logging a policy.
func (p Policy) Field() zap.Field {
	return zap.Object("gasPolicy", p)
}

// Overrides are caller-supplied values that take precedence over both live
// estimates and fallbacks. Nil or zero fields are not overridden.
type Overrides struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasLimit             uint64
}

func bigString(v *big.Int) string {
	if v == nil {
		return "<nil>"
	}
	return v.String()
}
