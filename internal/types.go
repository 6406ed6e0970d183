package internal

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wormhole-demo/txengine/internal/gas"
	"github.com/wormhole-demo/txengine/internal/txn"
)

const (
	DefaultMaxAttempts         = 5
	DefaultBaseDelay           = 5 * time.Second
	DefaultMaxDelay            = time.Minute
	DefaultConfirmationTimeout = 120 * time.Second
)

// Options configures one RunTransaction call. Zero numeric and duration
// fields take the engine defaults; booleans are used as given.
type Options struct {
	MaxAttempts         int           // Attempts before giving up, including the first
	BaseDelay           time.Duration // Delay unit between attempts
	MaxDelay            time.Duration // Cap on the backoff delay, before jitter
	Backoff             BackoffKind   // exponential or linear
	Jitter              bool          // Add a uniform [0, BaseDelay) delay
	ConfirmationTimeout time.Duration // Per-attempt confirmation wait
	GasOverrides        *gas.Overrides
	// SimulateGas derives the gas limit from eth_estimateGas instead of the
	// configured default.
	SimulateGas bool
	// RecheckTimedOut looks up the hashes of earlier timed-out attempts before
	// broadcasting a new transaction, and returns their outcome if they mined.
	RecheckTimedOut bool
	// OnAttempt is called after every attempt.
	OnAttempt func(AttemptRecord)
}

// DefaultOptions returns five attempts, exponential backoff from 5s capped
// at 1m with jitter, and a 120s confirmation timeout.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:         DefaultMaxAttempts,
		BaseDelay:           DefaultBaseDelay,
		MaxDelay:            DefaultMaxDelay,
		Backoff:             BackoffExponential,
		Jitter:              true,
		ConfirmationTimeout: DefaultConfirmationTimeout,
	}
}

func (o Options) withDefaults(d Options) Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.Backoff == "" {
		o.Backoff = d.Backoff
	}
	if o.ConfirmationTimeout <= 0 {
		o.ConfirmationTimeout = d.ConfirmationTimeout
	}
	return o
}

// RetryPolicy returns the backoff schedule described by o.
func (o Options) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		Kind:   o.Backoff,
		Base:   o.BaseDelay,
		Max:    o.MaxDelay,
		Jitter: o.Jitter,
	}
}

// AttemptRecord describes one pass through submit and confirm. It lives only
// in memory and is handed to Options.OnAttempt.
type AttemptRecord struct {
	OperationID string
	Attempt     int
	Policy      gas.Policy
	Nonce       uint64
	TxHash      common.Hash // zero if nothing was broadcast
	Kind        txn.Kind    // KindUnknown on success
	Err         error
	Duration    time.Duration
}

// Succeeded reports whether the attempt produced a successful receipt.
func (r AttemptRecord) Succeeded() bool {
	return r.Err == nil
}

// Broadcast reports whether the attempt reached the network.
func (r AttemptRecord) Broadcast() bool {
	return r.TxHash != (common.Hash{})
}

// Outcome is a short label for logs and metrics.
func (r AttemptRecord) Outcome() string {
	if r.Err == nil {
		return "success"
	}
	return r.Kind.String()
}
