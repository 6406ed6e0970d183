package internal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wormhole-demo/txengine/internal/clients"
	"github.com/wormhole-demo/txengine/internal/confirm"
	"github.com/wormhole-demo/txengine/internal/gas"
	"github.com/wormhole-demo/txengine/internal/nonce"
	"github.com/wormhole-demo/txengine/internal/submitter"
	"github.com/wormhole-demo/txengine/internal/telemetry"
	"github.com/wormhole-demo/txengine/internal/txn"
)

// ProviderSource hands out probed, cached providers.
type ProviderSource interface {
	AcquireEndpoint(ctx context.Context, endpoint txn.ChainEndpoint) (*clients.Provider, error)
}

type GasEstimator interface {
	Estimate(ctx context.Context, src gas.FeeSource, overrides *gas.Overrides) gas.Policy
	EstimateLegacy(ctx context.Context, src gas.FeeSource, overrides *gas.Overrides) gas.Policy
	SimulateGasLimit(ctx context.Context, src gas.FeeSource, msg ethereum.CallMsg) uint64
}

type NonceSequencer interface {
	Next(ctx context.Context, src nonce.Source, chainID uint64, address common.Address) (uint64, error)
	Release(chainID uint64, address common.Address, n uint64) bool
	Forget(chainID uint64, address common.Address)
}

type ConfirmationWaiter interface {
	Await(ctx context.Context, backend confirm.Backend, pending *txn.PendingTransaction, timeout time.Duration) (*txn.Receipt, error)
}

// Deps are the collaborators an Engine drives.
type Deps struct {
	Providers ProviderSource
	Estimator GasEstimator
	Nonces    NonceSequencer
	Submitter submitter.TransactionSubmitter
	Waiter    ConfirmationWaiter
}

// Engine runs transaction intents to a receipt, retrying transient failures
// with fresh gas and nonce on every attempt.
type Engine struct {
	deps     Deps
	defaults Options
	logger   *zap.Logger
	tracer   trace.Tracer

	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an engine. Zero fields in defaults take DefaultOptions.
func NewEngine(logger *zap.Logger, deps Deps, defaults Options) *Engine {
	return &Engine{
		deps:     deps,
		defaults: defaults.withDefaults(DefaultOptions()),
		logger:   logger.With(zap.String("component", "Engine")),
		tracer:   otel.Tracer("txengine/engine"),
		sleep:    sleepCtx,
	}
}

// Defaults returns the options used when RunTransaction is given nil.
func (e *Engine) Defaults() Options {
	return e.defaults
}

// Run is RunTransaction with only the retry budget and base delay set.
func (e *Engine) Run(ctx context.Context, intent txn.Intent, maxAttempts int, baseDelay time.Duration) (*txn.Receipt, error) {
	opts := e.defaults
	opts.MaxAttempts = maxAttempts
	opts.BaseDelay = baseDelay
	return e.RunTransaction(ctx, intent, &opts)
}

// operation is the state of one RunTransaction call.
type operation struct {
	id       string
	intent   txn.Intent
	opts     Options
	logger   *zap.Logger
	label    string
	timedOut []common.Hash
}

// RunTransaction drives intent until it has a successful receipt or fails.
//
// InsufficientFunds, TransactionReverted and invalid input end the run at
// once. UnreachableEndpoint, BroadcastRejected and ConfirmationTimeout are
// retried up to opts.MaxAttempts, after which a *txn.RetryExhaustedError
// wrapping the last failure is returned. Any other error, including context
// cancellation, is returned as is.
func (e *Engine) RunTransaction(ctx context.Context, intent txn.Intent, opts *Options) (*txn.Receipt, error) {
	o := e.defaults
	if opts != nil {
		o = opts.withDefaults(e.defaults)
	}
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	op := &operation{
		id:     uuid.NewString(),
		intent: intent,
		opts:   o,
		label:  strconv.FormatUint(intent.Endpoint.ChainID, 10),
	}
	op.logger = e.logger.With(
		zap.String("operationID", op.id),
		zap.String("chain", intent.Endpoint.String()),
		zap.String("fromAddress", intent.From.Address().Hex()),
		zap.String("to", intent.To.Hex()))

	ctx, span := e.tracer.Start(ctx, "RunTransaction", trace.WithAttributes(
		attribute.String("operation.id", op.id),
		attribute.Int64("chain.id", int64(intent.Endpoint.ChainID)),
		attribute.Int("max.attempts", o.MaxAttempts),
	))
	defer span.End()
	op.logger = op.logger.With(telemetry.TraceFields(ctx)...)

	start := time.Now()
	receipt, err := e.run(ctx, op)
	PromOperationDuration.WithLabelValues(op.label).Observe(time.Since(start).Seconds())

	if err != nil {
		kind := txn.KindOf(err)
		PromOperations.WithLabelValues(op.label, kind.String()).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		op.logger.Error("Transaction failed", zap.Stringer("kind", kind), zap.Error(err))
		return nil, err
	}

	PromOperations.WithLabelValues(op.label, "success").Inc()
	span.SetAttributes(attribute.String("tx.hash", receipt.TxHash.Hex()))
	op.logger.Info("Transaction succeeded",
		zap.String("txHash", receipt.TxHash.Hex()),
		zap.Uint64("blockNumber", receipt.BlockNumber),
		zap.Uint64("gasUsed", receipt.GasUsed),
		zap.String("explorer", intent.Endpoint.TxLink(receipt.TxHash)),
		zap.Duration("elapsed", time.Since(start)))
	return receipt, nil
}

func (e *Engine) run(ctx context.Context, op *operation) (*txn.Receipt, error) {
	retry := op.opts.RetryPolicy()
	var lastErr error

	for attempt := 1; attempt <= op.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := retry.Delay(attempt - 1)
			op.logger.Info("Retrying transaction",
				zap.Int("attempt", attempt),
				zap.Int("maxAttempts", op.opts.MaxAttempts),
				zap.Duration("delay", delay),
				zap.NamedError("lastError", lastErr))
			if err := e.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("cancelled before attempt %d: %w", attempt, err)
			}
		}

		receipt, record := e.attempt(ctx, op, attempt)
		PromAttempts.WithLabelValues(op.label, record.Outcome()).Inc()
		if op.opts.OnAttempt != nil {
			op.opts.OnAttempt(record)
		}

		if record.Err == nil {
			return receipt, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("cancelled during attempt %d: %w (last error: %v)", attempt, ctx.Err(), record.Err)
		}

		lastErr = record.Err
		if !record.Kind.Retryable() {
			return nil, record.Err
		}
		op.logger.Warn("Attempt failed",
			zap.Int("attempt", attempt),
			zap.Stringer("kind", record.Kind),
			zap.Error(record.Err))
	}

	return nil, &txn.RetryExhaustedError{Attempts: op.opts.MaxAttempts, Last: lastErr}
}

// attempt performs one acquire, estimate, reserve, submit and confirm pass.
func (e *Engine) attempt(ctx context.Context, op *operation, n int) (*txn.Receipt, AttemptRecord) {
	record := AttemptRecord{OperationID: op.id, Attempt: n}
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, "attempt", trace.WithAttributes(attribute.Int("attempt", n)))
	defer span.End()

	fail := func(err error) (*txn.Receipt, AttemptRecord) {
		record.Err = err
		record.Kind = txn.KindOf(err)
		record.Duration = time.Since(start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, record
	}

	intent := op.intent
	chainID := intent.Endpoint.ChainID
	from := intent.From.Address()
	logger := op.logger.With(zap.Int("attempt", n))

	provider, err := e.deps.Providers.AcquireEndpoint(ctx, intent.Endpoint)
	if err != nil {
		return fail(err)
	}

	if op.opts.RecheckTimedOut && len(op.timedOut) > 0 {
		receipt, err := e.recheckTimedOut(ctx, op, provider)
		if receipt != nil || err != nil {
			if err != nil {
				return fail(err)
			}
			record.TxHash = receipt.TxHash
			record.Duration = time.Since(start)
			return receipt, record
		}
	}

	policy := e.estimate(ctx, op, provider)
	record.Policy = policy
	PromGasPolicies.WithLabelValues(op.label, string(policy.Source)).Inc()

	nonceValue, err := e.deps.Nonces.Next(ctx, provider, chainID, from)
	if err != nil {
		return fail(err)
	}
	record.Nonce = nonceValue
	span.SetAttributes(attribute.Int64("tx.nonce", int64(nonceValue)))

	pending, err := e.deps.Submitter.Submit(ctx, provider, intent, policy, nonceValue)
	if err != nil {
		// A nonce that was not used and cannot be handed back would leave a
		// gap, so the pair is resynced from the chain instead.
		if errors.Is(err, txn.ErrNonceConflict) || !e.deps.Nonces.Release(chainID, from, nonceValue) {
			e.deps.Nonces.Forget(chainID, from)
		}
		return fail(err)
	}
	record.TxHash = pending.Hash
	span.SetAttributes(attribute.String("tx.hash", pending.Hash.Hex()))
	logger.Info("Awaiting confirmation",
		zap.String("txHash", pending.Hash.Hex()),
		zap.Uint64("nonce", nonceValue),
		zap.Duration("timeout", op.opts.ConfirmationTimeout))

	receipt, err := e.deps.Waiter.Await(ctx, provider, pending, op.opts.ConfirmationTimeout)
	if err != nil {
		if errors.Is(err, txn.ErrConfirmationTimeout) {
			op.timedOut = append(op.timedOut, pending.Hash)
		}
		return fail(err)
	}

	record.Duration = time.Since(start)
	return receipt, record
}

// estimate builds a fresh policy for the attempt. The provider's endpoint
// decides between legacy and dynamic fee pricing.
func (e *Engine) estimate(ctx context.Context, op *operation, provider *clients.Provider) gas.Policy {
	var policy gas.Policy
	if provider.Endpoint.Legacy {
		policy = e.deps.Estimator.EstimateLegacy(ctx, provider, op.opts.GasOverrides)
	} else {
		policy = e.deps.Estimator.Estimate(ctx, provider, op.opts.GasOverrides)
	}

	overridden := op.opts.GasOverrides != nil && op.opts.GasOverrides.GasLimit > 0
	if op.opts.SimulateGas && !overridden {
		to := op.intent.To
		msg := ethereum.CallMsg{
			From:  op.intent.From.Address(),
			To:    &to,
			Value: op.intent.ValueOrZero(),
			Data:  op.intent.Data,
		}
		policy = policy.WithGasLimit(e.deps.Estimator.SimulateGasLimit(ctx, provider, msg))
	}
	return policy
}

// recheckTimedOut looks for a receipt of any earlier timed-out broadcast. It
// returns the receipt of one that succeeded, or a TransactionReverted error
// for one that failed, or nothing when none has been mined.
func (e *Engine) recheckTimedOut(ctx context.Context, op *operation, provider *clients.Provider) (*txn.Receipt, error) {
	for _, hash := range op.timedOut {
		r, err := provider.TransactionReceipt(ctx, hash)
		if err != nil || r == nil {
			if err != nil && !errors.Is(err, ethereum.NotFound) {
				op.logger.Debug("Recheck lookup failed", zap.String("txHash", hash.Hex()), zap.Error(err))
			}
			continue
		}

		receipt := txn.FromGethReceipt(r)
		if !receipt.Succeeded() {
			PromTimedOutRechecks.WithLabelValues(op.label, "reverted").Inc()
			return nil, fmt.Errorf("%w: earlier attempt %s in block %d", txn.ErrTransactionReverted, hash.Hex(), receipt.BlockNumber)
		}
		PromTimedOutRechecks.WithLabelValues(op.label, "mined").Inc()
		op.logger.Info("Earlier timed-out transaction was mined, not resubmitting",
			zap.String("txHash", hash.Hex()),
			zap.Uint64("blockNumber", receipt.BlockNumber))
		return receipt, nil
	}
	PromTimedOutRechecks.WithLabelValues(op.label, "pending").Inc()
	return nil, nil
}
