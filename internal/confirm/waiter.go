// Package confirm watches a broadcast transaction until it is mined.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/wormhole-demo/txengine/internal/txn"
)

const (
	DefaultTimeout       = 120 * time.Second
	DefaultPollInterval  = 2 * time.Second
	DefaultLookupTimeout = 15 * time.Second
)

var (
	promConfirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txengine_confirmations_total",
		Help: "The number of confirmation waits, by result (mined, late, reverted, timeout)",
	}, []string{"chainID", "result"})
	promConfirmationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "txengine_confirmation_latency_seconds",
		Help:    "Time from broadcast to a mined receipt",
		Buckets: prometheus.ExponentialBuckets(1, 2, 9), // 1s .. 256s
	}, []string{"chainID"})
)

// Backend is what the waiter needs from a node.
type Backend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config tunes receipt polling.
type Config struct {
	PollInterval time.Duration
	// Confirmations is the number of blocks, counting the inclusion block,
	// a successful receipt needs before it is reported. Zero means one.
	Confirmations uint64
	// LookupTimeout bounds the single receipt lookup made after the wait
	// has timed out.
	LookupTimeout time.Duration
}

// Waiter turns a pending transaction into a receipt.
type Waiter struct {
	cfg    Config
	logger *zap.Logger
	after  func(time.Duration) <-chan time.Time
}

// NewWaiter creates a waiter. Zero fields in cfg take their defaults.
func NewWaiter(logger *zap.Logger, cfg Config) *Waiter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	return &Waiter{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "ConfirmationWaiter")),
		after:  time.After,
	}
}

// Await waits up to timeout for pending to be mined.
//
// When the timer fires first the transaction is not assumed lost: one direct
// receipt lookup is made. A successful receipt is returned as a late
// confirmation, a failed one yields txn.ErrTransactionReverted, and no
// receipt, or one still short of the required confirmations, yields
// txn.ErrConfirmationTimeout since the transaction may still be mined later.
func (w *Waiter) Await(ctx context.Context, backend Backend, pending *txn.PendingTransaction, timeout time.Duration) (*txn.Receipt, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := w.logger.With(zap.String("txHash", pending.Hash.Hex()), zap.Uint64("nonce", pending.Nonce))
	chainID := chainLabel(pending)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mined := make(chan *types.Receipt, 1)
	go func() {
		if r := w.waitMined(waitCtx, backend, pending.Hash, logger); r != nil {
			mined <- r
		}
	}()

	select {
	case r := <-mined:
		return w.outcome(r, pending, chainID, "mined", logger)
	case <-w.after(timeout):
		cancel()
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s: %w", pending.Hash.Hex(), ctx.Err())
	}

	logger.Warn("Confirmation wait timed out, checking receipt directly",
		zap.Duration("timeout", timeout))

	lookupCtx, lookupCancel := context.WithTimeout(ctx, w.cfg.LookupTimeout)
	defer lookupCancel()

	r, err := backend.TransactionReceipt(lookupCtx, pending.Hash)
	switch {
	case err == nil && r != nil && !w.confirmed(lookupCtx, backend, r, logger):
		promConfirmations.WithLabelValues(chainID, "timeout").Inc()
		return nil, fmt.Errorf("%w: %s mined but short of %d confirmations after %s",
			txn.ErrConfirmationTimeout, pending.Hash.Hex(), w.cfg.Confirmations, timeout)
	case err == nil && r != nil:
		logger.Info("Receipt found after wait timeout")
		return w.outcome(r, pending, chainID, "late", logger)
	case err == nil || errors.Is(err, ethereum.NotFound):
		promConfirmations.WithLabelValues(chainID, "timeout").Inc()
		return nil, fmt.Errorf("%w: %s not mined after %s", txn.ErrConfirmationTimeout, pending.Hash.Hex(), timeout)
	default:
		promConfirmations.WithLabelValues(chainID, "timeout").Inc()
		return nil, fmt.Errorf("%w: %s not mined after %s (lookup failed: %v)", txn.ErrConfirmationTimeout, pending.Hash.Hex(), timeout, err)
	}
}

func (w *Waiter) outcome(r *types.Receipt, pending *txn.PendingTransaction, chainID, result string, logger *zap.Logger) (*txn.Receipt, error) {
	receipt := txn.FromGethReceipt(r)
	if !pending.SubmittedAt.IsZero() {
		promConfirmationLatency.WithLabelValues(chainID).Observe(time.Since(pending.SubmittedAt).Seconds())
	}
	if !receipt.Succeeded() {
		promConfirmations.WithLabelValues(chainID, "reverted").Inc()
		logger.Warn("Transaction reverted", zap.Uint64("blockNumber", receipt.BlockNumber))
		return receipt, fmt.Errorf("%w: %s in block %d", txn.ErrTransactionReverted, receipt.TxHash.Hex(), receipt.BlockNumber)
	}
	promConfirmations.WithLabelValues(chainID, result).Inc()
	logger.Info("Transaction confirmed",
		zap.Uint64("blockNumber", receipt.BlockNumber),
		zap.Uint64("gasUsed", receipt.GasUsed))
	return receipt, nil
}

// waitMined polls until a receipt exists with enough confirmations, or ctx
// is done. Lookup errors are treated as transient.
func (w *Waiter) waitMined(ctx context.Context, backend Backend, hash common.Hash, logger *zap.Logger) *types.Receipt {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		r, err := backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && r != nil:
			if w.confirmed(ctx, backend, r, logger) {
				return r
			}
		case err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil:
			logger.Debug("Receipt lookup failed, will retry", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Waiter) confirmed(ctx context.Context, backend Backend, r *types.Receipt, logger *zap.Logger) bool {
	if w.cfg.Confirmations <= 1 || r.Status != types.ReceiptStatusSuccessful || r.BlockNumber == nil {
		return true
	}
	head, err := backend.BlockNumber(ctx)
	if err != nil {
		return false
	}
	included := r.BlockNumber.Uint64()
	if head < included {
		return false
	}
	depth := head - included + 1
	if depth < w.cfg.Confirmations {
		logger.Debug("Waiting for confirmations",
			zap.Uint64("depth", depth),
			zap.Uint64("required", w.cfg.Confirmations))
		return false
	}
	return true
}

func chainLabel(pending *txn.PendingTransaction) string {
	if pending.Tx == nil || pending.Tx.ChainId() == nil {
		return "unknown"
	}
	return pending.Tx.ChainId().String()
}
