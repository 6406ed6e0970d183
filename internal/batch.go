package internal

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wormhole-demo/txengine/internal/txn"
)

// DefaultBatchConcurrency caps how many intents a BatchRunner runs at once.
const DefaultBatchConcurrency = 8

// Runner runs a single intent to completion. *Engine implements it.
type Runner interface {
	RunTransaction(ctx context.Context, intent txn.Intent, opts *Options) (*txn.Receipt, error)
}

var _ Runner = (*Engine)(nil)

// BatchResult is the outcome of one intent in a batch.
type BatchResult struct {
	Index   int
	Intent  txn.Intent
	Receipt *txn.Receipt
	Err     error
}

// BatchRunner runs many independent intents concurrently, possibly from many
// signers. Intents that share a signer still receive sequential nonces.
type BatchRunner struct {
	runner      Runner
	concurrency int
	logger      *zap.Logger
}

// NewBatchRunner creates a batch runner. A concurrency below one uses
// DefaultBatchConcurrency.
func NewBatchRunner(logger *zap.Logger, runner Runner, concurrency int) *BatchRunner {
	if concurrency < 1 {
		concurrency = DefaultBatchConcurrency
	}
	return &BatchRunner{
		runner:      runner,
		concurrency: concurrency,
		logger:      logger.With(zap.String("component", "BatchRunner")),
	}
}

// RunAll runs every intent and returns one result per intent, in input order.
// A failing intent does not stop the others.
func (b *BatchRunner) RunAll(ctx context.Context, intents []txn.Intent, opts *Options) []BatchResult {
	results := make([]BatchResult, len(intents))
	start := time.Now()

	b.logger.Info("Starting batch",
		zap.Int("intents", len(intents)),
		zap.Int("concurrency", b.concurrency))

	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for i, intent := range intents {
		i, intent := i, intent
		g.Go(func() error {
			receipt, err := b.runner.RunTransaction(ctx, intent, opts)
			results[i] = BatchResult{Index: i, Intent: intent, Receipt: receipt, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	succeeded, failed := Summarize(results)
	b.logger.Info("Batch complete",
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)))
	return results
}

// Summarize counts successes and failures.
func Summarize(results []BatchResult) (succeeded, failed int) {
	for _, r := range results {
		if r.Err == nil {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}
