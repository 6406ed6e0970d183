package internal

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wormhole-demo/txengine/internal/clients"
	"github.com/wormhole-demo/txengine/internal/confirm"
	"github.com/wormhole-demo/txengine/internal/gas"
	"github.com/wormhole-demo/txengine/internal/nonce"
	"github.com/wormhole-demo/txengine/internal/submitter"
	"github.com/wormhole-demo/txengine/internal/testutil"
	"github.com/wormhole-demo/txengine/internal/txn"
)

var testEndpoint = txn.ChainEndpoint{ChainID: testutil.TestChainID, Name: "sei-testnet", RPCURL: "http://sei.invalid"}

// fakeProviders wraps one backend; errs scripts the result of each call.
type fakeProviders struct {
	mu      sync.Mutex
	backend *testutil.FakeBackend
	errs    []error
	calls   int
}

func (p *fakeProviders) AcquireEndpoint(ctx context.Context, endpoint txn.ChainEndpoint) (*clients.Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	p.calls++
	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	return &clients.Provider{Backend: p.backend, Endpoint: endpoint}, nil
}

// scriptedSubmitter fails call i with errs[i] when set and succeeds otherwise.
type scriptedSubmitter struct {
	mu       sync.Mutex
	errs     []error
	calls    int
	nonces   []uint64
	policies []gas.Policy
}

func (s *scriptedSubmitter) Submit(ctx context.Context, backend submitter.Backend, intent txn.Intent, policy gas.Policy, n uint64) (*txn.PendingTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	s.nonces = append(s.nonces, n)
	s.policies = append(s.policies, policy)
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	return &txn.PendingTransaction{
		Hash:        hashFor(s.calls),
		Nonce:       n,
		SubmittedAt: time.Now(),
	}, nil
}

func hashFor(call int) common.Hash {
	return common.BigToHash(big.NewInt(int64(1000 + call)))
}

// scriptedWaiter fails call i with errs[i] when set. onCall runs first.
type scriptedWaiter struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	onCall func(call int, pending *txn.PendingTransaction)
}

func (w *scriptedWaiter) Await(ctx context.Context, backend confirm.Backend, pending *txn.PendingTransaction, timeout time.Duration) (*txn.Receipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := w.calls
	w.calls++
	if w.onCall != nil {
		w.onCall(w.calls, pending)
	}
	if idx < len(w.errs) && w.errs[idx] != nil {
		return nil, w.errs[idx]
	}
	return &txn.Receipt{TxHash: pending.Hash, BlockNumber: 101, Status: txn.StatusSuccess, GasUsed: 21000}, nil
}

type harness struct {
	engine    *Engine
	backend   *testutil.FakeBackend
	providers *fakeProviders
	submitter *scriptedSubmitter
	waiter    *scriptedWaiter
	nonces    *nonce.Sequencer
	delays    []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend:   testutil.NewFakeBackend(),
		submitter: &scriptedSubmitter{},
		waiter:    &scriptedWaiter{},
		nonces:    nonce.NewSequencer(zap.NewNop()),
	}
	h.providers = &fakeProviders{backend: h.backend}
	h.engine = NewEngine(zap.NewNop(), Deps{
		Providers: h.providers,
		Estimator: gas.NewEstimator(zap.NewNop(), gas.Config{}),
		Nonces:    h.nonces,
		Submitter: h.submitter,
		Waiter:    h.waiter,
	}, Options{BaseDelay: time.Second, Jitter: false})
	h.engine.sleep = func(ctx context.Context, d time.Duration) error {
		h.delays = append(h.delays, d)
		return ctx.Err()
	}
	return h
}

func testIntent(t *testing.T) txn.Intent {
	t.Helper()
	signer, err := clients.NewKeySigner(testutil.TestPrivateKeyHex)
	require.NoError(t, err)
	return txn.Intent{
		From:     signer,
		To:       testutil.TestAddr1,
		Value:    big.NewInt(1),
		Endpoint: testEndpoint,
	}
}

func rejected(msg string) error {
	return errors.Join(txn.ErrBroadcastRejected, errors.New(msg))
}

func TestRun_RetriesBroadcastRejected(t *testing.T) {
	h := newHarness(t)
	h.submitter.errs = []error{rejected("intrinsic gas too low"), rejected("intrinsic gas too low")}

	receipt, err := h.engine.Run(context.Background(), testIntent(t), 5, time.Second)
	require.NoError(t, err)

	assert.Equal(t, 3, h.submitter.calls)
	assert.Equal(t, hashFor(3), receipt.TxHash)
	assert.Equal(t, 1, h.waiter.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.delays)

	// the unused nonce is handed back after each rejection
	assert.Equal(t, []uint64{0, 0, 0}, h.submitter.nonces)
}

func TestRun_RevertedIsFatal(t *testing.T) {
	h := newHarness(t)
	h.waiter.errs = []error{txn.ErrTransactionReverted}

	_, err := h.engine.Run(context.Background(), testIntent(t), 5, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, txn.ErrTransactionReverted)
	assert.NotErrorIs(t, err, txn.ErrRetryBudgetExhausted)
	assert.Equal(t, 1, h.submitter.calls)
	assert.Empty(t, h.delays)
}

func TestRun_InsufficientFundsIsFatal(t *testing.T) {
	h := newHarness(t)
	h.backend.Balance = big.NewInt(0)
	h.engine.deps.Submitter = submitter.NewEVMSubmitter(zap.NewNop())

	_, err := h.engine.Run(context.Background(), testIntent(t), 5, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, txn.ErrInsufficientFunds)
	assert.Equal(t, txn.KindInsufficientFunds, txn.KindOf(err))
	assert.Equal(t, 0, h.backend.Calls("SendTransaction"))
	assert.Equal(t, 1, h.backend.Calls("BalanceAt"))
	assert.Equal(t, 0, h.waiter.calls)
}

func TestRun_ExhaustsRetryBudget(t *testing.T) {
	h := newHarness(t)
	unreachable := errors.Join(txn.ErrUnreachableEndpoint, errors.New("dial tcp: connection refused"))
	h.providers.errs = []error{unreachable, unreachable, unreachable}

	_, err := h.engine.Run(context.Background(), testIntent(t), 3, time.Second)
	require.Error(t, err)

	var exhausted *txn.RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, txn.ErrRetryBudgetExhausted)
	assert.ErrorIs(t, err, txn.ErrUnreachableEndpoint)
	assert.Equal(t, txn.KindRetryBudgetExhausted, txn.KindOf(err))
	assert.Equal(t, 3, h.providers.calls)
	assert.Equal(t, 0, h.submitter.calls)
	assert.Len(t, h.delays, 2)
}

func TestRun_ConfirmationTimeoutUsesNewNonce(t *testing.T) {
	h := newHarness(t)
	h.waiter.errs = []error{txn.ErrConfirmationTimeout}

	receipt, err := h.engine.Run(context.Background(), testIntent(t), 5, time.Second)
	require.NoError(t, err)
	assert.Equal(t, hashFor(2), receipt.TxHash)
	assert.Equal(t, []uint64{0, 1}, h.submitter.nonces)
}

func TestRun_RecheckTimedOut(t *testing.T) {
	mineLater := func(h *harness, success bool) {
		h.waiter.errs = []error{txn.ErrConfirmationTimeout}
		h.waiter.onCall = func(call int, pending *txn.PendingTransaction) {
			if call == 1 {
				h.backend.SetReceipt(testutil.NewReceipt(pending.Hash, 102, success))
			}
		}
	}

	t.Run("mined while waiting to retry", func(t *testing.T) {
		h := newHarness(t)
		mineLater(h, true)

		receipt, err := h.engine.RunTransaction(context.Background(), testIntent(t), &Options{RecheckTimedOut: true})
		require.NoError(t, err)
		assert.Equal(t, hashFor(1), receipt.TxHash)
		assert.Equal(t, 1, h.submitter.calls)
	})

	t.Run("reverted while waiting to retry", func(t *testing.T) {
		h := newHarness(t)
		mineLater(h, false)

		_, err := h.engine.RunTransaction(context.Background(), testIntent(t), &Options{RecheckTimedOut: true})
		assert.ErrorIs(t, err, txn.ErrTransactionReverted)
		assert.Equal(t, 1, h.submitter.calls)
	})

	t.Run("disabled resubmits", func(t *testing.T) {
		h := newHarness(t)
		mineLater(h, true)

		receipt, err := h.engine.RunTransaction(context.Background(), testIntent(t), &Options{})
		require.NoError(t, err)
		assert.Equal(t, hashFor(2), receipt.TxHash)
		assert.Equal(t, 2, h.submitter.calls)
	})
}

func TestRun_NonceConflictResyncs(t *testing.T) {
	h := newHarness(t)
	h.backend.Nonce = 4
	h.submitter.errs = []error{errors.Join(txn.ErrBroadcastRejected, txn.ErrNonceConflict, errors.New("nonce too low"))}

	// another process used nonce 4 before our broadcast
	h.engine.sleep = func(ctx context.Context, d time.Duration) error {
		h.backend.Nonce = 5
		return nil
	}

	_, err := h.engine.Run(context.Background(), testIntent(t), 5, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5}, h.submitter.nonces)
	assert.Equal(t, 2, h.backend.Calls("NonceAt"))
}

func TestRun_GasPolicyPerAttempt(t *testing.T) {
	h := newHarness(t)
	h.submitter.errs = []error{rejected("underpriced")}

	var records []AttemptRecord
	_, err := h.engine.RunTransaction(context.Background(), testIntent(t), &Options{
		SimulateGas: true,
		OnAttempt:   func(r AttemptRecord) { records = append(records, r) },
	})
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, 1, records[0].Attempt)
	assert.Equal(t, txn.KindBroadcastRejected, records[0].Kind)
	assert.False(t, records[0].Broadcast())
	assert.Equal(t, "broadcast_rejected", records[0].Outcome())
	assert.True(t, records[1].Succeeded())
	assert.True(t, records[1].Broadcast())
	assert.Equal(t, records[0].OperationID, records[1].OperationID)
	assert.NotEmpty(t, records[0].OperationID)

	// each attempt asks the node again
	assert.Equal(t, 2, h.backend.Calls("SuggestGasTipCap"))
	assert.Equal(t, 2, h.backend.Calls("EstimateGas"))
	for _, p := range h.submitter.policies {
		assert.Equal(t, uint64(75_000), p.GasLimit)
	}
	assert.NotSame(t, h.submitter.policies[0].MaxFeePerGas, h.submitter.policies[1].MaxFeePerGas)
}

func TestRun_GasOverrides(t *testing.T) {
	h := newHarness(t)
	h.backend.TipCapErr = errors.New("method not found")

	_, err := h.engine.RunTransaction(context.Background(), testIntent(t), &Options{
		SimulateGas:  true,
		GasOverrides: &gas.Overrides{MaxFeePerGas: testutil.Gwei(9), GasLimit: 40_000},
	})
	require.NoError(t, err)

	require.Len(t, h.submitter.policies, 1)
	p := h.submitter.policies[0]
	assert.Equal(t, gas.SourceFallback, p.Source)
	assert.Equal(t, 0, testutil.Gwei(9).Cmp(p.MaxFeePerGas))
	assert.Equal(t, uint64(40_000), p.GasLimit)
	assert.Equal(t, 0, h.backend.Calls("EstimateGas"))
}

func TestRun_LegacyEndpoint(t *testing.T) {
	h := newHarness(t)
	intent := testIntent(t)
	intent.Endpoint.Legacy = true

	_, err := h.engine.RunTransaction(context.Background(), intent, nil)
	require.NoError(t, err)
	require.Len(t, h.submitter.policies, 1)
	assert.True(t, h.submitter.policies[0].Legacy)
	assert.Equal(t, 1, h.backend.Calls("SuggestGasPrice"))
}

func TestRun_ContextCancelledBetweenAttempts(t *testing.T) {
	h := newHarness(t)
	h.submitter.errs = []error{rejected("busy"), rejected("busy")}

	ctx, cancel := context.WithCancel(context.Background())
	h.engine.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := h.engine.Run(ctx, testIntent(t), 5, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, txn.ErrRetryBudgetExhausted)
	assert.Equal(t, 1, h.submitter.calls)
}

func TestRun_InvalidIntent(t *testing.T) {
	h := newHarness(t)
	intent := testIntent(t)
	intent.From = nil

	_, err := h.engine.Run(context.Background(), intent, 5, time.Second)
	assert.ErrorIs(t, err, txn.ErrInvalidIntent)
	assert.Equal(t, 0, h.providers.calls)
}

func TestRun_OptionsDefaults(t *testing.T) {
	h := newHarness(t)
	defaults := h.engine.Defaults()
	assert.Equal(t, DefaultMaxAttempts, defaults.MaxAttempts)
	assert.Equal(t, time.Second, defaults.BaseDelay)
	assert.Equal(t, DefaultConfirmationTimeout, defaults.ConfirmationTimeout)
	assert.Equal(t, BackoffExponential, defaults.Backoff)

	unreachable := errors.Join(txn.ErrUnreachableEndpoint, errors.New("down"))
	h.providers.errs = []error{unreachable, unreachable, unreachable, unreachable, unreachable, unreachable}

	_, err := h.engine.RunTransaction(context.Background(), testIntent(t), nil)
	var exhausted *txn.RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, DefaultMaxAttempts, exhausted.Attempts)
	assert.Equal(t, DefaultMaxAttempts, h.providers.calls)
}

// TestRunTransaction_EndToEnd wires the real registry, estimator, sequencer,
// submitter and waiter to an in-memory node.
func TestRunTransaction_EndToEnd(t *testing.T) {
	backend := testutil.NewFakeBackend()
	backend.MineOnSend = true
	backend.Nonce = 9

	registry := clients.NewRegistry(zap.NewNop(), []txn.ChainEndpoint{testEndpoint}, clients.RegistryConfig{
		VerifyChainID: true,
		Dialer: func(ctx context.Context, rpcURL string) (clients.Backend, error) {
			return backend, nil
		},
	})
	engine := NewEngine(zap.NewNop(), Deps{
		Providers: registry,
		Estimator: gas.NewEstimator(zap.NewNop(), gas.DefaultConfig()),
		Nonces:    nonce.NewSequencer(zap.NewNop()),
		Submitter: submitter.NewEVMSubmitter(zap.NewNop()),
		Waiter:    confirm.NewWaiter(zap.NewNop(), confirm.Config{PollInterval: 5 * time.Millisecond}),
	}, DefaultOptions())

	intent := testIntent(t)
	intent.Data = []byte{0x01}

	receipt, err := engine.RunTransaction(context.Background(), intent, &Options{ConfirmationTimeout: 5 * time.Second})
	require.NoError(t, err)
	assert.True(t, receipt.Succeeded())
	assert.Equal(t, uint64(101), receipt.BlockNumber)

	sent := backend.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, sent[0].Hash(), receipt.TxHash)
	assert.Equal(t, uint64(9), sent[0].Nonce())

	// the second run reuses the provider and continues the nonce sequence
	_, err = engine.RunTransaction(context.Background(), intent, &Options{ConfirmationTimeout: 5 * time.Second})
	require.NoError(t, err)
	sent = backend.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, uint64(10), sent[1].Nonce())
	assert.Equal(t, 1, backend.Calls("BlockNumber"))
	assert.Equal(t, 1, backend.Calls("NonceAt"))
}
