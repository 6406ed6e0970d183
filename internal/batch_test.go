package internal

import (
	"context"
	"math/big"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
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

// countingRunner fails intents whose value is odd and tracks peak concurrency.
type countingRunner struct {
	inFlight int32
	peak     int32
}

func (r *countingRunner) RunTransaction(ctx context.Context, intent txn.Intent, opts *Options) (*txn.Receipt, error) {
	n := atomic.AddInt32(&r.inFlight, 1)
	defer atomic.AddInt32(&r.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&r.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&r.peak, peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	if intent.Value.Int64()%2 == 1 {
		return nil, txn.ErrTransactionReverted
	}
	return &txn.Receipt{Status: txn.StatusSuccess}, nil
}

func TestBatchRunner_RunAll(t *testing.T) {
	runner := &countingRunner{}
	batch := NewBatchRunner(zap.NewNop(), runner, 3)

	intents := make([]txn.Intent, 10)
	for i := range intents {
		intents[i] = txn.Intent{Value: big.NewInt(int64(i))}
	}

	results := batch.RunAll(context.Background(), intents, nil)
	require.Len(t, results, 10)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		if i%2 == 1 {
			assert.ErrorIs(t, r.Err, txn.ErrTransactionReverted)
		} else {
			assert.NoError(t, r.Err)
			assert.True(t, r.Receipt.Succeeded())
		}
	}

	succeeded, failed := Summarize(results)
	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 5, failed)
	assert.LessOrEqual(t, atomic.LoadInt32(&runner.peak), int32(3))
}

func senderOf(tx *types.Transaction) (common.Address, error) {
	return types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
}

// TestBatchRunner_SharedSigners runs intents for two signers through the real
// engine and checks each signer got a gapless nonce sequence.
func TestBatchRunner_SharedSigners(t *testing.T) {
	backend := testutil.NewFakeBackend()
	backend.MineOnSend = true

	engine := NewEngine(zap.NewNop(), Deps{
		Providers: &fakeProviders{backend: backend},
		Estimator: gas.NewEstimator(zap.NewNop(), gas.Config{}),
		Nonces:    nonce.NewSequencer(zap.NewNop()),
		Submitter: submitter.NewEVMSubmitter(zap.NewNop()),
		Waiter:    confirm.NewWaiter(zap.NewNop(), confirm.Config{PollInterval: 5 * time.Millisecond}),
	}, Options{ConfirmationTimeout: 5 * time.Second})

	signer1, err := clients.NewKeySigner(testutil.TestPrivateKeyHex)
	require.NoError(t, err)
	signer2, err := clients.NewKeySigner(testutil.TestPrivateKeyHex2)
	require.NoError(t, err)

	var intents []txn.Intent
	for i := 0; i < 12; i++ {
		var from txn.Signer = signer1
		if i%2 == 1 {
			from = signer2
		}
		intents = append(intents, txn.Intent{From: from, To: testutil.TestAddr1, Endpoint: testEndpoint})
	}

	results := NewBatchRunner(zap.NewNop(), engine, 4).RunAll(context.Background(), intents, nil)
	for _, r := range results {
		require.NoError(t, r.Err)
	}

	nonces := map[common.Address][]uint64{}
	for _, tx := range backend.Sent() {
		sender, err := senderOf(tx)
		require.NoError(t, err)
		nonces[sender] = append(nonces[sender], tx.Nonce())
	}
	require.Len(t, nonces, 2)
	for sender, got := range nonces {
		require.Len(t, got, 6)
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		for i, n := range got {
			assert.Equal(t, uint64(i), n, "sender %s", sender.Hex())
		}
	}
}

func TestBatchRunner_DefaultConcurrency(t *testing.T) {
	batch := NewBatchRunner(zap.NewNop(), &countingRunner{}, 0)
	assert.Equal(t, DefaultBatchConcurrency, batch.concurrency)
	assert.Empty(t, batch.RunAll(context.Background(), nil, nil))
}
