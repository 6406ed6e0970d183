package testutil

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FakeBackend is an in-memory EVM node. Fields may be set before use; the
// exported error fields make the matching method fail. All methods are safe
// for concurrent use.
type FakeBackend struct {
	mu sync.Mutex

	ChainIDValue *big.Int
	Height       uint64
	BaseFee      *big.Int // nil produces a header without baseFeePerGas
	TipCap       *big.Int
	GasPrice     *big.Int
	GasEstimate  uint64
	Nonce        uint64
	Balance      *big.Int

	// MineOnSend stores a successful receipt for every accepted transaction.
	MineOnSend bool
	// ProbeDelay makes BlockNumber block this long, or until ctx is done.
	ProbeDelay time.Duration

	ChainIDErr     error
	BlockNumberErr error
	HeaderErr      error
	TipCapErr      error
	GasPriceErr    error
	EstimateErr    error
	NonceErr       error
	BalanceErr     error
	ReceiptErr     error

	// SendFunc, when set, decides the outcome of SendTransaction.
	SendFunc func(tx *types.Transaction) error

	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	calls    map[string]int
	closed   bool
}

// NewFakeBackend returns a healthy London-era node on TestChainID holding
// one ether for every account.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		ChainIDValue: new(big.Int).SetUint64(TestChainID),
		Height:       100,
		BaseFee:      OneGwei,
		TipCap:       TwoGwei,
		GasPrice:     TwoGwei,
		GasEstimate:  50_000,
		Balance:      new(big.Int).Set(OneEth),
	}
}

func (b *FakeBackend) record(method string) {
	if b.calls == nil {
		b.calls = make(map[string]int)
	}
	b.calls[method]++
}

// Calls returns how many times method was invoked.
func (b *FakeBackend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// Sent returns the transactions accepted or attempted by SendTransaction.
func (b *FakeBackend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.sent...)
}

// Closed reports whether Close was called.
func (b *FakeBackend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// SetReceipt makes hash resolvable through TransactionReceipt.
func (b *FakeBackend) SetReceipt(r *types.Receipt) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.receipts == nil {
		b.receipts = make(map[common.Hash]*types.Receipt)
	}
	b.receipts[r.TxHash] = r
}

// SetHeight moves the chain head.
func (b *FakeBackend) SetHeight(height uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Height = height
}

func (b *FakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("ChainID")
	if b.ChainIDErr != nil {
		return nil, b.ChainIDErr
	}
	return new(big.Int).Set(b.ChainIDValue), nil
}

func (b *FakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	b.record("BlockNumber")
	delay := b.ProbeDelay
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.BlockNumberErr != nil {
		return 0, b.BlockNumberErr
	}
	return b.Height, nil
}

func (b *FakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("HeaderByNumber")
	if b.HeaderErr != nil {
		return nil, b.HeaderErr
	}
	header := &types.Header{Number: new(big.Int).SetUint64(b.Height)}
	if b.BaseFee != nil {
		header.BaseFee = new(big.Int).Set(b.BaseFee)
	}
	return header, nil
}

func (b *FakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("SuggestGasPrice")
	if b.GasPriceErr != nil {
		return nil, b.GasPriceErr
	}
	return new(big.Int).Set(b.GasPrice), nil
}

func (b *FakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("SuggestGasTipCap")
	if b.TipCapErr != nil {
		return nil, b.TipCapErr
	}
	return new(big.Int).Set(b.TipCap), nil
}

func (b *FakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("EstimateGas")
	if b.EstimateErr != nil {
		return 0, b.EstimateErr
	}
	return b.GasEstimate, nil
}

func (b *FakeBackend) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("NonceAt")
	if b.NonceErr != nil {
		return 0, b.NonceErr
	}
	return b.Nonce, nil
}

func (b *FakeBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("BalanceAt")
	if b.BalanceErr != nil {
		return nil, b.BalanceErr
	}
	return new(big.Int).Set(b.Balance), nil
}

func (b *FakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	b.record("SendTransaction")
	b.sent = append(b.sent, tx)
	sendFunc := b.SendFunc
	b.mu.Unlock()

	if sendFunc != nil {
		if err := sendFunc(tx); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.MineOnSend {
		if b.receipts == nil {
			b.receipts = make(map[common.Hash]*types.Receipt)
		}
		b.receipts[tx.Hash()] = NewReceipt(tx.Hash(), b.Height+1, true)
	}
	return nil
}

func (b *FakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("TransactionReceipt")
	if b.ReceiptErr != nil {
		return nil, b.ReceiptErr
	}
	r, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *FakeBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
