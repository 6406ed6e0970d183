// Package nonce hands out per-sender transaction sequence numbers.
//
// The counter lives in process memory. It is not safe across restarts or when
// several processes share a signer: the first Next for a (chain, address)
// pair trusts the chain's confirmed transaction count, and every later call
// assumes the caller broadcasts each issued nonce exactly once.
package nonce

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/wormhole-demo/txengine/internal/txn"
)

// Source reports the number of transactions an account has confirmed.
type Source interface {
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

type key struct {
	chainID uint64
	address common.Address
}

// entry is guarded by its own lock so that wallets never wait on each other.
type entry struct {
	mu     sync.Mutex
	synced bool
	next   uint64
}

// Sequencer tracks the next nonce for every (chain, address) pair it has seen.
type Sequencer struct {
	logger *zap.Logger

	mu      sync.Mutex
	entries map[key]*entry
}

// NewSequencer creates an empty sequencer.
func NewSequencer(logger *zap.Logger) *Sequencer {
	return &Sequencer{
		logger:  logger.With(zap.String("component", "NonceSequencer")),
		entries: make(map[key]*entry),
	}
}

func (s *Sequencer) entry(chainID uint64, address common.Address) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{chainID: chainID, address: address}
	e, ok := s.entries[k]
	if !ok {
		e = &entry{}
		s.entries[k] = e
	}
	return e
}

// Next reserves and returns the next nonce for address on chainID. The chain
// is queried only while the pair is unsynced; concurrent callers for the same
// pair are serialized so the values they receive are contiguous.
func (s *Sequencer) Next(ctx context.Context, src Source, chainID uint64, address common.Address) (uint64, error) {
	e := s.entry(chainID, address)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.synced {
		confirmed, err := src.NonceAt(ctx, address, nil)
		if err != nil {
			return 0, fmt.Errorf("%w: nonce query for %s: %v", txn.ErrUnreachableEndpoint, address.Hex(), err)
		}
		e.next = confirmed
		e.synced = true
		s.logger.Debug("Synced nonce from chain",
			zap.Uint64("chainID", chainID),
			zap.String("address", address.Hex()),
			zap.Uint64("nonce", confirmed))
	}

	nonce := e.next
	e.next++
	return nonce, nil
}

// Release returns an unused nonce to the pool. Only the most recently issued
// nonce can be released; anything else would open a gap, so it reports false
// and leaves the counter alone.
func (s *Sequencer) Release(chainID uint64, address common.Address, nonce uint64) bool {
	e := s.entry(chainID, address)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.synced || e.next != nonce+1 {
		s.logger.Debug("Release skipped: not the tip nonce",
			zap.Uint64("chainID", chainID),
			zap.String("address", address.Hex()),
			zap.Uint64("nonce", nonce),
			zap.Uint64("next", e.next))
		return false
	}
	e.next = nonce
	return true
}

// Forget marks the pair unsynced so the next call re-reads the chain. It is
// used after the node rejects a nonce we issued.
func (s *Sequencer) Forget(chainID uint64, address common.Address) {
	e := s.entry(chainID, address)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.synced = false
	s.logger.Info("Nonce tracking reset",
		zap.Uint64("chainID", chainID),
		zap.String("address", address.Hex()))
}

// Peek returns the nonce the next call would issue, if the pair is synced.
func (s *Sequencer) Peek(chainID uint64, address common.Address) (uint64, bool) {
	e := s.entry(chainID, address)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.next, e.synced
}
