// Package txn holds the value types shared by every stage of a transaction's
// lifecycle: where it goes, what it carries, and how it ended.
package txn

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainEndpoint identifies one EVM network. It is defined at configuration
// time and never mutated afterwards.
type ChainEndpoint struct {
	ChainID     uint64 // Numeric chain identifier (EIP-155)
	RPCURL      string // JSON-RPC endpoint
	Name        string // Human label, e.g. "sei-testnet"
	ExplorerURL string // Optional block explorer base URL
	Legacy      bool   // Chain only accepts type-0 (gasPrice) transactions
}

// TxLink renders an explorer link for hash, or an empty string when the
// endpoint has no explorer configured.
func (e ChainEndpoint) TxLink(hash common.Hash) string {
	if e.ExplorerURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/tx/%s", strings.TrimSuffix(e.ExplorerURL, "/"), hash.Hex())
}

func (e ChainEndpoint) String() string {
	if e.Name == "" {
		return fmt.Sprintf("chain-%d", e.ChainID)
	}
	return fmt.Sprintf("%s(%d)", e.Name, e.ChainID)
}

// Signer is the opaque signing capability of a sender.
type Signer interface {
	// Address returns the account the signer signs for.
	Address() common.Address
	// SignTx returns a signed copy of tx for the given chain.
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Intent is the caller's declaration of work. Payload encoding happens
// elsewhere; Data is sent as-is.
type Intent struct {
	From     Signer
	To       common.Address
	Value    *big.Int
	Data     []byte
	Endpoint ChainEndpoint
}

// Validate checks the fields every stage relies on.
func (i Intent) Validate() error {
	if i.From == nil {
		return fmt.Errorf("%w: signer is required", ErrInvalidIntent)
	}
	if i.Endpoint.ChainID == 0 {
		return fmt.Errorf("%w: chain id is required", ErrInvalidIntent)
	}
	if i.Value != nil && i.Value.Sign() < 0 {
		return fmt.Errorf("%w: negative value %s", ErrInvalidIntent, i.Value)
	}
	return nil
}

// ValueOrZero returns the intent value, treating nil as zero.
func (i Intent) ValueOrZero() *big.Int {
	if i.Value == nil {
		return new(big.Int)
	}
	return i.Value
}

// PendingTransaction is a broadcast transaction awaiting inclusion.
type PendingTransaction struct {
	Hash        common.Hash
	Nonce       uint64
	SubmittedAt time.Time
	Tx          *types.Transaction
}

// ReceiptStatus is the execution outcome recorded on chain.
type ReceiptStatus uint8

const (
	StatusFailure ReceiptStatus = iota
	StatusSuccess
)

func (s ReceiptStatus) String() string {
	if s == StatusSuccess {
		return "success"
	}
	return "failure"
}

// Receipt is the chain's record of a mined transaction.
type Receipt struct {
	TxHash            common.Hash
	BlockNumber       uint64
	Status            ReceiptStatus
	GasUsed           uint64
	EffectiveGasPrice *big.Int
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == StatusSuccess
}

// FromGethReceipt converts a go-ethereum receipt.
func FromGethReceipt(r *types.Receipt) *Receipt {
	status := StatusFailure
	if r.Status == types.ReceiptStatusSuccessful {
		status = StatusSuccess
	}
	var blockNumber uint64
	if r.BlockNumber != nil {
		blockNumber = r.BlockNumber.Uint64()
	}
	return &Receipt{
		TxHash:            r.TxHash,
		BlockNumber:       blockNumber,
		Status:            status,
		GasUsed:           r.GasUsed,
		EffectiveGasPrice: r.EffectiveGasPrice,
	}
}
