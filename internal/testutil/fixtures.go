// Package testutil provides fixtures and a scriptable fake EVM node shared by
// the engine's tests. It is only imported from _test.go files and must not
// depend on the packages it helps test.
package testutil

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// TestAddr1 is a common "to" address
	TestAddr1 = common.HexToAddress("0x1111111111111111111111111111111111111111")
	// TestAddr2 is an additional test address
	TestAddr2 = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

var (
	// TestPrivateKeyHex is a throwaway key, never funded anywhere
	TestPrivateKeyHex = "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	// TestPrivateKeyHex2 is a second throwaway key
	TestPrivateKeyHex2 = "0xfedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210"

	testKey1, _ = crypto.HexToECDSA(TestPrivateKeyHex[2:])
	// TestKeyAddress is the address derived from TestPrivateKeyHex
	TestKeyAddress = crypto.PubkeyToAddress(testKey1.PublicKey)
)

var (
	// OneEth is 1 ether in wei
	OneEth = big.NewInt(1_000_000_000_000_000_000)
	// OneGwei is 1 gwei in wei
	OneGwei = big.NewInt(1_000_000_000)
	// TwoGwei is 2 gwei in wei
	TwoGwei = big.NewInt(2_000_000_000)
)

// TestChainID is the chain id served by NewFakeBackend.
const TestChainID uint64 = 1328

// Gwei returns n gwei in wei.
func Gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), OneGwei)
}

// NewReceipt builds a mined receipt for hash.
func NewReceipt(hash common.Hash, block uint64, success bool) *types.Receipt {
	status := types.ReceiptStatusFailed
	if success {
		status = types.ReceiptStatusSuccessful
	}
	return &types.Receipt{
		TxHash:            hash,
		Status:            status,
		BlockNumber:       new(big.Int).SetUint64(block),
		GasUsed:           21000,
		EffectiveGasPrice: TwoGwei,
	}
}
