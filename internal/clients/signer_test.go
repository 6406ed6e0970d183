package clients

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wormhole-demo/txengine/internal/testutil"
)

func TestNewKeySigner(t *testing.T) {
	withPrefix, err := NewKeySigner(testutil.TestPrivateKeyHex)
	require.NoError(t, err)
	assert.Equal(t, testutil.TestKeyAddress, withPrefix.Address())

	withoutPrefix, err := NewKeySigner(testutil.TestPrivateKeyHex[2:])
	require.NoError(t, err)
	assert.Equal(t, withPrefix.Address(), withoutPrefix.Address())

	_, err = NewKeySigner("0xnothex")
	assert.ErrorContains(t, err, "invalid private key")
}

func TestKeySignerSignTx(t *testing.T) {
	signer, err := NewKeySigner(testutil.TestPrivateKeyHex)
	require.NoError(t, err)

	chainID := big.NewInt(int64(testutil.TestChainID))
	to := testutil.TestAddr1
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     7,
		GasTipCap: testutil.OneGwei,
		GasFeeCap: testutil.TwoGwei,
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(1),
	})

	signed, err := signer.SignTx(tx, chainID)
	require.NoError(t, err)

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), sender)
	assert.Equal(t, uint64(7), signed.Nonce())
}

func TestParsePrivateKeys(t *testing.T) {
	raw := testutil.TestPrivateKeyHex + "\n" +
		"not-a-key\n" +
		"\r\n" +
		"0x1234\n" +
		"  " + testutil.TestPrivateKeyHex2 + "  ,"

	keys := ParsePrivateKeys(raw)
	assert.Equal(t, []string{testutil.TestPrivateKeyHex, testutil.TestPrivateKeyHex2}, keys)
	assert.Empty(t, ParsePrivateKeys(""))
}
