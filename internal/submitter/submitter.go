package submitter

import (
	"context"

	"github.com/wormhole-demo/txengine/internal/gas"
	"github.com/wormhole-demo/txengine/internal/txn"
)

type TransactionSubmitter interface {
	// Submit builds, signs and broadcasts intent with the given fee policy and
	// nonce. It returns the pending transaction or an error wrapping
	// txn.ErrInsufficientFunds, txn.ErrBroadcastRejected or
	// txn.ErrUnreachableEndpoint.
	Submit(ctx context.Context, backend Backend, intent txn.Intent, policy gas.Policy, nonce uint64) (*txn.PendingTransaction, error)
}
