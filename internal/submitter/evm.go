package submitter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/wormhole-demo/txengine/internal/gas"
	"github.com/wormhole-demo/txengine/internal/txn"
)

// DefaultSubmitTimeout bounds the balance check plus broadcast.
const DefaultSubmitTimeout = 60 * time.Second

var promBroadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "txengine_broadcasts_total",
	Help: "The number of transaction broadcasts, by result",
}, []string{"chainID", "result"})

// Node replies that mean the exact same signed transaction is already in the
// pool. The hash is still ours, so the broadcast counts as done.
var alreadyKnownMessages = []string{
	"already known",
	"known transaction",
	"already imported",
}

// Node replies that mean our nonce disagrees with the chain.
var nonceConflictMessages = []string{
	"nonce too low",
	"nonce too high",
	"replacement transaction underpriced",
	"invalid nonce",
}

// Backend is what the submitter needs from a node.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// EVMSubmitter handles submission of transactions to EVM-compatible chains
type EVMSubmitter struct {
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time
}

var _ TransactionSubmitter = (*EVMSubmitter)(nil)

// NewEVMSubmitter creates a new EVM submitter instance
func NewEVMSubmitter(logger *zap.Logger) *EVMSubmitter {
	return &EVMSubmitter{
		logger:  logger.With(zap.String("component", "EVMSubmitter")),
		timeout: DefaultSubmitTimeout,
		now:     time.Now,
	}
}

// Submit checks the signer can afford value plus the policy's worst-case gas
// cost, then signs and broadcasts exactly once.
func (s *EVMSubmitter) Submit(ctx context.Context, backend Backend, intent txn.Intent, policy gas.Policy, nonce uint64) (*txn.PendingTransaction, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	// Create a context with timeout for submission operations
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	from := intent.From.Address()
	chainID := new(big.Int).SetUint64(intent.Endpoint.ChainID)
	chainLabel := strconv.FormatUint(intent.Endpoint.ChainID, 10)
	logger := s.logger.With(
		zap.String("chain", intent.Endpoint.String()),
		zap.String("fromAddress", from.Hex()),
		zap.Uint64("nonce", nonce))

	balance, err := backend.BalanceAt(ctx, from, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balance query: %v", txn.ErrUnreachableEndpoint, err)
	}

	required := new(big.Int).Add(intent.ValueOrZero(), policy.MaxCost())
	if required.Cmp(balance) > 0 {
		promBroadcasts.WithLabelValues(chainLabel, "insufficient_funds").Inc()
		logger.Warn("Balance does not cover value plus gas",
			zap.String("balance", balance.String()),
			zap.String("required", required.String()))
		return nil, fmt.Errorf("%w: have %s, need %s", txn.ErrInsufficientFunds, balance, required)
	}

	tx := buildTx(intent, policy, nonce, chainID)
	signedTx, err := intent.From.SignTx(tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	logger.Debug("Broadcasting transaction",
		zap.String("txHash", signedTx.Hash().Hex()),
		zap.String("to", intent.To.Hex()),
		zap.String("value", intent.ValueOrZero().String()),
		zap.Int("dataLength", len(intent.Data)),
		policy.Field())

	if err := backend.SendTransaction(ctx, signedTx); err != nil {
		switch {
		case containsAny(err, alreadyKnownMessages):
			logger.Info("Node already has this transaction", zap.String("txHash", signedTx.Hash().Hex()))
		case containsAny(err, nonceConflictMessages):
			promBroadcasts.WithLabelValues(chainLabel, "nonce_conflict").Inc()
			return nil, errors.Join(txn.ErrBroadcastRejected, txn.ErrNonceConflict, err)
		default:
			promBroadcasts.WithLabelValues(chainLabel, "rejected").Inc()
			return nil, fmt.Errorf("%w: %v", txn.ErrBroadcastRejected, err)
		}
	}

	promBroadcasts.WithLabelValues(chainLabel, "ok").Inc()
	logger.Info("Transaction broadcast",
		zap.String("txHash", signedTx.Hash().Hex()),
		zap.String("explorer", intent.Endpoint.TxLink(signedTx.Hash())))

	return &txn.PendingTransaction{
		Hash:        signedTx.Hash(),
		Nonce:       nonce,
		SubmittedAt: s.now(),
		Tx:          signedTx,
	}, nil
}

func buildTx(intent txn.Intent, policy gas.Policy, nonce uint64, chainID *big.Int) *types.Transaction {
	to := intent.To
	if policy.Legacy {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: policy.MaxFeePerGas,
			Gas:      policy.GasLimit,
			To:       &to,
			Value:    intent.ValueOrZero(),
			Data:     intent.Data,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: policy.MaxPriorityFeePerGas,
		GasFeeCap: policy.MaxFeePerGas,
		Gas:       policy.GasLimit,
		To:        &to,
		Value:     intent.ValueOrZero(),
		Data:      intent.Data,
	})
}

func containsAny(err error, needles []string) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range needles {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
