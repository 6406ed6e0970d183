package cmd

import (
	"fmt"
	"math/big"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wormhole-demo/txengine/internal"
	"github.com/wormhole-demo/txengine/internal/clients"
	"github.com/wormhole-demo/txengine/internal/txn"
)

// sendCmd submits one transaction and waits for its receipt
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one transaction and wait for it to be mined",
	Long: `Builds, signs and broadcasts a single transaction on the chosen chain,
then waits for its receipt.

Unreachable RPCs, rejected broadcasts and confirmation timeouts are retried
with a fresh gas estimate and nonce. Insufficient funds and reverts fail at once.`,
	PreRun: func(cmd *cobra.Command, args []string) {
		printBanner()
		configureLogging(cmd, args)
	},
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)

	addRunFlags(sendCmd)
	sendCmd.Flags().String(
		"private-key",
		"",
		"Hex private key of the sender (or TXENGINE_PRIVATE_KEY)")

	viper.BindPFlag("private_key", sendCmd.Flags().Lookup("private-key"))
}

func runSend(cmd *cobra.Command, args []string) error {
	logger := zap.L()

	ctx, cancel := signalContext(logger)
	defer cancel()

	rt, err := newEngineRuntime(ctx, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	intent, err := intentTemplate(cmd, rt.cfg)
	if err != nil {
		return err
	}

	privateKey := viper.GetString("private_key")
	if privateKey == "" {
		return fmt.Errorf("private key is required to send transactions")
	}
	signer, err := clients.NewKeySigner(privateKey)
	if err != nil {
		return err
	}
	intent.From = signer

	opts, err := runOptions(cmd, rt.engine.Defaults())
	if err != nil {
		return err
	}
	opts.OnAttempt = func(r internal.AttemptRecord) {
		if !r.Succeeded() {
			logger.Warn("Attempt failed",
				zap.Int("attempt", r.Attempt),
				zap.String("outcome", r.Outcome()),
				zap.Error(r.Err))
		}
	}

	logger.Info("Sending transaction",
		zap.String("chain", intent.Endpoint.String()),
		zap.String("from", signer.Address().Hex()),
		zap.String("to", intent.To.Hex()),
		zap.String("valueEth", internal.FormatEther(intent.Value)),
		zap.Int("dataBytes", len(intent.Data)),
		zap.Int("maxAttempts", opts.MaxAttempts))

	receipt, err := rt.engine.RunTransaction(ctx, intent, &opts)
	if err != nil {
		return fmt.Errorf("transaction failed (%s): %w", txn.KindOf(err), err)
	}

	printReceipt(intent.Endpoint, receipt)
	return nil
}

func printReceipt(endpoint txn.ChainEndpoint, receipt *txn.Receipt) {
	fmt.Printf("status:       %s\n", receipt.Status)
	fmt.Printf("tx hash:      %s\n", receipt.TxHash.Hex())
	fmt.Printf("block:        %d\n", receipt.BlockNumber)
	fmt.Printf("gas used:     %d\n", receipt.GasUsed)
	if receipt.EffectiveGasPrice != nil {
		fee := new(big.Int).Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed))
		fmt.Printf("gas price:    %s gwei\n", internal.FormatGwei(receipt.EffectiveGasPrice))
		fmt.Printf("fee:          %s ether\n", internal.FormatEther(fee))
	}
	if link := endpoint.TxLink(receipt.TxHash); link != "" {
		fmt.Printf("explorer:     %s\n", link)
	}
}
