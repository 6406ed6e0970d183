package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wormhole-demo/txengine/internal"
	"github.com/wormhole-demo/txengine/internal/clients"
	"github.com/wormhole-demo/txengine/internal/txn"
)

// batchCmd fires many transactions from a pool of signers in parallel
var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Send many transactions concurrently from a pool of wallets",
	Long: `Sends --count transactions, assigning senders round-robin from the
configured private keys, with at most --concurrency in flight.

Keys come from --private-keys or the PRIVATE_KEYS environment variable,
separated by commas or newlines. Only 0x-prefixed 32-byte hex keys are used.`,
	PreRun: func(cmd *cobra.Command, args []string) {
		printBanner()
		configureLogging(cmd, args)
	},
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)

	addRunFlags(batchCmd)
	batchCmd.Flags().String(
		"private-keys",
		"",
		"Comma or newline separated sender keys (or PRIVATE_KEYS)")

	batchCmd.Flags().Int(
		"count",
		0,
		"Number of transactions to send (defaults to one per key)")

	batchCmd.Flags().Int(
		"concurrency",
		internal.DefaultBatchConcurrency,
		"Maximum transactions in flight")

	viper.BindPFlag("private_keys", batchCmd.Flags().Lookup("private-keys"))
	viper.BindEnv("private_keys", "PRIVATE_KEYS")
}

func runBatch(cmd *cobra.Command, args []string) error {
	logger := zap.L()

	ctx, cancel := signalContext(logger)
	defer cancel()

	rt, err := newEngineRuntime(ctx, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	template, err := intentTemplate(cmd, rt.cfg)
	if err != nil {
		return err
	}

	keys := clients.ParsePrivateKeys(viper.GetString("private_keys"))
	if len(keys) == 0 {
		return fmt.Errorf("no valid private keys found")
	}
	signers := make([]txn.Signer, 0, len(keys))
	for _, key := range keys {
		signer, err := clients.NewKeySigner(key)
		if err != nil {
			return err
		}
		signers = append(signers, signer)
	}

	count, _ := cmd.Flags().GetInt("count")
	if count <= 0 {
		count = len(signers)
	}
	intents := make([]txn.Intent, count)
	for i := range intents {
		intents[i] = template
		intents[i].From = signers[i%len(signers)]
	}

	opts, err := runOptions(cmd, rt.engine.Defaults())
	if err != nil {
		return err
	}

	concurrency, _ := cmd.Flags().GetInt("concurrency")
	logger.Info("Loaded wallets",
		zap.Int("wallets", len(signers)),
		zap.Int("transactions", count),
		zap.String("chain", template.Endpoint.String()))

	results := internal.NewBatchRunner(logger, rt.engine, concurrency).RunAll(ctx, intents, &opts)
	for _, r := range results {
		from := r.Intent.From.Address().Hex()
		if r.Err != nil {
			fmt.Printf("#%-4d %s  FAILED (%s): %v\n", r.Index, from, txn.KindOf(r.Err), r.Err)
			continue
		}
		fmt.Printf("#%-4d %s  %s  block %d\n", r.Index, from, r.Receipt.TxHash.Hex(), r.Receipt.BlockNumber)
	}

	succeeded, failed := internal.Summarize(results)
	fmt.Printf("\n%d succeeded, %d failed\n", succeeded, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d transactions failed", failed, len(results))
	}
	return nil
}
