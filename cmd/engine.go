package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wormhole-demo/txengine/internal"
	"github.com/wormhole-demo/txengine/internal/clients"
	"github.com/wormhole-demo/txengine/internal/config"
	"github.com/wormhole-demo/txengine/internal/confirm"
	"github.com/wormhole-demo/txengine/internal/gas"
	"github.com/wormhole-demo/txengine/internal/nonce"
	"github.com/wormhole-demo/txengine/internal/submitter"
	"github.com/wormhole-demo/txengine/internal/telemetry"
	"github.com/wormhole-demo/txengine/internal/txn"
)

// engineRuntime owns everything a command needs to run transactions.
type engineRuntime struct {
	logger   *zap.Logger
	cfg      *config.Config
	registry *clients.Registry
	engine   *internal.Engine

	shutdownTracing telemetry.ShutdownFunc
	metricsServer   *http.Server
}

func newEngineRuntime(ctx context.Context, logger *zap.Logger) (*engineRuntime, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	shutdownTracing, err := telemetry.InitTracer(ctx, telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	}

	registry := clients.NewRegistry(logger, cfg.Endpoints(), cfg.RegistryConfig())
	engine := internal.NewEngine(logger, internal.Deps{
		Providers: registry,
		Estimator: gas.NewEstimator(logger, cfg.GasConfig()),
		Nonces:    nonce.NewSequencer(logger),
		Submitter: submitter.NewEVMSubmitter(logger),
		Waiter:    confirm.NewWaiter(logger, cfg.WaiterConfig()),
	}, cfg.Options())

	rt := &engineRuntime{
		logger:          logger,
		cfg:             cfg,
		registry:        registry,
		engine:          engine,
		shutdownTracing: shutdownTracing,
	}
	if cfg.Metrics.ListenAddr != "" {
		rt.serveMetrics(cfg.Metrics.ListenAddr)
	}
	return rt, nil
}

func (rt *engineRuntime) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	rt.metricsServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		rt.logger.Info("Serving metrics", zap.String("addr", addr))
		if err := rt.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()
}

// Close releases providers and flushes telemetry.
func (rt *engineRuntime) Close() {
	rt.registry.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rt.metricsServer != nil {
		_ = rt.metricsServer.Shutdown(ctx)
	}
	if err := rt.shutdownTracing(ctx); err != nil {
		rt.logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
	_ = rt.logger.Sync()
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()

	return ctx, cancel
}

// addRunFlags registers the per-run retry and gas flags shared by send and batch.
func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("chain", "sei-testnet", "Target chain name (see the chains command)")
	cmd.Flags().String("to", "", "Recipient address (required)")
	cmd.Flags().String("value", "0", "Amount to send, in ether")
	cmd.Flags().String("data", "", "Hex encoded call data, e.g. 0xa9059cbb...")

	cmd.Flags().Int("max-attempts", 0, "Attempts before giving up (defaults to retry.max_attempts)")
	cmd.Flags().Duration("base-delay", 0, "Base delay between attempts (defaults to retry.base_delay)")
	cmd.Flags().Duration("confirmation-timeout", 0, "Per-attempt confirmation wait (defaults to confirmation.timeout)")
	cmd.Flags().String("max-fee-gwei", "", "Fixed max fee per gas, in gwei")
	cmd.Flags().String("priority-fee-gwei", "", "Fixed max priority fee per gas, in gwei")
	cmd.Flags().Uint64("gas-limit", 0, "Fixed gas limit")
	cmd.Flags().Bool("simulate-gas", false, "Derive the gas limit from eth_estimateGas")

	cmd.MarkFlagRequired("to")
}

// runOptions layers explicitly set flags over the configured defaults.
func runOptions(cmd *cobra.Command, defaults internal.Options) (internal.Options, error) {
	opts := defaults
	flags := cmd.Flags()

	if flags.Changed("max-attempts") {
		opts.MaxAttempts, _ = flags.GetInt("max-attempts")
	}
	if flags.Changed("base-delay") {
		opts.BaseDelay, _ = flags.GetDuration("base-delay")
	}
	if flags.Changed("confirmation-timeout") {
		opts.ConfirmationTimeout, _ = flags.GetDuration("confirmation-timeout")
	}
	opts.SimulateGas, _ = flags.GetBool("simulate-gas")

	var overrides gas.Overrides
	var overridden bool
	if raw, _ := flags.GetString("max-fee-gwei"); raw != "" {
		wei, err := internal.ParseGwei(raw)
		if err != nil {
			return opts, fmt.Errorf("invalid --max-fee-gwei: %v", err)
		}
		overrides.MaxFeePerGas, overridden = wei, true
	}
	if raw, _ := flags.GetString("priority-fee-gwei"); raw != "" {
		wei, err := internal.ParseGwei(raw)
		if err != nil {
			return opts, fmt.Errorf("invalid --priority-fee-gwei: %v", err)
		}
		overrides.MaxPriorityFeePerGas, overridden = wei, true
	}
	if limit, _ := flags.GetUint64("gas-limit"); limit > 0 {
		overrides.GasLimit, overridden = limit, true
	}
	if overridden {
		opts.GasOverrides = &overrides
	}
	return opts, nil
}

// intentTemplate builds the signer-independent part of an intent from flags.
func intentTemplate(cmd *cobra.Command, cfg *config.Config) (txn.Intent, error) {
	chainName, _ := cmd.Flags().GetString("chain")
	endpoint, err := cfg.Endpoint(chainName)
	if err != nil {
		return txn.Intent{}, err
	}

	to, _ := cmd.Flags().GetString("to")
	if !common.IsHexAddress(to) {
		return txn.Intent{}, fmt.Errorf("invalid --to address: %q", to)
	}

	rawValue, _ := cmd.Flags().GetString("value")
	value, err := internal.ParseEther(rawValue)
	if err != nil {
		return txn.Intent{}, fmt.Errorf("invalid --value: %v", err)
	}

	var data []byte
	if rawData, _ := cmd.Flags().GetString("data"); rawData != "" {
		data, err = hexutil.Decode(rawData)
		if err != nil {
			return txn.Intent{}, fmt.Errorf("invalid --data: %v", err)
		}
	}

	return txn.Intent{
		To:       common.HexToAddress(to),
		Value:    value,
		Data:     data,
		Endpoint: endpoint,
	}, nil
}
