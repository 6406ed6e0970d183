package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// chainsCmd checks every configured chain
var chainsCmd = &cobra.Command{
	Use:   "chains",
	Short: "List configured chains and probe their RPC endpoints",
	PreRun: func(cmd *cobra.Command, args []string) {
		configureLogging(cmd, args)
	},
	RunE: runChains,
}

func init() {
	rootCmd.AddCommand(chainsCmd)
}

type chainStatus struct {
	name    string
	chainID uint64
	rpcURL  string
	height  uint64
	latency time.Duration
	err     error
}

func runChains(cmd *cobra.Command, args []string) error {
	logger := zap.L()

	ctx, cancel := signalContext(logger)
	defer cancel()

	rt, err := newEngineRuntime(ctx, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	names := rt.cfg.ChainNames()
	statuses := make([]chainStatus, len(names))

	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			statuses[i] = probeChain(ctx, rt, name)
			return nil
		})
	}
	_ = g.Wait()

	for _, s := range statuses {
		switch {
		case s.err != nil:
			fmt.Printf("%-16s %-10d %-45s error: %v\n", s.name, s.chainID, s.rpcURL, s.err)
		default:
			fmt.Printf("%-16s %-10d %-45s height %d (%s)\n", s.name, s.chainID, s.rpcURL, s.height, s.latency.Round(time.Millisecond))
		}
	}
	return nil
}

func probeChain(ctx context.Context, rt *engineRuntime, name string) chainStatus {
	chain := rt.cfg.Chains[name]
	status := chainStatus{name: name, chainID: chain.ChainID, rpcURL: chain.RPCURL}

	endpoint, err := rt.cfg.Endpoint(name)
	if err != nil {
		status.err = err
		return status
	}

	start := time.Now()
	provider, err := rt.registry.AcquireEndpoint(ctx, endpoint)
	if err != nil {
		status.err = err
		return status
	}
	status.latency = time.Since(start)
	status.height = provider.ProbeHeight
	return status
}
