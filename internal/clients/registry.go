package clients

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wormhole-demo/txengine/internal/txn"
)

// DefaultConnectionTimeout bounds dial plus liveness probe.
const DefaultConnectionTimeout = 15 * time.Second

// ErrUnknownChain is returned for chain ids that were never configured.
var ErrUnknownChain = errors.New("unknown chain")

var (
	promProviderProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txengine_provider_probes_total",
		Help: "The number of liveness probes fired against RPC endpoints, by result",
	}, []string{"chainID", "result"})
	promProvidersCached = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "txengine_providers_cached",
		Help: "The number of probed providers currently cached",
	})
)

// RegistryConfig tunes how providers are created.
type RegistryConfig struct {
	// ConnectionTimeout bounds the dial and liveness probe. Defaults to 15s.
	ConnectionTimeout time.Duration
	// VerifyChainID additionally checks eth_chainId against the endpoint.
	VerifyChainID bool
	// Dialer opens the underlying connection. Defaults to DialEVM.
	Dialer Dialer
}

// Registry caches exactly one probed Provider per chain id for the life of
// the process. Concurrent first acquisitions of the same chain share a single
// dial and probe.
type Registry struct {
	cfg    RegistryConfig
	logger *zap.Logger

	mu        sync.RWMutex
	endpoints map[uint64]txn.ChainEndpoint
	providers map[uint64]*Provider

	group singleflight.Group
}

// NewRegistry creates a registry that knows about the given endpoints.
func NewRegistry(logger *zap.Logger, endpoints []txn.ChainEndpoint, cfg RegistryConfig) *Registry {
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = DefaultConnectionTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = DialEVM
	}

	r := &Registry{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "ProviderRegistry")),
		endpoints: make(map[uint64]txn.ChainEndpoint, len(endpoints)),
		providers: make(map[uint64]*Provider),
	}
	for _, endpoint := range endpoints {
		r.endpoints[endpoint.ChainID] = endpoint
	}
	return r
}

// Endpoint returns the configured endpoint for chainID.
func (r *Registry) Endpoint(chainID uint64) (txn.ChainEndpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	endpoint, ok := r.endpoints[chainID]
	return endpoint, ok
}

// Endpoints returns every configured endpoint ordered by chain id.
func (r *Registry) Endpoints() []txn.ChainEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	endpoints := make([]txn.ChainEndpoint, 0, len(r.endpoints))
	for _, endpoint := range r.endpoints {
		endpoints = append(endpoints, endpoint)
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].ChainID < endpoints[j].ChainID })
	return endpoints
}

// Acquire returns the cached provider for chainID, creating and probing it
// on first use.
func (r *Registry) Acquire(ctx context.Context, chainID uint64) (*Provider, error) {
	if p := r.cached(chainID); p != nil {
		return p, nil
	}

	endpoint, ok := r.Endpoint(chainID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	return r.acquire(ctx, endpoint)
}

// AcquireEndpoint is Acquire for an endpoint carried by an intent. Unknown
// endpoints are registered; a chain id that is already configured keeps the
// configured definition.
func (r *Registry) AcquireEndpoint(ctx context.Context, endpoint txn.ChainEndpoint) (*Provider, error) {
	if p := r.cached(endpoint.ChainID); p != nil {
		return p, nil
	}

	r.mu.Lock()
	if existing, ok := r.endpoints[endpoint.ChainID]; ok {
		endpoint = existing
	} else {
		r.endpoints[endpoint.ChainID] = endpoint
	}
	r.mu.Unlock()

	return r.acquire(ctx, endpoint)
}

func (r *Registry) cached(chainID uint64) *Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[chainID]
}

func (r *Registry) acquire(ctx context.Context, endpoint txn.ChainEndpoint) (*Provider, error) {
	key := strconv.FormatUint(endpoint.ChainID, 10)
	ch := r.group.DoChan(key, func() (interface{}, error) {
		// A flight that finished just before this one started may have
		// already filled the cache.
		if p := r.cached(endpoint.ChainID); p != nil {
			return p, nil
		}

		p, err := r.connect(endpoint)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.providers[endpoint.ChainID] = p
		promProvidersCached.Set(float64(len(r.providers)))
		r.mu.Unlock()
		return p, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Provider), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connect dials and probes endpoint. The probe runs on its own deadline so a
// cancelled caller does not fail the other callers sharing the flight.
func (r *Registry) connect(endpoint txn.ChainEndpoint) (*Provider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ConnectionTimeout)
	defer cancel()

	chainLabel := strconv.FormatUint(endpoint.ChainID, 10)
	logger := r.logger.With(zap.String("chain", endpoint.String()), zap.String("rpcURL", endpoint.RPCURL))
	logger.Info("Connecting to EVM chain")

	backend, err := r.cfg.Dialer(ctx, endpoint.RPCURL)
	if err != nil {
		promProviderProbes.WithLabelValues(chainLabel, "dial_error").Inc()
		return nil, fmt.Errorf("%w: %s: %v", txn.ErrUnreachableEndpoint, endpoint, err)
	}

	height, err := r.probe(ctx, backend, endpoint)
	if err != nil {
		backend.Close()
		promProviderProbes.WithLabelValues(chainLabel, "failed").Inc()
		logger.Warn("Liveness probe failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", txn.ErrUnreachableEndpoint, endpoint, err)
	}

	promProviderProbes.WithLabelValues(chainLabel, "ok").Inc()
	logger.Info("Connected to EVM chain", zap.Uint64("blockHeight", height))

	return &Provider{
		Backend:     backend,
		Endpoint:    endpoint,
		ConnectedAt: time.Now(),
		ProbeHeight: height,
	}, nil
}

type probeResult struct {
	height uint64
	err    error
}

// probe queries the block height (and optionally the chain id), racing the
// calls against the connection deadline.
func (r *Registry) probe(ctx context.Context, backend Backend, endpoint txn.ChainEndpoint) (uint64, error) {
	done := make(chan probeResult, 1)
	go func() {
		height, err := backend.BlockNumber(ctx)
		if err != nil {
			done <- probeResult{err: fmt.Errorf("block number: %w", err)}
			return
		}
		if r.cfg.VerifyChainID {
			chainID, err := backend.ChainID(ctx)
			if err != nil {
				done <- probeResult{err: fmt.Errorf("chain id: %w", err)}
				return
			}
			if !chainID.IsUint64() || chainID.Uint64() != endpoint.ChainID {
				done <- probeResult{err: fmt.Errorf("invalid chainId: expected %d, got %s", endpoint.ChainID, chainID)}
				return
			}
		}
		done <- probeResult{height: height}
	}()

	select {
	case res := <-done:
		return res.height, res.err
	case <-ctx.Done():
		return 0, fmt.Errorf("RPC timeout after %s: %w", r.cfg.ConnectionTimeout, ctx.Err())
	}
}

// Evict drops and closes the cached provider for chainID. The next Acquire
// dials again. It reports whether a provider was cached.
func (r *Registry) Evict(chainID uint64) bool {
	r.mu.Lock()
	p, ok := r.providers[chainID]
	delete(r.providers, chainID)
	promProvidersCached.Set(float64(len(r.providers)))
	r.mu.Unlock()

	if ok {
		r.logger.Info("Evicted provider", zap.String("chain", p.Endpoint.String()))
		p.Close()
	}
	return ok
}

// Reset evicts every cached provider.
func (r *Registry) Reset() {
	r.mu.Lock()
	providers := r.providers
	r.providers = make(map[uint64]*Provider)
	promProvidersCached.Set(0)
	r.mu.Unlock()

	for _, p := range providers {
		p.Close()
	}
}

// Close releases every connection. It is meant to run at process exit.
func (r *Registry) Close() {
	r.Reset()
}
