package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wormhole-demo/txengine/internal/txn"
)

// mockRPCServer creates a test HTTP server that responds to JSON-RPC requests.
func mockRPCServer(t *testing.T, handler func(method string, params []json.RawMessage) (interface{}, error)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID      json.RawMessage   `json:"id"`
			Method  string            `json:"method"`
			Params  []json.RawMessage `json:"params"`
			JSONRPC string            `json:"jsonrpc"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			return
		}

		result, err := handler(req.Method, req.Params)

		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
		}
		if err != nil {
			resp["error"] = map[string]interface{}{
				"code":    -32000,
				"message": err.Error(),
			}
		} else {
			resp["result"] = result
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestRegistryDialsRealClient(t *testing.T) {
	var blockNumberCalls int32
	server := mockRPCServer(t, func(method string, params []json.RawMessage) (interface{}, error) {
		switch method {
		case "eth_blockNumber":
			atomic.AddInt32(&blockNumberCalls, 1)
			return "0x1234", nil
		case "eth_chainId":
			return "0x530", nil // 1328
		}
		t.Errorf("unexpected method %s", method)
		return nil, nil
	})
	defer server.Close()

	endpoint := txn.ChainEndpoint{ChainID: 1328, RPCURL: server.URL, Name: "sei-testnet"}
	registry := NewRegistry(zaptest.NewLogger(t), []txn.ChainEndpoint{endpoint}, RegistryConfig{VerifyChainID: true})
	defer registry.Close()

	p, err := registry.Acquire(context.Background(), 1328)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), p.ProbeHeight)
	assert.Equal(t, uint64(1328), p.Endpoint.ChainID)

	_, err = registry.Acquire(context.Background(), 1328)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&blockNumberCalls))
}

func TestRegistryRealClientChainIDMismatch(t *testing.T) {
	server := mockRPCServer(t, func(method string, params []json.RawMessage) (interface{}, error) {
		switch method {
		case "eth_blockNumber":
			return "0x10", nil
		case "eth_chainId":
			return "0x1", nil
		}
		return nil, nil
	})
	defer server.Close()

	endpoint := txn.ChainEndpoint{ChainID: 16601, RPCURL: server.URL, Name: "0g-galileo"}
	registry := NewRegistry(zaptest.NewLogger(t), []txn.ChainEndpoint{endpoint}, RegistryConfig{VerifyChainID: true})
	defer registry.Close()

	_, err := registry.Acquire(context.Background(), 16601)
	require.Error(t, err)
	assert.ErrorIs(t, err, txn.ErrUnreachableEndpoint)
	assert.Contains(t, err.Error(), "0g-galileo(16601)")
}
