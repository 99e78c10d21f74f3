// internal/chain/provider_test.go
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datahaven/datamarket-backend/internal/config"
)

func testNetwork(url string) config.NetworkConfig {
	return config.NetworkConfig{ChainID: 1337, RPCURL: url}
}

func TestConnectFallsThroughStrategies(t *testing.T) {
	live := &mockProvider{
		blockNumber: func(ctx context.Context) (uint64, error) { return 42, nil },
	}

	strategies := []strategy{
		{
			name: "broken-dial",
			dial: func(ctx context.Context, url string) (Provider, error) {
				return nil, errors.New("dial tcp: connection refused")
			},
		},
		{
			name: "working",
			dial: func(ctx context.Context, url string) (Provider, error) {
				return live, nil
			},
		},
	}

	provider, err := connectWith(context.Background(), testNetwork("http://localhost:0"), strategies)
	require.NoError(t, err)
	assert.Equal(t, live, provider)
}

func TestConnectSkipsDeadProvider(t *testing.T) {
	dead := &mockProvider{
		blockNumber: func(ctx context.Context) (uint64, error) { return 0, errors.New("timeout") },
	}
	live := &mockProvider{
		blockNumber: func(ctx context.Context) (uint64, error) { return 7, nil },
	}

	strategies := []strategy{
		{name: "dials-but-dead", dial: func(ctx context.Context, url string) (Provider, error) { return dead, nil }},
		{name: "live", dial: func(ctx context.Context, url string) (Provider, error) { return live, nil }},
	}

	provider, err := connectWith(context.Background(), testNetwork("http://localhost:0"), strategies)
	require.NoError(t, err)
	assert.Equal(t, live, provider)
}

func TestConnectExhaustionWrapsLastError(t *testing.T) {
	strategies := []strategy{
		{name: "a", dial: func(ctx context.Context, url string) (Provider, error) { return nil, errors.New("a failed") }},
		{name: "b", dial: func(ctx context.Context, url string) (Provider, error) { return nil, errors.New("b failed") }},
	}

	_, err := connectWith(context.Background(), testNetwork("http://localhost:0"), strategies)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
	assert.Contains(t, err.Error(), "b failed")
}

// rpcHandler answers a fixed set of JSON-RPC methods for fallback client
// tests.
func rpcHandler(t *testing.T, results map[string]interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64        `json:"id"`
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
		}
		if result, ok := results[req.Method]; ok {
			resp["result"] = result
		} else {
			resp["error"] = map[string]interface{}{"code": -32601, "message": "method not found"}
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func TestFallbackClientBlockNumber(t *testing.T) {
	server := httptest.NewServer(rpcHandler(t, map[string]interface{}{
		"eth_blockNumber": "0x10",
	}))
	defer server.Close()

	client := newFallbackClient(server.URL)
	n, err := client.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(16), n)
}

func TestFallbackClientNullResultIsNotFound(t *testing.T) {
	server := httptest.NewServer(rpcHandler(t, map[string]interface{}{
		"eth_getTransactionReceipt": nil,
	}))
	defer server.Close()

	client := newFallbackClient(server.URL)
	_, err := client.TransactionReceipt(context.Background(), testTxHash)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ethereum.NotFound))
}

func TestFallbackClientRPCError(t *testing.T) {
	server := httptest.NewServer(rpcHandler(t, map[string]interface{}{}))
	defer server.Close()

	client := newFallbackClient(server.URL)
	_, err := client.BlockNumber(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")
}

func TestConnectDefaultStrategiesAgainstHTTPEndpoint(t *testing.T) {
	// A plain JSON-RPC HTTP server should satisfy at least one of the
	// default strategies end to end.
	server := httptest.NewServer(rpcHandler(t, map[string]interface{}{
		"eth_blockNumber": "0x2a",
	}))
	defer server.Close()

	provider, err := Connect(context.Background(), testNetwork(server.URL))
	require.NoError(t, err)

	n, err := provider.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)
}
