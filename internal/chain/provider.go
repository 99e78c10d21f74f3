// internal/chain/provider.go
package chain

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"github.com/datahaven/datamarket-backend/internal/config"
)

// Provider is the low-level RPC surface the orchestrators depend on. It is
// satisfied by go-ethereum's ethclient and by the minimal fallback client, and
// mocked in tests.
type Provider interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CodeAt(ctx context.Context, account common.Address) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// strategy constructs a Provider; failures are swallowed and the next
// strategy is tried. RPC client libraries differ in what they tolerate across
// embedding contexts, so the last strategy is a hand-rolled JSON-RPC client
// that works anywhere an HTTP POST works.
type strategy struct {
	name string
	dial func(ctx context.Context, url string) (Provider, error)
}

func defaultStrategies() []strategy {
	return []strategy{
		{
			name: "ethclient-tuned",
			dial: func(ctx context.Context, url string) (Provider, error) {
				httpClient := &http.Client{Timeout: 20 * time.Second}
				rc, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(httpClient))
				if err != nil {
					return nil, err
				}
				return &gethProvider{ec: ethclient.NewClient(rc), rc: rc}, nil
			},
		},
		{
			name: "ethclient-default",
			dial: func(ctx context.Context, url string) (Provider, error) {
				rc, err := rpc.DialContext(ctx, url)
				if err != nil {
					return nil, err
				}
				return &gethProvider{ec: ethclient.NewClient(rc), rc: rc}, nil
			},
		},
		{
			name: "http-json-rpc",
			dial: func(ctx context.Context, url string) (Provider, error) {
				return newFallbackClient(url), nil
			},
		},
	}
}

// Connect tries each construction strategy in order, runs a liveness probe
// (eth_blockNumber) on the result, and returns the first provider that
// answers. Per-strategy failures are logged and swallowed; only exhaustion of
// all strategies is fatal.
func Connect(ctx context.Context, network config.NetworkConfig) (Provider, error) {
	return connectWith(ctx, network, defaultStrategies())
}

func connectWith(ctx context.Context, network config.NetworkConfig, strategies []strategy) (Provider, error) {
	var lastErr error

	for _, s := range strategies {
		provider, err := s.dial(ctx, network.RPCURL)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"strategy": s.name,
				"chain_id": network.ChainID,
			}).WithError(err).Warn("Provider construction failed")
			lastErr = err
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err = provider.BlockNumber(probeCtx)
		cancel()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"strategy": s.name,
				"chain_id": network.ChainID,
			}).WithError(err).Warn("Provider liveness check failed")
			lastErr = err
			continue
		}

		logrus.WithFields(logrus.Fields{
			"strategy": s.name,
			"chain_id": network.ChainID,
		}).Debug("Chain provider connected")
		return provider, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
}

// gethProvider adapts ethclient to the Provider interface. The raw rpc client
// is kept for eth_sendRawTransaction, which ethclient only exposes for
// decoded transaction objects.
type gethProvider struct {
	ec *ethclient.Client
	rc *rpc.Client
}

func (p *gethProvider) BlockNumber(ctx context.Context) (uint64, error) {
	return p.ec.BlockNumber(ctx)
}

func (p *gethProvider) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return p.ec.CodeAt(ctx, account, nil)
}

func (p *gethProvider) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return p.ec.CallContract(ctx, msg, nil)
}

func (p *gethProvider) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return p.ec.EstimateGas(ctx, msg)
}

func (p *gethProvider) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return p.ec.NonceAt(ctx, account, nil)
}

func (p *gethProvider) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return p.ec.SuggestGasPrice(ctx)
}

func (p *gethProvider) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	var hash common.Hash
	err := p.rc.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutilEncode(raw))
	return hash, err
}

func (p *gethProvider) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return p.ec.TransactionReceipt(ctx, txHash)
}
