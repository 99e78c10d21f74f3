// internal/chain/receipt_test.go
package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTxHash = common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

func TestWaitForReceiptEventualSuccess(t *testing.T) {
	var polls int
	provider := &mockProvider{
		transactionReceipt: func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
			polls++
			if polls < 3 {
				return nil, ethereum.NotFound
			}
			return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash}, nil
		},
	}

	receipt, err := WaitForReceipt(context.Background(), provider, testTxHash, time.Millisecond, 10)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	assert.Equal(t, 3, polls)
}

func TestWaitForReceiptTimeout(t *testing.T) {
	provider := &mockProvider{
		transactionReceipt: func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
			return nil, ethereum.NotFound
		},
	}

	_, err := WaitForReceipt(context.Background(), provider, testTxHash, time.Millisecond, 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReceiptTimeout))
}

func TestWaitForReceiptContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := &mockProvider{
		transactionReceipt: func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
			cancel()
			return nil, ethereum.NotFound
		},
	}

	_, err := WaitForReceipt(ctx, provider, testTxHash, time.Second, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestWaitForReceiptFatalError(t *testing.T) {
	var polls int
	provider := &mockProvider{
		transactionReceipt: func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
			polls++
			return nil, errors.New("connection reset")
		},
	}

	_, err := WaitForReceipt(context.Background(), provider, testTxHash, time.Millisecond, 10)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrReceiptTimeout))
	assert.Equal(t, 1, polls, "non-retryable errors should not be retried")
}

func TestCheckReceiptStatus(t *testing.T) {
	ok := &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: testTxHash}
	assert.NoError(t, CheckReceiptStatus(ok))

	reverted := &types.Receipt{Status: types.ReceiptStatusFailed, TxHash: testTxHash}
	err := CheckReceiptStatus(reverted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransactionFailed))
}

func TestWaitForReceiptDefaults(t *testing.T) {
	// Zero interval/attempts fall back to sane defaults instead of spinning.
	provider := &mockProvider{
		transactionReceipt: func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
			return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash, BlockNumber: big.NewInt(1)}, nil
		},
	}

	receipt, err := WaitForReceipt(context.Background(), provider, testTxHash, 0, 0)
	require.NoError(t, err)
	assert.NotNil(t, receipt)
}
