// internal/chain/receipt.go
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// WaitForReceipt polls for a transaction receipt at a fixed interval up to a
// bounded attempt count. The context cancels the wait early; exhausting the
// attempts returns ErrReceiptTimeout rather than hanging, since the
// transaction may still land later.
func WaitForReceipt(ctx context.Context, provider Provider, txHash common.Hash, interval time.Duration, attempts int) (*types.Receipt, error) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if attempts <= 0 {
		attempts = 20
	}

	for i := 0; i < attempts; i++ {
		receipt, err := provider.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("fetch receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}

	return nil, fmt.Errorf("%w: %s after %d attempts", ErrReceiptTimeout, txHash.Hex(), attempts)
}

// CheckReceiptStatus returns ErrTransactionFailed for a mined-but-reverted
// receipt.
func CheckReceiptStatus(receipt *types.Receipt) error {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s", ErrTransactionFailed, receipt.TxHash.Hex())
	}
	return nil
}
