// internal/chain/errors.go
package chain

import "errors"

var (
	// ErrProviderUnavailable is returned by Connect when every connection
	// strategy has been exhausted. It wraps the last underlying error.
	ErrProviderUnavailable = errors.New("chain provider unavailable")

	// ErrReceiptTimeout is returned by WaitForReceipt when the receipt was
	// not observed within the bounded polling window. The transaction may
	// still land later; callers are advised to check manually.
	ErrReceiptTimeout = errors.New("transaction receipt not observed in time")

	// ErrTransactionFailed is returned when a mined receipt reports a
	// failed execution status.
	ErrTransactionFailed = errors.New("transaction reverted on chain")

	// ErrNotResponsive is returned by the prober when the target address
	// does not answer a basic contract call.
	ErrNotResponsive = errors.New("contract not responsive")
)
