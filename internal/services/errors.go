// internal/services/errors.go
package services

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrOwnerPurchase: a dataset owner cannot buy their own dataset.
	// Terminal, never retried.
	ErrOwnerPurchase = errors.New("owner cannot purchase own dataset")

	// ErrNotAuthorized: the caller does not own the NFT being provisioned.
	ErrNotAuthorized = errors.New("caller does not own this NFT")

	// ErrReservationHeld: another in-flight purchase attempt holds the
	// per-(dataset, buyer) reservation.
	ErrReservationHeld = errors.New("purchase already in flight for this dataset")

	// ErrInvalidTxHash: confirmation was called with something that is not
	// a transaction hash. Placeholder sentinels are rejected for tokenized
	// purchases.
	ErrInvalidTxHash = errors.New("invalid transaction hash")

	ErrNotTokenized = errors.New("dataset is not tokenized")
)
