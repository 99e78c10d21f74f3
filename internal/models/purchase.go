// internal/models/purchase.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// Purchase is the off-chain ledger entry that gates downloads. Existence of
// any matching (buyer, dataset) row is sufficient authorization; rows are
// never deleted in normal operation.
type Purchase struct {
	BaseModel
	DatasetID     uuid.UUID `json:"dataset_id" gorm:"type:uuid;not null;index:idx_purchases_dataset_buyer"`
	BuyerID       uuid.UUID `json:"buyer_id" gorm:"type:uuid;not null;index:idx_purchases_dataset_buyer"`
	WalletAddress string    `json:"wallet_address" gorm:"size:42;index"`

	Tokenized       bool      `json:"tokenized" gorm:"default:false"`
	TransactionHash string    `json:"transaction_hash,omitempty" gorm:"size:66;index"`
	TokenAmount     string    `json:"token_amount,omitempty" gorm:"size:78"` // wei, decimal string
	PricePaid       float64   `json:"price_paid" gorm:"type:decimal(10,2)"`
	PurchaseDate    time.Time `json:"purchase_date"`

	// Relationships
	Dataset Dataset `json:"dataset,omitempty" gorm:"foreignKey:DatasetID"`
	Buyer   User    `json:"buyer,omitempty" gorm:"foreignKey:BuyerID"`
}

// PurchaseReservation is the per-(dataset, buyer) in-flight lock acquired
// before any chain-side work. At most one live reservation exists per pair;
// expired rows are reclaimed rather than deleted.
type PurchaseReservation struct {
	BaseModel
	DatasetID     uuid.UUID        `json:"dataset_id" gorm:"type:uuid;not null;uniqueIndex:idx_reservation_pair"`
	BuyerID       uuid.UUID        `json:"buyer_id" gorm:"type:uuid;not null;uniqueIndex:idx_reservation_pair"`
	WalletAddress string           `json:"wallet_address" gorm:"size:42"`
	State         ReservationState `json:"state" gorm:"type:varchar(30);default:'preparing'"`
	ExpiresAt     time.Time        `json:"expires_at" gorm:"index"`
}

// Live reports whether the reservation still blocks competing attempts.
func (r *PurchaseReservation) Live(now time.Time) bool {
	return r.State != ReservationStateConfirmed && now.Before(r.ExpiresAt)
}

// Payout tracks a seller's fiat payout request for non-tokenized sales.
type Payout struct {
	BaseModel
	UserID      uuid.UUID    `json:"user_id" gorm:"type:uuid;not null;index"`
	Amount      float64      `json:"amount" gorm:"type:decimal(10,2);not null"`
	Method      string       `json:"method" gorm:"size:50"`
	Status      PayoutStatus `json:"status" gorm:"type:varchar(20);default:'requested';index"`
	Reference   string       `json:"reference" gorm:"size:255"`
	ProcessedAt *time.Time   `json:"processed_at"`

	User User `json:"user,omitempty" gorm:"foreignKey:UserID"`
}
