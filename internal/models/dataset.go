// internal/models/dataset.go
package models

import (
	"github.com/google/uuid"
	"github.com/lib/pq"
)

type Dataset struct {
	BaseModel
	OwnerID     uuid.UUID      `json:"owner_id" gorm:"type:uuid;not null;index"`
	Title       string         `json:"title" gorm:"size:255;not null"`
	Description string         `json:"description" gorm:"type:text"`
	Category    string         `json:"category" gorm:"size:100;index"`
	Tags        pq.StringArray `json:"tags" gorm:"type:text[]"`

	PricingModel PricingModel `json:"pricing_model" gorm:"type:varchar(20);default:'free';index"`
	Price        float64      `json:"price" gorm:"type:decimal(10,2);default:0"`

	// File metadata
	StorageKey  string `json:"-" gorm:"size:512"`
	FileName    string `json:"file_name" gorm:"size:255"`
	FileSize    int64  `json:"file_size"`
	ContentHash string `json:"content_hash" gorm:"size:66"`
	Metadata    JSONB  `json:"metadata" gorm:"type:jsonb"`

	// Tokenization fields. NFTID and DatatokenAddress stay null until
	// provisioning succeeds; there is no automatic retry.
	NFTID            *int64 `json:"nft_id" gorm:"index"`
	DatatokenAddress string `json:"datatoken_address" gorm:"size:42;index"`
	TokenName        string `json:"token_name" gorm:"size:10"`
	TokenSymbol      string `json:"token_symbol" gorm:"size:5"`

	Status        DatasetStatus `json:"status" gorm:"type:varchar(20);default:'draft';index"`
	DownloadCount int64         `json:"download_count" gorm:"default:0"`
	PurchaseCount int64         `json:"purchase_count" gorm:"default:0"`
	ViewCount     int64         `json:"view_count" gorm:"default:0"`

	// Relationships
	Owner     User       `json:"owner,omitempty" gorm:"foreignKey:OwnerID"`
	Purchases []Purchase `json:"purchases,omitempty" gorm:"foreignKey:DatasetID"`
}

// Tokenized reports whether a data token has been linked to this dataset.
func (d *Dataset) Tokenized() bool {
	return d.DatatokenAddress != ""
}
