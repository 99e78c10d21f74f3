// internal/services/payment_service_test.go
package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/datahaven/datamarket-backend/internal/models"
	"github.com/datahaven/datamarket-backend/internal/utils"
)

// seedFiatSale records a completed fiat purchase of the publisher's dataset.
func seedFiatSale(t *testing.T, db *gorm.DB, publisherID, buyerID uuid.UUID, price float64) {
	t.Helper()
	dataset := &models.Dataset{
		OwnerID:      publisherID,
		Title:        "Quarterly Retail Panel",
		Description:  "Store-level sales aggregates by quarter",
		Category:     "retail",
		PricingModel: models.PricingModelFiat,
		Price:        price,
		Status:       models.DatasetStatusPublished,
		StorageKey:   "datasets/retail.csv",
	}
	require.NoError(t, db.Create(dataset).Error)
	require.NoError(t, db.Create(&models.Purchase{
		DatasetID:    dataset.ID,
		BuyerID:      buyerID,
		PricePaid:    price,
		PurchaseDate: time.Now(),
	}).Error)
}

func TestGetUserBalance(t *testing.T) {
	db := newTestDB(t)
	publisher := createUser(t, db, "publisher", models.UserTypePublisher, testOwnerWallet)
	buyer := createUser(t, db, "buyer", models.UserTypeBuyer, testWallet)
	seedFiatSale(t, db, publisher.ID, buyer.ID, 100)

	svc := NewPaymentService(db, testConfig())

	balance, err := svc.GetUserBalance(publisher.ID)
	require.NoError(t, err)
	// 5% platform fee on a $100 sale.
	assert.InDelta(t, 95.0, balance["total_earnings"].(float64), 0.001)
	assert.InDelta(t, 95.0, balance["available_balance"].(float64), 0.001)
	assert.Equal(t, "USD", balance["currency"])

	// Buyers have no earnings.
	balance, err = svc.GetUserBalance(buyer.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, balance["available_balance"].(float64), 0.001)
}

func TestRequestPayout(t *testing.T) {
	db := newTestDB(t)
	publisher := createUser(t, db, "publisher", models.UserTypePublisher, testOwnerWallet)
	buyer := createUser(t, db, "buyer", models.UserTypeBuyer, testWallet)
	seedFiatSale(t, db, publisher.ID, buyer.ID, 100)

	svc := NewPaymentService(db, testConfig())

	payout, err := svc.RequestPayout(publisher.ID, &PayoutRequest{Amount: 50, Method: "bank_transfer"})
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusRequested, payout.Status)

	// The pending payout reduces the available balance.
	balance, err := svc.GetUserBalance(publisher.ID)
	require.NoError(t, err)
	assert.InDelta(t, 45.0, balance["available_balance"].(float64), 0.001)

	_, err = svc.RequestPayout(publisher.ID, &PayoutRequest{Amount: 60, Method: "bank_transfer"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient balance")

	_, err = svc.RequestPayout(publisher.ID, &PayoutRequest{Amount: 5, Method: "bank_transfer"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "minimum payout")
}

func TestGetPayouts(t *testing.T) {
	db := newTestDB(t)
	publisher := createUser(t, db, "publisher", models.UserTypePublisher, testOwnerWallet)
	buyer := createUser(t, db, "buyer", models.UserTypeBuyer, testWallet)
	seedFiatSale(t, db, publisher.ID, buyer.ID, 200)

	svc := NewPaymentService(db, testConfig())

	_, err := svc.RequestPayout(publisher.ID, &PayoutRequest{Amount: 50, Method: "bank_transfer"})
	require.NoError(t, err)
	_, err = svc.RequestPayout(publisher.ID, &PayoutRequest{Amount: 40, Method: "paypal"})
	require.NoError(t, err)

	payouts, total, err := svc.GetPayouts(publisher.ID, utils.PaginationParams{Page: 1, Limit: 20, Sort: "created_at", Order: "desc"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, payouts, 2)
}

func TestGetPaymentHistoryBothSides(t *testing.T) {
	db := newTestDB(t)
	publisher := createUser(t, db, "publisher", models.UserTypePublisher, testOwnerWallet)
	buyer := createUser(t, db, "buyer", models.UserTypeBuyer, testWallet)
	seedFiatSale(t, db, publisher.ID, buyer.ID, 100)

	svc := NewPaymentService(db, testConfig())
	page := utils.PaginationParams{Page: 1, Limit: 20, Sort: "created_at", Order: "desc"}

	// The seller sees the sale.
	_, total, err := svc.GetPaymentHistory(publisher.ID, page)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	// The buyer sees the purchase.
	_, total, err = svc.GetPaymentHistory(buyer.ID, page)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	// A third party sees nothing.
	stranger := createUser(t, db, "stranger", models.UserTypeBuyer, "0x8888888888888888888888888888888888888888")
	_, total, err = svc.GetPaymentHistory(stranger.ID, page)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestCreatePaymentIntentGuards(t *testing.T) {
	db := newTestDB(t)
	publisher := createUser(t, db, "publisher", models.UserTypePublisher, testOwnerWallet)
	buyer := createUser(t, db, "buyer", models.UserTypeBuyer, testWallet)

	free := createDataset(t, db, publisher.ID, false)
	fiat := &models.Dataset{
		OwnerID:      publisher.ID,
		Title:        "Quarterly Retail Panel",
		Description:  "Store-level sales aggregates by quarter",
		Category:     "retail",
		PricingModel: models.PricingModelFiat,
		Price:        40,
		Status:       models.DatasetStatusPublished,
	}
	require.NoError(t, db.Create(fiat).Error)

	svc := NewPaymentService(db, testConfig())

	// Non-fiat datasets have no payment intent.
	_, err := svc.CreatePaymentIntent(buyer.ID, &CreatePaymentIntentRequest{DatasetID: free.ID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not fiat priced")

	// Owners cannot buy their own dataset.
	_, err = svc.CreatePaymentIntent(publisher.ID, &CreatePaymentIntentRequest{DatasetID: fiat.ID})
	assert.ErrorIs(t, err, ErrOwnerPurchase)
}
