// internal/services/payment_service.go
package services

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"gorm.io/gorm"

	"github.com/datahaven/datamarket-backend/internal/config"
	"github.com/datahaven/datamarket-backend/internal/models"
	"github.com/datahaven/datamarket-backend/internal/utils"
)

// PaymentService covers the fiat side of the marketplace: Stripe payment
// intents for fiat-priced datasets and publisher payouts. Token-priced
// datasets settle on chain and never touch this service.
type PaymentService struct {
	db     *gorm.DB
	config *config.Config
}

type CreatePaymentIntentRequest struct {
	DatasetID uuid.UUID `json:"dataset_id" validate:"required"`
	Currency  string    `json:"currency,omitempty"`
}

type PaymentIntentResponse struct {
	ClientSecret string `json:"client_secret"`
	PaymentID    string `json:"payment_id"`
	Status       string `json:"status"`
}

type PayoutRequest struct {
	Amount float64 `json:"amount" validate:"required,min=1"`
	Method string  `json:"method" validate:"required"`
}

func NewPaymentService(db *gorm.DB, config *config.Config) *PaymentService {
	// Initialize Stripe
	stripe.Key = config.Payment.StripeSecretKey

	return &PaymentService{
		db:     db,
		config: config,
	}
}

func (s *PaymentService) CreatePaymentIntent(userID uuid.UUID, req *CreatePaymentIntentRequest) (*PaymentIntentResponse, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	var dataset models.Dataset
	if err := s.db.First(&dataset, req.DatasetID).Error; err != nil {
		return nil, errors.New("dataset not found")
	}

	if dataset.PricingModel != models.PricingModelFiat {
		return nil, errors.New("dataset is not fiat priced")
	}
	if dataset.OwnerID == userID {
		return nil, ErrOwnerPurchase
	}

	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}

	// Convert amount to cents for Stripe
	amountInCents := int64(dataset.Price * 100)

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountInCents),
		Currency: stripe.String(currency),
	}
	params.AddMetadata("user_id", userID.String())
	params.AddMetadata("dataset_id", dataset.ID.String())

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	return &PaymentIntentResponse{
		ClientSecret: pi.ClientSecret,
		PaymentID:    pi.ID,
		Status:       string(pi.Status),
	}, nil
}

// VerifyPaymentIntent confirms with Stripe that the intent succeeded and
// belongs to this (user, dataset) pair. The fiat analogue of receipt
// verification: the client's claim alone is never enough.
func (s *PaymentService) VerifyPaymentIntent(userID, datasetID uuid.UUID, paymentIntentID string) error {
	pi, err := paymentintent.Get(paymentIntentID, nil)
	if err != nil {
		return fmt.Errorf("failed to get payment intent: %w", err)
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return fmt.Errorf("payment not completed: status %s", pi.Status)
	}

	if pi.Metadata["user_id"] != userID.String() || pi.Metadata["dataset_id"] != datasetID.String() {
		return errors.New("payment intent does not match this purchase")
	}

	return nil
}

func (s *PaymentService) GetPaymentHistory(userID uuid.UUID, params utils.PaginationParams) ([]models.Purchase, int64, error) {
	// Both sides: purchases the user made, and sales of their datasets.
	query := s.db.Model(&models.Purchase{}).
		Joins("JOIN datasets ON datasets.id = purchases.dataset_id").
		Where("purchases.buyer_id = ? OR datasets.owner_id = ?", userID, userID).
		Preload("Dataset")

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count payment history: %w", err)
	}

	allowedSortFields := []string{"created_at", "price_paid", "purchase_date"}
	query = utils.ApplySort(query, params, allowedSortFields)
	query = utils.ApplyPagination(query, params)

	var purchases []models.Purchase
	if err := query.Find(&purchases).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch payment history: %w", err)
	}

	return purchases, total, nil
}

func (s *PaymentService) GetUserBalance(userID uuid.UUID) (map[string]interface{}, error) {
	var totalEarnings, pendingPayouts, paidOut float64

	// Fiat earnings from the user's datasets, net of the platform fee.
	feeFactor := 1 - s.config.Payment.PlatformFeePercent/100
	s.db.Model(&models.Purchase{}).
		Joins("JOIN datasets ON datasets.id = purchases.dataset_id").
		Where("datasets.owner_id = ? AND datasets.pricing_model = ?", userID, models.PricingModelFiat).
		Select("COALESCE(SUM(purchases.price_paid), 0)").Scan(&totalEarnings)
	totalEarnings *= feeFactor

	s.db.Model(&models.Payout{}).
		Where("user_id = ? AND status = ?", userID, models.PayoutStatusRequested).
		Select("COALESCE(SUM(amount), 0)").Scan(&pendingPayouts)

	s.db.Model(&models.Payout{}).
		Where("user_id = ? AND status = ?", userID, models.PayoutStatusPaid).
		Select("COALESCE(SUM(amount), 0)").Scan(&paidOut)

	return map[string]interface{}{
		"total_earnings":    totalEarnings,
		"pending_payouts":   pendingPayouts,
		"paid_out":          paidOut,
		"available_balance": totalEarnings - pendingPayouts - paidOut,
		"currency":          "USD",
	}, nil
}

func (s *PaymentService) RequestPayout(userID uuid.UUID, req *PayoutRequest) (*models.Payout, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	balance, err := s.GetUserBalance(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user balance: %w", err)
	}

	availableBalance := balance["available_balance"].(float64)
	if req.Amount > availableBalance {
		return nil, errors.New("insufficient balance for payout")
	}

	if req.Amount < s.config.Payment.MinimumPayout {
		return nil, fmt.Errorf("minimum payout amount is $%.2f", s.config.Payment.MinimumPayout)
	}

	payout := &models.Payout{
		UserID: userID,
		Amount: req.Amount,
		Method: req.Method,
		Status: models.PayoutStatusRequested,
	}

	if err := s.db.Create(payout).Error; err != nil {
		return nil, fmt.Errorf("failed to create payout request: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"user":   userID,
		"amount": req.Amount,
		"method": req.Method,
	}).Info("Payout requested")

	return payout, nil
}

func (s *PaymentService) GetPayouts(userID uuid.UUID, params utils.PaginationParams) ([]models.Payout, int64, error) {
	query := s.db.Model(&models.Payout{}).Where("user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count payouts: %w", err)
	}

	allowedSortFields := []string{"created_at", "amount", "status"}
	query = utils.ApplySort(query, params, allowedSortFields)
	query = utils.ApplyPagination(query, params)

	var payouts []models.Payout
	if err := query.Find(&payouts).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch payouts: %w", err)
	}

	return payouts, total, nil
}
