// internal/services/purchase_service.go
package services

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/datahaven/datamarket-backend/internal/chain"
	"github.com/datahaven/datamarket-backend/internal/config"
	"github.com/datahaven/datamarket-backend/internal/models"
	"github.com/datahaven/datamarket-backend/internal/utils"
)

// PurchaseService orchestrates dataset purchases. Non-tokenized datasets are
// a pure ledger write; tokenized ones go through reservation, capability
// probing, external signing, and receipt-verified confirmation.
type PurchaseService struct {
	db      *gorm.DB
	network config.NetworkConfig
	prober  *chain.Prober
	connect ConnectFunc
}

func NewPurchaseService(db *gorm.DB, network config.NetworkConfig, connect ConnectFunc) *PurchaseService {
	if connect == nil {
		connect = chain.Connect
	}
	return &PurchaseService{
		db:      db,
		network: network,
		prober:  chain.NewProber(nil, network.ProbeCacheTTL),
		connect: connect,
	}
}

// PurchasePrep is the response to a purchase initiation: either the purchase
// is already complete (free/fiat dataset, prior purchase, or existing token
// balance) or the caller has an unsigned transaction to sign and send.
type PurchasePrep struct {
	Success               bool              `json:"success"`
	AlreadyPurchased      bool              `json:"already_purchased,omitempty"`
	RequiresTokenPurchase bool              `json:"requires_token_purchase,omitempty"`
	Transaction           *chain.UnsignedTx `json:"transaction,omitempty"`
	TokenAddress          string            `json:"token_address,omitempty"`
	Cost                  string            `json:"cost,omitempty"` // wei, decimal string
	PurchaseID            string            `json:"purchase_id,omitempty"`
	TokenBalance          string            `json:"token_balance,omitempty"`
	Manual                bool              `json:"manual,omitempty"`
	Warning               string            `json:"warning,omitempty"`
	ProbeDiagnostics      interface{}       `json:"probe_diagnostics,omitempty"`
}

type PurchaseResult struct {
	Success           bool   `json:"success"`
	PurchaseID        string `json:"purchase_id,omitempty"`
	DownloadAvailable bool   `json:"download_available"`
	TokenBalance      string `json:"token_balance,omitempty"`
	TransactionHash   string `json:"transaction_hash,omitempty"`
	Recoverable       bool   `json:"recoverable,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Default cost attached to the degraded "manual transaction" payload when the
// chain cannot be reached and no better number exists.
var defaultPurchaseCost = new(big.Int).Set(defaultTokenPrice)

// InitiatePurchase prepares a purchase of datasetID for the given buyer. It
// is read-mostly and safe to call repeatedly: the only writes are the ledger
// insert on the direct paths and the reservation upsert, both
// duplicate-tolerant.
func (s *PurchaseService) InitiatePurchase(ctx context.Context, datasetID, buyerID uuid.UUID, wallet string) (*PurchasePrep, error) {
	var dataset models.Dataset
	if err := s.db.First(&dataset, datasetID).Error; err != nil {
		return nil, fmt.Errorf("dataset %w", ErrNotFound)
	}
	if dataset.Status != models.DatasetStatusPublished {
		return nil, fmt.Errorf("dataset %w", ErrNotFound)
	}

	// Owners do not buy their own datasets. Terminal regardless of
	// tokenization state.
	if dataset.OwnerID == buyerID {
		return nil, ErrOwnerPurchase
	}

	// Idempotence: any existing ledger row for this pair means the buyer
	// already has access.
	if existing, err := s.findPurchase(datasetID, buyerID); err == nil {
		return &PurchasePrep{
			Success:          true,
			AlreadyPurchased: true,
			PurchaseID:       existing.ID.String(),
		}, nil
	}

	log := logrus.WithFields(logrus.Fields{
		"dataset": datasetID,
		"buyer":   buyerID,
	})

	// Non-tokenized fast path: ledger write, no chain contact at all.
	if !dataset.Tokenized() {
		purchase, err := s.recordPurchase(&dataset, buyerID, wallet, "", "", false)
		if err != nil {
			return nil, err
		}
		log.Info("Direct purchase recorded")
		return &PurchasePrep{Success: true, PurchaseID: purchase.ID.String()}, nil
	}

	// Tokenized: take the per-(dataset, buyer) reservation before any
	// chain-side work so concurrent attempts cannot race each other into
	// duplicate on-chain spends.
	if err := s.reserve(datasetID, buyerID, wallet); err != nil {
		return nil, err
	}

	tokenAddr := common.HexToAddress(dataset.DatatokenAddress)
	buyerAddr := common.HexToAddress(wallet)
	cost := s.tokenCost(&dataset)

	provider, err := s.connect(ctx, s.network)
	if err != nil {
		// Degrade rather than fail: hand the UI a best-guess manual
		// transaction and let it try.
		log.WithError(err).Warn("Chain unreachable, returning manual transaction payload")
		return &PurchasePrep{
			Success:               true,
			RequiresTokenPurchase: true,
			Manual:                true,
			TokenAddress:          tokenAddr.Hex(),
			Cost:                  cost.String(),
			Transaction: &chain.UnsignedTx{
				From:     buyerAddr,
				To:       &tokenAddr,
				Value:    (*hexutil.Big)(cost),
				GasLimit: hexutil.Uint64(s.network.GasLimit),
				ChainID:  s.network.ChainID,
			},
			Warning: "chain provider unavailable; transaction parameters are best-effort",
		}, nil
	}

	// Existing token balance counts as proof of purchase; no new
	// transaction needed.
	if balance := s.tokenBalance(ctx, provider, tokenAddr, buyerAddr); balance != nil && balance.Sign() > 0 {
		purchase, err := s.recordPurchase(&dataset, buyerID, wallet, "", balance.String(), true)
		if err != nil {
			return nil, err
		}
		s.releaseReservation(datasetID, buyerID)
		log.WithField("balance", balance).Info("Existing token balance accepted as purchase")
		return &PurchasePrep{
			Success:      true,
			PurchaseID:   purchase.ID.String(),
			TokenBalance: balance.String(),
			TokenAddress: tokenAddr.Hex(),
		}, nil
	}

	probe := s.prober.DetectPurchaseFunction(ctx, provider, tokenAddr, buyerAddr, cost)

	prep := &PurchasePrep{
		Success:               true,
		RequiresTokenPurchase: true,
		TokenAddress:          tokenAddr.Hex(),
		Cost:                  cost.String(),
	}

	tx := &chain.UnsignedTx{
		From:     buyerAddr,
		To:       &tokenAddr,
		Value:    (*hexutil.Big)(cost),
		GasLimit: hexutil.Uint64(s.network.GasLimit),
		ChainID:  s.network.ChainID,
	}

	switch {
	case probe.Success && !probe.DirectTransfer:
		tx.Data = probe.Calldata
		if probe.GasEstimate > 0 {
			tx.GasLimit = hexutil.Uint64(probe.GasEstimate + probe.GasEstimate/2)
		}
	case probe.Success && probe.DirectTransfer:
		// Bare value transfer; empty calldata.
		if probe.GasEstimate > 0 {
			tx.GasLimit = hexutil.Uint64(probe.GasEstimate + probe.GasEstimate/2)
		}
	default:
		// Probe inconclusive: fall back to a plain value transfer and
		// surface the per-candidate diagnostics.
		prep.Warning = "purchase function not detected; falling back to direct transfer"
		prep.ProbeDiagnostics = probe.Attempts
	}

	if nonce, nerr := provider.NonceAt(ctx, buyerAddr); nerr == nil {
		tx.Nonce = hexutil.Uint64(nonce)
	}
	if gasPrice, gerr := provider.SuggestGasPrice(ctx); gerr == nil {
		tx.GasPrice = (*hexutil.Big)(gasPrice)
	}

	prep.Transaction = tx
	s.markAwaitingSignature(datasetID, buyerID)
	log.WithField("function", probe.Function).Info("Purchase transaction prepared")
	return prep, nil
}

// ConfirmPurchase finalizes a purchase after the wallet reports a sent
// transaction. For tokenized datasets the receipt is re-fetched and its
// status checked before anything is written; the caller's word is not
// trusted. Idempotent: a second confirmation with the same hash finds the
// existing ledger row.
func (s *PurchaseService) ConfirmPurchase(ctx context.Context, datasetID, buyerID uuid.UUID, wallet, txHash string) (*PurchaseResult, error) {
	var dataset models.Dataset
	if err := s.db.First(&dataset, datasetID).Error; err != nil {
		return nil, fmt.Errorf("dataset %w", ErrNotFound)
	}

	if existing, err := s.findPurchase(datasetID, buyerID); err == nil {
		return &PurchaseResult{
			Success:           true,
			PurchaseID:        existing.ID.String(),
			DownloadAvailable: true,
			TokenBalance:      existing.TokenAmount,
			TransactionHash:   existing.TransactionHash,
		}, nil
	}

	if !dataset.Tokenized() {
		purchase, err := s.recordPurchase(&dataset, buyerID, wallet, "", "", false)
		if err != nil {
			return nil, err
		}
		return &PurchaseResult{
			Success:           true,
			PurchaseID:        purchase.ID.String(),
			DownloadAvailable: true,
		}, nil
	}

	// Tokenized purchases need a real hash. Placeholder sentinels are not
	// accepted as confirmation.
	if !utils.IsTxHash(txHash) {
		return nil, ErrInvalidTxHash
	}

	provider, err := s.connect(ctx, s.network)
	if err != nil {
		return &PurchaseResult{
			Success:         false,
			TransactionHash: txHash,
			Error:           err.Error(),
			Recoverable:     true,
		}, nil
	}

	receipt, err := chain.WaitForReceipt(ctx, provider, common.HexToHash(txHash), s.network.PollInterval, s.network.PollAttempts)
	if err != nil {
		// Distinct from failure: the transaction may still land.
		return &PurchaseResult{
			Success:         false,
			TransactionHash: txHash,
			Error:           err.Error(),
			Recoverable:     true,
		}, nil
	}
	if err := chain.CheckReceiptStatus(receipt); err != nil {
		return &PurchaseResult{
			Success:         false,
			TransactionHash: txHash,
			Error:           err.Error(),
		}, nil
	}

	tokenAddr := common.HexToAddress(dataset.DatatokenAddress)
	buyerAddr := common.HexToAddress(wallet)
	tokenAmount := ""
	if balance := s.tokenBalance(ctx, provider, tokenAddr, buyerAddr); balance != nil {
		tokenAmount = balance.String()
	}

	purchase, err := s.recordPurchase(&dataset, buyerID, wallet, txHash, tokenAmount, true)
	if err != nil {
		// The chain-side spend happened; preserve the hash so the
		// purchase can be reconciled administratively.
		logrus.WithFields(logrus.Fields{
			"dataset": datasetID,
			"buyer":   buyerID,
			"tx":      txHash,
		}).WithError(err).Error("Ledger write failed after confirmed transaction")
		return &PurchaseResult{
			Success:         false,
			TransactionHash: txHash,
			Error:           "purchase confirmed on chain but ledger write failed",
			Recoverable:     true,
		}, nil
	}

	s.releaseReservation(datasetID, buyerID)

	return &PurchaseResult{
		Success:           true,
		PurchaseID:        purchase.ID.String(),
		DownloadAvailable: true,
		TokenBalance:      tokenAmount,
		TransactionHash:   txHash,
	}, nil
}

// HasPurchased reports whether the buyer holds a ledger entry for the
// dataset; download gating uses this.
func (s *PurchaseService) HasPurchased(datasetID, buyerID uuid.UUID) bool {
	_, err := s.findPurchase(datasetID, buyerID)
	return err == nil
}

// GetPurchases lists a buyer's ledger entries.
func (s *PurchaseService) GetPurchases(buyerID uuid.UUID, params utils.PaginationParams) ([]models.Purchase, int64, error) {
	query := s.db.Model(&models.Purchase{}).
		Where("buyer_id = ?", buyerID).
		Preload("Dataset")

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count purchases: %w", err)
	}

	allowedSortFields := []string{"created_at", "purchase_date", "price_paid"}
	query = utils.ApplySort(query, params, allowedSortFields)
	query = utils.ApplyPagination(query, params)

	var purchases []models.Purchase
	if err := query.Find(&purchases).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch purchases: %w", err)
	}

	return purchases, total, nil
}

func (s *PurchaseService) findPurchase(datasetID, buyerID uuid.UUID) (*models.Purchase, error) {
	var purchase models.Purchase
	err := s.db.Where("dataset_id = ? AND buyer_id = ?", datasetID, buyerID).First(&purchase).Error
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

// recordPurchase performs the duplicate-tolerant ledger insert and bumps the
// dataset's purchase counter, in one transaction.
func (s *PurchaseService) recordPurchase(dataset *models.Dataset, buyerID uuid.UUID, wallet, txHash, tokenAmount string, tokenized bool) (*models.Purchase, error) {
	var purchase *models.Purchase

	err := s.db.Transaction(func(tx *gorm.DB) error {
		// Duplicate rows are harmless for authorization but pointless;
		// reuse an existing one if a concurrent attempt got there first.
		var existing models.Purchase
		if err := tx.Where("dataset_id = ? AND buyer_id = ?", dataset.ID, buyerID).First(&existing).Error; err == nil {
			purchase = &existing
			return nil
		}

		purchase = &models.Purchase{
			DatasetID:       dataset.ID,
			BuyerID:         buyerID,
			WalletAddress:   wallet,
			Tokenized:       tokenized,
			TransactionHash: txHash,
			TokenAmount:     tokenAmount,
			PricePaid:       dataset.Price,
			PurchaseDate:    time.Now(),
		}
		if err := tx.Create(purchase).Error; err != nil {
			return fmt.Errorf("failed to create purchase record: %w", err)
		}

		return tx.Model(&models.Dataset{}).
			Where("id = ?", dataset.ID).
			UpdateColumn("purchase_count", gorm.Expr("purchase_count + 1")).Error
	})
	if err != nil {
		return nil, err
	}
	return purchase, nil
}

// reserve upserts the in-flight lock. A live reservation for the same pair
// is refreshed (same buyer retrying is the same attempt); expired rows are
// reclaimed.
func (s *PurchaseService) reserve(datasetID, buyerID uuid.UUID, wallet string) error {
	now := time.Now()
	expiry := now.Add(s.reservationTTL())

	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.PurchaseReservation
		err := tx.Where("dataset_id = ? AND buyer_id = ?", datasetID, buyerID).First(&existing).Error
		if err == nil {
			if existing.Live(now) && existing.WalletAddress != wallet {
				// A different wallet mid-flight for the same buyer
				// is a competing attempt, not a retry.
				return ErrReservationHeld
			}
			return tx.Model(&existing).Updates(map[string]interface{}{
				"wallet_address": wallet,
				"state":          models.ReservationStatePreparing,
				"expires_at":     expiry,
			}).Error
		}

		reservation := &models.PurchaseReservation{
			DatasetID:     datasetID,
			BuyerID:       buyerID,
			WalletAddress: wallet,
			State:         models.ReservationStatePreparing,
			ExpiresAt:     expiry,
		}
		return tx.Create(reservation).Error
	})
}

func (s *PurchaseService) markAwaitingSignature(datasetID, buyerID uuid.UUID) {
	err := s.db.Model(&models.PurchaseReservation{}).
		Where("dataset_id = ? AND buyer_id = ?", datasetID, buyerID).
		Update("state", models.ReservationStateAwaiting).Error
	if err != nil {
		logrus.WithError(err).Debug("Failed to advance reservation state")
	}
}

func (s *PurchaseService) releaseReservation(datasetID, buyerID uuid.UUID) {
	err := s.db.Model(&models.PurchaseReservation{}).
		Where("dataset_id = ? AND buyer_id = ?", datasetID, buyerID).
		Update("state", models.ReservationStateConfirmed).Error
	if err != nil {
		logrus.WithError(err).Debug("Failed to release reservation")
	}
}

func (s *PurchaseService) reservationTTL() time.Duration {
	if s.network.ReservationTTL > 0 {
		return s.network.ReservationTTL
	}
	return 5 * time.Minute
}

func (s *PurchaseService) tokenBalance(ctx context.Context, provider chain.Provider, token, owner common.Address) *big.Int {
	raw, err := provider.CallContract(ctx, ethereum.CallMsg{
		From: owner,
		To:   &token,
		Data: chain.BalanceOfCalldata(owner),
	})
	if err != nil {
		logrus.WithField("token", token.Hex()).WithError(err).Debug("balanceOf read failed")
		return nil
	}
	if len(raw) == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).SetBytes(raw)
}

// tokenCost resolves the wei price of one access token. Datasets carry their
// token price in metadata when the publisher set one; otherwise the fixed
// default applies.
func (s *PurchaseService) tokenCost(dataset *models.Dataset) *big.Int {
	if dataset.Metadata != nil {
		if raw, ok := dataset.Metadata["token_price_wei"].(string); ok {
			if cost, ok := new(big.Int).SetString(raw, 10); ok && cost.Sign() > 0 {
				return cost
			}
		}
	}
	return new(big.Int).Set(defaultPurchaseCost)
}
