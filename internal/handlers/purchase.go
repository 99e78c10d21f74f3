// internal/handlers/purchase.go
package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/datahaven/datamarket-backend/internal/services"
	"github.com/datahaven/datamarket-backend/internal/utils"
)

type PurchaseHandler struct {
	purchaseService *services.PurchaseService
}

func NewPurchaseHandler(purchaseService *services.PurchaseService) *PurchaseHandler {
	return &PurchaseHandler{
		purchaseService: purchaseService,
	}
}

type initiatePurchaseRequest struct {
	WalletAddress string `json:"wallet_address,omitempty" validate:"omitempty,eth_address"`
}

type confirmPurchaseRequest struct {
	TransactionHash string `json:"transaction_hash" validate:"required"`
	WalletAddress   string `json:"wallet_address,omitempty" validate:"omitempty,eth_address"`
}

// POST /datasets/:id/purchase
func (h *PurchaseHandler) InitiatePurchase(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		utils.UnauthorizedResponse(c, "")
		return
	}

	datasetID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid dataset ID", nil)
		return
	}

	// Body is optional; a bare POST uses the wallet bound to the account.
	var req initiatePurchaseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid input", err.Error())
			return
		}
		if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
			utils.ValidationErrorResponse(c, validationErrors)
			return
		}
	}

	wallet := req.WalletAddress
	if wallet == "" {
		wallet, _ = utils.GetWalletFromContext(c)
	}

	prep, err := h.purchaseService.InitiatePurchase(c.Request.Context(), datasetID, userID, wallet)
	if err != nil {
		h.respondPurchaseError(c, err)
		return
	}

	utils.SuccessResponse(c, prep)
}

// POST /datasets/:id/purchase/confirm
func (h *PurchaseHandler) ConfirmPurchase(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		utils.UnauthorizedResponse(c, "")
		return
	}

	datasetID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid dataset ID", nil)
		return
	}

	var req confirmPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid input", err.Error())
		return
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	wallet := req.WalletAddress
	if wallet == "" {
		wallet, _ = utils.GetWalletFromContext(c)
	}

	result, err := h.purchaseService.ConfirmPurchase(c.Request.Context(), datasetID, userID, wallet, req.TransactionHash)
	if err != nil {
		h.respondPurchaseError(c, err)
		return
	}

	utils.SuccessResponse(c, result)
}

// GET /purchases
func (h *PurchaseHandler) GetMyPurchases(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		utils.UnauthorizedResponse(c, "")
		return
	}

	params := utils.GetPaginationParams(c)
	purchases, total, err := h.purchaseService.GetPurchases(userID, params)
	if err != nil {
		utils.InternalErrorResponse(c, err.Error())
		return
	}

	result := utils.CreatePaginationResult(purchases, total, params)
	utils.PaginatedResponse(c, result)
}

func (h *PurchaseHandler) respondPurchaseError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		utils.NotFoundResponse(c, "Dataset")
	case errors.Is(err, services.ErrOwnerPurchase):
		utils.BadRequestResponse(c, err.Error(), nil)
	case errors.Is(err, services.ErrReservationHeld):
		utils.ConflictResponse(c, err.Error())
	case errors.Is(err, services.ErrInvalidTxHash):
		utils.BadRequestResponse(c, err.Error(), nil)
	default:
		utils.InternalErrorResponse(c, err.Error())
	}
}
