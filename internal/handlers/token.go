// internal/handlers/token.go
package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/datahaven/datamarket-backend/internal/services"
	"github.com/datahaven/datamarket-backend/internal/utils"
)

// TokenHandler drives the tokenization flow: mint the dataset NFT, provision
// its data token, and confirm each signed transaction as it lands.
type TokenHandler struct {
	provisionService *services.ProvisionService
}

func NewTokenHandler(provisionService *services.ProvisionService) *TokenHandler {
	return &TokenHandler{
		provisionService: provisionService,
	}
}

type provisionTokenRequest struct {
	DatasetID     uuid.UUID `json:"dataset_id" validate:"required"`
	WalletAddress string    `json:"wallet_address" validate:"required,eth_address"`
	TokenName     string    `json:"token_name,omitempty"`
	TokenSymbol   string    `json:"token_symbol,omitempty"`
}

type mintNFTRequest struct {
	DatasetID     uuid.UUID `json:"dataset_id" validate:"required"`
	WalletAddress string    `json:"wallet_address" validate:"required,eth_address"`
	MetadataURI   string    `json:"metadata_uri,omitempty"`
	IsPrivate     bool      `json:"is_private,omitempty"`
	DecryptionKey string    `json:"decryption_key,omitempty"`
}

type confirmTxRequest struct {
	DatasetID       uuid.UUID `json:"dataset_id" validate:"required"`
	TransactionHash string    `json:"transaction_hash" validate:"required,tx_hash"`
	WalletAddress   string    `json:"wallet_address,omitempty" validate:"omitempty,eth_address"`
}

// POST /tokens/nft
func (h *TokenHandler) MintNFT(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		utils.UnauthorizedResponse(c, "")
		return
	}

	var req mintNFTRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid input", err.Error())
		return
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	result, err := h.provisionService.MintNFT(c.Request.Context(), req.DatasetID, userID, req.WalletAddress, req.MetadataURI, req.DecryptionKey, req.IsPrivate)
	if err != nil {
		h.respondProvisionError(c, err)
		return
	}

	utils.SuccessResponse(c, result)
}

// POST /tokens/nft/confirm
func (h *TokenHandler) ConfirmMint(c *gin.Context) {
	if _, ok := currentUserID(c); !ok {
		utils.UnauthorizedResponse(c, "")
		return
	}

	var req confirmTxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid input", err.Error())
		return
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	result, err := h.provisionService.ConfirmMint(c.Request.Context(), req.DatasetID, req.TransactionHash)
	if err != nil {
		h.respondProvisionError(c, err)
		return
	}

	utils.SuccessResponse(c, result)
}

// POST /tokens
func (h *TokenHandler) ProvisionToken(c *gin.Context) {
	if _, ok := currentUserID(c); !ok {
		utils.UnauthorizedResponse(c, "")
		return
	}

	var req provisionTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid input", err.Error())
		return
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	result, err := h.provisionService.ProvisionToken(c.Request.Context(), req.DatasetID, req.WalletAddress, req.TokenName, req.TokenSymbol)
	if err != nil {
		h.respondProvisionError(c, err)
		return
	}

	utils.SuccessResponse(c, result)
}

// POST /tokens/confirm-deployment
func (h *TokenHandler) ConfirmDeployment(c *gin.Context) {
	if _, ok := currentUserID(c); !ok {
		utils.UnauthorizedResponse(c, "")
		return
	}

	var req confirmTxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid input", err.Error())
		return
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	result, err := h.provisionService.ConfirmDeployment(c.Request.Context(), req.DatasetID, req.WalletAddress, req.TransactionHash)
	if err != nil {
		h.respondProvisionError(c, err)
		return
	}

	utils.SuccessResponse(c, result)
}

// POST /tokens/confirm-link
func (h *TokenHandler) ConfirmLink(c *gin.Context) {
	if _, ok := currentUserID(c); !ok {
		utils.UnauthorizedResponse(c, "")
		return
	}

	var req confirmTxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid input", err.Error())
		return
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	result, err := h.provisionService.ConfirmLink(c.Request.Context(), req.DatasetID, req.TransactionHash)
	if err != nil {
		h.respondProvisionError(c, err)
		return
	}

	utils.SuccessResponse(c, result)
}

func (h *TokenHandler) respondProvisionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		utils.NotFoundResponse(c, "Dataset")
	case errors.Is(err, services.ErrNotAuthorized):
		utils.ForbiddenResponse(c, err.Error())
	default:
		utils.InternalErrorResponse(c, err.Error())
	}
}
