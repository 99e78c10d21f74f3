// internal/handlers/dataset.go
package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/datahaven/datamarket-backend/internal/models"
	"github.com/datahaven/datamarket-backend/internal/services"
	"github.com/datahaven/datamarket-backend/internal/utils"
)

type DatasetHandler struct {
	datasetService *services.DatasetService
}

func NewDatasetHandler(datasetService *services.DatasetService) *DatasetHandler {
	return &DatasetHandler{
		datasetService: datasetService,
	}
}

// POST /datasets
func (h *DatasetHandler) CreateDataset(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		utils.UnauthorizedResponse(c, "")
		return
	}

	var req services.CreateDatasetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid input", err.Error())
		return
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	dataset, err := h.datasetService.CreateDataset(userID, &req)
	if err != nil {
		utils.BadRequestResponse(c, err.Error(), nil)
		return
	}

	utils.CreatedResponse(c, gin.H{
		"dataset": dataset,
	})
}

// GET /datasets
func (h *DatasetHandler) SearchDatasets(c *gin.Context) {
	params := services.DatasetSearchParams{
		PaginationParams: utils.GetPaginationParams(c),
	}

	if ownerIDStr := c.Query("owner_id"); ownerIDStr != "" {
		if ownerID, err := uuid.Parse(ownerIDStr); err == nil {
			params.OwnerID = &ownerID
		}
	}

	if pricingModel := c.Query("pricing_model"); pricingModel != "" {
		pm := models.PricingModel(pricingModel)
		params.PricingModel = &pm
	}

	if priceMin := c.Query("price_min"); priceMin != "" {
		if v, err := strconv.ParseFloat(priceMin, 64); err == nil {
			params.PriceMin = &v
		}
	}

	if priceMax := c.Query("price_max"); priceMax != "" {
		if v, err := strconv.ParseFloat(priceMax, 64); err == nil {
			params.PriceMax = &v
		}
	}

	if tokenized := c.Query("tokenized"); tokenized != "" {
		if v, err := strconv.ParseBool(tokenized); err == nil {
			params.Tokenized = &v
		}
	}

	if tags := c.QueryArray("tags"); len(tags) > 0 {
		params.Tags = tags
	}

	datasets, total, err := h.datasetService.SearchDatasets(params)
	if err != nil {
		utils.InternalErrorResponse(c, err.Error())
		return
	}

	result := utils.CreatePaginationResult(datasets, total, params.PaginationParams)
	utils.PaginatedResponse(c, result)
}

// GET /datasets/:id
func (h *DatasetHandler) GetDataset(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid dataset ID", nil)
		return
	}

	var userID *uuid.UUID
	if uid, ok := currentUserID(c); ok {
		userID = &uid
	}

	dataset, err := h.datasetService.GetDataset(id, userID)
	if err != nil {
		utils.NotFoundResponse(c, "Dataset")
		return
	}

	utils.SuccessResponse(c, gin.H{
		"dataset": dataset,
	})
}

// PUT /datasets/:id
func (h *DatasetHandler) UpdateDataset(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		utils.UnauthorizedResponse(c, "")
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid dataset ID", nil)
		return
	}

	var req services.UpdateDatasetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid input", err.Error())
		return
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	dataset, err := h.datasetService.UpdateDataset(id, userID, &req)
	if err != nil {
		utils.BadRequestResponse(c, err.Error(), nil)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"dataset": dataset,
	})
}

// DELETE /datasets/:id
func (h *DatasetHandler) DeleteDataset(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		utils.UnauthorizedResponse(c, "")
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid dataset ID", nil)
		return
	}

	if err := h.datasetService.DeleteDataset(id, userID); err != nil {
		utils.BadRequestResponse(c, err.Error(), nil)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": "Dataset deleted",
	})
}

// POST /datasets/:id/file
func (h *DatasetHandler) UploadFile(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		utils.UnauthorizedResponse(c, "")
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid dataset ID", nil)
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		utils.BadRequestResponse(c, "File is required", err.Error())
		return
	}
	defer file.Close()

	dataset, err := h.datasetService.UploadFile(id, userID, file, header)
	if err != nil {
		utils.BadRequestResponse(c, err.Error(), nil)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"dataset": dataset,
	})
}

// GET /datasets/:id/download
func (h *DatasetHandler) Download(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		utils.UnauthorizedResponse(c, "")
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid dataset ID", nil)
		return
	}

	result, err := h.datasetService.Download(id, userID)
	if err != nil {
		utils.ForbiddenResponse(c, err.Error())
		return
	}

	utils.SuccessResponse(c, result)
}

// GET /datasets/mine
func (h *DatasetHandler) GetMyDatasets(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		utils.UnauthorizedResponse(c, "")
		return
	}

	params := utils.GetPaginationParams(c)
	datasets, total, err := h.datasetService.GetOwnerDatasets(userID, params)
	if err != nil {
		utils.InternalErrorResponse(c, err.Error())
		return
	}

	result := utils.CreatePaginationResult(datasets, total, params)
	utils.PaginatedResponse(c, result)
}

// GET /datasets/popular
func (h *DatasetHandler) GetPopularDatasets(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if limit < 1 || limit > 50 {
		limit = 10
	}

	datasets, err := h.datasetService.GetPopularDatasets(limit)
	if err != nil {
		utils.InternalErrorResponse(c, err.Error())
		return
	}

	utils.SuccessResponse(c, gin.H{
		"datasets": datasets,
	})
}
