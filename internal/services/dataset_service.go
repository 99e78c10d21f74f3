// internal/services/dataset_service.go
package services

import (
	"errors"
	"fmt"
	"mime/multipart"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/datahaven/datamarket-backend/internal/models"
	"github.com/datahaven/datamarket-backend/internal/utils"
)

type DatasetService struct {
	db              *gorm.DB
	storageService  *StorageService
	purchaseService *PurchaseService
}

type CreateDatasetRequest struct {
	Title        string                 `json:"title" validate:"required,min=3,max=255"`
	Description  string                 `json:"description" validate:"required,min=10"`
	Category     string                 `json:"category" validate:"required"`
	Tags         []string               `json:"tags,omitempty"`
	PricingModel models.PricingModel    `json:"pricing_model" validate:"required"`
	Price        float64                `json:"price" validate:"min=0"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

type UpdateDatasetRequest struct {
	Title       string                 `json:"title,omitempty" validate:"omitempty,min=3,max=255"`
	Description string                 `json:"description,omitempty" validate:"omitempty,min=10"`
	Category    string                 `json:"category,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Price       float64                `json:"price,omitempty" validate:"omitempty,min=0"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Status      models.DatasetStatus   `json:"status,omitempty"`
}

type DatasetSearchParams struct {
	utils.PaginationParams
	OwnerID      *uuid.UUID            `json:"owner_id,omitempty"`
	Status       *models.DatasetStatus `json:"status,omitempty"`
	PricingModel *models.PricingModel  `json:"pricing_model,omitempty"`
	PriceMin     *float64              `json:"price_min,omitempty"`
	PriceMax     *float64              `json:"price_max,omitempty"`
	Tags         []string              `json:"tags,omitempty"`
	Tokenized    *bool                 `json:"tokenized,omitempty"`
}

type DownloadResult struct {
	URL         string `json:"url"`
	FileName    string `json:"file_name"`
	ContentHash string `json:"content_hash"`
	ExpiresIn   int    `json:"expires_in"` // seconds
}

func NewDatasetService(db *gorm.DB, storageService *StorageService, purchaseService *PurchaseService) *DatasetService {
	return &DatasetService{
		db:              db,
		storageService:  storageService,
		purchaseService: purchaseService,
	}
}

func (s *DatasetService) CreateDataset(ownerID uuid.UUID, req *CreateDatasetRequest) (*models.Dataset, error) {
	// Validate request
	if err := utils.ValidateStruct(req); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	// Verify owner exists and can publish
	var owner models.User
	if err := s.db.First(&owner, ownerID).Error; err != nil {
		return nil, fmt.Errorf("owner not found: %w", err)
	}

	if owner.Status != models.UserStatusActive {
		return nil, errors.New("owner account is not active")
	}

	if owner.UserType != models.UserTypePublisher && owner.UserType != models.UserTypeAdmin {
		return nil, errors.New("only publishers can create datasets")
	}

	if req.PricingModel != models.PricingModelFree && req.Price <= 0 {
		return nil, errors.New("paid datasets require a positive price")
	}

	dataset := &models.Dataset{
		OwnerID:      ownerID,
		Title:        req.Title,
		Description:  req.Description,
		Category:     req.Category,
		Tags:         req.Tags,
		PricingModel: req.PricingModel,
		Price:        req.Price,
		Metadata:     models.JSONB(req.Metadata),
		Status:       models.DatasetStatusDraft,
	}

	if err := s.db.Create(dataset).Error; err != nil {
		return nil, fmt.Errorf("failed to create dataset: %w", err)
	}

	s.db.Preload("Owner").First(dataset, dataset.ID)

	return dataset, nil
}

func (s *DatasetService) GetDataset(id uuid.UUID, userID *uuid.UUID) (*models.Dataset, error) {
	var dataset models.Dataset
	if err := s.db.Preload("Owner").First(&dataset, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("dataset not found")
		}
		return nil, fmt.Errorf("database error: %w", err)
	}

	// Drafts and suspended datasets are visible to the owner and admins only.
	if dataset.Status != models.DatasetStatusPublished {
		if userID == nil {
			return nil, errors.New("dataset not found")
		}
		if *userID != dataset.OwnerID {
			var user models.User
			if err := s.db.First(&user, *userID).Error; err != nil || user.UserType != models.UserTypeAdmin {
				return nil, errors.New("dataset not found")
			}
		}
	}

	// Increment view count if not the owner viewing
	if userID == nil || *userID != dataset.OwnerID {
		go s.incrementViewCount(id)
	}

	return &dataset, nil
}

func (s *DatasetService) UpdateDataset(id uuid.UUID, ownerID uuid.UUID, req *UpdateDatasetRequest) (*models.Dataset, error) {
	// Validate request
	if err := utils.ValidateStruct(req); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	var dataset models.Dataset
	if err := s.db.First(&dataset, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("dataset not found")
		}
		return nil, fmt.Errorf("database error: %w", err)
	}

	if dataset.OwnerID != ownerID {
		return nil, errors.New("unauthorized to update this dataset")
	}

	// Prepare updates
	updates := make(map[string]interface{})
	if req.Title != "" {
		updates["title"] = req.Title
	}
	if req.Description != "" {
		updates["description"] = req.Description
	}
	if req.Category != "" {
		updates["category"] = req.Category
	}
	if req.Price > 0 {
		updates["price"] = req.Price
	}
	if req.Tags != nil {
		updates["tags"] = req.Tags
	}
	if req.Metadata != nil {
		updates["metadata"] = models.JSONB(req.Metadata)
	}
	if req.Status != "" {
		if req.Status == models.DatasetStatusPublished && dataset.StorageKey == "" {
			return nil, errors.New("cannot publish a dataset without an uploaded file")
		}
		updates["status"] = req.Status
	}

	if err := s.db.Model(&dataset).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update dataset: %w", err)
	}

	s.db.Preload("Owner").First(&dataset, id)

	return &dataset, nil
}

func (s *DatasetService) DeleteDataset(id uuid.UUID, ownerID uuid.UUID) error {
	var dataset models.Dataset
	if err := s.db.First(&dataset, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.New("dataset not found")
		}
		return fmt.Errorf("database error: %w", err)
	}

	if dataset.OwnerID != ownerID {
		return errors.New("unauthorized to delete this dataset")
	}

	// Sold datasets stay around so buyers keep their downloads.
	var salesCount int64
	if err := s.db.Model(&models.Purchase{}).
		Where("dataset_id = ?", id).
		Count(&salesCount).Error; err != nil {
		return fmt.Errorf("failed to check purchases: %w", err)
	}

	if salesCount > 0 {
		return errors.New("cannot delete dataset with existing purchases")
	}

	if dataset.StorageKey != "" && s.storageService != nil {
		if err := s.storageService.DeleteFile(dataset.StorageKey); err != nil {
			return fmt.Errorf("failed to delete dataset file: %w", err)
		}
	}

	// Soft delete
	if err := s.db.Delete(&dataset).Error; err != nil {
		return fmt.Errorf("failed to delete dataset: %w", err)
	}

	return nil
}

func (s *DatasetService) SearchDatasets(params DatasetSearchParams) ([]models.Dataset, int64, error) {
	query := s.db.Model(&models.Dataset{}).Preload("Owner")

	// Apply filters
	if params.OwnerID != nil {
		query = query.Where("owner_id = ?", *params.OwnerID)
	}

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	} else {
		// Default to published datasets only
		query = query.Where("status = ?", models.DatasetStatusPublished)
	}

	if params.PricingModel != nil {
		query = query.Where("pricing_model = ?", *params.PricingModel)
	}

	if params.Category != "" {
		query = query.Where("category = ?", params.Category)
	}

	if params.Search != "" {
		searchTerm := "%" + strings.ToLower(params.Search) + "%"
		query = query.Where("LOWER(title) LIKE ? OR LOWER(description) LIKE ?", searchTerm, searchTerm)
	}

	if params.PriceMin != nil {
		query = query.Where("price >= ?", *params.PriceMin)
	}

	if params.PriceMax != nil {
		query = query.Where("price <= ?", *params.PriceMax)
	}

	if len(params.Tags) > 0 {
		query = query.Where("tags && ?", params.Tags)
	}

	if params.Tokenized != nil {
		if *params.Tokenized {
			query = query.Where("datatoken_address != ''")
		} else {
			query = query.Where("datatoken_address = ''")
		}
	}

	// Get total count
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count datasets: %w", err)
	}

	// Apply sorting and pagination
	allowedSortFields := []string{"created_at", "updated_at", "title", "price", "purchase_count", "download_count", "view_count"}
	query = utils.ApplySort(query, params.PaginationParams, allowedSortFields)
	query = utils.ApplyPagination(query, params.PaginationParams)

	var datasets []models.Dataset
	if err := query.Find(&datasets).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch datasets: %w", err)
	}

	return datasets, total, nil
}

func (s *DatasetService) GetOwnerDatasets(ownerID uuid.UUID, params utils.PaginationParams) ([]models.Dataset, int64, error) {
	query := s.db.Model(&models.Dataset{}).Where("owner_id = ?", ownerID)

	if params.Search != "" {
		searchTerm := "%" + strings.ToLower(params.Search) + "%"
		query = query.Where("LOWER(title) LIKE ? OR LOWER(description) LIKE ?", searchTerm, searchTerm)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count owner datasets: %w", err)
	}

	allowedSortFields := []string{"created_at", "updated_at", "title", "status", "purchase_count"}
	query = utils.ApplySort(query, params, allowedSortFields)
	query = utils.ApplyPagination(query, params)

	var datasets []models.Dataset
	if err := query.Find(&datasets).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch owner datasets: %w", err)
	}

	return datasets, total, nil
}

// UploadFile attaches the dataset file. The content hash recorded here is
// what tokenization later anchors on chain.
func (s *DatasetService) UploadFile(id uuid.UUID, ownerID uuid.UUID, file multipart.File, header *multipart.FileHeader) (*models.Dataset, error) {
	var dataset models.Dataset
	if err := s.db.First(&dataset, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("dataset not found")
		}
		return nil, fmt.Errorf("database error: %w", err)
	}

	if dataset.OwnerID != ownerID {
		return nil, errors.New("unauthorized to upload to this dataset")
	}

	// Tokenized datasets have their content hash anchored on chain; the
	// file is immutable from that point.
	if dataset.Tokenized() {
		return nil, errors.New("cannot replace the file of a tokenized dataset")
	}

	options := s.storageService.GetDefaultUploadOptions("datasets")
	result, err := s.storageService.UploadFile(file, header, options)
	if err != nil {
		return nil, fmt.Errorf("failed to upload file: %w", err)
	}

	// Replace the previous file if there was one.
	if dataset.StorageKey != "" && dataset.StorageKey != result.Key {
		s.storageService.DeleteFile(dataset.StorageKey)
	}

	updates := map[string]interface{}{
		"storage_key":  result.Key,
		"file_name":    header.Filename,
		"file_size":    result.Size,
		"content_hash": result.ContentHash,
	}

	if err := s.db.Model(&dataset).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to record file metadata: %w", err)
	}

	s.db.First(&dataset, id)
	return &dataset, nil
}

// Download returns a short-lived presigned URL. Access requires ownership or
// a ledger entry; free datasets only need the dataset to be published.
func (s *DatasetService) Download(id uuid.UUID, userID uuid.UUID) (*DownloadResult, error) {
	var dataset models.Dataset
	if err := s.db.First(&dataset, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("dataset not found")
		}
		return nil, fmt.Errorf("database error: %w", err)
	}

	if dataset.StorageKey == "" {
		return nil, errors.New("dataset has no uploaded file")
	}

	if !s.canDownload(&dataset, userID) {
		return nil, errors.New("purchase required to download this dataset")
	}

	const urlTTL = 15 * time.Minute
	url, err := s.storageService.GeneratePresignedURL(dataset.StorageKey, urlTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to generate download URL: %w", err)
	}

	go s.incrementDownloadCount(id)

	return &DownloadResult{
		URL:         url,
		FileName:    dataset.FileName,
		ContentHash: dataset.ContentHash,
		ExpiresIn:   int(urlTTL.Seconds()),
	}, nil
}

func (s *DatasetService) GetPopularDatasets(limit int) ([]models.Dataset, error) {
	var datasets []models.Dataset
	if err := s.db.Where("status = ?", models.DatasetStatusPublished).
		Order("purchase_count DESC, download_count DESC, view_count DESC").
		Limit(limit).
		Preload("Owner").
		Find(&datasets).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch popular datasets: %w", err)
	}

	return datasets, nil
}

// Helper methods

func (s *DatasetService) canDownload(dataset *models.Dataset, userID uuid.UUID) bool {
	if dataset.OwnerID == userID {
		return true
	}
	if dataset.PricingModel == models.PricingModelFree {
		return dataset.Status == models.DatasetStatusPublished
	}
	return s.purchaseService.HasPurchased(dataset.ID, userID)
}

func (s *DatasetService) incrementViewCount(datasetID uuid.UUID) {
	s.db.Model(&models.Dataset{}).Where("id = ?", datasetID).
		UpdateColumn("view_count", gorm.Expr("view_count + 1"))
}

func (s *DatasetService) incrementDownloadCount(datasetID uuid.UUID) {
	s.db.Model(&models.Dataset{}).Where("id = ?", datasetID).
		UpdateColumn("download_count", gorm.Expr("download_count + 1"))
}
