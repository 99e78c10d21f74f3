// internal/router/router.go
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/datahaven/datamarket-backend/internal/config"
	"github.com/datahaven/datamarket-backend/internal/handlers"
	"github.com/datahaven/datamarket-backend/internal/middleware"
	"github.com/datahaven/datamarket-backend/internal/services"
	"github.com/datahaven/datamarket-backend/internal/utils"
)

func Initialize(db *gorm.DB, cfg *config.Config) *gin.Engine {
	// Initialize services
	storageService, _ := services.NewStorageService(cfg)
	authService := services.NewAuthService(db, cfg)
	purchaseService := services.NewPurchaseService(db, cfg.Chain.Network, nil)
	provisionService := services.NewProvisionService(db, cfg.Chain.Network, nil)
	datasetService := services.NewDatasetService(db, storageService, purchaseService)
	paymentService := services.NewPaymentService(db, cfg)

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(authService)
	datasetHandler := handlers.NewDatasetHandler(datasetService)
	purchaseHandler := handlers.NewPurchaseHandler(purchaseService)
	tokenHandler := handlers.NewTokenHandler(provisionService)
	paymentHandler := handlers.NewPaymentHandler(paymentService)

	// Set JWT secret
	utils.SetJWTSecret(cfg.JWT.SecretKey)

	// Initialize Gin router
	r := gin.New()

	// Global middleware
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS(cfg.Frontend.BaseURL))
	r.Use(middleware.GeneralRateLimit())

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"version": "1.0.0",
		})
	})

	// API v1 routes
	v1 := r.Group("/v1")
	{
		// Authentication routes
		auth := v1.Group("/auth")
		auth.Use(middleware.AuthRateLimit())
		{
			auth.POST("/register", authHandler.Register)
			auth.POST("/login", authHandler.Login)
			auth.POST("/refresh", authHandler.RefreshToken)
			auth.POST("/wallet", middleware.AuthRequired(), authHandler.ConnectWallet)
			auth.GET("/me", middleware.AuthRequired(), authHandler.GetProfile)
		}

		// Dataset routes
		datasets := v1.Group("/datasets")
		{
			datasets.GET("", middleware.OptionalAuth(), datasetHandler.SearchDatasets)
			datasets.GET("/popular", datasetHandler.GetPopularDatasets)
			datasets.GET("/mine", middleware.AuthRequired(), datasetHandler.GetMyDatasets)
			datasets.GET("/:id", middleware.OptionalAuth(), datasetHandler.GetDataset)

			// Authenticated routes
			protected := datasets.Group("")
			protected.Use(middleware.AuthRequired())
			{
				protected.POST("", datasetHandler.CreateDataset)
				protected.PUT("/:id", datasetHandler.UpdateDataset)
				protected.DELETE("/:id", datasetHandler.DeleteDataset)
				protected.POST("/:id/file", middleware.UploadRateLimit(), datasetHandler.UploadFile)
				protected.GET("/:id/download", datasetHandler.Download)
				protected.POST("/:id/purchase", middleware.PurchaseRateLimit(), purchaseHandler.InitiatePurchase)
				protected.POST("/:id/purchase/confirm", purchaseHandler.ConfirmPurchase)
			}
		}

		// Purchase routes
		purchases := v1.Group("/purchases")
		purchases.Use(middleware.AuthRequired())
		{
			purchases.GET("", purchaseHandler.GetMyPurchases)
		}

		// Tokenization routes
		tokens := v1.Group("/tokens")
		tokens.Use(middleware.AuthRequired())
		{
			tokens.POST("", tokenHandler.ProvisionToken)
			tokens.POST("/confirm-deployment", tokenHandler.ConfirmDeployment)
			tokens.POST("/confirm-link", tokenHandler.ConfirmLink)
			tokens.POST("/nft", tokenHandler.MintNFT)
			tokens.POST("/nft/confirm", tokenHandler.ConfirmMint)
		}

		// Payment routes
		payments := v1.Group("/payments")
		payments.Use(middleware.AuthRequired())
		{
			payments.POST("/intent", paymentHandler.CreatePaymentIntent)
			payments.GET("/history", paymentHandler.GetPaymentHistory)
			payments.GET("/balance", paymentHandler.GetBalance)
			payments.POST("/payouts", paymentHandler.RequestPayout)
			payments.GET("/payouts", paymentHandler.GetPayouts)
		}

		// Category routes
		categories := v1.Group("/categories")
		{
			categories.GET("", getCategoriesHandler)
		}
	}

	// Static file serving (for development)
	if cfg.Environment == "development" {
		r.Static("/uploads", "./uploads")
	}

	return r
}

// Helper handlers for simple endpoints
func getCategoriesHandler(c *gin.Context) {
	categories := []map[string]interface{}{
		{"id": "finance", "name": "Finance & Markets", "icon": "chart"},
		{"id": "healthcare", "name": "Healthcare", "icon": "heart"},
		{"id": "geospatial", "name": "Geospatial", "icon": "map"},
		{"id": "climate", "name": "Climate & Environment", "icon": "cloud"},
		{"id": "retail", "name": "Retail & Commerce", "icon": "cart"},
		{"id": "social", "name": "Social & Media", "icon": "users"},
		{"id": "iot", "name": "IoT & Sensors", "icon": "cpu"},
		{"id": "research", "name": "Research", "icon": "flask"},
	}

	utils.SuccessResponse(c, gin.H{
		"categories": categories,
	})
}
