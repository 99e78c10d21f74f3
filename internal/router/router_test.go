// internal/router/router_test.go
package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/datahaven/datamarket-backend/internal/config"
	"github.com/datahaven/datamarket-backend/internal/models"
)

// APITestSuite exercises the wired router end to end against an in-memory
// database: registration, dataset lifecycle, and the free-dataset purchase
// and download path.
type APITestSuite struct {
	suite.Suite
	db     *gorm.DB
	router *gin.Engine

	publisherToken string
	buyerToken     string
	datasetID      string
}

func (s *APITestSuite) SetupSuite() {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	s.Require().NoError(err)
	s.Require().NoError(db.AutoMigrate(
		&models.User{},
		&models.Dataset{},
		&models.Purchase{},
		&models.PurchaseReservation{},
		&models.Payout{},
	))
	s.db = db

	cfg := &config.Config{
		Environment: "test",
		JWT: config.JWTConfig{
			SecretKey:       "test-secret",
			AccessTokenTTL:  24,
			RefreshTokenTTL: 168,
		},
		Chain: config.ChainConfig{
			Network: config.NetworkConfig{
				ChainID:        1337,
				RPCURL:         "http://localhost:8545",
				GasLimit:       500000,
				PollInterval:   time.Millisecond,
				PollAttempts:   2,
				ReservationTTL: time.Minute,
			},
		},
		Payment: config.PaymentConfig{
			PlatformFeePercent: 5.0,
			MinimumPayout:      10.0,
		},
	}
	s.router = Initialize(db, cfg)
}

func (s *APITestSuite) request(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *APITestSuite) decode(w *httptest.ResponseRecorder) map[string]interface{} {
	var resp map[string]interface{}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func (s *APITestSuite) TestMarketplaceFlow() {
	// Health check is unauthenticated.
	w := s.request(http.MethodGet, "/health", "", nil)
	s.Equal(http.StatusOK, w.Code)

	// Register a publisher and a buyer.
	w = s.request(http.MethodPost, "/v1/auth/register", "", map[string]interface{}{
		"username":  "data_pub",
		"email":     "pub@example.com",
		"password":  "Str0ng!Pass",
		"user_type": "publisher",
	})
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	resp := s.decode(w)
	s.publisherToken = resp["data"].(map[string]interface{})["token"].(string)

	w = s.request(http.MethodPost, "/v1/auth/register", "", map[string]interface{}{
		"username":       "data_buyer",
		"email":          "buyer@example.com",
		"password":       "Str0ng!Pass",
		"user_type":      "buyer",
		"wallet_address": "0x2222222222222222222222222222222222222222",
	})
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	resp = s.decode(w)
	s.buyerToken = resp["data"].(map[string]interface{})["token"].(string)

	// Creating a dataset requires authentication.
	w = s.request(http.MethodPost, "/v1/datasets", "", map[string]interface{}{
		"title": "nope",
	})
	s.Equal(http.StatusUnauthorized, w.Code)

	// The publisher creates a draft dataset.
	w = s.request(http.MethodPost, "/v1/datasets", s.publisherToken, map[string]interface{}{
		"title":         "Hourly Weather Observations",
		"description":   "Ten years of station-level weather data",
		"category":      "climate",
		"pricing_model": "free",
	})
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	resp = s.decode(w)
	dataset := resp["data"].(map[string]interface{})["dataset"].(map[string]interface{})
	s.datasetID = dataset["id"].(string)
	s.Equal("draft", dataset["status"].(string))

	// Publishing without a file is rejected.
	w = s.request(http.MethodPut, "/v1/datasets/"+s.datasetID, s.publisherToken, map[string]interface{}{
		"status": "published",
	})
	s.Equal(http.StatusBadRequest, w.Code)

	// Attach a file out of band and publish.
	s.Require().NoError(s.db.Model(&models.Dataset{}).Where("id = ?", s.datasetID).
		Update("storage_key", "datasets/test.csv").Error)
	w = s.request(http.MethodPut, "/v1/datasets/"+s.datasetID, s.publisherToken, map[string]interface{}{
		"status": "published",
	})
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	// The buyer purchases the free dataset; no chain interaction involved.
	w = s.request(http.MethodPost, "/v1/datasets/"+s.datasetID+"/purchase", s.buyerToken, nil)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	resp = s.decode(w)
	prep := resp["data"].(map[string]interface{})
	s.Equal(true, prep["success"])
	s.NotEmpty(prep["purchase_id"])

	// And can now download it.
	w = s.request(http.MethodGet, "/v1/datasets/"+s.datasetID+"/download", s.buyerToken, nil)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	resp = s.decode(w)
	s.NotEmpty(resp["data"].(map[string]interface{})["url"])
}

func TestAPISuite(t *testing.T) {
	suite.Run(t, new(APITestSuite))
}
