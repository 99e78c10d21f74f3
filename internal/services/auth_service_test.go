// internal/services/auth_service_test.go
package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datahaven/datamarket-backend/internal/config"
	"github.com/datahaven/datamarket-backend/internal/models"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		JWT: config.JWTConfig{
			SecretKey:       "test-secret",
			AccessTokenTTL:  24,
			RefreshTokenTTL: 168,
		},
		Payment: config.PaymentConfig{
			PlatformFeePercent: 5.0,
			MinimumPayout:      10.0,
		},
	}
}

func registerRequest(username string) *RegisterRequest {
	return &RegisterRequest{
		Username: username,
		Email:    username + "@example.com",
		Password: "Str0ng!Pass",
		UserType: models.UserTypeBuyer,
	}
}

func TestRegisterAndLogin(t *testing.T) {
	db := newTestDB(t)
	svc := NewAuthService(db, testConfig())

	resp, err := svc.Register(registerRequest("alice_1"))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, models.UserStatusActive, resp.User.Status)

	login, err := svc.Login(&LoginRequest{Email: "alice_1@example.com", Password: "Str0ng!Pass"})
	require.NoError(t, err)
	assert.Equal(t, resp.User.ID, login.User.ID)
	assert.NotNil(t, login.User.LastLoginAt)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	db := newTestDB(t)
	svc := NewAuthService(db, testConfig())

	_, err := svc.Register(registerRequest("alice_1"))
	require.NoError(t, err)

	dup := registerRequest("alice_2")
	dup.Email = "alice_1@example.com"
	_, err = svc.Register(dup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email already exists")
}

func TestRegisterWeakPasswordRejected(t *testing.T) {
	db := newTestDB(t)
	svc := NewAuthService(db, testConfig())

	req := registerRequest("alice_1")
	req.Password = "password"
	_, err := svc.Register(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestRegisterAdminTypeRejected(t *testing.T) {
	db := newTestDB(t)
	svc := NewAuthService(db, testConfig())

	req := registerRequest("alice_1")
	req.UserType = models.UserTypeAdmin
	_, err := svc.Register(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid user type")
}

func TestLoginWrongPassword(t *testing.T) {
	db := newTestDB(t)
	svc := NewAuthService(db, testConfig())

	_, err := svc.Register(registerRequest("alice_1"))
	require.NoError(t, err)

	_, err = svc.Login(&LoginRequest{Email: "alice_1@example.com", Password: "Wr0ng!Pass"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid email or password")
}

func TestLoginSuspendedAccount(t *testing.T) {
	db := newTestDB(t)
	svc := NewAuthService(db, testConfig())

	resp, err := svc.Register(registerRequest("alice_1"))
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", resp.User.ID).
		Update("status", models.UserStatusSuspended).Error)

	_, err = svc.Login(&LoginRequest{Email: "alice_1@example.com", Password: "Str0ng!Pass"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "suspended")
}

func TestRefreshToken(t *testing.T) {
	db := newTestDB(t)
	svc := NewAuthService(db, testConfig())

	resp, err := svc.Register(registerRequest("alice_1"))
	require.NoError(t, err)

	refreshed, err := svc.RefreshToken(resp.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, resp.User.ID, refreshed.User.ID)
	assert.NotEmpty(t, refreshed.AccessToken)

	_, err = svc.RefreshToken("not-a-token")
	assert.Error(t, err)
}

func TestConnectWalletUniqueness(t *testing.T) {
	db := newTestDB(t)
	svc := NewAuthService(db, testConfig())

	first, err := svc.Register(registerRequest("alice_1"))
	require.NoError(t, err)
	second, err := svc.Register(registerRequest("bob_1"))
	require.NoError(t, err)

	user, err := svc.ConnectWallet(first.User.ID, &ConnectWalletRequest{WalletAddress: testWallet})
	require.NoError(t, err)
	assert.Equal(t, testWallet, user.WalletAddress)

	_, err = svc.ConnectWallet(second.User.ID, &ConnectWalletRequest{WalletAddress: testWallet})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already connected")
}
