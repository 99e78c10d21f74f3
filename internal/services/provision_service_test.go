// internal/services/provision_service_test.go
package services

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/datahaven/datamarket-backend/internal/chain"
	"github.com/datahaven/datamarket-backend/internal/models"
)

// createDatasetWithNFT seeds a published dataset whose NFT is minted but which
// has no data token yet.
func createDatasetWithNFT(t *testing.T, db *gorm.DB, ownerID uuid.UUID) *models.Dataset {
	t.Helper()
	nftID := int64(7)
	dataset := &models.Dataset{
		OwnerID:      ownerID,
		Title:        "Road Sensor Feed",
		Description:  "Loop detector counts from urban arterials",
		Category:     "iot",
		PricingModel: models.PricingModelToken,
		Status:       models.DatasetStatusPublished,
		StorageKey:   "datasets/sensors.parquet",
		NFTID:        &nftID,
	}
	require.NoError(t, db.Create(dataset).Error)
	return dataset
}

func paddedAddress(addr common.Address) []byte {
	return common.LeftPadBytes(addr.Bytes(), 32)
}

func TestProvisionLinkedTokenShortCircuits(t *testing.T) {
	db := newTestDB(t)
	owner := createUser(t, db, "publisher", models.UserTypePublisher, testOwnerWallet)
	dataset := createDatasetWithNFT(t, db, owner.ID)

	linked := common.HexToAddress(testTokenAddr)
	provider := &stubProvider{
		callContract: func(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
			if bytes.HasPrefix(msg.Data, chain.Selector("getDatatoken(uint256)")) {
				return paddedAddress(linked), nil
			}
			return nil, errors.New("unexpected call")
		},
	}

	svc := NewProvisionService(db, testNetworkConfig(), connectTo(provider))

	result, err := svc.ProvisionToken(context.Background(), dataset.ID, testOwnerWallet, "", "")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.TokenExists)
	assert.Equal(t, linked.Hex(), result.TokenAddress)
	assert.Nil(t, result.UnsignedTransaction)

	var updated models.Dataset
	require.NoError(t, db.First(&updated, dataset.ID).Error)
	assert.Equal(t, linked.Hex(), updated.DatatokenAddress)
}

func TestProvisionNonOwnerRejected(t *testing.T) {
	db := newTestDB(t)
	owner := createUser(t, db, "publisher", models.UserTypePublisher, testOwnerWallet)
	dataset := createDatasetWithNFT(t, db, owner.ID)

	actualOwner := common.HexToAddress("0x9999999999999999999999999999999999999999")
	provider := &stubProvider{
		callContract: func(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
			switch {
			case bytes.HasPrefix(msg.Data, chain.Selector("getDatatoken(uint256)")):
				return make([]byte, 32), nil
			case bytes.HasPrefix(msg.Data, chain.Selector("ownerOf(uint256)")):
				return paddedAddress(actualOwner), nil
			}
			return nil, errors.New("unexpected call")
		},
	}

	svc := NewProvisionService(db, testNetworkConfig(), connectTo(provider))

	_, err := svc.ProvisionToken(context.Background(), dataset.ID, testOwnerWallet, "", "")
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestProvisionNoNFT(t *testing.T) {
	db := newTestDB(t)
	owner := createUser(t, db, "publisher", models.UserTypePublisher, testOwnerWallet)
	dataset := createDataset(t, db, owner.ID, false)

	svc := NewProvisionService(db, testNetworkConfig(), connectFail())

	result, err := svc.ProvisionToken(context.Background(), dataset.ID, testOwnerWallet, "", "")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "NFT")
}

func TestProvisionViaFactory(t *testing.T) {
	db := newTestDB(t)
	owner := createUser(t, db, "publisher", models.UserTypePublisher, testOwnerWallet)
	dataset := createDatasetWithNFT(t, db, owner.ID)

	network := testNetworkConfig()
	factoryAddr := common.HexToAddress(network.FactoryAddress)
	walletAddr := common.HexToAddress(testOwnerWallet)

	provider := &stubProvider{
		callContract: func(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
			switch {
			case bytes.HasPrefix(msg.Data, chain.Selector("getDatatoken(uint256)")):
				return make([]byte, 32), nil
			case bytes.HasPrefix(msg.Data, chain.Selector("ownerOf(uint256)")):
				return paddedAddress(walletAddr), nil
			}
			return nil, errors.New("unexpected call")
		},
		codeAt: func(ctx context.Context, account common.Address) ([]byte, error) {
			if account == factoryAddr {
				return []byte{0x60, 0x80}, nil
			}
			return nil, nil
		},
		nonceAt: func(ctx context.Context, account common.Address) (uint64, error) {
			return 7, nil
		},
	}

	svc := NewProvisionService(db, network, connectTo(provider))

	result, err := svc.ProvisionToken(context.Background(), dataset.ID, testOwnerWallet, "Sensors", "SNS")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.ViaFactory)
	require.NotNil(t, result.UnsignedTransaction)
	assert.Equal(t, factoryAddr, *result.UnsignedTransaction.To)
	assert.True(t, bytes.HasPrefix(result.UnsignedTransaction.Data, chain.Selector("createToken(uint256,string,string,uint256,uint256,uint8)")))
	assert.Equal(t, uint64(7), uint64(result.UnsignedTransaction.Nonce))
	assert.Empty(t, result.ExpectedTokenAddress)
}

func TestProvisionRawDeployWithoutFactory(t *testing.T) {
	db := newTestDB(t)
	owner := createUser(t, db, "publisher", models.UserTypePublisher, testOwnerWallet)
	dataset := createDatasetWithNFT(t, db, owner.ID)

	network := testNetworkConfig()
	network.FactoryAddress = ""
	walletAddr := common.HexToAddress(testOwnerWallet)

	provider := &stubProvider{
		callContract: func(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
			switch {
			case bytes.HasPrefix(msg.Data, chain.Selector("getDatatoken(uint256)")):
				return make([]byte, 32), nil
			case bytes.HasPrefix(msg.Data, chain.Selector("ownerOf(uint256)")):
				return paddedAddress(walletAddr), nil
			}
			return nil, errors.New("unexpected call")
		},
		nonceAt: func(ctx context.Context, account common.Address) (uint64, error) {
			return 3, nil
		},
	}

	svc := NewProvisionService(db, network, connectTo(provider))

	result, err := svc.ProvisionToken(context.Background(), dataset.ID, testOwnerWallet, "Sensors", "SNS")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.ViaFactory)
	require.NotNil(t, result.UnsignedTransaction)
	assert.Nil(t, result.UnsignedTransaction.To)
	// Deployments get extra headroom on top of the configured gas limit.
	assert.Equal(t, uint64(network.GasLimit*4), uint64(result.UnsignedTransaction.GasLimit))
	expected := chain.DeployedContractAddress(walletAddr, 3)
	assert.Equal(t, expected.Hex(), result.ExpectedTokenAddress)
}

func TestProvisionReusesDeployedUnlinkedToken(t *testing.T) {
	db := newTestDB(t)
	owner := createUser(t, db, "publisher", models.UserTypePublisher, testOwnerWallet)
	dataset := createDatasetWithNFT(t, db, owner.ID)

	deployed := common.HexToAddress(testTokenAddr)
	require.NoError(t, db.Model(dataset).Update("datatoken_address", deployed.Hex()).Error)

	walletAddr := common.HexToAddress(testOwnerWallet)
	provider := &stubProvider{
		callContract: func(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
			switch {
			case bytes.HasPrefix(msg.Data, chain.Selector("getDatatoken(uint256)")):
				return make([]byte, 32), nil
			case bytes.HasPrefix(msg.Data, chain.Selector("ownerOf(uint256)")):
				return paddedAddress(walletAddr), nil
			}
			return nil, errors.New("unexpected call")
		},
		codeAt: func(ctx context.Context, account common.Address) ([]byte, error) {
			if account == deployed {
				return []byte{0x60, 0x80}, nil
			}
			return nil, nil
		},
		nonceAt: func(ctx context.Context, account common.Address) (uint64, error) {
			return 4, nil
		},
	}

	svc := NewProvisionService(db, testNetworkConfig(), connectTo(provider))

	result, err := svc.ProvisionToken(context.Background(), dataset.ID, testOwnerWallet, "", "")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.LinkPending)
	assert.Equal(t, deployed.Hex(), result.TokenAddress)
	require.NotNil(t, result.UnsignedTransaction)
	assert.True(t, bytes.HasPrefix(result.UnsignedTransaction.Data, chain.Selector("linkDatatoken(uint256,address)")))
}

func TestProvisionProviderDownRecoverable(t *testing.T) {
	db := newTestDB(t)
	owner := createUser(t, db, "publisher", models.UserTypePublisher, testOwnerWallet)
	dataset := createDatasetWithNFT(t, db, owner.ID)

	svc := NewProvisionService(db, testNetworkConfig(), connectFail())

	result, err := svc.ProvisionToken(context.Background(), dataset.ID, testOwnerWallet, "", "")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.Recoverable)
}

func TestConfirmDeploymentRawAddress(t *testing.T) {
	db := newTestDB(t)
	owner := createUser(t, db, "publisher", models.UserTypePublisher, testOwnerWallet)
	dataset := createDatasetWithNFT(t, db, owner.ID)

	deployed := common.HexToAddress(testTokenAddr)
	provider := &stubProvider{
		transactionReceipt: func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
			return &types.Receipt{
				Status:          types.ReceiptStatusSuccessful,
				TxHash:          txHash,
				ContractAddress: deployed,
			}, nil
		},
		nonceAt: func(ctx context.Context, account common.Address) (uint64, error) {
			return 8, nil
		},
	}

	svc := NewProvisionService(db, testNetworkConfig(), connectTo(provider))

	result, err := svc.ConfirmDeployment(context.Background(), dataset.ID, testOwnerWallet, goodTxHash)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.LinkPending)
	assert.Equal(t, deployed.Hex(), result.TokenAddress)
	require.NotNil(t, result.UnsignedTransaction)
	assert.True(t, bytes.HasPrefix(result.UnsignedTransaction.Data, chain.Selector("linkDatatoken(uint256,address)")))

	var updated models.Dataset
	require.NoError(t, db.First(&updated, dataset.ID).Error)
	assert.Equal(t, deployed.Hex(), updated.DatatokenAddress)
}

func TestConfirmDeploymentFactoryReadback(t *testing.T) {
	db := newTestDB(t)
	owner := createUser(t, db, "publisher", models.UserTypePublisher, testOwnerWallet)
	dataset := createDatasetWithNFT(t, db, owner.ID)

	created := common.HexToAddress(testTokenAddr)
	provider := &stubProvider{
		transactionReceipt: func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
			// Factory creations carry no contract address on the receipt.
			return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash}, nil
		},
		callContract: func(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
			if bytes.HasPrefix(msg.Data, chain.Selector("tokenFor(uint256)")) {
				return paddedAddress(created), nil
			}
			return nil, errors.New("unexpected call")
		},
		nonceAt: func(ctx context.Context, account common.Address) (uint64, error) {
			return 9, nil
		},
	}

	svc := NewProvisionService(db, testNetworkConfig(), connectTo(provider))

	result, err := svc.ConfirmDeployment(context.Background(), dataset.ID, testOwnerWallet, goodTxHash)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, created.Hex(), result.TokenAddress)
}

func TestConfirmDeploymentLinkFailureStillSuccess(t *testing.T) {
	db := newTestDB(t)
	owner := createUser(t, db, "publisher", models.UserTypePublisher, testOwnerWallet)
	dataset := createDatasetWithNFT(t, db, owner.ID)

	deployed := common.HexToAddress(testTokenAddr)
	provider := &stubProvider{
		transactionReceipt: func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
			return &types.Receipt{
				Status:          types.ReceiptStatusSuccessful,
				TxHash:          txHash,
				ContractAddress: deployed,
			}, nil
		},
		nonceAt: func(ctx context.Context, account common.Address) (uint64, error) {
			return 0, errors.New("nonce unavailable")
		},
	}

	svc := NewProvisionService(db, testNetworkConfig(), connectTo(provider))

	result, err := svc.ConfirmDeployment(context.Background(), dataset.ID, testOwnerWallet, goodTxHash)
	require.NoError(t, err)
	// The token exists and is usable even though the link step stalled.
	assert.True(t, result.Success)
	assert.True(t, result.Recoverable)
	assert.NotEmpty(t, result.Warning)
	assert.Equal(t, deployed.Hex(), result.TokenAddress)

	var updated models.Dataset
	require.NoError(t, db.First(&updated, dataset.ID).Error)
	assert.Equal(t, deployed.Hex(), updated.DatatokenAddress)
}

func TestConfirmLinkRevertRecoverable(t *testing.T) {
	db := newTestDB(t)
	owner := createUser(t, db, "publisher", models.UserTypePublisher, testOwnerWallet)
	dataset := createDatasetWithNFT(t, db, owner.ID)
	require.NoError(t, db.Model(dataset).Update("datatoken_address", testTokenAddr).Error)

	provider := &stubProvider{
		transactionReceipt: func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
			return &types.Receipt{Status: types.ReceiptStatusFailed, TxHash: txHash}, nil
		},
	}

	svc := NewProvisionService(db, testNetworkConfig(), connectTo(provider))

	result, err := svc.ConfirmLink(context.Background(), dataset.ID, goodTxHash)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.Recoverable)
	assert.NotEmpty(t, result.Warning)
	assert.Equal(t, common.HexToAddress(testTokenAddr).Hex(), common.HexToAddress(result.TokenAddress).Hex())
}

func TestConfirmLinkSuccess(t *testing.T) {
	db := newTestDB(t)
	owner := createUser(t, db, "publisher", models.UserTypePublisher, testOwnerWallet)
	dataset := createDatasetWithNFT(t, db, owner.ID)
	require.NoError(t, db.Model(dataset).Update("datatoken_address", testTokenAddr).Error)

	provider := &stubProvider{
		transactionReceipt: func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
			return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash}, nil
		},
	}

	svc := NewProvisionService(db, testNetworkConfig(), connectTo(provider))

	result, err := svc.ConfirmLink(context.Background(), dataset.ID, goodTxHash)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.Warning)
	assert.False(t, result.Recoverable)
}

func TestMintNFTBuildsTransaction(t *testing.T) {
	db := newTestDB(t)
	owner := createUser(t, db, "publisher", models.UserTypePublisher, testOwnerWallet)
	dataset := createDataset(t, db, owner.ID, false)

	network := testNetworkConfig()
	provider := &stubProvider{
		nonceAt: func(ctx context.Context, account common.Address) (uint64, error) {
			return 2, nil
		},
	}

	svc := NewProvisionService(db, network, connectTo(provider))

	result, err := svc.MintNFT(context.Background(), dataset.ID, owner.ID, testOwnerWallet, "ipfs://Qm123", "", false)
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.NotNil(t, result.UnsignedTransaction)
	assert.Equal(t, common.HexToAddress(network.NFTAddress), *result.UnsignedTransaction.To)
	assert.NotEmpty(t, result.UnsignedTransaction.Data)
	assert.Equal(t, uint64(2), uint64(result.UnsignedTransaction.Nonce))
}

func TestMintNFTNonOwnerRejected(t *testing.T) {
	db := newTestDB(t)
	owner := createUser(t, db, "publisher", models.UserTypePublisher, testOwnerWallet)
	other := createUser(t, db, "other", models.UserTypePublisher, testWallet)
	dataset := createDataset(t, db, owner.ID, false)

	svc := NewProvisionService(db, testNetworkConfig(), connectFail())

	_, err := svc.MintNFT(context.Background(), dataset.ID, other.ID, testWallet, "ipfs://Qm123", "", false)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestConfirmMintRecordsTokenID(t *testing.T) {
	db := newTestDB(t)
	owner := createUser(t, db, "publisher", models.UserTypePublisher, testOwnerWallet)
	dataset := createDataset(t, db, owner.ID, false)

	network := testNetworkConfig()
	nftAddr := common.HexToAddress(network.NFTAddress)
	mintTopic := common.BytesToHash(crypto.Keccak256([]byte("Transfer(address,address,uint256)")))
	to := common.HexToAddress(testOwnerWallet)

	provider := &stubProvider{
		transactionReceipt: func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
			return &types.Receipt{
				Status: types.ReceiptStatusSuccessful,
				TxHash: txHash,
				Logs: []*types.Log{
					{
						Address: nftAddr,
						Topics: []common.Hash{
							mintTopic,
							{},
							common.BytesToHash(to.Bytes()),
							common.BigToHash(big.NewInt(12)),
						},
					},
				},
			}, nil
		},
	}

	svc := NewProvisionService(db, network, connectTo(provider))

	result, err := svc.ConfirmMint(context.Background(), dataset.ID, goodTxHash)
	require.NoError(t, err)
	assert.True(t, result.Success)

	var updated models.Dataset
	require.NoError(t, db.First(&updated, dataset.ID).Error)
	require.NotNil(t, updated.NFTID)
	assert.Equal(t, int64(12), *updated.NFTID)
}

func TestConfirmMintWithoutTransferLog(t *testing.T) {
	db := newTestDB(t)
	owner := createUser(t, db, "publisher", models.UserTypePublisher, testOwnerWallet)
	dataset := createDataset(t, db, owner.ID, false)

	provider := &stubProvider{
		transactionReceipt: func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
			return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash}, nil
		},
	}

	svc := NewProvisionService(db, testNetworkConfig(), connectTo(provider))

	result, err := svc.ConfirmMint(context.Background(), dataset.ID, goodTxHash)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.Recoverable)
}

func TestNormalizeTokenParams(t *testing.T) {
	dataset := &models.Dataset{Title: "Long Dataset Title", TokenName: "", TokenSymbol: ""}

	name, symbol := normalizeTokenParams("", "", dataset)
	assert.Equal(t, "Long Datas", name)
	assert.Equal(t, "DT", symbol)

	name, symbol = normalizeTokenParams("Weather Observations", "WEATHER", dataset)
	assert.Equal(t, "Weather Ob", name)
	assert.Equal(t, "WEATH", symbol)

	dataset.TokenName = "Stored"
	dataset.TokenSymbol = "STO"
	name, symbol = normalizeTokenParams("", "", dataset)
	assert.Equal(t, "Stored", name)
	assert.Equal(t, "STO", symbol)
}
