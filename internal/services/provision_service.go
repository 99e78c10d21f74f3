// internal/services/provision_service.go
package services

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/datahaven/datamarket-backend/internal/chain"
	"github.com/datahaven/datamarket-backend/internal/config"
	"github.com/datahaven/datamarket-backend/internal/models"
)

// ConnectFunc dials a chain provider. Injected so tests can substitute a
// mock without an RPC endpoint.
type ConnectFunc func(ctx context.Context, network config.NetworkConfig) (chain.Provider, error)

// Token parameter limits and defaults. Longer names have been observed to
// blow past gas limits with the embedded bytecode, so they are truncated
// rather than rejected.
const (
	maxTokenNameLen   = 10
	maxTokenSymbolLen = 5
)

var (
	defaultTokenSupply = big.NewInt(100)
	defaultTokenPrice  = big.NewInt(1e15) // wei per token
	defaultDecimals    = uint8(0)
)

// ProvisionService ensures a dataset's NFT has a data token: reuse if one is
// already linked, otherwise deploy (through the factory when one is on chain,
// raw bytecode when not) and link. The service only ever builds unsigned
// transactions; user wallets sign externally.
type ProvisionService struct {
	db      *gorm.DB
	network config.NetworkConfig
	connect ConnectFunc
}

func NewProvisionService(db *gorm.DB, network config.NetworkConfig, connect ConnectFunc) *ProvisionService {
	if connect == nil {
		connect = chain.Connect
	}
	return &ProvisionService{db: db, network: network, connect: connect}
}

type ProvisionResult struct {
	Success              bool              `json:"success"`
	TokenExists          bool              `json:"token_exists,omitempty"`
	TokenAddress         string            `json:"token_address,omitempty"`
	TxHash               string            `json:"tx_hash,omitempty"`
	UnsignedTransaction  *chain.UnsignedTx `json:"unsigned_transaction,omitempty"`
	ExpectedTokenAddress string            `json:"expected_token_address,omitempty"`
	ViaFactory           bool              `json:"via_factory,omitempty"`
	LinkPending          bool              `json:"link_pending,omitempty"`
	Warning              string            `json:"warning,omitempty"`
	Recoverable          bool              `json:"recoverable,omitempty"`
	Error                string            `json:"error,omitempty"`
}

// ProvisionToken walks checkExisting -> deployOrReuse and returns either the
// already-linked token address or an unsigned deployment transaction. Safe to
// call repeatedly: a linked token short-circuits, a deployed-but-unlinked
// token skips straight to the link step.
func (s *ProvisionService) ProvisionToken(ctx context.Context, datasetID uuid.UUID, wallet, tokenName, tokenSymbol string) (*ProvisionResult, error) {
	var dataset models.Dataset
	if err := s.db.First(&dataset, datasetID).Error; err != nil {
		return nil, fmt.Errorf("dataset %w", ErrNotFound)
	}
	if dataset.NFTID == nil {
		return &ProvisionResult{Success: false, Error: "dataset has no NFT; mint one first"}, nil
	}
	nftID := big.NewInt(*dataset.NFTID)
	walletAddr := common.HexToAddress(wallet)

	log := logrus.WithFields(logrus.Fields{
		"dataset": datasetID,
		"nft_id":  nftID,
		"wallet":  walletAddr.Hex(),
	})

	provider, err := s.connect(ctx, s.network)
	if err != nil {
		return &ProvisionResult{Success: false, Error: err.Error(), Recoverable: true}, nil
	}

	nftAddr := common.HexToAddress(s.network.NFTAddress)

	// checkExisting: a token already linked on chain wins immediately.
	linked, err := s.linkedToken(ctx, provider, nftAddr, nftID)
	if err == nil && !chain.IsZeroAddress(linked) {
		s.recordTokenAddress(&dataset, linked, tokenName, tokenSymbol)
		log.WithField("token", linked.Hex()).Info("Data token already linked")
		return &ProvisionResult{
			Success:      true,
			TokenExists:  true,
			TokenAddress: linked.Hex(),
		}, nil
	}

	// Authorization gate: only the NFT owner may provision. Terminal for
	// this caller.
	owner, err := s.nftOwner(ctx, provider, nftAddr, nftID)
	if err != nil {
		return &ProvisionResult{Success: false, Error: fmt.Sprintf("ownerOf failed: %v", err), Recoverable: true}, nil
	}
	if owner != walletAddr {
		return nil, ErrNotAuthorized
	}

	// A previous attempt may have deployed without managing to link. If
	// code exists at the recorded address, skip to the link step.
	if dataset.DatatokenAddress != "" {
		deployed := common.HexToAddress(dataset.DatatokenAddress)
		if code, cerr := provider.CodeAt(ctx, deployed); cerr == nil && len(code) > 0 {
			linkTx, lerr := s.buildLinkTx(ctx, provider, walletAddr, nftAddr, nftID, deployed)
			if lerr != nil {
				return &ProvisionResult{
					Success:      true,
					TokenAddress: deployed.Hex(),
					Warning:      fmt.Sprintf("token deployed but link transaction could not be built: %v", lerr),
					Recoverable:  true,
				}, nil
			}
			log.WithField("token", deployed.Hex()).Info("Reusing deployed token, relinking")
			return &ProvisionResult{
				Success:             true,
				TokenAddress:        deployed.Hex(),
				UnsignedTransaction: linkTx,
				LinkPending:         true,
			}, nil
		}
	}

	name, symbol := normalizeTokenParams(tokenName, tokenSymbol, &dataset)

	// deployOrReuse: prefer the factory when one is deployed on this
	// network; fall back to raw bytecode deployment.
	factoryAddr := common.HexToAddress(s.network.FactoryAddress)
	useFactory := false
	if s.network.FactoryAddress != "" {
		if code, cerr := provider.CodeAt(ctx, factoryAddr); cerr == nil && len(code) > 0 {
			useFactory = true
		}
	}

	nonce, err := provider.NonceAt(ctx, walletAddr)
	if err != nil {
		return &ProvisionResult{Success: false, Error: fmt.Sprintf("nonce query failed: %v", err), Recoverable: true}, nil
	}
	gasPrice, err := provider.SuggestGasPrice(ctx)
	if err != nil {
		log.WithError(err).Debug("Gas price query failed, leaving unset")
		gasPrice = nil
	}

	result := &ProvisionResult{Success: true, ViaFactory: useFactory}

	if useFactory {
		calldata, perr := chain.CreateTokenCalldata(nftID, name, symbol, defaultTokenSupply, defaultTokenPrice, defaultDecimals)
		if perr != nil {
			return &ProvisionResult{Success: false, Error: fmt.Sprintf("encode createToken: %v", perr)}, nil
		}
		result.UnsignedTransaction = &chain.UnsignedTx{
			From:     walletAddr,
			To:       &factoryAddr,
			Data:     calldata,
			GasLimit: hexutil.Uint64(s.network.GasLimit),
			Nonce:    hexutil.Uint64(nonce),
			ChainID:  s.network.ChainID,
		}
	} else {
		ctorArgs, perr := chain.EncodeDatatokenConstructor(name, symbol, defaultTokenSupply, defaultTokenPrice, defaultDecimals)
		if perr != nil {
			return &ProvisionResult{Success: false, Error: fmt.Sprintf("encode constructor: %v", perr)}, nil
		}
		deployData := append(chain.DatatokenBytecode(), ctorArgs...)
		expected := chain.DeployedContractAddress(walletAddr, nonce)
		result.UnsignedTransaction = &chain.UnsignedTx{
			From:     walletAddr,
			Data:     deployData,
			GasLimit: hexutil.Uint64(s.network.GasLimit * 4), // deployments run heavy
			Nonce:    hexutil.Uint64(nonce),
			ChainID:  s.network.ChainID,
		}
		result.ExpectedTokenAddress = expected.Hex()
	}

	if gasPrice != nil {
		result.UnsignedTransaction.GasPrice = (*hexutil.Big)(gasPrice)
	}

	log.WithField("via_factory", useFactory).Info("Provisioning transaction prepared")
	return result, nil
}

// ConfirmDeployment is called after the wallet has signed and sent the
// deployment/creation transaction. It waits for the receipt, resolves the
// token address, folds it into the dataset record, and returns the unsigned
// link transaction. A deploy that succeeded with a link that cannot proceed
// is still a success: the token exists and is usable, and linking is
// idempotently retryable via ProvisionToken.
func (s *ProvisionService) ConfirmDeployment(ctx context.Context, datasetID uuid.UUID, wallet, txHash string) (*ProvisionResult, error) {
	var dataset models.Dataset
	if err := s.db.First(&dataset, datasetID).Error; err != nil {
		return nil, fmt.Errorf("dataset %w", ErrNotFound)
	}
	if dataset.NFTID == nil {
		return &ProvisionResult{Success: false, Error: "dataset has no NFT"}, nil
	}
	nftID := big.NewInt(*dataset.NFTID)
	walletAddr := common.HexToAddress(wallet)

	provider, err := s.connect(ctx, s.network)
	if err != nil {
		return &ProvisionResult{Success: false, Error: err.Error(), Recoverable: true}, nil
	}

	receipt, err := chain.WaitForReceipt(ctx, provider, common.HexToHash(txHash), s.network.PollInterval, s.network.PollAttempts)
	if err != nil {
		return &ProvisionResult{Success: false, TxHash: txHash, Error: err.Error(), Recoverable: true}, nil
	}
	if err := chain.CheckReceiptStatus(receipt); err != nil {
		return &ProvisionResult{Success: false, TxHash: txHash, Error: err.Error()}, nil
	}

	// Raw deployments carry the new address on the receipt; factory
	// creations are read back from the factory.
	tokenAddr := receipt.ContractAddress
	if chain.IsZeroAddress(tokenAddr) {
		tokenAddr, err = s.factoryToken(ctx, provider, nftID)
		if err != nil || chain.IsZeroAddress(tokenAddr) {
			return &ProvisionResult{
				Success:     false,
				TxHash:      txHash,
				Error:       "deployment mined but token address could not be resolved",
				Recoverable: true,
			}, nil
		}
	}

	s.recordTokenAddress(&dataset, tokenAddr, dataset.TokenName, dataset.TokenSymbol)

	nftAddr := common.HexToAddress(s.network.NFTAddress)
	linkTx, lerr := s.buildLinkTx(ctx, provider, walletAddr, nftAddr, nftID, tokenAddr)
	if lerr != nil {
		logrus.WithFields(logrus.Fields{
			"dataset": datasetID,
			"token":   tokenAddr.Hex(),
		}).WithError(lerr).Warn("Token deployed but link preparation failed")
		return &ProvisionResult{
			Success:      true,
			TokenAddress: tokenAddr.Hex(),
			TxHash:       txHash,
			Warning:      fmt.Sprintf("token deployed but linking failed: %v", lerr),
			Recoverable:  true,
		}, nil
	}

	return &ProvisionResult{
		Success:             true,
		TokenAddress:        tokenAddr.Hex(),
		TxHash:              txHash,
		UnsignedTransaction: linkTx,
		LinkPending:         true,
	}, nil
}

// ConfirmLink verifies the link transaction landed. A reverted link is
// recoverable: the token stays usable and ProvisionToken retries linking.
func (s *ProvisionService) ConfirmLink(ctx context.Context, datasetID uuid.UUID, txHash string) (*ProvisionResult, error) {
	var dataset models.Dataset
	if err := s.db.First(&dataset, datasetID).Error; err != nil {
		return nil, fmt.Errorf("dataset %w", ErrNotFound)
	}

	provider, err := s.connect(ctx, s.network)
	if err != nil {
		return &ProvisionResult{Success: false, Error: err.Error(), Recoverable: true}, nil
	}

	receipt, err := chain.WaitForReceipt(ctx, provider, common.HexToHash(txHash), s.network.PollInterval, s.network.PollAttempts)
	if err != nil {
		return &ProvisionResult{
			Success:      true,
			TokenAddress: dataset.DatatokenAddress,
			TxHash:       txHash,
			Warning:      "link transaction not confirmed: " + err.Error(),
			Recoverable:  true,
		}, nil
	}
	if err := chain.CheckReceiptStatus(receipt); err != nil {
		return &ProvisionResult{
			Success:      true,
			TokenAddress: dataset.DatatokenAddress,
			TxHash:       txHash,
			Warning:      "link transaction reverted; token is deployed but unlinked",
			Recoverable:  true,
		}, nil
	}

	return &ProvisionResult{
		Success:      true,
		TokenAddress: dataset.DatatokenAddress,
		TxHash:       txHash,
	}, nil
}

// MintNFT prepares the unsigned NFT mint transaction for a dataset.
func (s *ProvisionService) MintNFT(ctx context.Context, datasetID, ownerID uuid.UUID, wallet, metadataURI, decryptionKey string, isPrivate bool) (*ProvisionResult, error) {
	var dataset models.Dataset
	if err := s.db.First(&dataset, datasetID).Error; err != nil {
		return nil, fmt.Errorf("dataset %w", ErrNotFound)
	}
	if dataset.OwnerID != ownerID {
		return nil, ErrNotAuthorized
	}

	walletAddr := common.HexToAddress(wallet)
	provider, err := s.connect(ctx, s.network)
	if err != nil {
		return &ProvisionResult{Success: false, Error: err.Error(), Recoverable: true}, nil
	}

	var contentHash [32]byte
	copy(contentHash[:], common.FromHex(dataset.ContentHash))

	calldata, err := chain.MintCalldata(metadataURI, dataset.StorageKey, contentHash, isPrivate, decryptionKey, walletAddr)
	if err != nil {
		return &ProvisionResult{Success: false, Error: fmt.Sprintf("encode mint: %v", err)}, nil
	}

	nonce, err := provider.NonceAt(ctx, walletAddr)
	if err != nil {
		return &ProvisionResult{Success: false, Error: fmt.Sprintf("nonce query failed: %v", err), Recoverable: true}, nil
	}

	nftAddr := common.HexToAddress(s.network.NFTAddress)
	tx := &chain.UnsignedTx{
		From:     walletAddr,
		To:       &nftAddr,
		Data:     calldata,
		GasLimit: hexutil.Uint64(s.network.GasLimit),
		Nonce:    hexutil.Uint64(nonce),
		ChainID:  s.network.ChainID,
	}
	if gasPrice, gerr := provider.SuggestGasPrice(ctx); gerr == nil {
		tx.GasPrice = (*hexutil.Big)(gasPrice)
	}

	return &ProvisionResult{Success: true, UnsignedTransaction: tx}, nil
}

// ConfirmMint waits for the mint transaction and records the minted NFT ID,
// taken from the token id topic of the ERC-721 Transfer event.
func (s *ProvisionService) ConfirmMint(ctx context.Context, datasetID uuid.UUID, txHash string) (*ProvisionResult, error) {
	var dataset models.Dataset
	if err := s.db.First(&dataset, datasetID).Error; err != nil {
		return nil, fmt.Errorf("dataset %w", ErrNotFound)
	}

	provider, err := s.connect(ctx, s.network)
	if err != nil {
		return &ProvisionResult{Success: false, Error: err.Error(), Recoverable: true}, nil
	}

	receipt, err := chain.WaitForReceipt(ctx, provider, common.HexToHash(txHash), s.network.PollInterval, s.network.PollAttempts)
	if err != nil {
		return &ProvisionResult{Success: false, TxHash: txHash, Error: err.Error(), Recoverable: true}, nil
	}
	if err := chain.CheckReceiptStatus(receipt); err != nil {
		return &ProvisionResult{Success: false, TxHash: txHash, Error: err.Error()}, nil
	}

	nftAddr := common.HexToAddress(s.network.NFTAddress)
	nftID, ok := chain.MintedTokenID(receipt, nftAddr)
	if !ok {
		return &ProvisionResult{
			Success:     false,
			TxHash:      txHash,
			Error:       "mint mined but token id could not be resolved from logs",
			Recoverable: true,
		}, nil
	}

	id := nftID.Int64()
	if err := s.db.Model(&dataset).Update("nft_id", id).Error; err != nil {
		logrus.WithField("dataset", datasetID).WithError(err).Error("Failed to record NFT id")
	}

	return &ProvisionResult{Success: true, TxHash: txHash}, nil
}

func (s *ProvisionService) linkedToken(ctx context.Context, provider chain.Provider, nftAddr common.Address, nftID *big.Int) (common.Address, error) {
	calldata, err := chain.GetDatatokenCalldata(nftID)
	if err != nil {
		return common.Address{}, err
	}
	raw, err := provider.CallContract(ctx, ethereum.CallMsg{To: &nftAddr, Data: calldata})
	if err != nil {
		return common.Address{}, err
	}
	return chain.UnpackAddress(raw), nil
}

func (s *ProvisionService) nftOwner(ctx context.Context, provider chain.Provider, nftAddr common.Address, nftID *big.Int) (common.Address, error) {
	calldata, err := chain.OwnerOfCalldata(nftID)
	if err != nil {
		return common.Address{}, err
	}
	raw, err := provider.CallContract(ctx, ethereum.CallMsg{To: &nftAddr, Data: calldata})
	if err != nil {
		return common.Address{}, err
	}
	return chain.UnpackAddress(raw), nil
}

func (s *ProvisionService) factoryToken(ctx context.Context, provider chain.Provider, nftID *big.Int) (common.Address, error) {
	if s.network.FactoryAddress == "" {
		return common.Address{}, fmt.Errorf("no factory configured")
	}
	factoryAddr := common.HexToAddress(s.network.FactoryAddress)
	calldata, err := chain.TokenForCalldata(nftID)
	if err != nil {
		return common.Address{}, err
	}
	raw, err := provider.CallContract(ctx, ethereum.CallMsg{To: &factoryAddr, Data: calldata})
	if err != nil {
		return common.Address{}, err
	}
	return chain.UnpackAddress(raw), nil
}

func (s *ProvisionService) buildLinkTx(ctx context.Context, provider chain.Provider, wallet, nftAddr common.Address, nftID *big.Int, token common.Address) (*chain.UnsignedTx, error) {
	calldata, err := chain.LinkDatatokenCalldata(nftID, token)
	if err != nil {
		return nil, err
	}
	nonce, err := provider.NonceAt(ctx, wallet)
	if err != nil {
		return nil, err
	}
	tx := &chain.UnsignedTx{
		From:     wallet,
		To:       &nftAddr,
		Data:     calldata,
		GasLimit: hexutil.Uint64(s.network.GasLimit),
		Nonce:    hexutil.Uint64(nonce),
		ChainID:  s.network.ChainID,
	}
	if gasPrice, gerr := provider.SuggestGasPrice(ctx); gerr == nil {
		tx.GasPrice = (*hexutil.Big)(gasPrice)
	}
	return tx, nil
}

func (s *ProvisionService) recordTokenAddress(dataset *models.Dataset, token common.Address, name, symbol string) {
	name, symbol = normalizeTokenParams(name, symbol, dataset)
	updates := map[string]interface{}{
		"datatoken_address": token.Hex(),
		"token_name":        name,
		"token_symbol":      symbol,
	}
	if err := s.db.Model(dataset).Updates(updates).Error; err != nil {
		logrus.WithField("dataset", dataset.ID).WithError(err).Error("Failed to record token address")
	}
}

func normalizeTokenParams(name, symbol string, dataset *models.Dataset) (string, string) {
	if name == "" {
		name = dataset.TokenName
	}
	if name == "" {
		name = dataset.Title
	}
	if symbol == "" {
		symbol = dataset.TokenSymbol
	}
	if symbol == "" {
		symbol = "DT"
	}
	if len(name) > maxTokenNameLen {
		name = name[:maxTokenNameLen]
	}
	if len(symbol) > maxTokenSymbolLen {
		symbol = symbol[:maxTokenSymbolLen]
	}
	return name, symbol
}
