// internal/chain/contracts.go
package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Selector returns the 4-byte function selector for a canonical signature,
// e.g. "balanceOf(address)". Deriving selectors from signatures keeps the
// candidate tables free of hand-copied hex.
func Selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

// Well-known ERC-20 read selectors.
var (
	selSymbol    = Selector("symbol()")
	selDecimals  = Selector("decimals()")
	selBalanceOf = Selector("balanceOf(address)")
)

// BalanceOfCalldata builds calldata for balanceOf(address).
func BalanceOfCalldata(owner common.Address) []byte {
	return append(append([]byte{}, selBalanceOf...), common.LeftPadBytes(owner.Bytes(), 32)...)
}

// SymbolCalldata builds calldata for symbol().
func SymbolCalldata() []byte {
	return append([]byte{}, selSymbol...)
}

// The marketplace NFT contract: one token per dataset, with a link slot for
// the dataset's ERC-20 access token.
const nftABIJSON = `[
	{"name":"ownerOf","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"name":"getDatatoken","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"name":"linkDatatoken","type":"function","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"},{"name":"datatoken","type":"address"}],"outputs":[]},
	{"name":"mint","type":"function","stateMutability":"nonpayable","inputs":[{"name":"metadataURI","type":"string"},{"name":"contentId","type":"string"},{"name":"contentHash","type":"bytes32"},{"name":"isPrivate","type":"bool"},{"name":"decryptionKey","type":"string"},{"name":"to","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const factoryABIJSON = `[
	{"name":"createToken","type":"function","stateMutability":"nonpayable","inputs":[{"name":"nftId","type":"uint256"},{"name":"name","type":"string"},{"name":"symbol","type":"string"},{"name":"supply","type":"uint256"},{"name":"price","type":"uint256"},{"name":"decimals","type":"uint8"}],"outputs":[{"name":"","type":"address"}]},
	{"name":"tokenFor","type":"function","stateMutability":"view","inputs":[{"name":"nftId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]}
]`

var (
	nftABI     abi.ABI
	factoryABI abi.ABI
)

func init() {
	var err error
	nftABI, err = abi.JSON(strings.NewReader(nftABIJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid NFT ABI: %v", err))
	}
	factoryABI, err = abi.JSON(strings.NewReader(factoryABIJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid factory ABI: %v", err))
	}
}

// NFT call builders.

func OwnerOfCalldata(nftID *big.Int) ([]byte, error) {
	return nftABI.Pack("ownerOf", nftID)
}

func GetDatatokenCalldata(nftID *big.Int) ([]byte, error) {
	return nftABI.Pack("getDatatoken", nftID)
}

func LinkDatatokenCalldata(nftID *big.Int, datatoken common.Address) ([]byte, error) {
	return nftABI.Pack("linkDatatoken", nftID, datatoken)
}

func MintCalldata(metadataURI, contentID string, contentHash [32]byte, isPrivate bool, decryptionKey string, to common.Address) ([]byte, error) {
	return nftABI.Pack("mint", metadataURI, contentID, contentHash, isPrivate, decryptionKey, to)
}

// Factory call builders.

func CreateTokenCalldata(nftID *big.Int, name, symbol string, supply, price *big.Int, decimals uint8) ([]byte, error) {
	return factoryABI.Pack("createToken", nftID, name, symbol, supply, price, decimals)
}

func TokenForCalldata(nftID *big.Int) ([]byte, error) {
	return factoryABI.Pack("tokenFor", nftID)
}

// UnpackAddress decodes a single ABI-encoded address return value.
func UnpackAddress(data []byte) common.Address {
	if len(data) < 32 {
		return common.Address{}
	}
	return common.BytesToAddress(data[len(data)-20:])
}

// Compiled data token bytecode for raw deployment when no factory contract is
// available on the target network. Constructor:
//   (string name, string symbol, uint256 supply, uint256 price, uint8 decimals)
const datatokenBytecodeHex = "0x60806040523480156200001157600080fd5b5060405162001a4238038062001a4283398101604081905262000034916200024f565b84516200004990600090602088019062000112565b5083516200005f90600190602087019062000112565b506002805460ff191660ff831617905560038490556004839055336000818152600560209081526040808220879055815194855291840186905290927fddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef910160405180910390a35050505050620002f8565b8280546200012090620002bb565b90600052602060002090601f0160209004810192826200014457600085556200018f565b82601f106200015f57805160ff19168380011785556200018f565b828001600101855582156200018f579182015b828111156200018f57825182559160200191906001019062000172565b506200019d929150620001a1565b5090565b5b808211156200019d5760008155600101620001a2565b634e487b7160e01b600052604160045260246000fd5b600082601f830112620001e057600080fd5b81516001600160401b0380821115620001fd57620001fd620001b8565b604051601f8301601f19908116603f01168101908282118183101715620002285762000228620001b8565b816040528381526020925086838588010111156200024557600080fd5b6000915050565b600080600080600060a086880312156200026857600080fd5b85516001600160401b03808211156200028057600080fd5b6200028e89838a01620001ce565b96506020880151915080821115620002a557600080fd5b50620002b488828901620001ce565b945050604086015192506060860151915060808601519050929550929590935050565b600181811c90821680620002d057607f821691505b60208210811415620002f257634e487b7160e01b600052602260045260246000fd5b50919050565b61173a80620003086000396000f3fe"

// DatatokenBytecode returns the embedded deployment bytecode.
func DatatokenBytecode() []byte {
	return common.FromHex(datatokenBytecodeHex)
}

// EncodeDatatokenConstructor ABI-encodes the data token constructor args for
// appending to the deployment bytecode.
func EncodeDatatokenConstructor(name, symbol string, supply, price *big.Int, decimals uint8) ([]byte, error) {
	stringTy, err := abi.NewType("string", "", nil)
	if err != nil {
		return nil, err
	}
	uint256Ty, err := abi.NewType("uint256", "", nil)
	if err != nil {
		return nil, err
	}
	uint8Ty, err := abi.NewType("uint8", "", nil)
	if err != nil {
		return nil, err
	}

	args := abi.Arguments{
		{Type: stringTy},
		{Type: stringTy},
		{Type: uint256Ty},
		{Type: uint256Ty},
		{Type: uint8Ty},
	}
	return args.Pack(name, symbol, supply, price, decimals)
}

// UnsignedTx is a transaction prepared server-side and handed to the caller's
// wallet for signing. The server never holds user keys.
type UnsignedTx struct {
	From     common.Address  `json:"from"`
	To       *common.Address `json:"to,omitempty"` // nil for contract deployment
	Value    *hexutil.Big    `json:"value,omitempty"`
	Data     hexutil.Bytes   `json:"data,omitempty"`
	GasLimit hexutil.Uint64  `json:"gasLimit"`
	GasPrice *hexutil.Big    `json:"gasPrice,omitempty"`
	Nonce    hexutil.Uint64  `json:"nonce"`
	ChainID  int64           `json:"chainId"`
}

// transferTopic is the ERC-721/ERC-20 Transfer event signature hash.
var transferTopic = common.BytesToHash(crypto.Keccak256([]byte("Transfer(address,address,uint256)")))

// MintedTokenID extracts the token id minted by a transaction, from the
// Transfer(0x0 -> to, tokenId) event the NFT contract emits. Returns false if
// no matching log is present.
func MintedTokenID(receipt *types.Receipt, nftContract common.Address) (*big.Int, bool) {
	for _, entry := range receipt.Logs {
		if entry.Address != nftContract {
			continue
		}
		// ERC-721 Transfer carries all three params indexed.
		if len(entry.Topics) != 4 || entry.Topics[0] != transferTopic {
			continue
		}
		if entry.Topics[1] != (common.Hash{}) {
			continue // not a mint
		}
		return new(big.Int).SetBytes(entry.Topics[3].Bytes()), true
	}
	return nil, false
}

// DeployedContractAddress computes the address a raw CREATE deployment will
// land at, from sender and nonce.
func DeployedContractAddress(from common.Address, nonce uint64) common.Address {
	return crypto.CreateAddress(from, nonce)
}

// IsZeroAddress reports whether addr is the zero address.
func IsZeroAddress(addr common.Address) bool {
	return addr == (common.Address{})
}
