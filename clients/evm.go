package clients

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/latinumai/x402-facilitator/tokens"
	"github.com/latinumai/x402-facilitator/types"
)

// ----------------- ERC-20 metadata ABI -----------------
const erc20MetadataABI = `[
	{"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

var erc20ABI = mustParseABI(erc20MetadataABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

// evmBackend is the part of *ethclient.Client the adapter uses.
type evmBackend interface {
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

var _ evmBackend = (*ethclient.Client)(nil)

// EVMClient adapts an EVM JSON-RPC endpoint to EVMLedger.
type EVMClient struct {
	network types.NetworkTier
	rpcURL  string
	eth     evmBackend
	limiter *limiter
}

var _ EVMLedger = (*EVMClient)(nil)

// NewEVMClient dials rpcURL.
func NewEVMClient(network types.NetworkTier, rpcURL string, rps float64, burst int) (*EVMClient, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ethereum rpc dial: %w", err)
	}
	return newEVMClient(network, rpcURL, eth, rps, burst), nil
}

func newEVMClient(network types.NetworkTier, rpcURL string, eth evmBackend, rps float64, burst int) *EVMClient {
	return &EVMClient{
		network: network,
		rpcURL:  rpcURL,
		eth:     eth,
		limiter: newLimiter(rps, burst),
	}
}

func (c *EVMClient) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	if err := c.limiter.wait(ctx); err != nil {
		return err
	}
	return c.eth.SendTransaction(ctx, tx)
}

// TransactionReceipt returns ethereum.NotFound while the transaction is pending.
func (c *EVMClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return nil, err
	}
	return c.eth.TransactionReceipt(ctx, hash)
}

func (c *EVMClient) TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return nil, false, err
	}
	return c.eth.TransactionByHash(ctx, hash)
}

func (c *EVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return 0, err
	}
	return c.eth.BlockNumber(ctx)
}

func (c *EVMClient) ChainID(ctx context.Context) (*big.Int, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return nil, err
	}
	return c.eth.ChainID(ctx)
}

// TokenMetadata calls symbol() and decimals() on an ERC-20 contract.
func (c *EVMClient) TokenMetadata(ctx context.Context, id string) (*tokens.Metadata, error) {
	if !common.IsHexAddress(id) {
		return nil, fmt.Errorf("invalid token address %q", id)
	}
	token := common.HexToAddress(id)

	var symbol string
	if err := c.call(ctx, token, "symbol", &symbol); err != nil {
		return nil, err
	}
	var decimals uint8
	if err := c.call(ctx, token, "decimals", &decimals); err != nil {
		return nil, err
	}
	return &tokens.Metadata{Symbol: symbol, Decimals: decimals}, nil
}

func (c *EVMClient) call(ctx context.Context, to common.Address, method string, out any) error {
	callData, err := erc20ABI.Pack(method)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}
	if err := c.limiter.wait(ctx); err != nil {
		return err
	}
	res, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: callData}, nil)
	if err != nil {
		return fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	if err := erc20ABI.UnpackIntoInterface(out, method, res); err != nil {
		return fmt.Errorf("unpack %s from %s: %w", method, to.Hex(), err)
	}
	return nil
}

func (c *EVMClient) Network() types.NetworkTier { return c.network }

func (c *EVMClient) Close() {
	c.eth.Close()
}
