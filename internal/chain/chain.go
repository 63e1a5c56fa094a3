// Package chain handles all blockchain interactions with the SHP bridge contract.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidAmount     = errors.New("chain: invalid amount")
	ErrTransactionFailed = errors.New("chain: transaction failed")
	ErrTimeout           = errors.New("chain: operation timed out")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
)

// CallError wraps contract call failures with context
type CallError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *CallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

// Bridge contract ABI: custodial mint/burn keyed by off-chain account
// references, plus supply management for the peg.
const bridgeABI = `[
	{"inputs":[{"name":"account","type":"string"},{"name":"amount","type":"uint256"},{"name":"ref","type":"string"}],"name":"mint","outputs":[],"type":"function"},
	{"inputs":[{"name":"account","type":"string"},{"name":"amount","type":"uint256"},{"name":"ref","type":"string"}],"name":"burn","outputs":[],"type":"function"},
	{"inputs":[{"name":"from","type":"string"},{"name":"to","type":"string"},{"name":"amount","type":"uint256"},{"name":"ref","type":"string"}],"name":"transferBetween","outputs":[],"type":"function"},
	{"inputs":[{"name":"price","type":"uint256"},{"name":"reserve","type":"uint256"}],"name":"updatePriceAndReserve","outputs":[],"type":"function"},
	{"inputs":[{"name":"supplyDelta","type":"uint256"},{"name":"expand","type":"bool"}],"name":"rebase","outputs":[],"type":"function"},
	{"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"inputs":[],"name":"collateralRatio","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// PriceDecimals is the fixed-point scale for on-chain peg prices.
	// A price of 1.0 is stored as 10^18.
	PriceDecimals = 18

	// DefaultGasLimit for bridge contract calls
	DefaultGasLimit = uint64(200000)

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 30 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for creating a new chain client
type Config struct {
	RPCURL         string
	PrivateKey     string // Hex string, with or without 0x prefix
	ChainID        int64
	BridgeContract string
}

// Option configures the client
type Option func(*Client)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(c *Client) {
		c.client = client
	}
}

// TxStatus reports where a submitted transaction stands.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
	TxUnknown   TxStatus = "unknown"
)

// TxResult contains details of a submitted contract call
type TxResult struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Nonce       uint64
}

// Client submits bridge contract calls signed with the operator key.
type Client struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
}

// New creates a new chain client
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey := privateKey.Public()
	publicKeyECDSA, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(bridgeABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse bridge ABI: %w", err)
	}

	c := &Client{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKeyECDSA),
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.BridgeContract),
		abi:        parsedABI,
	}

	for _, opt := range opts {
		opt(c)
	}

	// Connect to RPC if no client provided
	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}

	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if cfg.BridgeContract == "" {
		return fmt.Errorf("bridge contract address required")
	}
	return nil
}

// Address returns the operator address
func (c *Client) Address() string {
	return c.address.Hex()
}

// Mint credits freshly minted tokens to a custodial account. amount is
// in 18-decimal chain units; ref is a dedup key, the contract ignores a
// mint whose ref it has already seen.
func (c *Client) Mint(ctx context.Context, account string, amount *big.Int, ref string) (*TxResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: mint amount must be positive", ErrInvalidAmount)
	}
	return c.sendTx(ctx, "mint", account, amount, ref)
}

// Burn destroys tokens held by a custodial account. ref is a dedup key
// like in Mint.
func (c *Client) Burn(ctx context.Context, account string, amount *big.Int, ref string) (*TxResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: burn amount must be positive", ErrInvalidAmount)
	}
	return c.sendTx(ctx, "burn", account, amount, ref)
}

// TransferBetween moves tokens between two custodial accounts. ref is a
// dedup key like in Mint.
func (c *Client) TransferBetween(ctx context.Context, from, to string, amount *big.Int, ref string) (*TxResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: transfer amount must be positive", ErrInvalidAmount)
	}
	return c.sendTx(ctx, "transferBetween", from, to, amount, ref)
}

// UpdatePriceAndReserve publishes the peg price and reserve figure on chain.
// price and reserve are 18-decimal fixed point.
func (c *Client) UpdatePriceAndReserve(ctx context.Context, price, reserve *big.Int) (*TxResult, error) {
	return c.sendTx(ctx, "updatePriceAndReserve", price, reserve)
}

// Rebase adjusts total supply by supplyDelta. expand=true grows supply,
// false shrinks it.
func (c *Client) Rebase(ctx context.Context, supplyDelta *big.Int, expand bool) (*TxResult, error) {
	if supplyDelta == nil || supplyDelta.Sign() <= 0 {
		return nil, fmt.Errorf("%w: rebase delta must be positive", ErrInvalidAmount)
	}
	return c.sendTx(ctx, "rebase", supplyDelta, expand)
}

// TotalSupply reads the current token supply in 18-decimal chain units.
func (c *Client) TotalSupply(ctx context.Context) (*big.Int, error) {
	data, err := c.abi.Pack("totalSupply")
	if err != nil {
		return nil, fmt.Errorf("failed to pack totalSupply call: %w", err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call totalSupply: %w", err)
	}

	supply := new(big.Int)
	supply.SetBytes(result)
	return supply, nil
}

// CollateralRatio reads the reserve-to-supply ratio in 18-decimal fixed point.
func (c *Client) CollateralRatio(ctx context.Context) (*big.Int, error) {
	data, err := c.abi.Pack("collateralRatio")
	if err != nil {
		return nil, fmt.Errorf("failed to pack collateralRatio call: %w", err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call collateralRatio: %w", err)
	}

	ratio := new(big.Int)
	ratio.SetBytes(result)
	return ratio, nil
}

// sendTx packs, signs, and submits a contract call.
func (c *Client) sendTx(ctx context.Context, method string, args ...interface{}) (*TxResult, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, &CallError{Op: method + "/pack", Err: err}
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, &CallError{Op: method + "/nonce", Err: err}
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &CallError{Op: method + "/gas_price", Err: err}
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &c.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return nil, &CallError{Op: method + "/sign", Err: err}
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &CallError{Op: method + "/send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return &TxResult{
		TxHash: signedTx.Hash().Hex(),
		Nonce:  nonce,
	}, nil
}

// WaitForConfirmation waits for a transaction to be mined
func (c *Client) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*TxResult, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Transaction not yet mined, continue waiting
				continue
			}

			if receipt.Status == 0 {
				return nil, &CallError{
					Op:     "confirm",
					TxHash: txHash,
					Err:    ErrTransactionFailed,
				}
			}

			return &TxResult{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}

// Status reports where a previously submitted transaction stands.
// A transaction the node has never seen is TxUnknown; callers decide
// whether to resubmit.
func (c *Client) Status(ctx context.Context, txHash string) (TxStatus, error) {
	hash := common.HexToHash(txHash)

	receipt, err := c.client.TransactionReceipt(ctx, hash)
	if err == nil {
		if receipt.Status == 0 {
			return TxFailed, nil
		}
		return TxConfirmed, nil
	}

	// No receipt: check the mempool.
	_, pending, err := c.client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return TxUnknown, nil
		}
		return TxUnknown, fmt.Errorf("failed to look up tx %s: %w", txHash, err)
	}
	if pending {
		return TxPending, nil
	}
	// Mined but no receipt yet; treat as pending.
	return TxPending, nil
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
