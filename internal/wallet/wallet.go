// Package wallet is the custody signer. It executes on-chain withdrawals
// from the custody address, in the chain's native currency or any ERC-20
// token, and satisfies the treasury service's WithdrawalExecutor.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrInvalidPrivateKey = errors.New("wallet: invalid private key")
	ErrInvalidAmount     = errors.New("wallet: invalid amount")
	ErrTransactionFailed = errors.New("wallet: transaction failed")
	ErrTimeout           = errors.New("wallet: operation timed out")
	ErrRPCConnection     = errors.New("wallet: RPC connection failed")
)

// NativeAsset is the asset code the treasury uses for the chain's native
// currency. Any other asset value is treated as an ERC-20 contract address.
const NativeAsset = "native"

// TransferError wraps transfer failures with the failing step and, when
// the transaction made it out, the hash.
type TransferError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("wallet: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

// Minimal ERC-20 ABI: transfer and balanceOf are all the custody signer needs.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// NativeGasLimit is the fixed cost of a plain value transfer.
	NativeGasLimit = uint64(21000)

	// DefaultTokenGasLimit is used when gas estimation fails for an
	// ERC-20 transfer.
	DefaultTokenGasLimit = uint64(100000)

	// DefaultConfirmationTimeout bounds receipt polling.
	DefaultConfirmationTimeout = 30 * time.Second

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// Config for creating the custody wallet.
type Config struct {
	RPCURL     string
	PrivateKey string // hex, 0x prefix optional
	ChainID    int64
}

// Option configures the wallet.
type Option func(*Wallet)

// WithClient sets a custom Ethereum client (used in tests).
func WithClient(client EthClient) Option {
	return func(w *Wallet) {
		w.client = client
	}
}

// Confirmation reports a mined transaction.
type Confirmation struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// Wallet signs and sends custody transactions.
type Wallet struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	erc20      abi.ABI

	// One in-flight signing at a time keeps nonces strictly increasing.
	sendMu sync.Mutex
}

// New creates a custody wallet. Without WithClient it dials the RPC URL.
func New(cfg Config, opts ...Option) (*Wallet, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	w := &Wallet{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		erc20:      parsedABI,
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		w.client = client
	}

	return w, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	if key := strings.TrimPrefix(cfg.PrivateKey, "0x"); len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	return nil
}

// Address returns the custody address.
func (w *Wallet) Address() string {
	return w.address.Hex()
}

// Transfer sends amount (base units) to the recipient and returns the tx
// hash. asset selects the rail: NativeAsset sends a plain value transfer,
// anything else is treated as an ERC-20 contract address.
func (w *Wallet) Transfer(ctx context.Context, asset string, to common.Address, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("%w: transfer amount must be positive", ErrInvalidAmount)
	}

	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return "", &TransferError{Op: "nonce", Err: err}
	}
	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &TransferError{Op: "gas_price", Err: err}
	}

	var tx *types.Transaction
	if asset == NativeAsset || asset == "" {
		tx = types.NewTransaction(nonce, to, amount, NativeGasLimit, gasPrice, nil)
	} else {
		contract := common.HexToAddress(asset)
		data, err := w.erc20.Pack("transfer", to, amount)
		if err != nil {
			return "", &TransferError{Op: "pack", Err: err}
		}

		gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
			From:  w.address,
			To:    &contract,
			Value: big.NewInt(0),
			Data:  data,
		})
		if err != nil {
			gasLimit = DefaultTokenGasLimit
		}

		tx = types.NewTransaction(nonce, contract, big.NewInt(0), gasLimit, gasPrice, data)
	}

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(w.chainID), w.privateKey)
	if err != nil {
		return "", &TransferError{Op: "sign", Err: err}
	}
	if err := w.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &TransferError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return signedTx.Hash().Hex(), nil
}

// WaitForConfirmation polls for the receipt until the transaction mines
// or the timeout passes. A reverted transaction is an error.
func (w *Wallet) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*Confirmation, error) {
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
			receipt, err := w.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not mined yet.
				continue
			}
			if receipt.Status == 0 {
				return nil, &TransferError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}
			return &Confirmation{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}

// BalanceOf reads an on-chain balance in base units. asset selects the
// rail the same way Transfer does.
func (w *Wallet) BalanceOf(ctx context.Context, asset string, addr common.Address) (*big.Int, error) {
	if asset == NativeAsset || asset == "" {
		return w.client.BalanceAt(ctx, addr, nil)
	}

	contract := common.HexToAddress(asset)
	data, err := w.erc20.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := w.client.CallContract(ctx, ethereum.CallMsg{
		To:   &contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}

	return new(big.Int).SetBytes(result), nil
}

// Close closes the client connection.
func (w *Wallet) Close() error {
	if w.client != nil {
		w.client.Close()
	}
	return nil
}
