// Package watcher monitors the chain for token deposits to the custody
// address and credits them to the sender's treasury balance.
//
// Only ERC-20 transfers are watched; native deposits arrive through the
// treasury's deposit endpoint.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Blazingkevin/trustless-escrow/internal/money"
)

// ERC20 Transfer event signature.
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// DepositCreditor credits treasury balances. The treasury service
// implements it.
type DepositCreditor interface {
	Deposit(ctx context.Context, account, asset, amount, txHash string) error
}

// AccountChecker reports whether an address has registered. When set,
// deposits from unregistered senders are skipped instead of credited.
type AccountChecker interface {
	IsRegistered(ctx context.Context, address string) bool
}

// ChainReader is the slice of the eth client the watcher needs.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Config for the deposit watcher.
type Config struct {
	RPCURL         string
	CustodyAddress common.Address
	TokenContracts []common.Address
	PollInterval   time.Duration
	StartBlock     uint64 // 0 = latest
}

// DefaultConfig returns the default polling cadence.
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		StartBlock:   0,
	}
}

// Option configures the watcher.
type Option func(*Watcher)

// WithClient sets a custom chain reader (used in tests).
func WithClient(client ChainReader) Option {
	return func(w *Watcher) {
		w.client = client
	}
}

// WithChecker gates credits on account registration.
func WithChecker(checker AccountChecker) Option {
	return func(w *Watcher) {
		w.checker = checker
	}
}

// Watcher polls for incoming token transfers to the custody address.
type Watcher struct {
	client   ChainReader
	config   Config
	creditor DepositCreditor
	checker  AccountChecker
	logger   *slog.Logger

	// Seen transfer logs, keyed per log. The treasury dedups again by
	// reference, so a restart replaying old blocks stays harmless.
	processed map[string]bool
	mu        sync.Mutex

	lastBlock uint64

	stop chan struct{}
	done chan struct{}
}

// New creates a deposit watcher. Without WithClient it dials the RPC URL.
func New(cfg Config, creditor DepositCreditor, logger *slog.Logger, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		config:    cfg,
		creditor:  creditor,
		logger:    logger,
		processed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RPC: %w", err)
		}
		w.client = client
	}

	return w, nil
}

// Start begins polling for deposits.
func (w *Watcher) Start(ctx context.Context) error {
	if len(w.config.TokenContracts) == 0 {
		return fmt.Errorf("watcher: no token contracts configured")
	}

	if w.config.StartBlock == 0 {
		block, err := w.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock
	}

	w.logger.Info("deposit watcher started",
		"custody", w.config.CustodyAddress.Hex(),
		"tokens", len(w.config.TokenContracts),
		"startBlock", w.lastBlock,
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.checkForDeposits(ctx); err != nil {
				w.logger.Error("deposit check failed", "error", err)
			}
		}
	}
}

func (w *Watcher) checkForDeposits(ctx context.Context) error {
	currentBlock, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}
	if currentBlock <= w.lastBlock {
		return nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(w.lastBlock + 1),
		ToBlock:   new(big.Int).SetUint64(currentBlock),
		Addresses: w.config.TokenContracts,
		Topics: [][]common.Hash{
			{transferEventSig},
			nil, // any sender
			{common.BytesToHash(w.config.CustodyAddress.Bytes())},
		},
	}

	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, vLog := range logs {
		if err := w.processTransfer(ctx, vLog); err != nil {
			w.logger.Error("failed to process transfer", "tx", vLog.TxHash.Hex(), "error", err)
		}
	}

	w.lastBlock = currentBlock
	return nil
}

func (w *Watcher) processTransfer(ctx context.Context, vLog types.Log) error {
	// A tx can carry several transfers, so the dedup key is per log.
	ref := fmt.Sprintf("%s#%d", vLog.TxHash.Hex(), vLog.Index)

	w.mu.Lock()
	if w.processed[ref] {
		w.mu.Unlock()
		return nil
	}
	w.processed[ref] = true
	w.mu.Unlock()

	// On failure, unmark so the next poll cycle retries.
	var succeeded bool
	defer func() {
		if !succeeded {
			w.mu.Lock()
			delete(w.processed, ref)
			w.mu.Unlock()
		}
	}()

	if len(vLog.Topics) < 3 {
		return fmt.Errorf("invalid transfer event")
	}

	from := strings.ToLower(common.HexToAddress(vLog.Topics[1].Hex()).Hex())
	asset := strings.ToLower(vLog.Address.Hex())
	amount := new(big.Int).SetBytes(vLog.Data)

	if amount.Sign() <= 0 {
		succeeded = true // zero-value transfer, nothing to credit
		return nil
	}

	if w.checker != nil && !w.checker.IsRegistered(ctx, from) {
		w.logger.Info("deposit from unregistered address, skipping",
			"from", from, "asset", asset, "amount", money.Format(amount), "ref", ref)
		succeeded = true
		return nil
	}

	if err := w.creditor.Deposit(ctx, from, asset, money.Format(amount), ref); err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}

	w.logger.Info("deposit credited",
		"account", from, "asset", asset, "amount", money.Format(amount), "ref", ref)

	succeeded = true
	return nil
}
