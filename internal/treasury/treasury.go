// Package treasury implements the custodial balance ledger behind the
// escrow service: per-account, per-asset balances, idempotent deposit
// crediting, token allowances for escrow pulls, escrow custody
// movements, and withdrawals.
//
// Locked escrow funds live in a single pooled custody account rather
// than per-payer buckets, because payouts are addressed to recipients
// only. The conservation rule is that Lock, PayFromLock and
// ReturnFromLock never change the sum of available+escrowed across all
// accounts; only deposits and withdrawals cross the system boundary.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Blazingkevin/trustless-escrow/internal/idgen"
	"github.com/Blazingkevin/trustless-escrow/internal/money"
)

var (
	// ErrInsufficientFunds means the account's available balance does
	// not cover the requested movement.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateDeposit means the deposit tx hash was already credited.
	ErrDuplicateDeposit = errors.New("deposit already processed")

	// ErrInsufficientAllowance means a token escrow pull exceeds the
	// owner's remaining allowance.
	ErrInsufficientAllowance = errors.New("insufficient allowance")

	// ErrInvalidAmount means the amount string failed to parse or is
	// not positive.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrTransferFailed wraps on-chain withdrawal execution failures.
	ErrTransferFailed = errors.New("transfer failed")
)

// CustodyAccount is the reserved internal account that pools locked
// escrow funds. Real accounts are hex addresses, so the name cannot
// collide.
const CustodyAccount = "escrow:custody"

// NativeAsset mirrors the escrow service's code for the chain's native
// currency. Every other asset code is a token contract address.
const NativeAsset = "native"

// Entry types recorded in the treasury journal.
const (
	EntryDeposit      = "deposit"
	EntryWithdrawal   = "withdrawal"
	EntryRefund       = "refund"
	EntryEscrowLock   = "escrow_lock"
	EntryEscrowPayout = "escrow_payout"
	EntryEscrowReturn = "escrow_return"
)

// Balance is one account's position in one asset. Amounts are decimal
// strings.
type Balance struct {
	Account   string    `json:"account"`
	Asset     string    `json:"asset"`
	Available string    `json:"available"`
	Escrowed  string    `json:"escrowed"`
	TotalIn   string    `json:"totalIn"`
	TotalOut  string    `json:"totalOut"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entry is one journal record. Every balance movement appends at least
// one entry; entries are never mutated.
type Entry struct {
	ID          string    `json:"id"`
	Account     string    `json:"account"`
	Asset       string    `json:"asset"`
	Type        string    `json:"type"`
	Amount      string    `json:"amount"`
	TxHash      string    `json:"txHash,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Allowance is the amount of a token the escrow service may still pull
// from an owner's available balance.
type Allowance struct {
	Owner     string    `json:"owner"`
	Asset     string    `json:"asset"`
	Remaining string    `json:"remaining"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AssetTotals is the treasury-wide position in one asset, summed across
// every account including the custody pool.
type AssetTotals struct {
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Escrowed  string `json:"escrowed"`
}

// Leg is one recipient's share of a split payout from custody.
type Leg struct {
	Recipient string
	Amount    string
}

// Store persists balances, the journal, and allowances. Implementations
// must make each method atomic: balance change and journal entry land
// together or not at all.
type Store interface {
	GetBalance(ctx context.Context, account, asset string) (*Balance, error)
	ListBalances(ctx context.Context, account string) ([]*Balance, error)

	// Credit adds a deposit to available and records it under txHash.
	Credit(ctx context.Context, account, asset, amount, txHash, description string) error

	// Debit removes from available, refusing overdraft.
	Debit(ctx context.Context, account, asset, amount, reference, description string) error

	// Refund reverses a debit: credit available, decrement totalOut.
	Refund(ctx context.Context, account, asset, amount, reference, description string) error

	// Lock moves amount from the payer's available into the custody
	// pool's escrowed bucket.
	Lock(ctx context.Context, payer, asset, amount, reference string) error

	// PayFromLock moves amount from the custody pool to the
	// recipient's available balance, creating the account if needed.
	PayFromLock(ctx context.Context, recipient, asset, amount, reference string) error

	// SplitFromLock pays several recipients from the custody pool as
	// one atomic movement. Legs are pre-validated and nonzero.
	SplitFromLock(ctx context.Context, asset, reference string, legs []Leg) error

	// ReturnFromLock undoes a Lock, crediting the payer back.
	ReturnFromLock(ctx context.Context, payer, asset, amount, reference string) error

	GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error)
	HasDeposit(ctx context.Context, txHash string) (bool, error)

	// SumBalances returns per-asset totals across every account,
	// ordered by asset. The reconciliation checker reads these.
	SumBalances(ctx context.Context) ([]AssetTotals, error)

	SetAllowance(ctx context.Context, owner, asset, amount string) error
	GetAllowance(ctx context.Context, owner, asset string) (*Allowance, error)
	ListAllowances(ctx context.Context, owner string) ([]*Allowance, error)

	// SpendAllowance decrements the owner's remaining allowance,
	// refusing to go negative.
	SpendAllowance(ctx context.Context, owner, asset, amount string) error

	// RestoreAllowance adds amount back after a failed lock.
	RestoreAllowance(ctx context.Context, owner, asset, amount string) error
}

// WithdrawalExecutor sends funds on-chain. The wallet package provides
// the production implementation; nil means withdrawals stay off-chain.
type WithdrawalExecutor interface {
	Transfer(ctx context.Context, asset string, to common.Address, amount *big.Int) (txHash string, err error)
}

// Service is the treasury ledger. It is the production implementation
// behind the escrow service's Vault interface (adapted in the server
// package) and the backing for the /treasury HTTP surface.
type Service struct {
	store    Store
	executor WithdrawalExecutor
	logger   *slog.Logger
}

// New creates a treasury service over the given store.
func New(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// WithExecutor attaches an on-chain withdrawal executor.
func (s *Service) WithExecutor(ex WithdrawalExecutor) *Service {
	s.executor = ex
	return s
}

// Deposit credits an account's available balance, deduplicated by tx
// hash so chain watcher retries and webhook replays are harmless.
func (s *Service) Deposit(ctx context.Context, account, asset, amount, txHash string) error {
	done := observeOp("deposit")
	defer done()

	v, err := parsePositive(amount)
	if err != nil {
		return err
	}
	if strings.TrimSpace(txHash) == "" {
		return fmt.Errorf("%w: deposit requires a tx hash", ErrInvalidAmount)
	}

	seen, err := s.store.HasDeposit(ctx, txHash)
	if err != nil {
		return fmt.Errorf("checking deposit: %w", err)
	}
	if seen {
		return ErrDuplicateDeposit
	}

	if err := s.store.Credit(ctx, account, asset, money.Format(v), txHash, "deposit credited"); err != nil {
		return fmt.Errorf("crediting deposit: %w", err)
	}

	s.logger.Info("deposit credited",
		"account", account, "asset", asset, "amount", money.Format(v), "txHash", txHash)
	return nil
}

// Balance returns one account/asset position. Unknown accounts read as
// zero.
func (s *Service) Balance(ctx context.Context, account, asset string) (*Balance, error) {
	return s.store.GetBalance(ctx, account, asset)
}

// Balances returns every asset position the account holds.
func (s *Service) Balances(ctx context.Context, account string) ([]*Balance, error) {
	return s.store.ListBalances(ctx, account)
}

// SumBalances returns per-asset totals across every account. Everything
// credited internally is a claim on the custody wallet, so these totals
// are the system's liabilities.
func (s *Service) SumBalances(ctx context.Context) ([]AssetTotals, error) {
	return s.store.SumBalances(ctx)
}

// History returns the account's journal, newest first. Limit is
// clamped to [1, 200]; zero means the default of 50.
func (s *Service) History(ctx context.Context, account string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return s.store.GetHistory(ctx, account, limit)
}

// Approve sets (not increments) the owner's token allowance for escrow
// pulls. Zero revokes.
func (s *Service) Approve(ctx context.Context, owner, asset, amount string) error {
	done := observeOp("approve")
	defer done()

	v, ok := money.Parse(amount)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if asset == NativeAsset {
		return fmt.Errorf("%w: the native asset is attached, not approved", ErrInvalidAmount)
	}
	if err := s.store.SetAllowance(ctx, owner, asset, money.Format(v)); err != nil {
		return fmt.Errorf("setting allowance: %w", err)
	}
	s.logger.Info("allowance set", "owner", owner, "asset", asset, "amount", money.Format(v))
	return nil
}

// Allowance returns the owner's remaining allowance for one asset.
func (s *Service) Allowance(ctx context.Context, owner, asset string) (*Allowance, error) {
	return s.store.GetAllowance(ctx, owner, asset)
}

// Allowances returns every allowance the owner has set.
func (s *Service) Allowances(ctx context.Context, owner string) ([]*Allowance, error) {
	return s.store.ListAllowances(ctx, owner)
}

// WithdrawalReceipt reports the outcome of a withdrawal request.
type WithdrawalReceipt struct {
	Status string `json:"status"`
	Amount string `json:"amount"`
	TxHash string `json:"txHash,omitempty"`
}

// Withdraw debits the account and, when an executor is configured,
// sends the funds on-chain. The debit happens first so two concurrent
// withdrawals cannot both pass a balance check; a failed transfer is
// compensated with a refund credit.
func (s *Service) Withdraw(ctx context.Context, account, asset, amount, to string) (*WithdrawalReceipt, error) {
	done := observeOp("withdraw")
	defer done()

	v, err := parsePositive(amount)
	if err != nil {
		return nil, err
	}
	canonical := money.Format(v)

	ref := "withdrawal:" + account + ":" + idgen.WithPrefix("wd_")
	if err := s.store.Debit(ctx, account, asset, canonical, ref, "withdrawal requested"); err != nil {
		return nil, err
	}

	if s.executor == nil {
		s.logger.Info("withdrawal recorded",
			"account", account, "asset", asset, "amount", canonical)
		return &WithdrawalReceipt{Status: "pending", Amount: canonical}, nil
	}

	txHash, err := s.executor.Transfer(ctx, asset, common.HexToAddress(to), v)
	if err != nil {
		if rerr := s.store.Refund(ctx, account, asset, canonical, ref, "withdrawal reverted: transfer failed"); rerr != nil {
			s.logger.Error("CRITICAL: failed to refund after withdrawal transfer error",
				"account", account, "asset", asset, "amount", canonical, "ref", ref, "error", rerr)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	s.logger.Info("withdrawal executed",
		"account", account, "asset", asset, "amount", canonical, "to", to, "txHash", txHash)
	return &WithdrawalReceipt{Status: "completed", Amount: canonical, TxHash: txHash}, nil
}

// EscrowLock pulls an escrow deposit from the payer into the custody
// pool. Token assets additionally draw down the payer's allowance; the
// escrow service has already validated any attached native value.
func (s *Service) EscrowLock(ctx context.Context, payer, asset, gross string) error {
	done := observeOp("escrow_lock")
	defer done()

	v, err := parsePositive(gross)
	if err != nil {
		return err
	}
	canonical := money.Format(v)

	if asset != NativeAsset {
		if err := s.store.SpendAllowance(ctx, payer, asset, canonical); err != nil {
			return err
		}
	}
	if err := s.store.Lock(ctx, payer, asset, canonical, "escrow:deposit"); err != nil {
		// The allowance was already consumed; put it back so a
		// retry after topping up the balance still works.
		if asset != NativeAsset {
			if rerr := s.store.RestoreAllowance(ctx, payer, asset, canonical); rerr != nil {
				s.logger.Error("CRITICAL: failed to restore allowance after lock failure",
					"payer", payer, "asset", asset, "amount", canonical, "error", rerr)
			}
		}
		return err
	}

	TreasuryLocked.WithLabelValues(asset).Add(displayFloat(v))
	s.logger.Info("escrow deposit locked", "payer", payer, "asset", asset, "amount", canonical)
	return nil
}

// EscrowPayout moves funds from the custody pool to a recipient.
func (s *Service) EscrowPayout(ctx context.Context, recipient, asset, amount, reference string) error {
	done := observeOp("escrow_payout")
	defer done()

	v, err := parsePositive(amount)
	if err != nil {
		return err
	}
	if err := s.store.PayFromLock(ctx, recipient, asset, money.Format(v), reference); err != nil {
		return err
	}

	TreasuryLocked.WithLabelValues(asset).Sub(displayFloat(v))
	s.logger.Info("escrow payout",
		"recipient", recipient, "asset", asset, "amount", money.Format(v), "ref", reference)
	return nil
}

// EscrowSplit pays several recipients from the custody pool as one
// atomic movement. Zero-amount legs are skipped.
func (s *Service) EscrowSplit(ctx context.Context, asset, reference string, legs []Leg) error {
	done := observeOp("escrow_split")
	defer done()

	total := new(big.Int)
	paid := make([]Leg, 0, len(legs))
	for _, leg := range legs {
		v, ok := money.Parse(leg.Amount)
		if !ok {
			return fmt.Errorf("%w: leg for %s: %q", ErrInvalidAmount, leg.Recipient, leg.Amount)
		}
		if v.Sign() == 0 {
			continue
		}
		total.Add(total, v)
		paid = append(paid, Leg{Recipient: leg.Recipient, Amount: money.Format(v)})
	}
	if len(paid) == 0 {
		return nil
	}

	if err := s.store.SplitFromLock(ctx, asset, reference, paid); err != nil {
		return err
	}

	TreasuryLocked.WithLabelValues(asset).Sub(displayFloat(total))
	s.logger.Info("escrow split payout",
		"asset", asset, "legs", len(paid), "total", money.Format(total), "ref", reference)
	return nil
}

// EscrowReturn sends a locked deposit back to the payer after a failed
// escrow creation.
func (s *Service) EscrowReturn(ctx context.Context, payer, asset, amount, reference string) error {
	done := observeOp("escrow_return")
	defer done()

	v, err := parsePositive(amount)
	if err != nil {
		return err
	}
	if err := s.store.ReturnFromLock(ctx, payer, asset, money.Format(v), reference); err != nil {
		return err
	}

	TreasuryLocked.WithLabelValues(asset).Sub(displayFloat(v))
	s.logger.Info("escrow deposit returned",
		"payer", payer, "asset", asset, "amount", money.Format(v), "ref", reference)
	return nil
}

func parsePositive(amount string) (*big.Int, error) {
	v, ok := money.Parse(amount)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	return v, nil
}
