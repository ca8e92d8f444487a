package treasury

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Blazingkevin/trustless-escrow/internal/idgen"
	"github.com/Blazingkevin/trustless-escrow/internal/money"
)

// MemoryStore keeps balances, journal, and allowances in process
// memory. It is the dev-mode and test backend; semantics mirror
// PostgresStore exactly.
type MemoryStore struct {
	mu         sync.RWMutex
	balances   map[string]*Balance   // account:asset
	allowances map[string]*Allowance // owner:asset
	entries    []*Entry              // append-only, oldest first
	deposits   map[string]bool       // tx hashes already credited
}

// NewMemoryStore creates an empty in-memory treasury store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:   make(map[string]*Balance),
		allowances: make(map[string]*Allowance),
		deposits:   make(map[string]bool),
	}
}

func balKey(account, asset string) string {
	return account + ":" + asset
}

// balance returns the live row, creating a zero one when absent.
// Callers hold the write lock.
func (m *MemoryStore) balance(account, asset string) *Balance {
	key := balKey(account, asset)
	b, ok := m.balances[key]
	if !ok {
		b = &Balance{
			Account:   account,
			Asset:     asset,
			Available: "0",
			Escrowed:  "0",
			TotalIn:   "0",
			TotalOut:  "0",
			UpdatedAt: time.Now(),
		}
		m.balances[key] = b
	}
	return b
}

func (m *MemoryStore) append(account, asset, typ, amount, txHash, reference, description string) {
	m.entries = append(m.entries, &Entry{
		ID:          idgen.New(),
		Account:     account,
		Asset:       asset,
		Type:        typ,
		Amount:      amount,
		TxHash:      txHash,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
}

func (m *MemoryStore) GetBalance(_ context.Context, account, asset string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if b, ok := m.balances[balKey(account, asset)]; ok {
		cp := *b
		return &cp, nil
	}
	return &Balance{
		Account:   account,
		Asset:     asset,
		Available: "0",
		Escrowed:  "0",
		TotalIn:   "0",
		TotalOut:  "0",
		UpdatedAt: time.Now(),
	}, nil
}

func (m *MemoryStore) ListBalances(_ context.Context, account string) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Balance
	prefix := account + ":"
	for k, b := range m.balances {
		if strings.HasPrefix(k, prefix) {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (m *MemoryStore) Credit(_ context.Context, account, asset, amount, txHash, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := money.MustParse(amount)
	b := m.balance(account, asset)
	b.Available = addAmount(b.Available, v)
	b.TotalIn = addAmount(b.TotalIn, v)
	b.UpdatedAt = time.Now()

	if txHash != "" {
		m.deposits[txHash] = true
	}
	m.append(account, asset, EntryDeposit, amount, txHash, "", description)
	return nil
}

func (m *MemoryStore) Debit(_ context.Context, account, asset, amount, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := money.MustParse(amount)
	b := m.balance(account, asset)
	avail := money.MustParse(b.Available)
	if avail.Cmp(v) < 0 {
		return ErrInsufficientFunds
	}
	b.Available = money.Format(avail.Sub(avail, v))
	b.TotalOut = addAmount(b.TotalOut, v)
	b.UpdatedAt = time.Now()

	m.append(account, asset, EntryWithdrawal, amount, "", reference, description)
	return nil
}

func (m *MemoryStore) Refund(_ context.Context, account, asset, amount, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := money.MustParse(amount)
	b := m.balance(account, asset)
	b.Available = addAmount(b.Available, v)
	b.TotalOut = subAmount(b.TotalOut, v)
	b.UpdatedAt = time.Now()

	m.append(account, asset, EntryRefund, amount, "", reference, description)
	return nil
}

func (m *MemoryStore) Lock(_ context.Context, payer, asset, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := money.MustParse(amount)
	b := m.balance(payer, asset)
	avail := money.MustParse(b.Available)
	if avail.Cmp(v) < 0 {
		return ErrInsufficientFunds
	}
	b.Available = money.Format(avail.Sub(avail, v))
	b.TotalOut = addAmount(b.TotalOut, v)
	b.UpdatedAt = time.Now()

	pool := m.balance(CustodyAccount, asset)
	pool.Escrowed = addAmount(pool.Escrowed, v)
	pool.UpdatedAt = time.Now()

	m.append(payer, asset, EntryEscrowLock, amount, "", reference, "escrow deposit locked")
	return nil
}

func (m *MemoryStore) PayFromLock(_ context.Context, recipient, asset, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payFromLockLocked(recipient, asset, amount, reference)
}

// payFromLockLocked is the shared single-leg movement. Callers hold the
// write lock.
func (m *MemoryStore) payFromLockLocked(recipient, asset, amount, reference string) error {
	v := money.MustParse(amount)
	pool := m.balance(CustodyAccount, asset)
	escrowed := money.MustParse(pool.Escrowed)
	if escrowed.Cmp(v) < 0 {
		return ErrInsufficientFunds
	}
	pool.Escrowed = money.Format(escrowed.Sub(escrowed, v))
	pool.UpdatedAt = time.Now()

	b := m.balance(recipient, asset)
	b.Available = addAmount(b.Available, v)
	b.TotalIn = addAmount(b.TotalIn, v)
	b.UpdatedAt = time.Now()

	m.append(recipient, asset, EntryEscrowPayout, amount, "", reference, "escrow payout received")
	return nil
}

func (m *MemoryStore) SplitFromLock(_ context.Context, asset, reference string, legs []Leg) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Verify the pool covers the whole split before moving anything,
	// so a failure leaves no partial payout behind.
	total := new(big.Int)
	for _, leg := range legs {
		total.Add(total, money.MustParse(leg.Amount))
	}
	pool := m.balance(CustodyAccount, asset)
	if money.MustParse(pool.Escrowed).Cmp(total) < 0 {
		return ErrInsufficientFunds
	}

	for _, leg := range legs {
		if err := m.payFromLockLocked(leg.Recipient, asset, leg.Amount, reference); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) ReturnFromLock(_ context.Context, payer, asset, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := money.MustParse(amount)
	pool := m.balance(CustodyAccount, asset)
	escrowed := money.MustParse(pool.Escrowed)
	if escrowed.Cmp(v) < 0 {
		return ErrInsufficientFunds
	}
	pool.Escrowed = money.Format(escrowed.Sub(escrowed, v))
	pool.UpdatedAt = time.Now()

	b := m.balance(payer, asset)
	b.Available = addAmount(b.Available, v)
	b.TotalOut = subAmount(b.TotalOut, v)
	b.UpdatedAt = time.Now()

	m.append(payer, asset, EntryEscrowReturn, amount, "", reference, "escrow deposit returned")
	return nil
}

func (m *MemoryStore) GetHistory(_ context.Context, account string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].Account == account {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) HasDeposit(_ context.Context, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deposits[txHash], nil
}

func (m *MemoryStore) SumBalances(_ context.Context) ([]AssetTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	avail := make(map[string]*big.Int)
	escrowed := make(map[string]*big.Int)
	for _, b := range m.balances {
		if _, ok := avail[b.Asset]; !ok {
			avail[b.Asset] = new(big.Int)
			escrowed[b.Asset] = new(big.Int)
		}
		avail[b.Asset].Add(avail[b.Asset], money.MustParse(b.Available))
		escrowed[b.Asset].Add(escrowed[b.Asset], money.MustParse(b.Escrowed))
	}

	out := make([]AssetTotals, 0, len(avail))
	for asset := range avail {
		out = append(out, AssetTotals{
			Asset:     asset,
			Available: money.Format(avail[asset]),
			Escrowed:  money.Format(escrowed[asset]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (m *MemoryStore) SetAllowance(_ context.Context, owner, asset, amount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.allowances[balKey(owner, asset)] = &Allowance{
		Owner:     owner,
		Asset:     asset,
		Remaining: amount,
		UpdatedAt: time.Now(),
	}
	return nil
}

func (m *MemoryStore) GetAllowance(_ context.Context, owner, asset string) (*Allowance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if a, ok := m.allowances[balKey(owner, asset)]; ok {
		cp := *a
		return &cp, nil
	}
	return &Allowance{Owner: owner, Asset: asset, Remaining: "0", UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) ListAllowances(_ context.Context, owner string) ([]*Allowance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Allowance
	prefix := owner + ":"
	for k, a := range m.allowances {
		if strings.HasPrefix(k, prefix) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (m *MemoryStore) SpendAllowance(_ context.Context, owner, asset, amount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.allowances[balKey(owner, asset)]
	if !ok {
		return ErrInsufficientAllowance
	}
	remaining := money.MustParse(a.Remaining)
	v := money.MustParse(amount)
	if remaining.Cmp(v) < 0 {
		return ErrInsufficientAllowance
	}
	a.Remaining = money.Format(remaining.Sub(remaining, v))
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RestoreAllowance(_ context.Context, owner, asset, amount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := balKey(owner, asset)
	a, ok := m.allowances[key]
	if !ok {
		a = &Allowance{Owner: owner, Asset: asset, Remaining: "0"}
		m.allowances[key] = a
	}
	a.Remaining = addAmount(a.Remaining, money.MustParse(amount))
	a.UpdatedAt = time.Now()
	return nil
}

func addAmount(current string, v *big.Int) string {
	cur := money.MustParse(current)
	return money.Format(cur.Add(cur, v))
}

// subAmount subtracts, flooring at zero. The running totals are
// informational; only the guarded buckets refuse to go negative with
// an error.
func subAmount(current string, v *big.Int) string {
	cur := money.MustParse(current)
	cur.Sub(cur, v)
	if cur.Sign() < 0 {
		return "0"
	}
	return money.Format(cur)
}
