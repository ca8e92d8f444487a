package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Blazingkevin/trustless-escrow/internal/money"
)

// MemoryStore is an in-memory escrow store for development mode and
// tests. IDs are assigned from an in-process counter; fee accrual and
// the insert happen under one lock, mirroring the transactional
// behavior of the Postgres store.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[uint64]*Escrow
	nextID  uint64
	fees    map[string]*big.Int // asset -> accrued platform fees, base units
}

// NewMemoryStore creates an empty in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[uint64]*Escrow),
		fees:    make(map[string]*big.Int),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow, fee string) error {
	if fee == "" {
		fee = "0"
	}
	feeAmt, ok := money.Parse(fee)
	if !ok {
		return fmt.Errorf("%w: fee %q", ErrInvalidAmount, fee)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e.ID = m.nextID
	m.nextID++
	m.escrows[e.ID] = e.Clone()

	if feeAmt.Sign() > 0 {
		acc, ok := m.fees[e.Asset]
		if !ok {
			acc = new(big.Int)
			m.fees[e.Asset] = acc
		}
		acc.Add(acc, feeAmt)
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.escrows[e.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.IsTerminal() {
		return ErrInvalidState
	}
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) Restore(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; !ok {
		return ErrNotFound
	}
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var matched []*Escrow
	for _, e := range m.escrows {
		if filter.Party != "" && e.Client != filter.Party && e.Freelancer != filter.Party {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.Cursor != 0 && e.ID >= filter.Cursor {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	if len(matched) > limit {
		matched = matched[:limit]
	}

	result := make([]*Escrow, len(matched))
	for i, e := range matched {
		result[i] = e.Clone()
	}
	return result, nil
}

func (m *MemoryStore) ListFundedDeadlineBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusFunded && e.Deadline.Before(cutoff) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Deadline.Before(matched[j].Deadline) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	result := make([]*Escrow, len(matched))
	for i, e := range matched {
		result[i] = e.Clone()
	}
	return result, nil
}

func (m *MemoryStore) Count(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextID, nil
}

func (m *MemoryStore) FeeBalances(ctx context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.fees))
	for asset, amt := range m.fees {
		out[asset] = money.Format(amt)
	}
	return out, nil
}

// QueryForAnalytics returns escrows matching the analytics filter.
func (m *MemoryStore) QueryForAnalytics(_ context.Context, filter AnalyticsFilter, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if filter.Freelancer != "" && e.Freelancer != strings.ToLower(filter.Freelancer) {
			continue
		}
		if filter.Asset != "" && e.Asset != filter.Asset {
			continue
		}
		if filter.From != nil && e.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && e.CreatedAt.After(*filter.To) {
			continue
		}
		result = append(result, e.Clone())
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
