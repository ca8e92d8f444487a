// Package reconciliation verifies that the books balance. The custody
// pool must hold exactly what open escrows and accrued platform fees
// account for, and, when chain settlement is enabled, the custody
// wallet's on-chain balance must cover every internal liability.
//
// The checks are read-only. A mismatch is surfaced through the report,
// the logs, and the reconciliation gauges; repairing state is an
// operator decision, never automatic.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/Blazingkevin/trustless-escrow/internal/escrow"
	"github.com/Blazingkevin/trustless-escrow/internal/money"
	"github.com/Blazingkevin/trustless-escrow/internal/treasury"
)

// listPageSize bounds each store read while walking open escrows.
const listPageSize = 200

// overdueScanLimit caps the claimable-but-unclaimed scan per run.
const overdueScanLimit = 500

// EscrowBooks is the slice of the escrow store the checker reads.
type EscrowBooks interface {
	List(ctx context.Context, filter escrow.ListFilter) ([]*escrow.Escrow, error)
	ListFundedDeadlineBefore(ctx context.Context, cutoff time.Time, limit int) ([]*escrow.Escrow, error)
	FeeBalances(ctx context.Context) (map[string]string, error)
}

// PoolReader reports treasury positions. The treasury service
// implements it.
type PoolReader interface {
	Balances(ctx context.Context, account string) ([]*treasury.Balance, error)
	SumBalances(ctx context.Context) ([]treasury.AssetTotals, error)
}

// ChainReader reports the custody wallet's on-chain balance in one
// asset. Optional; without one the on-chain check is skipped.
type ChainReader interface {
	CustodyBalance(ctx context.Context, asset string) (*big.Int, error)
}

// AssetCheck is the pool conservation check for one asset: what the
// custody pool holds against what open escrows and accrued fees say it
// should hold.
type AssetCheck struct {
	Asset     string `json:"asset"`
	Pooled    string `json:"pooled"`
	Committed string `json:"committed"`
	Fees      string `json:"fees"`
	Diff      string `json:"diff"`
	Match     bool   `json:"match"`
}

// ChainCheck compares the custody wallet's on-chain balance against the
// sum of every internal balance in that asset.
type ChainCheck struct {
	Asset       string `json:"asset"`
	OnChain     string `json:"onChain"`
	Liabilities string `json:"liabilities"`
	Diff        string `json:"diff"`
	Match       bool   `json:"match"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	CheckedAt time.Time    `json:"checkedAt"`
	Healthy   bool         `json:"healthy"`
	Pool      []AssetCheck `json:"pool"`
	Chain     []ChainCheck `json:"chain,omitempty"`

	// OverdueEscrows counts funded escrows whose deadline plus grace
	// period has passed without anyone settling or claiming them.
	OverdueEscrows int `json:"overdueEscrows"`
}

// Checker runs reconciliation checks over the escrow books and the
// treasury.
type Checker struct {
	books  EscrowBooks
	pool   PoolReader
	chain  ChainReader
	logger *slog.Logger

	// driftThreshold absorbs expected on-chain shortfall, mainly gas
	// spent from the custody wallet's native balance between top-ups.
	// The pool check is always exact.
	driftThreshold *big.Int

	now func() time.Time
}

// New creates a checker over the escrow books and the treasury.
func New(books EscrowBooks, pool PoolReader, logger *slog.Logger) *Checker {
	return &Checker{
		books:          books,
		pool:           pool,
		logger:         logger,
		driftThreshold: new(big.Int),
		now:            time.Now,
	}
}

// WithChain enables the on-chain solvency check.
func (c *Checker) WithChain(chain ChainReader) *Checker {
	c.chain = chain
	return c
}

// WithDriftThreshold sets the tolerated on-chain shortfall per asset.
// Unparseable amounts are ignored.
func (c *Checker) WithDriftThreshold(amount string) *Checker {
	if v, ok := money.Parse(amount); ok && v.Sign() >= 0 {
		c.driftThreshold = v
	}
	return c
}

// Run executes every configured check, updates the reconciliation
// gauges, and returns the combined report. Partial results are not
// returned: any read error fails the whole run.
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() {
		reconcileDuration.Observe(time.Since(start).Seconds())
	}()

	report := &Report{CheckedAt: c.now().UTC(), Healthy: true}

	pool, err := c.CheckPool(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("pool check: %w", err)
	}
	report.Pool = pool

	poolMismatches := 0
	for _, check := range pool {
		if !check.Match {
			poolMismatches++
			report.Healthy = false
			c.logger.Error("custody pool out of balance",
				"asset", check.Asset,
				"pooled", check.Pooled,
				"committed", check.Committed,
				"fees", check.Fees,
				"diff", check.Diff,
			)
		}
		reconcilePoolDrift.WithLabelValues(check.Asset).Set(displayFloat(check.Diff))
	}
	reconcilePoolMismatches.Set(float64(poolMismatches))

	if c.chain != nil {
		chain, err := c.CheckChain(ctx)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("chain check: %w", err)
		}
		report.Chain = chain

		chainMismatches := 0
		for _, check := range chain {
			if !check.Match {
				chainMismatches++
				report.Healthy = false
				c.logger.Error("custody wallet cannot cover liabilities",
					"asset", check.Asset,
					"onChain", check.OnChain,
					"liabilities", check.Liabilities,
					"diff", check.Diff,
				)
			}
		}
		reconcileChainMismatches.Set(float64(chainMismatches))
	}

	overdue, err := c.countOverdue(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("overdue scan: %w", err)
	}
	report.OverdueEscrows = overdue
	reconcileOverdueEscrows.Set(float64(overdue))

	return report, nil
}

// CheckPool verifies, per asset, that the custody pool holds exactly
// the sum of open escrow remainders plus accrued platform fees. The
// comparison is exact: internal bookkeeping has no rounding.
func (c *Checker) CheckPool(ctx context.Context) ([]AssetCheck, error) {
	committed, err := c.sumOpenRemainders(ctx)
	if err != nil {
		return nil, err
	}

	fees, err := c.books.FeeBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading fee balances: %w", err)
	}

	balances, err := c.pool.Balances(ctx, treasury.CustodyAccount)
	if err != nil {
		return nil, fmt.Errorf("reading custody pool: %w", err)
	}
	pooled := make(map[string]*big.Int)
	for _, b := range balances {
		pooled[b.Asset] = money.MustParse(b.Escrowed)
	}

	assets := make(map[string]bool)
	for a := range committed {
		assets[a] = true
	}
	for a := range fees {
		assets[a] = true
	}
	for a := range pooled {
		assets[a] = true
	}

	var checks []AssetCheck
	for asset := range assets {
		pool := amountOrZero(pooled[asset])
		com := amountOrZero(committed[asset])
		fee := new(big.Int)
		if f, ok := money.Parse(fees[asset]); ok {
			fee = f
		}

		diff := new(big.Int).Sub(pool, com)
		diff.Sub(diff, fee)

		checks = append(checks, AssetCheck{
			Asset:     asset,
			Pooled:    money.Format(pool),
			Committed: money.Format(com),
			Fees:      money.Format(fee),
			Diff:      money.Format(diff),
			Match:     diff.Sign() == 0,
		})
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Asset < checks[j].Asset })
	return checks, nil
}

// CheckChain compares the custody wallet's on-chain balance against the
// treasury-wide total per asset. A shortfall beyond the drift threshold
// fails the check; surplus never does.
func (c *Checker) CheckChain(ctx context.Context) ([]ChainCheck, error) {
	totals, err := c.pool.SumBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("summing balances: %w", err)
	}

	var checks []ChainCheck
	for _, t := range totals {
		liabilities := new(big.Int).Add(money.MustParse(t.Available), money.MustParse(t.Escrowed))

		onChain, err := c.chain.CustodyBalance(ctx, t.Asset)
		if err != nil {
			return nil, fmt.Errorf("reading on-chain balance for %s: %w", t.Asset, err)
		}

		diff := new(big.Int).Sub(onChain, liabilities)
		shortfall := new(big.Int).Neg(diff)

		checks = append(checks, ChainCheck{
			Asset:       t.Asset,
			OnChain:     money.Format(onChain),
			Liabilities: money.Format(liabilities),
			Diff:        money.Format(diff),
			Match:       shortfall.Cmp(c.driftThreshold) <= 0,
		})
	}
	return checks, nil
}

// sumOpenRemainders walks every funded and disputed escrow and sums the
// unreleased remainder per asset.
func (c *Checker) sumOpenRemainders(ctx context.Context) (map[string]*big.Int, error) {
	out := make(map[string]*big.Int)
	for _, status := range []escrow.Status{escrow.StatusFunded, escrow.StatusDisputed} {
		filter := escrow.ListFilter{Status: status, Limit: listPageSize}
		for {
			page, err := c.books.List(ctx, filter)
			if err != nil {
				return nil, fmt.Errorf("listing %s escrows: %w", status, err)
			}
			for _, e := range page {
				acc, ok := out[e.Asset]
				if !ok {
					acc = new(big.Int)
					out[e.Asset] = acc
				}
				acc.Add(acc, e.Remaining())
			}
			if len(page) < listPageSize {
				break
			}
			last := page[len(page)-1].ID
			if last == 0 {
				break
			}
			filter.Cursor = last
		}
	}
	return out, nil
}

// countOverdue counts funded escrows already past deadline plus grace,
// meaning the freelancer could claim but nobody has settled.
func (c *Checker) countOverdue(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-escrow.GracePeriod)
	overdue, err := c.books.ListFundedDeadlineBefore(ctx, cutoff, overdueScanLimit)
	if err != nil {
		return 0, err
	}
	return len(overdue), nil
}

func amountOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
