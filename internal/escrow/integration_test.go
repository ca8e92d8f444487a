package escrow_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Blazingkevin/trustless-escrow/internal/escrow"
	"github.com/Blazingkevin/trustless-escrow/internal/treasury"
)

// These tests wire the escrow service to the real treasury instead of a
// mock vault and assert that every lifecycle path moves balances the
// way the protocol promises.

var intLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	intClient     = "0xclient"
	intFreelancer = "0xfreelancer"
	intArbitrator = "0xarbitrator"
	intToken      = "0xtoken"
)

// vaultAdapter bridges the escrow Vault interface onto the treasury,
// the same way the server wires production.
type vaultAdapter struct {
	treasury *treasury.Service
}

func (a *vaultAdapter) PullDeposit(ctx context.Context, payer, asset, gross, _ string) error {
	return a.treasury.EscrowLock(ctx, payer, asset, gross)
}

func (a *vaultAdapter) Payout(ctx context.Context, recipient, asset, amount, reference string) error {
	return a.treasury.EscrowPayout(ctx, recipient, asset, amount, reference)
}

func (a *vaultAdapter) PayoutSplit(ctx context.Context, asset, reference string, legs []escrow.PayoutLeg) error {
	converted := make([]treasury.Leg, len(legs))
	for i, leg := range legs {
		converted[i] = treasury.Leg{Recipient: leg.Recipient, Amount: leg.Amount}
	}
	return a.treasury.EscrowSplit(ctx, asset, reference, converted)
}

func (a *vaultAdapter) Return(ctx context.Context, payer, asset, amount, reference string) error {
	return a.treasury.EscrowReturn(ctx, payer, asset, amount, reference)
}

type warpClock struct {
	mu  sync.Mutex
	now time.Time
}

func newWarpClock() *warpClock {
	return &warpClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *warpClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *warpClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type integrationEnv struct {
	escrow   *escrow.Service
	treasury *treasury.Service
	clock    *warpClock
	fundSeq  int
}

func newIntegrationEnv(t *testing.T) *integrationEnv {
	t.Helper()

	clock := newWarpClock()
	tre := treasury.New(treasury.NewMemoryStore(), intLogger)
	svc := escrow.NewService(escrow.NewMemoryStore(), &vaultAdapter{treasury: tre}).
		WithLogger(intLogger).
		WithClock(clock.Now)

	return &integrationEnv{escrow: svc, treasury: tre, clock: clock}
}

func (env *integrationEnv) deposit(t *testing.T, account, asset, amount string) {
	t.Helper()
	env.fundSeq++
	txHash := fmt.Sprintf("0xfund-%d", env.fundSeq)
	if err := env.treasury.Deposit(context.Background(), account, asset, amount, txHash); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
}

func (env *integrationEnv) available(t *testing.T, account, asset string) string {
	t.Helper()
	b, err := env.treasury.Balance(context.Background(), account, asset)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	return b.Available
}

func (env *integrationEnv) custody(t *testing.T, asset string) string {
	t.Helper()
	b, err := env.treasury.Balance(context.Background(), treasury.CustodyAccount, asset)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	return b.Escrowed
}

func (env *integrationEnv) nativeParams(amount string) escrow.CreateParams {
	return escrow.CreateParams{
		Client:        intClient,
		Freelancer:    intFreelancer,
		Asset:         escrow.NativeAsset,
		Amount:        amount,
		AttachedValue: amount,
		Deadline:      env.clock.Now().Add(72 * time.Hour),
	}
}

func TestIntegration_ReleaseSettlesBalances(t *testing.T) {
	env := newIntegrationEnv(t)
	ctx := context.Background()

	env.deposit(t, intClient, escrow.NativeAsset, "100")

	e, err := env.escrow.Create(ctx, env.nativeParams("100"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if e.TotalAmount != "99" {
		t.Fatalf("Expected net total 99 after the 1%% fee, got %s", e.TotalAmount)
	}
	if got := env.available(t, intClient, escrow.NativeAsset); got != "0" {
		t.Errorf("Expected client drained to 0, got %s", got)
	}
	if got := env.custody(t, escrow.NativeAsset); got != "100" {
		t.Errorf("Expected gross 100 in custody, got %s", got)
	}

	if _, err := env.escrow.Release(ctx, e.ID, intClient); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if got := env.available(t, intFreelancer, escrow.NativeAsset); got != "99" {
		t.Errorf("Expected freelancer paid 99, got %s", got)
	}
	// The platform fee is the only value left in custody.
	if got := env.custody(t, escrow.NativeAsset); got != "1" {
		t.Errorf("Expected fee 1 left in custody, got %s", got)
	}

	fees, err := env.escrow.FeeBalances(ctx)
	if err != nil {
		t.Fatalf("FeeBalances failed: %v", err)
	}
	if fees[escrow.NativeAsset] != "1" {
		t.Errorf("Expected fee ledger 1, got %s", fees[escrow.NativeAsset])
	}
}

func TestIntegration_RefundReturnsNetAfterDeadline(t *testing.T) {
	env := newIntegrationEnv(t)
	ctx := context.Background()

	env.deposit(t, intClient, escrow.NativeAsset, "50")

	e, err := env.escrow.Create(ctx, env.nativeParams("50"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	env.clock.Advance(72*time.Hour + time.Second)

	if _, err := env.escrow.Refund(ctx, e.ID, intClient); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	// 0.5 of the 50 went to the platform at creation; the net comes back.
	if got := env.available(t, intClient, escrow.NativeAsset); got != "49.5" {
		t.Errorf("Expected client refunded 49.5, got %s", got)
	}
	if got := env.custody(t, escrow.NativeAsset); got != "0.5" {
		t.Errorf("Expected fee 0.5 in custody, got %s", got)
	}
}

func TestIntegration_MilestonesAccrueToFreelancer(t *testing.T) {
	env := newIntegrationEnv(t)
	ctx := context.Background()

	if err := env.escrow.SetFeeBps(0); err != nil {
		t.Fatalf("SetFeeBps failed: %v", err)
	}
	env.deposit(t, intClient, escrow.NativeAsset, "60")

	p := env.nativeParams("60")
	p.Amount = ""
	p.Deadline = time.Time{}
	p.Milestones = []escrow.MilestoneParams{
		{Description: "design", Amount: "10", Deadline: env.clock.Now().Add(24 * time.Hour)},
		{Description: "build", Amount: "20", Deadline: env.clock.Now().Add(48 * time.Hour)},
		{Description: "ship", Amount: "30", Deadline: env.clock.Now().Add(72 * time.Hour)},
	}
	e, err := env.escrow.Create(ctx, p)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	want := []string{"10", "30", "60"}
	for i := 0; i < 3; i++ {
		if _, err := env.escrow.ReleaseMilestone(ctx, e.ID, intClient, i); err != nil {
			t.Fatalf("ReleaseMilestone %d failed: %v", i, err)
		}
		if got := env.available(t, intFreelancer, escrow.NativeAsset); got != want[i] {
			t.Errorf("After milestone %d expected freelancer %s, got %s", i, want[i], got)
		}
	}

	final, _ := env.escrow.Get(ctx, e.ID)
	if final.Status != escrow.StatusResolved {
		t.Errorf("Expected resolved after the last milestone, got %s", final.Status)
	}
	if got := env.custody(t, escrow.NativeAsset); got != "0" {
		t.Errorf("Expected empty custody, got %s", got)
	}
}

func TestIntegration_DisputeSplitsThreeWays(t *testing.T) {
	env := newIntegrationEnv(t)
	ctx := context.Background()

	if err := env.escrow.SetFeeBps(0); err != nil {
		t.Fatalf("SetFeeBps failed: %v", err)
	}
	env.deposit(t, intClient, escrow.NativeAsset, "100")

	p := env.nativeParams("100")
	p.Arbitrator = intArbitrator
	e, err := env.escrow.Create(ctx, p)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := env.escrow.RaiseDispute(ctx, e.ID, intClient, "work not delivered"); err != nil {
		t.Fatalf("RaiseDispute failed: %v", err)
	}
	if _, err := env.escrow.ResolveDispute(ctx, e.ID, intArbitrator, intFreelancer, "60", "partial delivery"); err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}

	// Arbitration fee is 2% of the remaining 100; the winner takes the
	// award and the loser the rest.
	if got := env.available(t, intFreelancer, escrow.NativeAsset); got != "60" {
		t.Errorf("Expected winner 60, got %s", got)
	}
	if got := env.available(t, intClient, escrow.NativeAsset); got != "38" {
		t.Errorf("Expected loser 38, got %s", got)
	}
	if got := env.available(t, intArbitrator, escrow.NativeAsset); got != "2" {
		t.Errorf("Expected arbitrator 2, got %s", got)
	}
	if got := env.custody(t, escrow.NativeAsset); got != "0" {
		t.Errorf("Expected empty custody, got %s", got)
	}
}

func TestIntegration_ClaimPaysFreelancerAfterGrace(t *testing.T) {
	env := newIntegrationEnv(t)
	ctx := context.Background()

	if err := env.escrow.SetFeeBps(0); err != nil {
		t.Fatalf("SetFeeBps failed: %v", err)
	}
	env.deposit(t, intClient, escrow.NativeAsset, "40")

	e, err := env.escrow.Create(ctx, env.nativeParams("40"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	env.clock.Advance(72*time.Hour + escrow.GracePeriod + time.Second)

	if _, err := env.escrow.Claim(ctx, e.ID, intFreelancer); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if got := env.available(t, intFreelancer, escrow.NativeAsset); got != "40" {
		t.Errorf("Expected freelancer claimed 40, got %s", got)
	}
}

func TestIntegration_TokenEscrowDrawsAllowance(t *testing.T) {
	env := newIntegrationEnv(t)
	ctx := context.Background()

	if err := env.escrow.SetFeeBps(0); err != nil {
		t.Fatalf("SetFeeBps failed: %v", err)
	}
	env.deposit(t, intClient, intToken, "100")
	if err := env.treasury.Approve(ctx, intClient, intToken, "80"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	p := env.nativeParams("80")
	p.Asset = intToken
	p.AttachedValue = ""
	e, err := env.escrow.Create(ctx, p)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	a, _ := env.treasury.Allowance(ctx, intClient, intToken)
	if a.Remaining != "0" {
		t.Errorf("Expected allowance drained, got %s", a.Remaining)
	}
	if got := env.available(t, intClient, intToken); got != "20" {
		t.Errorf("Expected client 20 left, got %s", got)
	}

	if _, err := env.escrow.Release(ctx, e.ID, intClient); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if got := env.available(t, intFreelancer, intToken); got != "80" {
		t.Errorf("Expected freelancer 80, got %s", got)
	}
}

func TestIntegration_TokenEscrowRequiresAllowance(t *testing.T) {
	env := newIntegrationEnv(t)
	ctx := context.Background()

	env.deposit(t, intClient, intToken, "100")

	p := env.nativeParams("50")
	p.Asset = intToken
	p.AttachedValue = ""
	_, err := env.escrow.Create(ctx, p)
	if !errors.Is(err, escrow.ErrTransferFailed) {
		t.Fatalf("Expected transfer failure without allowance, got %v", err)
	}

	if got := env.available(t, intClient, intToken); got != "100" {
		t.Errorf("Expected untouched balance 100, got %s", got)
	}
	count, _ := env.escrow.Count(ctx)
	if count != 0 {
		t.Errorf("Expected no escrow created, got %d", count)
	}
}

func TestIntegration_InsufficientFundsFailsCreate(t *testing.T) {
	env := newIntegrationEnv(t)
	ctx := context.Background()

	env.deposit(t, intClient, escrow.NativeAsset, "10")

	_, err := env.escrow.Create(ctx, env.nativeParams("50"))
	if !errors.Is(err, escrow.ErrTransferFailed) {
		t.Fatalf("Expected transfer failure, got %v", err)
	}

	if got := env.available(t, intClient, escrow.NativeAsset); got != "10" {
		t.Errorf("Expected untouched balance 10, got %s", got)
	}
	if got := env.custody(t, escrow.NativeAsset); got != "0" {
		t.Errorf("Expected empty custody, got %s", got)
	}
	count, _ := env.escrow.Count(ctx)
	if count != 0 {
		t.Errorf("Expected no escrow created, got %d", count)
	}
}
