package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/Blazingkevin/trustless-escrow/internal/money"
	"github.com/Blazingkevin/trustless-escrow/internal/traces"
)

// CompleteMilestone marks a milestone as delivered. Only the
// freelancer may mark completion, and only while the escrow is funded.
// Re-marking an already completed milestone is a silent no-op so
// retried requests stay idempotent. Completion is advisory: it signals
// the client but is not required before payment.
func (s *Service) CompleteMilestone(ctx context.Context, id uint64, caller string, index int) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CompleteMilestone",
		traces.EscrowID(id), traces.MilestoneIndex(index))
	defer span.End()

	unlock, err := s.begin(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(caller) != e.Freelancer {
		return nil, ErrUnauthorized
	}
	if err := requireStatus(e, StatusFunded); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(e.Milestones) {
		return nil, ErrMilestoneIndex
	}
	m := &e.Milestones[index]
	if m.Paid {
		return nil, ErrMilestonePaid
	}
	if m.Completed {
		return e, nil
	}

	now := s.now().UTC()
	m.Completed = true
	m.CompletedAt = &now
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("updating escrow: %w", err)
	}

	s.logger.Info("milestone completed",
		"escrowId", id, "milestone", index, "freelancer", e.Freelancer)
	if s.notifier != nil {
		go s.notifier.MilestoneCompleted(e.Clone(), index)
	}
	return e, nil
}

// ReleaseMilestone pays one milestone's amount to the freelancer.
// Only the client may pay. Milestones may be paid in any order without
// prior completion; the client vouching for the work with funds is the
// stronger signal. Each milestone pays out exactly once. Paying the
// final unpaid milestone resolves the escrow.
func (s *Service) ReleaseMilestone(ctx context.Context, id uint64, caller string, index int) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseMilestone",
		traces.EscrowID(id), traces.MilestoneIndex(index))
	defer span.End()

	unlock, err := s.begin(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(caller) != e.Client {
		return nil, ErrUnauthorized
	}
	if err := requireStatus(e, StatusFunded); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(e.Milestones) {
		return nil, ErrMilestoneIndex
	}
	m := &e.Milestones[index]
	if m.Paid {
		return nil, ErrMilestonePaid
	}

	amount, err := parseAmount("milestone amount", m.Amount)
	if err != nil {
		return nil, err
	}
	released, _ := money.Parse(e.ReleasedAmount)
	total, _ := money.Parse(e.TotalAmount)
	newReleased := new(big.Int).Add(released, amount)
	if newReleased.Cmp(total) > 0 {
		// Milestone amounts are constructed to sum to the total, so
		// this means the record is corrupt.
		return nil, fmt.Errorf("%w: milestone payment would exceed the escrow total", ErrInvalidAmount)
	}

	prev := e.Clone()
	now := s.now().UTC()
	m.Paid = true
	m.PaidAt = &now
	e.ReleasedAmount = money.Format(newReleased)
	e.UpdatedAt = now
	resolved := newReleased.Cmp(total) == 0
	if resolved {
		e.Status = StatusResolved
		e.ResolvedAt = &now
	}

	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("updating escrow: %w", err)
	}
	ref := fmt.Sprintf("escrow:%d:milestone:%d", id, index)
	if terr := s.transfer(id, func() error {
		return s.vault.Payout(ctx, e.Freelancer, e.Asset, m.Amount, ref)
	}); terr != nil {
		s.revert(ctx, prev, "milestone release")
		return nil, &TransferError{Op: "milestone release", Err: terr}
	}

	if resolved {
		s.settled(e, "milestones")
	}
	s.logger.Info("milestone released",
		"escrowId", id, "milestone", index, "freelancer", e.Freelancer,
		"amount", m.Amount, "resolved", resolved)
	if s.notifier != nil {
		go s.notifier.MilestoneReleased(e.Clone(), index, m.Amount)
	}
	return e, nil
}
