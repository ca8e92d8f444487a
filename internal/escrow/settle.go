package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Blazingkevin/trustless-escrow/internal/money"
	"github.com/Blazingkevin/trustless-escrow/internal/traces"
)

// Release pays the entire remaining balance to the freelancer and
// resolves the escrow. Only the client may release, and only while the
// escrow is funded; a disputed escrow can only be settled by its
// arbitrator.
func (s *Service) Release(ctx context.Context, id uint64, caller string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release",
		traces.EscrowID(id), traces.Party(caller))
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
	remaining := e.Remaining()
	if remaining.Sign() <= 0 {
		return nil, ErrNoFunds
	}
	amount := money.Format(remaining)

	prev := e.Clone()
	now := s.now().UTC()
	e.ReleasedAmount = e.TotalAmount
	e.Status = StatusResolved
	e.ResolvedAt = &now
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("updating escrow: %w", err)
	}
	ref := fmt.Sprintf("escrow:%d:release", id)
	if terr := s.transfer(id, func() error {
		return s.vault.Payout(ctx, e.Freelancer, e.Asset, amount, ref)
	}); terr != nil {
		s.revert(ctx, prev, "release")
		return nil, &TransferError{Op: "release", Err: terr}
	}

	s.settled(e, "release")
	s.logger.Info("escrow released",
		"escrowId", id, "freelancer", e.Freelancer, "asset", e.Asset, "amount", amount)
	if s.notifier != nil {
		go s.notifier.EscrowReleased(e.Clone(), amount)
	}
	return e, nil
}

// Refund returns the entire remaining balance to the client. The
// freelancer may refund at any time while the escrow is funded; the
// client may only self-refund strictly after the deadline.
func (s *Service) Refund(ctx context.Context, id uint64, caller string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund",
		traces.EscrowID(id), traces.Party(caller))
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
	who := strings.ToLower(caller)
	if who != e.Client && who != e.Freelancer {
		return nil, ErrUnauthorized
	}
	if err := requireStatus(e, StatusFunded); err != nil {
		return nil, err
	}
	if who == e.Client && !s.now().After(e.Deadline) {
		return nil, &TimingError{
			Reason:     "client refund requires the deadline to have passed",
			EligibleAt: e.Deadline,
		}
	}
	remaining := e.Remaining()
	if remaining.Sign() <= 0 {
		return nil, ErrNoFunds
	}
	amount := money.Format(remaining)

	prev := e.Clone()
	now := s.now().UTC()
	e.ReleasedAmount = e.TotalAmount
	e.Status = StatusRefunded
	e.ResolvedAt = &now
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("updating escrow: %w", err)
	}
	ref := fmt.Sprintf("escrow:%d:refund", id)
	if terr := s.transfer(id, func() error {
		return s.vault.Payout(ctx, e.Client, e.Asset, amount, ref)
	}); terr != nil {
		s.revert(ctx, prev, "refund")
		return nil, &TransferError{Op: "refund", Err: terr}
	}

	s.settled(e, "refund")
	s.logger.Info("escrow refunded",
		"escrowId", id, "client", e.Client, "asset", e.Asset, "amount", amount, "by", who)
	if s.notifier != nil {
		go s.notifier.EscrowRefunded(e.Clone(), amount)
	}
	return e, nil
}

// ExtendDeadline moves the deadline later. Only the client may extend,
// only while the escrow is funded, and only to a time that is both in
// the future and later than the current deadline. Extending also
// pushes back the freelancer's claim window.
func (s *Service) ExtendDeadline(ctx context.Context, id uint64, caller string, newDeadline time.Time) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ExtendDeadline",
		traces.EscrowID(id), traces.Party(caller))
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
	if !newDeadline.After(s.now()) {
		return nil, &TimingError{Reason: "new deadline must be in the future"}
	}
	if !newDeadline.After(e.Deadline) {
		return nil, &TimingError{Reason: "new deadline must be later than the current deadline"}
	}

	previous := e.Deadline
	e.Deadline = newDeadline.UTC()
	e.UpdatedAt = s.now().UTC()

	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("updating escrow: %w", err)
	}

	s.logger.Info("escrow deadline extended",
		"escrowId", id, "from", previous, "to", e.Deadline)
	if s.notifier != nil {
		go s.notifier.DeadlineExtended(e.Clone(), previous)
	}
	return e, nil
}

// Claim lets the freelancer collect the remaining balance once the
// deadline plus the grace period has passed without the client acting.
// The grace period exists so a client who merely missed the deadline
// still has a window to refund or extend.
func (s *Service) Claim(ctx context.Context, id uint64, caller string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Claim",
		traces.EscrowID(id), traces.Party(caller))
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
	eligibleAt := e.Deadline.Add(GracePeriod)
	if !s.now().After(eligibleAt) {
		return nil, &TimingError{
			Reason:     "grace period after the deadline has not elapsed",
			EligibleAt: eligibleAt,
		}
	}
	remaining := e.Remaining()
	if remaining.Sign() <= 0 {
		return nil, ErrNoFunds
	}
	amount := money.Format(remaining)

	prev := e.Clone()
	now := s.now().UTC()
	e.ReleasedAmount = e.TotalAmount
	e.Status = StatusResolved
	e.ResolvedAt = &now
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("updating escrow: %w", err)
	}
	ref := fmt.Sprintf("escrow:%d:claim", id)
	if terr := s.transfer(id, func() error {
		return s.vault.Payout(ctx, e.Freelancer, e.Asset, amount, ref)
	}); terr != nil {
		s.revert(ctx, prev, "claim")
		return nil, &TransferError{Op: "claim", Err: terr}
	}

	s.settled(e, "claim")
	s.logger.Info("escrow claimed after deadline",
		"escrowId", id, "freelancer", e.Freelancer, "asset", e.Asset, "amount", amount)
	if s.notifier != nil {
		go s.notifier.EscrowClaimed(e.Clone(), amount)
	}
	return e, nil
}
