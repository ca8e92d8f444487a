package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/Blazingkevin/trustless-escrow/internal/metrics"
	"github.com/Blazingkevin/trustless-escrow/internal/money"
	"github.com/Blazingkevin/trustless-escrow/internal/traces"
)

// RaiseDispute freezes a funded escrow for arbitration. Either party
// may raise a dispute, but only on escrows that were created with an
// arbitrator, and a reason is required. A disputed escrow rejects
// releases, refunds, milestone operations, extensions, and claims
// until the arbitrator rules.
func (s *Service) RaiseDispute(ctx context.Context, id uint64, caller, reason string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RaiseDispute",
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
	if !e.HasArbitrator {
		return nil, ErrNoArbitrator
	}
	if strings.TrimSpace(reason) == "" {
		return nil, ErrEmptyReason
	}

	now := s.now().UTC()
	e.Status = StatusDisputed
	e.DisputeReason = reason
	e.DisputeRaiser = who
	e.DisputeRaisedAt = &now
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("updating escrow: %w", err)
	}

	metrics.DisputesRaisedTotal.Inc()
	s.logger.Info("dispute raised",
		"escrowId", id, "raiser", who, "arbitrator", e.Arbitrator)
	if s.notifier != nil {
		go s.notifier.DisputeRaised(e.Clone())
	}
	return e, nil
}

// ResolveDispute settles a disputed escrow. Only the arbitrator may
// rule. The arbitration fee is taken off the remaining balance first;
// the arbitrator then awards the winner any portion of what is left,
// and the loser automatically receives the rest. All three payouts
// move as one split, and together they account for the remaining
// balance exactly.
func (s *Service) ResolveDispute(ctx context.Context, id uint64, caller, winner, requestedAmount, ruling string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute",
		traces.EscrowID(id), traces.Winner(winner))
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
	if !e.HasArbitrator || strings.ToLower(caller) != e.Arbitrator {
		return nil, ErrUnauthorized
	}
	if err := requireStatus(e, StatusDisputed); err != nil {
		return nil, err
	}

	winnerAddr := strings.ToLower(winner)
	var loserAddr string
	switch winnerAddr {
	case e.Client:
		loserAddr = e.Freelancer
	case e.Freelancer:
		loserAddr = e.Client
	default:
		return nil, ErrInvalidWinner
	}
	if strings.TrimSpace(ruling) == "" {
		return nil, ErrEmptyRuling
	}

	remaining := e.Remaining()
	if remaining.Sign() <= 0 {
		return nil, ErrNoFunds
	}
	fee, distributable := money.TakeBps(remaining, ArbitrationFeeBps)

	requested, ok := money.Parse(requestedAmount)
	if !ok || requested.Sign() <= 0 {
		return nil, fmt.Errorf("%w: awarded amount must be positive", ErrInvalidAmount)
	}
	if requested.Cmp(distributable) > 0 {
		return nil, fmt.Errorf("%w: awarded amount exceeds the distributable balance of %s",
			ErrInvalidAmount, money.Format(distributable))
	}
	loserShare := new(big.Int).Sub(distributable, requested)

	prev := e.Clone()
	now := s.now().UTC()
	e.ReleasedAmount = e.TotalAmount
	e.Status = StatusResolved
	e.Ruling = ruling
	e.ResolvedAt = &now
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("updating escrow: %w", err)
	}

	legs := []PayoutLeg{
		{Recipient: winnerAddr, Amount: money.Format(requested)},
		{Recipient: loserAddr, Amount: money.Format(loserShare)},
		{Recipient: e.Arbitrator, Amount: money.Format(fee)},
	}
	ref := fmt.Sprintf("escrow:%d:dispute", id)
	if terr := s.transfer(id, func() error {
		return s.vault.PayoutSplit(ctx, e.Asset, ref, legs)
	}); terr != nil {
		s.revert(ctx, prev, "dispute resolution")
		return nil, &TransferError{Op: "dispute resolution", Err: terr}
	}

	s.settled(e, "dispute")
	s.logger.Info("dispute resolved",
		"escrowId", id, "winner", winnerAddr, "awarded", money.Format(requested),
		"loserShare", money.Format(loserShare), "arbitrationFee", money.Format(fee))
	if s.notifier != nil {
		go s.notifier.DisputeResolved(e.Clone(), winnerAddr,
			money.Format(requested), money.Format(loserShare), money.Format(fee))
	}
	return e, nil
}
