package escrow

import "time"

// Notifier receives escrow lifecycle events. The service calls each
// method in its own goroutine after the state change has been
// committed, with a private copy of the escrow, so implementations may
// block or mutate freely. Amounts are decimal strings.
type Notifier interface {
	EscrowCreated(e *Escrow)
	EscrowReleased(e *Escrow, amount string)
	EscrowRefunded(e *Escrow, amount string)
	MilestoneCompleted(e *Escrow, index int)
	MilestoneReleased(e *Escrow, index int, amount string)
	DisputeRaised(e *Escrow)
	DisputeResolved(e *Escrow, winner, winnerAmount, loserAmount, arbitrationFee string)
	DeadlineExtended(e *Escrow, previous time.Time)
	EscrowClaimed(e *Escrow, amount string)

	// EscrowClaimable is advisory: the deadline sweeper announces that
	// the grace period has elapsed and the freelancer may claim.
	EscrowClaimable(e *Escrow, eligibleAt time.Time)
}
