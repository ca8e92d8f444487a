package webhooks

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Blazingkevin/trustless-escrow/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to emit deal lifecycle events. All methods
// are fire-and-forget: errors are logged but never returned, so the
// escrow path is never blocked on a subscriber.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// emit fans the event out to each distinct recipient address. With no
// recipients it broadcasts to every subscriber of the event type.
func (e *Emitter) emit(eventType EventType, data map[string]interface{}, recipients ...string) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if len(recipients) == 0 {
		if err := e.d.Dispatch(ctx, event); err != nil {
			webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
			e.logger.Warn("webhook emit failed", "event", eventType, "error", err)
		}
		return
	}

	seen := make(map[string]bool, len(recipients))
	for _, addr := range recipients {
		addr = strings.ToLower(addr)
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		if err := e.d.DispatchToAddress(ctx, addr, event); err != nil {
			webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
			e.logger.Warn("webhook emit failed", "event", eventType, "address", addr, "error", err)
		}
	}
}

// EmitEscrowCreated notifies both parties that a deal was funded.
func (e *Emitter) EmitEscrowCreated(escrowID, client, freelancer, amount, asset string) {
	e.emit(EventEscrowCreated, map[string]interface{}{
		"escrowId":   escrowID,
		"client":     client,
		"freelancer": freelancer,
		"amount":     amount,
		"asset":      asset,
	}, client, freelancer)
}

// EmitEscrowReleased notifies both parties of a full release.
func (e *Emitter) EmitEscrowReleased(escrowID, client, freelancer, amount, asset string) {
	e.emit(EventEscrowReleased, map[string]interface{}{
		"escrowId":   escrowID,
		"client":     client,
		"freelancer": freelancer,
		"amount":     amount,
		"asset":      asset,
	}, client, freelancer)
}

// EmitEscrowRefunded notifies both parties of a refund.
func (e *Emitter) EmitEscrowRefunded(escrowID, client, freelancer, amount, asset string) {
	e.emit(EventEscrowRefunded, map[string]interface{}{
		"escrowId":   escrowID,
		"client":     client,
		"freelancer": freelancer,
		"amount":     amount,
		"asset":      asset,
	}, client, freelancer)
}

// EmitMilestoneCompleted notifies both parties that work was submitted.
func (e *Emitter) EmitMilestoneCompleted(escrowID, client, freelancer string, index int) {
	e.emit(EventMilestoneCompleted, map[string]interface{}{
		"escrowId":   escrowID,
		"client":     client,
		"freelancer": freelancer,
		"milestone":  index,
	}, client, freelancer)
}

// EmitMilestoneReleased notifies both parties of a milestone payout.
func (e *Emitter) EmitMilestoneReleased(escrowID, client, freelancer string, index int, amount, asset string) {
	e.emit(EventMilestoneReleased, map[string]interface{}{
		"escrowId":   escrowID,
		"client":     client,
		"freelancer": freelancer,
		"milestone":  index,
		"amount":     amount,
		"asset":      asset,
	}, client, freelancer)
}

// EmitDisputeRaised notifies the parties and the arbitrator.
func (e *Emitter) EmitDisputeRaised(escrowID, client, freelancer, arbitrator, raisedBy, reason string) {
	e.emit(EventDisputeRaised, map[string]interface{}{
		"escrowId":   escrowID,
		"client":     client,
		"freelancer": freelancer,
		"raisedBy":   raisedBy,
		"reason":     reason,
	}, client, freelancer, arbitrator)
}

// EmitDisputeResolved notifies the parties and the arbitrator of the split.
func (e *Emitter) EmitDisputeResolved(escrowID, client, freelancer, arbitrator, winner, winnerAmount, loserAmount, arbitrationFee string) {
	e.emit(EventDisputeResolved, map[string]interface{}{
		"escrowId":       escrowID,
		"client":         client,
		"freelancer":     freelancer,
		"winner":         winner,
		"winnerAmount":   winnerAmount,
		"loserAmount":    loserAmount,
		"arbitrationFee": arbitrationFee,
	}, client, freelancer, arbitrator)
}

// EmitDeadlineExtended notifies both parties of the new deadline.
func (e *Emitter) EmitDeadlineExtended(escrowID, client, freelancer string, previous, next time.Time) {
	e.emit(EventDeadlineExtended, map[string]interface{}{
		"escrowId":         escrowID,
		"client":           client,
		"freelancer":       freelancer,
		"previousDeadline": previous,
		"deadline":         next,
	}, client, freelancer)
}

// EmitEscrowClaimed notifies both parties of a post-grace claim payout.
func (e *Emitter) EmitEscrowClaimed(escrowID, client, freelancer, amount, asset string) {
	e.emit(EventEscrowClaimed, map[string]interface{}{
		"escrowId":   escrowID,
		"client":     client,
		"freelancer": freelancer,
		"amount":     amount,
		"asset":      asset,
	}, client, freelancer)
}

// EmitEscrowClaimable warns both parties that the grace period elapsed.
func (e *Emitter) EmitEscrowClaimable(escrowID, client, freelancer string, eligibleAt time.Time) {
	e.emit(EventEscrowClaimable, map[string]interface{}{
		"escrowId":   escrowID,
		"client":     client,
		"freelancer": freelancer,
		"eligibleAt": eligibleAt,
	}, client, freelancer)
}

// EmitEscrowPaused broadcasts an admin pause flip to every subscriber.
func (e *Emitter) EmitEscrowPaused(paused bool) {
	e.emit(EventEscrowPaused, map[string]interface{}{
		"paused": paused,
	})
}
