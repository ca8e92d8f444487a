package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// sweepBatch caps how many overdue escrows one sweep examines.
const sweepBatch = 100

// Sweeper periodically scans for funded escrows whose deadline plus
// grace period has elapsed and announces that they are claimable.
// It never moves funds: claiming stays an explicit freelancer action,
// the sweeper only surfaces eligibility.
type Sweeper struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	now      func() time.Time

	// notified maps escrow ID to the deadline that was announced, so
	// an extension re-arms the notice for the new deadline.
	notified map[uint64]time.Time
}

// NewSweeper creates a deadline sweeper. A non-positive interval
// falls back to 30 seconds.
func NewSweeper(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		now:      time.Now,
		notified: make(map[uint64]time.Time),
	}
}

// Running reports whether the sweep loop is active.
func (t *Sweeper) Running() bool {
	return t.running.Load()
}

// Start runs the sweep loop until the context is cancelled or Stop is
// called. Call in a goroutine.
func (t *Sweeper) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (t *Sweeper) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow sweeper", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Sweeper) sweep(ctx context.Context) {
	now := t.now()
	cutoff := now.Add(-GracePeriod)

	overdue, err := t.store.ListFundedDeadlineBefore(ctx, cutoff, sweepBatch)
	if err != nil {
		t.logger.Warn("failed to list overdue escrows", "error", err)
		return
	}

	seen := make(map[uint64]struct{}, len(overdue))
	for _, e := range overdue {
		seen[e.ID] = struct{}{}
		if announced, ok := t.notified[e.ID]; ok && announced.Equal(e.Deadline) {
			continue
		}
		t.notified[e.ID] = e.Deadline

		eligibleAt := e.Deadline.Add(GracePeriod)
		t.logger.Info("escrow claimable",
			"escrowId", e.ID, "freelancer", e.Freelancer,
			"amount", e.TotalAmount, "eligibleAt", eligibleAt)
		if t.service.notifier != nil {
			go t.service.notifier.EscrowClaimable(e.Clone(), eligibleAt)
		}
	}

	// Forget escrows that settled or were extended out of the window;
	// if one comes back it gets announced again.
	for id := range t.notified {
		if _, ok := seen[id]; !ok {
			delete(t.notified, id)
		}
	}
}
