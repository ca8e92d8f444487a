package escrow

import (
	"context"
	"testing"
	"time"
)

// claimableRecorder captures claimable announcements on a channel.
type claimableRecorder struct {
	channelNotifier
	claimable chan claimableEvent
}

type claimableEvent struct {
	id         uint64
	eligibleAt time.Time
}

func newClaimableRecorder() *claimableRecorder {
	return &claimableRecorder{
		channelNotifier: channelNotifier{ch: make(chan string, 64)},
		claimable:       make(chan claimableEvent, 16),
	}
}

func (r *claimableRecorder) EscrowClaimable(e *Escrow, eligibleAt time.Time) {
	r.claimable <- claimableEvent{id: e.ID, eligibleAt: eligibleAt}
}

func newTestSweeper(svc *Service, store Store, clock *testClock) *Sweeper {
	sw := NewSweeper(svc, store, time.Minute, testLogger)
	sw.now = clock.Now
	return sw
}

func waitClaimable(t *testing.T, rec *claimableRecorder) claimableEvent {
	t.Helper()
	select {
	case ev := <-rec.claimable:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for claimable announcement")
		return claimableEvent{}
	}
}

func assertNoClaimable(t *testing.T, rec *claimableRecorder) {
	t.Helper()
	select {
	case ev := <-rec.claimable:
		t.Fatalf("Unexpected claimable announcement for escrow %d", ev.id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSweeper_AnnouncesClaimable(t *testing.T) {
	svc, store, _, clock := newTestService()
	rec := newClaimableRecorder()
	svc.WithNotifier(rec)
	sw := newTestSweeper(svc, store, clock)
	ctx := context.Background()

	e, err := svc.Create(ctx, nativeParams(clock, "100"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// Drain the creation event.
	<-rec.ch

	// Inside the grace period nothing is announced.
	clock.Advance(72*time.Hour + GracePeriod - time.Minute)
	sw.sweep(ctx)
	assertNoClaimable(t, rec)

	// Past deadline plus grace the sweeper announces once.
	clock.Advance(2 * time.Minute)
	sw.sweep(ctx)
	ev := waitClaimable(t, rec)
	if ev.id != e.ID {
		t.Errorf("Expected announcement for escrow %d, got %d", e.ID, ev.id)
	}
	if want := e.Deadline.Add(GracePeriod); !ev.eligibleAt.Equal(want) {
		t.Errorf("Expected eligibleAt %v, got %v", want, ev.eligibleAt)
	}

	// Repeat sweeps stay quiet for the same deadline.
	sw.sweep(ctx)
	sw.sweep(ctx)
	assertNoClaimable(t, rec)
}

func TestSweeper_ReArmsAfterExtension(t *testing.T) {
	svc, store, _, clock := newTestService()
	rec := newClaimableRecorder()
	svc.WithNotifier(rec)
	sw := newTestSweeper(svc, store, clock)
	ctx := context.Background()

	e, err := svc.Create(ctx, nativeParams(clock, "100"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	<-rec.ch

	clock.Advance(72*time.Hour + GracePeriod + time.Minute)
	sw.sweep(ctx)
	waitClaimable(t, rec)

	// The client extends; the escrow leaves the overdue window.
	newDeadline := clock.Now().Add(48 * time.Hour)
	if _, err := svc.ExtendDeadline(ctx, e.ID, tClient, newDeadline); err != nil {
		t.Fatalf("ExtendDeadline failed: %v", err)
	}
	<-rec.ch // extension event
	sw.sweep(ctx)
	assertNoClaimable(t, rec)

	// Once the new deadline plus grace passes, it is announced again.
	clock.Advance(48*time.Hour + GracePeriod + time.Minute)
	sw.sweep(ctx)
	ev := waitClaimable(t, rec)
	if want := newDeadline.UTC().Add(GracePeriod); !ev.eligibleAt.Equal(want) {
		t.Errorf("Expected eligibleAt %v after extension, got %v", want, ev.eligibleAt)
	}
}

func TestSweeper_IgnoresSettledEscrows(t *testing.T) {
	svc, store, _, clock := newTestService()
	rec := newClaimableRecorder()
	svc.WithNotifier(rec)
	sw := newTestSweeper(svc, store, clock)
	ctx := context.Background()

	e, err := svc.Create(ctx, nativeParams(clock, "100"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	<-rec.ch
	if _, err := svc.Release(ctx, e.ID, tClient); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	<-rec.ch

	clock.Advance(72*time.Hour + GracePeriod + time.Hour)
	sw.sweep(ctx)
	assertNoClaimable(t, rec)
}

func TestSweeper_StartStop(t *testing.T) {
	svc, store, _, clock := newTestService()
	sw := NewSweeper(svc, store, 5*time.Millisecond, testLogger)
	sw.now = clock.Now

	go sw.Start(context.Background())

	deadline := time.Now().Add(time.Second)
	for !sw.Running() {
		if time.Now().After(deadline) {
			t.Fatal("Sweeper did not start")
		}
		time.Sleep(time.Millisecond)
	}

	sw.Stop()
	deadline = time.Now().Add(time.Second)
	for sw.Running() {
		if time.Now().After(deadline) {
			t.Fatal("Sweeper did not stop")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSweeper_StopsOnContextCancel(t *testing.T) {
	svc, store, _, clock := newTestService()
	sw := NewSweeper(svc, store, 5*time.Millisecond, testLogger)
	sw.now = clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	go sw.Start(ctx)

	deadline := time.Now().Add(time.Second)
	for !sw.Running() {
		if time.Now().After(deadline) {
			t.Fatal("Sweeper did not start")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	deadline = time.Now().Add(time.Second)
	for sw.Running() {
		if time.Now().After(deadline) {
			t.Fatal("Sweeper did not stop on cancel")
		}
		time.Sleep(time.Millisecond)
	}
}
