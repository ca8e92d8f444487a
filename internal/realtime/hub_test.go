package realtime

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventEscrowCreated, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventEscrowCreated, EventDisputeRaised},
	}}

	created := &Event{Type: EventEscrowCreated}
	disputed := &Event{Type: EventDisputeRaised}
	released := &Event{Type: EventEscrowReleased}

	if !h.shouldSend(client, created) {
		t.Error("should receive escrow.created events")
	}
	if !h.shouldSend(client, disputed) {
		t.Error("should receive dispute.raised events")
	}
	if h.shouldSend(client, released) {
		t.Error("should NOT receive escrow.released events")
	}
}

func TestShouldSend_AddressFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Addresses: []string{"0xClientA"},
	}}

	asClient := &Event{
		Type: EventEscrowCreated,
		Data: map[string]interface{}{"client": "0xclienta", "freelancer": "0xother"},
	}
	unrelated := &Event{
		Type: EventEscrowCreated,
		Data: map[string]interface{}{"client": "0xother", "freelancer": "0xanother"},
	}
	asFreelancer := &Event{
		Type: EventMilestoneReleased,
		Data: map[string]interface{}{"client": "0xother", "freelancer": "0xclienta"},
	}
	asWinner := &Event{
		Type: EventDisputeResolved,
		Data: map[string]interface{}{"winner": "0xclienta"},
	}

	if !h.shouldSend(client, asClient) {
		t.Error("should match on client address, case-insensitive")
	}
	if h.shouldSend(client, unrelated) {
		t.Error("should NOT match unrelated parties")
	}
	if !h.shouldSend(client, asFreelancer) {
		t.Error("should match on freelancer address")
	}
	if !h.shouldSend(client, asWinner) {
		t.Error("should match on winner address")
	}
}

func TestShouldSend_EscrowIDFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EscrowIDs: []string{"42"},
	}}

	matching := &Event{
		Type: EventMilestoneCompleted,
		Data: map[string]interface{}{"escrowId": "42"},
	}
	other := &Event{
		Type: EventMilestoneCompleted,
		Data: map[string]interface{}{"escrowId": "7"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("should match the watched escrow id")
	}
	if h.shouldSend(client, other) {
		t.Error("should NOT match other escrows")
	}
}

func TestShouldSend_MinAmountFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinAmount: "10",
	}}

	large := &Event{
		Type: EventEscrowReleased,
		Data: map[string]interface{}{"amount": "15.5"},
	}
	small := &Event{
		Type: EventEscrowReleased,
		Data: map[string]interface{}{"amount": "5"},
	}
	noAmount := &Event{
		Type: EventDisputeRaised,
		Data: map[string]interface{}{"reason": "late"},
	}

	if !h.shouldSend(client, large) {
		t.Error("should receive large payout")
	}
	if h.shouldSend(client, small) {
		t.Error("should NOT receive small payout")
	}
	if !h.shouldSend(client, noAmount) {
		t.Error("events without an amount pass through")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents.
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventEscrowCreated}
	if !h.shouldSend(client, event) {
		t.Error("empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Addresses: []string{"0xclienta"},
	}}

	event := &Event{
		Type: EventEscrowPaused,
		Data: "string data not a map",
	}

	// Address filter skips non-map data (nothing to match), so the event passes.
	if !h.shouldSend(client, event) {
		t.Error("non-map data should pass through the address filter")
	}
}

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Type: EventEscrowCreated, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.BroadcastEscrowEvent(EventEscrowReleased, map[string]interface{}{
		"escrowId": "42", "amount": "99",
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants dispute events.
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventDisputeRaised}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Type: EventEscrowCreated, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("client should NOT receive escrow.created")
	default:
	}

	h.Broadcast(&Event{Type: EventDisputeRaised, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("client should receive dispute.raised")
	}
}
