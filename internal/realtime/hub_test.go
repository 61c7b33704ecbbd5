package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: "escrow.funded", Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []string{"escrow.funded", "dispute.opened"},
	}}

	fundedEvent := &Event{Type: "escrow.funded"}
	disputeEvent := &Event{Type: "dispute.opened"}
	releaseEvent := &Event{Type: "release.approved"}

	if !h.shouldSend(client, fundedEvent) {
		t.Error("Should receive escrow.funded events")
	}
	if !h.shouldSend(client, disputeEvent) {
		t.Error("Should receive dispute.opened events")
	}
	if h.shouldSend(client, releaseEvent) {
		t.Error("Should NOT receive release.approved events")
	}
}

func TestShouldSend_AccountFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		AccountIDs: []string{"acc_1"},
	}}

	matching := &Event{
		Type: "escrow.released",
		Data: map[string]any{"accountId": "acc_1", "amountCents": int64(5000)},
	}
	notMatching := &Event{
		Type: "escrow.released",
		Data: map[string]any{"accountId": "acc_2"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on accountId")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match other accounts")
	}
}

func TestShouldSend_PartyFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		PartyIDs: []string{"landlord-1"},
	}}

	asLandlord := &Event{
		Type: "escrow.created",
		Data: map[string]any{"landlordId": "landlord-1", "contractorId": "contractor-9"},
	}
	asInitiator := &Event{
		Type: "dispute.opened",
		Data: map[string]any{"initiatedBy": "landlord-1"},
	}
	unrelated := &Event{
		Type: "escrow.created",
		Data: map[string]any{"landlordId": "landlord-2", "contractorId": "contractor-9"},
	}

	if !h.shouldSend(client, asLandlord) {
		t.Error("Should match on landlordId")
	}
	if !h.shouldSend(client, asInitiator) {
		t.Error("Should match on initiatedBy")
	}
	if h.shouldSend(client, unrelated) {
		t.Error("Should NOT match unrelated parties")
	}
}

func TestShouldSend_CombinedFilters(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []string{"escrow.released"},
		AccountIDs: []string{"acc_1"},
	}}

	both := &Event{Type: "escrow.released", Data: map[string]any{"accountId": "acc_1"}}
	wrongType := &Event{Type: "escrow.funded", Data: map[string]any{"accountId": "acc_1"}}
	wrongAccount := &Event{Type: "escrow.released", Data: map[string]any{"accountId": "acc_2"}}

	if !h.shouldSend(client, both) {
		t.Error("Should receive when both filters match")
	}
	if h.shouldSend(client, wrongType) {
		t.Error("Should NOT receive on type mismatch")
	}
	if h.shouldSend(client, wrongAccount) {
		t.Error("Should NOT receive on account mismatch")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: "escrow.funded"}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: "escrow.funded", Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
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
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
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

	h.Broadcast(&Event{
		Type:      "escrow.funded",
		Timestamp: time.Now(),
		Data:      map[string]any{"accountId": "acc_1", "amountCents": int64(100000)},
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_EmitFeedsBroadcast(t *testing.T) {
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

	h.Emit(context.Background(), "dispute.opened", map[string]any{"disputeId": "dsp_1"})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for emitted event")
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
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants dispute activity
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []string{"dispute.opened"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send an escrow event (should be filtered out)
	h.Broadcast(&Event{Type: "escrow.funded", Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive escrow event")
	default:
		// Good - filtered out
	}

	// Send a dispute event (should be received)
	h.Broadcast(&Event{Type: "dispute.opened", Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive dispute event")
	}
}
