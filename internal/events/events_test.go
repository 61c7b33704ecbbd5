package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestSignIsDeterministic(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"escrow.funded"}`)

	a := Sign(payload, "secret-1")
	b := Sign(payload, "secret-1")
	if a != b {
		t.Errorf("same payload and secret produced different signatures: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(a))
	}
	if Sign(payload, "secret-2") == a {
		t.Error("different secrets produced the same signature")
	}
	if Sign([]byte(`{}`), "secret-1") == a {
		t.Error("different payloads produced the same signature")
	}
}

func TestSubscriptionWants(t *testing.T) {
	sub := &Subscription{Events: []string{EventEscrowFunded, EventDisputeOpened}}
	if !sub.wants(EventEscrowFunded) {
		t.Error("expected subscription to want escrow.funded")
	}
	if sub.wants(EventEscrowReleased) {
		t.Error("did not expect subscription to want escrow.released")
	}

	wildcard := &Subscription{Events: []string{"*"}}
	if !wildcard.wants(EventReleaseApproved) {
		t.Error("wildcard subscription must want every event")
	}
}

func TestSendDeliversSignedPayload(t *testing.T) {
	received := make(chan *http.Request, 1)
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := &Subscription{
		ID: "wh_1", PartyID: "landlord-1", URL: srv.URL, Secret: "topsecret",
		Events: []string{EventEscrowFunded}, Active: true,
	}
	store.Create(context.Background(), sub)

	d := NewDispatcher(store)
	event := &Event{
		ID:        "evt_1",
		Type:      EventEscrowFunded,
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Data:      map[string]any{"accountId": "acc_1"},
	}
	d.send(context.Background(), sub, event)

	select {
	case r := <-received:
		if got := r.Header.Get("X-Tradesafe-Event"); got != EventEscrowFunded {
			t.Errorf("event header = %s, want %s", got, EventEscrowFunded)
		}
		if got := r.Header.Get("X-Tradesafe-Signature"); got != Sign(body, "topsecret") {
			t.Errorf("signature does not verify against the body")
		}
		if got := r.Header.Get("X-Tradesafe-Timestamp"); got != "1740830400" {
			t.Errorf("timestamp header = %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("webhook never arrived")
	}

	var decoded Event
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if decoded.Data["accountId"] != "acc_1" {
		t.Errorf("payload data = %v", decoded.Data)
	}

	got, _ := store.Get(context.Background(), "wh_1")
	if got.LastSuccess == nil || got.ConsecutiveFailures != 0 {
		t.Errorf("success not recorded: %+v", got)
	}
}

func TestDispatchSkipsInactiveAndUnsubscribed(t *testing.T) {
	hits := make(chan struct{}, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := NewMemoryStore()
	store.Create(ctx, &Subscription{
		ID: "wh_inactive", URL: srv.URL, Events: []string{"*"}, Active: false,
	})
	store.Create(ctx, &Subscription{
		ID: "wh_other", URL: srv.URL, Events: []string{EventDisputeOpened}, Active: true,
	})

	d := NewDispatcher(store)
	if err := d.Dispatch(ctx, &Event{ID: "evt_1", Type: EventEscrowFunded, Timestamp: time.Now()}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case <-hits:
		t.Error("no endpoint should have been hit")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFailingEndpointIsDeactivated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := NewMemoryStore()
	sub := &Subscription{
		ID: "wh_1", URL: srv.URL, Events: []string{"*"}, Active: true,
	}
	store.Create(ctx, sub)

	d := NewDispatcher(store)
	d.attempts = 1
	d.retryDelay = time.Millisecond
	event := &Event{ID: "evt_1", Type: EventEscrowFunded, Timestamp: time.Now()}

	for i := 0; i < maxConsecutiveFailures; i++ {
		got, _ := store.Get(ctx, "wh_1")
		d.send(ctx, got, event)
	}

	got, _ := store.Get(ctx, "wh_1")
	if got.Active {
		t.Errorf("subscription still active after %d consecutive failures", maxConsecutiveFailures)
	}
	if got.LastError == "" {
		t.Error("expected last error to be recorded")
	}

	// One success resets the failure streak.
	fresh := &Subscription{ID: "wh_2", URL: srv.URL, Events: []string{"*"}, Active: true, ConsecutiveFailures: maxConsecutiveFailures - 1}
	store.Create(ctx, fresh)
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	fresh.URL = ok.URL
	d.send(ctx, fresh, event)

	got, _ = store.Get(ctx, "wh_2")
	if got.ConsecutiveFailures != 0 || !got.Active {
		t.Errorf("success did not reset failures: %+v", got)
	}
}

func TestSendRetriesTransientFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := NewMemoryStore()
	sub := &Subscription{ID: "wh_1", URL: srv.URL, Events: []string{"*"}, Active: true}
	store.Create(ctx, sub)

	d := NewDispatcher(store)
	d.retryDelay = time.Millisecond
	d.send(ctx, sub, &Event{ID: "evt_1", Type: EventEscrowFunded, Timestamp: time.Now()})

	if calls != 3 {
		t.Errorf("got %d delivery attempts, want 3", calls)
	}
	got, _ := store.Get(ctx, "wh_1")
	if got.ConsecutiveFailures != 0 || got.LastSuccess == nil {
		t.Errorf("eventual success not recorded: %+v", got)
	}
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := NewMemoryStore()
	sub := &Subscription{ID: "wh_1", URL: srv.URL, Events: []string{"*"}, Active: true}
	store.Create(ctx, sub)

	d := NewDispatcher(store)
	d.retryDelay = time.Millisecond
	d.send(ctx, sub, &Event{ID: "evt_1", Type: EventEscrowFunded, Timestamp: time.Now()})

	if calls != 1 {
		t.Errorf("got %d delivery attempts, want 1 (4xx is permanent)", calls)
	}
	got, _ := store.Get(ctx, "wh_1")
	if got.ConsecutiveFailures != 1 {
		t.Errorf("failure not recorded: %+v", got)
	}
}

func TestConcurrentDispatchesToOneSubscription(t *testing.T) {
	const emits = 20

	hits := make(chan struct{}, emits)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := NewMemoryStore()
	store.Create(ctx, &Subscription{
		ID: "wh_1", URL: srv.URL, Secret: "topsecret", Events: []string{"*"}, Active: true,
	})

	d := NewDispatcher(store)
	d.retryDelay = time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < emits; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			event := &Event{ID: fmt.Sprintf("evt_%d", n), Type: EventEscrowFunded, Timestamp: time.Now()}
			if err := d.Dispatch(ctx, event); err != nil {
				t.Errorf("Dispatch: %v", err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < emits; i++ {
		select {
		case <-hits:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d deliveries arrived", i, emits)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := store.Get(ctx, "wh_1")
		if got.LastSuccess != nil && got.ConsecutiveFailures == 0 && got.Active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bookkeeping never settled: %+v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConcurrentFailuresAllCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := NewMemoryStore()
	store.Create(ctx, &Subscription{
		ID: "wh_1", URL: srv.URL, Events: []string{"*"}, Active: true,
	})

	d := NewDispatcher(store)
	d.attempts = 1
	d.retryDelay = time.Millisecond

	// Every concurrent failure must land an increment; a lost read-modify-write
	// would leave the count short of the deactivation threshold.
	var wg sync.WaitGroup
	for i := 0; i < maxConsecutiveFailures; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, _ := store.Get(ctx, "wh_1")
			d.send(ctx, sub, &Event{ID: "evt_1", Type: EventEscrowFunded, Timestamp: time.Now()})
		}()
	}
	wg.Wait()

	got, _ := store.Get(ctx, "wh_1")
	if got.ConsecutiveFailures != maxConsecutiveFailures {
		t.Errorf("failures = %d, want %d", got.ConsecutiveFailures, maxConsecutiveFailures)
	}
	if got.Active {
		t.Error("subscription still active at the deactivation threshold")
	}
}

func TestMemoryStoreReadsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Create(ctx, &Subscription{
		ID: "wh_1", PartyID: "p1", Events: []string{EventEscrowFunded}, Active: true,
	})

	got, _ := store.Get(ctx, "wh_1")
	got.Active = false
	got.Events[0] = "mangled"
	got.ConsecutiveFailures = 99

	again, _ := store.Get(ctx, "wh_1")
	if !again.Active || again.Events[0] != EventEscrowFunded || again.ConsecutiveFailures != 0 {
		t.Errorf("mutating a read leaked into the store: %+v", again)
	}

	byEvent, _ := store.GetByEvent(ctx, EventEscrowFunded)
	if len(byEvent) != 1 {
		t.Fatalf("got %d subscriptions, want 1", len(byEvent))
	}
	byEvent[0].Active = false
	again, _ = store.Get(ctx, "wh_1")
	if !again.Active {
		t.Error("mutating a GetByEvent result leaked into the store")
	}
}

func TestMemoryStoreGetByEvent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Create(ctx, &Subscription{ID: "wh_1", PartyID: "p1", Events: []string{EventEscrowFunded}})
	store.Create(ctx, &Subscription{ID: "wh_2", PartyID: "p1", Events: []string{"*"}})
	store.Create(ctx, &Subscription{ID: "wh_3", PartyID: "p2", Events: []string{EventDisputeOpened}})

	subs, err := store.GetByEvent(ctx, EventEscrowFunded)
	if err != nil {
		t.Fatalf("GetByEvent: %v", err)
	}
	if len(subs) != 2 {
		t.Errorf("got %d subscribers, want 2 (direct + wildcard)", len(subs))
	}

	byParty, _ := store.GetByParty(ctx, "p1")
	if len(byParty) != 2 {
		t.Errorf("got %d party subscriptions, want 2", len(byParty))
	}

	if err := store.Delete(ctx, "wh_2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "wh_2"); err != ErrSubscriptionNotFound {
		t.Errorf("got %v, want ErrSubscriptionNotFound", err)
	}
}
