// Package events delivers lifecycle notifications to external services.
//
// Parties register webhook URLs to be notified about escrow, release, and
// dispute activity. Delivery is at-most-once and best-effort: a slow or
// broken endpoint never blocks the operation that produced the event, and
// an endpoint that keeps failing is deactivated.
package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tradesafe/tradesafe/internal/circuitbreaker"
	"github.com/tradesafe/tradesafe/internal/retry"
	"github.com/tradesafe/tradesafe/internal/syncutil"
)

var ErrSubscriptionNotFound = errors.New("events: subscription not found")

// Event types emitted across the platform.
const (
	EventEscrowCreated          = "escrow.created"
	EventEscrowFunded           = "escrow.funded"
	EventEscrowMilestoneUpdated = "escrow.milestone_updated"
	EventEscrowReleased         = "escrow.released"
	EventEscrowRefunded         = "escrow.refunded"
	EventEscrowCancelled        = "escrow.cancelled"
	EventReleaseRequested       = "release.requested"
	EventReleaseApproved        = "release.approved"
	EventReleaseRejected        = "release.rejected"
	EventReleaseAuto            = "release.auto"
	EventDisputeOpened          = "dispute.opened"
	EventDisputeMediation       = "dispute.mediation_requested"
	EventDisputeOfferCreated    = "dispute.offer_created"
	EventDisputeOfferRejected   = "dispute.offer_rejected"
	EventDisputeResolved        = "dispute.resolved"
	EventDisputeEscalated       = "dispute.escalated"
	EventDisputeClosed          = "dispute.closed"
)

// maxConsecutiveFailures is the threshold past which a subscription is
// deactivated instead of retried forever.
const maxConsecutiveFailures = 10

// deliveryTimeout bounds one subscription's delivery, retries included.
const deliveryTimeout = 30 * time.Second

// Event is one webhook delivery payload.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is a party's registered webhook endpoint.
type Subscription struct {
	ID                  string     `json:"id"`
	PartyID             string     `json:"partyId"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"` // HMAC signing key
	Events              []string   `json:"events"`
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"-"`
}

// clone returns an independent copy so callers never share mutable state
// with the store or with concurrent deliveries.
func (s *Subscription) clone() *Subscription {
	c := *s
	c.Events = append([]string(nil), s.Events...)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		c.LastSuccess = &t
	}
	return &c
}

func (s *Subscription) wants(eventType string) bool {
	for _, et := range s.Events {
		if et == eventType || et == "*" {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByParty(ctx context.Context, partyID string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher posts events to subscribed endpoints. Transient delivery errors
// are retried with backoff; an endpoint that keeps failing trips a per-endpoint
// circuit so it stops being attempted for a while before the consecutive
// failure count deactivates it outright.
type Dispatcher struct {
	store      Store
	client     *http.Client
	breaker    *circuitbreaker.Breaker
	locks      syncutil.ShardedMutex // serializes per-subscription bookkeeping
	attempts   int
	retryDelay time.Duration
}

// NewDispatcher creates a new webhook dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker:    circuitbreaker.New(5, time.Minute),
		attempts:   3,
		retryDelay: 500 * time.Millisecond,
	}
}

// Dispatch sends an event to every active subscriber of its type.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		if !d.breaker.Allow(sub.ID) {
			continue
		}
		// Async and detached: the originating request may finish long
		// before delivery, so each send gets its own deadline.
		go func(sub *Subscription) {
			sendCtx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
			defer cancel()
			d.send(sendCtx, sub, event)
		}(sub)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.recordFailure(ctx, sub, "failed to marshal event")
		return
	}

	err = retry.Do(ctx, d.attempts, d.retryDelay, func() error {
		return d.deliver(ctx, sub, event, payload)
	})
	if err != nil {
		d.breaker.RecordFailure(sub.ID)
		d.recordFailure(ctx, sub, err.Error())
		return
	}
	d.breaker.RecordSuccess(sub.ID)
	d.recordSuccess(ctx, sub)
}

// deliver makes one POST attempt. 4xx responses are permanent (the endpoint
// rejected the payload, retrying won't change that); 5xx, 429, and transport
// errors are retried.
func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tradesafe-Event", event.Type)
	req.Header.Set("X-Tradesafe-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Tradesafe-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 signature receivers verify against.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// recordSuccess and recordFailure re-read the subscription under a
// per-subscription lock before writing, so concurrent deliveries never lose a
// ConsecutiveFailures increment on their way to the deactivation threshold.

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	unlock := d.locks.Lock(sub.ID)
	defer unlock()

	cur, err := d.store.Get(ctx, sub.ID)
	if err != nil {
		return
	}
	now := time.Now()
	cur.LastSuccess = &now
	cur.LastError = ""
	cur.ConsecutiveFailures = 0
	_ = d.store.Update(ctx, cur)
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, errMsg string) {
	unlock := d.locks.Lock(sub.ID)
	defer unlock()

	cur, err := d.store.Get(ctx, sub.ID)
	if err != nil {
		return
	}
	cur.LastError = errMsg
	cur.ConsecutiveFailures++
	if cur.ConsecutiveFailures >= maxConsecutiveFailures {
		cur.Active = false
	}
	_ = d.store.Update(ctx, cur)
}

// MemoryStore is an in-memory subscription store for demo/development mode.
// Reads return deep copies, matching the Postgres store's row semantics:
// delivery goroutines must never share a struct with the store.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub.clone(), nil
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) GetByParty(ctx context.Context, partyID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.PartyID == partyID {
			result = append(result, sub.clone())
		}
	}
	return result, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.wants(eventType) {
			result = append(result, sub.clone())
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub.clone()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
