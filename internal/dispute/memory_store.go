package dispute

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	disputes map[string]*Dispute
	offers   map[string]*Offer
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		offers:   make(map[string]*Offer),
	}
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if current.Version != d.Version {
		return ErrVersionConflict
	}
	d.Version++
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.InitiatedBy == partyID || d.RespondentID == partyID {
			result = append(result, copyDispute(d))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CreateOffer(ctx context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = copyOffer(o)
	return nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	return copyOffer(o), nil
}

func (m *MemoryStore) UpdateOffer(ctx context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.offers[o.ID]; !ok {
		return ErrOfferNotFound
	}
	m.offers[o.ID] = copyOffer(o)
	return nil
}

func (m *MemoryStore) ListOffersByDispute(ctx context.Context, disputeID string, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Offer
	for _, o := range m.offers {
		if o.DisputeID == disputeID {
			result = append(result, copyOffer(o))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	cp.Evidence = append(cp.Evidence[:0:0], d.Evidence...)
	cp.Timeline = append(cp.Timeline[:0:0], d.Timeline...)
	cp.Communications = append(cp.Communications[:0:0], d.Communications...)
	cp.Tags = append(cp.Tags[:0:0], d.Tags...)
	if d.Resolution != nil {
		res := *d.Resolution
		cp.Resolution = &res
	}
	return &cp
}

func copyOffer(o *Offer) *Offer {
	cp := *o
	cp.Conditions = append(cp.Conditions[:0:0], o.Conditions...)
	if o.WorkOffer != nil {
		w := *o.WorkOffer
		cp.WorkOffer = &w
	}
	return &cp
}
