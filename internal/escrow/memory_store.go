package escrow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory account store for demo/development mode.
// Update enforces the same version check the Postgres store does.
type MemoryStore struct {
	accounts map[string]*Account
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
	}
}

func (m *MemoryStore) Create(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct.Version = 1
	m.accounts[acct.ID] = copyAccount(acct)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyAccount(acct), nil
}

func (m *MemoryStore) Update(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.accounts[acct.ID]
	if !ok {
		return ErrAccountNotFound
	}
	if stored.Version != acct.Version {
		return ErrVersionConflict
	}
	acct.Version++
	m.accounts[acct.ID] = copyAccount(acct)
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Account
	for _, a := range m.accounts {
		if a.LandlordID == partyID || a.ContractorID == partyID {
			result = append(result, copyAccount(a))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListAutoReleasable(ctx context.Context, now time.Time, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Account
	for _, a := range m.accounts {
		if !autoReleasable(a, now) {
			continue
		}
		result = append(result, copyAccount(a))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// autoReleasable mirrors the SQL predicate in the Postgres store: funded or
// partially released, no landlord approval required, positive hold window, and
// the whole hold window elapsed.
func autoReleasable(a *Account, now time.Time) bool {
	if a.Status != StatusFunded && a.Status != StatusPartiallyReleased {
		return false
	}
	if a.ReleaseConditions.RequiresLandlordApproval {
		return false
	}
	if a.ReleaseConditions.AutoReleaseAfterDays <= 0 || a.HoldStartDate == nil {
		return false
	}
	deadline := a.HoldStartDate.Add(time.Duration(a.ReleaseConditions.AutoReleaseAfterDays) * 24 * time.Hour)
	return !now.Before(deadline)
}

// copyAccount deep-copies an account so callers never share slice backing
// arrays (an append on a returned copy must not mutate the stored one).
func copyAccount(a *Account) *Account {
	cp := *a
	if a.Milestones != nil {
		cp.Milestones = make([]Milestone, len(a.Milestones))
		copy(cp.Milestones, a.Milestones)
		for i := range cp.Milestones {
			if ev := a.Milestones[i].Evidence; ev != nil {
				cp.Milestones[i].Evidence = make([]Evidence, len(ev))
				copy(cp.Milestones[i].Evidence, ev)
			}
		}
	}
	return &cp
}
