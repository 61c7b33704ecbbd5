package release

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory request store for demo/development mode.
// The pending-slot map makes CreatePending atomic the same way the Postgres
// partial unique index does.
type MemoryStore struct {
	requests map[string]*Request
	pending  map[string]string // accountID -> pending request ID
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory request store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*Request),
		pending:  make(map[string]string),
	}
}

func (m *MemoryStore) CreatePending(ctx context.Context, req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.pending[req.EscrowAccountID]; taken {
		return ErrPendingExists
	}
	m.pending[req.EscrowAccountID] = req.ID
	m.requests[req.ID] = copyRequest(req)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return copyRequest(req), nil
}

func (m *MemoryStore) Update(ctx context.Context, req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[req.ID]; !ok {
		return ErrRequestNotFound
	}
	m.requests[req.ID] = copyRequest(req)
	// A resolved request frees the account's pending slot.
	if req.Status != StatusPending && m.pending[req.EscrowAccountID] == req.ID {
		delete(m.pending, req.EscrowAccountID)
	}
	return nil
}

func (m *MemoryStore) GetPendingByAccount(ctx context.Context, accountID string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.pending[accountID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return copyRequest(m.requests[id]), nil
}

func (m *MemoryStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Request
	for _, r := range m.requests {
		if r.EscrowAccountID == accountID {
			result = append(result, copyRequest(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListAutoApprovable(ctx context.Context, before time.Time, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Request
	for _, r := range m.requests {
		if r.Status == StatusPending && r.AutomaticReleaseAt != nil && !r.AutomaticReleaseAt.After(before) {
			result = append(result, copyRequest(r))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func copyRequest(r *Request) *Request {
	cp := *r
	if r.Approvals != nil {
		cp.Approvals = make(map[string]string, len(r.Approvals))
		for k, v := range r.Approvals {
			cp.Approvals[k] = v
		}
	}
	if r.Evidence != nil {
		cp.Evidence = append(cp.Evidence[:0:0], r.Evidence...)
	}
	return &cp
}
