package payments

import (
	"context"
	"sync"

	"github.com/tradesafe/tradesafe/internal/idgen"
)

// MemoryProcessor is an in-memory processor for demo/development mode.
// Calls are recorded per idempotency key; a repeated key returns the original
// transaction id without recording a second movement.
type MemoryProcessor struct {
	mu        sync.Mutex
	captures  map[string]Movement // idempotency key -> movement
	transfers map[string]Movement
	refunds   map[string]Movement

	// Failure injection for tests and demo scenarios.
	CaptureErr  error
	TransferErr error
	RefundErr   error
}

// Movement records a single processor call.
type Movement struct {
	ID          string
	AmountCents int64
	Ref         string
}

// NewMemoryProcessor creates an in-memory processor.
func NewMemoryProcessor() *MemoryProcessor {
	return &MemoryProcessor{
		captures:  make(map[string]Movement),
		transfers: make(map[string]Movement),
		refunds:   make(map[string]Movement),
	}
}

func (m *MemoryProcessor) Capture(ctx context.Context, amountCents int64, currency, sourceRef, idempotencyKey string) (string, error) {
	if m.CaptureErr != nil {
		return "", m.CaptureErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if mv, ok := m.captures[idempotencyKey]; ok {
		return mv.ID, nil
	}
	mv := Movement{ID: idgen.WithPrefix("txn_"), AmountCents: amountCents, Ref: sourceRef}
	m.captures[idempotencyKey] = mv
	return mv.ID, nil
}

func (m *MemoryProcessor) Transfer(ctx context.Context, amountCents int64, currency, destRef, idempotencyKey string) (string, error) {
	if m.TransferErr != nil {
		return "", m.TransferErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if mv, ok := m.transfers[idempotencyKey]; ok {
		return mv.ID, nil
	}
	mv := Movement{ID: idgen.WithPrefix("tr_"), AmountCents: amountCents, Ref: destRef}
	m.transfers[idempotencyKey] = mv
	return mv.ID, nil
}

func (m *MemoryProcessor) Refund(ctx context.Context, amountCents int64, transactionID, idempotencyKey string) (string, error) {
	if m.RefundErr != nil {
		return "", m.RefundErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if mv, ok := m.refunds[idempotencyKey]; ok {
		return mv.ID, nil
	}
	mv := Movement{ID: idgen.WithPrefix("re_"), AmountCents: amountCents, Ref: transactionID}
	m.refunds[idempotencyKey] = mv
	return mv.ID, nil
}

// Transfers returns all recorded transfers (test helper).
func (m *MemoryProcessor) Transfers() []Movement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Movement, 0, len(m.transfers))
	for _, mv := range m.transfers {
		out = append(out, mv)
	}
	return out
}

// Refunds returns all recorded refunds (test helper).
func (m *MemoryProcessor) Refunds() []Movement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Movement, 0, len(m.refunds))
	for _, mv := range m.refunds {
		out = append(out, mv)
	}
	return out
}
