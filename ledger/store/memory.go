// Package store provides in-memory ledger.Store implementations.
package store

import (
	"context"
	"sync"

	"github.com/warp/shift-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory journal (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	byPayment map[string][]ledger.Entry
	byKey     map[string]ledger.Entry
}

func NewMemory() *Memory {
	return &Memory{
		byPayment: make(map[string][]ledger.Entry),
		byKey:     make(map[string]ledger.Entry),
	}
}

// Append adds a single entry. Append-only.
func (m *Memory) Append(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byKey[e.IdempotencyKey]; ok {
		return ledger.ErrDuplicateKey
	}
	chain := m.byPayment[e.PaymentID]
	if int64(len(chain))+1 != e.Sequence {
		return ledger.ErrSequenceTaken
	}
	m.byPayment[e.PaymentID] = append(chain, e)
	m.byKey[e.IdempotencyKey] = e
	return nil
}

func (m *Memory) ByKey(_ context.Context, key string) (ledger.Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byKey[key]
	return e, ok, nil
}

func (m *Memory) Last(_ context.Context, paymentID string) (ledger.Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.byPayment[paymentID]
	if len(chain) == 0 {
		return ledger.Entry{}, false, nil
	}
	return chain[len(chain)-1], true, nil
}

func (m *Memory) Entries(_ context.Context, paymentID string) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.byPayment[paymentID]
	out := make([]ledger.Entry, len(chain))
	copy(out, chain)
	return out, nil
}

var _ ledger.Store = (*Memory)(nil)

// =============================================================================
// SNAPSHOT - Rollback support for in-memory transactions
// =============================================================================

type MemorySnapshot struct {
	byPayment map[string][]ledger.Entry
	byKey     map[string]ledger.Entry
}

func (m *Memory) Snapshot() MemorySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := MemorySnapshot{
		byPayment: make(map[string][]ledger.Entry, len(m.byPayment)),
		byKey:     make(map[string]ledger.Entry, len(m.byKey)),
	}
	for k, v := range m.byPayment {
		snap.byPayment[k] = append([]ledger.Entry(nil), v...)
	}
	for k, v := range m.byKey {
		snap.byKey[k] = v
	}
	return snap
}

func (m *Memory) Restore(snap MemorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byPayment = snap.byPayment
	m.byKey = snap.byKey
}
