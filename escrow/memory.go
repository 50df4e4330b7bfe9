package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/ledger"
	lstore "github.com/warp/shift-engine/ledger/store"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// MemoryStore serialises transactions with one lock and rolls back with
// a snapshot on error.
type MemoryStore struct {
	mu       sync.Mutex
	payments map[string]Payment
	payouts  map[string]Payout
	journal  *lstore.Memory
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]Payment),
		payouts:  make(map[string]Payout),
		journal:  lstore.NewMemory(),
	}
}

func (m *MemoryStore) Journal() ledger.Store { return m.journal }

func (m *MemoryStore) WithTx(ctx context.Context, fn func(Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	payments := make(map[string]Payment, len(m.payments))
	for k, v := range m.payments {
		payments[k] = v
	}
	payouts := make(map[string]Payout, len(m.payouts))
	for k, v := range m.payouts {
		payouts[k] = v
	}
	journal := m.journal.Snapshot()

	if err := fn(&memoryView{m: m}); err != nil {
		m.payments = payments
		m.payouts = payouts
		m.journal.Restore(journal)
		return err
	}
	return nil
}

func (m *MemoryStore) CreatePayment(ctx context.Context, p Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memoryView{m: m}).CreatePayment(ctx, p)
}

func (m *MemoryStore) GetPayment(ctx context.Context, id string) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memoryView{m: m}).GetPayment(ctx, id)
}

func (m *MemoryStore) PaymentForShift(ctx context.Context, shiftID string) (Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memoryView{m: m}).PaymentForShift(ctx, shiftID)
}

func (m *MemoryStore) UpdatePayment(ctx context.Context, p Payment) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memoryView{m: m}).UpdatePayment(ctx, p)
}

func (m *MemoryStore) CreatePayout(ctx context.Context, p Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memoryView{m: m}).CreatePayout(ctx, p)
}

func (m *MemoryStore) GetPayout(ctx context.Context, id string) (Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memoryView{m: m}).GetPayout(ctx, id)
}

func (m *MemoryStore) UpdatePayout(ctx context.Context, p Payout) (Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memoryView{m: m}).UpdatePayout(ctx, p)
}

func (m *MemoryStore) PayoutsForPayment(ctx context.Context, paymentID string) ([]Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memoryView{m: m}).PayoutsForPayment(ctx, paymentID)
}

func (m *MemoryStore) DuePayouts(ctx context.Context, now time.Time, limit int) ([]Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memoryView{m: m}).DuePayouts(ctx, now, limit)
}

// memoryView operates on the maps with the parent lock already held.
type memoryView struct {
	m *MemoryStore
}

func (v *memoryView) Journal() ledger.Store { return v.m.journal }

// WithTx on a view joins the enclosing transaction.
func (v *memoryView) WithTx(_ context.Context, fn func(Store) error) error { return fn(v) }

func (v *memoryView) CreatePayment(_ context.Context, p Payment) error {
	if _, ok := v.m.payments[p.ID]; ok {
		return domain.NewConflict("payment", p.ID, "already exists")
	}
	p.Version = 1
	v.m.payments[p.ID] = p
	return nil
}

func (v *memoryView) GetPayment(_ context.Context, id string) (Payment, error) {
	p, ok := v.m.payments[id]
	if !ok {
		return Payment{}, domain.NewNotFound("payment", id)
	}
	return p, nil
}

func (v *memoryView) PaymentForShift(_ context.Context, shiftID string) (Payment, bool, error) {
	var found Payment
	ok := false
	for _, p := range v.m.payments {
		if p.ShiftID == shiftID && (!ok || p.CreatedAt.After(found.CreatedAt)) {
			found, ok = p, true
		}
	}
	return found, ok, nil
}

func (v *memoryView) UpdatePayment(_ context.Context, p Payment) (Payment, error) {
	cur, ok := v.m.payments[p.ID]
	if !ok {
		return Payment{}, domain.NewNotFound("payment", p.ID)
	}
	if cur.Version != p.Version {
		return Payment{}, domain.NewConflict("payment", p.ID, "version changed")
	}
	p.Version++
	v.m.payments[p.ID] = p
	return p, nil
}

func (v *memoryView) CreatePayout(_ context.Context, p Payout) error {
	if _, ok := v.m.payouts[p.ID]; ok {
		return domain.NewConflict("payout", p.ID, "already exists")
	}
	p.Version = 1
	v.m.payouts[p.ID] = p
	return nil
}

func (v *memoryView) GetPayout(_ context.Context, id string) (Payout, error) {
	p, ok := v.m.payouts[id]
	if !ok {
		return Payout{}, domain.NewNotFound("payout", id)
	}
	return p, nil
}

func (v *memoryView) UpdatePayout(_ context.Context, p Payout) (Payout, error) {
	cur, ok := v.m.payouts[p.ID]
	if !ok {
		return Payout{}, domain.NewNotFound("payout", p.ID)
	}
	if cur.Version != p.Version {
		return Payout{}, domain.NewConflict("payout", p.ID, "version changed")
	}
	p.Version++
	v.m.payouts[p.ID] = p
	return p, nil
}

func (v *memoryView) PayoutsForPayment(_ context.Context, paymentID string) ([]Payout, error) {
	var out []Payout
	for _, p := range v.m.payouts {
		if p.PaymentID == paymentID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) || (out[a].CreatedAt.Equal(out[b].CreatedAt) && out[a].ID < out[b].ID) })
	return out, nil
}

func (v *memoryView) DuePayouts(_ context.Context, now time.Time, limit int) ([]Payout, error) {
	var out []Payout
	for _, p := range v.m.payouts {
		if p.Status.Due() && !p.NextAttemptAt.After(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].NextAttemptAt.Before(out[b].NextAttemptAt) || (out[a].NextAttemptAt.Equal(out[b].NextAttemptAt) && out[a].ID < out[b].ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*memoryView)(nil)
)
