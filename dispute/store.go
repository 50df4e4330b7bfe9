package dispute

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/shift-engine/domain"
)

type Filter struct {
	ShiftID      string
	AssignmentID string
	ActiveOnly   bool
}

func (f Filter) matches(d Dispute) bool {
	if f.ShiftID != "" && d.ShiftID != f.ShiftID {
		return false
	}
	if f.AssignmentID != "" && d.AssignmentID != f.AssignmentID {
		return false
	}
	return !f.ActiveOnly || d.Status.Active()
}

type Store interface {
	Create(ctx context.Context, d Dispute) error
	Get(ctx context.Context, id string) (Dispute, error)
	// Update writes d when d.Version matches and returns it incremented.
	Update(ctx context.Context, d Dispute) (Dispute, error)
	List(ctx context.Context, f Filter) ([]Dispute, error)
}

// MemoryStore is a map-backed Store.
type MemoryStore struct {
	mu       sync.Mutex
	disputes map[string]Dispute
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]Dispute)}
}

func (m *MemoryStore) Create(_ context.Context, d Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[d.ID]; ok {
		return domain.NewConflict("dispute", d.ID, "already exists")
	}
	for _, other := range m.disputes {
		if other.AssignmentID == d.AssignmentID && other.Status.Active() {
			return domain.NewConflict("dispute", other.ID, "assignment already disputed")
		}
	}
	d.Version = 1
	m.disputes[d.ID] = d
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return Dispute{}, domain.NewNotFound("dispute", id)
	}
	return d, nil
}

func (m *MemoryStore) Update(_ context.Context, d Dispute) (Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.disputes[d.ID]
	if !ok {
		return Dispute{}, domain.NewNotFound("dispute", d.ID)
	}
	if cur.Version != d.Version {
		return Dispute{}, domain.NewConflict("dispute", d.ID, "version changed")
	}
	d.Version++
	m.disputes[d.ID] = d
	return d, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Dispute
	for _, d := range m.disputes {
		if f.matches(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].OpenedAt.Equal(out[b].OpenedAt) {
			return out[a].OpenedAt.Before(out[b].OpenedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
