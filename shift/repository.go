package shift

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/shift-engine/domain"
)

// =============================================================================
// REPOSITORY
// =============================================================================

type Filter struct {
	Business        string
	Statuses        []Status
	StartsBefore    time.Time
	IncludeArchived bool
	Limit           int
}

func (f Filter) matches(s Shift) bool {
	if f.Business != "" && s.Business.ID != f.Business {
		return false
	}
	if !f.IncludeArchived && s.RecordStatus == RecordArchived {
		return false
	}
	if !f.StartsBefore.IsZero() && !s.Window.Start.Before(f.StartsBefore) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if s.Status == st {
			return true
		}
	}
	return false
}

// Booking is one of a worker's committed assignments with its shift window.
type Booking struct {
	ShiftID      string
	AssignmentID string
	Status       AssignmentStatus
	Scheduled    domain.Window
	Worked       domain.Window // zero until clock-in
	Hours        Hours
}

// Window is the worked span when known and the scheduled span otherwise.
func (b Booking) Window() domain.Window {
	if b.Worked.Valid() {
		return b.Worked
	}
	return b.Scheduled
}

type Repository interface {
	CreateShift(ctx context.Context, s Shift) error
	GetShift(ctx context.Context, id string) (Shift, error)
	// UpdateShift writes s when s.Version matches the stored version and
	// returns it with the version incremented.
	UpdateShift(ctx context.Context, s Shift) (Shift, error)
	ListShifts(ctx context.Context, f Filter) ([]Shift, error)

	CreateAssignment(ctx context.Context, a Assignment) error
	GetAssignment(ctx context.Context, id string) (Assignment, error)
	UpdateAssignment(ctx context.Context, a Assignment) (Assignment, error)
	Assignments(ctx context.Context, shiftID string) ([]Assignment, error)

	// WorkerBookings returns confirmed-or-later assignments of a worker
	// whose scheduled or worked span touches within.
	WorkerBookings(ctx context.Context, workerID string, within domain.Window) ([]Booking, error)

	WithTx(ctx context.Context, fn func(Repository) error) error
}

// committed reports whether an assignment counts against the worker's time.
func committed(s AssignmentStatus) bool {
	switch s {
	case AssignmentConfirmed, AssignmentClockedIn, AssignmentClockedOut, AssignmentVerified, AssignmentPaid:
		return true
	}
	return false
}

func sortShifts(out []Shift) {
	sort.Slice(out, func(a, b int) bool {
		if !out[a].Window.Start.Equal(out[b].Window.Start) {
			return out[a].Window.Start.Before(out[b].Window.Start)
		}
		return out[a].ID < out[b].ID
	})
}

func sortAssignments(out []Assignment) {
	sort.Slice(out, func(a, b int) bool {
		if !out[a].AppliedAt.Equal(out[b].AppliedAt) {
			return out[a].AppliedAt.Before(out[b].AppliedAt)
		}
		return out[a].ID < out[b].ID
	})
}

// =============================================================================
// MEMORY REPOSITORY
// =============================================================================

// MemoryRepository serialises transactions with one lock and restores a
// snapshot when the transaction function fails.
type MemoryRepository struct {
	mu          sync.Mutex
	shifts      map[string]Shift
	assignments map[string]Assignment
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		shifts:      make(map[string]Shift),
		assignments: make(map[string]Assignment),
	}
}

func (m *MemoryRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	shifts := make(map[string]Shift, len(m.shifts))
	for k, v := range m.shifts {
		shifts[k] = v
	}
	assignments := make(map[string]Assignment, len(m.assignments))
	for k, v := range m.assignments {
		assignments[k] = v
	}
	if err := fn(&memoryTx{m: m}); err != nil {
		m.shifts = shifts
		m.assignments = assignments
		return err
	}
	return nil
}

func (m *MemoryRepository) CreateShift(ctx context.Context, s Shift) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memoryTx{m: m}).CreateShift(ctx, s)
}

func (m *MemoryRepository) GetShift(ctx context.Context, id string) (Shift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memoryTx{m: m}).GetShift(ctx, id)
}

func (m *MemoryRepository) UpdateShift(ctx context.Context, s Shift) (Shift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memoryTx{m: m}).UpdateShift(ctx, s)
}

func (m *MemoryRepository) ListShifts(ctx context.Context, f Filter) ([]Shift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memoryTx{m: m}).ListShifts(ctx, f)
}

func (m *MemoryRepository) CreateAssignment(ctx context.Context, a Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memoryTx{m: m}).CreateAssignment(ctx, a)
}

func (m *MemoryRepository) GetAssignment(ctx context.Context, id string) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memoryTx{m: m}).GetAssignment(ctx, id)
}

func (m *MemoryRepository) UpdateAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memoryTx{m: m}).UpdateAssignment(ctx, a)
}

func (m *MemoryRepository) Assignments(ctx context.Context, shiftID string) ([]Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memoryTx{m: m}).Assignments(ctx, shiftID)
}

func (m *MemoryRepository) WorkerBookings(ctx context.Context, workerID string, within domain.Window) ([]Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memoryTx{m: m}).WorkerBookings(ctx, workerID, within)
}

// memoryTx operates on the maps with the parent lock held.
type memoryTx struct {
	m *MemoryRepository
}

func (t *memoryTx) WithTx(_ context.Context, fn func(Repository) error) error { return fn(t) }

func (t *memoryTx) CreateShift(_ context.Context, s Shift) error {
	if _, ok := t.m.shifts[s.ID]; ok {
		return domain.NewConflict("shift", s.ID, "already exists")
	}
	s.Version = 1
	t.m.shifts[s.ID] = s
	return nil
}

func (t *memoryTx) GetShift(_ context.Context, id string) (Shift, error) {
	s, ok := t.m.shifts[id]
	if !ok {
		return Shift{}, domain.NewNotFound("shift", id)
	}
	return s, nil
}

func (t *memoryTx) UpdateShift(_ context.Context, s Shift) (Shift, error) {
	cur, ok := t.m.shifts[s.ID]
	if !ok {
		return Shift{}, domain.NewNotFound("shift", s.ID)
	}
	if cur.Version != s.Version {
		return Shift{}, domain.NewConflict("shift", s.ID, "version changed")
	}
	s.Version++
	t.m.shifts[s.ID] = s
	return s, nil
}

func (t *memoryTx) ListShifts(_ context.Context, f Filter) ([]Shift, error) {
	var out []Shift
	for _, s := range t.m.shifts {
		if f.matches(s) {
			out = append(out, s)
		}
	}
	sortShifts(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *memoryTx) CreateAssignment(_ context.Context, a Assignment) error {
	if _, ok := t.m.assignments[a.ID]; ok {
		return domain.NewConflict("assignment", a.ID, "already exists")
	}
	a.Version = 1
	t.m.assignments[a.ID] = a
	return nil
}

func (t *memoryTx) GetAssignment(_ context.Context, id string) (Assignment, error) {
	a, ok := t.m.assignments[id]
	if !ok {
		return Assignment{}, domain.NewNotFound("assignment", id)
	}
	return a, nil
}

func (t *memoryTx) UpdateAssignment(_ context.Context, a Assignment) (Assignment, error) {
	cur, ok := t.m.assignments[a.ID]
	if !ok {
		return Assignment{}, domain.NewNotFound("assignment", a.ID)
	}
	if cur.Version != a.Version {
		return Assignment{}, domain.NewConflict("assignment", a.ID, "version changed")
	}
	a.Version++
	t.m.assignments[a.ID] = a
	return a, nil
}

func (t *memoryTx) Assignments(_ context.Context, shiftID string) ([]Assignment, error) {
	var out []Assignment
	for _, a := range t.m.assignments {
		if a.ShiftID == shiftID {
			out = append(out, a)
		}
	}
	sortAssignments(out)
	return out, nil
}

func (t *memoryTx) WorkerBookings(_ context.Context, workerID string, within domain.Window) ([]Booking, error) {
	var out []Booking
	for _, a := range t.m.assignments {
		if a.Worker.ID != workerID || !committed(a.Status) {
			continue
		}
		s, ok := t.m.shifts[a.ShiftID]
		if !ok {
			continue
		}
		b := Booking{
			ShiftID:      s.ID,
			AssignmentID: a.ID,
			Status:       a.Status,
			Scheduled:    s.Window,
			Worked:       a.WorkedWindow(),
			Hours:        a.Hours,
		}
		if b.Scheduled.Overlaps(within) || b.Worked.Overlaps(within) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Scheduled.Start.Before(out[b].Scheduled.Start) })
	return out, nil
}

var (
	_ Repository = (*MemoryRepository)(nil)
	_ Repository = (*memoryTx)(nil)
)
