package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/warp/shift-engine/domain"
)

// Lease grants one holder the right to run the sweep for ttl. Acquire is
// false, with no error, while another holder owns it.
type Lease interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, holder string) error
}

// MemoryLease serves a single process.
type MemoryLease struct {
	mu     sync.Mutex
	now    domain.Clock
	leases map[string]memoryLease
}

type memoryLease struct {
	holder  string
	expires time.Time
}

func NewMemoryLease(now domain.Clock) *MemoryLease {
	if now == nil {
		now = domain.SystemClock
	}
	return &MemoryLease{now: now, leases: make(map[string]memoryLease)}
}

func (m *MemoryLease) Acquire(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.leases[name]; ok && cur.holder != holder && now.Before(cur.expires) {
		return false, nil
	}
	m.leases[name] = memoryLease{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryLease) Release(_ context.Context, name, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[name]; ok && cur.holder == holder {
		delete(m.leases, name)
	}
	return nil
}
