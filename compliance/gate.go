package compliance

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/warp/shift-engine/domain"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// GetEligibility returns a zero Eligibility for unknown workers.
	GetEligibility(ctx context.Context, workerID string) (Eligibility, error)
	SaveEligibility(ctx context.Context, e Eligibility) error

	GetExemption(ctx context.Context, id string) (Exemption, error)
	ListExemptions(ctx context.Context, workerID string) ([]Exemption, error)
	SaveExemption(ctx context.Context, x Exemption) error

	GetViolation(ctx context.Context, id string) (Violation, error)
	ListViolations(ctx context.Context, workerID string) ([]Violation, error)
	SaveViolation(ctx context.Context, v Violation) error
}

// =============================================================================
// GATE
// =============================================================================

// Check is what the shift machine knows when it asks for a decision.
type Check struct {
	Jurisdiction string
	WorkerID     string
	ShiftID      string
	AssignmentID string
	Role         string
	Window       domain.Window
	OfferedRate  domain.Money
	Prior        []Work
}

type Gate struct {
	registry *Registry
	store    Store
	now      domain.Clock
	logger   *slog.Logger
}

func NewGate(registry *Registry, store Store, now domain.Clock, logger *slog.Logger) *Gate {
	if now == nil {
		now = domain.SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		registry: registry,
		store:    store,
		now:      now,
		logger:   logger.With("module", "compliance", "layer", "domain"),
	}
}

func (g *Gate) Jurisdiction(code string) (Jurisdiction, error) { return g.registry.Get(code) }

// Evaluate loads worker facts and returns the decision without writing
// anything. A deny comes back both in the Decision and as a *DeniedError.
func (g *Gate) Evaluate(ctx context.Context, c Check) (Decision, error) {
	j, err := g.registry.Get(c.Jurisdiction)
	if err != nil {
		return Decision{}, err
	}
	elig, err := g.store.GetEligibility(ctx, c.WorkerID)
	if err != nil {
		return Decision{}, err
	}
	elig.WorkerID = c.WorkerID
	exemptions, err := g.store.ListExemptions(ctx, c.WorkerID)
	if err != nil {
		return Decision{}, err
	}

	d := Evaluate(Request{
		Jurisdiction: j,
		Worker:       elig,
		Role:         c.Role,
		Window:       c.Window,
		OfferedRate:  c.OfferedRate,
		Prior:        c.Prior,
		Exemptions:   exemptions,
	})

	g.logger.InfoContext(ctx, "compliance evaluated",
		"operation", "evaluate",
		"outcome", string(d.Outcome),
		"rule", string(d.Rule),
		"worker_id", c.WorkerID,
		"shift_id", c.ShiftID,
		"flags", len(d.Flags),
	)
	return d, d.Err()
}

// Record writes one Violation per flag. Callers invoke it after the
// transition that was flagged has committed.
func (g *Gate) Record(ctx context.Context, c Check, d Decision) ([]Violation, error) {
	if len(d.Flags) == 0 {
		return nil, nil
	}
	now := g.now()
	out := make([]Violation, 0, len(d.Flags))
	for _, f := range d.Flags {
		v := Violation{
			ID:           domain.NewID("vio"),
			WorkerID:     c.WorkerID,
			ShiftID:      c.ShiftID,
			AssignmentID: c.AssignmentID,
			Jurisdiction: c.Jurisdiction,
			Rule:         f.Rule,
			Severity:     f.Severity,
			Detail:       f.Detail,
			Status:       ViolationOpen,
			DetectedAt:   now,
		}
		if err := g.store.SaveViolation(ctx, v); err != nil {
			return out, err
		}
		out = append(out, v)
	}
	g.logger.WarnContext(ctx, "compliance violations recorded",
		"operation", "record",
		"outcome", "flagged",
		"worker_id", c.WorkerID,
		"shift_id", c.ShiftID,
		"count", len(out),
	)
	return out, nil
}

// =============================================================================
// VERIFICATION PROVIDER INGESTION
// =============================================================================

func (g *Gate) RecordVerification(ctx context.Context, v VerificationResult) (Eligibility, error) {
	if err := v.Validate(); err != nil {
		return Eligibility{}, err
	}
	if v.ReceivedAt.IsZero() {
		v.ReceivedAt = g.now()
	}
	current, err := g.store.GetEligibility(ctx, v.WorkerID)
	if err != nil {
		return Eligibility{}, err
	}
	next := current.Apply(v)
	if err := g.store.SaveEligibility(ctx, next); err != nil {
		return Eligibility{}, err
	}
	g.logger.InfoContext(ctx, "verification result applied",
		"operation", "record_verification",
		"outcome", string(v.Status),
		"worker_id", v.WorkerID,
		"check", string(v.Check),
	)
	return next, nil
}

func (g *Gate) Eligibility(ctx context.Context, workerID string) (Eligibility, error) {
	return g.store.GetEligibility(ctx, workerID)
}

// =============================================================================
// EXEMPTIONS
// =============================================================================

func (g *Gate) RequestExemption(ctx context.Context, x Exemption) (Exemption, error) {
	if err := x.Validate(); err != nil {
		return Exemption{}, err
	}
	x.ID = domain.NewID("exm")
	x.CreatedAt = g.now()
	x.ApprovedAt = nil
	x.ApprovedBy = nil
	if err := g.store.SaveExemption(ctx, x); err != nil {
		return Exemption{}, err
	}
	return x, nil
}

func (g *Gate) ApproveExemption(ctx context.Context, id string, by domain.Party) (Exemption, error) {
	if by.Kind != domain.PartyAdmin {
		return Exemption{}, domain.ErrForbidden
	}
	x, err := g.store.GetExemption(ctx, id)
	if err != nil {
		return Exemption{}, err
	}
	if x.ApprovedAt != nil {
		return x, nil
	}
	now := g.now()
	x.ApprovedAt = &now
	x.ApprovedBy = &by
	if err := g.store.SaveExemption(ctx, x); err != nil {
		return Exemption{}, err
	}
	g.logger.InfoContext(ctx, "exemption approved",
		"operation", "approve_exemption",
		"outcome", "success",
		"exemption_id", id,
		"worker_id", x.WorkerID,
		"rule", string(x.Rule),
	)
	return x, nil
}

// =============================================================================
// VIOLATIONS
// =============================================================================

func (g *Gate) Violations(ctx context.Context, workerID string) ([]Violation, error) {
	vs, err := g.store.ListViolations(ctx, workerID)
	if err != nil {
		return nil, err
	}
	sort.Slice(vs, func(a, b int) bool { return vs[a].DetectedAt.Before(vs[b].DetectedAt) })
	return vs, nil
}

func (g *Gate) ResolveViolation(ctx context.Context, id string, by domain.Party, status ViolationStatus, note string) (Violation, error) {
	v, err := g.store.GetViolation(ctx, id)
	if err != nil {
		return Violation{}, err
	}
	if err := v.Resolve(by, status, note, g.now()); err != nil {
		return Violation{}, err
	}
	if err := g.store.SaveViolation(ctx, v); err != nil {
		return Violation{}, err
	}
	return v, nil
}

// IsDenied extracts the rule from a compliance denial.
func IsDenied(err error) (Rule, bool) {
	var de *DeniedError
	if errors.As(err, &de) {
		return de.Rule, true
	}
	return "", false
}

// =============================================================================
// MEMORY STORE
// =============================================================================

// MemoryStore is a map-backed Store for tests and single-process runs.
type MemoryStore struct {
	mu          sync.Mutex
	eligibility map[string]Eligibility
	exemptions  map[string]Exemption
	violations  map[string]Violation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		eligibility: make(map[string]Eligibility),
		exemptions:  make(map[string]Exemption),
		violations:  make(map[string]Violation),
	}
}

func (s *MemoryStore) GetEligibility(_ context.Context, workerID string) (Eligibility, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eligibility[workerID], nil
}

func (s *MemoryStore) SaveEligibility(_ context.Context, e Eligibility) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eligibility[e.WorkerID] = e
	return nil
}

func (s *MemoryStore) GetExemption(_ context.Context, id string) (Exemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	x, ok := s.exemptions[id]
	if !ok {
		return Exemption{}, domain.NewNotFound("exemption", id)
	}
	return x, nil
}

func (s *MemoryStore) ListExemptions(_ context.Context, workerID string) ([]Exemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Exemption
	for _, x := range s.exemptions {
		if x.WorkerID == workerID {
			out = append(out, x)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveExemption(_ context.Context, x Exemption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exemptions[x.ID] = x
	return nil
}

func (s *MemoryStore) GetViolation(_ context.Context, id string) (Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.violations[id]
	if !ok {
		return Violation{}, domain.NewNotFound("violation", id)
	}
	return v, nil
}

func (s *MemoryStore) ListViolations(_ context.Context, workerID string) ([]Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Violation
	for _, v := range s.violations {
		if v.WorkerID == workerID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveViolation(_ context.Context, v Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations[v.ID] = v
	return nil
}

var _ Store = (*MemoryStore)(nil)
