package dispute

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/escrow"
	"github.com/warp/shift-engine/ledger"
	"github.com/warp/shift-engine/notify"
	"github.com/warp/shift-engine/shift"
)

// Shifts is what disputes read from the shift lifecycle.
type Shifts interface {
	Get(ctx context.Context, id string) (shift.Shift, error)
	Assignment(ctx context.Context, id string) (shift.Assignment, error)
	// Outstanding is the release still owed out of the shift's escrow.
	Outstanding(ctx context.Context, shiftID string, adjustments map[string]domain.Money) (shift.Plan, error)
}

// Escrow is the subset of the escrow service a resolution needs.
type Escrow interface {
	Payment(ctx context.Context, id string) (escrow.Payment, error)
	Balance(ctx context.Context, paymentID string) (domain.Money, error)
	Adjustments(ctx context.Context, paymentID string) (map[string]domain.Money, error)
	Adjust(ctx context.Context, a escrow.Adjustment) ([]ledger.Entry, error)
}

type Service struct {
	store    Store
	shifts   Shifts
	escrow   Escrow
	notifier notify.Notifier
	policy   Policy
	now      domain.Clock
	logger   *slog.Logger
}

func NewService(store Store, shifts Shifts, esc Escrow, notifier notify.Notifier, policy Policy, now domain.Clock, logger *slog.Logger) *Service {
	if len(policy.SLA) == 0 {
		policy = DefaultPolicy()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if now == nil {
		now = domain.SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		shifts:   shifts,
		escrow:   esc,
		notifier: notifier,
		policy:   policy,
		now:      now,
		logger:   logger.With("module", "dispute", "layer", "domain"),
	}
}

func (s *Service) notify(ctx context.Context, e notify.Event) {
	s.notifier.Notify(ctx, notify.Stamp(e, s.now()))
}

// =============================================================================
// OPEN
// =============================================================================

type OpenRequest struct {
	AssignmentID string
	By           domain.Party
	Category     Category
	Description  string
	Amount       domain.Money
}

// Open contests an assignment that has been clocked out and not yet
// released. The claimed amount must fit in the escrow headroom.
func (s *Service) Open(ctx context.Context, req OpenRequest) (Dispute, error) {
	if !req.Category.Valid() {
		return Dispute{}, domain.NewValidationError("category", "unknown category "+string(req.Category))
	}
	if req.Amount.IsNegative() {
		return Dispute{}, domain.NewValidationError("amount", "must not be negative")
	}
	a, err := s.shifts.Assignment(ctx, req.AssignmentID)
	if err != nil {
		return Dispute{}, err
	}
	sh, err := s.shifts.Get(ctx, a.ShiftID)
	if err != nil {
		return Dispute{}, err
	}
	if req.By != a.Worker && req.By != sh.Business {
		return Dispute{}, domain.ErrForbidden
	}
	if !a.Status.Worked() || a.ClockOutAt == nil {
		return Dispute{}, domain.NewValidationError("assignment", "only clocked-out assignments can be disputed")
	}
	if a.ReleasedAt != nil {
		return Dispute{}, domain.NewValidationError("assignment", "pay already released")
	}
	now := s.now()
	if now.After(a.ClockOutAt.Add(s.policy.OpenWindow)) {
		return Dispute{}, domain.NewValidationError("assignment", "dispute window closed")
	}
	p, err := s.escrow.Payment(ctx, sh.PaymentID)
	if err != nil {
		return Dispute{}, err
	}
	if p.Status != escrow.PaymentInEscrow {
		return Dispute{}, &domain.TransitionError{Aggregate: "payment", From: string(p.Status), To: "disputed"}
	}
	if req.Amount.Currency == "" {
		req.Amount = domain.Zero(p.Captured.Currency)
	}
	if req.Amount.Currency != p.Captured.Currency {
		return Dispute{}, domain.NewValidationError("amount", "currency must be "+string(p.Captured.Currency))
	}
	h, err := s.headroom(ctx, sh.ID, p.ID, a.ID)
	if err != nil {
		return Dispute{}, err
	}
	limit := h.business
	if req.By == a.Worker {
		limit = h.worker
	}
	if req.Amount.GreaterThan(limit) {
		return Dispute{}, domain.NewValidationError("amount", "exceeds available escrow "+limit.String())
	}

	d := Dispute{
		ID:           domain.NewID("dsp"),
		ShiftID:      sh.ID,
		AssignmentID: a.ID,
		PaymentID:    p.ID,
		Worker:       a.Worker,
		Business:     sh.Business,
		OpenedBy:     req.By,
		Category:     req.Category,
		Description:  req.Description,
		Amount:       req.Amount,
		Status:       StatusOpen,
		Level:        1,
		SLADeadline:  s.policy.deadline(1, now),
		OpenedAt:     now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return Dispute{}, err
	}
	s.logger.InfoContext(ctx, "dispute opened",
		"operation", "open",
		"outcome", "success",
		"dispute_id", d.ID,
		"assignment_id", d.AssignmentID,
		"opened_by", d.OpenedBy.String(),
		"amount", d.Amount.String(),
	)
	other := d.Business
	if req.By == d.Business {
		other = d.Worker
	}
	s.notify(ctx, notify.Event{Type: notify.DisputeOpened, Recipient: other, ShiftID: d.ShiftID, AssignmentID: d.AssignmentID, DisputeID: d.ID, Amount: &d.Amount})
	s.notify(ctx, notify.Event{Type: notify.DisputeOpened, Recipient: notify.Operations, ShiftID: d.ShiftID, DisputeID: d.ID})
	return s.store.Get(ctx, d.ID)
}

// =============================================================================
// REVIEW
// =============================================================================

// mutate loads, changes and writes a dispute with compare-and-set.
func (s *Service) mutate(ctx context.Context, id string, fn func(*Dispute) error) (Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return Dispute{}, err
	}
	if err := fn(&d); err != nil {
		return Dispute{}, err
	}
	d.UpdatedAt = s.now()
	return s.store.Update(ctx, d)
}

func requireAdmin(p domain.Party) error {
	if p.Kind != domain.PartyAdmin {
		return domain.ErrForbidden
	}
	return nil
}

// Assign puts a reviewer on the dispute.
func (s *Service) Assign(ctx context.Context, id string, reviewer domain.Party) (Dispute, error) {
	if err := requireAdmin(reviewer); err != nil {
		return Dispute{}, err
	}
	return s.mutate(ctx, id, func(d *Dispute) error {
		if err := d.moveTo(StatusUnderReview); err != nil {
			return err
		}
		d.Reviewer = &reviewer
		return nil
	})
}

// RequestEvidence asks the parties for material.
func (s *Service) RequestEvidence(ctx context.Context, id string, by domain.Party) (Dispute, error) {
	if err := requireAdmin(by); err != nil {
		return Dispute{}, err
	}
	return s.mutate(ctx, id, func(d *Dispute) error {
		return d.moveTo(StatusEvidenceReview)
	})
}

// SubmitEvidence attaches material from either side or from a reviewer.
// Evidence answering a request moves the dispute back to review.
func (s *Service) SubmitEvidence(ctx context.Context, id string, ev Evidence) (Dispute, error) {
	if ev.Kind == "" {
		return Dispute{}, domain.NewValidationError("kind", "is required")
	}
	return s.mutate(ctx, id, func(d *Dispute) error {
		if !d.party(ev.SubmittedBy) && ev.SubmittedBy.Kind != domain.PartyAdmin {
			return domain.ErrForbidden
		}
		if !d.Status.Active() {
			return &domain.TransitionError{Aggregate: "dispute", From: string(d.Status), To: "evidence"}
		}
		ev.ID = domain.NewID("evd")
		ev.SubmittedAt = s.now()
		d.Evidence = append(d.Evidence, ev)
		if d.Status == StatusEvidenceReview && d.party(ev.SubmittedBy) {
			return d.moveTo(StatusUnderReview)
		}
		return nil
	})
}

// Escalate raises the dispute one level and restarts its SLA clock.
func (s *Service) Escalate(ctx context.Context, id string, by domain.Party) (Dispute, error) {
	if !by.IsOperator() {
		return Dispute{}, domain.ErrForbidden
	}
	d, err := s.mutate(ctx, id, func(d *Dispute) error {
		if d.Level >= s.policy.MaxLevel() {
			return domain.NewValidationError("level", "already at the highest level")
		}
		if err := d.moveTo(StatusEscalated); err != nil {
			return err
		}
		d.Level++
		d.Reviewer = nil
		d.SLADeadline = s.policy.deadline(d.Level, s.now())
		return nil
	})
	if err != nil {
		return Dispute{}, err
	}
	s.logger.WarnContext(ctx, "dispute escalated",
		"operation", "escalate",
		"outcome", "success",
		"dispute_id", d.ID,
		"level", d.Level,
		"by", by.String(),
	)
	s.notify(ctx, notify.Event{Type: notify.DisputeEscalated, Recipient: notify.Operations, ShiftID: d.ShiftID, DisputeID: d.ID, Detail: "level " + strconv.Itoa(d.Level)})
	return d, nil
}

// EscalateOverdue escalates every active dispute past its SLA deadline.
func (s *Service) EscalateOverdue(ctx context.Context) (int, error) {
	active, err := s.store.List(ctx, Filter{ActiveOnly: true})
	if err != nil {
		return 0, err
	}
	now := s.now()
	n := 0
	for _, d := range active {
		if !now.After(d.SLADeadline) || d.Level >= s.policy.MaxLevel() {
			continue
		}
		if _, err := s.Escalate(ctx, d.ID, domain.System); err != nil {
			if domain.IsRetryable(err) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// =============================================================================
// RESOLVE
// =============================================================================

// Resolve books the outcome on the payment and closes the review. The
// adjustment is keyed by dispute, so a retried Resolve books nothing twice.
func (s *Service) Resolve(ctx context.Context, id string, r Resolution) (Dispute, error) {
	if err := requireAdmin(r.By); err != nil {
		return Dispute{}, err
	}
	return s.resolve(ctx, id, r)
}

// Withdraw lets the opener drop the dispute with no money moving.
func (s *Service) Withdraw(ctx context.Context, id string, by domain.Party) (Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return Dispute{}, err
	}
	if by != d.OpenedBy {
		return Dispute{}, domain.ErrForbidden
	}
	return s.resolve(ctx, id, Resolution{Outcome: OutcomeNoFault, By: by, Note: "withdrawn"})
}

func (s *Service) resolve(ctx context.Context, id string, r Resolution) (Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return Dispute{}, err
	}
	if !d.Status.CanMoveTo(StatusResolved) {
		return Dispute{}, &domain.TransitionError{Aggregate: "dispute", From: string(d.Status), To: string(StatusResolved)}
	}
	worker, business, err := r.amounts(d.Amount, d.OpenedBy)
	if err != nil {
		return Dispute{}, err
	}
	h, err := s.headroom(ctx, d.ShiftID, d.PaymentID, d.AssignmentID)
	if err != nil {
		return Dispute{}, err
	}
	if r.explicit() {
		if !h.fits(worker, business) {
			return Dispute{}, domain.NewValidationError("resolution", "exceeds available escrow "+h.business.String())
		}
	} else if w, b := h.fit(worker, business); w.Minor != worker.Minor || b.Minor != business.Minor {
		s.logger.WarnContext(ctx, "dispute award capped",
			"operation", "resolve",
			"outcome", "capped",
			"dispute_id", d.ID,
			"worker_payout", worker.Minor,
			"business_refund", business.Minor,
			"worker_headroom", h.worker.Minor,
			"business_headroom", h.business.Minor,
		)
		worker, business = w, b
	}
	if _, err := s.escrow.Adjust(ctx, escrow.Adjustment{
		PaymentID:      d.PaymentID,
		DisputeID:      d.ID,
		AssignmentID:   d.AssignmentID,
		Worker:         d.Worker,
		WorkerPayout:   worker,
		BusinessRefund: business,
		Actor:          r.By,
		Reason:         string(r.Outcome),
	}); err != nil {
		s.logger.ErrorContext(ctx, "dispute adjustment failed",
			"operation", "resolve",
			"outcome", "failure",
			"dispute_id", d.ID,
			"error", err,
		)
		return Dispute{}, err
	}

	now := s.now()
	r.WorkerPayout, r.BusinessRefund, r.At = worker, business, now
	out, err := s.mutate(ctx, id, func(d *Dispute) error {
		if err := d.moveTo(StatusResolved); err != nil {
			return err
		}
		d.Resolution = &r
		d.ResolvedAt = timePtr(now)
		return nil
	})
	if err != nil {
		return Dispute{}, err
	}
	s.logger.InfoContext(ctx, "dispute resolved",
		"operation", "resolve",
		"outcome", string(r.Outcome),
		"dispute_id", out.ID,
		"worker_payout", worker.Minor,
		"business_refund", business.Minor,
	)
	for _, p := range []domain.Party{out.Worker, out.Business} {
		s.notify(ctx, notify.Event{Type: notify.DisputeResolved, Recipient: p, ShiftID: out.ShiftID, AssignmentID: out.AssignmentID, DisputeID: out.ID, Detail: string(r.Outcome)})
	}
	return out, nil
}

// =============================================================================
// HEADROOM
// =============================================================================

// headroom is what a dispute may take out of escrow without starving the
// release still owed. worker bounds a payout to the worker. business
// bounds the whole award: a business refund also cuts the disputed
// assignment's own pay, so that share is available to it.
type headroom struct {
	worker   domain.Money
	business domain.Money
}

func (h headroom) fits(worker, business domain.Money) bool {
	return !worker.GreaterThan(h.worker) && !worker.Add(business).GreaterThan(h.business)
}

// fit trims an award to the headroom, worker side first.
func (h headroom) fit(worker, business domain.Money) (domain.Money, domain.Money) {
	worker = worker.Min(h.worker)
	return worker, business.Min(h.business.Sub(worker))
}

func (s *Service) headroom(ctx context.Context, shiftID, paymentID, assignmentID string) (headroom, error) {
	balance, err := s.escrow.Balance(ctx, paymentID)
	if err != nil {
		return headroom{}, err
	}
	adj, err := s.escrow.Adjustments(ctx, paymentID)
	if err != nil {
		return headroom{}, err
	}
	owed, err := s.shifts.Outstanding(ctx, shiftID, adj)
	if err != nil {
		return headroom{}, err
	}
	free := balance.Sub(owed.Total())
	if free.IsNegative() {
		free = domain.Zero(balance.Currency)
	}
	return headroom{worker: free, business: free.Add(owed.Owed(assignmentID))}, nil
}

// Close archives a resolved dispute.
func (s *Service) Close(ctx context.Context, id string, by domain.Party) (Dispute, error) {
	if !by.IsOperator() {
		return Dispute{}, domain.ErrForbidden
	}
	return s.mutate(ctx, id, func(d *Dispute) error {
		if err := d.moveTo(StatusClosed); err != nil {
			return err
		}
		d.ClosedAt = timePtr(s.now())
		return nil
	})
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) Get(ctx context.Context, id string) (Dispute, error) { return s.store.Get(ctx, id) }

func (s *Service) List(ctx context.Context, f Filter) ([]Dispute, error) { return s.store.List(ctx, f) }

// Blocked returns the assignments of a shift with an active dispute.
func (s *Service) Blocked(ctx context.Context, shiftID string) (map[string]bool, error) {
	active, err := s.store.List(ctx, Filter{ShiftID: shiftID, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(active))
	for _, d := range active {
		out[d.AssignmentID] = true
	}
	return out, nil
}

func timePtr(t time.Time) *time.Time { return &t }
