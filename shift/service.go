package shift

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/shift-engine/compliance"
	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/notify"
	"github.com/warp/shift-engine/pricing"
)

// =============================================================================
// PORTS
// =============================================================================

// Payments is the escrow side of the lifecycle.
type Payments interface {
	// Hold captures the shift's escrow amount and returns the payment ID.
	// Repeating it for the same shift returns the same payment.
	Hold(ctx context.Context, s Shift) (string, error)
	// TopUp captures an additional amount into the shift's payment.
	TopUp(ctx context.Context, s Shift, amount domain.Money, reference string) error
	// Settle executes a plan against the shift's payment.
	Settle(ctx context.Context, s Shift, plan Plan) error
}

// Market reports the open-shifts to available-workers ratio for a role.
type Market interface {
	DemandRatio(ctx context.Context, role, jurisdiction string) (decimal.Decimal, error)
}

type FixedMarket struct {
	Ratio decimal.Decimal
}

func (f FixedMarket) DemandRatio(context.Context, string, string) (decimal.Decimal, error) {
	return f.Ratio, nil
}

// =============================================================================
// SERVICE
// =============================================================================

type Options struct {
	Policy  Policy
	Pricing pricing.Config
	Market  Market
	Now     domain.Clock
	Logger  *slog.Logger
}

type Service struct {
	repo     Repository
	gate     *compliance.Gate
	payments Payments
	notifier notify.Notifier
	market   Market
	pricing  pricing.Config
	policy   Policy
	now      domain.Clock
	logger   *slog.Logger
}

// NewService fills unset options with the defaults.
func NewService(repo Repository, gate *compliance.Gate, payments Payments, notifier notify.Notifier, opts Options) *Service {
	if opts.Policy.AckWindow == 0 {
		opts.Policy = DefaultPolicy()
	}
	if opts.Pricing.SurgeCeiling.IsZero() && opts.Pricing.PlatformFeeRate.IsZero() {
		opts.Pricing = pricing.DefaultConfig()
	}
	if opts.Market == nil {
		opts.Market = FixedMarket{}
	}
	if opts.Now == nil {
		opts.Now = domain.SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		repo:     repo,
		gate:     gate,
		payments: payments,
		notifier: notifier,
		market:   opts.Market,
		pricing:  opts.Pricing,
		policy:   opts.Policy,
		now:      opts.Now,
		logger:   opts.Logger.With("module", "shift", "layer", "domain"),
	}
}

func (svc *Service) Policy() Policy { return svc.policy }

func (svc *Service) notify(ctx context.Context, e notify.Event) {
	svc.notifier.Notify(ctx, notify.Stamp(e, svc.now()))
}

// =============================================================================
// CREATE / PUBLISH
// =============================================================================

type Draft struct {
	Business        domain.Party
	Jurisdiction    string
	Role            string
	Title           string
	Description     string
	Skills          []string
	Location        Location
	StartsAt        time.Time
	EndsAt          time.Time
	RequiredWorkers int
	BaseRate        domain.Money
	BreakMinutes    *int
	// Urgency is derived from the lead time when empty.
	Urgency    pricing.Urgency
	EventSurge decimal.Decimal
}

func (d Draft) validate(p Policy, j compliance.Jurisdiction, now time.Time) error {
	if d.Business.Kind != domain.PartyBusiness && d.Business.Kind != domain.PartyAgency {
		return domain.NewValidationError("business", "must be a business or agency")
	}
	if d.Business.ID == "" {
		return domain.NewValidationError("business", "is required")
	}
	if d.Role == "" {
		return domain.NewValidationError("role", "is required")
	}
	w := domain.Window{Start: d.StartsAt, End: d.EndsAt}
	if !w.Valid() {
		return domain.NewValidationError("ends_at", "must be after starts_at")
	}
	if w.Duration() < p.MinDuration {
		return domain.NewValidationError("ends_at", "shift shorter than "+p.MinDuration.String())
	}
	if w.Duration() > 24*time.Hour {
		return domain.NewValidationError("ends_at", "shift longer than 24h")
	}
	if !d.StartsAt.After(now) {
		return domain.NewValidationError("starts_at", "must be in the future")
	}
	if d.RequiredWorkers < 1 {
		return domain.NewValidationError("required_workers", "must be at least 1")
	}
	if !d.BaseRate.IsPositive() {
		return domain.NewValidationError("base_rate", "must be positive")
	}
	if d.BaseRate.Currency != j.Currency {
		return domain.NewValidationError("base_rate", "currency must be "+string(j.Currency))
	}
	if !d.Location.Point.Valid() {
		return domain.NewValidationError("location", "invalid coordinates")
	}
	if d.BreakMinutes != nil && *d.BreakMinutes < 0 {
		return domain.NewValidationError("break_minutes", "must not be negative")
	}
	if d.Urgency != "" && !d.Urgency.Valid() {
		return domain.NewValidationError("urgency", "unknown urgency")
	}
	if d.EventSurge.IsNegative() {
		return domain.NewValidationError("event_surge", "must not be negative")
	}
	return nil
}

// CreateShift stores a draft with an indicative price. Nothing is held
// until Publish.
func (svc *Service) CreateShift(ctx context.Context, d Draft) (Shift, error) {
	j, err := svc.gate.Jurisdiction(d.Jurisdiction)
	if err != nil {
		return Shift{}, err
	}
	now := svc.now()
	if err := d.validate(svc.policy, j, now); err != nil {
		return Shift{}, err
	}
	s := Shift{
		ID:              domain.NewID("shf"),
		Business:        d.Business,
		Jurisdiction:    j.Code,
		Role:            d.Role,
		Title:           d.Title,
		Description:     d.Description,
		Skills:          d.Skills,
		Location:        d.Location,
		Window:          domain.Window{Start: d.StartsAt, End: d.EndsAt},
		RequiredWorkers: d.RequiredWorkers,
		BaseRate:        d.BaseRate,
		BreakMinutes:    d.BreakMinutes,
		Urgency:         d.Urgency,
		EventSurge:      d.EventSurge,
		Status:          StatusDraft,
		RecordStatus:    RecordActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	bd, err := svc.price(ctx, s, j)
	if err != nil {
		return Shift{}, err
	}
	s.Pricing, s.PricedAt = bd, now
	if err := svc.repo.CreateShift(ctx, s); err != nil {
		return Shift{}, err
	}
	svc.logger.InfoContext(ctx, "shift created",
		"operation", "create",
		"outcome", "success",
		"shift_id", s.ID,
		"business_id", s.Business.ID,
		"escrow_amount", bd.EscrowAmount.String(),
	)
	return svc.repo.GetShift(ctx, s.ID)
}

func (svc *Service) price(ctx context.Context, s Shift, j compliance.Jurisdiction) (pricing.Breakdown, error) {
	urgency := s.Urgency
	if urgency == "" {
		urgency = pricing.UrgencyFor(svc.now(), s.Window.Start)
	}
	ratio, err := svc.market.DemandRatio(ctx, s.Role, s.Jurisdiction)
	if err != nil {
		return pricing.Breakdown{}, err
	}
	return pricing.Calculate(svc.pricing, pricing.Input{
		BaseRate:      s.BaseRate,
		MinimumWage:   j.MinimumWageFor(s.Role),
		Minutes:       s.ScheduledMinutes(),
		Workers:       s.RequiredWorkers,
		Conditions:    svc.pricing.Classify(s.Window, j.Location(), j.Holidays, urgency),
		DemandSurge:   pricing.DemandSurge(ratio),
		EventSurge:    s.EventSurge,
		VATRate:       j.VATRate,
		ReverseCharge: j.ReverseCharge,
	})
}

// Quote prices a draft without storing anything.
func (svc *Service) Quote(ctx context.Context, d Draft) (pricing.Breakdown, error) {
	j, err := svc.gate.Jurisdiction(d.Jurisdiction)
	if err != nil {
		return pricing.Breakdown{}, err
	}
	if err := d.validate(svc.policy, j, svc.now()); err != nil {
		return pricing.Breakdown{}, err
	}
	return svc.price(ctx, Shift{
		Role:            d.Role,
		Jurisdiction:    j.Code,
		Window:          domain.Window{Start: d.StartsAt, End: d.EndsAt},
		RequiredWorkers: d.RequiredWorkers,
		BaseRate:        d.BaseRate,
		Urgency:         d.Urgency,
		EventSurge:      d.EventSurge,
	}, j)
}

// Publish reprices the draft, holds the escrow amount and opens the shift.
func (svc *Service) Publish(ctx context.Context, shiftID string, actor domain.Party) (Shift, error) {
	s, err := svc.repo.GetShift(ctx, shiftID)
	if err != nil {
		return Shift{}, err
	}
	if err := authorizeOwner(s, actor); err != nil {
		return Shift{}, err
	}
	if s.Status != StatusDraft {
		return Shift{}, &domain.TransitionError{Aggregate: "shift", From: string(s.Status), To: string(StatusOpen)}
	}
	now := svc.now()
	if !s.Window.Start.After(now) {
		return Shift{}, domain.NewValidationError("starts_at", "must be in the future")
	}
	j, err := svc.gate.Jurisdiction(s.Jurisdiction)
	if err != nil {
		return Shift{}, err
	}
	bd, err := svc.price(ctx, s, j)
	if err != nil {
		return Shift{}, err
	}
	s.Pricing, s.PricedAt = bd, now

	paymentID, err := svc.payments.Hold(ctx, s)
	if err != nil {
		svc.logger.ErrorContext(ctx, "escrow hold failed",
			"operation", "publish",
			"outcome", "failure",
			"shift_id", s.ID,
			"error", err,
		)
		return Shift{}, err
	}

	var out Shift
	err = svc.repo.WithTx(ctx, func(tx Repository) error {
		cur, err := tx.GetShift(ctx, shiftID)
		if err != nil {
			return err
		}
		if cur.Status != StatusDraft {
			return &domain.TransitionError{Aggregate: "shift", From: string(cur.Status), To: string(StatusOpen)}
		}
		if err := cur.moveTo(StatusOpen); err != nil {
			return err
		}
		cur.Pricing, cur.PricedAt = bd, now
		cur.PaymentID = paymentID
		cur.PublishedAt = timePtr(now)
		cur.UpdatedAt = now
		out, err = tx.UpdateShift(ctx, cur)
		return err
	})
	if err != nil {
		return Shift{}, err
	}
	svc.logger.InfoContext(ctx, "shift published",
		"operation", "publish",
		"outcome", "success",
		"shift_id", out.ID,
		"payment_id", paymentID,
		"surge", bd.SurgeMultiplier.String(),
	)
	svc.notify(ctx, notify.Event{Type: notify.ShiftPublished, Recipient: out.Business, ShiftID: out.ID, PaymentID: paymentID, Amount: &bd.EscrowAmount})
	return out, nil
}

// =============================================================================
// APPLICATIONS
// =============================================================================

type Application struct {
	Worker    domain.Party
	RankScore float64
	Note      string
}

// Apply records a worker's application after a compliance screen. A
// worker holds at most one active application per shift.
func (svc *Service) Apply(ctx context.Context, shiftID string, app Application) (Assignment, error) {
	if app.Worker.Kind != domain.PartyWorker || app.Worker.ID == "" {
		return Assignment{}, domain.NewValidationError("worker", "must be a worker")
	}
	s, err := svc.repo.GetShift(ctx, shiftID)
	if err != nil {
		return Assignment{}, err
	}
	if s.Status != StatusOpen {
		return Assignment{}, &domain.TransitionError{Aggregate: "shift", From: string(s.Status), To: "application"}
	}
	now := svc.now()
	if !s.Window.Start.After(now) {
		return Assignment{}, domain.NewValidationError("shift", "already started")
	}
	a := Assignment{
		ID:           domain.NewID("asg"),
		ShiftID:      s.ID,
		Worker:       app.Worker,
		Status:       AssignmentApplied,
		RankScore:    app.RankScore,
		Note:         app.Note,
		AppliedAt:    now,
		RecordStatus: RecordActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, _, err := svc.screen(ctx, s, a, s.Window); err != nil {
		return Assignment{}, err
	}

	err = svc.repo.WithTx(ctx, func(tx Repository) error {
		existing, err := tx.Assignments(ctx, s.ID)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.Worker.ID == app.Worker.ID && e.Status.Active() {
				return domain.NewConflict("assignment", e.ID, "worker already applied")
			}
		}
		return tx.CreateAssignment(ctx, a)
	})
	if err != nil {
		return Assignment{}, err
	}
	svc.logger.InfoContext(ctx, "application received",
		"operation", "apply",
		"outcome", "success",
		"shift_id", s.ID,
		"assignment_id", a.ID,
		"worker_id", a.Worker.ID,
	)
	svc.notify(ctx, notify.Event{Type: notify.ApplicationReceived, Recipient: s.Business, ShiftID: s.ID, AssignmentID: a.ID})
	return svc.repo.GetAssignment(ctx, a.ID)
}

// screen runs the compliance gate for a worker on a span of the shift.
func (svc *Service) screen(ctx context.Context, s Shift, a Assignment, window domain.Window) (compliance.Check, compliance.Decision, error) {
	lookback := domain.Window{Start: window.Start.AddDate(0, 0, -8), End: window.End.AddDate(0, 0, 8)}
	bookings, err := svc.repo.WorkerBookings(ctx, a.Worker.ID, lookback)
	if err != nil {
		return compliance.Check{}, compliance.Decision{}, err
	}
	prior := make([]compliance.Work, 0, len(bookings))
	for _, b := range bookings {
		if b.ShiftID == s.ID {
			continue
		}
		prior = append(prior, compliance.Work{ShiftID: b.ShiftID, Window: b.Window(), Completed: b.Status.Worked()})
	}
	c := compliance.Check{
		Jurisdiction: s.Jurisdiction,
		WorkerID:     a.Worker.ID,
		ShiftID:      s.ID,
		AssignmentID: a.ID,
		Role:         s.Role,
		Window:       window,
		OfferedRate:  s.Pricing.FinalRate,
		Prior:        prior,
	}
	d, err := svc.gate.Evaluate(ctx, c)
	return c, d, err
}

// recordFlags persists violations once the flagged transition committed.
func (svc *Service) recordFlags(ctx context.Context, c compliance.Check, d compliance.Decision) {
	if len(d.Flags) == 0 {
		return
	}
	if _, err := svc.gate.Record(ctx, c, d); err != nil {
		svc.logger.ErrorContext(ctx, "recording compliance flags failed",
			"operation", "record_flags",
			"outcome", "failure",
			"shift_id", c.ShiftID,
			"assignment_id", c.AssignmentID,
			"error", err,
		)
	}
	for _, f := range d.Flags {
		svc.notify(ctx, notify.Event{Type: notify.ComplianceFlagged, Recipient: notify.Operations, ShiftID: c.ShiftID, AssignmentID: c.AssignmentID, Detail: string(f.Rule) + ": " + f.Detail})
	}
}

// AcceptApplication confirms an applicant into an open slot. The last
// slot moves the shift to assigned and reprices it; an upward reprice
// tops up the escrow.
func (svc *Service) AcceptApplication(ctx context.Context, assignmentID string, actor domain.Party) (Assignment, error) {
	a, err := svc.repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return Assignment{}, err
	}
	s, err := svc.repo.GetShift(ctx, a.ShiftID)
	if err != nil {
		return Assignment{}, err
	}
	if err := authorizeOwner(s, actor); err != nil {
		return Assignment{}, err
	}
	if a.Status != AssignmentApplied {
		return Assignment{}, &domain.TransitionError{Aggregate: "assignment", From: string(a.Status), To: string(AssignmentConfirmed)}
	}
	check, decision, err := svc.screen(ctx, s, a, s.Window)
	if err != nil {
		return Assignment{}, err
	}
	j, err := svc.gate.Jurisdiction(s.Jurisdiction)
	if err != nil {
		return Assignment{}, err
	}
	repriced, err := svc.price(ctx, s, j)
	if err != nil {
		return Assignment{}, err
	}

	now := svc.now()
	var (
		out   Assignment
		shift Shift
		topUp domain.Money
	)
	err = svc.repo.WithTx(ctx, func(tx Repository) error {
		s, err := tx.GetShift(ctx, a.ShiftID)
		if err != nil {
			return err
		}
		a, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		if a.Status != AssignmentApplied {
			return &domain.TransitionError{Aggregate: "assignment", From: string(a.Status), To: string(AssignmentConfirmed)}
		}
		if s.Status != StatusOpen || s.OpenSlots() <= 0 {
			return domain.NewConflict("shift", s.ID, "no open slot")
		}
		if err := a.moveTo(AssignmentConfirmed); err != nil {
			return err
		}
		deadline := now.Add(svc.policy.AckWindow)
		if deadline.After(s.Window.Start) {
			deadline = s.Window.Start
		}
		a.ConfirmedAt = timePtr(now)
		a.AckDeadline = timePtr(deadline)
		a.UpdatedAt = now

		s.FilledWorkers++
		if s.FilledWorkers == s.RequiredWorkers {
			if err := s.moveTo(StatusAssigned); err != nil {
				return err
			}
			s.AssignedAt = timePtr(now)
			if pricing.Changed(s.Pricing, repriced) && repriced.EscrowAmount.GreaterThan(s.Pricing.EscrowAmount) {
				topUp = repriced.EscrowAmount.Sub(s.Pricing.EscrowAmount)
				s.Pricing, s.PricedAt = repriced, now
			}
		}
		for _, f := range decision.Flags {
			s.flag(string(f.Rule))
		}
		if err := s.checkCapacity(); err != nil {
			return err
		}
		s.UpdatedAt = now
		if out, err = tx.UpdateAssignment(ctx, a); err != nil {
			return err
		}
		shift, err = tx.UpdateShift(ctx, s)
		return err
	})
	if err != nil {
		err = svc.failClosed(ctx, a.ShiftID, err)
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			svc.logger.WarnContext(ctx, "acceptance lost the race",
				"operation", "accept",
				"outcome", "conflict",
				"shift_id", a.ShiftID,
				"assignment_id", assignmentID,
			)
		}
		return Assignment{}, err
	}

	svc.recordFlags(ctx, check, decision)
	if topUp.IsPositive() {
		if err := svc.payments.TopUp(ctx, shift, topUp, "reprice-"+shift.PricedAt.UTC().Format("20060102T150405")); err != nil {
			svc.logger.ErrorContext(ctx, "escrow top-up failed",
				"operation", "accept",
				"outcome", "failure",
				"shift_id", shift.ID,
				"amount", topUp.String(),
				"error", err,
			)
			svc.notify(ctx, notify.Event{Type: notify.InvariantViolation, Recipient: notify.Operations, ShiftID: shift.ID, PaymentID: shift.PaymentID, Amount: &topUp, Detail: "escrow top-up failed after reprice"})
		}
	}
	svc.logger.InfoContext(ctx, "application accepted",
		"operation", "accept",
		"outcome", "success",
		"shift_id", shift.ID,
		"assignment_id", out.ID,
		"worker_id", out.Worker.ID,
		"filled", shift.FilledWorkers,
		"required", shift.RequiredWorkers,
	)
	svc.notify(ctx, notify.Event{Type: notify.ApplicationAccepted, Recipient: out.Worker, ShiftID: shift.ID, AssignmentID: out.ID})
	if shift.Status == StatusAssigned {
		svc.notify(ctx, notify.Event{Type: notify.ShiftAssigned, Recipient: shift.Business, ShiftID: shift.ID})
	}
	return out, nil
}

// Acknowledge records the worker's confirmation within the window.
func (svc *Service) Acknowledge(ctx context.Context, assignmentID string, worker domain.Party) (Assignment, error) {
	now := svc.now()
	var out Assignment
	err := svc.repo.WithTx(ctx, func(tx Repository) error {
		a, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		if a.Worker != worker {
			return domain.ErrForbidden
		}
		if a.Status != AssignmentConfirmed {
			return &domain.TransitionError{Aggregate: "assignment", From: string(a.Status), To: "acknowledged"}
		}
		if a.AcknowledgedAt != nil {
			out = a
			return nil
		}
		if a.AckDeadline != nil && now.After(*a.AckDeadline) {
			return domain.NewValidationError("acknowledgement", "window closed")
		}
		a.AcknowledgedAt = timePtr(now)
		a.UpdatedAt = now
		out, err = tx.UpdateAssignment(ctx, a)
		return err
	})
	return out, err
}

// LockSlots closes a partially filled shift at its current headcount.
func (svc *Service) LockSlots(ctx context.Context, shiftID string, actor domain.Party) (Shift, error) {
	var out Shift
	err := svc.repo.WithTx(ctx, func(tx Repository) error {
		s, err := tx.GetShift(ctx, shiftID)
		if err != nil {
			return err
		}
		if err := authorizeOwner(s, actor); err != nil {
			return err
		}
		out, err = svc.lock(ctx, tx, s)
		return err
	})
	if err != nil {
		return Shift{}, err
	}
	svc.notify(ctx, notify.Event{Type: notify.ShiftAssigned, Recipient: out.Business, ShiftID: out.ID})
	return out, nil
}

func (svc *Service) lock(ctx context.Context, tx Repository, s Shift) (Shift, error) {
	if s.FilledWorkers < 1 {
		return Shift{}, domain.NewValidationError("filled_workers", "no confirmed workers to lock")
	}
	if err := s.moveTo(StatusAssigned); err != nil {
		return Shift{}, err
	}
	now := svc.now()
	s.RequiredWorkers = s.FilledWorkers
	s.AssignedAt = timePtr(now)
	s.UpdatedAt = now
	return tx.UpdateShift(ctx, s)
}

// CancelAssignment withdraws an application or a confirmation before
// clock-in and reopens the slot.
func (svc *Service) CancelAssignment(ctx context.Context, assignmentID string, actor domain.Party, reason string) (Assignment, error) {
	now := svc.now()
	var (
		out     Assignment
		shift   Shift
		shiftID string
		freed   bool
	)
	err := svc.repo.WithTx(ctx, func(tx Repository) error {
		a, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		shiftID = a.ShiftID
		s, err := tx.GetShift(ctx, a.ShiftID)
		if err != nil {
			return err
		}
		kind := CancelledByWorker
		if a.Worker != actor {
			if err := authorizeOwner(s, actor); err != nil {
				return err
			}
			kind = CancelledByBusiness
			if actor.Kind == domain.PartyAdmin {
				kind = CancelledByAdmin
			}
		}
		freed = a.Status == AssignmentConfirmed
		if freed {
			if s, err = releaseSlot(s); err != nil {
				return err
			}
			s.UpdatedAt = now
			if shift, err = tx.UpdateShift(ctx, s); err != nil {
				return err
			}
		}
		if err := a.moveTo(AssignmentCancelled); err != nil {
			return err
		}
		a.CancelledAt = timePtr(now)
		a.CancelReason = reason
		a.Cancellation = &Cancellation{Type: kind, By: actor, Reason: reason, At: now, Notice: noticeBefore(s, now)}
		a.UpdatedAt = now
		out, err = tx.UpdateAssignment(ctx, a)
		return err
	})
	if err != nil {
		return Assignment{}, svc.failClosed(ctx, shiftID, err)
	}
	svc.logger.InfoContext(ctx, "assignment cancelled",
		"operation", "cancel_assignment",
		"outcome", "success",
		"assignment_id", out.ID,
		"shift_id", out.ShiftID,
		"actor", actor.String(),
		"type", string(out.Cancellation.Type),
		"notice_hours", int(out.Cancellation.Notice/time.Hour),
	)
	if freed {
		svc.offerSlot(ctx, shift)
	}
	return out, nil
}

// releaseSlot gives back a confirmed slot; an assigned shift reopens.
func releaseSlot(s Shift) (Shift, error) {
	s.FilledWorkers--
	if s.Status == StatusAssigned {
		if err := s.moveTo(StatusOpen); err != nil {
			return Shift{}, err
		}
		s.AssignedAt = nil
	}
	if err := s.checkCapacity(); err != nil {
		return Shift{}, err
	}
	return s, nil
}

// offerSlot tells the best-ranked remaining applicant about a free slot.
func (svc *Service) offerSlot(ctx context.Context, s Shift) {
	if s.Status != StatusOpen {
		return
	}
	asgs, err := svc.repo.Assignments(ctx, s.ID)
	if err != nil {
		return
	}
	var next *Assignment
	for i := range asgs {
		a := &asgs[i]
		if a.Status != AssignmentApplied {
			continue
		}
		if next == nil || a.RankScore > next.RankScore {
			next = a
		}
	}
	if next == nil {
		return
	}
	svc.notify(ctx, notify.Event{Type: notify.SlotAvailable, Recipient: next.Worker, ShiftID: s.ID, AssignmentID: next.ID})
}

// =============================================================================
// QUERIES
// =============================================================================

func (svc *Service) Get(ctx context.Context, id string) (Shift, error) { return svc.repo.GetShift(ctx, id) }

func (svc *Service) List(ctx context.Context, f Filter) ([]Shift, error) {
	return svc.repo.ListShifts(ctx, f)
}

func (svc *Service) Assignment(ctx context.Context, id string) (Assignment, error) {
	return svc.repo.GetAssignment(ctx, id)
}

func (svc *Service) Assignments(ctx context.Context, shiftID string) ([]Assignment, error) {
	return svc.repo.Assignments(ctx, shiftID)
}

func authorizeOwner(s Shift, actor domain.Party) error {
	if actor.Kind == domain.PartyAdmin || actor == s.Business {
		return nil
	}
	return domain.ErrForbidden
}
