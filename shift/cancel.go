package shift

import (
	"context"
	"time"

	"github.com/warp/shift-engine/compliance"
	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/notify"
)

// =============================================================================
// SETTLEMENT PLANS
// =============================================================================

type LineKind string

const (
	LinePay          LineKind = "pay"
	LinePenalty      LineKind = "penalty"
	LineCompensation LineKind = "compensation"
)

// Line is money owed to one worker. Fee is the platform's share retained
// alongside it.
type Line struct {
	AssignmentID string       `json:"assignment_id"`
	Worker       domain.Party `json:"worker"`
	Kind         LineKind     `json:"kind"`
	Amount       domain.Money `json:"amount"`
	Fee          domain.Money `json:"fee"`
}

// Plan describes how a shift's escrow is split. Payments executes it;
// the shift side only computes it.
type Plan struct {
	ShiftID   string `json:"shift_id"`
	PaymentID string `json:"payment_id"`
	// Reference distinguishes settlement runs on the same payment.
	Reference string `json:"reference"`
	Lines     []Line `json:"lines"`
	// Fee is retained without a worker line.
	Fee domain.Money `json:"fee"`
	// Released lists the assignments this run settles, including those
	// whose pay rounded to zero.
	Released []string `json:"released"`
	// Close refunds whatever is left and closes the payment.
	Close  bool         `json:"close"`
	Actor  domain.Party `json:"actor"`
	Reason string       `json:"reason"`
}

func (p Plan) Total() domain.Money {
	total := p.Fee
	for _, l := range p.Lines {
		total = total.Add(l.Amount).Add(l.Fee)
	}
	return total
}

// =============================================================================
// CANCEL
// =============================================================================

func cancellationType(s Shift, actor domain.Party) (CancellationType, error) {
	switch {
	case actor.Kind == domain.PartySystem:
		return CancelledBySystem, nil
	case actor.Kind == domain.PartyAdmin:
		return CancelledByAdmin, nil
	case actor == s.Business:
		return CancelledByBusiness, nil
	}
	return "", domain.ErrForbidden
}

// noticeBefore is the time left before the scheduled start, never
// negative.
func noticeBefore(s Shift, now time.Time) time.Duration {
	if notice := s.Window.Start.Sub(now); notice > 0 {
		return notice
	}
	return 0
}

// Cancel stops a shift and settles its escrow according to the notice
// given. Businesses may cancel until the first clock-in; operators may
// cancel a running shift, in which case time already worked is paid.
func (svc *Service) Cancel(ctx context.Context, shiftID string, actor domain.Party, reason string) (Shift, error) {
	s, err := svc.repo.GetShift(ctx, shiftID)
	if err != nil {
		return Shift{}, err
	}
	kind, err := cancellationType(s, actor)
	if err != nil {
		return Shift{}, err
	}
	j, err := svc.gate.Jurisdiction(s.Jurisdiction)
	if err != nil {
		return Shift{}, err
	}
	now := svc.now()

	var (
		out      Shift
		affected []Assignment
	)
	err = svc.repo.WithTx(ctx, func(tx Repository) error {
		s, err := tx.GetShift(ctx, shiftID)
		if err != nil {
			return err
		}
		if s.Status == StatusInProgress && kind == CancelledByBusiness {
			return &domain.TransitionError{Aggregate: "shift", From: string(s.Status), To: string(StatusCancelled)}
		}
		if err := s.moveTo(StatusCancelled); err != nil {
			return err
		}
		asgs, err := tx.Assignments(ctx, s.ID)
		if err != nil {
			return err
		}
		for _, a := range asgs {
			switch a.Status {
			case AssignmentClockedIn:
				if a, err = svc.clockOut(ctx, tx, s, a, j, now, nil); err != nil {
					return err
				}
				if err := a.moveTo(AssignmentVerified); err != nil {
					return err
				}
				by := actor
				a.VerifiedAt, a.VerifiedBy = timePtr(now), &by
			case AssignmentClockedOut:
				if err := a.moveTo(AssignmentVerified); err != nil {
					return err
				}
				by := actor
				a.VerifiedAt, a.VerifiedBy = timePtr(now), &by
			case AssignmentApplied, AssignmentConfirmed:
				if err := a.moveTo(AssignmentCancelled); err != nil {
					return err
				}
				a.CancelledAt = timePtr(now)
				a.CancelReason = reasonShiftCancelled
				a.Cancellation = &Cancellation{Type: kind, By: actor, Reason: reason, At: now, Notice: noticeBefore(s, now)}
			default:
				continue
			}
			a.UpdatedAt = now
			updated, err := tx.UpdateAssignment(ctx, a)
			if err != nil {
				return err
			}
			affected = append(affected, updated)
		}
		s.Cancellation = &Cancellation{Type: kind, By: actor, Reason: reason, At: now, Notice: noticeBefore(s, now)}
		s.FilledWorkers = 0
		s.UpdatedAt = now
		out, err = tx.UpdateShift(ctx, s)
		return err
	})
	if err != nil {
		return Shift{}, err
	}

	svc.logger.InfoContext(ctx, "shift cancelled",
		"operation", "cancel",
		"outcome", "success",
		"shift_id", out.ID,
		"type", string(kind),
		"notice_hours", int(out.Cancellation.Notice/time.Hour),
	)
	svc.notify(ctx, notify.Event{Type: notify.ShiftCancelled, Recipient: out.Business, ShiftID: out.ID, Detail: reason})
	for _, a := range affected {
		svc.notify(ctx, notify.Event{Type: notify.ShiftCancelled, Recipient: a.Worker, ShiftID: out.ID, AssignmentID: a.ID, Detail: reason})
	}

	settled, err := svc.settleCancellation(ctx, out)
	if err != nil {
		// The sweep retries unsettled cancellations.
		svc.logger.ErrorContext(ctx, "cancellation settlement failed",
			"operation", "cancel",
			"outcome", "failure",
			"shift_id", out.ID,
			"error", err,
		)
		return out, nil
	}
	return settled, nil
}

// CancellationPlan splits the escrow of a cancelled shift.
//
//	business, notice ≥ full-refund notice   everything refunded
//	business, notice ≥ late-cancel notice   platform fee retained
//	business, shorter notice                fee retained, each confirmed
//	                                        worker gets the penalty share
//	admin or system                         worked time paid, no penalty
func (svc *Service) CancellationPlan(s Shift, asgs []Assignment) Plan {
	plan := Plan{
		ShiftID:   s.ID,
		PaymentID: s.PaymentID,
		Reference: "cancel",
		Close:     true,
		Fee:       domain.Zero(s.Pricing.Currency),
	}
	c := s.Cancellation
	if c == nil {
		return plan
	}
	plan.Actor = c.By
	plan.Reason = "cancelled_by_" + string(c.Type)

	switch c.Type {
	case CancelledByBusiness:
		if c.Notice >= svc.policy.FullRefundNotice {
			return plan
		}
		plan.Fee = s.Pricing.PlatformFee
		if c.Notice >= svc.policy.LateCancelNotice {
			return plan
		}
		penalty := s.Pricing.PerWorkerPay().MulRate(svc.policy.LateCancelPenaltyRate)
		for _, a := range asgs {
			if a.Status != AssignmentCancelled || a.CancelReason != reasonShiftCancelled || a.ConfirmedAt == nil {
				continue
			}
			plan.Lines = append(plan.Lines, Line{
				AssignmentID: a.ID,
				Worker:       a.Worker,
				Kind:         LinePenalty,
				Amount:       penalty,
				Fee:          domain.Zero(penalty.Currency),
			})
			plan.Released = append(plan.Released, a.ID)
		}
	default:
		for _, a := range asgs {
			if !a.Status.Worked() || a.ReleasedAt != nil {
				continue
			}
			pay := s.Pricing.PayFor(a.Hours.BillableMinutes)
			plan.Released = append(plan.Released, a.ID)
			if !pay.IsPositive() {
				continue
			}
			plan.Lines = append(plan.Lines, Line{
				AssignmentID: a.ID,
				Worker:       a.Worker,
				Kind:         LinePay,
				Amount:       pay,
				Fee:          s.Pricing.Fees(pay).Retained(),
			})
		}
	}
	return plan
}

// settleCancellation executes the cancellation plan once and stamps the
// shift as settled.
func (svc *Service) settleCancellation(ctx context.Context, s Shift) (Shift, error) {
	if s.SettledAt != nil {
		return s, nil
	}
	if s.PaymentID != "" {
		asgs, err := svc.repo.Assignments(ctx, s.ID)
		if err != nil {
			return Shift{}, err
		}
		plan := svc.CancellationPlan(s, asgs)
		if err := svc.payments.Settle(ctx, s, plan); err != nil {
			return Shift{}, svc.failClosed(ctx, s.ID, err)
		}
		if err := svc.MarkReleased(ctx, s.ID, plan.Released); err != nil {
			return Shift{}, err
		}
	}
	return svc.MarkSettled(ctx, s.ID)
}

// =============================================================================
// RELEASE
// =============================================================================

// ReleasePlan computes pay for worked assignments that have not been
// released. blocked holds assignments under dispute; adjustments holds
// amounts already refunded to the business per assignment. Clocked-out
// hours are paid once the shift completes, verified or not; the plan
// closes the payment only after verification and with nothing left
// blocked.
func (svc *Service) ReleasePlan(ctx context.Context, shiftID string, blocked map[string]bool, adjustments map[string]domain.Money) (Plan, error) {
	s, err := svc.repo.GetShift(ctx, shiftID)
	if err != nil {
		return Plan{}, err
	}
	if s.Status != StatusCompleted {
		return Plan{}, &domain.TransitionError{Aggregate: "shift", From: string(s.Status), To: "released"}
	}
	j, err := svc.gate.Jurisdiction(s.Jurisdiction)
	if err != nil {
		return Plan{}, err
	}
	asgs, err := svc.repo.Assignments(ctx, s.ID)
	if err != nil {
		return Plan{}, err
	}
	plan, worked, noShows := svc.payLines(s, j, asgs, blocked, adjustments)
	if plan.Close {
		plan.Lines = append(plan.Lines, svc.compensation(s, worked, noShows)...)
	}
	return plan, nil
}

// Outstanding is what the shift still owes out of its escrow: pay and
// retained fees for every worked assignment not yet released, plus the
// no-show compensation due when the payment closes. Disputes use it to
// keep their awards from eating into a release. A settled shift owes
// nothing.
func (svc *Service) Outstanding(ctx context.Context, shiftID string, adjustments map[string]domain.Money) (Plan, error) {
	s, err := svc.repo.GetShift(ctx, shiftID)
	if err != nil {
		return Plan{}, err
	}
	if s.SettledAt != nil || (s.Status != StatusInProgress && s.Status != StatusCompleted) {
		return Plan{ShiftID: s.ID, PaymentID: s.PaymentID, Fee: domain.Zero(s.Pricing.Currency)}, nil
	}
	j, err := svc.gate.Jurisdiction(s.Jurisdiction)
	if err != nil {
		return Plan{}, err
	}
	asgs, err := svc.repo.Assignments(ctx, s.ID)
	if err != nil {
		return Plan{}, err
	}
	plan, worked, noShows := svc.payLines(s, j, asgs, nil, adjustments)
	plan.Lines = append(plan.Lines, svc.compensation(s, worked, noShows)...)
	plan.Close = false
	return plan, nil
}

// payLines builds the pay part of a release. worked lists every
// assignment with recorded hours, released or not.
func (svc *Service) payLines(s Shift, j compliance.Jurisdiction, asgs []Assignment, blocked map[string]bool, adjustments map[string]domain.Money) (Plan, []Assignment, int) {
	cur := s.Pricing.Currency
	plan := Plan{
		ShiftID:   s.ID,
		PaymentID: s.PaymentID,
		Reference: "release",
		Fee:       domain.Zero(cur),
		Close:     s.VerifiedAt != nil,
		Actor:     domain.System,
		Reason:    "shift_completed",
	}
	if s.VerifiedAt != nil {
		plan.Reason = "hours_verified"
	}
	var worked []Assignment
	noShows := 0
	for _, a := range asgs {
		switch {
		case a.Status == AssignmentNoShow:
			noShows++
		case a.Status.Worked():
			worked = append(worked, a)
		case a.Status == AssignmentClockedIn:
			plan.Close = false
		}
	}

	for _, a := range worked {
		if blocked[a.ID] {
			plan.Close = false
			continue
		}
		if a.ReleasedAt != nil {
			continue
		}
		pay := s.Pricing.PayFor(a.Hours.BillableMinutes).Add(s.Pricing.OvertimePay(a.Hours.OvertimeMinutes, j.OvertimeMultiplier))
		if adj, ok := adjustments[a.ID]; ok {
			pay = pay.Sub(adj)
		}
		plan.Released = append(plan.Released, a.ID)
		if !pay.IsPositive() {
			continue
		}
		plan.Lines = append(plan.Lines, Line{
			AssignmentID: a.ID,
			Worker:       a.Worker,
			Kind:         LinePay,
			Amount:       pay,
			Fee:          s.Pricing.Fees(pay).Retained(),
		})
	}
	return plan, worked, noShows
}

// compensation splits the no-show share among the workers who came.
func (svc *Service) compensation(s Shift, worked []Assignment, noShows int) []Line {
	if noShows == 0 || len(worked) == 0 {
		return nil
	}
	cur := s.Pricing.Currency
	comp := s.Pricing.PerWorkerPay().MulRate(svc.policy.NoShowCompensationRate)
	total := domain.NewMoney(comp.Minor*int64(noShows), cur)
	var lines []Line
	for i, share := range total.Split(len(worked)) {
		if !share.IsPositive() {
			continue
		}
		lines = append(lines, Line{
			AssignmentID: worked[i].ID,
			Worker:       worked[i].Worker,
			Kind:         LineCompensation,
			Amount:       share,
			Fee:          domain.Zero(cur),
		})
	}
	return lines
}

// Owed sums the pay lines of one assignment, fees included.
func (p Plan) Owed(assignmentID string) domain.Money {
	total := domain.Zero(p.Fee.Currency)
	for _, l := range p.Lines {
		if l.AssignmentID == assignmentID && l.Kind == LinePay {
			total = total.Add(l.Amount).Add(l.Fee)
		}
	}
	return total
}

// MarkReleased stamps the assignments whose money has been disbursed.
func (svc *Service) MarkReleased(ctx context.Context, shiftID string, assignmentIDs []string) error {
	if len(assignmentIDs) == 0 {
		return nil
	}
	now := svc.now()
	return svc.repo.WithTx(ctx, func(tx Repository) error {
		for _, id := range assignmentIDs {
			a, err := tx.GetAssignment(ctx, id)
			if err != nil {
				return err
			}
			if a.ShiftID != shiftID {
				return domain.NewValidationError("assignment_id", id+" belongs to another shift")
			}
			if a.ReleasedAt != nil {
				continue
			}
			a.ReleasedAt = timePtr(now)
			a.UpdatedAt = now
			if _, err := tx.UpdateAssignment(ctx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkSettled records that the escrow is closed. A completed shift
// becomes filled; a cancelled shift keeps its status.
func (svc *Service) MarkSettled(ctx context.Context, shiftID string) (Shift, error) {
	now := svc.now()
	var out Shift
	err := svc.repo.WithTx(ctx, func(tx Repository) error {
		s, err := tx.GetShift(ctx, shiftID)
		if err != nil {
			return err
		}
		if s.SettledAt != nil {
			out = s
			return nil
		}
		if s.Status != StatusCancelled {
			if err := s.moveTo(StatusFilled); err != nil {
				return err
			}
		}
		s.SettledAt = timePtr(now)
		s.UpdatedAt = now
		out, err = tx.UpdateShift(ctx, s)
		return err
	})
	if err != nil {
		return Shift{}, err
	}
	svc.logger.InfoContext(ctx, "shift settled",
		"operation", "settle",
		"outcome", "success",
		"shift_id", out.ID,
		"status", string(out.Status),
	)
	return out, nil
}

// MarkAssignmentPaid records that the worker's payouts succeeded.
func (svc *Service) MarkAssignmentPaid(ctx context.Context, assignmentID string) (Assignment, error) {
	now := svc.now()
	var out Assignment
	err := svc.repo.WithTx(ctx, func(tx Repository) error {
		a, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		if a.Status == AssignmentPaid {
			out = a
			return nil
		}
		if err := a.moveTo(AssignmentPaid); err != nil {
			return err
		}
		a.PaidAt = timePtr(now)
		a.UpdatedAt = now
		out, err = tx.UpdateAssignment(ctx, a)
		return err
	})
	return out, err
}

// Archive hides a settled shift and its assignments from default listings.
func (svc *Service) Archive(ctx context.Context, shiftID string, actor domain.Party) (Shift, error) {
	now := svc.now()
	var out Shift
	err := svc.repo.WithTx(ctx, func(tx Repository) error {
		s, err := tx.GetShift(ctx, shiftID)
		if err != nil {
			return err
		}
		if !actor.IsOperator() {
			if err := authorizeOwner(s, actor); err != nil {
				return err
			}
		}
		if !s.Status.Terminal() || s.SettledAt == nil {
			return domain.NewValidationError("status", "only settled shifts can be archived")
		}
		if s.RecordStatus == RecordArchived {
			out = s
			return nil
		}
		asgs, err := tx.Assignments(ctx, s.ID)
		if err != nil {
			return err
		}
		for _, a := range asgs {
			a.RecordStatus = RecordArchived
			a.UpdatedAt = now
			if _, err := tx.UpdateAssignment(ctx, a); err != nil {
				return err
			}
		}
		s.RecordStatus = RecordArchived
		s.UpdatedAt = now
		out, err = tx.UpdateShift(ctx, s)
		return err
	})
	return out, err
}
