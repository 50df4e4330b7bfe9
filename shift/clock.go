package shift

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/shift-engine/compliance"
	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/notify"
)

const (
	reasonShiftCancelled = "shift_cancelled"
	reasonAckExpired     = "acknowledgement_expired"
	flagLateness         = "lateness"
)

// =============================================================================
// CLOCK ERRORS
// =============================================================================

type ClockCode string

const (
	ClockTooEarly        ClockCode = "too_early"
	ClockTooLate         ClockCode = "too_late"
	ClockOutsideGeofence ClockCode = "outside_geofence"
	ClockInFuture        ClockCode = "in_future"
	ClockBeforeClockIn   ClockCode = "before_clock_in"
)

// ClockError rejects a clock event outside the allowed tolerance.
type ClockError struct {
	Code   ClockCode
	Detail string
}

func (e *ClockError) Error() string {
	return fmt.Sprintf("clock event rejected (%s): %s", e.Code, e.Detail)
}

func (e *ClockError) Unwrap() error { return domain.ErrValidation }

// =============================================================================
// CLOCK IN
// =============================================================================

type ClockEvent struct {
	Worker domain.Party
	// At defaults to now.
	At    time.Time
	Point *domain.GeoPoint
}

func (svc *Service) ClockIn(ctx context.Context, assignmentID string, ev ClockEvent) (Assignment, error) {
	now := svc.now()
	at := ev.At
	if at.IsZero() {
		at = now
	}
	if at.After(now.Add(time.Minute)) {
		return Assignment{}, &ClockError{Code: ClockInFuture, Detail: "timestamp is in the future"}
	}
	if ev.Point == nil {
		return Assignment{}, domain.NewValidationError("point", "location is required to clock in")
	}

	a, err := svc.repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return Assignment{}, err
	}
	if a.Worker != ev.Worker {
		return Assignment{}, domain.ErrForbidden
	}
	if a.Status != AssignmentConfirmed {
		return Assignment{}, &domain.TransitionError{Aggregate: "assignment", From: string(a.Status), To: string(AssignmentClockedIn)}
	}
	s, err := svc.repo.GetShift(ctx, a.ShiftID)
	if err != nil {
		return Assignment{}, err
	}
	switch s.Status {
	case StatusOpen, StatusAssigned, StatusInProgress:
	default:
		return Assignment{}, &domain.TransitionError{Aggregate: "shift", From: string(s.Status), To: string(StatusInProgress)}
	}

	start := s.Window.Start
	if at.Before(start.Add(-svc.policy.EarlyClockIn)) {
		return Assignment{}, &ClockError{Code: ClockTooEarly, Detail: fmt.Sprintf("earliest clock-in is %s", start.Add(-svc.policy.EarlyClockIn).Format(time.RFC3339))}
	}
	if at.After(start.Add(svc.policy.NoShowAfter)) {
		return Assignment{}, &ClockError{Code: ClockTooLate, Detail: fmt.Sprintf("clock-in closed at %s", start.Add(svc.policy.NoShowAfter).Format(time.RFC3339))}
	}
	radius := svc.policy.GeofenceMeters
	if s.Location.RadiusMeters > 0 {
		radius = s.Location.RadiusMeters
	}
	if d := s.Location.Point.DistanceMeters(*ev.Point); d > radius {
		return Assignment{}, &ClockError{Code: ClockOutsideGeofence, Detail: fmt.Sprintf("%.0fm from site, limit %.0fm", d, radius)}
	}

	check, decision, err := svc.screen(ctx, s, a, domain.Window{Start: at, End: s.Window.End})
	if err != nil {
		return Assignment{}, err
	}

	late := at.Sub(start)
	var (
		out   Assignment
		shift Shift
	)
	err = svc.repo.WithTx(ctx, func(tx Repository) error {
		a, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		if err := a.moveTo(AssignmentClockedIn); err != nil {
			return err
		}
		s, err := tx.GetShift(ctx, a.ShiftID)
		if err != nil {
			return err
		}
		if s.Status == StatusOpen {
			if s, err = svc.lock(ctx, tx, s); err != nil {
				return err
			}
		}
		if s.Status == StatusAssigned {
			if err := s.moveTo(StatusInProgress); err != nil {
				return err
			}
			s.StartedAt = timePtr(at)
		}
		a.ClockInAt = timePtr(at)
		a.ClockInPoint = ev.Point
		if late > 0 {
			a.LateMinutes = int(late / time.Minute)
		}
		a.WasLate = late > svc.policy.LateGrace
		a.LatenessFlagged = late > svc.policy.LatenessFlagAfter
		a.UpdatedAt = now
		if a.LatenessFlagged {
			s.flag(flagLateness)
		}
		for _, f := range decision.Flags {
			s.flag(string(f.Rule))
		}
		s.UpdatedAt = now
		if out, err = tx.UpdateAssignment(ctx, a); err != nil {
			return err
		}
		shift, err = tx.UpdateShift(ctx, s)
		return err
	})
	if err != nil {
		return Assignment{}, err
	}

	svc.recordFlags(ctx, check, decision)
	svc.logger.InfoContext(ctx, "worker clocked in",
		"operation", "clock_in",
		"outcome", "success",
		"shift_id", shift.ID,
		"assignment_id", out.ID,
		"worker_id", out.Worker.ID,
		"late_minutes", out.LateMinutes,
		"lateness_flagged", out.LatenessFlagged,
	)
	if out.LatenessFlagged {
		svc.notify(ctx, notify.Event{Type: notify.ClockInFlagged, Recipient: shift.Business, ShiftID: shift.ID, AssignmentID: out.ID, Detail: fmt.Sprintf("%d minutes late", out.LateMinutes)})
	}
	return out, nil
}

// =============================================================================
// CLOCK OUT
// =============================================================================

func (svc *Service) ClockOut(ctx context.Context, assignmentID string, ev ClockEvent) (Assignment, error) {
	now := svc.now()
	at := ev.At
	if at.IsZero() {
		at = now
	}
	if at.After(now.Add(time.Minute)) {
		return Assignment{}, &ClockError{Code: ClockInFuture, Detail: "timestamp is in the future"}
	}
	a, err := svc.repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return Assignment{}, err
	}
	if a.Worker != ev.Worker {
		return Assignment{}, domain.ErrForbidden
	}
	if a.Status != AssignmentClockedIn {
		return Assignment{}, &domain.TransitionError{Aggregate: "assignment", From: string(a.Status), To: string(AssignmentClockedOut)}
	}
	if at.Before(*a.ClockInAt) {
		return Assignment{}, &ClockError{Code: ClockBeforeClockIn, Detail: "clock-out precedes clock-in"}
	}
	s, err := svc.repo.GetShift(ctx, a.ShiftID)
	if err != nil {
		return Assignment{}, err
	}
	j, err := svc.gate.Jurisdiction(s.Jurisdiction)
	if err != nil {
		return Assignment{}, err
	}

	var (
		out       Assignment
		shift     Shift
		noShows   []Assignment
		completed bool
	)
	err = svc.repo.WithTx(ctx, func(tx Repository) error {
		a, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		s, err := tx.GetShift(ctx, a.ShiftID)
		if err != nil {
			return err
		}
		if a, err = svc.clockOut(ctx, tx, s, a, j, at, ev.Point); err != nil {
			return err
		}
		if out, err = tx.UpdateAssignment(ctx, a); err != nil {
			return err
		}
		asgs, err := tx.Assignments(ctx, s.ID)
		if err != nil {
			return err
		}
		if shift, noShows, completed, err = svc.maybeComplete(ctx, tx, s, asgs); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return Assignment{}, err
	}
	svc.logger.InfoContext(ctx, "worker clocked out",
		"operation", "clock_out",
		"outcome", "success",
		"shift_id", out.ShiftID,
		"assignment_id", out.ID,
		"billable_minutes", out.Hours.BillableMinutes,
		"overtime_minutes", out.Hours.OvertimeMinutes,
	)
	svc.announceCompletion(ctx, shift, noShows, completed)
	return out, nil
}

// clockOut closes the worked span of a clocked-in assignment.
func (svc *Service) clockOut(ctx context.Context, tx Repository, s Shift, a Assignment, j compliance.Jurisdiction, at time.Time, point *domain.GeoPoint) (Assignment, error) {
	if err := a.moveTo(AssignmentClockedOut); err != nil {
		return Assignment{}, err
	}
	if at.Before(*a.ClockInAt) {
		at = *a.ClockInAt
	}
	bookings, err := tx.WorkerBookings(ctx, a.Worker.ID, j.WeekOf(*a.ClockInAt))
	if err != nil {
		return Assignment{}, err
	}
	a.Hours = computeHours(svc.policy, j, s, *a.ClockInAt, at, bookings)
	a.ClockOutAt = timePtr(at)
	a.ClockOutPoint = point
	if early := s.Window.End.Sub(at); early > svc.policy.LateGrace {
		a.LeftEarly = true
		a.EarlyMinutes = int(early / time.Minute)
	}
	a.UpdatedAt = svc.now()
	return a, nil
}

// maybeComplete moves an in-progress shift to completed once nobody is
// clocked in and no confirmed worker can still arrive. Confirmed workers
// left behind are recorded as no-shows.
func (svc *Service) maybeComplete(ctx context.Context, tx Repository, s Shift, asgs []Assignment) (Shift, []Assignment, bool, error) {
	if s.Status != StatusInProgress {
		return s, nil, false, nil
	}
	now := svc.now()
	deadline := s.Window.Start.Add(svc.policy.NoShowAfter)
	for _, a := range asgs {
		if a.Status == AssignmentClockedIn {
			return s, nil, false, nil
		}
		if a.Status == AssignmentConfirmed && !now.After(deadline) {
			return s, nil, false, nil
		}
	}
	var noShows []Assignment
	for _, a := range asgs {
		if a.Status != AssignmentConfirmed {
			continue
		}
		if err := a.moveTo(AssignmentNoShow); err != nil {
			return s, nil, false, err
		}
		a.UpdatedAt = now
		updated, err := tx.UpdateAssignment(ctx, a)
		if err != nil {
			return s, nil, false, err
		}
		noShows = append(noShows, updated)
	}
	if err := s.moveTo(StatusCompleted); err != nil {
		return s, nil, false, err
	}
	s.CompletedAt = timePtr(now)
	s.UpdatedAt = now
	out, err := tx.UpdateShift(ctx, s)
	return out, noShows, true, err
}

func (svc *Service) announceCompletion(ctx context.Context, s Shift, noShows []Assignment, completed bool) {
	for _, a := range noShows {
		svc.notify(ctx, notify.Event{Type: notify.NoShowRecorded, Recipient: s.Business, ShiftID: s.ID, AssignmentID: a.ID})
	}
	if completed {
		svc.logger.InfoContext(ctx, "shift completed",
			"operation", "complete",
			"outcome", "success",
			"shift_id", s.ID,
			"no_shows", len(noShows),
		)
		svc.notify(ctx, notify.Event{Type: notify.ShiftCompleted, Recipient: s.Business, ShiftID: s.ID})
	}
}

// =============================================================================
// VERIFY
// =============================================================================

// VerifyHours approves the recorded hours of every worked assignment.
// An in-progress shift is closed first: anyone still clocked in is
// clocked out at the scheduled end.
func (svc *Service) VerifyHours(ctx context.Context, shiftID string, actor domain.Party) (Shift, error) {
	s, err := svc.repo.GetShift(ctx, shiftID)
	if err != nil {
		return Shift{}, err
	}
	if !actor.IsOperator() {
		if err := authorizeOwner(s, actor); err != nil {
			return Shift{}, err
		}
	}
	return svc.verify(ctx, shiftID, actor, false)
}

func (svc *Service) verify(ctx context.Context, shiftID string, actor domain.Party, auto bool) (Shift, error) {
	s, err := svc.repo.GetShift(ctx, shiftID)
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
		verified []Assignment
		noShows  []Assignment
		closed   bool
	)
	err = svc.repo.WithTx(ctx, func(tx Repository) error {
		s, err := tx.GetShift(ctx, shiftID)
		if err != nil {
			return err
		}
		if s.Status == StatusCompleted && s.VerifiedAt != nil {
			out = s
			return nil
		}
		if s.Status != StatusInProgress && s.Status != StatusCompleted {
			return &domain.TransitionError{Aggregate: "shift", From: string(s.Status), To: "verified"}
		}
		asgs, err := tx.Assignments(ctx, s.ID)
		if err != nil {
			return err
		}
		if s.Status == StatusInProgress {
			end := s.Window.End
			if now.Before(end) {
				end = now
			}
			for i, a := range asgs {
				if a.Status != AssignmentClockedIn {
					continue
				}
				if a, err = svc.clockOut(ctx, tx, s, a, j, end, nil); err != nil {
					return err
				}
				if asgs[i], err = tx.UpdateAssignment(ctx, a); err != nil {
					return err
				}
			}
			for i, a := range asgs {
				if a.Status != AssignmentConfirmed {
					continue
				}
				if err := a.moveTo(AssignmentNoShow); err != nil {
					return err
				}
				a.UpdatedAt = now
				if asgs[i], err = tx.UpdateAssignment(ctx, a); err != nil {
					return err
				}
				noShows = append(noShows, asgs[i])
			}
			if err := s.moveTo(StatusCompleted); err != nil {
				return err
			}
			s.CompletedAt = timePtr(now)
			closed = true
		}
		for _, a := range asgs {
			if a.Status != AssignmentClockedOut {
				continue
			}
			if err := a.moveTo(AssignmentVerified); err != nil {
				return err
			}
			by := actor
			a.VerifiedAt = timePtr(now)
			a.VerifiedBy = &by
			a.AutoApproved = auto
			a.UpdatedAt = now
			updated, err := tx.UpdateAssignment(ctx, a)
			if err != nil {
				return err
			}
			verified = append(verified, updated)
		}
		s.VerifiedAt = timePtr(now)
		s.UpdatedAt = now
		out, err = tx.UpdateShift(ctx, s)
		return err
	})
	if err != nil {
		return Shift{}, err
	}

	svc.announceCompletion(ctx, out, noShows, closed)
	svc.logger.InfoContext(ctx, "hours verified",
		"operation", "verify",
		"outcome", "success",
		"shift_id", out.ID,
		"assignments", len(verified),
		"auto", auto,
		"actor", actor.String(),
	)
	for _, a := range verified {
		svc.notify(ctx, notify.Event{Type: notify.HoursVerified, Recipient: a.Worker, ShiftID: out.ID, AssignmentID: a.ID})
	}
	return out, nil
}

// =============================================================================
// NO-SHOW
// =============================================================================

// MarkNoShow records that a confirmed worker did not arrive. It is
// accepted once the clock-in window has closed.
func (svc *Service) MarkNoShow(ctx context.Context, assignmentID string, actor domain.Party) (Assignment, error) {
	now := svc.now()
	var (
		out       Assignment
		shift     Shift
		noShows   []Assignment
		completed bool
	)
	err := svc.repo.WithTx(ctx, func(tx Repository) error {
		a, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		s, err := tx.GetShift(ctx, a.ShiftID)
		if err != nil {
			return err
		}
		if !actor.IsOperator() {
			if err := authorizeOwner(s, actor); err != nil {
				return err
			}
		}
		if !now.After(s.Window.Start.Add(svc.policy.NoShowAfter)) {
			return domain.NewValidationError("assignment", "clock-in window still open")
		}
		if err := a.moveTo(AssignmentNoShow); err != nil {
			return err
		}
		a.UpdatedAt = now
		if out, err = tx.UpdateAssignment(ctx, a); err != nil {
			return err
		}
		asgs, err := tx.Assignments(ctx, s.ID)
		if err != nil {
			return err
		}
		shift, noShows, completed, err = svc.maybeComplete(ctx, tx, s, asgs)
		return err
	})
	if err != nil {
		return Assignment{}, err
	}
	svc.notify(ctx, notify.Event{Type: notify.NoShowRecorded, Recipient: shift.Business, ShiftID: shift.ID, AssignmentID: out.ID})
	svc.announceCompletion(ctx, shift, noShows, completed)
	return out, nil
}
