package shift

import (
	"context"
	"errors"

	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/notify"
)

// =============================================================================
// TIME-DRIVEN TRANSITIONS
// =============================================================================
//
// Each sweep is safe to repeat: an item already moved is skipped, and a
// lost version race is left for the next run. Halted shifts are skipped
// by every sweep.

// ExpireAcknowledgements cancels confirmations the worker did not
// acknowledge in time and offers the slot to the next applicant.
func (svc *Service) ExpireAcknowledgements(ctx context.Context) (int, error) {
	now := svc.now()
	shifts, err := svc.repo.ListShifts(ctx, Filter{Statuses: []Status{StatusOpen, StatusAssigned}})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, s := range shifts {
		if s.Halted() {
			continue
		}
		asgs, err := svc.repo.Assignments(ctx, s.ID)
		if err != nil {
			return expired, err
		}
		for _, a := range asgs {
			if a.Status != AssignmentConfirmed || a.AcknowledgedAt != nil || a.AckDeadline == nil || !now.After(*a.AckDeadline) {
				continue
			}
			shift, err := svc.expire(ctx, a.ID)
			err = svc.failClosed(ctx, s.ID, err)
			if skippable(err) {
				continue
			}
			if err != nil {
				return expired, err
			}
			expired++
			svc.notify(ctx, notify.Event{Type: notify.AcknowledgementExpired, Recipient: a.Worker, ShiftID: s.ID, AssignmentID: a.ID})
			svc.offerSlot(ctx, shift)
		}
	}
	return expired, nil
}

func (svc *Service) expire(ctx context.Context, assignmentID string) (Shift, error) {
	now := svc.now()
	var out Shift
	err := svc.repo.WithTx(ctx, func(tx Repository) error {
		a, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		if a.AcknowledgedAt != nil {
			return errSkip
		}
		s, err := tx.GetShift(ctx, a.ShiftID)
		if err != nil {
			return err
		}
		if err := a.moveTo(AssignmentCancelled); err != nil {
			return err
		}
		a.CancelledAt = timePtr(now)
		a.CancelReason = reasonAckExpired
		a.Cancellation = &Cancellation{Type: CancelledBySystem, By: domain.System, Reason: reasonAckExpired, At: now, Notice: noticeBefore(s, now)}
		a.UpdatedAt = now
		if _, err := tx.UpdateAssignment(ctx, a); err != nil {
			return err
		}
		if s, err = releaseSlot(s); err != nil {
			return err
		}
		s.UpdatedAt = now
		out, err = tx.UpdateShift(ctx, s)
		return err
	})
	return out, err
}

// StartDue handles shifts whose start has passed before they filled.
// Drafts are cancelled; open shifts with confirmed workers are locked at
// their headcount and those without are cancelled.
func (svc *Service) StartDue(ctx context.Context) (int, error) {
	now := svc.now()
	shifts, err := svc.repo.ListShifts(ctx, Filter{Statuses: []Status{StatusDraft, StatusOpen}, StartsBefore: now.Add(1)})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range shifts {
		if s.Halted() {
			continue
		}
		var err error
		switch {
		case s.Status == StatusOpen && s.FilledWorkers > 0:
			err = svc.repo.WithTx(ctx, func(tx Repository) error {
				cur, err := tx.GetShift(ctx, s.ID)
				if err != nil {
					return err
				}
				if cur.Status != StatusOpen {
					return errSkip
				}
				_, err = svc.lock(ctx, tx, cur)
				return err
			})
		case s.Status == StatusOpen:
			_, err = svc.Cancel(ctx, s.ID, domain.System, "unfilled_at_start")
		default:
			_, err = svc.Cancel(ctx, s.ID, domain.System, "not_published")
		}
		if skippable(err) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// MarkNoShows closes the clock-in window of started shifts. An assigned
// shift where nobody arrived is cancelled by the system.
func (svc *Service) MarkNoShows(ctx context.Context) (int, error) {
	now := svc.now()
	shifts, err := svc.repo.ListShifts(ctx, Filter{
		Statuses:     []Status{StatusAssigned, StatusInProgress},
		StartsBefore: now.Add(-svc.policy.NoShowAfter),
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range shifts {
		if s.Halted() {
			continue
		}
		var (
			shift     Shift
			noShows   []Assignment
			completed bool
		)
		err := svc.repo.WithTx(ctx, func(tx Repository) error {
			cur, err := tx.GetShift(ctx, s.ID)
			if err != nil {
				return err
			}
			asgs, err := tx.Assignments(ctx, s.ID)
			if err != nil {
				return err
			}
			if cur.Status == StatusInProgress {
				shift, noShows, completed, err = svc.maybeComplete(ctx, tx, cur, asgs)
				return err
			}
			if cur.Status != StatusAssigned {
				return errSkip
			}
			for _, a := range asgs {
				if a.Status != AssignmentConfirmed {
					continue
				}
				if err := a.moveTo(AssignmentNoShow); err != nil {
					return err
				}
				a.UpdatedAt = now
				updated, err := tx.UpdateAssignment(ctx, a)
				if err != nil {
					return err
				}
				noShows = append(noShows, updated)
			}
			shift = cur
			return nil
		})
		if skippable(err) {
			continue
		}
		if err != nil {
			return n, err
		}
		n += len(noShows)
		svc.announceCompletion(ctx, shift, noShows, completed)
		if shift.Status == StatusAssigned {
			if _, err := svc.Cancel(ctx, shift.ID, domain.System, "no_show"); err != nil && !skippable(err) {
				return n, err
			}
		}
	}
	return n, nil
}

// AutoApprove verifies hours the business left unreviewed past the
// auto-approval window.
func (svc *Service) AutoApprove(ctx context.Context) (int, error) {
	now := svc.now()
	shifts, err := svc.repo.ListShifts(ctx, Filter{Statuses: []Status{StatusInProgress, StatusCompleted}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range shifts {
		if s.VerifiedAt != nil || s.Halted() {
			continue
		}
		since := s.Window.End
		if s.CompletedAt != nil {
			since = *s.CompletedAt
		}
		if now.Before(since.Add(svc.policy.AutoApproveAfter)) {
			continue
		}
		_, err := svc.verify(ctx, s.ID, domain.System, true)
		if skippable(err) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// RetryCancellations settles cancelled shifts whose escrow step failed.
func (svc *Service) RetryCancellations(ctx context.Context) (int, error) {
	shifts, err := svc.repo.ListShifts(ctx, Filter{Statuses: []Status{StatusCancelled}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range shifts {
		if s.SettledAt != nil || s.Halted() {
			continue
		}
		if _, err := svc.settleCancellation(ctx, s); err != nil {
			svc.logger.ErrorContext(ctx, "cancellation settlement retry failed",
				"operation", "retry_cancellation",
				"outcome", "failure",
				"shift_id", s.ID,
				"error", err,
			)
			continue
		}
		n++
	}
	return n, nil
}

// Releasable lists completed shifts whose release delay has passed since
// completion. Verification is not awaited: auto-approval runs on its own
// timer and only gates closing the payment.
func (svc *Service) Releasable(ctx context.Context) ([]Shift, error) {
	now := svc.now()
	shifts, err := svc.repo.ListShifts(ctx, Filter{Statuses: []Status{StatusCompleted}})
	if err != nil {
		return nil, err
	}
	out := shifts[:0]
	for _, s := range shifts {
		if s.CompletedAt == nil || s.SettledAt != nil || s.Halted() || now.Before(s.CompletedAt.Add(svc.policy.ReleaseDelay)) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

var errSkip = errors.New("skip")

// skippable reports errors that mean another actor got there first.
func skippable(err error) bool {
	return errors.Is(err, errSkip) ||
		errors.Is(err, domain.ErrConcurrencyConflict) ||
		errors.Is(err, domain.ErrInvalidTransition)
}
