package shift

import (
	"context"
	"errors"

	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/notify"
)

// =============================================================================
// HALT - Fail closed on invariant violations
// =============================================================================

// failClosed halts the shift when err is an invariant violation and
// returns err unchanged either way.
func (svc *Service) failClosed(ctx context.Context, shiftID string, err error) error {
	if shiftID != "" && errors.Is(err, domain.ErrInvariantViolation) {
		svc.Halt(ctx, shiftID, err)
	}
	return err
}

// Halt stops automated processing of a shift and tells operations. The
// flag is persisted so every sweep instance skips the shift until an
// operator resumes it. Operations is told even when the flag cannot be
// written.
func (svc *Service) Halt(ctx context.Context, shiftID string, cause error) (Shift, error) {
	now := svc.now()
	var (
		out   Shift
		fresh bool
	)
	err := svc.repo.WithTx(ctx, func(tx Repository) error {
		s, err := tx.GetShift(ctx, shiftID)
		if err != nil {
			return err
		}
		if s.Halted() {
			out = s
			return nil
		}
		s.HaltedAt = timePtr(now)
		s.HaltReason = cause.Error()
		s.UpdatedAt = now
		out, err = tx.UpdateShift(ctx, s)
		fresh = err == nil
		return err
	})
	if err != nil {
		svc.logger.ErrorContext(ctx, "halting shift failed",
			"operation", "halt",
			"outcome", "failure",
			"shift_id", shiftID,
			"cause", cause,
			"error", err,
		)
		svc.notify(ctx, notify.Event{Type: notify.InvariantViolation, Recipient: notify.Operations, ShiftID: shiftID, Detail: cause.Error()})
		return Shift{}, err
	}
	if !fresh {
		return out, nil
	}
	svc.logger.ErrorContext(ctx, "shift halted",
		"operation", "halt",
		"outcome", "halted",
		"shift_id", out.ID,
		"payment_id", out.PaymentID,
		"cause", cause,
	)
	svc.notify(ctx, notify.Event{Type: notify.InvariantViolation, Recipient: notify.Operations, ShiftID: out.ID, PaymentID: out.PaymentID, Detail: out.HaltReason})
	return out, nil
}

// Resume clears the halt once an operator has repaired the shift.
func (svc *Service) Resume(ctx context.Context, shiftID string, actor domain.Party) (Shift, error) {
	if actor.Kind != domain.PartyAdmin {
		return Shift{}, domain.ErrForbidden
	}
	now := svc.now()
	var out Shift
	err := svc.repo.WithTx(ctx, func(tx Repository) error {
		s, err := tx.GetShift(ctx, shiftID)
		if err != nil {
			return err
		}
		if !s.Halted() {
			out = s
			return nil
		}
		s.HaltedAt = nil
		s.HaltReason = ""
		s.UpdatedAt = now
		out, err = tx.UpdateShift(ctx, s)
		return err
	})
	if err != nil {
		return Shift{}, err
	}
	svc.logger.InfoContext(ctx, "shift resumed",
		"operation", "resume",
		"outcome", "success",
		"shift_id", out.ID,
		"actor", actor.String(),
	)
	return out, nil
}
