package settlement

import (
	"context"
	"errors"
	"log/slog"

	"github.com/warp/shift-engine/dispute"
	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/escrow"
	"github.com/warp/shift-engine/shift"
)

// Coordinator runs the settlement steps that need more than one service.
type Coordinator struct {
	shifts   *shift.Service
	escrow   *escrow.Service
	disputes *dispute.Service
	payments shift.Payments
	logger   *slog.Logger
}

func NewCoordinator(shifts *shift.Service, esc *escrow.Service, disputes *dispute.Service, payments shift.Payments, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		shifts:   shifts,
		escrow:   esc,
		disputes: disputes,
		payments: payments,
		logger:   logger.With("module", "settlement", "layer", "domain"),
	}
}

// =============================================================================
// RELEASE
// =============================================================================

// Release pays out every worked assignment of the shift that is not
// under dispute. The payment is closed, and the shift filled, only once
// the hours are verified and nothing is held back. An invariant
// violation halts the shift and is returned.
func (c *Coordinator) Release(ctx context.Context, shiftID string) (shift.Plan, error) {
	plan, err := c.release(ctx, shiftID)
	if errors.Is(err, domain.ErrInvariantViolation) {
		c.shifts.Halt(ctx, shiftID, err)
	}
	return plan, err
}

func (c *Coordinator) release(ctx context.Context, shiftID string) (shift.Plan, error) {
	s, err := c.shifts.Get(ctx, shiftID)
	if err != nil {
		return shift.Plan{}, err
	}
	if s.SettledAt != nil || s.Halted() {
		return shift.Plan{}, nil
	}
	blocked, err := c.disputes.Blocked(ctx, s.ID)
	if err != nil {
		return shift.Plan{}, err
	}
	adjustments, err := c.adjustments(ctx, s)
	if err != nil {
		return shift.Plan{}, err
	}
	plan, err := c.shifts.ReleasePlan(ctx, s.ID, blocked, adjustments)
	if err != nil {
		return shift.Plan{}, err
	}
	if len(plan.Released) == 0 && !plan.Close {
		c.logger.DebugContext(ctx, "release held back",
			"operation", "release",
			"outcome", "skipped",
			"shift_id", s.ID,
			"blocked", len(blocked),
			"verified", s.VerifiedAt != nil,
		)
		return plan, nil
	}

	if err := c.payments.Settle(ctx, s, plan); err != nil {
		c.logger.ErrorContext(ctx, "release failed",
			"operation", "release",
			"outcome", "failure",
			"shift_id", s.ID,
			"payment_id", plan.PaymentID,
			"error", err,
		)
		return shift.Plan{}, err
	}
	if err := c.shifts.MarkReleased(ctx, s.ID, plan.Released); err != nil {
		return shift.Plan{}, err
	}
	if plan.Close {
		if _, err := c.shifts.MarkSettled(ctx, s.ID); err != nil {
			return shift.Plan{}, err
		}
	}
	c.logger.InfoContext(ctx, "shift released",
		"operation", "release",
		"outcome", "success",
		"shift_id", s.ID,
		"payment_id", plan.PaymentID,
		"assignments", len(plan.Released),
		"total", plan.Total().String(),
		"closed", plan.Close,
	)
	return plan, nil
}

// adjustments collects business refunds already booked by disputes, per
// assignment.
func (c *Coordinator) adjustments(ctx context.Context, s shift.Shift) (map[string]domain.Money, error) {
	if s.PaymentID == "" {
		return nil, nil
	}
	return c.escrow.Adjustments(ctx, s.PaymentID)
}

// =============================================================================
// PAID SYNC
// =============================================================================

// SyncPaid marks released assignments paid once every payout funded for
// them has succeeded.
func (c *Coordinator) SyncPaid(ctx context.Context) (int, error) {
	shifts, err := c.shifts.List(ctx, shift.Filter{Statuses: []shift.Status{shift.StatusFilled, shift.StatusCompleted, shift.StatusCancelled}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range shifts {
		if s.PaymentID == "" || s.Halted() {
			continue
		}
		asgs, err := c.shifts.Assignments(ctx, s.ID)
		if err != nil {
			return n, err
		}
		var waiting []shift.Assignment
		for _, a := range asgs {
			if a.Status == shift.AssignmentVerified && a.ReleasedAt != nil {
				waiting = append(waiting, a)
			}
		}
		if len(waiting) == 0 {
			continue
		}
		payouts, err := c.escrow.Payouts(ctx, s.PaymentID)
		if err != nil {
			return n, err
		}
		for _, a := range waiting {
			if !allSucceeded(payouts, a.ID) {
				continue
			}
			if _, err := c.shifts.MarkAssignmentPaid(ctx, a.ID); err != nil {
				if errors.Is(err, domain.ErrConcurrencyConflict) {
					continue
				}
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// allSucceeded is false for an assignment without payouts: its pay
// rounded to zero or was entirely refunded, so there is nothing to wait
// for but nothing was paid either.
func allSucceeded(payouts []escrow.Payout, assignmentID string) bool {
	found := false
	for _, po := range payouts {
		if po.AssignmentID != assignmentID {
			continue
		}
		if po.Status != escrow.PayoutSucceeded {
			return false
		}
		found = true
	}
	return found
}

// =============================================================================
// SWEEP
// =============================================================================

// Report counts what one sweep did.
type Report struct {
	AcknowledgementsExpired int
	Started                 int
	NoShows                 int
	AutoApproved            int
	CancellationsSettled    int
	Released                int
	Payouts                 escrow.PayoutReport
	Paid                    int
	Escalated               int
}

// Sweep runs every time-driven transition once, in lifecycle order. A
// failing step is logged and the remaining steps still run; the joined
// errors are returned.
func (c *Coordinator) Sweep(ctx context.Context) (Report, error) {
	var (
		r    Report
		errs []error
	)
	step := func(name string, fn func() error) {
		if ctx.Err() != nil {
			return
		}
		if err := fn(); err != nil {
			c.logger.ErrorContext(ctx, "sweep step failed",
				"operation", "sweep",
				"step", name,
				"outcome", "failure",
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	count := func(dst *int, fn func(context.Context) (int, error)) func() error {
		return func() error {
			n, err := fn(ctx)
			*dst += n
			return err
		}
	}

	step("expire_acknowledgements", count(&r.AcknowledgementsExpired, c.shifts.ExpireAcknowledgements))
	step("start_due", count(&r.Started, c.shifts.StartDue))
	step("mark_no_shows", count(&r.NoShows, c.shifts.MarkNoShows))
	step("auto_approve", count(&r.AutoApproved, c.shifts.AutoApprove))
	step("retry_cancellations", count(&r.CancellationsSettled, c.shifts.RetryCancellations))
	step("release", func() error {
		due, err := c.shifts.Releasable(ctx)
		if err != nil {
			return err
		}
		var failed []error
		for _, s := range due {
			plan, err := c.Release(ctx, s.ID)
			if err != nil {
				failed = append(failed, err)
				continue
			}
			if len(plan.Released) > 0 {
				r.Released++
			}
		}
		return errors.Join(failed...)
	})
	step("process_payouts", func() error {
		var err error
		r.Payouts, err = c.escrow.ProcessPayouts(ctx)
		return err
	})
	step("sync_paid", count(&r.Paid, c.SyncPaid))
	step("escalate_disputes", count(&r.Escalated, c.disputes.EscalateOverdue))

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	c.logger.InfoContext(ctx, "sweep completed",
		"operation", "sweep",
		"outcome", outcome(errs),
		"acks_expired", r.AcknowledgementsExpired,
		"started", r.Started,
		"no_shows", r.NoShows,
		"auto_approved", r.AutoApproved,
		"released", r.Released,
		"payouts_succeeded", r.Payouts.Succeeded,
		"paid", r.Paid,
		"escalated", r.Escalated,
	)
	return r, errors.Join(errs...)
}

func outcome(errs []error) string {
	if len(errs) > 0 {
		return "partial"
	}
	return "success"
}
