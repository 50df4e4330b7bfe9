/*
Package settlement drives money out of escrow once work is done.

PURPOSE:
  Bridges the shift lifecycle to the escrow ledger and the dispute
  handler. Shift computes settlement plans, escrow books them, disputes
  hold them back. Nothing here decides amounts.

KEY CONCEPTS:
  EscrowPayments  shift.Payments over the escrow service
  Coordinator     one release or paid-sync step per shift
  Scheduler       periodic sweep running every time-driven transition
  Lease           keeps a single sweeper active across instances

SEE ALSO:
  - shift/cancel.go: ReleasePlan and CancellationPlan
  - escrow/service.go: Settle, Adjust
  - dispute/service.go: Blocked, EscalateOverdue
*/
package settlement

import (
	"context"
	"errors"

	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/escrow"
	"github.com/warp/shift-engine/ledger"
	"github.com/warp/shift-engine/shift"
)

// EscrowPayments executes shift plans against the escrow service.
type EscrowPayments struct {
	escrow *escrow.Service
}

func NewEscrowPayments(esc *escrow.Service) *EscrowPayments {
	return &EscrowPayments{escrow: esc}
}

func (p *EscrowPayments) Hold(ctx context.Context, s shift.Shift) (string, error) {
	pay, err := p.escrow.Hold(ctx, escrow.HoldRequest{
		ShiftID:  s.ID,
		Business: s.Business,
		Amount:   s.Pricing.EscrowAmount,
	})
	if err != nil {
		return "", err
	}
	return pay.ID, nil
}

func (p *EscrowPayments) TopUp(ctx context.Context, s shift.Shift, amount domain.Money, reference string) error {
	_, err := p.escrow.TopUp(ctx, s.PaymentID, amount, reference)
	return err
}

// Settle books the plan. A closing plan against a payment that is already
// closed was executed by an earlier run and succeeds.
func (p *EscrowPayments) Settle(ctx context.Context, s shift.Shift, plan shift.Plan) error {
	paymentID := plan.PaymentID
	if paymentID == "" {
		paymentID = s.PaymentID
	}
	st := escrow.Settlement{
		PaymentID:       paymentID,
		Reference:       plan.Reference,
		Fee:             plan.Fee,
		RefundRemainder: plan.Close,
		Actor:           plan.Actor,
		Reason:          plan.Reason,
	}
	for _, l := range plan.Lines {
		st.Disbursements = append(st.Disbursements, escrow.Disbursement{
			AssignmentID: l.AssignmentID,
			Worker:       l.Worker,
			Type:         entryType(l.Kind),
			Amount:       l.Amount,
			Fee:          l.Fee,
		})
	}
	_, err := p.escrow.Settle(ctx, st)
	if err == nil || !plan.Close || !errors.Is(err, domain.ErrInvalidTransition) {
		return err
	}
	pay, gerr := p.escrow.Payment(ctx, paymentID)
	if gerr != nil {
		return errors.Join(err, gerr)
	}
	if pay.Status == escrow.PaymentReleased || pay.Status == escrow.PaymentRefunded {
		return nil
	}
	return err
}

func entryType(k shift.LineKind) ledger.EntryType {
	switch k {
	case shift.LinePenalty:
		return ledger.CancellationPenalty
	case shift.LineCompensation:
		return ledger.WorkerCompensation
	}
	return ledger.EscrowReleased
}

var _ shift.Payments = (*EscrowPayments)(nil)
