package escrow

import (
	"context"
	"fmt"

	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/ledger"
	"github.com/warp/shift-engine/notify"
)

// PayoutReport summarises one ProcessPayouts run.
type PayoutReport struct {
	Attempted    int
	Succeeded    int
	Pending      int
	Failed       int
	ManualReview int
}

// ProcessPayouts attempts every payout that is due. A failure reschedules
// the same payout intent, nothing is debited again.
func (s *Service) ProcessPayouts(ctx context.Context) (PayoutReport, error) {
	var report PayoutReport
	due, err := s.store.DuePayouts(ctx, s.now(), s.cfg.PayoutBatchSize)
	if err != nil {
		return report, err
	}
	for _, po := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++
		out, err := s.attempt(ctx, po)
		if err != nil {
			return report, err
		}
		switch out.Status {
		case PayoutSucceeded:
			report.Succeeded++
		case PayoutInitiated:
			report.Pending++
		case PayoutFailed:
			report.Failed++
		case PayoutManualReview:
			report.ManualReview++
		}
	}
	if report.Attempted > 0 {
		s.logger.InfoContext(ctx, "payouts processed",
			"operation", "process_payouts", "outcome", "success",
			"attempted", report.Attempted, "succeeded", report.Succeeded,
			"failed", report.Failed, "manual_review", report.ManualReview)
	}
	return report, nil
}

func (s *Service) attempt(ctx context.Context, po Payout) (Payout, error) {
	p, err := s.store.GetPayment(ctx, po.PaymentID)
	if err != nil {
		return po, err
	}

	if po.Attempts == 0 {
		amount := po.Amount
		err := s.store.WithTx(ctx, func(tx Store) error {
			_, _, err := post(ctx, s.ledger.Bind(tx.Journal()), ledger.Posting{
				PaymentID: p.ID, ShiftID: p.ShiftID, AssignmentID: po.AssignmentID,
				Type: ledger.PayoutInitiated, Amount: domain.Zero(amount.Currency),
				Key:   ledger.Key{Provider: p.Provider, Ref: po.ID, Type: ledger.PayoutInitiated},
				Actor: domain.System, Memo: ledger.Memo{PayoutID: po.ID, PayoutAmount: &amount, WorkerID: po.Worker.ID},
			})
			return err
		})
		if err != nil {
			return po, err
		}
	}

	po.Attempts++
	po.UpdatedAt = s.now()
	po, err = s.store.UpdatePayout(ctx, po)
	if err != nil {
		return po, err
	}

	// One provider call per attempt, the sweep is the retry loop.
	res, err := s.provider.Transfer(ctx, TransferRequest{
		PayoutID: po.ID, Worker: po.Worker, Amount: po.Amount, IdempotencyKey: po.ID,
	})
	if err != nil {
		return s.failPayout(ctx, po, err.Error())
	}
	if res.Status == TransferSucceeded {
		return s.completePayout(ctx, po, res.Ref)
	}
	po.Status = PayoutInitiated
	po.ProviderRef = res.Ref
	po.NextAttemptAt = s.now().Add(s.cfg.backoff(po.Attempts))
	po.UpdatedAt = s.now()
	return s.store.UpdatePayout(ctx, po)
}

func (s *Service) completePayout(ctx context.Context, po Payout, ref string) (Payout, error) {
	var out Payout
	err := s.store.WithTx(ctx, func(tx Store) error {
		cur, err := tx.GetPayout(ctx, po.ID)
		if err != nil {
			return err
		}
		if cur.Status == PayoutSucceeded {
			out = cur
			return nil
		}
		p, err := tx.GetPayment(ctx, cur.PaymentID)
		if err != nil {
			return err
		}
		amount := cur.Amount
		if _, _, err := post(ctx, s.ledger.Bind(tx.Journal()), ledger.Posting{
			PaymentID: p.ID, ShiftID: p.ShiftID, AssignmentID: cur.AssignmentID,
			Type: ledger.PayoutSucceeded, Amount: domain.Zero(amount.Currency),
			Key:   ledger.Key{Provider: p.Provider, Ref: ref, Type: ledger.PayoutSucceeded},
			Actor: domain.System, Memo: ledger.Memo{PayoutID: cur.ID, PayoutAmount: &amount, Attempt: cur.Attempts, WorkerID: cur.Worker.ID},
		}); err != nil {
			return err
		}
		cur.Status = PayoutSucceeded
		cur.ProviderRef = ref
		cur.LastError = ""
		cur.UpdatedAt = s.now()
		out, err = tx.UpdatePayout(ctx, cur)
		return err
	})
	if err != nil {
		return po, err
	}
	amount := out.Amount
	s.notify(ctx, notify.Event{
		Type: notify.PayoutCompleted, Recipient: out.Worker, ShiftID: out.ShiftID,
		AssignmentID: out.AssignmentID, PaymentID: out.PaymentID, Amount: &amount,
	})
	return out, nil
}

func (s *Service) failPayout(ctx context.Context, po Payout, reason string) (Payout, error) {
	var out Payout
	err := s.store.WithTx(ctx, func(tx Store) error {
		cur, err := tx.GetPayout(ctx, po.ID)
		if err != nil {
			return err
		}
		if cur.Status == PayoutSucceeded || cur.Status == PayoutManualReview {
			out = cur
			return nil
		}
		p, err := tx.GetPayment(ctx, cur.PaymentID)
		if err != nil {
			return err
		}
		amount := cur.Amount
		if _, _, err := post(ctx, s.ledger.Bind(tx.Journal()), ledger.Posting{
			PaymentID: p.ID, ShiftID: p.ShiftID, AssignmentID: cur.AssignmentID,
			Type: ledger.PayoutFailed, Amount: domain.Zero(amount.Currency),
			Key:   ledger.Key{Provider: p.Provider, Ref: fmt.Sprintf("%s#%d", cur.ID, cur.Attempts), Type: ledger.PayoutFailed},
			Actor: domain.System,
			Memo:  ledger.Memo{PayoutID: cur.ID, PayoutAmount: &amount, Attempt: cur.Attempts, Reason: reason, WorkerID: cur.Worker.ID},
		}); err != nil {
			return err
		}
		cur.LastError = reason
		cur.UpdatedAt = s.now()
		if cur.Attempts >= cur.MaxAttempts {
			cur.Status = PayoutManualReview
		} else {
			cur.Status = PayoutFailed
			cur.NextAttemptAt = s.now().Add(s.cfg.backoff(cur.Attempts))
		}
		out, err = tx.UpdatePayout(ctx, cur)
		return err
	})
	if err != nil {
		return po, err
	}

	if out.Status == PayoutManualReview {
		s.logger.ErrorContext(ctx, "payout escalated to manual review",
			"operation", "payout", "outcome", "manual_review",
			"payout_id", out.ID, "payment_id", out.PaymentID, "attempts", out.Attempts, "error", reason)
		amount := out.Amount
		s.notify(ctx, notify.Event{
			Type: notify.PayoutManualReview, Recipient: notify.Operations, ShiftID: out.ShiftID,
			AssignmentID: out.AssignmentID, PaymentID: out.PaymentID, Amount: &amount, Detail: reason,
		})
	} else {
		s.logger.WarnContext(ctx, "payout attempt failed",
			"operation", "payout", "outcome", "retry_scheduled",
			"payout_id", out.ID, "attempts", out.Attempts, "next_attempt_at", out.NextAttemptAt, "error", reason)
	}
	return out, nil
}

// RetryPayout grants a payout in manual review another round of
// attempts. Only administrators may do so.
func (s *Service) RetryPayout(ctx context.Context, payoutID string, by domain.Party) (Payout, error) {
	if by.Kind != domain.PartyAdmin {
		return Payout{}, domain.ErrForbidden
	}
	po, err := s.store.GetPayout(ctx, payoutID)
	if err != nil {
		return Payout{}, err
	}
	if po.Status != PayoutManualReview {
		return Payout{}, &domain.TransitionError{Aggregate: "payout", From: string(po.Status), To: string(PayoutFailed)}
	}
	po.Status = PayoutFailed
	po.MaxAttempts = po.Attempts + s.cfg.PayoutMaxAttempts
	po.NextAttemptAt = s.now()
	po.UpdatedAt = s.now()
	return s.store.UpdatePayout(ctx, po)
}
