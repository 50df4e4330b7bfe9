package escrow

import (
	"context"
	"errors"

	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/ledger"
)

// =============================================================================
// PROVIDER EVENTS - At-least-once webhook delivery
// =============================================================================

type EventType string

const (
	EventPaymentCaptured EventType = "payment.captured"
	EventPayoutSucceeded EventType = "payout.succeeded"
	EventPayoutFailed    EventType = "payout.failed"
	EventRefundCompleted EventType = "refund.completed"
)

type ProviderEvent struct {
	ID        string       `json:"id"`
	Type      EventType    `json:"type"`
	PaymentID string       `json:"payment_id,omitempty"`
	PayoutID  string       `json:"payout_id,omitempty"`
	Ref       string       `json:"ref"`
	Amount    domain.Money `json:"amount"`
	Reason    string       `json:"reason,omitempty"`
}

func (ev ProviderEvent) Validate() error {
	if ev.ID == "" || ev.Ref == "" {
		return domain.NewValidationError("event", "id and ref are required")
	}
	switch ev.Type {
	case EventPaymentCaptured, EventRefundCompleted:
		if ev.PaymentID == "" {
			return domain.NewValidationError("payment_id", "required for "+string(ev.Type))
		}
	case EventPayoutSucceeded, EventPayoutFailed:
		if ev.PayoutID == "" {
			return domain.NewValidationError("payout_id", "required for "+string(ev.Type))
		}
	default:
		return domain.NewValidationError("type", "unknown event type "+string(ev.Type))
	}
	return nil
}

// Deduplicator short-circuits events seen before. The ledger stays the
// idempotency boundary, a Deduplicator only saves work.
type Deduplicator interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

func (s *Service) SetDeduplicator(d Deduplicator) { s.dedup = d }

// HandleEvent applies one provider event. Replays are accepted silently.
func (s *Service) HandleEvent(ctx context.Context, ev ProviderEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if s.dedup != nil {
		seen, err := s.dedup.Seen(ctx, ev.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "webhook dedup unavailable",
				"operation", "handle_event", "outcome", "degraded", "event_id", ev.ID, "error", err)
		} else if seen {
			return nil
		}
	}

	if err := s.apply(ctx, ev); err != nil {
		s.logger.ErrorContext(ctx, "provider event failed",
			"operation", "handle_event", "outcome", "failure",
			"event_id", ev.ID, "event_type", string(ev.Type), "error", err)
		return err
	}
	s.logger.InfoContext(ctx, "provider event applied",
		"operation", "handle_event", "outcome", "success",
		"event_id", ev.ID, "event_type", string(ev.Type))

	if s.dedup != nil {
		if err := s.dedup.Mark(ctx, ev.ID); err != nil {
			s.logger.WarnContext(ctx, "webhook dedup mark failed",
				"operation", "handle_event", "outcome", "degraded", "event_id", ev.ID, "error", err)
		}
	}
	return nil
}

func (s *Service) apply(ctx context.Context, ev ProviderEvent) error {
	switch ev.Type {
	case EventPaymentCaptured:
		_, err := s.RecordCapture(ctx, ev.PaymentID, ev.Ref, ev.Amount)
		var te *domain.TransitionError
		if errors.As(err, &te) {
			// late capture for a payment that already closed
			return nil
		}
		return err

	case EventPayoutSucceeded:
		po, err := s.store.GetPayout(ctx, ev.PayoutID)
		if err != nil {
			return err
		}
		_, err = s.completePayout(ctx, po, ev.Ref)
		return err

	case EventPayoutFailed:
		po, err := s.store.GetPayout(ctx, ev.PayoutID)
		if err != nil {
			return err
		}
		if po.Status != PayoutInitiated {
			return nil
		}
		reason := ev.Reason
		if reason == "" {
			reason = "provider reported failure"
		}
		_, err = s.failPayout(ctx, po, reason)
		return err

	case EventRefundCompleted:
		return s.recordRefund(ctx, ev)
	}
	return nil
}

// recordRefund books a refund confirmed by webhook unless it was already
// booked, either as a refund or as a dispute adjustment.
func (s *Service) recordRefund(ctx context.Context, ev ProviderEvent) error {
	return s.store.WithTx(ctx, func(tx Store) error {
		p, err := tx.GetPayment(ctx, ev.PaymentID)
		if err != nil {
			return err
		}
		adjKey := ledger.Key{Provider: p.Provider, Ref: ev.Ref, Type: ledger.DisputeAdjustment}.String()
		if _, ok, err := tx.Journal().ByKey(ctx, adjKey); err != nil || ok {
			return err
		}
		_, _, err = post(ctx, s.ledger.Bind(tx.Journal()), ledger.Posting{
			PaymentID: p.ID, ShiftID: p.ShiftID, Type: ledger.RefundCompleted, Amount: ev.Amount,
			Key:   ledger.Key{Provider: p.Provider, Ref: ev.Ref, Type: ledger.RefundCompleted},
			Actor: domain.System, Memo: ledger.Memo{Reason: ev.Reason},
		})
		return err
	})
}
