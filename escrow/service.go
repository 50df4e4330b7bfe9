package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/ledger"
	"github.com/warp/shift-engine/notify"
)

type Service struct {
	store    Store
	ledger   *ledger.Ledger
	provider Provider
	notifier notify.Notifier
	cfg      Config
	now      domain.Clock
	logger   *slog.Logger
	dedup    Deduplicator

	// sleep waits between provider retries. Tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewService(store Store, provider Provider, notifier notify.Notifier, cfg Config, now domain.Clock, logger *slog.Logger) *Service {
	if now == nil {
		now = domain.SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		store:    store,
		ledger:   ledger.New(store.Journal(), now, logger),
		provider: provider,
		notifier: notifier,
		cfg:      cfg,
		now:      now,
		logger:   logger.With("module", "escrow", "layer", "domain"),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// =============================================================================
// PROVIDER RETRY
// =============================================================================

// call runs fn up to ProviderAttempts times with doubling backoff.
// ErrDeclined and context errors stop immediately.
func (s *Service) call(ctx context.Context, op string, fn func() (Result, error)) (Result, error) {
	attempts := s.cfg.ProviderAttempts
	if attempts < 1 {
		attempts = 1
	}
	wait := s.cfg.ProviderBackoff
	var lastErr error
	for i := 1; i <= attempts; i++ {
		res, err := fn()
		if err == nil {
			return res, nil
		}
		lastErr = err
		if errors.Is(err, ErrDeclined) || ctx.Err() != nil {
			return Result{}, &domain.ProviderError{Op: op, Attempts: i, Err: err}
		}
		s.logger.WarnContext(ctx, "provider call failed",
			"operation", op, "outcome", "retry", "attempt", i, "error", err)
		if i < attempts {
			if err := s.sleep(ctx, wait); err != nil {
				return Result{}, &domain.ProviderError{Op: op, Attempts: i, Err: err}
			}
			wait *= 2
		}
	}
	return Result{}, &domain.ProviderError{Op: op, Attempts: attempts, Err: lastErr}
}

func (s *Service) notify(ctx context.Context, e notify.Event) {
	s.notifier.Notify(ctx, notify.Stamp(e, s.now()))
}

// post appends through the transactional journal and folds replays into
// success. The bool is false for a replay.
func post(ctx context.Context, l *ledger.Ledger, p ledger.Posting) (ledger.Entry, bool, error) {
	e, err := l.Post(ctx, p)
	if errors.Is(err, domain.ErrIdempotentNoop) {
		return e, false, nil
	}
	return e, err == nil, err
}

// =============================================================================
// HOLD - Capture the business payment into escrow
// =============================================================================

type HoldRequest struct {
	ShiftID  string
	Business domain.Party
	Amount   domain.Money
}

// Hold captures amount for a shift. A shift that already holds a
// payment gets it back unchanged.
func (s *Service) Hold(ctx context.Context, req HoldRequest) (Payment, error) {
	if req.ShiftID == "" {
		return Payment{}, domain.NewValidationError("shift_id", "required")
	}
	if !req.Amount.IsPositive() {
		return Payment{}, domain.NewValidationError("amount", "must be positive")
	}
	if existing, ok, err := s.store.PaymentForShift(ctx, req.ShiftID); err != nil {
		return Payment{}, err
	} else if ok && existing.Status != PaymentFailed {
		return existing, nil
	}

	now := s.now()
	p := Payment{
		ID:        domain.NewID("pay"),
		ShiftID:   req.ShiftID,
		Business:  req.Business,
		Provider:  s.provider.Name(),
		Captured:  domain.Zero(req.Amount.Currency),
		Status:    PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return Payment{}, err
	}
	p.Version = 1

	res, err := s.call(ctx, "capture", func() (Result, error) {
		return s.provider.Capture(ctx, CaptureRequest{
			PaymentID: p.ID, Business: req.Business, Amount: req.Amount, IdempotencyKey: p.ID + "#capture",
		})
	})
	if err != nil {
		p.Status = PaymentFailed
		p.UpdatedAt = s.now()
		if _, uerr := s.store.UpdatePayment(ctx, p); uerr != nil {
			return Payment{}, errors.Join(err, uerr)
		}
		s.logger.ErrorContext(ctx, "escrow capture failed",
			"operation", "hold", "outcome", "failure", "payment_id", p.ID, "shift_id", p.ShiftID, "error", err)
		return Payment{}, err
	}
	if res.Status == TransferPending {
		p.CaptureRef = res.Ref
		return s.store.UpdatePayment(ctx, p)
	}
	return s.RecordCapture(ctx, p.ID, res.Ref, req.Amount)
}

// TopUp captures an additional amount for an upward reprice.
func (s *Service) TopUp(ctx context.Context, paymentID string, amount domain.Money, reference string) (Payment, error) {
	if !amount.IsPositive() {
		return Payment{}, domain.NewValidationError("amount", "must be positive")
	}
	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if p.Status != PaymentInEscrow {
		return Payment{}, &domain.TransitionError{Aggregate: "payment", From: string(p.Status), To: "top_up"}
	}
	res, err := s.call(ctx, "capture", func() (Result, error) {
		return s.provider.Capture(ctx, CaptureRequest{
			PaymentID: p.ID, Business: p.Business, Amount: amount, IdempotencyKey: p.ID + "#topup#" + reference,
		})
	})
	if err != nil {
		return Payment{}, err
	}
	return s.RecordCapture(ctx, p.ID, res.Ref, amount)
}

// RecordCapture books a capture confirmed by the provider, synchronously
// or by webhook.
func (s *Service) RecordCapture(ctx context.Context, paymentID, ref string, amount domain.Money) (Payment, error) {
	var out Payment
	err := s.store.WithTx(ctx, func(tx Store) error {
		p, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		switch p.Status {
		case PaymentPending, PaymentInEscrow:
		default:
			return &domain.TransitionError{Aggregate: "payment", From: string(p.Status), To: string(PaymentInEscrow)}
		}
		_, fresh, err := post(ctx, s.ledger.Bind(tx.Journal()), ledger.Posting{
			PaymentID: p.ID,
			ShiftID:   p.ShiftID,
			Type:      ledger.EscrowCaptured,
			Amount:    amount,
			Key:       ledger.Key{Provider: p.Provider, Ref: ref, Type: ledger.EscrowCaptured},
			Actor:     p.Business,
		})
		if err != nil {
			return err
		}
		if !fresh && p.Status == PaymentInEscrow {
			out = p
			return nil
		}
		if p.CaptureRef == "" {
			p.CaptureRef = ref
		}
		if fresh {
			p.Captured = p.Captured.Add(amount)
		}
		p.Status = PaymentInEscrow
		p.UpdatedAt = s.now()
		out, err = tx.UpdatePayment(ctx, p)
		return err
	})
	if err != nil {
		return Payment{}, err
	}
	s.notify(ctx, notify.Event{
		Type: notify.PaymentCaptured, Recipient: out.Business, ShiftID: out.ShiftID, PaymentID: out.ID, Amount: &amount,
	})
	return out, nil
}

// =============================================================================
// SETTLE - Fees, releases, penalties, compensation, remainder refund
// =============================================================================

// Disbursement is money owed to a worker out of the escrow.
type Disbursement struct {
	AssignmentID string
	Worker       domain.Party
	Type         ledger.EntryType // escrow_released, cancellation_penalty or worker_compensation
	Amount       domain.Money
	Fee          domain.Money // platform fee and VAT retained on this line
}

type Settlement struct {
	PaymentID     string
	Reference     string // names the settling action, used for the standalone fee key
	Disbursements []Disbursement
	Fee           domain.Money // fee retained that belongs to no disbursement

	// RefundRemainder returns whatever is still held to the business and
	// closes the payment.
	RefundRemainder bool
	Actor           domain.Party
	Reason          string
}

func (st Settlement) validate() error {
	if st.PaymentID == "" || st.Reference == "" {
		return domain.NewValidationError("settlement", "payment id and reference are required")
	}
	for _, d := range st.Disbursements {
		switch d.Type {
		case ledger.EscrowReleased, ledger.CancellationPenalty, ledger.WorkerCompensation:
		default:
			return domain.NewValidationError("disbursement.type", string(d.Type))
		}
		if d.AssignmentID == "" || d.Worker.Kind != domain.PartyWorker {
			return domain.NewValidationError("disbursement", "assignment and worker are required")
		}
		if d.Amount.IsNegative() || d.Fee.IsNegative() {
			return domain.NewValidationError("disbursement.amount", "must not be negative")
		}
	}
	return nil
}

// Settle books the settlement. Every line has a deterministic key so a
// repeated Settle after a crash books nothing twice.
func (s *Service) Settle(ctx context.Context, st Settlement) (Payment, error) {
	if err := st.validate(); err != nil {
		return Payment{}, err
	}
	var p Payment
	released := 0
	err := s.store.WithTx(ctx, func(tx Store) error {
		var err error
		p, err = tx.GetPayment(ctx, st.PaymentID)
		if err != nil {
			return err
		}
		if p.Status != PaymentInEscrow {
			return &domain.TransitionError{Aggregate: "payment", From: string(p.Status), To: "settle"}
		}
		l := s.ledger.Bind(tx.Journal())

		if st.Fee.IsPositive() {
			if _, _, err := post(ctx, l, ledger.Posting{
				PaymentID: p.ID, ShiftID: p.ShiftID, Type: ledger.FeeDeducted, Amount: st.Fee,
				Key:   ledger.Key{Provider: p.Provider, Ref: p.ref(st.Reference), Type: ledger.FeeDeducted},
				Actor: st.Actor, Memo: ledger.Memo{Reason: st.Reason},
			}); err != nil {
				return err
			}
		}

		for _, d := range st.Disbursements {
			ref := p.ref(d.AssignmentID)
			if d.Fee.IsPositive() {
				if _, _, err := post(ctx, l, ledger.Posting{
					PaymentID: p.ID, ShiftID: p.ShiftID, AssignmentID: d.AssignmentID,
					Type: ledger.FeeDeducted, Amount: d.Fee,
					Key:   ledger.Key{Provider: p.Provider, Ref: ref, Type: ledger.FeeDeducted},
					Actor: st.Actor, Memo: ledger.Memo{Reason: st.Reason, WorkerID: d.Worker.ID},
				}); err != nil {
					return err
				}
			}
			if !d.Amount.IsPositive() {
				continue
			}
			e, fresh, err := post(ctx, l, ledger.Posting{
				PaymentID: p.ID, ShiftID: p.ShiftID, AssignmentID: d.AssignmentID,
				Type: d.Type, Amount: d.Amount,
				Key:   ledger.Key{Provider: p.Provider, Ref: ref, Type: d.Type},
				Actor: st.Actor, Memo: ledger.Memo{Reason: st.Reason, WorkerID: d.Worker.ID},
			})
			if err != nil {
				return err
			}
			if !fresh {
				continue
			}
			if err := tx.CreatePayout(ctx, s.newPayout(p, d.AssignmentID, d.Worker, d.Type, d.Amount, e.ID)); err != nil {
				return err
			}
			released++
		}
		return nil
	})
	if err != nil {
		return Payment{}, err
	}

	s.logger.InfoContext(ctx, "escrow settled",
		"operation", "settle", "outcome", "success",
		"payment_id", p.ID, "shift_id", p.ShiftID, "reference", st.Reference, "payouts", released)
	if released > 0 {
		s.notify(ctx, notify.Event{Type: notify.EscrowReleased, Recipient: p.Business, ShiftID: p.ShiftID, PaymentID: p.ID})
	}
	if !st.RefundRemainder {
		return s.store.GetPayment(ctx, p.ID)
	}
	return s.close(ctx, p.ID, st.Reference, st.Actor)
}

func (s *Service) newPayout(p Payment, assignmentID string, worker domain.Party, source ledger.EntryType, amount domain.Money, entryID string) Payout {
	now := s.now()
	return Payout{
		ID:            "pyt_" + entryID,
		PaymentID:     p.ID,
		ShiftID:       p.ShiftID,
		AssignmentID:  assignmentID,
		Worker:        worker,
		Source:        source,
		Amount:        amount,
		Status:        PayoutPending,
		MaxAttempts:   s.cfg.PayoutMaxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// close refunds what is still held and finalises the payment status.
func (s *Service) close(ctx context.Context, paymentID, reference string, actor domain.Party) (Payment, error) {
	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	balance, err := s.ledger.Balance(ctx, p.ID, p.Captured.Currency)
	if err != nil {
		return Payment{}, err
	}
	if balance.IsPositive() {
		if _, err := s.refund(ctx, p, balance, "refund#"+reference, ledger.Posting{
			Type: ledger.RefundCompleted, Actor: actor, Memo: ledger.Memo{Reason: reference},
		}); err != nil {
			return Payment{}, err
		}
	}

	var out Payment
	err = s.store.WithTx(ctx, func(tx Store) error {
		p, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		sum, err := s.ledger.Bind(tx.Journal()).Verify(ctx, p.ID)
		if err != nil {
			return err
		}
		if !sum.Balance.IsZero() {
			return domain.NewInvariant("payment", p.ID, "balance left after close: "+sum.Balance.String())
		}
		if p.Status == PaymentReleased || p.Status == PaymentRefunded {
			out = p
			return nil
		}
		p.Status = PaymentRefunded
		for _, t := range []ledger.EntryType{ledger.EscrowReleased, ledger.CancellationPenalty, ledger.WorkerCompensation} {
			if sum.Totals[t].IsPositive() {
				p.Status = PaymentReleased
			}
		}
		p.UpdatedAt = s.now()
		out, err = tx.UpdatePayment(ctx, p)
		return err
	})
	return out, err
}

// refund calls the provider and books tpl under the provider's refund
// ref. A failed refund parks the payment in manual review.
func (s *Service) refund(ctx context.Context, p Payment, amount domain.Money, key string, tpl ledger.Posting) (ledger.Entry, error) {
	res, err := s.call(ctx, "refund", func() (Result, error) {
		return s.provider.Refund(ctx, RefundRequest{
			PaymentID: p.ID, CaptureRef: p.CaptureRef, Amount: amount, IdempotencyKey: p.ID + "#" + key,
		})
	})
	if err != nil {
		s.escalatePayment(ctx, p.ID, err)
		return ledger.Entry{}, err
	}
	var e ledger.Entry
	err = s.store.WithTx(ctx, func(tx Store) error {
		var err error
		tpl.PaymentID = p.ID
		tpl.ShiftID = p.ShiftID
		tpl.Amount = amount
		tpl.Key = ledger.Key{Provider: p.Provider, Ref: res.Ref, Type: tpl.Type}
		e, _, err = post(ctx, s.ledger.Bind(tx.Journal()), tpl)
		return err
	})
	if err != nil {
		return ledger.Entry{}, err
	}
	s.notify(ctx, notify.Event{Type: notify.RefundIssued, Recipient: p.Business, ShiftID: p.ShiftID, PaymentID: p.ID, Amount: &amount})
	return e, nil
}

func (s *Service) escalatePayment(ctx context.Context, paymentID string, cause error) {
	err := s.store.WithTx(ctx, func(tx Store) error {
		p, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		p.Status = PaymentManualReview
		p.UpdatedAt = s.now()
		_, err = tx.UpdatePayment(ctx, p)
		return err
	})
	s.logger.ErrorContext(ctx, "payment escalated to manual review",
		"operation", "escalate", "outcome", "manual_review", "payment_id", paymentID, "cause", cause, "error", err)
	s.notify(ctx, notify.Event{Type: notify.PayoutManualReview, Recipient: notify.Operations, PaymentID: paymentID, Detail: cause.Error()})
}

// =============================================================================
// ADJUST - Dispute resolution
// =============================================================================

// ReasonBusinessRefund marks dispute adjustments returned to the business.
const ReasonBusinessRefund = "business_refund"

type Adjustment struct {
	PaymentID      string
	DisputeID      string
	AssignmentID   string
	Worker         domain.Party
	WorkerPayout   domain.Money
	BusinessRefund domain.Money
	Actor          domain.Party
	Reason         string
}

// Adjust books a dispute outcome as compensating entries. An adjustment
// with both amounts zero writes one zero-amount audit entry.
func (s *Service) Adjust(ctx context.Context, a Adjustment) ([]ledger.Entry, error) {
	if a.PaymentID == "" || a.DisputeID == "" {
		return nil, domain.NewValidationError("adjustment", "payment and dispute are required")
	}
	if a.WorkerPayout.IsNegative() || a.BusinessRefund.IsNegative() {
		return nil, domain.NewValidationError("adjustment", "amounts must not be negative")
	}
	p, err := s.store.GetPayment(ctx, a.PaymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != PaymentInEscrow {
		return nil, &domain.TransitionError{Aggregate: "payment", From: string(p.Status), To: "adjust"}
	}
	memo := ledger.Memo{Reason: a.Reason, DisputeID: a.DisputeID, WorkerID: a.Worker.ID}
	var out []ledger.Entry

	if a.WorkerPayout.IsZero() && a.BusinessRefund.IsZero() {
		err := s.store.WithTx(ctx, func(tx Store) error {
			e, _, err := post(ctx, s.ledger.Bind(tx.Journal()), ledger.Posting{
				PaymentID: p.ID, ShiftID: p.ShiftID, AssignmentID: a.AssignmentID,
				Type: ledger.DisputeAdjustment, Amount: domain.Zero(p.Captured.Currency),
				Key:   ledger.Key{Provider: p.Provider, Ref: p.ref(a.DisputeID + "#none"), Type: ledger.DisputeAdjustment},
				Actor: a.Actor, Memo: memo,
			})
			out = append(out, e)
			return err
		})
		return out, err
	}

	if a.WorkerPayout.IsPositive() {
		err := s.store.WithTx(ctx, func(tx Store) error {
			e, fresh, err := post(ctx, s.ledger.Bind(tx.Journal()), ledger.Posting{
				PaymentID: p.ID, ShiftID: p.ShiftID, AssignmentID: a.AssignmentID,
				Type: ledger.DisputeAdjustment, Amount: a.WorkerPayout,
				Key:   ledger.Key{Provider: p.Provider, Ref: p.ref(a.DisputeID + "#worker"), Type: ledger.DisputeAdjustment},
				Actor: a.Actor, Memo: memo,
			})
			if err != nil {
				return err
			}
			out = append(out, e)
			if !fresh {
				return nil
			}
			return tx.CreatePayout(ctx, s.newPayout(p, a.AssignmentID, a.Worker, ledger.DisputeAdjustment, a.WorkerPayout, e.ID))
		})
		if err != nil {
			return out, err
		}
	}

	if a.BusinessRefund.IsPositive() {
		memo.Reason = ReasonBusinessRefund
		e, err := s.refund(ctx, p, a.BusinessRefund, a.DisputeID+"#refund", ledger.Posting{
			AssignmentID: a.AssignmentID, Type: ledger.DisputeAdjustment, Actor: a.Actor, Memo: memo,
		})
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}

	s.logger.InfoContext(ctx, "dispute adjustment booked",
		"operation", "adjust", "outcome", "success",
		"payment_id", p.ID, "dispute_id", a.DisputeID,
		"worker_payout", a.WorkerPayout.Minor, "business_refund", a.BusinessRefund.Minor)
	return out, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) Payment(ctx context.Context, id string) (Payment, error) {
	return s.store.GetPayment(ctx, id)
}

func (s *Service) Payouts(ctx context.Context, paymentID string) ([]Payout, error) {
	return s.store.PayoutsForPayment(ctx, paymentID)
}

// Ledger returns the payment's entries in sequence order.
func (s *Service) Ledger(ctx context.Context, paymentID string) ([]ledger.Entry, error) {
	if _, err := s.store.GetPayment(ctx, paymentID); err != nil {
		return nil, err
	}
	return s.ledger.Entries(ctx, paymentID)
}

func (s *Service) Balance(ctx context.Context, paymentID string) (domain.Money, error) {
	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return domain.Money{}, err
	}
	return s.ledger.Balance(ctx, p.ID, p.Captured.Currency)
}

func (s *Service) Verify(ctx context.Context, paymentID string) (ledger.Summary, error) {
	return s.ledger.Verify(ctx, paymentID)
}

// AdjustedAgainst sums business refunds already booked by disputes on an
// assignment. Release pays the worker that much less.
func (s *Service) AdjustedAgainst(ctx context.Context, paymentID, assignmentID string) (domain.Money, error) {
	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return domain.Money{}, err
	}
	adj, err := s.Adjustments(ctx, paymentID)
	if err != nil {
		return domain.Money{}, err
	}
	if m, ok := adj[assignmentID]; ok {
		return m, nil
	}
	return domain.Zero(p.Captured.Currency), nil
}

// Adjustments returns the business refunds booked by disputes, keyed by
// assignment.
func (s *Service) Adjustments(ctx context.Context, paymentID string) (map[string]domain.Money, error) {
	entries, err := s.Ledger(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.Money)
	for _, e := range entries {
		if e.Type != ledger.DisputeAdjustment || e.Memo.Reason != ReasonBusinessRefund || e.AssignmentID == "" {
			continue
		}
		cur, ok := out[e.AssignmentID]
		if !ok {
			cur = domain.Zero(e.Amount.Currency)
		}
		out[e.AssignmentID] = cur.Add(e.Amount.Abs())
	}
	return out, nil
}
