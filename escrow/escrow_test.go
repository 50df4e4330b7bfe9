package escrow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/escrow"
	"github.com/warp/shift-engine/ledger"
	"github.com/warp/shift-engine/notify"
	"github.com/warp/shift-engine/provider"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc      *escrow.Service
	sandbox  *provider.Sandbox
	notes    *notify.Recorder
	clock    *clock
	business domain.Party
}

func newFixture(t *testing.T, mutate ...func(*escrow.Config)) *fixture {
	t.Helper()
	cfg := escrow.DefaultConfig()
	cfg.ProviderBackoff = 0
	for _, m := range mutate {
		m(&cfg)
	}
	c := &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	sb := provider.NewSandbox("sandbox")
	rec := notify.NewRecorder()
	return &fixture{
		svc:      escrow.NewService(escrow.NewMemoryStore(), sb, rec, cfg, c.Now, nil),
		sandbox:  sb,
		notes:    rec,
		clock:    c,
		business: domain.Business("biz-1"),
	}
}

func usd(minor int64) domain.Money { return domain.NewMoney(minor, "USD") }

func (f *fixture) hold(t *testing.T, amount int64) escrow.Payment {
	t.Helper()
	p, err := f.svc.Hold(context.Background(), escrow.HoldRequest{ShiftID: "shf-1", Business: f.business, Amount: usd(amount)})
	require.NoError(t, err)
	return p
}

func entryTypes(t *testing.T, f *fixture, paymentID string) []ledger.EntryType {
	t.Helper()
	entries, err := f.svc.Ledger(context.Background(), paymentID)
	require.NoError(t, err)
	out := make([]ledger.EntryType, len(entries))
	for i, e := range entries {
		out[i] = e.Type
	}
	return out
}

// =============================================================================
// HOLD
// =============================================================================

func TestHold_CapturesIntoEscrow(t *testing.T) {
	f := newFixture(t)

	p := f.hold(t, 13143)

	assert.Equal(t, escrow.PaymentInEscrow, p.Status)
	assert.Equal(t, usd(13143), p.Captured)
	bal, err := f.svc.Balance(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, usd(13143), bal)
	assert.Len(t, f.notes.ByType(notify.PaymentCaptured), 1)

	again := f.hold(t, 13143)
	assert.Equal(t, p.ID, again.ID, "second hold for the shift returns the existing payment")
	assert.Equal(t, []ledger.EntryType{ledger.EscrowCaptured}, entryTypes(t, f, p.ID))
}

func TestHold_RetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.sandbox.FailNext(provider.OpCapture, 2)

	p := f.hold(t, 1000)

	assert.Equal(t, escrow.PaymentInEscrow, p.Status)
	assert.Equal(t, 3, f.sandbox.Calls(provider.OpCapture))
}

func TestHold_DeclineFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.sandbox.Decline(provider.OpCapture, true)

	_, err := f.svc.Hold(context.Background(), escrow.HoldRequest{ShiftID: "shf-1", Business: f.business, Amount: usd(1000)})

	assert.ErrorIs(t, err, domain.ErrPaymentProvider)
	assert.ErrorIs(t, err, escrow.ErrDeclined)
	assert.Equal(t, 1, f.sandbox.Calls(provider.OpCapture))
}

func TestRecordCapture_WebhookReplayIsNoop(t *testing.T) {
	f := newFixture(t)
	p := f.hold(t, 1000)

	ev := escrow.ProviderEvent{ID: "evt-1", Type: escrow.EventPaymentCaptured, PaymentID: p.ID, Ref: p.CaptureRef, Amount: usd(1000)}
	require.NoError(t, f.svc.HandleEvent(context.Background(), ev))
	require.NoError(t, f.svc.HandleEvent(context.Background(), ev))

	got, err := f.svc.Payment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, usd(1000), got.Captured)
	assert.Len(t, entryTypes(t, f, p.ID), 1)
}

func TestTopUp_AddsCaptureEntry(t *testing.T) {
	f := newFixture(t)
	p := f.hold(t, 1000)

	p, err := f.svc.TopUp(context.Background(), p.ID, usd(250), "reprice-1")
	require.NoError(t, err)

	assert.Equal(t, usd(1250), p.Captured)
	bal, _ := f.svc.Balance(context.Background(), p.ID)
	assert.Equal(t, usd(1250), bal)
}

// =============================================================================
// SETTLE
// =============================================================================

func TestSettle_ReleaseFeeAndRefundRemainder(t *testing.T) {
	// GIVEN: 131.43 held for one 75.00 slot with 44.48 fee and VAT
	f := newFixture(t)
	ctx := context.Background()
	p := f.hold(t, 13143)

	// WHEN: released after verification
	st := escrow.Settlement{
		PaymentID: p.ID,
		Reference: "release",
		Disbursements: []escrow.Disbursement{{
			AssignmentID: "asg-1", Worker: domain.Worker("w-1"), Type: ledger.EscrowReleased,
			Amount: usd(7500), Fee: usd(4448),
		}},
		RefundRemainder: true,
		Actor:           domain.System,
	}
	p, err := f.svc.Settle(ctx, st)
	require.NoError(t, err)

	// THEN: the payment is closed with a zero balance and one payout due
	assert.Equal(t, escrow.PaymentReleased, p.Status)
	sum, err := f.svc.Verify(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, sum.Balance.IsZero())
	assert.Equal(t, usd(1195), sum.Totals[ledger.RefundCompleted])
	assert.Equal(t, []ledger.EntryType{
		ledger.EscrowCaptured, ledger.FeeDeducted, ledger.EscrowReleased, ledger.RefundCompleted,
	}, entryTypes(t, f, p.ID))

	payouts, err := f.svc.Payouts(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, usd(7500), payouts[0].Amount)
	assert.Equal(t, escrow.PayoutPending, payouts[0].Status)

	// AND: settling a closed payment is refused without new entries
	_, err = f.svc.Settle(ctx, st)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Len(t, entryTypes(t, f, p.ID), 4)
}

func TestSettle_PartialReleaseIsReplaySafe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.hold(t, 20000)

	st := escrow.Settlement{
		PaymentID: p.ID, Reference: "release",
		Disbursements: []escrow.Disbursement{{AssignmentID: "asg-1", Worker: domain.Worker("w-1"), Type: ledger.EscrowReleased, Amount: usd(5000), Fee: usd(1000)}},
		Actor:         domain.System,
	}
	_, err := f.svc.Settle(ctx, st)
	require.NoError(t, err)
	again, err := f.svc.Settle(ctx, st)
	require.NoError(t, err)

	assert.Equal(t, escrow.PaymentInEscrow, again.Status)
	bal, _ := f.svc.Balance(ctx, p.ID)
	assert.Equal(t, usd(14000), bal)
	payouts, _ := f.svc.Payouts(ctx, p.ID)
	assert.Len(t, payouts, 1)
}

func TestSettle_FullRefundOnEarlyCancellation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.hold(t, 13143)

	p, err := f.svc.Settle(ctx, escrow.Settlement{
		PaymentID: p.ID, Reference: "cancel", RefundRemainder: true, Actor: f.business, Reason: "business_cancellation",
	})
	require.NoError(t, err)

	assert.Equal(t, escrow.PaymentRefunded, p.Status)
	entries, _ := f.svc.Ledger(ctx, p.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.RefundCompleted, entries[1].Type)
	assert.Equal(t, usd(-13143), entries[1].Amount)
}

func TestSettle_RefundFailureEscalates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.hold(t, 1000)
	f.sandbox.FailAlways(provider.OpRefund, true)

	_, err := f.svc.Settle(ctx, escrow.Settlement{PaymentID: p.ID, Reference: "cancel", RefundRemainder: true, Actor: f.business})

	assert.ErrorIs(t, err, domain.ErrPaymentProvider)
	got, _ := f.svc.Payment(ctx, p.ID)
	assert.Equal(t, escrow.PaymentManualReview, got.Status)
	assert.NotEmpty(t, f.notes.ByType(notify.PayoutManualReview))
}

func TestSettle_OverdrawIsInvariantViolation(t *testing.T) {
	f := newFixture(t)
	p := f.hold(t, 1000)

	_, err := f.svc.Settle(context.Background(), escrow.Settlement{
		PaymentID: p.ID, Reference: "release",
		Disbursements: []escrow.Disbursement{{AssignmentID: "asg-1", Worker: domain.Worker("w-1"), Type: ledger.EscrowReleased, Amount: usd(900), Fee: usd(200)}},
	})

	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	assert.Len(t, entryTypes(t, f, p.ID), 1, "failed settlement rolls back every line")
	payouts, _ := f.svc.Payouts(context.Background(), p.ID)
	assert.Empty(t, payouts)
}

// =============================================================================
// PAYOUTS
// =============================================================================

func releaseOne(t *testing.T, f *fixture) escrow.Payment {
	t.Helper()
	p := f.hold(t, 13143)
	p, err := f.svc.Settle(context.Background(), escrow.Settlement{
		PaymentID: p.ID, Reference: "release",
		Disbursements: []escrow.Disbursement{{AssignmentID: "asg-1", Worker: domain.Worker("w-1"), Type: ledger.EscrowReleased, Amount: usd(7500), Fee: usd(4448)}},
		RefundRemainder: true,
	})
	require.NoError(t, err)
	return p
}

func TestProcessPayouts_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := releaseOne(t, f)

	report, err := f.svc.ProcessPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	types := entryTypes(t, f, p.ID)
	assert.Equal(t, []ledger.EntryType{ledger.PayoutInitiated, ledger.PayoutSucceeded}, types[4:])
	assert.Len(t, f.notes.ByType(notify.PayoutCompleted), 1)

	report, err = f.svc.ProcessPayouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted, "succeeded payouts are not due")
}

func TestProcessPayouts_RetryThenManualReview(t *testing.T) {
	// GIVEN: transfers keep failing and the cap is 3 attempts
	f := newFixture(t, func(c *escrow.Config) { c.PayoutMaxAttempts = 3 })
	ctx := context.Background()
	p := releaseOne(t, f)
	f.sandbox.FailAlways(provider.OpTransfer, true)

	// WHEN: sweeping until the payout is no longer due
	for i := 0; i < 5; i++ {
		_, err := f.svc.ProcessPayouts(ctx)
		require.NoError(t, err)
		f.clock.Advance(24 * time.Hour)
	}

	// THEN: the payout is parked in manual review after exactly 3 attempts
	payouts, _ := f.svc.Payouts(ctx, p.ID)
	require.Len(t, payouts, 1)
	assert.Equal(t, escrow.PayoutManualReview, payouts[0].Status)
	assert.Equal(t, 3, payouts[0].Attempts)
	assert.Len(t, f.notes.ByType(notify.PayoutManualReview), 1)

	// AND: retries never re-debit the escrow
	sum, err := f.svc.Verify(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, sum.Balance.IsZero())
	var failed, initiated int
	for _, ty := range entryTypes(t, f, p.ID) {
		switch ty {
		case ledger.PayoutFailed:
			failed++
		case ledger.PayoutInitiated:
			initiated++
		}
	}
	assert.Equal(t, 3, failed)
	assert.Equal(t, 1, initiated)

	// AND: an admin can grant another round once the provider recovers
	_, err = f.svc.RetryPayout(ctx, payouts[0].ID, domain.Worker("w-1"))
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.RetryPayout(ctx, payouts[0].ID, domain.Admin("ops"))
	require.NoError(t, err)
	f.sandbox.FailAlways(provider.OpTransfer, false)
	report, err := f.svc.ProcessPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
}

func TestProcessPayouts_BackoffDelaysNextAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := releaseOne(t, f)
	f.sandbox.FailNext(provider.OpTransfer, 1)

	report, err := f.svc.ProcessPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	report, err = f.svc.ProcessPayouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted, "not due before backoff elapses")

	f.clock.Advance(5 * time.Minute)
	report, err = f.svc.ProcessPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	payouts, _ := f.svc.Payouts(ctx, p.ID)
	assert.Equal(t, 2, payouts[0].Attempts)
}

type memoryDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memoryDedup) Seen(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[id], nil
}

func (d *memoryDedup) Mark(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[id] = true
	return nil
}

func TestAsyncTransfer_CompletedByWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.SetDeduplicator(&memoryDedup{seen: map[string]bool{}})
	f.sandbox.AsyncTransfers(true)
	p := releaseOne(t, f)

	report, err := f.svc.ProcessPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pending)

	payouts, _ := f.svc.Payouts(ctx, p.ID)
	ev, err := f.sandbox.SettleTransfer(payouts[0].ID, true)
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleEvent(ctx, ev))
	require.NoError(t, f.svc.HandleEvent(ctx, ev))

	payouts, _ = f.svc.Payouts(ctx, p.ID)
	assert.Equal(t, escrow.PayoutSucceeded, payouts[0].Status)
	count := 0
	for _, ty := range entryTypes(t, f, p.ID) {
		if ty == ledger.PayoutSucceeded {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestHandleEvent_RejectsMalformed(t *testing.T) {
	f := newFixture(t)
	err := f.svc.HandleEvent(context.Background(), escrow.ProviderEvent{ID: "e", Ref: "r", Type: "charge.disputed"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = f.svc.HandleEvent(context.Background(), escrow.ProviderEvent{ID: "e", Ref: "r", Type: escrow.EventPayoutSucceeded})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

// =============================================================================
// ADJUST
// =============================================================================

func TestAdjust_SplitWritesCompensatingEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.hold(t, 13143)

	entries, err := f.svc.Adjust(ctx, escrow.Adjustment{
		PaymentID: p.ID, DisputeID: "dsp-1", AssignmentID: "asg-1", Worker: domain.Worker("w-1"),
		WorkerPayout: usd(500), BusinessRefund: usd(300), Actor: domain.Admin("ops"),
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, ledger.DisputeAdjustment, e.Type)
	}

	refunded, err := f.svc.AdjustedAgainst(ctx, p.ID, "asg-1")
	require.NoError(t, err)
	assert.Equal(t, usd(300), refunded)

	// a refund.completed webhook for the dispute refund books nothing more
	refundRef := entries[1].IdempotencyKey[len("sandbox:") : len(entries[1].IdempotencyKey)-len(":dispute_adjustment")]
	require.NoError(t, f.svc.HandleEvent(ctx, escrow.ProviderEvent{
		ID: "evt-r", Type: escrow.EventRefundCompleted, PaymentID: p.ID, Ref: refundRef, Amount: usd(300),
	}))
	bal, _ := f.svc.Balance(ctx, p.ID)
	assert.Equal(t, usd(13143-800), bal)

	payouts, _ := f.svc.Payouts(ctx, p.ID)
	require.Len(t, payouts, 1)
	assert.Equal(t, ledger.DisputeAdjustment, payouts[0].Source)
}

func TestAdjust_NoAdjustmentWritesOneZeroEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.hold(t, 1000)

	a := escrow.Adjustment{PaymentID: p.ID, DisputeID: "dsp-2", AssignmentID: "asg-1", Worker: domain.Worker("w-1"), Actor: domain.Admin("ops")}
	entries, err := f.svc.Adjust(ctx, a)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Amount.IsZero())

	_, err = f.svc.Adjust(ctx, a)
	require.NoError(t, err)
	assert.Len(t, entryTypes(t, f, p.ID), 2)
}
