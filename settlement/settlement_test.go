package settlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/shift-engine/compliance"
	"github.com/warp/shift-engine/dispute"
	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/escrow"
	"github.com/warp/shift-engine/ledger"
	"github.com/warp/shift-engine/notify"
	"github.com/warp/shift-engine/provider"
	"github.com/warp/shift-engine/settlement"
	"github.com/warp/shift-engine/shift"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	posted  = time.Date(2026, time.February, 25, 9, 0, 0, 0, time.UTC)
	monday9 = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	site    = domain.GeoPoint{Lat: 51.5074, Lng: -0.1278}
	acme    = domain.Business("acme")
	ops     = domain.Admin("ops-1")
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fixture struct {
	clock    *testClock
	gate     *compliance.Gate
	sandbox  *provider.Sandbox
	escrow   *escrow.Service
	payments *settlement.EscrowPayments
	shifts   *shift.Service
	disputes *dispute.Service
	coord    *settlement.Coordinator
	notes    *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{t: posted}
	reg := compliance.NewRegistry()
	require.NoError(t, reg.Register(compliance.Jurisdiction{
		Code:                  "GB",
		Timezone:              "UTC",
		Currency:              "GBP",
		MinimumWage:           domain.NewMoney(1144, "GBP"),
		MinimumAge:            18,
		MinRest:               11 * time.Hour,
		MaxDailyMinutes:       13 * 60,
		MaxWeeklyMinutes:      48 * 60,
		OvertimeDailyMinutes:  10 * 60,
		OvertimeWeeklyMinutes: 40 * 60,
		OvertimeMultiplier:    decimal.RequireFromString("1.5"),
		BreakAfterMinutes:     6 * 60,
		BreakMinutes:          30,
		VATRate:               decimal.RequireFromString("0.20"),
	}))
	gate := compliance.NewGate(reg, compliance.NewMemoryStore(), clock.Now, nil)
	notes := notify.NewRecorder()

	cfg := escrow.DefaultConfig()
	cfg.ProviderBackoff = 0
	sb := provider.NewSandbox("sandbox")
	esc := escrow.NewService(escrow.NewMemoryStore(), sb, notes, cfg, clock.Now, nil)
	payments := settlement.NewEscrowPayments(esc)
	shifts := shift.NewService(shift.NewMemoryRepository(), gate, payments, notes, shift.Options{Now: clock.Now})
	disputes := dispute.NewService(dispute.NewMemoryStore(), shifts, esc, notes, dispute.DefaultPolicy(), clock.Now, nil)

	return &fixture{
		clock:    clock,
		gate:     gate,
		sandbox:  sb,
		escrow:   esc,
		payments: payments,
		shifts:   shifts,
		disputes: disputes,
		coord:    settlement.NewCoordinator(shifts, esc, disputes, payments, nil),
		notes:    notes,
	}
}

func (f *fixture) published(t *testing.T) shift.Shift {
	t.Helper()
	ctx := context.Background()
	s, err := f.shifts.CreateShift(ctx, shift.Draft{
		Business:        acme,
		Jurisdiction:    "GB",
		Role:            "barista",
		Title:           "Morning bar",
		Location:        shift.Location{Name: "Soho", Point: site},
		StartsAt:        monday9,
		EndsAt:          monday9.Add(8 * time.Hour),
		RequiredWorkers: 1,
		BaseRate:        domain.NewMoney(1500, "GBP"),
	})
	require.NoError(t, err)
	s, err = f.shifts.Publish(ctx, s.ID, acme)
	require.NoError(t, err)
	return s
}

// clockedOut runs one adult worker through the whole shift.
func (f *fixture) clockedOut(t *testing.T) (shift.Shift, shift.Assignment) {
	t.Helper()
	ctx := context.Background()
	s := f.published(t)
	dob := time.Date(1995, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := f.gate.RecordVerification(ctx, compliance.VerificationResult{WorkerID: "w-1", Check: compliance.CheckIdentity, Status: compliance.CheckPassed, DateOfBirth: &dob})
	require.NoError(t, err)

	w := domain.Worker("w-1")
	a, err := f.shifts.Apply(ctx, s.ID, shift.Application{Worker: w})
	require.NoError(t, err)
	a, err = f.shifts.AcceptApplication(ctx, a.ID, acme)
	require.NoError(t, err)

	f.clock.Set(monday9)
	_, err = f.shifts.ClockIn(ctx, a.ID, shift.ClockEvent{Worker: w, Point: &site})
	require.NoError(t, err)
	f.clock.Set(monday9.Add(8 * time.Hour))
	a, err = f.shifts.ClockOut(ctx, a.ID, shift.ClockEvent{Worker: w, Point: &site})
	require.NoError(t, err)
	s, err = f.shifts.Get(ctx, s.ID)
	require.NoError(t, err)
	return s, a
}

func (f *fixture) entryTypes(t *testing.T, paymentID string) []ledger.EntryType {
	t.Helper()
	entries, err := f.escrow.Ledger(context.Background(), paymentID)
	require.NoError(t, err)
	out := make([]ledger.EntryType, len(entries))
	for i, e := range entries {
		out[i] = e.Type
	}
	return out
}

// =============================================================================
// RELEASE
// =============================================================================

func TestSweep_ReleasesPaysAndFillsShift(t *testing.T) {
	// GIVEN: verified hours, release delay elapsed
	f := newFixture(t)
	ctx := context.Background()
	s, a := f.clockedOut(t)
	_, err := f.shifts.VerifyHours(ctx, s.ID, acme)
	require.NoError(t, err)
	f.clock.Set(monday9.Add(9*time.Hour + time.Minute))

	// WHEN
	r, err := f.coord.Sweep(ctx)

	// THEN: worker paid for 450 billable minutes, remainder refunded
	require.NoError(t, err)
	assert.Equal(t, 1, r.Released)
	assert.Equal(t, 1, r.Payouts.Succeeded)
	assert.Equal(t, 1, r.Paid)

	got, err := f.shifts.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, shift.StatusFilled, got.Status)
	assert.NotNil(t, got.SettledAt)

	asg, err := f.shifts.Assignment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, shift.AssignmentPaid, asg.Status)

	payouts, err := f.escrow.Payouts(ctx, s.PaymentID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, s.Pricing.PayFor(450), payouts[0].Amount)

	pay, err := f.escrow.Payment(ctx, s.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, escrow.PaymentReleased, pay.Status)
	sum, err := f.escrow.Verify(ctx, s.PaymentID)
	require.NoError(t, err)
	assert.True(t, sum.Balance.IsZero())
	assert.ElementsMatch(t, []ledger.EntryType{
		ledger.EscrowCaptured, ledger.FeeDeducted, ledger.EscrowReleased,
		ledger.RefundCompleted, ledger.PayoutInitiated, ledger.PayoutSucceeded,
	}, f.entryTypes(t, s.PaymentID))
}

func TestSweep_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.clockedOut(t)
	_, err := f.shifts.VerifyHours(ctx, s.ID, acme)
	require.NoError(t, err)
	f.clock.Set(monday9.Add(10 * time.Hour))
	_, err = f.coord.Sweep(ctx)
	require.NoError(t, err)
	before := f.entryTypes(t, s.PaymentID)

	r, err := f.coord.Sweep(ctx)

	require.NoError(t, err)
	assert.Equal(t, settlement.Report{}, r)
	assert.Equal(t, before, f.entryTypes(t, s.PaymentID))
	assert.Equal(t, 1, f.sandbox.Calls(provider.OpTransfer))
}

func TestSweep_ReleasesWithoutVerificationAndClosesAfterAutoApproval(t *testing.T) {
	// GIVEN: a completed shift the business never verifies
	f := newFixture(t)
	ctx := context.Background()
	s, a := f.clockedOut(t)

	// WHEN: swept inside the release delay
	f.clock.Set(monday9.Add(8*time.Hour + 30*time.Minute))
	r, err := f.coord.Sweep(ctx)

	// THEN: nothing is released yet
	require.NoError(t, err)
	assert.Equal(t, 0, r.Released)

	// WHEN: swept once the delay after completion has passed
	f.clock.Set(monday9.Add(9*time.Hour + time.Minute))
	r, err = f.coord.Sweep(ctx)

	// THEN: the worker is paid but the payment stays open until the hours are approved
	require.NoError(t, err)
	assert.Equal(t, 1, r.Released)
	assert.Equal(t, 1, r.Payouts.Succeeded)
	assert.Equal(t, 0, r.Paid)
	got, err := f.shifts.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, shift.StatusCompleted, got.Status)
	assert.Nil(t, got.SettledAt)
	asg, err := f.shifts.Assignment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, shift.AssignmentClockedOut, asg.Status)
	assert.NotNil(t, asg.ReleasedAt)
	pay, err := f.escrow.Payment(ctx, s.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, escrow.PaymentInEscrow, pay.Status)

	// WHEN: the auto-approval window elapses
	f.clock.Set(monday9.Add(8*time.Hour + 72*time.Hour))
	r, err = f.coord.Sweep(ctx)

	// THEN: hours are approved, the payment closes and the shift is filled
	require.NoError(t, err)
	assert.Equal(t, 1, r.AutoApproved)
	assert.Equal(t, 0, r.Released, "pay was already released")
	assert.Equal(t, 1, r.Paid)
	got, err = f.shifts.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, shift.StatusFilled, got.Status)
	pay, err = f.escrow.Payment(ctx, s.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, escrow.PaymentReleased, pay.Status)
	sum, err := f.escrow.Verify(ctx, s.PaymentID)
	require.NoError(t, err)
	assert.True(t, sum.Balance.IsZero())
	payouts, err := f.escrow.Payouts(ctx, s.PaymentID)
	require.NoError(t, err)
	assert.Len(t, payouts, 1)
}

// =============================================================================
// DISPUTES
// =============================================================================

func TestRelease_DisputeHoldsPayUntilResolved(t *testing.T) {
	// GIVEN: the business disputes 20.00 of the hours
	f := newFixture(t)
	ctx := context.Background()
	s, a := f.clockedOut(t)
	_, err := f.shifts.VerifyHours(ctx, s.ID, acme)
	require.NoError(t, err)
	d, err := f.disputes.Open(ctx, dispute.OpenRequest{
		AssignmentID: a.ID, By: acme, Category: dispute.CategoryHours, Amount: domain.NewMoney(2000, "GBP"),
	})
	require.NoError(t, err)
	f.clock.Set(monday9.Add(10 * time.Hour))

	// WHEN: the sweep runs with the dispute open
	r, err := f.coord.Sweep(ctx)

	// THEN: nothing leaves escrow
	require.NoError(t, err)
	assert.Equal(t, 0, r.Released)
	pay, err := f.escrow.Payment(ctx, s.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, escrow.PaymentInEscrow, pay.Status)

	// WHEN: resolved for the business, then swept again
	_, err = f.disputes.Resolve(ctx, d.ID, dispute.Resolution{Outcome: dispute.OutcomeBusinessFavor, By: ops})
	require.NoError(t, err)
	r, err = f.coord.Sweep(ctx)

	// THEN: the refund is deducted from the worker's release
	require.NoError(t, err)
	assert.Equal(t, 1, r.Released)
	payouts, err := f.escrow.Payouts(ctx, s.PaymentID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, s.Pricing.PayFor(450).Sub(domain.NewMoney(2000, "GBP")), payouts[0].Amount)
	sum, err := f.escrow.Verify(ctx, s.PaymentID)
	require.NoError(t, err)
	assert.True(t, sum.Balance.IsZero())
}

func TestDispute_WorkerClaimLimitedToHeadroomThenReleases(t *testing.T) {
	// GIVEN: verified hours and the pay still owed out of escrow
	f := newFixture(t)
	ctx := context.Background()
	s, a := f.clockedOut(t)
	_, err := f.shifts.VerifyHours(ctx, s.ID, acme)
	require.NoError(t, err)
	balance, err := f.escrow.Balance(ctx, s.PaymentID)
	require.NoError(t, err)
	owed, err := f.shifts.Outstanding(ctx, s.ID, nil)
	require.NoError(t, err)
	free := balance.Sub(owed.Total())
	require.True(t, free.IsPositive())

	// WHEN: the worker claims the whole escrow
	_, err = f.disputes.Open(ctx, dispute.OpenRequest{
		AssignmentID: a.ID, By: a.Worker, Category: dispute.CategoryPayment, Amount: balance,
	})

	// THEN: refused, the release would be left short
	assert.ErrorIs(t, err, domain.ErrValidation)

	// WHEN: the worker claims exactly what is free and wins
	d, err := f.disputes.Open(ctx, dispute.OpenRequest{
		AssignmentID: a.ID, By: a.Worker, Category: dispute.CategoryPayment, Amount: free,
	})
	require.NoError(t, err)
	d, err = f.disputes.Resolve(ctx, d.ID, dispute.Resolution{Outcome: dispute.OutcomeWorkerFavor, By: ops})
	require.NoError(t, err)
	assert.Equal(t, free, d.Resolution.WorkerPayout)

	f.clock.Set(monday9.Add(10 * time.Hour))
	r, err := f.coord.Sweep(ctx)

	// THEN: full pay is still released and escrow empties exactly
	require.NoError(t, err)
	assert.Equal(t, 1, r.Released)
	assert.Equal(t, 1, r.Paid)
	got, err := f.shifts.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, shift.StatusFilled, got.Status)
	assert.False(t, got.Halted())
	sum, err := f.escrow.Verify(ctx, s.PaymentID)
	require.NoError(t, err)
	assert.True(t, sum.Balance.IsZero())
	assert.Empty(t, f.notes.ByType(notify.InvariantViolation))
}

// =============================================================================
// HALT
// =============================================================================

func TestSweep_InvariantViolationHaltsShiftAndAlertsOperations(t *testing.T) {
	// GIVEN: escrow drained outside the release flow
	f := newFixture(t)
	ctx := context.Background()
	s, a := f.clockedOut(t)
	_, err := f.shifts.VerifyHours(ctx, s.ID, acme)
	require.NoError(t, err)
	balance, err := f.escrow.Balance(ctx, s.PaymentID)
	require.NoError(t, err)
	_, err = f.escrow.Adjust(ctx, escrow.Adjustment{
		PaymentID: s.PaymentID, DisputeID: "manual-1", AssignmentID: a.ID,
		Worker: a.Worker, WorkerPayout: balance, Actor: ops, Reason: "manual_correction",
	})
	require.NoError(t, err)

	// WHEN: the release runs
	f.clock.Set(monday9.Add(10 * time.Hour))
	_, err = f.coord.Sweep(ctx)

	// THEN: the overdraw is refused, the shift halted and operations paged
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	got, err := f.shifts.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.Halted())
	assert.NotEmpty(t, got.HaltReason)
	alerts := f.notes.ByType(notify.InvariantViolation)
	require.Len(t, alerts, 1)
	assert.Equal(t, notify.Operations, alerts[0].Recipient)
	assert.Equal(t, s.ID, alerts[0].ShiftID)

	// WHEN: the next sweep runs
	r, err := f.coord.Sweep(ctx)

	// THEN: the halted shift is skipped
	require.NoError(t, err)
	assert.Equal(t, 0, r.Released)
	assert.Len(t, f.notes.ByType(notify.InvariantViolation), 1)
	due, err := f.shifts.Releasable(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)
	plan, err := f.coord.Release(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, plan.Released)

	// WHEN: resumed
	_, err = f.shifts.Resume(ctx, s.ID, acme)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	got, err = f.shifts.Resume(ctx, s.ID, ops)

	// THEN: the flag is cleared
	require.NoError(t, err)
	assert.False(t, got.Halted())
	assert.Empty(t, got.HaltReason)
}

// =============================================================================
// PAYMENTS ADAPTER
// =============================================================================

func TestEscrowPayments_HoldUsesEscrowAmount(t *testing.T) {
	f := newFixture(t)

	s := f.published(t)

	pay, err := f.escrow.Payment(context.Background(), s.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, escrow.PaymentInEscrow, pay.Status)
	assert.Equal(t, s.Pricing.EscrowAmount, pay.Captured)
}

func TestEscrowPayments_ClosingPlanOnClosedPaymentSucceeds(t *testing.T) {
	// GIVEN: a cancellation with full notice already refunded the escrow
	f := newFixture(t)
	ctx := context.Background()
	s := f.published(t)
	s, err := f.shifts.Cancel(ctx, s.ID, acme, "event moved")
	require.NoError(t, err)
	pay, err := f.escrow.Payment(ctx, s.PaymentID)
	require.NoError(t, err)
	require.Equal(t, escrow.PaymentRefunded, pay.Status)

	// WHEN: the same plan is executed again
	asgs, err := f.shifts.Assignments(ctx, s.ID)
	require.NoError(t, err)
	err = f.payments.Settle(ctx, s, f.shifts.CancellationPlan(s, asgs))

	// THEN
	assert.NoError(t, err)
	assert.Equal(t, 1, f.sandbox.Calls(provider.OpRefund))
}

// =============================================================================
// SCHEDULER
// =============================================================================

func TestMemoryLease_SingleHolder(t *testing.T) {
	clock := &testClock{t: posted}
	lease := settlement.NewMemoryLease(clock.Now)
	ctx := context.Background()

	ok, err := lease.Acquire(ctx, "sweep", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lease.Acquire(ctx, "sweep", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Set(posted.Add(2 * time.Minute))
	ok, err = lease.Acquire(ctx, "sweep", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	require.NoError(t, lease.Release(ctx, "sweep", "a"))
	ok, err = lease.Acquire(ctx, "sweep", "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-holder is ignored")
}

func TestScheduler_RunNowSkipsWhenLeaseHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lease := settlement.NewMemoryLease(f.clock.Now)
	_, err := lease.Acquire(ctx, settlement.LeaseName, "other", time.Hour)
	require.NoError(t, err)
	sched := settlement.NewScheduler(f.coord, lease, nil)

	_, ran, err := sched.RunNow(ctx)

	require.NoError(t, err)
	assert.False(t, ran)
}

func TestScheduler_StartStop(t *testing.T) {
	f := newFixture(t)
	sched := settlement.NewScheduler(f.coord, settlement.NewMemoryLease(f.clock.Now), nil)
	sched.Interval = time.Hour

	sched.Start()
	sched.Start()
	sched.Stop()
	sched.Stop()

	_, ran, err := sched.RunNow(context.Background())
	require.NoError(t, err)
	assert.True(t, ran, "lease is released after each sweep")
}
