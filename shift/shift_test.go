package shift_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/shift-engine/compliance"
	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/notify"
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

type fakePayments struct {
	mu     sync.Mutex
	holds  int
	topUps []domain.Money
	plans  []shift.Plan
}

func (p *fakePayments) Hold(_ context.Context, s shift.Shift) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holds++
	return "pay_" + s.ID, nil
}

func (p *fakePayments) TopUp(_ context.Context, _ shift.Shift, amount domain.Money, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topUps = append(p.topUps, amount)
	return nil
}

func (p *fakePayments) Settle(_ context.Context, _ shift.Shift, plan shift.Plan) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plans = append(p.plans, plan)
	return nil
}

type fixture struct {
	svc   *shift.Service
	clock *testClock
	pay   *fakePayments
	gate  *compliance.Gate
	notes *notify.Recorder
}

func testJurisdiction() compliance.Jurisdiction {
	return compliance.Jurisdiction{
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
		RequiresRightToWork:   true,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := compliance.NewRegistry()
	require.NoError(t, reg.Register(testJurisdiction()))
	clock := &testClock{t: posted}
	gate := compliance.NewGate(reg, compliance.NewMemoryStore(), clock.Now, nil)
	pay := &fakePayments{}
	notes := notify.NewRecorder()
	svc := shift.NewService(shift.NewMemoryRepository(), gate, pay, notes, shift.Options{Now: clock.Now})
	return &fixture{svc: svc, clock: clock, pay: pay, gate: gate, notes: notes}
}

// worker registers a verified adult worker.
func (f *fixture) worker(t *testing.T, id string) domain.Party {
	t.Helper()
	ctx := context.Background()
	dob := time.Date(1995, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := f.gate.RecordVerification(ctx, compliance.VerificationResult{WorkerID: id, Check: compliance.CheckIdentity, Status: compliance.CheckPassed, DateOfBirth: &dob})
	require.NoError(t, err)
	_, err = f.gate.RecordVerification(ctx, compliance.VerificationResult{WorkerID: id, Check: compliance.CheckRightToWork, Status: compliance.CheckPassed})
	require.NoError(t, err)
	return domain.Worker(id)
}

func draft(workers int) shift.Draft {
	return shift.Draft{
		Business:        acme,
		Jurisdiction:    "GB",
		Role:            "barista",
		Title:           "Morning bar",
		Location:        shift.Location{Name: "Soho", Point: site},
		StartsAt:        monday9,
		EndsAt:          monday9.Add(8 * time.Hour),
		RequiredWorkers: workers,
		BaseRate:        domain.NewMoney(1500, "GBP"),
	}
}

// published creates and publishes a shift.
func (f *fixture) published(t *testing.T, workers int) shift.Shift {
	t.Helper()
	ctx := context.Background()
	s, err := f.svc.CreateShift(ctx, draft(workers))
	require.NoError(t, err)
	s, err = f.svc.Publish(ctx, s.ID, acme)
	require.NoError(t, err)
	return s
}

// confirmed applies and accepts one worker per id.
func (f *fixture) confirmed(t *testing.T, s shift.Shift, ids ...string) []shift.Assignment {
	t.Helper()
	ctx := context.Background()
	out := make([]shift.Assignment, 0, len(ids))
	for _, id := range ids {
		a, err := f.svc.Apply(ctx, s.ID, shift.Application{Worker: f.worker(t, id)})
		require.NoError(t, err)
		a, err = f.svc.AcceptApplication(ctx, a.ID, acme)
		require.NoError(t, err)
		out = append(out, a)
	}
	return out
}

func at(p domain.GeoPoint) *domain.GeoPoint { return &p }

// =============================================================================
// PUBLISH
// =============================================================================

func TestPublish_HoldsEscrowAndOpens(t *testing.T) {
	f := newFixture(t)

	s := f.published(t, 1)

	assert.Equal(t, shift.StatusOpen, s.Status)
	assert.Equal(t, "pay_"+s.ID, s.PaymentID)
	assert.Equal(t, 1, f.pay.holds)
	// 8h × 15.00 = 120.00, fee 42.00, VAT 32.40, total 194.40, +10%
	assert.Equal(t, int64(21384), s.Pricing.EscrowAmount.Minor)
	assert.NotNil(t, s.PublishedAt)
	assert.Len(t, f.notes.ByType(notify.ShiftPublished), 1)
}

func TestPublish_TwiceIsAnInvalidTransition(t *testing.T) {
	f := newFixture(t)
	s := f.published(t, 1)

	_, err := f.svc.Publish(context.Background(), s.ID, acme)

	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, 1, f.pay.holds)
}

func TestCreateShift_RejectsBadInput(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*shift.Draft)
	}{
		{"worker as owner", func(d *shift.Draft) { d.Business = domain.Worker("w") }},
		{"ends before start", func(d *shift.Draft) { d.EndsAt = d.StartsAt.Add(-time.Hour) }},
		{"too short", func(d *shift.Draft) { d.EndsAt = d.StartsAt.Add(30 * time.Minute) }},
		{"in the past", func(d *shift.Draft) { d.StartsAt, d.EndsAt = posted.Add(-2*time.Hour), posted.Add(-time.Hour) }},
		{"no workers", func(d *shift.Draft) { d.RequiredWorkers = 0 }},
		{"wrong currency", func(d *shift.Draft) { d.BaseRate = domain.NewMoney(1500, "EUR") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := draft(1)
			tt.mutate(&d)
			_, err := f.svc.CreateShift(context.Background(), d)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestCreateShift_UnknownJurisdiction(t *testing.T) {
	f := newFixture(t)
	d := draft(1)
	d.Jurisdiction = "XX"

	_, err := f.svc.CreateShift(context.Background(), d)

	assert.True(t, domain.IsNotFound(err))
}

// =============================================================================
// APPLY / ACCEPT
// =============================================================================

func TestApply_DeniedWithoutRightToWork(t *testing.T) {
	f := newFixture(t)
	s := f.published(t, 1)

	_, err := f.svc.Apply(context.Background(), s.ID, shift.Application{Worker: domain.Worker("unverified")})

	rule, ok := compliance.IsDenied(err)
	require.True(t, ok)
	assert.Equal(t, compliance.RuleMinimumAge, rule)
}

func TestApply_OneActiveApplicationPerWorker(t *testing.T) {
	f := newFixture(t)
	s := f.published(t, 2)
	w := f.worker(t, "w-1")

	_, err := f.svc.Apply(context.Background(), s.ID, shift.Application{Worker: w})
	require.NoError(t, err)
	_, err = f.svc.Apply(context.Background(), s.ID, shift.Application{Worker: w})

	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
}

func TestAccept_ConcurrentLastSlot_ExactlyOneWins(t *testing.T) {
	// GIVEN: a one-slot shift with two applicants
	f := newFixture(t)
	ctx := context.Background()
	s := f.published(t, 1)
	a1, err := f.svc.Apply(ctx, s.ID, shift.Application{Worker: f.worker(t, "w-1")})
	require.NoError(t, err)
	a2, err := f.svc.Apply(ctx, s.ID, shift.Application{Worker: f.worker(t, "w-2")})
	require.NoError(t, err)

	// WHEN: both are accepted at the same time
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{a1.ID, a2.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.svc.AcceptApplication(ctx, id, acme)
		}(i, id)
	}
	wg.Wait()

	// THEN: one succeeds, the other sees a conflict
	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrConcurrencyConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	got, err := f.svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FilledWorkers)
	assert.Equal(t, shift.StatusAssigned, got.Status)
}

func TestAccept_LastSlotAssignsAndSetsAckDeadline(t *testing.T) {
	f := newFixture(t)
	s := f.published(t, 2)

	asgs := f.confirmed(t, s, "w-1", "w-2")

	got, err := f.svc.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, shift.StatusAssigned, got.Status)
	assert.Equal(t, 2, got.FilledWorkers)
	require.NotNil(t, asgs[0].AckDeadline)
	assert.Equal(t, posted.Add(6*time.Hour), *asgs[0].AckDeadline)
	assert.Len(t, f.notes.ByType(notify.ShiftAssigned), 1)
	assert.Len(t, f.notes.ByType(notify.ApplicationAccepted), 2)
}

func TestAccept_RepriceUpwardTopsUpEscrow(t *testing.T) {
	// GIVEN: a shift published days ahead, accepted 3 hours before start
	f := newFixture(t)
	ctx := context.Background()
	s := f.published(t, 1)
	a, err := f.svc.Apply(ctx, s.ID, shift.Application{Worker: f.worker(t, "w-1")})
	require.NoError(t, err)
	f.clock.Set(monday9.Add(-3 * time.Hour))

	// WHEN
	_, err = f.svc.AcceptApplication(ctx, a.ID, acme)
	require.NoError(t, err)

	// THEN: critical urgency raised the price and the difference was held
	got, err := f.svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.Pricing.EscrowAmount.GreaterThan(s.Pricing.EscrowAmount))
	require.Len(t, f.pay.topUps, 1)
	assert.Equal(t, got.Pricing.EscrowAmount.Sub(s.Pricing.EscrowAmount), f.pay.topUps[0])
}

func TestAccept_OnlyOwnerMayAccept(t *testing.T) {
	f := newFixture(t)
	s := f.published(t, 1)
	a, err := f.svc.Apply(context.Background(), s.ID, shift.Application{Worker: f.worker(t, "w-1")})
	require.NoError(t, err)

	_, err = f.svc.AcceptApplication(context.Background(), a.ID, domain.Business("rival"))

	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestLockSlots_ShrinksHeadcount(t *testing.T) {
	f := newFixture(t)
	s := f.published(t, 3)
	f.confirmed(t, s, "w-1")

	got, err := f.svc.LockSlots(context.Background(), s.ID, acme)

	require.NoError(t, err)
	assert.Equal(t, shift.StatusAssigned, got.Status)
	assert.Equal(t, 1, got.RequiredWorkers)
}

func TestCancelAssignment_ReopensAssignedShift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.published(t, 1)
	asgs := f.confirmed(t, s, "w-1")
	_, err := f.svc.Apply(ctx, s.ID, shift.Application{Worker: f.worker(t, "w-2")})
	require.ErrorIs(t, err, domain.ErrInvalidTransition, "assigned shifts take no applications")

	_, err = f.svc.CancelAssignment(ctx, asgs[0].ID, domain.Worker("w-1"), "sick")
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, shift.StatusOpen, got.Status)
	assert.Equal(t, 0, got.FilledWorkers)
}

func TestCancelAssignment_RecordsWhoCancelledAndNotice(t *testing.T) {
	// GIVEN: a confirmed worker five days before the start
	f := newFixture(t)
	ctx := context.Background()
	s := f.published(t, 2)
	asgs := f.confirmed(t, s, "w-1", "w-2")

	// WHEN: one worker drops out and the business releases the other
	byWorker, err := f.svc.CancelAssignment(ctx, asgs[0].ID, domain.Worker("w-1"), "sick")
	require.NoError(t, err)
	byBusiness, err := f.svc.CancelAssignment(ctx, asgs[1].ID, acme, "overstaffed")
	require.NoError(t, err)

	// THEN: each cancellation names its side and the notice given
	require.NotNil(t, byWorker.Cancellation)
	assert.Equal(t, shift.CancelledByWorker, byWorker.Cancellation.Type)
	assert.Equal(t, domain.Worker("w-1"), byWorker.Cancellation.By)
	assert.Equal(t, "sick", byWorker.Cancellation.Reason)
	assert.Equal(t, monday9.Sub(posted), byWorker.Cancellation.Notice)
	require.NotNil(t, byBusiness.Cancellation)
	assert.Equal(t, shift.CancelledByBusiness, byBusiness.Cancellation.Type)

	// WHEN: a worker tries to cancel someone else's assignment
	others := f.confirmed(t, s, "w-3")
	_, err = f.svc.CancelAssignment(ctx, others[0].ID, domain.Worker("w-1"), "swap")

	// THEN
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

// =============================================================================
// ACKNOWLEDGEMENT
// =============================================================================

func TestExpireAcknowledgements_ReopensSlotAndOffersNext(t *testing.T) {
	// GIVEN: w-1 confirmed but silent, w-2 waiting
	f := newFixture(t)
	ctx := context.Background()
	s := f.published(t, 2)
	asgs := f.confirmed(t, s, "w-1")
	w2, err := f.svc.Apply(ctx, s.ID, shift.Application{Worker: f.worker(t, "w-2")})
	require.NoError(t, err)

	// WHEN: the acknowledgement window lapses
	f.clock.Set(posted.Add(6*time.Hour + time.Minute))
	n, err := f.svc.ExpireAcknowledgements(ctx)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	a, err := f.svc.Assignment(ctx, asgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, shift.AssignmentCancelled, a.Status)
	got, err := f.svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.FilledWorkers)
	offers := f.notes.ByType(notify.SlotAvailable)
	require.Len(t, offers, 1)
	assert.Equal(t, w2.ID, offers[0].AssignmentID)

	// AND: a second sweep does nothing
	n, err = f.svc.ExpireAcknowledgements(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAcknowledge_WithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.published(t, 1)
	asgs := f.confirmed(t, s, "w-1")

	a, err := f.svc.Acknowledge(ctx, asgs[0].ID, domain.Worker("w-1"))
	require.NoError(t, err)
	assert.NotNil(t, a.AcknowledgedAt)

	f.clock.Set(posted.Add(7 * time.Hour))
	n, err := f.svc.ExpireAcknowledgements(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// =============================================================================
// CLOCK IN / OUT
// =============================================================================

func TestClockIn_Lateness(t *testing.T) {
	// GIVEN: two confirmed workers
	f := newFixture(t)
	ctx := context.Background()
	s := f.published(t, 2)
	asgs := f.confirmed(t, s, "w-1", "w-2")
	f.clock.Set(monday9.Add(40 * time.Minute))

	// WHEN: one arrives 30 minutes late, the other 35
	a1, err := f.svc.ClockIn(ctx, asgs[0].ID, shift.ClockEvent{Worker: domain.Worker("w-1"), At: monday9.Add(30 * time.Minute), Point: at(site)})
	require.NoError(t, err)
	a2, err := f.svc.ClockIn(ctx, asgs[1].ID, shift.ClockEvent{Worker: domain.Worker("w-2"), At: monday9.Add(35 * time.Minute), Point: at(site)})
	require.NoError(t, err)

	// THEN: both late, only the second flagged
	assert.True(t, a1.WasLate)
	assert.False(t, a1.LatenessFlagged)
	assert.Equal(t, 30, a1.LateMinutes)
	assert.True(t, a2.WasLate)
	assert.True(t, a2.LatenessFlagged)
	assert.Len(t, f.notes.ByType(notify.ClockInFlagged), 1)

	got, err := f.svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, shift.StatusInProgress, got.Status)
	assert.Contains(t, got.ComplianceFlags, "lateness")
}

func TestClockIn_WithinGraceIsNotLate(t *testing.T) {
	f := newFixture(t)
	s := f.published(t, 1)
	asgs := f.confirmed(t, s, "w-1")
	f.clock.Set(monday9.Add(10 * time.Minute))

	a, err := f.svc.ClockIn(context.Background(), asgs[0].ID, shift.ClockEvent{Worker: domain.Worker("w-1"), Point: at(site)})

	require.NoError(t, err)
	assert.False(t, a.WasLate)
}

func TestClockIn_Rejections(t *testing.T) {
	f := newFixture(t)
	s := f.published(t, 1)
	asgs := f.confirmed(t, s, "w-1")
	w := domain.Worker("w-1")

	tests := []struct {
		name  string
		now   time.Time
		point domain.GeoPoint
		code  shift.ClockCode
	}{
		{"too early", monday9.Add(-20 * time.Minute), site, shift.ClockTooEarly},
		{"too late", monday9.Add(61 * time.Minute), site, shift.ClockTooLate},
		{"outside geofence", monday9, domain.GeoPoint{Lat: 51.52, Lng: -0.1278}, shift.ClockOutsideGeofence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.clock.Set(tt.now)
			_, err := f.svc.ClockIn(context.Background(), asgs[0].ID, shift.ClockEvent{Worker: w, Point: at(tt.point)})
			var ce *shift.ClockError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.code, ce.Code)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestClockIn_OtherWorkerForbidden(t *testing.T) {
	f := newFixture(t)
	s := f.published(t, 1)
	asgs := f.confirmed(t, s, "w-1")
	f.clock.Set(monday9)

	_, err := f.svc.ClockIn(context.Background(), asgs[0].ID, shift.ClockEvent{Worker: domain.Worker("w-9"), Point: at(site)})

	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestClockOut_ComputesHoursAndCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.published(t, 1)
	asgs := f.confirmed(t, s, "w-1")
	w := domain.Worker("w-1")
	f.clock.Set(monday9)
	_, err := f.svc.ClockIn(ctx, asgs[0].ID, shift.ClockEvent{Worker: w, Point: at(site)})
	require.NoError(t, err)

	f.clock.Set(monday9.Add(8*time.Hour + 20*time.Minute))
	a, err := f.svc.ClockOut(ctx, asgs[0].ID, shift.ClockEvent{Worker: w, Point: at(site)})

	require.NoError(t, err)
	assert.Equal(t, shift.Hours{GrossMinutes: 500, BreakMinutes: 30, NetMinutes: 470, BillableMinutes: 470, OvertimeMinutes: 0}, a.Hours)
	assert.False(t, a.LeftEarly)
	got, err := f.svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, shift.StatusCompleted, got.Status)
	assert.Len(t, f.notes.ByType(notify.ShiftCompleted), 1)
}

func TestClockOut_BillableCappedAtScheduledPlusGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.published(t, 1)
	asgs := f.confirmed(t, s, "w-1")
	w := domain.Worker("w-1")
	f.clock.Set(monday9)
	_, err := f.svc.ClockIn(ctx, asgs[0].ID, shift.ClockEvent{Worker: w, Point: at(site)})
	require.NoError(t, err)

	f.clock.Set(monday9.Add(10 * time.Hour))
	a, err := f.svc.ClockOut(ctx, asgs[0].ID, shift.ClockEvent{Worker: w})

	require.NoError(t, err)
	assert.Equal(t, 570, a.Hours.NetMinutes)
	assert.Equal(t, 495, a.Hours.BillableMinutes)
}

// =============================================================================
// VERIFY / RELEASE
// =============================================================================

// worked runs one worker through a full shift and verification.
func (f *fixture) worked(t *testing.T, workers int, ids ...string) (shift.Shift, []shift.Assignment) {
	t.Helper()
	ctx := context.Background()
	s := f.published(t, workers)
	asgs := f.confirmed(t, s, ids...)
	f.clock.Set(monday9)
	_, err := f.svc.ClockIn(ctx, asgs[0].ID, shift.ClockEvent{Worker: asgs[0].Worker, Point: at(site)})
	require.NoError(t, err)
	f.clock.Set(monday9.Add(8 * time.Hour))
	_, err = f.svc.ClockOut(ctx, asgs[0].ID, shift.ClockEvent{Worker: asgs[0].Worker})
	require.NoError(t, err)
	s, err = f.svc.VerifyHours(ctx, s.ID, acme)
	require.NoError(t, err)
	return s, asgs
}

func TestVerifyHours_ThenReleasePlanPaysBillableTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, asgs := f.worked(t, 1, "w-1")

	a, err := f.svc.Assignment(ctx, asgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, shift.AssignmentVerified, a.Status)
	assert.Equal(t, 450, a.Hours.BillableMinutes)

	plan, err := f.svc.ReleasePlan(ctx, s.ID, nil, nil)
	require.NoError(t, err)
	require.Len(t, plan.Lines, 1)
	pay := s.Pricing.PayFor(450)
	assert.Equal(t, int64(11250), pay.Minor)
	assert.Equal(t, pay, plan.Lines[0].Amount)
	assert.Equal(t, s.Pricing.Fees(pay).Retained(), plan.Lines[0].Fee)
	assert.True(t, plan.Close)
	assert.Equal(t, []string{a.ID}, plan.Released)
}

func TestReleasePlan_BeforeVerificationPaysButKeepsPaymentOpen(t *testing.T) {
	// GIVEN: the worker clocked out, nobody has verified
	f := newFixture(t)
	ctx := context.Background()
	s := f.published(t, 1)
	asgs := f.confirmed(t, s, "w-1")
	f.clock.Set(monday9)
	_, err := f.svc.ClockIn(ctx, asgs[0].ID, shift.ClockEvent{Worker: asgs[0].Worker, Point: at(site)})
	require.NoError(t, err)
	f.clock.Set(monday9.Add(8 * time.Hour))
	_, err = f.svc.ClockOut(ctx, asgs[0].ID, shift.ClockEvent{Worker: asgs[0].Worker})
	require.NoError(t, err)

	// WHEN
	plan, err := f.svc.ReleasePlan(ctx, s.ID, nil, nil)

	// THEN: pay goes out, closing waits for approval
	require.NoError(t, err)
	require.Len(t, plan.Lines, 1)
	assert.Equal(t, int64(11250), plan.Lines[0].Amount.Minor)
	assert.Equal(t, []string{asgs[0].ID}, plan.Released)
	assert.False(t, plan.Close)
	assert.Equal(t, "shift_completed", plan.Reason)

	// WHEN: released, then verified
	require.NoError(t, f.svc.MarkReleased(ctx, s.ID, plan.Released))
	_, err = f.svc.VerifyHours(ctx, s.ID, acme)
	require.NoError(t, err)
	plan, err = f.svc.ReleasePlan(ctx, s.ID, nil, nil)

	// THEN: nothing is paid twice and the payment may close
	require.NoError(t, err)
	assert.Empty(t, plan.Lines)
	assert.Empty(t, plan.Released)
	assert.True(t, plan.Close)
}

func TestOutstanding_OwedPayAndCompensation(t *testing.T) {
	// GIVEN: one of two workers turned up
	f := newFixture(t)
	ctx := context.Background()
	s, asgs := f.worked(t, 2, "w-1", "w-2")

	// WHEN
	owed, err := f.svc.Outstanding(ctx, s.ID, nil)

	// THEN: pay, fee and compensation are still owed
	require.NoError(t, err)
	pay := s.Pricing.PayFor(450)
	assert.Equal(t, pay.Add(s.Pricing.Fees(pay).Retained()), owed.Owed(asgs[0].ID))
	assert.True(t, owed.Owed(asgs[1].ID).IsZero())
	assert.Equal(t, owed.Owed(asgs[0].ID).Minor+3000, owed.Total().Minor)
	assert.False(t, owed.Close)

	// WHEN: the pay is released and the shift settled
	require.NoError(t, f.svc.MarkReleased(ctx, s.ID, []string{asgs[0].ID}))
	owed, err = f.svc.Outstanding(ctx, s.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), owed.Total().Minor, "compensation is paid at close")
	_, err = f.svc.MarkSettled(ctx, s.ID)
	require.NoError(t, err)
	owed, err = f.svc.Outstanding(ctx, s.ID, nil)

	// THEN
	require.NoError(t, err)
	assert.True(t, owed.Total().IsZero())
}

func TestHalt_SkipsSweepsUntilResumed(t *testing.T) {
	// GIVEN: a worked shift past the release delay
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.worked(t, 1, "w-1")
	f.clock.Set(monday9.Add(10 * time.Hour))

	// WHEN: halted on an invariant violation
	halted, err := f.svc.Halt(ctx, s.ID, domain.NewInvariant("payment", s.PaymentID, "balance mismatch"))
	require.NoError(t, err)
	again, err := f.svc.Halt(ctx, s.ID, domain.NewInvariant("payment", s.PaymentID, "balance mismatch"))
	require.NoError(t, err)

	// THEN: persisted once, operations told once, no longer releasable
	assert.True(t, halted.Halted())
	assert.Equal(t, halted.HaltedAt, again.HaltedAt)
	alerts := f.notes.ByType(notify.InvariantViolation)
	require.Len(t, alerts, 1)
	assert.Equal(t, notify.Operations, alerts[0].Recipient)
	due, err := f.svc.Releasable(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	// WHEN: resumed by an operator
	_, err = f.svc.Resume(ctx, s.ID, acme)
	require.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.Resume(ctx, s.ID, domain.Admin("ops-1"))
	require.NoError(t, err)

	// THEN
	due, err = f.svc.Releasable(ctx)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestQuote_RoleMinimumWageRaisesRate(t *testing.T) {
	// GIVEN: baristas carry a 16.00 floor above the 15.00 offer
	j := testJurisdiction()
	j.RoleMinimumWage = map[string]domain.Money{"barista": domain.NewMoney(1600, "GBP")}
	reg := compliance.NewRegistry()
	require.NoError(t, reg.Register(j))
	clock := &testClock{t: posted}
	gate := compliance.NewGate(reg, compliance.NewMemoryStore(), clock.Now, nil)
	svc := shift.NewService(shift.NewMemoryRepository(), gate, &fakePayments{}, notify.NewRecorder(), shift.Options{Now: clock.Now})

	// WHEN
	b, err := svc.Quote(context.Background(), draft(1))

	// THEN
	require.NoError(t, err)
	assert.Equal(t, int64(1600), b.MinimumWage.Minor)
}

func TestReleasePlan_DisputedAssignmentHeldBack(t *testing.T) {
	f := newFixture(t)
	s, asgs := f.worked(t, 1, "w-1")

	plan, err := f.svc.ReleasePlan(context.Background(), s.ID, map[string]bool{asgs[0].ID: true}, nil)

	require.NoError(t, err)
	assert.Empty(t, plan.Lines)
	assert.False(t, plan.Close)
}

func TestReleasePlan_NoShowCompensatesWorkers(t *testing.T) {
	// GIVEN: two confirmed, only the first turns up
	f := newFixture(t)
	s, asgs := f.worked(t, 2, "w-1", "w-2")

	missing, err := f.svc.Assignment(context.Background(), asgs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, shift.AssignmentNoShow, missing.Status)

	// WHEN
	plan, err := f.svc.ReleasePlan(context.Background(), s.ID, nil, nil)

	// THEN: a quarter of one slot's pay goes to the worker who came
	require.NoError(t, err)
	require.Len(t, plan.Lines, 2)
	comp := plan.Lines[1]
	assert.Equal(t, shift.LineCompensation, comp.Kind)
	assert.Equal(t, asgs[0].ID, comp.AssignmentID)
	assert.Equal(t, int64(3000), comp.Amount.Minor)
}

func TestReleasePlan_DeductsBusinessAdjustments(t *testing.T) {
	f := newFixture(t)
	s, asgs := f.worked(t, 1, "w-1")

	plan, err := f.svc.ReleasePlan(context.Background(), s.ID, nil, map[string]domain.Money{asgs[0].ID: domain.NewMoney(1250, "GBP")})

	require.NoError(t, err)
	require.Len(t, plan.Lines, 1)
	assert.Equal(t, int64(10000), plan.Lines[0].Amount.Minor)
}

func TestReleasable_WaitsForDelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.worked(t, 1, "w-1")

	due, err := f.svc.Releasable(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	f.clock.Set(monday9.Add(9*time.Hour + time.Minute))
	due, err = f.svc.Releasable(ctx)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestMarkSettled_FillsShiftAndArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, asgs := f.worked(t, 1, "w-1")

	require.NoError(t, f.svc.MarkReleased(ctx, s.ID, []string{asgs[0].ID}))
	got, err := f.svc.MarkSettled(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, shift.StatusFilled, got.Status)

	a, err := f.svc.MarkAssignmentPaid(ctx, asgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, shift.AssignmentPaid, a.Status)

	got, err = f.svc.Archive(ctx, s.ID, acme)
	require.NoError(t, err)
	assert.Equal(t, shift.RecordArchived, got.RecordStatus)
	listed, err := f.svc.List(ctx, shift.Filter{})
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestAutoApprove_AfterWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.published(t, 1)
	asgs := f.confirmed(t, s, "w-1")
	w := domain.Worker("w-1")
	f.clock.Set(monday9)
	_, err := f.svc.ClockIn(ctx, asgs[0].ID, shift.ClockEvent{Worker: w, Point: at(site)})
	require.NoError(t, err)
	f.clock.Set(monday9.Add(8 * time.Hour))
	_, err = f.svc.ClockOut(ctx, asgs[0].ID, shift.ClockEvent{Worker: w})
	require.NoError(t, err)

	f.clock.Set(monday9.Add(8*time.Hour + 71*time.Hour))
	n, err := f.svc.AutoApprove(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Set(monday9.Add(8*time.Hour + 72*time.Hour))
	n, err = f.svc.AutoApprove(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	a, err := f.svc.Assignment(ctx, asgs[0].ID)
	require.NoError(t, err)
	assert.True(t, a.AutoApproved)
	assert.Equal(t, domain.System, *a.VerifiedBy)
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancel_EightyHoursNotice_FullRefund(t *testing.T) {
	// GIVEN: an assigned shift cancelled 80h before start
	f := newFixture(t)
	ctx := context.Background()
	s := f.published(t, 1)
	f.confirmed(t, s, "w-1")
	f.clock.Set(monday9.Add(-80 * time.Hour))

	// WHEN
	got, err := f.svc.Cancel(ctx, s.ID, acme, "event moved")

	// THEN: everything goes back to the business
	require.NoError(t, err)
	assert.Equal(t, shift.StatusCancelled, got.Status)
	assert.NotNil(t, got.SettledAt)
	require.Len(t, f.pay.plans, 1)
	plan := f.pay.plans[0]
	assert.True(t, plan.Close)
	assert.True(t, plan.Fee.IsZero())
	assert.Empty(t, plan.Lines)
}

func TestCancel_MidNotice_RetainsFee(t *testing.T) {
	f := newFixture(t)
	s := f.published(t, 1)
	f.confirmed(t, s, "w-1")
	f.clock.Set(monday9.Add(-48 * time.Hour))

	_, err := f.svc.Cancel(context.Background(), s.ID, acme, "")

	require.NoError(t, err)
	require.Len(t, f.pay.plans, 1)
	assert.Equal(t, s.Pricing.PlatformFee, f.pay.plans[0].Fee)
	assert.Empty(t, f.pay.plans[0].Lines)
}

func TestCancel_LateNotice_PenaltyToConfirmedWorkers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.published(t, 2)
	asgs := f.confirmed(t, s, "w-1")
	_, err := f.svc.Apply(ctx, s.ID, shift.Application{Worker: f.worker(t, "w-2")})
	require.NoError(t, err)
	f.clock.Set(monday9.Add(-10 * time.Hour))

	_, err = f.svc.Cancel(ctx, s.ID, acme, "")

	require.NoError(t, err)
	require.Len(t, f.pay.plans, 1)
	plan := f.pay.plans[0]
	assert.Equal(t, s.Pricing.PlatformFee, plan.Fee)
	require.Len(t, plan.Lines, 1, "only confirmed workers are compensated")
	assert.Equal(t, asgs[0].ID, plan.Lines[0].AssignmentID)
	assert.Equal(t, shift.LinePenalty, plan.Lines[0].Kind)
	assert.Equal(t, s.Pricing.PerWorkerPay().Minor/2, plan.Lines[0].Amount.Minor)
}

func TestCancel_BusinessCannotCancelRunningShift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.published(t, 1)
	asgs := f.confirmed(t, s, "w-1")
	f.clock.Set(monday9)
	_, err := f.svc.ClockIn(ctx, asgs[0].ID, shift.ClockEvent{Worker: domain.Worker("w-1"), Point: at(site)})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, s.ID, acme, "")

	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancel_AdminPaysWorkedTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.published(t, 1)
	asgs := f.confirmed(t, s, "w-1")
	f.clock.Set(monday9)
	_, err := f.svc.ClockIn(ctx, asgs[0].ID, shift.ClockEvent{Worker: domain.Worker("w-1"), Point: at(site)})
	require.NoError(t, err)
	f.clock.Set(monday9.Add(2 * time.Hour))

	_, err = f.svc.Cancel(ctx, s.ID, domain.Admin("ops-1"), "venue closed")

	require.NoError(t, err)
	require.Len(t, f.pay.plans, 1)
	plan := f.pay.plans[0]
	assert.True(t, plan.Fee.IsZero())
	require.Len(t, plan.Lines, 1)
	assert.Equal(t, shift.LinePay, plan.Lines[0].Kind)
	assert.Equal(t, int64(3000), plan.Lines[0].Amount.Minor)
	a, err := f.svc.Assignment(ctx, asgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, shift.AssignmentVerified, a.Status)
	assert.NotNil(t, a.ReleasedAt)
}

func TestCancel_WorkerIsForbidden(t *testing.T) {
	f := newFixture(t)
	s := f.published(t, 1)

	_, err := f.svc.Cancel(context.Background(), s.ID, domain.Worker("w-1"), "")

	assert.ErrorIs(t, err, domain.ErrForbidden)
}

// =============================================================================
// SWEEPS
// =============================================================================

func TestStartDue_CancelsUnfilledAndLocksPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	empty := f.published(t, 1)
	partial := f.published(t, 3)
	f.confirmed(t, partial, "w-1")
	f.clock.Set(monday9)

	n, err := f.svc.StartDue(ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	got, err := f.svc.Get(ctx, empty.ID)
	require.NoError(t, err)
	assert.Equal(t, shift.StatusCancelled, got.Status)
	assert.Equal(t, shift.CancelledBySystem, got.Cancellation.Type)
	got, err = f.svc.Get(ctx, partial.ID)
	require.NoError(t, err)
	assert.Equal(t, shift.StatusAssigned, got.Status)
	assert.Equal(t, 1, got.RequiredWorkers)
}

func TestMarkNoShows_NobodyCameCancelsShift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.published(t, 1)
	asgs := f.confirmed(t, s, "w-1")
	f.clock.Set(monday9.Add(61 * time.Minute))

	n, err := f.svc.MarkNoShows(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	a, err := f.svc.Assignment(ctx, asgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, shift.AssignmentNoShow, a.Status)
	got, err := f.svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, shift.StatusCancelled, got.Status)
	require.Len(t, f.pay.plans, 1)
	assert.Empty(t, f.pay.plans[0].Lines)
}
