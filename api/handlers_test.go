/*
handlers_test.go - Tests for API handlers

Tests for:
- Shift lifecycle over HTTP (post, apply, accept, clock, verify, sweep)
- Actor header handling
- Error to status mapping
- Webhook and health endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
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

type testServer struct {
	clock   *testClock
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
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
	esc := escrow.NewService(escrow.NewMemoryStore(), provider.NewSandbox("sandbox"), notes, cfg, clock.Now, nil)
	payments := settlement.NewEscrowPayments(esc)
	shifts := shift.NewService(shift.NewMemoryRepository(), gate, payments, notes, shift.Options{Now: clock.Now})
	disputes := dispute.NewService(dispute.NewMemoryStore(), shifts, esc, notes, dispute.DefaultPolicy(), clock.Now, nil)
	coord := settlement.NewCoordinator(shifts, esc, disputes, payments, nil)
	sched := settlement.NewScheduler(coord, settlement.NewMemoryLease(clock.Now), nil)

	h := NewHandler(shifts, disputes, esc, gate, sched, nil)
	return &testServer{clock: clock, handler: h, router: NewRouter(h, nil)}
}

// do sends body as JSON with the given actor and decodes the response
// into out when out is non-nil.
func (ts *testServer) do(t *testing.T, method, path, actor string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func shiftRequest() CreateShiftRequest {
	return CreateShiftRequest{
		Jurisdiction:    "GB",
		Role:            "barista",
		Title:           "Morning bar",
		Location:        shift.Location{Name: "Soho", Point: site},
		StartsAt:        monday9,
		EndsAt:          monday9.Add(8 * time.Hour),
		RequiredWorkers: 1,
		BaseRate:        domain.NewMoney(1500, "GBP"),
		Publish:         true,
	}
}

func (ts *testServer) verifyAdult(t *testing.T, worker string) {
	t.Helper()
	dob := time.Date(1995, 1, 1, 0, 0, 0, 0, time.UTC)
	code := ts.do(t, http.MethodPost, "/api/workers/"+worker+"/verifications", "", compliance.VerificationResult{
		Check:       compliance.CheckIdentity,
		Status:      compliance.CheckPassed,
		Reference:   "idv-1",
		DateOfBirth: &dob,
	}, nil)
	require.Equal(t, http.StatusOK, code)
}

// =============================================================================
// SHIFT LIFECYCLE
// =============================================================================

func TestCreateShift_PublishHoldsEscrow(t *testing.T) {
	// GIVEN
	ts := newTestServer(t)

	// WHEN: a business posts and publishes in one call
	var s ShiftDTO
	code := ts.do(t, http.MethodPost, "/api/shifts", "business:acme", shiftRequest(), &s)

	// THEN: the shift is open with a captured escrow
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, shift.StatusOpen, s.Status)
	assert.Equal(t, domain.Business("acme"), s.Business)
	require.NotEmpty(t, s.PaymentID)

	var l LedgerDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/payments/"+s.PaymentID+"/ledger", "", nil, &l))
	require.NotEmpty(t, l.Entries)
	assert.Equal(t, ledger.EscrowCaptured, l.Entries[0].Type)
	assert.Equal(t, s.Pricing.EscrowAmount, l.Captured)
	assert.Equal(t, l.Captured, l.Balance)
}

func TestCreateShift_DraftThenPublish(t *testing.T) {
	ts := newTestServer(t)
	req := shiftRequest()
	req.Publish = false

	var s ShiftDTO
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/shifts", "business:acme", req, &s))
	assert.Equal(t, shift.StatusDraft, s.Status)
	assert.Empty(t, s.PaymentID)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/shifts/"+s.ID+"/publish", "business:acme", nil, &s))
	assert.Equal(t, shift.StatusOpen, s.Status)

	var list []ShiftDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/shifts?business=acme&status=open", "", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, s.ID, list[0].ID)
}

// workedShift runs one verified adult worker through a whole shift and
// returns the completed shift and the clocked-out assignment.
func (ts *testServer) workedShift(t *testing.T) (ShiftDTO, AssignmentDTO) {
	t.Helper()
	var s ShiftDTO
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/shifts", "business:acme", shiftRequest(), &s))
	ts.verifyAdult(t, "w-1")

	var a AssignmentDTO
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/shifts/"+s.ID+"/applications", "worker:w-1", ApplyRequest{RankScore: 0.9}, &a))
	require.Equal(t, shift.AssignmentApplied, a.Status)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/assignments/"+a.ID+"/accept", "business:acme", nil, &a))
	require.Equal(t, shift.AssignmentConfirmed, a.Status)

	ts.clock.Set(monday9)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/assignments/"+a.ID+"/clock-in", "worker:w-1", ClockRequest{Point: &site}, &a))
	require.Equal(t, shift.AssignmentClockedIn, a.Status)
	ts.clock.Set(monday9.Add(8 * time.Hour))
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/assignments/"+a.ID+"/clock-out", "worker:w-1", ClockRequest{Point: &site}, &a))
	require.Equal(t, shift.AssignmentClockedOut, a.Status)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/shifts/"+s.ID, "", nil, &s))
	return s, a
}

func TestShiftLifecycle_ThroughSweep(t *testing.T) {
	// GIVEN: a worked shift
	ts := newTestServer(t)
	s, _ := ts.workedShift(t)
	assert.Equal(t, shift.StatusCompleted, s.Status)

	// WHEN: the business verifies and an operator sweeps after the delay
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/shifts/"+s.ID+"/verify", "business:acme", nil, &s))
	ts.clock.Set(monday9.Add(10 * time.Hour))
	var sweep SweepDTO
	code := ts.do(t, http.MethodPost, "/api/admin/sweep", "admin:ops-1", nil, &sweep)

	// THEN: pay is released and paid out, escrow drained
	require.Equal(t, http.StatusOK, code)
	assert.True(t, sweep.Ran)
	assert.Equal(t, 1, sweep.Released)
	assert.Equal(t, 1, sweep.PayoutsSucceeded)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/shifts/"+s.ID, "", nil, &s))
	assert.Equal(t, shift.StatusFilled, s.Status)

	var l LedgerDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/payments/"+s.PaymentID+"/ledger", "", nil, &l))
	assert.True(t, l.Balance.IsZero())
	assert.Equal(t, escrow.PaymentReleased, l.Status)
	require.Len(t, l.Payouts, 1)
	assert.Equal(t, escrow.PayoutSucceeded, l.Payouts[0].Status)

	var asgs []AssignmentDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/shifts/"+s.ID+"/assignments", "", nil, &asgs))
	require.Len(t, asgs, 1)
	assert.Equal(t, shift.AssignmentPaid, asgs[0].Status)
}

func TestApply_UnverifiedWorkerDenied(t *testing.T) {
	// GIVEN: a worker with no date of birth on file
	ts := newTestServer(t)
	var s ShiftDTO
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/shifts", "business:acme", shiftRequest(), &s))

	// WHEN
	var resp ErrorResponse
	code := ts.do(t, http.MethodPost, "/api/shifts/"+s.ID+"/applications", "worker:w-9", ApplyRequest{}, &resp)

	// THEN: compliance denial is unprocessable
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Contains(t, resp.Details, "date of birth")
}

func TestCancelShift_BeforeAssignmentRefundsInFull(t *testing.T) {
	ts := newTestServer(t)
	var s ShiftDTO
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/shifts", "business:acme", shiftRequest(), &s))

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/shifts/"+s.ID+"/cancel", "business:acme", CancelRequest{Reason: "closed"}, &s))
	assert.Equal(t, shift.StatusCancelled, s.Status)

	var l LedgerDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/payments/"+s.PaymentID+"/ledger", "", nil, &l))
	assert.True(t, l.Balance.IsZero())
}

func TestQuoteShift_PricesWithoutStoring(t *testing.T) {
	ts := newTestServer(t)

	var bd struct {
		FinalRate    domain.Money `json:"final_rate"`
		Minutes      int          `json:"minutes"`
		EscrowAmount domain.Money `json:"escrow_amount"`
	}
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/shifts/quote", "business:acme", shiftRequest(), &bd))
	assert.Equal(t, domain.Currency("GBP"), bd.FinalRate.Currency)
	assert.True(t, bd.EscrowAmount.IsPositive())

	var list []ShiftDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/shifts", "", nil, &list))
	assert.Empty(t, list)
}

func TestMarkNoShow_OnlyAfterClockInWindow(t *testing.T) {
	// GIVEN: a confirmed worker who never arrives
	ts := newTestServer(t)
	var s ShiftDTO
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/shifts", "business:acme", shiftRequest(), &s))
	ts.verifyAdult(t, "w-1")
	var a AssignmentDTO
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/shifts/"+s.ID+"/applications", "worker:w-1", ApplyRequest{}, &a))
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/assignments/"+a.ID+"/accept", "business:acme", nil, &a))

	// WHEN: the business reports too early
	ts.clock.Set(monday9.Add(30 * time.Minute))
	early := ts.do(t, http.MethodPost, "/api/assignments/"+a.ID+"/no-show", "business:acme", nil, nil)

	// THEN: rejected, then accepted once the window is over
	assert.Equal(t, http.StatusBadRequest, early)
	ts.clock.Set(monday9.Add(61 * time.Minute))
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/assignments/"+a.ID+"/no-show", "business:acme", nil, &a))
	assert.Equal(t, shift.AssignmentNoShow, a.Status)
}

func TestDispute_OpenReviewResolveClose(t *testing.T) {
	// GIVEN: the business disputes 30.00 of a worked shift
	ts := newTestServer(t)
	s, a := ts.workedShift(t)

	var d DisputeDTO
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/assignments/"+a.ID+"/disputes", "business:acme", OpenDisputeRequest{
		Category:    dispute.CategoryHours,
		Description: "left an hour early",
		Amount:      domain.NewMoney(3000, "GBP"),
	}, &d))
	assert.Equal(t, dispute.StatusOpen, d.Status)
	assert.Equal(t, s.PaymentID, d.PaymentID)

	// WHEN: an admin reviews and resolves for the business
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/disputes/"+d.ID+"/review", "admin:ops-1", ReviewRequest{Action: "assign"}, &d))
	assert.Equal(t, dispute.StatusUnderReview, d.Status)
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, "/api/disputes/"+d.ID+"/review", "worker:w-1", ReviewRequest{Action: "escalate"}, nil))
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/disputes/"+d.ID+"/resolve", "admin:ops-1", ResolveRequest{Outcome: dispute.OutcomeBusinessFavor}, &d))
	assert.Equal(t, dispute.StatusResolved, d.Status)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/disputes/"+d.ID+"/close", "admin:ops-1", nil, &d))

	// THEN: closed, with the refund booked against the escrow
	assert.Equal(t, dispute.StatusClosed, d.Status)
	var l LedgerDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/payments/"+s.PaymentID+"/ledger", "", nil, &l))
	assert.Contains(t, entryTypes(l), ledger.DisputeAdjustment)

	var list []DisputeDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/disputes?shift_id="+s.ID, "", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, d.ID, list[0].ID)
}

func entryTypes(l LedgerDTO) []ledger.EntryType {
	out := make([]ledger.EntryType, len(l.Entries))
	for i, e := range l.Entries {
		out[i] = e.Type
	}
	return out
}

// =============================================================================
// ACTOR AND ERRORS
// =============================================================================

func TestActorHeader(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name  string
		actor string
	}{
		{"missing", ""},
		{"no separator", "acme"},
		{"unknown kind", "robot:r-1"},
		{"empty id", "business:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp ErrorResponse
			code := ts.do(t, http.MethodPost, "/api/shifts", tt.actor, shiftRequest(), &resp)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Contains(t, resp.Error, ActorHeader)
		})
	}
}

func TestGetShift_NotFound(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/shifts/missing", "", nil, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/disputes/missing", "", nil, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/shifts/missing/assignments", "", nil, nil))
}

func TestSweep_AdminOnly(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, "/api/admin/sweep", "business:acme", nil, nil))

	var sweep SweepDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/admin/sweep", "admin:ops-1", nil, &sweep))
	assert.True(t, sweep.Ran)
	assert.Zero(t, sweep.Released)
}

func TestResumeShift_AdminOnly(t *testing.T) {
	ts := newTestServer(t)
	var s ShiftDTO
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/shifts", "business:acme", shiftRequest(), &s))

	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, "/api/shifts/"+s.ID+"/resume", "business:acme", nil, nil))
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/shifts/"+s.ID+"/resume", "admin:ops-1", nil, &s))
	assert.Nil(t, s.HaltedAt)
	assert.Empty(t, s.HaltReason)
}

func TestReviewDispute_UnknownAction(t *testing.T) {
	ts := newTestServer(t)
	code := ts.do(t, http.MethodPost, "/api/disputes/d-1/review", "admin:ops-1", ReviewRequest{Action: "shred"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.NewValidationError("field", "bad"), http.StatusBadRequest},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.NewNotFound("shift", "s-1"), http.StatusNotFound},
		{domain.NewConflict("shift", "s-1", "stale"), http.StatusConflict},
		{&domain.TransitionError{Aggregate: "shift", From: "draft", To: "filled"}, http.StatusUnprocessableEntity},
		{fmt.Errorf("wrapped: %w", domain.ErrComplianceDenied), http.StatusUnprocessableEntity},
		{fmt.Errorf("capture: %w", domain.ErrPaymentProvider), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

// =============================================================================
// WEBHOOKS AND HEALTH
// =============================================================================

func TestPaymentWebhook_RejectsGarbage(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payments", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", "", nil, nil))

	ts.handler.Health = func(context.Context) error { return errors.New("db gone") }
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodGet, "/healthz", "", nil, nil))
}
