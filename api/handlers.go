/*
handlers.go - HTTP API handlers for the shift engine

PURPOSE:
  Exposes the shift, escrow, dispute and compliance services over REST.
  Handles HTTP request/response and JSON serialization and delegates
  every decision to the services.

ACTOR:
  Each mutating request names its caller in the X-Actor header as
  "kind:id" (worker:w-1, business:b-1, admin:ops-1). Authentication is
  expected in front of this service and is not done here.

REQUEST FLOW:
  1. Resolve the actor and parse the body
  2. Call the service
  3. Serialize the DTO or map the error

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the domain
  sentinels:
  - 400: validation
  - 403: forbidden
  - 404: not found
  - 409: concurrency conflict
  - 422: invalid transition, compliance denial
  - 502: payment provider failure
  - 500: everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/warp/shift-engine/compliance"
	"github.com/warp/shift-engine/dispute"
	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/escrow"
	"github.com/warp/shift-engine/settlement"
	"github.com/warp/shift-engine/shift"
)

// ActorHeader carries the calling party as "kind:id".
const ActorHeader = "X-Actor"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Shifts    *shift.Service
	Disputes  *dispute.Service
	Escrow    *escrow.Service
	Gate      *compliance.Gate
	Scheduler *settlement.Scheduler
	// Health reports storage liveness; nil means always healthy.
	Health    func(ctx context.Context) error

	logger *slog.Logger
}

func NewHandler(shifts *shift.Service, disputes *dispute.Service, esc *escrow.Service, gate *compliance.Gate, scheduler *settlement.Scheduler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Shifts:    shifts,
		Disputes:  disputes,
		Escrow:    esc,
		Gate:      gate,
		Scheduler: scheduler,
		logger:    logger.With("module", "api"),
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrComplianceDenied):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPaymentProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			"operation", operation,
			"outcome", "failure",
			"request_id", middleware.GetReqID(r.Context()),
			"status", status,
			"error", err,
		)
		if status == http.StatusInternalServerError {
			writeError(w, status, "internal error", nil)
			return
		}
	}
	writeError(w, status, http.StatusText(status), err)
}

// actor resolves the X-Actor header. It writes a 400 and returns false
// when the header is missing or malformed.
func actor(w http.ResponseWriter, r *http.Request) (domain.Party, bool) {
	raw := r.Header.Get(ActorHeader)
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing "+ActorHeader+" header", nil)
		return domain.Party{}, false
	}
	p, err := domain.ParseParty(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+ActorHeader+" header", err)
		return domain.Party{}, false
	}
	return p, true
}

// decodeBody reads an optional JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// =============================================================================
// SHIFT ENDPOINTS
// =============================================================================

// CreateShift handles POST /api/shifts.
func (h *Handler) CreateShift(w http.ResponseWriter, r *http.Request) {
	by, ok := actor(w, r)
	if !ok {
		return
	}
	var req CreateShiftRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s, err := h.Shifts.CreateShift(r.Context(), req.draft(by))
	if err != nil {
		h.fail(w, r, "create_shift", err)
		return
	}
	if req.Publish {
		if s, err = h.Shifts.Publish(r.Context(), s.ID, by); err != nil {
			h.fail(w, r, "publish_shift", err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, toShiftDTO(s))
}

// QuoteShift handles POST /api/shifts/quote: the price a draft would get
// right now, with nothing stored.
func (h *Handler) QuoteShift(w http.ResponseWriter, r *http.Request) {
	by, ok := actor(w, r)
	if !ok {
		return
	}
	var req CreateShiftRequest
	if !decodeBody(w, r, &req) {
		return
	}
	bd, err := h.Shifts.Quote(r.Context(), req.draft(by))
	if err != nil {
		h.fail(w, r, "quote_shift", err)
		return
	}
	writeJSON(w, http.StatusOK, bd)
}

// ListShifts handles GET /api/shifts?business=&status=&limit=.
func (h *Handler) ListShifts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := shift.Filter{Business: q.Get("business"), IncludeArchived: q.Get("archived") == "true"}
	for _, st := range q["status"] {
		f.Statuses = append(f.Statuses, shift.Status(st))
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		f.Limit = n
	}
	out, err := h.Shifts.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, "list_shifts", err)
		return
	}
	writeJSON(w, http.StatusOK, toShiftDTOs(out))
}

// GetShift handles GET /api/shifts/{id}.
func (h *Handler) GetShift(w http.ResponseWriter, r *http.Request) {
	s, err := h.Shifts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get_shift", err)
		return
	}
	writeJSON(w, http.StatusOK, toShiftDTO(s))
}

// shiftAction adapts the (ctx, shiftID, actor) service calls.
func (h *Handler) shiftAction(operation string, fn func(context.Context, string, domain.Party) (shift.Shift, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		by, ok := actor(w, r)
		if !ok {
			return
		}
		s, err := fn(r.Context(), chi.URLParam(r, "id"), by)
		if err != nil {
			h.fail(w, r, operation, err)
			return
		}
		writeJSON(w, http.StatusOK, toShiftDTO(s))
	}
}

// CancelShift handles POST /api/shifts/{id}/cancel.
func (h *Handler) CancelShift(w http.ResponseWriter, r *http.Request) {
	by, ok := actor(w, r)
	if !ok {
		return
	}
	var req CancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s, err := h.Shifts.Cancel(r.Context(), chi.URLParam(r, "id"), by, req.Reason)
	if err != nil {
		h.fail(w, r, "cancel_shift", err)
		return
	}
	writeJSON(w, http.StatusOK, toShiftDTO(s))
}

// Apply handles POST /api/shifts/{id}/applications.
func (h *Handler) Apply(w http.ResponseWriter, r *http.Request) {
	by, ok := actor(w, r)
	if !ok {
		return
	}
	var req ApplyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := h.Shifts.Apply(r.Context(), chi.URLParam(r, "id"), shift.Application{Worker: by, RankScore: req.RankScore, Note: req.Note})
	if err != nil {
		h.fail(w, r, "apply", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAssignmentDTO(a))
}

// ListAssignments handles GET /api/shifts/{id}/assignments.
func (h *Handler) ListAssignments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Shifts.Get(r.Context(), id); err != nil {
		h.fail(w, r, "list_assignments", err)
		return
	}
	out, err := h.Shifts.Assignments(r.Context(), id)
	if err != nil {
		h.fail(w, r, "list_assignments", err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentDTOs(out))
}

// =============================================================================
// ASSIGNMENT ENDPOINTS
// =============================================================================

// GetAssignment handles GET /api/assignments/{id}.
func (h *Handler) GetAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := h.Shifts.Assignment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get_assignment", err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentDTO(a))
}

// assignmentAction adapts the (ctx, assignmentID, actor) service calls.
func (h *Handler) assignmentAction(operation string, fn func(context.Context, string, domain.Party) (shift.Assignment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		by, ok := actor(w, r)
		if !ok {
			return
		}
		a, err := fn(r.Context(), chi.URLParam(r, "id"), by)
		if err != nil {
			h.fail(w, r, operation, err)
			return
		}
		writeJSON(w, http.StatusOK, toAssignmentDTO(a))
	}
}

// clockAction handles clock-in and clock-out.
func (h *Handler) clockAction(operation string, fn func(context.Context, string, shift.ClockEvent) (shift.Assignment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		by, ok := actor(w, r)
		if !ok {
			return
		}
		var req ClockRequest
		if !decodeBody(w, r, &req) {
			return
		}
		a, err := fn(r.Context(), chi.URLParam(r, "id"), req.event(by))
		if err != nil {
			h.fail(w, r, operation, err)
			return
		}
		writeJSON(w, http.StatusOK, toAssignmentDTO(a))
	}
}

// CancelAssignment handles POST /api/assignments/{id}/cancel.
func (h *Handler) CancelAssignment(w http.ResponseWriter, r *http.Request) {
	by, ok := actor(w, r)
	if !ok {
		return
	}
	var req CancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := h.Shifts.CancelAssignment(r.Context(), chi.URLParam(r, "id"), by, req.Reason)
	if err != nil {
		h.fail(w, r, "cancel_assignment", err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentDTO(a))
}

// OpenDispute handles POST /api/assignments/{id}/disputes.
func (h *Handler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	by, ok := actor(w, r)
	if !ok {
		return
	}
	var req OpenDisputeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := h.Disputes.Open(r.Context(), dispute.OpenRequest{
		AssignmentID: chi.URLParam(r, "id"),
		By:           by,
		Category:     req.Category,
		Description:  req.Description,
		Amount:       req.Amount,
	})
	if err != nil {
		h.fail(w, r, "open_dispute", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeDTO(d))
}

// =============================================================================
// DISPUTE ENDPOINTS
// =============================================================================

// GetDispute handles GET /api/disputes/{id}.
func (h *Handler) GetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := h.Disputes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get_dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeDTO(d))
}

// ListDisputes handles GET /api/disputes?shift_id=&assignment_id=&active=.
func (h *Handler) ListDisputes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ds, err := h.Disputes.List(r.Context(), dispute.Filter{
		ShiftID:      q.Get("shift_id"),
		AssignmentID: q.Get("assignment_id"),
		ActiveOnly:   q.Get("active") == "true",
	})
	if err != nil {
		h.fail(w, r, "list_disputes", err)
		return
	}
	out := make([]DisputeDTO, 0, len(ds))
	for _, d := range ds {
		out = append(out, toDisputeDTO(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// ReviewDispute handles POST /api/disputes/{id}/review.
func (h *Handler) ReviewDispute(w http.ResponseWriter, r *http.Request) {
	by, ok := actor(w, r)
	if !ok {
		return
	}
	var req ReviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	var (
		d   dispute.Dispute
		err error
	)
	switch req.Action {
	case "", "assign":
		d, err = h.Disputes.Assign(r.Context(), id, by)
	case "request_evidence":
		d, err = h.Disputes.RequestEvidence(r.Context(), id, by)
	case "escalate":
		d, err = h.Disputes.Escalate(r.Context(), id, by)
	default:
		writeError(w, http.StatusBadRequest, "unknown review action "+strconv.Quote(req.Action), nil)
		return
	}
	if err != nil {
		h.fail(w, r, "review_dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeDTO(d))
}

// SubmitEvidence handles POST /api/disputes/{id}/evidence.
func (h *Handler) SubmitEvidence(w http.ResponseWriter, r *http.Request) {
	by, ok := actor(w, r)
	if !ok {
		return
	}
	var req EvidenceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := h.Disputes.SubmitEvidence(r.Context(), chi.URLParam(r, "id"), dispute.Evidence{
		SubmittedBy: by, Kind: req.Kind, URI: req.URI, Note: req.Note,
	})
	if err != nil {
		h.fail(w, r, "submit_evidence", err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeDTO(d))
}

// ResolveDispute handles POST /api/disputes/{id}/resolve.
func (h *Handler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	by, ok := actor(w, r)
	if !ok {
		return
	}
	var req ResolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := h.Disputes.Resolve(r.Context(), chi.URLParam(r, "id"), dispute.Resolution{
		Outcome:        req.Outcome,
		WorkerPayout:   req.WorkerPayout,
		BusinessRefund: req.BusinessRefund,
		Note:           req.Note,
		By:             by,
	})
	if err != nil {
		h.fail(w, r, "resolve_dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeDTO(d))
}

// disputeAction adapts withdraw and close.
func (h *Handler) disputeAction(operation string, fn func(context.Context, string, domain.Party) (dispute.Dispute, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		by, ok := actor(w, r)
		if !ok {
			return
		}
		d, err := fn(r.Context(), chi.URLParam(r, "id"), by)
		if err != nil {
			h.fail(w, r, operation, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeDTO(d))
	}
}

// =============================================================================
// PAYMENT ENDPOINTS
// =============================================================================

// GetLedger handles GET /api/payments/{id}/ledger.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	p, err := h.Escrow.Payment(ctx, id)
	if err != nil {
		h.fail(w, r, "get_ledger", err)
		return
	}
	entries, err := h.Escrow.Ledger(ctx, id)
	if err != nil {
		h.fail(w, r, "get_ledger", err)
		return
	}
	balance, err := h.Escrow.Balance(ctx, id)
	if err != nil {
		h.fail(w, r, "get_ledger", err)
		return
	}
	payouts, err := h.Escrow.Payouts(ctx, id)
	if err != nil {
		h.fail(w, r, "get_ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerDTO(p, balance, entries, payouts))
}

// RetryPayout handles POST /api/payouts/{id}/retry for payouts parked in
// manual review.
func (h *Handler) RetryPayout(w http.ResponseWriter, r *http.Request) {
	by, ok := actor(w, r)
	if !ok {
		return
	}
	po, err := h.Escrow.RetryPayout(r.Context(), chi.URLParam(r, "id"), by)
	if err != nil {
		h.fail(w, r, "retry_payout", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTO(po))
}

// PaymentWebhook handles POST /api/webhooks/payments. Replays of an
// event id are acknowledged without effect.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var ev escrow.ProviderEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event body", err)
		return
	}
	if err := h.Escrow.HandleEvent(r.Context(), ev); err != nil {
		h.fail(w, r, "payment_webhook", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// =============================================================================
// COMPLIANCE ENDPOINTS
// =============================================================================

// RecordVerification handles POST /api/workers/{id}/verifications.
func (h *Handler) RecordVerification(w http.ResponseWriter, r *http.Request) {
	var v compliance.VerificationResult
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid verification body", err)
		return
	}
	v.WorkerID = chi.URLParam(r, "id")
	e, err := h.Gate.RecordVerification(r.Context(), v)
	if err != nil {
		h.fail(w, r, "record_verification", err)
		return
	}
	writeJSON(w, http.StatusOK, toEligibilityDTO(e))
}

// GetEligibility handles GET /api/workers/{id}/eligibility.
func (h *Handler) GetEligibility(w http.ResponseWriter, r *http.Request) {
	e, err := h.Gate.Eligibility(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get_eligibility", err)
		return
	}
	writeJSON(w, http.StatusOK, toEligibilityDTO(e))
}

// RequestExemption handles POST /api/exemptions.
func (h *Handler) RequestExemption(w http.ResponseWriter, r *http.Request) {
	if _, ok := actor(w, r); !ok {
		return
	}
	var req ExemptionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	x, err := h.Gate.RequestExemption(r.Context(), compliance.Exemption{
		WorkerID: req.WorkerID, Rule: req.Rule, Reason: req.Reason,
		ValidFrom: req.ValidFrom, ValidUntil: req.ValidUntil,
	})
	if err != nil {
		h.fail(w, r, "request_exemption", err)
		return
	}
	writeJSON(w, http.StatusCreated, toExemptionDTO(x))
}

// ApproveExemption handles POST /api/exemptions/{id}/approve.
func (h *Handler) ApproveExemption(w http.ResponseWriter, r *http.Request) {
	by, ok := actor(w, r)
	if !ok {
		return
	}
	x, err := h.Gate.ApproveExemption(r.Context(), chi.URLParam(r, "id"), by)
	if err != nil {
		h.fail(w, r, "approve_exemption", err)
		return
	}
	writeJSON(w, http.StatusOK, toExemptionDTO(x))
}

// ListViolations handles GET /api/workers/{id}/violations.
func (h *Handler) ListViolations(w http.ResponseWriter, r *http.Request) {
	vs, err := h.Gate.Violations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "list_violations", err)
		return
	}
	out := make([]ViolationDTO, 0, len(vs))
	for _, v := range vs {
		out = append(out, toViolationDTO(v))
	}
	writeJSON(w, http.StatusOK, out)
}

// ResolveViolation handles POST /api/violations/{id}/resolve.
func (h *Handler) ResolveViolation(w http.ResponseWriter, r *http.Request) {
	by, ok := actor(w, r)
	if !ok {
		return
	}
	var req ResolveViolationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Status == "" {
		req.Status = compliance.ViolationResolved
	}
	v, err := h.Gate.ResolveViolation(r.Context(), chi.URLParam(r, "id"), by, req.Status, req.Note)
	if err != nil {
		h.fail(w, r, "resolve_violation", err)
		return
	}
	writeJSON(w, http.StatusOK, toViolationDTO(v))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// TriggerSweep handles POST /api/admin/sweep.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	by, ok := actor(w, r)
	if !ok {
		return
	}
	if by.Kind != domain.PartyAdmin {
		writeError(w, http.StatusForbidden, "admin only", domain.ErrForbidden)
		return
	}
	report, ran, err := h.Scheduler.RunNow(r.Context())
	if err != nil && !ran {
		h.fail(w, r, "sweep", err)
		return
	}
	if err != nil {
		// partial sweeps still report what they did
		h.logger.WarnContext(r.Context(), "manual sweep had failures",
			"operation", "sweep", "outcome", "partial", "actor", by.String(), "error", err)
	}
	h.logger.InfoContext(r.Context(), "manual sweep requested",
		"operation", "sweep", "outcome", "success", "actor", by.String(), "ran", ran)
	writeJSON(w, http.StatusOK, toSweepDTO(report, ran))
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "unhealthy", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
