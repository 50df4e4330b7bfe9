/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. The domain aggregates
  carry no JSON tags; these types are the external contract and map to
  and from them.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  DTOs are pure data carriers. The services validate what they receive
  and the handler maps their errors to statuses.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/shift-engine/compliance"
	"github.com/warp/shift-engine/dispute"
	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/escrow"
	"github.com/warp/shift-engine/ledger"
	"github.com/warp/shift-engine/pricing"
	"github.com/warp/shift-engine/settlement"
	"github.com/warp/shift-engine/shift"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// SHIFTS
// =============================================================================

// CreateShiftRequest posts a shift for the calling business.
type CreateShiftRequest struct {
	Jurisdiction    string          `json:"jurisdiction"`
	Role            string          `json:"role"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Skills          []string        `json:"skills"`
	Location        shift.Location  `json:"location"`
	StartsAt        time.Time       `json:"starts_at"`
	EndsAt          time.Time       `json:"ends_at"`
	RequiredWorkers int             `json:"required_workers"`
	BaseRate        domain.Money    `json:"base_rate"`
	BreakMinutes    *int            `json:"break_minutes,omitempty"`
	Urgency         pricing.Urgency `json:"urgency,omitempty"`
	EventSurge      decimal.Decimal `json:"event_surge"`
	// Publish holds escrow straight away instead of leaving a draft.
	Publish bool `json:"publish"`
}

func (r CreateShiftRequest) draft(business domain.Party) shift.Draft {
	return shift.Draft{
		Business:        business,
		Jurisdiction:    r.Jurisdiction,
		Role:            r.Role,
		Title:           r.Title,
		Description:     r.Description,
		Skills:          r.Skills,
		Location:        r.Location,
		StartsAt:        r.StartsAt,
		EndsAt:          r.EndsAt,
		RequiredWorkers: r.RequiredWorkers,
		BaseRate:        r.BaseRate,
		BreakMinutes:    r.BreakMinutes,
		Urgency:         r.Urgency,
		EventSurge:      r.EventSurge,
	}
}

type ShiftDTO struct {
	ID              string              `json:"id"`
	Business        domain.Party        `json:"business"`
	Jurisdiction    string              `json:"jurisdiction"`
	Role            string              `json:"role"`
	Title           string              `json:"title"`
	Description     string              `json:"description,omitempty"`
	Skills          []string            `json:"skills,omitempty"`
	Location        shift.Location      `json:"location"`
	StartsAt        time.Time           `json:"starts_at"`
	EndsAt          time.Time           `json:"ends_at"`
	RequiredWorkers int                 `json:"required_workers"`
	FilledWorkers   int                 `json:"filled_workers"`
	BaseRate        domain.Money        `json:"base_rate"`
	Urgency         pricing.Urgency     `json:"urgency"`
	Pricing         pricing.Breakdown   `json:"pricing"`
	PaymentID       string              `json:"payment_id,omitempty"`
	Status          shift.Status        `json:"status"`
	RecordStatus    shift.RecordStatus  `json:"record_status"`
	Cancellation    *shift.Cancellation `json:"cancellation,omitempty"`
	ComplianceFlags []string            `json:"compliance_flags,omitempty"`
	PublishedAt     *time.Time          `json:"published_at,omitempty"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	VerifiedAt      *time.Time          `json:"verified_at,omitempty"`
	SettledAt       *time.Time          `json:"settled_at,omitempty"`
	HaltedAt        *time.Time          `json:"halted_at,omitempty"`
	HaltReason      string              `json:"halt_reason,omitempty"`
	Version         int64               `json:"version"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

func toShiftDTO(s shift.Shift) ShiftDTO {
	return ShiftDTO{
		ID:              s.ID,
		Business:        s.Business,
		Jurisdiction:    s.Jurisdiction,
		Role:            s.Role,
		Title:           s.Title,
		Description:     s.Description,
		Skills:          s.Skills,
		Location:        s.Location,
		StartsAt:        s.Window.Start,
		EndsAt:          s.Window.End,
		RequiredWorkers: s.RequiredWorkers,
		FilledWorkers:   s.FilledWorkers,
		BaseRate:        s.BaseRate,
		Urgency:         s.Urgency,
		Pricing:         s.Pricing,
		PaymentID:       s.PaymentID,
		Status:          s.Status,
		RecordStatus:    s.RecordStatus,
		Cancellation:    s.Cancellation,
		ComplianceFlags: s.ComplianceFlags,
		PublishedAt:     s.PublishedAt,
		StartedAt:       s.StartedAt,
		CompletedAt:     s.CompletedAt,
		VerifiedAt:      s.VerifiedAt,
		SettledAt:       s.SettledAt,
		HaltedAt:        s.HaltedAt,
		HaltReason:      s.HaltReason,
		Version:         s.Version,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func toShiftDTOs(in []shift.Shift) []ShiftDTO {
	out := make([]ShiftDTO, 0, len(in))
	for _, s := range in {
		out = append(out, toShiftDTO(s))
	}
	return out
}

// =============================================================================
// ASSIGNMENTS
// =============================================================================

type ApplyRequest struct {
	RankScore float64 `json:"rank_score"`
	Note      string  `json:"note"`
}

// ClockRequest carries the device fix and, for back-filled events, the
// instant. At defaults to the server clock.
type ClockRequest struct {
	At    *time.Time       `json:"at,omitempty"`
	Point *domain.GeoPoint `json:"point,omitempty"`
}

func (r ClockRequest) event(worker domain.Party) shift.ClockEvent {
	ev := shift.ClockEvent{Worker: worker, Point: r.Point}
	if r.At != nil {
		ev.At = *r.At
	}
	return ev
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type AssignmentDTO struct {
	ID              string                 `json:"id"`
	ShiftID         string                 `json:"shift_id"`
	Worker          domain.Party           `json:"worker"`
	Status          shift.AssignmentStatus `json:"status"`
	RankScore       float64                `json:"rank_score"`
	Note            string                 `json:"note,omitempty"`
	AppliedAt       time.Time              `json:"applied_at"`
	ConfirmedAt     *time.Time             `json:"confirmed_at,omitempty"`
	AckDeadline     *time.Time             `json:"ack_deadline,omitempty"`
	AcknowledgedAt  *time.Time             `json:"acknowledged_at,omitempty"`
	ClockInAt       *time.Time             `json:"clock_in_at,omitempty"`
	ClockOutAt      *time.Time             `json:"clock_out_at,omitempty"`
	Hours           shift.Hours            `json:"hours"`
	WasLate         bool                   `json:"was_late"`
	LateMinutes     int                    `json:"late_minutes,omitempty"`
	LatenessFlagged bool                   `json:"lateness_flagged"`
	LeftEarly       bool                   `json:"left_early"`
	EarlyMinutes    int                    `json:"early_minutes,omitempty"`
	VerifiedAt      *time.Time             `json:"verified_at,omitempty"`
	AutoApproved    bool                   `json:"auto_approved"`
	ReleasedAt      *time.Time             `json:"released_at,omitempty"`
	PaidAt          *time.Time             `json:"paid_at,omitempty"`
	CancelledAt     *time.Time             `json:"cancelled_at,omitempty"`
	CancelReason    string                 `json:"cancel_reason,omitempty"`
	Cancellation    *shift.Cancellation    `json:"cancellation,omitempty"`
	Version         int64                  `json:"version"`
}

func toAssignmentDTO(a shift.Assignment) AssignmentDTO {
	return AssignmentDTO{
		ID:              a.ID,
		ShiftID:         a.ShiftID,
		Worker:          a.Worker,
		Status:          a.Status,
		RankScore:       a.RankScore,
		Note:            a.Note,
		AppliedAt:       a.AppliedAt,
		ConfirmedAt:     a.ConfirmedAt,
		AckDeadline:     a.AckDeadline,
		AcknowledgedAt:  a.AcknowledgedAt,
		ClockInAt:       a.ClockInAt,
		ClockOutAt:      a.ClockOutAt,
		Hours:           a.Hours,
		WasLate:         a.WasLate,
		LateMinutes:     a.LateMinutes,
		LatenessFlagged: a.LatenessFlagged,
		LeftEarly:       a.LeftEarly,
		EarlyMinutes:    a.EarlyMinutes,
		VerifiedAt:      a.VerifiedAt,
		AutoApproved:    a.AutoApproved,
		ReleasedAt:      a.ReleasedAt,
		PaidAt:          a.PaidAt,
		CancelledAt:     a.CancelledAt,
		CancelReason:    a.CancelReason,
		Cancellation:    a.Cancellation,
		Version:         a.Version,
	}
}

func toAssignmentDTOs(in []shift.Assignment) []AssignmentDTO {
	out := make([]AssignmentDTO, 0, len(in))
	for _, a := range in {
		out = append(out, toAssignmentDTO(a))
	}
	return out
}

// =============================================================================
// DISPUTES
// =============================================================================

type OpenDisputeRequest struct {
	Category    dispute.Category `json:"category"`
	Description string           `json:"description"`
	Amount      domain.Money     `json:"amount"`
}

type EvidenceRequest struct {
	Kind string `json:"kind"`
	URI  string `json:"uri"`
	Note string `json:"note"`
}

// ReviewRequest moves a dispute along its review path. Action is one of
// assign (default), request_evidence or escalate.
type ReviewRequest struct {
	Action string `json:"action"`
}

type ResolveRequest struct {
	Outcome        dispute.Outcome `json:"outcome"`
	WorkerPayout   domain.Money    `json:"worker_payout"`
	BusinessRefund domain.Money    `json:"business_refund"`
	Note           string          `json:"note"`
}

type DisputeDTO struct {
	ID           string              `json:"id"`
	ShiftID      string              `json:"shift_id"`
	AssignmentID string              `json:"assignment_id"`
	PaymentID    string              `json:"payment_id"`
	Worker       domain.Party        `json:"worker"`
	Business     domain.Party        `json:"business"`
	OpenedBy     domain.Party        `json:"opened_by"`
	Category     dispute.Category    `json:"category"`
	Description  string              `json:"description,omitempty"`
	Amount       domain.Money        `json:"amount"`
	Status       dispute.Status      `json:"status"`
	Level        int                 `json:"level"`
	Reviewer     *domain.Party       `json:"reviewer,omitempty"`
	SLADeadline  time.Time           `json:"sla_deadline"`
	Evidence     []dispute.Evidence  `json:"evidence"`
	Resolution   *dispute.Resolution `json:"resolution,omitempty"`
	OpenedAt     time.Time           `json:"opened_at"`
	ResolvedAt   *time.Time          `json:"resolved_at,omitempty"`
	ClosedAt     *time.Time          `json:"closed_at,omitempty"`
	Version      int64               `json:"version"`
}

func toDisputeDTO(d dispute.Dispute) DisputeDTO {
	evidence := d.Evidence
	if evidence == nil {
		evidence = []dispute.Evidence{}
	}
	return DisputeDTO{
		ID:           d.ID,
		ShiftID:      d.ShiftID,
		AssignmentID: d.AssignmentID,
		PaymentID:    d.PaymentID,
		Worker:       d.Worker,
		Business:     d.Business,
		OpenedBy:     d.OpenedBy,
		Category:     d.Category,
		Description:  d.Description,
		Amount:       d.Amount,
		Status:       d.Status,
		Level:        d.Level,
		Reviewer:     d.Reviewer,
		SLADeadline:  d.SLADeadline,
		Evidence:     evidence,
		Resolution:   d.Resolution,
		OpenedAt:     d.OpenedAt,
		ResolvedAt:   d.ResolvedAt,
		ClosedAt:     d.ClosedAt,
		Version:      d.Version,
	}
}

// =============================================================================
// PAYMENTS
// =============================================================================

type EntryDTO struct {
	ID             string           `json:"id"`
	Sequence       int64            `json:"sequence"`
	Type           ledger.EntryType `json:"type"`
	AssignmentID   string           `json:"assignment_id,omitempty"`
	Amount         domain.Money     `json:"amount"`
	BalanceAfter   domain.Money     `json:"balance_after"`
	IdempotencyKey string           `json:"idempotency_key"`
	Actor          domain.Party     `json:"actor"`
	Memo           ledger.Memo      `json:"memo"`
	CreatedAt      time.Time        `json:"created_at"`
}

type PayoutDTO struct {
	ID            string              `json:"id"`
	AssignmentID  string              `json:"assignment_id"`
	Worker        domain.Party        `json:"worker"`
	Source        ledger.EntryType    `json:"source"`
	Amount        domain.Money        `json:"amount"`
	Status        escrow.PayoutStatus `json:"status"`
	Attempts      int                 `json:"attempts"`
	NextAttemptAt time.Time           `json:"next_attempt_at"`
	ProviderRef   string              `json:"provider_ref,omitempty"`
	LastError     string              `json:"last_error,omitempty"`
}

func toPayoutDTO(p escrow.Payout) PayoutDTO {
	return PayoutDTO{
		ID:            p.ID,
		AssignmentID:  p.AssignmentID,
		Worker:        p.Worker,
		Source:        p.Source,
		Amount:        p.Amount,
		Status:        p.Status,
		Attempts:      p.Attempts,
		NextAttemptAt: p.NextAttemptAt,
		ProviderRef:   p.ProviderRef,
		LastError:     p.LastError,
	}
}

// LedgerDTO is a payment with its full entry chain and payouts.
type LedgerDTO struct {
	PaymentID string               `json:"payment_id"`
	ShiftID   string               `json:"shift_id"`
	Status    escrow.PaymentStatus `json:"status"`
	Captured  domain.Money         `json:"captured"`
	Balance   domain.Money         `json:"balance"`
	Entries   []EntryDTO           `json:"entries"`
	Payouts   []PayoutDTO          `json:"payouts"`
}

func toLedgerDTO(p escrow.Payment, balance domain.Money, entries []ledger.Entry, payouts []escrow.Payout) LedgerDTO {
	out := LedgerDTO{
		PaymentID: p.ID,
		ShiftID:   p.ShiftID,
		Status:    p.Status,
		Captured:  p.Captured,
		Balance:   balance,
		Entries:   make([]EntryDTO, 0, len(entries)),
		Payouts:   make([]PayoutDTO, 0, len(payouts)),
	}
	for _, e := range entries {
		out.Entries = append(out.Entries, EntryDTO{
			ID:             e.ID,
			Sequence:       e.Sequence,
			Type:           e.Type,
			AssignmentID:   e.AssignmentID,
			Amount:         e.Amount,
			BalanceAfter:   e.BalanceAfter,
			IdempotencyKey: e.IdempotencyKey,
			Actor:          e.Actor,
			Memo:           e.Memo,
			CreatedAt:      e.CreatedAt,
		})
	}
	for _, po := range payouts {
		out.Payouts = append(out.Payouts, toPayoutDTO(po))
	}
	return out
}

// =============================================================================
// COMPLIANCE
// =============================================================================

type EligibilityDTO struct {
	WorkerID         string                 `json:"worker_id"`
	DateOfBirth      *time.Time             `json:"date_of_birth,omitempty"`
	Identity         compliance.CheckStatus `json:"identity"`
	Background       compliance.CheckStatus `json:"background"`
	RightToWork      compliance.CheckStatus `json:"right_to_work"`
	RightToWorkFrom  *time.Time             `json:"right_to_work_from,omitempty"`
	RightToWorkUntil *time.Time             `json:"right_to_work_until,omitempty"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

func toEligibilityDTO(e compliance.Eligibility) EligibilityDTO {
	return EligibilityDTO{
		WorkerID:         e.WorkerID,
		DateOfBirth:      e.DateOfBirth,
		Identity:         e.Identity,
		Background:       e.Background,
		RightToWork:      e.RightToWork,
		RightToWorkFrom:  e.RightToWorkFrom,
		RightToWorkUntil: e.RightToWorkUntil,
		UpdatedAt:        e.UpdatedAt,
	}
}

type ExemptionRequest struct {
	WorkerID   string          `json:"worker_id"`
	Rule       compliance.Rule `json:"rule"`
	Reason     string          `json:"reason"`
	ValidFrom  time.Time       `json:"valid_from"`
	ValidUntil time.Time       `json:"valid_until"`
}

type ExemptionDTO struct {
	ID         string          `json:"id"`
	WorkerID   string          `json:"worker_id"`
	Rule       compliance.Rule `json:"rule"`
	Reason     string          `json:"reason"`
	ValidFrom  time.Time       `json:"valid_from"`
	ValidUntil time.Time       `json:"valid_until"`
	ApprovedBy *domain.Party   `json:"approved_by,omitempty"`
	ApprovedAt *time.Time      `json:"approved_at,omitempty"`
}

func toExemptionDTO(x compliance.Exemption) ExemptionDTO {
	return ExemptionDTO{
		ID:         x.ID,
		WorkerID:   x.WorkerID,
		Rule:       x.Rule,
		Reason:     x.Reason,
		ValidFrom:  x.ValidFrom,
		ValidUntil: x.ValidUntil,
		ApprovedBy: x.ApprovedBy,
		ApprovedAt: x.ApprovedAt,
	}
}

type ResolveViolationRequest struct {
	Status compliance.ViolationStatus `json:"status"`
	Note   string                     `json:"note"`
}

type ViolationDTO struct {
	ID           string                     `json:"id"`
	WorkerID     string                     `json:"worker_id"`
	ShiftID      string                     `json:"shift_id,omitempty"`
	AssignmentID string                     `json:"assignment_id,omitempty"`
	Jurisdiction string                     `json:"jurisdiction"`
	Rule         compliance.Rule            `json:"rule"`
	Severity     compliance.Severity        `json:"severity"`
	Detail       string                     `json:"detail"`
	Status       compliance.ViolationStatus `json:"status"`
	DetectedAt   time.Time                  `json:"detected_at"`
	ResolvedBy   *domain.Party              `json:"resolved_by,omitempty"`
	ResolvedAt   *time.Time                 `json:"resolved_at,omitempty"`
	Resolution   string                     `json:"resolution,omitempty"`
}

func toViolationDTO(v compliance.Violation) ViolationDTO {
	return ViolationDTO{
		ID:           v.ID,
		WorkerID:     v.WorkerID,
		ShiftID:      v.ShiftID,
		AssignmentID: v.AssignmentID,
		Jurisdiction: v.Jurisdiction,
		Rule:         v.Rule,
		Severity:     v.Severity,
		Detail:       v.Detail,
		Status:       v.Status,
		DetectedAt:   v.DetectedAt,
		ResolvedBy:   v.ResolvedBy,
		ResolvedAt:   v.ResolvedAt,
		Resolution:   v.Resolution,
	}
}

// =============================================================================
// ADMIN
// =============================================================================

// SweepDTO reports a manual sweep. Ran is false when another instance
// held the lease.
type SweepDTO struct {
	Ran                     bool `json:"ran"`
	AcknowledgementsExpired int  `json:"acknowledgements_expired"`
	Started                 int  `json:"started"`
	NoShows                 int  `json:"no_shows"`
	AutoApproved            int  `json:"auto_approved"`
	CancellationsSettled    int  `json:"cancellations_settled"`
	Released                int  `json:"released"`
	PayoutsAttempted        int  `json:"payouts_attempted"`
	PayoutsSucceeded        int  `json:"payouts_succeeded"`
	PayoutsFailed           int  `json:"payouts_failed"`
	PayoutsManualReview     int  `json:"payouts_manual_review"`
	Paid                    int  `json:"paid"`
	Escalated               int  `json:"escalated"`
}

func toSweepDTO(r settlement.Report, ran bool) SweepDTO {
	return SweepDTO{
		Ran:                     ran,
		AcknowledgementsExpired: r.AcknowledgementsExpired,
		Started:                 r.Started,
		NoShows:                 r.NoShows,
		AutoApproved:            r.AutoApproved,
		CancellationsSettled:    r.CancellationsSettled,
		Released:                r.Released,
		PayoutsAttempted:        r.Payouts.Attempted,
		PayoutsSucceeded:        r.Payouts.Succeeded,
		PayoutsFailed:           r.Payouts.Failed,
		PayoutsManualReview:     r.Payouts.ManualReview,
		Paid:                    r.Paid,
		Escalated:               r.Escalated,
	}
}
