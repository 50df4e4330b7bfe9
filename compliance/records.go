package compliance

import (
	"time"

	"github.com/warp/shift-engine/domain"
)

// =============================================================================
// ELIGIBILITY - Worker facts from the verification provider
// =============================================================================

type CheckKind string

const (
	CheckIdentity    CheckKind = "identity"
	CheckRightToWork CheckKind = "right_to_work"
	CheckBackground  CheckKind = "background"
)

type CheckStatus string

const (
	CheckPending CheckStatus = "pending"
	CheckPassed  CheckStatus = "passed"
	CheckFailed  CheckStatus = "failed"
)

// VerificationResult is one asynchronous answer from the verification
// provider.
type VerificationResult struct {
	WorkerID    string      `json:"worker_id"`
	Check       CheckKind   `json:"check"`
	Status      CheckStatus `json:"status"`
	Reference   string      `json:"reference"`
	DateOfBirth *time.Time  `json:"date_of_birth,omitempty"`
	ValidFrom   *time.Time  `json:"valid_from,omitempty"`
	ValidUntil  *time.Time  `json:"valid_until,omitempty"`
	ReceivedAt  time.Time   `json:"received_at"`
}

func (v VerificationResult) Validate() error {
	if v.WorkerID == "" {
		return domain.NewValidationError("worker_id", "required")
	}
	switch v.Check {
	case CheckIdentity, CheckRightToWork, CheckBackground:
	default:
		return domain.NewValidationError("check", "unknown check "+string(v.Check))
	}
	switch v.Status {
	case CheckPending, CheckPassed, CheckFailed:
	default:
		return domain.NewValidationError("status", "unknown status "+string(v.Status))
	}
	return nil
}

type Eligibility struct {
	WorkerID    string
	DateOfBirth *time.Time

	Identity   CheckStatus
	Background CheckStatus

	RightToWork      CheckStatus
	RightToWorkFrom  *time.Time
	RightToWorkUntil *time.Time

	UpdatedAt time.Time
}

// Apply folds a verification result into the worker's eligibility.
// Results older than the last update are ignored.
func (e Eligibility) Apply(v VerificationResult) Eligibility {
	if !e.UpdatedAt.IsZero() && v.ReceivedAt.Before(e.UpdatedAt) {
		return e
	}
	e.WorkerID = v.WorkerID
	if v.DateOfBirth != nil {
		dob := *v.DateOfBirth
		e.DateOfBirth = &dob
	}
	switch v.Check {
	case CheckIdentity:
		e.Identity = v.Status
	case CheckBackground:
		e.Background = v.Status
	case CheckRightToWork:
		e.RightToWork = v.Status
		e.RightToWorkFrom = v.ValidFrom
		e.RightToWorkUntil = v.ValidUntil
	}
	e.UpdatedAt = v.ReceivedAt
	return e
}

// =============================================================================
// EXEMPTION
// =============================================================================

type Exemption struct {
	ID         string
	WorkerID   string
	Rule       Rule
	Reason     string
	ValidFrom  time.Time
	ValidUntil time.Time
	CreatedAt  time.Time
	ApprovedBy *domain.Party
	ApprovedAt *time.Time
}

// Covers reports whether the exemption applies to rule at instant at.
// An unapproved or expired exemption is treated as absent.
func (x Exemption) Covers(rule Rule, at time.Time) bool {
	if x.Rule != rule || x.ApprovedAt == nil {
		return false
	}
	if at.Before(x.ValidFrom) {
		return false
	}
	return x.ValidUntil.IsZero() || at.Before(x.ValidUntil)
}

func (x Exemption) Validate() error {
	if x.WorkerID == "" {
		return domain.NewValidationError("worker_id", "required")
	}
	if !x.Rule.Exemptible() {
		return domain.NewValidationError("rule", string(x.Rule)+" cannot be exempted")
	}
	if !x.ValidUntil.IsZero() && !x.ValidUntil.After(x.ValidFrom) {
		return domain.NewValidationError("valid_until", "must be after valid_from")
	}
	return nil
}

// =============================================================================
// VIOLATION
// =============================================================================

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type ViolationStatus string

const (
	ViolationOpen      ViolationStatus = "open"
	ViolationResolved  ViolationStatus = "resolved"
	ViolationDismissed ViolationStatus = "dismissed"
)

type Violation struct {
	ID           string
	WorkerID     string
	ShiftID      string
	AssignmentID string
	Jurisdiction string
	Rule         Rule
	Severity     Severity
	Detail       string
	Status       ViolationStatus
	DetectedAt   time.Time
	ResolvedBy   *domain.Party
	ResolvedAt   *time.Time
	Resolution   string
}

// Resolve closes a violation. Only administrators may do so.
func (v *Violation) Resolve(by domain.Party, status ViolationStatus, note string, at time.Time) error {
	if by.Kind != domain.PartyAdmin {
		return domain.ErrForbidden
	}
	if v.Status != ViolationOpen {
		return &domain.TransitionError{Aggregate: "violation", From: string(v.Status), To: string(status)}
	}
	if status != ViolationResolved && status != ViolationDismissed {
		return domain.NewValidationError("status", "must be resolved or dismissed")
	}
	v.Status = status
	v.ResolvedBy = &by
	v.ResolvedAt = &at
	v.Resolution = note
	return nil
}
