/*
Package shift owns the shift and assignment lifecycle.

PURPOSE:
  A business posts a shift, workers apply, the business accepts, workers
  clock in and out, hours are verified and the money is settled. Each of
  those steps is a guarded transition on the Shift or on one of its
  Assignments, persisted with compare-and-set on a version counter.

SHIFT STATES:
  draft → open → assigned → in_progress → completed → filled
                                               ↘
  draft | open | assigned ──────────────────────→ cancelled
  in_progress ── admin/system only ─────────────→ cancelled
  assigned → open   when an unacknowledged confirmation expires

ASSIGNMENT STATES:
  applied → confirmed → clocked_in → clocked_out → verified → paid
  applied | confirmed → cancelled
  confirmed → no_show

CONCURRENCY:
  FilledWorkers is only changed inside Repository.WithTx and written
  with UpdateShift, which fails with a ConflictError when the version
  moved. Two acceptances racing for the last slot cannot both win.

SEE ALSO:
  - service.go: create, publish, apply, accept
  - clock.go: clock-in and clock-out, verification, no-shows
  - cancel.go: cancellation and settlement plans
  - sweep.go: time-driven transitions
*/
package shift

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/pricing"
)

// =============================================================================
// SHIFT
// =============================================================================

type Status string

const (
	StatusDraft      Status = "draft"
	StatusOpen       Status = "open"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFilled     Status = "filled"
	StatusCancelled  Status = "cancelled"
)

var shiftTransitions = map[Status][]Status{
	StatusDraft:      {StatusOpen, StatusCancelled},
	StatusOpen:       {StatusAssigned, StatusCancelled},
	StatusAssigned:   {StatusOpen, StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  {StatusFilled},
}

func (s Status) CanMoveTo(next Status) bool {
	for _, allowed := range shiftTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool { return s == StatusFilled || s == StatusCancelled }

type RecordStatus string

const (
	RecordActive   RecordStatus = "active"
	RecordArchived RecordStatus = "archived"
)

type CancellationType string

const (
	CancelledByBusiness CancellationType = "business"
	CancelledByWorker   CancellationType = "worker"
	CancelledByAdmin    CancellationType = "admin"
	CancelledBySystem   CancellationType = "system"
)

type Cancellation struct {
	Type   CancellationType `json:"type"`
	By     domain.Party     `json:"by"`
	Reason string           `json:"reason"`
	At     time.Time        `json:"at"`
	// Notice is the time left before the scheduled start.
	Notice time.Duration `json:"notice"`
}

type Location struct {
	Name    string          `json:"name"`
	Address string          `json:"address"`
	Point   domain.GeoPoint `json:"point"`
	// RadiusMeters overrides the policy geofence when positive.
	RadiusMeters float64 `json:"radius_meters,omitempty"`
}

type Shift struct {
	ID           string
	Business     domain.Party
	Jurisdiction string
	Role         string
	Title        string
	Description  string
	Skills       []string
	Location     Location
	Window       domain.Window

	RequiredWorkers int
	FilledWorkers   int

	BaseRate     domain.Money
	BreakMinutes *int // overrides the jurisdiction break rule
	Urgency      pricing.Urgency
	EventSurge   decimal.Decimal
	Pricing      pricing.Breakdown
	PricedAt     time.Time
	PaymentID    string

	Status          Status
	RecordStatus    RecordStatus
	Cancellation    *Cancellation
	ComplianceFlags []string

	PublishedAt *time.Time
	AssignedAt  *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	VerifiedAt  *time.Time
	SettledAt   *time.Time

	// HaltedAt is set when an invariant violation stopped automated
	// processing. Sweeps skip the shift until an operator resumes it.
	HaltedAt   *time.Time
	HaltReason string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s Shift) ScheduledMinutes() int { return int(s.Window.Duration() / time.Minute) }

func (s Shift) OpenSlots() int { return s.RequiredWorkers - s.FilledWorkers }

func (s Shift) Halted() bool { return s.HaltedAt != nil }

func (s *Shift) moveTo(next Status) error {
	if !s.Status.CanMoveTo(next) {
		return &domain.TransitionError{Aggregate: "shift", From: string(s.Status), To: string(next)}
	}
	s.Status = next
	return nil
}

// checkCapacity fails closed when the counters are out of bounds.
func (s Shift) checkCapacity() error {
	if s.FilledWorkers < 0 || s.FilledWorkers > s.RequiredWorkers {
		return domain.NewInvariant("shift", s.ID, "filled_workers outside [0, required_workers]")
	}
	return nil
}

func (s *Shift) flag(rule string) {
	for _, f := range s.ComplianceFlags {
		if f == rule {
			return
		}
	}
	s.ComplianceFlags = append(s.ComplianceFlags, rule)
}

// =============================================================================
// ASSIGNMENT
// =============================================================================

type AssignmentStatus string

const (
	AssignmentApplied    AssignmentStatus = "applied"
	AssignmentConfirmed  AssignmentStatus = "confirmed"
	AssignmentClockedIn  AssignmentStatus = "clocked_in"
	AssignmentClockedOut AssignmentStatus = "clocked_out"
	AssignmentVerified   AssignmentStatus = "verified"
	AssignmentPaid       AssignmentStatus = "paid"
	AssignmentCancelled  AssignmentStatus = "cancelled"
	AssignmentNoShow     AssignmentStatus = "no_show"
)

var assignmentTransitions = map[AssignmentStatus][]AssignmentStatus{
	AssignmentApplied:    {AssignmentConfirmed, AssignmentCancelled},
	AssignmentConfirmed:  {AssignmentClockedIn, AssignmentCancelled, AssignmentNoShow},
	AssignmentClockedIn:  {AssignmentClockedOut},
	AssignmentClockedOut: {AssignmentVerified},
	AssignmentVerified:   {AssignmentPaid},
}

func (s AssignmentStatus) CanMoveTo(next AssignmentStatus) bool {
	for _, allowed := range assignmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Active reports whether the assignment holds or may hold a slot.
func (s AssignmentStatus) Active() bool {
	return s != AssignmentCancelled && s != AssignmentNoShow
}

// Worked reports whether hours were recorded.
func (s AssignmentStatus) Worked() bool {
	return s == AssignmentClockedOut || s == AssignmentVerified || s == AssignmentPaid
}

// Hours are whole minutes.
type Hours struct {
	GrossMinutes    int `json:"gross_minutes"`
	BreakMinutes    int `json:"break_minutes"`
	NetMinutes      int `json:"net_minutes"`
	BillableMinutes int `json:"billable_minutes"`
	OvertimeMinutes int `json:"overtime_minutes"`
}

type Assignment struct {
	ID        string
	ShiftID   string
	Worker    domain.Party
	Status    AssignmentStatus
	RankScore float64
	Note      string

	AppliedAt      time.Time
	ConfirmedAt    *time.Time
	AckDeadline    *time.Time
	AcknowledgedAt *time.Time

	ClockInAt     *time.Time
	ClockInPoint  *domain.GeoPoint
	ClockOutAt    *time.Time
	ClockOutPoint *domain.GeoPoint
	Hours         Hours

	WasLate         bool
	LateMinutes     int
	LatenessFlagged bool
	LeftEarly       bool
	EarlyMinutes    int

	VerifiedAt   *time.Time
	VerifiedBy   *domain.Party
	AutoApproved bool
	ReleasedAt   *time.Time
	PaidAt       *time.Time

	CancelledAt  *time.Time
	CancelReason string
	Cancellation *Cancellation

	RecordStatus RecordStatus
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (a *Assignment) moveTo(next AssignmentStatus) error {
	if !a.Status.CanMoveTo(next) {
		return &domain.TransitionError{Aggregate: "assignment", From: string(a.Status), To: string(next)}
	}
	a.Status = next
	return nil
}

// WorkedWindow is the actual clocked span, or the zero window.
func (a Assignment) WorkedWindow() domain.Window {
	if a.ClockInAt == nil {
		return domain.Window{}
	}
	end := a.ClockInAt.Add(time.Duration(a.Hours.GrossMinutes) * time.Minute)
	if a.ClockOutAt != nil {
		end = *a.ClockOutAt
	}
	return domain.Window{Start: *a.ClockInAt, End: end}
}

func timePtr(t time.Time) *time.Time { return &t }
