/*
Package dispute handles disagreements about worked hours.

PURPOSE:
  A worker or business can contest an assignment between clock-out and
  release. While a dispute is active the assignment's pay stays in
  escrow. Resolution books a compensating adjustment on the payment; the
  ledger is never edited.

STATES:
  open → under_review ⇄ evidence_review
  open | under_review | evidence_review | escalated → escalated → under_review
  any active state → resolved → closed

SLA:
  Each escalation level has its own deadline, measured from entering the
  level. A sweep escalates overdue disputes until the top level.

SEE ALSO:
  - escrow.Service.Adjust: the money side of a resolution
*/
package dispute

import (
	"time"

	"github.com/warp/shift-engine/domain"
)

type Status string

const (
	StatusOpen           Status = "open"
	StatusUnderReview    Status = "under_review"
	StatusEvidenceReview Status = "evidence_review"
	StatusEscalated      Status = "escalated"
	StatusResolved       Status = "resolved"
	StatusClosed         Status = "closed"
)

var transitions = map[Status][]Status{
	StatusOpen:           {StatusUnderReview, StatusEscalated, StatusResolved},
	StatusUnderReview:    {StatusEvidenceReview, StatusEscalated, StatusResolved},
	StatusEvidenceReview: {StatusUnderReview, StatusEscalated, StatusResolved},
	StatusEscalated:      {StatusUnderReview, StatusEscalated, StatusResolved},
	StatusResolved:       {StatusClosed},
}

func (s Status) CanMoveTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Active disputes hold the assignment's pay in escrow.
func (s Status) Active() bool {
	return s != StatusResolved && s != StatusClosed
}

type Category string

const (
	CategoryHours   Category = "hours"
	CategoryQuality Category = "quality"
	CategoryNoShow  Category = "no_show"
	CategoryPayment Category = "payment"
	CategoryConduct Category = "conduct"
	CategoryOther   Category = "other"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryHours, CategoryQuality, CategoryNoShow, CategoryPayment, CategoryConduct, CategoryOther:
		return true
	}
	return false
}

type Outcome string

const (
	OutcomeWorkerFavor   Outcome = "worker_favor"
	OutcomeBusinessFavor Outcome = "business_favor"
	OutcomeSplit         Outcome = "split"
	OutcomeNoFault       Outcome = "no_fault"
)

type Evidence struct {
	ID          string       `json:"id"`
	SubmittedBy domain.Party `json:"submitted_by"`
	Kind        string       `json:"kind"`
	URI         string       `json:"uri,omitempty"`
	Note        string       `json:"note,omitempty"`
	SubmittedAt time.Time    `json:"submitted_at"`
}

type Resolution struct {
	Outcome        Outcome      `json:"outcome"`
	WorkerPayout   domain.Money `json:"worker_payout"`
	BusinessRefund domain.Money `json:"business_refund"`
	Note           string       `json:"note,omitempty"`
	By             domain.Party `json:"by"`
	At             time.Time    `json:"at"`
}

// amounts fills the split implied by the outcome for the claimed amount.
func (r Resolution) amounts(claimed domain.Money, openedBy domain.Party) (worker, business domain.Money, err error) {
	zero := domain.Zero(claimed.Currency)
	switch r.Outcome {
	case OutcomeNoFault:
		return zero, zero, nil
	case OutcomeWorkerFavor:
		if openedBy.Kind == domain.PartyWorker {
			return claimed, zero, nil
		}
		return zero, zero, nil
	case OutcomeBusinessFavor:
		if openedBy.Kind != domain.PartyWorker {
			return zero, claimed, nil
		}
		return zero, zero, nil
	case OutcomeSplit:
		w, b := r.WorkerPayout, r.BusinessRefund
		if w.Currency == "" {
			w = zero
		}
		if b.Currency == "" {
			b = zero
		}
		if w.IsZero() && b.IsZero() {
			halves := claimed.Split(2)
			if openedBy.Kind == domain.PartyWorker {
				return halves[0], zero, nil
			}
			return zero, halves[0], nil
		}
		if w.IsNegative() || b.IsNegative() {
			return zero, zero, domain.NewValidationError("resolution", "amounts must not be negative")
		}
		if w.Currency != claimed.Currency || b.Currency != claimed.Currency {
			return zero, zero, domain.NewValidationError("resolution", "currency must be "+string(claimed.Currency))
		}
		return w, b, nil
	}
	return zero, zero, domain.NewValidationError("outcome", "unknown outcome "+string(r.Outcome))
}

// explicit reports a split whose amounts the reviewer named.
func (r Resolution) explicit() bool {
	return r.Outcome == OutcomeSplit && (!r.WorkerPayout.IsZero() || !r.BusinessRefund.IsZero())
}

type Dispute struct {
	ID           string
	ShiftID      string
	AssignmentID string
	PaymentID    string
	Worker       domain.Party
	Business     domain.Party
	OpenedBy     domain.Party
	Category     Category
	Description  string
	// Amount is what the opener claims: extra pay for a worker, a refund
	// for a business.
	Amount domain.Money

	Status      Status
	Level       int
	Reviewer    *domain.Party
	SLADeadline time.Time
	Evidence    []Evidence
	Resolution  *Resolution

	OpenedAt   time.Time
	ResolvedAt *time.Time
	ClosedAt   *time.Time
	UpdatedAt  time.Time
	Version    int64
}

func (d *Dispute) moveTo(next Status) error {
	if !d.Status.CanMoveTo(next) {
		return &domain.TransitionError{Aggregate: "dispute", From: string(d.Status), To: string(next)}
	}
	d.Status = next
	return nil
}

// party reports whether p is one of the two sides.
func (d Dispute) party(p domain.Party) bool { return p == d.Worker || p == d.Business }

type Policy struct {
	// OpenWindow bounds how long after clock-out a dispute can be opened.
	OpenWindow time.Duration
	// SLA holds the deadline per escalation level, first level first.
	SLA []time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		OpenWindow: 7 * 24 * time.Hour,
		SLA:        []time.Duration{24 * time.Hour, 48 * time.Hour, 72 * time.Hour},
	}
}

func (p Policy) MaxLevel() int { return len(p.SLA) }

func (p Policy) deadline(level int, from time.Time) time.Time {
	if level < 1 {
		level = 1
	}
	if level > len(p.SLA) {
		level = len(p.SLA)
	}
	return from.Add(p.SLA[level-1])
}
