/*
Package notify is the outbound port to the notification service.

PURPOSE:
  The core emits typed events (a shift was assigned, a payout completed,
  a dispute was opened) and never waits for delivery. Delivery channels
  live outside the core. Notify has no error return: a notifier that
  cannot deliver logs and drops.

IMPLEMENTATIONS:
  - Log:      writes the event as a structured log line
  - Recorder: keeps events in memory for tests
  - Multi:    fans out to several notifiers
  - broker.Notifier: publishes to Kafka for the delivery service
*/
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/shift-engine/domain"
)

type EventType string

const (
	ShiftPublished         EventType = "shift_published"
	ShiftAssigned          EventType = "shift_assigned"
	ShiftCancelled         EventType = "shift_cancelled"
	ShiftCompleted         EventType = "shift_completed"
	ApplicationReceived    EventType = "application_received"
	ApplicationAccepted    EventType = "application_accepted"
	AcknowledgementExpired EventType = "acknowledgement_expired"
	SlotAvailable          EventType = "slot_available"
	ClockInFlagged         EventType = "clock_in_flagged"
	NoShowRecorded         EventType = "no_show_recorded"
	HoursVerified          EventType = "hours_verified"
	PaymentCaptured        EventType = "payment_captured"
	EscrowReleased         EventType = "escrow_released"
	PayoutCompleted        EventType = "payout_completed"
	PayoutManualReview     EventType = "payout_manual_review"
	RefundIssued           EventType = "refund_issued"
	DisputeOpened          EventType = "dispute_opened"
	DisputeEscalated       EventType = "dispute_escalated"
	DisputeResolved        EventType = "dispute_resolved"
	ComplianceFlagged      EventType = "compliance_flagged"
	InvariantViolation     EventType = "invariant_violation"
)

// Operations is the recipient for events that need a human on the
// platform side.
var Operations = domain.Party{Kind: domain.PartyAdmin, ID: "operations"}

type Event struct {
	ID           string        `json:"id"`
	Type         EventType     `json:"type"`
	Recipient    domain.Party  `json:"recipient"`
	ShiftID      string        `json:"shift_id,omitempty"`
	AssignmentID string        `json:"assignment_id,omitempty"`
	PaymentID    string        `json:"payment_id,omitempty"`
	DisputeID    string        `json:"dispute_id,omitempty"`
	Amount       *domain.Money `json:"amount,omitempty"`
	Detail       string        `json:"detail,omitempty"`
	OccurredAt   time.Time     `json:"occurred_at"`
}

// Key is the partition key used by transports: all events about one
// shift stay ordered.
func (e Event) Key() string {
	switch {
	case e.ShiftID != "":
		return e.ShiftID
	case e.PaymentID != "":
		return e.PaymentID
	default:
		return e.Recipient.String()
	}
}

type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Stamp fills ID and OccurredAt when the caller left them empty.
func Stamp(e Event, now time.Time) Event {
	if e.ID == "" {
		e.ID = domain.NewID("evt")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	return e
}

// =============================================================================
// LOG
// =============================================================================

type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("module", "notify", "layer", "adapter")}
}

func (l *Log) Notify(ctx context.Context, e Event) {
	l.logger.InfoContext(ctx, "notification emitted",
		"operation", "notify",
		"outcome", "success",
		"event_id", e.ID,
		"event_type", string(e.Type),
		"recipient", e.Recipient.String(),
		"shift_id", e.ShiftID,
		"payment_id", e.PaymentID,
	)
}

// =============================================================================
// MULTI
// =============================================================================

type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, e)
		}
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// =============================================================================
// RECORDER
// =============================================================================

type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Notify(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) ByType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
