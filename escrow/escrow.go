/*
Package escrow moves money for shifts and books every movement in the ledger.

PURPOSE:
  A business pays up front. The captured amount is held for the shift's
  Payment and leaves it only through ledger entries: platform fee, worker
  release, cancellation penalty, no-show compensation, dispute adjustment
  or refund. Worker releases become Payouts that are transferred through
  the payment provider with bounded retry.

KEY CONCEPTS:
  - Payment: one per shift, pending → in_escrow → released | refunded,
    manual_review when a provider call is exhausted
  - Payout: one transfer intent per released amount, retried with
    exponential backoff and parked in manual_review after the cap
  - Provider: capture, transfer and refund, every call carries an
    idempotency key so a retry never moves money twice

LEDGER KEYS (provider, ref, type):
  capture              (p, capture ref,           escrow_captured)
  per-assignment lines (p, capture ref#asg,       fee_deducted | escrow_released | ...)
  payout facts         (p, payout id,             payout_initiated)
                       (p, payout id#attempt,     payout_failed)
                       (p, transfer ref,          payout_succeeded)
  refunds              (p, refund ref,            refund_completed | dispute_adjustment)

SEE ALSO:
  - service.go: hold, settle, adjust
  - payout.go: payout processing
  - webhook.go: provider event ingestion
*/
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/ledger"
)

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentStatus string

const (
	PaymentPending      PaymentStatus = "pending"
	PaymentInEscrow     PaymentStatus = "in_escrow"
	PaymentReleased     PaymentStatus = "released"
	PaymentRefunded     PaymentStatus = "refunded"
	PaymentFailed       PaymentStatus = "failed"
	PaymentManualReview PaymentStatus = "manual_review"
)

type Payment struct {
	ID         string
	ShiftID    string
	Business   domain.Party
	Provider   string
	CaptureRef string
	Captured   domain.Money
	Status     PaymentStatus
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (p Payment) ref(suffix string) string { return p.CaptureRef + "#" + suffix }

// =============================================================================
// PAYOUT
// =============================================================================

type PayoutStatus string

const (
	PayoutPending      PayoutStatus = "pending"
	PayoutInitiated    PayoutStatus = "initiated"
	PayoutSucceeded    PayoutStatus = "succeeded"
	PayoutFailed       PayoutStatus = "failed"
	PayoutManualReview PayoutStatus = "manual_review"
)

// Due reports whether the sweep should attempt the payout at now.
func (s PayoutStatus) Due() bool {
	return s == PayoutPending || s == PayoutFailed || s == PayoutInitiated
}

type Payout struct {
	ID            string
	PaymentID     string
	ShiftID       string
	AssignmentID  string
	Worker        domain.Party
	Source        ledger.EntryType // the debit that funded it
	Amount        domain.Money
	Status        PayoutStatus
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	ProviderRef   string
	LastError     string
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// =============================================================================
// PROVIDER PORT
// =============================================================================

// ErrDeclined marks a permanent provider refusal. It is not retried.
var ErrDeclined = errors.New("declined by provider")

type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferSucceeded TransferStatus = "succeeded"
)

type CaptureRequest struct {
	PaymentID      string
	Business       domain.Party
	Amount         domain.Money
	IdempotencyKey string
}

type TransferRequest struct {
	PayoutID       string
	Worker         domain.Party
	Amount         domain.Money
	IdempotencyKey string
}

type RefundRequest struct {
	PaymentID      string
	CaptureRef     string
	Amount         domain.Money
	IdempotencyKey string
}

type Result struct {
	Ref    string
	Status TransferStatus
}

// Provider is the external payment processor. Calls with the same
// idempotency key return the same Result.
type Provider interface {
	Name() string
	Capture(ctx context.Context, req CaptureRequest) (Result, error)
	Transfer(ctx context.Context, req TransferRequest) (Result, error)
	Refund(ctx context.Context, req RefundRequest) (Result, error)
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	CreatePayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, id string) (Payment, error)
	PaymentForShift(ctx context.Context, shiftID string) (Payment, bool, error)
	// UpdatePayment writes p if the stored version equals p.Version and
	// returns p with the incremented version.
	UpdatePayment(ctx context.Context, p Payment) (Payment, error)

	CreatePayout(ctx context.Context, p Payout) error
	GetPayout(ctx context.Context, id string) (Payout, error)
	UpdatePayout(ctx context.Context, p Payout) (Payout, error)
	PayoutsForPayment(ctx context.Context, paymentID string) ([]Payout, error)
	DuePayouts(ctx context.Context, now time.Time, limit int) ([]Payout, error)

	Journal() ledger.Store

	// WithTx runs fn against a transactional view. fn must not call
	// WithTx on the outer store.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// CONFIG
// =============================================================================

type Config struct {
	PayoutMaxAttempts int
	PayoutBackoff     time.Duration
	PayoutBackoffMax  time.Duration
	PayoutBatchSize   int

	ProviderAttempts int
	ProviderBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{
		PayoutMaxAttempts: 5,
		PayoutBackoff:     5 * time.Minute,
		PayoutBackoffMax:  6 * time.Hour,
		PayoutBatchSize:   100,
		ProviderAttempts:  3,
		ProviderBackoff:   200 * time.Millisecond,
	}
}

// backoff is PayoutBackoff doubled per failed attempt, capped.
func (c Config) backoff(attempts int) time.Duration {
	d := c.PayoutBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if c.PayoutBackoffMax > 0 && d >= c.PayoutBackoffMax {
			return c.PayoutBackoffMax
		}
	}
	return d
}
