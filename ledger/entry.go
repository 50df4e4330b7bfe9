/*
Package ledger is the append-only escrow journal.

PURPOSE:
  Every movement of money held for a business payment is one immutable
  Entry. The balance held for a payment is the sum of its entries in
  sequence order, and every entry carries that running balance as
  BalanceAfter so a replay can prove it.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: no update, no delete, corrections are new entries
  2. IDEMPOTENT: the key (provider, provider_ref, entry_type) is unique,
     a replay returns the stored entry together with ErrIdempotentNoop
  3. ORDERED: entries of one payment carry a gap-free sequence 1..n
  4. NON-NEGATIVE: an append that would drive the balance below zero is
     refused as an invariant violation

ENTRY TYPES:
  credit  escrow_captured
  debit   fee_deducted, escrow_released, cancellation_penalty,
          worker_compensation, refund_completed, dispute_adjustment
  fact    payout_initiated, payout_succeeded, payout_failed

  Payout facts move no escrow money, the worker's share already left the
  balance at escrow_released. Their amount is zero and the payout amount
  is carried in the memo.

SEE ALSO:
  - ledger.go: Post and Verify
  - store/memory.go: in-memory Store
  - store/sqlite: database Store
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/warp/shift-engine/domain"
)

// =============================================================================
// ENTRY TYPES
// =============================================================================

type EntryType string

const (
	EscrowCaptured      EntryType = "escrow_captured"
	EscrowReleased      EntryType = "escrow_released"
	FeeDeducted         EntryType = "fee_deducted"
	PayoutInitiated     EntryType = "payout_initiated"
	PayoutSucceeded     EntryType = "payout_succeeded"
	PayoutFailed        EntryType = "payout_failed"
	RefundCompleted     EntryType = "refund_completed"
	DisputeAdjustment   EntryType = "dispute_adjustment"
	CancellationPenalty EntryType = "cancellation_penalty"
	WorkerCompensation  EntryType = "worker_compensation"
)

// Sign is +1 for credits, -1 for debits and 0 for zero-amount facts.
func (t EntryType) Sign() int64 {
	switch t {
	case EscrowCaptured:
		return 1
	case EscrowReleased, FeeDeducted, RefundCompleted, DisputeAdjustment, CancellationPenalty, WorkerCompensation:
		return -1
	case PayoutInitiated, PayoutSucceeded, PayoutFailed:
		return 0
	}
	return 0
}

func (t EntryType) Valid() bool {
	switch t {
	case EscrowCaptured, EscrowReleased, FeeDeducted, PayoutInitiated, PayoutSucceeded,
		PayoutFailed, RefundCompleted, DisputeAdjustment, CancellationPenalty, WorkerCompensation:
		return true
	}
	return false
}

// =============================================================================
// IDEMPOTENCY KEY
// =============================================================================

// Key is the idempotency boundary of the journal. Ref is the provider's
// id for the event (payment id, transfer id, refund id), suffixed by the
// caller when one provider object yields several entries of one type.
type Key struct {
	Provider string
	Ref      string
	Type     EntryType
}

func (k Key) String() string { return k.Provider + ":" + k.Ref + ":" + string(k.Type) }

func (k Key) Validate() error {
	if k.Provider == "" || k.Ref == "" {
		return domain.NewValidationError("idempotency_key", "provider and ref are required")
	}
	if !k.Type.Valid() {
		return domain.NewValidationError("idempotency_key", fmt.Sprintf("unknown entry type %q", k.Type))
	}
	return nil
}

// =============================================================================
// ENTRY
// =============================================================================

// Memo is the typed context stored with an entry.
type Memo struct {
	Reason       string        `json:"reason,omitempty"`
	PayoutID     string        `json:"payout_id,omitempty"`
	PayoutAmount *domain.Money `json:"payout_amount,omitempty"`
	Attempt      int           `json:"attempt,omitempty"`
	DisputeID    string        `json:"dispute_id,omitempty"`
	WorkerID     string        `json:"worker_id,omitempty"`
}

type Entry struct {
	ID             string
	PaymentID      string
	ShiftID        string
	AssignmentID   string
	Type           EntryType
	Amount         domain.Money // signed
	BalanceAfter   domain.Money
	Sequence       int64
	IdempotencyKey string
	Actor          domain.Party
	Memo           Memo
	CreatedAt      time.Time
}
