package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/warp/shift-engine/domain"
)

var (
	// ErrDuplicateKey is returned by a Store when the idempotency key is taken.
	ErrDuplicateKey = errors.New("duplicate idempotency key")

	// ErrSequenceTaken is returned by a Store when another writer appended
	// the same sequence number for the payment first.
	ErrSequenceTaken = errors.New("sequence already taken")
)

// =============================================================================
// STORE - Low-level persistence
// =============================================================================

// Store persists entries. It enforces uniqueness of IdempotencyKey and of
// (PaymentID, Sequence), nothing else.
type Store interface {
	Append(ctx context.Context, e Entry) error
	ByKey(ctx context.Context, key string) (Entry, bool, error)
	Last(ctx context.Context, paymentID string) (Entry, bool, error)
	Entries(ctx context.Context, paymentID string) ([]Entry, error)
}

// =============================================================================
// LEDGER
// =============================================================================

const maxAppendAttempts = 5

type Ledger struct {
	store  Store
	now    domain.Clock
	logger *slog.Logger
}

func New(store Store, now domain.Clock, logger *slog.Logger) *Ledger {
	if now == nil {
		now = domain.SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, now: now, logger: logger.With("module", "ledger", "layer", "domain")}
}

// Bind returns a ledger writing through s, typically a transactional view.
func (l *Ledger) Bind(s Store) *Ledger {
	return &Ledger{store: s, now: l.now, logger: l.logger}
}

// Posting is a request to append one entry. Amount is the magnitude,
// the entry type decides the sign.
type Posting struct {
	PaymentID    string
	ShiftID      string
	AssignmentID string
	Type         EntryType
	Amount       domain.Money
	Key          Key
	Actor        domain.Party
	Memo         Memo
}

func (p Posting) validate() error {
	if p.PaymentID == "" {
		return domain.NewValidationError("payment_id", "required")
	}
	if err := p.Key.Validate(); err != nil {
		return err
	}
	if p.Key.Type != p.Type {
		return domain.NewValidationError("idempotency_key", "entry type does not match key")
	}
	if !p.Amount.Currency.Valid() {
		return domain.NewValidationError("amount.currency", "invalid currency")
	}
	if p.Amount.IsNegative() {
		return domain.NewValidationError("amount", "must not be negative, the entry type carries the sign")
	}
	if p.Type.Sign() == 0 && !p.Amount.IsZero() {
		return domain.NewValidationError("amount", fmt.Sprintf("%s entries carry zero amount", p.Type))
	}
	return nil
}

// Post appends one entry. Replaying a key returns the stored entry and
// domain.ErrIdempotentNoop.
func (l *Ledger) Post(ctx context.Context, p Posting) (Entry, error) {
	if err := p.validate(); err != nil {
		return Entry{}, err
	}
	key := p.Key.String()

	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		if existing, ok, err := l.store.ByKey(ctx, key); err != nil {
			return Entry{}, err
		} else if ok {
			l.logger.DebugContext(ctx, "ledger replay ignored",
				"operation", "post", "outcome", "noop", "payment_id", p.PaymentID, "key", key)
			return existing, domain.ErrIdempotentNoop
		}

		last, found, err := l.store.Last(ctx, p.PaymentID)
		if err != nil {
			return Entry{}, err
		}
		balance := domain.Zero(p.Amount.Currency)
		var seq int64
		if found {
			if last.BalanceAfter.Currency != p.Amount.Currency {
				return Entry{}, domain.NewInvariant("payment", p.PaymentID,
					fmt.Sprintf("currency %s does not match journal currency %s", p.Amount.Currency, last.BalanceAfter.Currency))
			}
			balance = last.BalanceAfter
			seq = last.Sequence
		}

		signed := domain.NewMoney(p.Amount.Minor*p.Type.Sign(), p.Amount.Currency)
		after := balance.Add(signed)
		if after.IsNegative() {
			l.logger.ErrorContext(ctx, "ledger append refused",
				"operation", "post", "outcome", "invariant_violation",
				"payment_id", p.PaymentID, "type", string(p.Type),
				"balance", balance.Minor, "amount", signed.Minor)
			return Entry{}, domain.NewInvariant("payment", p.PaymentID,
				fmt.Sprintf("%s of %s exceeds held balance %s", p.Type, p.Amount, balance))
		}

		e := Entry{
			ID:             domain.NewID("led"),
			PaymentID:      p.PaymentID,
			ShiftID:        p.ShiftID,
			AssignmentID:   p.AssignmentID,
			Type:           p.Type,
			Amount:         signed,
			BalanceAfter:   after,
			Sequence:       seq + 1,
			IdempotencyKey: key,
			Actor:          p.Actor,
			Memo:           p.Memo,
			CreatedAt:      l.now(),
		}
		err = l.store.Append(ctx, e)
		switch {
		case err == nil:
			l.logger.InfoContext(ctx, "ledger entry appended",
				"operation", "post", "outcome", "success",
				"payment_id", e.PaymentID, "type", string(e.Type),
				"amount", e.Amount.Minor, "balance_after", e.BalanceAfter.Minor, "sequence", e.Sequence)
			return e, nil
		case errors.Is(err, ErrDuplicateKey), errors.Is(err, ErrSequenceTaken):
			continue // re-read and decide again
		default:
			return Entry{}, err
		}
	}
	return Entry{}, domain.NewConflict("payment", p.PaymentID, "ledger sequence contention")
}

// Entries returns the chain of a payment in sequence order.
func (l *Ledger) Entries(ctx context.Context, paymentID string) ([]Entry, error) {
	return l.store.Entries(ctx, paymentID)
}

// Balance is the running balance of the latest entry, zero when empty.
func (l *Ledger) Balance(ctx context.Context, paymentID string, currency domain.Currency) (domain.Money, error) {
	last, ok, err := l.store.Last(ctx, paymentID)
	if err != nil {
		return domain.Money{}, err
	}
	if !ok {
		return domain.Zero(currency), nil
	}
	return last.BalanceAfter, nil
}

// =============================================================================
// REPLAY
// =============================================================================

// Summary is the result of replaying one payment's chain.
type Summary struct {
	PaymentID string
	Entries   int
	Balance   domain.Money
	Totals    map[EntryType]domain.Money
}

// Verify replays the chain and checks sequence continuity, balance
// continuity and that the balance never went negative.
func (l *Ledger) Verify(ctx context.Context, paymentID string) (Summary, error) {
	entries, err := l.store.Entries(ctx, paymentID)
	if err != nil {
		return Summary{}, err
	}
	return Replay(paymentID, entries)
}

func Replay(paymentID string, entries []Entry) (Summary, error) {
	s := Summary{PaymentID: paymentID, Totals: make(map[EntryType]domain.Money)}
	if len(entries) == 0 {
		return s, nil
	}
	balance := domain.Zero(entries[0].Amount.Currency)
	for i, e := range entries {
		if e.Sequence != int64(i+1) {
			return s, domain.NewInvariant("payment", paymentID, fmt.Sprintf("sequence gap at %d, found %d", i+1, e.Sequence))
		}
		if e.Amount.Currency != balance.Currency {
			return s, domain.NewInvariant("payment", paymentID, fmt.Sprintf("mixed currency at sequence %d", e.Sequence))
		}
		balance = balance.Add(e.Amount)
		if balance != e.BalanceAfter {
			return s, domain.NewInvariant("payment", paymentID,
				fmt.Sprintf("balance_after %s at sequence %d, replay gives %s", e.BalanceAfter, e.Sequence, balance))
		}
		if balance.IsNegative() {
			return s, domain.NewInvariant("payment", paymentID, fmt.Sprintf("negative balance at sequence %d", e.Sequence))
		}
		t, ok := s.Totals[e.Type]
		if !ok {
			t = domain.Zero(balance.Currency)
		}
		s.Totals[e.Type] = t.Add(e.Amount.Abs())
	}
	s.Entries = len(entries)
	s.Balance = balance
	return s, nil
}
