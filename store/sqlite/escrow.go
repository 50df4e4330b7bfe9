package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/escrow"
	"github.com/warp/shift-engine/ledger"
)

// =============================================================================
// ESCROW STORE (escrow.Store interface)
// =============================================================================

// EscrowStore keeps payments and payouts. Its journal shares the
// transaction, so a payment transition and its ledger entries commit
// together.
type EscrowStore struct {
	db *sql.DB
	q  querier
}

func (s *EscrowStore) Journal() ledger.Store { return &Journal{q: s.q} }

func (s *EscrowStore) WithTx(ctx context.Context, fn func(escrow.Store) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(s)
	}
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		return fn(&EscrowStore{db: s.db, q: tx})
	})
}

func (s *EscrowStore) CreatePayment(ctx context.Context, p escrow.Payment) error {
	p.Version = 1
	body, err := encode(p)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO payments (id, shift_id, status, created_at, version, body)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.ShiftID, string(p.Status), formatTime(p.CreatedAt), p.Version, body)
	if isUniqueConstraintError(err) {
		return domain.NewConflict("payment", p.ID, "already exists")
	}
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (s *EscrowStore) GetPayment(ctx context.Context, id string) (escrow.Payment, error) {
	p, ok, err := s.onePayment(ctx, `SELECT version, body FROM payments WHERE id = ?`, id)
	if err != nil {
		return escrow.Payment{}, err
	}
	if !ok {
		return escrow.Payment{}, domain.NewNotFound("payment", id)
	}
	return p, nil
}

// PaymentForShift returns the most recent payment of a shift.
func (s *EscrowStore) PaymentForShift(ctx context.Context, shiftID string) (escrow.Payment, bool, error) {
	return s.onePayment(ctx,
		`SELECT version, body FROM payments WHERE shift_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, shiftID)
}

func (s *EscrowStore) onePayment(ctx context.Context, query string, args ...any) (escrow.Payment, bool, error) {
	var (
		version int64
		body    string
		p       escrow.Payment
	)
	err := s.q.QueryRowContext(ctx, query, args...).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.Payment{}, false, nil
	}
	if err != nil {
		return escrow.Payment{}, false, fmt.Errorf("failed to load payment: %w", err)
	}
	if err := decode(body, &p); err != nil {
		return escrow.Payment{}, false, err
	}
	p.Version = version
	return p, true, nil
}

func (s *EscrowStore) UpdatePayment(ctx context.Context, p escrow.Payment) (escrow.Payment, error) {
	expected := p.Version
	p.Version++
	body, err := encode(p)
	if err != nil {
		return escrow.Payment{}, err
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE payments SET status = ?, version = ?, body = ? WHERE id = ? AND version = ?`,
		string(p.Status), p.Version, body, p.ID, expected)
	if err != nil {
		return escrow.Payment{}, fmt.Errorf("failed to update payment: %w", err)
	}
	if err := checkSwap(ctx, s.q, res, "payments", "payment", p.ID); err != nil {
		return escrow.Payment{}, err
	}
	return p, nil
}

func (s *EscrowStore) CreatePayout(ctx context.Context, p escrow.Payout) error {
	p.Version = 1
	body, err := encode(p)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO payouts (id, payment_id, status, next_attempt_at, created_at, version, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.PaymentID, string(p.Status), formatTime(p.NextAttemptAt), formatTime(p.CreatedAt), p.Version, body)
	if isUniqueConstraintError(err) {
		return domain.NewConflict("payout", p.ID, "already exists")
	}
	if err != nil {
		return fmt.Errorf("failed to insert payout: %w", err)
	}
	return nil
}

func (s *EscrowStore) GetPayout(ctx context.Context, id string) (escrow.Payout, error) {
	var (
		version int64
		body    string
		p       escrow.Payout
	)
	err := s.q.QueryRowContext(ctx, `SELECT version, body FROM payouts WHERE id = ?`, id).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.Payout{}, domain.NewNotFound("payout", id)
	}
	if err != nil {
		return escrow.Payout{}, fmt.Errorf("failed to load payout: %w", err)
	}
	if err := decode(body, &p); err != nil {
		return escrow.Payout{}, err
	}
	p.Version = version
	return p, nil
}

func (s *EscrowStore) UpdatePayout(ctx context.Context, p escrow.Payout) (escrow.Payout, error) {
	expected := p.Version
	p.Version++
	body, err := encode(p)
	if err != nil {
		return escrow.Payout{}, err
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE payouts SET status = ?, next_attempt_at = ?, version = ?, body = ? WHERE id = ? AND version = ?`,
		string(p.Status), formatTime(p.NextAttemptAt), p.Version, body, p.ID, expected)
	if err != nil {
		return escrow.Payout{}, fmt.Errorf("failed to update payout: %w", err)
	}
	if err := checkSwap(ctx, s.q, res, "payouts", "payout", p.ID); err != nil {
		return escrow.Payout{}, err
	}
	return p, nil
}

func (s *EscrowStore) PayoutsForPayment(ctx context.Context, paymentID string) ([]escrow.Payout, error) {
	return queryBodies(ctx, s.q, func(p *escrow.Payout, v int64) { p.Version = v },
		`SELECT version, body FROM payouts WHERE payment_id = ? ORDER BY created_at ASC, id ASC`, paymentID)
}

// DuePayouts returns pending, initiated and failed payouts whose next
// attempt is not in the future, earliest first.
func (s *EscrowStore) DuePayouts(ctx context.Context, now time.Time, limit int) ([]escrow.Payout, error) {
	query := `SELECT version, body FROM payouts
		WHERE status IN (?, ?, ?) AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC, id ASC`
	args := []any{
		string(escrow.PayoutPending), string(escrow.PayoutInitiated), string(escrow.PayoutFailed),
		formatTime(now),
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return queryBodies(ctx, s.q, func(p *escrow.Payout, v int64) { p.Version = v }, query, args...)
}

var _ escrow.Store = (*EscrowStore)(nil)

// =============================================================================
// JOURNAL (ledger.Store interface)
// =============================================================================

// Journal is the append-only ledger table.
type Journal struct {
	q querier
}

func (j *Journal) Append(ctx context.Context, e ledger.Entry) error {
	var last int64
	err := j.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM ledger_entries WHERE payment_id = ?`, e.PaymentID).Scan(&last)
	if err != nil {
		return fmt.Errorf("failed to read sequence: %w", err)
	}
	if e.Sequence != last+1 {
		return ledger.ErrSequenceTaken
	}

	body, err := encode(e)
	if err != nil {
		return err
	}
	_, err = j.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, payment_id, sequence, idempotency_key, created_at, body)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.PaymentID, e.Sequence, e.IdempotencyKey, formatTime(e.CreatedAt), body)
	switch {
	case err == nil:
		return nil
	case violatesColumn(err, "ledger_entries.idempotency_key"):
		return ledger.ErrDuplicateKey
	case isUniqueConstraintError(err):
		return ledger.ErrSequenceTaken
	default:
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
}

func (j *Journal) ByKey(ctx context.Context, key string) (ledger.Entry, bool, error) {
	return j.one(ctx, `SELECT body FROM ledger_entries WHERE idempotency_key = ?`, key)
}

func (j *Journal) Last(ctx context.Context, paymentID string) (ledger.Entry, bool, error) {
	return j.one(ctx,
		`SELECT body FROM ledger_entries WHERE payment_id = ? ORDER BY sequence DESC LIMIT 1`, paymentID)
}

func (j *Journal) one(ctx context.Context, query string, args ...any) (ledger.Entry, bool, error) {
	var (
		body string
		e    ledger.Entry
	)
	err := j.q.QueryRowContext(ctx, query, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, fmt.Errorf("failed to load ledger entry: %w", err)
	}
	if err := decode(body, &e); err != nil {
		return ledger.Entry{}, false, err
	}
	return e, true, nil
}

// Entries returns the chain of a payment in sequence order.
func (j *Journal) Entries(ctx context.Context, paymentID string) ([]ledger.Entry, error) {
	rows, err := j.q.QueryContext(ctx,
		`SELECT body FROM ledger_entries WHERE payment_id = ? ORDER BY sequence ASC`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	out := make([]ledger.Entry, 0)
	for rows.Next() {
		var (
			body string
			e    ledger.Entry
		)
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		if err := decode(body, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ ledger.Store = (*Journal)(nil)
