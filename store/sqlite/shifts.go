package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/shift"
)

// =============================================================================
// SHIFT REPOSITORY (shift.Repository interface)
// =============================================================================

// ShiftRepository stores shifts and their assignments. The zero-tx value
// works on the pool; WithTx hands fn a copy bound to one transaction.
type ShiftRepository struct {
	db *sql.DB
	q  querier
}

func (r *ShiftRepository) WithTx(ctx context.Context, fn func(shift.Repository) error) error {
	if _, inTx := r.q.(*sql.Tx); inTx {
		return fn(r)
	}
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		return fn(&ShiftRepository{db: r.db, q: tx})
	})
}

func (r *ShiftRepository) CreateShift(ctx context.Context, s shift.Shift) error {
	s.Version = 1
	body, err := encode(s)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO shifts (id, business_id, status, record_status, starts_at, version, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Business.ID, string(s.Status), string(s.RecordStatus), formatTime(s.Window.Start), s.Version, body)
	if isUniqueConstraintError(err) {
		return domain.NewConflict("shift", s.ID, "already exists")
	}
	if err != nil {
		return fmt.Errorf("failed to insert shift: %w", err)
	}
	return nil
}

func (r *ShiftRepository) GetShift(ctx context.Context, id string) (shift.Shift, error) {
	var (
		version int64
		body    string
		s       shift.Shift
	)
	err := r.q.QueryRowContext(ctx, `SELECT version, body FROM shifts WHERE id = ?`, id).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return shift.Shift{}, domain.NewNotFound("shift", id)
	}
	if err != nil {
		return shift.Shift{}, fmt.Errorf("failed to load shift: %w", err)
	}
	if err := decode(body, &s); err != nil {
		return shift.Shift{}, err
	}
	s.Version = version
	return s, nil
}

func (r *ShiftRepository) UpdateShift(ctx context.Context, s shift.Shift) (shift.Shift, error) {
	expected := s.Version
	s.Version++
	body, err := encode(s)
	if err != nil {
		return shift.Shift{}, err
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE shifts SET business_id = ?, status = ?, record_status = ?, starts_at = ?, version = ?, body = ?
		WHERE id = ? AND version = ?`,
		s.Business.ID, string(s.Status), string(s.RecordStatus), formatTime(s.Window.Start), s.Version, body,
		s.ID, expected)
	if err != nil {
		return shift.Shift{}, fmt.Errorf("failed to update shift: %w", err)
	}
	if err := r.checkSwap(ctx, res, "shifts", "shift", s.ID); err != nil {
		return shift.Shift{}, err
	}
	return s, nil
}

// checkSwap turns a zero-row CAS update into not-found or conflict.
func (r *ShiftRepository) checkSwap(ctx context.Context, res sql.Result, table, aggregate, id string) error {
	return checkSwap(ctx, r.q, res, table, aggregate, id)
}

func checkSwap(ctx context.Context, q querier, res sql.Result, table, aggregate, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", aggregate, err)
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", aggregate, err)
	}
	if exists == 0 {
		return domain.NewNotFound(aggregate, id)
	}
	return domain.NewConflict(aggregate, id, "version changed")
}

func (r *ShiftRepository) ListShifts(ctx context.Context, f shift.Filter) ([]shift.Shift, error) {
	query := `SELECT version, body FROM shifts WHERE 1 = 1`
	var args []any
	if f.Business != "" {
		query += ` AND business_id = ?`
		args = append(args, f.Business)
	}
	if !f.IncludeArchived {
		query += ` AND record_status != ?`
		args = append(args, string(shift.RecordArchived))
	}
	if !f.StartsBefore.IsZero() {
		query += ` AND starts_at < ?`
		args = append(args, formatTime(f.StartsBefore))
	}
	if len(f.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(f.Statuses)) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY starts_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return queryBodies(ctx, r.q, func(s *shift.Shift, v int64) { s.Version = v }, query, args...)
}

func (r *ShiftRepository) CreateAssignment(ctx context.Context, a shift.Assignment) error {
	a.Version = 1
	body, err := encode(a)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO assignments (id, shift_id, worker_id, status, applied_at, version, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ShiftID, a.Worker.ID, string(a.Status), formatTime(a.AppliedAt), a.Version, body)
	if isUniqueConstraintError(err) {
		return domain.NewConflict("assignment", a.ID, "already exists")
	}
	if err != nil {
		return fmt.Errorf("failed to insert assignment: %w", err)
	}
	return nil
}

func (r *ShiftRepository) GetAssignment(ctx context.Context, id string) (shift.Assignment, error) {
	var (
		version int64
		body    string
		a       shift.Assignment
	)
	err := r.q.QueryRowContext(ctx, `SELECT version, body FROM assignments WHERE id = ?`, id).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return shift.Assignment{}, domain.NewNotFound("assignment", id)
	}
	if err != nil {
		return shift.Assignment{}, fmt.Errorf("failed to load assignment: %w", err)
	}
	if err := decode(body, &a); err != nil {
		return shift.Assignment{}, err
	}
	a.Version = version
	return a, nil
}

func (r *ShiftRepository) UpdateAssignment(ctx context.Context, a shift.Assignment) (shift.Assignment, error) {
	expected := a.Version
	a.Version++
	body, err := encode(a)
	if err != nil {
		return shift.Assignment{}, err
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE assignments SET worker_id = ?, status = ?, applied_at = ?, version = ?, body = ?
		WHERE id = ? AND version = ?`,
		a.Worker.ID, string(a.Status), formatTime(a.AppliedAt), a.Version, body, a.ID, expected)
	if err != nil {
		return shift.Assignment{}, fmt.Errorf("failed to update assignment: %w", err)
	}
	if err := r.checkSwap(ctx, res, "assignments", "assignment", a.ID); err != nil {
		return shift.Assignment{}, err
	}
	return a, nil
}

func (r *ShiftRepository) Assignments(ctx context.Context, shiftID string) ([]shift.Assignment, error) {
	return queryBodies(ctx, r.q, func(a *shift.Assignment, v int64) { a.Version = v },
		`SELECT version, body FROM assignments WHERE shift_id = ? ORDER BY applied_at ASC, id ASC`, shiftID)
}

// committedStatuses count against a worker's time.
var committedStatuses = []any{
	string(shift.AssignmentConfirmed),
	string(shift.AssignmentClockedIn),
	string(shift.AssignmentClockedOut),
	string(shift.AssignmentVerified),
	string(shift.AssignmentPaid),
}

func (r *ShiftRepository) WorkerBookings(ctx context.Context, workerID string, within domain.Window) ([]shift.Booking, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT a.version, a.body, s.version, s.body
		FROM assignments a JOIN shifts s ON s.id = a.shift_id
		WHERE a.worker_id = ? AND a.status IN (`+placeholders(len(committedStatuses))+`)`,
		append([]any{workerID}, committedStatuses...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var out []shift.Booking
	for rows.Next() {
		var (
			aVersion, sVersion int64
			aBody, sBody       string
			a                  shift.Assignment
			s                  shift.Shift
		)
		if err := rows.Scan(&aVersion, &aBody, &sVersion, &sBody); err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		if err := decode(aBody, &a); err != nil {
			return nil, err
		}
		if err := decode(sBody, &s); err != nil {
			return nil, err
		}
		b := shift.Booking{
			ShiftID:      s.ID,
			AssignmentID: a.ID,
			Status:       a.Status,
			Scheduled:    s.Window,
			Worked:       a.WorkedWindow(),
			Hours:        a.Hours,
		}
		if b.Scheduled.Overlaps(within) || b.Worked.Overlaps(within) {
			out = append(out, b)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scheduled.Start.Before(out[j].Scheduled.Start) })
	return out, nil
}

var _ shift.Repository = (*ShiftRepository)(nil)
