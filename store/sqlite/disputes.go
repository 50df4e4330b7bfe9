package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/shift-engine/dispute"
	"github.com/warp/shift-engine/domain"
)

// =============================================================================
// DISPUTE STORE (dispute.Store interface)
// =============================================================================

// DisputeStore relies on a partial unique index for the one-active-
// dispute-per-assignment rule.
type DisputeStore struct {
	q querier
}

func activeFlag(d dispute.Dispute) int {
	if d.Status.Active() {
		return 1
	}
	return 0
}

func (s *DisputeStore) Create(ctx context.Context, d dispute.Dispute) error {
	d.Version = 1
	body, err := encode(d)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO disputes (id, shift_id, assignment_id, status, active, opened_at, version, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ShiftID, d.AssignmentID, string(d.Status), activeFlag(d), formatTime(d.OpenedAt), d.Version, body)
	switch {
	case err == nil:
		return nil
	case violatesColumn(err, "disputes.assignment_id"):
		return domain.NewConflict("dispute", s.activeFor(ctx, d.AssignmentID), "assignment already disputed")
	case isUniqueConstraintError(err):
		return domain.NewConflict("dispute", d.ID, "already exists")
	default:
		return fmt.Errorf("failed to insert dispute: %w", err)
	}
}

// activeFor names the blocking dispute in conflict errors.
func (s *DisputeStore) activeFor(ctx context.Context, assignmentID string) string {
	var id string
	err := s.q.QueryRowContext(ctx,
		`SELECT id FROM disputes WHERE assignment_id = ? AND active = 1`, assignmentID).Scan(&id)
	if err != nil {
		return assignmentID
	}
	return id
}

func (s *DisputeStore) Get(ctx context.Context, id string) (dispute.Dispute, error) {
	var (
		version int64
		body    string
		d       dispute.Dispute
	)
	err := s.q.QueryRowContext(ctx, `SELECT version, body FROM disputes WHERE id = ?`, id).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return dispute.Dispute{}, domain.NewNotFound("dispute", id)
	}
	if err != nil {
		return dispute.Dispute{}, fmt.Errorf("failed to load dispute: %w", err)
	}
	if err := decode(body, &d); err != nil {
		return dispute.Dispute{}, err
	}
	d.Version = version
	return d, nil
}

func (s *DisputeStore) Update(ctx context.Context, d dispute.Dispute) (dispute.Dispute, error) {
	expected := d.Version
	d.Version++
	body, err := encode(d)
	if err != nil {
		return dispute.Dispute{}, err
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE disputes SET status = ?, active = ?, version = ?, body = ? WHERE id = ? AND version = ?`,
		string(d.Status), activeFlag(d), d.Version, body, d.ID, expected)
	if err != nil {
		return dispute.Dispute{}, fmt.Errorf("failed to update dispute: %w", err)
	}
	if err := checkSwap(ctx, s.q, res, "disputes", "dispute", d.ID); err != nil {
		return dispute.Dispute{}, err
	}
	return d, nil
}

func (s *DisputeStore) List(ctx context.Context, f dispute.Filter) ([]dispute.Dispute, error) {
	query := `SELECT version, body FROM disputes WHERE 1 = 1`
	var args []any
	if f.ShiftID != "" {
		query += ` AND shift_id = ?`
		args = append(args, f.ShiftID)
	}
	if f.AssignmentID != "" {
		query += ` AND assignment_id = ?`
		args = append(args, f.AssignmentID)
	}
	if f.ActiveOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY opened_at ASC, id ASC`
	return queryBodies(ctx, s.q, func(d *dispute.Dispute, v int64) { d.Version = v }, query, args...)
}

var _ dispute.Store = (*DisputeStore)(nil)
