package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/shift-engine/compliance"
	"github.com/warp/shift-engine/domain"
)

// =============================================================================
// COMPLIANCE STORE (compliance.Store interface)
// =============================================================================

// ComplianceStore upserts eligibility, exemptions and violations. None of
// them carry a version; the gate is their only writer.
type ComplianceStore struct {
	q querier
}

func (s *ComplianceStore) GetEligibility(ctx context.Context, workerID string) (compliance.Eligibility, error) {
	var (
		body string
		e    compliance.Eligibility
	)
	err := s.q.QueryRowContext(ctx, `SELECT body FROM worker_eligibility WHERE worker_id = ?`, workerID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return compliance.Eligibility{}, nil
	}
	if err != nil {
		return compliance.Eligibility{}, fmt.Errorf("failed to load eligibility: %w", err)
	}
	if err := decode(body, &e); err != nil {
		return compliance.Eligibility{}, err
	}
	return e, nil
}

func (s *ComplianceStore) SaveEligibility(ctx context.Context, e compliance.Eligibility) error {
	body, err := encode(e)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO worker_eligibility (worker_id, body) VALUES (?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET body = excluded.body`,
		e.WorkerID, body)
	if err != nil {
		return fmt.Errorf("failed to save eligibility: %w", err)
	}
	return nil
}

func (s *ComplianceStore) GetExemption(ctx context.Context, id string) (compliance.Exemption, error) {
	var (
		body string
		x    compliance.Exemption
	)
	err := s.q.QueryRowContext(ctx, `SELECT body FROM compliance_exemptions WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return compliance.Exemption{}, domain.NewNotFound("exemption", id)
	}
	if err != nil {
		return compliance.Exemption{}, fmt.Errorf("failed to load exemption: %w", err)
	}
	if err := decode(body, &x); err != nil {
		return compliance.Exemption{}, err
	}
	return x, nil
}

func (s *ComplianceStore) ListExemptions(ctx context.Context, workerID string) ([]compliance.Exemption, error) {
	return queryBodies[compliance.Exemption](ctx, s.q, nil,
		`SELECT 0, body FROM compliance_exemptions WHERE worker_id = ? ORDER BY id`, workerID)
}

func (s *ComplianceStore) SaveExemption(ctx context.Context, x compliance.Exemption) error {
	body, err := encode(x)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO compliance_exemptions (id, worker_id, body) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET worker_id = excluded.worker_id, body = excluded.body`,
		x.ID, x.WorkerID, body)
	if err != nil {
		return fmt.Errorf("failed to save exemption: %w", err)
	}
	return nil
}

func (s *ComplianceStore) GetViolation(ctx context.Context, id string) (compliance.Violation, error) {
	var (
		body string
		v    compliance.Violation
	)
	err := s.q.QueryRowContext(ctx, `SELECT body FROM compliance_violations WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return compliance.Violation{}, domain.NewNotFound("violation", id)
	}
	if err != nil {
		return compliance.Violation{}, fmt.Errorf("failed to load violation: %w", err)
	}
	if err := decode(body, &v); err != nil {
		return compliance.Violation{}, err
	}
	return v, nil
}

func (s *ComplianceStore) ListViolations(ctx context.Context, workerID string) ([]compliance.Violation, error) {
	return queryBodies[compliance.Violation](ctx, s.q, nil,
		`SELECT 0, body FROM compliance_violations WHERE worker_id = ? ORDER BY detected_at, id`, workerID)
}

func (s *ComplianceStore) SaveViolation(ctx context.Context, v compliance.Violation) error {
	body, err := encode(v)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO compliance_violations (id, worker_id, detected_at, body) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET worker_id = excluded.worker_id, detected_at = excluded.detected_at, body = excluded.body`,
		v.ID, v.WorkerID, formatTime(v.DetectedAt), body)
	if err != nil {
		return fmt.Errorf("failed to save violation: %w", err)
	}
	return nil
}

var _ compliance.Store = (*ComplianceStore)(nil)
