package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Assignment is the outstanding SLA record for an assigned lead. There is at
// most one open row per lead; re-assignment replaces it with a fresh deadline.
type Assignment struct {
	LeadID        uuid.UUID
	TenantID      uuid.UUID
	AgentID       uuid.UUID
	PriorityLevel string
	Deadline      time.Time
	ResolvedAt    *time.Time
	CreatedAt     time.Time
}

// Overdue reports whether the deadline has passed without resolution.
func (a Assignment) Overdue(now time.Time) bool {
	return a.ResolvedAt == nil && now.After(a.Deadline)
}

// OpenAssignment creates or replaces the lead's outstanding SLA row.
func (r *Repository) OpenAssignment(ctx context.Context, a Assignment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO assignments (lead_id, tenant_id, agent_id, priority_level, deadline)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (lead_id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			priority_level = EXCLUDED.priority_level,
			deadline = EXCLUDED.deadline,
			resolved_at = NULL,
			created_at = now()`,
		a.LeadID, a.TenantID, a.AgentID, a.PriorityLevel, a.Deadline,
	)
	if err != nil {
		return fmt.Errorf("open assignment: %w", err)
	}
	return nil
}

// CloseAssignment marks the lead's outstanding SLA row resolved.
func (r *Repository) CloseAssignment(ctx context.Context, leadID uuid.UUID, tenantID uuid.UUID, at time.Time) (Assignment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE assignments
		SET resolved_at = $3
		WHERE lead_id = $1 AND tenant_id = $2 AND resolved_at IS NULL
		RETURNING lead_id, tenant_id, agent_id, priority_level, deadline, resolved_at, created_at`,
		leadID, tenantID, at,
	)
	a, err := scanAssignment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, ErrNotFound
	}
	return a, err
}

// GetAssignment returns the lead's outstanding SLA row.
func (r *Repository) GetAssignment(ctx context.Context, leadID uuid.UUID, tenantID uuid.UUID) (Assignment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT lead_id, tenant_id, agent_id, priority_level, deadline, resolved_at, created_at
		FROM assignments
		WHERE lead_id = $1 AND tenant_id = $2 AND resolved_at IS NULL`,
		leadID, tenantID,
	)
	a, err := scanAssignment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, ErrNotFound
	}
	return a, err
}

// ClaimOverdue atomically removes and returns assignments whose deadline
// passed without resolution. Deleting inside the same statement makes the
// claim safe across concurrent sweepers: each overdue row is returned to
// exactly one caller. The re-route that follows opens a fresh row.
func (r *Repository) ClaimOverdue(ctx context.Context, now time.Time, limit int) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `
		DELETE FROM assignments
		WHERE lead_id IN (
			SELECT lead_id FROM assignments
			WHERE deadline < $1 AND resolved_at IS NULL
			ORDER BY deadline ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING lead_id, tenant_id, agent_id, priority_level, deadline, resolved_at, created_at`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim overdue assignments: %w", err)
	}
	defer rows.Close()

	var claimed []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, a)
	}
	return claimed, rows.Err()
}

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	err := row.Scan(&a.LeadID, &a.TenantID, &a.AgentID, &a.PriorityLevel,
		&a.Deadline, &a.ResolvedAt, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, err
		}
		return Assignment{}, fmt.Errorf("scan assignment: %w", err)
	}
	return a, nil
}
