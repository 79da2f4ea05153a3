// Package repository persists routing decisions as an append-only audit
// trail. A decision is produced once per routing attempt and never mutated.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no decision exists for the lead.
var ErrNotFound = errors.New("routing decision not found")

// Decision records one routing attempt for a lead.
type Decision struct {
	ID                   uuid.UUID
	TenantID             uuid.UUID
	LeadID               uuid.UUID
	AgentID              uuid.UUID
	Queue                string
	PriorityLevel        string
	Reasoning            []string
	Confidence           float64
	EstimatedWaitMinutes int
	CreatedAt            time.Time
}

// Repository is the pgx-backed decision store.
type Repository struct {
	pool *pgxpool.Pool
}

// New creates a routing decision repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create appends a decision to the audit trail.
func (r *Repository) Create(ctx context.Context, d Decision) (Decision, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	reasoning, err := json.Marshal(d.Reasoning)
	if err != nil {
		return Decision{}, fmt.Errorf("marshal reasoning: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO routing_decisions (id, tenant_id, lead_id, agent_id, queue, priority_level, reasoning, confidence, estimated_wait_minutes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		d.ID, d.TenantID, d.LeadID, d.AgentID, d.Queue, d.PriorityLevel,
		reasoning, d.Confidence, d.EstimatedWaitMinutes,
	)
	if err := row.Scan(&d.CreatedAt); err != nil {
		return Decision{}, fmt.Errorf("create routing decision: %w", err)
	}
	return d, nil
}

// LatestByLead returns the most recent decision for the lead.
func (r *Repository) LatestByLead(ctx context.Context, leadID uuid.UUID, tenantID uuid.UUID) (Decision, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, lead_id, agent_id, queue, priority_level, reasoning, confidence, estimated_wait_minutes, created_at
		FROM routing_decisions
		WHERE lead_id = $1 AND tenant_id = $2
		ORDER BY created_at DESC
		LIMIT 1`,
		leadID, tenantID,
	)
	d, err := scanDecision(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Decision{}, ErrNotFound
	}
	return d, err
}

// ListByLead returns all decisions for the lead, newest first.
func (r *Repository) ListByLead(ctx context.Context, leadID uuid.UUID, tenantID uuid.UUID) ([]Decision, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, lead_id, agent_id, queue, priority_level, reasoning, confidence, estimated_wait_minutes, created_at
		FROM routing_decisions
		WHERE lead_id = $1 AND tenant_id = $2
		ORDER BY created_at DESC`,
		leadID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list routing decisions: %w", err)
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

func scanDecision(row pgx.Row) (Decision, error) {
	var d Decision
	var reasoning []byte
	err := row.Scan(&d.ID, &d.TenantID, &d.LeadID, &d.AgentID, &d.Queue,
		&d.PriorityLevel, &reasoning, &d.Confidence, &d.EstimatedWaitMinutes, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Decision{}, err
		}
		return Decision{}, fmt.Errorf("scan routing decision: %w", err)
	}
	if len(reasoning) > 0 {
		if err := json.Unmarshal(reasoning, &d.Reasoning); err != nil {
			return Decision{}, fmt.Errorf("unmarshal reasoning: %w", err)
		}
	}
	return d, nil
}
