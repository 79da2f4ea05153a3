package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"leadrouter_backend/internal/leads/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("lead not found")

// ErrVersionConflict is returned when an optimistic version check fails:
// another caller mutated the lead's assignment between read and write.
var ErrVersionConflict = errors.New("lead version conflict")

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const leadColumns = `id, tenant_id, company, title, source, attributes, status,
	assigned_agent_id, needs_review, score, score_breakdown, scored_at,
	engagement_events, version, created_at, updated_at`

type CreateLeadParams struct {
	TenantID   uuid.UUID
	Company    string
	Title      string
	Source     string
	Attributes map[string]any
}

func (r *Repository) Create(ctx context.Context, params CreateLeadParams) (domain.Lead, error) {
	attrs, err := json.Marshal(params.Attributes)
	if err != nil {
		return domain.Lead{}, err
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO leads (tenant_id, company, title, source, attributes, status)
		VALUES ($1, $2, $3, $4, $5, 'new')
		RETURNING `+leadColumns+`
	`, params.TenantID, params.Company, params.Title, params.Source, attrs)

	return scanLead(row)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (domain.Lead, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+leadColumns+`
		FROM leads
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)

	lead, err := scanLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Lead{}, ErrNotFound
	}
	return lead, err
}

// UpdateScore caches the latest priority score on the lead row.
func (r *Repository) UpdateScore(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, score int, breakdown map[string]float64, scoredAt time.Time) error {
	breakdownJSON, err := json.Marshal(breakdown)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE leads
		SET score = $3, score_breakdown = $4, scored_at = $5, updated_at = now()
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID, score, breakdownJSON, scoredAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus moves the lead to the given status without touching assignment.
func (r *Repository) SetStatus(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, status domain.Status) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE leads
		SET status = $3, updated_at = now()
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignAgent commits an assignment with an optimistic version check. The
// update only lands if the lead's version still matches what the caller read.
func (r *Repository) AssignAgent(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, agentID uuid.UUID, status domain.Status, expectedVersion int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE leads
		SET status = $3, assigned_agent_id = $4, version = version + 1, updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND version = $5
	`, id, tenantID, status, agentID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ReassignAgent moves the lead between agents, verifying both the version and
// the currently assigned agent. A reassignment must abort if the lead changed
// hands since the optimizer took its snapshot.
func (r *Repository) ReassignAgent(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, fromAgent, toAgent uuid.UUID, expectedVersion int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE leads
		SET status = 'reassigned', assigned_agent_id = $4, version = version + 1, updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND assigned_agent_id = $3 AND version = $5
	`, id, tenantID, fromAgent, toAgent, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ClearAssignment detaches the lead from its agent and returns it to the
// queued state. Used after an SLA timeout ahead of re-routing.
func (r *Repository) ClearAssignment(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE leads
		SET status = 'queued', assigned_agent_id = NULL, version = version + 1, updated_at = now()
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FlagForReview marks a lead for manual review after queue corruption.
// The lead is never silently dropped.
func (r *Repository) FlagForReview(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE leads
		SET needs_review = true, updated_at = now()
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	return err
}

// IncrementEngagement adds engagement-feed events to the lead's counter.
func (r *Repository) IncrementEngagement(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, count int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE leads
		SET engagement_events = engagement_events + $3, updated_at = now()
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID, count)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAssigned returns all leads currently owned by an agent for the tenant.
// The optimizer sweeps over this set.
func (r *Repository) ListAssigned(ctx context.Context, tenantID uuid.UUID) ([]domain.Lead, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+leadColumns+`
		FROM leads
		WHERE tenant_id = $1 AND status IN ('assigned', 'reassigned')
		ORDER BY updated_at ASC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	leads := make([]domain.Lead, 0)
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, lead)
	}
	return leads, rows.Err()
}

// ListTenants returns the distinct tenants with non-terminal leads.
// Sweeps iterate per tenant so queue and agent state never cross tenants.
func (r *Repository) ListTenants(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT tenant_id
		FROM leads
		WHERE status NOT IN ('resolved', 'escalated')
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tenants := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

func scanLead(row pgx.Row) (domain.Lead, error) {
	var lead domain.Lead
	var attrs, breakdown []byte

	err := row.Scan(
		&lead.ID, &lead.TenantID, &lead.Company, &lead.Title, &lead.Source,
		&attrs, &lead.Status, &lead.AssignedAgentID, &lead.NeedsReview,
		&lead.Score, &breakdown, &lead.ScoredAt,
		&lead.EngagementEvents, &lead.Version, &lead.CreatedAt, &lead.UpdatedAt,
	)
	if err != nil {
		return domain.Lead{}, err
	}

	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &lead.Attributes); err != nil {
			return domain.Lead{}, err
		}
	}
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &lead.ScoreBreakdown); err != nil {
			return domain.Lead{}, err
		}
	}

	return lead, nil
}
